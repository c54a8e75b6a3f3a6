package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"sublarr/internal/config"
	"sublarr/internal/errkind"
	"sublarr/internal/logging"
)

// BackupRunner snapshots the database into rotated daily, weekly, and
// monthly tiers under the state directory.
type BackupRunner struct {
	store  *Store
	cfg    config.Backup
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

// NewBackupRunner builds a runner writing under cfg.BackupDir().
func NewBackupRunner(store *Store, cfg *config.Config, logger *slog.Logger) *BackupRunner {
	return &BackupRunner{
		store:  store,
		cfg:    cfg.Backup,
		dir:    cfg.BackupDir(),
		logger: logging.NewComponentLogger(logger, "backup"),
		now:    time.Now,
	}
}

// Run takes one snapshot and rotates the tiers. A snapshot lands in daily/
// always, and is additionally promoted to weekly/ on Mondays and monthly/ on
// the first of the month. Integrity is verified before the snapshot replaces
// anything.
func (r *BackupRunner) Run(ctx context.Context) error {
	if !r.cfg.Enabled {
		return nil
	}

	if err := r.store.Checkpoint(ctx); err != nil {
		return err
	}
	row := r.store.db.QueryRowContext(ctx, "PRAGMA integrity_check")
	var result string
	if err := row.Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if !strings.EqualFold(result, "ok") {
		return errkind.New(errkind.KindStoreIntegrity,
			"refusing to back up a corrupt database").
			WithHint("integrity_check reported: " + result)
	}

	now := r.now().UTC()
	stamp := now.Format("20060102-150405")

	tiers := []struct {
		name string
		keep int
		take bool
	}{
		{"daily", r.cfg.Daily, true},
		{"weekly", r.cfg.Weekly, now.Weekday() == time.Monday},
		{"monthly", r.cfg.Monthly, now.Day() == 1},
	}
	for _, tier := range tiers {
		if !tier.take || tier.keep <= 0 {
			continue
		}
		dir := filepath.Join(r.dir, tier.name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create backup dir: %w", err)
		}
		target := filepath.Join(dir, fmt.Sprintf("sublarr-%s.db", stamp))
		if err := r.snapshot(ctx, target); err != nil {
			return err
		}
		pruned, err := pruneBackups(dir, tier.keep)
		if err != nil {
			return err
		}
		r.logger.Info("backup complete",
			logging.Args(
				logging.String("tier", tier.name),
				logging.String(logging.FieldPath, target),
				logging.Int("pruned", pruned),
			)...)
	}
	return nil
}

func (r *BackupRunner) snapshot(ctx context.Context, target string) error {
	// VACUUM INTO produces a compact, consistent copy without blocking
	// readers.
	if _, err := r.store.db.ExecContext(ctx, "VACUUM INTO ?", target); err != nil {
		return fmt.Errorf("vacuum into %s: %w", target, err)
	}
	return nil
}

func pruneBackups(dir string, keep int) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read backup dir: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".db") {
			continue
		}
		names = append(names, entry.Name())
	}
	// Timestamped names sort chronologically.
	sort.Strings(names)
	pruned := 0
	for len(names) > keep {
		if err := os.Remove(filepath.Join(dir, names[0])); err != nil {
			return pruned, fmt.Errorf("prune backup: %w", err)
		}
		names = names[1:]
		pruned++
	}
	return pruned, nil
}
