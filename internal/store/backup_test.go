package store_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sublarr/internal/logging"
	"sublarr/internal/store"
	"sublarr/internal/testsupport"
)

func TestBackupRunnerWritesDailySnapshot(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithBackupRetention(2, 4, 12))
	st := testsupport.MustOpenStore(t, cfg)
	testsupport.EnqueueJob(t, st, store.JobTranslate, "/media/a.mkv", "de")

	runner := store.NewBackupRunner(st, cfg, logging.NewNop())
	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(cfg.BackupDir(), "daily"))
	if err != nil {
		t.Fatalf("read daily dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("daily snapshots = %d, want 1", len(entries))
	}
	if !strings.HasPrefix(entries[0].Name(), "sublarr-") || !strings.HasSuffix(entries[0].Name(), ".db") {
		t.Fatalf("unexpected snapshot name %q", entries[0].Name())
	}

	info, err := entries[0].Info()
	if err != nil {
		t.Fatalf("snapshot info: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("snapshot is empty")
	}
}

func TestBackupRunnerDisabled(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Backup.Enabled = false
	st := testsupport.MustOpenStore(t, cfg)

	runner := store.NewBackupRunner(st, cfg, logging.NewNop())
	if err := runner.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.BackupDir(), "daily")); !os.IsNotExist(err) {
		t.Fatalf("daily dir created while disabled: %v", err)
	}
}
