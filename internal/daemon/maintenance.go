package daemon

import (
	"context"
	"path/filepath"
	"time"

	"sublarr/internal/logging"
	"sublarr/internal/store"
)

const (
	maintenanceInterval = 6 * time.Hour
	backupInterval      = 24 * time.Hour

	historyRetention    = 90 * 24 * time.Hour
	jobRetention        = 30 * 24 * time.Hour
	probeCacheRetention = 30 * 24 * time.Hour
)

// maintenanceLoop prunes aged rows and logs on a fixed cadence and drives
// the backup rotation. The first pass runs right after startup so a daemon
// that is restarted daily still gets its housekeeping.
func (d *Daemon) maintenanceLoop(ctx context.Context) {
	backup := store.NewBackupRunner(d.store, d.cfg, d.logger)

	d.runMaintenance(ctx)
	d.runBackup(ctx, backup)

	prune := time.NewTicker(maintenanceInterval)
	defer prune.Stop()
	snapshots := time.NewTicker(backupInterval)
	defer snapshots.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-prune.C:
			d.runMaintenance(ctx)
		case <-snapshots.C:
			d.runBackup(ctx, backup)
		}
	}
}

func (d *Daemon) runMaintenance(ctx context.Context) {
	now := time.Now()

	if n, err := d.store.PruneHistory(ctx, now.Add(-historyRetention)); err != nil {
		d.logger.Warn("prune history failed", logging.Args(logging.Error(err))...)
	} else if n > 0 {
		d.logger.Debug("pruned history rows", logging.Args(logging.Int64("rows", n))...)
	}
	if n, err := d.store.PruneJobs(ctx, now.Add(-jobRetention)); err != nil {
		d.logger.Warn("prune jobs failed", logging.Args(logging.Error(err))...)
	} else if n > 0 {
		d.logger.Debug("pruned terminal jobs", logging.Args(logging.Int64("rows", n))...)
	}
	if n, err := d.store.PruneProbeCache(ctx, now.Add(-probeCacheRetention)); err != nil {
		d.logger.Warn("prune probe cache failed", logging.Args(logging.Error(err))...)
	} else if n > 0 {
		d.logger.Debug("pruned probe cache rows", logging.Args(logging.Int64("rows", n))...)
	}

	logDir := d.cfg.LogDir()
	logging.CleanupOldLogs(d.logger, d.cfg.Logging.RetentionDays, logging.RetentionTarget{
		Dir:     logDir,
		Pattern: "*.log*",
		Exclude: []string{filepath.Join(logDir, "sublarrd.log")},
	})
}

func (d *Daemon) runBackup(ctx context.Context, backup *store.BackupRunner) {
	if !d.cfg.Backup.Enabled {
		return
	}
	if err := backup.Run(ctx); err != nil {
		d.logger.Warn("database backup failed", logging.Args(logging.Error(err))...)
	}
}
