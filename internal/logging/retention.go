package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RetentionTarget specifies a directory and filename pattern to prune.
type RetentionTarget struct {
	Dir     string
	Pattern string
	Exclude []string
}

// CleanupOldLogs removes files matching the provided targets that are older
// than retentionDays. A retentionDays value of 0 disables pruning.
func CleanupOldLogs(logger *slog.Logger, retentionDays int, targets ...RetentionTarget) {
	if retentionDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	exclusions := make(map[string]struct{})
	for _, target := range targets {
		for _, path := range target.Exclude {
			if trimmed := strings.TrimSpace(path); trimmed != "" {
				if abs, err := filepath.Abs(trimmed); err == nil {
					exclusions[abs] = struct{}{}
				}
			}
		}
	}

	for _, target := range targets {
		dir := strings.TrimSpace(target.Dir)
		if dir == "" {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			if target.Pattern != "" {
				if ok, matchErr := filepath.Match(target.Pattern, name); matchErr != nil || !ok {
					continue
				}
			}
			full := filepath.Join(dir, name)
			if abs, absErr := filepath.Abs(full); absErr == nil {
				if _, excluded := exclusions[abs]; excluded {
					continue
				}
			}
			info, infoErr := entry.Info()
			if infoErr != nil {
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}
			if removeErr := os.Remove(full); removeErr != nil {
				if logger != nil {
					logger.Warn("prune old log failed", Args(Error(removeErr), String("file", full))...)
				}
				continue
			}
			if logger != nil {
				logger.Debug("pruned old log", Args(String("file", full))...)
			}
		}
	}
}
