// Package testsupport provides shared helpers for package tests: temp-dir
// configs, store setup, and media fixtures.
package testsupport

import (
	"path/filepath"
	"testing"

	"sublarr/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.StateDir = filepath.Join(base, "state")
	cfg.Paths.MediaDir = filepath.Join(base, "media")
	cfg.Paths.APIBind = "127.0.0.1:0"

	for _, opt := range opts {
		opt(&cfg)
	}
	return &cfg
}

// WithTargetLanguages overrides the translation target list.
func WithTargetLanguages(langs ...string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Translation.TargetLanguages = langs
	}
}

// WithBackupRetention enables backups with the given tier retention.
func WithBackupRetention(daily, weekly, monthly int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Backup.Enabled = true
		cfg.Backup.Daily = daily
		cfg.Backup.Weekly = weekly
		cfg.Backup.Monthly = monthly
	}
}
