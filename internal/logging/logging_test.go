package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"nonsense", slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := ParseLevel(tc.in); got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := New(Options{Format: "xml"}); err == nil {
		t.Fatal("New should reject unknown formats")
	}
}

func TestNewWritesJSONFile(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(Options{Level: "debug", Format: "json", LogDir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("hello", Args(String("component", "test"))...)

	data, err := os.ReadFile(filepath.Join(dir, "sublarrd.log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("log file is empty")
	}
}

func touch(t *testing.T, path string, age time.Duration) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	stamp := time.Now().Add(-age)
	if err := os.Chtimes(path, stamp, stamp); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func TestCleanupOldLogs(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "sublarrd.log.1")
	fresh := filepath.Join(dir, "sublarrd.log.2")
	active := filepath.Join(dir, "sublarrd.log")
	unrelated := filepath.Join(dir, "notes.txt")
	touch(t, old, 40*24*time.Hour)
	touch(t, fresh, time.Hour)
	touch(t, active, 40*24*time.Hour)
	touch(t, unrelated, 40*24*time.Hour)

	CleanupOldLogs(NewNop(), 30, RetentionTarget{
		Dir:     dir,
		Pattern: "*.log*",
		Exclude: []string{active},
	})

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("expired rotation should be removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh rotation removed: %v", err)
	}
	if _, err := os.Stat(active); err != nil {
		t.Errorf("excluded active log removed: %v", err)
	}
	if _, err := os.Stat(unrelated); err != nil {
		t.Errorf("non-matching file removed: %v", err)
	}
}

func TestCleanupDisabledByZeroRetention(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "sublarrd.log.1")
	touch(t, old, 400*24*time.Hour)

	CleanupOldLogs(NewNop(), 0, RetentionTarget{Dir: dir, Pattern: "*.log*"})

	if _, err := os.Stat(old); err != nil {
		t.Errorf("zero retention must not prune: %v", err)
	}
}
