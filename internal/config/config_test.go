package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.toml")
	cfg, resolved, exists, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if exists {
		t.Error("exists should be false for a missing file")
	}
	if resolved == "" {
		t.Error("resolved path should still be reported")
	}
	if cfg.Paths.APIBind != "127.0.0.1:7937" {
		t.Errorf("api_bind = %q", cfg.Paths.APIBind)
	}
	if cfg.Translation.BatchSize != 15 {
		t.Errorf("batch_size = %d", cfg.Translation.BatchSize)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[paths]
state_dir = "/tmp/sublarr-state"
media_dir = "/tmp/sublarr-media"
api_bind = "0.0.0.0:9000"

[translation]
target_languages = ["de", "fr"]
batch_size = 25
`)
	cfg, _, exists, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !exists {
		t.Fatal("exists should be true")
	}
	if cfg.Paths.APIBind != "0.0.0.0:9000" {
		t.Errorf("api_bind = %q", cfg.Paths.APIBind)
	}
	if cfg.Translation.BatchSize != 25 {
		t.Errorf("batch_size = %d", cfg.Translation.BatchSize)
	}
	if len(cfg.Translation.TargetLanguages) != 2 || cfg.Translation.TargetLanguages[0] != "de" {
		t.Errorf("target_languages = %v", cfg.Translation.TargetLanguages)
	}
	// File values survive, untouched defaults remain.
	if cfg.Providers.FailureThreshold != 5 {
		t.Errorf("failure_threshold = %d", cfg.Providers.FailureThreshold)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
[paths]
state_dir = "/tmp/sublarr-state"
media_dir = "/tmp/sublarr-media"
api_token = "from-file"
`)
	t.Setenv("SUBLARR_API_TOKEN", "from-env")
	t.Setenv("SUBLARR_LOG_LEVEL", "DEBUG")

	cfg, _, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Paths.APIToken != "from-env" {
		t.Errorf("api_token = %q, want env value", cfg.Paths.APIToken)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want normalized env value", cfg.Logging.Level)
	}
}

func TestLoadNormalizesLanguages(t *testing.T) {
	path := writeConfig(t, `
[paths]
state_dir = "/tmp/sublarr-state"
media_dir = "/tmp/sublarr-media"

[translation]
target_languages = ["GER", "en", "bogus"]
`)
	cfg, _, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"de", "en"}
	if len(cfg.Translation.TargetLanguages) != len(want) {
		t.Fatalf("target_languages = %v, want %v", cfg.Translation.TargetLanguages, want)
	}
	for i, lang := range want {
		if cfg.Translation.TargetLanguages[i] != lang {
			t.Errorf("target_languages[%d] = %q, want %q", i, cfg.Translation.TargetLanguages[i], lang)
		}
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty state dir", func(c *Config) { c.Paths.StateDir = "" }, "paths.state_dir"},
		{"bad probe engine", func(c *Config) { c.Probe.Engine = "mkvinfo" }, "probe.engine"},
		{"unknown backend", func(c *Config) { c.Translation.PreferredBackend = "babelfish" }, "preferred_backend"},
		{"unknown chain entry", func(c *Config) { c.Translation.FallbackChain = []string{"babelfish"} }, "fallback_chain"},
		{"no target languages", func(c *Config) { c.Translation.TargetLanguages = nil }, "target_languages"},
		{"api transcriber without url", func(c *Config) {
			c.Transcriber.Enabled = true
			c.Transcriber.Backend = "api"
			c.Transcriber.APIURL = ""
		}, "transcriber.api_url"},
		{"enabled provider without key", func(c *Config) { c.OpenSubtitles.Enabled = true }, "opensubtitles.api_key"},
		{"media server without url", func(c *Config) { c.MediaServer.Enabled = true }, "media_server.url"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate should fail")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestCreateSampleRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	if _, _, exists, err := Load(path); err != nil || !exists {
		t.Fatalf("sample should load cleanly: exists=%v err=%v", exists, err)
	}
}

func TestEnsureDirectoriesSkipsMediaDir(t *testing.T) {
	base := t.TempDir()
	cfg := Default()
	cfg.Paths.StateDir = filepath.Join(base, "state")
	cfg.Paths.MediaDir = filepath.Join(base, "media")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	for _, dir := range []string{cfg.Paths.StateDir, cfg.LogDir(), cfg.BackupDir()} {
		if _, err := os.Stat(dir); err != nil {
			t.Errorf("missing %s: %v", dir, err)
		}
	}
	if _, err := os.Stat(cfg.Paths.MediaDir); !os.IsNotExist(err) {
		t.Error("media dir must not be created")
	}
}

func TestExpandPathHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}
	got, err := ExpandPath("~/media")
	if err != nil {
		t.Fatalf("ExpandPath: %v", err)
	}
	if got != filepath.Join(home, "media") {
		t.Errorf("ExpandPath = %q", got)
	}
}
