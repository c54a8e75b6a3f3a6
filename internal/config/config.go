// Package config loads and validates Sublarr configuration. Values resolve in
// three layers: process environment, TOML file, then runtime overrides
// persisted in the store (applied by Manager).
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	StateDir string `toml:"state_dir"`
	MediaDir string `toml:"media_dir"`
	APIBind  string `toml:"api_bind"`
	APIToken string `toml:"api_token"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Probe selects and tunes the stream metadata engine.
type Probe struct {
	Engine         string `toml:"engine"` // ffprobe or mediainfo
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// OpenSubtitles contains credentials for the OpenSubtitles REST provider.
type OpenSubtitles struct {
	Enabled   bool   `toml:"enabled"`
	APIKey    string `toml:"api_key"`
	UserAgent string `toml:"user_agent"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
}

// SubDL contains credentials for the SubDL provider.
type SubDL struct {
	Enabled bool   `toml:"enabled"`
	APIKey  string `toml:"api_key"`
}

// Providers contains engine-wide provider search settings.
type Providers struct {
	SearchTimeoutSeconds   int            `toml:"search_timeout_seconds"`
	DownloadTimeoutSeconds int            `toml:"download_timeout_seconds"`
	SearchWorkers          int            `toml:"search_workers"`
	FailureThreshold       int            `toml:"failure_threshold"`
	CooldownSeconds        int            `toml:"cooldown_seconds"`
	AutoDisableMinutes     int            `toml:"auto_disable_minutes"`
	MaxArchiveBytes        int64          `toml:"max_archive_bytes"`
	ScoreOverrides         map[string]int `toml:"score_overrides"`
}

// Ollama configures the local LLM generate backend.
type Ollama struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
	Model   string `toml:"model"`
}

// OpenAI configures the OpenAI-compatible chat backend.
type OpenAI struct {
	Enabled bool   `toml:"enabled"`
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
}

// DeepL configures the commercial sentence-translation backend.
type DeepL struct {
	Enabled  bool   `toml:"enabled"`
	APIKey   string `toml:"api_key"`
	Endpoint string `toml:"endpoint"`
}

// LibreTranslate configures the self-hostable sentence backend.
type LibreTranslate struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
	APIKey  string `toml:"api_key"`
}

// GoogleTranslate configures the cloud translation backend.
type GoogleTranslate struct {
	Enabled  bool   `toml:"enabled"`
	APIKey   string `toml:"api_key"`
	Endpoint string `toml:"endpoint"`
}

// Translation contains engine-wide translation settings.
type Translation struct {
	TargetLanguages    []string        `toml:"target_languages"`
	PreferredBackend   string          `toml:"preferred_backend"`
	FallbackChain      []string        `toml:"fallback_chain"`
	BatchSize          int             `toml:"batch_size"`
	TimeoutSeconds     int             `toml:"timeout_seconds"`
	FailureLimit       int             `toml:"failure_limit"`
	AutoDisableMinutes int             `toml:"auto_disable_minutes"`
	// Glossary pins translations for terms that must come out the same in
	// every file. Per-series glossaries stored in the database override it.
	Glossary map[string]string `toml:"glossary"`
	Ollama             Ollama          `toml:"ollama"`
	OpenAI             OpenAI          `toml:"openai"`
	DeepL              DeepL           `toml:"deepl"`
	LibreTranslate     LibreTranslate  `toml:"libretranslate"`
	GoogleTranslate    GoogleTranslate `toml:"googletranslate"`
}

// Pipeline contains acquisition decision thresholds.
type Pipeline struct {
	UpgradeMinScoreDelta int `toml:"upgrade_min_score_delta"`
	UpgradeWindowDays    int `toml:"upgrade_window_days"`
	JobDeadlineMinutes   int `toml:"job_deadline_minutes"`
}

// Transcriber contains speech-to-text settings.
type Transcriber struct {
	Enabled       bool    `toml:"enabled"`
	Backend       string  `toml:"backend"` // api or local
	APIURL        string  `toml:"api_url"`
	Command       string  `toml:"command"`
	Model         string  `toml:"model"`
	MinConfidence float64 `toml:"min_confidence"`
}

// Wanted contains reconciler and scheduler settings.
type Wanted struct {
	RescanIntervalHours int `toml:"rescan_interval_hours"`
	BatchIntervalHours  int `toml:"batch_interval_hours"`
	BatchWorkers        int `toml:"batch_workers"`
	FullSweepEvery      int `toml:"full_sweep_every"`
	ProbeWorkers        int `toml:"probe_workers"`
	RetryBaseMinutes    int `toml:"retry_base_minutes"`
	RetryExponentCap    int `toml:"retry_exponent_cap"`
	MaxAttempts         int `toml:"max_attempts"`
}

// Queue contains job worker pool settings.
type Queue struct {
	Workers                  int `toml:"workers"`
	PollIntervalSeconds      int `toml:"poll_interval_seconds"`
	HeartbeatIntervalSeconds int `toml:"heartbeat_interval_seconds"`
	HeartbeatTimeoutSeconds  int `toml:"heartbeat_timeout_seconds"`
	ShutdownGraceSeconds     int `toml:"shutdown_grace_seconds"`
}

// MediaServer configures refresh notifications to the media server.
type MediaServer struct {
	Enabled        bool   `toml:"enabled"`
	URL            string `toml:"url"`
	APIKey         string `toml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Webhooks configures user-defined outbound event webhooks.
type Webhooks struct {
	URLs           []string `toml:"urls"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
}

// Inbound configures the library-source webhook intake.
type Inbound struct {
	ProcessDelayMinutes int `toml:"process_delay_minutes"`
}

// Backup configures database backup rotation.
type Backup struct {
	Enabled bool `toml:"enabled"`
	Daily   int  `toml:"daily"`
	Weekly  int  `toml:"weekly"`
	Monthly int  `toml:"monthly"`
}

// Config encapsulates all configuration values for Sublarr.
//
// Configuration sections by subsystem:
//   - Paths: state directory, media mount, API bind address and token
//   - Logging: log format, level, and retention
//   - Probe: stream metadata engine selection
//   - OpenSubtitles / SubDL: provider credentials
//   - Providers: search fan-out, rate limiting, breaker thresholds
//   - Translation: backend chain, batching, per-backend connection settings
//   - Pipeline: upgrade gate and job deadline
//   - Transcriber: speech-to-text lane
//   - Wanted: reconcile and batch-search scheduling
//   - Queue: worker pool and heartbeats
//   - MediaServer: library refresh notifications
//   - Webhooks / Inbound: outbound event posts and library-source intake
//   - Backup: database backup rotation
type Config struct {
	Paths         Paths         `toml:"paths"`
	Logging       Logging       `toml:"logging"`
	Probe         Probe         `toml:"probe"`
	OpenSubtitles OpenSubtitles `toml:"opensubtitles"`
	SubDL         SubDL         `toml:"subdl"`
	Providers     Providers     `toml:"providers"`
	Translation   Translation   `toml:"translation"`
	Pipeline      Pipeline      `toml:"pipeline"`
	Transcriber   Transcriber   `toml:"transcriber"`
	Wanted        Wanted        `toml:"wanted"`
	Queue         Queue         `toml:"queue"`
	MediaServer   MediaServer   `toml:"media_server"`
	Webhooks      Webhooks      `toml:"webhooks"`
	Inbound       Inbound       `toml:"inbound"`
	Backup        Backup        `toml:"backup"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/sublarr/config.toml")
}

// Load locates, parses, and validates a configuration file. Environment
// variables override file values. The returned config has all path fields
// expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

// applyEnv overlays SUBLARR_* environment variables onto the file values.
func (c *Config) applyEnv() {
	overlay := func(key string, dst *string) {
		if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
			*dst = strings.TrimSpace(value)
		}
	}
	overlay("SUBLARR_STATE_DIR", &c.Paths.StateDir)
	overlay("SUBLARR_MEDIA_DIR", &c.Paths.MediaDir)
	overlay("SUBLARR_API_BIND", &c.Paths.APIBind)
	overlay("SUBLARR_API_TOKEN", &c.Paths.APIToken)
	overlay("SUBLARR_LOG_LEVEL", &c.Logging.Level)
	overlay("SUBLARR_OPENSUBTITLES_API_KEY", &c.OpenSubtitles.APIKey)
	overlay("SUBLARR_SUBDL_API_KEY", &c.SubDL.APIKey)
	overlay("SUBLARR_OPENAI_API_KEY", &c.Translation.OpenAI.APIKey)
	overlay("SUBLARR_DEEPL_API_KEY", &c.Translation.DeepL.APIKey)
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("sublarr.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the state directory tree for daemon operation.
// MediaDir is a separate mount and is never created here.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.LogDir(), c.BackupDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// LogDir returns the logs subdirectory of the state directory.
func (c *Config) LogDir() string {
	return filepath.Join(c.Paths.StateDir, "logs")
}

// BackupDir returns the backups subdirectory of the state directory.
func (c *Config) BackupDir() string {
	return filepath.Join(c.Paths.StateDir, "backups")
}

// DatabasePath returns the SQLite database file location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.StateDir, "sublarr.db")
}

// FFprobeBinary returns the ffprobe executable name used for stream probing.
func (c *Config) FFprobeBinary() string {
	return "ffprobe"
}

// FFmpegBinary returns the ffmpeg executable name used for stream extraction.
func (c *Config) FFmpegBinary() string {
	return "ffmpeg"
}

// MediaInfoBinary returns the mediainfo executable name.
func (c *Config) MediaInfoBinary() string {
	return "mediainfo"
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
