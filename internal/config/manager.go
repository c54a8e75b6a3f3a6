package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// OverrideSource supplies the runtime override layer. The store's
// config_entries repository satisfies this.
type OverrideSource interface {
	AllConfigEntries() (map[string]string, error)
	SetConfigEntry(key, value string) error
}

// Manager resolves the effective configuration lazily: base (file + env)
// merged with runtime overrides. Effective snapshots are cached until
// Invalidate is called, which also bumps the fingerprint consumed by
// dependent caches (scoring weights, provider configs).
type Manager struct {
	mu        sync.RWMutex
	base      *Config
	overrides OverrideSource
	cached    *Config
	stamp     string
}

// NewManager wires the base configuration with an override source. The
// override source may be nil (no runtime layer).
func NewManager(base *Config, overrides OverrideSource) *Manager {
	return &Manager{base: base, overrides: overrides}
}

// Base returns the file+env configuration without runtime overrides.
func (m *Manager) Base() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.base
}

// Effective resolves the current configuration with overrides applied.
func (m *Manager) Effective() (*Config, error) {
	m.mu.RLock()
	if m.cached != nil {
		cfg := m.cached
		m.mu.RUnlock()
		return cfg, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached != nil {
		return m.cached, nil
	}

	merged := *m.base
	entries := map[string]string{}
	if m.overrides != nil {
		loaded, err := m.overrides.AllConfigEntries()
		if err != nil {
			return nil, fmt.Errorf("load config overrides: %w", err)
		}
		entries = loaded
	}
	for key, value := range entries {
		applyOverride(&merged, key, value)
	}
	m.cached = &merged
	m.stamp = fingerprint(&merged, entries)
	return m.cached, nil
}

// SetOverride persists a runtime override and invalidates the cache.
func (m *Manager) SetOverride(key, value string) error {
	if m.overrides == nil {
		return fmt.Errorf("runtime overrides unavailable: no store attached")
	}
	if err := m.overrides.SetConfigEntry(strings.TrimSpace(key), value); err != nil {
		return err
	}
	m.Invalidate()
	return nil
}

// Invalidate drops the cached effective config so the next read re-resolves.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.cached = nil
	m.stamp = ""
	m.mu.Unlock()
}

// Fingerprint identifies the current effective configuration. Caches keyed by
// config (scoring weight tables) compare this to detect staleness.
func (m *Manager) Fingerprint() string {
	if _, err := m.Effective(); err != nil {
		return ""
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stamp
}

// applyOverride maps a dotted override key onto the merged config. Unknown
// keys are ignored; they stay visible through the raw config_entries API.
func applyOverride(cfg *Config, key, value string) {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "logging.level":
		cfg.Logging.Level = value
	case "providers.failure_threshold":
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			cfg.Providers.FailureThreshold = n
		}
	case "providers.cooldown_seconds":
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			cfg.Providers.CooldownSeconds = n
		}
	case "providers.search_timeout_seconds":
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			cfg.Providers.SearchTimeoutSeconds = n
		}
	case "translation.preferred_backend":
		cfg.Translation.PreferredBackend = strings.ToLower(strings.TrimSpace(value))
	case "translation.batch_size":
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			cfg.Translation.BatchSize = n
		}
	case "pipeline.upgrade_min_score_delta":
		if n, err := strconv.Atoi(value); err == nil && n >= 0 {
			cfg.Pipeline.UpgradeMinScoreDelta = n
		}
	case "pipeline.upgrade_window_days":
		if n, err := strconv.Atoi(value); err == nil && n >= 0 {
			cfg.Pipeline.UpgradeWindowDays = n
		}
	default:
		if strings.HasPrefix(key, "score.") {
			if cfg.Providers.ScoreOverrides == nil {
				cfg.Providers.ScoreOverrides = map[string]int{}
			}
			if n, err := strconv.Atoi(value); err == nil {
				cfg.Providers.ScoreOverrides[strings.TrimPrefix(key, "score.")] = n
			}
		}
	}
}

func fingerprint(cfg *Config, overrides map[string]string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%d|%d|%d|%s|%d",
		cfg.Providers.FailureThreshold,
		cfg.Providers.CooldownSeconds,
		cfg.Pipeline.UpgradeMinScoreDelta,
		cfg.Translation.BatchSize,
		cfg.Translation.PreferredBackend,
		cfg.Providers.SearchTimeoutSeconds,
	)
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "|%s=%s", k, overrides[k])
	}
	return hex.EncodeToString(h.Sum(nil)[:12])
}

// MaskSecrets returns a copy of entries with values for secret-looking keys
// replaced, for GET /config responses.
func MaskSecrets(entries map[string]string) map[string]string {
	masked := make(map[string]string, len(entries))
	for key, value := range entries {
		lower := strings.ToLower(key)
		if strings.Contains(lower, "key") || strings.Contains(lower, "token") ||
			strings.Contains(lower, "password") || strings.Contains(lower, "secret") {
			if value != "" {
				value = "********"
			}
		}
		masked[key] = value
	}
	return masked
}
