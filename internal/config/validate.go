package config

import (
	"errors"
	"fmt"
	"strings"
)

var knownBackends = map[string]struct{}{
	"ollama":          {},
	"openai":          {},
	"deepl":           {},
	"libretranslate":  {},
	"googletranslate": {},
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Paths.StateDir) == "" {
		problems = append(problems, "paths.state_dir is required")
	}
	if strings.TrimSpace(c.Paths.MediaDir) == "" {
		problems = append(problems, "paths.media_dir is required")
	}
	switch c.Probe.Engine {
	case "ffprobe", "mediainfo":
	default:
		problems = append(problems, fmt.Sprintf("probe.engine: unsupported value %q", c.Probe.Engine))
	}
	if c.Translation.PreferredBackend != "" {
		if _, ok := knownBackends[c.Translation.PreferredBackend]; !ok {
			problems = append(problems, fmt.Sprintf("translation.preferred_backend: unknown backend %q", c.Translation.PreferredBackend))
		}
	}
	for _, name := range c.Translation.FallbackChain {
		if _, ok := knownBackends[name]; !ok {
			problems = append(problems, fmt.Sprintf("translation.fallback_chain: unknown backend %q", name))
		}
	}
	if len(c.Translation.TargetLanguages) == 0 {
		problems = append(problems, "translation.target_languages must name at least one language")
	}
	switch c.Transcriber.Backend {
	case "api", "local":
	default:
		problems = append(problems, fmt.Sprintf("transcriber.backend: unsupported value %q", c.Transcriber.Backend))
	}
	if c.Transcriber.Enabled && c.Transcriber.Backend == "api" && strings.TrimSpace(c.Transcriber.APIURL) == "" {
		problems = append(problems, "transcriber.api_url is required when transcriber.backend is \"api\"")
	}
	if c.OpenSubtitles.Enabled && strings.TrimSpace(c.OpenSubtitles.APIKey) == "" {
		problems = append(problems, "opensubtitles.api_key is required when the provider is enabled")
	}
	if c.SubDL.Enabled && strings.TrimSpace(c.SubDL.APIKey) == "" {
		problems = append(problems, "subdl.api_key is required when the provider is enabled")
	}
	if c.MediaServer.Enabled && strings.TrimSpace(c.MediaServer.URL) == "" {
		problems = append(problems, "media_server.url is required when media_server.enabled is true")
	}

	if len(problems) > 0 {
		return errors.New("invalid configuration:\n  - " + strings.Join(problems, "\n  - "))
	}
	return nil
}
