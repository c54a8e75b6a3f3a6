package config

import (
	"strings"

	"sublarr/internal/language"
)

func (c *Config) normalize() error {
	var err error
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return err
	}
	if c.Paths.MediaDir, err = expandPath(c.Paths.MediaDir); err != nil {
		return err
	}

	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	c.Probe.Engine = strings.ToLower(strings.TrimSpace(c.Probe.Engine))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Translation.PreferredBackend = strings.ToLower(strings.TrimSpace(c.Translation.PreferredBackend))
	c.Transcriber.Backend = strings.ToLower(strings.TrimSpace(c.Transcriber.Backend))

	chain := make([]string, 0, len(c.Translation.FallbackChain))
	for _, name := range c.Translation.FallbackChain {
		if trimmed := strings.ToLower(strings.TrimSpace(name)); trimmed != "" {
			chain = append(chain, trimmed)
		}
	}
	c.Translation.FallbackChain = chain

	langs := make([]string, 0, len(c.Translation.TargetLanguages))
	for _, lang := range c.Translation.TargetLanguages {
		normalized, ok := language.Normalize(lang)
		if !ok {
			continue
		}
		langs = append(langs, normalized)
	}
	if len(langs) > 0 {
		c.Translation.TargetLanguages = langs
	}

	if c.Translation.BatchSize <= 0 {
		c.Translation.BatchSize = 15
	}
	if c.Providers.SearchWorkers <= 0 {
		c.Providers.SearchWorkers = 4
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 2
	}
	if c.Providers.MaxArchiveBytes <= 0 {
		c.Providers.MaxArchiveBytes = 10 << 20
	}
	return nil
}
