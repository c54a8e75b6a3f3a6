package config

// Default returns the baseline configuration before file and environment
// layers are applied.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir: "~/.local/share/sublarr",
			MediaDir: "/media",
			APIBind:  "127.0.0.1:7937",
		},
		Logging: Logging{
			Format:        "console",
			Level:         "info",
			RetentionDays: 30,
		},
		Probe: Probe{
			Engine:         "ffprobe",
			TimeoutSeconds: 30,
		},
		OpenSubtitles: OpenSubtitles{
			UserAgent: "Sublarr/dev",
		},
		Providers: Providers{
			SearchTimeoutSeconds:   20,
			DownloadTimeoutSeconds: 30,
			SearchWorkers:          4,
			FailureThreshold:       5,
			CooldownSeconds:        60,
			AutoDisableMinutes:     30,
			MaxArchiveBytes:        10 << 20,
		},
		Translation: Translation{
			TargetLanguages:    []string{"en"},
			PreferredBackend:   "ollama",
			BatchSize:          15,
			TimeoutSeconds:     90,
			FailureLimit:       10,
			AutoDisableMinutes: 30,
			Ollama: Ollama{
				URL:   "http://127.0.0.1:11434",
				Model: "qwen2.5:14b",
			},
			OpenAI: OpenAI{
				BaseURL: "https://api.openai.com/v1",
				Model:   "gpt-4o-mini",
			},
			DeepL: DeepL{
				Endpoint: "https://api-free.deepl.com/v2/translate",
			},
			LibreTranslate: LibreTranslate{
				URL: "http://127.0.0.1:5000",
			},
			GoogleTranslate: GoogleTranslate{
				Endpoint: "https://translation.googleapis.com/language/translate/v2",
			},
		},
		Pipeline: Pipeline{
			UpgradeMinScoreDelta: 10,
			UpgradeWindowDays:    7,
			JobDeadlineMinutes:   60,
		},
		Transcriber: Transcriber{
			Backend:       "api",
			Model:         "large-v3",
			MinConfidence: 0.6,
		},
		Wanted: Wanted{
			RescanIntervalHours: 6,
			BatchIntervalHours:  24,
			BatchWorkers:        2,
			FullSweepEvery:      6,
			ProbeWorkers:        4,
			RetryBaseMinutes:    30,
			RetryExponentCap:    5,
			MaxAttempts:         10,
		},
		Queue: Queue{
			Workers:                  2,
			PollIntervalSeconds:      2,
			HeartbeatIntervalSeconds: 15,
			HeartbeatTimeoutSeconds:  120,
			ShutdownGraceSeconds:     30,
		},
		MediaServer: MediaServer{
			TimeoutSeconds: 10,
		},
		Webhooks: Webhooks{
			TimeoutSeconds: 10,
		},
		Inbound: Inbound{
			ProcessDelayMinutes: 5,
		},
		Backup: Backup{
			Enabled: true,
			Daily:   7,
			Weekly:  4,
			Monthly: 3,
		},
	}
}
