package translator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sublarr/internal/errkind"
)

func init() {
	Register("ollama", func(deps BackendDeps) (Backend, bool) {
		cfg := deps.Config.Ollama
		if !cfg.Enabled {
			return nil, false
		}
		return NewOllamaBackend(OllamaConfig{
			URL:            cfg.URL,
			Model:          cfg.Model,
			TimeoutSeconds: deps.Config.TimeoutSeconds,
		}), true
	})
}

// OllamaConfig captures the runtime settings for the local LLM backend.
type OllamaConfig struct {
	URL            string
	Model          string
	TimeoutSeconds int
}

// OllamaBackend talks to a local Ollama instance via its generate endpoint.
type OllamaBackend struct {
	cfg        OllamaConfig
	httpClient *http.Client
}

// OllamaOption customizes the backend.
type OllamaOption func(*OllamaBackend)

// WithOllamaHTTPClient overrides the default HTTP client.
func WithOllamaHTTPClient(client *http.Client) OllamaOption {
	return func(b *OllamaBackend) {
		if client != nil {
			b.httpClient = client
		}
	}
}

// NewOllamaBackend constructs the backend.
func NewOllamaBackend(cfg OllamaConfig, opts ...OllamaOption) *OllamaBackend {
	timeout := 90 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	cfg.URL = strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if cfg.URL == "" {
		cfg.URL = "http://localhost:11434"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "llama3.1"
	}
	backend := &OllamaBackend{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(backend)
	}
	return backend
}

func (b *OllamaBackend) Name() string { return "ollama" }

func (b *OllamaBackend) SupportsBatch() bool { return true }

func (b *OllamaBackend) MaxBatchSize() int { return 15 }

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// TranslateBatch submits the numbered block and parses the numbered answer.
func (b *OllamaBackend) TranslateBatch(ctx context.Context, batch Batch) ([]string, error) {
	system, user := buildPrompt(batch)
	payload := ollamaGenerateRequest{
		Model:  b.cfg.Model,
		Prompt: user,
		System: system,
		Stream: false,
	}
	response, err := b.generate(ctx, payload)
	if err != nil {
		return nil, err
	}
	lines, complete := ParseNumbered(response, len(batch.Lines))
	if !complete {
		got := 0
		for _, line := range lines {
			if line != "" {
				got++
			}
		}
		return lines, &MismatchError{Want: len(batch.Lines), Got: got, Lines: lines}
	}
	return lines, nil
}

// HealthCheck verifies the model answers at all.
func (b *OllamaBackend) HealthCheck(ctx context.Context) error {
	payload := ollamaGenerateRequest{
		Model:  b.cfg.Model,
		Prompt: "Reply with the single word: ok",
		Stream: false,
	}
	response, err := b.generate(ctx, payload)
	if err != nil {
		return err
	}
	if strings.TrimSpace(response) == "" {
		return errkind.New(errkind.KindBackendUnavailable, "ollama returned an empty response")
	}
	return nil
}

func (b *OllamaBackend) generate(ctx context.Context, payload ollamaGenerateRequest) (string, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("ollama: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.URL+"/api/generate", bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("ollama: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", errkind.Wrap(errkind.KindBackendTimeout, "ollama request failed", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errkind.Wrap(errkind.KindBackendUnavailable, "ollama: read response", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return "", errkind.Newf(errkind.KindBackendUnavailable,
			"ollama returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var parsed ollamaGenerateResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", errkind.Wrap(errkind.KindBackendUnavailable, "ollama: decode response", err)
	}
	if parsed.Error != "" {
		return "", errkind.Newf(errkind.KindBackendUnavailable, "ollama: %s", parsed.Error)
	}
	return parsed.Response, nil
}
