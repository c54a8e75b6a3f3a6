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
	Register("openai", func(deps BackendDeps) (Backend, bool) {
		cfg := deps.Config.OpenAI
		if !cfg.Enabled || strings.TrimSpace(cfg.APIKey) == "" {
			return nil, false
		}
		return NewOpenAIBackend(OpenAIConfig{
			APIKey:         cfg.APIKey,
			BaseURL:        cfg.BaseURL,
			Model:          cfg.Model,
			TimeoutSeconds: deps.Config.TimeoutSeconds,
		}), true
	})
}

// OpenAIConfig captures the runtime settings for the chat-completion
// backend. Any OpenAI-compatible endpoint works via BaseURL.
type OpenAIConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	TimeoutSeconds int
}

// OpenAIBackend wraps an OpenAI-compatible chat completion API.
type OpenAIBackend struct {
	cfg        OpenAIConfig
	httpClient *http.Client
}

// OpenAIOption customizes the backend.
type OpenAIOption func(*OpenAIBackend)

// WithOpenAIHTTPClient overrides the default HTTP client.
func WithOpenAIHTTPClient(client *http.Client) OpenAIOption {
	return func(b *OpenAIBackend) {
		if client != nil {
			b.httpClient = client
		}
	}
}

// NewOpenAIBackend constructs the backend.
func NewOpenAIBackend(cfg OpenAIConfig, opts ...OpenAIOption) *OpenAIBackend {
	timeout := 90 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "gpt-4o-mini"
	}
	backend := &OpenAIBackend{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(backend)
	}
	return backend
}

func (b *OpenAIBackend) Name() string { return "openai" }

func (b *OpenAIBackend) SupportsBatch() bool { return true }

func (b *OpenAIBackend) MaxBatchSize() int { return 15 }

type openAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// TranslateBatch submits the numbered block and parses the numbered answer.
func (b *OpenAIBackend) TranslateBatch(ctx context.Context, batch Batch) ([]string, error) {
	system, user := buildPrompt(batch)
	content, err := b.complete(ctx, system, user)
	if err != nil {
		return nil, err
	}
	lines, complete := ParseNumbered(content, len(batch.Lines))
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

// HealthCheck issues a minimal completion to verify key and model.
func (b *OpenAIBackend) HealthCheck(ctx context.Context) error {
	content, err := b.complete(ctx, "Reply with the single word: ok", "ok?")
	if err != nil {
		return err
	}
	if strings.TrimSpace(content) == "" {
		return errkind.New(errkind.KindBackendUnavailable, "openai returned an empty response")
	}
	return nil
}

func (b *OpenAIBackend) complete(ctx context.Context, system, user string) (string, error) {
	payload := openAIChatRequest{
		Model: b.cfg.Model,
		Messages: []openAIMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0,
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("openai: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+"/chat/completions", bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("openai: new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", errkind.Wrap(errkind.KindBackendTimeout, "openai request failed", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errkind.Wrap(errkind.KindBackendUnavailable, "openai: read response", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", errkind.New(errkind.KindBackendAuthInvalid, "openai rejected the api key")
	case resp.StatusCode >= http.StatusMultipleChoices:
		return "", errkind.Newf(errkind.KindBackendUnavailable,
			"openai returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var parsed openAIChatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", errkind.Wrap(errkind.KindBackendUnavailable, "openai: decode response", err)
	}
	if parsed.Error != nil {
		return "", errkind.Newf(errkind.KindBackendUnavailable, "openai: %s", strings.TrimSpace(parsed.Error.Message))
	}
	if len(parsed.Choices) == 0 {
		return "", errkind.New(errkind.KindBackendUnavailable, "openai: empty choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
