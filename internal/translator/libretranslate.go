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
	"sublarr/internal/language"
)

func init() {
	Register("libretranslate", func(deps BackendDeps) (Backend, bool) {
		cfg := deps.Config.LibreTranslate
		if !cfg.Enabled || strings.TrimSpace(cfg.URL) == "" {
			return nil, false
		}
		return NewLibreTranslateBackend(LibreTranslateConfig{
			URL:            cfg.URL,
			APIKey:         cfg.APIKey,
			TimeoutSeconds: deps.Config.TimeoutSeconds,
		}), true
	})
}

// LibreTranslateConfig captures the runtime settings for a self-hosted
// LibreTranslate instance.
type LibreTranslateConfig struct {
	URL            string
	APIKey         string
	TimeoutSeconds int
}

// LibreTranslateBackend translates through a LibreTranslate server. The q
// array form keeps request and response line counts equal by construction.
type LibreTranslateBackend struct {
	cfg        LibreTranslateConfig
	httpClient *http.Client
}

// LibreTranslateOption customizes the backend.
type LibreTranslateOption func(*LibreTranslateBackend)

// WithLibreTranslateHTTPClient overrides the default HTTP client.
func WithLibreTranslateHTTPClient(client *http.Client) LibreTranslateOption {
	return func(b *LibreTranslateBackend) {
		if client != nil {
			b.httpClient = client
		}
	}
}

// NewLibreTranslateBackend constructs the backend.
func NewLibreTranslateBackend(cfg LibreTranslateConfig, opts ...LibreTranslateOption) *LibreTranslateBackend {
	timeout := 90 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	cfg.URL = strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	backend := &LibreTranslateBackend{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(backend)
	}
	return backend
}

func (b *LibreTranslateBackend) Name() string { return "libretranslate" }

func (b *LibreTranslateBackend) SupportsBatch() bool { return true }

func (b *LibreTranslateBackend) MaxBatchSize() int { return 25 }

type libreTranslateRequest struct {
	Q      []string `json:"q"`
	Source string   `json:"source"`
	Target string   `json:"target"`
	Format string   `json:"format"`
	APIKey string   `json:"api_key,omitempty"`
}

type libreTranslateResponse struct {
	TranslatedText []string `json:"translatedText"`
	Error          string   `json:"error"`
}

// TranslateBatch sends the lines as a q array and applies the glossary to
// the results.
func (b *LibreTranslateBackend) TranslateBatch(ctx context.Context, batch Batch) ([]string, error) {
	source := language.ToISO2(batch.SourceLang)
	if source == "" {
		source = "auto"
	}
	payload := libreTranslateRequest{
		Q:      batch.Lines,
		Source: source,
		Target: language.ToISO2(batch.TargetLang),
		Format: "text",
		APIKey: b.cfg.APIKey,
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("libretranslate: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.URL+"/translate", bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("libretranslate: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindBackendTimeout, "libretranslate request failed", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindBackendUnavailable, "libretranslate: read response", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errkind.New(errkind.KindBackendAuthInvalid, "libretranslate rejected the api key")
	case resp.StatusCode >= http.StatusMultipleChoices:
		return nil, errkind.Newf(errkind.KindBackendUnavailable,
			"libretranslate returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var parsed libreTranslateResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errkind.Wrap(errkind.KindBackendUnavailable, "libretranslate: decode response", err)
	}
	if parsed.Error != "" {
		return nil, errkind.Newf(errkind.KindBackendUnavailable, "libretranslate: %s", parsed.Error)
	}
	if len(parsed.TranslatedText) != len(batch.Lines) {
		return nil, &MismatchError{Want: len(batch.Lines), Got: len(parsed.TranslatedText)}
	}
	out := make([]string, len(parsed.TranslatedText))
	for i, text := range parsed.TranslatedText {
		out[i] = ApplyGlossary(text, batch.Glossary)
	}
	return out, nil
}

// HealthCheck asks the server for its language list.
func (b *LibreTranslateBackend) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.URL+"/languages", nil)
	if err != nil {
		return fmt.Errorf("libretranslate: new request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.KindBackendTimeout, "libretranslate request failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return errkind.Newf(errkind.KindBackendUnavailable, "libretranslate returned %d", resp.StatusCode)
	}
	return nil
}
