package translator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"

	"sublarr/internal/errkind"
	"sublarr/internal/language"
)

func init() {
	Register("googletranslate", func(deps BackendDeps) (Backend, bool) {
		cfg := deps.Config.GoogleTranslate
		if !cfg.Enabled || strings.TrimSpace(cfg.APIKey) == "" {
			return nil, false
		}
		return NewGoogleTranslateBackend(GoogleTranslateConfig{
			APIKey:         cfg.APIKey,
			Endpoint:       cfg.Endpoint,
			TimeoutSeconds: deps.Config.TimeoutSeconds,
		}), true
	})
}

// GoogleTranslateConfig captures the runtime settings for the Cloud
// Translation v2 backend.
type GoogleTranslateConfig struct {
	APIKey         string
	Endpoint       string
	TimeoutSeconds int
}

// GoogleTranslateBackend translates through the Cloud Translation v2 API.
// The q array form keeps request and response line counts equal by
// construction.
type GoogleTranslateBackend struct {
	cfg        GoogleTranslateConfig
	httpClient *http.Client
}

// GoogleTranslateOption customizes the backend.
type GoogleTranslateOption func(*GoogleTranslateBackend)

// WithGoogleTranslateHTTPClient overrides the default HTTP client.
func WithGoogleTranslateHTTPClient(client *http.Client) GoogleTranslateOption {
	return func(b *GoogleTranslateBackend) {
		if client != nil {
			b.httpClient = client
		}
	}
}

// NewGoogleTranslateBackend constructs the backend.
func NewGoogleTranslateBackend(cfg GoogleTranslateConfig, opts ...GoogleTranslateOption) *GoogleTranslateBackend {
	timeout := 90 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.Endpoint = strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://translation.googleapis.com/language/translate/v2"
	}
	backend := &GoogleTranslateBackend{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(backend)
	}
	return backend
}

func (b *GoogleTranslateBackend) Name() string { return "googletranslate" }

func (b *GoogleTranslateBackend) SupportsBatch() bool { return true }

func (b *GoogleTranslateBackend) MaxBatchSize() int { return 50 }

type googleTranslateRequest struct {
	Q      []string `json:"q"`
	Source string   `json:"source,omitempty"`
	Target string   `json:"target"`
	Format string   `json:"format"`
}

type googleTranslateResponse struct {
	Data struct {
		Translations []struct {
			TranslatedText string `json:"translatedText"`
		} `json:"translations"`
	} `json:"data"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// TranslateBatch sends the lines as a q array and applies the glossary to
// the results. format=text still HTML-escapes some entities, so responses
// are unescaped.
func (b *GoogleTranslateBackend) TranslateBatch(ctx context.Context, batch Batch) ([]string, error) {
	payload := googleTranslateRequest{
		Q:      batch.Lines,
		Source: language.ToISO2(batch.SourceLang),
		Target: language.ToISO2(batch.TargetLang),
		Format: "text",
	}
	var parsed googleTranslateResponse
	if err := b.post(ctx, payload, &parsed); err != nil {
		return nil, err
	}
	if parsed.Error != nil {
		return nil, errkind.Newf(errkind.KindBackendUnavailable,
			"googletranslate: %s", strings.TrimSpace(parsed.Error.Message))
	}
	translations := parsed.Data.Translations
	if len(translations) != len(batch.Lines) {
		return nil, &MismatchError{Want: len(batch.Lines), Got: len(translations)}
	}
	out := make([]string, len(translations))
	for i, t := range translations {
		out[i] = ApplyGlossary(html.UnescapeString(t.TranslatedText), batch.Glossary)
	}
	return out, nil
}

// HealthCheck translates a single throwaway word to verify the key.
func (b *GoogleTranslateBackend) HealthCheck(ctx context.Context) error {
	payload := googleTranslateRequest{
		Q:      []string{"hello"},
		Target: "es",
		Format: "text",
	}
	var parsed googleTranslateResponse
	if err := b.post(ctx, payload, &parsed); err != nil {
		return err
	}
	if parsed.Error != nil {
		return errkind.Newf(errkind.KindBackendUnavailable,
			"googletranslate: %s", strings.TrimSpace(parsed.Error.Message))
	}
	if len(parsed.Data.Translations) == 0 {
		return errkind.New(errkind.KindBackendUnavailable, "googletranslate returned no translations")
	}
	return nil
}

func (b *GoogleTranslateBackend) post(ctx context.Context, payload googleTranslateRequest, out *googleTranslateResponse) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("googletranslate: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.Endpoint+"?key="+b.cfg.APIKey, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("googletranslate: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.KindBackendTimeout, "googletranslate request failed", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errkind.Wrap(errkind.KindBackendUnavailable, "googletranslate: read response", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errkind.New(errkind.KindBackendAuthInvalid, "googletranslate rejected the api key")
	case resp.StatusCode >= http.StatusMultipleChoices:
		return errkind.Newf(errkind.KindBackendUnavailable,
			"googletranslate returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errkind.Wrap(errkind.KindBackendUnavailable, "googletranslate: decode response", err)
	}
	return nil
}
