package translator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sublarr/internal/errkind"
	"sublarr/internal/language"
)

func init() {
	Register("deepl", func(deps BackendDeps) (Backend, bool) {
		cfg := deps.Config.DeepL
		if !cfg.Enabled || strings.TrimSpace(cfg.APIKey) == "" {
			return nil, false
		}
		return NewDeepLBackend(DeepLConfig{
			APIKey:         cfg.APIKey,
			Endpoint:       cfg.Endpoint,
			TimeoutSeconds: deps.Config.TimeoutSeconds,
		}), true
	})
}

// DeepLConfig captures the runtime settings for the DeepL backend. Keys
// ending in ":fx" belong to the free tier, which lives on a different host.
type DeepLConfig struct {
	APIKey         string
	Endpoint       string
	TimeoutSeconds int
}

// DeepLBackend translates through the DeepL v2 API. The text[] array form
// keeps the request and response line counts equal by construction.
type DeepLBackend struct {
	cfg        DeepLConfig
	httpClient *http.Client
}

// DeepLOption customizes the backend.
type DeepLOption func(*DeepLBackend)

// WithDeepLHTTPClient overrides the default HTTP client.
func WithDeepLHTTPClient(client *http.Client) DeepLOption {
	return func(b *DeepLBackend) {
		if client != nil {
			b.httpClient = client
		}
	}
}

// NewDeepLBackend constructs the backend.
func NewDeepLBackend(cfg DeepLConfig, opts ...DeepLOption) *DeepLBackend {
	timeout := 90 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.Endpoint = strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if cfg.Endpoint == "" {
		if strings.HasSuffix(cfg.APIKey, ":fx") {
			cfg.Endpoint = "https://api-free.deepl.com/v2"
		} else {
			cfg.Endpoint = "https://api.deepl.com/v2"
		}
	}
	backend := &DeepLBackend{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(backend)
	}
	return backend
}

func (b *DeepLBackend) Name() string { return "deepl" }

func (b *DeepLBackend) SupportsBatch() bool { return true }

func (b *DeepLBackend) MaxBatchSize() int { return 50 }

type deepLResponse struct {
	Translations []struct {
		Text string `json:"text"`
	} `json:"translations"`
	Message string `json:"message"`
}

// TranslateBatch sends every line as its own text[] value and applies the
// glossary to the results.
func (b *DeepLBackend) TranslateBatch(ctx context.Context, batch Batch) ([]string, error) {
	form := url.Values{}
	for _, line := range batch.Lines {
		form.Add("text", line)
	}
	if src := deepLLangCode(batch.SourceLang); src != "" {
		form.Set("source_lang", src)
	}
	form.Set("target_lang", deepLLangCode(batch.TargetLang))
	form.Set("preserve_formatting", "1")

	var parsed deepLResponse
	if err := b.post(ctx, "/translate", form, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Translations) != len(batch.Lines) {
		return nil, &MismatchError{Want: len(batch.Lines), Got: len(parsed.Translations)}
	}
	out := make([]string, len(parsed.Translations))
	for i, t := range parsed.Translations {
		out[i] = ApplyGlossary(t.Text, batch.Glossary)
	}
	return out, nil
}

// HealthCheck verifies the key against the usage endpoint.
func (b *DeepLBackend) HealthCheck(ctx context.Context) error {
	var usage struct {
		CharacterCount int64 `json:"character_count"`
		CharacterLimit int64 `json:"character_limit"`
	}
	if err := b.post(ctx, "/usage", url.Values{}, &usage); err != nil {
		return err
	}
	if usage.CharacterLimit > 0 && usage.CharacterCount >= usage.CharacterLimit {
		return errkind.New(errkind.KindBackendUnavailable, "deepl character quota exhausted")
	}
	return nil
}

func (b *DeepLBackend) post(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.Endpoint+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("deepl: new request: %w", err)
	}
	req.Header.Set("Authorization", "DeepL-Auth-Key "+b.cfg.APIKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.KindBackendTimeout, "deepl request failed", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errkind.Wrap(errkind.KindBackendUnavailable, "deepl: read response", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errkind.New(errkind.KindBackendAuthInvalid, "deepl rejected the api key")
	case resp.StatusCode == 456:
		// DeepL-specific: quota exceeded.
		return errkind.New(errkind.KindBackendUnavailable, "deepl character quota exhausted")
	case resp.StatusCode >= http.StatusMultipleChoices:
		return errkind.Newf(errkind.KindBackendUnavailable,
			"deepl returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errkind.Wrap(errkind.KindBackendUnavailable, "deepl: decode response", err)
	}
	return nil
}

// deepLLangCode maps an internal language tag to DeepL's uppercase codes.
func deepLLangCode(lang string) string {
	iso := language.ToISO2(lang)
	if iso == "" {
		return ""
	}
	return strings.ToUpper(iso)
}
