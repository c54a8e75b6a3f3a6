package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"sublarr/internal/config"
	"sublarr/internal/errkind"
	"sublarr/internal/language"
	"sublarr/internal/subtitle"
)

const (
	openSubtitlesBaseURL = "https://api.opensubtitles.com/api/v1"
	openSubtitlesTimeout = 15 * time.Second
)

// OpenSubtitlesProvider talks to the OpenSubtitles REST v1 API. Anonymous
// use works with just an API key; username/password unlock the higher
// download quota via a bearer token acquired in Initialize.
type OpenSubtitlesProvider struct {
	cfg        config.OpenSubtitles
	userAgent  string
	baseURL    *url.URL
	httpClient *http.Client

	mu    sync.Mutex
	token string
}

// OpenSubtitlesOption customizes the provider.
type OpenSubtitlesOption func(*OpenSubtitlesProvider)

// WithOpenSubtitlesHTTPClient overrides the default HTTP client.
func WithOpenSubtitlesHTTPClient(client *http.Client) OpenSubtitlesOption {
	return func(p *OpenSubtitlesProvider) {
		if client != nil {
			p.httpClient = client
		}
	}
}

// WithOpenSubtitlesBaseURL points the provider at a different endpoint,
// for tests.
func WithOpenSubtitlesBaseURL(base string) OpenSubtitlesOption {
	return func(p *OpenSubtitlesProvider) {
		if parsed, err := url.Parse(base); err == nil {
			p.baseURL = parsed
		}
	}
}

// NewOpenSubtitlesProvider constructs the provider.
func NewOpenSubtitlesProvider(cfg config.OpenSubtitles, opts ...OpenSubtitlesOption) *OpenSubtitlesProvider {
	base, _ := url.Parse(openSubtitlesBaseURL)
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = "Sublarr v1"
	}
	provider := &OpenSubtitlesProvider{
		cfg:        cfg,
		userAgent:  userAgent,
		baseURL:    base,
		httpClient: &http.Client{Timeout: openSubtitlesTimeout},
	}
	for _, opt := range opts {
		opt(provider)
	}
	return provider
}

func (p *OpenSubtitlesProvider) Info() Info {
	return Info{
		Name:       "opensubtitles",
		Languages:  nil, // all
		RateLimit:  RateLimit{Requests: 40, WindowSeconds: 10},
		Timeout:    openSubtitlesTimeout,
		MaxRetries: 3,
		Priority:   1,
		ConfigFields: []ConfigField{
			{Name: "api_key", Kind: "secret", Required: true},
			{Name: "user_agent", Kind: "string"},
			{Name: "username", Kind: "string"},
			{Name: "password", Kind: "secret"},
		},
	}
}

// Initialize logs in when credentials are configured. Anonymous API-key
// access needs no session.
func (p *OpenSubtitlesProvider) Initialize(ctx context.Context) error {
	if p.cfg.Username == "" || p.cfg.Password == "" {
		return nil
	}
	payload, err := json.Marshal(map[string]string{
		"username": p.cfg.Username,
		"password": p.cfg.Password,
	})
	if err != nil {
		return fmt.Errorf("opensubtitles: encode login: %w", err)
	}
	var login struct {
		Token string `json:"token"`
	}
	if err := p.doJSON(ctx, http.MethodPost, "login", payload, &login); err != nil {
		return err
	}
	if login.Token == "" {
		return errkind.New(errkind.KindProviderAuth, "opensubtitles login returned no token")
	}
	p.mu.Lock()
	p.token = login.Token
	p.mu.Unlock()
	return nil
}

// Terminate drops the login session.
func (p *OpenSubtitlesProvider) Terminate() error {
	p.mu.Lock()
	token := p.token
	p.token = ""
	p.mu.Unlock()
	if token == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.doJSON(ctx, http.MethodDelete, "logout", nil, nil)
}

// HealthCheck verifies the API key against the formats listing.
func (p *OpenSubtitlesProvider) HealthCheck(ctx context.Context) error {
	var out struct {
		Data any `json:"data"`
	}
	return p.doJSON(ctx, http.MethodGet, "infos/formats", nil, &out)
}

type osSearchResponse struct {
	Data []struct {
		ID         string `json:"id"`
		Attributes struct {
			Language          string `json:"language"`
			Release           string `json:"release"`
			MovieHashMatch    bool   `json:"moviehash_match"`
			HearingImpaired   bool   `json:"hearing_impaired"`
			ForeignPartsOnly  bool   `json:"foreign_parts_only"`
			DownloadCount     int    `json:"download_count"`
			AITranslated      bool   `json:"ai_translated"`
			MachineTranslated bool   `json:"machine_translated"`
			FeatureDetails    struct {
				Title       string `json:"title"`
				ParentTitle string `json:"parent_title"`
				Year        int    `json:"year"`
				Season      int    `json:"season_number"`
				Episode     int    `json:"episode_number"`
				FeatureType string `json:"feature_type"`
			} `json:"feature_details"`
			Files []struct {
				FileID   int64  `json:"file_id"`
				FileName string `json:"file_name"`
			} `json:"files"`
		} `json:"attributes"`
	} `json:"data"`
}

// Search queries /subtitles. Identity matches (hash, series/title, year,
// season, episode) are derived from the response attributes; the engine
// adds release-string matches and scores.
func (p *OpenSubtitlesProvider) Search(ctx context.Context, query VideoQuery) ([]SubtitleResult, error) {
	params := url.Values{}
	if query.Hash != "" {
		params.Set("moviehash", query.Hash)
	}
	langs := make([]string, 0, len(query.Languages))
	for _, lang := range query.Languages {
		if iso := language.ToISO2(lang); iso != "" {
			langs = append(langs, iso)
		}
	}
	if len(langs) > 0 {
		params.Set("languages", strings.Join(langs, ","))
	}
	if query.IsEpisode() {
		params.Set("type", "episode")
		if query.Series != "" {
			params.Set("query", query.Series)
		}
		if query.Season > 0 {
			params.Set("season_number", strconv.Itoa(query.Season))
		}
		if query.Episode > 0 {
			params.Set("episode_number", strconv.Itoa(query.Episode))
		}
	} else {
		params.Set("type", "movie")
		if query.Title != "" {
			params.Set("query", query.Title)
		}
		if query.Year > 0 {
			params.Set("year", strconv.Itoa(query.Year))
		}
	}
	if query.Forced {
		params.Set("foreign_parts_only", "only")
	} else {
		params.Set("foreign_parts_only", "exclude")
	}

	var payload osSearchResponse
	if err := p.doJSON(ctx, http.MethodGet, "subtitles?"+params.Encode(), nil, &payload); err != nil {
		return nil, err
	}

	results := make([]SubtitleResult, 0, len(payload.Data))
	for _, entry := range payload.Data {
		attrs := entry.Attributes
		if attrs.Language == "" || len(attrs.Files) == 0 {
			continue
		}
		file := attrs.Files[0]
		result := SubtitleResult{
			ID:              entry.ID,
			DownloadRef:     strconv.FormatInt(file.FileID, 10),
			Language:        language.ToISO2(attrs.Language),
			Release:         attrs.Release,
			Forced:          attrs.ForeignPartsOnly,
			HearingImpaired: attrs.HearingImpaired,
			Downloads:       attrs.DownloadCount,
			Format:          fileFormat(file.FileName),
		}
		if attrs.MovieHashMatch && query.Hash != "" {
			result.setMatch(MatchHash)
		}
		feature := attrs.FeatureDetails
		if query.IsEpisode() {
			title := feature.ParentTitle
			if title == "" {
				title = feature.Title
			}
			if titlesMatch(title, query.Series) {
				result.setMatch(MatchSeries)
			}
			if query.Season > 0 && feature.Season == query.Season {
				result.setMatch(MatchSeason)
			}
			if query.Episode > 0 && feature.Episode == query.Episode {
				result.setMatch(MatchEpisode)
			}
		} else if titlesMatch(feature.Title, query.Title) {
			result.setMatch(MatchTitle)
		}
		if query.Year > 0 && feature.Year == query.Year {
			result.setMatch(MatchYear)
		}
		results = append(results, result)
	}
	return results, nil
}

// Download negotiates a link via /download, then fetches and unwraps it.
func (p *OpenSubtitlesProvider) Download(ctx context.Context, result SubtitleResult) ([]byte, error) {
	fileID, err := strconv.ParseInt(result.DownloadRef, 10, 64)
	if err != nil || fileID <= 0 {
		return nil, errkind.Newf(errkind.KindProviderFormat, "opensubtitles: bad download ref %q", result.DownloadRef)
	}
	payload, err := json.Marshal(map[string]any{"file_id": fileID})
	if err != nil {
		return nil, fmt.Errorf("opensubtitles: encode download: %w", err)
	}
	var negotiated struct {
		Link     string `json:"link"`
		FileName string `json:"file_name"`
	}
	if err := p.doJSON(ctx, http.MethodPost, "download", payload, &negotiated); err != nil {
		return nil, err
	}
	if negotiated.Link == "" {
		return nil, errkind.New(errkind.KindProviderFormat, "opensubtitles: download response missing link")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, negotiated.Link, nil)
	if err != nil {
		return nil, fmt.Errorf("opensubtitles: build link request: %w", err)
	}
	req.Header.Set("User-Agent", p.userAgent)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport("opensubtitles", err)
	}
	defer resp.Body.Close()
	if err := classifyStatus("opensubtitles", resp); err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, DefaultMaxArchiveBytes+1))
	if err != nil {
		return nil, errkind.Wrap(errkind.KindProviderTransient, "opensubtitles: read payload", err)
	}
	body, _, err := ExtractSubtitlePayload(raw, DefaultMaxArchiveBytes)
	return body, err
}

func (p *OpenSubtitlesProvider) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	full := strings.TrimRight(p.baseURL.String(), "/") + "/" + path
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, full, reader)
	if err != nil {
		return fmt.Errorf("opensubtitles: build request: %w", err)
	}
	req.Header.Set("Api-Key", p.cfg.APIKey)
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	p.mu.Lock()
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	p.mu.Unlock()

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return classifyTransport("opensubtitles", err)
	}
	defer resp.Body.Close()
	if err := classifyStatus("opensubtitles", resp); err != nil {
		return err
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errkind.Wrap(errkind.KindProviderFormat, "opensubtitles: decode response", err)
	}
	return nil
}

func fileFormat(name string) subtitle.Format {
	if f := subtitle.FormatFromPath(name); f != subtitle.FormatUnknown {
		return f
	}
	return subtitle.FormatSRT
}

func titlesMatch(a, b string) bool {
	a = strings.TrimSpace(strings.ToLower(a))
	b = strings.TrimSpace(strings.ToLower(b))
	if a == "" || b == "" {
		return false
	}
	return a == b || strings.Contains(a, b) || strings.Contains(b, a)
}

// classifyTransport maps connection errors to provider kinds.
func classifyTransport(provider string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errkind.Wrap(errkind.KindProviderTimeout, provider+" request timed out", err)
	}
	return errkind.Wrap(errkind.KindProviderTransient, provider+" request failed", err)
}

// classifyStatus maps HTTP error statuses to provider kinds. 429 carries
// the parsed Retry-After so the engine can wait precisely.
func classifyStatus(provider string, resp *http.Response) error {
	switch {
	case resp.StatusCode < 400:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errkind.New(errkind.KindProviderAuth, provider+" rejected the credentials")
	case resp.StatusCode == http.StatusTooManyRequests:
		return errkind.Wrap(errkind.KindProviderRateLimit, provider+" rate limited",
			&RateLimitedError{RetryAfter: parseRetryAfter(resp.Header)})
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errkind.Newf(errkind.KindProviderTransient,
			"%s returned %d: %s", provider, resp.StatusCode, strings.TrimSpace(string(body)))
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errkind.Newf(errkind.KindProviderFormat,
			"%s returned %d: %s", provider, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}
