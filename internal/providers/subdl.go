package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"sublarr/internal/config"
	"sublarr/internal/errkind"
	"sublarr/internal/language"
	"sublarr/internal/subtitle"
)

const (
	subDLAPIBase      = "https://api.subdl.com/api/v1"
	subDLDownloadBase = "https://dl.subdl.com"
	subDLTimeout      = 10 * time.Second
)

// SubDLProvider talks to the SubDL REST API. Payloads arrive as zip
// archives that Download unwraps.
type SubDLProvider struct {
	cfg          config.SubDL
	apiBase      string
	downloadBase string
	httpClient   *http.Client
}

// SubDLOption customizes the provider.
type SubDLOption func(*SubDLProvider)

// WithSubDLHTTPClient overrides the default HTTP client.
func WithSubDLHTTPClient(client *http.Client) SubDLOption {
	return func(p *SubDLProvider) {
		if client != nil {
			p.httpClient = client
		}
	}
}

// WithSubDLBaseURLs points the provider at different endpoints, for tests.
func WithSubDLBaseURLs(api, download string) SubDLOption {
	return func(p *SubDLProvider) {
		if api != "" {
			p.apiBase = strings.TrimRight(api, "/")
		}
		if download != "" {
			p.downloadBase = strings.TrimRight(download, "/")
		}
	}
}

// NewSubDLProvider constructs the provider.
func NewSubDLProvider(cfg config.SubDL, opts ...SubDLOption) *SubDLProvider {
	provider := &SubDLProvider{
		cfg:          cfg,
		apiBase:      subDLAPIBase,
		downloadBase: subDLDownloadBase,
		httpClient:   &http.Client{Timeout: subDLTimeout},
	}
	for _, opt := range opts {
		opt(provider)
	}
	return provider
}

func (p *SubDLProvider) Info() Info {
	return Info{
		Name:       "subdl",
		Languages:  nil, // all
		RateLimit:  RateLimit{Requests: 2, WindowSeconds: 1},
		Timeout:    subDLTimeout,
		MaxRetries: 2,
		Priority:   2,
		ConfigFields: []ConfigField{
			{Name: "api_key", Kind: "secret", Required: true},
		},
	}
}

// Initialize is a no-op; the API key rides every request.
func (p *SubDLProvider) Initialize(ctx context.Context) error { return nil }

// Terminate is a no-op.
func (p *SubDLProvider) Terminate() error { return nil }

// HealthCheck issues a minimal search to verify the key.
func (p *SubDLProvider) HealthCheck(ctx context.Context) error {
	params := url.Values{}
	params.Set("api_key", p.cfg.APIKey)
	params.Set("film_name", "healthcheck")
	params.Set("languages", "EN")
	_, err := p.query(ctx, params)
	return err
}

type subDLResponse struct {
	Status    bool   `json:"status"`
	Error     string `json:"error"`
	Subtitles []struct {
		ReleaseName string `json:"release_name"`
		Name        string `json:"name"`
		Lang        string `json:"lang"`
		Language    string `json:"language"`
		URL         string `json:"url"`
		Season      int    `json:"season"`
		Episode     int    `json:"episode"`
		HI          bool   `json:"hi"`
	} `json:"subtitles"`
	Results []struct {
		Name string `json:"name"`
		Year int    `json:"year"`
	} `json:"results"`
}

// Search queries /subtitles. SubDL reports no hash matching; identity
// matches come from the echoed feature and season/episode numbers.
func (p *SubDLProvider) Search(ctx context.Context, query VideoQuery) ([]SubtitleResult, error) {
	params := url.Values{}
	params.Set("api_key", p.cfg.APIKey)
	langs := make([]string, 0, len(query.Languages))
	for _, lang := range query.Languages {
		if iso := language.ToISO2(lang); iso != "" {
			langs = append(langs, strings.ToUpper(iso))
		}
	}
	if len(langs) > 0 {
		params.Set("languages", strings.Join(langs, ","))
	}
	if query.IsEpisode() {
		params.Set("type", "tv")
		params.Set("film_name", query.Series)
		if query.Season > 0 {
			params.Set("season_number", strconv.Itoa(query.Season))
		}
		if query.Episode > 0 {
			params.Set("episode_number", strconv.Itoa(query.Episode))
		}
	} else {
		params.Set("type", "movie")
		params.Set("film_name", query.Title)
		if query.Year > 0 {
			params.Set("year", strconv.Itoa(query.Year))
		}
	}

	payload, err := p.query(ctx, params)
	if err != nil {
		return nil, err
	}

	featureYear := 0
	featureName := ""
	if len(payload.Results) > 0 {
		featureYear = payload.Results[0].Year
		featureName = payload.Results[0].Name
	}

	results := make([]SubtitleResult, 0, len(payload.Subtitles))
	for _, entry := range payload.Subtitles {
		lang := language.ToISO2(entry.Language)
		if lang == "" {
			lang = language.ToISO2(entry.Lang)
		}
		if lang == "" || entry.URL == "" {
			continue
		}
		release := entry.ReleaseName
		if release == "" {
			release = entry.Name
		}
		result := SubtitleResult{
			ID:              entry.URL,
			DownloadRef:     entry.URL,
			Language:        lang,
			Release:         release,
			HearingImpaired: entry.HI,
			Forced:          subtitle.FilenameLooksForced(release),
			Format:          subtitle.FormatSRT,
		}
		if query.IsEpisode() {
			if titlesMatch(featureName, query.Series) {
				result.setMatch(MatchSeries)
			}
			if query.Season > 0 && entry.Season == query.Season {
				result.setMatch(MatchSeason)
			}
			if query.Episode > 0 && entry.Episode == query.Episode {
				result.setMatch(MatchEpisode)
			}
		} else if titlesMatch(featureName, query.Title) {
			result.setMatch(MatchTitle)
		}
		if query.Year > 0 && featureYear == query.Year {
			result.setMatch(MatchYear)
		}
		results = append(results, result)
	}
	return results, nil
}

// Download fetches the zip payload and unwraps the single subtitle entry.
func (p *SubDLProvider) Download(ctx context.Context, result SubtitleResult) ([]byte, error) {
	ref := result.DownloadRef
	if ref == "" {
		return nil, errkind.New(errkind.KindProviderFormat, "subdl: empty download ref")
	}
	if !strings.HasPrefix(ref, "/") {
		ref = "/" + ref
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.downloadBase+ref, nil)
	if err != nil {
		return nil, fmt.Errorf("subdl: build download request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport("subdl", err)
	}
	defer resp.Body.Close()
	if err := classifyStatus("subdl", resp); err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, DefaultMaxArchiveBytes+1))
	if err != nil {
		return nil, errkind.Wrap(errkind.KindProviderTransient, "subdl: read payload", err)
	}
	body, _, err := ExtractSubtitlePayload(raw, DefaultMaxArchiveBytes)
	return body, err
}

func (p *SubDLProvider) query(ctx context.Context, params url.Values) (*subDLResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBase+"/subtitles?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("subdl: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport("subdl", err)
	}
	defer resp.Body.Close()
	if err := classifyStatus("subdl", resp); err != nil {
		return nil, err
	}
	var payload subDLResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, errkind.Wrap(errkind.KindProviderFormat, "subdl: decode response", err)
	}
	if !payload.Status {
		msg := payload.Error
		if msg == "" {
			msg = "request rejected"
		}
		if strings.Contains(strings.ToLower(msg), "api key") {
			return nil, errkind.New(errkind.KindProviderAuth, "subdl: "+msg)
		}
		return nil, errkind.New(errkind.KindProviderTransient, "subdl: "+msg)
	}
	return &payload, nil
}
