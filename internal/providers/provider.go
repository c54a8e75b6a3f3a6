// Package providers discovers and downloads subtitles from external
// services. The engine owns scoring, rate limiting, and failure isolation;
// providers only translate the wire protocol.
package providers

import (
	"context"
	"fmt"
	"time"

	"sublarr/internal/subtitle"
)

// Match identifies one scoring dimension a result can satisfy.
type Match string

const (
	MatchHash            Match = "hash"
	MatchSeries          Match = "series"
	MatchTitle           Match = "title"
	MatchYear            Match = "year"
	MatchSeason          Match = "season"
	MatchEpisode         Match = "episode"
	MatchReleaseGroup    Match = "release_group"
	MatchSource          Match = "source"
	MatchAudioCodec      Match = "audio_codec"
	MatchResolution      Match = "resolution"
	MatchHearingImpaired Match = "hearing_impaired"
)

// VideoQuery describes the video a subtitle is wanted for. Release
// attributes come from the filename; identity attributes from the library
// source or probe.
type VideoQuery struct {
	VideoPath string
	Title     string
	Series    string
	Year      int
	Season    int
	Episode   int
	// Hash is the 16-hex-digit moviehash, empty when the file was not
	// hashable.
	Hash     string
	FileSize int64

	Languages       []string
	Forced          bool
	HearingImpaired bool

	ReleaseGroup string
	Source       string
	AudioCodec   string
	Resolution   string

	// FormatFilter restricts results to one format (upgrade searches).
	FormatFilter subtitle.Format
}

// IsEpisode reports whether the query targets a series episode.
func (q VideoQuery) IsEpisode() bool {
	return q.Season > 0 || q.Episode > 0 || q.Series != ""
}

// SubtitleResult is one candidate returned by a provider. Providers fill
// Matches but never score or sort; the engine does both.
type SubtitleResult struct {
	Provider        string             `json:"provider"`
	ID              string             `json:"id"`
	DownloadRef     string             `json:"download_ref"`
	Language        string             `json:"language"`
	Format          subtitle.Format    `json:"format"`
	Release         string             `json:"release"`
	Matches         map[Match]struct{} `json:"-"`
	MatchNames      []string           `json:"matches"`
	Forced          bool               `json:"forced"`
	HearingImpaired bool               `json:"hearing_impaired"`
	Downloads       int                `json:"downloads"`
	Score           int                `json:"score"`
}

// Matched reports whether the result satisfies a dimension.
func (r *SubtitleResult) Matched(m Match) bool {
	_, ok := r.Matches[m]
	return ok
}

func (r *SubtitleResult) setMatch(m Match) {
	if r.Matches == nil {
		r.Matches = make(map[Match]struct{})
	}
	r.Matches[m] = struct{}{}
	r.MatchNames = append(r.MatchNames, string(m))
}

// RateLimit declares a provider's request budget.
type RateLimit struct {
	Requests      int
	WindowSeconds int
}

// ConfigField describes one provider setting for the API surface.
type ConfigField struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"` // string, secret, bool
	Required bool   `json:"required"`
}

// Info is a provider's static declaration.
type Info struct {
	Name         string
	Languages    []string
	RateLimit    RateLimit
	Timeout      time.Duration
	MaxRetries   int
	Priority     int
	ConfigFields []ConfigField
}

// Provider is the contract each subtitle service implements. Search must
// not sort or filter by score. Download must return the decompressed
// subtitle body.
type Provider interface {
	Info() Info
	Initialize(ctx context.Context) error
	Search(ctx context.Context, query VideoQuery) ([]SubtitleResult, error)
	Download(ctx context.Context, result SubtitleResult) ([]byte, error)
	HealthCheck(ctx context.Context) error
	Terminate() error
}

// RateLimitedError carries the server-requested wait from a 429 response.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}
