package providers

import (
	"sort"
	"sync"
	"time"

	"sublarr/internal/subtitle"
)

// Weight tables per spec'd dimension. Episode hash outranks everything a
// metadata match can accumulate; movie hash outranks title+year+group.
var episodeWeights = map[Match]int{
	MatchHash:            359,
	MatchSeries:          180,
	MatchYear:            90,
	MatchSeason:          30,
	MatchEpisode:         30,
	MatchReleaseGroup:    14,
	MatchSource:          7,
	MatchAudioCodec:      3,
	MatchResolution:      2,
	MatchHearingImpaired: 1,
}

var movieWeights = map[Match]int{
	MatchHash:            119,
	MatchTitle:           60,
	MatchYear:            30,
	MatchReleaseGroup:    13,
	MatchSource:          7,
	MatchAudioCodec:      3,
	MatchResolution:      2,
	MatchHearingImpaired: 1,
}

// styledFormatBonus rewards ASS/SSA results so styled subtitles win over
// equally-matched SRT ones.
const styledFormatBonus = 50

const weightCacheTTL = 60 * time.Second

// Scorer resolves the effective weight tables, applying runtime overrides
// and caching the resolved tables against the config fingerprint.
type Scorer struct {
	fingerprint func() string
	overrides   func() map[string]int
	now         func() time.Time

	mu      sync.Mutex
	cached  *weightTables
	cacheFP string
	expires time.Time
}

type weightTables struct {
	episode map[Match]int
	movie   map[Match]int
	bonus   int
}

// NewScorer builds a Scorer. fingerprint and overrides are read on every
// cache refresh so runtime config changes take effect within the TTL.
func NewScorer(fingerprint func() string, overrides func() map[string]int) *Scorer {
	if fingerprint == nil {
		fingerprint = func() string { return "" }
	}
	if overrides == nil {
		overrides = func() map[string]int { return nil }
	}
	return &Scorer{fingerprint: fingerprint, overrides: overrides, now: time.Now}
}

func (s *Scorer) tables() *weightTables {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	fp := s.fingerprint()
	if s.cached != nil && fp == s.cacheFP && now.Before(s.expires) {
		return s.cached
	}

	tables := &weightTables{
		episode: make(map[Match]int, len(episodeWeights)),
		movie:   make(map[Match]int, len(movieWeights)),
		bonus:   styledFormatBonus,
	}
	for m, w := range episodeWeights {
		tables.episode[m] = w
	}
	for m, w := range movieWeights {
		tables.movie[m] = w
	}
	for key, value := range s.overrides() {
		if key == "format_bonus" {
			tables.bonus = value
			continue
		}
		m := Match(key)
		if _, ok := tables.episode[m]; ok {
			tables.episode[m] = value
		}
		if _, ok := tables.movie[m]; ok {
			tables.movie[m] = value
		}
	}

	s.cached = tables
	s.cacheFP = fp
	s.expires = now.Add(weightCacheTTL)
	return tables
}

// Score computes a result's score against a query.
func (s *Scorer) Score(query VideoQuery, result *SubtitleResult) int {
	tables := s.tables()
	weights := tables.movie
	if query.IsEpisode() {
		weights = tables.episode
	}
	score := 0
	for m := range result.Matches {
		score += weights[m]
	}
	if result.Format.Styled() {
		score += tables.bonus
	}
	return score
}

// hasStyledBonus mirrors Score's bonus rule for tie-breaking.
func hasStyledBonus(r *SubtitleResult) bool {
	return r.Format == subtitle.FormatASS || r.Format == subtitle.FormatSSA
}

// rankResults scores and sorts results in place: score descending, then
// styled-format results first, then provider priority (lower first).
func rankResults(scorer *Scorer, query VideoQuery, results []SubtitleResult, priority map[string]int) {
	for i := range results {
		results[i].Score = scorer.Score(query, &results[i])
	}
	sort.SliceStable(results, func(i, j int) bool {
		a, b := &results[i], &results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		aStyled, bStyled := hasStyledBonus(a), hasStyledBonus(b)
		if aStyled != bStyled {
			return aStyled
		}
		return priority[a.Provider] < priority[b.Provider]
	})
}
