// Package pipeline turns a wanted subtitle into an on-disk artifact. It
// decides between reusing what already exists, downloading from a provider,
// translating an embedded or downloaded source track, and transcribing the
// audio as the last resort.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"sublarr/internal/config"
	"sublarr/internal/errkind"
	"sublarr/internal/events"
	"sublarr/internal/language"
	"sublarr/internal/logging"
	"sublarr/internal/media"
	"sublarr/internal/providers"
	"sublarr/internal/store"
	"sublarr/internal/subtitle"
	"sublarr/internal/translator"
)

// Progress phases, in the order an acquisition can visit them.
const (
	PhaseProbe            = "probe"
	PhaseProviderSearch   = "provider_search"
	PhaseProviderDownload = "provider_download"
	PhaseTranslate        = "translate"
	PhaseWrite            = "write"
)

// Disposition labels how an acquisition concluded.
type Disposition string

const (
	DispositionSkipped    Disposition = "skipped"
	DispositionProvider   Disposition = "acquired:provider"
	DispositionTranslated Disposition = "acquired:translated"
	DispositionWhisper    Disposition = "acquired:whisper"
	DispositionExtracted  Disposition = "acquired:extracted"
)

// Prober yields the embedded streams of a video file.
type Prober interface {
	Probe(ctx context.Context, path string) media.Streams
}

// SubtitleSource searches and downloads provider subtitles.
type SubtitleSource interface {
	Search(ctx context.Context, query providers.VideoQuery) ([]providers.SubtitleResult, error)
	DownloadBest(ctx context.Context, result providers.SubtitleResult) (*providers.Download, error)
}

// Translator translates subtitle text lines.
type Translator interface {
	Translate(ctx context.Context, req translator.Request) (*translator.Result, error)
}

// Transcriber produces a source-language SRT from the video's audio track.
type Transcriber interface {
	Transcribe(ctx context.Context, videoPath, sourceLang string, priority int) (*subtitle.SRTFile, error)
}

// HistoryStore records completed acquisitions and answers the upgrade gate.
type HistoryStore interface {
	AddHistory(ctx context.Context, record *store.HistoryRecord) (*store.HistoryRecord, error)
	BestScoreSince(ctx context.Context, videoPath, lang string, forced bool, since time.Time) (int, bool, error)
	LatestHistory(ctx context.Context, videoPath, lang string, forced bool) (*store.HistoryRecord, error)
}

// ExtractFunc copies an embedded subtitle stream to outPath.
type ExtractFunc func(ctx context.Context, videoPath string, stream media.Stream, outPath string) error

// Request is one acquisition target.
type Request struct {
	VideoPath  string
	TargetLang string
	// SourceLang overrides the translation source; empty falls back to
	// the primary audio language, then English.
	SourceLang string
	Forced     bool

	// Enrichment metadata forwarded to provider queries.
	Title           string
	Series          string
	Year            int
	Season          int
	Episode         int
	HearingImpaired bool

	Glossary   map[string]string
	StyleHints string

	// Priority orders the transcription lane when it is reached.
	Priority int

	// Progress, when set, receives phase transitions with a fraction
	// in [0,1] that never decreases within one acquisition.
	Progress func(phase string, fraction float64)
}

func (r Request) report(phase string, fraction float64) {
	if r.Progress != nil {
		r.Progress(phase, fraction)
	}
}

// Outcome describes what the pipeline did for one target.
type Outcome struct {
	Disposition  Disposition
	SubtitlePath string
	Format       subtitle.Format
	Provider     string
	Backend      string
	Score        int
	// SubtitleID and ContentHash identify the exact artifact for the
	// re-download check on later runs.
	SubtitleID  string
	ContentHash string
	Reason      string
}

// Options wires the pipeline's collaborators.
type Options struct {
	Config      config.Pipeline
	MediaDir    string
	FFmpeg      string
	Prober      Prober
	Source      SubtitleSource
	Translator  Translator
	Transcriber Transcriber // nil disables the transcription case
	History     HistoryStore
	Bus         *events.Bus
	Logger      *slog.Logger
	// Extract overrides embedded stream extraction, for tests.
	Extract ExtractFunc
}

// Pipeline runs the acquisition decision for one target at a time per
// (path, language, type); concurrent requests for the same target coalesce.
type Pipeline struct {
	cfg         config.Pipeline
	mediaDir    string
	prober      Prober
	source      SubtitleSource
	translator  Translator
	transcriber Transcriber
	history     HistoryStore
	bus         *events.Bus
	logger      *slog.Logger
	extract     ExtractFunc
	now         func() time.Time

	group singleflight.Group
}

// New builds a pipeline.
func New(opts Options) *Pipeline {
	mediaDir := opts.MediaDir
	if mediaDir != "" {
		if abs, err := filepath.Abs(mediaDir); err == nil {
			mediaDir = abs
		}
	}
	p := &Pipeline{
		cfg:         opts.Config,
		mediaDir:    mediaDir,
		prober:      opts.Prober,
		source:      opts.Source,
		translator:  opts.Translator,
		transcriber: opts.Transcriber,
		history:     opts.History,
		bus:         opts.Bus,
		logger:      logging.NewComponentLogger(opts.Logger, "pipeline"),
		extract:     opts.Extract,
		now:         time.Now,
	}
	if p.extract == nil {
		ffmpeg := opts.FFmpeg
		p.extract = func(ctx context.Context, videoPath string, stream media.Stream, outPath string) error {
			return media.ExtractSubtitle(ctx, ffmpeg, videoPath, stream, outPath)
		}
	}
	return p
}

// Acquire runs the three-case decision for one target. Requests for the
// same (path, language, type) coalesce onto the in-flight acquisition and
// share its outcome.
func (p *Pipeline) Acquire(ctx context.Context, req Request) (*Outcome, error) {
	lang := language.ToISO2(req.TargetLang)
	key := fmt.Sprintf("%s|%s|%s", req.VideoPath, lang, subtitleType(req.Forced))
	v, err, shared := p.group.Do(key, func() (any, error) {
		return p.acquire(ctx, req, lang)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		p.logger.Debug("acquisition coalesced",
			logging.Args(
				logging.String(logging.FieldPath, req.VideoPath),
				logging.String(logging.FieldLanguage, lang),
			)...)
	}
	return v.(*Outcome), nil
}

func (p *Pipeline) acquire(ctx context.Context, req Request, lang string) (*Outcome, error) {
	if err := p.insideMediaDir(req.VideoPath); err != nil {
		return nil, err
	}

	req.report(PhaseProbe, 0.05)
	streams := p.prober.Probe(ctx, req.VideoPath)
	sourceLang := resolveSourceLang(req, streams)
	ex := p.existingTarget(req.VideoPath, lang, req.Forced, streams)

	// Case A: a styled target already exists.
	if ex.styled {
		return &Outcome{
			Disposition:  DispositionSkipped,
			SubtitlePath: ex.styledPath,
			Format:       subtitle.FormatASS,
			Reason:       "styled subtitle already present",
		}, nil
	}

	// Case B: a target SRT exists; try to upgrade it to a styled track.
	if ex.srt {
		return p.upgrade(ctx, req, lang, sourceLang, streams, ex)
	}

	// Case C: nothing exists for this target.
	return p.acquireNew(ctx, req, lang, sourceLang, streams)
}

// upgrade replaces an SRT with a styled track when a provider result clears
// the retention floor, or translates an embedded source track; otherwise the
// SRT stays.
func (p *Pipeline) upgrade(ctx context.Context, req Request, lang, sourceLang string, streams media.Streams, ex existingArtifacts) (*Outcome, error) {
	req.report(PhaseProviderSearch, 0.15)
	floor := p.upgradeFloor(ctx, req.VideoPath, lang, req.Forced)

	gateRejected := false
	results, err := p.source.Search(ctx, p.buildQuery(req, []string{lang}, subtitle.FormatASS))
	if err != nil {
		p.logger.Warn("upgrade search failed",
			logging.Args(logging.Error(err), logging.String(logging.FieldPath, req.VideoPath))...)
	}
	if len(results) > 0 {
		best := results[0]
		if best.Score > floor {
			outcome, err := p.downloadResult(ctx, req, lang, best, true)
			if err == nil {
				return outcome, nil
			}
			if ctx.Err() != nil || errkind.Is(err, errkind.KindCancelled) {
				return nil, err
			}
			p.logger.Warn("upgrade download failed",
				logging.Args(logging.Error(err), logging.String(logging.FieldProvider, best.Provider))...)
		} else {
			gateRejected = true
			p.logger.Info("upgrade gate rejected candidate",
				logging.Args(
					logging.String(logging.FieldPath, req.VideoPath),
					logging.Int("candidate_score", best.Score),
					logging.Int("floor", floor),
				)...)
		}
	}

	if stream, ok := streams.FindSubtitle(sourceLang, req.Forced, subtitle.FormatASS, subtitle.FormatSSA); ok {
		return p.translateEmbedded(ctx, req, lang, sourceLang, stream)
	}

	reason := "kept existing srt"
	if gateRejected {
		reason = "upgrade gate rejected candidate"
	}
	return &Outcome{
		Disposition:  DispositionSkipped,
		SubtitlePath: ex.srtPath,
		Format:       subtitle.FormatSRT,
		Reason:       reason,
	}, nil
}

// acquireNew works through the no-artifact ladder: embedded styled source,
// embedded or neighbouring source SRT, provider search, transcription.
func (p *Pipeline) acquireNew(ctx context.Context, req Request, lang, sourceLang string, streams media.Streams) (*Outcome, error) {
	if stream, ok := streams.FindSubtitle(sourceLang, req.Forced, subtitle.FormatASS, subtitle.FormatSSA); ok {
		return p.translateEmbedded(ctx, req, lang, sourceLang, stream)
	}
	if stream, ok := streams.FindSubtitle(sourceLang, req.Forced, subtitle.FormatSRT); ok {
		return p.translateEmbedded(ctx, req, lang, sourceLang, stream)
	}
	if path, ok := p.neighborSRT(req.VideoPath, sourceLang, req.Forced); ok {
		data, err := os.ReadFile(path)
		if err == nil {
			return p.translateAndWrite(ctx, req, lang, sourceLang, data, subtitle.FormatSRT, "",
				store.HistoryTranslated, DispositionTranslated)
		}
		p.logger.Warn("neighbouring subtitle unreadable",
			logging.Args(logging.Error(err), logging.String(logging.FieldPath, path))...)
	}

	outcome, err := p.acquireFromProviders(ctx, req, lang, sourceLang)
	if err == nil {
		return outcome, nil
	}
	if ctx.Err() != nil || errkind.Is(err, errkind.KindCancelled) {
		return nil, err
	}
	p.logger.Info("provider acquisition unavailable",
		logging.Args(logging.Error(err), logging.String(logging.FieldPath, req.VideoPath))...)

	if p.transcriber != nil {
		outcome, err := p.transcribe(ctx, req, lang, sourceLang)
		if err == nil {
			return outcome, nil
		}
		if ctx.Err() != nil || errkind.Is(err, errkind.KindCancelled) {
			return nil, err
		}
		p.logger.Warn("transcription failed",
			logging.Args(logging.Error(err), logging.String(logging.FieldPath, req.VideoPath))...)
	}

	return nil, errkind.Newf(errkind.KindNoSourceAvailable,
		"no subtitle source available for %s (%s)", filepath.Base(req.VideoPath), lang)
}

func (p *Pipeline) acquireFromProviders(ctx context.Context, req Request, lang, sourceLang string) (*Outcome, error) {
	req.report(PhaseProviderSearch, 0.2)
	langs := []string{lang}
	if sourceLang != lang {
		langs = append(langs, sourceLang)
	}
	results, err := p.source.Search(ctx, p.buildQuery(req, langs, subtitle.FormatUnknown))
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, errkind.New(errkind.KindNotFound, "no provider results")
	}
	best := results[0]
	if language.Equal(best.Language, lang) {
		return p.downloadResult(ctx, req, lang, best, false)
	}

	// Best result is source-language: download and translate it.
	req.report(PhaseProviderDownload, 0.35)
	dl, err := p.source.DownloadBest(ctx, best)
	if err != nil {
		return nil, err
	}
	outcome, err := p.translateAndWrite(ctx, req, lang, sourceLang, dl.Body, dl.Format, best.Provider,
		store.HistoryTranslated, DispositionTranslated)
	if err != nil {
		return nil, err
	}
	outcome.Score = best.Score
	return outcome, nil
}

// downloadResult fetches one provider result and writes it as the target
// artifact. upgrade switches the history action and event type. A result
// whose provider-qualified id or content matches the newest history row for
// the target, with that artifact still on disk, is not fetched or written
// again.
func (p *Pipeline) downloadResult(ctx context.Context, req Request, lang string, result providers.SubtitleResult, upgrade bool) (*Outcome, error) {
	var latest *store.HistoryRecord
	if p.history != nil {
		record, err := p.history.LatestHistory(ctx, req.VideoPath, lang, req.Forced)
		if err != nil {
			p.logger.Warn("history lookup failed",
				logging.Args(logging.Error(err), logging.String(logging.FieldPath, req.VideoPath))...)
		} else {
			latest = record
		}
	}
	resultID := subtitleID(result)
	if latest != nil && resultID != "" && latest.SubtitleID == resultID && artifactOnDisk(latest.SubtitlePath) {
		return p.skipKnownArtifact(req, lang, latest, result), nil
	}

	req.report(PhaseProviderDownload, 0.4)
	dl, err := p.source.DownloadBest(ctx, result)
	if err != nil {
		return nil, err
	}
	hash := contentHash(dl.Body)
	if latest != nil && latest.ContentHash == hash && artifactOnDisk(latest.SubtitlePath) {
		return p.skipKnownArtifact(req, lang, latest, result), nil
	}

	format := dl.Format
	if format == subtitle.FormatUnknown {
		format = subtitle.FormatSRT
	}
	outPath := ArtifactPath(req.VideoPath, lang, req.Forced, format)
	if err := p.writeArtifact(req, outPath, dl.Body); err != nil {
		return nil, err
	}

	outcome := &Outcome{
		Disposition:  DispositionProvider,
		SubtitlePath: outPath,
		Format:       format,
		Provider:     result.Provider,
		Score:        result.Score,
		SubtitleID:   resultID,
		ContentHash:  hash,
	}
	action, eventType := store.HistoryDownloaded, events.TypeSubtitleDownloaded
	if upgrade {
		action, eventType = store.HistoryUpgraded, events.TypeSubtitleUpgraded
	}
	p.record(ctx, req, lang, action, eventType, outcome)
	return outcome, nil
}

// skipKnownArtifact reports the artifact we already hold instead of
// re-acquiring it.
func (p *Pipeline) skipKnownArtifact(req Request, lang string, latest *store.HistoryRecord, result providers.SubtitleResult) *Outcome {
	p.logger.Info("provider result already on disk",
		logging.Args(
			logging.String(logging.FieldPath, req.VideoPath),
			logging.String(logging.FieldProvider, result.Provider),
			logging.String("subtitle_id", result.ID),
		)...)
	format := result.Format
	if format == subtitle.FormatUnknown {
		format = subtitle.FormatSRT
	}
	return &Outcome{
		Disposition:  DispositionSkipped,
		SubtitlePath: latest.SubtitlePath,
		Format:       format,
		Provider:     result.Provider,
		Score:        result.Score,
		SubtitleID:   latest.SubtitleID,
		ContentHash:  latest.ContentHash,
		Reason:       "identical subtitle already downloaded",
	}
}

func subtitleID(result providers.SubtitleResult) string {
	if result.ID == "" {
		return ""
	}
	return result.Provider + ":" + result.ID
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func artifactOnDisk(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func (p *Pipeline) transcribe(ctx context.Context, req Request, lang, sourceLang string) (*Outcome, error) {
	srtFile, err := p.transcriber.Transcribe(ctx, req.VideoPath, sourceLang, req.Priority)
	if err != nil {
		return nil, err
	}
	if p.bus != nil {
		p.bus.Publish(events.Event{
			Type:      events.TypeTranscriptionDone,
			VideoPath: req.VideoPath,
			Language:  sourceLang,
			Payload:   map[string]any{"cues": len(srtFile.Cues)},
		})
	}
	return p.translateAndWrite(ctx, req, lang, sourceLang, srtFile.Serialize(), subtitle.FormatSRT, "",
		store.HistoryTranscribed, DispositionWhisper)
}

// translateEmbedded extracts an embedded stream to a temp file, translates
// it, and writes the target artifact. The temp file never survives.
func (p *Pipeline) translateEmbedded(ctx context.Context, req Request, lang, sourceLang string, stream media.Stream) (*Outcome, error) {
	format := stream.SubtitleFormat()
	tmp, err := os.CreateTemp("", "sublarr-*."+format.Extension())
	if err != nil {
		return nil, errkind.Wrap(errkind.KindInternal, "create temp subtitle", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := p.extract(ctx, req.VideoPath, stream, tmpPath); err != nil {
		return nil, errkind.Wrap(errkind.KindInternal, "extract embedded subtitle", err)
	}
	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindInternal, "read extracted subtitle", err)
	}
	return p.translateAndWrite(ctx, req, lang, sourceLang, data, format, "",
		store.HistoryTranslated, DispositionTranslated)
}

// ExtractEmbedded writes an embedded target-language track to disk next to
// the video, for players that cannot read embedded subtitles.
func (p *Pipeline) ExtractEmbedded(ctx context.Context, videoPath, targetLang string, forced bool) (*Outcome, error) {
	lang := language.ToISO2(targetLang)
	if err := p.insideMediaDir(videoPath); err != nil {
		return nil, err
	}
	streams := p.prober.Probe(ctx, videoPath)
	stream, ok := streams.FindSubtitle(lang, forced,
		subtitle.FormatASS, subtitle.FormatSSA, subtitle.FormatSRT)
	if !ok {
		return nil, errkind.Newf(errkind.KindNotFound,
			"no embedded %s subtitle in %s", lang, filepath.Base(videoPath))
	}

	format := stream.SubtitleFormat()
	tmp, err := os.CreateTemp("", "sublarr-*."+format.Extension())
	if err != nil {
		return nil, errkind.Wrap(errkind.KindInternal, "create temp subtitle", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := p.extract(ctx, videoPath, stream, tmpPath); err != nil {
		return nil, errkind.Wrap(errkind.KindInternal, "extract embedded subtitle", err)
	}
	data, err := os.ReadFile(tmpPath)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindInternal, "read extracted subtitle", err)
	}

	req := Request{VideoPath: videoPath, TargetLang: lang, Forced: forced}
	outPath := ArtifactPath(videoPath, lang, forced, format)
	if err := p.writeArtifact(req, outPath, data); err != nil {
		return nil, err
	}
	outcome := &Outcome{
		Disposition:  DispositionExtracted,
		SubtitlePath: outPath,
		Format:       format,
		ContentHash:  contentHash(data),
	}
	p.record(ctx, req, lang, store.HistoryExtracted, events.TypeSubtitleDownloaded, outcome)
	return outcome, nil
}

// upgradeFloor is the score a candidate must beat to replace an existing
// artifact. A download within the protection window doubles the delta.
func (p *Pipeline) upgradeFloor(ctx context.Context, videoPath, lang string, forced bool) int {
	delta := p.cfg.UpgradeMinScoreDelta
	if delta <= 0 {
		delta = 10
	}
	windowDays := p.cfg.UpgradeWindowDays
	if windowDays <= 0 {
		windowDays = 7
	}
	since := p.now().AddDate(0, 0, -windowDays)

	if best, ok, err := p.history.BestScoreSince(ctx, videoPath, lang, forced, since); err == nil && ok {
		return best + 2*delta
	}
	if latest, err := p.history.LatestHistory(ctx, videoPath, lang, forced); err == nil && latest != nil {
		return latest.Score + delta
	}
	return delta
}

func (p *Pipeline) buildQuery(req Request, langs []string, format subtitle.Format) providers.VideoQuery {
	hash, size, err := providers.ComputeMovieHash(req.VideoPath)
	if err != nil {
		p.logger.Debug("moviehash unavailable",
			logging.Args(logging.Error(err), logging.String(logging.FieldPath, req.VideoPath))...)
	}
	release := providers.ParseReleaseInfo(filepath.Base(req.VideoPath))
	title := req.Title
	if title == "" && req.Series == "" {
		title = titleFromPath(req.VideoPath)
	}
	return providers.VideoQuery{
		VideoPath:       req.VideoPath,
		Title:           title,
		Series:          req.Series,
		Year:            req.Year,
		Season:          req.Season,
		Episode:         req.Episode,
		Hash:            hash,
		FileSize:        size,
		Languages:       langs,
		Forced:          req.Forced,
		HearingImpaired: req.HearingImpaired,
		ReleaseGroup:    release.Group,
		Source:          release.Source,
		AudioCodec:      release.AudioCodec,
		Resolution:      release.Resolution,
		FormatFilter:    format,
	}
}

// record appends a history row and publishes the acquisition event. Both
// are best-effort; the artifact is already on disk.
func (p *Pipeline) record(ctx context.Context, req Request, lang string, action store.HistoryAction, eventType events.Type, outcome *Outcome) {
	if p.history != nil {
		_, err := p.history.AddHistory(ctx, &store.HistoryRecord{
			VideoPath:    req.VideoPath,
			Language:     lang,
			Forced:       req.Forced,
			Action:       action,
			Provider:     outcome.Provider,
			Backend:      outcome.Backend,
			Score:        outcome.Score,
			SubtitlePath: outcome.SubtitlePath,
			SubtitleID:   outcome.SubtitleID,
			ContentHash:  outcome.ContentHash,
		})
		if err != nil {
			p.logger.Warn("record history failed",
				logging.Args(logging.Error(err), logging.String(logging.FieldPath, req.VideoPath))...)
		}
	}
	if p.bus != nil {
		p.bus.Publish(events.Event{
			Type:      eventType,
			VideoPath: req.VideoPath,
			Language:  lang,
			Payload: map[string]any{
				"subtitle_path": outcome.SubtitlePath,
				"format":        outcome.Format,
				"provider":      outcome.Provider,
				"backend":       outcome.Backend,
				"score":         outcome.Score,
				"forced":        req.Forced,
				"disposition":   outcome.Disposition,
			},
		})
	}
}

func resolveSourceLang(req Request, streams media.Streams) string {
	if req.SourceLang != "" {
		return language.ToISO2(req.SourceLang)
	}
	if lang := streams.AudioLanguage(); lang != "" {
		return language.ToISO2(lang)
	}
	return "en"
}

func subtitleType(forced bool) subtitle.Type {
	if forced {
		return subtitle.TypeForced
	}
	return subtitle.TypeNormal
}

func titleFromPath(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	base = strings.NewReplacer(".", " ", "_", " ").Replace(base)
	return strings.TrimSpace(base)
}
