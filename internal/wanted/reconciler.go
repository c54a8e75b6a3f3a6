// Package wanted tracks which subtitle targets the library is missing and
// drives the retry schedule that fills them.
package wanted

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"sublarr/internal/config"
	"sublarr/internal/errkind"
	"sublarr/internal/events"
	"sublarr/internal/logging"
	"sublarr/internal/media"
	"sublarr/internal/pipeline"
	"sublarr/internal/store"
	"sublarr/internal/subtitle"
	"sublarr/internal/transcriber"
)

const (
	defaultRescanIntervalHours = 6
	defaultBatchIntervalHours  = 24
	defaultBatchWorkers        = 2
	defaultFullSweepEvery      = 6
	defaultProbeWorkers        = 4
	defaultRetryBaseMinutes    = 30
	defaultRetryExponentCap    = 5
	defaultMaxAttempts         = 10

	batchSearchLimit = 200
)

// Prober reads the stream layout of a media file.
type Prober interface {
	Probe(ctx context.Context, path string) media.Streams
}

// Acquirer runs one subtitle acquisition end to end.
type Acquirer interface {
	Acquire(ctx context.Context, req pipeline.Request) (*pipeline.Outcome, error)
}

// ScanStats summarizes one reconcile pass.
type ScanStats struct {
	Items     int `json:"items"`
	Targets   int `json:"targets"`
	Missing   int `json:"missing"`
	Upgrades  int `json:"upgrades"`
	Satisfied int `json:"satisfied"`
	Pruned    int `json:"pruned"`
}

// Reconciler diffs the library against the wanted table and searches for
// whatever is due.
type Reconciler struct {
	cfg         config.Wanted
	targetLangs []string
	source      LibrarySource
	prober      Prober
	acquirer    Acquirer
	store       *store.Store
	bus         *events.Bus
	logger      *slog.Logger
	now         func() time.Time
}

// Options wires the reconciler's collaborators.
type Options struct {
	Config config.Wanted
	// TargetLanguages applies when no language profile covers a series.
	TargetLanguages []string
	Source          LibrarySource
	Prober          Prober
	Acquirer        Acquirer
	Store           *store.Store
	Bus             *events.Bus
	Logger          *slog.Logger
}

// New builds a reconciler.
func New(opts Options) *Reconciler {
	return &Reconciler{
		cfg:         opts.Config,
		targetLangs: opts.TargetLanguages,
		source:      opts.Source,
		prober:      opts.Prober,
		acquirer:    opts.Acquirer,
		store:       opts.Store,
		bus:         opts.Bus,
		logger:      logging.NewComponentLogger(opts.Logger, "wanted"),
		now:         time.Now,
	}
}

// Reconcile walks the library, upserts missing targets, and prunes rows for
// files that disappeared. A full pass re-evaluates every item; an
// incremental pass skips files untouched since their last scan unless their
// row is still actionable.
func (r *Reconciler) Reconcile(ctx context.Context, full bool) (ScanStats, error) {
	started := r.now()
	items, err := r.source.Items(ctx)
	if err != nil {
		return ScanStats{}, errkind.Wrap(errkind.KindInternal, "list library", err)
	}

	var (
		mu    sync.Mutex
		stats = ScanStats{Items: len(items)}
	)
	expected := make(map[string]struct{}, len(items))
	for _, item := range items {
		expected[item.VideoPath] = struct{}{}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(positive(r.cfg.ProbeWorkers, defaultProbeWorkers))
	for _, item := range items {
		item := item
		g.Go(func() error {
			delta, err := r.reconcileItem(gctx, item, full)
			if err != nil {
				return err
			}
			mu.Lock()
			stats.Targets += delta.Targets
			stats.Missing += delta.Missing
			stats.Upgrades += delta.Upgrades
			stats.Satisfied += delta.Satisfied
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	pruned, err := r.pruneStale(ctx, expected)
	if err != nil {
		return stats, err
	}
	stats.Pruned = pruned

	r.logger.Info("library reconciled", logging.Args(
		logging.Bool("full", full),
		logging.Int("items", stats.Items),
		logging.Int("missing", stats.Missing),
		logging.Int("upgrades", stats.Upgrades),
		logging.Int("pruned", stats.Pruned),
		logging.Duration("elapsed", r.now().Sub(started)),
	)...)
	if r.bus != nil {
		r.bus.Publish(events.Event{
			Type:    events.TypeWantedScanned,
			Payload: map[string]any{"stats": stats, "full": full},
		})
	}
	return stats, nil
}

// ScanPath reconciles a single file, typically after an import webhook.
func (r *Reconciler) ScanPath(ctx context.Context, videoPath string) (ScanStats, error) {
	stats, err := r.reconcileItem(ctx, ParseLibraryItem(videoPath), true)
	if err != nil {
		return stats, err
	}
	stats.Items = 1
	return stats, nil
}

func (r *Reconciler) reconcileItem(ctx context.Context, item LibraryItem, full bool) (ScanStats, error) {
	var stats ScanStats
	targets, err := r.targetsFor(ctx, item)
	if err != nil {
		return stats, err
	}

	mtime := fileModTime(item.VideoPath)
	var streams media.Streams
	probed := false

	for _, target := range targets {
		stats.Targets++
		row, err := r.store.GetWanted(ctx, item.VideoPath, target.Language, target.Forced)
		if err != nil {
			return stats, err
		}
		if !full && !r.needsScan(row, mtime) {
			continue
		}

		// Disk artifacts settle the gap without a probe.
		gap := diskGap(item.VideoPath, target.Language, target.Forced)
		if gap != store.WantedSatisfied {
			if !probed {
				streams = r.prober.Probe(ctx, item.VideoPath)
				probed = true
			}
			gap = mergeEmbeddedGap(gap, streams, target.Language, target.Forced)
		}

		switch gap {
		case store.WantedSatisfied:
			stats.Satisfied++
		case store.WantedUpgrade:
			stats.Upgrades++
		default:
			stats.Missing++
		}

		row, err = r.store.UpsertWanted(ctx, &store.WantedItem{
			VideoPath:   item.VideoPath,
			SeriesTitle: item.SeriesTitle,
			Season:      item.Season,
			Episode:     item.Episode,
			Language:    target.Language,
			Forced:      target.Forced,
		})
		if err != nil {
			return stats, err
		}
		if err := r.applyGap(ctx, row, gap); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

// needsScan decides whether an incremental pass can skip a target. Rows
// still waiting for a search are always revisited; settled rows only when
// the file changed since the last scan.
func (r *Reconciler) needsScan(row *store.WantedItem, mtime time.Time) bool {
	if row == nil {
		return true
	}
	switch row.Status {
	case store.WantedPending, store.WantedUpgrade:
		return true
	}
	return mtime.After(row.UpdatedAt)
}

// applyGap moves a row to the status the gap dictates. Ignored, searching,
// and failed rows are owned elsewhere; pending rows keep their retry
// schedule when the gap is still missing.
func (r *Reconciler) applyGap(ctx context.Context, row *store.WantedItem, gap store.WantedStatus) error {
	switch row.Status {
	case store.WantedIgnored, store.WantedSearching, store.WantedFailed:
		return nil
	}
	switch gap {
	case store.WantedSatisfied:
		if row.Status != store.WantedSatisfied {
			return r.store.MarkWantedSatisfied(ctx, row.ID)
		}
	case store.WantedUpgrade:
		if row.Status != store.WantedUpgrade {
			return r.store.MarkWantedUpgradeCandidate(ctx, row.ID)
		}
	default:
		// Artifact disappeared; a pending row keeps its backoff.
		if row.Status == store.WantedSatisfied || row.Status == store.WantedUpgrade {
			return r.store.MarkWantedPending(ctx, row.ID)
		}
	}
	return nil
}

// diskGap inspects sibling subtitle files next to the video.
func diskGap(videoPath, lang string, forced bool) store.WantedStatus {
	for _, format := range []subtitle.Format{subtitle.FormatASS, subtitle.FormatSSA} {
		if fileExists(pipeline.ArtifactPath(videoPath, lang, forced, format)) {
			return store.WantedSatisfied
		}
	}
	if fileExists(pipeline.ArtifactPath(videoPath, lang, forced, subtitle.FormatSRT)) {
		return store.WantedUpgrade
	}
	return store.WantedPending
}

// mergeEmbeddedGap folds embedded streams into the disk verdict. An embedded
// styled track satisfies the target; an embedded SRT leaves it upgradeable.
func mergeEmbeddedGap(gap store.WantedStatus, streams media.Streams, lang string, forced bool) store.WantedStatus {
	if _, ok := streams.FindSubtitle(lang, forced, subtitle.FormatASS, subtitle.FormatSSA); ok {
		return store.WantedSatisfied
	}
	if gap == store.WantedUpgrade {
		return gap
	}
	if _, ok := streams.FindSubtitle(lang, forced, subtitle.FormatSRT); ok {
		return store.WantedUpgrade
	}
	return gap
}

func (r *Reconciler) pruneStale(ctx context.Context, expected map[string]struct{}) (int, error) {
	tracked, err := r.store.WantedPaths(ctx)
	if err != nil {
		return 0, err
	}
	pruned := 0
	for path := range tracked {
		if _, ok := expected[path]; ok {
			continue
		}
		n, err := r.store.DeleteWantedForPath(ctx, path)
		if err != nil {
			return pruned, err
		}
		pruned += int(n)
		r.logger.Debug("pruned wanted rows for missing file",
			logging.Args(logging.String(logging.FieldPath, path), logging.Int64("rows", n))...)
	}
	return pruned, nil
}

// targetsFor resolves the language targets for an item: its series profile,
// else the default profile, else the configured target languages.
func (r *Reconciler) targetsFor(ctx context.Context, item LibraryItem) ([]store.LanguageTarget, error) {
	profile, err := r.store.ProfileForSeries(ctx, item.SeriesKey)
	if err != nil {
		return nil, err
	}
	if profile != nil && len(profile.Languages) > 0 {
		return profile.Languages, nil
	}
	targets := make([]store.LanguageTarget, 0, len(r.targetLangs))
	for _, lang := range r.targetLangs {
		targets = append(targets, store.LanguageTarget{Language: lang})
	}
	return targets, nil
}

// SearchOne runs the acquisition pipeline for a single wanted row and
// records the result. Cancellation returns the row to pending without
// burning an attempt; other failures advance the retry schedule.
func (r *Reconciler) SearchOne(ctx context.Context, item *store.WantedItem) error {
	if err := r.store.MarkWantedSearching(ctx, item.ID); err != nil {
		return err
	}

	parsed := ParseLibraryItem(item.VideoPath)
	outcome, err := r.acquirer.Acquire(ctx, pipeline.Request{
		VideoPath:  item.VideoPath,
		TargetLang: item.Language,
		Forced:     item.Forced,
		Title:      parsed.Title,
		Series:     item.SeriesTitle,
		Year:       parsed.Year,
		Season:     item.Season,
		Episode:    item.Episode,
		Priority:   transcriber.PriorityWanted,
	})
	if err != nil {
		return r.recordSearchFailure(ctx, item, err)
	}

	status := store.WantedSatisfied
	if outcome.Disposition == pipeline.DispositionSkipped && outcome.Format == subtitle.FormatSRT {
		status = store.WantedUpgrade
	}
	var markErr error
	if status == store.WantedUpgrade {
		markErr = r.store.MarkWantedUpgradeCandidate(ctx, item.ID)
	} else {
		markErr = r.store.MarkWantedSatisfied(ctx, item.ID)
	}
	if markErr != nil {
		return markErr
	}

	r.logger.Info("wanted search completed", logging.Args(
		logging.String(logging.FieldPath, item.VideoPath),
		logging.String(logging.FieldLanguage, item.Language),
		logging.String("disposition", string(outcome.Disposition)),
		logging.String("status", string(status)),
	)...)
	r.publishSearchDone(item, map[string]any{
		"status":      status,
		"disposition": outcome.Disposition,
		"provider":    outcome.Provider,
		"backend":     outcome.Backend,
		"path":        outcome.SubtitlePath,
		"reason":      outcome.Reason,
	})
	return nil
}

func (r *Reconciler) recordSearchFailure(ctx context.Context, item *store.WantedItem, cause error) error {
	if errors.Is(cause, context.Canceled) || errkind.KindOf(cause) == errkind.KindCancelled {
		if err := r.store.MarkWantedPending(ctx, item.ID); err != nil {
			return err
		}
		return cause
	}

	attempts := item.Attempts + 1
	exhausted := attempts >= positive(r.cfg.MaxAttempts, defaultMaxAttempts)
	next := r.now().Add(r.retryDelay(item.Attempts))
	if err := r.store.RecordWantedFailure(ctx, item.ID, &next, cause.Error(), exhausted); err != nil {
		return err
	}

	status := store.WantedPending
	if exhausted {
		status = store.WantedFailed
	}
	r.logger.Warn("wanted search failed", logging.Args(
		logging.Error(cause),
		logging.String(logging.FieldPath, item.VideoPath),
		logging.String(logging.FieldLanguage, item.Language),
		logging.Int("attempts", attempts),
		logging.Bool("exhausted", exhausted),
	)...)
	r.publishSearchDone(item, map[string]any{
		"status":   status,
		"error":    cause.Error(),
		"attempts": attempts,
	})
	return nil
}

func (r *Reconciler) publishSearchDone(item *store.WantedItem, payload map[string]any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{
		Type:      events.TypeWantedSearchDone,
		VideoPath: item.VideoPath,
		Language:  item.Language,
		Payload:   payload,
	})
}

// retryDelay backs off exponentially from the base interval, capped at the
// configured exponent.
func (r *Reconciler) retryDelay(attempts int) time.Duration {
	base := time.Duration(positive(r.cfg.RetryBaseMinutes, defaultRetryBaseMinutes)) * time.Minute
	maxExp := positive(r.cfg.RetryExponentCap, defaultRetryExponentCap)
	if attempts > maxExp {
		attempts = maxExp
	}
	return base << attempts
}

// BatchSearch searches every due pending row plus the current upgrade
// candidates, bounded by the batch worker limit. Individual failures are
// recorded on their rows and do not stop the batch.
func (r *Reconciler) BatchSearch(ctx context.Context) (int, error) {
	due, err := r.store.DueWanted(ctx, r.now(), batchSearchLimit)
	if err != nil {
		return 0, err
	}
	upgrades, err := r.store.ListWanted(ctx, batchSearchLimit, 0, store.WantedUpgrade)
	if err != nil {
		return 0, err
	}
	queue := append(due, upgrades...)
	if len(queue) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(positive(r.cfg.BatchWorkers, defaultBatchWorkers))
	for _, item := range queue {
		item := item
		g.Go(func() error {
			if err := r.SearchOne(gctx, item); err != nil {
				if errors.Is(err, context.Canceled) || errkind.KindOf(err) == errkind.KindCancelled {
					return err
				}
				r.logger.Warn("batch search item failed",
					logging.Args(logging.Error(err), logging.String(logging.FieldPath, item.VideoPath))...)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return len(queue), err
	}
	return len(queue), nil
}

// Run drives the periodic schedule: an initial full reconcile, incremental
// rescans with a full sweep every Nth pass, and the daily batch search. It
// blocks until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	if _, err := r.Reconcile(ctx, true); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Error("initial reconcile failed", logging.Args(logging.Error(err))...)
	}

	rescan := time.NewTicker(time.Duration(positive(r.cfg.RescanIntervalHours, defaultRescanIntervalHours)) * time.Hour)
	defer rescan.Stop()
	batch := time.NewTicker(time.Duration(positive(r.cfg.BatchIntervalHours, defaultBatchIntervalHours)) * time.Hour)
	defer batch.Stop()

	sweepEvery := positive(r.cfg.FullSweepEvery, defaultFullSweepEvery)
	pass := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-rescan.C:
			pass++
			full := pass%sweepEvery == 0
			if _, err := r.Reconcile(ctx, full); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("reconcile failed", logging.Args(logging.Error(err))...)
			}
		case <-batch.C:
			if _, err := r.BatchSearch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error("batch search failed", logging.Args(logging.Error(err))...)
			}
		}
	}
}

func positive(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func fileModTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
