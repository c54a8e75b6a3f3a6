package translator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"sublarr/internal/errkind"
	"sublarr/internal/events"
	"sublarr/internal/logging"
	"sublarr/internal/store"
)

// Default engine policy. A mismatched batch is retried with backoff, then
// the chunk falls back to one line per request before the backend is given
// up on.
const (
	defaultBatchSize          = 15
	defaultFailureLimit       = 10
	defaultAutoDisableMinutes = 30
	latencyWindowSize         = 20
)

var retryDelays = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}

// HealthStore persists backend failure state across restarts.
type HealthStore interface {
	GetComponentHealth(ctx context.Context, kind, name string) (*store.ComponentHealth, error)
	RecordComponentFailure(ctx context.Context, kind, name, lastError string) (int, error)
	RecordComponentSuccess(ctx context.Context, kind, name string) error
	DisableComponent(ctx context.Context, kind, name string, until time.Time) error
}

// GlossaryStore loads persisted per-series glossaries.
type GlossaryStore interface {
	GetSeriesGlossary(ctx context.Context, seriesKey string) (map[string]string, error)
}

// Request is one translation unit: the text lines of a single subtitle
// file. Lines map 1:1 to Result.Lines.
type Request struct {
	Lines      []string
	SourceLang string
	TargetLang string
	// Series selects the persisted per-series glossary when set.
	Series     string
	Glossary   map[string]string
	StyleHints string
	// PreferredBackend and FallbackChain override the configured chain
	// when set.
	PreferredBackend string
	FallbackChain    []string
	// Progress, when set, is called after each completed chunk.
	Progress func(done, total int)
}

// Result carries the translated lines and which backend produced them.
type Result struct {
	Lines       []string
	BackendUsed string
	// Warnings counts lines flagged with a suspicious length ratio but
	// kept anyway.
	Warnings int
}

// Engine routes translation requests through the configured backend chain.
type Engine struct {
	cfg        BackendConfigs
	health     HealthStore
	glossaries GlossaryStore
	bus        *events.Bus
	logger     *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu        sync.Mutex
	authDead  map[string]bool
	latencies map[string][]time.Duration
}

// EngineOption customizes the engine.
type EngineOption func(*Engine)

// WithSleeper overrides the retry sleep, for tests.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) EngineOption {
	return func(e *Engine) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithGlossaryStore enables persisted per-series glossary lookups.
func WithGlossaryStore(glossaries GlossaryStore) EngineOption {
	return func(e *Engine) {
		e.glossaries = glossaries
	}
}

// NewEngine constructs the translation engine.
func NewEngine(cfg BackendConfigs, health HealthStore, bus *events.Bus, logger *slog.Logger, opts ...EngineOption) *Engine {
	engine := &Engine{
		cfg:       cfg,
		health:    health,
		bus:       bus,
		logger:    logging.NewComponentLogger(logger, "translator"),
		sleep:     sleepContext,
		now:       time.Now,
		authDead:  make(map[string]bool),
		latencies: make(map[string][]time.Duration),
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Translate runs the request through the backend chain. Backends are tried
// in order; a backend that cannot complete the request counts a failure and
// the next one is tried.
func (e *Engine) Translate(ctx context.Context, req Request) (*Result, error) {
	if len(req.Lines) == 0 {
		return &Result{Lines: []string{}}, nil
	}
	req.Glossary = e.effectiveGlossary(ctx, req)
	chain, err := e.resolveChain(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, errkind.New(errkind.KindBackendUnavailable, "no translation backend is enabled and healthy")
	}

	var lastErr error
	for _, backend := range chain {
		result, err := e.translateWith(ctx, backend, req)
		if err == nil {
			e.recordSuccess(ctx, backend.Name())
			result.BackendUsed = backend.Name()
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, errkind.Wrap(errkind.KindCancelled, "translation cancelled", ctx.Err())
		}
		lastErr = err
		e.recordFailure(ctx, backend.Name(), err)
		e.logger.Warn("translation backend failed, trying next",
			logging.Args(logging.String(logging.FieldBackend, backend.Name()), logging.Error(err))...)
	}
	return nil, errkind.Wrap(errkind.KindBackendUnavailable, "all translation backends failed", lastErr)
}

// effectiveGlossary layers the configured global glossary, the persisted
// per-series glossary, and the request's own terms. Later layers win on
// conflicting terms. A failed store lookup degrades to the layers we have.
func (e *Engine) effectiveGlossary(ctx context.Context, req Request) map[string]string {
	merged := e.cfg.Glossary
	if e.glossaries != nil && req.Series != "" {
		series, err := e.glossaries.GetSeriesGlossary(ctx, req.Series)
		if err != nil {
			e.logger.Warn("series glossary lookup failed",
				logging.Args(logging.String("series", req.Series), logging.Error(err))...)
		} else {
			merged = MergeGlossaries(merged, series)
		}
	}
	return MergeGlossaries(merged, req.Glossary)
}

// resolveChain builds the ordered backend list for a request: preferred
// first, then the fallback chain, skipping unconfigured, auth-dead, and
// disabled backends.
func (e *Engine) resolveChain(ctx context.Context, req Request) ([]Backend, error) {
	preferred := req.PreferredBackend
	if preferred == "" {
		preferred = e.cfg.PreferredBackend
	}
	fallback := req.FallbackChain
	if len(fallback) == 0 {
		fallback = e.cfg.FallbackChain
	}

	names := make([]string, 0, 1+len(fallback))
	seen := make(map[string]bool)
	for _, name := range append([]string{preferred}, fallback...) {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}

	deps := BackendDeps{Config: e.cfg}
	now := e.now()
	var chain []Backend
	for _, name := range names {
		if e.isAuthDead(name) {
			continue
		}
		backend, err := buildBackend(name, deps)
		if err != nil {
			e.logger.Debug("skipping translation backend",
				logging.Args(logging.String(logging.FieldBackend, name), logging.Error(err))...)
			continue
		}
		health, err := e.health.GetComponentHealth(ctx, store.HealthBackend, name)
		if err != nil {
			return nil, err
		}
		if health != nil && health.Disabled(now) {
			continue
		}
		chain = append(chain, backend)
	}
	return chain, nil
}

// translateWith runs every chunk of the request through one backend.
func (e *Engine) translateWith(ctx context.Context, backend Backend, req Request) (*Result, error) {
	size := e.cfg.BatchSize
	if size <= 0 {
		size = defaultBatchSize
	}
	if max := backend.MaxBatchSize(); max > 0 && size > max {
		size = max
	}
	if !backend.SupportsBatch() {
		size = 1
	}

	result := &Result{Lines: make([]string, 0, len(req.Lines))}
	for start := 0; start < len(req.Lines); start += size {
		end := start + size
		if end > len(req.Lines) {
			end = len(req.Lines)
		}
		batch := Batch{
			Lines:      req.Lines[start:end],
			SourceLang: req.SourceLang,
			TargetLang: req.TargetLang,
			Glossary:   req.Glossary,
			StyleHints: req.StyleHints,
		}
		lines, warnings, err := e.translateChunk(ctx, backend, batch)
		if err != nil {
			return nil, err
		}
		result.Lines = append(result.Lines, lines...)
		result.Warnings += warnings
		if req.Progress != nil {
			req.Progress(end, len(req.Lines))
		}
	}
	return result, nil
}

// translateChunk translates one batch with the retry policy: mismatched
// responses retry with backoff, then the chunk degrades to single-line
// requests. Transport errors propagate immediately so the chain can move
// on.
func (e *Engine) translateChunk(ctx context.Context, backend Backend, batch Batch) ([]string, int, error) {
	var lastMismatch error
	for attempt := 0; attempt < len(retryDelays); attempt++ {
		lines, err := e.timedBatch(ctx, backend, batch)
		if err == nil {
			return e.validateChunk(ctx, backend, batch, lines)
		}
		var mismatch *MismatchError
		if !errors.As(err, &mismatch) {
			return nil, 0, err
		}
		lastMismatch = err
		e.logger.Debug("batch line count mismatch, retrying",
			logging.Args(logging.String(logging.FieldBackend, backend.Name()),
				logging.Int("attempt", attempt+1), logging.Error(err))...)
		if err := e.sleep(ctx, retryDelays[attempt]); err != nil {
			return nil, 0, err
		}
	}

	e.logger.Info("batch retries exhausted, switching to single-line mode",
		logging.Args(logging.String(logging.FieldBackend, backend.Name()), logging.Error(lastMismatch))...)
	lines, err := e.translateSingly(ctx, backend, batch, nil)
	if err != nil {
		return nil, 0, err
	}
	return e.validateChunk(ctx, backend, batch, lines)
}

// translateSingly sends each line as its own batch. When only is non-nil,
// just those indices are retranslated in place on a copy of base.
func (e *Engine) translateSingly(ctx context.Context, backend Backend, batch Batch, only []int) ([]string, error) {
	indices := only
	if indices == nil {
		indices = make([]int, len(batch.Lines))
		for i := range indices {
			indices[i] = i
		}
	}
	out := make([]string, len(batch.Lines))
	for i := range out {
		out[i] = batch.Lines[i]
	}
	for _, idx := range indices {
		single := batch
		single.Lines = []string{batch.Lines[idx]}
		lines, err := e.timedBatch(ctx, backend, single)
		if err != nil {
			var mismatch *MismatchError
			if errors.As(err, &mismatch) {
				return nil, errkind.Wrap(errkind.KindLineCountMismatch,
					"backend cannot hold line mapping even in single-line mode", err)
			}
			return nil, err
		}
		out[idx] = lines[0]
	}
	return out, nil
}

// validateChunk checks each translated line, retrying rejected lines once
// in single-line mode before failing the backend.
func (e *Engine) validateChunk(ctx context.Context, backend Backend, batch Batch, lines []string) ([]string, int, error) {
	if len(lines) != len(batch.Lines) {
		return nil, 0, errkind.Newf(errkind.KindLineCountMismatch,
			"backend %s returned %d of %d lines", backend.Name(), len(lines), len(batch.Lines))
	}
	warnings := 0
	var bad []int
	for i, line := range lines {
		warn, err := ValidateLine(batch.Lines[i], line, batch.SourceLang, batch.TargetLang)
		if err != nil {
			bad = append(bad, i)
			continue
		}
		if warn {
			warnings++
			e.logger.Debug("translated line has suspicious length ratio",
				logging.Args(logging.String(logging.FieldBackend, backend.Name()), logging.Int("line", i+1))...)
		}
	}
	if len(bad) == 0 {
		return lines, warnings, nil
	}

	// Retranslate only the rejected lines from their sources.
	fixed, err := e.translateSingly(ctx, backend, batch, bad)
	if err != nil {
		return nil, 0, err
	}
	for _, idx := range bad {
		warn, err := ValidateLine(batch.Lines[idx], fixed[idx], batch.SourceLang, batch.TargetLang)
		if err != nil {
			return nil, 0, errkind.Wrap(errkind.KindHallucination,
				"backend "+backend.Name()+" keeps producing invalid lines", err)
		}
		lines[idx] = fixed[idx]
		if warn {
			warnings++
		}
	}
	return lines, warnings, nil
}

// timedBatch wraps TranslateBatch with latency tracking.
func (e *Engine) timedBatch(ctx context.Context, backend Backend, batch Batch) ([]string, error) {
	start := e.now()
	lines, err := backend.TranslateBatch(ctx, batch)
	if err == nil {
		e.recordLatency(backend.Name(), e.now().Sub(start))
	}
	return lines, err
}

func (e *Engine) recordLatency(name string, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	window := append(e.latencies[name], d)
	if len(window) > latencyWindowSize {
		window = window[len(window)-latencyWindowSize:]
	}
	e.latencies[name] = window
}

// BackendLatency returns the sliding-average batch latency for a backend,
// or zero when it has not been used yet.
func (e *Engine) BackendLatency(name string) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	window := e.latencies[name]
	if len(window) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range window {
		total += d
	}
	return total / time.Duration(len(window))
}

func (e *Engine) isAuthDead(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.authDead[name]
}

func (e *Engine) recordSuccess(ctx context.Context, name string) {
	if err := e.health.RecordComponentSuccess(ctx, store.HealthBackend, name); err != nil {
		e.logger.Warn("failed to record backend success",
			logging.Args(logging.String(logging.FieldBackend, name), logging.Error(err))...)
	}
}

// recordFailure bumps the persistent failure counter and disables the
// backend once the limit is reached. Auth failures park the backend for
// the rest of the process lifetime instead of a timed disable.
func (e *Engine) recordFailure(ctx context.Context, name string, cause error) {
	if errkind.KindOf(cause) == errkind.KindBackendAuthInvalid {
		e.mu.Lock()
		e.authDead[name] = true
		e.mu.Unlock()
		e.logger.Error("backend credentials rejected, skipping until restart",
			logging.Args(logging.String(logging.FieldBackend, name))...)
		if e.bus != nil {
			e.bus.Publish(events.Event{Type: events.TypeBackendDisabled, Payload: map[string]any{
				"backend": name,
				"reason":  "auth",
			}})
		}
		return
	}

	failures, err := e.health.RecordComponentFailure(ctx, store.HealthBackend, name, cause.Error())
	if err != nil {
		e.logger.Warn("failed to record backend failure",
			logging.Args(logging.String(logging.FieldBackend, name), logging.Error(err))...)
		return
	}
	limit := e.cfg.FailureLimit
	if limit <= 0 {
		limit = defaultFailureLimit
	}
	if failures < limit {
		return
	}
	minutes := e.cfg.AutoDisableMinutes
	if minutes <= 0 {
		minutes = defaultAutoDisableMinutes
	}
	until := e.now().Add(time.Duration(minutes) * time.Minute)
	if err := e.health.DisableComponent(ctx, store.HealthBackend, name, until); err != nil {
		e.logger.Warn("failed to disable backend",
			logging.Args(logging.String(logging.FieldBackend, name), logging.Error(err))...)
		return
	}
	e.logger.Warn("backend disabled after repeated failures",
		logging.Args(logging.String(logging.FieldBackend, name),
			logging.Int("failures", failures), logging.String("until", until.Format(time.RFC3339)))...)
	if e.bus != nil {
		e.bus.Publish(events.Event{Type: events.TypeBackendDisabled, Payload: map[string]any{
			"backend":  name,
			"failures": failures,
			"until":    until,
		}})
	}
}

// BackendStatus is the health snapshot served by the API.
type BackendStatus struct {
	Name          string        `json:"name"`
	Enabled       bool          `json:"enabled"`
	Disabled      bool          `json:"disabled"`
	DisabledUntil *time.Time    `json:"disabled_until,omitempty"`
	Failures      int           `json:"consecutive_failures"`
	LastError     string        `json:"last_error,omitempty"`
	AvgLatency    time.Duration `json:"avg_latency_ns"`
}

// Backends reports the status of every registered backend.
func (e *Engine) Backends(ctx context.Context) ([]BackendStatus, error) {
	deps := BackendDeps{Config: e.cfg}
	now := e.now()
	var out []BackendStatus
	for _, name := range RegisteredBackends() {
		status := BackendStatus{Name: name, AvgLatency: e.BackendLatency(name)}
		if _, err := buildBackend(name, deps); err == nil {
			status.Enabled = true
		}
		if e.isAuthDead(name) {
			status.Disabled = true
			status.LastError = "credentials rejected"
		}
		health, err := e.health.GetComponentHealth(ctx, store.HealthBackend, name)
		if err != nil {
			return nil, err
		}
		if health != nil {
			status.Failures = health.ConsecutiveFailures
			status.DisabledUntil = health.DisabledUntil
			if health.Disabled(now) {
				status.Disabled = true
			}
			if health.LastError != "" {
				status.LastError = health.LastError
			}
		}
		out = append(out, status)
	}
	return out, nil
}

// CheckBackend runs a live health check against one backend.
func (e *Engine) CheckBackend(ctx context.Context, name string) error {
	backend, err := buildBackend(name, BackendDeps{Config: e.cfg})
	if err != nil {
		return errkind.Wrap(errkind.KindConfig, "backend not available", err)
	}
	return backend.HealthCheck(ctx)
}
