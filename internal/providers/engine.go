package providers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"sublarr/internal/config"
	"sublarr/internal/errkind"
	"sublarr/internal/events"
	"sublarr/internal/logging"
	"sublarr/internal/store"
	"sublarr/internal/subtitle"
)

// searchSlack is added to the longest provider timeout so a slow provider
// hits its own deadline before the collective one.
const searchSlack = 2 * time.Second

const defaultSearchWorkers = 4

// HealthStore persists provider failure state across restarts.
type HealthStore interface {
	GetComponentHealth(ctx context.Context, kind, name string) (*store.ComponentHealth, error)
	RecordComponentFailure(ctx context.Context, kind, name, lastError string) (int, error)
	RecordComponentSuccess(ctx context.Context, kind, name string) error
	DisableComponent(ctx context.Context, kind, name string, until time.Time) error
	EnableComponent(ctx context.Context, kind, name string) error
}

// Download is a decompressed subtitle payload plus what the engine learned
// about it.
type Download struct {
	Body     []byte
	FileName string
	Format   subtitle.Format
	Result   SubtitleResult
}

// Engine fans searches out across providers, scores the merged results,
// and downloads with rate limiting and failure isolation.
type Engine struct {
	cfg       config.Providers
	providers map[string]Provider
	priority  map[string]int
	scorer    *Scorer
	health    HealthStore
	bus       *events.Bus
	logger    *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu       sync.Mutex
	breakers map[string]*breaker
	limiters map[string]*rate.Limiter
}

// EngineOption customizes the engine.
type EngineOption func(*Engine)

// WithSleeper overrides backoff sleeps, for tests.
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

// NewEngine constructs the provider engine. Registration order sets the
// tie-break priority.
func NewEngine(cfg config.Providers, scorer *Scorer, health HealthStore, bus *events.Bus, logger *slog.Logger, providerList []Provider, opts ...EngineOption) *Engine {
	engine := &Engine{
		cfg:       cfg,
		providers: make(map[string]Provider, len(providerList)),
		priority:  make(map[string]int, len(providerList)),
		scorer:    scorer,
		health:    health,
		bus:       bus,
		logger:    logging.NewComponentLogger(logger, "providers"),
		sleep:     sleepFor,
		now:       time.Now,
		breakers:  make(map[string]*breaker),
		limiters:  make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(engine)
	}
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	cooldown := time.Duration(cfg.CooldownSeconds) * time.Second
	for i, p := range providerList {
		info := p.Info()
		engine.providers[info.Name] = p
		priority := info.Priority
		if priority == 0 {
			priority = i + 1
		}
		engine.priority[info.Name] = priority
		engine.breakers[info.Name] = newBreaker(threshold, cooldown, engine.now)
		engine.limiters[info.Name] = newLimiter(info.RateLimit)
	}
	return engine
}

// Initialize runs each provider's initialize hook. A provider that cannot
// initialize counts a failure but does not block the others.
func (e *Engine) Initialize(ctx context.Context) {
	for name, p := range e.providers {
		if err := p.Initialize(ctx); err != nil {
			e.logger.Warn("provider initialization failed",
				logging.Args(logging.String(logging.FieldProvider, name), logging.Error(err))...)
			e.recordFailure(ctx, name, err)
		}
	}
}

// Terminate runs each provider's terminate hook.
func (e *Engine) Terminate() {
	for name, p := range e.providers {
		if err := p.Terminate(); err != nil {
			e.logger.Debug("provider terminate failed",
				logging.Args(logging.String(logging.FieldProvider, name), logging.Error(err))...)
		}
	}
}

// Search queries every eligible provider in parallel and returns the merged
// results sorted by score. Provider failures are isolated; an empty slice
// with nil error means no candidates, not an engine failure.
func (e *Engine) Search(ctx context.Context, query VideoQuery) ([]SubtitleResult, error) {
	eligible, err := e.eligibleProviders(ctx)
	if err != nil {
		return nil, err
	}
	if len(eligible) == 0 {
		return nil, errkind.New(errkind.KindProviderTransient, "no subtitle provider is enabled and healthy")
	}

	deadline := searchSlack
	for _, p := range eligible {
		if t := p.Info().Timeout; t > deadline-searchSlack {
			deadline = t + searchSlack
		}
	}
	searchCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	workers := e.cfg.SearchWorkers
	if workers <= 0 {
		workers = defaultSearchWorkers
	}
	group, groupCtx := errgroup.WithContext(searchCtx)
	group.SetLimit(workers)

	var mu sync.Mutex
	var merged []SubtitleResult
	for _, p := range eligible {
		p := p
		name := p.Info().Name
		group.Go(func() error {
			results, err := e.searchOne(groupCtx, p, query)
			if err != nil {
				// Isolate: a failed provider never fails the fan-out.
				e.recordFailure(ctx, name, err)
				e.logger.Warn("provider search failed",
					logging.Args(logging.String(logging.FieldProvider, name), logging.Error(err))...)
				return nil
			}
			e.recordSuccess(ctx, name)
			mu.Lock()
			merged = append(merged, results...)
			mu.Unlock()
			return nil
		})
	}
	group.Wait()

	merged = e.filterResults(query, merged)
	rankResults(e.scorer, query, merged, e.priority)
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:      events.TypeProviderSearchDone,
			VideoPath: query.VideoPath,
			Payload:   map[string]any{"results": len(merged), "providers": len(eligible)},
		})
	}
	return merged, nil
}

func (e *Engine) searchOne(ctx context.Context, p Provider, query VideoQuery) ([]SubtitleResult, error) {
	info := p.Info()
	callCtx := ctx
	if info.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, info.Timeout)
		defer cancel()
	}
	if limiter := e.limiters[info.Name]; limiter != nil {
		if err := limiter.Wait(callCtx); err != nil {
			return nil, err
		}
	}
	var results []SubtitleResult
	err := e.callWithRetries(callCtx, info, func(ctx context.Context) error {
		var err error
		results, err = p.Search(ctx, query)
		return err
	})
	if err != nil {
		return nil, err
	}
	for i := range results {
		results[i].Provider = info.Name
		applyReleaseMatches(query, &results[i])
	}
	return results, nil
}

// filterResults drops results outside the requested languages, format
// filter, and forced dimension. Scores are not consulted here.
func (e *Engine) filterResults(query VideoQuery, results []SubtitleResult) []SubtitleResult {
	wantLang := make(map[string]bool, len(query.Languages))
	for _, lang := range query.Languages {
		wantLang[lang] = true
	}
	out := results[:0]
	for _, r := range results {
		if len(wantLang) > 0 && !wantLang[r.Language] {
			continue
		}
		if query.FormatFilter != "" && query.FormatFilter != subtitle.FormatUnknown && r.Format != query.FormatFilter {
			continue
		}
		if r.Forced != query.Forced {
			continue
		}
		out = append(out, r)
	}
	return out
}

// DownloadBest fetches one result's payload, unwrapping archives and
// validating the body.
func (e *Engine) DownloadBest(ctx context.Context, result SubtitleResult) (*Download, error) {
	p, ok := e.providers[result.Provider]
	if !ok {
		return nil, errkind.Newf(errkind.KindConfig, "unknown provider %q", result.Provider)
	}
	brk := e.breakers[result.Provider]
	if !brk.Allow() {
		return nil, errkind.Newf(errkind.KindProviderTransient, "provider %s circuit is open", result.Provider)
	}

	info := p.Info()
	callCtx := ctx
	timeout := time.Duration(e.cfg.DownloadTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = info.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if limiter := e.limiters[result.Provider]; limiter != nil {
		if err := limiter.Wait(callCtx); err != nil {
			return nil, err
		}
	}
	var raw []byte
	err := e.callWithRetries(callCtx, info, func(ctx context.Context) error {
		var err error
		raw, err = p.Download(ctx, result)
		return err
	})
	if err != nil {
		e.recordFailure(ctx, result.Provider, err)
		return nil, err
	}

	body, name, err := ExtractSubtitlePayload(raw, e.cfg.MaxArchiveBytes)
	if err != nil {
		e.recordFailure(ctx, result.Provider, err)
		return nil, err
	}
	e.recordSuccess(ctx, result.Provider)

	format := subtitle.SniffFormat(body)
	if format == subtitle.FormatUnknown {
		format = result.Format
	}
	return &Download{Body: body, FileName: name, Format: format, Result: result}, nil
}

// callWithRetries applies the retry policy: transient errors back off
// exponentially up to MaxRetries, a rate limit sleeps the capped
// Retry-After and retries once, auth errors never retry.
func (e *Engine) callWithRetries(ctx context.Context, info Info, call func(ctx context.Context) error) error {
	backoff := time.Second
	rateLimited := false
	for attempt := 0; ; attempt++ {
		err := call(ctx)
		if err == nil {
			return nil
		}
		var limited *RateLimitedError
		if errors.As(err, &limited) {
			if rateLimited {
				return errkind.Wrap(errkind.KindProviderRateLimit, "still rate limited after waiting", err)
			}
			rateLimited = true
			if sleepErr := e.sleep(ctx, capRetryAfter(limited.RetryAfter)); sleepErr != nil {
				return sleepErr
			}
			// Rate-limit retries acquire a fresh token.
			if limiter := e.limiters[info.Name]; limiter != nil {
				if waitErr := limiter.Wait(ctx); waitErr != nil {
					return waitErr
				}
			}
			continue
		}
		switch errkind.KindOf(err) {
		case errkind.KindProviderAuth:
			return err
		}
		if attempt >= info.MaxRetries || !errkind.Transient(err) {
			return err
		}
		if sleepErr := e.sleep(ctx, backoff); sleepErr != nil {
			return sleepErr
		}
		backoff *= 2
	}
}

// Wait blocks until the provider's token bucket grants one request.
func (e *Engine) Wait(ctx context.Context, provider string) error {
	limiter, ok := e.limiters[provider]
	if !ok {
		return nil
	}
	return limiter.Wait(ctx)
}

// eligibleProviders returns the providers whose circuit is not open and
// that are not auto-disabled.
func (e *Engine) eligibleProviders(ctx context.Context) ([]Provider, error) {
	now := e.now()
	var out []Provider
	for name, p := range e.providers {
		if !e.breakers[name].Allow() {
			continue
		}
		health, err := e.health.GetComponentHealth(ctx, store.HealthProvider, name)
		if err != nil {
			return nil, err
		}
		if health != nil && health.Disabled(now) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (e *Engine) recordSuccess(ctx context.Context, name string) {
	e.breakers[name].OnSuccess()
	if err := e.health.RecordComponentSuccess(ctx, store.HealthProvider, name); err != nil {
		e.logger.Warn("failed to record provider success",
			logging.Args(logging.String(logging.FieldProvider, name), logging.Error(err))...)
	}
}

// recordFailure feeds both isolation layers: the in-memory breaker and the
// persisted auto-disable counter, which trips at twice the breaker
// threshold.
func (e *Engine) recordFailure(ctx context.Context, name string, cause error) {
	e.breakers[name].OnFailure()
	failures, err := e.health.RecordComponentFailure(ctx, store.HealthProvider, name, cause.Error())
	if err != nil {
		e.logger.Warn("failed to record provider failure",
			logging.Args(logging.String(logging.FieldProvider, name), logging.Error(err))...)
		return
	}
	threshold := e.cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	if failures < 2*threshold {
		return
	}
	minutes := e.cfg.AutoDisableMinutes
	if minutes <= 0 {
		minutes = 30
	}
	until := e.now().Add(time.Duration(minutes) * time.Minute)
	if err := e.health.DisableComponent(ctx, store.HealthProvider, name, until); err != nil {
		e.logger.Warn("failed to disable provider",
			logging.Args(logging.String(logging.FieldProvider, name), logging.Error(err))...)
		return
	}
	e.logger.Warn("provider auto-disabled after repeated failures",
		logging.Args(logging.String(logging.FieldProvider, name),
			logging.Int("failures", failures), logging.String("until", until.Format(time.RFC3339)))...)
	if e.bus != nil {
		e.bus.Publish(events.Event{Type: events.TypeProviderDisabled, Payload: map[string]any{
			"provider": name,
			"failures": failures,
			"until":    until,
		}})
	}
}

// ResetProvider is the operator reset: it clears the persisted disable and
// the in-memory breaker.
func (e *Engine) ResetProvider(ctx context.Context, name string) error {
	brk, ok := e.breakers[name]
	if !ok {
		return errkind.Newf(errkind.KindNotFound, "unknown provider %q", name)
	}
	brk.Reset()
	if err := e.health.EnableComponent(ctx, store.HealthProvider, name); err != nil {
		return err
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{Type: events.TypeProviderEnabled, Payload: map[string]any{"provider": name}})
	}
	return nil
}

// ProviderStatus is the health snapshot served by the API.
type ProviderStatus struct {
	Name          string        `json:"name"`
	Languages     []string      `json:"languages"`
	Breaker       BreakerState  `json:"breaker"`
	Failures      int           `json:"consecutive_failures"`
	Disabled      bool          `json:"disabled"`
	DisabledUntil *time.Time    `json:"disabled_until,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	ConfigFields  []ConfigField `json:"config_fields,omitempty"`
}

// Providers reports the status of every registered provider.
func (e *Engine) Providers(ctx context.Context) ([]ProviderStatus, error) {
	now := e.now()
	var out []ProviderStatus
	for name, p := range e.providers {
		info := p.Info()
		status := ProviderStatus{
			Name:         name,
			Languages:    info.Languages,
			Breaker:      e.breakers[name].State(),
			ConfigFields: info.ConfigFields,
		}
		health, err := e.health.GetComponentHealth(ctx, store.HealthProvider, name)
		if err != nil {
			return nil, err
		}
		if health != nil {
			status.Failures = health.ConsecutiveFailures
			status.DisabledUntil = health.DisabledUntil
			status.Disabled = health.Disabled(now)
			status.LastError = health.LastError
		}
		out = append(out, status)
	}
	return out, nil
}

// CheckProvider runs a live health check against one provider.
func (e *Engine) CheckProvider(ctx context.Context, name string) error {
	p, ok := e.providers[name]
	if !ok {
		return errkind.Newf(errkind.KindNotFound, "unknown provider %q", name)
	}
	return p.HealthCheck(ctx)
}
