package providers

import (
	"context"
	"sync"
	"testing"
	"time"

	"sublarr/internal/config"
	"sublarr/internal/errkind"
	"sublarr/internal/events"
	"sublarr/internal/logging"
	"sublarr/internal/store"
	"sublarr/internal/subtitle"
)

type fakeProvider struct {
	info       Info
	searchFn   func(ctx context.Context, query VideoQuery) ([]SubtitleResult, error)
	downloadFn func(ctx context.Context, result SubtitleResult) ([]byte, error)
}

func (f *fakeProvider) Info() Info { return f.info }

func (f *fakeProvider) Initialize(ctx context.Context) error { return nil }

func (f *fakeProvider) Terminate() error { return nil }

func (f *fakeProvider) HealthCheck(ctx context.Context) error { return nil }

func (f *fakeProvider) Search(ctx context.Context, query VideoQuery) ([]SubtitleResult, error) {
	return f.searchFn(ctx, query)
}

func (f *fakeProvider) Download(ctx context.Context, result SubtitleResult) ([]byte, error) {
	return f.downloadFn(ctx, result)
}

func newFakeProvider(name string) *fakeProvider {
	return &fakeProvider{
		info: Info{Name: name, Timeout: time.Second, MaxRetries: 0},
		searchFn: func(ctx context.Context, query VideoQuery) ([]SubtitleResult, error) {
			return nil, nil
		},
		downloadFn: func(ctx context.Context, result SubtitleResult) ([]byte, error) {
			return []byte(sampleSRTBody), nil
		},
	}
}

type fakeHealth struct {
	mu   sync.Mutex
	rows map[string]*store.ComponentHealth
}

func newFakeHealth() *fakeHealth {
	return &fakeHealth{rows: make(map[string]*store.ComponentHealth)}
}

func (f *fakeHealth) GetComponentHealth(ctx context.Context, kind, name string) (*store.ComponentHealth, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[name]
	if !ok {
		return nil, nil
	}
	copied := *row
	return &copied, nil
}

func (f *fakeHealth) RecordComponentFailure(ctx context.Context, kind, name, lastError string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[name]
	if !ok {
		row = &store.ComponentHealth{Kind: kind, Name: name}
		f.rows[name] = row
	}
	row.ConsecutiveFailures++
	row.LastError = lastError
	return row.ConsecutiveFailures, nil
}

func (f *fakeHealth) RecordComponentSuccess(ctx context.Context, kind, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[name] = &store.ComponentHealth{Kind: kind, Name: name}
	return nil
}

func (f *fakeHealth) DisableComponent(ctx context.Context, kind, name string, until time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[name]
	if !ok {
		row = &store.ComponentHealth{Kind: kind, Name: name}
		f.rows[name] = row
	}
	row.DisabledUntil = &until
	return nil
}

func (f *fakeHealth) EnableComponent(ctx context.Context, kind, name string) error {
	return f.RecordComponentSuccess(ctx, kind, name)
}

func newTestEngine(t *testing.T, cfg config.Providers, health HealthStore, providerList ...Provider) *Engine {
	t.Helper()
	return NewEngine(cfg, NewScorer(nil, nil), health, events.NewBus(logging.NewNop()), logging.NewNop(),
		providerList,
		WithSleeper(func(ctx context.Context, d time.Duration) error { return nil }))
}

func srtResult(id, lang string, matches ...Match) SubtitleResult {
	r := SubtitleResult{ID: id, DownloadRef: id, Language: lang, Format: subtitle.FormatSRT}
	for _, m := range matches {
		r.setMatch(m)
	}
	return r
}

// downloadResult mimics a search result the engine has already stamped with
// its originating provider, as DownloadBest requires.
func downloadResult(provider, id string) SubtitleResult {
	r := srtResult(id, "de")
	r.Provider = provider
	return r
}

func TestEngineSearchMergesAndRanks(t *testing.T) {
	a := newFakeProvider("a")
	a.searchFn = func(ctx context.Context, query VideoQuery) ([]SubtitleResult, error) {
		return []SubtitleResult{srtResult("a1", "de", MatchTitle)}, nil
	}
	b := newFakeProvider("b")
	b.searchFn = func(ctx context.Context, query VideoQuery) ([]SubtitleResult, error) {
		return []SubtitleResult{srtResult("b1", "de", MatchTitle, MatchYear)}, nil
	}
	engine := newTestEngine(t, config.Providers{}, newFakeHealth(), a, b)

	results, err := engine.Search(context.Background(), VideoQuery{
		Title: "Film", Year: 2020, Languages: []string{"de"},
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].ID != "b1" {
		t.Errorf("best result = %s, want b1", results[0].ID)
	}
	if results[0].Score <= results[1].Score {
		t.Errorf("scores not descending: %d then %d", results[0].Score, results[1].Score)
	}
}

func TestEngineSearchPublishesCompletionEvent(t *testing.T) {
	p := newFakeProvider("p")
	p.searchFn = func(ctx context.Context, query VideoQuery) ([]SubtitleResult, error) {
		return []SubtitleResult{srtResult("p1", "de", MatchTitle)}, nil
	}
	bus := events.NewBus(logging.NewNop())
	var got []events.Event
	bus.Subscribe(func(e events.Event) { got = append(got, e) }, events.TypeProviderSearchDone)
	engine := NewEngine(config.Providers{}, NewScorer(nil, nil), newFakeHealth(), bus, logging.NewNop(),
		[]Provider{p},
		WithSleeper(func(ctx context.Context, d time.Duration) error { return nil }))

	if _, err := engine.Search(context.Background(), VideoQuery{
		Title: "Film", VideoPath: "/media/film.mkv", Languages: []string{"de"},
	}); err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("events = %d, want 1", len(got))
	}
	if got[0].VideoPath != "/media/film.mkv" {
		t.Errorf("event path = %q", got[0].VideoPath)
	}
}

func TestEngineSearchIsolatesFailedProvider(t *testing.T) {
	broken := newFakeProvider("broken")
	broken.searchFn = func(ctx context.Context, query VideoQuery) ([]SubtitleResult, error) {
		return nil, errkind.New(errkind.KindProviderTransient, "down")
	}
	ok := newFakeProvider("ok")
	ok.searchFn = func(ctx context.Context, query VideoQuery) ([]SubtitleResult, error) {
		return []SubtitleResult{srtResult("ok1", "de", MatchTitle)}, nil
	}
	health := newFakeHealth()
	engine := newTestEngine(t, config.Providers{}, health, broken, ok)

	results, err := engine.Search(context.Background(), VideoQuery{Title: "Film", Languages: []string{"de"}})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 1 || results[0].ID != "ok1" {
		t.Fatalf("results = %v", results)
	}
	row, _ := health.GetComponentHealth(context.Background(), store.HealthProvider, "broken")
	if row == nil || row.ConsecutiveFailures != 1 {
		t.Error("failure not recorded for broken provider")
	}
}

func TestEngineSearchFiltersLanguageForcedFormat(t *testing.T) {
	p := newFakeProvider("p")
	p.searchFn = func(ctx context.Context, query VideoQuery) ([]SubtitleResult, error) {
		wrongLang := srtResult("wrong-lang", "fr", MatchTitle)
		forced := srtResult("forced", "de", MatchTitle)
		forced.Forced = true
		ass := srtResult("ass", "de", MatchTitle)
		ass.Format = subtitle.FormatASS
		keep := srtResult("keep", "de", MatchTitle)
		return []SubtitleResult{wrongLang, forced, ass, keep}, nil
	}
	engine := newTestEngine(t, config.Providers{}, newFakeHealth(), p)

	results, err := engine.Search(context.Background(), VideoQuery{
		Title:        "Film",
		Languages:    []string{"de"},
		FormatFilter: subtitle.FormatSRT,
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 1 || results[0].ID != "keep" {
		t.Fatalf("results = %v", results)
	}
}

func TestEngineBreakerSkipsOpenProvider(t *testing.T) {
	calls := 0
	flaky := newFakeProvider("flaky")
	flaky.searchFn = func(ctx context.Context, query VideoQuery) ([]SubtitleResult, error) {
		calls++
		return nil, errkind.New(errkind.KindProviderTransient, "down")
	}
	steady := newFakeProvider("steady")
	steady.searchFn = func(ctx context.Context, query VideoQuery) ([]SubtitleResult, error) {
		return []SubtitleResult{srtResult("s", "de", MatchTitle)}, nil
	}
	cfg := config.Providers{FailureThreshold: 2, CooldownSeconds: 60}
	engine := newTestEngine(t, cfg, newFakeHealth(), flaky, steady)

	query := VideoQuery{Title: "Film", Languages: []string{"de"}}
	for i := 0; i < 2; i++ {
		if _, err := engine.Search(context.Background(), query); err != nil {
			t.Fatalf("Search() error = %v", err)
		}
	}
	// Circuit open: flaky is skipped entirely now.
	if _, err := engine.Search(context.Background(), query); err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if calls != 2 {
		t.Fatalf("flaky called %d times, want 2", calls)
	}
}

func TestEngineAutoDisableAtDoubleThreshold(t *testing.T) {
	now := time.Now()
	broken := newFakeProvider("broken")
	broken.searchFn = func(ctx context.Context, query VideoQuery) ([]SubtitleResult, error) {
		return nil, errkind.New(errkind.KindProviderTransient, "down")
	}
	health := newFakeHealth()
	bus := events.NewBus(logging.NewNop())
	var disableEvents int
	bus.Subscribe(func(events.Event) { disableEvents++ }, events.TypeProviderDisabled)

	cfg := config.Providers{FailureThreshold: 2, CooldownSeconds: 1, AutoDisableMinutes: 30}
	engine := NewEngine(cfg, NewScorer(nil, nil), health, bus, logging.NewNop(),
		[]Provider{broken},
		WithSleeper(func(ctx context.Context, d time.Duration) error { return nil }),
		WithClock(func() time.Time { return now }))

	query := VideoQuery{Title: "Film"}
	// Drive four consecutive failures; the breaker cooldown elapses via the
	// fake clock so the provider stays callable until auto-disable trips.
	for i := 0; i < 4; i++ {
		engine.Search(context.Background(), query)
		now = now.Add(5 * time.Second)
	}
	row, _ := health.GetComponentHealth(context.Background(), store.HealthProvider, "broken")
	if row == nil || row.DisabledUntil == nil {
		t.Fatal("provider not auto-disabled")
	}
	if disableEvents != 1 {
		t.Errorf("disable events = %d, want 1", disableEvents)
	}

	// Operator reset clears both layers.
	if err := engine.ResetProvider(context.Background(), "broken"); err != nil {
		t.Fatalf("ResetProvider() error = %v", err)
	}
	row, _ = health.GetComponentHealth(context.Background(), store.HealthProvider, "broken")
	if row.DisabledUntil != nil {
		t.Error("reset did not clear the disable")
	}
}

func TestEngineDownloadUnwrapsArchive(t *testing.T) {
	p := newFakeProvider("p")
	zipBody := zipPayload(t, map[string]string{"movie.srt": sampleSRTBody})
	p.downloadFn = func(ctx context.Context, result SubtitleResult) ([]byte, error) {
		return zipBody, nil
	}
	engine := newTestEngine(t, config.Providers{}, newFakeHealth(), p)

	dl, err := engine.DownloadBest(context.Background(), downloadResult("p", "r1"))
	if err != nil {
		t.Fatalf("DownloadBest() error = %v", err)
	}
	if string(dl.Body) != sampleSRTBody {
		t.Errorf("body = %q", dl.Body)
	}
	if dl.Format != subtitle.FormatSRT {
		t.Errorf("format = %s", dl.Format)
	}
}

func TestEngineDownloadRateLimitRetriesOnce(t *testing.T) {
	attempts := 0
	p := newFakeProvider("p")
	p.downloadFn = func(ctx context.Context, result SubtitleResult) ([]byte, error) {
		attempts++
		if attempts == 1 {
			return nil, errkind.Wrap(errkind.KindProviderRateLimit, "p rate limited",
				&RateLimitedError{RetryAfter: 2 * time.Second})
		}
		return []byte(sampleSRTBody), nil
	}
	var slept []time.Duration
	engine := NewEngine(config.Providers{}, NewScorer(nil, nil), newFakeHealth(),
		events.NewBus(logging.NewNop()), logging.NewNop(), []Provider{p},
		WithSleeper(func(ctx context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		}))

	dl, err := engine.DownloadBest(context.Background(), downloadResult("p", "r1"))
	if err != nil {
		t.Fatalf("DownloadBest() error = %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
	if len(slept) != 1 || slept[0] != 2*time.Second {
		t.Errorf("slept = %v, want [2s]", slept)
	}
	if dl == nil || len(dl.Body) == 0 {
		t.Error("missing payload after retry")
	}
}

func TestEngineAuthErrorDoesNotRetry(t *testing.T) {
	attempts := 0
	p := newFakeProvider("p")
	p.info.MaxRetries = 3
	p.downloadFn = func(ctx context.Context, result SubtitleResult) ([]byte, error) {
		attempts++
		return nil, errkind.New(errkind.KindProviderAuth, "bad key")
	}
	engine := newTestEngine(t, config.Providers{}, newFakeHealth(), p)

	_, err := engine.DownloadBest(context.Background(), downloadResult("p", "r1"))
	if errkind.KindOf(err) != errkind.KindProviderAuth {
		t.Fatalf("kind = %v", errkind.KindOf(err))
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestEngineTransientRetriesWithBackoff(t *testing.T) {
	attempts := 0
	p := newFakeProvider("p")
	p.info.MaxRetries = 2
	p.downloadFn = func(ctx context.Context, result SubtitleResult) ([]byte, error) {
		attempts++
		if attempts < 3 {
			return nil, errkind.New(errkind.KindProviderTransient, "flaky")
		}
		return []byte(sampleSRTBody), nil
	}
	var slept []time.Duration
	engine := NewEngine(config.Providers{}, NewScorer(nil, nil), newFakeHealth(),
		events.NewBus(logging.NewNop()), logging.NewNop(), []Provider{p},
		WithSleeper(func(ctx context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		}))

	if _, err := engine.DownloadBest(context.Background(), downloadResult("p", "r1")); err != nil {
		t.Fatalf("DownloadBest() error = %v", err)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(slept) != len(want) || slept[0] != want[0] || slept[1] != want[1] {
		t.Errorf("backoff = %v, want %v", slept, want)
	}
}

func TestEngineProvidersSnapshot(t *testing.T) {
	p := newFakeProvider("p")
	engine := newTestEngine(t, config.Providers{}, newFakeHealth(), p)

	statuses, err := engine.Providers(context.Background())
	if err != nil {
		t.Fatalf("Providers() error = %v", err)
	}
	if len(statuses) != 1 || statuses[0].Name != "p" {
		t.Fatalf("statuses = %v", statuses)
	}
	if statuses[0].Breaker != BreakerClosed {
		t.Errorf("breaker = %s", statuses[0].Breaker)
	}
}
