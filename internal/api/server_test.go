package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"sublarr/internal/config"
	"sublarr/internal/errkind"
	"sublarr/internal/events"
	"sublarr/internal/logging"
	"sublarr/internal/pipeline"
	"sublarr/internal/providers"
	"sublarr/internal/store"
	"sublarr/internal/subtitle"
	"sublarr/internal/testsupport"
	"sublarr/internal/translator"
	"sublarr/internal/wanted"
)

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []store.JobKind
	st       *store.Store
}

func (q *fakeQueue) Enqueue(ctx context.Context, kind store.JobKind, videoPath, lang string, forced bool, payload any) (*store.Job, error) {
	q.mu.Lock()
	q.enqueued = append(q.enqueued, kind)
	q.mu.Unlock()
	raw := ""
	if payload != nil {
		b, _ := json.Marshal(payload)
		raw = string(b)
	}
	return q.st.EnqueueJob(ctx, kind, videoPath, lang, forced, raw)
}

func (q *fakeQueue) Cancel(ctx context.Context, id int64) (bool, error) {
	return q.st.CancelJob(ctx, id)
}

func (q *fakeQueue) kinds() []store.JobKind {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]store.JobKind(nil), q.enqueued...)
}

type fakeScanner struct {
	mu    sync.Mutex
	scans int
	paths []string
}

func (f *fakeScanner) Reconcile(ctx context.Context, full bool) (wanted.ScanStats, error) {
	f.mu.Lock()
	f.scans++
	f.mu.Unlock()
	return wanted.ScanStats{Items: 3}, nil
}

func (f *fakeScanner) ScanPath(ctx context.Context, videoPath string) (wanted.ScanStats, error) {
	f.mu.Lock()
	f.paths = append(f.paths, videoPath)
	f.mu.Unlock()
	return wanted.ScanStats{Items: 1}, nil
}

func (f *fakeScanner) scanCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scans
}

func (f *fakeScanner) scannedPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

type fakeProviderAdmin struct {
	resets []string
	err    error
}

func (f *fakeProviderAdmin) Providers(ctx context.Context) ([]providers.ProviderStatus, error) {
	return []providers.ProviderStatus{{Name: "opensubtitles"}}, nil
}

func (f *fakeProviderAdmin) ResetProvider(ctx context.Context, name string) error {
	f.resets = append(f.resets, name)
	return f.err
}

func (f *fakeProviderAdmin) CheckProvider(ctx context.Context, name string) error { return f.err }

type fakeBackendAdmin struct{ err error }

func (f *fakeBackendAdmin) Backends(ctx context.Context) ([]translator.BackendStatus, error) {
	return []translator.BackendStatus{{Name: "ollama", Enabled: true}}, nil
}

func (f *fakeBackendAdmin) CheckBackend(ctx context.Context, name string) error { return f.err }

type fakeExtractor struct{ err error }

func (f *fakeExtractor) ExtractEmbedded(ctx context.Context, videoPath, targetLang string, forced bool) (*pipeline.Outcome, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &pipeline.Outcome{
		Disposition:  pipeline.DispositionExtracted,
		SubtitlePath: pipeline.ArtifactPath(videoPath, targetLang, forced, subtitle.FormatSRT),
		Format:       subtitle.FormatSRT,
	}, nil
}

type fakeAcquirer struct {
	mu       sync.Mutex
	requests []pipeline.Request
	err      error
}

func (f *fakeAcquirer) Acquire(ctx context.Context, req pipeline.Request) (*pipeline.Outcome, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &pipeline.Outcome{
		Disposition:  pipeline.DispositionProvider,
		SubtitlePath: pipeline.ArtifactPath(req.VideoPath, req.TargetLang, req.Forced, subtitle.FormatSRT),
		Format:       subtitle.FormatSRT,
		Provider:     "opensubtitles",
		Score:        210,
	}, nil
}

func (f *fakeAcquirer) seen() []pipeline.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pipeline.Request(nil), f.requests...)
}

type apiFixture struct {
	server    *httptest.Server
	api       *Server
	st        *store.Store
	queue     *fakeQueue
	scanner   *fakeScanner
	providers *fakeProviderAdmin
	backends  *fakeBackendAdmin
	acquirer  *fakeAcquirer
	bus       *events.Bus
	token     string
}

func newAPIFixture(t *testing.T, token string) *apiFixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIToken = token
	st := testsupport.MustOpenStore(t, cfg)
	bus := events.NewBus(logging.NewNop())

	f := &apiFixture{
		st:        st,
		queue:     &fakeQueue{st: st},
		scanner:   &fakeScanner{},
		providers: &fakeProviderAdmin{},
		backends:  &fakeBackendAdmin{},
		acquirer:  &fakeAcquirer{},
		bus:       bus,
		token:     token,
	}
	f.api = New(Options{
		Config:    cfg,
		Manager:   config.NewManager(cfg, st),
		Store:     st,
		Bus:       bus,
		Queue:     f.queue,
		Scanner:   f.scanner,
		Providers: f.providers,
		Backends:  f.backends,
		Extractor: &fakeExtractor{},
		Acquirer:  f.acquirer,
		Gatherer:  prometheus.NewRegistry(),
		Logger:    logging.NewNop(),
		Version:   "test",
	})
	// Run webhook processing synchronously.
	f.api.schedule = func(d time.Duration, fn func()) { fn() }
	f.server = httptest.NewServer(f.api.Handler())
	t.Cleanup(f.server.Close)
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	if f.token != "" {
		req.Header.Set("X-Api-Key", f.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func TestHealthSkipsAuth(t *testing.T) {
	f := newAPIFixture(t, "secret")
	resp, err := http.Get(f.server.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestAuthRejectsMissingToken(t *testing.T) {
	f := newAPIFixture(t, "secret")
	resp, err := http.Get(f.server.URL + "/api/v1/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestAuthAcceptsBearerToken(t *testing.T) {
	f := newAPIFixture(t, "secret")
	req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestMetricsServed(t *testing.T) {
	f := newAPIFixture(t, "")
	resp, err := http.Get(f.server.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestTranslateJobLifecycle(t *testing.T) {
	f := newAPIFixture(t, "")

	resp, body := f.do(t, http.MethodPost, "/api/v1/jobs/translate", translateRequest{
		VideoPath: "/media/show.mkv",
		Language:  "de",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}
	var job store.Job
	if err := json.Unmarshal(body, &job); err != nil {
		t.Fatal(err)
	}
	if job.Kind != store.JobTranslate || job.Language != "de" {
		t.Errorf("job = %+v", job)
	}

	resp, body = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/jobs/%d", job.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}

	resp, _ = f.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/jobs/%d", job.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}
	got, err := f.st.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != store.JobCancelled {
		t.Errorf("state = %s", got.State)
	}
}

func TestTranslateJobValidation(t *testing.T) {
	f := newAPIFixture(t, "")
	resp, _ := f.do(t, http.MethodPost, "/api/v1/jobs/translate", translateRequest{Language: "de"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestGetJobNotFound(t *testing.T) {
	f := newAPIFixture(t, "")
	resp, _ := f.do(t, http.MethodGet, "/api/v1/jobs/424242", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestWantedScanAndSearch(t *testing.T) {
	f := newAPIFixture(t, "")
	ctx := context.Background()
	item, err := f.st.UpsertWanted(ctx, &store.WantedItem{VideoPath: "/media/show.mkv", Language: "de"})
	if err != nil {
		t.Fatal(err)
	}

	resp, _ := f.do(t, http.MethodPost, "/api/v1/wanted/scan?full=1", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("scan status = %d", resp.StatusCode)
	}
	deadline := time.After(2 * time.Second)
	for f.scanner.scanCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("scan never ran")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	resp, body := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/wanted/%d/search", item.ID), nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("search status = %d body = %s", resp.StatusCode, body)
	}
	if kinds := f.queue.kinds(); len(kinds) != 1 || kinds[0] != store.JobWantedSearch {
		t.Errorf("enqueued = %v", kinds)
	}
}

func TestWantedIgnoreAndReset(t *testing.T) {
	f := newAPIFixture(t, "")
	ctx := context.Background()
	item, err := f.st.UpsertWanted(ctx, &store.WantedItem{VideoPath: "/media/show.mkv", Language: "de"})
	if err != nil {
		t.Fatal(err)
	}

	resp, body := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/wanted/%d/ignore", item.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ignore status = %d", resp.StatusCode)
	}
	var got store.WantedItem
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != store.WantedIgnored {
		t.Errorf("status = %s", got.Status)
	}

	resp, body = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/wanted/%d/reset", item.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset status = %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != store.WantedPending {
		t.Errorf("status = %s", got.Status)
	}
}

func TestWebhookScansAndQueuesSearches(t *testing.T) {
	f := newAPIFixture(t, "")
	ctx := context.Background()
	if _, err := f.st.UpsertWanted(ctx, &store.WantedItem{VideoPath: "/media/show.mkv", Language: "de"}); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var received []events.Event
	f.bus.Subscribe(func(e events.Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	}, events.TypeWebhookReceived)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/webhook/sonarr", webhookRequest{Path: "/media/show.mkv"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if paths := f.scanner.scannedPaths(); len(paths) != 1 || paths[0] != "/media/show.mkv" {
		t.Errorf("scanned paths = %v", paths)
	}
	if kinds := f.queue.kinds(); len(kinds) != 1 || kinds[0] != store.JobWantedSearch {
		t.Errorf("enqueued = %v", kinds)
	}
	mu.Lock()
	webhookEvents := len(received)
	mu.Unlock()
	if webhookEvents != 1 {
		t.Errorf("webhook events = %d", webhookEvents)
	}
}

func TestProfilesCRUDAndAssignment(t *testing.T) {
	f := newAPIFixture(t, "")

	resp, body := f.do(t, http.MethodPost, "/api/v1/profiles/", store.LanguageProfile{
		Name:      "anime",
		Languages: []store.LanguageTarget{{Language: "de"}, {Language: "en", Forced: true}},
		IsDefault: true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save status = %d body = %s", resp.StatusCode, body)
	}
	var saved store.LanguageProfile
	if err := json.Unmarshal(body, &saved); err != nil {
		t.Fatal(err)
	}

	resp, _ = f.do(t, http.MethodPut, "/api/v1/series/show/profile",
		assignProfileRequest{ProfileID: saved.ID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("assign status = %d", resp.StatusCode)
	}

	resp, body = f.do(t, http.MethodGet, "/api/v1/profiles/", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "anime") {
		t.Fatalf("list status = %d body = %s", resp.StatusCode, body)
	}

	resp, _ = f.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/profiles/%d", saved.ID), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
}

func TestSeriesGlossaryEndpoints(t *testing.T) {
	f := newAPIFixture(t, "")

	resp, body := f.do(t, http.MethodPut, "/api/v1/series/winter%20show/glossary",
		glossaryRequest{Terms: map[string]string{"direwolf": "Schattenwolf"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d body = %s", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodGet, "/api/v1/series/winter%20show/glossary", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "Schattenwolf") {
		t.Fatalf("get status = %d body = %s", resp.StatusCode, body)
	}

	resp, _ = f.do(t, http.MethodDelete, "/api/v1/series/winter%20show/glossary", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	terms, err := f.st.GetSeriesGlossary(context.Background(), "winter show")
	if err != nil {
		t.Fatal(err)
	}
	if terms != nil {
		t.Errorf("terms = %v, want nil after delete", terms)
	}
}

func TestProviderAdmin(t *testing.T) {
	f := newAPIFixture(t, "")

	resp, body := f.do(t, http.MethodGet, "/api/v1/providers/", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "opensubtitles") {
		t.Fatalf("list status = %d body = %s", resp.StatusCode, body)
	}

	resp, _ = f.do(t, http.MethodPost, "/api/v1/providers/opensubtitles/reset", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset status = %d", resp.StatusCode)
	}
	if len(f.providers.resets) != 1 {
		t.Errorf("resets = %v", f.providers.resets)
	}

	resp, body = f.do(t, http.MethodPost, "/api/v1/providers/opensubtitles/disable",
		disableRequest{Minutes: 30})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disable status = %d body = %s", resp.StatusCode, body)
	}
	health, err := f.st.GetComponentHealth(context.Background(), store.HealthProvider, "opensubtitles")
	if err != nil {
		t.Fatal(err)
	}
	if health == nil || !health.Disabled(time.Now()) {
		t.Errorf("health = %+v", health)
	}

	resp, _ = f.do(t, http.MethodPost, "/api/v1/providers/opensubtitles/enable", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enable status = %d", resp.StatusCode)
	}
}

func TestConfigOverrideRoundTrip(t *testing.T) {
	f := newAPIFixture(t, "")

	resp, body := f.do(t, http.MethodPut, "/api/v1/config",
		configOverrideRequest{Key: "translation.batch_size", Value: "25"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d body = %s", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodGet, "/api/v1/config", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "translation.batch_size") {
		t.Errorf("body = %s", body)
	}
}

func TestConfigMasksSecrets(t *testing.T) {
	f := newAPIFixture(t, "")
	resp, _ := f.do(t, http.MethodPut, "/api/v1/config",
		configOverrideRequest{Key: "opensubtitles.api_key", Value: "hunter2"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d", resp.StatusCode)
	}
	_, body := f.do(t, http.MethodGet, "/api/v1/config", nil)
	if strings.Contains(string(body), "hunter2") {
		t.Errorf("secret leaked: %s", body)
	}
}

func TestTranslateSyncReturnsOutcome(t *testing.T) {
	f := newAPIFixture(t, "")
	resp, body := f.do(t, http.MethodPost, "/api/v1/translate/sync", translateRequest{
		VideoPath:  "/media/show.mkv",
		Language:   "de",
		SourceLang: "en",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}
	var outcome pipeline.Outcome
	if err := json.Unmarshal(body, &outcome); err != nil {
		t.Fatal(err)
	}
	if outcome.Disposition != pipeline.DispositionProvider || outcome.Provider != "opensubtitles" {
		t.Errorf("outcome = %+v", outcome)
	}
	reqs := f.acquirer.seen()
	if len(reqs) != 1 || reqs[0].VideoPath != "/media/show.mkv" || reqs[0].TargetLang != "de" || reqs[0].SourceLang != "en" {
		t.Errorf("acquired = %+v", reqs)
	}
	// Nothing goes through the queue on the sync path.
	if kinds := f.queue.kinds(); len(kinds) != 0 {
		t.Errorf("enqueued = %v", kinds)
	}
}

func TestTranslateSyncValidation(t *testing.T) {
	f := newAPIFixture(t, "")
	resp, _ := f.do(t, http.MethodPost, "/api/v1/translate/sync", translateRequest{Language: "de"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestTranslateSyncPropagatesErrorKind(t *testing.T) {
	f := newAPIFixture(t, "")
	f.acquirer.err = errkind.New(errkind.KindNotFound, "video not found under media dir")
	resp, body := f.do(t, http.MethodPost, "/api/v1/translate/sync", translateRequest{
		VideoPath: "/media/show.mkv",
		Language:  "de",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if !strings.Contains(string(body), string(errkind.KindNotFound)) {
		t.Errorf("body = %s", body)
	}
}

func TestExtractEndpoint(t *testing.T) {
	f := newAPIFixture(t, "")
	resp, body := f.do(t, http.MethodPost, "/api/v1/extract",
		extractRequest{VideoPath: "/media/show.mkv", Language: "en"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}
	var outcome pipeline.Outcome
	if err := json.Unmarshal(body, &outcome); err != nil {
		t.Fatal(err)
	}
	if outcome.Disposition != pipeline.DispositionExtracted {
		t.Errorf("outcome = %+v", outcome)
	}
}

func TestErrorKindMapsToStatus(t *testing.T) {
	f := newAPIFixture(t, "")
	f.api.extractor = &fakeExtractor{err: errkind.New(errkind.KindNotFound, "no embedded subtitle")}
	resp, body := f.do(t, http.MethodPost, "/api/v1/extract",
		extractRequest{VideoPath: "/media/show.mkv", Language: "en"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), string(errkind.KindNotFound)) {
		t.Errorf("body = %s", body)
	}
}

func TestHealthDetailed(t *testing.T) {
	f := newAPIFixture(t, "")
	resp, body := f.do(t, http.MethodGet, "/api/v1/health/detailed", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	for _, key := range []string{"database", "providers", "backends", "jobs", "wanted"} {
		if !strings.Contains(string(body), key) {
			t.Errorf("missing %q in %s", key, body)
		}
	}
}

func TestWebSocketStreamsEvents(t *testing.T) {
	f := newAPIFixture(t, "secret")
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/v1/events?apikey=secret&types=job.completed"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v (resp %+v)", err, resp)
	}
	defer conn.Close()

	f.bus.Publish(events.Event{Type: events.TypeJobStarted, JobID: 1})
	f.bus.Publish(events.Event{Type: events.TypeJobCompleted, JobID: 2})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event events.Event
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read: %v", err)
	}
	// The filter drops job.started.
	if event.Type != events.TypeJobCompleted || event.JobID != 2 {
		t.Errorf("event = %+v", event)
	}
}
