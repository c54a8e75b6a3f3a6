package queue

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"sublarr/internal/errkind"
	"sublarr/internal/events"
	"sublarr/internal/logging"
	"sublarr/internal/pipeline"
	"sublarr/internal/store"
	"sublarr/internal/subtitle"
	"sublarr/internal/testsupport"
)

type fakeAcquirer struct {
	mu       sync.Mutex
	requests []pipeline.Request
	fn       func(ctx context.Context, req pipeline.Request) (*pipeline.Outcome, error)
}

func (a *fakeAcquirer) requestsCopy() []pipeline.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]pipeline.Request(nil), a.requests...)
}

func (a *fakeAcquirer) Acquire(ctx context.Context, req pipeline.Request) (*pipeline.Outcome, error) {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	a.mu.Unlock()
	if a.fn != nil {
		return a.fn(ctx, req)
	}
	return &pipeline.Outcome{Disposition: pipeline.DispositionTranslated, Format: subtitle.FormatASS}, nil
}

type fakeSearcher struct {
	mu       sync.Mutex
	searched []int64
	batches  int
	searchFn func(ctx context.Context, item *store.WantedItem) error
}

func (f *fakeSearcher) SearchOne(ctx context.Context, item *store.WantedItem) error {
	f.mu.Lock()
	f.searched = append(f.searched, item.ID)
	f.mu.Unlock()
	if f.searchFn != nil {
		return f.searchFn(ctx, item)
	}
	return nil
}

func (f *fakeSearcher) BatchSearch(ctx context.Context) (int, error) {
	f.mu.Lock()
	f.batches++
	f.mu.Unlock()
	return 4, nil
}

func (f *fakeSearcher) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches
}

func (f *fakeSearcher) searchedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.searched...)
}

type queueFixture struct {
	svc      *Service
	st       *store.Store
	acquirer *fakeAcquirer
	searcher *fakeSearcher
	bus      *events.Bus

	mu     sync.Mutex
	events []events.Event
}

func newQueueFixture(t *testing.T) *queueFixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	bus := events.NewBus(logging.NewNop())

	f := &queueFixture{
		st:       st,
		acquirer: &fakeAcquirer{},
		searcher: &fakeSearcher{},
		bus:      bus,
	}
	bus.Subscribe(func(e events.Event) {
		f.mu.Lock()
		f.events = append(f.events, e)
		f.mu.Unlock()
	})
	f.svc = New(Options{
		Config:   cfg.Queue,
		Pipeline: cfg.Pipeline,
		Store:    st,
		Bus:      bus,
		Acquirer: f.acquirer,
		Searcher: f.searcher,
		Logger:   logging.NewNop(),
	})
	// Tight loops keep the tests fast.
	f.svc.pollInterval = 10 * time.Millisecond
	f.svc.heartbeatInterval = 20 * time.Millisecond
	return f
}

func (f *queueFixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.svc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("queue did not shut down")
		}
	})
}

func (f *queueFixture) waitTerminal(t *testing.T, id int64) *store.Job {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		job, err := f.st.GetJob(context.Background(), id)
		if err != nil {
			t.Fatalf("GetJob() error = %v", err)
		}
		if job != nil && job.Terminal() {
			return job
		}
		select {
		case <-deadline:
			t.Fatalf("job %d never finished: %+v", id, job)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (f *queueFixture) eventTypes() []events.Type {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]events.Type, 0, len(f.events))
	for _, e := range f.events {
		types = append(types, e.Type)
	}
	return types
}

func hasEvent(types []events.Type, want events.Type) bool {
	for _, t := range types {
		if t == want {
			return true
		}
	}
	return false
}

func TestEnqueueDeduplicatesActiveTarget(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()

	first, err := f.svc.Enqueue(ctx, store.JobTranslate, "/media/a.mkv", "de", false, nil)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	second, err := f.svc.Enqueue(ctx, store.JobTranslate, "/media/a.mkv", "de", false, nil)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Errorf("duplicate enqueue created job %d, want %d", second.ID, first.ID)
	}
	// A different forced dimension is a distinct target.
	third, err := f.svc.Enqueue(ctx, store.JobTranslate, "/media/a.mkv", "de", true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if third.ID == first.ID {
		t.Error("forced target deduplicated against normal target")
	}
}

func TestRunExecutesTranslateJob(t *testing.T) {
	f := newQueueFixture(t)
	f.acquirer.fn = func(ctx context.Context, req pipeline.Request) (*pipeline.Outcome, error) {
		req.Progress("translate", 0.5)
		return &pipeline.Outcome{
			Disposition:  pipeline.DispositionTranslated,
			SubtitlePath: "/media/a.de.ass",
			Format:       subtitle.FormatASS,
			Backend:      "ollama",
		}, nil
	}
	f.start(t)

	job, err := f.svc.Enqueue(context.Background(), store.JobTranslate, "/media/a.mkv", "de", false,
		TranslatePayload{SourceLang: "ja"})
	if err != nil {
		t.Fatal(err)
	}
	done := f.waitTerminal(t, job.ID)

	if done.State != store.JobCompleted {
		t.Fatalf("state = %s, error = %s", done.State, done.ErrorMessage)
	}
	var outcome pipeline.Outcome
	if err := json.Unmarshal([]byte(done.ResultJSON), &outcome); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if outcome.SubtitlePath != "/media/a.de.ass" || outcome.Backend != "ollama" {
		t.Errorf("outcome = %+v", outcome)
	}
	req := f.acquirer.requestsCopy()[0]
	if req.SourceLang != "ja" || req.TargetLang != "de" {
		t.Errorf("request = %+v", req)
	}

	types := f.eventTypes()
	for _, want := range []events.Type{
		events.TypeJobCreated, events.TypeJobStarted, events.TypeJobProgress, events.TypeJobCompleted,
	} {
		if !hasEvent(types, want) {
			t.Errorf("missing event %s in %v", want, types)
		}
	}
}

func TestRunRecordsFailureKind(t *testing.T) {
	f := newQueueFixture(t)
	f.acquirer.fn = func(ctx context.Context, req pipeline.Request) (*pipeline.Outcome, error) {
		return nil, errkind.New(errkind.KindNoSourceAvailable, "nothing matched")
	}
	f.start(t)

	job, err := f.svc.Enqueue(context.Background(), store.JobTranslate, "/media/a.mkv", "de", false, nil)
	if err != nil {
		t.Fatal(err)
	}
	done := f.waitTerminal(t, job.ID)

	if done.State != store.JobFailed {
		t.Fatalf("state = %s", done.State)
	}
	if done.ErrorKind != string(errkind.KindNoSourceAvailable) {
		t.Errorf("error kind = %q", done.ErrorKind)
	}
	if !strings.Contains(done.ErrorMessage, "nothing matched") {
		t.Errorf("error message = %q", done.ErrorMessage)
	}
	if !hasEvent(f.eventTypes(), events.TypeJobFailed) {
		t.Error("job.failed event not published")
	}
}

func TestCancelStopsRunningJob(t *testing.T) {
	f := newQueueFixture(t)
	running := make(chan struct{})
	f.acquirer.fn = func(ctx context.Context, req pipeline.Request) (*pipeline.Outcome, error) {
		close(running)
		<-ctx.Done()
		return nil, errkind.Wrap(errkind.KindCancelled, "acquisition cancelled", ctx.Err())
	}
	f.start(t)

	job, err := f.svc.Enqueue(context.Background(), store.JobTranslate, "/media/a.mkv", "de", false, nil)
	if err != nil {
		t.Fatal(err)
	}
	<-running

	cancelled, err := f.svc.Cancel(context.Background(), job.ID)
	if err != nil || !cancelled {
		t.Fatalf("Cancel() = %v, %v", cancelled, err)
	}
	done := f.waitTerminal(t, job.ID)
	if done.State != store.JobCancelled {
		t.Errorf("state = %s", done.State)
	}
	if !hasEvent(f.eventTypes(), events.TypeJobCancelled) {
		t.Error("job.cancelled event not published")
	}
}

func TestWantedSearchJobDelegates(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	item, err := f.st.UpsertWanted(ctx, &store.WantedItem{VideoPath: "/media/a.mkv", Language: "de"})
	if err != nil {
		t.Fatal(err)
	}
	f.searcher.searchFn = func(ctx context.Context, got *store.WantedItem) error {
		return f.st.MarkWantedSatisfied(ctx, got.ID)
	}
	f.start(t)

	job, err := f.svc.Enqueue(ctx, store.JobWantedSearch, "/media/a.mkv", "de", false,
		WantedSearchPayload{WantedID: item.ID})
	if err != nil {
		t.Fatal(err)
	}
	done := f.waitTerminal(t, job.ID)

	if done.State != store.JobCompleted {
		t.Fatalf("state = %s, error = %s", done.State, done.ErrorMessage)
	}
	if ids := f.searcher.searchedIDs(); len(ids) != 1 || ids[0] != item.ID {
		t.Errorf("searched = %v", ids)
	}
	if !strings.Contains(done.ResultJSON, string(store.WantedSatisfied)) {
		t.Errorf("result = %s", done.ResultJSON)
	}
}

func TestWantedSearchJobMissingRow(t *testing.T) {
	f := newQueueFixture(t)
	f.start(t)

	job, err := f.svc.Enqueue(context.Background(), store.JobWantedSearch, "/media/a.mkv", "de", false,
		WantedSearchPayload{WantedID: 9999})
	if err != nil {
		t.Fatal(err)
	}
	done := f.waitTerminal(t, job.ID)
	if done.State != store.JobFailed || done.ErrorKind != string(errkind.KindNotFound) {
		t.Errorf("job = %+v", done)
	}
}

func TestBatchJobPublishesProgress(t *testing.T) {
	f := newQueueFixture(t)
	f.start(t)

	job, err := f.svc.Enqueue(context.Background(), store.JobBatch, "", "", false, nil)
	if err != nil {
		t.Fatal(err)
	}
	done := f.waitTerminal(t, job.ID)

	if done.State != store.JobCompleted {
		t.Fatalf("state = %s, error = %s", done.State, done.ErrorMessage)
	}
	if f.searcher.batchCount() != 1 {
		t.Errorf("batches = %d", f.searcher.batchCount())
	}
	if !strings.Contains(done.ResultJSON, `"searched":4`) {
		t.Errorf("result = %s", done.ResultJSON)
	}
	if !hasEvent(f.eventTypes(), events.TypeBatchProgress) {
		t.Error("batch.progress event not published")
	}
}

func TestUnknownJobKindFails(t *testing.T) {
	f := newQueueFixture(t)
	f.start(t)

	job, err := f.svc.Enqueue(context.Background(), store.JobKind("defragment"), "", "", false, nil)
	if err != nil {
		t.Fatal(err)
	}
	done := f.waitTerminal(t, job.ID)
	if done.State != store.JobFailed || done.ErrorKind != string(errkind.KindInternal) {
		t.Errorf("job = %+v", done)
	}
}

func TestRunSweepsInterruptedJobs(t *testing.T) {
	f := newQueueFixture(t)
	ctx := context.Background()
	job := testsupport.EnqueueJob(t, f.st, store.JobTranslate, "/media/a.mkv", "de")
	// Simulate a job left running by a crashed process.
	if _, err := f.st.ClaimNextJob(ctx); err != nil {
		t.Fatal(err)
	}

	f.start(t)
	done := f.waitTerminal(t, job.ID)
	if done.State != store.JobFailed {
		t.Fatalf("state = %s", done.State)
	}
	if !strings.Contains(done.ErrorMessage, "interrupted") {
		t.Errorf("error = %q", done.ErrorMessage)
	}
	if reqs := f.acquirer.requestsCopy(); len(reqs) != 0 {
		t.Errorf("swept job was executed: %+v", reqs)
	}
}

func TestSecondsOrFallback(t *testing.T) {
	if got := secondsOr(0, defaultPollInterval); got != defaultPollInterval {
		t.Errorf("secondsOr(0) = %v", got)
	}
	if got := secondsOr(7, defaultPollInterval); got != 7*time.Second {
		t.Errorf("secondsOr(7) = %v", got)
	}
	if got := minutesOr(0, defaultJobDeadline); got != defaultJobDeadline {
		t.Errorf("minutesOr(0) = %v", got)
	}
}
