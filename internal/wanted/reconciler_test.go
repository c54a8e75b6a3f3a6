package wanted

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sublarr/internal/config"
	"sublarr/internal/errkind"
	"sublarr/internal/events"
	"sublarr/internal/logging"
	"sublarr/internal/media"
	"sublarr/internal/pipeline"
	"sublarr/internal/store"
	"sublarr/internal/subtitle"
	"sublarr/internal/testsupport"
)

type fakeLibrary struct {
	items []LibraryItem
}

func (l *fakeLibrary) Items(ctx context.Context) ([]LibraryItem, error) {
	return l.items, nil
}

type probeFake struct {
	streams media.Streams
	calls   atomic.Int64
}

func (p *probeFake) Probe(ctx context.Context, path string) media.Streams {
	p.calls.Add(1)
	return p.streams
}

type fakeAcquirer struct {
	mu       sync.Mutex
	requests []pipeline.Request
	fn       func(req pipeline.Request) (*pipeline.Outcome, error)
}

func (a *fakeAcquirer) Acquire(ctx context.Context, req pipeline.Request) (*pipeline.Outcome, error) {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	a.mu.Unlock()
	if a.fn != nil {
		return a.fn(req)
	}
	return &pipeline.Outcome{Disposition: pipeline.DispositionTranslated, Format: subtitle.FormatASS}, nil
}

func (a *fakeAcquirer) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.requests)
}

type testReconciler struct {
	r        *Reconciler
	st       *store.Store
	cfg      *config.Config
	library  *fakeLibrary
	prober   *probeFake
	acquirer *fakeAcquirer
	bus      *events.Bus
	events   *[]events.Event
}

func newTestReconciler(t *testing.T) *testReconciler {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithTargetLanguages("de"))
	st := testsupport.MustOpenStore(t, cfg)
	bus := events.NewBus(logging.NewNop())

	var (
		mu       sync.Mutex
		received []events.Event
	)
	bus.Subscribe(func(e events.Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	}, events.TypeWantedScanned, events.TypeWantedSearchDone)

	tr := &testReconciler{
		st:       st,
		cfg:      cfg,
		library:  &fakeLibrary{},
		prober:   &probeFake{},
		acquirer: &fakeAcquirer{},
		bus:      bus,
		events:   &received,
	}
	tr.r = New(Options{
		Config:          cfg.Wanted,
		TargetLanguages: cfg.Translation.TargetLanguages,
		Source:          tr.library,
		Prober:          tr.prober,
		Acquirer:        tr.acquirer,
		Store:           st,
		Bus:             bus,
		Logger:          logging.NewNop(),
	})
	return tr
}

func (tr *testReconciler) addVideo(t *testing.T, name string) string {
	t.Helper()
	path := testsupport.WriteVideo(t, tr.cfg.Paths.MediaDir, name)
	tr.library.items = append(tr.library.items, ParseLibraryItem(path))
	return path
}

func mustGetWanted(t *testing.T, st *store.Store, path, lang string) *store.WantedItem {
	t.Helper()
	item, err := st.GetWanted(context.Background(), path, lang, false)
	if err != nil {
		t.Fatalf("GetWanted() error = %v", err)
	}
	if item == nil {
		t.Fatalf("no wanted row for %s/%s", path, lang)
	}
	return item
}

func TestParseLibraryItem(t *testing.T) {
	episode := ParseLibraryItem("/media/tv/Show.Name.S02E05.1080p.WEB.mkv")
	if episode.SeriesTitle != "Show Name" || episode.Season != 2 || episode.Episode != 5 {
		t.Errorf("episode = %+v", episode)
	}
	if episode.SeriesKey != "show name" {
		t.Errorf("series key = %q", episode.SeriesKey)
	}

	movie := ParseLibraryItem("/media/movies/Some_Film.2021.BluRay.mkv")
	if movie.Title != "Some Film" || movie.Year != 2021 || movie.IsEpisode() {
		t.Errorf("movie = %+v", movie)
	}

	plain := ParseLibraryItem("/media/movies/Plain Title.mkv")
	if plain.Title != "Plain Title" || plain.Year != 0 {
		t.Errorf("plain = %+v", plain)
	}
}

func TestFSSourceItems(t *testing.T) {
	dir := t.TempDir()
	testsupport.WriteVideo(t, dir, "Show.S01E01.mkv")
	testsupport.WriteVideo(t, dir, "sub/Movie.2020.mp4")
	testsupport.WriteFile(t, dir+"/notes.txt", "not a video")
	testsupport.WriteVideo(t, dir, ".hidden/Skipped.S01E01.mkv")

	source := NewFSSource(dir, logging.NewNop())
	items, err := source.Items(context.Background())
	if err != nil {
		t.Fatalf("Items() error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
}

func TestReconcileCreatesPendingRow(t *testing.T) {
	tr := newTestReconciler(t)
	path := tr.addVideo(t, "Show.S01E01.mkv")

	stats, err := tr.r.Reconcile(context.Background(), true)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if stats.Missing != 1 || stats.Targets != 1 {
		t.Errorf("stats = %+v", stats)
	}
	row := mustGetWanted(t, tr.st, path, "de")
	if row.Status != store.WantedPending {
		t.Errorf("status = %s", row.Status)
	}
	if row.SeriesTitle != "Show" || row.Season != 1 || row.Episode != 1 {
		t.Errorf("row = %+v", row)
	}
}

func TestReconcileMarksUpgradeWhenSRTOnDisk(t *testing.T) {
	tr := newTestReconciler(t)
	path := tr.addVideo(t, "Show.S01E01.mkv")
	testsupport.WriteFile(t, pipeline.ArtifactPath(path, "de", false, subtitle.FormatSRT), "1\n00:00:01,000 --> 00:00:02,000\nhi\n")

	stats, err := tr.r.Reconcile(context.Background(), true)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if stats.Upgrades != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if row := mustGetWanted(t, tr.st, path, "de"); row.Status != store.WantedUpgrade {
		t.Errorf("status = %s", row.Status)
	}
}

func TestReconcileSatisfiedWhenStyledOnDisk(t *testing.T) {
	tr := newTestReconciler(t)
	path := tr.addVideo(t, "Show.S01E01.mkv")
	testsupport.WriteFile(t, pipeline.ArtifactPath(path, "de", false, subtitle.FormatASS), "[Script Info]\n")

	if _, err := tr.r.Reconcile(context.Background(), true); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if row := mustGetWanted(t, tr.st, path, "de"); row.Status != store.WantedSatisfied {
		t.Errorf("status = %s", row.Status)
	}
	// A styled artifact on disk settles the target without probing.
	if tr.prober.calls.Load() != 0 {
		t.Errorf("probe calls = %d", tr.prober.calls.Load())
	}
}

func TestReconcileSatisfiedWhenEmbeddedStyled(t *testing.T) {
	tr := newTestReconciler(t)
	path := tr.addVideo(t, "Show.S01E01.mkv")
	tr.prober.streams = media.Streams{
		{Index: 2, CodecType: media.CodecSubtitle, CodecName: "ass", Language: "de"},
	}

	if _, err := tr.r.Reconcile(context.Background(), true); err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if row := mustGetWanted(t, tr.st, path, "de"); row.Status != store.WantedSatisfied {
		t.Errorf("status = %s", row.Status)
	}
}

func TestReconcilePendingAgainWhenArtifactDisappears(t *testing.T) {
	tr := newTestReconciler(t)
	path := tr.addVideo(t, "Show.S01E01.mkv")
	srt := pipeline.ArtifactPath(path, "de", false, subtitle.FormatSRT)
	testsupport.WriteFile(t, srt, "1\n00:00:01,000 --> 00:00:02,000\nhi\n")

	ctx := context.Background()
	if _, err := tr.r.Reconcile(ctx, true); err != nil {
		t.Fatal(err)
	}
	if row := mustGetWanted(t, tr.st, path, "de"); row.Status != store.WantedUpgrade {
		t.Fatalf("status = %s", row.Status)
	}

	if err := os.Remove(srt); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.r.Reconcile(ctx, true); err != nil {
		t.Fatal(err)
	}
	if row := mustGetWanted(t, tr.st, path, "de"); row.Status != store.WantedPending {
		t.Errorf("status = %s", row.Status)
	}
}

func TestReconcileKeepsIgnoredRows(t *testing.T) {
	tr := newTestReconciler(t)
	path := tr.addVideo(t, "Show.S01E01.mkv")

	ctx := context.Background()
	if _, err := tr.r.Reconcile(ctx, true); err != nil {
		t.Fatal(err)
	}
	row := mustGetWanted(t, tr.st, path, "de")
	if err := tr.st.MarkWantedIgnored(ctx, row.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := tr.r.Reconcile(ctx, true); err != nil {
		t.Fatal(err)
	}
	if row = mustGetWanted(t, tr.st, path, "de"); row.Status != store.WantedIgnored {
		t.Errorf("status = %s", row.Status)
	}
}

func TestReconcilePrunesRowsForMissingFiles(t *testing.T) {
	tr := newTestReconciler(t)
	ctx := context.Background()
	if _, err := tr.st.UpsertWanted(ctx, &store.WantedItem{
		VideoPath: "/gone/Show.S01E01.mkv",
		Language:  "de",
	}); err != nil {
		t.Fatal(err)
	}

	stats, err := tr.r.Reconcile(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Pruned != 1 {
		t.Errorf("pruned = %d", stats.Pruned)
	}
	row, err := tr.st.GetWanted(ctx, "/gone/Show.S01E01.mkv", "de", false)
	if err != nil {
		t.Fatal(err)
	}
	if row != nil {
		t.Errorf("stale row survived: %+v", row)
	}
}

func TestIncrementalScanSkipsSettledRows(t *testing.T) {
	tr := newTestReconciler(t)
	path := tr.addVideo(t, "Show.S01E01.mkv")
	ass := pipeline.ArtifactPath(path, "de", false, subtitle.FormatASS)
	testsupport.WriteFile(t, ass, "[Script Info]\n")

	ctx := context.Background()
	if _, err := tr.r.Reconcile(ctx, true); err != nil {
		t.Fatal(err)
	}

	// Remove the artifact without touching the video. An incremental pass
	// must not notice; a full pass must.
	if err := os.Remove(ass); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.r.Reconcile(ctx, false); err != nil {
		t.Fatal(err)
	}
	if row := mustGetWanted(t, tr.st, path, "de"); row.Status != store.WantedSatisfied {
		t.Fatalf("incremental pass flipped status to %s", row.Status)
	}

	if _, err := tr.r.Reconcile(ctx, true); err != nil {
		t.Fatal(err)
	}
	if row := mustGetWanted(t, tr.st, path, "de"); row.Status != store.WantedPending {
		t.Errorf("full pass status = %s", row.Status)
	}
}

func TestReconcileUsesSeriesProfile(t *testing.T) {
	tr := newTestReconciler(t)
	path := tr.addVideo(t, "Show.S01E01.mkv")

	ctx := context.Background()
	profile, err := tr.st.SaveLanguageProfile(ctx, &store.LanguageProfile{
		Name: "anime",
		Languages: []store.LanguageTarget{
			{Language: "de"},
			{Language: "fr", Forced: true},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.st.AssignSeriesProfile(ctx, "show", profile.ID); err != nil {
		t.Fatal(err)
	}

	stats, err := tr.r.Reconcile(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Targets != 2 {
		t.Fatalf("targets = %d", stats.Targets)
	}
	mustGetWanted(t, tr.st, path, "de")
	forced, err := tr.st.GetWanted(ctx, path, "fr", true)
	if err != nil || forced == nil {
		t.Fatalf("forced fr row = %+v, err %v", forced, err)
	}
}

func TestSearchOneSatisfies(t *testing.T) {
	tr := newTestReconciler(t)
	path := tr.addVideo(t, "Show.S01E01.mkv")
	ctx := context.Background()
	row, err := tr.st.UpsertWanted(ctx, &store.WantedItem{
		VideoPath: path, SeriesTitle: "Show", Season: 1, Episode: 1, Language: "de",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := tr.r.SearchOne(ctx, row); err != nil {
		t.Fatalf("SearchOne() error = %v", err)
	}
	if row = mustGetWanted(t, tr.st, path, "de"); row.Status != store.WantedSatisfied {
		t.Errorf("status = %s", row.Status)
	}
	req := tr.acquirer.requests[0]
	if req.TargetLang != "de" || req.Series != "Show" || req.Season != 1 || req.Episode != 1 {
		t.Errorf("request = %+v", req)
	}
	if len(*tr.events) != 1 || (*tr.events)[0].Type != events.TypeWantedSearchDone {
		t.Errorf("events = %+v", *tr.events)
	}
}

func TestSearchOneKeepsUpgradeCandidate(t *testing.T) {
	tr := newTestReconciler(t)
	path := tr.addVideo(t, "Show.S01E01.mkv")
	tr.acquirer.fn = func(req pipeline.Request) (*pipeline.Outcome, error) {
		return &pipeline.Outcome{
			Disposition: pipeline.DispositionSkipped,
			Format:      subtitle.FormatSRT,
			Reason:      "upgrade gate rejected candidate",
		}, nil
	}

	ctx := context.Background()
	row, err := tr.st.UpsertWanted(ctx, &store.WantedItem{VideoPath: path, Language: "de"})
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.r.SearchOne(ctx, row); err != nil {
		t.Fatal(err)
	}
	if row = mustGetWanted(t, tr.st, path, "de"); row.Status != store.WantedUpgrade {
		t.Errorf("status = %s", row.Status)
	}
}

func TestSearchOneFailureSchedulesRetry(t *testing.T) {
	tr := newTestReconciler(t)
	path := tr.addVideo(t, "Show.S01E01.mkv")
	tr.acquirer.fn = func(req pipeline.Request) (*pipeline.Outcome, error) {
		return nil, errkind.New(errkind.KindNoSourceAvailable, "nothing found")
	}

	ctx := context.Background()
	row, err := tr.st.UpsertWanted(ctx, &store.WantedItem{VideoPath: path, Language: "de"})
	if err != nil {
		t.Fatal(err)
	}
	before := time.Now()
	if err := tr.r.SearchOne(ctx, row); err != nil {
		t.Fatal(err)
	}

	row = mustGetWanted(t, tr.st, path, "de")
	if row.Status != store.WantedPending || row.Attempts != 1 {
		t.Fatalf("row = %+v", row)
	}
	if row.LastError == "" {
		t.Error("last error not recorded")
	}
	if row.NextAttemptAt == nil {
		t.Fatal("next attempt not scheduled")
	}
	base := time.Duration(tr.cfg.Wanted.RetryBaseMinutes) * time.Minute
	if got := row.NextAttemptAt.Sub(before); got < base-time.Minute || got > base+time.Minute {
		t.Errorf("next attempt in %v, want ~%v", got, base)
	}
}

func TestSearchOneExhaustsAttempts(t *testing.T) {
	tr := newTestReconciler(t)
	tr.r.cfg.MaxAttempts = 2
	path := tr.addVideo(t, "Show.S01E01.mkv")
	tr.acquirer.fn = func(req pipeline.Request) (*pipeline.Outcome, error) {
		return nil, errkind.New(errkind.KindProviderTimeout, "slow provider")
	}

	ctx := context.Background()
	row, err := tr.st.UpsertWanted(ctx, &store.WantedItem{VideoPath: path, Language: "de"})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		row = mustGetWanted(t, tr.st, path, "de")
		if err := tr.r.SearchOne(ctx, row); err != nil {
			t.Fatal(err)
		}
	}

	row = mustGetWanted(t, tr.st, path, "de")
	if row.Status != store.WantedFailed || row.Attempts != 2 {
		t.Errorf("row = %+v", row)
	}
}

func TestSearchOneCancelledKeepsAttempts(t *testing.T) {
	tr := newTestReconciler(t)
	path := tr.addVideo(t, "Show.S01E01.mkv")
	tr.acquirer.fn = func(req pipeline.Request) (*pipeline.Outcome, error) {
		return nil, errkind.New(errkind.KindCancelled, "shutting down")
	}

	ctx := context.Background()
	row, err := tr.st.UpsertWanted(ctx, &store.WantedItem{VideoPath: path, Language: "de"})
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.r.SearchOne(ctx, row); err == nil {
		t.Fatal("expected cancellation error")
	}

	row = mustGetWanted(t, tr.st, path, "de")
	if row.Status != store.WantedPending || row.Attempts != 0 {
		t.Errorf("row = %+v", row)
	}
}

func TestRetryDelayCapsExponent(t *testing.T) {
	r := New(Options{
		Config: config.Wanted{RetryBaseMinutes: 30, RetryExponentCap: 5},
		Logger: logging.NewNop(),
	})
	if got := r.retryDelay(0); got != 30*time.Minute {
		t.Errorf("delay(0) = %v", got)
	}
	if got := r.retryDelay(3); got != 240*time.Minute {
		t.Errorf("delay(3) = %v", got)
	}
	capped := r.retryDelay(5)
	if got := r.retryDelay(50); got != capped {
		t.Errorf("delay(50) = %v, want %v", got, capped)
	}
}

func TestBatchSearchCoversDueAndUpgradeRows(t *testing.T) {
	tr := newTestReconciler(t)
	ctx := context.Background()

	for _, name := range []string{"A.S01E01.mkv", "B.S01E01.mkv", "C.S01E01.mkv"} {
		path := tr.addVideo(t, name)
		if _, err := tr.st.UpsertWanted(ctx, &store.WantedItem{VideoPath: path, Language: "de"}); err != nil {
			t.Fatal(err)
		}
	}
	row := mustGetWanted(t, tr.st, tr.library.items[2].VideoPath, "de")
	if err := tr.st.MarkWantedUpgradeCandidate(ctx, row.ID); err != nil {
		t.Fatal(err)
	}

	searched, err := tr.r.BatchSearch(ctx)
	if err != nil {
		t.Fatalf("BatchSearch() error = %v", err)
	}
	if searched != 3 {
		t.Errorf("searched = %d, want 3", searched)
	}
	if tr.acquirer.callCount() != 3 {
		t.Errorf("acquire calls = %d", tr.acquirer.callCount())
	}
}

func TestBatchSearchRecordsItemFailures(t *testing.T) {
	tr := newTestReconciler(t)
	ctx := context.Background()
	path := tr.addVideo(t, "Show.S01E01.mkv")
	if _, err := tr.st.UpsertWanted(ctx, &store.WantedItem{VideoPath: path, Language: "de"}); err != nil {
		t.Fatal(err)
	}
	tr.acquirer.fn = func(req pipeline.Request) (*pipeline.Outcome, error) {
		return nil, errkind.New(errkind.KindProviderTransient, "flaky")
	}

	if _, err := tr.r.BatchSearch(ctx); err != nil {
		t.Fatalf("BatchSearch() error = %v", err)
	}
	row := mustGetWanted(t, tr.st, path, "de")
	if row.Status != store.WantedPending || row.Attempts != 1 {
		t.Errorf("row = %+v", row)
	}
}
