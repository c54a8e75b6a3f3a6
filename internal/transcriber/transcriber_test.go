package transcriber

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"sublarr/internal/config"
	"sublarr/internal/errkind"
	"sublarr/internal/logging"
	"sublarr/internal/media"
)

type fakeProber struct {
	streams media.Streams
}

func (p *fakeProber) Probe(ctx context.Context, path string) media.Streams {
	return p.streams
}

type fakeBackend struct {
	mu    sync.Mutex
	calls []string
	fn    func(ctx context.Context, wavPath, sourceLang string) ([]Segment, error)
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Transcribe(ctx context.Context, wavPath, sourceLang string) ([]Segment, error) {
	b.mu.Lock()
	b.calls = append(b.calls, wavPath)
	b.mu.Unlock()
	if b.fn != nil {
		return b.fn(ctx, wavPath, sourceLang)
	}
	return []Segment{{Start: 0, End: time.Second, Text: "hello", Confidence: 0.9}}, nil
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func newTestService(t *testing.T, backend Backend) *Service {
	t.Helper()
	s, err := New(Options{
		Backend: backend,
		Prober: &fakeProber{streams: media.Streams{
			{Index: 1, CodecType: media.CodecAudio, CodecName: "aac", Language: "en", Default: true},
		}},
		Logger: logging.NewNop(),
		Extract: func(ctx context.Context, videoPath string, stream media.Stream, outPath string) error {
			return os.WriteFile(outPath, []byte("RIFF"), 0o644)
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestTranscribeBuildsSRT(t *testing.T) {
	backend := &fakeBackend{fn: func(ctx context.Context, wavPath, sourceLang string) ([]Segment, error) {
		return []Segment{
			{Start: time.Second, End: 2 * time.Second, Text: "first line", Confidence: 0.9},
			{Start: 3 * time.Second, End: 4 * time.Second, Text: "  ", Confidence: 0.9},
			{Start: 5 * time.Second, End: 6 * time.Second, Text: "second", Confidence: 0.8},
		}, nil
	}}
	s := newTestService(t, backend)

	file, err := s.Transcribe(context.Background(), "/media/show.mkv", "en", PriorityManual)
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if len(file.Cues) != 2 {
		t.Fatalf("cues = %d, want 2 (blank segment dropped)", len(file.Cues))
	}
	if file.Cues[0].Lines[0] != "first line" || file.Cues[1].Index != 2 {
		t.Errorf("cues = %+v", file.Cues)
	}
}

func TestTranscribePriorityOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	entered := make(chan struct{})
	release := make(chan struct{})
	first := true
	backend := &fakeBackend{fn: func(ctx context.Context, wavPath, sourceLang string) ([]Segment, error) {
		mu.Lock()
		blocking := first
		first = false
		mu.Unlock()
		if blocking {
			entered <- struct{}{}
			<-release
		}
		return []Segment{{End: time.Second, Text: "x", Confidence: 1}}, nil
	}}
	s, err := New(Options{
		Backend: backend,
		Prober: &fakeProber{streams: media.Streams{
			{Index: 1, CodecType: media.CodecAudio, CodecName: "aac", Default: true},
		}},
		Logger: logging.NewNop(),
		// Extract runs once per task on the worker goroutine, so it
		// observes the execution order directly.
		Extract: func(ctx context.Context, videoPath string, stream media.Stream, outPath string) error {
			mu.Lock()
			order = append(order, videoPath)
			mu.Unlock()
			return os.WriteFile(outPath, []byte("RIFF"), 0o644)
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)

	var wg sync.WaitGroup
	submit := func(path string, priority int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Transcribe(context.Background(), path, "en", priority); err != nil {
				t.Errorf("Transcribe(%s) error = %v", path, err)
			}
		}()
	}

	submit("/media/blocker.mkv", PriorityBatch)
	<-entered
	// The worker is busy; these queue up and must run by priority.
	submit("/media/batch.mkv", PriorityBatch)
	time.Sleep(20 * time.Millisecond)
	submit("/media/manual.mkv", PriorityManual)
	time.Sleep(20 * time.Millisecond)
	submit("/media/wanted.mkv", PriorityWanted)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	want := []string{"/media/blocker.mkv", "/media/manual.mkv", "/media/wanted.mkv", "/media/batch.mkv"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i, path := range want {
		if order[i] != path {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestTranscribeCleansTempWAV(t *testing.T) {
	var wavPath string
	backend := &fakeBackend{fn: func(ctx context.Context, path, sourceLang string) ([]Segment, error) {
		wavPath = path
		if _, err := os.Stat(path); err != nil {
			t.Errorf("wav missing during transcription: %v", err)
		}
		return []Segment{{End: time.Second, Text: "x", Confidence: 1}}, nil
	}}
	s := newTestService(t, backend)

	if _, err := s.Transcribe(context.Background(), "/media/show.mkv", "en", PriorityManual); err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if _, err := os.Stat(wavPath); !os.IsNotExist(err) {
		t.Errorf("temp wav not removed: %v", err)
	}
}

func TestTranscribeCleansTempWAVOnFailure(t *testing.T) {
	var wavPath string
	backend := &fakeBackend{fn: func(ctx context.Context, path, sourceLang string) ([]Segment, error) {
		wavPath = path
		return nil, errkind.New(errkind.KindBackendUnavailable, "model crashed")
	}}
	s := newTestService(t, backend)

	if _, err := s.Transcribe(context.Background(), "/media/show.mkv", "en", PriorityManual); err == nil {
		t.Fatal("expected error")
	}
	if _, err := os.Stat(wavPath); !os.IsNotExist(err) {
		t.Errorf("temp wav not removed: %v", err)
	}
}

type upperRefiner struct{ calls int }

func (r *upperRefiner) Refine(ctx context.Context, line, lang string) (string, error) {
	r.calls++
	return strings.ToUpper(line), nil
}

func TestLowConfidenceLinesRefined(t *testing.T) {
	backend := &fakeBackend{fn: func(ctx context.Context, wavPath, sourceLang string) ([]Segment, error) {
		return []Segment{
			{End: time.Second, Text: "keep me", Confidence: 0.9},
			{Start: 2 * time.Second, End: 3 * time.Second, Text: "fix me", Confidence: 0.3},
		}, nil
	}}
	refiner := &upperRefiner{}
	s, err := New(Options{
		Backend: backend,
		Refiner: refiner,
		Prober: &fakeProber{streams: media.Streams{
			{Index: 1, CodecType: media.CodecAudio, CodecName: "aac", Default: true},
		}},
		Logger: logging.NewNop(),
		Extract: func(ctx context.Context, videoPath string, stream media.Stream, outPath string) error {
			return os.WriteFile(outPath, []byte("RIFF"), 0o644)
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)

	file, err := s.Transcribe(context.Background(), "/media/show.mkv", "en", PriorityManual)
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if refiner.calls != 1 {
		t.Errorf("refiner calls = %d, want 1", refiner.calls)
	}
	if file.Cues[0].Lines[0] != "keep me" || file.Cues[1].Lines[0] != "FIX ME" {
		t.Errorf("cues = %+v", file.Cues)
	}
}

func TestTranscribeNoAudioStream(t *testing.T) {
	s, err := New(Options{
		Backend: &fakeBackend{},
		Prober:  &fakeProber{},
		Logger:  logging.NewNop(),
		Extract: func(ctx context.Context, videoPath string, stream media.Stream, outPath string) error {
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)

	_, err = s.Transcribe(context.Background(), "/media/silent.mkv", "en", PriorityManual)
	if errkind.KindOf(err) != errkind.KindNoSourceAvailable {
		t.Fatalf("kind = %v", errkind.KindOf(err))
	}
}

func TestCancelledWaiterIsSkipped(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	first := true
	var mu sync.Mutex
	backend := &fakeBackend{fn: func(ctx context.Context, wavPath, sourceLang string) ([]Segment, error) {
		mu.Lock()
		blocking := first
		first = false
		mu.Unlock()
		if blocking {
			entered <- struct{}{}
			<-release
		}
		return []Segment{{End: time.Second, Text: "x", Confidence: 1}}, nil
	}}
	s := newTestService(t, backend)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Transcribe(context.Background(), "/media/blocker.mkv", "en", PriorityManual)
	}()
	<-entered

	ctx, cancel := context.WithCancel(context.Background())
	wg.Add(1)
	var waiterErr error
	go func() {
		defer wg.Done()
		_, waiterErr = s.Transcribe(ctx, "/media/cancelled.mkv", "en", PriorityBatch)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if errkind.KindOf(waiterErr) != errkind.KindCancelled {
		t.Fatalf("kind = %v", errkind.KindOf(waiterErr))
	}
	// The worker drains the cancelled task without running it.
	deadline := time.After(time.Second)
	for backend.callCount() != 1 {
		select {
		case <-deadline:
			t.Fatalf("backend calls = %d, want 1", backend.callCount())
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	_, err := New(Options{
		Config: config.Transcriber{Backend: "telepathy"},
		Logger: logging.NewNop(),
	})
	if errkind.KindOf(err) != errkind.KindConfig {
		t.Fatalf("kind = %v", errkind.KindOf(err))
	}
}
