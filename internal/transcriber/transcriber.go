// Package transcriber is the speech-to-text lane: a single-worker queue
// that turns a video's primary audio track into a source-language SRT.
// One transcription runs at a time because the backing model owns the GPU.
package transcriber

import (
	"container/heap"
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"sublarr/internal/config"
	"sublarr/internal/errkind"
	"sublarr/internal/logging"
	"sublarr/internal/media"
	"sublarr/internal/subtitle"
)

// Queue priorities; a lower number runs first.
const (
	PriorityManual = 1
	PriorityWanted = 5
	PriorityBatch  = 10
)

const defaultMinConfidence = 0.6

// Segment is one transcribed utterance.
type Segment struct {
	Start      time.Duration
	End        time.Duration
	Text       string
	Confidence float64
}

// Backend runs one transcription against a prepared WAV file.
type Backend interface {
	Name() string
	Transcribe(ctx context.Context, wavPath, sourceLang string) ([]Segment, error)
}

// Refiner rewrites a low-confidence line. The daemon wires an LLM-backed
// implementation; nil keeps low-confidence lines as transcribed.
type Refiner interface {
	Refine(ctx context.Context, line, lang string) (string, error)
}

// Prober yields the embedded streams of a video file.
type Prober interface {
	Probe(ctx context.Context, path string) media.Streams
}

// ExtractAudioFunc pipes one audio stream to a WAV file.
type ExtractAudioFunc func(ctx context.Context, videoPath string, stream media.Stream, outPath string) error

type task struct {
	priority int
	seq      uint64
	ctx      context.Context

	videoPath  string
	sourceLang string

	cancelled atomic.Bool
	done      chan struct{}
	result    *subtitle.SRTFile
	err       error
}

// Service owns the transcription queue and its single worker.
type Service struct {
	cfg     config.Transcriber
	backend Backend
	prober  Prober
	refiner Refiner
	extract ExtractAudioFunc
	logger  *slog.Logger

	mu    sync.Mutex
	cond  *sync.Cond
	queue taskQueue
	seq   uint64
	close bool

	stopped chan struct{}
}

// Options wires the service's collaborators.
type Options struct {
	Config  config.Transcriber
	FFmpeg  string
	Prober  Prober
	Refiner Refiner
	Logger  *slog.Logger
	// Backend and Extract override the configured backend and audio
	// extraction, for tests.
	Backend Backend
	Extract ExtractAudioFunc
}

// New builds the service and starts its worker.
func New(opts Options) (*Service, error) {
	s := &Service{
		cfg:     opts.Config,
		prober:  opts.Prober,
		refiner: opts.Refiner,
		extract: opts.Extract,
		logger:  logging.NewComponentLogger(opts.Logger, "transcriber"),
		stopped: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)

	if opts.Backend != nil {
		s.backend = opts.Backend
	} else {
		switch strings.ToLower(opts.Config.Backend) {
		case "", "api":
			b, err := newAPIBackend(opts.Config)
			if err != nil {
				return nil, err
			}
			s.backend = b
		case "local":
			b, err := newLocalBackend(opts.Config)
			if err != nil {
				return nil, err
			}
			s.backend = b
		default:
			return nil, errkind.Newf(errkind.KindConfig, "unknown transcriber backend %q", opts.Config.Backend)
		}
	}
	if s.extract == nil {
		ffmpeg := opts.FFmpeg
		s.extract = func(ctx context.Context, videoPath string, stream media.Stream, outPath string) error {
			return media.ExtractAudioWAV(ctx, ffmpeg, videoPath, stream, outPath)
		}
	}

	go s.worker()
	return s, nil
}

// Close drains nothing: queued tasks fail with a cancelled error and the
// worker exits after its current transcription.
func (s *Service) Close() {
	s.mu.Lock()
	if s.close {
		s.mu.Unlock()
		return
	}
	s.close = true
	for _, t := range s.queue {
		t.err = errkind.New(errkind.KindCancelled, "transcriber shutting down")
		close(t.done)
	}
	s.queue = nil
	s.cond.Signal()
	s.mu.Unlock()
	<-s.stopped
}

// Transcribe queues one transcription and blocks until it runs. Priority
// orders the queue; within one priority, submission order wins.
func (s *Service) Transcribe(ctx context.Context, videoPath, sourceLang string, priority int) (*subtitle.SRTFile, error) {
	if priority <= 0 {
		priority = PriorityBatch
	}
	t := &task{
		priority:   priority,
		ctx:        ctx,
		videoPath:  videoPath,
		sourceLang: sourceLang,
		done:       make(chan struct{}),
	}

	s.mu.Lock()
	if s.close {
		s.mu.Unlock()
		return nil, errkind.New(errkind.KindCancelled, "transcriber shutting down")
	}
	s.seq++
	t.seq = s.seq
	heap.Push(&s.queue, t)
	s.cond.Signal()
	s.mu.Unlock()

	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		t.cancelled.Store(true)
		return nil, errkind.Wrap(errkind.KindCancelled, "transcription cancelled", ctx.Err())
	}
}

func (s *Service) worker() {
	defer close(s.stopped)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.close {
			s.cond.Wait()
		}
		if s.close {
			s.mu.Unlock()
			return
		}
		t := heap.Pop(&s.queue).(*task)
		s.mu.Unlock()

		if t.cancelled.Load() {
			continue
		}
		t.result, t.err = s.run(t.ctx, t.videoPath, t.sourceLang)
		close(t.done)
	}
}

// run extracts the primary audio to a temp WAV, transcribes it, and builds
// an SRT. The WAV is removed on every exit path.
func (s *Service) run(ctx context.Context, videoPath, sourceLang string) (*subtitle.SRTFile, error) {
	streams := s.prober.Probe(ctx, videoPath)
	audio, ok := streams.PrimaryAudio()
	if !ok {
		return nil, errkind.Newf(errkind.KindNoSourceAvailable, "no audio stream in %s", videoPath)
	}

	tmp, err := os.CreateTemp("", "sublarr-audio-*.wav")
	if err != nil {
		return nil, errkind.Wrap(errkind.KindInternal, "create temp wav", err)
	}
	wavPath := tmp.Name()
	tmp.Close()
	defer os.Remove(wavPath)

	if err := s.extract(ctx, videoPath, audio, wavPath); err != nil {
		return nil, errkind.Wrap(errkind.KindInternal, "extract audio", err)
	}

	started := time.Now()
	segments, err := s.backend.Transcribe(ctx, wavPath, sourceLang)
	if err != nil {
		return nil, err
	}
	s.logger.Info("transcription completed",
		logging.Args(
			logging.String(logging.FieldBackend, s.backend.Name()),
			logging.String(logging.FieldPath, videoPath),
			logging.Int("segments", len(segments)),
			logging.Duration("elapsed", time.Since(started)),
		)...)

	segments = s.refineSegments(ctx, segments, sourceLang)
	file := buildSRT(segments)
	if len(file.Cues) == 0 {
		return nil, errkind.New(errkind.KindNoSourceAvailable, "transcription produced no usable segments")
	}
	return file, nil
}

// refineSegments runs the refiner over segments below the confidence
// threshold. Refiner failures keep the original line.
func (s *Service) refineSegments(ctx context.Context, segments []Segment, lang string) []Segment {
	if s.refiner == nil {
		return segments
	}
	minConf := s.cfg.MinConfidence
	if minConf <= 0 {
		minConf = defaultMinConfidence
	}
	for i := range segments {
		seg := &segments[i]
		if seg.Confidence >= minConf || strings.TrimSpace(seg.Text) == "" {
			continue
		}
		refined, err := s.refiner.Refine(ctx, seg.Text, lang)
		if err != nil {
			s.logger.Warn("line refinement failed",
				logging.Args(logging.Error(err), logging.Float64("confidence", seg.Confidence))...)
			continue
		}
		if strings.TrimSpace(refined) != "" {
			seg.Text = refined
		}
	}
	return segments
}

func buildSRT(segments []Segment) *subtitle.SRTFile {
	file := &subtitle.SRTFile{}
	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		file.Cues = append(file.Cues, subtitle.Cue{
			Index: len(file.Cues) + 1,
			Start: seg.Start,
			End:   seg.End,
			Lines: strings.Split(text, "\n"),
		})
	}
	return file
}

// taskQueue is a min-heap ordered by (priority, submission order).
type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(*task)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}
