// Package queue runs the persistent job queue: a small worker pool claims
// jobs from the store, executes them through the acquisition pipeline, and
// keeps heartbeats so a crashed worker's jobs are reclaimed.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"sublarr/internal/config"
	"sublarr/internal/errkind"
	"sublarr/internal/events"
	"sublarr/internal/logging"
	"sublarr/internal/pipeline"
	"sublarr/internal/store"
	"sublarr/internal/transcriber"
)

const (
	defaultWorkers           = 2
	defaultPollInterval      = 2 * time.Second
	defaultHeartbeatInterval = 15 * time.Second
	defaultHeartbeatTimeout  = 120 * time.Second
	defaultShutdownGrace     = 30 * time.Second
	defaultJobDeadline       = 60 * time.Minute
)

// Acquirer runs one subtitle acquisition end to end.
type Acquirer interface {
	Acquire(ctx context.Context, req pipeline.Request) (*pipeline.Outcome, error)
}

// WantedSearcher executes wanted-row searches for search and batch jobs.
type WantedSearcher interface {
	SearchOne(ctx context.Context, item *store.WantedItem) error
	BatchSearch(ctx context.Context) (int, error)
}

// TranslatePayload is the optional payload of translate and transcribe jobs.
type TranslatePayload struct {
	SourceLang string            `json:"source_lang,omitempty"`
	Glossary   map[string]string `json:"glossary,omitempty"`
	StyleHints string            `json:"style_hints,omitempty"`
}

// WantedSearchPayload identifies the wanted row a search job targets.
type WantedSearchPayload struct {
	WantedID int64 `json:"wanted_id"`
}

// Service is the worker pool over the persistent job table.
type Service struct {
	cfg      config.Queue
	store    *store.Store
	bus      *events.Bus
	acquirer Acquirer
	searcher WantedSearcher
	logger   *slog.Logger

	pollInterval      time.Duration
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	shutdownGrace     time.Duration
	jobDeadline       time.Duration
}

// Options wires the queue's collaborators.
type Options struct {
	Config   config.Queue
	Pipeline config.Pipeline
	Store    *store.Store
	Bus      *events.Bus
	Acquirer Acquirer
	Searcher WantedSearcher
	Logger   *slog.Logger
}

// New builds the queue service.
func New(opts Options) *Service {
	return &Service{
		cfg:               opts.Config,
		store:             opts.Store,
		bus:               opts.Bus,
		acquirer:          opts.Acquirer,
		searcher:          opts.Searcher,
		logger:            logging.NewComponentLogger(opts.Logger, "queue"),
		pollInterval:      secondsOr(opts.Config.PollIntervalSeconds, defaultPollInterval),
		heartbeatInterval: secondsOr(opts.Config.HeartbeatIntervalSeconds, defaultHeartbeatInterval),
		heartbeatTimeout:  secondsOr(opts.Config.HeartbeatTimeoutSeconds, defaultHeartbeatTimeout),
		shutdownGrace:     secondsOr(opts.Config.ShutdownGraceSeconds, defaultShutdownGrace),
		jobDeadline:       minutesOr(opts.Pipeline.JobDeadlineMinutes, defaultJobDeadline),
	}
}

// Enqueue inserts a job unless an identical target is already queued or
// running, in which case the existing job is returned.
func (s *Service) Enqueue(ctx context.Context, kind store.JobKind, videoPath, lang string, forced bool, payload any) (*store.Job, error) {
	existing, err := s.store.ActiveJobForTarget(ctx, kind, videoPath, lang, forced)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	payloadJSON := ""
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, errkind.Wrap(errkind.KindInternal, "encode job payload", err)
		}
		payloadJSON = string(raw)
	}
	job, err := s.store.EnqueueJob(ctx, kind, videoPath, lang, forced, payloadJSON)
	if err != nil {
		return nil, err
	}
	s.publishJob(events.TypeJobCreated, job, nil)
	return job, nil
}

// Cancel requests cancellation of a queued or running job. Running jobs stop
// at their next progress checkpoint.
func (s *Service) Cancel(ctx context.Context, id int64) (bool, error) {
	cancelled, err := s.store.CancelJob(ctx, id)
	if err != nil || !cancelled {
		return cancelled, err
	}
	job, err := s.store.GetJob(ctx, id)
	if err == nil && job != nil {
		s.publishJob(events.TypeJobCancelled, job, nil)
	}
	return true, nil
}

// Run sweeps jobs interrupted by the last shutdown, then serves the queue
// until the context is cancelled. Workers get a grace period to finish
// their current job before Run returns.
func (s *Service) Run(ctx context.Context) error {
	swept, err := s.store.SweepInterruptedJobs(ctx)
	if err != nil {
		return err
	}
	if swept > 0 {
		s.logger.Warn("failed jobs interrupted by restart", logging.Args(logging.Int64("jobs", swept))...)
	}

	var wg sync.WaitGroup
	workers := positive(s.cfg.Workers, defaultWorkers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			s.workerLoop(ctx, worker)
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.reclaimLoop(ctx)
	}()

	<-ctx.Done()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.shutdownGrace):
		s.logger.Warn("shutdown grace elapsed with jobs still running")
	}
	return ctx.Err()
}

func (s *Service) workerLoop(ctx context.Context, worker int) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		// Drain eagerly; sleep only when the queue is empty.
		for {
			if ctx.Err() != nil {
				return
			}
			job, err := s.store.ClaimNextJob(ctx)
			if err != nil {
				s.logger.Error("claim job", logging.Args(logging.Error(err), logging.Int("worker", worker))...)
				break
			}
			if job == nil {
				break
			}
			s.execute(ctx, job)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// reclaimLoop fails running jobs whose worker stopped heartbeating, for
// example after a crash of a previous process sharing the database.
func (s *Service) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.heartbeatTimeout)
			reclaimed, err := s.store.ReclaimDeadJobs(ctx, cutoff)
			if err != nil {
				s.logger.Error("reclaim dead jobs", logging.Args(logging.Error(err))...)
				continue
			}
			if reclaimed > 0 {
				s.logger.Warn("failed stalled jobs", logging.Args(logging.Int64("jobs", reclaimed))...)
			}
		}
	}
}

func (s *Service) execute(parent context.Context, job *store.Job) {
	s.publishJob(events.TypeJobStarted, job, nil)
	s.logger.Info("job started", logging.Args(
		logging.Int64(logging.FieldJobID, job.ID),
		logging.String(logging.FieldEventType, string(job.Kind)),
		logging.String(logging.FieldPath, job.VideoPath),
	)...)

	// The job outlives a daemon shutdown request only up to the grace
	// period; the deadline bounds runaway work.
	ctx, cancel := context.WithTimeout(parent, s.jobDeadline)
	defer cancel()
	stopWatch := s.watchJob(ctx, cancel, job.ID)
	started := time.Now()

	resultJSON, err := s.runJob(ctx, job)
	stopWatch()

	if err != nil {
		s.finishWithError(parent, job, err)
		return
	}
	// Cancellation may land between the last cooperative check and here;
	// the store's state guard keeps the row cancelled, so skip the
	// completion event too.
	if state, stateErr := s.store.JobStateOf(context.WithoutCancel(parent), job.ID); stateErr == nil && state == store.JobCancelled {
		s.logger.Info("job cancelled", logging.Args(logging.Int64(logging.FieldJobID, job.ID))...)
		return
	}
	if err := s.store.CompleteJob(context.WithoutCancel(parent), job.ID, resultJSON); err != nil {
		s.logger.Error("complete job", logging.Args(logging.Error(err), logging.Int64(logging.FieldJobID, job.ID))...)
		return
	}
	s.logger.Info("job completed", logging.Args(
		logging.Int64(logging.FieldJobID, job.ID),
		logging.Duration("elapsed", time.Since(started)),
	)...)
	s.publishJob(events.TypeJobCompleted, job, map[string]any{"result": json.RawMessage(orNull(resultJSON))})
}

// watchJob heartbeats the running job and cancels its context when the job
// is cancelled through the API.
func (s *Service) watchJob(ctx context.Context, cancel context.CancelFunc, id int64) (stop func()) {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(s.heartbeatInterval)
		defer ticker.Stop()
		poll := time.NewTicker(s.pollInterval)
		defer poll.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.store.HeartbeatJob(ctx, id); err != nil && ctx.Err() == nil {
					s.logger.Warn("heartbeat failed",
						logging.Args(logging.Error(err), logging.Int64(logging.FieldJobID, id))...)
				}
			case <-poll.C:
				state, err := s.store.JobStateOf(ctx, id)
				if err == nil && state == store.JobCancelled {
					cancel()
					return
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

func (s *Service) runJob(ctx context.Context, job *store.Job) (string, error) {
	switch job.Kind {
	case store.JobTranslate, store.JobTranscribe:
		return s.runAcquire(ctx, job)
	case store.JobWantedSearch:
		return s.runWantedSearch(ctx, job)
	case store.JobBatch:
		return s.runBatch(ctx, job)
	default:
		return "", errkind.Newf(errkind.KindInternal, "unknown job kind %q", job.Kind)
	}
}

func (s *Service) runAcquire(ctx context.Context, job *store.Job) (string, error) {
	var payload TranslatePayload
	if job.PayloadJSON != "" {
		if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
			return "", errkind.Wrap(errkind.KindInternal, "decode job payload", err)
		}
	}

	outcome, err := s.acquirer.Acquire(ctx, pipeline.Request{
		VideoPath:  job.VideoPath,
		TargetLang: job.Language,
		SourceLang: payload.SourceLang,
		Forced:     job.Forced,
		Glossary:   payload.Glossary,
		StyleHints: payload.StyleHints,
		Priority:   transcriber.PriorityManual,
		Progress:   s.progressFunc(ctx, job),
	})
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(outcome)
	if err != nil {
		return "", errkind.Wrap(errkind.KindInternal, "encode job result", err)
	}
	return string(raw), nil
}

func (s *Service) runWantedSearch(ctx context.Context, job *store.Job) (string, error) {
	var payload WantedSearchPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return "", errkind.Wrap(errkind.KindInternal, "decode job payload", err)
	}
	item, err := s.store.GetWantedByID(ctx, payload.WantedID)
	if err != nil {
		return "", err
	}
	if item == nil {
		return "", errkind.Newf(errkind.KindNotFound, "wanted item %d not found", payload.WantedID)
	}
	if err := s.searcher.SearchOne(ctx, item); err != nil {
		return "", err
	}
	refreshed, err := s.store.GetWantedByID(ctx, payload.WantedID)
	if err != nil || refreshed == nil {
		return "{}", nil
	}
	raw, _ := json.Marshal(map[string]any{"status": refreshed.Status})
	return string(raw), nil
}

func (s *Service) runBatch(ctx context.Context, job *store.Job) (string, error) {
	searched, err := s.searcher.BatchSearch(ctx)
	if err != nil {
		return "", err
	}
	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:    events.TypeBatchProgress,
			JobID:   job.ID,
			Payload: map[string]any{"searched": searched},
		})
	}
	raw, _ := json.Marshal(map[string]any{"searched": searched})
	return string(raw), nil
}

func (s *Service) progressFunc(ctx context.Context, job *store.Job) func(phase string, fraction float64) {
	return func(phase string, fraction float64) {
		percent := fraction * 100
		if err := s.store.UpdateJobProgress(ctx, job.ID, phase, percent, ""); err != nil && ctx.Err() == nil {
			s.logger.Warn("update progress",
				logging.Args(logging.Error(err), logging.Int64(logging.FieldJobID, job.ID))...)
		}
		if s.bus != nil {
			s.bus.Publish(events.Event{
				Type:      events.TypeJobProgress,
				JobID:     job.ID,
				VideoPath: job.VideoPath,
				Language:  job.Language,
				Payload:   map[string]any{"phase": phase, "percent": percent},
			})
		}
	}
}

// finishWithError records a failure, unless the job was cancelled through
// the API, in which case the store row is already terminal.
func (s *Service) finishWithError(parent context.Context, job *store.Job, cause error) {
	ctx := context.WithoutCancel(parent)
	state, stateErr := s.store.JobStateOf(ctx, job.ID)
	if stateErr == nil && state == store.JobCancelled {
		s.logger.Info("job cancelled", logging.Args(logging.Int64(logging.FieldJobID, job.ID))...)
		return
	}
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		cause = errkind.Wrap(errkind.KindCancelled, "job interrupted", cause)
	}

	kind := errkind.KindOf(cause)
	if err := s.store.FailJob(ctx, job.ID, cause.Error(), string(kind)); err != nil {
		s.logger.Error("fail job", logging.Args(logging.Error(err), logging.Int64(logging.FieldJobID, job.ID))...)
	}
	s.logger.Warn("job failed", logging.Args(
		logging.Error(cause),
		logging.Int64(logging.FieldJobID, job.ID),
		logging.String(logging.FieldErrorHint, errkind.HintOf(cause)),
	)...)
	s.publishJob(events.TypeJobFailed, job, map[string]any{"error": cause.Error(), "kind": kind})
}

func (s *Service) publishJob(eventType events.Type, job *store.Job, payload map[string]any) {
	if s.bus == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["kind"] = job.Kind
	s.bus.Publish(events.Event{
		Type:      eventType,
		JobID:     job.ID,
		VideoPath: job.VideoPath,
		Language:  job.Language,
		Payload:   payload,
	})
}

func secondsOr(value int, fallback time.Duration) time.Duration {
	if value > 0 {
		return time.Duration(value) * time.Second
	}
	return fallback
}

func minutesOr(value int, fallback time.Duration) time.Duration {
	if value > 0 {
		return time.Duration(value) * time.Minute
	}
	return fallback
}

func positive(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func orNull(raw string) string {
	if raw == "" {
		return "null"
	}
	return raw
}
