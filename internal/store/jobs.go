package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// JobState is the lifecycle state of a queued job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// TerminalJobStates are the states a job never leaves.
var TerminalJobStates = []JobState{JobCompleted, JobFailed, JobCancelled}

// JobKind identifies what a job does.
type JobKind string

const (
	JobTranslate    JobKind = "translate"
	JobBatch        JobKind = "batch"
	JobWantedSearch JobKind = "wanted_search"
	JobTranscribe   JobKind = "transcribe"
)

// Job is one unit of pipeline work.
type Job struct {
	ID              int64      `json:"id"`
	Kind            JobKind    `json:"kind"`
	State           JobState   `json:"state"`
	VideoPath       string     `json:"video_path,omitempty"`
	Language        string     `json:"language,omitempty"`
	Forced          bool       `json:"forced"`
	PayloadJSON     string     `json:"payload_json,omitempty"`
	ProgressPhase   string     `json:"progress_phase,omitempty"`
	ProgressPercent float64    `json:"progress_percent"`
	ProgressMessage string     `json:"progress_message,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	ErrorKind       string     `json:"error_kind,omitempty"`
	ResultJSON      string     `json:"result_json,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	LastHeartbeat   *time.Time `json:"-"`
}

// Terminal reports whether the job is in a final state.
func (j *Job) Terminal() bool {
	switch j.State {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

const jobColumns = "id, kind, state, video_path, language, forced, payload_json, progress_phase, progress_percent, progress_message, error_message, error_kind, result_json, created_at, updated_at, started_at, finished_at, last_heartbeat"

// EnqueueJob inserts a new queued job.
func (s *Store) EnqueueJob(ctx context.Context, kind JobKind, videoPath, lang string, forced bool, payloadJSON string) (*Job, error) {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (kind, state, video_path, language, forced, payload_json, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		kind,
		JobQueued,
		nullableString(videoPath),
		nullableString(lang),
		boolToInt(forced),
		nullableString(payloadJSON),
		now,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetJob(ctx, id)
}

// GetJob fetches a job by identifier, or nil when absent.
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs newest first, filtered by state set when provided.
func (s *Store) ListJobs(ctx context.Context, limit int, states ...JobState) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if len(states) > 0 {
		query += ` WHERE state IN (` + makePlaceholders(len(states)) + `)`
		for _, state := range states {
			args = append(args, state)
		}
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimNextJob atomically moves the oldest queued job to running and returns
// it. Returns nil when the queue is empty. The UPDATE-with-state-guard makes
// this safe across worker goroutines sharing one connection pool.
func (s *Store) ClaimNextJob(ctx context.Context) (*Job, error) {
	var claimed *Job
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT id FROM jobs WHERE state = ? ORDER BY id LIMIT 1`, JobQueued)
		var id int64
		if err := row.Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select next job: %w", err)
		}

		now := formatTime(time.Now())
		res, err := tx.ExecContext(ctx,
			`UPDATE jobs SET state = ?, started_at = ?, last_heartbeat = ?, updated_at = ?
             WHERE id = ? AND state = ?`,
			JobRunning, now, now, now, id, JobQueued)
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return nil
		}

		row = tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
		job, err := scanJob(row)
		if err != nil {
			return fmt.Errorf("reload claimed job: %w", err)
		}
		claimed = job
		return nil
	})
	return claimed, err
}

// HeartbeatJob refreshes the lease on a running job.
func (s *Store) HeartbeatJob(ctx context.Context, id int64) error {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET last_heartbeat = ?, updated_at = ? WHERE id = ? AND state = ?`,
		now, now, id, JobRunning)
	if err != nil {
		return fmt.Errorf("heartbeat job: %w", err)
	}
	return nil
}

// UpdateJobProgress records phase, percent, and message for a running job.
func (s *Store) UpdateJobProgress(ctx context.Context, id int64, phase string, percent float64, message string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET progress_phase = ?, progress_percent = ?, progress_message = ?, updated_at = ?
         WHERE id = ?`,
		nullableString(phase), percent, nullableString(message), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

// CompleteJob moves a running job to completed with its result payload.
func (s *Store) CompleteJob(ctx context.Context, id int64, resultJSON string) error {
	return s.finishJob(ctx, id, JobCompleted, "", "", resultJSON)
}

// FailJob moves a job to failed with the error message and kind.
func (s *Store) FailJob(ctx context.Context, id int64, message, kind string) error {
	return s.finishJob(ctx, id, JobFailed, message, kind, "")
}

// CancelJob marks a queued or running job cancelled. Running jobs observe the
// state change cooperatively; no result is recorded.
func (s *Store) CancelJob(ctx context.Context, id int64) (bool, error) {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, finished_at = ?, updated_at = ? WHERE id = ? AND state IN (?, ?)`,
		JobCancelled, now, now, id, JobQueued, JobRunning)
	if err != nil {
		return false, fmt.Errorf("cancel job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// JobStateOf returns just the state column, for cheap cancellation polling.
func (s *Store) JobStateOf(ctx context.Context, id int64) (JobState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT state FROM jobs WHERE id = ?`, id)
	var state JobState
	if err := row.Scan(&state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("job %d not found", id)
		}
		return "", fmt.Errorf("job state: %w", err)
	}
	return state, nil
}

func (s *Store) finishJob(ctx context.Context, id int64, state JobState, message, kind, resultJSON string) error {
	now := formatTime(time.Now())
	// The state guard makes terminal states final: a job cancelled
	// mid-flight keeps its cancelled row and the late finish is a no-op.
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, error_message = ?, error_kind = ?, result_json = ?,
             finished_at = ?, updated_at = ?
         WHERE id = ? AND state = ?`,
		state, nullableString(message), nullableString(kind), nullableString(resultJSON),
		now, now, id, JobRunning)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return nil
}

// SweepInterruptedJobs fails every job left running by a previous process.
// Called once at startup, before workers spin up.
func (s *Store) SweepInterruptedJobs(ctx context.Context) (int64, error) {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, error_message = 'interrupted by daemon restart',
             error_kind = 'interrupted', finished_at = ?, updated_at = ?
         WHERE state = ?`,
		JobFailed, now, now, JobRunning)
	if err != nil {
		return 0, fmt.Errorf("sweep interrupted jobs: %w", err)
	}
	return res.RowsAffected()
}

// ReclaimDeadJobs fails running jobs whose heartbeat predates cutoff.
func (s *Store) ReclaimDeadJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, error_message = 'worker stopped heartbeating',
             error_kind = 'worker_dead', finished_at = ?, updated_at = ?
         WHERE state = ? AND last_heartbeat IS NOT NULL AND last_heartbeat < ?`,
		JobFailed, now, now, JobRunning, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("reclaim dead jobs: %w", err)
	}
	return res.RowsAffected()
}

// ActiveJobForTarget returns a queued or running job for the same
// (path, language, forced, kind) tuple, for enqueue dedup.
func (s *Store) ActiveJobForTarget(ctx context.Context, kind JobKind, videoPath, lang string, forced bool) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
         WHERE kind = ? AND video_path = ? AND language = ? AND forced = ? AND state IN (?, ?)
         ORDER BY id LIMIT 1`,
		kind, videoPath, lang, boolToInt(forced), JobQueued, JobRunning)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active job for target: %w", err)
	}
	return job, nil
}

// JobStats counts jobs grouped by state.
func (s *Store) JobStats(ctx context.Context) (map[JobState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(1) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[JobState]int)
	for rows.Next() {
		var state JobState
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		stats[state] = count
	}
	return stats, rows.Err()
}

// PruneJobs deletes terminal jobs finished before cutoff.
func (s *Store) PruneJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE state IN (?, ?, ?) AND finished_at IS NOT NULL AND finished_at < ?`,
		JobCompleted, JobFailed, JobCancelled, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return res.RowsAffected()
}

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		id              int64
		kind            string
		state           string
		videoPath       sql.NullString
		lang            sql.NullString
		forced          sql.NullInt64
		payload         sql.NullString
		progressPhase   sql.NullString
		progressPercent sql.NullFloat64
		progressMessage sql.NullString
		errorMessage    sql.NullString
		errorKind       sql.NullString
		result          sql.NullString
		createdRaw      sql.NullString
		updatedRaw      sql.NullString
		startedRaw      sql.NullString
		finishedRaw     sql.NullString
		heartbeatRaw    sql.NullString
	)

	if err := scanner.Scan(
		&id, &kind, &state, &videoPath, &lang, &forced, &payload,
		&progressPhase, &progressPercent, &progressMessage,
		&errorMessage, &errorKind, &result,
		&createdRaw, &updatedRaw, &startedRaw, &finishedRaw, &heartbeatRaw,
	); err != nil {
		return nil, err
	}

	job := &Job{
		ID:              id,
		Kind:            JobKind(kind),
		State:           JobState(state),
		VideoPath:       videoPath.String,
		Language:        lang.String,
		Forced:          forced.Int64 != 0,
		PayloadJSON:     payload.String,
		ProgressPhase:   progressPhase.String,
		ProgressPercent: progressPercent.Float64,
		ProgressMessage: progressMessage.String,
		ErrorMessage:    errorMessage.String,
		ErrorKind:       errorKind.String,
		ResultJSON:      result.String,
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		job.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		job.UpdatedAt = updated
	}
	if startedRaw.Valid {
		if started, err := parseTimeString(startedRaw.String); err == nil {
			job.StartedAt = &started
		}
	}
	if finishedRaw.Valid {
		if finished, err := parseTimeString(finishedRaw.String); err == nil {
			job.FinishedAt = &finished
		}
	}
	if heartbeatRaw.Valid {
		if heartbeat, err := parseTimeString(heartbeatRaw.String); err == nil {
			job.LastHeartbeat = &heartbeat
		}
	}
	return job, nil
}
