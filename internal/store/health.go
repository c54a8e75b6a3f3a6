package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Health kinds partition the component_health table between subtitle
// providers and translation backends.
const (
	HealthProvider = "provider"
	HealthBackend  = "backend"
)

// ComponentHealth is the persisted failure state of a provider or backend.
// It survives restarts so a provider disabled at shutdown stays disabled.
type ComponentHealth struct {
	Kind                string     `json:"kind"`
	Name                string     `json:"name"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	DisabledUntil       *time.Time `json:"disabled_until,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Disabled reports whether the component is disabled at the given instant.
func (h *ComponentHealth) Disabled(now time.Time) bool {
	return h.DisabledUntil != nil && now.Before(*h.DisabledUntil)
}

// GetComponentHealth fetches the health row for one component, or nil.
func (s *Store) GetComponentHealth(ctx context.Context, kind, name string) (*ComponentHealth, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT kind, name, consecutive_failures, disabled_until, last_error, updated_at
         FROM component_health WHERE kind = ? AND name = ?`,
		kind, name)
	health, err := scanComponentHealth(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get component health: %w", err)
	}
	return health, nil
}

// ListComponentHealth returns every health row of one kind.
func (s *Store) ListComponentHealth(ctx context.Context, kind string) ([]*ComponentHealth, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, name, consecutive_failures, disabled_until, last_error, updated_at
         FROM component_health WHERE kind = ? ORDER BY name`,
		kind)
	if err != nil {
		return nil, fmt.Errorf("list component health: %w", err)
	}
	defer rows.Close()

	var out []*ComponentHealth
	for rows.Next() {
		health, err := scanComponentHealth(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, health)
	}
	return out, rows.Err()
}

// RecordComponentFailure increments the failure counter and stores the error.
// Returns the updated counter so callers can apply disable thresholds.
func (s *Store) RecordComponentFailure(ctx context.Context, kind, name, lastError string) (int, error) {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO component_health (kind, name, consecutive_failures, last_error, updated_at)
         VALUES (?, ?, 1, ?, ?)
         ON CONFLICT(kind, name) DO UPDATE SET
             consecutive_failures = consecutive_failures + 1,
             last_error = excluded.last_error,
             updated_at = excluded.updated_at`,
		kind, name, nullableString(lastError), now)
	if err != nil {
		return 0, fmt.Errorf("record component failure: %w", err)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT consecutive_failures FROM component_health WHERE kind = ? AND name = ?`, kind, name)
	var failures int
	if err := row.Scan(&failures); err != nil {
		return 0, fmt.Errorf("read failure counter: %w", err)
	}
	return failures, nil
}

// RecordComponentSuccess zeroes the failure counter and clears any disable.
func (s *Store) RecordComponentSuccess(ctx context.Context, kind, name string) error {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO component_health (kind, name, consecutive_failures, updated_at)
         VALUES (?, ?, 0, ?)
         ON CONFLICT(kind, name) DO UPDATE SET
             consecutive_failures = 0,
             disabled_until = NULL,
             last_error = NULL,
             updated_at = excluded.updated_at`,
		kind, name, now)
	if err != nil {
		return fmt.Errorf("record component success: %w", err)
	}
	return nil
}

// DisableComponent parks a component until the given time.
func (s *Store) DisableComponent(ctx context.Context, kind, name string, until time.Time) error {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO component_health (kind, name, consecutive_failures, disabled_until, updated_at)
         VALUES (?, ?, 0, ?, ?)
         ON CONFLICT(kind, name) DO UPDATE SET
             disabled_until = excluded.disabled_until,
             updated_at = excluded.updated_at`,
		kind, name, formatTime(until), now)
	if err != nil {
		return fmt.Errorf("disable component: %w", err)
	}
	return nil
}

// EnableComponent clears a disable and resets the counter.
func (s *Store) EnableComponent(ctx context.Context, kind, name string) error {
	return s.RecordComponentSuccess(ctx, kind, name)
}

func scanComponentHealth(scanner interface{ Scan(dest ...any) error }) (*ComponentHealth, error) {
	var (
		kind        string
		name        string
		failures    sql.NullInt64
		disabledRaw sql.NullString
		lastError   sql.NullString
		updatedRaw  sql.NullString
	)
	if err := scanner.Scan(&kind, &name, &failures, &disabledRaw, &lastError, &updatedRaw); err != nil {
		return nil, err
	}
	health := &ComponentHealth{
		Kind:                kind,
		Name:                name,
		ConsecutiveFailures: int(failures.Int64),
		LastError:           lastError.String,
	}
	if disabledRaw.Valid {
		if until, err := parseTimeString(disabledRaw.String); err == nil {
			health.DisabledUntil = &until
		}
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		health.UpdatedAt = updated
	}
	return health, nil
}
