package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetProbe returns the cached stream listing for path when the stored mtime
// matches. A stale mtime is a miss; the row is replaced on the next put.
func (s *Store) GetProbe(path string, mtime time.Time) (string, bool, error) {
	row := s.db.QueryRow(
		`SELECT mtime, streams_json FROM probe_cache WHERE path = ?`, path)
	var storedMtime, streamsJSON string
	if err := row.Scan(&storedMtime, &streamsJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get probe: %w", err)
	}
	if storedMtime != formatTime(mtime) {
		return "", false, nil
	}
	return streamsJSON, true, nil
}

// PutProbe stores or replaces the cached probe result for path.
func (s *Store) PutProbe(path string, mtime time.Time, streamsJSON string) error {
	now := formatTime(time.Now())
	_, err := s.db.Exec(
		`INSERT INTO probe_cache (path, mtime, streams_json, created_at)
         VALUES (?, ?, ?, ?)
         ON CONFLICT(path) DO UPDATE SET
             mtime = excluded.mtime,
             streams_json = excluded.streams_json,
             created_at = excluded.created_at`,
		path, formatTime(mtime), streamsJSON, now)
	if err != nil {
		return fmt.Errorf("put probe: %w", err)
	}
	return nil
}

// DeleteProbe drops the cache row for a path.
func (s *Store) DeleteProbe(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM probe_cache WHERE path = ?`, path); err != nil {
		return fmt.Errorf("delete probe: %w", err)
	}
	return nil
}

// PruneProbeCache deletes cache rows older than cutoff.
func (s *Store) PruneProbeCache(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM probe_cache WHERE created_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune probe cache: %w", err)
	}
	return res.RowsAffected()
}
