package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// WantedStatus tracks where a wanted item sits in its retry lifecycle.
type WantedStatus string

const (
	WantedPending   WantedStatus = "pending"
	WantedUpgrade   WantedStatus = "upgrade_candidate"
	WantedSearching WantedStatus = "searching"
	WantedSatisfied WantedStatus = "satisfied"
	WantedFailed    WantedStatus = "failed"
	WantedIgnored   WantedStatus = "ignored"
)

// WantedItem is one missing subtitle target the reconciler tracks.
type WantedItem struct {
	ID            int64        `json:"id"`
	VideoPath     string       `json:"video_path"`
	SeriesTitle   string       `json:"series_title,omitempty"`
	Season        int          `json:"season"`
	Episode       int          `json:"episode"`
	Language      string       `json:"language"`
	Forced        bool         `json:"forced"`
	Status        WantedStatus `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt *time.Time   `json:"next_attempt_at,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

const wantedColumns = "id, video_path, series_title, season, episode, language, forced, status, attempts, next_attempt_at, last_error, created_at, updated_at"

// UpsertWanted inserts a wanted item or revives an existing row for the same
// (path, language, forced) target. Satisfied and ignored rows keep their
// status; the reconciler flips them explicitly.
func (s *Store) UpsertWanted(ctx context.Context, item *WantedItem) (*WantedItem, error) {
	if item == nil {
		return nil, errors.New("wanted item is nil")
	}
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO wanted_items (video_path, series_title, season, episode, language, forced, status, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(video_path, language, forced) DO UPDATE SET
             series_title = excluded.series_title,
             season = excluded.season,
             episode = excluded.episode,
             updated_at = excluded.updated_at`,
		item.VideoPath,
		nullableString(item.SeriesTitle),
		item.Season,
		item.Episode,
		item.Language,
		boolToInt(item.Forced),
		WantedPending,
		now,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert wanted: %w", err)
	}
	return s.GetWanted(ctx, item.VideoPath, item.Language, item.Forced)
}

// GetWanted fetches the wanted item for a (path, language, forced) target.
func (s *Store) GetWanted(ctx context.Context, videoPath, lang string, forced bool) (*WantedItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+wantedColumns+` FROM wanted_items WHERE video_path = ? AND language = ? AND forced = ?`,
		videoPath, lang, boolToInt(forced))
	item, err := scanWanted(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get wanted: %w", err)
	}
	return item, nil
}

// GetWantedByID fetches a wanted item by identifier.
func (s *Store) GetWantedByID(ctx context.Context, id int64) (*WantedItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+wantedColumns+` FROM wanted_items WHERE id = ?`, id)
	item, err := scanWanted(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get wanted by id: %w", err)
	}
	return item, nil
}

// ListWanted returns wanted items filtered by status, oldest first.
func (s *Store) ListWanted(ctx context.Context, limit, offset int, statuses ...WantedStatus) ([]*WantedItem, error) {
	query := `SELECT ` + wantedColumns + ` FROM wanted_items`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(statuses)) + `)`
		for _, status := range statuses {
			args = append(args, status)
		}
	}
	query += ` ORDER BY id`
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list wanted: %w", err)
	}
	defer rows.Close()

	var items []*WantedItem
	for rows.Next() {
		item, err := scanWanted(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// DueWanted returns pending items whose next attempt time has passed (or was
// never set), capped at limit.
func (s *Store) DueWanted(ctx context.Context, now time.Time, limit int) ([]*WantedItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+wantedColumns+` FROM wanted_items
         WHERE status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
         ORDER BY id LIMIT ?`,
		WantedPending, formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("due wanted: %w", err)
	}
	defer rows.Close()

	var items []*WantedItem
	for rows.Next() {
		item, err := scanWanted(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// MarkWantedSearching flips an item to searching before a provider sweep.
func (s *Store) MarkWantedSearching(ctx context.Context, id int64) error {
	return s.setWantedStatus(ctx, id, WantedSearching, nil, "")
}

// MarkWantedPending returns an item to the search queue immediately.
func (s *Store) MarkWantedPending(ctx context.Context, id int64) error {
	return s.setWantedStatus(ctx, id, WantedPending, nil, "")
}

// MarkWantedUpgradeCandidate records that a basic subtitle exists but a
// styled track is still worth looking for.
func (s *Store) MarkWantedUpgradeCandidate(ctx context.Context, id int64) error {
	return s.setWantedStatus(ctx, id, WantedUpgrade, nil, "")
}

// MarkWantedSatisfied records a successful acquisition.
func (s *Store) MarkWantedSatisfied(ctx context.Context, id int64) error {
	return s.setWantedStatus(ctx, id, WantedSatisfied, nil, "")
}

// MarkWantedIgnored excludes an item from future sweeps.
func (s *Store) MarkWantedIgnored(ctx context.Context, id int64) error {
	return s.setWantedStatus(ctx, id, WantedIgnored, nil, "")
}

// RecordWantedFailure bumps the attempt counter and schedules the next try,
// or parks the item in failed once attempts are exhausted.
func (s *Store) RecordWantedFailure(ctx context.Context, id int64, nextAttempt *time.Time, lastError string, exhausted bool) error {
	status := WantedPending
	if exhausted {
		status = WantedFailed
		nextAttempt = nil
	}
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`UPDATE wanted_items SET status = ?, attempts = attempts + 1, next_attempt_at = ?,
             last_error = ?, updated_at = ?
         WHERE id = ?`,
		status, nullableTime(nextAttempt), nullableString(lastError), now, id)
	if err != nil {
		return fmt.Errorf("record wanted failure: %w", err)
	}
	return nil
}

// ResetWanted moves a failed or ignored item back to pending with a clean
// attempt counter.
func (s *Store) ResetWanted(ctx context.Context, id int64) error {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`UPDATE wanted_items SET status = ?, attempts = 0, next_attempt_at = NULL,
             last_error = NULL, updated_at = ?
         WHERE id = ?`,
		WantedPending, now, id)
	if err != nil {
		return fmt.Errorf("reset wanted: %w", err)
	}
	return nil
}

// DeleteWantedForPath removes every wanted row for a video file. Used when
// the file disappears from the library.
func (s *Store) DeleteWantedForPath(ctx context.Context, videoPath string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM wanted_items WHERE video_path = ?`, videoPath)
	if err != nil {
		return 0, fmt.Errorf("delete wanted for path: %w", err)
	}
	return res.RowsAffected()
}

// WantedPaths returns the distinct video paths currently tracked. The
// reconciler diffs this against the library listing.
func (s *Store) WantedPaths(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT video_path FROM wanted_items`)
	if err != nil {
		return nil, fmt.Errorf("wanted paths: %w", err)
	}
	defer rows.Close()

	paths := make(map[string]struct{})
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, err
		}
		paths[path] = struct{}{}
	}
	return paths, rows.Err()
}

// WantedStats counts wanted items grouped by status.
func (s *Store) WantedStats(ctx context.Context) (map[WantedStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM wanted_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("wanted stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[WantedStatus]int)
	for rows.Next() {
		var status WantedStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

func (s *Store) setWantedStatus(ctx context.Context, id int64, status WantedStatus, nextAttempt *time.Time, lastError string) error {
	now := formatTime(time.Now())
	_, err := s.db.ExecContext(ctx,
		`UPDATE wanted_items SET status = ?, next_attempt_at = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		status, nullableTime(nextAttempt), nullableString(lastError), now, id)
	if err != nil {
		return fmt.Errorf("set wanted status: %w", err)
	}
	return nil
}

func scanWanted(scanner interface{ Scan(dest ...any) error }) (*WantedItem, error) {
	var (
		id            int64
		videoPath     string
		seriesTitle   sql.NullString
		season        sql.NullInt64
		episode       sql.NullInt64
		lang          string
		forced        sql.NullInt64
		status        string
		attempts      sql.NullInt64
		nextAttemptAt sql.NullString
		lastError     sql.NullString
		createdRaw    sql.NullString
		updatedRaw    sql.NullString
	)

	if err := scanner.Scan(
		&id, &videoPath, &seriesTitle, &season, &episode, &lang, &forced,
		&status, &attempts, &nextAttemptAt, &lastError, &createdRaw, &updatedRaw,
	); err != nil {
		return nil, err
	}

	item := &WantedItem{
		ID:          id,
		VideoPath:   videoPath,
		SeriesTitle: seriesTitle.String,
		Season:      int(season.Int64),
		Episode:     int(episode.Int64),
		Language:    lang,
		Forced:      forced.Int64 != 0,
		Status:      WantedStatus(status),
		Attempts:    int(attempts.Int64),
		LastError:   lastError.String,
	}
	if nextAttemptAt.Valid {
		if next, err := parseTimeString(nextAttemptAt.String); err == nil {
			item.NextAttemptAt = &next
		}
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		item.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		item.UpdatedAt = updated
	}
	return item, nil
}
