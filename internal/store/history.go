package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// HistoryAction labels what produced a subtitle.
type HistoryAction string

const (
	HistoryDownloaded  HistoryAction = "downloaded"
	HistoryTranslated  HistoryAction = "translated"
	HistoryTranscribed HistoryAction = "transcribed"
	HistoryUpgraded    HistoryAction = "upgraded"
	HistoryExtracted   HistoryAction = "extracted"
)

// HistoryRecord is one completed acquisition for a target.
type HistoryRecord struct {
	ID           int64         `json:"id"`
	VideoPath    string        `json:"video_path"`
	Language     string        `json:"language"`
	Forced       bool          `json:"forced"`
	Action       HistoryAction `json:"action"`
	Provider     string        `json:"provider,omitempty"`
	Backend      string        `json:"backend,omitempty"`
	Score        int           `json:"score"`
	SubtitlePath string        `json:"subtitle_path,omitempty"`
	// SubtitleID names the provider artifact (provider-qualified result id)
	// and ContentHash fingerprints the written bytes. Together they let the
	// pipeline recognize a re-offer of an artifact it already has.
	SubtitleID  string    `json:"subtitle_id,omitempty"`
	ContentHash string    `json:"content_hash,omitempty"`
	DetailsJSON string    `json:"details_json,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

const historyColumns = "id, video_path, language, forced, action, provider, backend, score, subtitle_path, subtitle_id, content_hash, details_json, created_at"

// AddHistory appends a record.
func (s *Store) AddHistory(ctx context.Context, record *HistoryRecord) (*HistoryRecord, error) {
	if record == nil {
		return nil, errors.New("history record is nil")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO history (video_path, language, forced, action, provider, backend, score, subtitle_path, subtitle_id, content_hash, details_json, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.VideoPath,
		record.Language,
		boolToInt(record.Forced),
		record.Action,
		nullableString(record.Provider),
		nullableString(record.Backend),
		record.Score,
		nullableString(record.SubtitlePath),
		nullableString(record.SubtitleID),
		nullableString(record.ContentHash),
		nullableString(record.DetailsJSON),
		formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert history: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	inserted := *record
	inserted.ID = id
	inserted.CreatedAt = now
	return &inserted, nil
}

// ListHistory returns records newest first, optionally filtered by path.
func (s *Store) ListHistory(ctx context.Context, videoPath string, limit, offset int) ([]*HistoryRecord, error) {
	query := `SELECT ` + historyColumns + ` FROM history`
	var args []any
	if videoPath != "" {
		query += ` WHERE video_path = ?`
		args = append(args, videoPath)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var records []*HistoryRecord
	for rows.Next() {
		record, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// LatestHistory returns the most recent record for a target, or nil.
func (s *Store) LatestHistory(ctx context.Context, videoPath, lang string, forced bool) (*HistoryRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+historyColumns+` FROM history
         WHERE video_path = ? AND language = ? AND forced = ?
         ORDER BY id DESC LIMIT 1`,
		videoPath, lang, boolToInt(forced))
	record, err := scanHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest history: %w", err)
	}
	return record, nil
}

// BestScoreSince returns the highest recorded score for a target within the
// window, and whether any record exists in that window. The upgrade gate
// doubles its threshold when one does.
func (s *Store) BestScoreSince(ctx context.Context, videoPath, lang string, forced bool, since time.Time) (int, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT MAX(score), COUNT(1) FROM history
         WHERE video_path = ? AND language = ? AND forced = ? AND created_at >= ?`,
		videoPath, lang, boolToInt(forced), formatTime(since))
	var best sql.NullInt64
	var count int
	if err := row.Scan(&best, &count); err != nil {
		return 0, false, fmt.Errorf("best score since: %w", err)
	}
	return int(best.Int64), count > 0, nil
}

// PruneHistory deletes records older than cutoff.
func (s *Store) PruneHistory(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM history WHERE created_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return res.RowsAffected()
}

func scanHistory(scanner interface{ Scan(dest ...any) error }) (*HistoryRecord, error) {
	var (
		id           int64
		videoPath    string
		lang         string
		forced       sql.NullInt64
		action       string
		provider     sql.NullString
		backend      sql.NullString
		score        sql.NullInt64
		subtitlePath sql.NullString
		subtitleID   sql.NullString
		contentHash  sql.NullString
		details      sql.NullString
		createdRaw   sql.NullString
	)

	if err := scanner.Scan(
		&id, &videoPath, &lang, &forced, &action, &provider, &backend,
		&score, &subtitlePath, &subtitleID, &contentHash, &details, &createdRaw,
	); err != nil {
		return nil, err
	}

	record := &HistoryRecord{
		ID:           id,
		VideoPath:    videoPath,
		Language:     lang,
		Forced:       forced.Int64 != 0,
		Action:       HistoryAction(action),
		Provider:     provider.String,
		Backend:      backend.String,
		Score:        int(score.Int64),
		SubtitlePath: subtitlePath.String,
		SubtitleID:   subtitleID.String,
		ContentHash:  contentHash.String,
		DetailsJSON:  details.String,
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		record.CreatedAt = created
	}
	return record, nil
}
