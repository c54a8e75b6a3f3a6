package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Series glossaries pin translations for recurring terms (character names,
// in-universe vocabulary). Keys are normalized so the scanner's series key
// and a title typed into the API land on the same row.

func normalizeSeriesKey(key string) string {
	return strings.ToLower(strings.Join(strings.Fields(key), " "))
}

// SetSeriesGlossary replaces the glossary for a series. An empty term map
// removes the row.
func (s *Store) SetSeriesGlossary(ctx context.Context, seriesKey string, terms map[string]string) error {
	key := normalizeSeriesKey(seriesKey)
	if key == "" {
		return errors.New("series key is empty")
	}
	if len(terms) == 0 {
		return s.DeleteSeriesGlossary(ctx, seriesKey)
	}
	termsJSON, err := json.Marshal(terms)
	if err != nil {
		return fmt.Errorf("marshal glossary terms: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO series_glossaries (series_key, terms_json, updated_at) VALUES (?, ?, ?)
         ON CONFLICT(series_key) DO UPDATE SET
             terms_json = excluded.terms_json,
             updated_at = excluded.updated_at`,
		key, string(termsJSON), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save series glossary: %w", err)
	}
	return nil
}

// GetSeriesGlossary returns the glossary for a series, or nil when none is
// stored.
func (s *Store) GetSeriesGlossary(ctx context.Context, seriesKey string) (map[string]string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT terms_json FROM series_glossaries WHERE series_key = ?`,
		normalizeSeriesKey(seriesKey))
	var termsJSON string
	if err := row.Scan(&termsJSON); errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("get series glossary: %w", err)
	}
	var terms map[string]string
	if err := json.Unmarshal([]byte(termsJSON), &terms); err != nil {
		return nil, fmt.Errorf("decode glossary terms: %w", err)
	}
	return terms, nil
}

// DeleteSeriesGlossary removes a series glossary.
func (s *Store) DeleteSeriesGlossary(ctx context.Context, seriesKey string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM series_glossaries WHERE series_key = ?`,
		normalizeSeriesKey(seriesKey)); err != nil {
		return fmt.Errorf("delete series glossary: %w", err)
	}
	return nil
}

// ListSeriesGlossaries returns every stored glossary keyed by series.
func (s *Store) ListSeriesGlossaries(ctx context.Context) (map[string]map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT series_key, terms_json FROM series_glossaries ORDER BY series_key`)
	if err != nil {
		return nil, fmt.Errorf("list series glossaries: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]string)
	for rows.Next() {
		var key, termsJSON string
		if err := rows.Scan(&key, &termsJSON); err != nil {
			return nil, fmt.Errorf("scan series glossary: %w", err)
		}
		var terms map[string]string
		if err := json.Unmarshal([]byte(termsJSON), &terms); err != nil {
			return nil, fmt.Errorf("decode glossary terms: %w", err)
		}
		out[key] = terms
	}
	return out, rows.Err()
}
