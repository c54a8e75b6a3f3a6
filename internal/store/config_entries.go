package store

import (
	"fmt"
	"strings"
	"time"
)

// AllConfigEntries returns the runtime override layer as a flat map.
// Satisfies config.OverrideSource.
func (s *Store) AllConfigEntries() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM config_entries`)
	if err != nil {
		return nil, fmt.Errorf("load config entries: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		entries[key] = value
	}
	return entries, rows.Err()
}

// SetConfigEntry stores one override. An empty value deletes the key, so
// PUT /config with "" reverts to the file value.
func (s *Store) SetConfigEntry(key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("config entry key is empty")
	}
	if value == "" {
		if _, err := s.db.Exec(`DELETE FROM config_entries WHERE key = ?`, key); err != nil {
			return fmt.Errorf("delete config entry: %w", err)
		}
		return nil
	}
	_, err := s.db.Exec(
		`INSERT INTO config_entries (key, value, updated_at) VALUES (?, ?, ?)
         ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("set config entry: %w", err)
	}
	return nil
}
