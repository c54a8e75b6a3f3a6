package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// LanguageTarget is one language a profile wants, with its forced dimension.
type LanguageTarget struct {
	Language string `json:"language"`
	Forced   bool   `json:"forced"`
}

// LanguageProfile groups the subtitle targets applied to a series.
type LanguageProfile struct {
	ID        int64            `json:"id"`
	Name      string           `json:"name"`
	Languages []LanguageTarget `json:"languages"`
	IsDefault bool             `json:"is_default"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// SaveLanguageProfile inserts or updates a profile by name. Marking a profile
// default clears the flag on every other profile.
func (s *Store) SaveLanguageProfile(ctx context.Context, profile *LanguageProfile) (*LanguageProfile, error) {
	if profile == nil {
		return nil, errors.New("profile is nil")
	}
	languagesJSON, err := json.Marshal(profile.Languages)
	if err != nil {
		return nil, fmt.Errorf("marshal profile languages: %w", err)
	}
	now := formatTime(time.Now())

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		if profile.IsDefault {
			if _, err := tx.ExecContext(ctx, `UPDATE language_profiles SET is_default = 0`); err != nil {
				return fmt.Errorf("clear default profiles: %w", err)
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO language_profiles (name, languages_json, is_default, created_at, updated_at)
             VALUES (?, ?, ?, ?, ?)
             ON CONFLICT(name) DO UPDATE SET
                 languages_json = excluded.languages_json,
                 is_default = excluded.is_default,
                 updated_at = excluded.updated_at`,
			profile.Name, string(languagesJSON), boolToInt(profile.IsDefault), now, now)
		if err != nil {
			return fmt.Errorf("save profile: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetLanguageProfileByName(ctx, profile.Name)
}

// GetLanguageProfileByName fetches a profile by its unique name, or nil.
func (s *Store) GetLanguageProfileByName(ctx context.Context, name string) (*LanguageProfile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, languages_json, is_default, created_at, updated_at
         FROM language_profiles WHERE name = ?`, name)
	profile, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile by name: %w", err)
	}
	return profile, nil
}

// GetLanguageProfile fetches a profile by identifier, or nil.
func (s *Store) GetLanguageProfile(ctx context.Context, id int64) (*LanguageProfile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, languages_json, is_default, created_at, updated_at
         FROM language_profiles WHERE id = ?`, id)
	profile, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return profile, nil
}

// ListLanguageProfiles returns all profiles ordered by name.
func (s *Store) ListLanguageProfiles(ctx context.Context) ([]*LanguageProfile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, languages_json, is_default, created_at, updated_at
         FROM language_profiles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*LanguageProfile
	for rows.Next() {
		profile, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, profile)
	}
	return profiles, rows.Err()
}

// DeleteLanguageProfile removes a profile and its series assignments.
func (s *Store) DeleteLanguageProfile(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM language_profiles WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete profile: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// AssignSeriesProfile maps a series key (its directory path) to a profile.
func (s *Store) AssignSeriesProfile(ctx context.Context, seriesKey string, profileID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO series_profiles (series_key, profile_id, updated_at) VALUES (?, ?, ?)
         ON CONFLICT(series_key) DO UPDATE SET
             profile_id = excluded.profile_id,
             updated_at = excluded.updated_at`,
		seriesKey, profileID, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("assign series profile: %w", err)
	}
	return nil
}

// UnassignSeriesProfile removes a series mapping, reverting it to the default
// profile.
func (s *Store) UnassignSeriesProfile(ctx context.Context, seriesKey string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM series_profiles WHERE series_key = ?`, seriesKey); err != nil {
		return fmt.Errorf("unassign series profile: %w", err)
	}
	return nil
}

// ProfileForSeries resolves the effective profile for a series: its explicit
// assignment when present, otherwise the default profile, otherwise nil.
func (s *Store) ProfileForSeries(ctx context.Context, seriesKey string) (*LanguageProfile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT p.id, p.name, p.languages_json, p.is_default, p.created_at, p.updated_at
         FROM series_profiles sp JOIN language_profiles p ON p.id = sp.profile_id
         WHERE sp.series_key = ?`, seriesKey)
	profile, err := scanProfile(row)
	if err == nil {
		return profile, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile for series: %w", err)
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT id, name, languages_json, is_default, created_at, updated_at
         FROM language_profiles WHERE is_default = 1 LIMIT 1`)
	profile, err = scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("default profile: %w", err)
	}
	return profile, nil
}

func scanProfile(scanner interface{ Scan(dest ...any) error }) (*LanguageProfile, error) {
	var (
		id            int64
		name          string
		languagesJSON string
		isDefault     sql.NullInt64
		createdRaw    sql.NullString
		updatedRaw    sql.NullString
	)
	if err := scanner.Scan(&id, &name, &languagesJSON, &isDefault, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	profile := &LanguageProfile{
		ID:        id,
		Name:      name,
		IsDefault: isDefault.Int64 != 0,
	}
	if err := json.Unmarshal([]byte(languagesJSON), &profile.Languages); err != nil {
		return nil, fmt.Errorf("decode profile languages: %w", err)
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		profile.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		profile.UpdatedAt = updated
	}
	return profile, nil
}
