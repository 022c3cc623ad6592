package storage

import (
	"context"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/spigell/opportunity-radar/internal/radar"
)

// Profile returns the stored user profile, or nil when none was saved.
func (s *Store) Profile(ctx context.Context) (*radar.Profile, error) {
	row, err := s.queryRow(ctx, sq.Select("data").From("user_profile").Where(sq.Eq{"id": 1}))
	if err != nil {
		return nil, err
	}

	var data string
	if err := row.Scan(&data); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query profile: %w", err)
	}

	var profile radar.Profile
	if err := json.Unmarshal([]byte(data), &profile); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}

	return &profile, nil
}

func (s *Store) SaveProfile(ctx context.Context, profile *radar.Profile) error {
	if profile == nil {
		return fmt.Errorf("profile is nil: %w", radar.ErrConfiguration)
	}

	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}

	_, err = s.exec(ctx, sq.Insert("user_profile").
		Columns("id", "data", "updated_at").
		Values(1, string(data), formatTime(s.now())).
		Suffix("ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at"))
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}

	return nil
}
