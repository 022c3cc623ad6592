package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/spigell/opportunity-radar/internal/radar"
)

var sourceColumns = []string{
	"id", "name", "kind", "priority", "tags", "config", "active", "last_checked_at", "last_error",
}

// UpsertSource inserts or updates a source keyed by name and returns its id.
// Health fields are left untouched.
func (s *Store) UpsertSource(ctx context.Context, src *radar.Source) (string, error) {
	if err := src.Validate(); err != nil {
		return "", err
	}

	id := src.ID
	if id == "" {
		id = uuid.NewString()
	}

	tags, err := encodeJSON(src.Tags)
	if err != nil {
		return "", fmt.Errorf("encode tags: %w", err)
	}
	cfg, err := encodeJSON(src.Config)
	if err != nil {
		return "", fmt.Errorf("encode config for %s: %w", src.Name, err)
	}

	now := formatTime(s.now())

	_, err = s.exec(ctx, sq.Insert("sources").
		Columns("id", "name", "kind", "priority", "tags", "config", "active", "created_at", "updated_at").
		Values(id, src.Name, string(src.Kind), src.Priority, tags, cfg, boolToInt(src.Active), now, now).
		Suffix(`ON CONFLICT(name) DO UPDATE SET
  kind = excluded.kind,
  priority = excluded.priority,
  tags = excluded.tags,
  config = excluded.config,
  active = excluded.active,
  updated_at = excluded.updated_at`))
	if err != nil {
		return "", fmt.Errorf("upsert source %s: %w", src.Name, err)
	}

	row, err := s.queryRow(ctx, sq.Select("id").From("sources").Where(sq.Eq{"name": src.Name}))
	if err != nil {
		return "", err
	}
	if err := row.Scan(&id); err != nil {
		return "", fmt.Errorf("read source id %s: %w", src.Name, err)
	}

	src.ID = id
	return id, nil
}

// ActiveSources lists active sources, highest priority first. An empty kind
// matches every kind.
func (s *Store) ActiveSources(ctx context.Context, kind radar.Kind) ([]*radar.Source, error) {
	q := sq.Select(sourceColumns...).From("sources").Where(sq.Eq{"active": 1})
	if kind != "" {
		q = q.Where(sq.Eq{"kind": string(kind)})
	}
	return s.listSources(ctx, q.OrderBy("priority DESC", "name ASC"))
}

// Sources lists every source regardless of state.
func (s *Store) Sources(ctx context.Context) ([]*radar.Source, error) {
	return s.listSources(ctx, sq.Select(sourceColumns...).From("sources").OrderBy("priority DESC", "name ASC"))
}

func (s *Store) Source(ctx context.Context, id string) (*radar.Source, error) {
	sources, err := s.listSources(ctx, sq.Select(sourceColumns...).From("sources").Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("source %s: %w", id, ErrNotFound)
	}
	return sources[0], nil
}

// UpdateSourceHealth stamps the last check. An empty lastErr clears the error.
func (s *Store) UpdateSourceHealth(ctx context.Context, id string, checkedAt time.Time, lastErr string) error {
	res, err := s.exec(ctx, sq.Update("sources").
		Set("last_checked_at", formatTime(checkedAt)).
		Set("last_error", nullString(lastErr)).
		Set("updated_at", formatTime(s.now())).
		Where(sq.Eq{"id": id}))
	if err != nil {
		return fmt.Errorf("update source health %s: %w", id, err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("source %s: %w", id, ErrNotFound)
	}

	return nil
}

// DeactivateMissing marks every source whose name is not in keep as inactive.
func (s *Store) DeactivateMissing(ctx context.Context, keep []string) (int64, error) {
	q := sq.Update("sources").Set("active", 0).Set("updated_at", formatTime(s.now())).Where(sq.Eq{"active": 1})
	if len(keep) > 0 {
		q = q.Where(sq.NotEq{"name": keep})
	}

	res, err := s.exec(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("deactivate sources: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) listSources(ctx context.Context, q sq.SelectBuilder) ([]*radar.Source, error) {
	rows, err := s.query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer rows.Close()

	var out []*radar.Source
	for rows.Next() {
		var (
			src       radar.Source
			kind      string
			tags, cfg sql.NullString
			active    int
			checkedAt sql.NullString
			lastErr   sql.NullString
		)
		if err := rows.Scan(&src.ID, &src.Name, &kind, &src.Priority, &tags, &cfg, &active, &checkedAt, &lastErr); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}

		src.Kind = radar.Kind(kind)
		src.Tags = decodeStrings(tags)
		src.Active = active == 1
		src.LastCheckedAt = parseTime(checkedAt)
		src.LastError = lastErr.String

		if cfg.Valid && cfg.String != "" {
			if err := json.Unmarshal([]byte(cfg.String), &src.Config); err != nil {
				return nil, fmt.Errorf("decode config for %s: %w", src.Name, err)
			}
		}

		out = append(out, &src)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}

	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
