package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/mitchellh/go-homedir"
	"github.com/spigell/opportunity-radar/internal/radar"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS sources (
  id              TEXT PRIMARY KEY,
  name            TEXT NOT NULL UNIQUE,
  kind            TEXT NOT NULL CHECK (kind IN ('page','email','feed')),
  priority        INTEGER NOT NULL DEFAULT 0,
  tags            TEXT,
  config          TEXT,
  active          INTEGER NOT NULL DEFAULT 1 CHECK (active IN (0,1)),
  last_checked_at TEXT,
  last_error      TEXT,
  created_at      TEXT NOT NULL,
  updated_at      TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS seen_items (
  id          INTEGER PRIMARY KEY,
  fingerprint TEXT NOT NULL UNIQUE,
  source_id   TEXT REFERENCES sources(id) ON DELETE CASCADE,
  url         TEXT,
  seen_at     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS raw_emails (
  id          INTEGER PRIMARY KEY,
  source_id   TEXT REFERENCES sources(id) ON DELETE CASCADE,
  mailbox     TEXT NOT NULL,
  message_id  TEXT NOT NULL,
  subject     TEXT,
  sender      TEXT,
  received_at TEXT,
  recorded_at TEXT NOT NULL,
  UNIQUE(mailbox, message_id)
);
CREATE TABLE IF NOT EXISTS opportunities (
  id                  TEXT PRIMARY KEY,
  source_id           TEXT REFERENCES sources(id) ON DELETE CASCADE,
  title               TEXT NOT NULL,
  organization        TEXT,
  url                 TEXT,
  application_url     TEXT,
  category            TEXT,
  deadline            TEXT,
  stipend_amount      REAL,
  stipend_currency    TEXT,
  travel_support      TEXT,
  location            TEXT,
  remote              TEXT,
  eligibility         TEXT,
  summary             TEXT,
  highlights          TEXT,
  prize_details       TEXT,
  relevance           REAL CHECK (relevance IS NULL OR (relevance >= 0 AND relevance <= 1)),
  prestige            REAL CHECK (prestige IS NULL OR (prestige >= 0 AND prestige <= 1)),
  reasoning           TEXT,
  recommendation      TEXT,
  matched_high        TEXT,
  matched_low         TEXT,
  raw_content         TEXT,
  content_fingerprint TEXT NOT NULL,
  dedup_key           TEXT NOT NULL UNIQUE,
  notified_at         TEXT,
  user_rating         INTEGER CHECK (user_rating IS NULL OR (user_rating BETWEEN 1 AND 5)),
  created_at          TEXT NOT NULL,
  updated_at          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_opportunities_notified ON opportunities(notified_at);
CREATE INDEX IF NOT EXISTS idx_opportunities_deadline ON opportunities(deadline);
CREATE INDEX IF NOT EXISTS idx_opportunities_source ON opportunities(source_id);
CREATE TABLE IF NOT EXISTS opportunity_ratings (
  opportunity_id TEXT PRIMARY KEY REFERENCES opportunities(id) ON DELETE CASCADE,
  rating         INTEGER NOT NULL CHECK (rating BETWEEN 1 AND 5),
  rated_at       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS user_profile (
  id         INTEGER PRIMARY KEY CHECK (id = 1),
  data       TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
`

// Store is the sqlite-backed persistence for the whole radar.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (and creates, if needed) the database at path. "~" is expanded.
func Open(ctx context.Context, path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("storage path is empty: %w", radar.ErrConfiguration)
	}

	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expand storage path %q: %w", path, err)
	}

	if dir := filepath.Dir(expanded); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	dsn := "file:" + expanded + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}

	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) exec(ctx context.Context, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return s.db.ExecContext(ctx, query, args...)
}

func (s *Store) query(ctx context.Context, b sq.Sqlizer) (*sql.Rows, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return s.db.QueryContext(ctx, query, args...)
}

func (s *Store) queryRow(ctx context.Context, b sq.Sqlizer) (*sql.Row, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return s.db.QueryRowContext(ctx, query, args...), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return formatTime(*t)
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(timeLayout, ns.String)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, ns.String)
		if err != nil {
			return nil
		}
	}
	t = t.UTC()
	return &t
}

func nullString(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}

func encodeJSON(v any) (any, error) {
	switch val := v.(type) {
	case []string:
		if len(val) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(val) == 0 {
			return nil, nil
		}
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(out), nil
}

func decodeStrings(ns sql.NullString) []string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		return nil
	}
	return out
}
