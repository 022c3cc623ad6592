package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/spigell/opportunity-radar/internal/radar"
)

var opportunityColumns = []string{
	"id", "source_id", "title", "organization", "url", "application_url", "category",
	"deadline", "stipend_amount", "stipend_currency", "travel_support", "location", "remote",
	"eligibility", "summary", "highlights", "prize_details", "relevance", "prestige",
	"reasoning", "recommendation", "matched_high", "matched_low", "raw_content",
	"content_fingerprint", "dedup_key", "notified_at", "user_rating", "created_at", "updated_at",
}

// ListFilter narrows ListOpportunities. Zero values match everything.
type ListFilter struct {
	SourceID     string
	Category     radar.Category
	MinRelevance *float64
	Unnotified   bool
	Limit        uint64
}

// InsertOpportunity persists a new opportunity. A repeated dedup key returns
// radar.ErrPersistenceConflict. notified_at is never written here.
func (s *Store) InsertOpportunity(ctx context.Context, o *radar.Opportunity) error {
	if o.DedupKey == "" {
		return fmt.Errorf("opportunity %q has no dedup key", o.Title)
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}

	now := s.now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	highlights, err := encodeJSON(o.Highlights)
	if err != nil {
		return fmt.Errorf("encode highlights: %w", err)
	}
	matchedHigh, err := encodeJSON(o.MatchedHigh)
	if err != nil {
		return fmt.Errorf("encode matched signals: %w", err)
	}
	matchedLow, err := encodeJSON(o.MatchedLow)
	if err != nil {
		return fmt.Errorf("encode matched signals: %w", err)
	}

	_, err = s.exec(ctx, sq.Insert("opportunities").
		Columns(
			"id", "source_id", "title", "organization", "url", "application_url", "category",
			"deadline", "stipend_amount", "stipend_currency", "travel_support", "location", "remote",
			"eligibility", "summary", "highlights", "prize_details", "relevance", "prestige",
			"reasoning", "recommendation", "matched_high", "matched_low", "raw_content",
			"content_fingerprint", "dedup_key", "created_at", "updated_at",
		).
		Values(
			o.ID, nullString(o.SourceID), o.Title, nullString(o.Organization), nullString(o.URL),
			nullString(o.ApplicationURL), nullString(string(o.Category)),
			nullTime(o.Deadline), nullFloat(o.StipendAmount), nullString(o.StipendCurrency),
			nullString(string(o.TravelSupport)), nullString(o.Location), nullString(string(o.Remote)),
			nullString(o.Eligibility), nullString(o.Summary), highlights, nullString(o.PrizeDetails),
			nullFloat(o.Relevance), nullFloat(o.Prestige),
			nullString(o.Reasoning), nullString(o.Recommendation), matchedHigh, matchedLow, nullString(o.RawContent),
			o.ContentFingerprint.String(), o.DedupKey, formatTime(o.CreatedAt), formatTime(o.UpdatedAt),
		))
	if isUniqueViolation(err) {
		return fmt.Errorf("opportunity %q: %w", o.Title, radar.ErrPersistenceConflict)
	}
	if err != nil {
		return fmt.Errorf("insert opportunity %q: %w", o.Title, err)
	}

	return nil
}

// UpdateOpportunityScores rewrites the scorer output of an existing opportunity.
func (s *Store) UpdateOpportunityScores(ctx context.Context, id string, score *radar.Score) error {
	if score == nil {
		return nil
	}

	highlights, err := encodeJSON(score.Highlights)
	if err != nil {
		return fmt.Errorf("encode highlights: %w", err)
	}
	matchedHigh, err := encodeJSON(score.MatchedHigh)
	if err != nil {
		return fmt.Errorf("encode matched signals: %w", err)
	}
	matchedLow, err := encodeJSON(score.MatchedLow)
	if err != nil {
		return fmt.Errorf("encode matched signals: %w", err)
	}

	q := sq.Update("opportunities").
		Set("relevance", nullFloat(score.Relevance)).
		Set("prestige", nullFloat(score.Prestige)).
		Set("reasoning", nullString(score.Reasoning)).
		Set("recommendation", nullString(score.Recommendation)).
		Set("matched_high", matchedHigh).
		Set("matched_low", matchedLow).
		Set("updated_at", formatTime(s.now())).
		Where(sq.Eq{"id": id})

	if score.Summary != "" {
		q = q.Set("summary", score.Summary)
	}
	if highlights != nil {
		q = q.Set("highlights", highlights)
	}

	res, err := s.exec(ctx, q)
	if err != nil {
		return fmt.Errorf("update scores %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("opportunity %s: %w", id, ErrNotFound)
	}

	return nil
}

func (s *Store) GetOpportunity(ctx context.Context, id string) (*radar.Opportunity, error) {
	list, err := s.listOpportunities(ctx, sq.Select(opportunityColumns...).From("opportunities").Where(sq.Eq{"id": id}))
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("opportunity %s: %w", id, ErrNotFound)
	}
	return list[0], nil
}

// ListOpportunities returns opportunities newest first.
func (s *Store) ListOpportunities(ctx context.Context, filter ListFilter) ([]*radar.Opportunity, error) {
	q := sq.Select(opportunityColumns...).From("opportunities")

	if filter.SourceID != "" {
		q = q.Where(sq.Eq{"source_id": filter.SourceID})
	}
	if filter.Category != "" {
		q = q.Where(sq.Eq{"category": string(filter.Category)})
	}
	if filter.MinRelevance != nil {
		q = q.Where(sq.GtOrEq{"relevance": *filter.MinRelevance})
	}
	if filter.Unnotified {
		q = q.Where(sq.Eq{"notified_at": nil})
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	return s.listOpportunities(ctx, q.OrderBy("created_at DESC", "id ASC"))
}

// Unnotified returns opportunities not yet delivered, ordered by relevance
// (highest first, unscored last) and then by deadline (soonest first, none last).
func (s *Store) Unnotified(ctx context.Context, limit uint64) ([]*radar.Opportunity, error) {
	q := sq.Select(opportunityColumns...).From("opportunities").
		Where(sq.Eq{"notified_at": nil}).
		OrderBy(
			"relevance IS NULL", "relevance DESC",
			"deadline IS NULL", "deadline ASC",
			"created_at ASC", "id ASC",
		)
	if limit > 0 {
		q = q.Limit(limit)
	}

	return s.listOpportunities(ctx, q)
}

// Unscored returns opportunities persisted without any score, oldest first.
func (s *Store) Unscored(ctx context.Context, limit uint64) ([]*radar.Opportunity, error) {
	q := sq.Select(opportunityColumns...).From("opportunities").
		Where(sq.Eq{"relevance": nil, "prestige": nil}).
		OrderBy("created_at ASC", "id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	return s.listOpportunities(ctx, q)
}

// MarkNotified stamps notified_at on the given ids that are still unnotified.
func (s *Store) MarkNotified(ctx context.Context, ids []string, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	res, err := s.exec(ctx, sq.Update("opportunities").
		Set("notified_at", formatTime(at)).
		Set("updated_at", formatTime(s.now())).
		Where(sq.Eq{"id": ids, "notified_at": nil}))
	if err != nil {
		return 0, fmt.Errorf("mark notified: %w", err)
	}

	return res.RowsAffected()
}

// CountOpportunities returns the number of stored opportunities.
func (s *Store) CountOpportunities(ctx context.Context) (int, error) {
	row, err := s.queryRow(ctx, sq.Select("COUNT(*)").From("opportunities"))
	if err != nil {
		return 0, err
	}

	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count opportunities: %w", err)
	}
	return n, nil
}

func (s *Store) listOpportunities(ctx context.Context, q sq.SelectBuilder) ([]*radar.Opportunity, error) {
	rows, err := s.query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query opportunities: %w", err)
	}
	defer rows.Close()

	var out []*radar.Opportunity
	for rows.Next() {
		o, err := scanOpportunity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate opportunities: %w", err)
	}

	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOpportunity(row rowScanner) (*radar.Opportunity, error) {
	var (
		o                                              radar.Opportunity
		sourceID, organization, url, applicationURL    sql.NullString
		category, deadline, currency, travel, location sql.NullString
		remote, eligibility, summary, highlights       sql.NullString
		prize, reasoning, recommendation               sql.NullString
		matchedHigh, matchedLow, rawContent            sql.NullString
		fingerprint                                    string
		notifiedAt                                     sql.NullString
		createdAt, updatedAt                           sql.NullString
		stipend, relevance, prestige                   sql.NullFloat64
		rating                                         sql.NullInt64
	)

	err := row.Scan(
		&o.ID, &sourceID, &o.Title, &organization, &url, &applicationURL, &category,
		&deadline, &stipend, &currency, &travel, &location, &remote,
		&eligibility, &summary, &highlights, &prize, &relevance, &prestige,
		&reasoning, &recommendation, &matchedHigh, &matchedLow, &rawContent,
		&fingerprint, &o.DedupKey, &notifiedAt, &rating, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan opportunity: %w", err)
	}

	o.SourceID = sourceID.String
	o.Organization = organization.String
	o.URL = url.String
	o.ApplicationURL = applicationURL.String
	o.Category = radar.Category(category.String)
	o.Deadline = parseTime(deadline)
	o.StipendAmount = floatPtr(stipend)
	o.StipendCurrency = currency.String
	o.TravelSupport = radar.TravelSupport(travel.String)
	o.Location = location.String
	o.Remote = radar.Remote(remote.String)
	o.Eligibility = eligibility.String
	o.Summary = summary.String
	o.Highlights = decodeStrings(highlights)
	o.PrizeDetails = prize.String
	o.Relevance = floatPtr(relevance)
	o.Prestige = floatPtr(prestige)
	o.Reasoning = reasoning.String
	o.Recommendation = recommendation.String
	o.MatchedHigh = decodeStrings(matchedHigh)
	o.MatchedLow = decodeStrings(matchedLow)
	o.RawContent = rawContent.String
	o.ContentFingerprint = radar.Fingerprint(fingerprint)
	o.NotifiedAt = parseTime(notifiedAt)

	if rating.Valid {
		v := int(rating.Int64)
		o.UserRating = &v
	}
	if t := parseTime(createdAt); t != nil {
		o.CreatedAt = *t
	}
	if t := parseTime(updatedAt); t != nil {
		o.UpdatedAt = *t
	}

	return &o, nil
}
