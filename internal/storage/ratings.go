package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/spigell/opportunity-radar/internal/radar"
)

// RateOpportunity records a 1..5 rating, replacing any earlier one, and mirrors
// it onto the opportunity row.
func (s *Store) RateOpportunity(ctx context.Context, id string, rating int, at time.Time) (err error) {
	if rating < 1 || rating > 5 {
		return fmt.Errorf("rating %d is outside 1..5", rating)
	}
	if at.IsZero() {
		at = s.now()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin rating tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query, args, err := sq.Update("opportunities").
		Set("user_rating", rating).
		Set("updated_at", formatTime(s.now())).
		Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update user rating %s: %w", id, err)
	}
	if n, rerr := res.RowsAffected(); rerr == nil && n == 0 {
		err = fmt.Errorf("opportunity %s: %w", id, ErrNotFound)
		return err
	}

	query, args, err = sq.Insert("opportunity_ratings").
		Columns("opportunity_id", "rating", "rated_at").
		Values(id, rating, formatTime(at)).
		Suffix("ON CONFLICT(opportunity_id) DO UPDATE SET rating = excluded.rating, rated_at = excluded.rated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	if _, err = tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("record rating %s: %w", id, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit rating: %w", err)
	}

	return nil
}

// RatedOpportunity is a rating joined with the opportunity it refers to.
type RatedOpportunity struct {
	OpportunityID   string
	Rating          int
	RatedAt         time.Time
	Title           string
	Organization    string
	Category        radar.Category
	Location        string
	StipendAmount   *float64
	StipendCurrency string
	TravelSupport   radar.TravelSupport
	Eligibility     string
	MatchedHigh     []string
	MatchedLow      []string
}

// RatedOpportunities joins the most recent ratings with their opportunities.
func (s *Store) RatedOpportunities(ctx context.Context, limit uint64) ([]RatedOpportunity, error) {
	q := sq.Select(
		"r.opportunity_id", "r.rating", "r.rated_at", "o.title", "o.organization", "o.category",
		"o.location", "o.stipend_amount", "o.stipend_currency", "o.travel_support", "o.eligibility",
		"o.matched_high", "o.matched_low",
	).
		From("opportunity_ratings r").
		Join("opportunities o ON o.id = r.opportunity_id").
		OrderBy("r.rated_at DESC", "r.opportunity_id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	rows, err := s.query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query rated opportunities: %w", err)
	}
	defer rows.Close()

	var out []RatedOpportunity
	for rows.Next() {
		var (
			item                          RatedOpportunity
			ratedAt                       sql.NullString
			organization, cat, location   sql.NullString
			currency, travel, eligibility sql.NullString
			matchedHigh, matchedLow       sql.NullString
			stipend                       sql.NullFloat64
		)
		if err := rows.Scan(
			&item.OpportunityID, &item.Rating, &ratedAt, &item.Title, &organization, &cat,
			&location, &stipend, &currency, &travel, &eligibility, &matchedHigh, &matchedLow,
		); err != nil {
			return nil, fmt.Errorf("scan rated opportunity: %w", err)
		}
		if t := parseTime(ratedAt); t != nil {
			item.RatedAt = *t
		}
		item.Organization = organization.String
		item.Category = radar.Category(cat.String)
		item.Location = location.String
		item.StipendAmount = floatPtr(stipend)
		item.StipendCurrency = currency.String
		item.TravelSupport = radar.TravelSupport(travel.String)
		item.Eligibility = eligibility.String
		item.MatchedHigh = decodeStrings(matchedHigh)
		item.MatchedLow = decodeStrings(matchedLow)
		out = append(out, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rated opportunities: %w", err)
	}

	return out, nil
}
