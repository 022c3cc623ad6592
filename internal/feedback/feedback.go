package feedback

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spigell/opportunity-radar/internal/radar"
	"github.com/spigell/opportunity-radar/internal/storage"
	"go.uber.org/zap"
)

const (
	MinRating = 1
	MaxRating = 5

	// DefaultExampleLimit is how many ratings are considered for the scorer prompt.
	DefaultExampleLimit = 10
	// DefaultTokenBudget caps the estimated size of all examples together.
	DefaultTokenBudget = 2000

	charsPerToken     = 4
	maxSignals        = 3
	maxEligibilityLen = 100
)

// ErrInvalidRating is returned for ratings outside MinRating..MaxRating.
var ErrInvalidRating = errors.New("rating must be between 1 and 5")

// Store is the rating persistence.
type Store interface {
	RateOpportunity(ctx context.Context, id string, rating int, at time.Time) error
	RatedOpportunities(ctx context.Context, limit uint64) ([]storage.RatedOpportunity, error)
}

// Service writes user ratings and turns the rating history into scorer examples.
// Examples are the most recent ratings first; nothing is weighted.
type Service struct {
	store       Store
	tokenBudget int
	logger      *zap.Logger
	now         func() time.Time
}

func New(store Store, tokenBudget int, logger *zap.Logger) *Service {
	if tokenBudget <= 0 {
		tokenBudget = DefaultTokenBudget
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, tokenBudget: tokenBudget, logger: logger, now: time.Now}
}

// Rate stores a rating for the opportunity, replacing an earlier one.
func (s *Service) Rate(ctx context.Context, id string, rating int) error {
	if rating < MinRating || rating > MaxRating {
		return fmt.Errorf("%w: got %d", ErrInvalidRating, rating)
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("opportunity id is required")
	}

	if err := s.store.RateOpportunity(ctx, id, rating, s.now().UTC()); err != nil {
		return fmt.Errorf("rate opportunity %s: %w", id, err)
	}

	s.logger.Info("opportunity rated", zap.String("id", id), zap.Int("rating", rating))
	return nil
}

// Examples returns up to limit past ratings as prompt examples, stopping once
// the token budget is spent.
func (s *Service) Examples(ctx context.Context, limit int) ([]radar.Example, error) {
	if limit <= 0 {
		limit = DefaultExampleLimit
	}

	rated, err := s.store.RatedOpportunities(ctx, uint64(limit))
	if err != nil {
		return nil, fmt.Errorf("load rating history: %w", err)
	}

	examples := make([]radar.Example, 0, len(rated))
	tokens := 0

	for _, r := range rated {
		text := ExampleText(r)
		cost := EstimateTokens(text)
		if tokens+cost > s.tokenBudget {
			s.logger.Debug("example budget spent",
				zap.Int("tokens", tokens),
				zap.Int("budget", s.tokenBudget),
				zap.Int("skipped", len(rated)-len(examples)),
			)
			break
		}
		tokens += cost

		examples = append(examples, radar.Example{
			OpportunityID: r.OpportunityID,
			Text:          text,
			Rating:        r.Rating,
		})
	}

	return examples, nil
}

// EstimateTokens is a rough size estimate of four characters per token.
func EstimateTokens(text string) int {
	return len(text) / charsPerToken
}

// ExampleText renders a rated opportunity on a single line.
func ExampleText(r storage.RatedOpportunity) string {
	parts := []string{
		"Title: " + orUnknown(r.Title),
		"Organization: " + orUnknown(r.Organization),
		"Type: " + orUnknown(string(r.Category)),
	}

	if r.Location != "" {
		parts = append(parts, "Location: "+r.Location)
	}
	if r.StipendAmount != nil && *r.StipendAmount > 0 {
		currency := r.StipendCurrency
		if currency == "" {
			currency = "USD"
		}
		parts = append(parts, "Stipend: "+currency+" "+strconv.FormatFloat(*r.StipendAmount, 'f', -1, 64))
	}
	if r.TravelSupport != "" && r.TravelSupport != radar.TravelUnknown {
		parts = append(parts, "Travel: "+string(r.TravelSupport))
	}
	if r.Eligibility != "" {
		parts = append(parts, "Eligibility: "+truncate(r.Eligibility, maxEligibilityLen))
	}
	if len(r.MatchedHigh) > 0 {
		parts = append(parts, "High signals: "+strings.Join(first(r.MatchedHigh, maxSignals), ", "))
	}
	if len(r.MatchedLow) > 0 {
		parts = append(parts, "Low signals: "+strings.Join(first(r.MatchedLow, maxSignals), ", "))
	}

	parts = append(parts, fmt.Sprintf("User rating: %d/%d", r.Rating, MaxRating))

	return strings.Join(parts, " | ")
}

func orUnknown(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return "Unknown"
	}
	return s
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

func first(values []string, n int) []string {
	if len(values) > n {
		return values[:n]
	}
	return values
}
