package digest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spigell/opportunity-radar/internal/radar"
	"go.uber.org/zap"
)

const DefaultLimit = 10

// Urgency flags how close the deadline is.
type Urgency string

const (
	UrgencyNone     Urgency = ""
	UrgencyExpired  Urgency = "expired"
	UrgencyUrgent   Urgency = "urgent"
	UrgencyThisWeek Urgency = "this week"
)

// Group buckets digest entries by time left.
type Group string

const (
	GroupUrgent    Group = "urgent"
	GroupThisMonth Group = "this month"
	GroupComingUp  Group = "coming up"
)

// Entry is one ranked opportunity of a digest.
type Entry struct {
	*radar.Opportunity
	Urgency Urgency
	Group   Group
	// DaysLeft is nil without a deadline.
	DaysLeft *int
}

// Store is the digest view of the persistence layer.
type Store interface {
	Unnotified(ctx context.Context, limit uint64) ([]*radar.Opportunity, error)
	MarkNotified(ctx context.Context, ids []string, at time.Time) (int64, error)
}

// Service reads undelivered opportunities and marks them delivered.
type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func New(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, logger: logger, now: time.Now}
}

// Pending returns up to limit undelivered opportunities, ranked.
func (s *Service) Pending(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	opps, err := s.store.Unnotified(ctx, uint64(limit))
	if err != nil {
		return nil, fmt.Errorf("load undelivered opportunities: %w", err)
	}

	now := s.now()
	ranked := Rank(opps)
	entries := make([]Entry, 0, len(ranked))
	for _, opp := range ranked {
		entries = append(entries, NewEntry(opp, now))
	}

	s.logger.Debug("digest prepared", zap.Int("entries", len(entries)))
	return entries, nil
}

// MarkDelivered sets notified_at on the given opportunities. Ones already
// delivered keep their original timestamp.
func (s *Service) MarkDelivered(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	n, err := s.store.MarkNotified(ctx, ids, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("mark delivered: %w", err)
	}

	s.logger.Info("opportunities marked delivered", zap.Int64("count", n), zap.Int("requested", len(ids)))
	return n, nil
}

// Rank orders opportunities by relevance (unscored last), then deadline
// (soonest first, none last), then prestige, then age. The input is not modified.
func Rank(opps []*radar.Opportunity) []*radar.Opportunity {
	out := make([]*radar.Opportunity, len(opps))
	copy(out, opps)

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]

		if c := compareDesc(a.Relevance, b.Relevance); c != 0 {
			return c < 0
		}
		if c := compareDeadline(a.Deadline, b.Deadline); c != 0 {
			return c < 0
		}
		if c := compareDesc(a.Prestige, b.Prestige); c != 0 {
			return c < 0
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	return out
}

// NewEntry annotates opp with its urgency relative to now.
func NewEntry(opp *radar.Opportunity, now time.Time) Entry {
	entry := Entry{Opportunity: opp, Group: GroupComingUp}
	if opp.Deadline == nil {
		return entry
	}

	days := int(opp.Deadline.Sub(now).Hours() / 24)
	if opp.Deadline.Before(now) {
		days = -1
	}
	entry.DaysLeft = &days

	switch {
	case days < 0:
		entry.Urgency = UrgencyExpired
	case days <= 3:
		entry.Urgency = UrgencyUrgent
	case days <= 7:
		entry.Urgency = UrgencyThisWeek
	}

	switch {
	case days < 7:
		entry.Group = GroupUrgent
	case days < 30:
		entry.Group = GroupThisMonth
	}

	return entry
}

// compareDesc orders higher values first and nil last.
func compareDesc(a, b *float64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	case *a > *b:
		return -1
	case *a < *b:
		return 1
	default:
		return 0
	}
}

func compareDeadline(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	case a.Before(*b):
		return -1
	case b.Before(*a):
		return 1
	default:
		return 0
	}
}
