package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spigell/opportunity-radar/internal/radar"
	"go.uber.org/zap"
)

// Store is the persistence the gate needs. InsertSeen must report a uniqueness
// violation as radar.ErrPersistenceConflict.
type Store interface {
	SeenExists(ctx context.Context, fp radar.Fingerprint) (bool, error)
	InsertSeen(ctx context.Context, rec radar.SeenRecord) error
}

// Gate admits each fingerprint at most once.
type Gate struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewGate(store Store, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{store: store, logger: logger, now: time.Now}
}

// IsNew reports whether fp has never been marked seen.
func (g *Gate) IsNew(ctx context.Context, fp radar.Fingerprint) (bool, error) {
	if fp == "" {
		return false, errors.New("empty fingerprint")
	}

	seen, err := g.store.SeenExists(ctx, fp)
	if err != nil {
		return false, fmt.Errorf("check seen %s: %w", fp, err)
	}

	return !seen, nil
}

// MarkSeen records fp. Losing a race to another writer is not an error.
func (g *Gate) MarkSeen(ctx context.Context, fp radar.Fingerprint, sourceID, url string) error {
	err := g.store.InsertSeen(ctx, radar.SeenRecord{
		Fingerprint: fp,
		SourceID:    sourceID,
		URL:         url,
		SeenAt:      g.now().UTC(),
	})
	if radar.IsDuplicate(err) {
		g.logger.Debug("fingerprint already recorded",
			zap.String("fingerprint", fp.String()),
			zap.String("source_id", sourceID),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark seen %s: %w", fp, err)
	}

	return nil
}
