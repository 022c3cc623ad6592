package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spigell/opportunity-radar/internal/radar"
	"go.uber.org/zap"
)

// RescoreReport is the outcome of a Rescore.
type RescoreReport struct {
	Pending  int
	Rescored int
	Failed   int
	Duration time.Duration
}

func (r RescoreReport) Fields() []zap.Field {
	return []zap.Field{
		zap.Int("pending", r.Pending),
		zap.Int("rescored", r.Rescored),
		zap.Int("failed", r.Failed),
		zap.Duration("duration", r.Duration),
	}
}

// Rescore scores opportunities that were persisted without any score, for
// instance because the scorer was failing during the run that stored them.
// A limit of zero means all of them.
func (o *Orchestrator) Rescore(ctx context.Context, limit int) (RescoreReport, error) {
	start := o.now()

	if o.store == nil {
		return RescoreReport{}, missing("store")
	}
	if o.scorer == nil {
		return RescoreReport{}, missing("scorer")
	}
	if o.profile.Empty() {
		return RescoreReport{}, fmt.Errorf("user profile is empty: %w", radar.ErrConfiguration)
	}
	if limit < 0 {
		limit = 0
	}

	opps, err := o.store.Unscored(ctx, uint64(limit))
	if err != nil {
		return RescoreReport{}, fmt.Errorf("load unscored opportunities: %w", err)
	}

	report := RescoreReport{Pending: len(opps)}
	if len(opps) == 0 {
		o.logger.Info("nothing to rescore")
		return report, nil
	}

	examples := o.loadExamples(ctx)

	var mu sync.Mutex
	err = forEach(ctx, o.cfg.ItemConcurrency, opps, func(ctx context.Context, opp *radar.Opportunity) {
		log := o.logger.With(zap.String("id", opp.ID), zap.String("title", opp.Title))

		score, err := o.scorer.Score(ctx, &opp.Draft, o.profile, examples)
		if err == nil {
			err = o.store.UpdateOpportunityScores(context.WithoutCancel(ctx), opp.ID, score)
		}

		mu.Lock()
		defer mu.Unlock()

		if err != nil {
			report.Failed++
			log.Warn("rescore failed", zap.Error(err))
			return
		}
		report.Rescored++
		log.Info("opportunity rescored",
			zap.Float64p("relevance", score.Relevance),
			zap.Float64p("prestige", score.Prestige),
		)
	})

	report.Duration = o.now().Sub(start)
	o.logger.Info("rescore finished", report.Fields()...)

	return report, err
}
