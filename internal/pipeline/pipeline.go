package pipeline

import (
	"context"
	"fmt"

	"github.com/spigell/opportunity-radar/internal/ai"
	"github.com/spigell/opportunity-radar/internal/dedup"
	"github.com/spigell/opportunity-radar/internal/normalize"
	"github.com/spigell/opportunity-radar/internal/radar"
	"go.uber.org/zap"
)

const defaultItemConcurrency = 5

// Stage is one step of the per-source batch.
type Stage interface {
	Name() string
	Disable(reason string)
	IsEnabled() bool

	Validate(deps Deps) error
	Apply(ctx context.Context, deps Deps, batch []*Candidate) ([]*Candidate, Step, error)
}

// OpportunityWriter persists scored drafts.
type OpportunityWriter interface {
	InsertOpportunity(ctx context.Context, o *radar.Opportunity) error
}

// Deps aggregates dependencies shared across all stages of one source.
type Deps struct {
	Source      *radar.Source
	Normalizer  *normalize.Normalizer
	Gate        *dedup.Gate
	Classifier  ai.Classifier
	Extractor   ai.Extractor
	Scorer      ai.Scorer
	Writer      OpportunityWriter
	Profile     *radar.Profile
	Examples    []radar.Example
	Concurrency int
	Logger      *zap.Logger
}

// Step describes the result of executing a stage.
type Step struct {
	Initial int
	Dropped int
	Left    int
}

// Status represents runtime information about a stage.
type Status struct {
	Name    string
	Enabled bool
	Reason  string
}

// DefaultStages returns the full chain in flow order.
func DefaultStages() []Stage {
	return []Stage{
		NewNormalize(),
		NewDedup(),
		NewClassify(),
		NewExtract(),
		NewScore(),
		NewPersist(),
	}
}

// DisableByName marks a stage with the provided name as disabled while keeping it in the list.
// Stages the chain cannot work without ignore it.
func DisableByName(stages []Stage, name, reason string) {
	for _, stage := range stages {
		if stage.Name() == name {
			stage.Disable(reason)
		}
	}
}

// Describe returns status entries for the provided stages.
func Describe(stages []Stage) []Status {
	statuses := make([]Status, 0, len(stages))
	for _, stage := range stages {
		status := Status{Name: stage.Name(), Enabled: stage.IsEnabled()}
		if s, ok := stage.(interface{ reason() string }); ok {
			status.Reason = s.reason()
		}
		statuses = append(statuses, status)
	}
	return statuses
}

func validate(deps Deps, stages []Stage) error {
	if len(stages) == 0 {
		return fmt.Errorf("no pipeline stages configured: %w", radar.ErrConfiguration)
	}
	for _, stage := range stages {
		if !stage.IsEnabled() {
			continue
		}
		if err := stage.Validate(deps); err != nil {
			return fmt.Errorf("%s: %w", stage.Name(), err)
		}
	}
	return nil
}

// runStages pushes the batch through the enabled stages. Per-item failures stay
// on the candidates; an error here means the batch itself could not continue.
func runStages(ctx context.Context, deps Deps, stages []Stage, batch []*Candidate) ([]*Candidate, error) {
	if err := validate(deps, stages); err != nil {
		return nil, err
	}

	for _, stage := range stages {
		if !stage.IsEnabled() {
			deps.Logger.Info("pipeline stage disabled", zap.String("name", stage.Name()))
			continue
		}

		next, info, err := stage.Apply(ctx, deps, batch)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", stage.Name(), err)
		}

		deps.Logger.Info("pipeline step",
			zap.String("name", stage.Name()),
			zap.Int("initial", info.Initial),
			zap.Int("dropped", info.Dropped),
			zap.Int("left", info.Left),
		)

		batch = next
		if len(batch) == 0 {
			break
		}
	}

	return batch, nil
}
