package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spigell/opportunity-radar/internal/ai"
	"github.com/spigell/opportunity-radar/internal/dedup"
	"github.com/spigell/opportunity-radar/internal/logger"
	"github.com/spigell/opportunity-radar/internal/normalize"
	"github.com/spigell/opportunity-radar/internal/radar"
	"github.com/spigell/opportunity-radar/internal/sources"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSourceConcurrency = 4
	defaultExampleLimit      = 10
	maxHealthErrors          = 5
)

// Store is the persistence the orchestrator works against.
type Store interface {
	dedup.Store
	OpportunityWriter
	ActiveSources(ctx context.Context, kind radar.Kind) ([]*radar.Source, error)
	UpdateSourceHealth(ctx context.Context, id string, checkedAt time.Time, lastErr string) error
	RecordEmail(ctx context.Context, rec radar.EmailRecord) error
	Unscored(ctx context.Context, limit uint64) ([]*radar.Opportunity, error)
	UpdateOpportunityScores(ctx context.Context, id string, score *radar.Score) error
}

// Connectors builds the connector of a source.
type Connectors interface {
	Connector(src *radar.Source) (sources.Connector, error)
}

// ExampleProvider supplies past ratings for the scorer prompt.
type ExampleProvider interface {
	Examples(ctx context.Context, limit int) ([]radar.Example, error)
}

// Config selects and bounds a run.
type Config struct {
	SourceConcurrency int
	ItemConcurrency   int
	ExampleLimit      int
	// Kind limits the run to one source kind. Empty means all kinds.
	Kind radar.Kind
	// Names limits the run to the named sources.
	Names []string
}

// Options wire an Orchestrator.
type Options struct {
	Config     Config
	Store      Store
	Connectors Connectors
	Normalizer *normalize.Normalizer
	Classifier ai.Classifier
	Extractor  ai.Extractor
	Scorer     ai.Scorer
	Examples   ExampleProvider
	Profile    *radar.Profile
	// Stages defaults to DefaultStages.
	Stages []Stage
	Logger *zap.Logger
}

// Orchestrator runs every active source through the stages.
type Orchestrator struct {
	cfg        Config
	store      Store
	connectors Connectors
	normalizer *normalize.Normalizer
	gate       *dedup.Gate
	classifier ai.Classifier
	extractor  ai.Extractor
	scorer     ai.Scorer
	examples   ExampleProvider
	profile    *radar.Profile
	stages     []Stage
	logger     *zap.Logger
	now        func() time.Time
}

func New(opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	cfg := opts.Config
	if cfg.SourceConcurrency <= 0 {
		cfg.SourceConcurrency = defaultSourceConcurrency
	}
	if cfg.ItemConcurrency <= 0 {
		cfg.ItemConcurrency = defaultItemConcurrency
	}
	if cfg.ExampleLimit <= 0 {
		cfg.ExampleLimit = defaultExampleLimit
	}

	normalizer := opts.Normalizer
	if normalizer == nil {
		normalizer = normalize.New(0, log.Named("normalize"))
	}

	stages := opts.Stages
	if stages == nil {
		stages = DefaultStages()
	}

	o := &Orchestrator{
		cfg:        cfg,
		store:      opts.Store,
		connectors: opts.Connectors,
		normalizer: normalizer,
		classifier: opts.Classifier,
		extractor:  opts.Extractor,
		scorer:     opts.Scorer,
		examples:   opts.Examples,
		profile:    opts.Profile,
		stages:     stages,
		logger:     log,
		now:        time.Now,
	}
	if opts.Store != nil {
		o.gate = dedup.NewGate(opts.Store, log.Named("dedup"))
	}

	return o
}

// Stages returns the configured chain.
func (o *Orchestrator) Stages() []Stage {
	return o.stages
}

// Run processes every selected active source. Only configuration problems
// return an error; everything else ends up in the report and in source health.
func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	start := o.now()

	if err := o.validate(); err != nil {
		return nil, err
	}

	srcs, err := o.store.ActiveSources(ctx, o.cfg.Kind)
	if err != nil {
		return nil, fmt.Errorf("load active sources: %w", err)
	}

	srcs, err = selectSources(srcs, o.cfg.Names)
	if err != nil {
		return nil, err
	}

	o.logger.Info("starting run",
		zap.Int("sources", len(srcs)),
		zap.String("kind", string(o.cfg.Kind)),
		zap.Int("source_concurrency", o.cfg.SourceConcurrency),
		zap.Int("item_concurrency", o.cfg.ItemConcurrency),
	)

	examples := o.loadExamples(ctx)

	results := make([]SourceReport, len(srcs))

	var g errgroup.Group
	g.SetLimit(o.cfg.SourceConcurrency)
	for i, src := range srcs {
		g.Go(func() error {
			results[i] = o.runSource(ctx, src, examples)
			return nil
		})
	}
	_ = g.Wait()

	report := &Report{}
	for _, sr := range results {
		report.add(sr)
	}
	report.Duration = o.now().Sub(start)

	o.logger.Info("run finished", report.Fields()...)

	return report, nil
}

// RunSource processes a single source.
func (o *Orchestrator) RunSource(ctx context.Context, src *radar.Source) (SourceReport, error) {
	if err := o.validate(); err != nil {
		return SourceReport{}, err
	}
	if err := src.Validate(); err != nil {
		return SourceReport{}, err
	}
	return o.runSource(ctx, src, o.loadExamples(ctx)), nil
}

func (o *Orchestrator) validate() error {
	if o.store == nil {
		return missing("store")
	}
	if o.connectors == nil {
		return missing("source connectors")
	}
	if o.profile.Empty() {
		return fmt.Errorf("user profile is empty: %w", radar.ErrConfiguration)
	}
	return validate(o.deps(nil, nil, o.logger), o.stages)
}

func (o *Orchestrator) deps(src *radar.Source, examples []radar.Example, log *zap.Logger) Deps {
	deps := Deps{
		Source:      src,
		Normalizer:  o.normalizer,
		Gate:        o.gate,
		Classifier:  o.classifier,
		Extractor:   o.extractor,
		Scorer:      o.scorer,
		Profile:     o.profile,
		Examples:    examples,
		Concurrency: o.cfg.ItemConcurrency,
		Logger:      log,
	}
	if o.store != nil {
		deps.Writer = o.store
	}
	return deps
}

func (o *Orchestrator) loadExamples(ctx context.Context) []radar.Example {
	if o.examples == nil {
		return nil
	}

	examples, err := o.examples.Examples(ctx, o.cfg.ExampleLimit)
	if err != nil {
		o.logger.Warn("failed to load rating examples, scoring without them", zap.Error(err))
		return nil
	}

	o.logger.Debug("rating examples loaded", zap.Int("examples", len(examples)))
	return examples
}

func (o *Orchestrator) runSource(ctx context.Context, src *radar.Source, examples []radar.Example) SourceReport {
	log := logger.ForSource(o.logger, src)
	sr := SourceReport{SourceID: src.ID, Name: src.Name, Kind: src.Kind}
	checkedAt := o.now().UTC()

	items, err := o.fetch(ctx, src)
	if err != nil {
		log.Warn("source fetch failed", zap.Error(err))
		sr.Error = err.Error()
		o.updateHealth(ctx, log, src, checkedAt, sr.Error)
		return sr
	}

	sr.Fetched = len(items)
	log.Info("source fetched", zap.Int("items", len(items)))

	batch := newCandidates(items)
	var errs []error

	if len(batch) > 0 {
		if _, err := runStages(ctx, o.deps(src, examples, log), o.stages, batch); err != nil {
			log.Error("pipeline aborted for source", zap.Error(err))
			errs = append(errs, err)
			for _, c := range batch {
				c.Retry = true
			}
		}
	}

	for _, c := range batch {
		errs = append(errs, c.Errors...)
	}
	errs = append(errs, o.settle(ctx, log, src, batch)...)

	tally(&sr, batch)
	sr.Error = healthError(errs)
	o.updateHealth(ctx, log, src, checkedAt, sr.Error)

	log.Info("source done", sr.Fields()...)

	return sr
}

func (o *Orchestrator) fetch(ctx context.Context, src *radar.Source) ([]radar.RawItem, error) {
	conn, err := o.connectors.Connector(src)
	if err != nil {
		return nil, err
	}
	return conn.Fetch(ctx)
}

// settle commits the per-item bookkeeping: fingerprints of finished items go
// into the seen set, and finished emails into the ledger. Items marked for
// retry are left alone so the next run sees them again.
func (o *Orchestrator) settle(ctx context.Context, log *zap.Logger, src *radar.Source, batch []*Candidate) []error {
	ctx = context.WithoutCancel(ctx)

	var errs []error
	for _, c := range batch {
		if !c.settled() {
			continue
		}

		if c.Admitted {
			if err := o.gate.MarkSeen(ctx, c.Fingerprint, src.ID, c.Item.URL); err != nil {
				log.Error("failed to mark item seen", append(itemFields(c), zap.Error(err))...)
				errs = append(errs, err)
			}
		}

		if c.Item.Kind == radar.KindEmail && c.Item.MessageID != "" && c.Item.Mailbox != "" {
			err := o.store.RecordEmail(ctx, radar.EmailRecord{
				SourceID:   src.ID,
				Mailbox:    c.Item.Mailbox,
				MessageID:  c.Item.MessageID,
				Subject:    c.Item.Title,
				Sender:     c.Item.Sender,
				ReceivedAt: c.Item.ReceivedAt,
			})
			if err != nil && !radar.IsDuplicate(err) {
				log.Error("failed to record email", append(itemFields(c), zap.Error(err))...)
				errs = append(errs, err)
			}
		}
	}

	return errs
}

func (o *Orchestrator) updateHealth(ctx context.Context, log *zap.Logger, src *radar.Source, checkedAt time.Time, lastErr string) {
	if src.ID == "" {
		return
	}
	if err := o.store.UpdateSourceHealth(context.WithoutCancel(ctx), src.ID, checkedAt, lastErr); err != nil {
		log.Error("failed to update source health", zap.Error(err))
	}
}

func selectSources(srcs []*radar.Source, names []string) ([]*radar.Source, error) {
	if len(names) == 0 {
		return srcs, nil
	}

	byName := make(map[string]*radar.Source, len(srcs))
	for _, src := range srcs {
		byName[strings.ToLower(src.Name)] = src
	}

	selected := make([]*radar.Source, 0, len(names))
	for _, name := range names {
		src, ok := byName[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("no active source named %q: %w", name, radar.ErrConfiguration)
		}
		selected = append(selected, src)
	}

	return selected, nil
}

func healthError(errs []error) string {
	if len(errs) == 0 {
		return ""
	}

	shown := errs
	if len(shown) > maxHealthErrors {
		shown = shown[:maxHealthErrors]
	}

	msg := errors.Join(shown...).Error()
	if extra := len(errs) - len(shown); extra > 0 {
		msg += fmt.Sprintf("\n(and %d more)", extra)
	}
	return msg
}
