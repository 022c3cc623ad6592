package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spigell/opportunity-radar/internal/ai"
	"github.com/spigell/opportunity-radar/internal/dedup"
	"github.com/spigell/opportunity-radar/internal/logger"
	"github.com/spigell/opportunity-radar/internal/radar"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const maxRawContent = 20000

// required stages cannot be switched off.
type required struct{}

func (required) Disable(string) {}

func (required) IsEnabled() bool { return true }

type optional struct {
	disabled bool
	why      string
}

func (o *optional) Disable(reason string) {
	o.disabled = true
	o.why = reason
}

func (o *optional) IsEnabled() bool { return !o.disabled }

func (o *optional) reason() string { return o.why }

func missing(what string) error {
	return fmt.Errorf("%s is not configured: %w", what, radar.ErrConfiguration)
}

func itemFields(c *Candidate) []zap.Field {
	return logger.StringFields(
		logger.StringField{Key: "url", Value: c.Item.URL},
		logger.StringField{Key: "title", Value: c.Item.Title},
		logger.StringField{Key: "message_id", Value: c.Item.MessageID},
		logger.StringField{Key: logger.FieldFingerprint, Value: c.Fingerprint.String()},
	)
}

func describeItem(c *Candidate) string {
	switch {
	case c.Item.URL != "":
		return c.Item.URL
	case c.Item.MessageID != "":
		return "message " + c.Item.MessageID
	default:
		return "item " + c.Fingerprint.String()
	}
}

// forEach runs fn over items with at most limit calls in flight. fn records
// its own failures, so the only error is a canceled context.
func forEach[T any](ctx context.Context, limit int, items []T, fn func(context.Context, T)) error {
	if limit <= 0 {
		limit = defaultItemConcurrency
	}

	var g errgroup.Group
	g.SetLimit(limit)

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			fn(ctx, item)
			return nil
		})
	}
	_ = g.Wait()

	return ctx.Err()
}

type normalizeStage struct{ required }

// NewNormalize flattens raw items into text and fingerprints them. It never drops.
func NewNormalize() Stage { return &normalizeStage{} }

func (*normalizeStage) Name() string { return "normalize" }

func (*normalizeStage) Validate(deps Deps) error {
	if deps.Normalizer == nil {
		return missing("normalizer")
	}
	return nil
}

func (*normalizeStage) Apply(_ context.Context, deps Deps, batch []*Candidate) ([]*Candidate, Step, error) {
	for _, c := range batch {
		c.Text, c.Fingerprint = deps.Normalizer.Normalize(c.Item)
	}
	return batch, Step{Initial: len(batch), Left: len(batch)}, nil
}

type dedupStage struct{ required }

// NewDedup drops items whose fingerprint was seen on an earlier run or earlier in the batch.
func NewDedup() Stage { return &dedupStage{} }

func (*dedupStage) Name() string { return "dedup" }

func (*dedupStage) Validate(deps Deps) error {
	if deps.Gate == nil {
		return missing("dedup gate")
	}
	return nil
}

func (*dedupStage) Apply(ctx context.Context, deps Deps, batch []*Candidate) ([]*Candidate, Step, error) {
	inBatch := make(map[radar.Fingerprint]struct{}, len(batch))
	next := make([]*Candidate, 0, len(batch))

	for _, c := range batch {
		if err := ctx.Err(); err != nil {
			return nil, Step{}, err
		}

		if _, ok := inBatch[c.Fingerprint]; ok {
			c.Duplicate = true
			continue
		}
		inBatch[c.Fingerprint] = struct{}{}

		isNew, err := deps.Gate.IsNew(ctx, c.Fingerprint)
		if err != nil {
			c.fail(err)
			deps.Logger.Warn("dedup check failed", append(itemFields(c), zap.Error(err))...)
			continue
		}
		if !isNew {
			c.Duplicate = true
			deps.Logger.Debug("item already seen", itemFields(c)...)
			continue
		}

		c.Admitted = true
		next = append(next, c)
	}

	return next, Step{Initial: len(batch), Dropped: len(batch) - len(next), Left: len(next)}, nil
}

type classifyStage struct{ required }

// NewClassify keeps the items the classifier admits.
func NewClassify() Stage { return &classifyStage{} }

func (*classifyStage) Name() string { return "classify" }

func (*classifyStage) Validate(deps Deps) error {
	if deps.Classifier == nil {
		return missing("classifier")
	}
	return nil
}

func (*classifyStage) Apply(ctx context.Context, deps Deps, batch []*Candidate) ([]*Candidate, Step, error) {
	err := forEach(ctx, deps.Concurrency, batch, func(ctx context.Context, c *Candidate) {
		if strings.TrimSpace(c.Text) == "" {
			c.reject("no readable content")
			deps.Logger.Info("item rejected", append(itemFields(c), zap.String("reason", c.Reason))...)
			return
		}

		cl, err := deps.Classifier.Classify(ctx, c.Text)
		if err != nil {
			c.fail(fmt.Errorf("classify %s: %w", describeItem(c), err))
			deps.Logger.Warn("classification failed", append(itemFields(c), zap.Error(err))...)
			return
		}
		c.Classification = cl

		if !cl.Admit {
			if cl.IsOpportunity {
				c.reject(fmt.Sprintf("confidence %.2f is below the threshold", cl.Confidence))
			} else {
				c.reject("not an opportunity")
			}
			deps.Logger.Info("item rejected", append(itemFields(c),
				zap.String("reason", c.Reason),
				zap.String("classifier_reason", cl.Reason),
				zap.Float64("confidence", cl.Confidence),
			)...)
		}
	})
	if err != nil {
		return nil, Step{}, err
	}

	next := make([]*Candidate, 0, len(batch))
	for _, c := range batch {
		if c.Classification != nil && c.Classification.Admit {
			next = append(next, c)
		}
	}

	return next, Step{Initial: len(batch), Dropped: len(batch) - len(next), Left: len(next)}, nil
}

type extractStage struct{ required }

// NewExtract turns admitted items into drafts. Items without drafts are dropped.
func NewExtract() Stage { return &extractStage{} }

func (*extractStage) Name() string { return "extract" }

func (*extractStage) Validate(deps Deps) error {
	if deps.Extractor == nil {
		return missing("extractor")
	}
	return nil
}

func (*extractStage) Apply(ctx context.Context, deps Deps, batch []*Candidate) ([]*Candidate, Step, error) {
	err := forEach(ctx, deps.Concurrency, batch, func(ctx context.Context, c *Candidate) {
		drafts, err := deps.Extractor.Extract(ctx, c.Text, c.sourceContext(deps.Source))
		if err != nil {
			c.fail(fmt.Errorf("extract %s: %w", describeItem(c), err))
			if errors.Is(err, radar.ErrMalformedResponse) {
				deps.Logger.Warn("extractor response is malformed, no drafts taken", append(itemFields(c), zap.Error(err))...)
			} else {
				deps.Logger.Warn("extraction failed", append(itemFields(c), zap.Error(err))...)
			}
			return
		}

		for _, d := range drafts {
			if d != nil {
				c.Drafts = append(c.Drafts, &Draft{Draft: d})
			}
		}
		if len(c.Drafts) == 0 {
			deps.Logger.Info("no opportunities extracted", itemFields(c)...)
		}
	})
	if err != nil {
		return nil, Step{}, err
	}

	next := make([]*Candidate, 0, len(batch))
	for _, c := range batch {
		if len(c.Drafts) > 0 {
			next = append(next, c)
		}
	}

	return next, Step{Initial: len(batch), Dropped: len(batch) - len(next), Left: len(next)}, nil
}

type scoreStage struct{ optional }

// NewScore rates every draft. A failed draft keeps nil scores and moves on.
func NewScore() Stage { return &scoreStage{} }

func (*scoreStage) Name() string { return "score" }

func (*scoreStage) Validate(deps Deps) error {
	if deps.Scorer == nil {
		return missing("scorer")
	}
	return nil
}

type scoreJob struct {
	candidate *Candidate
	draft     *Draft
}

func (*scoreStage) Apply(ctx context.Context, deps Deps, batch []*Candidate) ([]*Candidate, Step, error) {
	var jobs []scoreJob
	for _, c := range batch {
		for _, d := range c.Drafts {
			jobs = append(jobs, scoreJob{candidate: c, draft: d})
		}
	}

	err := forEach(ctx, deps.Concurrency, jobs, func(ctx context.Context, job scoreJob) {
		score, err := deps.Scorer.Score(ctx, job.draft.Draft, deps.Profile, deps.Examples)
		if err != nil {
			job.draft.ScoreErr = fmt.Errorf("score %q: %w", job.draft.Title, err)
			deps.Logger.Warn("scoring failed, keeping the draft unscored",
				append(itemFields(job.candidate), zap.String("draft", job.draft.Title), zap.Error(err))...)
			return
		}
		job.draft.Score = score
	})
	if err != nil {
		return nil, Step{}, err
	}

	// Score failures are reported but do not hold the item back.
	for _, job := range jobs {
		if job.draft.ScoreErr != nil {
			job.candidate.Errors = append(job.candidate.Errors, job.draft.ScoreErr)
		}
	}

	return batch, Step{Initial: len(jobs), Left: len(jobs)}, nil
}

type persistStage struct{ required }

// NewPersist stores every draft once. Drafts already stored are skipped silently.
func NewPersist() Stage { return &persistStage{} }

func (*persistStage) Name() string { return "persist" }

func (*persistStage) Validate(deps Deps) error {
	if deps.Writer == nil {
		return missing("opportunity store")
	}
	return nil
}

func (*persistStage) Apply(ctx context.Context, deps Deps, batch []*Candidate) ([]*Candidate, Step, error) {
	var initial, persisted int
	next := make([]*Candidate, 0, len(batch))

	for _, c := range batch {
		stored := false

		for _, d := range c.Drafts {
			initial++
			opp := buildOpportunity(deps.Source, c, d)

			err := deps.Writer.InsertOpportunity(ctx, opp)
			switch {
			case radar.IsDuplicate(err):
				d.Conflict = true
				deps.Logger.Debug("opportunity already stored",
					append(itemFields(c), zap.String("draft", d.Title), zap.String("dedup_key", opp.DedupKey))...)
			case err != nil:
				c.fail(fmt.Errorf("persist %q: %w", d.Title, err))
				deps.Logger.Error("failed to persist opportunity",
					append(itemFields(c), zap.String("draft", d.Title), zap.Error(err))...)
			default:
				d.Persisted = true
				stored = true
				persisted++
				deps.Logger.Info("opportunity persisted",
					zap.String("id", opp.ID),
					zap.String("title", opp.Title),
					zap.String("organization", opp.Organization),
					zap.String("category", string(opp.Category)),
					zap.Any("relevance", opp.Relevance),
				)
			}
		}

		if stored {
			next = append(next, c)
		}
	}

	return next, Step{Initial: initial, Dropped: initial - persisted, Left: persisted}, nil
}

func buildOpportunity(src *radar.Source, c *Candidate, d *Draft) *radar.Opportunity {
	sourceID := c.Item.SourceID
	if sourceID == "" && src != nil {
		sourceID = src.ID
	}

	opp := &radar.Opportunity{
		SourceID:           sourceID,
		Draft:              *d.Draft,
		RawContent:         ai.TruncateContent(c.Text, maxRawContent),
		ContentFingerprint: c.Fingerprint,
		DedupKey:           dedup.DraftKey(c.Fingerprint, d.Title, d.Organization),
	}
	opp.ApplyScore(d.Score)

	return opp
}
