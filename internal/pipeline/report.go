package pipeline

import (
	"time"

	"github.com/spigell/opportunity-radar/internal/radar"
	"go.uber.org/zap"
)

// Tally counts items through the flow.
type Tally struct {
	Fetched         int
	Deduplicated    int
	ClassifiedIn    int
	DraftsExtracted int
	Persisted       int
}

func (t *Tally) add(o Tally) {
	t.Fetched += o.Fetched
	t.Deduplicated += o.Deduplicated
	t.ClassifiedIn += o.ClassifiedIn
	t.DraftsExtracted += o.DraftsExtracted
	t.Persisted += o.Persisted
}

// SourceReport is the outcome of one source.
type SourceReport struct {
	SourceID string
	Name     string
	Kind     radar.Kind
	Tally
	Rejected      int
	ScoreFailures int
	// Retried counts items left unseen for a later run.
	Retried int
	// Error is what was written to the source's last_error.
	Error string
}

// Report is the outcome of a whole run.
type Report struct {
	Tally
	Rejected      int
	ScoreFailures int
	Retried       int
	FailedSources int
	Duration      time.Duration
	Sources       []SourceReport
}

func (r *Report) add(sr SourceReport) {
	r.Tally.add(sr.Tally)
	r.Rejected += sr.Rejected
	r.ScoreFailures += sr.ScoreFailures
	r.Retried += sr.Retried
	if sr.Error != "" {
		r.FailedSources++
	}
	r.Sources = append(r.Sources, sr)
}

// Fields renders the report totals for logging.
func (r *Report) Fields() []zap.Field {
	return []zap.Field{
		zap.Int("sources", len(r.Sources)),
		zap.Int("failed_sources", r.FailedSources),
		zap.Int("fetched", r.Fetched),
		zap.Int("deduplicated", r.Deduplicated),
		zap.Int("classified_in", r.ClassifiedIn),
		zap.Int("rejected", r.Rejected),
		zap.Int("drafts_extracted", r.DraftsExtracted),
		zap.Int("score_failures", r.ScoreFailures),
		zap.Int("persisted", r.Persisted),
		zap.Int("retried", r.Retried),
		zap.Duration("duration", r.Duration),
	}
}

// Fields renders the source outcome for logging.
func (sr *SourceReport) Fields() []zap.Field {
	fields := []zap.Field{
		zap.String("source", sr.Name),
		zap.String("source_kind", string(sr.Kind)),
		zap.Int("fetched", sr.Fetched),
		zap.Int("deduplicated", sr.Deduplicated),
		zap.Int("classified_in", sr.ClassifiedIn),
		zap.Int("rejected", sr.Rejected),
		zap.Int("drafts_extracted", sr.DraftsExtracted),
		zap.Int("persisted", sr.Persisted),
	}
	if sr.Error != "" {
		fields = append(fields, zap.String("error", sr.Error))
	}
	return fields
}

func tally(sr *SourceReport, batch []*Candidate) {
	for _, c := range batch {
		if c.Duplicate {
			sr.Deduplicated++
		}
		if c.Rejected {
			sr.Rejected++
		}
		if c.Classification != nil && c.Classification.Admit {
			sr.ClassifiedIn++
		}
		if c.Retry {
			sr.Retried++
		}
		sr.DraftsExtracted += len(c.Drafts)
		for _, d := range c.Drafts {
			if d.Persisted {
				sr.Persisted++
			}
			if d.ScoreErr != nil {
				sr.ScoreFailures++
			}
		}
	}
}
