package pipeline

import (
	"errors"

	"github.com/spigell/opportunity-radar/internal/ai"
	"github.com/spigell/opportunity-radar/internal/radar"
)

// Candidate carries one raw item through the stages.
type Candidate struct {
	Item           radar.RawItem
	Text           string
	Fingerprint    radar.Fingerprint
	Classification *ai.Classification
	Drafts         []*Draft

	// Admitted is set once the dedup gate let the item through.
	Admitted  bool
	Duplicate bool
	Rejected  bool
	Reason    string
	// Retry keeps the item out of the seen set so a later run picks it up again.
	Retry  bool
	Errors []error
}

// Draft is one extracted record of a candidate.
type Draft struct {
	*radar.Draft
	Score     *radar.Score
	ScoreErr  error
	Persisted bool
	// Conflict means an identical draft was already stored.
	Conflict bool
}

func newCandidates(items []radar.RawItem) []*Candidate {
	batch := make([]*Candidate, len(items))
	for i := range items {
		batch[i] = &Candidate{Item: items[i]}
	}
	return batch
}

func (c *Candidate) reject(reason string) {
	c.Rejected = true
	c.Reason = reason
}

// fail records err. Only malformed model output is final; anything else may
// succeed on a later run.
func (c *Candidate) fail(err error) {
	c.Errors = append(c.Errors, err)
	if !errors.Is(err, radar.ErrMalformedResponse) {
		c.Retry = true
	}
}

func (c *Candidate) settled() bool {
	return !c.Retry
}

func (c *Candidate) sourceContext(src *radar.Source) ai.SourceContext {
	sc := ai.SourceContext{URL: c.Item.URL, SourceID: c.Item.SourceID}
	if src != nil {
		sc.Name = src.Name
		if sc.SourceID == "" {
			sc.SourceID = src.ID
		}
	}
	return sc
}
