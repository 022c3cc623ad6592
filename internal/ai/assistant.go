package ai

import (
	"context"

	"github.com/spigell/opportunity-radar/internal/radar"
)

// Classification is the answer to "is this an opportunity?".
type Classification struct {
	IsOpportunity bool
	Confidence    float64
	Types         []string
	Reason        string
	// Admit is IsOpportunity with the confidence threshold applied.
	Admit bool
	Raw   string
}

// SourceContext is what the extractor knows about where the text came from.
type SourceContext struct {
	SourceID string
	Name     string
	URL      string
}

type Classifier interface {
	Classify(ctx context.Context, text string) (*Classification, error)
}

type Extractor interface {
	Extract(ctx context.Context, text string, src SourceContext) ([]*radar.Draft, error)
}

// Scorer rates one draft against the profile. Examples are optional past
// ratings the caller wants the model to take into account.
type Scorer interface {
	Score(ctx context.Context, draft *radar.Draft, profile *radar.Profile, examples []radar.Example) (*radar.Score, error)
}

const truncatedMarker = "\n...[truncated]..."

// TruncateContent keeps at most limit runes of text.
func TruncateContent(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + truncatedMarker
}
