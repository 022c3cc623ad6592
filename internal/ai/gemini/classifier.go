package gemini

import (
	"context"
	"math"
	"strings"
	"unicode/utf8"

	_ "embed"

	"github.com/spigell/opportunity-radar/internal/ai"
	"github.com/spigell/opportunity-radar/internal/logger"
	"go.uber.org/zap"
)

type contentGenerator interface {
	GenerateContent(ctx context.Context, prompt string) (string, error)
}

//go:embed classify.md
var classifyTemplate string

const (
	// DefaultThreshold is the minimum confidence to admit an item.
	DefaultThreshold    = 0.7
	defaultMaxContent   = 15000
	defaultMaxLogLength = 200
)

// Classifier answers whether a text announces an opportunity.
type Classifier struct {
	generator  contentGenerator
	threshold  float64
	maxContent int
	maxLogLen  int
	logger     *zap.Logger
}

// NewClassifier builds a classifier. A nil threshold means DefaultThreshold;
// zero is a valid threshold that admits every positive answer.
func NewClassifier(generator contentGenerator, threshold *float64, maxContent, maxLogLength int, logger *zap.Logger) *Classifier {
	admitAt := DefaultThreshold
	if threshold != nil {
		admitAt = math.Max(0, math.Min(1, *threshold))
	}
	if maxContent <= 0 {
		maxContent = defaultMaxContent
	}
	if maxLogLength <= 0 {
		maxLogLength = defaultMaxLogLength
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Classifier{
		generator:  generator,
		threshold:  admitAt,
		maxContent: maxContent,
		maxLogLen:  maxLogLength,
		logger:     logger,
	}
}

func (c *Classifier) Threshold() float64 { return c.threshold }

func (c *Classifier) Classify(ctx context.Context, text string) (*ai.Classification, error) {
	prompt := strings.ReplaceAll(classifyTemplate, "{{CONTENT}}", ai.TruncateContent(text, c.maxContent))

	c.logger.Debug("gemini classify request",
		zap.Int("prompt_length", utf8.RuneCountInString(prompt)),
		zap.String("prompt_preview", logger.TruncateForLog(text, c.maxLogLen)),
	)

	raw, err := c.generator.GenerateContent(ctx, prompt)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("gemini classify response",
		zap.String("response_preview", logger.TruncateForLog(raw, c.maxLogLen)),
	)

	result, err := parseClassification(raw)
	if err != nil {
		return nil, err
	}

	result.Admit = result.IsOpportunity && result.Confidence >= c.threshold
	if result.IsOpportunity && !result.Admit {
		c.logger.Debug("classification below threshold",
			zap.Float64("confidence", result.Confidence),
			zap.Float64("threshold", c.threshold),
		)
	}

	return result, nil
}

func parseClassification(raw string) (*ai.Classification, error) {
	data, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}

	flag, ok := data["contains_opportunity"]
	if !ok {
		flag = data["is_opportunity"]
	}

	confidence := coerceFloat(data["confidence"])
	if math.IsNaN(confidence) {
		confidence = 0
	}
	confidence = math.Max(0, math.Min(1, confidence))

	return &ai.Classification{
		IsOpportunity: coerceBool(flag),
		Confidence:    confidence,
		Types:         coerceStrings(data["opportunity_types"]),
		Reason:        coerceString(data["brief_reason"]),
		Raw:           raw,
	}, nil
}
