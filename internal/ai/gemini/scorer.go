package gemini

import (
	"context"
	"fmt"
	"sort"
	"strings"

	_ "embed"

	"github.com/spigell/opportunity-radar/internal/logger"
	"github.com/spigell/opportunity-radar/internal/radar"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed score.md
var scoreTemplate string

const maxPromptExamples = 10

// Scorer rates drafts for relevance and prestige against the user profile.
type Scorer struct {
	generator contentGenerator
	maxLogLen int
	logger    *zap.Logger
}

func NewScorer(generator contentGenerator, maxLogLength int, logger *zap.Logger) *Scorer {
	if maxLogLength <= 0 {
		maxLogLength = defaultMaxLogLength
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scorer{generator: generator, maxLogLen: maxLogLength, logger: logger}
}

func (s *Scorer) Score(ctx context.Context, draft *radar.Draft, profile *radar.Profile, examples []radar.Example) (*radar.Score, error) {
	if draft == nil {
		return nil, fmt.Errorf("score: draft is nil")
	}

	prompt := renderScorePrompt(draft, profile, examples)

	raw, err := s.generator.GenerateContent(ctx, prompt)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("gemini score response",
		zap.String("title", draft.Title),
		zap.String("response_preview", logger.TruncateForLog(raw, s.maxLogLen)),
	)

	return parseScore(raw)
}

func renderScorePrompt(draft *radar.Draft, profile *radar.Profile, examples []radar.Example) string {
	if profile == nil {
		profile = &radar.Profile{}
	}

	replacer := strings.NewReplacer(
		"{{PROFILE}}", renderProfile(profile),
		"{{HIGH_SIGNALS}}", bullets(profile.HighValueSignals),
		"{{LOW_SIGNALS}}", bullets(profile.LowValueSignals),
		"{{EXAMPLES}}", renderExamples(examples),
		"{{OPPORTUNITY}}", renderDraft(draft),
	)

	return replacer.Replace(scoreTemplate)
}

func renderProfile(p *radar.Profile) string {
	if p.Empty() {
		return "No profile configured. Score relevance conservatively."
	}

	var b strings.Builder
	if p.Name != "" {
		fmt.Fprintf(&b, "Name: %s\n", p.Name)
	}
	if p.Background != "" {
		fmt.Fprintf(&b, "Background: %s\n", strings.TrimSpace(p.Background))
	}
	if len(p.Interests) > 0 {
		fmt.Fprintf(&b, "Interests: %s\n", strings.Join(p.Interests, ", "))
	}
	if len(p.Constraints) > 0 {
		out, err := yaml.Marshal(p.Constraints)
		if err == nil {
			b.WriteString("Constraints:\n")
			b.Write(out)
		}
	}

	return strings.TrimSpace(b.String())
}

func bullets(items []string) string {
	if len(items) == 0 {
		return "- none"
	}
	lines := make([]string, 0, len(items))
	for _, item := range items {
		lines = append(lines, "- "+item)
	}
	return strings.Join(lines, "\n")
}

func renderExamples(examples []radar.Example) string {
	if len(examples) == 0 {
		return "No past ratings."
	}
	if len(examples) > maxPromptExamples {
		examples = examples[:maxPromptExamples]
	}

	var b strings.Builder
	b.WriteString("The user rated these opportunities from 1 (bad fit) to 5 (great fit):\n")
	for _, ex := range examples {
		fmt.Fprintf(&b, "\n[rated %d/5]\n%s\n", ex.Rating, strings.TrimSpace(ex.Text))
	}
	return strings.TrimSpace(b.String())
}

// renderDraft is also used to build few-shot example text.
func renderDraft(d *radar.Draft) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Title: %s\n", d.Title)
	if d.Organization != "" {
		fmt.Fprintf(&b, "Organization: %s\n", d.Organization)
	}
	if d.Category != "" {
		fmt.Fprintf(&b, "Type: %s\n", d.Category)
	}
	if d.Deadline != nil {
		fmt.Fprintf(&b, "Deadline: %s\n", d.Deadline.Format("2006-01-02"))
	}
	if d.StipendAmount != nil {
		fmt.Fprintf(&b, "Stipend: %.0f %s\n", *d.StipendAmount, d.StipendCurrency)
	}
	if d.TravelSupport != "" && d.TravelSupport != radar.TravelUnknown {
		fmt.Fprintf(&b, "Travel support: %s\n", d.TravelSupport)
	}
	if d.Location != "" {
		fmt.Fprintf(&b, "Location: %s\n", d.Location)
	}
	if d.Remote != "" && d.Remote != radar.RemoteUnknown {
		fmt.Fprintf(&b, "Remote: %s\n", d.Remote)
	}
	if d.Eligibility != "" {
		fmt.Fprintf(&b, "Eligibility: %s\n", d.Eligibility)
	}
	if d.Summary != "" {
		fmt.Fprintf(&b, "Summary: %s\n", d.Summary)
	}
	if d.PrizeDetails != "" {
		fmt.Fprintf(&b, "Prizes: %s\n", d.PrizeDetails)
	}
	if d.URL != "" {
		fmt.Fprintf(&b, "URL: %s\n", d.URL)
	}

	return strings.TrimSpace(b.String())
}

var recommendations = map[string]struct{}{
	"strong_apply": {},
	"apply":        {},
	"maybe":        {},
	"skip":         {},
}

func parseScore(raw string) (*radar.Score, error) {
	data, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}

	relevance := data["relevance_score"]
	if relevance == nil {
		relevance = data["relevance"]
	}
	prestige := data["prestige_score"]
	if prestige == nil {
		prestige = data["prestige"]
	}

	if relevance == nil && prestige == nil {
		return nil, fmt.Errorf("score response has neither relevance nor prestige: %w", radar.ErrMalformedResponse)
	}

	score := &radar.Score{
		Relevance:   unitScore(coerceFloat(relevance)),
		Prestige:    unitScore(coerceFloat(prestige)),
		Summary:     coerceString(data["summary"]),
		Highlights:  coerceStrings(data["highlights"]),
		Reasoning:   coerceString(data["reasoning"]),
		MatchedHigh: coerceStrings(data["matched_high_signals"]),
		MatchedLow:  coerceStrings(data["matched_low_signals"]),
	}

	rec := strings.ToLower(coerceString(data["recommendation"]))
	if _, ok := recommendations[rec]; ok {
		score.Recommendation = rec
	}

	sort.Strings(score.MatchedHigh)
	sort.Strings(score.MatchedLow)

	return score, nil
}
