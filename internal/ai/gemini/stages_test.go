package gemini

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/spigell/opportunity-radar/internal/ai"
	"github.com/spigell/opportunity-radar/internal/radar"
)

type stubGenerator struct {
	response string
	err      error
	prompts  []string
}

func (s *stubGenerator) GenerateContent(_ context.Context, prompt string) (string, error) {
	s.prompts = append(s.prompts, prompt)
	return s.response, s.err
}

func floatp(v float64) *float64 { return &v }

func TestClassifierAppliesThreshold(t *testing.T) {
	cases := []struct {
		name      string
		response  string
		threshold *float64
		admit     bool
		conf      float64
	}{
		{name: "confident", response: `{"contains_opportunity": true, "confidence": 0.92, "opportunity_types": ["fellowship"]}`, admit: true, conf: 0.92},
		{name: "below default", response: `{"contains_opportunity": true, "confidence": 0.4}`, admit: false, conf: 0.4},
		{name: "tuned threshold", response: `{"contains_opportunity": true, "confidence": 0.4}`, threshold: floatp(0.3), admit: true, conf: 0.4},
		{name: "zero threshold is kept", response: `{"contains_opportunity": true, "confidence": 0.05}`, threshold: floatp(0), admit: true, conf: 0.05},
		{name: "zero threshold still needs a positive answer", response: `{"contains_opportunity": false, "confidence": 0.9}`, threshold: floatp(0), admit: false, conf: 0.9},
		{name: "negative", response: `{"contains_opportunity": false, "confidence": 0.99}`, admit: false, conf: 0.99},
		{name: "legacy key and string confidence", response: "```json\n{\"is_opportunity\": \"yes\", \"confidence\": \"0.8\"}\n```", admit: true, conf: 0.8},
		{name: "clamped", response: `{"contains_opportunity": true, "confidence": 7}`, admit: true, conf: 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			classifier := NewClassifier(&stubGenerator{response: tc.response}, tc.threshold, 0, 0, nil)

			got, err := classifier.Classify(context.Background(), "some text")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Admit != tc.admit {
				t.Fatalf("admit = %v, want %v", got.Admit, tc.admit)
			}
			if got.Confidence != tc.conf {
				t.Fatalf("confidence = %v, want %v", got.Confidence, tc.conf)
			}
		})
	}
}

func TestClassifierMalformedResponse(t *testing.T) {
	classifier := NewClassifier(&stubGenerator{response: "I think so!"}, nil, 0, 0, nil)

	_, err := classifier.Classify(context.Background(), "text")
	if !errors.Is(err, radar.ErrMalformedResponse) {
		t.Fatalf("expected malformed response error, got %v", err)
	}
}

func TestClassifierPropagatesTransientErrors(t *testing.T) {
	upstream := errors.Join(radar.ErrTransientUpstream, errors.New("503"))
	classifier := NewClassifier(&stubGenerator{err: upstream}, nil, 0, 0, nil)

	_, err := classifier.Classify(context.Background(), "text")
	if !radar.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestClassifierTruncatesContent(t *testing.T) {
	gen := &stubGenerator{response: `{"contains_opportunity": false, "confidence": 0.1}`}
	classifier := NewClassifier(gen, nil, 10, 0, nil)

	if _, err := classifier.Classify(context.Background(), strings.Repeat("a", 100)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(gen.prompts[0], strings.Repeat("a", 11)) {
		t.Fatal("expected content to be truncated")
	}
	if !strings.Contains(gen.prompts[0], "[truncated]") {
		t.Fatal("expected truncation marker")
	}
}

func TestExtractorReturnsAllDrafts(t *testing.T) {
	response := `[
	  {"title": "Research Engineer", "organization": "Acme Labs", "url": "/jobs/1", "type": "job",
	   "deadline": "2025-06-01", "stipend_amount": "$5,000", "stipend_currency": "usd", "is_remote": true,
	   "highlights": ["paid", "remote"]},
	  {"title": "Summer Fellowship in Robotics", "organization": "Acme Labs", "type": "fellowship", "deadline": "not stated"},
	  {"title": "Global AI Hackathon", "type": "competition", "stipend_amount": "10k", "is_remote": "no",
	   "travel_support": "FULL", "url": "https://hack.example.com/"}
	]`

	extractor := NewExtractor(&stubGenerator{response: response}, 0, 0, nil)

	drafts, err := extractor.Extract(context.Background(), "listing", ai.SourceContext{Name: "acme", URL: "https://acme.example.org/careers"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(drafts) != 3 {
		t.Fatalf("expected 3 drafts, got %d", len(drafts))
	}

	first := drafts[0]
	if first.URL != "https://acme.example.org/jobs/1" {
		t.Fatalf("expected resolved url, got %q", first.URL)
	}
	if first.Deadline == nil || first.Deadline.Format("2006-01-02") != "2025-06-01" {
		t.Fatalf("unexpected deadline %v", first.Deadline)
	}
	if first.StipendAmount == nil || *first.StipendAmount != 5000 {
		t.Fatalf("unexpected stipend %v", first.StipendAmount)
	}
	if first.StipendCurrency != "USD" || first.Remote != radar.RemoteYes || first.Category != radar.CategoryJob {
		t.Fatalf("unexpected draft %+v", first)
	}
	if len(first.Highlights) != 2 {
		t.Fatalf("unexpected highlights %v", first.Highlights)
	}

	second := drafts[1]
	if second.Deadline != nil {
		t.Fatalf("expected unparseable deadline to be nil, got %v", second.Deadline)
	}
	if second.URL != "https://acme.example.org/careers" {
		t.Fatalf("expected source url fallback, got %q", second.URL)
	}
	if second.StipendAmount != nil || second.TravelSupport != radar.TravelUnknown {
		t.Fatalf("unexpected optional fields %+v", second)
	}

	third := drafts[2]
	if third.Category != radar.CategoryHackathon || third.TravelSupport != radar.TravelFull || third.Remote != radar.RemoteNo {
		t.Fatalf("unexpected enums %+v", third)
	}
	if third.StipendAmount == nil || *third.StipendAmount != 10000 {
		t.Fatalf("unexpected stipend %v", third.StipendAmount)
	}
}

func TestExtractorShapes(t *testing.T) {
	cases := []struct {
		name     string
		response string
		want     int
		wantErr  bool
	}{
		{name: "wrapped", response: `{"opportunities": [{"title": "Climate Grant 2026"}]}`, want: 1},
		{name: "single object", response: `{"title": "Artist Residency Berlin"}`, want: 1},
		{name: "empty array", response: `[]`, want: 0},
		{name: "unknown object", response: `{"note": "nothing here"}`, want: 0},
		{name: "untitled entries", response: `[{"organization": "Acme"}, "junk"]`, want: 0},
		{name: "generic titles", response: `[{"title": "Careers at Acme"}, {"title": "Join our team"}, {"title": "Jobs"}]`, want: 0},
		{name: "prose", response: `Sorry, I cannot help with that.`, wantErr: true},
		{name: "scalar", response: `42`, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			extractor := NewExtractor(&stubGenerator{response: tc.response}, 0, 0, nil)

			drafts, err := extractor.Extract(context.Background(), "text", ai.SourceContext{})
			if tc.wantErr {
				if !errors.Is(err, radar.ErrMalformedResponse) {
					t.Fatalf("expected malformed response error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(drafts) != tc.want {
				t.Fatalf("expected %d drafts, got %d", tc.want, len(drafts))
			}
		})
	}
}

func TestExtractorPromptCarriesSourceURL(t *testing.T) {
	gen := &stubGenerator{response: `[]`}
	extractor := NewExtractor(gen, 0, 0, nil)

	if _, err := extractor.Extract(context.Background(), "body", ai.SourceContext{URL: "https://example.org/x"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(gen.prompts[0], "https://example.org/x") {
		t.Fatal("expected source url in prompt")
	}
}

func TestScorerClampsAndParses(t *testing.T) {
	gen := &stubGenerator{response: `{
	  "relevance_score": 1.4,
	  "prestige_score": "-0.2",
	  "summary": "Paid research role.",
	  "highlights": ["paid"],
	  "reasoning": "fits",
	  "matched_high_signals": ["stipend", "ai"],
	  "recommendation": "STRONG_APPLY"
	}`}
	scorer := NewScorer(gen, 0, nil)

	score, err := scorer.Score(context.Background(), &radar.Draft{Title: "Research Engineer"}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if score.Relevance == nil || *score.Relevance != 1 {
		t.Fatalf("expected relevance clamped to 1, got %v", score.Relevance)
	}
	if score.Prestige == nil || *score.Prestige != 0 {
		t.Fatalf("expected prestige clamped to 0, got %v", score.Prestige)
	}
	if score.Recommendation != "strong_apply" {
		t.Fatalf("unexpected recommendation %q", score.Recommendation)
	}
	if strings.Join(score.MatchedHigh, ",") != "ai,stipend" {
		t.Fatalf("unexpected matched signals %v", score.MatchedHigh)
	}
}

func TestScorerMissingScoresAreMalformed(t *testing.T) {
	scorer := NewScorer(&stubGenerator{response: `{"summary": "x", "recommendation": "later"}`}, 0, nil)

	score, err := scorer.Score(context.Background(), &radar.Draft{Title: "Grant"}, nil, nil)
	if !errors.Is(err, radar.ErrMalformedResponse) {
		t.Fatalf("expected malformed response, got %v", err)
	}
	if score != nil {
		t.Fatalf("expected no score, got %+v", score)
	}
}

func TestScorerOneMissingScoreIsNil(t *testing.T) {
	scorer := NewScorer(&stubGenerator{response: `{"prestige_score": 0.6, "recommendation": "later"}`}, 0, nil)

	score, err := scorer.Score(context.Background(), &radar.Draft{Title: "Grant"}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if score.Relevance != nil || score.Prestige == nil || *score.Prestige != 0.6 {
		t.Fatalf("unexpected scores %v %v", score.Relevance, score.Prestige)
	}
	if score.Recommendation != "" {
		t.Fatalf("expected unknown recommendation to be dropped, got %q", score.Recommendation)
	}
}

func TestScorerPromptIncludesProfileAndExamples(t *testing.T) {
	gen := &stubGenerator{response: `{"relevance_score": 0.5, "prestige_score": 0.5}`}
	scorer := NewScorer(gen, 0, nil)

	profile := &radar.Profile{
		Name:             "Ada",
		Interests:        []string{"robotics"},
		HighValueSignals: []string{"paid stipend"},
		Constraints:      map[string]any{"relocation": "no"},
	}
	examples := []radar.Example{{OpportunityID: "1", Text: "Title: Old Fellowship", Rating: 5}}

	if _, err := scorer.Score(context.Background(), &radar.Draft{Title: "Robotics Residency"}, profile, examples); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	prompt := gen.prompts[0]
	for _, want := range []string{"Name: Ada", "robotics", "- paid stipend", "relocation:", "[rated 5/5]", "Title: Old Fellowship", "Title: Robotics Residency"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("expected prompt to contain %q:\n%s", want, prompt)
		}
	}
	if strings.Contains(prompt, "{{") {
		t.Fatal("expected all placeholders to be replaced")
	}
}

func TestScorerWithoutExamples(t *testing.T) {
	gen := &stubGenerator{response: `{"relevance_score": 0.5}`}

	if _, err := NewScorer(gen, 0, nil).Score(context.Background(), &radar.Draft{Title: "Grant for makers"}, nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(gen.prompts[0], "No past ratings.") {
		t.Fatal("expected empty examples block")
	}
}
