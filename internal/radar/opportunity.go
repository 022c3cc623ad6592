package radar

import (
	"strings"
	"time"
)

// Category is the fixed opportunity classification.
type Category string

const (
	CategoryFellowship Category = "fellowship"
	CategoryHackathon  Category = "hackathon"
	CategoryResidency  Category = "residency"
	CategoryJob        Category = "job"
	CategoryGrant      Category = "grant"
	CategoryInternship Category = "internship"
	CategoryProgram    Category = "program"
)

var categoryAliases = map[string]Category{
	"fellowship":  CategoryFellowship,
	"hackathon":   CategoryHackathon,
	"competition": CategoryHackathon,
	"residency":   CategoryResidency,
	"job":         CategoryJob,
	"grant":       CategoryGrant,
	"internship":  CategoryInternship,
	"program":     CategoryProgram,
	"accelerator": CategoryProgram,
}

// ParseCategory maps free-form model output onto the enumeration. Unknown values yield "".
func ParseCategory(s string) Category {
	return categoryAliases[strings.ToLower(strings.TrimSpace(s))]
}

// TravelSupport is the travel-support tier.
type TravelSupport string

const (
	TravelNone    TravelSupport = "none"
	TravelPartial TravelSupport = "partial"
	TravelFull    TravelSupport = "full"
	TravelUnknown TravelSupport = "unknown"
)

// ParseTravelSupport defaults to TravelUnknown.
func ParseTravelSupport(s string) TravelSupport {
	switch TravelSupport(strings.ToLower(strings.TrimSpace(s))) {
	case TravelNone:
		return TravelNone
	case TravelPartial:
		return TravelPartial
	case TravelFull:
		return TravelFull
	default:
		return TravelUnknown
	}
}

// Remote is a tri-state flag.
type Remote string

const (
	RemoteYes     Remote = "yes"
	RemoteNo      Remote = "no"
	RemoteUnknown Remote = "unknown"
)

// Draft is an extracted, not yet scored opportunity.
type Draft struct {
	Title           string
	Organization    string
	URL             string
	ApplicationURL  string
	Category        Category
	Deadline        *time.Time
	StipendAmount   *float64
	StipendCurrency string
	TravelSupport   TravelSupport
	Location        string
	Remote          Remote
	Eligibility     string
	Summary         string
	Highlights      []string
	PrizeDetails    string
}

// Score is the scorer output for one draft. Nil scores mean "not scored".
type Score struct {
	Relevance      *float64
	Prestige       *float64
	Summary        string
	Highlights     []string
	Reasoning      string
	Recommendation string
	MatchedHigh    []string
	MatchedLow     []string
}

// Opportunity is the persisted record.
type Opportunity struct {
	ID       string
	SourceID string
	Draft
	Relevance          *float64
	Prestige           *float64
	Reasoning          string
	Recommendation     string
	MatchedHigh        []string
	MatchedLow         []string
	RawContent         string
	ContentFingerprint Fingerprint
	DedupKey           string
	NotifiedAt         *time.Time
	UserRating         *int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ApplyScore copies scorer output onto the opportunity. A non-empty scorer summary
// or highlight list replaces the extracted one.
func (o *Opportunity) ApplyScore(s *Score) {
	if s == nil {
		return
	}
	o.Relevance = s.Relevance
	o.Prestige = s.Prestige
	o.Reasoning = s.Reasoning
	o.Recommendation = s.Recommendation
	o.MatchedHigh = s.MatchedHigh
	o.MatchedLow = s.MatchedLow
	if strings.TrimSpace(s.Summary) != "" {
		o.Summary = s.Summary
	}
	if len(s.Highlights) > 0 {
		o.Highlights = s.Highlights
	}
}

// Example is a rated opportunity rendered for the scorer prompt.
type Example struct {
	OpportunityID string
	Text          string
	Rating        int
}
