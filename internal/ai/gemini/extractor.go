package gemini

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "embed"

	"github.com/spigell/opportunity-radar/internal/ai"
	"github.com/spigell/opportunity-radar/internal/logger"
	"github.com/spigell/opportunity-radar/internal/radar"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

//go:embed extract.md
var extractTemplate string

const minTitleLength = 5

var genericTitles = []*regexp.Regexp{
	regexp.MustCompile(`^(find|search|browse|explore|view|see)\s+(your\s+)?(next\s+)?(job|career|role|position)`),
	regexp.MustCompile(`^(careers?|jobs?|positions?|openings?|opportunities?)\s+(at|@)\s+`),
	regexp.MustCompile(`^(open\s+)?(positions?|roles?)\s*$`),
	regexp.MustCompile(`^(join\s+)?(our\s+)?team`),
	regexp.MustCompile(`^(work|working)\s+(at|with)\s+`),
	regexp.MustCompile(`^(current\s+)?(job\s+)?openings?`),
	regexp.MustCompile(`^(we'?re\s+)?hiring$`),
	regexp.MustCompile(`^(check\s+out\s+)?(all\s+)?(open\s+)?jobs?$`),
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
}

var amountPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*([kKmM])?\b`)

// Extractor turns admitted text into zero or more drafts.
type Extractor struct {
	generator  contentGenerator
	maxContent int
	maxLogLen  int
	logger     *zap.Logger
}

func NewExtractor(generator contentGenerator, maxContent, maxLogLength int, logger *zap.Logger) *Extractor {
	if maxContent <= 0 {
		maxContent = defaultMaxContent
	}
	if maxLogLength <= 0 {
		maxLogLength = defaultMaxLogLength
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Extractor{
		generator:  generator,
		maxContent: maxContent,
		maxLogLen:  maxLogLength,
		logger:     logger,
	}
}

func (e *Extractor) Extract(ctx context.Context, text string, src ai.SourceContext) ([]*radar.Draft, error) {
	sourceURL := strings.TrimSpace(src.URL)
	if sourceURL == "" {
		sourceURL = "unknown"
	}

	prompt := strings.ReplaceAll(extractTemplate, "{{SOURCE_URL}}", sourceURL)
	prompt = strings.ReplaceAll(prompt, "{{CONTENT}}", ai.TruncateContent(text, e.maxContent))

	raw, err := e.generator.GenerateContent(ctx, prompt)
	if err != nil {
		return nil, err
	}

	e.logger.Debug("gemini extract response",
		zap.String("source", src.Name),
		zap.String("response_preview", logger.TruncateForLog(raw, e.maxLogLen)),
	)

	drafts, err := parseDrafts(raw, src.URL)
	if err != nil {
		return nil, err
	}

	kept := drafts[:0]
	for _, d := range drafts {
		if isGeneric(d.Title) {
			e.logger.Debug("dropping generic draft", zap.String("title", d.Title))
			continue
		}
		kept = append(kept, d)
	}

	return kept, nil
}

// parseDrafts accepts a JSON array, an {"opportunities": [...]} wrapper or a single object.
func parseDrafts(raw, sourceURL string) ([]*radar.Draft, error) {
	cleaned := extractJSON(raw)
	if !gjson.Valid(cleaned) {
		return nil, fmt.Errorf("parse extractor response: %w", radar.ErrMalformedResponse)
	}

	root := gjson.Parse(cleaned)

	var entries []gjson.Result
	switch {
	case root.IsArray():
		entries = root.Array()
	case root.Get("opportunities").IsArray():
		entries = root.Get("opportunities").Array()
	case root.IsObject() && root.Get("title").Exists():
		entries = []gjson.Result{root}
	case root.IsObject():
		return nil, nil
	default:
		return nil, fmt.Errorf("parse extractor response: unexpected %s: %w", root.Type, radar.ErrMalformedResponse)
	}

	base, _ := url.Parse(strings.TrimSpace(sourceURL))

	drafts := make([]*radar.Draft, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsObject() {
			continue
		}
		d := draftFromJSON(entry, base)
		if d.Title == "" {
			continue
		}
		drafts = append(drafts, d)
	}

	return drafts, nil
}

func draftFromJSON(entry gjson.Result, base *url.URL) *radar.Draft {
	d := &radar.Draft{
		Title:           str(entry.Get("title")),
		Organization:    str(entry.Get("organization")),
		URL:             resolveURL(base, str(entry.Get("url"))),
		ApplicationURL:  resolveURL(base, str(entry.Get("application_url"))),
		Category:        radar.ParseCategory(str(entry.Get("type"))),
		Deadline:        parseDate(str(entry.Get("deadline"))),
		StipendAmount:   parseAmount(entry.Get("stipend_amount")),
		StipendCurrency: strings.ToUpper(str(entry.Get("stipend_currency"))),
		TravelSupport:   radar.ParseTravelSupport(str(entry.Get("travel_support"))),
		Location:        str(entry.Get("location")),
		Remote:          parseRemote(entry.Get("is_remote")),
		Eligibility:     str(entry.Get("eligibility")),
		Summary:         str(entry.Get("summary")),
		PrizeDetails:    str(entry.Get("prize_details")),
	}

	for _, h := range entry.Get("highlights").Array() {
		if s := str(h); s != "" {
			d.Highlights = append(d.Highlights, s)
		}
	}

	if d.URL == "" && base != nil && base.Host != "" {
		d.URL = base.String()
	}
	if d.StipendAmount == nil {
		d.StipendCurrency = ""
	}

	return d
}

func str(r gjson.Result) string {
	if !r.Exists() || r.Type == gjson.Null {
		return ""
	}
	s := strings.TrimSpace(r.String())
	if strings.EqualFold(s, "null") {
		return ""
	}
	return s
}

func resolveURL(base *url.URL, ref string) string {
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if u.IsAbs() {
		return u.String()
	}
	if base == nil || base.Host == "" {
		return ""
	}
	return base.ResolveReference(u).String()
}

func parseDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func parseAmount(r gjson.Result) *float64 {
	switch r.Type {
	case gjson.Number:
		v := r.Float()
		return &v
	case gjson.String:
		s := strings.ReplaceAll(r.String(), ",", "")
		match := amountPattern.FindStringSubmatch(s)
		if match == nil {
			return nil
		}
		v, err := strconv.ParseFloat(match[1], 64)
		if err != nil {
			return nil
		}
		switch strings.ToLower(match[2]) {
		case "k":
			v *= 1_000
		case "m":
			v *= 1_000_000
		}
		return &v
	default:
		return nil
	}
}

func parseRemote(r gjson.Result) radar.Remote {
	switch r.Type {
	case gjson.True:
		return radar.RemoteYes
	case gjson.False:
		return radar.RemoteNo
	case gjson.String:
		switch strings.ToLower(strings.TrimSpace(r.String())) {
		case "true", "yes", "remote":
			return radar.RemoteYes
		case "false", "no", "onsite", "on-site":
			return radar.RemoteNo
		}
	}
	return radar.RemoteUnknown
}

func isGeneric(title string) bool {
	title = strings.ToLower(strings.TrimSpace(title))
	if len([]rune(title)) < minTitleLength {
		return true
	}
	for _, pattern := range genericTitles {
		if pattern.MatchString(title) {
			return true
		}
	}
	return false
}
