package normalize

import (
	"regexp"
	"strings"

	"github.com/spigell/opportunity-radar/internal/dedup"
	"github.com/spigell/opportunity-radar/internal/radar"
	"go.uber.org/zap"
)

var blankLines = regexp.MustCompile(`\n{3,}`)

// Normalizer flattens raw items into plain text and computes their fingerprint.
type Normalizer struct {
	prefixRunes int
	logger      *zap.Logger
}

func New(prefixRunes int, logger *zap.Logger) *Normalizer {
	if prefixRunes <= 0 {
		prefixRunes = dedup.DefaultPrefixRunes
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Normalizer{prefixRunes: prefixRunes, logger: logger}
}

// Normalize never fails. Input that cannot be parsed yields empty text so
// later stages can log it as unusable.
func (n *Normalizer) Normalize(item radar.RawItem) (string, radar.Fingerprint) {
	var text string

	switch item.Format {
	case radar.FormatHTML:
		text = n.html(string(item.Body), item.Selector)
	case radar.FormatMIME:
		text = n.mime(item.Body)
	default:
		text = string(item.Body)
	}

	text = cleanup(text)

	return text, dedup.FingerprintPrefix(identityKey(item), text, n.prefixRunes)
}

func identityKey(item radar.RawItem) string {
	if strings.TrimSpace(item.URL) != "" {
		return item.URL
	}
	if item.MessageID != "" {
		return "mid:" + item.MessageID
	}
	return ""
}

func cleanup(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\u00a0", " ")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	text = strings.Join(lines, "\n")

	text = blankLines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
