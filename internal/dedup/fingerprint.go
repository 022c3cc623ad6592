package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"unicode"

	"github.com/spigell/opportunity-radar/internal/radar"
)

// DefaultPrefixRunes bounds how much normalized text takes part in the digest.
// It covers everything the classifier and extractor read and everything
// persisted as raw content, so any change they could act on changes the digest.
const DefaultPrefixRunes = 20000

const fingerprintHexLen = 32

var trackingParams = map[string]struct{}{
	"ref":      {},
	"referrer": {},
	"source":   {},
	"fbclid":   {},
	"gclid":    {},
	"mc_cid":   {},
	"mc_eid":   {},
}

// Fingerprint digests (canonical url, normalized text prefix) with the default prefix length.
func Fingerprint(rawURL, text string) radar.Fingerprint {
	return FingerprintPrefix(rawURL, text, DefaultPrefixRunes)
}

// FingerprintPrefix is Fingerprint with an explicit prefix length.
func FingerprintPrefix(rawURL, text string, prefixRunes int) radar.Fingerprint {
	h := sha256.New()
	h.Write([]byte(CanonicalURL(rawURL)))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeText(text, prefixRunes)))
	return radar.Fingerprint(hex.EncodeToString(h.Sum(nil))[:fingerprintHexLen])
}

// NormalizeText lowercases, collapses whitespace runs to one space and keeps at most limit runes.
func NormalizeText(text string, limit int) string {
	var b strings.Builder
	b.Grow(len(text))

	count := 0
	pendingSpace := false
	for _, r := range text {
		if limit > 0 && count >= limit {
			break
		}
		if unicode.IsSpace(r) {
			pendingSpace = b.Len() > 0
			continue
		}
		if pendingSpace {
			b.WriteByte(' ')
			count++
			pendingSpace = false
			if limit > 0 && count >= limit {
				break
			}
		}
		b.WriteRune(unicode.ToLower(r))
		count++
	}

	return b.String()
}

// CanonicalURL strips tracking parameters, fragments and trailing slashes so that
// the same posting reached through different newsletters keys identically.
func CanonicalURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.ToLower(raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""

	q := u.Query()
	keys := make([]string, 0, len(q))
	for key := range q {
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, "utm_") {
			continue
		}
		if _, ok := trackingParams[lower]; ok {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	clean := url.Values{}
	for _, key := range keys {
		clean[key] = q[key]
	}
	u.RawQuery = clean.Encode()

	return u.String()
}

// DraftKey identifies one draft of one item. It is what keeps re-runs from
// duplicating opportunities while still allowing several drafts per item.
func DraftKey(fp radar.Fingerprint, title, organization string) string {
	h := sha256.New()
	h.Write([]byte(fp))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeText(title, 0)))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeText(organization, 0)))
	return hex.EncodeToString(h.Sum(nil))[:fingerprintHexLen]
}
