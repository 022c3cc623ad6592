package normalize

import (
	"fmt"
	"strings"
	"testing"

	"github.com/spigell/opportunity-radar/internal/radar"
	"go.uber.org/zap"
)

const careersPage = `<html><head><title>Careers</title><style>body{}</style></head>
<body>
<nav><a href="/">Home</a> <a href="/about">About us</a></nav>
<main id="jobs">
  <h1>Open roles</h1>
  <p>We are hiring a <b>Research Engineer</b>, apply by 2025-06-01.</p>
</main>
<footer>Copyright ACME</footer>
<script>track()</script>
</body></html>`

func TestNormalizeHTMLRemovesBoilerplate(t *testing.T) {
	n := New(0, zap.NewNop())

	text, fp := n.Normalize(radar.RawItem{
		Format: radar.FormatHTML,
		URL:    "https://example.org/careers",
		Body:   []byte(careersPage),
	})

	if !strings.Contains(text, "Research Engineer") {
		t.Fatalf("expected job text, got %q", text)
	}

	for _, unwanted := range []string{"About us", "Copyright", "track()", "body{}"} {
		if strings.Contains(text, unwanted) {
			t.Fatalf("expected %q to be stripped, got %q", unwanted, text)
		}
	}

	if fp == "" {
		t.Fatal("expected fingerprint")
	}
}

func TestNormalizeHTMLSelector(t *testing.T) {
	n := New(0, zap.NewNop())

	page := `<html><body><div class="intro">Welcome to our site</div><div id="jobs"><p>Fellowship 2026</p></div></body></html>`
	text, _ := n.Normalize(radar.RawItem{
		Format:   radar.FormatHTML,
		Body:     []byte(page),
		Selector: "#jobs",
	})

	if !strings.Contains(text, "Fellowship 2026") {
		t.Fatalf("expected selected content, got %q", text)
	}
	if strings.Contains(text, "Welcome") {
		t.Fatalf("expected content outside selector to be dropped, got %q", text)
	}
}

func TestNormalizeIsDeterministic(t *testing.T) {
	n := New(0, zap.NewNop())
	item := radar.RawItem{Format: radar.FormatHTML, URL: "https://example.org", Body: []byte(careersPage)}

	text1, fp1 := n.Normalize(item)
	text2, fp2 := n.Normalize(item)

	if text1 != text2 || fp1 != fp2 {
		t.Fatalf("expected identical output for identical input")
	}
}

func TestNormalizeMIMEPrefersPlainText(t *testing.T) {
	raw := strings.Join([]string{
		"From: Newsletter <news@example.org>",
		"Subject: Weekly roundup",
		"Message-ID: <abc@example.org>",
		"MIME-Version: 1.0",
		`Content-Type: multipart/alternative; boundary="b1"`,
		"",
		"--b1",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Plain listing: Research Fellowship",
		"--b1",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>HTML listing</p>",
		"--b1--",
		"",
	}, "\r\n")

	n := New(0, zap.NewNop())
	text, _ := n.Normalize(radar.RawItem{Format: radar.FormatMIME, MessageID: "abc@example.org", Body: []byte(raw)})

	if !strings.Contains(text, "Plain listing: Research Fellowship") {
		t.Fatalf("expected plain part, got %q", text)
	}
	if strings.Contains(text, "HTML listing") {
		t.Fatalf("did not expect html part when plain exists, got %q", text)
	}
	if !strings.HasPrefix(text, "# Weekly roundup") {
		t.Fatalf("expected subject header, got %q", text)
	}
}

func TestNormalizeMIMEFallsBackToHTML(t *testing.T) {
	raw := strings.Join([]string{
		"From: news@example.org",
		"Subject: Hackathon",
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<html><body><nav>menu</nav><p>Global AI <b>Hackathon</b> prize pool $10k</p></body></html>",
		"",
	}, "\r\n")

	n := New(0, zap.NewNop())
	text, _ := n.Normalize(radar.RawItem{Format: radar.FormatMIME, Body: []byte(raw)})

	if !strings.Contains(text, "Hackathon") || !strings.Contains(text, "prize pool") {
		t.Fatalf("expected converted html, got %q", text)
	}
	if strings.Contains(text, "menu") {
		t.Fatalf("expected nav to be removed, got %q", text)
	}
}

func TestNormalizeEmptyBodyDegrades(t *testing.T) {
	n := New(0, zap.NewNop())

	for _, format := range []radar.Format{radar.FormatHTML, radar.FormatMIME, radar.FormatText} {
		text, fp := n.Normalize(radar.RawItem{Format: format, URL: "https://example.org/empty"})
		if text != "" {
			t.Fatalf("%s: expected empty text, got %q", format, text)
		}
		if fp == "" {
			t.Fatalf("%s: expected fingerprint even for empty items", format)
		}
	}
}

func TestNormalizeMessageIDKeysEmail(t *testing.T) {
	n := New(0, zap.NewNop())

	_, a := n.Normalize(radar.RawItem{Format: radar.FormatText, MessageID: "one", Body: []byte("same text")})
	_, b := n.Normalize(radar.RawItem{Format: radar.FormatText, MessageID: "two", Body: []byte("same text")})

	if a == b {
		t.Fatal("expected distinct messages to fingerprint differently")
	}
}

func TestTitle(t *testing.T) {
	if got := Title(careersPage); got != "Careers" {
		t.Fatalf("unexpected title %q", got)
	}
}

func TestNormalizeLongPageNoticesAppendedListing(t *testing.T) {
	var rows strings.Builder
	for i := 0; i < 120; i++ {
		fmt.Fprintf(&rows, "<li>Software Engineer, platform team %d, full time, Berlin or remote.</li>\n", i)
	}
	page := func(extra string) []byte {
		return []byte("<html><body><main><h1>Open roles</h1><ul>\n" + rows.String() + extra + "</ul></main></body></html>")
	}

	n := New(0, zap.NewNop())
	item := radar.RawItem{Format: radar.FormatHTML, URL: "https://example.org/careers"}

	item.Body = page("")
	before, fpBefore := n.Normalize(item)
	if len([]rune(before)) <= 4096 {
		t.Fatalf("expected a long page, got %d runes", len([]rune(before)))
	}

	item.Body = page("<li>Climate Research Fellowship, fully funded, apply by 2025-09-01.</li>\n")
	after, fpAfter := n.Normalize(item)
	if !strings.Contains(after, "Climate Research Fellowship") {
		t.Fatalf("expected appended listing in text")
	}
	if fpBefore == fpAfter {
		t.Fatalf("fingerprint unchanged after a listing was appended: %s", fpAfter)
	}
}
