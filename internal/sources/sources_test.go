package sources

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/spigell/opportunity-radar/internal/radar"
	"github.com/spigell/opportunity-radar/internal/storage"
	"go.uber.org/zap"
)

func testDeps() Deps {
	logger := zap.NewNop()
	return Deps{
		HTTP:      NewHTTPClient(HTTPOptions{Timeout: 5 * time.Second, RetryMax: 1, RetryWaitMin: time.Millisecond, RetryWaitMax: 2 * time.Millisecond}, logger),
		UserAgent: "radar-test",
		Logger:    logger,
	}
}

func TestRegistryRejectsUnknownKind(t *testing.T) {
	registry := NewRegistry(testDeps())

	_, err := registry.Connector(&radar.Source{Name: "x", Kind: "ftp"})
	if !errors.Is(err, radar.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestRegistryCustomFactory(t *testing.T) {
	registry := NewRegistry(testDeps())

	called := false
	registry.Register(radar.KindFeed, func(src *radar.Source, deps Deps) (Connector, error) {
		called = true
		return NewFeed(src, deps)
	})

	if _, err := registry.Connector(&radar.Source{Name: "f", Kind: radar.KindFeed, Config: map[string]any{"url": "https://example.org/rss"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected registered factory to be used")
	}
}

func TestPageConfigValidation(t *testing.T) {
	cases := []map[string]any{
		{},
		{"url": "example.org/careers"},
		{"url": "https://example.org", "link-pattern": "("},
		{"url": "https://example.org", "max-links": "many"},
	}

	for i, cfg := range cases {
		_, err := NewPage(&radar.Source{Name: "p", Kind: radar.KindPage, Config: cfg}, testDeps())
		if !errors.Is(err, radar.ErrConfiguration) {
			t.Fatalf("case %d: expected configuration error, got %v", i, err)
		}
	}
}

func TestPageFetchesStartPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><title>Careers</title></head><body><p>Research Engineer</p></body></html>`)
	}))
	defer server.Close()

	connector, err := NewPage(&radar.Source{ID: "s1", Name: "acme", Kind: radar.KindPage, Config: map[string]any{
		"url":      server.URL + "/careers",
		"selector": "#jobs",
	}}, testDeps())
	if err != nil {
		t.Fatalf("new page: %v", err)
	}

	items, err := connector.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}

	item := items[0]
	if item.SourceID != "s1" || item.Format != radar.FormatHTML || item.Kind != radar.KindPage {
		t.Fatalf("unexpected item %+v", item)
	}
	if item.Title != "Careers" || item.Selector != "#jobs" || !strings.Contains(string(item.Body), "Research Engineer") {
		t.Fatalf("unexpected item content %+v", item)
	}
}

func TestPageDecodesCharset(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
		_, _ = w.Write([]byte("<p>Caf\xe9 fellowship</p>"))
	}))
	defer server.Close()

	connector, err := NewPage(&radar.Source{Name: "latin", Kind: radar.KindPage, Config: map[string]any{"url": server.URL}}, testDeps())
	if err != nil {
		t.Fatalf("new page: %v", err)
	}

	items, err := connector.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !strings.Contains(string(items[0].Body), "Café") {
		t.Fatalf("expected utf-8 body, got %q", items[0].Body)
	}
}

func TestPageFollowsMatchingLinks(t *testing.T) {
	mux := http.NewServeMux()
	var serverURL string

	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><body>
<a href="/jobs/1">one</a>
<a href="/jobs/2">two</a>
<a href="/jobs/2#apply">two again</a>
<a href="/about">about</a>
<a href="https://other.example.com/jobs/3">external</a>
<a href="%s/jobs/4">four</a>
</body></html>`, serverURL)
	})
	for _, id := range []string{"1", "2", "4"} {
		id := id
		mux.HandleFunc("/jobs/"+id, func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, "<html><head><title>Job %s</title></head><body>details</body></html>", id)
		})
	}

	server := httptest.NewServer(mux)
	defer server.Close()
	serverURL = server.URL

	connector, err := NewPage(&radar.Source{Name: "acme", Kind: radar.KindPage, Config: map[string]any{
		"url":          server.URL + "/jobs",
		"link-pattern": `/jobs/\d+$`,
		"max-links":    2,
		"delay":        "1ms",
	}}, testDeps())
	if err != nil {
		t.Fatalf("new page: %v", err)
	}

	items, err := connector.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	var titles []string
	for _, item := range items {
		titles = append(titles, item.Title)
	}
	sort.Strings(titles)

	if got := strings.Join(titles, ","); got != ",Job 1,Job 2" {
		t.Fatalf("expected start page plus two linked pages, got %q", titles)
	}
}

func TestPageFetchErrors(t *testing.T) {
	cases := []struct {
		status    int
		transient bool
	}{
		{status: http.StatusNotFound, transient: false},
		{status: http.StatusServiceUnavailable, transient: true},
	}

	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer server.Close()

			connector, err := NewPage(&radar.Source{Name: "down", Kind: radar.KindPage, Config: map[string]any{"url": server.URL}}, testDeps())
			if err != nil {
				t.Fatalf("new page: %v", err)
			}

			_, err = connector.Fetch(context.Background())
			if err == nil {
				t.Fatal("expected error")
			}
			if radar.IsTransient(err) != tc.transient {
				t.Fatalf("transient = %v, want %v (%v)", radar.IsTransient(err), tc.transient, err)
			}
		})
	}
}

func TestSameSite(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"jobs.example.co.uk", "www.example.co.uk", true},
		{"example.com", "example.org", false},
		{"127.0.0.1", "127.0.0.1", true},
		{"127.0.0.1", "127.0.0.2", false},
	}

	for _, tc := range cases {
		if got := sameSite(tc.a, tc.b); got != tc.want {
			t.Fatalf("sameSite(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

const rssFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>Calls</title>
<item><title>Open Call: Artist Residency</title><link>https://example.org/calls/1</link><description>&lt;p&gt;Apply by March&lt;/p&gt;</description></item>
<item><title>Climate Grant</title><link>https://example.org/calls/2</link><description>Funding for makers</description></item>
<item><title>Third</title><link>https://example.org/calls/3</link><description>more</description></item>
</channel></rss>`

func TestFeedFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, rssFeed)
	}))
	defer server.Close()

	connector, err := NewFeed(&radar.Source{ID: "f1", Name: "calls", Kind: radar.KindFeed, Config: map[string]any{
		"url":   server.URL,
		"limit": "2",
	}}, testDeps())
	if err != nil {
		t.Fatalf("new feed: %v", err)
	}

	items, err := connector.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected limit to cap items at 2, got %d", len(items))
	}

	first := items[0]
	if first.URL != "https://example.org/calls/1" || first.Kind != radar.KindFeed || first.Format != radar.FormatHTML {
		t.Fatalf("unexpected item %+v", first)
	}
	if !strings.Contains(string(first.Body), "Apply by March") || !strings.Contains(string(first.Body), "Artist Residency") {
		t.Fatalf("unexpected body %q", first.Body)
	}
}

func TestFeedRejectsGarbage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "definitely not a feed")
	}))
	defer server.Close()

	connector, err := NewFeed(&radar.Source{Name: "bad", Kind: radar.KindFeed, Config: map[string]any{"url": server.URL}}, testDeps())
	if err != nil {
		t.Fatalf("new feed: %v", err)
	}

	if _, err := connector.Fetch(context.Background()); err == nil {
		t.Fatal("expected parse error")
	}
}

type fakeMail struct {
	uids     []uint32
	messages map[uint32]mailMessage
	fetched  []uint32
	closed   bool
}

func (f *fakeMail) Search(_ context.Context, _ time.Time) ([]uint32, error) {
	return f.uids, nil
}

func (f *fakeMail) Fetch(_ context.Context, uids []uint32) ([]mailMessage, error) {
	f.fetched = uids
	var out []mailMessage
	for _, uid := range uids {
		out = append(out, f.messages[uid])
	}
	return out, nil
}

func (f *fakeMail) Close() error {
	f.closed = true
	return nil
}

type fakeLedger map[string]bool

func (l fakeLedger) EmailRecorded(_ context.Context, mailbox, messageID string) (bool, error) {
	return l[mailbox+"|"+messageID], nil
}

func TestEmailFetch(t *testing.T) {
	mail := &fakeMail{
		uids: []uint32{3, 1, 2, 4},
		messages: map[uint32]mailMessage{
			2: {UID: 2, MessageID: "old@example.org", Sender: "news@substack.com", Subject: "Old", Body: []byte("old")},
			3: {UID: 3, MessageID: "fresh@example.org", Sender: "News@Substack.com", Subject: "Fellowships", Body: []byte("body"), Date: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)},
			4: {UID: 4, Sender: "spam@example.com", Subject: "Buy now", Body: []byte("spam")},
		},
	}

	deps := testDeps()
	deps.Ledger = fakeLedger{"me@imap.example.org/Newsletters|old@example.org": true}

	src := &radar.Source{ID: "e1", Name: "mail", Kind: radar.KindEmail, Config: map[string]any{
		"host":     "imap.example.org",
		"username": "me",
		"password": "secret",
		"mailbox":  "Newsletters",
		"senders":  "*@substack.com",
		"limit":    3,
	}}

	var gotPassword string
	connector, err := newEmail(src, deps, func(_ context.Context, cfg EmailConfig, password string) (mailClient, error) {
		gotPassword = password
		if cfg.Port != defaultIMAPPort {
			t.Fatalf("expected default port, got %d", cfg.Port)
		}
		return mail, nil
	})
	if err != nil {
		t.Fatalf("new email: %v", err)
	}

	items, err := connector.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if gotPassword != "secret" {
		t.Fatalf("unexpected password %q", gotPassword)
	}
	if fmt.Sprint(mail.fetched) != "[2 3 4]" {
		t.Fatalf("expected newest 3 uids, got %v", mail.fetched)
	}
	if !mail.closed {
		t.Fatal("expected mailbox to be closed")
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item after ledger and sender filtering, got %d", len(items))
	}

	item := items[0]
	if item.MessageID != "fresh@example.org" || item.Mailbox != "me@imap.example.org/Newsletters" || item.Format != radar.FormatMIME || item.SourceID != "e1" {
		t.Fatalf("unexpected item %+v", item)
	}
	if item.ReceivedAt == nil || item.ReceivedAt.Year() != 2025 {
		t.Fatalf("unexpected received time %v", item.ReceivedAt)
	}
}

func TestEmailRequiresPassword(t *testing.T) {
	src := &radar.Source{Name: "mail", Kind: radar.KindEmail, Config: map[string]any{
		"host":     "imap.example.org",
		"username": "me",
	}}

	_, err := newEmail(src, testDeps(), nil)
	if !errors.Is(err, radar.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestEmailSyntheticMessageID(t *testing.T) {
	mail := &fakeMail{
		uids:     []uint32{9},
		messages: map[uint32]mailMessage{9: {UID: 9, Body: []byte("x")}},
	}

	src := &radar.Source{Name: "mail", Kind: radar.KindEmail, Config: map[string]any{
		"host": "imap.example.org", "username": "me", "password": "p",
	}}
	connector, err := newEmail(src, testDeps(), func(context.Context, EmailConfig, string) (mailClient, error) { return mail, nil })
	if err != nil {
		t.Fatalf("new email: %v", err)
	}

	items, err := connector.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 1 || items[0].MessageID != "uid-9@me@imap.example.org/INBOX" {
		t.Fatalf("unexpected items %+v", items)
	}
}

func TestEmailLedgerIsPerAccount(t *testing.T) {
	ctx := context.Background()

	store, err := storage.Open(ctx, filepath.Join(t.TempDir(), "radar.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	deps := testDeps()
	deps.Ledger = store

	account := func(host, user string) *Email {
		src := &radar.Source{Name: user, Kind: radar.KindEmail, Config: map[string]any{
			"host": host, "username": user, "password": "p",
		}}
		mail := &fakeMail{
			uids:     []uint32{9},
			messages: map[uint32]mailMessage{9: {UID: 9, Subject: "Call for fellows", Body: []byte("x")}},
		}
		e, err := newEmail(src, deps, func(context.Context, EmailConfig, string) (mailClient, error) { return mail, nil })
		if err != nil {
			t.Fatalf("new email: %v", err)
		}
		return e
	}

	first, err := account("imap.example.org", "alice").Fetch(ctx)
	if err != nil || len(first) != 1 {
		t.Fatalf("first account: %+v %v", first, err)
	}
	if err := store.RecordEmail(ctx, radar.EmailRecord{Mailbox: first[0].Mailbox, MessageID: first[0].MessageID}); err != nil {
		t.Fatalf("record: %v", err)
	}

	again, err := account("imap.example.org", "alice").Fetch(ctx)
	if err != nil || len(again) != 0 {
		t.Fatalf("expected recorded message to be suppressed, got %+v %v", again, err)
	}

	other, err := account("imap.other.org", "bob").Fetch(ctx)
	if err != nil {
		t.Fatalf("second account: %v", err)
	}
	if len(other) != 1 {
		t.Fatalf("expected the same uid on another account to be delivered, got %d items", len(other))
	}
	if other[0].Mailbox != "bob@imap.other.org/INBOX" || other[0].MessageID == first[0].MessageID {
		t.Fatalf("unexpected ledger keys %q %q", other[0].Mailbox, other[0].MessageID)
	}
}
