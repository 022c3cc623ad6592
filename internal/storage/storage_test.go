package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/spigell/opportunity-radar/internal/radar"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "radar.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func addSource(t *testing.T, store *Store, name string, kind radar.Kind) string {
	t.Helper()

	id, err := store.UpsertSource(context.Background(), &radar.Source{
		Name:   name,
		Kind:   kind,
		Active: true,
		Config: map[string]any{"url": "https://example.org/" + name},
	})
	if err != nil {
		t.Fatalf("upsert source: %v", err)
	}
	return id
}

func floatp(v float64) *float64 { return &v }

func timep(s string) *time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestSeenItems(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sourceID := addSource(t, store, "acme", radar.KindPage)

	seen, err := store.SeenExists(ctx, "fp-1")
	if err != nil || seen {
		t.Fatalf("expected unseen, got %v %v", seen, err)
	}

	if err := store.InsertSeen(ctx, radar.SeenRecord{Fingerprint: "fp-1", SourceID: sourceID, URL: "https://example.org"}); err != nil {
		t.Fatalf("insert seen: %v", err)
	}

	seen, err = store.SeenExists(ctx, "fp-1")
	if err != nil || !seen {
		t.Fatalf("expected seen, got %v %v", seen, err)
	}

	err = store.InsertSeen(ctx, radar.SeenRecord{Fingerprint: "fp-1", SourceID: sourceID})
	if !errors.Is(err, radar.ErrPersistenceConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestOpportunityRoundTripAndConflict(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	sourceID := addSource(t, store, "acme", radar.KindPage)

	opp := &radar.Opportunity{
		SourceID: sourceID,
		Draft: radar.Draft{
			Title:           "Research Engineer",
			Organization:    "Acme Labs",
			URL:             "https://example.org/jobs/42",
			Category:        radar.CategoryJob,
			Deadline:        timep("2025-06-01"),
			StipendAmount:   floatp(5000),
			StipendCurrency: "USD",
			TravelSupport:   radar.TravelUnknown,
			Remote:          radar.RemoteYes,
			Highlights:      []string{"paid"},
		},
		Relevance:          floatp(0.8),
		Prestige:           floatp(0.6),
		MatchedHigh:        []string{"stipend"},
		ContentFingerprint: "fp-1",
		DedupKey:           "key-1",
	}

	if err := store.InsertOpportunity(ctx, opp); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if opp.ID == "" {
		t.Fatal("expected generated id")
	}

	got, err := store.GetOpportunity(ctx, opp.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Research Engineer" || got.Organization != "Acme Labs" || got.Category != radar.CategoryJob {
		t.Fatalf("unexpected opportunity %+v", got)
	}
	if got.Deadline == nil || got.Deadline.Format("2006-01-02") != "2025-06-01" {
		t.Fatalf("unexpected deadline %v", got.Deadline)
	}
	if got.StipendAmount == nil || *got.StipendAmount != 5000 {
		t.Fatalf("unexpected stipend %v", got.StipendAmount)
	}
	if got.NotifiedAt != nil {
		t.Fatal("expected notified_at to be unset")
	}
	if len(got.Highlights) != 1 || len(got.MatchedHigh) != 1 {
		t.Fatalf("unexpected lists %v %v", got.Highlights, got.MatchedHigh)
	}

	dup := *opp
	dup.ID = ""
	if err := store.InsertOpportunity(ctx, &dup); !errors.Is(err, radar.ErrPersistenceConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	if _, err := store.GetOpportunity(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestScoreBoundsAreEnforced(t *testing.T) {
	store := openTestStore(t)

	err := store.InsertOpportunity(context.Background(), &radar.Opportunity{
		Draft:              radar.Draft{Title: "Broken"},
		Relevance:          floatp(1.5),
		ContentFingerprint: "fp",
		DedupKey:           "k",
	})
	if err == nil {
		t.Fatal("expected check constraint to reject relevance outside [0,1]")
	}
}

func TestUpdateOpportunityScores(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	opp := &radar.Opportunity{Draft: radar.Draft{Title: "Grant", Summary: "old"}, ContentFingerprint: "fp", DedupKey: "k"}
	if err := store.InsertOpportunity(ctx, opp); err != nil {
		t.Fatalf("insert: %v", err)
	}

	err := store.UpdateOpportunityScores(ctx, opp.ID, &radar.Score{Relevance: floatp(0.3), Prestige: floatp(0.9), Summary: "new"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := store.GetOpportunity(ctx, opp.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if *got.Relevance != 0.3 || *got.Prestige != 0.9 || got.Summary != "new" {
		t.Fatalf("unexpected scores %+v", got)
	}
}

func TestUnscored(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	insert := func(title string, relevance, prestige *float64) string {
		o := &radar.Opportunity{
			Draft:              radar.Draft{Title: title},
			Relevance:          relevance,
			Prestige:           prestige,
			ContentFingerprint: radar.Fingerprint("fp-" + title),
			DedupKey:           "k-" + title,
		}
		if err := store.InsertOpportunity(ctx, o); err != nil {
			t.Fatalf("insert %s: %v", title, err)
		}
		return o.ID
	}

	pending := insert("pending", nil, nil)
	insert("scored", floatp(0.4), floatp(0.2))
	insert("half", nil, floatp(0.5))

	got, err := store.Unscored(ctx, 10)
	if err != nil {
		t.Fatalf("unscored: %v", err)
	}
	if len(got) != 1 || got[0].ID != pending {
		t.Fatalf("expected only the unscored opportunity, got %+v", got)
	}

	if err := store.UpdateOpportunityScores(ctx, pending, &radar.Score{Relevance: floatp(0.7)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err = store.Unscored(ctx, 10)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected nothing left to score, got %+v %v", got, err)
	}
}

func TestUnnotifiedOrderingAndMarkNotified(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	insert := func(title string, relevance *float64, deadline *time.Time) string {
		o := &radar.Opportunity{
			Draft:              radar.Draft{Title: title, Deadline: deadline},
			Relevance:          relevance,
			ContentFingerprint: radar.Fingerprint("fp-" + title),
			DedupKey:           "k-" + title,
		}
		if err := store.InsertOpportunity(ctx, o); err != nil {
			t.Fatalf("insert %s: %v", title, err)
		}
		return o.ID
	}

	unscored := insert("unscored", nil, nil)
	late := insert("high-late", floatp(0.9), timep("2026-12-01"))
	none := insert("high-none", floatp(0.9), nil)
	soon := insert("high-soon", floatp(0.9), timep("2026-01-01"))
	low := insert("low", floatp(0.2), timep("2025-01-01"))

	list, err := store.Unnotified(ctx, 0)
	if err != nil {
		t.Fatalf("unnotified: %v", err)
	}

	want := []string{soon, late, none, low, unscored}
	if len(list) != len(want) {
		t.Fatalf("expected %d rows, got %d", len(want), len(list))
	}
	for i, id := range want {
		if list[i].ID != id {
			t.Fatalf("position %d: got %s (%s), want %s", i, list[i].ID, list[i].Title, id)
		}
	}

	n, err := store.MarkNotified(ctx, []string{soon, late}, time.Now())
	if err != nil || n != 2 {
		t.Fatalf("mark notified: %d %v", n, err)
	}

	n, err = store.MarkNotified(ctx, []string{soon}, time.Now())
	if err != nil || n != 0 {
		t.Fatalf("expected already-notified rows to be skipped: %d %v", n, err)
	}

	list, err = store.Unnotified(ctx, 2)
	if err != nil {
		t.Fatalf("unnotified: %v", err)
	}
	if len(list) != 2 || list[0].ID != none || list[1].ID != low {
		t.Fatalf("unexpected remaining rows %+v", list)
	}
}

func TestSourcesUpsertAndHealth(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id := addSource(t, store, "acme", radar.KindPage)
	again := addSource(t, store, "acme", radar.KindPage)
	if id != again {
		t.Fatalf("expected upsert to keep the id, got %s and %s", id, again)
	}
	addSource(t, store, "newsletter", radar.KindEmail)

	pages, err := store.ActiveSources(ctx, radar.KindPage)
	if err != nil {
		t.Fatalf("active sources: %v", err)
	}
	if len(pages) != 1 || pages[0].Config["url"] != "https://example.org/acme" {
		t.Fatalf("unexpected sources %+v", pages)
	}

	all, err := store.ActiveSources(ctx, "")
	if err != nil || len(all) != 2 {
		t.Fatalf("expected 2 active sources, got %d %v", len(all), err)
	}

	checked := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := store.UpdateSourceHealth(ctx, id, checked, "boom"); err != nil {
		t.Fatalf("update health: %v", err)
	}
	src, err := store.Source(ctx, id)
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	if src.LastError != "boom" || src.LastCheckedAt == nil || !src.LastCheckedAt.Equal(checked) {
		t.Fatalf("unexpected health %+v", src)
	}

	if err := store.UpdateSourceHealth(ctx, id, checked, ""); err != nil {
		t.Fatalf("clear health: %v", err)
	}
	src, _ = store.Source(ctx, id)
	if src.LastError != "" {
		t.Fatalf("expected cleared error, got %q", src.LastError)
	}

	n, err := store.DeactivateMissing(ctx, []string{"acme"})
	if err != nil || n != 1 {
		t.Fatalf("deactivate: %d %v", n, err)
	}
	all, _ = store.ActiveSources(ctx, "")
	if len(all) != 1 {
		t.Fatalf("expected 1 active source after deactivation, got %d", len(all))
	}

	if _, err := store.UpsertSource(ctx, &radar.Source{Name: "bad", Kind: "ftp"}); !errors.Is(err, radar.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestSourceDeletionCascades(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	id := addSource(t, store, "acme", radar.KindPage)

	if err := store.InsertOpportunity(ctx, &radar.Opportunity{SourceID: id, Draft: radar.Draft{Title: "x job"}, ContentFingerprint: "fp", DedupKey: "k"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := store.db.ExecContext(ctx, "DELETE FROM sources WHERE id = ?", id); err != nil {
		t.Fatalf("delete source: %v", err)
	}

	n, err := store.CountOpportunities(ctx)
	if err != nil || n != 0 {
		t.Fatalf("expected cascade delete, got %d %v", n, err)
	}
}

func TestEmailLedger(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	rec := radar.EmailRecord{Mailbox: "INBOX", MessageID: "<abc@example.org>", Subject: "Weekly"}
	if err := store.RecordEmail(ctx, rec); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.RecordEmail(ctx, rec); !errors.Is(err, radar.ErrDuplicateItem) {
		t.Fatalf("expected duplicate, got %v", err)
	}

	rec.Mailbox = "Newsletters"
	if err := store.RecordEmail(ctx, rec); err != nil {
		t.Fatalf("same message id in another mailbox should be accepted: %v", err)
	}

	ok, err := store.EmailRecorded(ctx, "INBOX", "<abc@example.org>")
	if err != nil || !ok {
		t.Fatalf("expected recorded, got %v %v", ok, err)
	}
}

func TestProfileRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	profile, err := store.Profile(ctx)
	if err != nil || profile != nil {
		t.Fatalf("expected no profile, got %+v %v", profile, err)
	}

	want := &radar.Profile{Name: "Ada", Interests: []string{"robotics"}, HighValueSignals: []string{"stipend"}}
	if err := store.SaveProfile(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	want.Name = "Ada L."
	if err := store.SaveProfile(ctx, want); err != nil {
		t.Fatalf("save again: %v", err)
	}

	got, err := store.Profile(ctx)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if got.Name != "Ada L." || len(got.Interests) != 1 || got.HighValueSignals[0] != "stipend" {
		t.Fatalf("unexpected profile %+v", got)
	}
}

func TestRatings(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := &radar.Opportunity{Draft: radar.Draft{Title: "Fellowship A", Organization: "Org", Category: radar.CategoryFellowship}, ContentFingerprint: "a", DedupKey: "a"}
	second := &radar.Opportunity{Draft: radar.Draft{Title: "Hackathon B"}, ContentFingerprint: "b", DedupKey: "b"}
	for _, o := range []*radar.Opportunity{first, second} {
		if err := store.InsertOpportunity(ctx, o); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	if err := store.RateOpportunity(ctx, first.ID, 6, time.Time{}); err == nil {
		t.Fatal("expected out of range rating to be rejected")
	}
	if err := store.RateOpportunity(ctx, "missing", 3, time.Time{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := store.RateOpportunity(ctx, first.ID, 2, base); err != nil {
		t.Fatalf("rate: %v", err)
	}
	if err := store.RateOpportunity(ctx, second.ID, 4, base.Add(time.Hour)); err != nil {
		t.Fatalf("rate: %v", err)
	}
	if err := store.RateOpportunity(ctx, first.ID, 5, base.Add(2*time.Hour)); err != nil {
		t.Fatalf("re-rate: %v", err)
	}

	rated, err := store.RatedOpportunities(ctx, 10)
	if err != nil {
		t.Fatalf("rated: %v", err)
	}
	if len(rated) != 2 {
		t.Fatalf("expected 2 ratings, got %d", len(rated))
	}
	if rated[0].OpportunityID != first.ID || rated[0].Rating != 5 || rated[0].Category != radar.CategoryFellowship {
		t.Fatalf("unexpected most recent rating %+v", rated[0])
	}

	got, _ := store.GetOpportunity(ctx, first.ID)
	if got.UserRating == nil || *got.UserRating != 5 {
		t.Fatalf("expected mirrored rating, got %v", got.UserRating)
	}
}
