package storage

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testPublication(id string, published time.Time, heuristic float64) Publication {
	return Publication{
		ID:             id,
		Title:          "Title " + id,
		Summary:        "Summary " + id,
		Source:         "medRxiv",
		Venue:          "medRxiv",
		URL:            "https://example.org/" + id,
		PublishedAt:    published,
		HeuristicScore: heuristic,
	}
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if !reflect.DeepEqual(v1, v2) {
		t.Fatalf("migrations re-applied: %v != %v", v1, v2)
	}
	if len(v1) == 0 {
		t.Fatal("no migrations applied")
	}
}

func TestListCandidates_WindowFilter(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	recent := testPublication("pub-recent", now.Add(-24*time.Hour), 300)
	old := testPublication("pub-old", now.Add(-30*24*time.Hour), 500)
	for _, p := range []Publication{recent, old} {
		if err := s.SavePublication(p); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	got, err := s.ListCandidates(now.Add(-7 * 24 * time.Hour))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "pub-recent" {
		t.Fatalf("got %+v, want only pub-recent", got)
	}
	if got[0].RelevancyScore != nil {
		t.Fatalf("unscored publication should have nil relevancy, got %v", *got[0].RelevancyScore)
	}
}

func TestSetFinalRelevancy(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()
	if err := s.SavePublication(testPublication("pub-1", now, 100)); err != nil {
		t.Fatalf("save: %v", err)
	}

	score := 72.0
	err := s.SetFinalRelevancy("pub-1", RelevancyRecord{
		Score:          &score,
		Reason:         "detection focus",
		Confidence:     "high",
		ScoringVersion: "v3",
		Model:          "gpt-4o-mini",
	})
	if err != nil {
		t.Fatalf("set relevancy: %v", err)
	}

	pubs, err := s.ListCandidates(now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pubs) != 1 {
		t.Fatalf("got %d pubs", len(pubs))
	}
	p := pubs[0]
	if p.RelevancyScore == nil || *p.RelevancyScore != 72.0 {
		t.Fatalf("relevancy not persisted: %+v", p)
	}
	if p.Confidence != "high" || p.ScoringVersion != "v3" {
		t.Fatalf("enrichment fields lost: %+v", p)
	}

	if err := s.SetFinalRelevancy("missing", RelevancyRecord{Score: &score}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRerankCache_VersionScoping(t *testing.T) {
	s := openTestStore(t)

	entries := []RerankEntry{
		{PubID: "a", Score: 85, Rank: 1, Reason: "ctDNA assay", Findings: []string{"92% sensitivity"}},
		{PubID: "b", Score: 40, Rank: 2},
	}
	if _, err := s.PutRerank(entries, "gpt-4o-mini", "v1"); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.CachedRerank([]string{"a", "b", "c"}, "v1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	if got["a"].Score != 85 || got["a"].Model != "gpt-4o-mini" {
		t.Fatalf("entry a mismatch: %+v", got["a"])
	}
	if !reflect.DeepEqual(got["a"].Findings, []string{"92% sensitivity"}) {
		t.Fatalf("findings lost: %+v", got["a"])
	}

	// A different version must see nothing.
	got, err = s.CachedRerank([]string{"a", "b"}, "v2")
	if err != nil {
		t.Fatalf("get v2: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("version scoping leaked entries: %+v", got)
	}
}

func TestRerankCache_IdempotentPut(t *testing.T) {
	s := openTestStore(t)

	entries := []RerankEntry{{PubID: "a", Score: 85, Rank: 1}}
	if _, err := s.PutRerank(entries, "m", "v1"); err != nil {
		t.Fatalf("first put: %v", err)
	}
	if _, err := s.PutRerank(entries, "m", "v1"); err != nil {
		t.Fatalf("second put: %v", err)
	}

	got, err := s.CachedRerank([]string{"a"}, "v1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 1 || got["a"].Score != 85 {
		t.Fatalf("idempotence broken: %+v", got)
	}
}

func TestRerankCache_SkipsEmptyPubID(t *testing.T) {
	s := openTestStore(t)

	stored, err := s.PutRerank([]RerankEntry{
		{PubID: "", Score: 10},
		{PubID: "a", Score: 20},
	}, "m", "v1")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if stored != 1 {
		t.Fatalf("stored %d, want 1", stored)
	}
}

func TestRelevancyScores_RunScoped(t *testing.T) {
	s := openTestStore(t)

	score := 65.0
	rec := RelevancyRecord{
		RunID:          "weekly-2026-08-24",
		PubID:          "pub-1",
		Score:          &score,
		Reason:         "screening cohort",
		Confidence:     "medium",
		ScoringVersion: "v3",
		Model:          "gpt-4o-mini",
	}
	if err := s.PutRelevancyScore(rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	failed := RelevancyRecord{
		RunID: "weekly-2026-08-24",
		PubID: "pub-2",
		Error: "parse failure after retries",
	}
	if err := s.PutRelevancyScore(failed); err != nil {
		t.Fatalf("put failed record: %v", err)
	}

	got, err := s.RelevancyScoresForRun("weekly-2026-08-24")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records", len(got))
	}
	if got["pub-1"].Score == nil || *got["pub-1"].Score != 65.0 {
		t.Fatalf("record mismatch: %+v", got["pub-1"])
	}
	if got["pub-2"].Score != nil || got["pub-2"].Error == "" {
		t.Fatalf("error record mismatch: %+v", got["pub-2"])
	}

	other, err := s.RelevancyScoresForRun("weekly-2026-08-17")
	if err != nil {
		t.Fatalf("get other run: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("run scoping leaked: %+v", other)
	}
}

func TestLabeledPairs(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("pub-%d", i)
		if err := s.SavePublication(testPublication(id, now, 100)); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	// Only pub-0 and pub-1 get a centralized relevancy score.
	for i, sc := range []float64{80, 30} {
		score := sc
		id := fmt.Sprintf("pub-%d", i)
		if err := s.SetFinalRelevancy(id, RelevancyRecord{Score: &score}); err != nil {
			t.Fatalf("set relevancy: %v", err)
		}
	}

	labels := []Label{
		{PubID: "pub-0", Rater: "alex", Rating: 3},
		{PubID: "pub-0", Rater: "dana", Rating: 2},
		{PubID: "pub-1", Rater: "alex", Rating: 1},
		{PubID: "pub-2", Rater: "alex", Rating: 3}, // unscored, excluded
	}
	for _, l := range labels {
		if err := s.SaveLabel(l); err != nil {
			t.Fatalf("save label: %v", err)
		}
	}

	pairs, err := s.LabeledPairs()
	if err != nil {
		t.Fatalf("labeled pairs: %v", err)
	}
	if len(pairs) != 2 {
		t.Fatalf("got %d pairs, want 2: %+v", len(pairs), pairs)
	}

	byID := map[string]LabeledPair{}
	for _, p := range pairs {
		byID[p.PubID] = p
	}
	if byID["pub-0"].MeanRating != 2.5 || byID["pub-0"].NumRaters != 2 {
		t.Fatalf("pub-0 pair mismatch: %+v", byID["pub-0"])
	}
	if byID["pub-1"].ModelScore != 30 {
		t.Fatalf("pub-1 pair mismatch: %+v", byID["pub-1"])
	}
}

func TestRerankCache_StatsAndPurge(t *testing.T) {
	s := openTestStore(t)

	v1 := []RerankEntry{{PubID: "pub-1", Score: 80}, {PubID: "pub-2", Score: 60}}
	v2 := []RerankEntry{{PubID: "pub-1", Score: 85}}
	if _, err := s.PutRerank(v1, "gpt-4o-mini", "v1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.PutRerank(v2, "gpt-4o-mini", "v2"); err != nil {
		t.Fatal(err)
	}

	stats, err := s.RerankCacheStats()
	if err != nil {
		t.Fatalf("RerankCacheStats: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	// Newest version first.
	if stats[0].Version != "v2" || stats[0].Entries != 1 {
		t.Errorf("stats[0] = %+v", stats[0])
	}
	if stats[1].Version != "v1" || stats[1].Entries != 2 {
		t.Errorf("stats[1] = %+v", stats[1])
	}

	n, err := s.PurgeRerank("v1")
	if err != nil {
		t.Fatalf("PurgeRerank: %v", err)
	}
	if n != 2 {
		t.Errorf("purged %d entries, want 2", n)
	}

	cached, err := s.CachedRerank([]string{"pub-1"}, "v2")
	if err != nil {
		t.Fatal(err)
	}
	if len(cached) != 1 {
		t.Errorf("v2 entries lost on scoped purge: %+v", cached)
	}

	n, err = s.PurgeRerank("")
	if err != nil {
		t.Fatalf("PurgeRerank all: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d entries, want 1", n)
	}
}
