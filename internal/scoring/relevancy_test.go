package scoring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/paperwatch/paperwatch/internal/llm"
	"github.com/paperwatch/paperwatch/internal/storage"
)

// mockChat is a test double returning canned responses per call.
type mockChat struct {
	mu        sync.Mutex
	responses []chatReply
	calls     int
}

type chatReply struct {
	text string
	err  error
}

func (m *mockChat) Chat(ctx context.Context, model string, messages []llm.Message, jsonMode bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	m.calls++
	if i >= len(m.responses) {
		return "", errors.New("unexpected call")
	}
	return m.responses[i].text, m.responses[i].err
}

// memStore is an in-memory RelevancyStore.
type memStore struct {
	mu   sync.Mutex
	recs map[string]map[string]storage.RelevancyRecord
}

func newMemStore() *memStore {
	return &memStore{recs: map[string]map[string]storage.RelevancyRecord{}}
}

func (m *memStore) RelevancyScoresForRun(runID string) (map[string]storage.RelevancyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]storage.RelevancyRecord{}
	for k, v := range m.recs[runID] {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) PutRelevancyScore(rec storage.RelevancyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recs[rec.RunID] == nil {
		m.recs[rec.RunID] = map[string]storage.RelevancyRecord{}
	}
	m.recs[rec.RunID][rec.PubID] = rec
	return nil
}

func newTestScorer(chat *mockChat, store *memStore) *RelevancyScorer {
	return &RelevancyScorer{
		Client:      chat,
		Store:       store,
		Model:       "test-model",
		Version:     "v3",
		Retries:     2,
		Concurrency: 1,
	}
}

func TestScoreRunSuccess(t *testing.T) {
	chat := &mockChat{responses: []chatReply{
		{text: `{"relevancy_score": 72, "relevancy_reason": "ctDNA detection focus", "confidence": "high"}`},
	}}
	store := newMemStore()
	s := newTestScorer(chat, store)

	got, err := s.ScoreRun(context.Background(), "run-1", []storage.Publication{
		{ID: "a", Title: "ctDNA screening assay"},
	})
	if err != nil {
		t.Fatalf("ScoreRun: %v", err)
	}
	rec := got["a"]
	if rec.Score == nil || *rec.Score != 72 {
		t.Fatalf("score = %+v", rec)
	}
	if rec.Confidence != "high" || rec.ScoringVersion != "v3" {
		t.Errorf("metadata lost: %+v", rec)
	}

	// The result must be persisted to the run cache.
	persisted, _ := store.RelevancyScoresForRun("run-1")
	if persisted["a"].Score == nil {
		t.Error("score not persisted")
	}
}

func TestScoreRunRetriesOnParseFailure(t *testing.T) {
	chat := &mockChat{responses: []chatReply{
		{text: "not json at all"},
		{text: "```json\n{\"relevancy_score\": 55, \"relevancy_reason\": \"ok\", \"confidence\": \"medium\"}\n```"},
	}}
	s := newTestScorer(chat, newMemStore())

	got, err := s.ScoreRun(context.Background(), "run-1", []storage.Publication{
		{ID: "a", Title: "Some paper"},
	})
	if err != nil {
		t.Fatalf("ScoreRun: %v", err)
	}
	if got["a"].Score == nil || *got["a"].Score != 55 {
		t.Fatalf("retry did not recover: %+v", got["a"])
	}
	if chat.calls != 2 {
		t.Errorf("calls = %d, want 2", chat.calls)
	}
}

func TestScoreRunRecordsFailure(t *testing.T) {
	chat := &mockChat{responses: []chatReply{
		{err: errors.New("timeout")},
		{err: errors.New("timeout")},
	}}
	s := newTestScorer(chat, newMemStore())

	got, err := s.ScoreRun(context.Background(), "run-1", []storage.Publication{
		{ID: "a", Title: "Some paper"},
	})
	if err != nil {
		t.Fatalf("ScoreRun: %v", err)
	}
	rec := got["a"]
	if rec.Score != nil {
		t.Fatalf("failed item has a score: %+v", rec)
	}
	if rec.Error == "" || rec.Confidence != "low" {
		t.Errorf("failure not recorded: %+v", rec)
	}
}

func TestScoreRunUsesRunCache(t *testing.T) {
	store := newMemStore()
	score := 80.0
	store.PutRelevancyScore(storage.RelevancyRecord{
		RunID: "run-1", PubID: "a", Score: &score, ScoringVersion: "v3",
	})

	chat := &mockChat{} // any call fails the test
	s := newTestScorer(chat, store)

	got, err := s.ScoreRun(context.Background(), "run-1", []storage.Publication{
		{ID: "a", Title: "Already scored"},
	})
	if err != nil {
		t.Fatalf("ScoreRun: %v", err)
	}
	if got["a"].Score == nil || *got["a"].Score != 80 {
		t.Fatalf("cached score not used: %+v", got["a"])
	}
	if chat.calls != 0 {
		t.Errorf("cached item triggered %d LLM calls", chat.calls)
	}
}

func TestScoreRunSkipsMissingTitle(t *testing.T) {
	chat := &mockChat{}
	s := newTestScorer(chat, newMemStore())

	got, err := s.ScoreRun(context.Background(), "run-1", []storage.Publication{
		{ID: "a", Title: "  "},
	})
	if err != nil {
		t.Fatalf("ScoreRun: %v", err)
	}
	if got["a"].Error != "missing title" {
		t.Errorf("got %+v", got["a"])
	}
	if chat.calls != 0 {
		t.Errorf("untitled item triggered LLM call")
	}
}

func TestParseRelevancyValidation(t *testing.T) {
	tests := []struct {
		name string
		in   string
		ok   bool
	}{
		{"valid", `{"relevancy_score": 50, "relevancy_reason": "r", "confidence": "low"}`, true},
		{"score out of range", `{"relevancy_score": 150, "relevancy_reason": "r", "confidence": "low"}`, false},
		{"negative score", `{"relevancy_score": -5, "relevancy_reason": "r", "confidence": "low"}`, false},
		{"missing score", `{"relevancy_reason": "r", "confidence": "low"}`, false},
		{"bad confidence", `{"relevancy_score": 50, "relevancy_reason": "r", "confidence": "sure"}`, false},
		{"fenced", "```\n{\"relevancy_score\": 50, \"relevancy_reason\": \"r\", \"confidence\": \"high\"}\n```", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseRelevancy(tt.in)
			if (err == nil) != tt.ok {
				t.Errorf("parseRelevancy(%q) err = %v, want ok=%v", tt.in, err, tt.ok)
			}
		})
	}
}

func TestScoreRunConcurrent(t *testing.T) {
	var replies []chatReply
	for i := 0; i < 10; i++ {
		replies = append(replies, chatReply{
			text: fmt.Sprintf(`{"relevancy_score": %d, "relevancy_reason": "r", "confidence": "medium"}`, i*10),
		})
	}
	chat := &mockChat{responses: replies}
	s := newTestScorer(chat, newMemStore())
	s.Concurrency = 4

	var pubs []storage.Publication
	for i := 0; i < 10; i++ {
		pubs = append(pubs, storage.Publication{ID: fmt.Sprintf("p%d", i), Title: "t"})
	}

	got, err := s.ScoreRun(context.Background(), "run-1", pubs)
	if err != nil {
		t.Fatalf("ScoreRun: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("got %d records", len(got))
	}
	for id, rec := range got {
		if rec.Score == nil {
			t.Errorf("%s missing score: %+v", id, rec)
		}
	}
}
