package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Publication is one candidate item for a ranking cycle. Rows are written
// by the ingestion side; the ranking engine reads them and treats the set
// as immutable for the duration of a pass.
type Publication struct {
	ID             string
	Title          string
	Summary        string
	RawText        string
	Source         string
	Venue          string
	URL            string
	PublishedAt    time.Time
	HeuristicScore float64

	// Centralized relevancy columns, populated by the per-item scoring
	// path. RelevancyScore is nil when the publication has not been scored.
	RelevancyScore  *float64
	RelevancyReason string
	Confidence      string
	ScoringVersion  string
	ScoringModel    string
	ScoringError    string
}

// RerankEntry is one cached judgment from the batched external ranking
// call, keyed by (pub id, rerank version). Entries are never mutated, only
// replaced when re-stored under the same key.
type RerankEntry struct {
	PubID     string
	Score     float64
	Rank      int
	Reason    string
	Why       string
	Findings  []string
	Model     string
	CreatedAt time.Time
}

// RelevancyRecord is one per-run, per-item relevancy scoring result.
// Score is nil when scoring failed; Error then carries the reason.
type RelevancyRecord struct {
	RunID          string
	PubID          string
	Score          *float64
	Reason         string
	Confidence     string
	ScoringVersion string
	Model          string
	ScoredAt       time.Time
	Error          string
}

// Label is a single human relevance judgment used for calibration and
// evaluation.
type Label struct {
	PubID     string
	Rater     string
	Rating    float64 // 0-3
	Rationale string
	Source    string
}
