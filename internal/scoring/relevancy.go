package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/paperwatch/paperwatch/internal/llm"
	"github.com/paperwatch/paperwatch/internal/rank"
	"github.com/paperwatch/paperwatch/internal/storage"
)

// ChatClient is the LLM surface the scorer needs.
type ChatClient interface {
	Chat(ctx context.Context, model string, messages []llm.Message, jsonMode bool) (string, error)
}

// RelevancyStore persists per-run scoring results.
type RelevancyStore interface {
	RelevancyScoresForRun(runID string) (map[string]storage.RelevancyRecord, error)
	PutRelevancyScore(rec storage.RelevancyRecord) error
}

// RelevancyScorer produces 0-100 relevancy scores with an LLM, one call
// per publication, cached per run so a retried run never re-scores an
// item it already has a result for.
type RelevancyScorer struct {
	Client        ChatClient
	Store         RelevancyStore
	Model         string
	Version       string
	Retries       int
	Concurrency   int
	SnippetMaxLen int
	Logger        *slog.Logger
}

const relevancyPrompt = `You are a research analyst screening publications for an early cancer detection program.

Score the publication's relevancy from 0 to 100:
- Be conservative: scores >= 85 are rare, reserved for true must-read items.
- 60-79: clearly relevant but not elite.
- 40-59: moderate relevance.
- 20-39: weak relevance.
- 0-19: irrelevant or non-cancer topics.
Detection methodology (screening, biomarkers, liquid biopsy, ctDNA, breath-based sensing) raises the score. Treatment-only, market-only, or broad genomics work without a detection endpoint lowers it.

PUBLICATION:
Title: %s
Source: %s
Abstract: %s

Respond ONLY with a JSON object:
{"relevancy_score": <integer 0-100>, "relevancy_reason": "<1-3 sentences>", "confidence": "<low|medium|high>"}`

// relevancyResponse is the JSON object the model is asked to return.
type relevancyResponse struct {
	RelevancyScore  *float64 `json:"relevancy_score"`
	RelevancyReason string   `json:"relevancy_reason"`
	Confidence      string   `json:"confidence"`
}

// ScoreRun scores every publication for the given run. Already-cached
// results (including past successes loaded from storage) are reused;
// failures are recorded with an error message and a nil score rather
// than aborting the run. The returned map covers every input id.
func (s *RelevancyScorer) ScoreRun(ctx context.Context, runID string, pubs []storage.Publication) (map[string]storage.RelevancyRecord, error) {
	log := s.logger()

	cached, err := s.Store.RelevancyScoresForRun(runID)
	if err != nil {
		return nil, fmt.Errorf("loading run cache: %w", err)
	}

	results := make(map[string]storage.RelevancyRecord, len(pubs))
	var pending []storage.Publication
	for _, p := range pubs {
		if rec, ok := cached[p.ID]; ok && rec.Score != nil {
			results[p.ID] = rec
			continue
		}
		pending = append(pending, p)
	}
	log.Info("scoring relevancy",
		"run_id", runID,
		"total", len(pubs),
		"cached", len(pubs)-len(pending))

	recs := make([]storage.RelevancyRecord, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency())
	for i, p := range pending {
		g.Go(func() error {
			recs[i] = s.scoreOne(gctx, runID, p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, rec := range recs {
		if err := s.Store.PutRelevancyScore(rec); err != nil {
			// A lost cache write costs one repeat LLM call next run.
			log.Warn("persisting relevancy score failed", "pub_id", rec.PubID, "error", err)
		}
		results[rec.PubID] = rec
	}
	return results, nil
}

// scoreOne scores a single publication, retrying on call or parse
// failure. It always returns a record: nil Score plus Error on failure.
func (s *RelevancyScorer) scoreOne(ctx context.Context, runID string, p storage.Publication) storage.RelevancyRecord {
	log := s.logger()
	rec := storage.RelevancyRecord{
		RunID:          runID,
		PubID:          p.ID,
		ScoringVersion: s.Version,
		Model:          s.Model,
		ScoredAt:       time.Now().UTC(),
		Confidence:     "low",
	}

	if strings.TrimSpace(p.Title) == "" {
		rec.Error = "missing title"
		return rec
	}

	abstract := p.RawText
	if abstract == "" {
		abstract = p.Summary
	}
	prompt := fmt.Sprintf(relevancyPrompt, p.Title, p.Source, Snippet(abstract, s.SnippetMaxLen))

	attempts := max(s.Retries, 1)
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			rec.Error = ctx.Err().Error()
			return rec
		}

		text, err := s.Client.Chat(ctx, s.Model, []llm.Message{{Role: "user", Content: prompt}}, true)
		if err != nil {
			log.Warn("relevancy call failed", "pub_id", p.ID, "attempt", attempt, "error", err)
			continue
		}

		parsed, err := parseRelevancy(text)
		if err != nil {
			log.Warn("relevancy response rejected",
				"pub_id", p.ID,
				"attempt", attempt,
				"error", err,
				"preview", rank.SafePreview(text, 200))
			continue
		}

		rec.Score = parsed.RelevancyScore
		rec.Reason = parsed.RelevancyReason
		rec.Confidence = parsed.Confidence
		return rec
	}

	rec.Error = fmt.Sprintf("scoring failed after %d attempts", attempts)
	return rec
}

// parseRelevancy validates the model's JSON: score present and within
// 0-100, confidence one of low/medium/high. Code fences are tolerated.
func parseRelevancy(text string) (relevancyResponse, error) {
	var resp relevancyResponse
	cleaned := strings.TrimSpace(rank.StripCodeFence(text))
	if err := json.Unmarshal([]byte(cleaned), &resp); err != nil {
		return resp, fmt.Errorf("decoding response: %w", err)
	}
	if resp.RelevancyScore == nil {
		return resp, fmt.Errorf("missing relevancy_score")
	}
	if *resp.RelevancyScore < 0 || *resp.RelevancyScore > 100 {
		return resp, fmt.Errorf("relevancy_score %.1f out of range", *resp.RelevancyScore)
	}
	switch resp.Confidence {
	case "low", "medium", "high":
	default:
		return resp, fmt.Errorf("invalid confidence %q", resp.Confidence)
	}
	return resp, nil
}

func (s *RelevancyScorer) concurrency() int {
	if s.Concurrency <= 0 {
		return 1
	}
	return s.Concurrency
}

func (s *RelevancyScorer) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
