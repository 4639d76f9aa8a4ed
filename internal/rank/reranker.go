package rank

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/paperwatch/paperwatch/internal/llm"
	"github.com/paperwatch/paperwatch/internal/storage"
)

// ChatClient is the LLM surface the reranker needs.
type ChatClient interface {
	Chat(ctx context.Context, model string, messages []llm.Message, jsonMode bool) (string, error)
}

// RerankCache is the version-scoped model-judgment cache.
type RerankCache interface {
	CachedRerank(pubIDs []string, version string) (map[string]storage.RerankEntry, error)
	PutRerank(entries []storage.RerankEntry, model, version string) (int, error)
}

// SnippetFunc prepares publication text for the prompt.
type SnippetFunc func(text string, maxLen int) string

// Reranker sends a batch of candidates to the external model for scoring
// and returns per-item judgments, reading and writing the rerank cache so
// each (publication, version) pair is judged at most once.
type Reranker struct {
	Client        ChatClient
	Cache         RerankCache
	Snippet       SnippetFunc
	Model         string
	Version       string
	SnippetMaxLen int
	Logger        *slog.Logger
}

// RerankOutcome is the merged result of one rerank pass.
type RerankOutcome struct {
	// Entries maps pub id to its model judgment. Items the model skipped
	// or that failed validation are absent.
	Entries map[string]storage.RerankEntry
	// Order is the model's ranking repaired to a full permutation of the
	// candidate ids.
	Order []string
	// FromCache counts entries served without a model call.
	FromCache int
}

// rerankItem is one element of the JSON array the model returns.
type rerankItem struct {
	PubID    string   `json:"pub_id"`
	ID       string   `json:"id"` // tolerated alias for pub_id
	Title    string   `json:"title"`
	Score    float64  `json:"llm_score"`
	Rank     int      `json:"llm_rank"`
	Reason   string   `json:"llm_reason"`
	Why      string   `json:"llm_why_it_matters"`
	Findings []string `json:"llm_key_findings"`
}

func (it rerankItem) pubID() string {
	if it.PubID != "" {
		return it.PubID
	}
	return it.ID
}

// Rerank judges the given publications. Cache hits are returned as-is;
// only misses go to the model. A cache read or write failure degrades to
// a miss and is logged, never fatal. A model call or parse failure
// returns an error so the caller can fall back to heuristic-only order.
func (r *Reranker) Rerank(ctx context.Context, pubs []storage.Publication) (RerankOutcome, error) {
	log := r.logger()
	out := RerankOutcome{Entries: map[string]storage.RerankEntry{}}
	if len(pubs) == 0 {
		return out, nil
	}

	ids := make([]string, len(pubs))
	for i, p := range pubs {
		ids[i] = p.ID
	}

	cached, err := r.Cache.CachedRerank(ids, r.Version)
	if err != nil {
		log.Warn("rerank cache read failed, treating all as misses", "error", err)
		cached = map[string]storage.RerankEntry{}
	}

	var pending []storage.Publication
	for _, p := range pubs {
		if e, ok := cached[p.ID]; ok {
			out.Entries[p.ID] = e
			continue
		}
		pending = append(pending, p)
	}
	out.FromCache = len(out.Entries)
	log.Info("reranking publications",
		"total", len(pubs),
		"cached", out.FromCache,
		"pending", len(pending))

	if len(pending) > 0 {
		fresh, err := r.judge(ctx, pending)
		if err != nil {
			return out, err
		}
		if stored, err := r.Cache.PutRerank(fresh, r.Model, r.Version); err != nil {
			log.Warn("rerank cache write failed", "error", err)
		} else {
			log.Debug("cached rerank entries", "count", stored)
		}
		for _, e := range fresh {
			out.Entries[e.PubID] = e
		}
	}

	out.Order = r.rankedOrder(out.Entries, ids)
	return out, nil
}

// judge makes one batched model call and validates the response against
// the candidate set.
func (r *Reranker) judge(ctx context.Context, pubs []storage.Publication) ([]storage.RerankEntry, error) {
	log := r.logger()

	prompt := r.buildPrompt(pubs)
	text, err := r.Client.Chat(ctx, r.Model, []llm.Message{
		{Role: "system", Content: "You are an expert evaluator for an early cancer detection research program. Return ONLY valid JSON with no additional text or markdown."},
		{Role: "user", Content: prompt},
	}, false)
	if err != nil {
		return nil, fmt.Errorf("rerank call: %w", err)
	}

	items, err := parseRerankItems(text)
	if err != nil {
		log.Warn("rerank response unusable", "error", err, "preview", SafePreview(text, 200))
		return nil, fmt.Errorf("parsing rerank response: %w", err)
	}

	byID := make(map[string]storage.Publication, len(pubs))
	for _, p := range pubs {
		byID[p.ID] = p
	}

	accepted := map[string]storage.RerankEntry{}
	var dropped, duplicates int
	for _, it := range items {
		id := it.pubID()
		pub, ok := byID[id]
		if !ok {
			dropped++
			log.Warn("rerank item dropped: unknown pub_id", "pub_id", id)
			continue
		}
		// Cross-wired outputs (right id, wrong title) would attach one
		// paper's judgment to another. Reject on title mismatch.
		if !titlesMatch(pub.Title, it.Title) {
			dropped++
			log.Warn("rerank item dropped: title mismatch",
				"pub_id", id,
				"expected", truncateTitle(pub.Title),
				"got", truncateTitle(it.Title))
			continue
		}
		if prev, ok := accepted[id]; ok {
			duplicates++
			if it.Score <= prev.Score {
				continue
			}
		}
		accepted[id] = storage.RerankEntry{
			PubID:     id,
			Score:     it.Score,
			Rank:      it.Rank,
			Reason:    it.Reason,
			Why:       it.Why,
			Findings:  it.Findings,
			Model:     r.Model,
			CreatedAt: time.Now().UTC(),
		}
	}
	if dropped > 0 || duplicates > 0 {
		log.Warn("rerank validation summary",
			"accepted", len(accepted),
			"dropped", dropped,
			"duplicates", duplicates)
	}

	entries := make([]storage.RerankEntry, 0, len(accepted))
	for _, e := range accepted {
		entries = append(entries, e)
	}
	return entries, nil
}

// rankedOrder turns the judgments into a full candidate permutation:
// judged ids by model rank (score desc as tie-break), repaired so every
// candidate appears exactly once.
func (r *Reranker) rankedOrder(entries map[string]storage.RerankEntry, candidates []string) []string {
	ranked := make([]string, 0, len(entries))
	for id := range entries {
		ranked = append(ranked, id)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := entries[ranked[i]], entries[ranked[j]]
		if a.Rank != b.Rank {
			// Rank 0 means the model did not assign one; sort those last.
			if a.Rank == 0 || b.Rank == 0 {
				return b.Rank == 0
			}
			return a.Rank < b.Rank
		}
		return a.Score > b.Score
	})
	return RepairRanking(ranked, candidates)
}

func (r *Reranker) buildPrompt(pubs []storage.Publication) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Rank %d publications by relevance to early cancer detection and screening innovation.\n\n", len(pubs))
	b.WriteString(`SCORING RUBRIC (0-100):
- 70-100: early detection/screening methods, validated diagnostic biomarkers, ctDNA/methylation/liquid biopsy, MCED technologies, screening effectiveness with sensitivity/specificity data.
- 40-69: cancer biology relevant to detection, biomarker discovery, retrospective detection studies, risk models, MRD monitoring.
- 10-39: treatment-focused without a detection angle, late-stage research, prevention without diagnostic innovation.
- 0-9: non-cancer biology, unrelated medical fields, pure methodology without cancer application, editorials.

RULES:
1. Do not hallucinate: if the text is missing or unclear, say "Not enough information" in findings.
2. If the title/venue suggests an irrelevant domain, score 0-5 regardless of keywords.
3. Copy pub_id and title EXACTLY as given; never invent or modify them.
4. Include ALL publications, with unique ranks 1..N.

Publications:
`)
	for i, p := range pubs {
		snippet := r.snippet(p)
		indicator := " [Title/venue only]"
		if snippet != "" {
			indicator = " [Has abstract]"
		} else {
			snippet = "Not available"
		}
		fmt.Fprintf(&b, "%d. ID: %s%s\n   Title: %s\n   Venue: %s\n   Source: %s\n   Date: %s\n   Text: %s\n\n",
			i+1, p.ID, indicator, p.Title, p.Venue, p.Source,
			p.PublishedAt.Format(time.DateOnly), snippet)
	}
	b.WriteString(`Return ONLY a valid JSON array (no markdown, no extra text):
[{"pub_id": "exact_id_from_above", "title": "exact_title_from_above", "llm_score": 85, "llm_rank": 1, "llm_reason": "...", "llm_why_it_matters": "...", "llm_key_findings": ["..."]}]`)
	return b.String()
}

func (r *Reranker) snippet(p storage.Publication) string {
	text := p.Summary
	if text == "" || text == "No summary available." {
		text = p.RawText
	}
	if r.Snippet != nil {
		return r.Snippet(text, r.SnippetMaxLen)
	}
	return text
}

// parseRerankItems decodes the model's item array, tolerating code
// fences and truncated tails the same way the ranked-id parser does.
func parseRerankItems(text string) ([]rerankItem, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return nil, fmt.Errorf("empty response")
	}

	for _, candidate := range []string{s, StripCodeFence(s), balancedJSONSubstring(StripCodeFence(s))} {
		if candidate == "" {
			continue
		}
		var items []rerankItem
		if err := json.Unmarshal([]byte(candidate), &items); err == nil && len(items) > 0 {
			return items, nil
		}
	}
	return nil, fmt.Errorf("no decodable item array")
}

var titleNoisePattern = regexp.MustCompile(`[^\w\s-]`)
var whitespacePattern = regexp.MustCompile(`\s+`)

func normalizeTitle(title string) string {
	t := strings.ToLower(strings.TrimSpace(title))
	t = titleNoisePattern.ReplaceAllString(t, "")
	return whitespacePattern.ReplaceAllString(t, " ")
}

// titlesMatch accepts exact normalized equality or a high bigram overlap,
// absorbing minor model edits (casing, punctuation, a dropped word).
func titlesMatch(expected, got string) bool {
	if got == "" {
		return false
	}
	e, g := normalizeTitle(expected), normalizeTitle(got)
	if e == g {
		return true
	}
	return bigramSimilarity(e, g) >= 0.9
}

func bigramSimilarity(a, b string) float64 {
	if len(a) < 2 || len(b) < 2 {
		return 0
	}
	grams := map[string]int{}
	for i := 0; i < len(a)-1; i++ {
		grams[a[i:i+2]]++
	}
	matches := 0
	for i := 0; i < len(b)-1; i++ {
		if grams[b[i:i+2]] > 0 {
			grams[b[i:i+2]]--
			matches++
		}
	}
	return 2 * float64(matches) / float64(len(a)+len(b)-2)
}

func (r *Reranker) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
