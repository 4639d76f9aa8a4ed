package rank

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// BlendConfig carries the score-combination weights and selection
// thresholds. Zero values are not usable; callers populate it from the
// application config.
type BlendConfig struct {
	HeuristicWeight float64
	ModelWeight     float64
	// DemoteBelow: a model score under this cutoff (0-100) replaces the
	// blend entirely. A confident "irrelevant" judgment should not be
	// diluted by heuristic noise.
	DemoteBelow float64
	// HeuristicScale is the top of the heuristic range; model scores are
	// scaled onto it before weighting.
	HeuristicScale float64
	// MinScore excludes items below it from selection. Applied after
	// sorting so candidate counts stay accurate. <= 0 disables.
	MinScore float64
	// HighScore flags items above it that fell outside the top N.
	HighScore         float64
	TopN              int
	HonorableMentions int
}

// Item is one publication entering the ranking, with whichever score
// signals exist for it.
type Item struct {
	ID             string
	Title          string
	PublishedAt    time.Time
	HeuristicScore float64
	// ModelScore is the external model's 0-100 judgment; nil when the
	// item was never scored.
	ModelScore *float64
	// RelevancyScore is the centralized 0-100 relevancy value; when
	// present it is the sole primary sort key and the blend is bypassed.
	RelevancyScore *float64
}

// BlendedItem is an Item with its final ordering score attached.
type BlendedItem struct {
	Item
	TotalScore float64
	// SortScore is what the ordering actually used: the centralized
	// relevancy score when present, otherwise the blend. Missing scores
	// sort as -1.
	SortScore float64
	Scored    bool
}

// Result is the ranked selection plus diagnostics.
type Result struct {
	MustReads         []BlendedItem
	HonorableMentions []BlendedItem
	// TotalCandidates counts items that carried a usable score, before
	// the MinScore filter.
	TotalCandidates int
	Warnings        []string
	Debug           *DebugBundle
}

// DebugBundle is the optional diagnostic view of a ranking run.
type DebugBundle struct {
	TopCandidates []DebugCandidate `json:"top_candidates"`
	Warnings      []string         `json:"ranking_warnings"`
	Total         int              `json:"total_candidates"`
	TotalScored   int              `json:"total_with_relevancy"`
	Distribution  Distribution     `json:"relevancy_distribution"`
}

type DebugCandidate struct {
	Rank        int      `json:"rank"`
	ID          string   `json:"publication_id"`
	Title       string   `json:"title"`
	Score       *float64 `json:"relevancy_score"`
	PublishedAt string   `json:"publication_date,omitempty"`
}

// Distribution buckets scored items by relevancy band.
type Distribution struct {
	High        int `json:"high_80_plus"`
	Moderate    int `json:"moderate_65_79"`
	Exploratory int `json:"exploratory_below_65"`
}

// Blend combines a heuristic score with an optional model score.
// No model score: the heuristic stands alone. Model score below the
// demotion cutoff: the model score stands alone. Otherwise a weighted
// sum with the model score scaled onto the heuristic range.
func Blend(heuristic float64, model *float64, cfg BlendConfig) float64 {
	if model == nil {
		return heuristic
	}
	if *model < cfg.DemoteBelow {
		return *model
	}
	scaled := *model / 100 * cfg.HeuristicScale
	return cfg.HeuristicWeight*heuristic + cfg.ModelWeight*scaled
}

// Rank orders items by relevancy desc, date desc, title asc
// (case-insensitive), applies the minimum-score threshold, scans for
// ordering anomalies, and splits the eligible list into must-reads and
// honorable mentions. withDebug attaches the diagnostic bundle.
func Rank(items []Item, cfg BlendConfig, withDebug bool) Result {
	blended := make([]BlendedItem, len(items))
	for i, it := range items {
		b := BlendedItem{Item: it}
		b.TotalScore = Blend(it.HeuristicScore, it.ModelScore, cfg)
		switch {
		case it.RelevancyScore != nil:
			b.SortScore = *it.RelevancyScore
			b.Scored = true
		case it.ModelScore != nil:
			b.SortScore = b.TotalScore
			b.Scored = true
		default:
			b.SortScore = -1
		}
		blended[i] = b
	}

	sort.SliceStable(blended, func(i, j int) bool {
		a, b := blended[i], blended[j]
		if a.SortScore != b.SortScore {
			return a.SortScore > b.SortScore
		}
		if !a.PublishedAt.Equal(b.PublishedAt) {
			return a.PublishedAt.After(b.PublishedAt)
		}
		return strings.ToLower(a.Title) < strings.ToLower(b.Title)
	})

	totalScored := 0
	for _, b := range blended {
		if b.Scored {
			totalScored++
		}
	}

	eligible := blended
	if cfg.MinScore > 0 {
		eligible = make([]BlendedItem, 0, len(blended))
		for _, b := range blended {
			if b.Scored && b.SortScore >= cfg.MinScore {
				eligible = append(eligible, b)
			}
		}
		slog.Info("score threshold applied",
			"min_score", cfg.MinScore,
			"eligible", len(eligible),
			"scored", totalScored)
	}

	warnings := detectAnomalies(eligible, cfg)

	topN := cfg.TopN
	if topN > len(eligible) {
		topN = len(eligible)
	}
	res := Result{
		MustReads:       eligible[:topN],
		TotalCandidates: totalScored,
		Warnings:        warnings,
	}
	if cfg.HonorableMentions > 0 && len(eligible) > topN {
		end := topN + cfg.HonorableMentions
		if end > len(eligible) {
			end = len(eligible)
		}
		res.HonorableMentions = eligible[topN:end]
	}

	if withDebug {
		res.Debug = buildDebug(blended, totalScored, warnings)
	}
	return res
}

// detectAnomalies is diagnostic only: it never reorders. It reports
// ordering inversions near the cutoff and high-relevance items that fell
// outside the top N.
func detectAnomalies(eligible []BlendedItem, cfg BlendConfig) []string {
	var warnings []string

	window := cfg.TopN + 5
	if window > len(eligible) {
		window = len(eligible)
	}
	for i := 0; i < cfg.TopN && i < len(eligible); i++ {
		for j := i + 1; j < window; j++ {
			if eligible[j].SortScore > eligible[i].SortScore {
				w := fmt.Sprintf("ranking anomaly: #%d %q (relevancy=%.1f) outranked #%d %q (relevancy=%.1f)",
					i+1, truncateTitle(eligible[i].Title), eligible[i].SortScore,
					j+1, truncateTitle(eligible[j].Title), eligible[j].SortScore)
				warnings = append(warnings, w)
				slog.Warn(w)
			}
		}
	}

	for i := cfg.TopN; i < len(eligible); i++ {
		if eligible[i].Scored && eligible[i].SortScore >= cfg.HighScore && cfg.HighScore > 0 {
			w := fmt.Sprintf("high-score exclusion: %q (relevancy=%.1f) not in top %d",
				truncateTitle(eligible[i].Title), eligible[i].SortScore, cfg.TopN)
			warnings = append(warnings, w)
			slog.Warn(w)
		}
	}
	return warnings
}

func buildDebug(blended []BlendedItem, totalScored int, warnings []string) *DebugBundle {
	top := blended
	if len(top) > 20 {
		top = top[:20]
	}
	d := &DebugBundle{
		Warnings:    warnings,
		Total:       len(blended),
		TotalScored: totalScored,
	}
	for i, b := range top {
		c := DebugCandidate{
			Rank:  i + 1,
			ID:    b.ID,
			Title: truncateTitle(b.Title),
		}
		if b.Scored {
			score := b.SortScore
			c.Score = &score
		}
		if !b.PublishedAt.IsZero() {
			c.PublishedAt = b.PublishedAt.Format(time.DateOnly)
		}
		d.TopCandidates = append(d.TopCandidates, c)
	}
	for _, b := range blended {
		score := 0.0
		if b.Scored {
			score = b.SortScore
		}
		switch {
		case score >= 80:
			d.Distribution.High++
		case score >= 65:
			d.Distribution.Moderate++
		default:
			d.Distribution.Exploratory++
		}
	}
	return d
}

func truncateTitle(title string) string {
	const limit = 60
	if len(title) <= limit {
		return title
	}
	return title[:limit] + "..."
}
