// Package curate orchestrates one ranking cycle: load candidates, score
// them heuristically, enrich with cached or fresh model judgments, blend,
// and select the must-read set. It also owns the calibration and
// evaluation workflows over the labeled dataset.
package curate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/paperwatch/paperwatch/internal/calibrate"
	"github.com/paperwatch/paperwatch/internal/evaluate"
	"github.com/paperwatch/paperwatch/internal/rank"
	"github.com/paperwatch/paperwatch/internal/scoring"
	"github.com/paperwatch/paperwatch/internal/storage"
)

// Store is the persistence surface the service needs.
type Store interface {
	ListCandidates(since time.Time) ([]storage.Publication, error)
	SetFinalRelevancy(pubID string, rec storage.RelevancyRecord) error
	LabeledPairs() ([]storage.LabeledPair, error)
}

// RerankEngine produces batched model judgments.
type RerankEngine interface {
	Rerank(ctx context.Context, pubs []storage.Publication) (rank.RerankOutcome, error)
}

// ScoreEngine produces per-item relevancy scores.
type ScoreEngine interface {
	ScoreRun(ctx context.Context, runID string, pubs []storage.Publication) (map[string]storage.RelevancyRecord, error)
}

// Service wires the ranking pipeline together. Reranker and Scorer are
// optional: without them the cycle degrades to heuristic-only ordering.
type Service struct {
	Store           Store
	Reranker        RerankEngine
	Scorer          ScoreEngine
	Blend           rank.BlendConfig
	WindowDays      int
	CalibrationPath string
	Logger          *slog.Logger
}

// MustRead is one selected publication with its presentation fields.
type MustRead struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	PublishedDate  string   `json:"published_date"`
	Source         string   `json:"source"`
	Venue          string   `json:"venue"`
	URL            string   `json:"url"`
	WhyItMatters   string   `json:"why_it_matters"`
	KeyFindings    []string `json:"key_findings"`
	RankScore      float64  `json:"rank_score"`
	RankReason     string   `json:"rank_reason"`
	RelevancyScore *float64 `json:"relevancy_score"`
	Confidence     string   `json:"confidence,omitempty"`
}

// Report is the output of one ranking cycle.
type Report struct {
	MustReads         []MustRead        `json:"must_reads"`
	HonorableMentions []MustRead        `json:"honorable_mentions,omitempty"`
	GeneratedAt       time.Time         `json:"generated_at"`
	WindowDays        int               `json:"window_days"`
	TotalCandidates   int               `json:"total_candidates"`
	Warnings          []string          `json:"ranking_warnings,omitempty"`
	Debug             *rank.DebugBundle `json:"debug_ranking,omitempty"`
}

// RankOptions tune one MustReads call. Zero values fall back to the
// service configuration.
type RankOptions struct {
	WindowDays int
	TopN       int
	// UseModel enables the batched rerank call; heuristic-only otherwise.
	UseModel bool
	Debug    bool
}

// MustReads runs one ranking cycle. The cycle always produces output:
// a rerank failure degrades to heuristic-only ordering with a warning,
// never an error.
func (s *Service) MustReads(ctx context.Context, opts RankOptions) (Report, error) {
	log := s.logger()
	now := time.Now().UTC()

	window := opts.WindowDays
	if window <= 0 {
		window = s.WindowDays
	}
	cfg := s.Blend
	if opts.TopN > 0 {
		cfg.TopN = opts.TopN
	}

	pubs, err := s.Store.ListCandidates(now.AddDate(0, 0, -window))
	if err != nil {
		return Report{}, fmt.Errorf("listing candidates: %w", err)
	}

	heuristics := make(map[string]scoring.HeuristicResult, len(pubs))
	for _, p := range pubs {
		heuristics[p.ID] = scoring.Heuristic(p, now)
	}

	var warnings []string
	judgments := map[string]storage.RerankEntry{}
	if opts.UseModel && s.Reranker != nil && len(pubs) > 0 {
		outcome, err := s.Reranker.Rerank(ctx, pubs)
		if err != nil {
			w := fmt.Sprintf("model rerank unavailable, heuristic-only ordering: %v", err)
			warnings = append(warnings, w)
			log.Warn("rerank failed, falling back to heuristic order", "error", err)
		}
		// A partial outcome (cache hits before the failure) is still usable.
		judgments = outcome.Entries
	}

	items := make([]rank.Item, len(pubs))
	for i, p := range pubs {
		item := rank.Item{
			ID:             p.ID,
			Title:          p.Title,
			PublishedAt:    p.PublishedAt,
			HeuristicScore: heuristics[p.ID].Score,
			RelevancyScore: p.RelevancyScore,
		}
		if e, ok := judgments[p.ID]; ok {
			score := e.Score
			item.ModelScore = &score
		}
		items[i] = item
	}

	res := rank.Rank(items, cfg, opts.Debug)

	report := Report{
		GeneratedAt:     now,
		WindowDays:      window,
		TotalCandidates: res.TotalCandidates,
		Warnings:        append(warnings, res.Warnings...),
		Debug:           res.Debug,
	}
	pubByID := make(map[string]storage.Publication, len(pubs))
	for _, p := range pubs {
		pubByID[p.ID] = p
	}
	report.MustReads = s.present(res.MustReads, pubByID, heuristics, judgments)
	report.HonorableMentions = s.present(res.HonorableMentions, pubByID, heuristics, judgments)
	return report, nil
}

func (s *Service) present(selected []rank.BlendedItem, pubs map[string]storage.Publication, heuristics map[string]scoring.HeuristicResult, judgments map[string]storage.RerankEntry) []MustRead {
	out := make([]MustRead, 0, len(selected))
	for _, b := range selected {
		p := pubs[b.ID]
		h := heuristics[b.ID]

		mr := MustRead{
			ID:             p.ID,
			Title:          p.Title,
			Source:         p.Source,
			Venue:          p.Venue,
			URL:            p.URL,
			RankScore:      b.TotalScore,
			RankReason:     h.Reason,
			RelevancyScore: p.RelevancyScore,
			Confidence:     p.Confidence,
		}
		if !p.PublishedAt.IsZero() {
			mr.PublishedDate = p.PublishedAt.Format(time.DateOnly)
		}

		// Model judgment carries the richer presentation fields; fall back
		// to the heuristic extraction.
		if e, ok := judgments[b.ID]; ok && e.Why != "" {
			mr.WhyItMatters = e.Why
			mr.KeyFindings = e.Findings
			mr.RankReason = e.Reason
		} else {
			mr.WhyItMatters = scoring.WhyItMatters(p.Summary, h.Reason)
			mr.KeyFindings = scoring.KeyFindings(p.Summary)
		}
		out = append(out, mr)
	}
	return out
}

// ScoreSummary reports the outcome of one relevancy scoring run.
type ScoreSummary struct {
	RunID   string `json:"run_id"`
	Total   int    `json:"total"`
	Scored  int    `json:"scored"`
	Failed  int    `json:"failed"`
	Updated int    `json:"updated"`
}

// ScoreRelevancy runs the per-item scoring path over the candidate
// window and writes successful scores back to the centralized relevancy
// columns. An empty runID gets a generated one.
func (s *Service) ScoreRelevancy(ctx context.Context, runID string, windowDays int) (ScoreSummary, error) {
	if s.Scorer == nil {
		return ScoreSummary{}, fmt.Errorf("relevancy scoring not configured")
	}
	log := s.logger()

	if runID == "" {
		runID = uuid.New().String()
	}
	if windowDays <= 0 {
		windowDays = s.WindowDays
	}

	pubs, err := s.Store.ListCandidates(time.Now().UTC().AddDate(0, 0, -windowDays))
	if err != nil {
		return ScoreSummary{}, fmt.Errorf("listing candidates: %w", err)
	}

	recs, err := s.Scorer.ScoreRun(ctx, runID, pubs)
	if err != nil {
		return ScoreSummary{}, fmt.Errorf("scoring run %s: %w", runID, err)
	}

	sum := ScoreSummary{RunID: runID, Total: len(pubs)}
	for _, rec := range recs {
		if rec.Score == nil {
			sum.Failed++
			continue
		}
		sum.Scored++
		if err := s.Store.SetFinalRelevancy(rec.PubID, rec); err != nil {
			log.Warn("updating centralized relevancy failed", "pub_id", rec.PubID, "error", err)
			continue
		}
		sum.Updated++
	}
	log.Info("relevancy scoring run complete",
		"run_id", runID, "scored", sum.Scored, "failed", sum.Failed)
	return sum, nil
}

// FitCalibration fits an isotonic curve on the labeled dataset and saves
// the artifact. Fails loudly below the minimum sample count.
func (s *Service) FitCalibration(ctx context.Context, scale calibrate.OutputScale) (calibrate.FitStats, error) {
	pairs, err := s.Store.LabeledPairs()
	if err != nil {
		return calibrate.FitStats{}, fmt.Errorf("loading labeled pairs: %w", err)
	}

	model := make([]float64, len(pairs))
	human := make([]float64, len(pairs))
	for i, p := range pairs {
		model[i] = p.ModelScore
		human[i] = p.MeanRating
	}

	cal := calibrate.New()
	if err := cal.Fit(model, human, scale); err != nil {
		return calibrate.FitStats{}, err
	}
	if err := cal.Save(s.CalibrationPath); err != nil {
		return calibrate.FitStats{}, err
	}
	return cal.Stats(), nil
}

// Calibration loads the saved artifact; it never refits.
func (s *Service) Calibration() (*calibrate.Calibrator, error) {
	return calibrate.Load(s.CalibrationPath)
}

// Metrics computes the evaluation summary over the labeled dataset.
func (s *Service) Metrics(ctx context.Context) (evaluate.Summary, error) {
	pairs, err := s.Store.LabeledPairs()
	if err != nil {
		return evaluate.Summary{}, fmt.Errorf("loading labeled pairs: %w", err)
	}

	items := make([]evaluate.LabeledItem, len(pairs))
	for i, p := range pairs {
		items[i] = evaluate.LabeledItem{
			ID:          p.PubID,
			ModelScore:  p.ModelScore,
			HumanRating: p.MeanRating,
			// Mean ratings land between label steps; round to the nearest
			// 0-3 relevance grade for the gain computation.
			Relevance: nearestGrade(p.MeanRating),
		}
	}
	return evaluate.AllMetrics(items), nil
}

func nearestGrade(rating float64) float64 {
	switch {
	case rating < 0:
		return 0
	case rating > 3:
		return 3
	default:
		return float64(int(rating + 0.5))
	}
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
