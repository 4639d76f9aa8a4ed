// Package scoring produces relevancy scores for publications: a fast
// keyword/recency heuristic and an LLM-backed per-item scorer.
package scoring

import (
	"fmt"
	"strings"
	"time"

	"github.com/paperwatch/paperwatch/internal/storage"
)

// Keywords weighted toward early cancer detection relevance.
var priorityKeywords = []string{
	"screening",
	"biomarker",
	"early detection",
	"ctdna",
	"cell-free dna",
	"methylation",
	"liquid biopsy",
	"diagnostic",
	"detection method",
	"sensitivity",
	"specificity",
}

// prioritySources maps source name substrings (lowercase) to priority
// points. First match wins.
var prioritySources = []struct {
	name   string
	points float64
}{
	{"nature cancer", 100},
	{"science", 90},
	{"the lancet", 80},
	{"bmj", 70},
	{"biorxiv", 60},
	{"medrxiv", 60},
}

const baselineSourceScore = 10

// HeuristicResult is a heuristic score with its explanation.
type HeuristicResult struct {
	Score  float64
	Reason string
}

// Heuristic computes a 0-600 rank score from source priority (0-100),
// recency (0-200) and keyword relevance (0-300). It never fails: missing
// or unparseable fields fall through to baseline points.
func Heuristic(p storage.Publication, now time.Time) HeuristicResult {
	var score float64
	var reasons []string

	sourceScore := float64(baselineSourceScore)
	sourceLower := strings.ToLower(p.Source)
	for _, ps := range prioritySources {
		if strings.Contains(sourceLower, ps.name) {
			sourceScore = ps.points
			reasons = append(reasons, fmt.Sprintf("high-priority source (%s)", p.Source))
			break
		}
	}
	score += sourceScore

	recencyScore, recencyReason := recencyPoints(p.PublishedAt, now)
	score += recencyScore
	if recencyReason != "" {
		reasons = append(reasons, recencyReason)
	}

	combined := strings.ToLower(p.Title + " " + p.Summary + " " + p.RawText)
	var hits []string
	for _, kw := range priorityKeywords {
		if strings.Contains(combined, kw) {
			hits = append(hits, kw)
		}
	}
	switch {
	case len(hits) >= 3:
		score += 300
		reasons = append(reasons, fmt.Sprintf("high keyword relevance (%d matches)", len(hits)))
	case len(hits) == 2:
		score += 200
		reasons = append(reasons, fmt.Sprintf("moderate keyword relevance (%d matches)", len(hits)))
	case len(hits) == 1:
		score += 100
		reasons = append(reasons, "keyword match: "+hits[0])
	}

	reason := "baseline scoring"
	if len(reasons) > 0 {
		reason = strings.Join(reasons, "; ")
	}
	return HeuristicResult{Score: score, Reason: reason}
}

func recencyPoints(published, now time.Time) (float64, string) {
	if published.IsZero() {
		return 50, ""
	}
	age := now.Sub(published)
	switch {
	case age < 7*24*time.Hour:
		return 200, "very recent (< 7 days)"
	case age < 14*24*time.Hour:
		return 150, "recent (< 14 days)"
	case age < 30*24*time.Hour:
		return 100, "recent (< 30 days)"
	default:
		return 50, "older publication"
	}
}

// KeyFindings extracts up to three findings from a summary, preferring
// bullet points, falling back to leading sentences.
func KeyFindings(summary string) []string {
	summary = strings.TrimSpace(summary)
	if summary == "" || summary == "No summary available." {
		return nil
	}

	var findings []string
	for _, line := range strings.Split(summary, "\n") {
		line = strings.TrimSpace(line)
		for _, marker := range []string{"- ", "* ", "• "} {
			if rest, ok := strings.CutPrefix(line, marker); ok {
				findings = append(findings, strings.TrimSpace(rest))
				break
			}
		}
	}
	if len(findings) == 0 {
		for _, s := range strings.Split(summary, ".") {
			s = strings.TrimSpace(s)
			if s != "" {
				findings = append(findings, s)
			}
		}
	}
	if len(findings) > 3 {
		findings = findings[:3]
	}
	return findings
}

// WhyItMatters produces a 1-2 line statement for a ranked publication:
// the summary's first substantial sentence, or the rank reason.
func WhyItMatters(summary, rankReason string) string {
	summary = strings.TrimSpace(summary)
	if summary != "" && summary != "No summary available." {
		first, _, _ := strings.Cut(summary, ".")
		first = strings.TrimSpace(first)
		if len(first) > 20 {
			return first + "."
		}
	}
	return "Flagged as must-read: " + rankReason + "."
}
