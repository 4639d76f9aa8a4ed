// Package evaluate computes the offline metrics used to validate the
// blending rule and the calibration curve against held-out human labels:
// Spearman rank correlation, NDCG@K, and recall@K.
package evaluate

import (
	"math"
	"sort"
)

// LabeledItem pairs a model score with its human ground truth.
type LabeledItem struct {
	ID          string
	ModelScore  float64
	HumanRating float64 // mean human rating, 0-3
	Relevance   float64 // ground-truth relevance label, 0-3
}

// Spearman returns the rank correlation between model scores and human
// ratings. Ties receive average ranks. With fewer than 3 pairs a
// correlation would be meaningless, so ok is false rather than returning a
// misleading number.
func Spearman(model, human []float64) (rho float64, ok bool) {
	n := len(model)
	if n != len(human) || n < 3 {
		return 0, false
	}

	rm := averageRanks(model)
	rh := averageRanks(human)

	// Pearson correlation over the ranks handles ties correctly.
	meanM, meanH := mean(rm), mean(rh)
	var cov, varM, varH float64
	for i := 0; i < n; i++ {
		dm := rm[i] - meanM
		dh := rh[i] - meanH
		cov += dm * dh
		varM += dm * dm
		varH += dh * dh
	}
	if varM == 0 || varH == 0 {
		return 0, false // constant input, correlation undefined
	}
	return cov / math.Sqrt(varM*varH), true
}

// averageRanks assigns 1-based ranks with ties sharing their average rank.
func averageRanks(vals []float64) []float64 {
	n := len(vals)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return vals[idx[a]] < vals[idx[b]] })

	ranks := make([]float64, n)
	for i := 0; i < n; {
		j := i
		for j+1 < n && vals[idx[j+1]] == vals[idx[i]] {
			j++
		}
		avg := float64(i+j+2) / 2 // average of 1-based ranks i+1..j+1
		for k := i; k <= j; k++ {
			ranks[idx[k]] = avg
		}
		i = j + 1
	}
	return ranks
}

func mean(vals []float64) float64 {
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// NDCG computes normalized discounted cumulative gain at k. Items are
// ranked by model score descending; gain is (2^rel - 1) / log2(pos + 2),
// normalized by the same sum over the ideal (relevance-sorted) ordering.
// Returns 0 when the ideal sum is 0 (no relevant items at all).
func NDCG(items []LabeledItem, k int) float64 {
	if len(items) == 0 || k <= 0 {
		return 0
	}

	byModel := sortedCopy(items, func(a, b LabeledItem) bool { return a.ModelScore > b.ModelScore })
	byRelevance := sortedCopy(items, func(a, b LabeledItem) bool { return a.Relevance > b.Relevance })

	dcg := gainSum(byModel, k)
	idcg := gainSum(byRelevance, k)
	if idcg == 0 {
		return 0
	}
	return dcg / idcg
}

func gainSum(ranked []LabeledItem, k int) float64 {
	sum := 0.0
	for i, item := range ranked {
		if i >= k {
			break
		}
		gain := math.Pow(2, item.Relevance) - 1
		discount := math.Log2(float64(i) + 2)
		sum += gain / discount
	}
	return sum
}

// RecallAtK returns the fraction of items with relevance at or above
// threshold that appear in the top k by model score. ok is false when no
// item meets the threshold.
func RecallAtK(items []LabeledItem, k int, threshold float64) (recall float64, ok bool) {
	if len(items) == 0 || k <= 0 {
		return 0, false
	}

	totalRelevant := 0
	for _, item := range items {
		if item.Relevance >= threshold {
			totalRelevant++
		}
	}
	if totalRelevant == 0 {
		return 0, false
	}

	byModel := sortedCopy(items, func(a, b LabeledItem) bool { return a.ModelScore > b.ModelScore })
	hits := 0
	for i, item := range byModel {
		if i >= k {
			break
		}
		if item.Relevance >= threshold {
			hits++
		}
	}
	return float64(hits) / float64(totalRelevant), true
}

func sortedCopy(items []LabeledItem, less func(a, b LabeledItem) bool) []LabeledItem {
	out := make([]LabeledItem, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// Summary bundles the standard evaluation report computed over one labeled
// dataset.
type Summary struct {
	SpearmanRho float64            `json:"spearman_rho"`
	SpearmanOK  bool               `json:"spearman_ok"`
	SampleCount int                `json:"n"`
	NDCGAtK     map[int]float64    `json:"ndcg_at_k"`
	RecallAtK   map[int]float64    `json:"recall_at_k"`
	RecallOK    bool               `json:"recall_ok"`
}

// StandardKs are the cutoffs reported by AllMetrics.
var StandardKs = []int{5, 10, 20}

// RelevanceThreshold is the label value at or above which an item counts as
// relevant for recall purposes (top rating on the 0-3 scale).
const RelevanceThreshold = 3

// AllMetrics computes the full evaluation summary for a labeled dataset.
func AllMetrics(items []LabeledItem) Summary {
	model := make([]float64, len(items))
	human := make([]float64, len(items))
	for i, item := range items {
		model[i] = item.ModelScore
		human[i] = item.HumanRating
	}

	rho, rhoOK := Spearman(model, human)
	s := Summary{
		SpearmanRho: rho,
		SpearmanOK:  rhoOK,
		SampleCount: len(items),
		NDCGAtK:     make(map[int]float64, len(StandardKs)),
		RecallAtK:   make(map[int]float64, len(StandardKs)),
	}
	for _, k := range StandardKs {
		s.NDCGAtK[k] = NDCG(items, k)
		recall, ok := RecallAtK(items, k, RelevanceThreshold)
		if ok {
			s.RecallAtK[k] = recall
			s.RecallOK = true
		}
	}
	return s
}
