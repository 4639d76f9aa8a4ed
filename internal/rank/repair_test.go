package rank

import (
	"reflect"
	"testing"
)

func TestRepairRanking(t *testing.T) {
	candidates := []string{"id1", "id2", "id3"}

	tests := []struct {
		name   string
		ranked []string
		want   []string
	}{
		{"perfect match", []string{"id1", "id2", "id3"}, []string{"id1", "id2", "id3"}},
		{"model order preserved", []string{"id3", "id1", "id2"}, []string{"id3", "id1", "id2"}},
		{"missing id appended", []string{"id1", "id3"}, []string{"id1", "id3", "id2"}},
		{"foreign id dropped", []string{"id1", "id999", "id2", "id3"}, []string{"id1", "id2", "id3"}},
		{"duplicate keeps first", []string{"id1", "id2", "id1", "id3"}, []string{"id1", "id2", "id3"}},
		{"duplicate and foreign and missing", []string{"id1", "id999", "id1", "id3"}, []string{"id1", "id3", "id2"}},
		{"all foreign", []string{"id999", "id888"}, []string{"id1", "id2", "id3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RepairRanking(tt.ranked, candidates)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRepairRanking_EmptyInputs(t *testing.T) {
	if got := RepairRanking(nil, []string{"id1"}); got != nil {
		t.Fatalf("empty ranked: got %v", got)
	}
	if got := RepairRanking([]string{"id1"}, nil); got != nil {
		t.Fatalf("empty candidates: got %v", got)
	}
}

// Output must always be a permutation of the candidate set, regardless of
// how malformed the ranked input is.
func TestRepairRanking_PermutationProperty(t *testing.T) {
	candidates := []string{"a", "b", "c", "d", "e"}
	inputs := [][]string{
		{"e", "e", "e"},
		{"x", "y", "z"},
		{"c", "x", "a", "a", "q", "e"},
		{"a", "b", "c", "d", "e", "a", "b"},
	}
	for _, ranked := range inputs {
		got := RepairRanking(ranked, candidates)
		if len(got) != len(candidates) {
			t.Fatalf("ranked=%v: got %d ids, want %d", ranked, len(got), len(candidates))
		}
		seen := map[string]bool{}
		for _, id := range got {
			if seen[id] {
				t.Fatalf("ranked=%v: duplicate %q in %v", ranked, id, got)
			}
			seen[id] = true
		}
		for _, id := range candidates {
			if !seen[id] {
				t.Fatalf("ranked=%v: missing %q in %v", ranked, id, got)
			}
		}
	}
}
