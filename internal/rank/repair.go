package rank

// RepairRanking reconciles a model-produced id ordering against the actual
// candidate set and returns a total ordering over exactly the candidate ids.
//
// Rules, in order:
//   - ids not present in the candidate set are dropped
//   - duplicate ids keep only their first occurrence
//   - the surviving order is preserved exactly (it encodes the model's
//     relative judgment)
//   - candidates the model omitted are appended at the end, in candidate
//     order
//
// Returns nil when either input is empty; callers fall back to the
// heuristic-only ordering.
func RepairRanking(ranked, candidates []string) []string {
	if len(ranked) == 0 || len(candidates) == 0 {
		return nil
	}

	candidateSet := make(map[string]struct{}, len(candidates))
	for _, id := range candidates {
		candidateSet[id] = struct{}{}
	}

	repaired := make([]string, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, id := range ranked {
		if _, ok := candidateSet[id]; !ok {
			continue // foreign id, model invented or cross-wired it
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		repaired = append(repaired, id)
	}

	for _, id := range candidates {
		if _, ok := seen[id]; !ok {
			repaired = append(repaired, id)
		}
	}

	return repaired
}
