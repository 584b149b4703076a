package index

import "math"

// SearchOptions controls maximal marginal relevance retrieval. FetchK
// candidates are scored against the query and K of them are picked, each
// maximising Lambda*relevance - (1-Lambda)*redundancy.
type SearchOptions struct {
	K      int
	FetchK int
	Lambda float64
}

// DefaultSearchOptions returns K=8, FetchK=20, Lambda=0.8.
func DefaultSearchOptions() SearchOptions {
	return SearchOptions{K: 8, FetchK: 20, Lambda: 0.8}
}

func (o SearchOptions) normalized() SearchOptions {
	if o.K <= 0 {
		o.K = DefaultSearchOptions().K
	}
	if o.FetchK < o.K {
		o.FetchK = o.K
	}
	if o.Lambda < 0 {
		o.Lambda = 0
	}
	if o.Lambda > 1 {
		o.Lambda = 1
	}
	return o
}

// selectMMR picks up to k candidates in selection order.
func selectMMR(candidates []Candidate, k int, lambda float64) []Candidate {
	if k > len(candidates) {
		k = len(candidates)
	}
	selected := make([]Candidate, 0, k)
	used := make([]bool, len(candidates))
	// redundancy[i] is the highest similarity of candidate i to anything selected so far.
	redundancy := make([]float64, len(candidates))
	for i := range redundancy {
		redundancy[i] = math.Inf(-1)
	}

	for len(selected) < k {
		best, bestScore := -1, math.Inf(-1)
		for i, c := range candidates {
			if used[i] {
				continue
			}
			score := lambda * c.Score
			if len(selected) > 0 {
				score -= (1 - lambda) * redundancy[i]
			}
			if score > bestScore {
				best, bestScore = i, score
			}
		}
		if best < 0 {
			break
		}
		used[best] = true
		selected = append(selected, candidates[best])

		for i, c := range candidates {
			if !used[i] {
				redundancy[i] = max(redundancy[i], cosine(c.Vector, candidates[best].Vector))
			}
		}
	}
	return selected
}
