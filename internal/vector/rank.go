package vector

import (
	"errors"
	"sort"
)

// Candidate is an identified descriptor that can be ranked against a query.
type Candidate struct {
	ID     int64
	Vector []float32
}

// Match is a ranked candidate with its similarity to the query.
type Match struct {
	ID         int64   `json:"id"`
	Similarity float64 `json:"similarity"`
}

// Nearest ranks candidates by descending similarity to query and returns at
// most k matches with similarity >= minSimilarity. Candidates whose dimension
// differs from the query are skipped and counted. Ties are broken by ID so the
// ranking is deterministic.
func Nearest(query []float32, candidates []Candidate, k int, minSimilarity float64) ([]Match, int, error) {
	if len(query) == 0 {
		return nil, 0, ErrEmptyVector
	}

	matches := make([]Match, 0, len(candidates))
	skipped := 0
	for _, c := range candidates {
		sim, err := Similarity(query, c.Vector)
		if err != nil {
			if errors.Is(err, ErrDimensionMismatch) || errors.Is(err, ErrEmptyVector) {
				skipped++
				continue
			}
			return nil, skipped, err
		}
		if sim < minSimilarity {
			continue
		}
		matches = append(matches, Match{ID: c.ID, Similarity: sim})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].ID < matches[j].ID
	})

	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, skipped, nil
}
