// Package vector implements the similarity kernel shared by the face store,
// the clustering engine and the matcher.
package vector

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrDimensionMismatch is returned when two descriptors have different lengths.
	// Descriptors are never truncated or padded to make them comparable.
	ErrDimensionMismatch = errors.New("descriptor dimensions differ")

	// ErrEmptyVector is returned for zero-length or all-zero descriptors.
	ErrEmptyVector = errors.New("empty or zero descriptor")
)

// Similarity computes the cosine similarity between two descriptors.
// Returns a value between -1 and 1, where 1 means identical direction.
func Similarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	if len(a) == 0 {
		return 0, ErrEmptyVector
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0, ErrEmptyVector
	}

	similarity := dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp to [-1, 1] to handle floating point errors
	if similarity > 1 {
		similarity = 1
	}
	if similarity < -1 {
		similarity = -1
	}
	return similarity, nil
}

// Distance returns the cosine distance (1 - similarity), between 0 and 2.
func Distance(a, b []float32) (float64, error) {
	sim, err := Similarity(a, b)
	if err != nil {
		return 0, err
	}
	return 1 - sim, nil
}

// Normalize returns a unit-length copy of v.
func Normalize(v []float32) ([]float32, error) {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if len(v) == 0 || norm == 0 {
		return nil, ErrEmptyVector
	}
	norm = math.Sqrt(norm)

	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out, nil
}

// Centroid returns the normalized mean of unit-normalized descriptors.
// All descriptors must share one dimension.
func Centroid(vectors [][]float32) ([]float32, error) {
	if len(vectors) == 0 {
		return nil, ErrEmptyVector
	}
	dim := len(vectors[0])
	sum := make([]float64, dim)
	for _, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, dim, len(v))
		}
		unit, err := Normalize(v)
		if err != nil {
			return nil, err
		}
		for i, x := range unit {
			sum[i] += float64(x)
		}
	}

	mean := make([]float32, dim)
	for i, s := range sum {
		mean[i] = float32(s / float64(len(vectors)))
	}
	return Normalize(mean)
}
