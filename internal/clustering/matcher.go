package clustering

import (
	"context"
	"fmt"

	"github.com/kozaktomas/face-clusterer/internal/database"
	"github.com/kozaktomas/face-clusterer/internal/vector"
)

// personCentroid is the mean identity descriptor of a person's faces.
type personCentroid struct {
	person   database.Person
	centroid []float32
}

// MatchDecision is the outcome of matching one face against known persons.
type MatchDecision int

const (
	// NoMatch means no person reached the review threshold
	NoMatch MatchDecision = iota
	// Accept means the best person reached the accept threshold
	Accept
	// Review means the best person is between the review and accept thresholds
	Review
)

// Match is the best person for a face.
type Match struct {
	Decision   MatchDecision
	Person     database.Person
	Similarity float64
}

// Matcher compares single faces against person centroids.
type Matcher struct {
	accept    float64
	review    float64
	centroids []personCentroid
}

// buildMatcher loads every person with at least one comparable face.
func (e *Engine) buildMatcher(ctx context.Context) (*Matcher, error) {
	persons, err := e.persons.ListPersons(ctx)
	if err != nil {
		return nil, fmt.Errorf("list persons: %w", err)
	}

	m := &Matcher{accept: e.cfg.Matching.AcceptThreshold, review: e.cfg.Matching.ReviewThreshold}
	for _, p := range persons {
		faces, err := e.faces.GetFacesByPerson(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("get faces of person %d: %w", p.ID, err)
		}
		var vectors [][]float32
		for _, f := range faces {
			if usable(f, e.version(), e.dim()) {
				vectors = append(vectors, f.Embedding)
			}
		}
		if len(vectors) == 0 {
			continue
		}
		centroid, err := vector.Centroid(vectors)
		if err != nil {
			return nil, fmt.Errorf("centroid of person %d: %w", p.ID, err)
		}
		m.centroids = append(m.centroids, personCentroid{person: p, centroid: centroid})
	}
	return m, nil
}

// Match returns the best person for embedding. Persons are compared in id
// order and ties keep the lower id.
func (m *Matcher) Match(embedding []float32) Match {
	best := Match{Decision: NoMatch}
	found := false
	for _, pc := range m.centroids {
		sim, err := vector.Similarity(embedding, pc.centroid)
		if err != nil {
			continue
		}
		if !found || sim > best.Similarity {
			best.Person = pc.person
			best.Similarity = sim
			found = true
		}
	}
	if !found {
		return best
	}

	switch {
	case best.Similarity >= m.accept:
		best.Decision = Accept
	case best.Similarity >= m.review:
		best.Decision = Review
	}
	return best
}

// Persons returns the number of persons with a centroid.
func (m *Matcher) Persons() int {
	return len(m.centroids)
}
