package clustering

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kozaktomas/face-clusterer/internal/config"
	"github.com/kozaktomas/face-clusterer/internal/constants"
	"github.com/kozaktomas/face-clusterer/internal/database"
	"github.com/kozaktomas/face-clusterer/internal/facematch"
)

var (
	// ErrInvalidName is returned for empty, overlong or duplicate person names.
	ErrInvalidName = errors.New("invalid person name")

	// ErrSamePerson is returned when merging a person into itself.
	ErrSamePerson = errors.New("cannot merge a person into itself")

	// ErrEmptySelection is returned when an operation receives no face ids.
	ErrEmptySelection = errors.New("no faces selected")
)

const maxNameLength = 100

// FaceStore is the face access the engine needs.
type FaceStore interface {
	GetFace(ctx context.Context, id int64) (*database.StoredFace, error)
	GetFacesByPerson(ctx context.Context, personID int64) ([]database.StoredFace, error)
	GetUnassignedFaces(ctx context.Context, limit, offset int) ([]database.StoredFace, error)
	CountUnassigned(ctx context.Context) (int, error)
	FindSimilarWithDistance(ctx context.Context, embedding []float32, limit int, maxDistance float64) ([]database.StoredFace, []float64, error)
}

// Engine runs clustering, matching and the person operations.
// Mutating operations are serialized.
type Engine struct {
	faces   FaceStore
	persons database.PersonStore
	cfg     config.ClusteringConfig
	review  *reviewQueue

	mu  sync.Mutex
	now func() time.Time
}

// NewEngine creates an engine.
func NewEngine(faces FaceStore, persons database.PersonStore, cfg config.ClusteringConfig) *Engine {
	return &Engine{
		faces:   faces,
		persons: persons,
		cfg:     cfg,
		review:  newReviewQueue(cfg.Matching.ReviewQueueSize),
		now:     time.Now,
	}
}

func (e *Engine) version() string { return e.cfg.Descriptors.Version }
func (e *Engine) dim() int        { return e.cfg.Descriptors.IdentityDim }

func (e *Engine) params() Params {
	return Params{
		Epsilon:        e.cfg.Clustering.Epsilon,
		MinPoints:      e.cfg.Clustering.MinPoints,
		MinClusterSize: e.cfg.Clustering.MinClusterSize,
	}
}

// FaceSummary is a face without its descriptors.
type FaceSummary struct {
	ID                int64     `json:"id"`
	PhotoID           int64     `json:"photo_id"`
	FaceIndex         int       `json:"face_index"`
	BBox              []float64 `json:"bbox"`
	Confidence        float64   `json:"confidence"`
	DescriptorVersion string    `json:"descriptor_version"`
	Dim               int       `json:"dim"`
	SemanticDim       int       `json:"semantic_dim"`
	PersonID          int64     `json:"person_id,omitempty"`
}

// Summarize strips the descriptors from a face.
func Summarize(f database.StoredFace) FaceSummary {
	return FaceSummary{
		ID:                f.ID,
		PhotoID:           f.PhotoID,
		FaceIndex:         f.FaceIndex,
		BBox:              f.BBox,
		Confidence:        f.Confidence,
		DescriptorVersion: f.DescriptorVersion,
		Dim:               f.Dim,
		SemanticDim:       f.SemanticDim,
		PersonID:          f.PersonID,
	}
}

// FacePage is one page of faces.
type FacePage struct {
	Faces  []FaceSummary `json:"faces"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// UnnamedFaces returns a page of faces without a person.
func (e *Engine) UnnamedFaces(ctx context.Context, limit, offset int) (*FacePage, error) {
	if limit <= 0 {
		limit = constants.DefaultHandlerPageSize
	}
	limit = min(limit, constants.MaxHandlerPageSize)
	offset = max(offset, 0)

	faces, err := e.faces.GetUnassignedFaces(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("get unassigned faces: %w", err)
	}
	total, err := e.faces.CountUnassigned(ctx)
	if err != nil {
		return nil, fmt.Errorf("count unassigned faces: %w", err)
	}

	page := &FacePage{Faces: make([]FaceSummary, 0, len(faces)), Total: total, Limit: limit, Offset: offset}
	for _, f := range faces {
		page.Faces = append(page.Faces, Summarize(f))
	}
	return page, nil
}

// Cluster runs DBSCAN over all unassigned faces without persisting anything.
func (e *Engine) Cluster(ctx context.Context) (*Result, error) {
	faces, err := e.faces.GetUnassignedFaces(ctx, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("get unassigned faces: %w", err)
	}
	return DBSCAN(ctx, faces, e.version(), e.dim(), e.params())
}

// AutoMatchResult summarizes one AutoMatch run.
type AutoMatchResult struct {
	Matched    int               `json:"matched"`
	Queued     int               `json:"queued_for_review"`
	NewPersons []database.Person `json:"new_persons"`
	Clustered  int               `json:"clustered"`
	Noise      int               `json:"noise"`
	Skipped    int               `json:"skipped"`
}

// AutoMatch assigns unassigned faces to existing persons when they clear the
// accept threshold, queues near misses for review, and clusters the rest into
// new auto-named persons.
func (e *Engine) AutoMatch(ctx context.Context) (*AutoMatchResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	faces, err := e.faces.GetUnassignedFaces(ctx, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("get unassigned faces: %w", err)
	}

	matcher, err := e.buildMatcher(ctx)
	if err != nil {
		return nil, err
	}

	result := &AutoMatchResult{NewPersons: []database.Person{}}
	accepted := make(map[int64][]int64)
	var acceptOrder []int64
	var remaining []database.StoredFace

	for _, f := range faces {
		if !usable(f, e.version(), e.dim()) {
			result.Skipped++
			continue
		}
		match := matcher.Match(f.Embedding)
		switch match.Decision {
		case Accept:
			if _, ok := accepted[match.Person.ID]; !ok {
				acceptOrder = append(acceptOrder, match.Person.ID)
			}
			accepted[match.Person.ID] = append(accepted[match.Person.ID], f.ID)
		case Review:
			e.review.add(ReviewItem{
				FaceID:     f.ID,
				PhotoID:    f.PhotoID,
				PersonID:   match.Person.ID,
				PersonName: match.Person.Name,
				Similarity: match.Similarity,
				QueuedAt:   e.now(),
			})
			result.Queued++
		default:
			remaining = append(remaining, f)
		}
	}

	for _, personID := range acceptOrder {
		ids := accepted[personID]
		n, err := e.persons.AssignFaces(ctx, ids, personID)
		if err != nil {
			return nil, fmt.Errorf("assign faces to person %d: %w", personID, err)
		}
		e.review.remove(ids...)
		result.Matched += n
	}

	clusters, err := DBSCAN(ctx, remaining, e.version(), e.dim(), e.params())
	if err != nil {
		return nil, fmt.Errorf("cluster faces: %w", err)
	}
	result.Noise = len(clusters.Noise)

	next, err := e.nextAutoNumber(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range clusters.Clusters {
		name := fmt.Sprintf("%s %d", e.cfg.Clustering.AutoNamePrefix, next)
		next++
		person, err := e.persons.CreatePersonWithFaces(ctx, name, true, c.FaceIDs)
		if err != nil {
			return nil, fmt.Errorf("create person from cluster: %w", err)
		}
		result.NewPersons = append(result.NewPersons, *person)
		result.Clustered += len(c.FaceIDs)
	}

	log.Printf("Clustering: auto-match assigned %d, queued %d for review, created %d persons from %d faces, %d noise, %d skipped",
		result.Matched, result.Queued, len(result.NewPersons), result.Clustered, result.Noise, result.Skipped)
	return result, nil
}

// nextAutoNumber returns one more than the highest existing auto-name number.
func (e *Engine) nextAutoNumber(ctx context.Context) (int, error) {
	persons, err := e.persons.ListPersons(ctx)
	if err != nil {
		return 0, fmt.Errorf("list persons: %w", err)
	}
	prefix := e.cfg.Clustering.AutoNamePrefix + " "
	highest := 0
	for _, p := range persons {
		if !strings.HasPrefix(p.Name, prefix) {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(p.Name, prefix)); err == nil && n > highest {
			highest = n
		}
	}
	return highest + 1, nil
}

// SimilarFace is a neighbor of a face.
type SimilarFace struct {
	Face       FaceSummary `json:"face"`
	Similarity float64     `json:"similarity"`
}

// FindSimilar returns up to limit faces whose identity descriptor has at least
// minSimilarity to the face, most similar first. The face itself is excluded.
func (e *Engine) FindSimilar(ctx context.Context, faceID int64, limit int, minSimilarity float64) ([]SimilarFace, error) {
	face, err := e.faces.GetFace(ctx, faceID)
	if err != nil {
		return nil, fmt.Errorf("get face: %w", err)
	}
	if face == nil {
		return nil, fmt.Errorf("face %d: %w", faceID, database.ErrNotFound)
	}
	if limit <= 0 {
		limit = constants.DefaultSimilarLimit
	}
	result := []SimilarFace{}
	if !usable(*face, e.version(), e.dim()) {
		return result, nil
	}

	// The index does not know descriptor versions, widen the search until
	// enough comparable faces are found or the index is exhausted.
	for fetch := limit + 1; ; fetch *= 2 {
		faces, distances, err := e.faces.FindSimilarWithDistance(ctx, face.Embedding, fetch, 1-minSimilarity)
		if err != nil {
			return nil, fmt.Errorf("find similar faces: %w", err)
		}
		result = result[:0]
		for i, f := range faces {
			if f.ID == faceID || f.DescriptorVersion != face.DescriptorVersion {
				continue
			}
			result = append(result, SimilarFace{Face: Summarize(f), Similarity: 1 - distances[i]})
			if len(result) >= limit {
				return result, nil
			}
		}
		if len(faces) < fetch {
			return result, nil
		}
	}
}

// CreatePersonFromCluster creates a person with a user-given name and assigns the faces to it.
func (e *Engine) CreatePersonFromCluster(ctx context.Context, faceIDs []int64, name string) (*database.Person, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(faceIDs) == 0 {
		return nil, ErrEmptySelection
	}
	name, err := e.validateName(ctx, name)
	if err != nil {
		return nil, err
	}

	person, err := e.persons.CreatePersonWithFaces(ctx, name, false, faceIDs)
	if err != nil {
		return nil, fmt.Errorf("create person: %w", err)
	}
	e.review.remove(faceIDs...)
	e.cleanupOrphans(ctx)
	return person, nil
}

func (e *Engine) validateName(ctx context.Context, name string) (string, error) {
	name = facematch.CleanPersonName(name)
	if name == "" {
		return "", fmt.Errorf("%w: name is empty", ErrInvalidName)
	}
	if len([]rune(name)) > maxNameLength {
		return "", fmt.Errorf("%w: name is longer than %d characters", ErrInvalidName, maxNameLength)
	}

	persons, err := e.persons.ListPersons(ctx)
	if err != nil {
		return "", fmt.Errorf("list persons: %w", err)
	}
	for _, p := range persons {
		if facematch.SamePersonName(p.Name, name) {
			return "", fmt.Errorf("%w: %q already exists as person %d", ErrInvalidName, name, p.ID)
		}
	}
	return name, nil
}

// AssignToPerson points the faces at an existing person.
func (e *Engine) AssignToPerson(ctx context.Context, faceIDs []int64, personID int64) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(faceIDs) == 0 {
		return 0, ErrEmptySelection
	}
	n, err := e.persons.AssignFaces(ctx, faceIDs, personID)
	if err != nil {
		return 0, fmt.Errorf("assign faces: %w", err)
	}
	e.review.remove(faceIDs...)
	e.cleanupOrphans(ctx)
	return n, nil
}

// UnmatchFace clears the person of a face. Returns the previous person id (0 if none).
func (e *Engine) UnmatchFace(ctx context.Context, faceID int64) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev, err := e.persons.UnassignFace(ctx, faceID)
	if err != nil {
		return 0, fmt.Errorf("unassign face: %w", err)
	}
	e.review.remove(faceID)
	e.cleanupOrphans(ctx)
	return prev, nil
}

// MergeResult summarizes a merge.
type MergeResult struct {
	Target     *database.Person `json:"target"`
	MovedFaces int              `json:"moved_faces"`
}

// MergePersons moves every face of source to target and deletes source.
func (e *Engine) MergePersons(ctx context.Context, sourceID, targetID int64) (*MergeResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if sourceID == targetID {
		return nil, ErrSamePerson
	}
	moved, err := e.persons.MergePersons(ctx, sourceID, targetID)
	if err != nil {
		return nil, fmt.Errorf("merge persons: %w", err)
	}
	e.review.removePerson(sourceID)

	target, err := e.persons.GetPerson(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("get merged person: %w", err)
	}
	return &MergeResult{Target: target, MovedFaces: moved}, nil
}

// ReviewQueue returns the faces waiting for manual confirmation, oldest first.
func (e *Engine) ReviewQueue() []ReviewItem {
	return e.review.list()
}

// ClearReviewQueue drops every review entry, used when all face data is reset.
func (e *Engine) ClearReviewQueue() {
	e.review.clear()
}

// CleanupOrphans deletes persons without faces.
func (e *Engine) CleanupOrphans(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, err := e.persons.DeleteOrphanPersons(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete orphan persons: %w", err)
	}
	return n, nil
}

// cleanupOrphans is the best-effort sweep after a mutation; failures are
// retried by the scheduled sweep.
func (e *Engine) cleanupOrphans(ctx context.Context) {
	n, err := e.persons.DeleteOrphanPersons(ctx)
	if err != nil {
		log.Printf("Clustering: orphan cleanup failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("Clustering: deleted %d persons without faces", n)
	}
}
