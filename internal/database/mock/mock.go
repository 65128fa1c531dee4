// Package mock provides mock implementations of database interfaces for testing.
package mock

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/kozaktomas/face-clusterer/internal/database"
	"github.com/kozaktomas/face-clusterer/internal/vector"
)

// MockStore is an in-memory implementation of database.Store.
// It follows the same assignment and ledger rules as the real backends.
type MockStore struct {
	mu sync.RWMutex

	photos    map[int64]*database.Photo
	faces     map[int64]*database.StoredFace
	processed map[int64]int
	persons   map[int64]*database.Person
	jobs      map[int64]*database.ScanJob

	nextPhotoID  int64
	nextFaceID   int64
	nextPersonID int64
	nextJobID    int64

	// Now returns the timestamp used for created/updated columns
	Now func() time.Time

	// Error injection
	ListPhotosError     error
	SaveFacesError      error
	MarkProcessedError  error
	GetFacesError       error
	FindSimilarError    error
	CreatePersonError   error
	AssignError         error
	MergeError          error
	CreateJobError      error
	UpdateProgressError error
	UpdateStatusError   error

	// Call tracking
	ProgressUpdates int
}

// NewMockStore creates a new empty mock store
func NewMockStore() *MockStore {
	return &MockStore{
		photos:    make(map[int64]*database.Photo),
		faces:     make(map[int64]*database.StoredFace),
		processed: make(map[int64]int),
		persons:   make(map[int64]*database.Person),
		jobs:      make(map[int64]*database.ScanJob),
		Now:       time.Now,
	}
}

// AddPhoto adds a photo with an explicit id
func (m *MockStore) AddPhoto(p database.Photo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.photos[p.ID] = &p
	if p.ID > m.nextPhotoID {
		m.nextPhotoID = p.ID
	}
}

// AddFace adds a face; a zero id is assigned automatically. Returns the id.
func (m *MockStore) AddFace(f database.StoredFace) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.ID == 0 {
		m.nextFaceID++
		f.ID = m.nextFaceID
	} else if f.ID > m.nextFaceID {
		m.nextFaceID = f.ID
	}
	if f.Dim == 0 {
		f.Dim = len(f.Embedding)
	}
	m.faces[f.ID] = &f
	if f.PersonID != 0 {
		m.refreshCounts([]int64{f.PersonID})
	}
	return f.ID
}

// AddJob adds a scan job with an explicit id
func (m *MockStore) AddJob(job database.ScanJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = &job
	if job.ID > m.nextJobID {
		m.nextJobID = job.ID
	}
}

// CountPhotos returns the number of photos
func (m *MockStore) CountPhotos(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.photos), nil
}

// ListPhotosAfter returns up to limit photos with id greater than afterID
func (m *MockStore) ListPhotosAfter(ctx context.Context, afterID int64, limit int) ([]database.Photo, error) {
	if m.ListPhotosError != nil {
		return nil, m.ListPhotosError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []database.Photo
	for _, id := range sortedKeys(m.photos) {
		if id <= afterID {
			continue
		}
		result = append(result, *m.photos[id])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// GetPhoto retrieves a photo by id
func (m *MockStore) GetPhoto(ctx context.Context, id int64) (*database.Photo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.photos[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

// RegisterPhoto adds a photo or returns the id of a known uuid
func (m *MockStore) RegisterPhoto(ctx context.Context, uuid, path string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.photos {
		if p.UUID == uuid {
			p.Path = path
			return p.ID, nil
		}
	}
	m.nextPhotoID++
	m.photos[m.nextPhotoID] = &database.Photo{ID: m.nextPhotoID, UUID: uuid, Path: path, CreatedAt: m.Now()}
	return m.nextPhotoID, nil
}

// DeletePhoto removes a photo with its faces
func (m *MockStore) DeletePhoto(ctx context.Context, id int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.deleteFacesOfPhoto(id)
	delete(m.photos, id)
	return ids, nil
}

// GetFace retrieves a face by id
func (m *MockStore) GetFace(ctx context.Context, id int64) (*database.StoredFace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if f, ok := m.faces[id]; ok {
		cp := *f
		return &cp, nil
	}
	return nil, nil
}

// GetFaces retrieves all faces for a photo
func (m *MockStore) GetFaces(ctx context.Context, photoID int64) ([]database.StoredFace, error) {
	if m.GetFacesError != nil {
		return nil, m.GetFacesError
	}
	return m.filterFaces(func(f *database.StoredFace) bool { return f.PhotoID == photoID }), nil
}

// GetFacesByPerson retrieves all faces assigned to a person
func (m *MockStore) GetFacesByPerson(ctx context.Context, personID int64) ([]database.StoredFace, error) {
	if m.GetFacesError != nil {
		return nil, m.GetFacesError
	}
	return m.filterFaces(func(f *database.StoredFace) bool { return f.PersonID == personID }), nil
}

// GetUnassignedFaces returns faces without a person
func (m *MockStore) GetUnassignedFaces(ctx context.Context, limit, offset int) ([]database.StoredFace, error) {
	if m.GetFacesError != nil {
		return nil, m.GetFacesError
	}
	faces := m.filterFaces(func(f *database.StoredFace) bool { return !f.HasPerson() })
	if offset >= len(faces) {
		return nil, nil
	}
	faces = faces[offset:]
	if limit > 0 && len(faces) > limit {
		faces = faces[:limit]
	}
	return faces, nil
}

// CountUnassigned returns the number of faces without a person
func (m *MockStore) CountUnassigned(ctx context.Context) (int, error) {
	return len(m.filterFaces(func(f *database.StoredFace) bool { return !f.HasPerson() })), nil
}

// GetAllFaces retrieves all faces ordered by id
func (m *MockStore) GetAllFaces(ctx context.Context) ([]database.StoredFace, error) {
	if m.GetFacesError != nil {
		return nil, m.GetFacesError
	}
	return m.filterFaces(func(*database.StoredFace) bool { return true }), nil
}

// IsFacesProcessed checks if a photo has been processed
func (m *MockStore) IsFacesProcessed(ctx context.Context, photoID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.processed[photoID]
	return ok, nil
}

// Count returns the total number of faces
func (m *MockStore) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.faces), nil
}

// FaceStats returns the face count and the highest face id
func (m *MockStore) FaceStats(ctx context.Context) (int64, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var maxID int64
	for id := range m.faces {
		maxID = max(maxID, id)
	}
	return int64(len(m.faces)), maxID, nil
}

// FindSimilarWithDistance ranks faces of the same dimension by cosine distance
func (m *MockStore) FindSimilarWithDistance(ctx context.Context, embedding []float32, limit int, maxDistance float64) ([]database.StoredFace, []float64, error) {
	if m.FindSimilarError != nil {
		return nil, nil, m.FindSimilarError
	}
	faces := m.filterFaces(func(f *database.StoredFace) bool { return len(f.Embedding) == len(embedding) })
	byID := make(map[int64]database.StoredFace, len(faces))
	candidates := make([]vector.Candidate, 0, len(faces))
	for _, f := range faces {
		byID[f.ID] = f
		candidates = append(candidates, vector.Candidate{ID: f.ID, Vector: f.Embedding})
	}
	matches, _, err := vector.Nearest(embedding, candidates, limit, 1-maxDistance)
	if err != nil {
		return nil, nil, err
	}
	result := make([]database.StoredFace, 0, len(matches))
	distances := make([]float64, 0, len(matches))
	for _, match := range matches {
		result = append(result, byID[match.ID])
		distances = append(distances, 1-match.Similarity)
	}
	return result, distances, nil
}

// SaveFaces replaces the faces of a photo and marks it processed
func (m *MockStore) SaveFaces(ctx context.Context, photoID int64, faces []database.StoredFace) ([]database.StoredFace, error) {
	if m.SaveFacesError != nil {
		return nil, m.SaveFacesError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteFacesOfPhoto(photoID)
	saved := make([]database.StoredFace, 0, len(faces))
	for i, f := range faces {
		m.nextFaceID++
		f.ID = m.nextFaceID
		f.PhotoID = photoID
		f.FaceIndex = i
		f.PersonID = 0
		f.Dim = len(f.Embedding)
		f.SemanticDim = len(f.SemanticEmbedding)
		f.CreatedAt = m.Now()
		m.faces[f.ID] = &f
		saved = append(saved, f)
	}
	m.processed[photoID] = len(faces)
	return saved, nil
}

// MarkFacesProcessed marks a photo as processed
func (m *MockStore) MarkFacesProcessed(ctx context.Context, photoID int64, faceCount int) error {
	if m.MarkProcessedError != nil {
		return m.MarkProcessedError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[photoID] = faceCount
	return nil
}

// DeleteFacesByPhoto removes the faces and processed record of a photo
func (m *MockStore) DeleteFacesByPhoto(ctx context.Context, photoID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteFacesOfPhoto(photoID), nil
}

// ClearAllFaces removes every face, processed record and person
func (m *MockStore) ClearAllFaces(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.faces)
	clear(m.processed)
	clear(m.persons)
	return nil
}

// CreatePersonWithFaces creates a person and assigns faces to it
func (m *MockStore) CreatePersonWithFaces(ctx context.Context, name string, autoNamed bool, faceIDs []int64) (*database.Person, error) {
	if m.CreatePersonError != nil {
		return nil, m.CreatePersonError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.anyFace(faceIDs) {
		return nil, fmt.Errorf("faces %v: %w", faceIDs, database.ErrNotFound)
	}
	m.nextPersonID++
	now := m.Now()
	p := &database.Person{ID: m.nextPersonID, Name: name, AutoNamed: autoNamed, CreatedAt: now, UpdatedAt: now}
	m.persons[p.ID] = p
	m.assign(faceIDs, p.ID)
	cp := *p
	return &cp, nil
}

// GetPerson retrieves a person by id
func (m *MockStore) GetPerson(ctx context.Context, id int64) (*database.Person, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.persons[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

// ListPersons returns all persons ordered by id
func (m *MockStore) ListPersons(ctx context.Context) ([]database.Person, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]database.Person, 0, len(m.persons))
	for _, id := range sortedKeys(m.persons) {
		result = append(result, *m.persons[id])
	}
	return result, nil
}

// CountPersons returns the number of persons
func (m *MockStore) CountPersons(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.persons), nil
}

// AssignFaces points faces at an existing person
func (m *MockStore) AssignFaces(ctx context.Context, faceIDs []int64, personID int64) (int, error) {
	if m.AssignError != nil {
		return 0, m.AssignError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.persons[personID]; !ok {
		return 0, fmt.Errorf("person %d: %w", personID, database.ErrNotFound)
	}
	return m.assign(faceIDs, personID), nil
}

// UnassignFace clears the person of a face
func (m *MockStore) UnassignFace(ctx context.Context, faceID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.faces[faceID]
	if !ok {
		return 0, fmt.Errorf("face %d: %w", faceID, database.ErrNotFound)
	}
	prev := f.PersonID
	f.PersonID = 0
	if prev != 0 {
		m.refreshCounts([]int64{prev})
	}
	return prev, nil
}

// MergePersons moves every face of source to target and deletes source
func (m *MockStore) MergePersons(ctx context.Context, sourceID, targetID int64) (int, error) {
	if m.MergeError != nil {
		return 0, m.MergeError
	}
	if sourceID == targetID {
		return 0, fmt.Errorf("cannot merge person %d into itself", sourceID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.persons[sourceID]; !ok {
		return 0, fmt.Errorf("person %d: %w", sourceID, database.ErrNotFound)
	}
	if _, ok := m.persons[targetID]; !ok {
		return 0, fmt.Errorf("person %d: %w", targetID, database.ErrNotFound)
	}
	moved := 0
	for _, f := range m.faces {
		if f.PersonID == sourceID {
			f.PersonID = targetID
			moved++
		}
	}
	delete(m.persons, sourceID)
	m.refreshCounts([]int64{targetID})
	return moved, nil
}

// DeleteOrphanPersons removes persons without faces
func (m *MockStore) DeleteOrphanPersons(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := 0
	for id, p := range m.persons {
		if p.FaceCount == 0 {
			delete(m.persons, id)
			deleted++
		}
	}
	return deleted, nil
}

// CreateScanJob inserts a pending job unless another job is active
func (m *MockStore) CreateScanJob(ctx context.Context, total int, startedAt time.Time) (*database.ScanJob, error) {
	if m.CreateJobError != nil {
		return nil, m.CreateJobError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if !job.Status.IsTerminal() {
			return nil, database.ErrActiveScanJob
		}
	}
	m.nextJobID++
	job := &database.ScanJob{
		ID:            m.nextJobID,
		Status:        database.ScanJobPending,
		TotalPhotos:   total,
		StartedAt:     startedAt,
		LastHeartbeat: startedAt,
	}
	m.jobs[job.ID] = job
	cp := *job
	return &cp, nil
}

// GetScanJob retrieves a job by id
func (m *MockStore) GetScanJob(ctx context.Context, id int64) (*database.ScanJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if job, ok := m.jobs[id]; ok {
		cp := *job
		return &cp, nil
	}
	return nil, nil
}

// GetActiveScanJob returns the non-terminal job
func (m *MockStore) GetActiveScanJob(ctx context.Context) (*database.ScanJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range sortedKeys(m.jobs) {
		if job := m.jobs[id]; !job.Status.IsTerminal() {
			cp := *job
			return &cp, nil
		}
	}
	return nil, nil
}

// UpdateScanJobProgress writes counters, checkpoint and heartbeat
func (m *MockStore) UpdateScanJobProgress(ctx context.Context, id int64, progress database.ScanJobProgress, heartbeat time.Time) error {
	if m.UpdateProgressError != nil {
		return m.UpdateProgressError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("scan job %d: %w", id, database.ErrNotFound)
	}
	m.ProgressUpdates++
	job.ProcessedPhotos = progress.ProcessedPhotos
	job.FailedPhotos = progress.FailedPhotos
	job.DetectedFaces = progress.DetectedFaces
	job.LastProcessedID = progress.LastProcessedID
	job.LastHeartbeat = heartbeat
	if job.Status == database.ScanJobPending {
		job.Status = database.ScanJobProcessing
	}
	return nil
}

// UpdateScanJobStatus sets the status of a job
func (m *MockStore) UpdateScanJobStatus(ctx context.Context, id int64, status database.ScanJobStatus, errMsg string, at time.Time) error {
	if m.UpdateStatusError != nil {
		return m.UpdateStatusError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("scan job %d: %w", id, database.ErrNotFound)
	}
	job.Status = status
	job.ErrorMessage = errMsg
	if status.IsTerminal() {
		completed := at
		job.CompletedAt = &completed
	}
	return nil
}

// ListScanJobs returns the most recent jobs first
func (m *MockStore) ListScanJobs(ctx context.Context, limit int) ([]database.ScanJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := sortedKeys(m.jobs)
	slices.Reverse(ids)
	var result []database.ScanJob
	for _, id := range ids {
		result = append(result, *m.jobs[id])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// GetScanJobStats aggregates the job history
func (m *MockStore) GetScanJobStats(ctx context.Context) (*database.ScanJobStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := &database.ScanJobStats{TotalJobs: len(m.jobs)}
	for _, job := range m.jobs {
		switch job.Status {
		case database.ScanJobCompleted:
			stats.CompletedJobs++
			if job.CompletedAt != nil && (stats.LastCompletedAt == nil || job.CompletedAt.After(*stats.LastCompletedAt)) {
				t := *job.CompletedAt
				stats.LastCompletedAt = &t
			}
		case database.ScanJobFailed:
			stats.FailedJobs++
		case database.ScanJobCancelled:
			stats.CancelledJobs++
		default:
			stats.ActiveJobs++
		}
		stats.PhotosProcessed += int64(job.ProcessedPhotos)
		stats.FacesDetected += int64(job.DetectedFaces)
	}
	return stats, nil
}

func (m *MockStore) filterFaces(keep func(*database.StoredFace) bool) []database.StoredFace {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []database.StoredFace
	for _, id := range sortedKeys(m.faces) {
		if f := m.faces[id]; keep(f) {
			result = append(result, *f)
		}
	}
	return result
}

// assign must be called with mu held.
// anyFace must be called with mu held.
func (m *MockStore) anyFace(faceIDs []int64) bool {
	for _, id := range faceIDs {
		if _, ok := m.faces[id]; ok {
			return true
		}
	}
	return false
}

func (m *MockStore) assign(faceIDs []int64, personID int64) int {
	touched := []int64{personID}
	assigned := 0
	for _, id := range faceIDs {
		f, ok := m.faces[id]
		if !ok {
			continue
		}
		if f.PersonID != 0 && f.PersonID != personID {
			touched = append(touched, f.PersonID)
		}
		f.PersonID = personID
		assigned++
	}
	m.refreshCounts(touched)
	return assigned
}

// deleteFacesOfPhoto must be called with mu held.
func (m *MockStore) deleteFacesOfPhoto(photoID int64) []int64 {
	var ids, owners []int64
	for id, f := range m.faces {
		if f.PhotoID != photoID {
			continue
		}
		ids = append(ids, id)
		if f.PersonID != 0 {
			owners = append(owners, f.PersonID)
		}
		delete(m.faces, id)
	}
	delete(m.processed, photoID)
	m.refreshCounts(owners)
	slices.Sort(ids)
	return ids
}

// refreshCounts must be called with mu held.
func (m *MockStore) refreshCounts(personIDs []int64) {
	now := m.Now()
	for _, pid := range personIDs {
		p, ok := m.persons[pid]
		if !ok {
			continue
		}
		count := 0
		for _, f := range m.faces {
			if f.PersonID == pid {
				count++
			}
		}
		p.FaceCount = count
		p.UpdatedAt = now
	}
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

var _ database.Store = (*MockStore)(nil)
