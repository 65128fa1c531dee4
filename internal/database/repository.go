package database

import (
	"context"
	"time"
)

// PhotoCatalog provides read-only access to the photo library
type PhotoCatalog interface {
	// CountPhotos returns the number of photos in the library
	CountPhotos(ctx context.Context) (int, error)
	// ListPhotosAfter returns up to limit photos with id greater than afterID, ordered by id
	ListPhotosAfter(ctx context.Context, afterID int64, limit int) ([]Photo, error)
	// GetPhoto retrieves a photo by id, returns nil if not found
	GetPhoto(ctx context.Context, id int64) (*Photo, error)
}

// PhotoStore is a PhotoCatalog owned by the primary store.
type PhotoStore interface {
	PhotoCatalog

	// RegisterPhoto adds a photo (or returns the existing id for a known uuid)
	RegisterPhoto(ctx context.Context, uuid, path string) (int64, error)
	// DeletePhoto removes a photo together with its faces.
	// Returns the deleted face IDs for HNSW cleanup.
	DeletePhoto(ctx context.Context, id int64) ([]int64, error)
}

// FaceReader provides read-only access to detected faces
type FaceReader interface {
	// GetFace retrieves a face by id, returns nil if not found
	GetFace(ctx context.Context, id int64) (*StoredFace, error)
	// GetFaces retrieves all faces for a photo
	GetFaces(ctx context.Context, photoID int64) ([]StoredFace, error)
	// GetFacesByPerson retrieves all faces assigned to a person
	GetFacesByPerson(ctx context.Context, personID int64) ([]StoredFace, error)
	// GetUnassignedFaces returns faces without a person ordered by id.
	// A limit <= 0 returns all of them.
	GetUnassignedFaces(ctx context.Context, limit, offset int) ([]StoredFace, error)
	// CountUnassigned returns the number of faces without a person
	CountUnassigned(ctx context.Context) (int, error)
	// GetAllFaces retrieves all faces ordered by id
	GetAllFaces(ctx context.Context) ([]StoredFace, error)
	// IsFacesProcessed checks if face detection has been run for a photo (regardless of whether faces were found)
	IsFacesProcessed(ctx context.Context, photoID int64) (bool, error)
	// Count returns the total number of faces stored
	Count(ctx context.Context) (int, error)
	// FaceStats returns the face count and the highest face id
	FaceStats(ctx context.Context) (count, maxID int64, err error)
	// FindSimilarWithDistance finds faces with a comparable identity descriptor and returns cosine distances
	FindSimilarWithDistance(ctx context.Context, embedding []float32, limit int, maxDistance float64) ([]StoredFace, []float64, error)
}

// FaceWriter provides write access to face data
type FaceWriter interface {
	FaceReader

	// SaveFaces replaces the faces of a photo and marks the photo processed.
	// Replaced faces lose their person assignment. Returns the faces with assigned IDs.
	SaveFaces(ctx context.Context, photoID int64, faces []StoredFace) ([]StoredFace, error)

	// MarkFacesProcessed marks a photo as having been processed for face detection
	MarkFacesProcessed(ctx context.Context, photoID int64, faceCount int) error

	// DeleteFacesByPhoto removes all faces and the processed record for a photo.
	// Returns the deleted face IDs for HNSW cleanup.
	DeleteFacesByPhoto(ctx context.Context, photoID int64) ([]int64, error)

	// ClearAllFaces removes every face, processed record and person.
	ClearAllFaces(ctx context.Context) error
}

// PersonStore manages persons and the face to person assignment.
// Every method that moves faces refreshes the face counts of all persons involved
// in the same transaction.
type PersonStore interface {
	// CreatePersonWithFaces creates a person and assigns the faces to it atomically.
	// Returns ErrNotFound without creating the person when none of the faces exist.
	CreatePersonWithFaces(ctx context.Context, name string, autoNamed bool, faceIDs []int64) (*Person, error)
	// GetPerson retrieves a person by id, returns nil if not found
	GetPerson(ctx context.Context, id int64) (*Person, error)
	// ListPersons returns all persons ordered by id
	ListPersons(ctx context.Context) ([]Person, error)
	// CountPersons returns the number of persons
	CountPersons(ctx context.Context) (int, error)
	// AssignFaces points the faces at personID. Returns ErrNotFound if the person does not exist.
	AssignFaces(ctx context.Context, faceIDs []int64, personID int64) (int, error)
	// UnassignFace clears the person of a face and returns the previous person id (0 if none)
	UnassignFace(ctx context.Context, faceID int64) (int64, error)
	// MergePersons moves every face of source to target and deletes source; all or nothing
	MergePersons(ctx context.Context, sourceID, targetID int64) (int, error)
	// DeleteOrphanPersons removes persons without faces and returns how many were deleted
	DeleteOrphanPersons(ctx context.Context) (int, error)
}

// ScanJobStore persists the scan job ledger
type ScanJobStore interface {
	// CreateScanJob inserts a pending job. Returns ErrActiveScanJob if a non-terminal job exists.
	CreateScanJob(ctx context.Context, total int, startedAt time.Time) (*ScanJob, error)
	// GetScanJob retrieves a job by id, returns nil if not found
	GetScanJob(ctx context.Context, id int64) (*ScanJob, error)
	// GetActiveScanJob returns the non-terminal job, or nil if there is none
	GetActiveScanJob(ctx context.Context) (*ScanJob, error)
	// UpdateScanJobProgress writes counters, checkpoint and heartbeat in one statement.
	// A pending job moves to processing.
	UpdateScanJobProgress(ctx context.Context, id int64, progress ScanJobProgress, heartbeat time.Time) error
	// UpdateScanJobStatus sets the status; terminal statuses also set completed_at
	UpdateScanJobStatus(ctx context.Context, id int64, status ScanJobStatus, errMsg string, at time.Time) error
	// ListScanJobs returns the most recent jobs first
	ListScanJobs(ctx context.Context, limit int) ([]ScanJob, error)
	// GetScanJobStats aggregates the job history
	GetScanJobStats(ctx context.Context) (*ScanJobStats, error)
}

// Store is the full primary storage backend.
type Store interface {
	PhotoStore
	FaceWriter
	PersonStore
	ScanJobStore
}
