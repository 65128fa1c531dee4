package database

import (
	"time"
)

// Photo is a library photo as supplied by the import pipeline.
type Photo struct {
	ID        int64     `json:"id"`
	UUID      string    `json:"uuid"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// StoredFace represents a detected face stored in the database
type StoredFace struct {
	ID                int64
	PhotoID           int64
	FaceIndex         int
	BBox              []float64 // [x1, y1, x2, y2] in raw pixel coordinates
	Confidence        float64
	Embedding         []float32 // identity descriptor
	Dim               int
	SemanticEmbedding []float32 // semantic descriptor of the face crop, may be empty
	SemanticDim       int
	DescriptorVersion string
	PersonID          int64 // 0 when the face is not assigned
	CreatedAt         time.Time
}

// HasPerson reports whether the face is assigned to a person.
func (f *StoredFace) HasPerson() bool {
	return f.PersonID != 0
}

// Comparable reports whether the identity descriptor was produced by the given
// descriptor version with the given dimension.
func (f *StoredFace) Comparable(version string, dim int) bool {
	return f.DescriptorVersion == version && f.Dim == dim && len(f.Embedding) == dim
}

// Person is a named identity grouping faces.
type Person struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	FaceCount int       `json:"face_count"`
	AutoNamed bool      `json:"auto_named"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ScanJobStatus is the lifecycle state of a scan job.
type ScanJobStatus string

const (
	ScanJobPending    ScanJobStatus = "pending"
	ScanJobProcessing ScanJobStatus = "processing"
	ScanJobCompleted  ScanJobStatus = "completed"
	ScanJobFailed     ScanJobStatus = "failed"
	ScanJobCancelled  ScanJobStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s ScanJobStatus) IsTerminal() bool {
	switch s {
	case ScanJobCompleted, ScanJobFailed, ScanJobCancelled:
		return true
	default:
		return false
	}
}

// ScanJob is one row of the scan job ledger.
type ScanJob struct {
	ID              int64         `json:"id"`
	Status          ScanJobStatus `json:"status"`
	TotalPhotos     int           `json:"total_photos"`
	ProcessedPhotos int           `json:"processed_photos"`
	FailedPhotos    int           `json:"failed_photos"`
	DetectedFaces   int           `json:"detected_faces"`
	LastProcessedID int64         `json:"last_processed_id"`
	StartedAt       time.Time     `json:"started_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	LastHeartbeat   time.Time     `json:"last_heartbeat"`
	ErrorMessage    string        `json:"error_message,omitempty"`
}

// ScanJobProgress is the set of counters flushed together with a heartbeat.
type ScanJobProgress struct {
	ProcessedPhotos int
	FailedPhotos    int
	DetectedFaces   int
	LastProcessedID int64
}

// ScanJobStats aggregates the scan job history.
type ScanJobStats struct {
	TotalJobs       int        `json:"total_jobs"`
	CompletedJobs   int        `json:"completed_jobs"`
	FailedJobs      int        `json:"failed_jobs"`
	CancelledJobs   int        `json:"cancelled_jobs"`
	ActiveJobs      int        `json:"active_jobs"`
	PhotosProcessed int64      `json:"photos_processed"`
	FacesDetected   int64      `json:"faces_detected"`
	LastCompletedAt *time.Time `json:"last_completed_at,omitempty"`
}
