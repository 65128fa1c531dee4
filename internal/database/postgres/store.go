package postgres

import (
	"time"

	"github.com/kozaktomas/face-clusterer/internal/database"
)

// Store combines the PostgreSQL repositories into one database.Store.
type Store struct {
	*FaceRepository
	*PersonRepository
	*ScanJobRepository
	*PhotoRepository

	pool *Pool
}

// NewStore creates a store over pool.
func NewStore(pool *Pool) *Store {
	faces := NewFaceRepository(pool)
	return &Store{
		FaceRepository:    faces,
		PersonRepository:  NewPersonRepository(pool),
		ScanJobRepository: NewScanJobRepository(pool),
		PhotoRepository:   NewPhotoRepository(pool, faces),
		pool:              pool,
	}
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

func now() time.Time {
	return time.Now().UTC()
}

// Verify interface compliance.
var (
	_ database.Store         = (*Store)(nil)
	_ database.HNSWRebuilder = (*Store)(nil)
)
