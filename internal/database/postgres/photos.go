package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-clusterer/internal/database"
)

// PhotoRepository stores the photo catalog in PostgreSQL.
type PhotoRepository struct {
	pool  *Pool
	faces *FaceRepository
}

// NewPhotoRepository creates a new PostgreSQL photo repository.
func NewPhotoRepository(pool *Pool, faces *FaceRepository) *PhotoRepository {
	return &PhotoRepository{pool: pool, faces: faces}
}

// CountPhotos returns the number of registered photos.
func (r *PhotoRepository) CountPhotos(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM photos").Scan(&count); err != nil {
		return 0, fmt.Errorf("count photos: %w", err)
	}
	return count, nil
}

// ListPhotosAfter returns up to limit photos with id greater than afterID, ordered by id.
func (r *PhotoRepository) ListPhotosAfter(ctx context.Context, afterID int64, limit int) ([]database.Photo, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT id, uuid, path, created_at FROM photos WHERE id > $1 ORDER BY id LIMIT $2", afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query photos: %w", err)
	}
	defer rows.Close()

	var photos []database.Photo
	for rows.Next() {
		var p database.Photo
		if err := rows.Scan(&p.ID, &p.UUID, &p.Path, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan photo: %w", err)
		}
		photos = append(photos, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate photos: %w", err)
	}
	return photos, nil
}

// GetPhoto retrieves a photo by id, returns nil if not found.
func (r *PhotoRepository) GetPhoto(ctx context.Context, id int64) (*database.Photo, error) {
	var p database.Photo
	err := r.pool.QueryRow(ctx, "SELECT id, uuid, path, created_at FROM photos WHERE id = $1", id).
		Scan(&p.ID, &p.UUID, &p.Path, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get photo: %w", err)
	}
	return &p, nil
}

// RegisterPhoto adds a photo or updates the path of a known uuid, returning its id.
func (r *PhotoRepository) RegisterPhoto(ctx context.Context, uuid, path string) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO photos (uuid, path) VALUES ($1, $2)
		ON CONFLICT (uuid) DO UPDATE SET path = EXCLUDED.path
		RETURNING id
	`, uuid, path).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("register photo: %w", err)
	}
	return id, nil
}

// DeletePhoto removes a photo together with its faces and processed record.
func (r *PhotoRepository) DeletePhoto(ctx context.Context, id int64) ([]int64, error) {
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	faceIDs, personIDs, err := deleteFacesOfPhoto(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM faces_processed WHERE photo_id = $1", id); err != nil {
		return nil, fmt.Errorf("delete faces_processed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM photos WHERE id = $1", id); err != nil {
		return nil, fmt.Errorf("delete photo: %w", err)
	}
	if err := refreshFaceCounts(ctx, tx, personIDs); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	r.faces.faceIndex.Replace(faceIDs, nil)
	return faceIDs, nil
}

var _ database.PhotoStore = (*PhotoRepository)(nil)
