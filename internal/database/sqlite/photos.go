package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-clusterer/internal/database"
)

// CountPhotos returns the number of registered photos.
func (s *Store) CountPhotos(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM photos").Scan(&count); err != nil {
		return 0, fmt.Errorf("count photos: %w", err)
	}
	return count, nil
}

// ListPhotosAfter returns up to limit photos with id greater than afterID, ordered by id.
func (s *Store) ListPhotosAfter(ctx context.Context, afterID int64, limit int) ([]database.Photo, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, uuid, path, created_at FROM photos WHERE id > ? ORDER BY id LIMIT ?", afterID, limit)
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
func (s *Store) GetPhoto(ctx context.Context, id int64) (*database.Photo, error) {
	var p database.Photo
	err := s.db.QueryRowContext(ctx, "SELECT id, uuid, path, created_at FROM photos WHERE id = ?", id).
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
func (s *Store) RegisterPhoto(ctx context.Context, uuid, path string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO photos (uuid, path, created_at) VALUES (?, ?, ?)
		ON CONFLICT (uuid) DO UPDATE SET path = excluded.path
		RETURNING id
	`, uuid, path, s.now()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("register photo: %w", err)
	}
	return id, nil
}

// DeletePhoto removes a photo together with its faces and processed record.
func (s *Store) DeletePhoto(ctx context.Context, id int64) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	faceIDs, personIDs, err := deleteFacesOfPhoto(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM faces_processed WHERE photo_id = ?", id); err != nil {
		return nil, fmt.Errorf("delete faces_processed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM photos WHERE id = ?", id); err != nil {
		return nil, fmt.Errorf("delete photo: %w", err)
	}
	if err := refreshFaceCounts(ctx, tx, personIDs, s.now()); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	s.faceIndex.Replace(faceIDs, nil)
	return faceIDs, nil
}
