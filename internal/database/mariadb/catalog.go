package mariadb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/kozaktomas/face-clusterer/internal/database"
)

// Catalog exposes PhotoPrism's photos as a read-only database.PhotoCatalog.
// Paths resolve the primary file against the originals directory.
type Catalog struct {
	pool          *Pool
	originalsPath string
}

// NewCatalog creates a catalog over pool.
func NewCatalog(pool *Pool, originalsPath string) *Catalog {
	return &Catalog{pool: pool, originalsPath: originalsPath}
}

const catalogPhotoQuery = `
	SELECT p.id, p.photo_uid, f.file_name, p.created_at
	FROM photos p
	JOIN files f ON f.photo_id = p.id AND f.file_primary = 1 AND f.deleted_at IS NULL
	WHERE p.deleted_at IS NULL AND p.photo_type = 'image'`

func (c *Catalog) scanPhoto(scanner interface{ Scan(...any) error }) (database.Photo, error) {
	var p database.Photo
	var fileName string
	if err := scanner.Scan(&p.ID, &p.UUID, &fileName, &p.CreatedAt); err != nil {
		return p, err
	}
	p.Path = c.resolvePath(fileName)
	return p, nil
}

func (c *Catalog) resolvePath(fileName string) string {
	if c.originalsPath == "" {
		return fileName
	}
	return filepath.Join(c.originalsPath, filepath.FromSlash(fileName))
}

// CountPhotos returns the number of live image photos.
func (c *Catalog) CountPhotos(ctx context.Context) (int, error) {
	var count int
	err := c.pool.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM photos p WHERE p.deleted_at IS NULL AND p.photo_type = 'image'").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count catalog photos: %w", err)
	}
	return count, nil
}

// ListPhotosAfter returns up to limit photos with id greater than afterID, ordered by id.
func (c *Catalog) ListPhotosAfter(ctx context.Context, afterID int64, limit int) ([]database.Photo, error) {
	rows, err := c.pool.db.QueryContext(ctx, catalogPhotoQuery+" AND p.id > ? ORDER BY p.id LIMIT ?", afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query catalog photos: %w", err)
	}
	defer rows.Close()

	var photos []database.Photo
	for rows.Next() {
		p, err := c.scanPhoto(rows)
		if err != nil {
			return nil, fmt.Errorf("scan catalog photo: %w", err)
		}
		photos = append(photos, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate catalog photos: %w", err)
	}
	return photos, nil
}

// GetPhoto retrieves a photo by id, returns nil if not found.
func (c *Catalog) GetPhoto(ctx context.Context, id int64) (*database.Photo, error) {
	p, err := c.scanPhoto(c.pool.db.QueryRowContext(ctx, catalogPhotoQuery+" AND p.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get catalog photo: %w", err)
	}
	return &p, nil
}

var _ database.PhotoCatalog = (*Catalog)(nil)
