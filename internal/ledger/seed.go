package ledger

import (
	"context"
	"fmt"

	"github.com/kozaktomas/face-clusterer/internal/constants"
	"github.com/kozaktomas/face-clusterer/internal/database"
)

// PhotoSource enumerates library photos and reports which were already processed.
type PhotoSource interface {
	ListPhotosAfter(ctx context.Context, afterID int64, limit int) ([]database.Photo, error)
	IsFacesProcessed(ctx context.Context, photoID int64) (bool, error)
}

// Enqueuer accepts detection work.
type Enqueuer interface {
	Enqueue(photoID int64, uuid, path string) (bool, error)
}

// CollectUnprocessed pages through the library after afterID and returns up to
// limit photos that have not been processed, in ascending id order.
func CollectUnprocessed(ctx context.Context, src PhotoSource, afterID int64, limit int) ([]database.Photo, error) {
	if limit <= 0 {
		limit = constants.DefaultScanBatchSize
	}

	var result []database.Photo
	cursor := afterID
	for len(result) < limit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := src.ListPhotosAfter(ctx, cursor, constants.DefaultPageSize)
		if err != nil {
			return nil, fmt.Errorf("list photos after %d: %w", cursor, err)
		}
		if len(page) == 0 {
			break
		}
		for _, photo := range page {
			cursor = photo.ID
			processed, err := src.IsFacesProcessed(ctx, photo.ID)
			if err != nil {
				return nil, fmt.Errorf("check photo %d: %w", photo.ID, err)
			}
			if processed {
				continue
			}
			result = append(result, photo)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// Enqueue hands photos to q and tracks the accepted ones for the checkpoint.
// Returns the number of photos added.
func (h *Handle) Enqueue(q Enqueuer, photos []database.Photo) (int, error) {
	added := 0
	for _, photo := range photos {
		ok, err := q.Enqueue(photo.ID, photo.UUID, photo.Path)
		if err != nil {
			return added, fmt.Errorf("enqueue photo %d: %w", photo.ID, err)
		}
		if ok {
			h.Track(photo.ID)
			added++
		}
	}
	return added, nil
}

// ResumeFromCheckpoint re-enqueues up to limit unprocessed photos with id
// greater than lastProcessedID and returns how many were added.
func (h *Handle) ResumeFromCheckpoint(ctx context.Context, src PhotoSource, q Enqueuer, lastProcessedID int64, limit int) (int, error) {
	photos, err := CollectUnprocessed(ctx, src, lastProcessedID, limit)
	if err != nil {
		return 0, err
	}
	return h.Enqueue(q, photos)
}
