package clustering

import (
	"sync"
	"time"
)

// ReviewItem is a face that resembles a person without clearing the accept threshold.
type ReviewItem struct {
	FaceID     int64     `json:"face_id"`
	PhotoID    int64     `json:"photo_id"`
	PersonID   int64     `json:"person_id"`
	PersonName string    `json:"person_name"`
	Similarity float64   `json:"similarity"`
	QueuedAt   time.Time `json:"queued_at"`
}

// reviewQueue keeps one entry per face, oldest first, up to max entries.
type reviewQueue struct {
	mu    sync.Mutex
	max   int
	items []ReviewItem
}

func newReviewQueue(max int) *reviewQueue {
	return &reviewQueue{max: max}
}

// add inserts or refreshes the entry of item.FaceID.
func (r *reviewQueue) add(item ReviewItem) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.items {
		if r.items[i].FaceID == item.FaceID {
			r.items[i] = item
			return
		}
	}
	r.items = append(r.items, item)
	if r.max > 0 && len(r.items) > r.max {
		r.items = r.items[len(r.items)-r.max:]
	}
}

func (r *reviewQueue) remove(faceIDs ...int64) {
	if len(faceIDs) == 0 {
		return
	}
	drop := make(map[int64]bool, len(faceIDs))
	for _, id := range faceIDs {
		drop[id] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.items[:0]
	for _, item := range r.items {
		if !drop[item.FaceID] {
			kept = append(kept, item)
		}
	}
	r.items = kept
}

// removePerson drops entries suggesting personID.
func (r *reviewQueue) removePerson(personID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.items[:0]
	for _, item := range r.items {
		if item.PersonID != personID {
			kept = append(kept, item)
		}
	}
	r.items = kept
}

func (r *reviewQueue) list() []ReviewItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ReviewItem{}, r.items...)
}

func (r *reviewQueue) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = nil
}
