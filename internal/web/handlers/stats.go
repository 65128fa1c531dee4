package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/kozaktomas/face-clusterer/internal/database"
)

const statsCacheTTL = 30 * time.Second

// statsCache holds cached stats with expiry
type statsCache struct {
	mu        sync.RWMutex
	data      *StatsResponse
	expiresAt time.Time
}

func (c *statsCache) get() (*StatsResponse, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.data == nil || time.Now().After(c.expiresAt) {
		return nil, false
	}
	return c.data, true
}

func (c *statsCache) set(data *StatsResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = data
	c.expiresAt = time.Now().Add(statsCacheTTL)
}

func (c *statsCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = nil
}

// StatsHandler handles statistics endpoints
type StatsHandler struct {
	cache statsCache
}

// NewStatsHandler creates a new stats handler
func NewStatsHandler() *StatsHandler {
	return &StatsHandler{}
}

// InvalidateCache clears the cached stats so the next request fetches fresh data
func (h *StatsHandler) InvalidateCache() {
	h.cache.invalidate()
}

// StatsResponse represents the statistics response
type StatsResponse struct {
	TotalPhotos     int                    `json:"total_photos"`
	TotalFaces      int                    `json:"total_faces"`
	UnassignedFaces int                    `json:"unassigned_faces"`
	Persons         int                    `json:"persons"`
	IndexedFaces    int                    `json:"indexed_faces"`
	ScanJobs        *database.ScanJobStats `json:"scan_jobs"`
}

// Get returns statistics about photos, faces, persons and scan jobs
func (h *StatsHandler) Get(w http.ResponseWriter, r *http.Request) {
	if cached, ok := h.cache.get(); ok {
		respondJSON(w, http.StatusOK, cached)
		return
	}

	ctx := r.Context()
	store, err := database.GetStore(ctx)
	if err != nil {
		respondServiceError(w, "get stats", err)
		return
	}
	catalog, err := database.GetPhotoCatalog(ctx)
	if err != nil {
		respondServiceError(w, "get stats", err)
		return
	}

	stats := &StatsResponse{}
	if stats.TotalPhotos, err = catalog.CountPhotos(ctx); err != nil {
		respondServiceError(w, "count photos", err)
		return
	}
	if stats.TotalFaces, err = store.Count(ctx); err != nil {
		respondServiceError(w, "count faces", err)
		return
	}
	if stats.UnassignedFaces, err = store.CountUnassigned(ctx); err != nil {
		respondServiceError(w, "count unassigned faces", err)
		return
	}
	if stats.Persons, err = store.CountPersons(ctx); err != nil {
		respondServiceError(w, "count persons", err)
		return
	}
	if stats.ScanJobs, err = store.GetScanJobStats(ctx); err != nil {
		respondServiceError(w, "get scan job stats", err)
		return
	}
	if rebuilder := database.GetFaceHNSWRebuilder(); rebuilder != nil && rebuilder.IsHNSWEnabled() {
		stats.IndexedFaces = rebuilder.HNSWCount()
	}

	h.cache.set(stats)
	respondJSON(w, http.StatusOK, stats)
}
