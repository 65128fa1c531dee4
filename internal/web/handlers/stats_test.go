package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kozaktomas/face-clusterer/internal/database"
	"github.com/kozaktomas/face-clusterer/internal/database/mock"
)

func registerMockBackend(t *testing.T, store *mock.MockStore) {
	t.Helper()
	database.RegisterBackend("mock", func() database.Store { return store })
	t.Cleanup(database.ResetBackends)
}

func TestStatsHandler_Get_Success(t *testing.T) {
	ctx := context.Background()
	store := mock.NewMockStore()
	for i := int64(1); i <= 3; i++ {
		store.AddPhoto(database.Photo{ID: i, UUID: "uuid", Path: "/p.jpg"})
	}
	store.AddFace(testFace(1, 1, 0, 0, 0))
	store.AddFace(testFace(2, 1, 0, 0, 0))
	if _, err := store.CreatePersonWithFaces(ctx, "Jana", false, []int64{1}); err != nil {
		t.Fatal(err)
	}
	registerMockBackend(t, store)

	handler := NewStatsHandler()
	recorder := httptest.NewRecorder()
	handler.Get(recorder, httptest.NewRequest("GET", "/api/v1/stats", nil))

	assertStatusCode(t, recorder, http.StatusOK)
	assertContentType(t, recorder, "application/json")

	var stats StatsResponse
	parseJSONResponse(t, recorder, &stats)

	if stats.TotalPhotos != 3 {
		t.Errorf("expected total_photos=3, got %d", stats.TotalPhotos)
	}
	if stats.TotalFaces != 2 || stats.UnassignedFaces != 1 || stats.Persons != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.ScanJobs == nil {
		t.Error("expected scan job stats")
	}
}

func TestStatsHandler_Get_NoBackend(t *testing.T) {
	database.ResetBackends()
	handler := NewStatsHandler()

	recorder := httptest.NewRecorder()
	handler.Get(recorder, httptest.NewRequest("GET", "/api/v1/stats", nil))

	assertStatusCode(t, recorder, http.StatusInternalServerError)
	assertJSONError(t, recorder, "internal")
}

func TestStatsHandler_Get_Caching(t *testing.T) {
	store := mock.NewMockStore()
	store.AddPhoto(database.Photo{ID: 1, UUID: "uuid", Path: "/p.jpg"})
	registerMockBackend(t, store)

	handler := NewStatsHandler()
	get := func() StatsResponse {
		recorder := httptest.NewRecorder()
		handler.Get(recorder, httptest.NewRequest("GET", "/api/v1/stats", nil))
		assertStatusCode(t, recorder, http.StatusOK)
		var stats StatsResponse
		parseJSONResponse(t, recorder, &stats)
		return stats
	}

	if got := get().TotalPhotos; got != 1 {
		t.Fatalf("expected 1 photo, got %d", got)
	}

	store.AddPhoto(database.Photo{ID: 2, UUID: "uuid", Path: "/q.jpg"})
	if got := get().TotalPhotos; got != 1 {
		t.Errorf("expected cached count 1, got %d", got)
	}

	handler.InvalidateCache()
	if got := get().TotalPhotos; got != 2 {
		t.Errorf("expected fresh count 2 after invalidation, got %d", got)
	}
}
