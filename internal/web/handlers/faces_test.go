package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kozaktomas/face-clusterer/internal/clustering"
	"github.com/kozaktomas/face-clusterer/internal/database"
)

// faceGroups returns three faces on the x axis and two on the z axis.
func faceGroups() []database.StoredFace {
	return []database.StoredFace{
		testFace(1, 1, 0, 0, 0),
		testFace(2, 0.99, 0.1, 0, 0),
		testFace(3, 0.98, 0, 0.1, 0),
		testFace(4, 0, 0, 1, 0),
		testFace(5, 0, 0.1, 0.99, 0),
	}
}

func TestFacesHandler_Unnamed(t *testing.T) {
	engine, _ := newTestEngine(faceGroups()...)
	handler := NewFacesHandler(engine, nil)

	recorder := httptest.NewRecorder()
	handler.Unnamed(recorder, httptest.NewRequest("GET", "/api/v1/faces/unnamed?limit=2&offset=1", nil))

	assertStatusCode(t, recorder, http.StatusOK)
	var page clustering.FacePage
	parseJSONResponse(t, recorder, &page)

	if page.Total != 5 || page.Limit != 2 || page.Offset != 1 {
		t.Errorf("unexpected page %+v", page)
	}
	if len(page.Faces) != 2 || page.Faces[0].ID != 2 {
		t.Errorf("expected faces 2 and 3, got %+v", page.Faces)
	}
}

func TestFacesHandler_Unnamed_InvalidParams(t *testing.T) {
	engine, _ := newTestEngine()
	handler := NewFacesHandler(engine, nil)

	for _, query := range []string{"?limit=abc", "?offset=-3"} {
		t.Run(query, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			handler.Unnamed(recorder, httptest.NewRequest("GET", "/api/v1/faces/unnamed"+query, nil))
			assertStatusCode(t, recorder, http.StatusBadRequest)
			assertJSONError(t, recorder, "bad_request")
		})
	}
}

func TestFacesHandler_Similar(t *testing.T) {
	engine, _ := newTestEngine(faceGroups()...)
	handler := NewFacesHandler(engine, nil)

	req := requestWithChiParams(
		httptest.NewRequest("GET", "/api/v1/faces/1/similar?min_similarity=0.5", nil),
		map[string]string{"id": "1"},
	)
	recorder := httptest.NewRecorder()
	handler.Similar(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)
	var resp struct {
		FaceID  int64                    `json:"face_id"`
		Results []clustering.SimilarFace `json:"results"`
		Count   int                      `json:"count"`
	}
	parseJSONResponse(t, recorder, &resp)

	if resp.Count != 2 {
		t.Fatalf("expected 2 similar faces, got %d", resp.Count)
	}
	for _, r := range resp.Results {
		if r.Face.ID == 1 {
			t.Error("face itself must not be returned")
		}
		if r.Similarity < 0.5 {
			t.Errorf("face %d below min similarity: %v", r.Face.ID, r.Similarity)
		}
	}
}

func TestFacesHandler_Similar_Errors(t *testing.T) {
	engine, _ := newTestEngine(faceGroups()...)
	handler := NewFacesHandler(engine, nil)

	tests := []struct {
		name   string
		id     string
		query  string
		status int
		code   string
	}{
		{"invalid id", "abc", "", http.StatusBadRequest, "bad_request"},
		{"zero id", "0", "", http.StatusBadRequest, "bad_request"},
		{"unknown face", "99", "", http.StatusNotFound, "not_found"},
		{"similarity out of range", "1", "?min_similarity=2", http.StatusBadRequest, "bad_request"},
		{"zero limit", "1", "?limit=0", http.StatusBadRequest, "bad_request"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := requestWithChiParams(
				httptest.NewRequest("GET", "/api/v1/faces/"+tc.id+"/similar"+tc.query, nil),
				map[string]string{"id": tc.id},
			)
			recorder := httptest.NewRecorder()
			handler.Similar(recorder, req)
			assertStatusCode(t, recorder, tc.status)
			assertJSONError(t, recorder, tc.code)
		})
	}
}

func TestFacesHandler_Assign(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(faceGroups()...)
	person, err := store.CreatePersonWithFaces(ctx, "Jana", false, []int64{1})
	if err != nil {
		t.Fatal(err)
	}
	changes := 0
	handler := NewFacesHandler(engine, func() { changes++ })

	recorder := httptest.NewRecorder()
	handler.Assign(recorder, jsonRequest("POST", "/api/v1/faces/assign", `{"face_ids":[2,3],"person_id":1}`))

	assertStatusCode(t, recorder, http.StatusOK)
	faces, _ := store.GetFacesByPerson(ctx, person.ID)
	if len(faces) != 3 {
		t.Errorf("expected 3 faces on person, got %d", len(faces))
	}
	if changes != 1 {
		t.Errorf("expected one change notification, got %d", changes)
	}
}

func TestFacesHandler_Assign_Errors(t *testing.T) {
	engine, _ := newTestEngine(faceGroups()...)
	handler := NewFacesHandler(engine, nil)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"malformed", `not json`, http.StatusBadRequest, "bad_request"},
		{"empty selection", `{"face_ids":[],"person_id":1}`, http.StatusUnprocessableEntity, "validation_failed"},
		{"missing person", `{"face_ids":[1]}`, http.StatusUnprocessableEntity, "validation_failed"},
		{"unknown person", `{"face_ids":[1],"person_id":42}`, http.StatusNotFound, "not_found"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			handler.Assign(recorder, jsonRequest("POST", "/api/v1/faces/assign", tc.body))
			assertStatusCode(t, recorder, tc.status)
			assertJSONError(t, recorder, tc.code)
		})
	}
}

func TestFacesHandler_Unmatch(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(faceGroups()...)
	if _, err := store.CreatePersonWithFaces(ctx, "Jana", false, []int64{1}); err != nil {
		t.Fatal(err)
	}
	handler := NewFacesHandler(engine, nil)

	req := requestWithChiParams(httptest.NewRequest("DELETE", "/api/v1/faces/1/person", nil), map[string]string{"id": "1"})
	recorder := httptest.NewRecorder()
	handler.Unmatch(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)
	var resp map[string]int64
	parseJSONResponse(t, recorder, &resp)
	if resp["previous_person_id"] != 1 {
		t.Errorf("expected previous person 1, got %d", resp["previous_person_id"])
	}

	// the emptied person is cleaned up
	if n, _ := store.CountPersons(ctx); n != 0 {
		t.Errorf("expected orphaned person to be deleted, %d left", n)
	}
}

func TestFacesHandler_Unmatch_UnknownFace(t *testing.T) {
	engine, _ := newTestEngine()
	handler := NewFacesHandler(engine, nil)

	req := requestWithChiParams(httptest.NewRequest("DELETE", "/api/v1/faces/7/person", nil), map[string]string{"id": "7"})
	recorder := httptest.NewRecorder()
	handler.Unmatch(recorder, req)

	assertStatusCode(t, recorder, http.StatusNotFound)
}
