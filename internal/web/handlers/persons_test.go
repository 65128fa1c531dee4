package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/kozaktomas/face-clusterer/internal/clustering"
	"github.com/kozaktomas/face-clusterer/internal/database"
)

func TestPersonsHandler_List_Empty(t *testing.T) {
	engine, store := newTestEngine()
	handler := NewPersonsHandler(engine, store, nil)

	recorder := httptest.NewRecorder()
	handler.List(recorder, httptest.NewRequest("GET", "/api/v1/persons", nil))

	assertStatusCode(t, recorder, http.StatusOK)
	if body := recorder.Body.String(); body != "{\"count\":0,\"persons\":[]}\n" {
		t.Errorf("unexpected body %s", body)
	}
}

func TestPersonsHandler_Create(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(faceGroups()...)
	handler := NewPersonsHandler(engine, store, nil)

	recorder := httptest.NewRecorder()
	handler.Create(recorder, jsonRequest("POST", "/api/v1/persons", `{"face_ids":[4,5],"name":"  eva   svobodová "}`))

	assertStatusCode(t, recorder, http.StatusCreated)
	var person database.Person
	parseJSONResponse(t, recorder, &person)
	if person.Name != "Eva Svobodová" {
		t.Errorf("expected cleaned name, got %q", person.Name)
	}
	if person.AutoNamed {
		t.Error("manually created person must not be auto-named")
	}
	if faces, _ := store.GetFacesByPerson(ctx, person.ID); len(faces) != 2 {
		t.Errorf("expected 2 faces, got %d", len(faces))
	}
}

func TestPersonsHandler_Create_Errors(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(faceGroups()...)
	if _, err := store.CreatePersonWithFaces(ctx, "Jiří Novák", false, []int64{1}); err != nil {
		t.Fatal(err)
	}
	handler := NewPersonsHandler(engine, store, nil)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"missing name", `{"face_ids":[2]}`, http.StatusUnprocessableEntity},
		{"blank name", `{"face_ids":[2],"name":"   "}`, http.StatusUnprocessableEntity},
		{"duplicate name", `{"face_ids":[2],"name":"jiri novak"}`, http.StatusUnprocessableEntity},
		{"no faces", `{"face_ids":[],"name":"Petr"}`, http.StatusUnprocessableEntity},
		{"unknown faces", `{"face_ids":[999991,999992],"name":"Alice"}`, http.StatusNotFound},
		{"malformed", `{"face_ids":"1"}`, http.StatusBadRequest},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			handler.Create(recorder, jsonRequest("POST", "/api/v1/persons", tc.body))
			assertStatusCode(t, recorder, tc.status)
		})
	}

	if n, _ := store.CountPersons(ctx); n != 1 {
		t.Errorf("failed creates must not add persons, have %d", n)
	}
}

func TestPersonsHandler_AutoMatch(t *testing.T) {
	engine, store := newTestEngine(faceGroups()...)
	changes := 0
	handler := NewPersonsHandler(engine, store, func() { changes++ })

	recorder := httptest.NewRecorder()
	handler.AutoMatch(recorder, httptest.NewRequest("POST", "/api/v1/persons/auto-match", nil))

	assertStatusCode(t, recorder, http.StatusOK)
	var result clustering.AutoMatchResult
	parseJSONResponse(t, recorder, &result)

	if len(result.NewPersons) != 2 || result.Clustered != 5 {
		t.Errorf("unexpected result %+v", result)
	}
	if changes != 1 {
		t.Errorf("expected one change notification, got %d", changes)
	}

	listRec := httptest.NewRecorder()
	handler.List(listRec, httptest.NewRequest("GET", "/api/v1/persons", nil))
	var list struct {
		Persons []database.Person `json:"persons"`
		Count   int               `json:"count"`
	}
	parseJSONResponse(t, listRec, &list)
	if list.Count != 2 || list.Persons[0].Name != "Person 1" {
		t.Errorf("unexpected persons %+v", list.Persons)
	}
}

func TestPersonsHandler_Merge(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(faceGroups()...)
	source, _ := store.CreatePersonWithFaces(ctx, "Person 1", true, []int64{1, 2})
	target, _ := store.CreatePersonWithFaces(ctx, "Jana", false, []int64{3})
	handler := NewPersonsHandler(engine, store, nil)

	recorder := httptest.NewRecorder()
	body := `{"source_id":` + itoa(source.ID) + `,"target_id":` + itoa(target.ID) + `}`
	handler.Merge(recorder, jsonRequest("POST", "/api/v1/persons/merge", body))

	assertStatusCode(t, recorder, http.StatusOK)
	var result clustering.MergeResult
	parseJSONResponse(t, recorder, &result)
	if result.MovedFaces != 2 || result.Target == nil || result.Target.FaceCount != 3 {
		t.Errorf("unexpected merge result %+v", result)
	}
	if p, _ := store.GetPerson(ctx, source.ID); p != nil {
		t.Error("source person should be deleted")
	}
}

func TestPersonsHandler_Merge_Errors(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(faceGroups()...)
	store.CreatePersonWithFaces(ctx, "Jana", false, []int64{1})
	handler := NewPersonsHandler(engine, store, nil)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"same person", `{"source_id":1,"target_id":1}`, http.StatusUnprocessableEntity},
		{"unknown source", `{"source_id":9,"target_id":1}`, http.StatusNotFound},
		{"missing target", `{"source_id":1}`, http.StatusUnprocessableEntity},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			handler.Merge(recorder, jsonRequest("POST", "/api/v1/persons/merge", tc.body))
			assertStatusCode(t, recorder, tc.status)
		})
	}
}

func TestPersonsHandler_Clusters(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(faceGroups()...)
	handler := NewPersonsHandler(engine, store, nil)

	recorder := httptest.NewRecorder()
	handler.Clusters(recorder, httptest.NewRequest("GET", "/api/v1/clusters", nil))

	assertStatusCode(t, recorder, http.StatusOK)
	var result clustering.Result
	parseJSONResponse(t, recorder, &result)
	if len(result.Clusters) != 2 {
		t.Errorf("expected 2 clusters, got %d", len(result.Clusters))
	}
	// preview never persists
	if n, _ := store.CountPersons(ctx); n != 0 {
		t.Errorf("preview created %d persons", n)
	}
}

func TestPersonsHandler_Review(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(
		testFace(1, 1, 0, 0, 0),
		testFace(2, 0.7, 0.714, 0, 0),
	)
	store.CreatePersonWithFaces(ctx, "Jana", false, []int64{1})
	handler := NewPersonsHandler(engine, store, nil)

	empty := httptest.NewRecorder()
	handler.Review(empty, httptest.NewRequest("GET", "/api/v1/review", nil))
	if body := empty.Body.String(); body != "{\"count\":0,\"items\":[]}\n" {
		t.Errorf("unexpected empty review body %s", body)
	}

	if _, err := engine.AutoMatch(ctx); err != nil {
		t.Fatal(err)
	}

	recorder := httptest.NewRecorder()
	handler.Review(recorder, httptest.NewRequest("GET", "/api/v1/review", nil))
	var resp struct {
		Items []clustering.ReviewItem `json:"items"`
	}
	parseJSONResponse(t, recorder, &resp)
	if len(resp.Items) != 1 || resp.Items[0].FaceID != 2 || resp.Items[0].PersonName != "Jana" {
		t.Errorf("unexpected review items %+v", resp.Items)
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
