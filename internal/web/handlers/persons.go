package handlers

import (
	"net/http"

	"github.com/kozaktomas/face-clusterer/internal/clustering"
	"github.com/kozaktomas/face-clusterer/internal/database"
)

// PersonsHandler handles person and clustering endpoints
type PersonsHandler struct {
	engine   *clustering.Engine
	persons  database.PersonStore
	onChange func()
}

// NewPersonsHandler creates a new persons handler. onChange may be nil.
func NewPersonsHandler(engine *clustering.Engine, persons database.PersonStore, onChange func()) *PersonsHandler {
	return &PersonsHandler{engine: engine, persons: persons, onChange: onChange}
}

func (h *PersonsHandler) changed() {
	if h.onChange != nil {
		h.onChange()
	}
}

// List returns all persons
func (h *PersonsHandler) List(w http.ResponseWriter, r *http.Request) {
	persons, err := h.persons.ListPersons(r.Context())
	if err != nil {
		respondServiceError(w, "list persons", err)
		return
	}
	if persons == nil {
		persons = []database.Person{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"persons": persons, "count": len(persons)})
}

// CreateRequest names a selection of faces as a new person
type CreateRequest struct {
	FaceIDs []int64 `json:"face_ids" validate:"required,min=1,dive,gt=0"`
	Name    string  `json:"name" validate:"required"`
}

// Create creates a person from a cluster of faces
func (h *PersonsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	person, err := h.engine.CreatePersonFromCluster(r.Context(), req.FaceIDs, req.Name)
	if err != nil {
		respondServiceError(w, "create person", err)
		return
	}
	h.changed()
	respondJSON(w, http.StatusCreated, person)
}

// AutoMatch assigns confident matches and clusters the remaining faces
func (h *PersonsHandler) AutoMatch(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.AutoMatch(r.Context())
	if err != nil {
		respondServiceError(w, "auto-match", err)
		return
	}
	h.changed()
	respondJSON(w, http.StatusOK, result)
}

// MergeRequest merges source into target
type MergeRequest struct {
	SourceID int64 `json:"source_id" validate:"required,gt=0"`
	TargetID int64 `json:"target_id" validate:"required,gt=0"`
}

// Merge moves every face of source to target and deletes source
func (h *PersonsHandler) Merge(w http.ResponseWriter, r *http.Request) {
	var req MergeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.engine.MergePersons(r.Context(), req.SourceID, req.TargetID)
	if err != nil {
		respondServiceError(w, "merge persons", err)
		return
	}
	h.changed()
	respondJSON(w, http.StatusOK, result)
}

// Clusters previews DBSCAN over the unassigned faces
func (h *PersonsHandler) Clusters(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.Cluster(r.Context())
	if err != nil {
		respondServiceError(w, "cluster faces", err)
		return
	}
	if result.Clusters == nil {
		result.Clusters = []clustering.Cluster{}
	}
	if result.Noise == nil {
		result.Noise = []int64{}
	}
	respondJSON(w, http.StatusOK, result)
}

// Review returns the matches waiting for confirmation
func (h *PersonsHandler) Review(w http.ResponseWriter, r *http.Request) {
	items := h.engine.ReviewQueue()
	if items == nil {
		items = []clustering.ReviewItem{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}
