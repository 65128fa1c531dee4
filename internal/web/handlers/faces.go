package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-clusterer/internal/clustering"
	"github.com/kozaktomas/face-clusterer/internal/constants"
)

// FacesHandler handles face browsing and assignment endpoints
type FacesHandler struct {
	engine   *clustering.Engine
	onChange func()
}

// NewFacesHandler creates a new faces handler. onChange may be nil.
func NewFacesHandler(engine *clustering.Engine, onChange func()) *FacesHandler {
	return &FacesHandler{engine: engine, onChange: onChange}
}

func (h *FacesHandler) changed() {
	if h.onChange != nil {
		h.onChange()
	}
}

// Unnamed returns a page of faces without a person
func (h *FacesHandler) Unnamed(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := queryLimit(w, r, constants.DefaultHandlerPageSize)
	if !ok {
		return
	}

	page, err := h.engine.UnnamedFaces(r.Context(), limit, offset)
	if err != nil {
		respondServiceError(w, "get unnamed faces", err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

// Similar returns the nearest faces to a face
func (h *FacesHandler) Similar(w http.ResponseWriter, r *http.Request) {
	faceID, ok := pathID(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid face id")
		return
	}
	limit, ok := queryInt(r, "limit", constants.DefaultSimilarLimit)
	if !ok || limit == 0 {
		respondError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	minSimilarity := 0.0
	if raw := r.URL.Query().Get("min_similarity"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 1 {
			respondError(w, http.StatusBadRequest, "min_similarity must be between 0 and 1")
			return
		}
		minSimilarity = v
	}

	similar, err := h.engine.FindSimilar(r.Context(), faceID, min(limit, constants.MaxHandlerPageSize), minSimilarity)
	if err != nil {
		respondServiceError(w, "find similar faces", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"face_id": faceID,
		"results": similar,
		"count":   len(similar),
	})
}

// AssignRequest assigns faces to an existing person
type AssignRequest struct {
	FaceIDs  []int64 `json:"face_ids" validate:"required,min=1,dive,gt=0"`
	PersonID int64   `json:"person_id" validate:"required,gt=0"`
}

// Assign points the faces at an existing person
func (h *FacesHandler) Assign(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	assigned, err := h.engine.AssignToPerson(r.Context(), req.FaceIDs, req.PersonID)
	if err != nil {
		respondServiceError(w, "assign faces", err)
		return
	}
	h.changed()
	respondJSON(w, http.StatusOK, map[string]any{
		"person_id": req.PersonID,
		"assigned":  assigned,
	})
}

// Unmatch clears the person of a face
func (h *FacesHandler) Unmatch(w http.ResponseWriter, r *http.Request) {
	faceID, ok := pathID(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid face id")
		return
	}

	prev, err := h.engine.UnmatchFace(r.Context(), faceID)
	if err != nil {
		respondServiceError(w, "unmatch face", err)
		return
	}
	h.changed()
	respondJSON(w, http.StatusOK, map[string]any{
		"face_id":            faceID,
		"previous_person_id": prev,
	})
}
