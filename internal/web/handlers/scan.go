package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-clusterer/internal/constants"
	"github.com/kozaktomas/face-clusterer/internal/scanner"
)

// ScanHandler handles scan, queue and scan job endpoints
type ScanHandler struct {
	scanner  *scanner.Service
	onChange func()
}

// NewScanHandler creates a new scan handler.
// onChange is called after a scan finished synchronously and may be nil.
func NewScanHandler(svc *scanner.Service, onChange func()) *ScanHandler {
	return &ScanHandler{scanner: svc, onChange: onChange}
}

func (h *ScanHandler) changed() {
	if h.onChange != nil {
		h.onChange()
	}
}

// Start seeds the queue with unprocessed photos and starts the scan.
// With ?wait=true the request blocks until the run ends.
func (h *ScanHandler) Start(w http.ResponseWriter, r *http.Request) {
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))

	if wait {
		result, err := h.scanner.ScanAll(r.Context())
		if err != nil {
			respondServiceError(w, "scan", err)
			return
		}
		h.changed()
		respondJSON(w, http.StatusOK, result)
		return
	}

	result, err := h.scanner.StartScan(r.Context())
	if errors.Is(err, scanner.ErrNothingToScan) {
		respondJSON(w, http.StatusOK, scanner.Result{Success: true})
		return
	}
	if err != nil {
		respondServiceError(w, "scan", err)
		return
	}
	log.Printf("Scan: job %d started with %d photos", result.JobID, result.Count)
	respondJSON(w, http.StatusAccepted, result)
}

// QueueStatus returns the authoritative queue status
func (h *ScanHandler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.scanner.QueueStatus())
}

// ResetQueue force-clears the queue and resets progress
func (h *ScanHandler) ResetQueue(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.scanner.ResetQueue(r.Context()))
}

// CancelQueue stops dispatching new photos
func (h *ScanHandler) CancelQueue(w http.ResponseWriter, r *http.Request) {
	cancelled := h.scanner.CancelScan()
	respondJSON(w, http.StatusOK, map[string]any{
		"cancelled": cancelled,
		"status":    h.scanner.QueueStatus(),
	})
}

// ActiveJob returns the non-terminal scan job, or null
func (h *ScanHandler) ActiveJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.scanner.ActiveScanJob(r.Context())
	if err != nil {
		respondServiceError(w, "get active scan job", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"job": job})
}

// ResumeJob re-enqueues the photos after the job's checkpoint
func (h *ScanHandler) ResumeJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathID(chi.URLParam(r, "id"))
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	result, err := h.scanner.ResumeScanJob(r.Context(), jobID)
	if err != nil {
		respondServiceError(w, "resume scan job", err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// JobStats aggregates the scan job history
func (h *ScanHandler) JobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.scanner.Ledger().Stats(r.Context())
	if err != nil {
		respondServiceError(w, "get scan job stats", err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// ListJobs returns the most recent scan jobs first
func (h *ScanHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", constants.DefaultScanJobListLimit)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	jobs, err := h.scanner.Ledger().List(r.Context(), min(limit, constants.MaxHandlerPageSize))
	if err != nil {
		respondServiceError(w, "list scan jobs", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}
