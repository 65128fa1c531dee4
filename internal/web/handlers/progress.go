package handlers

import (
	"net/http"

	"github.com/kozaktomas/face-clusterer/internal/reconcile"
)

// eventSnapshot is the first event on every progress stream.
const eventSnapshot = "snapshot"

// ProgressHandler exposes the scan progress holder
type ProgressHandler struct {
	holder *reconcile.Holder
}

// NewProgressHandler creates a new progress handler
func NewProgressHandler(holder *reconcile.Holder) *ProgressHandler {
	return &ProgressHandler{holder: holder}
}

// Snapshot returns the current progress
func (h *ProgressHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.holder.Snapshot())
}

// Events streams progress events. The current snapshot is sent first so a
// client that connects mid-scan does not wait for the next update.
func (h *ProgressHandler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := setupSSE(w)
	if !ok {
		return
	}

	eventCh := h.holder.Subscribe()
	defer h.holder.Unsubscribe(eventCh)

	sendSSEEvent(w, flusher, eventSnapshot, h.holder.Snapshot())

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			sendSSEEvent(w, flusher, event.Type, event)
		}
	}
}

// Diagnose cancels a stuck queue and resets the progress state
func (h *ProgressHandler) Diagnose(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.holder.DiagnoseAndRestart(r.Context()))
}
