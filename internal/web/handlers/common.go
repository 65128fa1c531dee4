package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kozaktomas/face-clusterer/internal/clustering"
	"github.com/kozaktomas/face-clusterer/internal/constants"
	"github.com/kozaktomas/face-clusterer/internal/database"
	"github.com/kozaktomas/face-clusterer/internal/ledger"
	"github.com/kozaktomas/face-clusterer/internal/queue"
	"github.com/kozaktomas/face-clusterer/internal/scanner"
)

// errInvalidRequestBody is a shared error message for invalid JSON request bodies.
const errInvalidRequestBody = "invalid request body"

// Error codes returned in the "code" field of error responses.
const (
	codeBadRequest = "bad_request"
	codeValidation = "validation_failed"
	codeNotFound   = "not_found"
	codeConflict   = "conflict"
	codeGone       = "gone"
	codeInternal   = "internal"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response with a code derived from the status.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message, Code: codeForStatus(status)})
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return codeBadRequest
	case http.StatusUnprocessableEntity:
		return codeValidation
	case http.StatusNotFound:
		return codeNotFound
	case http.StatusConflict:
		return codeConflict
	case http.StatusGone:
		return codeGone
	default:
		return codeInternal
	}
}

// respondServiceError maps a typed failure to a status and a one-line message.
// Unknown errors are logged and reported without their text.
func respondServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		respondError(w, http.StatusNotFound, firstLine(err.Error()))
	case errors.Is(err, clustering.ErrInvalidName),
		errors.Is(err, clustering.ErrSamePerson),
		errors.Is(err, clustering.ErrEmptySelection):
		respondError(w, http.StatusUnprocessableEntity, firstLine(err.Error()))
	case errors.Is(err, scanner.ErrScanInProgress),
		errors.Is(err, queue.ErrAlreadyRunning),
		errors.Is(err, database.ErrActiveScanJob):
		respondError(w, http.StatusConflict, firstLine(err.Error()))
	case errors.Is(err, ledger.ErrNotResumable):
		respondError(w, http.StatusConflict, firstLine(err.Error()))
	case errors.Is(err, ledger.ErrStaleJob):
		respondError(w, http.StatusGone, firstLine(err.Error()))
	default:
		log.Printf("%s failed: %s", op, sanitizeForLog(err.Error()))
		respondError(w, http.StatusInternalServerError, op+" failed")
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// decodeJSON decodes the body into dst and validates it.
// On failure it writes the error response and returns false.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return false
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		respondError(w, http.StatusUnprocessableEntity, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	field := strings.ToLower(fe.Field())
	if fe.Param() != "" {
		return field + " must satisfy " + fe.Tag() + "=" + fe.Param()
	}
	return field + " is " + fe.Tag()
}

// queryInt reads a non-negative integer query parameter.
func queryInt(r *http.Request, name string, defaultVal int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return defaultVal, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

// queryLimit reads limit and offset with the handler page size defaults.
func queryLimit(w http.ResponseWriter, r *http.Request, defaultLimit int) (limit, offset int, ok bool) {
	limit, ok = queryInt(r, "limit", defaultLimit)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid limit")
		return 0, 0, false
	}
	offset, ok = queryInt(r, "offset", 0)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid offset")
		return 0, 0, false
	}
	return min(limit, constants.MaxHandlerPageSize), offset, true
}

// pathID parses an int64 URL parameter.
func pathID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// HealthCheck handles the health check endpoint.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}
