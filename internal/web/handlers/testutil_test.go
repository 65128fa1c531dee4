package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-clusterer/internal/clustering"
	"github.com/kozaktomas/face-clusterer/internal/config"
	"github.com/kozaktomas/face-clusterer/internal/database"
	"github.com/kozaktomas/face-clusterer/internal/database/mock"
	"github.com/kozaktomas/face-clusterer/internal/ledger"
	"github.com/kozaktomas/face-clusterer/internal/scanner"
)

const testVersion = "test-v1"

// testConfig creates a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Scan: config.ScanConfig{Concurrency: 2, BatchSize: 100, BreakerThreshold: 5},
		Clustering: config.ClusteringConfig{
			Clustering:  config.DBSCANConfig{Epsilon: 0.6, MinPoints: 2, MinClusterSize: 2, AutoNamePrefix: "Person"},
			Matching:    config.MatchingConfig{AcceptThreshold: 0.8, ReviewThreshold: 0.6, ReviewQueueSize: 10},
			Descriptors: config.DescriptorsConfig{Version: testVersion, IdentityDim: 4},
		},
	}
}

// testFace builds a comparable face on the given axis
func testFace(id int64, emb ...float32) database.StoredFace {
	return database.StoredFace{
		ID:                id,
		PhotoID:           id,
		BBox:              []float64{0, 0, 10, 10},
		Confidence:        0.9,
		Embedding:         emb,
		Dim:               len(emb),
		DescriptorVersion: testVersion,
	}
}

// newTestEngine creates an engine over a mock store seeded with faces
func newTestEngine(faces ...database.StoredFace) (*clustering.Engine, *mock.MockStore) {
	store := mock.NewMockStore()
	for _, f := range faces {
		store.AddFace(f)
	}
	return clustering.NewEngine(store, store, testConfig().Clustering), store
}

// stubDetector returns one face per photo, or fails for the listed paths
type stubDetector struct {
	fail  map[string]bool
	block chan struct{}
}

func (d *stubDetector) Detect(ctx context.Context, path string) ([]database.StoredFace, error) {
	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.fail[path] {
		return nil, errors.New("detector failed")
	}
	return []database.StoredFace{testFace(0, 1, 0, 0, 0)}, nil
}

// newTestScanner creates a scanner over a mock store with the given photos
func newTestScanner(t *testing.T, store *mock.MockStore, photos int, detector *stubDetector) *scanner.Service {
	t.Helper()
	for i := 1; i <= photos; i++ {
		store.AddPhoto(database.Photo{ID: int64(i), UUID: "uuid", Path: "/photos/" + string(rune('a'+i-1)) + ".jpg"})
	}
	l := ledger.New(store, ledger.Options{HeartbeatEvery: 10})
	svc := scanner.NewService(store, store, detector, l, scanner.Options{ProgressInterval: time.Millisecond})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Close(ctx)
	})
	return svc
}

// jsonRequest creates a request with a JSON body
func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// parseJSONResponse parses a JSON response body into the target type
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertContentType checks if the response has the expected content type
func assertContentType(t *testing.T, recorder *httptest.ResponseRecorder, expected string) {
	t.Helper()
	ct := recorder.Header().Get("Content-Type")
	if ct != expected {
		t.Errorf("expected Content-Type '%s', got '%s'", expected, ct)
	}
}

// assertJSONError checks that the response is a JSON error with the expected code
func assertJSONError(t *testing.T, recorder *httptest.ResponseRecorder, expectedCode string) {
	t.Helper()
	var result ErrorResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse error response: %v\nBody: %s", err, recorder.Body.String())
	}
	if result.Code != expectedCode {
		t.Errorf("expected code '%s', got '%s' (%s)", expectedCode, result.Code, result.Error)
	}
	if result.Error == "" {
		t.Error("expected a non-empty error message")
	}
}
