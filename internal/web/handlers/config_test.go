package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kozaktomas/face-clusterer/internal/config"
	"github.com/kozaktomas/face-clusterer/internal/database"
	"github.com/kozaktomas/face-clusterer/internal/database/mock"
)

func TestNewConfigHandler(t *testing.T) {
	cfg := &config.Config{}

	handler := NewConfigHandler(cfg)

	if handler == nil {
		t.Fatal("expected non-nil handler")
		return
	}

	if handler.config != cfg {
		t.Error("expected handler to hold reference to config")
	}
}

func TestConfigHandler_Get_ReturnsJSON(t *testing.T) {
	handler := NewConfigHandler(&config.Config{})

	recorder := httptest.NewRecorder()
	handler.Get(recorder, httptest.NewRequest("GET", "/api/v1/config", nil))

	assertStatusCode(t, recorder, http.StatusOK)
	assertContentType(t, recorder, "application/json")
}

func TestConfigHandler_Get_ReportsBackend(t *testing.T) {
	database.RegisterBackend("sqlite", func() database.Store { return mock.NewMockStore() })
	t.Cleanup(database.ResetBackends)

	cfg := testConfig()
	cfg.Redis.URL = "redis://localhost:6379/0"
	handler := NewConfigHandler(cfg)

	recorder := httptest.NewRecorder()
	handler.Get(recorder, httptest.NewRequest("GET", "/api/v1/config", nil))

	var resp ConfigResponse
	parseJSONResponse(t, recorder, &resp)

	if resp.Backend != "sqlite" {
		t.Errorf("expected backend sqlite, got %q", resp.Backend)
	}
	if !resp.RedisMirror {
		t.Error("expected redis mirror to be reported")
	}
	if resp.ExternalCatalog {
		t.Error("expected no external catalog")
	}
	if resp.HNSWEnabled {
		t.Error("expected HNSW disabled without a registered index")
	}
}

func TestConfigHandler_Get_ClusteringThresholds(t *testing.T) {
	handler := NewConfigHandler(testConfig())

	recorder := httptest.NewRecorder()
	handler.Get(recorder, httptest.NewRequest("GET", "/api/v1/config", nil))

	var resp ConfigResponse
	parseJSONResponse(t, recorder, &resp)

	if resp.Clustering.Matching.AcceptThreshold != 0.8 {
		t.Errorf("expected accept threshold 0.8, got %v", resp.Clustering.Matching.AcceptThreshold)
	}
	if resp.Clustering.Descriptors.Version != testVersion {
		t.Errorf("expected descriptor version %q, got %q", testVersion, resp.Clustering.Descriptors.Version)
	}
	if resp.Scan.Concurrency != 2 {
		t.Errorf("expected concurrency 2, got %d", resp.Scan.Concurrency)
	}
}
