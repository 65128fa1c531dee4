package handlers

import (
	"net/http"

	"github.com/kozaktomas/face-clusterer/internal/config"
	"github.com/kozaktomas/face-clusterer/internal/database"
)

// ConfigHandler handles configuration endpoints
type ConfigHandler struct {
	config *config.Config
}

// NewConfigHandler creates a new config handler
func NewConfigHandler(cfg *config.Config) *ConfigHandler {
	return &ConfigHandler{
		config: cfg,
	}
}

// ConfigResponse represents the configuration response
type ConfigResponse struct {
	Backend         string                  `json:"backend"`
	ExternalCatalog bool                    `json:"external_catalog"`
	HNSWEnabled     bool                    `json:"hnsw_enabled"`
	RedisMirror     bool                    `json:"redis_mirror"`
	Scan            ScanSettings            `json:"scan"`
	Clustering      config.ClusteringConfig `json:"clustering"`
}

// ScanSettings is the subset of the scan configuration a UI needs
type ScanSettings struct {
	Concurrency         int  `json:"concurrency"`
	BatchSize           int  `json:"batch_size"`
	SemanticDescriptors bool `json:"semantic_descriptors"`
	BreakerThreshold    int  `json:"breaker_threshold"`
}

// Get returns the effective configuration without secrets
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	hnswEnabled := false
	if rebuilder := database.GetFaceHNSWRebuilder(); rebuilder != nil {
		hnswEnabled = rebuilder.IsHNSWEnabled()
	}

	response := ConfigResponse{
		Backend:         database.BackendName(),
		ExternalCatalog: h.config.Catalog.DatabaseURL != "",
		HNSWEnabled:     hnswEnabled,
		RedisMirror:     h.config.Redis.URL != "",
		Scan: ScanSettings{
			Concurrency:         h.config.Scan.Concurrency,
			BatchSize:           h.config.Scan.BatchSize,
			SemanticDescriptors: h.config.Scan.SemanticDescriptors,
			BreakerThreshold:    h.config.Scan.BreakerThreshold,
		},
		Clustering: h.config.Clustering,
	}

	respondJSON(w, http.StatusOK, response)
}
