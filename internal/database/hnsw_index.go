package database

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/coder/hnsw"
	"github.com/kozaktomas/face-clusterer/internal/vector"
)

// HNSWIndexMetadata stores metadata for validating cached HNSW indexes.
type HNSWIndexMetadata struct {
	FaceCount         int64     `json:"face_count"`
	MaxFaceID         int64     `json:"max_face_id"`
	DescriptorVersion string    `json:"descriptor_version"`
	Dim               int       `json:"dim"`
	BuildTime         time.Time `json:"build_time"`
	Version           int       `json:"version"`
}

const hnswMetadataVersion = 2

// indexedFace is the per-node metadata kept next to the graph.
type indexedFace struct {
	ID                int64
	PhotoID           int64
	DescriptorVersion string
}

// HNSWIndex wraps the HNSW graph for identity descriptor search.
// All nodes share one descriptor version and dimension; other faces are not indexed.
type HNSWIndex struct {
	graph    *hnsw.Graph[int64]
	idToFace map[int64]indexedFace // Live nodes; deleted faces stay in the graph but are filtered
	version  string
	dim      int
	mu       sync.RWMutex
}

// NewHNSWIndex creates a new empty HNSW index for one descriptor version.
func NewHNSWIndex(version string) *HNSWIndex {
	return &HNSWIndex{
		idToFace: make(map[int64]indexedFace),
		version:  version,
	}
}

func newFaceGraph() *hnsw.Graph[int64] {
	g := hnsw.NewGraph[int64]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / float64(HNSWMaxNeighbors) // Standard HNSW formula
	g.EfSearch = HNSWEfSearch
	g.Distance = hnsw.CosineDistance
	return g
}

// accepts reports whether the face can live in this index. The first accepted
// face fixes the dimension.
func (h *HNSWIndex) accepts(face *StoredFace) bool {
	if len(face.Embedding) == 0 || face.DescriptorVersion != h.version {
		return false
	}
	if h.dim == 0 {
		h.dim = len(face.Embedding)
	}
	return len(face.Embedding) == h.dim
}

// BuildFromFaces builds the index from a slice of faces.
func (h *HNSWIndex) BuildFromFaces(faces []StoredFace) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.graph = nil
	h.dim = 0
	h.idToFace = make(map[int64]indexedFace, len(faces))

	skipped := 0
	for i := range faces {
		face := &faces[i]
		if !h.accepts(face) {
			skipped++
			continue
		}
		if h.graph == nil {
			h.graph = newFaceGraph()
		}
		h.graph.Add(hnsw.MakeNode(face.ID, face.Embedding))
		h.idToFace[face.ID] = indexedFace{ID: face.ID, PhotoID: face.PhotoID, DescriptorVersion: face.DescriptorVersion}
	}
	return skipped
}

// Search finds the k nearest live neighbors to the query embedding.
// Returns face IDs and their cosine distances.
func (h *HNSWIndex) Search(query []float32, k int) ([]int64, []float64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.graph == nil {
		return nil, nil, errors.New("index not initialized")
	}
	if len(query) != h.dim {
		return nil, nil, fmt.Errorf("%w: query %d, index %d", vector.ErrDimensionMismatch, len(query), h.dim)
	}

	neighbors := h.graph.Search(query, k)

	ids := make([]int64, 0, len(neighbors))
	distances := make([]float64, 0, len(neighbors))
	for _, n := range neighbors {
		if _, ok := h.idToFace[n.Key]; !ok {
			continue
		}
		dist, err := vector.Distance(query, n.Value)
		if err != nil {
			continue
		}
		ids = append(ids, n.Key)
		distances = append(distances, dist)
	}

	return ids, distances, nil
}

// Contains reports whether the face is a live node.
func (h *HNSWIndex) Contains(id int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.idToFace[id]
	return ok
}

// Add adds a single face to the index. Faces of another version or dimension are ignored.
func (h *HNSWIndex) Add(face *StoredFace) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.accepts(face) {
		return false
	}
	if h.graph == nil {
		h.graph = newFaceGraph()
	}
	h.graph.Add(hnsw.MakeNode(face.ID, face.Embedding))
	h.idToFace[face.ID] = indexedFace{ID: face.ID, PhotoID: face.PhotoID, DescriptorVersion: face.DescriptorVersion}
	return true
}

// Delete removes a face from the index (marks as deleted).
func (h *HNSWIndex) Delete(id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.idToFace, id)
	// HNSW graph deletion degrades neighbor links, removing from idToFace
	// filters the node out of search results instead.
}

// Count returns the number of indexed faces.
func (h *HNSWIndex) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.idToFace)
}

// IsEmpty returns true if the index has no graph data loaded.
func (h *HNSWIndex) IsEmpty() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.graph == nil
}

// Dim returns the descriptor dimension of the indexed faces (0 when empty).
func (h *HNSWIndex) Dim() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dim
}

// LoadHNSWMetadata loads metadata from a separate .meta file.
func LoadHNSWMetadata(path string) (HNSWIndexMetadata, error) {
	var metadata HNSWIndexMetadata

	data, err := os.ReadFile(path + ".meta") //nolint:gosec // path is from trusted config
	if err != nil {
		return metadata, fmt.Errorf("failed to read metadata file: %w", err)
	}

	if err := json.Unmarshal(data, &metadata); err != nil {
		return metadata, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}

	return metadata, nil
}

func saveFaceMetadata(path string, faces []indexedFace) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(faces); err != nil {
		return fmt.Errorf("failed to encode faces: %w", err)
	}
	if err := os.WriteFile(path+".faces", buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write faces file: %w", err)
	}
	return nil
}

func loadFaceMetadata(path string) ([]indexedFace, error) {
	data, err := os.ReadFile(path + ".faces") //nolint:gosec // path is from trusted config
	if err != nil {
		return nil, fmt.Errorf("failed to read faces file: %w", err)
	}

	var faces []indexedFace
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&faces); err != nil {
		return nil, fmt.Errorf("failed to decode faces: %w", err)
	}
	return faces, nil
}

// LoadWithFaceMetadata loads both the HNSW graph and face metadata from disk.
func (h *HNSWIndex) LoadWithFaceMetadata(path string, metadata HNSWIndexMetadata) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("HNSW index file not found: %s", path)
	}

	saved, err := hnsw.LoadSavedGraph[int64](path)
	if err != nil {
		return fmt.Errorf("failed to load HNSW index: %w", err)
	}

	faces, err := loadFaceMetadata(path)
	if err != nil {
		return fmt.Errorf("failed to load face metadata: %w", err)
	}

	h.graph = saved.Graph
	h.graph.Distance = hnsw.CosineDistance
	h.dim = metadata.Dim
	h.idToFace = make(map[int64]indexedFace, len(faces))
	for _, f := range faces {
		h.idToFace[f.ID] = f
	}
	return nil
}

// SaveWithFaceMetadata persists the graph, its .meta file and its .faces file.
func (h *HNSWIndex) SaveWithFaceMetadata(path string, metadata HNSWIndexMetadata) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.graph == nil {
		fmt.Printf("Face index save: no graph loaded, removing files\n")
		_ = os.Remove(path)
		_ = os.Remove(path + ".meta")
		_ = os.Remove(path + ".faces")
		return nil
	}

	f, err := os.Create(path) //nolint:gosec // path is from trusted config
	if err != nil {
		return fmt.Errorf("failed to create HNSW index file: %w", err)
	}
	if err := h.graph.Export(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to export HNSW graph: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close HNSW index file: %w", err)
	}
	fmt.Printf("Face index: wrote graph to %s\n", path)

	metadata.Version = hnswMetadataVersion
	metadata.DescriptorVersion = h.version
	metadata.Dim = h.dim
	if metadata.BuildTime.IsZero() {
		metadata.BuildTime = time.Now()
	}
	metaData, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(path+".meta", metaData, 0600); err != nil {
		return fmt.Errorf("failed to write metadata file: %w", err)
	}

	faces := make([]indexedFace, 0, len(h.idToFace))
	for _, face := range h.idToFace {
		faces = append(faces, face)
	}
	if err := saveFaceMetadata(path, faces); err != nil {
		return fmt.Errorf("failed to save face metadata: %w", err)
	}
	fmt.Printf("Face index: wrote faces to %s.faces (%d faces)\n", path, len(faces))

	return nil
}
