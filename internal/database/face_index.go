package database

import (
	"context"
	"fmt"
	"sync"
)

// FaceIndexSource is the store a FaceIndex is built from.
type FaceIndexSource interface {
	GetAllFaces(ctx context.Context) ([]StoredFace, error)
	FaceStats(ctx context.Context) (count, maxID int64, err error)
}

// FaceIndex owns the optional in-memory HNSW index of a face store and keeps
// it in step with writes. Backends embed it and fall back to their own
// similarity query while it is disabled.
type FaceIndex struct {
	source    FaceIndexSource
	index     *HNSWIndex
	enabled   bool
	indexPath string // Path to persist HNSW index (optional)
	version   string
	mu        sync.RWMutex
}

// NewFaceIndex creates a disabled face index over source.
func NewFaceIndex(source FaceIndexSource) *FaceIndex {
	return &FaceIndex{source: source}
}

// tryLoad attempts to load the face HNSW index from disk.
// Returns true if the index was loaded and matches the database.
func (f *FaceIndex) tryLoad(indexPath string, dbFaceCount, dbMaxFaceID int64) bool {
	metadata, err := LoadHNSWMetadata(indexPath)
	if err != nil {
		fmt.Printf("Face index: metadata file error: %v (will rebuild)\n", err)
		return false
	}
	if metadata.FaceCount != dbFaceCount || metadata.MaxFaceID != dbMaxFaceID || metadata.DescriptorVersion != f.version {
		fmt.Printf("Face index: stale (db: count=%d max_id=%d version=%s, cached: count=%d max_id=%d version=%s) (will rebuild)\n",
			dbFaceCount, dbMaxFaceID, f.version, metadata.FaceCount, metadata.MaxFaceID, metadata.DescriptorVersion)
		return false
	}

	index := NewHNSWIndex(f.version)
	if err := index.LoadWithFaceMetadata(indexPath, metadata); err != nil {
		fmt.Printf("Face index: failed to load: %v (will rebuild)\n", err)
		return false
	}
	if index.IsEmpty() {
		fmt.Printf("Face index: loaded graph is empty (will rebuild)\n")
		return false
	}
	f.index = index
	fmt.Printf("Face index: loaded from disk (%d faces)\n", index.Count())
	return true
}

// EnableHNSW loads or builds the in-memory HNSW index for descriptors of the given version.
// If indexPath is provided, it will try to load from disk first and save after building.
// This should be called once at startup.
func (f *FaceIndex) EnableHNSW(ctx context.Context, indexPath, descriptorVersion string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.indexPath = indexPath
	f.version = descriptorVersion

	count, maxID, err := f.source.FaceStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get face stats: %w", err)
	}

	if indexPath != "" && f.tryLoad(indexPath, count, maxID) {
		f.enabled = true
		return nil
	}

	faces, err := f.source.GetAllFaces(ctx)
	if err != nil {
		return fmt.Errorf("failed to load faces: %w", err)
	}

	index := NewHNSWIndex(descriptorVersion)
	if skipped := index.BuildFromFaces(faces); skipped > 0 {
		fmt.Printf("Face index: skipped %d faces with another descriptor version or dimension\n", skipped)
	}
	f.index = index

	if indexPath != "" && len(faces) > 0 {
		metadata := HNSWIndexMetadata{FaceCount: count, MaxFaceID: maxID}
		if err := index.SaveWithFaceMetadata(indexPath, metadata); err != nil {
			fmt.Printf("Warning: failed to save HNSW index to disk: %v\n", err)
		}
	}

	f.enabled = true
	return nil
}

// DisableHNSW disables the in-memory HNSW index, falling back to store queries.
func (f *FaceIndex) DisableHNSW() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = false
	f.index = nil
}

// IsHNSWEnabled returns whether the in-memory HNSW index is enabled.
func (f *FaceIndex) IsHNSWEnabled() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.enabled && f.index != nil
}

// HNSWCount returns the number of faces in the HNSW index.
func (f *FaceIndex) HNSWCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.index == nil {
		return 0
	}
	return f.index.Count()
}

// RebuildHNSW rebuilds the HNSW index from the store.
func (f *FaceIndex) RebuildHNSW(ctx context.Context) error {
	f.mu.RLock()
	indexPath, version := f.indexPath, f.version
	f.mu.RUnlock()
	return f.EnableHNSW(ctx, indexPath, version)
}

// SaveHNSWIndex saves the current HNSW index to disk (if path configured).
func (f *FaceIndex) SaveHNSWIndex() error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.indexPath == "" || f.index == nil {
		return nil
	}

	count, maxID, err := f.source.FaceStats(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get face stats: %w", err)
	}

	metadata := HNSWIndexMetadata{FaceCount: count, MaxFaceID: maxID}
	if err := f.index.SaveWithFaceMetadata(f.indexPath, metadata); err != nil {
		return fmt.Errorf("saving HNSW face index: %w", err)
	}

	fmt.Printf("Face index save: saved successfully (count=%d, max_id=%d)\n", count, maxID)
	return nil
}

// Search queries the index. ok is false when the index is disabled, in which
// case the caller uses its own similarity query.
func (f *FaceIndex) Search(embedding []float32, limit int, maxDistance float64) (ids []int64, distances []float64, ok bool, err error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.enabled || f.index == nil {
		return nil, nil, false, nil
	}

	searchK := max(limit*HNSWSearchMultiplier, HNSWMinSearch)
	found, dists, err := f.index.Search(embedding, searchK)
	if err != nil {
		return nil, nil, true, fmt.Errorf("HNSW search: %w", err)
	}

	ids = make([]int64, 0, limit)
	distances = make([]float64, 0, limit)
	for i, id := range found {
		if dists[i] > maxDistance {
			continue
		}
		ids = append(ids, id)
		distances = append(distances, dists[i])
		if len(ids) >= limit {
			break
		}
	}
	return ids, distances, true, nil
}

// Replace drops oldIDs from the index and adds newFaces.
func (f *FaceIndex) Replace(oldIDs []int64, newFaces []StoredFace) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.enabled || f.index == nil {
		return
	}
	for _, id := range oldIDs {
		f.index.Delete(id)
	}
	for i := range newFaces {
		f.index.Add(&newFaces[i])
	}
}

// Clear empties the index while keeping it enabled.
func (f *FaceIndex) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enabled {
		f.index = NewHNSWIndex(f.version)
	}
}

// OrderByIDs returns the faces in the order of ids paired with distances,
// skipping ids that were not loaded.
func OrderByIDs(faces []StoredFace, ids []int64, distances []float64) ([]StoredFace, []float64) {
	byID := make(map[int64]StoredFace, len(faces))
	for _, face := range faces {
		byID[face.ID] = face
	}

	outFaces := make([]StoredFace, 0, len(ids))
	outDistances := make([]float64, 0, len(ids))
	for i, id := range ids {
		face, ok := byID[id]
		if !ok {
			continue
		}
		outFaces = append(outFaces, face)
		outDistances = append(outDistances, distances[i])
	}
	return outFaces, outDistances
}
