package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// HNSWRebuilder is an interface for repositories that support HNSW index rebuilding
type HNSWRebuilder interface {
	// RebuildHNSW rebuilds the in-memory HNSW index
	RebuildHNSW(ctx context.Context) error
	// HNSWCount returns the number of items in the HNSW index
	HNSWCount() int
	// IsHNSWEnabled returns whether HNSW is enabled
	IsHNSWEnabled() bool
	// SaveHNSWIndex saves the current index to disk (if path configured)
	SaveHNSWIndex() error
}

var errNotInitialized = errors.New("storage backend not initialized: call sqlite.Initialize or postgres.Initialize first")

var (
	registryMu   sync.RWMutex
	backendName  string
	backendStore func() Store
	photoCatalog func() PhotoCatalog // Optional external catalog (MariaDB)
	faceHNSW     HNSWRebuilder       // Singleton for face HNSW rebuilding
)

// RegisterBackend registers the primary storage backend.
// This is called by the sqlite and postgres packages to avoid import cycles.
func RegisterBackend(name string, store func() Store) {
	registryMu.Lock()
	defer registryMu.Unlock()
	backendName = name
	backendStore = store
}

// RegisterPhotoCatalog registers an external photo catalog that replaces the
// primary store's photos table as the scan source.
func RegisterPhotoCatalog(catalog func() PhotoCatalog) {
	registryMu.Lock()
	defer registryMu.Unlock()
	photoCatalog = catalog
}

// RegisterFaceHNSWRebuilder registers the HNSW rebuilder for the face repository.
// This allows rebuilding the in-memory HNSW index without knowing the concrete type.
func RegisterFaceHNSWRebuilder(rebuilder HNSWRebuilder) {
	registryMu.Lock()
	defer registryMu.Unlock()
	faceHNSW = rebuilder
}

// GetFaceHNSWRebuilder returns the registered face HNSW rebuilder, or nil if not registered.
func GetFaceHNSWRebuilder() HNSWRebuilder {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return faceHNSW
}

// IsInitialized returns whether a storage backend has been registered.
func IsInitialized() bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return backendStore != nil
}

// BackendName returns the name of the registered backend ("sqlite", "postgres").
func BackendName() string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return backendName
}

// ResetBackends clears every registration. Used by tests.
func ResetBackends() {
	registryMu.Lock()
	defer registryMu.Unlock()
	backendName = ""
	backendStore = nil
	photoCatalog = nil
	faceHNSW = nil
}

// GetStore returns the primary storage backend
func GetStore(ctx context.Context) (Store, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if backendStore == nil {
		return nil, errNotInitialized
	}
	return backendStore(), nil
}

// GetFaceWriter returns a FaceWriter from the primary backend
func GetFaceWriter(ctx context.Context) (FaceWriter, error) {
	return GetStore(ctx)
}

// GetFaceReader returns a FaceReader from the primary backend
func GetFaceReader(ctx context.Context) (FaceReader, error) {
	return GetStore(ctx)
}

// GetPersonStore returns a PersonStore from the primary backend
func GetPersonStore(ctx context.Context) (PersonStore, error) {
	return GetStore(ctx)
}

// GetScanJobStore returns a ScanJobStore from the primary backend
func GetScanJobStore(ctx context.Context) (ScanJobStore, error) {
	return GetStore(ctx)
}

// GetPhotoCatalog returns the external catalog when one is registered,
// otherwise the primary store's photos table.
func GetPhotoCatalog(ctx context.Context) (PhotoCatalog, error) {
	registryMu.RLock()
	catalog := photoCatalog
	registryMu.RUnlock()
	if catalog != nil {
		return catalog(), nil
	}
	store, err := GetStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("photo catalog: %w", err)
	}
	return store, nil
}
