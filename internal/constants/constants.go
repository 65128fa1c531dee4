// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

import "time"

// Pagination constants
const (
	// DefaultPageSize is the number of catalog photos fetched per page while enumerating
	DefaultPageSize = 1000

	// DefaultScanBatchSize is the maximum number of unprocessed photos one scan enqueues
	DefaultScanBatchSize = 1000

	// DefaultHandlerPageSize is the page size for paginated handler endpoints
	DefaultHandlerPageSize = 100

	// MaxHandlerPageSize caps the limit query parameter
	MaxHandlerPageSize = 1000

	// DefaultSimilarLimit is the default limit for similar face search results
	DefaultSimilarLimit = 20

	// DefaultScanJobListLimit is the default number of scan jobs returned by history queries
	DefaultScanJobListLimit = 20
)

// Task queue constants
const (
	// DefaultConcurrency is the default number of in-flight detections.
	// The detection model is memory-heavy, keep this low.
	DefaultConcurrency = 1

	// DefaultProgressInterval is the minimum time between throttled progress callbacks
	DefaultProgressInterval = 500 * time.Millisecond

	// DefaultTaskTimeout bounds a single detection call
	DefaultTaskTimeout = 120 * time.Second

	// DefaultBreakerThreshold is the number of consecutive task failures that halts dispatching
	DefaultBreakerThreshold = 25
)

// Scan job ledger constants
const (
	// HeartbeatEvery is the number of processed photos between checkpoint/heartbeat writes
	HeartbeatEvery = 50

	// StaleJobAfter is the heartbeat age after which a non-terminal job is considered abandoned
	StaleJobAfter = 5 * time.Minute
)

// Reconciliation constants
const (
	// ReconcilePollInterval is how often the progress holder polls the authoritative queue status
	ReconcilePollInterval = 10 * time.Second

	// StallAfter is how long the holder waits without progress before flagging a stall
	StallAfter = 5 * time.Minute
)

// Processing constants
const (
	// WorkerPoolSize is the number of goroutines used for neighbor precomputation
	WorkerPoolSize = 8

	// MaxImageSize is the maximum dimension (width or height) sent to the detector
	MaxImageSize = 1920

	// MinFaceCropSize is the smallest face crop (in pixels) sent for a semantic descriptor
	MinFaceCropSize = 32
)

// Maintenance constants
const (
	// OrphanCleanupInterval is how often persons without faces are swept
	OrphanCleanupInterval = time.Hour

	// IndexSaveInterval is how often the HNSW face index is persisted
	IndexSaveInterval = 10 * time.Minute
)

// Event channel constants
const (
	// EventChannelBuffer is the buffer size for event channels
	EventChannelBuffer = 100
)
