package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/kozaktomas/face-clusterer/internal/clustering"
	"github.com/kozaktomas/face-clusterer/internal/config"
	"github.com/kozaktomas/face-clusterer/internal/constants"
	"github.com/kozaktomas/face-clusterer/internal/database"
	"github.com/kozaktomas/face-clusterer/internal/database/mariadb"
	"github.com/kozaktomas/face-clusterer/internal/database/postgres"
	"github.com/kozaktomas/face-clusterer/internal/database/sqlite"
	"github.com/kozaktomas/face-clusterer/internal/events"
	"github.com/kozaktomas/face-clusterer/internal/fingerprint"
	"github.com/kozaktomas/face-clusterer/internal/ledger"
	"github.com/kozaktomas/face-clusterer/internal/reconcile"
	"github.com/kozaktomas/face-clusterer/internal/scanner"
)

// indexedStore is a primary backend with an HNSW index over face descriptors.
type indexedStore interface {
	database.Store
	database.HNSWRebuilder
	EnableHNSW(ctx context.Context, indexPath, descriptorVersion string) error
	Close() error
}

// app holds the components shared by the commands.
type app struct {
	cfg     *config.Config
	store   indexedStore
	catalog database.PhotoCatalog
	engine  *clustering.Engine
	ledger  *ledger.Ledger
	scanner *scanner.Service
	sink    *events.RedisSink

	closers []io.Closer
}

// appOptions selects the optional parts of the wiring.
type appOptions struct {
	hnsw    bool // load or build the face index
	scanner bool // wire the detector, queue and progress holder
}

// openStore opens the configured primary backend and registers it.
func openStore(cfg *config.Config) (indexedStore, error) {
	if cfg.Database.UsePostgres() {
		fmt.Printf("Connecting to PostgreSQL database...\n")
		store, err := postgres.Initialize(&cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
		}
		database.RegisterBackend("postgres", func() database.Store { return store })
		return store, nil
	}

	fmt.Printf("Opening SQLite database %s...\n", cfg.Database.SQLitePath)
	store, err := sqlite.Open(cfg.Database.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
	}
	database.RegisterBackend("sqlite", func() database.Store { return store })
	return store, nil
}

// openCatalog registers the PhotoPrism library as scan source when configured.
func openCatalog(cfg *config.Config) (*mariadb.Pool, error) {
	if cfg.Catalog.DatabaseURL == "" {
		return nil, nil
	}
	pool, err := mariadb.NewPool(cfg.Catalog.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to photo catalog: %w", err)
	}
	catalog := mariadb.NewCatalog(pool, cfg.Catalog.OriginalsPath)
	database.RegisterPhotoCatalog(func() database.PhotoCatalog { return catalog })
	fmt.Printf("Using PhotoPrism library as photo catalog\n")
	return pool, nil
}

// initFaceHNSW builds or loads the face HNSW index for fast similarity search.
func initFaceHNSW(ctx context.Context, store indexedStore, indexPath, version string) {
	if indexPath != "" {
		fmt.Printf("Loading face HNSW index from %s...\n", indexPath)
	} else {
		fmt.Printf("Building in-memory HNSW index for face matching...\n")
	}
	if err := store.EnableHNSW(ctx, indexPath, version); err != nil {
		fmt.Printf("Warning: Failed to build face HNSW index: %v\n", err)
		fmt.Printf("Similarity search will scan the database (slower)\n")
		return
	}
	database.RegisterFaceHNSWRebuilder(store)
	fmt.Printf("Face HNSW index ready with %d faces\n", store.HNSWCount())
}

func openApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, store)

	pool, err := openCatalog(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	if pool != nil {
		a.closers = append(a.closers, pool)
	}
	if a.catalog, err = database.GetPhotoCatalog(ctx); err != nil {
		a.Close()
		return nil, err
	}

	if opts.hnsw {
		initFaceHNSW(ctx, store, cfg.Database.HNSWIndexPath, cfg.Clustering.Descriptors.Version)
	}

	a.engine = clustering.NewEngine(store, store, cfg.Clustering)
	a.ledger = ledger.New(store, ledger.Options{
		HeartbeatEvery: cfg.Scan.HeartbeatEvery,
		StaleAfter:     cfg.Scan.StaleAfter,
	})

	if !opts.scanner {
		return a, nil
	}

	reconcileOpts := reconcile.Options{
		PollInterval: cfg.Reconcile.PollInterval,
		StallAfter:   cfg.Reconcile.StallAfter,
	}
	if cfg.Redis.URL != "" {
		sink, err := events.NewRedisSink(ctx, cfg.Redis.URL, cfg.Redis.Channel)
		if err != nil {
			fmt.Printf("Warning: Redis progress mirror disabled: %v\n", err)
		} else {
			a.sink = sink
			a.closers = append(a.closers, sink)
			reconcileOpts.Sink = sink
			fmt.Printf("Mirroring progress to Redis channel %s\n", sink.Channel())
		}
	}

	detector := fingerprint.NewDetector(
		fingerprint.NewEmbeddingClient(cfg.Embedding.URL, cfg.Embedding.Timeout),
		fingerprint.DetectorOptions{
			DescriptorVersion: cfg.Clustering.Descriptors.Version,
			Semantic:          cfg.Scan.SemanticDescriptors,
			MaxImageSize:      constants.MaxImageSize,
		},
	)
	a.scanner = scanner.NewService(a.catalog, store, detector, a.ledger, scanner.Options{
		BatchSize:        cfg.Scan.BatchSize,
		Concurrency:      cfg.Scan.Concurrency,
		TaskTimeout:      cfg.Embedding.Timeout,
		ProgressInterval: cfg.Scan.ProgressInterval,
		BreakerThreshold: cfg.Scan.BreakerThreshold,
		Reconcile:        reconcileOpts,
	})
	return a, nil
}

// Close releases connections in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			fmt.Printf("Warning: close failed: %v\n", err)
		}
	}
	a.closers = nil
	database.ResetBackends()
}
