package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kozaktomas/face-clusterer/internal/constants"
	"gopkg.in/yaml.v3"
)

//go:embed clustering.yaml
var clusteringYAML []byte

type Config struct {
	Database   DatabaseConfig
	Catalog    CatalogConfig
	Embedding  EmbeddingConfig
	Scan       ScanConfig
	Reconcile  ReconcileConfig
	Redis      RedisConfig
	Web        WebConfig
	Clustering ClusteringConfig
}

type DatabaseConfig struct {
	URL           string // PostgreSQL connection URL (empty selects the embedded SQLite store)
	SQLitePath    string // Path of the SQLite database file (default faces.db)
	MaxOpenConns  int    // Maximum open connections (default 25, SQLite always uses 1)
	MaxIdleConns  int    // Maximum idle connections (default 5)
	HNSWIndexPath string // Path to persist face HNSW index (optional, if empty index is rebuilt on startup)
}

// UsePostgres reports whether the PostgreSQL backend is configured.
func (c *DatabaseConfig) UsePostgres() bool {
	return c.URL != ""
}

type CatalogConfig struct {
	DatabaseURL   string // MariaDB DSN of the photo library (e.g., photoprism:photoprism@tcp(mariadb:3306)/photoprism)
	OriginalsPath string // Root directory that catalog file names are relative to
}

type EmbeddingConfig struct {
	URL     string        // defaults to http://localhost:8000
	Timeout time.Duration // per detection call, defaults to 120s
}

type ScanConfig struct {
	Concurrency         int
	BatchSize           int
	HeartbeatEvery      int
	StaleAfter          time.Duration
	ProgressInterval    time.Duration
	SemanticDescriptors bool
	BreakerThreshold    int
}

type ReconcileConfig struct {
	PollInterval time.Duration
	StallAfter   time.Duration
}

type RedisConfig struct {
	URL     string
	Channel string
}

type WebConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string // extra CORS origins, localhost is always allowed
}

// ClusteringConfig holds the tunable similarity thresholds.
type ClusteringConfig struct {
	Clustering  DBSCANConfig      `yaml:"clustering" json:"clustering"`
	Matching    MatchingConfig    `yaml:"matching" json:"matching"`
	Descriptors DescriptorsConfig `yaml:"descriptors" json:"descriptors"`
}

type DBSCANConfig struct {
	Epsilon        float64 `yaml:"epsilon" json:"epsilon"`
	MinPoints      int     `yaml:"min_points" json:"min_points"`
	MinClusterSize int     `yaml:"min_cluster_size" json:"min_cluster_size"`
	AutoNamePrefix string  `yaml:"auto_name_prefix" json:"auto_name_prefix"`
}

type MatchingConfig struct {
	AcceptThreshold float64 `yaml:"accept_threshold" json:"accept_threshold"`
	ReviewThreshold float64 `yaml:"review_threshold" json:"review_threshold"`
	ReviewQueueSize int     `yaml:"review_queue_size" json:"review_queue_size"`
}

type DescriptorsConfig struct {
	Version     string `yaml:"version" json:"version"`
	IdentityDim int    `yaml:"identity_dim" json:"identity_dim"`
}

// Validate checks threshold ordering and ranges.
func (c *ClusteringConfig) Validate() error {
	if c.Clustering.Epsilon <= 0 || c.Clustering.Epsilon > 1 {
		return fmt.Errorf("epsilon must be in (0, 1], got %v", c.Clustering.Epsilon)
	}
	if c.Clustering.MinPoints < 1 {
		return fmt.Errorf("min_points must be at least 1, got %d", c.Clustering.MinPoints)
	}
	if c.Matching.ReviewThreshold > c.Matching.AcceptThreshold {
		return fmt.Errorf("review_threshold %v exceeds accept_threshold %v",
			c.Matching.ReviewThreshold, c.Matching.AcceptThreshold)
	}
	if c.Descriptors.IdentityDim <= 0 {
		return fmt.Errorf("identity_dim must be positive, got %d", c.Descriptors.IdentityDim)
	}
	return nil
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envDuration reads an environment variable as a Go duration ("90s", "5m").
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

// envBool accepts 1/true/yes and 0/false/no, anything else yields the default.
func envBool(key string, defaultVal bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	}
	return defaultVal
}

// envList splits a comma-separated variable, dropping empty entries.
func envList(key string) []string {
	var out []string
	for item := range strings.SplitSeq(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// LoadClustering parses the embedded defaults and overlays the optional file
// named by CLUSTERING_CONFIG.
func LoadClustering() (ClusteringConfig, error) {
	var cc ClusteringConfig
	if err := yaml.Unmarshal(clusteringYAML, &cc); err != nil {
		return cc, fmt.Errorf("parsing embedded clustering.yaml: %w", err)
	}

	if path := os.Getenv("CLUSTERING_CONFIG"); path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config
		if err != nil {
			return cc, fmt.Errorf("reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cc); err != nil {
			return cc, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if err := cc.Validate(); err != nil {
		return cc, fmt.Errorf("invalid clustering config: %w", err)
	}
	return cc, nil
}

func Load() *Config {
	clustering, err := LoadClustering()
	if err != nil {
		// The embedded file always parses, so this is a bad override file.
		panic("failed to load clustering config: " + err.Error())
	}

	return &Config{
		Database: DatabaseConfig{
			URL:           os.Getenv("DATABASE_URL"),
			SQLitePath:    envString("SQLITE_PATH", "faces.db"),
			MaxOpenConns:  envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:  envInt("DATABASE_MAX_IDLE_CONNS", 5),
			HNSWIndexPath: os.Getenv("HNSW_INDEX_PATH"),
		},
		Catalog: CatalogConfig{
			DatabaseURL:   os.Getenv("CATALOG_DATABASE_URL"),
			OriginalsPath: os.Getenv("CATALOG_ORIGINALS_PATH"),
		},
		Embedding: EmbeddingConfig{
			URL:     os.Getenv("EMBEDDING_URL"),
			Timeout: envDuration("EMBEDDING_TIMEOUT", constants.DefaultTaskTimeout),
		},
		Scan: ScanConfig{
			Concurrency:         envInt("SCAN_CONCURRENCY", constants.DefaultConcurrency),
			BatchSize:           envInt("SCAN_BATCH_SIZE", constants.DefaultScanBatchSize),
			HeartbeatEvery:      envInt("SCAN_HEARTBEAT_EVERY", constants.HeartbeatEvery),
			StaleAfter:          envDuration("SCAN_STALE_AFTER", constants.StaleJobAfter),
			ProgressInterval:    envDuration("SCAN_PROGRESS_INTERVAL", constants.DefaultProgressInterval),
			SemanticDescriptors: envBool("SCAN_SEMANTIC_DESCRIPTORS", true),
			BreakerThreshold:    envInt("QUEUE_BREAKER_THRESHOLD", constants.DefaultBreakerThreshold),
		},
		Reconcile: ReconcileConfig{
			PollInterval: envDuration("RECONCILE_POLL_INTERVAL", constants.ReconcilePollInterval),
			StallAfter:   envDuration("RECONCILE_STALL_AFTER", constants.StallAfter),
		},
		Redis: RedisConfig{
			URL:     os.Getenv("REDIS_URL"),
			Channel: envString("REDIS_CHANNEL", "face-clusterer:progress"),
		},
		Web: WebConfig{
			Host:           envString("WEB_HOST", "0.0.0.0"),
			Port:           envInt("WEB_PORT", 8080),
			AllowedOrigins: envList("WEB_ALLOWED_ORIGINS"),
		},
		Clustering: clustering,
	}
}
