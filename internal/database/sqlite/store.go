// Package sqlite is the default embedded storage backend.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kozaktomas/face-clusterer/internal/database"
	_ "github.com/mattn/go-sqlite3"
)

// Store is a SQLite-backed implementation of database.Store with an optional
// in-memory HNSW index over identity descriptors.
type Store struct {
	db        *sql.DB
	faceIndex *database.FaceIndex
	now       func() time.Time
}

// Open creates (or opens) the database file and applies pending migrations.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// WAL keeps readers off the writer; immediate transactions take the write
	// lock up front so read-then-write sequences cannot deadlock.
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	s.faceIndex = database.NewFaceIndex(s)

	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// DB returns the underlying sql.DB for direct access.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// EnableHNSW loads or builds the in-memory HNSW index.
func (s *Store) EnableHNSW(ctx context.Context, indexPath, descriptorVersion string) error {
	return s.faceIndex.EnableHNSW(ctx, indexPath, descriptorVersion)
}

// RebuildHNSW rebuilds the HNSW index from the faces table.
func (s *Store) RebuildHNSW(ctx context.Context) error {
	return s.faceIndex.RebuildHNSW(ctx)
}

// HNSWCount returns the number of faces in the HNSW index.
func (s *Store) HNSWCount() int {
	return s.faceIndex.HNSWCount()
}

// IsHNSWEnabled returns whether the in-memory HNSW index is enabled.
func (s *Store) IsHNSWEnabled() bool {
	return s.faceIndex.IsHNSWEnabled()
}

// SaveHNSWIndex saves the current HNSW index to disk (if path configured).
func (s *Store) SaveHNSWIndex() error {
	return s.faceIndex.SaveHNSWIndex()
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// Verify interface compliance.
var (
	_ database.Store         = (*Store)(nil)
	_ database.HNSWRebuilder = (*Store)(nil)
)
