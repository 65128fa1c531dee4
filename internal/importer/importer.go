// Package importer registers image files from a directory tree as photos.
package importer

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Registrar stores a photo and returns its id. A known uuid returns the existing id.
type Registrar interface {
	RegisterPhoto(ctx context.Context, uuid, path string) (int64, error)
}

// Result summarizes one import.
type Result struct {
	Registered int
	Skipped    int // files without a supported image extension
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true, ".webp": true,
}

// PhotoUUID derives a stable uuid from the absolute path, so importing the
// same tree twice does not duplicate photos.
func PhotoUUID(path string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+filepath.ToSlash(path))).String()
}

// Import walks root and registers every image file. Hidden directories are skipped.
func Import(ctx context.Context, reg Registrar, root string) (*Result, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return &Result{}, fmt.Errorf("resolving %s: %w", root, err)
	}

	result := &Result{}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !imageExtensions[strings.ToLower(filepath.Ext(path))] {
			result.Skipped++
			return nil
		}
		if _, err := reg.RegisterPhoto(ctx, PhotoUUID(path), path); err != nil {
			return fmt.Errorf("registering %s: %w", path, err)
		}
		result.Registered++
		return nil
	})
	if err != nil {
		return result, err
	}
	return result, nil
}
