package cmd

import (
	"errors"
	"fmt"

	"github.com/kozaktomas/face-clusterer/internal/config"
	"github.com/kozaktomas/face-clusterer/internal/importer"
	"github.com/spf13/cobra"
)

var importCmd = &cobra.Command{
	Use:   "import <dir>",
	Short: "Register the images under a directory as photos",
	Long: `Walk a directory tree and register every image file in the local store.
Files keep a stable id derived from their path, so importing again is safe.
Not available when an external photo catalog is configured.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if cfg.Catalog.DatabaseURL != "" {
		return errors.New("photos come from the external catalog, unset CATALOG_DATABASE_URL to import files")
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := openApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Printf("Importing %s...\n", args[0])
	result, err := importer.Import(ctx, a.store, args[0])
	if err != nil {
		return fmt.Errorf("import failed after %d photos: %w", result.Registered, err)
	}

	total, err := a.store.CountPhotos(ctx)
	if err != nil {
		return fmt.Errorf("counting photos: %w", err)
	}
	fmt.Printf("Registered %d photos (%d other files skipped), %d photos in store\n",
		result.Registered, result.Skipped, total)
	return nil
}
