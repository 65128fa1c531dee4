package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kozaktomas/face-clusterer/internal/config"
	"github.com/kozaktomas/face-clusterer/internal/constants"
	"github.com/kozaktomas/face-clusterer/internal/database"
	"github.com/kozaktomas/face-clusterer/internal/reconcile"
	"github.com/kozaktomas/face-clusterer/internal/scheduler"
	"github.com/kozaktomas/face-clusterer/internal/web"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	Long: `Start the Face Clusterer API server.
The server runs scans in the background, reports their progress over
server-sent events and exposes clustering, matching and person management.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides WEB_PORT)")
	serveCmd.Flags().String("host", "", "Host to bind to (overrides WEB_HOST)")
}

// saveHNSWIndex saves the face HNSW index to disk during shutdown.
func saveHNSWIndex() {
	rebuilder := database.GetFaceHNSWRebuilder()
	if rebuilder == nil || !rebuilder.IsHNSWEnabled() {
		return
	}
	if err := rebuilder.SaveHNSWIndex(); err != nil {
		fmt.Printf("Warning: failed to save face HNSW index: %v\n", err)
	} else {
		fmt.Println("Face HNSW index saved to disk")
	}
}

// applyServeFlags lets flags override the environment.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	if port := mustGetInt(cmd, "port"); port > 0 {
		cfg.Web.Port = port
	}
	if host := mustGetString(cmd, "host"); host != "" {
		cfg.Web.Host = host
	}
}

// recoverScanJob reports a job left behind by a previous process.
func recoverScanJob(ctx context.Context, a *app) {
	result, err := a.scanner.Recover(ctx)
	if err != nil {
		fmt.Printf("Warning: scan job recovery failed: %v\n", err)
		return
	}
	if result.Abandoned != nil {
		fmt.Printf("Marked abandoned scan job %d as failed\n", result.Abandoned.ID)
	}
	if job := result.Resumable; job != nil {
		fmt.Printf("Scan job %d is resumable (%d/%d photos); POST /api/v1/scan-jobs/%d/resume to continue\n",
			job.ID, job.ProcessedPhotos, job.TotalPhotos, job.ID)
	}
}

// reportMirroredProgress prints the last snapshot a previous process mirrored to Redis.
func reportMirroredProgress(ctx context.Context, a *app) {
	if a.sink == nil {
		return
	}
	var last reconcile.Snapshot
	ok, err := a.sink.LoadSnapshot(ctx, &last)
	if err != nil {
		fmt.Printf("Warning: reading mirrored progress failed: %v\n", err)
		return
	}
	if ok && last.State != reconcile.StateIdle {
		fmt.Printf("Last mirrored progress: %s, %d/%d photos (updated %s)\n",
			last.State, last.Current, last.Total, last.UpdatedAt.Format(time.RFC3339))
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	applyServeFlags(cmd, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := openApp(ctx, cfg, appOptions{hnsw: true, scanner: true})
	if err != nil {
		return err
	}
	defer a.Close()

	recoverScanJob(ctx, a)
	reportMirroredProgress(ctx, a)
	go a.scanner.Holder().Run(ctx)

	sched := scheduler.New()
	if err := sched.RegisterMaintenance(a.engine, a.store, scheduler.Maintenance{
		CleanupInterval: constants.OrphanCleanupInterval,
		SaveInterval:    constants.IndexSaveInterval,
	}); err != nil {
		return fmt.Errorf("registering maintenance jobs: %w", err)
	}
	sched.Start()
	defer sched.Stop()

	server := web.NewServer(cfg, web.Services{
		Scanner: a.scanner,
		Engine:  a.engine,
		Persons: a.store,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("Error during shutdown: %v\n", err)
		}
		// An interrupted scan stays resumable.
		if err := a.scanner.Close(shutdownCtx); err != nil {
			fmt.Printf("Error stopping scan: %v\n", err)
		}
		saveHNSWIndex()
		cancel()
	}()

	fmt.Printf("Starting Face Clusterer API on http://%s:%d\n", cfg.Web.Host, cfg.Web.Port)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	<-ctx.Done()
	return nil
}
