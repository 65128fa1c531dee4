package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kozaktomas/face-clusterer/internal/config"
	"github.com/kozaktomas/face-clusterer/internal/progress"
	"github.com/kozaktomas/face-clusterer/internal/scanner"
	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Detect faces in unprocessed photos",
	Long: `Runs face detection for photos that have not been processed yet and
stores the detected faces with their descriptors.

Each run is recorded as a scan job. An interrupted run can be continued
with "jobs resume <id>".`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().Int("concurrency", 0, "Number of parallel detections (overrides SCAN_CONCURRENCY)")
	scanCmd.Flags().Int("limit", 0, "Maximum number of photos in this run (overrides SCAN_BATCH_SIZE)")
	scanCmd.Flags().Bool("no-progress", false, "Do not draw a progress bar")
	scanCmd.Flags().Bool("auto-match", false, "Run auto-match after the scan")
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if n := mustGetInt(cmd, "concurrency"); n > 0 {
		cfg.Scan.Concurrency = n
	}
	if n := mustGetInt(cmd, "limit"); n > 0 {
		cfg.Scan.BatchSize = n
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := openApp(ctx, cfg, appOptions{hnsw: false, scanner: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.scanner.Recover(ctx); err != nil {
		return fmt.Errorf("recovering scan jobs: %w", err)
	}

	started := time.Now()
	eventCh := a.scanner.Holder().Subscribe()
	defer a.scanner.Holder().Unsubscribe(eventCh)

	result, err := a.scanner.StartScan(ctx)
	if errors.Is(err, scanner.ErrNothingToScan) {
		fmt.Println("All photos are already processed")
		return nil
	}
	if err != nil {
		return fmt.Errorf("starting scan: %w", err)
	}
	fmt.Printf("Scan job %d: %d photos\n", result.JobID, result.Count)

	if !mustGetBool(cmd, "no-progress") {
		if _, err := progress.Render(ctx, eventCh, result.Count, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}

	waitErr := a.scanner.Wait(ctx)
	if ctx.Err() != nil {
		fmt.Println("\nInterrupted, stopping scan...")
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.scanner.Close(closeCtx); err != nil {
			return fmt.Errorf("stopping scan: %w", err)
		}
		fmt.Printf("Scan job %d can be continued with: face-clusterer jobs resume %d\n", result.JobID, result.JobID)
		return nil
	}
	if waitErr != nil {
		return waitErr
	}

	status := a.scanner.QueueStatus()
	fmt.Printf("\nScan finished in %s\n", time.Since(started).Round(time.Second))
	fmt.Printf("  Photos:   %d completed, %d failed\n", status.Completed, status.Failed)
	fmt.Printf("  Faces:    %d detected\n", status.DetectedFaces)
	if status.LastError != "" {
		fmt.Printf("  Last error: %s\n", status.LastError)
	}

	if mustGetBool(cmd, "auto-match") {
		return printAutoMatch(ctx, a)
	}
	return nil
}
