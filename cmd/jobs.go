package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/kozaktomas/face-clusterer/internal/config"
	"github.com/kozaktomas/face-clusterer/internal/constants"
	"github.com/kozaktomas/face-clusterer/internal/progress"
	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and resume scan jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent scan jobs",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregated scan job statistics",
	Args:  cobra.NoArgs,
	RunE:  runJobsStats,
}

var jobsResumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Continue an interrupted scan job from its checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsResume,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatsCmd)
	jobsCmd.AddCommand(jobsResumeCmd)

	jobsListCmd.Flags().Int("limit", constants.DefaultScanJobListLimit, "Number of jobs to show")
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func runJobsList(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := openApp(ctx, config.Load(), appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	jobs, err := a.ledger.List(ctx, mustGetInt(cmd, "limit"))
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPROCESSED\tFAILED\tFACES\tSTARTED\tCOMPLETED\tERROR")
	for _, j := range jobs {
		started := j.StartedAt
		fmt.Fprintf(w, "%d\t%s\t%d/%d\t%d\t%d\t%s\t%s\t%s\n",
			j.ID, j.Status, j.ProcessedPhotos, j.TotalPhotos, j.FailedPhotos, j.DetectedFaces,
			formatTime(&started), formatTime(j.CompletedAt), j.ErrorMessage)
	}
	w.Flush()
	return nil
}

func runJobsStats(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := openApp(ctx, config.Load(), appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.ledger.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Jobs:             %d (%d completed, %d failed, %d cancelled, %d active)\n",
		stats.TotalJobs, stats.CompletedJobs, stats.FailedJobs, stats.CancelledJobs, stats.ActiveJobs)
	fmt.Printf("Photos processed: %d\n", stats.PhotosProcessed)
	fmt.Printf("Faces detected:   %d\n", stats.FacesDetected)
	fmt.Printf("Last completed:   %s\n", formatTime(stats.LastCompletedAt))
	return nil
}

func runJobsResume(cmd *cobra.Command, args []string) error {
	jobID, err := parseID(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := openApp(ctx, config.Load(), appOptions{scanner: true})
	if err != nil {
		return err
	}
	defer a.Close()

	eventCh := a.scanner.Holder().Subscribe()
	defer a.scanner.Holder().Unsubscribe(eventCh)

	result, err := a.scanner.ResumeScanJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("resuming job %d: %w", jobID, err)
	}
	if result.Count == 0 {
		fmt.Printf("Job %d had no photos left and is now completed\n", jobID)
		return nil
	}
	fmt.Printf("Resumed job %d with %d photos\n", jobID, result.Count)

	if _, err := progress.Render(ctx, eventCh, result.Count, os.Stdout); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return errors.Join(err, a.scanner.Close(closeCtx))
	}
	if err := a.scanner.Wait(ctx); err != nil {
		return err
	}

	status := a.scanner.QueueStatus()
	fmt.Printf("Photos: %d completed, %d failed; faces: %d\n", status.Completed, status.Failed, status.DetectedFaces)
	return nil
}
