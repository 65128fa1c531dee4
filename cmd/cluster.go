package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/kozaktomas/face-clusterer/internal/config"
	"github.com/spf13/cobra"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Group unassigned faces into persons",
	Long: `Assigns unassigned faces to existing persons when they are similar enough,
queues near misses for review and clusters the remaining faces into new
auto-named persons.

With --preview the clusters are printed without changing anything.`,
	Args: cobra.NoArgs,
	RunE: runCluster,
}

func init() {
	rootCmd.AddCommand(clusterCmd)

	clusterCmd.Flags().Bool("preview", false, "Print the clusters without creating persons")
}

func printAutoMatch(ctx context.Context, a *app) error {
	result, err := a.engine.AutoMatch(ctx)
	if err != nil {
		return fmt.Errorf("auto-match: %w", err)
	}

	fmt.Printf("Matched to existing persons: %d\n", result.Matched)
	fmt.Printf("Queued for review:           %d\n", result.Queued)
	fmt.Printf("Clustered into new persons:  %d faces, %d persons\n", result.Clustered, len(result.NewPersons))
	fmt.Printf("Noise:                       %d\n", result.Noise)
	if result.Skipped > 0 {
		fmt.Printf("Skipped (other descriptor version): %d\n", result.Skipped)
	}
	for _, p := range result.NewPersons {
		fmt.Printf("  + %s (%d faces)\n", p.Name, p.FaceCount)
	}
	return nil
}

func runCluster(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	ctx, stop := signalContext()
	defer stop()

	a, err := openApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if !mustGetBool(cmd, "preview") {
		return printAutoMatch(ctx, a)
	}

	result, err := a.engine.Cluster(ctx)
	if err != nil {
		return fmt.Errorf("clustering: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CLUSTER\tSIZE\tCOHESION\tFACES")
	for _, c := range result.Clusters {
		fmt.Fprintf(w, "%d\t%d\t%.3f\t%v\n", c.ID, c.Size, c.Cohesion, c.FaceIDs)
	}
	w.Flush()

	fmt.Printf("\n%d clusters, %d noise faces", len(result.Clusters), len(result.Noise))
	if result.Skipped > 0 {
		fmt.Printf(", %d skipped", result.Skipped)
	}
	fmt.Println()
	return nil
}
