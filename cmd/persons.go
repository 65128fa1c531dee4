package cmd

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/kozaktomas/face-clusterer/internal/config"
	"github.com/spf13/cobra"
)

var personsCmd = &cobra.Command{
	Use:   "persons",
	Short: "List and manage persons",
}

var personsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all persons",
	Args:  cobra.NoArgs,
	RunE:  runPersonsList,
}

var personsMergeCmd = &cobra.Command{
	Use:   "merge <source-id> <target-id>",
	Short: "Move every face of source to target and delete source",
	Args:  cobra.ExactArgs(2),
	RunE:  runPersonsMerge,
}

var personsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete persons without faces",
	Args:  cobra.NoArgs,
	RunE:  runPersonsCleanup,
}

func init() {
	rootCmd.AddCommand(personsCmd)
	personsCmd.AddCommand(personsListCmd)
	personsCmd.AddCommand(personsMergeCmd)
	personsCmd.AddCommand(personsCleanupCmd)

	personsListCmd.Flags().Bool("auto", false, "Only list auto-named persons")
}

func runPersonsList(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := openApp(ctx, config.Load(), appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	persons, err := a.store.ListPersons(ctx)
	if err != nil {
		return fmt.Errorf("listing persons: %w", err)
	}

	onlyAuto := mustGetBool(cmd, "auto")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tFACES\tAUTO")
	shown := 0
	for _, p := range persons {
		if onlyAuto && !p.AutoNamed {
			continue
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%v\n", p.ID, p.Name, p.FaceCount, p.AutoNamed)
		shown++
	}
	w.Flush()
	fmt.Printf("\n%d persons\n", shown)
	return nil
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}

func runPersonsMerge(cmd *cobra.Command, args []string) error {
	sourceID, err := parseID(args[0])
	if err != nil {
		return err
	}
	targetID, err := parseID(args[1])
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	a, err := openApp(ctx, config.Load(), appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.engine.MergePersons(ctx, sourceID, targetID)
	if err != nil {
		return err
	}
	fmt.Printf("Moved %d faces into %s (now %d faces)\n", result.MovedFaces, result.Target.Name, result.Target.FaceCount)
	return nil
}

func runPersonsCleanup(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := openApp(ctx, config.Load(), appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.engine.CleanupOrphans(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d persons without faces\n", n)
	return nil
}
