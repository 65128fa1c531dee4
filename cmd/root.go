package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "face-clusterer",
	Short: "Detect, cluster and name faces across a photo library",
	Long: `Face Clusterer scans a photo library for faces, stores their descriptors
and groups unnamed faces into persons. Scans run as resumable jobs whose
progress is streamed to the CLI and to the web API.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}
