package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kozaktomas/face-clusterer/internal/queue"
	"github.com/spf13/cobra"
)

// The queue lives in the serve process, these commands talk to its API.
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect or reset the task queue of a running server",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the queue status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return queueRequest(cmd, http.MethodGet, "/api/v1/queue")
	},
}

var queueResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop every task and reset progress",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return queueRequest(cmd, http.MethodPost, "/api/v1/queue/reset")
	},
}

var queueCancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Stop dispatching new photos, the scan job stays resumable",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return queueRequest(cmd, http.MethodPost, "/api/v1/queue/cancel")
	},
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueStatusCmd)
	queueCmd.AddCommand(queueResetCmd)
	queueCmd.AddCommand(queueCancelCmd)

	queueCmd.PersistentFlags().String("server", "http://localhost:8080", "Base URL of the face-clusterer server")
}

func queueRequest(cmd *cobra.Command, method, path string) error {
	server := strings.TrimRight(mustGetString(cmd, "server"), "/")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, server+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("contacting server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
	}

	var body struct {
		queue.Status
		Cancelled *bool         `json:"cancelled"`
		Nested    *queue.Status `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	status := body.Status
	if body.Nested != nil {
		status = *body.Nested
	}
	if body.Cancelled != nil {
		fmt.Printf("Cancelled: %t\n", *body.Cancelled)
	}
	printQueueStatus(status)
	return nil
}

func printQueueStatus(s queue.Status) {
	fmt.Printf("State:       %s (running: %t)\n", s.State, s.IsRunning)
	fmt.Printf("Tasks:       %d total, %d pending, %d processing, %d completed, %d failed\n",
		s.Total, s.Pending, s.Processing, s.Completed, s.Failed)
	fmt.Printf("Faces found: %d\n", s.DetectedFaces)
	if s.LastError != "" {
		fmt.Printf("Last error:  %s\n", s.LastError)
	}
}
