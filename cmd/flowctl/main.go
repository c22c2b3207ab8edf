// Package main implements flowctl, a CLI for driving sessions on a flowstated server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	httpapi "github.com/fyrsmithlabs/flowstate/internal/http"
	"github.com/fyrsmithlabs/flowstate/internal/orchestrator"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the flowstated HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "flowctl",
		Short: "CLI for flowstated sessions",
		Long: `flowctl sends messages to a flowstated server, inspects and resets sessions,
and follows their workflow events.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9191", "flowstated server URL")

	root.AddCommand(newSendCmd())
	root.AddCommand(newStateCmd())
	root.AddCommand(newResetCmd())
	root.AddCommand(newHealthCmd())
	root.AddCommand(newWatchCmd())
	return root
}

func newSendCmd() *cobra.Command {
	var (
		id     string
		attach []string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "send <session> <text...>",
		Short: "Send a message to a session",
		Long: `Send a message to a session and print the directive.

Examples:
  # Start the pipeline with a dataset
  flowctl send s1 "analyze this" --attach dataset=s3://bucket/prices.csv

  # Approve the pending stage
  flowctl send s1 yes`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			attachments, err := parseAttachments(attach)
			if err != nil {
				return err
			}
			if id == "" {
				id = uuid.NewString()
			}

			var resp httpapi.MessageResponse
			if err := call(http.MethodPost, "/api/v1/sessions/"+args[0]+"/messages", httpapi.MessageRequest{
				ID:          id,
				Text:        strings.Join(args[1:], " "),
				Attachments: attachments,
			}, &resp); err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			printDirective(cmd.OutOrStdout(), resp.Directive)
			if resp.Error != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "[flowctl] %s\n", resp.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "message id (default random)")
	cmd.Flags().StringSliceVar(&attach, "attach", nil, "attachment as name=ref (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw response")
	return cmd
}

func newStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state <session>",
		Short: "Show a session's workflow state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var snap orchestrator.Snapshot
			if err := call(http.MethodGet, "/api/v1/sessions/"+args[0], nil, &snap); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), snap)
		},
	}
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <session>",
		Short: "Start a session over",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp httpapi.MessageResponse
			if err := call(http.MethodPost, "/api/v1/sessions/"+args[0]+"/reset", nil, &resp); err != nil {
				return err
			}
			printDirective(cmd.OutOrStdout(), resp.Directive)
			return nil
		},
	}
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check flowstated server health",
		Long: `Check the health status of the flowstated HTTP server.

Examples:
  # Check health
  flowctl health

  # Check health on a different server
  flowctl health --server http://localhost:8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var health httpapi.HealthResponse
			err := call(http.MethodGet, "/health", nil, &health)
			if health.Status != "" {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Server Status: %s\n", health.Status)
				fmt.Fprintf(out, "Server URL: %s\n", serverURL)
				for name, status := range health.Services {
					fmt.Fprintf(out, "  %s: %s\n", name, status)
				}
			}
			return err
		},
	}
}

// call sends an API request and decodes the response into out. Non-2xx
// responses are decoded into out as well when possible, then reported.
func call(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	url := strings.TrimRight(serverURL, "/") + path
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	// Messages may run pipeline stages inline.
	client := &http.Client{Timeout: 10 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var apiErr httpapi.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			if apiErr.Retryable {
				return fmt.Errorf("server returned status %d: %s (retryable)", resp.StatusCode, apiErr.Error)
			}
			return fmt.Errorf("server returned status %d: %s", resp.StatusCode, apiErr.Error)
		}
		_ = json.Unmarshal(data, out)
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func parseAttachments(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, ref, ok := strings.Cut(p, "=")
		if !ok || name == "" || ref == "" {
			return nil, fmt.Errorf("attachment %q must be name=ref", p)
		}
		out[name] = ref
	}
	return out, nil
}

func printDirective(w io.Writer, d *orchestrator.Directive) {
	if d == nil {
		return
	}
	fmt.Fprintln(w, d.Text)

	meta := []string{"stage=" + string(d.Stage)}
	if d.Pending != "" {
		meta = append(meta, "pending="+string(d.Pending))
	}
	if len(d.Executed) > 0 {
		names := make([]string, len(d.Executed))
		for i, s := range d.Executed {
			names[i] = string(s)
		}
		meta = append(meta, "ran="+strings.Join(names, ","))
	}
	if d.Code != "" {
		meta = append(meta, "code="+d.Code)
	}
	fmt.Fprintf(w, "[%s]\n", strings.Join(meta, " "))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
