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

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	serverURL string
	orgID     string
	urls      []string
	runType   string
	async     bool
)

var rootCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Ask a running server to start an extraction run",
	Long: `Posts a run request to the server. With --org and no --url the
organization's registered grant sources are scanned. This is what a
scheduler calls with --run-type scheduled.`,
	RunE: trigger,
}

func init() {
	rootCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8081", "Base URL of the grant tracker server")
	rootCmd.Flags().StringVar(&orgID, "org", "", "Organization id")
	rootCmd.Flags().StringArrayVar(&urls, "url", nil, "Source URL to scan (repeatable)")
	rootCmd.Flags().StringVar(&runType, "run-type", "manual", "manual or scheduled")
	rootCmd.Flags().BoolVar(&async, "async", false, "Return as soon as the run is accepted")
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func trigger(cmd *cobra.Command, _ []string) error {
	adminSecret := strings.TrimSpace(os.Getenv("ADMIN_SECRET"))
	if adminSecret == "" {
		return fmt.Errorf("missing ADMIN_SECRET environment variable")
	}

	base := strings.TrimRight(serverURL, "/")
	var endpoint string
	var payload any
	switch {
	case len(urls) > 0:
		endpoint = base + "/api/v1/runs"
		payload = map[string]any{"organization_id": orgID, "source_urls": urls, "run_type": runType}
	case orgID != "":
		endpoint = base + "/api/v1/organizations/" + orgID + "/scan"
		payload = map[string]any{"run_type": runType}
	default:
		return fmt.Errorf("either --url or --org is required")
	}
	if async {
		endpoint += "?async=true"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Secret", adminSecret)

	// Synchronous runs take as long as the slowest source.
	client := &http.Client{Timeout: 30 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	fmt.Fprintf(cmd.OutOrStdout(), "Response Status: %s\n", resp.Status)

	var pretty bytes.Buffer
	if json.Indent(&pretty, respBody, "", "  ") == nil {
		fmt.Fprintln(cmd.OutOrStdout(), pretty.String())
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), string(respBody))
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("server rejected the run")
	}
	return nil
}
