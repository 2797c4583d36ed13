// Package main is the entry point for the dual-database proxy admin CLI.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	serverURL     string
	output        string
	resolveWinner string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dualdb-admin",
		Short: "Admin CLI for the dual-database proxy",
		Long:  `A command-line tool for inspecting and controlling a running dual-database proxy instance.`,
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8091", "Proxy admin HTTP address")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format: table, json")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the proxy's current state, health, and fencing status",
		RunE:  runStatus,
	}

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Force a primary reconnect attempt and transition to syncing",
		RunE:  runRecover,
	}

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Manually trigger a sync pass from DEGRADED",
		RunE:  runSync,
	}

	reconnectCmd := &cobra.Command{
		Use:   "reconnect",
		Short: "Probe the primary directly without waiting for the health monitor",
		RunE:  runReconnect,
	}

	conflictsCmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect unresolved change-log conflicts",
	}
	conflictsListCmd := &cobra.Command{
		Use:   "list",
		Short: "List unresolved conflicts awaiting sync or operator action",
		RunE:  runConflictsList,
	}
	conflictsResolveCmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve a manually-held conflict, choosing the winning side",
		Args:  cobra.ExactArgs(1),
		RunE:  runConflictsResolve,
	}
	conflictsResolveCmd.Flags().StringVar(&resolveWinner, "winner", "", "Winning side: local or remote (required)")
	_ = conflictsResolveCmd.MarkFlagRequired("winner")
	conflictsCmd.AddCommand(conflictsListCmd, conflictsResolveCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dualdb-admin %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}

	rootCmd.AddCommand(statusCmd, recoverCmd, syncCmd, reconnectCmd, conflictsCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// doRequest issues an HTTP call to the proxy's admin surface and decodes
// the JSON response body into a generic map.
func doRequest(method, path string) (map[string]interface{}, int, error) {
	url := strings.TrimSuffix(serverURL, "/") + path

	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req) // #nosec G704 -- admin CLI tool; URL is from user-provided --server flag
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil && resp.StatusCode != http.StatusNoContent {
		return nil, resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}

	if resp.StatusCode >= 400 {
		msg := "unknown error"
		if m, ok := result["error"].(string); ok {
			msg = m
		}
		return result, resp.StatusCode, fmt.Errorf("API error (%d): %s", resp.StatusCode, msg)
	}

	return result, resp.StatusCode, nil
}

func printResult(v interface{}) error {
	if output == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	m, ok := v.(map[string]interface{})
	if !ok {
		fmt.Println(v)
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	for _, k := range []string{"State", "FencingHeld", "FencingToken", "UnsyncedEntries", "status", "state", "result", "error"} {
		if val, ok := m[k]; ok {
			fmt.Fprintf(w, "%s\t%v\n", k, val)
		}
	}
	return w.Flush()
}

func runStatus(cmd *cobra.Command, args []string) error {
	result, _, err := doRequest("GET", "/admin/status")
	if err != nil {
		return err
	}
	return printResult(result)
}

func runRecover(cmd *cobra.Command, args []string) error {
	result, _, err := doRequest("POST", "/admin/recover")
	if err != nil {
		return err
	}
	return printResult(result)
}

func runSync(cmd *cobra.Command, args []string) error {
	result, _, err := doRequest("POST", "/admin/sync")
	if err != nil {
		return err
	}
	return printResult(result)
}

func runReconnect(cmd *cobra.Command, args []string) error {
	result, _, err := doRequest("POST", "/admin/reconnect")
	if err != nil {
		return err
	}
	return printResult(result)
}

func runConflictsList(cmd *cobra.Command, args []string) error {
	url := strings.TrimSuffix(serverURL, "/") + "/admin/conflicts"
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req) // #nosec G704 -- admin CLI tool; URL is from user-provided --server flag
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var entries []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if output == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTABLE\tROW_ID\tSTRATEGY\tRESOLUTION\tDETECTED_AT_MS")
	for _, e := range entries {
		id, _ := e["ID"].(float64)
		fmt.Fprintf(w, "%s\t%v\t%v\t%v\t%v\t%v\n", strconv.FormatFloat(id, 'f', 0, 64), e["Table"], e["RowID"], e["Strategy"], e["Resolution"], e["DetectedAtMS"])
	}
	return w.Flush()
}

func runConflictsResolve(cmd *cobra.Command, args []string) error {
	if resolveWinner != "local" && resolveWinner != "remote" {
		return fmt.Errorf("--winner must be \"local\" or \"remote\", got %q", resolveWinner)
	}

	body, err := json.Marshal(map[string]string{"winner": resolveWinner})
	if err != nil {
		return fmt.Errorf("failed to encode request body: %w", err)
	}

	url := strings.TrimSuffix(serverURL, "/") + "/admin/conflicts/" + args[0] + "/resolve"
	req, err := http.NewRequest("POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req) // #nosec G704 -- admin CLI tool; URL is from user-provided --server flag
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.StatusCode >= 400 {
		msg := "unknown error"
		if m, ok := result["error"].(string); ok {
			msg = m
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, msg)
	}

	return printResult(result)
}
