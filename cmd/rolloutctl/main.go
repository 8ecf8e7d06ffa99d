// Package main implements the rolloutctl CLI for manual operations
// against the rolloutd HTTP server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the rolloutd HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rolloutctl",
	Short: "CLI for rolloutd strategy lifecycle operations",
	Long: `rolloutctl is a command-line interface for the rolloutd control plane.
It registers, validates, deploys, retires, and inspects versioned strategies.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8700", "rolloutd server URL")
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(retireCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(deploymentsCmd)
	rootCmd.AddCommand(migrationsCmd)
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(dashboardCmd)
}

// registerCmd registers a strategy from a JSON file or stdin
var registerCmd = &cobra.Command{
	Use:   "register [file]",
	Short: "Register a strategy version from a JSON file or stdin",
	Long: `Register a new strategy version. The payload is the full strategy
document: id, version, metadata, and the opaque payload.

Examples:
  # Register from a file
  rolloutctl register strategy.json

  # Register from stdin
  cat strategy.json | rolloutctl register -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRegister,
}

var validateCmd = &cobra.Command{
	Use:   "validate <id> <version>",
	Short: "Run validation checks on a draft strategy",
	Args:  cobra.ExactArgs(2),
	RunE:  runValidate,
}

var (
	deployStage     string
	deployBlueGreen bool
)

var deployCmd = &cobra.Command{
	Use:   "deploy <id> <version>",
	Short: "Deploy a validated strategy to a stage",
	Long: `Deploy a validated strategy. The staged path walks canary, beta,
production with bake periods between promotions; --blue-green runs the
smoke-tested instant cutover instead.

Examples:
  rolloutctl deploy payments-v2 1.1.0 --stage canary
  rolloutctl deploy payments-v2 1.1.0 --blue-green`,
	Args: cobra.ExactArgs(2),
	RunE: runDeploy,
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <id>",
	Short: "Roll every active deployment of a strategy back to validated",
	Args:  cobra.ExactArgs(1),
	RunE:  runRollback,
}

var retireReplacement string

var retireCmd = &cobra.Command{
	Use:   "retire <id> <version>",
	Short: "Start the phased retirement of a production strategy",
	Args:  cobra.ExactArgs(2),
	RunE:  runRetire,
}

var listDomain string

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered strategies",
	RunE:  runList,
}

var deploymentsCmd = &cobra.Command{
	Use:   "deployments",
	Short: "List active deployments",
	RunE:  runDeployments,
}

var migrationsCmd = &cobra.Command{
	Use:   "migrations",
	Short: "List session migrations",
	RunE:  runMigrations,
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Trigger a garbage collection cycle",
	RunE:  runGC,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check rolloutd server health",
	RunE:  runHealth,
}

func init() {
	deployCmd.Flags().StringVar(&deployStage, "stage", "canary", "target stage (canary, beta, production)")
	deployCmd.Flags().BoolVar(&deployBlueGreen, "blue-green", false, "blue/green cutover instead of staged rollout")
	retireCmd.Flags().StringVar(&retireReplacement, "replacement", "", "replacement version sessions migrate to")
	listCmd.Flags().StringVar(&listDomain, "domain", "", "filter by domain")
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 60 * time.Second}
}

// call issues one JSON request and decodes the response into out when
// the status is 2xx. Non-2xx responses become errors carrying the body.
func call(method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, serverURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d", resp.StatusCode)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// printJSON renders the API response indented to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runRegister(cmd *cobra.Command, args []string) error {
	var content []byte
	var err error
	if len(args) == 0 || args[0] == "-" {
		content, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		content, err = os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read file %s: %w", args[0], err)
		}
	}
	if len(content) == 0 {
		return fmt.Errorf("no strategy document to register")
	}

	var doc json.RawMessage = content
	var out map[string]any
	if err := call(http.MethodPost, "/api/v1/strategies", doc, &out); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Registered %v@%v\n", out["id"], out["version"])
	return nil
}

func runValidate(cmd *cobra.Command, args []string) error {
	var report struct {
		Passed   bool            `json:"passed"`
		Errors   json.RawMessage `json:"errors"`
		Baseline json.RawMessage `json:"baseline"`
	}
	err := call(http.MethodPost, fmt.Sprintf("/api/v1/strategies/%s/%s/validate", args[0], args[1]), nil, &report)
	if err != nil {
		return err
	}
	if !report.Passed {
		fmt.Fprintf(os.Stderr, "Validation FAILED for %s@%s\n", args[0], args[1])
		return printJSON(report)
	}
	fmt.Fprintf(os.Stderr, "Validation passed for %s@%s\n", args[0], args[1])
	return printJSON(report)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	path := fmt.Sprintf("/api/v1/strategies/%s/%s/deploy", args[0], args[1])
	if deployBlueGreen {
		path += "?mode=blue_green"
	} else {
		path += "?stage=" + deployStage
	}

	var out map[string]any
	if err := call(http.MethodPost, path, nil, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func runRollback(cmd *cobra.Command, args []string) error {
	err := call(http.MethodPost, fmt.Sprintf("/api/v1/strategies/%s/rollback", args[0]),
		map[string]string{"reason": "manual"}, nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Rolled back %s\n", args[0])
	return nil
}

func runRetire(cmd *cobra.Command, args []string) error {
	body := map[string]any{"trigger": "manual"}
	if retireReplacement != "" {
		body["replacement"] = map[string]string{"id": args[0], "version": retireReplacement}
	}

	var out map[string]any
	err := call(http.MethodPost, fmt.Sprintf("/api/v1/strategies/%s/%s/retire", args[0], args[1]), body, &out)
	if err != nil {
		return err
	}
	return printJSON(out)
}

func runList(cmd *cobra.Command, args []string) error {
	path := "/api/v1/strategies"
	if listDomain != "" {
		path += "?domain=" + listDomain
	}

	var list []struct {
		ID       string `json:"id"`
		Version  string `json:"version"`
		Status   string `json:"status"`
		Metadata struct {
			Domain     string `json:"domain"`
			Complexity string `json:"complexity"`
		} `json:"metadata"`
	}
	if err := call(http.MethodGet, path, nil, &list); err != nil {
		return err
	}

	for _, s := range list {
		fmt.Printf("%-30s %-12s %-12s %s/%s\n",
			s.ID, s.Version, s.Status, s.Metadata.Domain, s.Metadata.Complexity)
	}
	if len(list) == 0 {
		fmt.Fprintln(os.Stderr, "No strategies registered")
	}
	return nil
}

func runDeployments(cmd *cobra.Command, args []string) error {
	var list []map[string]any
	if err := call(http.MethodGet, "/api/v1/deployments", nil, &list); err != nil {
		return err
	}
	return printJSON(list)
}

func runMigrations(cmd *cobra.Command, args []string) error {
	var list []map[string]any
	if err := call(http.MethodGet, "/api/v1/migrations", nil, &list); err != nil {
		return err
	}
	return printJSON(list)
}

func runGC(cmd *cobra.Command, args []string) error {
	var report map[string]any
	if err := call(http.MethodPost, "/api/v1/gc/run", nil, &report); err != nil {
		return err
	}
	return printJSON(report)
}

func runHealth(cmd *cobra.Command, args []string) error {
	var health struct {
		Status string `json:"status"`
	}
	if err := call(http.MethodGet, "/health", nil, &health); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to reach %s\n", serverURL)
		return err
	}
	fmt.Printf("Server Status: %s\n", health.Status)
	fmt.Printf("Server URL: %s\n", serverURL)
	return nil
}
