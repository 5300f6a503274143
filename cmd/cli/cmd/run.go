package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/platform-billing/usage-meter/pkg/models"
)

var runSecret string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Trigger a metering run",
	Long: `Trigger a metering run and print its report.

The server admits one run at a time; a conflict means another run is
already in progress. The shared secret must match the server's
RUN_SHARED_SECRET.`,
	RunE: runMeteringRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runSecret, "secret", os.Getenv("RUN_SHARED_SECRET"), "Shared secret for the run trigger")
}

func runMeteringRun(cmd *cobra.Command, args []string) error {
	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/internal/metering/run", serverURL), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("X-Metering-Secret", runSecret)

	// Runs can take minutes across many clusters
	client := &http.Client{Timeout: 30 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusConflict:
		return fmt.Errorf("a metering run is already in progress")
	case http.StatusUnauthorized:
		return fmt.Errorf("unauthorized: check --secret or RUN_SHARED_SECRET")
	default:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error: %s", string(body))
	}

	var report models.RunReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	}

	printRunReport(report)
	return nil
}

func printRunReport(report models.RunReport) {
	fmt.Printf("Run %s\n", report.RunID)
	fmt.Printf("Clusters: %d processed, %d ok, %d failed\n",
		report.ClustersProcessed, report.Successful, report.Failed)
	fmt.Printf("Duration: %s\n", report.Duration)

	if len(report.Errors) > 0 {
		fmt.Println("\nErrors:")
		for _, e := range report.Errors {
			fmt.Printf("  - %s\n", e)
		}
	}

	if len(report.Namespaces) == 0 {
		return
	}

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CLUSTER\tNAMESPACE\tOUTCOME\tUSER\tCOST")
	for _, ns := range report.Namespaces {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t$%.4f\n",
			ns.Cluster, ns.Namespace, ns.Outcome, ns.UserID, ns.Cost)
	}
	w.Flush()
}
