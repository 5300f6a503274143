package cmd

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"
)

var (
	exportSecret string
	exportOut    string
)

var exportCmd = &cobra.Command{
	Use:   "export <date>",
	Short: "Download the daily finance report",
	Long: `Download one date's finance report as CSV.

The report endpoint is internal, so the shared secret is required.
Writes to stdout unless --out is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringVar(&exportSecret, "secret", os.Getenv("RUN_SHARED_SECRET"), "Shared secret for internal endpoints")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "Output file (default stdout)")
}

func runExport(cmd *cobra.Command, args []string) error {
	req, err := http.NewRequest(http.MethodGet,
		fmt.Sprintf("%s/internal/reports/%s", serverURL, url.PathEscape(args[0])), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("X-Metering-Secret", exportSecret)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("unauthorized: check --secret or RUN_SHARED_SECRET")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error: %s", string(body))
	}

	out := os.Stdout
	if exportOut != "" {
		f, err := os.Create(exportOut)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	if exportOut != "" {
		fmt.Fprintf(os.Stderr, "wrote %s\n", exportOut)
	}
	return nil
}
