package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL    string
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "meterctl",
	Short: "Usage meter CLI - inspect and operate the metering engine",
	Long: `meterctl talks to the usage meter server.

It allows you to:
- Trigger a metering run and inspect its report
- Query a user's daily usage and ranged summaries
- List namespace ownership mappings
- Download the daily finance report`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", getEnvOrDefault("USAGE_METER_URL", "http://localhost:8080"), "usage meter server URL")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
