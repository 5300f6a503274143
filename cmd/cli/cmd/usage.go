package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/platform-billing/usage-meter/pkg/models"
)

var (
	usageDate  string
	usageStart string
	usageEnd   string
)

var usageCmd = &cobra.Command{
	Use:   "usage <user-id>",
	Short: "View a user's daily usage",
	Args:  cobra.ExactArgs(1),
	RunE:  runUsage,
}

var usageSummaryCmd = &cobra.Command{
	Use:   "summary <user-id>",
	Short: "View a user's usage over a date range",
	Args:  cobra.ExactArgs(1),
	RunE:  runUsageSummary,
}

func init() {
	rootCmd.AddCommand(usageCmd)
	usageCmd.AddCommand(usageSummaryCmd)

	usageCmd.Flags().StringVarP(&usageDate, "date", "d", "", "Date (YYYY-MM-DD), defaults to today")
	usageSummaryCmd.Flags().StringVar(&usageStart, "start", "", "Start date (YYYY-MM-DD)")
	usageSummaryCmd.Flags().StringVar(&usageEnd, "end", "", "End date (YYYY-MM-DD)")
	_ = usageSummaryCmd.MarkFlagRequired("start")
	_ = usageSummaryCmd.MarkFlagRequired("end")
}

func runUsage(cmd *cobra.Command, args []string) error {
	reqURL := fmt.Sprintf("%s/api/v1/usage/%s", serverURL, url.PathEscape(args[0]))
	if usageDate != "" {
		reqURL += "?date=" + url.QueryEscape(usageDate)
	}

	resp, err := http.Get(reqURL)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		fmt.Println("No usage recorded")
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error: %s", string(body))
	}

	var agg models.DailyUsageAggregate
	if err := json.NewDecoder(resp.Body).Decode(&agg); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(agg)
	}

	printUsage(agg)
	return nil
}

func runUsageSummary(cmd *cobra.Command, args []string) error {
	params := url.Values{}
	params.Set("start", usageStart)
	params.Set("end", usageEnd)

	reqURL := fmt.Sprintf("%s/api/v1/usage/%s/summary?%s",
		serverURL, url.PathEscape(args[0]), params.Encode())

	resp, err := http.Get(reqURL)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error: %s", string(body))
	}

	var summary models.UsageSummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(summary)
	}

	fmt.Printf("User:    %s\n", summary.UserID)
	fmt.Printf("Range:   %s .. %s (%d days with usage)\n", summary.StartDate, summary.EndDate, summary.Days)
	fmt.Printf("CPU:     %.2f core-hours\n", summary.CPUHours)
	fmt.Printf("GPU:     %.2f hours\n", summary.GPUHours)
	fmt.Printf("RAM:     %.2f GB-hours\n", summary.RAMGBHours)
	fmt.Printf("Credits: %.2f\n", summary.TotalCredits)
	fmt.Printf("Cost:    $%.2f\n", summary.TotalCost)
	return nil
}

func printUsage(agg models.DailyUsageAggregate) {
	fmt.Printf("User:    %s\n", agg.UserID)
	fmt.Printf("Date:    %s\n", agg.Date)
	fmt.Printf("CPU:     %.2f core-hours\n", agg.CPUHours)
	fmt.Printf("GPU:     %.2f hours\n", agg.GPUHours)
	fmt.Printf("RAM:     %.2f GB-hours\n", agg.RAMGBHours)
	fmt.Printf("Storage: %.2f GB online, %.2f GB offline\n", agg.OnlineStorageGB, agg.OfflineStorageGB)
	fmt.Printf("Credits: %.2f\n", agg.TotalCredits)
	fmt.Printf("Cost:    $%.2f (reported: %v)\n", agg.TotalCost, agg.Reported)

	if len(agg.ProjectBreakdown) == 0 {
		return
	}

	namespaces := make([]string, 0, len(agg.ProjectBreakdown))
	for ns := range agg.ProjectBreakdown {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAMESPACE\tPROJECT\tCPU\tGPU\tRAM GB-H\tSTORAGE GB")
	for _, ns := range namespaces {
		entry := agg.ProjectBreakdown[ns]
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%.2f\t%.2f\t%.2f\n",
			ns, entry.ProjectName, entry.CPUHours, entry.GPUHours, entry.RAMGBHours,
			entry.OnlineStorageGB+entry.OfflineStorageGB)
	}
	w.Flush()
}
