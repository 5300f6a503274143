package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/platform-billing/usage-meter/pkg/models"
)

var (
	mappingsCluster string
	mappingsSecret  string
)

var mappingsCmd = &cobra.Command{
	Use:   "mappings",
	Short: "List namespace ownership mappings",
	RunE:  runMappings,
}

var mappingsExpireCmd = &cobra.Command{
	Use:   "expire <namespace>",
	Short: "Expire the active ownership mapping for a namespace",
	Long: `Expire the active ownership mapping for a namespace.

The next metering run re-resolves the namespace against the registry.
Use this after a project changes hands and the cached owner is wrong.`,
	Args: cobra.ExactArgs(1),
	RunE: runMappingsExpire,
}

func init() {
	rootCmd.AddCommand(mappingsCmd)
	mappingsCmd.AddCommand(mappingsExpireCmd)

	mappingsCmd.Flags().StringVarP(&mappingsCluster, "cluster", "c", "", "Filter by cluster ID")
	mappingsExpireCmd.Flags().StringVar(&mappingsSecret, "secret", os.Getenv("RUN_SHARED_SECRET"), "Shared secret for internal endpoints")
}

type mappingsResponse struct {
	Mappings []models.OwnershipMapping `json:"mappings"`
	Count    int                       `json:"count"`
}

func runMappings(cmd *cobra.Command, args []string) error {
	reqURL := fmt.Sprintf("%s/api/v1/mappings", serverURL)
	if mappingsCluster != "" {
		reqURL += "?cluster=" + url.QueryEscape(mappingsCluster)
	}

	resp, err := http.Get(reqURL)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error: %s", string(body))
	}

	var result mappingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if outputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(result)
	}

	if result.Count == 0 {
		fmt.Println("No mappings found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAMESPACE\tUSER\tPROJECT\tSTATUS\tLAST SEEN")
	for _, m := range result.Mappings {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			m.Namespace, m.UserID, m.ProjectName, m.Status,
			m.LastSeenAt.Format("2006-01-02 15:04"))
	}
	w.Flush()
	return nil
}

func runMappingsExpire(cmd *cobra.Command, args []string) error {
	namespace := args[0]

	req, err := http.NewRequest(http.MethodDelete,
		fmt.Sprintf("%s/internal/mappings/%s", serverURL, url.PathEscape(namespace)), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("X-Metering-Secret", mappingsSecret)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		fmt.Printf("Mapping for %s expired\n", namespace)
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("no active mapping for namespace %q", namespace)
	case http.StatusUnauthorized:
		return fmt.Errorf("unauthorized: check --secret or RUN_SHARED_SECRET")
	default:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error: %s", string(body))
	}
}
