// Package costsource talks to the per-cluster cost-allocation service that
// attributes compute spend and storage occupancy to namespaces.
package costsource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/platform-billing/usage-meter/pkg/models"
)

const (
	defaultTimeout = 30 * time.Second

	// DefaultWindow is the trailing allocation window fetched per cycle
	DefaultWindow = "1h"
)

// excludedNamespaces are platform-internal namespaces that never bill to a
// tenant. The cost source reports them; we drop them at the edge.
var excludedNamespaces = map[string]struct{}{
	"kube-system":     {},
	"kube-public":     {},
	"kube-node-lease": {},
	"monitoring":      {},
	"kubecost":        {},
	"ingress-nginx":   {},
	"cert-manager":    {},
	"__idle__":        {},
	"__unallocated__": {},
}

// IsExcludedNamespace reports whether a namespace is platform-internal
func IsExcludedNamespace(namespace string) bool {
	_, ok := excludedNamespaces[namespace]
	return ok
}

// Client fetches cost allocations and storage snapshots for one cluster
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// ClientOption configures the cost source client
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithRateLimit sets the request rate limit
func WithRateLimit(limit rate.Limit, burst int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(limit, burst)
	}
}

// NewClient creates a client for one cluster's cost source
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
		limiter:    rate.NewLimiter(rate.Every(time.Second), 3),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// allocationResponse is the wire format of the allocation endpoint
type allocationResponse struct {
	Allocations map[string]allocationEntry `json:"allocations"`
}

type allocationEntry struct {
	CPUCoreHours  float64 `json:"cpuCoreHours"`
	RAMByteHours  float64 `json:"ramByteHours"`
	GPUHours      float64 `json:"gpuHours"`
	TotalCost     float64 `json:"totalCost"`
	CPUEfficiency float64 `json:"cpuEfficiency"`
	RAMEfficiency float64 `json:"ramEfficiency"`
}

// storageResponse is the wire format of the storage usage endpoint
type storageResponse struct {
	Projects map[string]int64 `json:"projects"` // Project name -> occupied bytes
}

// Allocation returns the trailing-window cost allocation per namespace,
// with platform-internal namespaces already filtered out.
func (c *Client) Allocation(ctx context.Context, window string) (map[string]models.NamespaceAllocation, error) {
	if window == "" {
		window = DefaultWindow
	}

	reqURL := fmt.Sprintf("%s/model/allocation?window=%s&aggregate=namespace", c.baseURL, url.QueryEscape(window))

	var result allocationResponse
	if err := c.get(ctx, reqURL, &result); err != nil {
		return nil, fmt.Errorf("allocation fetch failed: %w", err)
	}

	allocations := make(map[string]models.NamespaceAllocation, len(result.Allocations))
	for namespace, entry := range result.Allocations {
		if IsExcludedNamespace(namespace) {
			continue
		}
		allocations[namespace] = models.NamespaceAllocation{
			Namespace:     namespace,
			CPUCoreHours:  entry.CPUCoreHours,
			RAMByteHours:  entry.RAMByteHours,
			GPUHours:      entry.GPUHours,
			TotalCost:     entry.TotalCost,
			CPUEfficiency: entry.CPUEfficiency,
			RAMEfficiency: entry.RAMEfficiency,
		}
	}

	return allocations, nil
}

// StorageUsage returns the current occupancy snapshot for one storage class
func (c *Client) StorageUsage(ctx context.Context, class models.StorageClass) (models.StorageSnapshot, error) {
	reqURL := fmt.Sprintf("%s/storage/usage?class=%s", c.baseURL, url.QueryEscape(string(class)))

	var result storageResponse
	if err := c.get(ctx, reqURL, &result); err != nil {
		return nil, fmt.Errorf("%s storage fetch failed: %w", class, err)
	}

	snapshot := make(models.StorageSnapshot, len(result.Projects))
	for project, bytes := range result.Projects {
		snapshot[project] = bytes
	}
	return snapshot, nil
}

func (c *Client) get(ctx context.Context, reqURL string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
