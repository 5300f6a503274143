// Package registry enumerates the projects a cluster's control plane knows
// about. The resolver only calls it on ownership-cache misses.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const defaultTimeout = 30 * time.Second

// DefaultCacheTTL bounds how long a cluster's project list is reused within
// and across runs. Several unresolved namespaces in one run should trigger a
// single enumeration, not one each.
const DefaultCacheTTL = 5 * time.Minute

// Project is one entry in a cluster's project registry
type Project struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Owner string `json:"owner"` // External owner identity
}

// Client lists projects for one cluster
type Client struct {
	baseURL    string
	token      string
	clusterID  string
	httpClient *http.Client
	cache      *ttlcache.Cache[string, []Project]
}

// ClientOption configures the registry client
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithCacheTTL sets the project-list cache TTL
func WithCacheTTL(ttl time.Duration) ClientOption {
	return func(c *Client) {
		c.cache = ttlcache.New(
			ttlcache.WithTTL[string, []Project](ttl),
			ttlcache.WithDisableTouchOnHit[string, []Project](),
		)
	}
}

// NewClient creates a registry client for one cluster
func NewClient(baseURL, token, clusterID string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    baseURL,
		token:      token,
		clusterID:  clusterID,
		httpClient: &http.Client{Timeout: defaultTimeout},
		cache: ttlcache.New(
			ttlcache.WithTTL[string, []Project](DefaultCacheTTL),
			ttlcache.WithDisableTouchOnHit[string, []Project](),
		),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

type listProjectsResponse struct {
	Projects []Project `json:"projects"`
}

// ListProjects returns all projects known to the cluster's control plane,
// served from cache when a recent enumeration exists.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	if item := c.cache.Get(c.clusterID); item != nil {
		return item.Value(), nil
	}

	reqURL := fmt.Sprintf("%s/api/projects", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var result listProjectsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	c.cache.Set(c.clusterID, result.Projects, ttlcache.DefaultTTL)
	return result.Projects, nil
}

// InvalidateCache drops the cached project list, forcing the next
// ListProjects to hit the registry.
func (c *Client) InvalidateCache() {
	c.cache.Delete(c.clusterID)
}
