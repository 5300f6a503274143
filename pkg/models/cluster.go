package models

import "time"

// ClusterStatus represents the operational state of a managed cluster
type ClusterStatus string

const (
	ClusterStatusActive   ClusterStatus = "active"
	ClusterStatusDisabled ClusterStatus = "disabled"
)

// Cluster is a managed Kubernetes cluster whose namespaces are metered.
// Clusters are read-only input to the metering engine; provisioning and
// credential rotation happen elsewhere.
type Cluster struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	CostEndpoint     string        `json:"cost_endpoint"`     // Cost/storage source base URL
	CostToken        string        `json:"-"`                 // Bearer token for the cost source
	RegistryEndpoint string        `json:"registry_endpoint"` // Project registry base URL
	RegistryToken    string        `json:"-"`                 // Bearer token for the registry
	Status           ClusterStatus `json:"status"`
	CreatedAt        time.Time     `json:"created_at"`
}
