package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/platform-billing/usage-meter/pkg/models"
)

// ClusterStore handles cluster reads. Cluster records (and their credentials)
// are managed by the provisioning service; the engine only reads them.
type ClusterStore struct {
	db *DB
}

// NewClusterStore creates a new cluster store
func NewClusterStore(db *DB) *ClusterStore {
	return &ClusterStore{db: db}
}

const clusterColumns = `id, name, cost_endpoint, cost_token, registry_endpoint, registry_token, status, created_at`

func scanCluster(row interface{ Scan(...any) error }) (*models.Cluster, error) {
	var c models.Cluster
	err := row.Scan(&c.ID, &c.Name, &c.CostEndpoint, &c.CostToken, &c.RegistryEndpoint, &c.RegistryToken, &c.Status, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Get returns a cluster by ID
func (s *ClusterStore) Get(ctx context.Context, id string) (*models.Cluster, error) {
	query := `SELECT ` + clusterColumns + ` FROM clusters WHERE id = ?`

	c, err := scanCluster(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster: %w", err)
	}
	return c, nil
}

// ListActive returns all clusters eligible for metering
func (s *ClusterStore) ListActive(ctx context.Context) ([]*models.Cluster, error) {
	query := `SELECT ` + clusterColumns + ` FROM clusters WHERE status = 'active' ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list clusters: %w", err)
	}
	defer rows.Close()

	var clusters []*models.Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cluster: %w", err)
		}
		clusters = append(clusters, c)
	}
	return clusters, rows.Err()
}
