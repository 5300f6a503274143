package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/platform-billing/usage-meter/pkg/models"
)

// UserStore handles user reads. Users are managed by the platform's account
// service; the metering engine only ever reads them.
type UserStore struct {
	db *DB
}

// NewUserStore creates a new user store
func NewUserStore(db *DB) *UserStore {
	return &UserStore{db: db}
}

const userColumns = `id, email, external_owner_id, cluster_id, billing_plan, created_at`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.ExternalOwnerID, &u.ClusterID, &u.BillingPlan, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Get returns a user by ID
func (s *UserStore) Get(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = ?`

	u, err := scanUser(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// GetByExternalOwner returns the user whose registry owner identity matches
// and who is assigned to the given cluster
func (s *UserStore) GetByExternalOwner(ctx context.Context, externalOwnerID, clusterID string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE external_owner_id = ? AND cluster_id = ?`

	u, err := scanUser(s.db.QueryRowContext(ctx, query, externalOwnerID, clusterID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by external owner: %w", err)
	}
	return u, nil
}
