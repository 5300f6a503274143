package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platform-billing/usage-meter/pkg/models"
)

// MappingStore handles ownership mapping persistence
type MappingStore struct {
	db *DB
}

// NewMappingStore creates a new mapping store
func NewMappingStore(db *DB) *MappingStore {
	return &MappingStore{db: db}
}

const mappingColumns = `id, namespace, user_id, project_id, project_name, status, last_seen_at, created_at, updated_at`

func scanMapping(row interface{ Scan(...any) error }) (*models.OwnershipMapping, error) {
	var m models.OwnershipMapping
	err := row.Scan(
		&m.ID,
		&m.Namespace,
		&m.UserID,
		&m.ProjectID,
		&m.ProjectName,
		&m.Status,
		&m.LastSeenAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetActive returns the active mapping for a namespace
func (s *MappingStore) GetActive(ctx context.Context, namespace string) (*models.OwnershipMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM ownership_mappings WHERE namespace = ? AND status = 'active'`

	m, err := scanMapping(s.db.QueryRowContext(ctx, query, namespace))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mapping: %w", err)
	}
	return m, nil
}

// Upsert installs mapping as the single active mapping for its namespace.
// Any currently active row for another user is deactivated first, and stale
// inactive rows for other users sharing the namespace are pruned so ownership
// moves leave no residue behind.
func (s *MappingStore) Upsert(ctx context.Context, mapping *models.OwnershipMapping) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	_, err = tx.ExecContext(ctx,
		`UPDATE ownership_mappings SET status = 'inactive', updated_at = ? WHERE namespace = ? AND status = 'active' AND user_id != ?`,
		now, mapping.Namespace, mapping.UserID)
	if err != nil {
		return fmt.Errorf("failed to deactivate previous owner: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM ownership_mappings WHERE namespace = ? AND status = 'inactive' AND user_id != ?`,
		mapping.Namespace, mapping.UserID)
	if err != nil {
		return fmt.Errorf("failed to prune stale mappings: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE ownership_mappings
		 SET project_id = ?, project_name = ?, status = 'active', last_seen_at = ?, updated_at = ?
		 WHERE namespace = ? AND user_id = ?`,
		mapping.ProjectID, mapping.ProjectName, now, now, mapping.Namespace, mapping.UserID)
	if err != nil {
		return fmt.Errorf("failed to update mapping: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}

	if affected == 0 {
		if mapping.ID == "" {
			mapping.ID = uuid.New().String()
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO ownership_mappings (id, namespace, user_id, project_id, project_name, status, last_seen_at, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, 'active', ?, ?, ?)`,
			mapping.ID, mapping.Namespace, mapping.UserID, mapping.ProjectID, mapping.ProjectName, now, now, now)
		if err != nil {
			return fmt.Errorf("failed to insert mapping: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mapping upsert: %w", err)
	}

	mapping.Status = models.MappingActive
	mapping.LastSeenAt = now
	return nil
}

// Touch refreshes the last-seen timestamp of a namespace's active mapping
func (s *MappingStore) Touch(ctx context.Context, namespace string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE ownership_mappings SET last_seen_at = ?, updated_at = ? WHERE namespace = ? AND status = 'active'`,
		now, now, namespace)
	if err != nil {
		return fmt.Errorf("failed to touch mapping: %w", err)
	}
	return nil
}

// Invalidate marks a namespace's active mapping inactive. ErrNotFound when
// the namespace has no active mapping.
func (s *MappingStore) Invalidate(ctx context.Context, namespace string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE ownership_mappings SET status = 'inactive', updated_at = ? WHERE namespace = ? AND status = 'active'`,
		now, namespace)
	if err != nil {
		return fmt.Errorf("failed to invalidate mapping: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateStale marks mappings unseen since cutoff as inactive, scoped to
// mappings whose owner is assigned to the given cluster. Scoping matters: a
// project that moved clusters keeps its mapping on the new cluster.
func (s *MappingStore) DeactivateStale(ctx context.Context, clusterID string, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ownership_mappings
		 SET status = 'inactive', updated_at = ?
		 WHERE status = 'active'
		   AND last_seen_at < ?
		   AND user_id IN (SELECT id FROM users WHERE cluster_id = ?)`,
		time.Now().UTC(), cutoff, clusterID)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate stale mappings: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deactivated mappings: %w", err)
	}
	return affected, nil
}

// ListByCluster returns all mappings whose owner is assigned to a cluster;
// an empty clusterID returns everything.
func (s *MappingStore) ListByCluster(ctx context.Context, clusterID string) ([]*models.OwnershipMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM ownership_mappings`
	var args []any
	if clusterID != "" {
		query += ` WHERE user_id IN (SELECT id FROM users WHERE cluster_id = ?)`
		args = append(args, clusterID)
	}
	query += ` ORDER BY namespace`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*models.OwnershipMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}
