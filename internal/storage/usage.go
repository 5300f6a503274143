package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/platform-billing/usage-meter/pkg/models"
)

// UsageStore handles daily usage aggregate persistence
type UsageStore struct {
	db *DB
}

// NewUsageStore creates a new usage store
func NewUsageStore(db *DB) *UsageStore {
	return &UsageStore{db: db}
}

const usageColumns = `user_id, usage_date, cpu_hours, gpu_hours, ram_gb_hours,
	online_storage_gb, offline_storage_gb, total_credits, total_cost,
	project_breakdown, reported, version, created_at, updated_at`

func scanUsage(row interface{ Scan(...any) error }) (*models.DailyUsageAggregate, error) {
	var agg models.DailyUsageAggregate
	var breakdown string
	err := row.Scan(
		&agg.UserID,
		&agg.Date,
		&agg.CPUHours,
		&agg.GPUHours,
		&agg.RAMGBHours,
		&agg.OnlineStorageGB,
		&agg.OfflineStorageGB,
		&agg.TotalCredits,
		&agg.TotalCost,
		&breakdown,
		&agg.Reported,
		&agg.Version,
		&agg.CreatedAt,
		&agg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(breakdown), &agg.ProjectBreakdown); err != nil {
		return nil, fmt.Errorf("failed to decode project breakdown: %w", err)
	}
	return &agg, nil
}

// Get returns the aggregate for a user and date (YYYY-MM-DD)
func (s *UsageStore) Get(ctx context.Context, userID, date string) (*models.DailyUsageAggregate, error) {
	query := `SELECT ` + usageColumns + ` FROM daily_usage WHERE user_id = ? AND usage_date = ?`

	agg, err := scanUsage(s.db.QueryRowContext(ctx, query, userID, date))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get daily usage: %w", err)
	}
	return agg, nil
}

// Insert creates a new aggregate row with version 1
func (s *UsageStore) Insert(ctx context.Context, agg *models.DailyUsageAggregate) error {
	breakdown, err := json.Marshal(agg.ProjectBreakdown)
	if err != nil {
		return fmt.Errorf("failed to encode project breakdown: %w", err)
	}

	now := time.Now().UTC()
	agg.Version = 1
	agg.CreatedAt = now
	agg.UpdatedAt = now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO daily_usage (user_id, usage_date, cpu_hours, gpu_hours, ram_gb_hours,
			online_storage_gb, offline_storage_gb, total_credits, total_cost,
			project_breakdown, reported, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agg.UserID, agg.Date, agg.CPUHours, agg.GPUHours, agg.RAMGBHours,
		agg.OnlineStorageGB, agg.OfflineStorageGB, agg.TotalCredits, agg.TotalCost,
		string(breakdown), agg.Reported, agg.Version, agg.CreatedAt, agg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert daily usage: %w", err)
	}
	return nil
}

// Update persists an aggregate with an optimistic version check. The write
// only succeeds if the row still carries the version the caller loaded;
// otherwise ErrVersionConflict is returned and the caller must reload.
func (s *UsageStore) Update(ctx context.Context, agg *models.DailyUsageAggregate) error {
	breakdown, err := json.Marshal(agg.ProjectBreakdown)
	if err != nil {
		return fmt.Errorf("failed to encode project breakdown: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE daily_usage
		 SET cpu_hours = ?, gpu_hours = ?, ram_gb_hours = ?,
			 online_storage_gb = ?, offline_storage_gb = ?,
			 total_credits = ?, total_cost = ?,
			 project_breakdown = ?, reported = ?, version = version + 1, updated_at = ?
		 WHERE user_id = ? AND usage_date = ? AND version = ?`,
		agg.CPUHours, agg.GPUHours, agg.RAMGBHours,
		agg.OnlineStorageGB, agg.OfflineStorageGB,
		agg.TotalCredits, agg.TotalCost,
		string(breakdown), agg.Reported, time.Now().UTC(),
		agg.UserID, agg.Date, agg.Version)
	if err != nil {
		return fmt.Errorf("failed to update daily usage: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return ErrVersionConflict
	}

	agg.Version++
	return nil
}

// ListUnreported returns aggregates not yet handed to the billing sync
func (s *UsageStore) ListUnreported(ctx context.Context) ([]*models.DailyUsageAggregate, error) {
	query := `SELECT ` + usageColumns + ` FROM daily_usage WHERE reported = 0 ORDER BY usage_date, user_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list unreported usage: %w", err)
	}
	defer rows.Close()

	var aggs []*models.DailyUsageAggregate
	for rows.Next() {
		agg, err := scanUsage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan daily usage: %w", err)
		}
		aggs = append(aggs, agg)
	}
	return aggs, rows.Err()
}

// MarkReported flips the reported flag after a successful downstream hand-off
func (s *UsageStore) MarkReported(ctx context.Context, userID, date string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE daily_usage SET reported = 1, version = version + 1, updated_at = ? WHERE user_id = ? AND usage_date = ?`,
		time.Now().UTC(), userID, date)
	if err != nil {
		return fmt.Errorf("failed to mark usage reported: %w", err)
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

// GetSummary rolls up a user's aggregates over an inclusive date range
func (s *UsageStore) GetSummary(ctx context.Context, userID, startDate, endDate string) (*models.UsageSummary, error) {
	query := `
		SELECT
			COALESCE(SUM(cpu_hours), 0),
			COALESCE(SUM(gpu_hours), 0),
			COALESCE(SUM(ram_gb_hours), 0),
			COALESCE(SUM(total_credits), 0),
			COALESCE(SUM(total_cost), 0),
			COUNT(*)
		FROM daily_usage
		WHERE user_id = ? AND usage_date >= ? AND usage_date <= ?
	`

	summary := &models.UsageSummary{
		UserID:    userID,
		StartDate: startDate,
		EndDate:   endDate,
	}
	err := s.db.QueryRowContext(ctx, query, userID, startDate, endDate).Scan(
		&summary.CPUHours,
		&summary.GPUHours,
		&summary.RAMGBHours,
		&summary.TotalCredits,
		&summary.TotalCost,
		&summary.Days,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get usage summary: %w", err)
	}
	return summary, nil
}

// ListByDate returns every user's aggregate for one date
func (s *UsageStore) ListByDate(ctx context.Context, date string) ([]*models.DailyUsageAggregate, error) {
	query := `SELECT ` + usageColumns + ` FROM daily_usage WHERE usage_date = ? ORDER BY user_id`

	rows, err := s.db.QueryContext(ctx, query, date)
	if err != nil {
		return nil, fmt.Errorf("failed to list daily usage: %w", err)
	}
	defer rows.Close()

	var aggs []*models.DailyUsageAggregate
	for rows.Next() {
		agg, err := scanUsage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan daily usage: %w", err)
		}
		aggs = append(aggs, agg)
	}
	return aggs, rows.Err()
}
