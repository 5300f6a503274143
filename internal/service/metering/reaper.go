package metering

import (
	"context"
	"log/slog"
	"time"

	"github.com/platform-billing/usage-meter/internal/metrics"
)

// DefaultMappingRetention is how long an unseen mapping stays active
const DefaultMappingRetention = 30 * 24 * time.Hour

// StaleMappingStore deactivates mappings unseen past the retention window
type StaleMappingStore interface {
	DeactivateStale(ctx context.Context, clusterID string, cutoff time.Time) (int64, error)
}

// Reaper expires ownership mappings that have not been seen for the
// retention window. Expiry is scoped to one cluster's mappings at a time;
// a mapping is never deactivated globally because ownership tracking is
// per-cluster and a project may have legitimately moved clusters.
type Reaper struct {
	mappings  StaleMappingStore
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// ReaperOption configures the reaper
type ReaperOption func(*Reaper)

// WithReaperLogger sets a custom logger
func WithReaperLogger(logger *slog.Logger) ReaperOption {
	return func(r *Reaper) {
		r.logger = logger
	}
}

// WithRetention sets the retention window
func WithRetention(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		r.retention = d
	}
}

// WithReaperTimeFunc sets a custom time function (for testing)
func WithReaperTimeFunc(fn func() time.Time) ReaperOption {
	return func(r *Reaper) {
		r.now = fn
	}
}

// NewReaper creates a reaper
func NewReaper(mappings StaleMappingStore, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		mappings:  mappings,
		retention: DefaultMappingRetention,
		logger:    slog.Default(),
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// ExpireStale deactivates one cluster's stale mappings and returns the count
func (r *Reaper) ExpireStale(ctx context.Context, clusterID string) (int64, error) {
	cutoff := r.now().UTC().Add(-r.retention)

	count, err := r.mappings.DeactivateStale(ctx, clusterID, cutoff)
	if err != nil {
		return 0, err
	}

	if count > 0 {
		metrics.MappingsExpired.Add(float64(count))
		r.logger.Info("expired stale ownership mappings",
			slog.String("cluster", clusterID),
			slog.Int64("count", count))
	}
	return count, nil
}
