// Package billingsync hands closed daily usage aggregates to the downstream
// billing provider. Aggregates are only reported once their UTC day has
// ended; same-day rows are still being folded by the metering runner.
package billingsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/platform-billing/usage-meter/internal/metrics"
	"github.com/platform-billing/usage-meter/internal/storage"
	"github.com/platform-billing/usage-meter/pkg/models"
)

const (
	// DefaultSyncInterval is how often closed aggregates are swept
	DefaultSyncInterval = 1 * time.Hour
)

// UsageEvent is one billable metric hand-off. The idempotency key is stable
// across retries so the provider can deduplicate on its side.
type UsageEvent struct {
	IdempotencyKey string  `json:"idempotency_key"`
	UserID         string  `json:"user_id"`
	Date           string  `json:"date"`
	Metric         string  `json:"metric"`
	Quantity       float64 `json:"quantity"`
}

// Provider receives usage events on behalf of the billing system
type Provider interface {
	EmitUsage(ctx context.Context, event UsageEvent) error
}

// UsageStore reads and flags daily aggregates
type UsageStore interface {
	ListUnreported(ctx context.Context) ([]*models.DailyUsageAggregate, error)
	MarkReported(ctx context.Context, userID, date string) error
}

// UserStore reads billing plans
type UserStore interface {
	Get(ctx context.Context, id string) (*models.User, error)
}

// LogProvider is the default provider: it logs events instead of emitting
// them. Useful for dry runs and environments without billing credentials.
type LogProvider struct {
	logger *slog.Logger
}

// NewLogProvider creates a provider that only logs
func NewLogProvider(logger *slog.Logger) *LogProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogProvider{logger: logger}
}

// EmitUsage logs the event and succeeds
func (p *LogProvider) EmitUsage(ctx context.Context, event UsageEvent) error {
	p.logger.InfoContext(ctx, "usage event (dry run)",
		slog.String("idempotency_key", event.IdempotencyKey),
		slog.String("metric", event.Metric),
		slog.Float64("quantity", event.Quantity))
	return nil
}

// Syncer sweeps unreported aggregates into the billing provider
type Syncer struct {
	usage    UsageStore
	users    UserStore
	provider Provider
	logger   *slog.Logger

	interval time.Duration

	// For time mocking in tests
	now func() time.Time

	// Shutdown coordination
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures the syncer
type Option func(*Syncer)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Syncer) {
		s.logger = logger
	}
}

// WithInterval sets how often the sweep runs
func WithInterval(d time.Duration) Option {
	return func(s *Syncer) {
		s.interval = d
	}
}

// WithProvider sets the billing provider
func WithProvider(p Provider) Option {
	return func(s *Syncer) {
		s.provider = p
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(s *Syncer) {
		s.now = fn
	}
}

// New creates a syncer
func New(usage UsageStore, users UserStore, opts ...Option) *Syncer {
	s := &Syncer{
		usage:    usage,
		users:    users,
		provider: NewLogProvider(nil),
		logger:   slog.Default(),
		interval: DefaultSyncInterval,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start begins the periodic sweep loop
func (s *Syncer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("billing sync starting", slog.Duration("interval", s.interval))

	go s.run(ctx)
	return nil
}

// Stop gracefully stops the syncer
func (s *Syncer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.mu.Unlock()

	close(stopCh)
	<-doneCh

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logger.Info("billing sync stopped")
}

func (s *Syncer) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.SyncOnce(ctx); err != nil {
				s.logger.Error("billing sweep failed", slog.String("error", err.Error()))
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// SyncOnce sweeps every closed, unreported aggregate. A failing aggregate is
// logged and retried on the next sweep; it never blocks the others.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	today := s.now().UTC().Format("2006-01-02")

	aggs, err := s.usage.ListUnreported(ctx)
	if err != nil {
		return fmt.Errorf("failed to list unreported usage: %w", err)
	}

	var reported, failed int
	for _, agg := range aggs {
		// The current day is still accruing
		if agg.Date >= today {
			continue
		}

		if err := s.syncAggregate(ctx, agg); err != nil {
			failed++
			s.logger.Error("failed to report aggregate",
				slog.String("user_id", agg.UserID),
				slog.String("date", agg.Date),
				slog.String("error", err.Error()))
			continue
		}
		reported++
	}

	if reported > 0 || failed > 0 {
		s.logger.Info("billing sweep finished",
			slog.Int("reported", reported),
			slog.Int("failed", failed))
	}
	return nil
}

func (s *Syncer) syncAggregate(ctx context.Context, agg *models.DailyUsageAggregate) error {
	user, err := s.users.Get(ctx, agg.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		// Deleted account; flag the row so the sweep stops revisiting it
		s.logger.Warn("aggregate owner no longer exists",
			slog.String("user_id", agg.UserID),
			slog.String("date", agg.Date))
		return s.usage.MarkReported(ctx, agg.UserID, agg.Date)
	}
	if err != nil {
		return fmt.Errorf("failed to load user: %w", err)
	}

	if user.BillingPlan == models.PlanMetered {
		for _, event := range events(agg) {
			if err := s.provider.EmitUsage(ctx, event); err != nil {
				return fmt.Errorf("failed to emit %s: %w", event.Metric, err)
			}
			metrics.BillingEventsEmitted.WithLabelValues(event.Metric).Inc()
		}
	}

	return s.usage.MarkReported(ctx, agg.UserID, agg.Date)
}

// events expands an aggregate into its non-zero billable metrics
func events(agg *models.DailyUsageAggregate) []UsageEvent {
	quantities := []struct {
		metric   string
		quantity float64
	}{
		{"cpu_hours", agg.CPUHours},
		{"gpu_hours", agg.GPUHours},
		{"ram_gb_hours", agg.RAMGBHours},
		{"online_storage_gb", agg.OnlineStorageGB},
		{"offline_storage_gb", agg.OfflineStorageGB},
		{"credits", agg.TotalCredits},
	}

	var out []UsageEvent
	for _, q := range quantities {
		if q.quantity <= 0 {
			continue
		}
		out = append(out, UsageEvent{
			IdempotencyKey: fmt.Sprintf("%s:%s:%s", agg.UserID, agg.Date, q.metric),
			UserID:         agg.UserID,
			Date:           agg.Date,
			Metric:         q.metric,
			Quantity:       q.quantity,
		})
	}
	return out
}
