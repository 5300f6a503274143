package metering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/platform-billing/usage-meter/internal/metrics"
	"github.com/platform-billing/usage-meter/internal/pricing"
	"github.com/platform-billing/usage-meter/internal/storage"
	"github.com/platform-billing/usage-meter/pkg/models"
)

const bytesPerGB = float64(1 << 30)

// ErrAggregateReported means the target daily row was already consumed by
// the billing sync and must not be mutated again this period.
var ErrAggregateReported = errors.New("daily aggregate already reported")

// UsageStore is the persistence interface the aggregator folds into
type UsageStore interface {
	Get(ctx context.Context, userID, date string) (*models.DailyUsageAggregate, error)
	Insert(ctx context.Context, agg *models.DailyUsageAggregate) error
	Update(ctx context.Context, agg *models.DailyUsageAggregate) error
}

// Measurement is one cycle's input for a single resolved namespace. The
// allocation is zero-valued during the storage-only pass.
type Measurement struct {
	Namespace    string
	ProjectName  string
	UserID       string
	Allocation   models.NamespaceAllocation
	OnlineBytes  int64
	OfflineBytes int64

	// A storage class whose fetch failed this cycle is unknown, not zero:
	// the entry's previous occupancy is carried instead of replaced.
	OnlineUnknown  bool
	OfflineUnknown bool
}

// Aggregator folds hourly measurements into per-user daily aggregates.
//
// The triggering scheduler only guarantees at-least-once delivery, so every
// fold must be idempotent for repeats within the same UTC hour: the entry's
// lastContribution records exactly what the previous cycle added, and a
// same-hour re-run reverses it before reapplying. Contributions from earlier
// hours are permanently absorbed.
type Aggregator struct {
	usage  UsageStore
	logger *slog.Logger

	// For time mocking in tests
	now func() time.Time
}

// AggregatorOption configures the aggregator
type AggregatorOption func(*Aggregator)

// WithAggregatorLogger sets a custom logger
func WithAggregatorLogger(logger *slog.Logger) AggregatorOption {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// WithAggregatorTimeFunc sets a custom time function (for testing)
func WithAggregatorTimeFunc(fn func() time.Time) AggregatorOption {
	return func(a *Aggregator) {
		a.now = fn
	}
}

// NewAggregator creates an aggregator
func NewAggregator(usage UsageStore, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		usage:  usage,
		logger: slog.Default(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Apply folds one measurement into the owner's daily aggregate and returns
// the dollar cost of this cycle's contribution. On an optimistic-concurrency
// conflict the fold is reloaded and reapplied once.
func (a *Aggregator) Apply(ctx context.Context, m Measurement) (float64, error) {
	cost, err := a.apply(ctx, m)
	if errors.Is(err, storage.ErrVersionConflict) {
		metrics.VersionConflicts.Inc()
		a.logger.Warn("daily usage version conflict, reapplying",
			slog.String("user_id", m.UserID),
			slog.String("namespace", m.Namespace))
		cost, err = a.apply(ctx, m)
	}
	return cost, err
}

func (a *Aggregator) apply(ctx context.Context, m Measurement) (float64, error) {
	now := a.now().UTC()

	cpuHours := a.sanitize("cpu_core_hours", m.Namespace, m.Allocation.CPUCoreHours)
	gpuHours := a.sanitize("gpu_hours", m.Namespace, m.Allocation.GPUHours)
	ramGBHours := a.sanitize("ram_byte_hours", m.Namespace, m.Allocation.RAMByteHours) / bytesPerGB

	date := now.Format("2006-01-02")

	agg, err := a.usage.Get(ctx, m.UserID, date)
	isNew := false
	if errors.Is(err, storage.ErrNotFound) {
		agg = &models.DailyUsageAggregate{UserID: m.UserID, Date: date}
		isNew = true
	} else if err != nil {
		return 0, fmt.Errorf("failed to load daily aggregate: %w", err)
	}

	if agg.Reported {
		return 0, ErrAggregateReported
	}

	entry := agg.Entry(m.Namespace)

	// processedAt is monotonic non-decreasing per namespace even if the wall
	// clock steps backwards between cycles.
	if now.Before(entry.LastContribution.ProcessedAt) {
		now = entry.LastContribution.ProcessedAt
	}

	// A contribution recorded within the current UTC hour means this cycle
	// is a retry for an hour that is already counted: take the previous
	// contribution back out before applying the new one. Earlier hours stay
	// absorbed.
	if sameHour(entry.LastContribution.ProcessedAt, now) {
		a.reverse(agg, entry)
	}

	onlineGB := float64(m.OnlineBytes) / bytesPerGB
	if m.OnlineUnknown {
		onlineGB = entry.OnlineStorageGB
	}
	offlineGB := float64(m.OfflineBytes) / bytesPerGB
	if m.OfflineUnknown {
		offlineGB = entry.OfflineStorageGB
	}

	credits := pricing.Credits(
		cpuHours,
		gpuHours,
		ramGBHours,
		pricing.StorageGBMonthFraction(onlineGB),
		pricing.StorageGBMonthFraction(offlineGB),
	)
	cost := pricing.Dollars(credits)

	// Compute accumulates; storage is an occupancy reading and replaces.
	entry.ProjectName = m.ProjectName
	entry.CPUHours += cpuHours
	entry.GPUHours += gpuHours
	entry.RAMGBHours += ramGBHours
	entry.OnlineStorageGB = onlineGB
	entry.OfflineStorageGB = offlineGB
	if m.Allocation.CPUEfficiency > 0 || m.Allocation.RAMEfficiency > 0 {
		entry.CPUEfficiency = m.Allocation.CPUEfficiency
		entry.RAMEfficiency = m.Allocation.RAMEfficiency
	}
	entry.LastContribution = models.LastContribution{
		CPUHours:    cpuHours,
		GPUHours:    gpuHours,
		RAMGBHours:  ramGBHours,
		StorageGB:   onlineGB + offlineGB,
		HourlyCost:  cost,
		Credits:     credits,
		ProcessedAt: now,
	}

	agg.CPUHours += cpuHours
	agg.GPUHours += gpuHours
	agg.RAMGBHours += ramGBHours
	agg.TotalCredits += credits
	agg.TotalCost += cost
	a.refreshStorageTotals(agg)

	if isNew {
		err = a.usage.Insert(ctx, agg)
	} else {
		err = a.usage.Update(ctx, agg)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to persist daily aggregate: %w", err)
	}

	metrics.RecordCredits(credits)
	return cost, nil
}

// sanitize clamps a negative raw measurement to zero. Anomalies are
// diagnostics, not failures; the namespace keeps processing.
func (a *Aggregator) sanitize(metric, namespace string, value float64) float64 {
	if value >= 0 {
		return value
	}
	metrics.RecordAnomaly(metric)
	a.logger.Warn("negative raw measurement clamped to zero",
		slog.String("metric", metric),
		slog.String("namespace", namespace),
		slog.Float64("value", value))
	return 0
}

// reverse subtracts the entry's last contribution from both the entry and
// the row totals, clamping at zero so a reversal can never drive a stored
// field negative.
func (a *Aggregator) reverse(agg *models.DailyUsageAggregate, entry *models.ProjectBreakdownEntry) {
	lc := entry.LastContribution

	entry.CPUHours = clampSub(entry.CPUHours, lc.CPUHours)
	entry.GPUHours = clampSub(entry.GPUHours, lc.GPUHours)
	entry.RAMGBHours = clampSub(entry.RAMGBHours, lc.RAMGBHours)

	agg.CPUHours = clampSub(agg.CPUHours, lc.CPUHours)
	agg.GPUHours = clampSub(agg.GPUHours, lc.GPUHours)
	agg.RAMGBHours = clampSub(agg.RAMGBHours, lc.RAMGBHours)
	agg.TotalCredits = clampSub(agg.TotalCredits, lc.Credits)
	agg.TotalCost = clampSub(agg.TotalCost, lc.HourlyCost)
}

// refreshStorageTotals recomputes the row-level storage figures as the sum
// of each namespace's current snapshot. Row storage mirrors occupancy; it is
// never a running total.
func (a *Aggregator) refreshStorageTotals(agg *models.DailyUsageAggregate) {
	var online, offline float64
	for _, entry := range agg.ProjectBreakdown {
		online += entry.OnlineStorageGB
		offline += entry.OfflineStorageGB
	}
	agg.OnlineStorageGB = online
	agg.OfflineStorageGB = offline
}

func sameHour(a, b time.Time) bool {
	if a.IsZero() {
		return false
	}
	return a.UTC().Truncate(time.Hour).Equal(b.UTC().Truncate(time.Hour))
}

func clampSub(a, b float64) float64 {
	v := a - b
	if v < 0 {
		return 0
	}
	return v
}
