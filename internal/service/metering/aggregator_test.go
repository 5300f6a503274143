package metering

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platform-billing/usage-meter/internal/storage"
	"github.com/platform-billing/usage-meter/pkg/models"
)

// mockUsageStore implements UsageStore with copy-on-read semantics so tests
// exercise real load-modify-persist cycles instead of shared pointers.
type mockUsageStore struct {
	rows         map[string]*models.DailyUsageAggregate
	getErr       error
	updateErr    error
	conflictOnce bool
	inserts      int
	updates      int
}

func newMockUsageStore() *mockUsageStore {
	return &mockUsageStore{rows: make(map[string]*models.DailyUsageAggregate)}
}

func usageKey(userID, date string) string { return userID + "|" + date }

func cloneAggregate(agg *models.DailyUsageAggregate) *models.DailyUsageAggregate {
	data, _ := json.Marshal(agg)
	var out models.DailyUsageAggregate
	_ = json.Unmarshal(data, &out)
	out.Version = agg.Version
	return &out
}

func (m *mockUsageStore) Get(ctx context.Context, userID, date string) (*models.DailyUsageAggregate, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	agg, ok := m.rows[usageKey(userID, date)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneAggregate(agg), nil
}

func (m *mockUsageStore) Insert(ctx context.Context, agg *models.DailyUsageAggregate) error {
	m.inserts++
	agg.Version = 1
	m.rows[usageKey(agg.UserID, agg.Date)] = cloneAggregate(agg)
	return nil
}

func (m *mockUsageStore) Update(ctx context.Context, agg *models.DailyUsageAggregate) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	if m.conflictOnce {
		m.conflictOnce = false
		return storage.ErrVersionConflict
	}
	m.updates++
	agg.Version++
	m.rows[usageKey(agg.UserID, agg.Date)] = cloneAggregate(agg)
	return nil
}

func (m *mockUsageStore) stored(userID, date string) *models.DailyUsageAggregate {
	return m.rows[usageKey(userID, date)]
}

// testClock is an adjustable time source
type testClock struct {
	t time.Time
}

func (c *testClock) now() time.Time { return c.t }

func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

var baseTime = time.Date(2025, 6, 10, 14, 20, 0, 0, time.UTC)

func newTestAggregator(store *mockUsageStore, clock *testClock) *Aggregator {
	return NewAggregator(store, WithAggregatorTimeFunc(clock.now))
}

func computeMeasurement(cpu, gpu, ramBytes float64) Measurement {
	return Measurement{
		Namespace:   "project-42",
		ProjectName: "Project_42",
		UserID:      "user-1",
		Allocation: models.NamespaceAllocation{
			Namespace:     "project-42",
			CPUCoreHours:  cpu,
			GPUHours:      gpu,
			RAMByteHours:  ramBytes,
			CPUEfficiency: 0.6,
			RAMEfficiency: 0.8,
		},
	}
}

func TestApply_FirstContribution(t *testing.T) {
	store := newMockUsageStore()
	clock := &testClock{t: baseTime}
	agg := newTestAggregator(store, clock)

	m := computeMeasurement(2, 0, 4*float64(1<<30))
	m.OnlineBytes = 10 << 30

	cost, err := agg.Apply(context.Background(), m)
	require.NoError(t, err)
	assert.Greater(t, cost, 0.0)

	row := store.stored("user-1", "2025-06-10")
	require.NotNil(t, row)
	assert.Equal(t, 2.0, row.CPUHours)
	assert.Equal(t, 4.0, row.RAMGBHours)
	assert.Equal(t, 10.0, row.OnlineStorageGB)
	assert.Greater(t, row.TotalCredits, 0.0)
	assert.InDelta(t, cost, row.TotalCost, 1e-9)
	assert.Equal(t, 1, store.inserts)

	entry := row.ProjectBreakdown["project-42"]
	require.NotNil(t, entry)
	assert.Equal(t, "Project_42", entry.ProjectName)
	assert.Equal(t, 2.0, entry.LastContribution.CPUHours)
	assert.Equal(t, baseTime, entry.LastContribution.ProcessedAt)
}

func TestApply_IdempotentWithinSameHour(t *testing.T) {
	store := newMockUsageStore()
	clock := &testClock{t: baseTime}
	agg := newTestAggregator(store, clock)

	m := computeMeasurement(2, 1, 4*float64(1<<30))
	m.OnlineBytes = 10 << 30

	_, err := agg.Apply(context.Background(), m)
	require.NoError(t, err)
	first := cloneAggregate(store.stored("user-1", "2025-06-10"))

	// Retry 10 minutes later, still inside hour 14
	clock.advance(10 * time.Minute)
	_, err = agg.Apply(context.Background(), m)
	require.NoError(t, err)
	second := store.stored("user-1", "2025-06-10")

	assert.Equal(t, first.CPUHours, second.CPUHours)
	assert.Equal(t, first.GPUHours, second.GPUHours)
	assert.Equal(t, first.RAMGBHours, second.RAMGBHours)
	assert.Equal(t, first.TotalCredits, second.TotalCredits)
	assert.Equal(t, first.TotalCost, second.TotalCost)
	assert.Equal(t, first.OnlineStorageGB, second.OnlineStorageGB)
}

func TestApply_SameHourRerunTakesLatestValues(t *testing.T) {
	store := newMockUsageStore()
	clock := &testClock{t: baseTime}
	agg := newTestAggregator(store, clock)

	_, err := agg.Apply(context.Background(), computeMeasurement(2, 0, 0))
	require.NoError(t, err)

	// A corrected re-read within the same hour replaces, not adds
	clock.advance(5 * time.Minute)
	_, err = agg.Apply(context.Background(), computeMeasurement(3, 0, 0))
	require.NoError(t, err)

	row := store.stored("user-1", "2025-06-10")
	assert.Equal(t, 3.0, row.CPUHours)
	assert.Equal(t, 3.0, row.ProjectBreakdown["project-42"].CPUHours)
}

func TestApply_AccrualAcrossHours(t *testing.T) {
	store := newMockUsageStore()
	clock := &testClock{t: baseTime}
	agg := newTestAggregator(store, clock)

	_, err := agg.Apply(context.Background(), computeMeasurement(1, 0, 0))
	require.NoError(t, err)

	clock.advance(time.Hour)
	_, err = agg.Apply(context.Background(), computeMeasurement(1, 0, 0))
	require.NoError(t, err)

	row := store.stored("user-1", "2025-06-10")
	assert.Equal(t, 2.0, row.CPUHours)

	// Three identical hourly costs sum, subject to calculator rounding
	clock.advance(time.Hour)
	cost, err := agg.Apply(context.Background(), computeMeasurement(1, 0, 0))
	require.NoError(t, err)

	row = store.stored("user-1", "2025-06-10")
	assert.Equal(t, 3.0, row.CPUHours)
	assert.InDelta(t, 3*cost, row.TotalCost, 1e-6)
}

func TestApply_NegativeMeasurementClamped(t *testing.T) {
	store := newMockUsageStore()
	clock := &testClock{t: baseTime}
	agg := newTestAggregator(store, clock)

	m := computeMeasurement(-5, -1, -100)
	_, err := agg.Apply(context.Background(), m)
	require.NoError(t, err, "anomalies are sanitized, not fatal")

	row := store.stored("user-1", "2025-06-10")
	assert.GreaterOrEqual(t, row.CPUHours, 0.0)
	assert.GreaterOrEqual(t, row.GPUHours, 0.0)
	assert.GreaterOrEqual(t, row.RAMGBHours, 0.0)
	assert.Equal(t, 0.0, row.CPUHours)
}

func TestApply_StorageReplacesComputeAccumulates(t *testing.T) {
	store := newMockUsageStore()
	clock := &testClock{t: baseTime}
	agg := newTestAggregator(store, clock)

	m := computeMeasurement(1, 0, 0)
	m.OnlineBytes = 10 << 30
	_, err := agg.Apply(context.Background(), m)
	require.NoError(t, err)

	clock.advance(time.Hour)
	m = computeMeasurement(1, 0, 0)
	m.OnlineBytes = 12 << 30
	_, err = agg.Apply(context.Background(), m)
	require.NoError(t, err)

	row := store.stored("user-1", "2025-06-10")
	assert.Equal(t, 12.0, row.OnlineStorageGB, "storage is occupancy, not a flow")
	assert.Equal(t, 2.0, row.CPUHours, "compute accumulates")
}

func TestApply_UnknownStorageCarriesPreviousOccupancy(t *testing.T) {
	store := newMockUsageStore()
	clock := &testClock{t: baseTime}
	agg := newTestAggregator(store, clock)

	m := computeMeasurement(1, 0, 0)
	m.OnlineBytes = 10 << 30
	firstCost, err := agg.Apply(context.Background(), m)
	require.NoError(t, err)

	// Same-hour retry where the online storage fetch failed: the reversal
	// must reapply the known 10 GB, not replace it with zero.
	clock.advance(10 * time.Minute)
	m = computeMeasurement(1, 0, 0)
	m.OnlineUnknown = true
	retryCost, err := agg.Apply(context.Background(), m)
	require.NoError(t, err)

	row := store.stored("user-1", "2025-06-10")
	assert.Equal(t, 10.0, row.OnlineStorageGB, "known occupancy survives a failed storage fetch")
	assert.InDelta(t, firstCost, retryCost, 1e-9)
	assert.InDelta(t, firstCost, row.TotalCost, 1e-9)
}

func TestApply_UnknownStorageAcrossHours(t *testing.T) {
	store := newMockUsageStore()
	clock := &testClock{t: baseTime}
	agg := newTestAggregator(store, clock)

	m := computeMeasurement(1, 0, 0)
	m.OfflineBytes = 20 << 30
	_, err := agg.Apply(context.Background(), m)
	require.NoError(t, err)

	// The occupancy is still held, so the next hour keeps billing it even
	// though this cycle could not read it.
	clock.advance(time.Hour)
	m = computeMeasurement(1, 0, 0)
	m.OfflineUnknown = true
	_, err = agg.Apply(context.Background(), m)
	require.NoError(t, err)

	row := store.stored("user-1", "2025-06-10")
	assert.Equal(t, 20.0, row.OfflineStorageGB)
	assert.Equal(t, 2.0, row.CPUHours)
}

func TestApply_StorageOnlyPass(t *testing.T) {
	store := newMockUsageStore()
	clock := &testClock{t: baseTime}
	agg := newTestAggregator(store, clock)

	m := Measurement{
		Namespace:    "idle-project",
		ProjectName:  "Idle_Project",
		UserID:       "user-2",
		OfflineBytes: 50 << 30,
	}

	cost, err := agg.Apply(context.Background(), m)
	require.NoError(t, err)
	assert.Greater(t, cost, 0.0, "idle data still accrues storage cost")

	row := store.stored("user-2", "2025-06-10")
	assert.Equal(t, 0.0, row.CPUHours)
	assert.Equal(t, 50.0, row.OfflineStorageGB)
}

func TestApply_MultipleNamespacesShareRow(t *testing.T) {
	store := newMockUsageStore()
	clock := &testClock{t: baseTime}
	agg := newTestAggregator(store, clock)

	m1 := computeMeasurement(1, 0, 0)
	_, err := agg.Apply(context.Background(), m1)
	require.NoError(t, err)

	m2 := computeMeasurement(2, 0, 0)
	m2.Namespace = "project-43"
	m2.ProjectName = "Project_43"
	_, err = agg.Apply(context.Background(), m2)
	require.NoError(t, err)

	row := store.stored("user-1", "2025-06-10")
	assert.Equal(t, 3.0, row.CPUHours)
	assert.Len(t, row.ProjectBreakdown, 2)

	// A same-hour retry of one namespace must not disturb the other
	clock.advance(time.Minute)
	_, err = agg.Apply(context.Background(), m2)
	require.NoError(t, err)

	row = store.stored("user-1", "2025-06-10")
	assert.Equal(t, 3.0, row.CPUHours)
	assert.Equal(t, 1.0, row.ProjectBreakdown["project-42"].CPUHours)
	assert.Equal(t, 2.0, row.ProjectBreakdown["project-43"].CPUHours)
}

func TestApply_ReportedRowNotMutated(t *testing.T) {
	store := newMockUsageStore()
	clock := &testClock{t: baseTime}
	agg := newTestAggregator(store, clock)

	_, err := agg.Apply(context.Background(), computeMeasurement(1, 0, 0))
	require.NoError(t, err)

	row := store.stored("user-1", "2025-06-10")
	row.Reported = true

	clock.advance(time.Hour)
	_, err = agg.Apply(context.Background(), computeMeasurement(1, 0, 0))
	assert.ErrorIs(t, err, ErrAggregateReported)
}

func TestApply_VersionConflictReapplies(t *testing.T) {
	store := newMockUsageStore()
	clock := &testClock{t: baseTime}
	agg := newTestAggregator(store, clock)

	_, err := agg.Apply(context.Background(), computeMeasurement(1, 0, 0))
	require.NoError(t, err)

	clock.advance(time.Hour)
	store.conflictOnce = true
	_, err = agg.Apply(context.Background(), computeMeasurement(1, 0, 0))
	require.NoError(t, err)

	row := store.stored("user-1", "2025-06-10")
	assert.Equal(t, 2.0, row.CPUHours)
}

func TestApply_PersistenceFailure(t *testing.T) {
	store := newMockUsageStore()
	clock := &testClock{t: baseTime}
	agg := newTestAggregator(store, clock)

	_, err := agg.Apply(context.Background(), computeMeasurement(1, 0, 0))
	require.NoError(t, err)

	clock.advance(time.Hour)
	store.updateErr = errors.New("disk full")
	_, err = agg.Apply(context.Background(), computeMeasurement(1, 0, 0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestApply_ProcessedAtMonotonic(t *testing.T) {
	store := newMockUsageStore()
	clock := &testClock{t: baseTime}
	agg := newTestAggregator(store, clock)

	_, err := agg.Apply(context.Background(), computeMeasurement(1, 0, 0))
	require.NoError(t, err)

	// Clock steps backwards (NTP correction); processedAt must not regress
	clock.t = baseTime.Add(-10 * time.Minute)
	_, err = agg.Apply(context.Background(), computeMeasurement(1, 0, 0))
	require.NoError(t, err)

	entry := store.stored("user-1", "2025-06-10").ProjectBreakdown["project-42"]
	assert.False(t, entry.LastContribution.ProcessedAt.Before(baseTime))
}

func TestSameHour(t *testing.T) {
	h := time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)
	assert.True(t, sameHour(h, h.Add(59*time.Minute)))
	assert.False(t, sameHour(h, h.Add(time.Hour)))
	assert.False(t, sameHour(time.Time{}, h))
}
