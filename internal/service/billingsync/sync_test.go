package billingsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platform-billing/usage-meter/internal/storage"
	"github.com/platform-billing/usage-meter/pkg/models"
)

type mockUsageStore struct {
	mu        sync.Mutex
	aggs      []*models.DailyUsageAggregate
	listErr   error
	reported  map[string]bool
	markErr   error
	listCalls int
}

func newMockUsageStore(aggs ...*models.DailyUsageAggregate) *mockUsageStore {
	return &mockUsageStore{aggs: aggs, reported: make(map[string]bool)}
}

func (m *mockUsageStore) ListUnreported(ctx context.Context) ([]*models.DailyUsageAggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*models.DailyUsageAggregate
	for _, agg := range m.aggs {
		if !m.reported[agg.UserID+"|"+agg.Date] {
			out = append(out, agg)
		}
	}
	return out, nil
}

func (m *mockUsageStore) MarkReported(ctx context.Context, userID, date string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return m.markErr
	}
	m.reported[userID+"|"+date] = true
	return nil
}

func (m *mockUsageStore) isReported(userID, date string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reported[userID+"|"+date]
}

type mockUserStore struct {
	users map[string]*models.User
}

func (m *mockUserStore) Get(ctx context.Context, id string) (*models.User, error) {
	user, ok := m.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return user, nil
}

type mockProvider struct {
	mu     sync.Mutex
	events []UsageEvent
	err    error
}

func (m *mockProvider) EmitUsage(ctx context.Context, event UsageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	return nil
}

func (m *mockProvider) emitted() []UsageEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]UsageEvent(nil), m.events...)
}

var syncNow = time.Date(2025, 6, 11, 3, 0, 0, 0, time.UTC)

func meteredUsers() *mockUserStore {
	return &mockUserStore{users: map[string]*models.User{
		"user-1": {ID: "user-1", BillingPlan: models.PlanMetered},
		"user-2": {ID: "user-2", BillingPlan: models.PlanFree},
	}}
}

func TestSyncOnce_EmitsClosedAggregates(t *testing.T) {
	store := newMockUsageStore(&models.DailyUsageAggregate{
		UserID:       "user-1",
		Date:         "2025-06-10",
		CPUHours:     5,
		RAMGBHours:   20,
		TotalCredits: 6,
	})
	provider := &mockProvider{}
	syncer := New(store, meteredUsers(),
		WithProvider(provider),
		WithTimeFunc(func() time.Time { return syncNow }))

	require.NoError(t, syncer.SyncOnce(context.Background()))

	events := provider.emitted()
	require.Len(t, events, 3, "only non-zero metrics become events")

	byMetric := make(map[string]UsageEvent)
	for _, event := range events {
		byMetric[event.Metric] = event
	}
	assert.Equal(t, 5.0, byMetric["cpu_hours"].Quantity)
	assert.Equal(t, 20.0, byMetric["ram_gb_hours"].Quantity)
	assert.Equal(t, 6.0, byMetric["credits"].Quantity)
	assert.Equal(t, "user-1:2025-06-10:cpu_hours", byMetric["cpu_hours"].IdempotencyKey)

	assert.True(t, store.isReported("user-1", "2025-06-10"))
}

func TestSyncOnce_SkipsOpenDay(t *testing.T) {
	store := newMockUsageStore(&models.DailyUsageAggregate{
		UserID: "user-1", Date: "2025-06-11", CPUHours: 1,
	})
	provider := &mockProvider{}
	syncer := New(store, meteredUsers(),
		WithProvider(provider),
		WithTimeFunc(func() time.Time { return syncNow }))

	require.NoError(t, syncer.SyncOnce(context.Background()))
	assert.Empty(t, provider.emitted(), "today's row is still accruing")
	assert.False(t, store.isReported("user-1", "2025-06-11"))
}

func TestSyncOnce_FreePlanMarkedWithoutEvents(t *testing.T) {
	store := newMockUsageStore(&models.DailyUsageAggregate{
		UserID: "user-2", Date: "2025-06-10", CPUHours: 3,
	})
	provider := &mockProvider{}
	syncer := New(store, meteredUsers(),
		WithProvider(provider),
		WithTimeFunc(func() time.Time { return syncNow }))

	require.NoError(t, syncer.SyncOnce(context.Background()))
	assert.Empty(t, provider.emitted())
	assert.True(t, store.isReported("user-2", "2025-06-10"), "usage is tracked even when unbilled")
}

func TestSyncOnce_MissingUserFlagged(t *testing.T) {
	store := newMockUsageStore(&models.DailyUsageAggregate{
		UserID: "ghost", Date: "2025-06-10", CPUHours: 1,
	})
	provider := &mockProvider{}
	syncer := New(store, meteredUsers(),
		WithProvider(provider),
		WithTimeFunc(func() time.Time { return syncNow }))

	require.NoError(t, syncer.SyncOnce(context.Background()))
	assert.Empty(t, provider.emitted())
	assert.True(t, store.isReported("ghost", "2025-06-10"))
}

func TestSyncOnce_ProviderFailureRetriedNextSweep(t *testing.T) {
	store := newMockUsageStore(&models.DailyUsageAggregate{
		UserID: "user-1", Date: "2025-06-10", CPUHours: 1,
	})
	provider := &mockProvider{err: errors.New("billing API down")}
	syncer := New(store, meteredUsers(),
		WithProvider(provider),
		WithTimeFunc(func() time.Time { return syncNow }))

	require.NoError(t, syncer.SyncOnce(context.Background()))
	assert.False(t, store.isReported("user-1", "2025-06-10"), "row stays unreported for retry")

	provider.err = nil
	require.NoError(t, syncer.SyncOnce(context.Background()))
	assert.True(t, store.isReported("user-1", "2025-06-10"))
	assert.Len(t, provider.emitted(), 1)
}

func TestSyncOnce_FailureIsolation(t *testing.T) {
	store := newMockUsageStore(
		&models.DailyUsageAggregate{UserID: "ghost", Date: "2025-06-09", CPUHours: 1},
		&models.DailyUsageAggregate{UserID: "user-1", Date: "2025-06-10", CPUHours: 2},
	)
	store.markErr = nil
	provider := &mockProvider{}
	syncer := New(store, meteredUsers(),
		WithProvider(provider),
		WithTimeFunc(func() time.Time { return syncNow }))

	require.NoError(t, syncer.SyncOnce(context.Background()))
	assert.True(t, store.isReported("user-1", "2025-06-10"))
	assert.True(t, store.isReported("ghost", "2025-06-09"))
}

func TestStartStop(t *testing.T) {
	store := newMockUsageStore()
	syncer := New(store, meteredUsers(),
		WithInterval(5*time.Millisecond),
		WithTimeFunc(func() time.Time { return syncNow }))

	require.NoError(t, syncer.Start(context.Background()))
	require.NoError(t, syncer.Start(context.Background()), "double start is a no-op")

	assert.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.listCalls > 0
	}, time.Second, time.Millisecond)

	syncer.Stop()
	syncer.Stop() // Idempotent
}

func TestEvents_ZeroAggregate(t *testing.T) {
	assert.Empty(t, events(&models.DailyUsageAggregate{UserID: "u", Date: "2025-06-10"}))
}
