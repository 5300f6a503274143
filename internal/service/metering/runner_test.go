package metering

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platform-billing/usage-meter/internal/registry"
	"github.com/platform-billing/usage-meter/internal/resolver"
	"github.com/platform-billing/usage-meter/internal/storage"
	"github.com/platform-billing/usage-meter/pkg/models"
)

type mockClusterStore struct {
	clusters []*models.Cluster
	err      error
}

func (m *mockClusterStore) ListActive(ctx context.Context) ([]*models.Cluster, error) {
	return m.clusters, m.err
}

type mockCostSource struct {
	allocations map[string]models.NamespaceAllocation
	allocErr    error
	online      models.StorageSnapshot
	onlineErr   error
	offline     models.StorageSnapshot
	offlineErr  error

	// When set, Allocation signals started and blocks until released
	started  chan struct{}
	released chan struct{}
}

func (m *mockCostSource) Allocation(ctx context.Context, window string) (map[string]models.NamespaceAllocation, error) {
	if m.started != nil {
		close(m.started)
		<-m.released
	}
	return m.allocations, m.allocErr
}

func (m *mockCostSource) StorageUsage(ctx context.Context, class models.StorageClass) (models.StorageSnapshot, error) {
	if class == models.StorageOnline {
		return m.online, m.onlineErr
	}
	return m.offline, m.offlineErr
}

type mockLister struct {
	projects []registry.Project
	err      error
	calls    int
}

func (m *mockLister) ListProjects(ctx context.Context) ([]registry.Project, error) {
	m.calls++
	return m.projects, m.err
}

type memMappingStore struct {
	mu      sync.Mutex
	active  map[string]*models.OwnershipMapping
	upserts int
	touches int
}

func newMemMappingStore() *memMappingStore {
	return &memMappingStore{active: make(map[string]*models.OwnershipMapping)}
}

func (m *memMappingStore) GetActive(ctx context.Context, namespace string) (*models.OwnershipMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mapping, ok := m.active[namespace]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *mapping
	return &copied, nil
}

func (m *memMappingStore) Upsert(ctx context.Context, mapping *models.OwnershipMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	copied := *mapping
	m.active[mapping.Namespace] = &copied
	return nil
}

func (m *memMappingStore) Touch(ctx context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touches++
	return nil
}

func (m *memMappingStore) Invalidate(ctx context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, namespace)
	return nil
}

func (m *memMappingStore) DeactivateStale(ctx context.Context, clusterID string, cutoff time.Time) (int64, error) {
	return 0, nil
}

type memUserStore struct {
	users map[string]*models.User
}

func (m *memUserStore) Get(ctx context.Context, id string) (*models.User, error) {
	user, ok := m.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return user, nil
}

func (m *memUserStore) GetByExternalOwner(ctx context.Context, externalOwnerID, clusterID string) (*models.User, error) {
	for _, user := range m.users {
		if user.ExternalOwnerID == externalOwnerID && user.ClusterID == clusterID {
			return user, nil
		}
	}
	return nil, storage.ErrNotFound
}

type runnerFixture struct {
	clusters *mockClusterStore
	source   *mockCostSource
	lister   *mockLister
	mappings *memMappingStore
	usage    *mockUsageStore
	clock    *testClock
	runner   *Runner
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()

	f := &runnerFixture{
		clusters: &mockClusterStore{clusters: []*models.Cluster{
			{ID: "cluster-1", Name: "prod-east", Status: models.ClusterStatusActive},
		}},
		source:   &mockCostSource{},
		lister:   &mockLister{},
		mappings: newMemMappingStore(),
		usage:    newMockUsageStore(),
		clock:    &testClock{t: baseTime},
	}

	users := &memUserStore{users: map[string]*models.User{
		"user-1": {ID: "user-1", Email: "dev@example.com", ExternalOwnerID: "owner-77", ClusterID: "cluster-1", BillingPlan: models.PlanMetered},
	}}

	res := resolver.New(f.mappings, users)
	agg := NewAggregator(f.usage, WithAggregatorTimeFunc(f.clock.now))
	reaper := NewReaper(f.mappings, WithReaperTimeFunc(f.clock.now))

	f.runner = NewRunner(
		f.clusters,
		func(*models.Cluster) CostSource { return f.source },
		func(*models.Cluster) resolver.ProjectLister { return f.lister },
		res,
		agg,
		reaper,
		WithRunnerTimeFunc(f.clock.now),
	)
	return f
}

func TestRun_EndToEnd(t *testing.T) {
	f := newRunnerFixture(t)
	f.lister.projects = []registry.Project{
		{ID: "proj-42", Name: "Project_42", Owner: "owner-77"},
	}
	f.source.allocations = map[string]models.NamespaceAllocation{
		"project-42": {Namespace: "project-42", CPUCoreHours: 2},
	}
	f.source.online = models.StorageSnapshot{"Project_42": 10 << 30}

	report, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, report.RunID)
	assert.Equal(t, 1, report.ClustersProcessed)
	assert.Equal(t, 1, report.Successful)
	assert.Empty(t, report.Errors)

	require.Len(t, report.Namespaces, 1)
	assert.Equal(t, models.OutcomeBilled, report.Namespaces[0].Outcome)
	assert.Equal(t, "user-1", report.Namespaces[0].UserID)

	// New namespace resolved through the registry and cached
	assert.Equal(t, 1, f.lister.calls)
	assert.Equal(t, 1, f.mappings.upserts)

	row := f.usage.stored("user-1", "2025-06-10")
	require.NotNil(t, row)
	assert.Equal(t, 2.0, row.CPUHours)
	assert.Equal(t, 10.0, row.OnlineStorageGB)

	// Same-hour re-run: resolution hits the cached mapping, totals unchanged
	before := cloneAggregate(row)
	f.clock.advance(10 * time.Minute)
	report, err = f.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Successful)
	assert.Equal(t, 1, f.lister.calls, "cached mapping skips registry enumeration")
	assert.GreaterOrEqual(t, f.mappings.touches, 1)

	row = f.usage.stored("user-1", "2025-06-10")
	assert.Equal(t, before.CPUHours, row.CPUHours)
	assert.Equal(t, before.TotalCredits, row.TotalCredits)

	// Next hour accrues on top
	f.clock.advance(time.Hour)
	f.source.allocations = map[string]models.NamespaceAllocation{
		"project-42": {Namespace: "project-42", CPUCoreHours: 3},
	}
	_, err = f.runner.Run(context.Background())
	require.NoError(t, err)

	row = f.usage.stored("user-1", "2025-06-10")
	assert.Equal(t, 5.0, row.CPUHours)
}

func TestRun_SingleFlight(t *testing.T) {
	f := newRunnerFixture(t)
	f.source.started = make(chan struct{})
	f.source.released = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.runner.Run(context.Background())
		done <- err
	}()

	<-f.source.started
	_, err := f.runner.Run(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(f.source.released)
	require.NoError(t, <-done)

	// Once the first run finishes the guard is released
	f.source.started = nil
	_, err = f.runner.Run(context.Background())
	require.NoError(t, err)
}

func TestRun_ClusterFailureIsIsolated(t *testing.T) {
	f := newRunnerFixture(t)
	f.clusters.clusters = []*models.Cluster{
		{ID: "cluster-1", Name: "prod-east", Status: models.ClusterStatusActive},
		{ID: "cluster-2", Name: "prod-west", Status: models.ClusterStatusActive},
	}

	blackout := errors.New("connection refused")
	failed := false
	sources := func(cluster *models.Cluster) CostSource {
		if cluster.ID == "cluster-1" && !failed {
			failed = true
			return &mockCostSource{allocErr: blackout, onlineErr: blackout, offlineErr: blackout}
		}
		return f.source
	}

	runner := NewRunner(
		f.clusters,
		sources,
		func(*models.Cluster) resolver.ProjectLister { return f.lister },
		resolver.New(f.mappings, &memUserStore{}),
		NewAggregator(f.usage, WithAggregatorTimeFunc(f.clock.now)),
		NewReaper(f.mappings, WithReaperTimeFunc(f.clock.now)),
		WithRunnerTimeFunc(f.clock.now),
	)

	report, err := runner.Run(context.Background())
	require.NoError(t, err, "a failing cluster must not abort the run")
	assert.Equal(t, 2, report.ClustersProcessed)
	assert.Equal(t, 1, report.Successful)
	assert.Equal(t, 1, report.Failed)
	require.NotEmpty(t, report.Errors)
	assert.Contains(t, report.Errors[0], "prod-east")
}

func TestRun_PartialFetchDegrades(t *testing.T) {
	f := newRunnerFixture(t)
	f.lister.projects = []registry.Project{
		{ID: "proj-42", Name: "project-42", Owner: "owner-77"},
	}
	f.source.allocations = map[string]models.NamespaceAllocation{
		"project-42": {Namespace: "project-42", CPUCoreHours: 1},
	}
	f.source.onlineErr = errors.New("storage endpoint timeout")

	report, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Successful)
	assert.Equal(t, 0, report.Failed, "one failed read degrades, not fails, the cluster")
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "online storage fetch")

	row := f.usage.stored("user-1", "2025-06-10")
	require.NotNil(t, row)
	assert.Equal(t, 1.0, row.CPUHours)
	assert.Equal(t, 0.0, row.OnlineStorageGB)
}

func TestRun_RetryWithFailedStorageFetchKeepsOccupancy(t *testing.T) {
	f := newRunnerFixture(t)
	f.lister.projects = []registry.Project{
		{ID: "proj-42", Name: "Project_42", Owner: "owner-77"},
	}
	f.source.allocations = map[string]models.NamespaceAllocation{
		"project-42": {Namespace: "project-42", CPUCoreHours: 1},
	}
	f.source.online = models.StorageSnapshot{"Project_42": 10 << 30}

	_, err := f.runner.Run(context.Background())
	require.NoError(t, err)

	row := f.usage.stored("user-1", "2025-06-10")
	require.NotNil(t, row)
	require.Equal(t, 10.0, row.OnlineStorageGB)
	firstCost := row.TotalCost

	// Same-hour retry where the online storage read times out: the reversal
	// reapplies the known 10 GB rather than billing zero occupancy.
	f.clock.advance(10 * time.Minute)
	f.source.online = nil
	f.source.onlineErr = errors.New("storage endpoint timeout")

	report, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Successful)

	row = f.usage.stored("user-1", "2025-06-10")
	assert.Equal(t, 10.0, row.OnlineStorageGB, "known occupancy survives a failed storage fetch")
	assert.InDelta(t, firstCost, row.TotalCost, 1e-9)
}

func TestRun_StorageOnlyNamespaceBilled(t *testing.T) {
	f := newRunnerFixture(t)
	f.lister.projects = []registry.Project{
		{ID: "proj-42", Name: "Project_42", Owner: "owner-77"},
	}
	f.source.offline = models.StorageSnapshot{"Project_42": 50 << 30}

	report, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Namespaces, 1)
	assert.Equal(t, models.OutcomeBilled, report.Namespaces[0].Outcome)
	assert.Equal(t, "project-42", report.Namespaces[0].Namespace)

	row := f.usage.stored("user-1", "2025-06-10")
	require.NotNil(t, row)
	assert.Equal(t, 0.0, row.CPUHours)
	assert.Equal(t, 50.0, row.OfflineStorageGB)
}

func TestRun_NamespaceOutcomes(t *testing.T) {
	f := newRunnerFixture(t)
	f.lister.projects = []registry.Project{
		{ID: "proj-42", Name: "project-42", Owner: "owner-77"},
	}
	f.source.allocations = map[string]models.NamespaceAllocation{
		"project-42":      {Namespace: "project-42", CPUCoreHours: 1},
		"orphan-sandbox":  {Namespace: "orphan-sandbox", CPUCoreHours: 4},
		"platform-system": {Namespace: "platform-system", CPUCoreHours: 9},
	}

	report, err := f.runner.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Namespaces, 3)

	outcomes := make(map[string]models.NamespaceOutcome)
	for _, result := range report.Namespaces {
		outcomes[result.Namespace] = result.Outcome
	}
	assert.Equal(t, models.OutcomeBilled, outcomes["project-42"])
	assert.Equal(t, models.OutcomeUnresolved, outcomes["orphan-sandbox"])
	assert.Equal(t, models.OutcomeSkipped, outcomes["platform-system"])

	// Only the billed namespace contributed usage
	row := f.usage.stored("user-1", "2025-06-10")
	require.NotNil(t, row)
	assert.Equal(t, 1.0, row.CPUHours)
	assert.Len(t, f.usage.rows, 1)
}

func TestRun_ListClustersFailure(t *testing.T) {
	f := newRunnerFixture(t)
	f.clusters.err = errors.New("database locked")

	_, err := f.runner.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list clusters")
}

func TestStorageFor(t *testing.T) {
	snapshot := models.StorageSnapshot{
		"Project_42": 10 << 30,
		"other":      1 << 30,
	}
	assert.Equal(t, int64(10<<30), storageFor(snapshot, "project-42"))
	assert.Equal(t, int64(0), storageFor(snapshot, "missing"))
}

func TestStorageOnlyNamespaces(t *testing.T) {
	offline := models.StorageSnapshot{"Project_A": 1, "shared": 2}
	online := models.StorageSnapshot{"Project_B": 3, "shared": 4}
	processed := map[string]struct{}{"shared": {}}

	got := storageOnlyNamespaces(offline, online, processed)
	assert.Equal(t, []string{"project-a", "project-b"}, got)
}
