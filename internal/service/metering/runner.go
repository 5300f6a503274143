package metering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platform-billing/usage-meter/internal/logging"
	"github.com/platform-billing/usage-meter/internal/metrics"
	"github.com/platform-billing/usage-meter/internal/resolver"
	"github.com/platform-billing/usage-meter/pkg/models"
)

const (
	// DefaultWindow is the trailing allocation window per cycle
	DefaultWindow = "1h"

	// DefaultClusterDeadline bounds how long one cluster may take; an
	// unresponsive cluster must not stall the whole run.
	DefaultClusterDeadline = 4 * time.Minute
)

// ErrRunInProgress means a metering run is already executing. Overlapping
// runs would race each other through the same-hour reversal logic, so the
// runner admits one at a time.
var ErrRunInProgress = errors.New("metering run already in progress")

// ClusterStore lists the clusters eligible for metering
type ClusterStore interface {
	ListActive(ctx context.Context) ([]*models.Cluster, error)
}

// CostSource reads one cluster's allocations and storage snapshots
type CostSource interface {
	Allocation(ctx context.Context, window string) (map[string]models.NamespaceAllocation, error)
	StorageUsage(ctx context.Context, class models.StorageClass) (models.StorageSnapshot, error)
}

// OwnershipResolver maps namespaces to billable owners
type OwnershipResolver interface {
	Resolve(ctx context.Context, namespace string, cluster *models.Cluster, projects resolver.ProjectLister) (*resolver.Resolution, error)
}

// SourceFactory builds a cost source client for one cluster's credentials
type SourceFactory func(cluster *models.Cluster) CostSource

// RegistryFactory builds a project lister for one cluster's credentials
type RegistryFactory func(cluster *models.Cluster) resolver.ProjectLister

// Runner orchestrates one metering run: clusters sequentially, the three
// per-cluster reads concurrently, namespaces one at a time (each write
// touches a shared per-(user, date) row, so namespace processing is serial
// within a cluster).
type Runner struct {
	clusters   ClusterStore
	sources    SourceFactory
	registries RegistryFactory
	resolver   OwnershipResolver
	aggregator *Aggregator
	reaper     *Reaper
	logger     *slog.Logger

	window          string
	clusterDeadline time.Duration

	// Single-flight guard: overlapping triggers are rejected, not queued
	mu sync.Mutex

	now func() time.Time
}

// RunnerOption configures the runner
type RunnerOption func(*Runner)

// WithRunnerLogger sets a custom logger
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithWindow sets the trailing allocation window
func WithWindow(window string) RunnerOption {
	return func(r *Runner) {
		r.window = window
	}
}

// WithClusterDeadline sets the per-cluster processing budget
func WithClusterDeadline(d time.Duration) RunnerOption {
	return func(r *Runner) {
		r.clusterDeadline = d
	}
}

// WithRunnerTimeFunc sets a custom time function (for testing)
func WithRunnerTimeFunc(fn func() time.Time) RunnerOption {
	return func(r *Runner) {
		r.now = fn
	}
}

// NewRunner creates a runner
func NewRunner(
	clusters ClusterStore,
	sources SourceFactory,
	registries RegistryFactory,
	res OwnershipResolver,
	aggregator *Aggregator,
	reaper *Reaper,
	opts ...RunnerOption,
) *Runner {
	r := &Runner{
		clusters:        clusters,
		sources:         sources,
		registries:      registries,
		resolver:        res,
		aggregator:      aggregator,
		reaper:          reaper,
		logger:          slog.Default(),
		window:          DefaultWindow,
		clusterDeadline: DefaultClusterDeadline,
		now:             time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run executes one metering run over all active clusters. It never aborts
// on partial failure; every cluster- and namespace-level problem lands in
// the returned report.
func (r *Runner) Run(ctx context.Context) (*models.RunReport, error) {
	if !r.mu.TryLock() {
		metrics.RunsTotal.WithLabelValues("rejected").Inc()
		return nil, ErrRunInProgress
	}
	defer r.mu.Unlock()

	started := r.now().UTC()
	report := &models.RunReport{
		RunID:     uuid.New().String(),
		StartedAt: started,
	}
	ctx = logging.WithRunID(ctx, report.RunID)

	r.logger.InfoContext(ctx, "metering run started", slog.String("window", r.window))

	clusters, err := r.clusters.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list clusters: %w", err)
	}

	for _, cluster := range clusters {
		cctx, cancel := context.WithTimeout(logging.WithCluster(ctx, cluster.Name), r.clusterDeadline)
		err := r.processCluster(cctx, cluster, report)
		cancel()

		report.ClustersProcessed++
		if err != nil {
			report.Failed++
			report.AddError(fmt.Sprintf("cluster %s: %v", cluster.Name, err))
			metrics.ClustersProcessed.WithLabelValues("failed").Inc()
			r.logger.ErrorContext(cctx, "cluster processing failed", slog.String("error", err.Error()))
			continue
		}
		report.Successful++
		metrics.ClustersProcessed.WithLabelValues("ok").Inc()

		if _, err := r.reaper.ExpireStale(ctx, cluster.ID); err != nil {
			report.AddError(fmt.Sprintf("cluster %s: mapping expiry: %v", cluster.Name, err))
		}
	}

	report.Duration = r.now().UTC().Sub(started)
	metrics.RunsTotal.WithLabelValues("completed").Inc()
	metrics.RunDuration.Observe(report.Duration.Seconds())

	r.logger.InfoContext(ctx, "metering run finished",
		slog.Int("clusters", report.ClustersProcessed),
		slog.Int("failed", report.Failed),
		slog.Duration("duration", report.Duration))

	return report, nil
}

// clusterFetch is the fan-in result of one cluster's three concurrent reads
type clusterFetch struct {
	allocations map[string]models.NamespaceAllocation
	allocErr    error
	offline     models.StorageSnapshot
	offlineErr  error
	online      models.StorageSnapshot
	onlineErr   error
}

func (r *Runner) processCluster(ctx context.Context, cluster *models.Cluster, report *models.RunReport) error {
	source := r.sources(cluster)
	lister := r.registries(cluster)

	fetch := r.fetchCluster(ctx, source)

	// The three reads are independent: losing one degrades the cycle, it
	// does not abort it. Only a total blackout fails the cluster.
	if fetch.allocErr != nil && fetch.offlineErr != nil && fetch.onlineErr != nil {
		return fmt.Errorf("all fetches failed: allocation: %v", fetch.allocErr)
	}
	if fetch.allocErr != nil {
		report.AddError(fmt.Sprintf("cluster %s: allocation fetch: %v", cluster.Name, fetch.allocErr))
	}
	if fetch.offlineErr != nil {
		report.AddError(fmt.Sprintf("cluster %s: offline storage fetch: %v", cluster.Name, fetch.offlineErr))
	}
	if fetch.onlineErr != nil {
		report.AddError(fmt.Sprintf("cluster %s: online storage fetch: %v", cluster.Name, fetch.onlineErr))
	}

	// Compute pass: every namespace the cost source attributed spend to
	processed := make(map[string]struct{})
	for _, namespace := range sortedKeys(fetch.allocations) {
		processed[resolver.Normalize(namespace)] = struct{}{}
		result := r.processNamespace(ctx, cluster, lister, Measurement{
			Namespace:      namespace,
			Allocation:     fetch.allocations[namespace],
			OnlineBytes:    storageFor(fetch.online, namespace),
			OfflineBytes:   storageFor(fetch.offline, namespace),
			OnlineUnknown:  fetch.onlineErr != nil,
			OfflineUnknown: fetch.offlineErr != nil,
		})
		report.Namespaces = append(report.Namespaces, result)
	}

	// Storage-only pass: idle projects with retained data but no running
	// workload keep accruing storage cost.
	for _, namespace := range storageOnlyNamespaces(fetch.offline, fetch.online, processed) {
		result := r.processNamespace(ctx, cluster, lister, Measurement{
			Namespace:      namespace,
			OnlineBytes:    storageFor(fetch.online, namespace),
			OfflineBytes:   storageFor(fetch.offline, namespace),
			OnlineUnknown:  fetch.onlineErr != nil,
			OfflineUnknown: fetch.offlineErr != nil,
		})
		report.Namespaces = append(report.Namespaces, result)
	}

	return nil
}

// fetchCluster issues the three independent reads concurrently
func (r *Runner) fetchCluster(ctx context.Context, source CostSource) *clusterFetch {
	fetch := &clusterFetch{}

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		fetch.allocations, fetch.allocErr = source.Allocation(ctx, r.window)
	}()
	go func() {
		defer wg.Done()
		fetch.offline, fetch.offlineErr = source.StorageUsage(ctx, models.StorageOffline)
	}()
	go func() {
		defer wg.Done()
		fetch.online, fetch.onlineErr = source.StorageUsage(ctx, models.StorageOnline)
	}()

	wg.Wait()
	return fetch
}

func (r *Runner) processNamespace(ctx context.Context, cluster *models.Cluster, lister resolver.ProjectLister, m Measurement) models.NamespaceResult {
	ctx = logging.WithNamespace(ctx, m.Namespace)
	result := models.NamespaceResult{
		Cluster:   cluster.Name,
		Namespace: m.Namespace,
	}

	res, err := r.resolver.Resolve(ctx, m.Namespace, cluster, lister)
	switch {
	case errors.Is(err, resolver.ErrSystemNamespace):
		result.Outcome = models.OutcomeSkipped
		metrics.RecordNamespaceOutcome(string(models.OutcomeSkipped))
		return result
	case errors.Is(err, resolver.ErrUnresolved):
		result.Outcome = models.OutcomeUnresolved
		result.Error = "no billable owner found"
		metrics.RecordNamespaceOutcome(string(models.OutcomeUnresolved))
		r.logger.WarnContext(ctx, "namespace left unresolved this cycle")
		return result
	case err != nil:
		result.Outcome = models.OutcomeUnresolved
		result.Error = err.Error()
		metrics.RecordNamespaceOutcome(string(models.OutcomeUnresolved))
		r.logger.WarnContext(ctx, "ownership resolution failed", slog.String("error", err.Error()))
		return result
	}

	m.UserID = res.UserID
	m.ProjectName = res.ProjectName

	cost, err := r.aggregator.Apply(logging.WithUserID(ctx, res.UserID), m)
	if err != nil {
		result.Outcome = models.OutcomeFailed
		result.UserID = res.UserID
		result.Error = err.Error()
		metrics.RecordNamespaceOutcome(string(models.OutcomeFailed))
		r.logger.ErrorContext(ctx, "failed to fold measurement", slog.String("error", err.Error()))
		return result
	}

	result.Outcome = models.OutcomeBilled
	result.UserID = res.UserID
	result.Cost = cost
	metrics.RecordNamespaceOutcome(string(models.OutcomeBilled))
	return result
}

// storageFor finds a namespace's occupancy in a project-keyed snapshot.
// Snapshot keys are registry project names, so the lookup goes through the
// same normalization as ownership matching.
func storageFor(snapshot models.StorageSnapshot, namespace string) int64 {
	for project, bytes := range snapshot {
		if resolver.NameMatches(namespace, project) {
			return bytes
		}
	}
	return 0
}

// storageOnlyNamespaces derives the namespaces present in either snapshot
// but absent from the compute pass, in stable order.
func storageOnlyNamespaces(offline, online models.StorageSnapshot, processed map[string]struct{}) []string {
	seen := make(map[string]struct{})
	var namespaces []string
	for _, snapshot := range []models.StorageSnapshot{offline, online} {
		for project := range snapshot {
			namespace := resolver.Normalize(project)
			if _, ok := processed[namespace]; ok {
				continue
			}
			if _, ok := seen[namespace]; ok {
				continue
			}
			seen[namespace] = struct{}{}
			namespaces = append(namespaces, namespace)
		}
	}
	sort.Strings(namespaces)
	return namespaces
}

func sortedKeys(m map[string]models.NamespaceAllocation) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
