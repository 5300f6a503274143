// Package resolver maps namespaces to billable owners. Mappings are cached
// in the database; the project registry is consulted only on cache miss or
// when a cached owner's cluster assignment no longer matches.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/platform-billing/usage-meter/internal/metrics"
	"github.com/platform-billing/usage-meter/internal/registry"
	"github.com/platform-billing/usage-meter/internal/storage"
	"github.com/platform-billing/usage-meter/pkg/models"
)

var (
	// ErrUnresolved means no owner could be established for the namespace
	// this cycle. The caller records a diagnostic and skips the namespace.
	ErrUnresolved = errors.New("namespace ownership unresolved")

	// ErrSystemNamespace means the namespace belongs to a platform-internal
	// project and is unbillable. Skipped with no diagnostic.
	ErrSystemNamespace = errors.New("system namespace")
)

// MappingStore is the persisted ownership cache
type MappingStore interface {
	GetActive(ctx context.Context, namespace string) (*models.OwnershipMapping, error)
	Upsert(ctx context.Context, mapping *models.OwnershipMapping) error
	Touch(ctx context.Context, namespace string) error
	Invalidate(ctx context.Context, namespace string) error
}

// UserStore reads billable users
type UserStore interface {
	Get(ctx context.Context, id string) (*models.User, error)
	GetByExternalOwner(ctx context.Context, externalOwnerID, clusterID string) (*models.User, error)
}

// ProjectLister enumerates a cluster's registry projects
type ProjectLister interface {
	ListProjects(ctx context.Context) ([]registry.Project, error)
}

// Resolution is a successful namespace-to-owner lookup
type Resolution struct {
	UserID      string
	ProjectID   string
	ProjectName string
}

// Resolver resolves namespaces to billable owners
type Resolver struct {
	mappings MappingStore
	users    UserStore
	logger   *slog.Logger
}

// Option configures the resolver
type Option func(*Resolver)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// New creates a resolver
func New(mappings MappingStore, users UserStore, opts ...Option) *Resolver {
	r := &Resolver{
		mappings: mappings,
		users:    users,
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Resolve maps a namespace to its billable owner for the given cluster.
// The cached mapping is used when its owner is still assigned to the cluster
// being processed; otherwise the cluster's registry is enumerated. The
// resolver never invents a mapping: no match means ErrUnresolved.
func (r *Resolver) Resolve(ctx context.Context, namespace string, cluster *models.Cluster, projects ProjectLister) (*Resolution, error) {
	if IsSystemProject(namespace) {
		return nil, ErrSystemNamespace
	}

	mapping, err := r.mappings.GetActive(ctx, namespace)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("mapping lookup failed: %w", err)
	}

	if mapping != nil {
		user, err := r.users.Get(ctx, mapping.UserID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("user lookup failed: %w", err)
		}

		if user != nil && user.ClusterID == cluster.ID {
			// Fast path: cached owner still lives on this cluster
			if err := r.mappings.Touch(ctx, namespace); err != nil {
				r.logger.Warn("failed to refresh mapping last-seen",
					slog.String("namespace", namespace),
					slog.String("error", err.Error()))
			}
			return &Resolution{
				UserID:      mapping.UserID,
				ProjectID:   mapping.ProjectID,
				ProjectName: mapping.ProjectName,
			}, nil
		}

		// Owner moved clusters or disappeared; the cached mapping is no
		// longer trustworthy for this cluster.
		if err := r.mappings.Invalidate(ctx, namespace); err != nil {
			r.logger.Warn("failed to invalidate stale mapping",
				slog.String("namespace", namespace),
				slog.String("error", err.Error()))
		}
		r.logger.Info("ownership mapping invalidated",
			slog.String("namespace", namespace),
			slog.String("cluster", cluster.ID))
	}

	return r.resolveFromRegistry(ctx, namespace, cluster, projects)
}

func (r *Resolver) resolveFromRegistry(ctx context.Context, namespace string, cluster *models.Cluster, projects ProjectLister) (*Resolution, error) {
	list, err := projects.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry enumeration failed: %w", err)
	}

	var match *registry.Project
	for i := range list {
		if NameMatches(namespace, list[i].Name) {
			match = &list[i]
			break
		}
	}
	if match == nil {
		return nil, ErrUnresolved
	}

	if IsSystemProject(match.Name) {
		return nil, ErrSystemNamespace
	}

	user, err := r.users.GetByExternalOwner(ctx, match.Owner, cluster.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUnresolved
	}
	if err != nil {
		return nil, fmt.Errorf("owner lookup failed: %w", err)
	}

	mapping := &models.OwnershipMapping{
		Namespace:   namespace,
		UserID:      user.ID,
		ProjectID:   match.ID,
		ProjectName: match.Name,
	}
	if err := r.mappings.Upsert(ctx, mapping); err != nil {
		return nil, fmt.Errorf("failed to persist mapping: %w", err)
	}
	metrics.MappingsCreated.Inc()

	r.logger.Info("ownership mapping created",
		slog.String("namespace", namespace),
		slog.String("user_id", user.ID),
		slog.String("project", match.Name))

	return &Resolution{
		UserID:      user.ID,
		ProjectID:   match.ID,
		ProjectName: match.Name,
	}, nil
}
