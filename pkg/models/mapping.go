package models

import "time"

// MappingStatus is the lifecycle state of an ownership mapping
type MappingStatus string

const (
	MappingActive   MappingStatus = "active"
	MappingInactive MappingStatus = "inactive"
)

// OwnershipMapping associates a namespace with its billable owner. It is a
// persisted cache of registry lookups: created on first successful
// resolution, marked inactive when stale or when the owner's cluster
// assignment no longer matches the cluster being processed.
// Exactly one mapping is active per namespace at any time.
type OwnershipMapping struct {
	ID          string        `json:"id"`
	Namespace   string        `json:"namespace"`
	UserID      string        `json:"user_id"`
	ProjectID   string        `json:"project_id"`
	ProjectName string        `json:"project_name"` // Canonical name from the registry
	Status      MappingStatus `json:"status"`
	LastSeenAt  time.Time     `json:"last_seen_at"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}
