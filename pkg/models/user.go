package models

import "time"

// BillingPlan determines how a user's usage is reported downstream
type BillingPlan string

const (
	PlanFree    BillingPlan = "free"
	PlanMetered BillingPlan = "metered"
)

// User is a billable platform tenant. Users are read-only input to the
// metering engine; signup and plan changes happen elsewhere.
type User struct {
	ID              string      `json:"id"`
	Email           string      `json:"email"`
	ExternalOwnerID string      `json:"external_owner_id"` // Owner identity in the project registry
	ClusterID       string      `json:"cluster_id"`        // Cluster the user is currently assigned to
	BillingPlan     BillingPlan `json:"billing_plan"`
	CreatedAt       time.Time   `json:"created_at"`
}
