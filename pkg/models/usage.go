package models

import "time"

// LastContribution records the exact increment applied to a breakdown entry
// during the most recently processed cycle. When a cycle re-runs within the
// same UTC hour the aggregator reverses these amounts before reapplying,
// which is what makes retries idempotent.
type LastContribution struct {
	CPUHours    float64   `json:"cpu_hours"`
	GPUHours    float64   `json:"gpu_hours"`
	RAMGBHours  float64   `json:"ram_gb_hours"`
	StorageGB   float64   `json:"storage_gb"` // Combined snapshot at time of processing
	HourlyCost  float64   `json:"hourly_cost"`
	Credits     float64   `json:"credits"`
	ProcessedAt time.Time `json:"processed_at"`
}

// ProjectBreakdownEntry is the per-namespace slice of a user's daily
// aggregate. Compute fields accumulate across hours; storage fields hold the
// latest snapshot.
type ProjectBreakdownEntry struct {
	ProjectName      string           `json:"project_name"`
	CPUHours         float64          `json:"cpu_hours"`
	GPUHours         float64          `json:"gpu_hours"`
	RAMGBHours       float64          `json:"ram_gb_hours"`
	OnlineStorageGB  float64          `json:"online_storage_gb"`
	OfflineStorageGB float64          `json:"offline_storage_gb"`
	CPUEfficiency    float64          `json:"cpu_efficiency"`
	RAMEfficiency    float64          `json:"ram_efficiency"`
	LastContribution LastContribution `json:"last_contribution"`
}

// DailyUsageAggregate is one user's running usage total for one UTC date.
// Created lazily on the first contribution of the day, updated every cycle,
// and handed to the downstream billing sync once the day closes.
//
// Compute and cost fields are cumulative; the storage fields mirror the most
// recent snapshot. Version backs the optimistic concurrency check in storage.
type DailyUsageAggregate struct {
	UserID           string                            `json:"user_id"`
	Date             string                            `json:"date"` // YYYY-MM-DD, UTC
	CPUHours         float64                           `json:"cpu_hours"`
	GPUHours         float64                           `json:"gpu_hours"`
	RAMGBHours       float64                           `json:"ram_gb_hours"`
	OnlineStorageGB  float64                           `json:"online_storage_gb"`
	OfflineStorageGB float64                           `json:"offline_storage_gb"`
	TotalCredits     float64                           `json:"total_credits"`
	TotalCost        float64                           `json:"total_cost"`
	ProjectBreakdown map[string]*ProjectBreakdownEntry `json:"project_breakdown"` // Keyed by namespace
	Reported         bool                              `json:"reported"`
	Version          int64                             `json:"-"`
	CreatedAt        time.Time                         `json:"created_at"`
	UpdatedAt        time.Time                         `json:"updated_at"`
}

// Entry returns the breakdown entry for a namespace, creating an empty one
// if the namespace has not contributed today.
func (a *DailyUsageAggregate) Entry(namespace string) *ProjectBreakdownEntry {
	if a.ProjectBreakdown == nil {
		a.ProjectBreakdown = make(map[string]*ProjectBreakdownEntry)
	}
	entry, ok := a.ProjectBreakdown[namespace]
	if !ok {
		entry = &ProjectBreakdownEntry{}
		a.ProjectBreakdown[namespace] = entry
	}
	return entry
}

// UsageSummary is a ranged roll-up of daily aggregates for one user
type UsageSummary struct {
	UserID       string  `json:"user_id"`
	StartDate    string  `json:"start_date"`
	EndDate      string  `json:"end_date"`
	Days         int     `json:"days"`
	CPUHours     float64 `json:"cpu_hours"`
	GPUHours     float64 `json:"gpu_hours"`
	RAMGBHours   float64 `json:"ram_gb_hours"`
	TotalCredits float64 `json:"total_credits"`
	TotalCost    float64 `json:"total_cost"`
}
