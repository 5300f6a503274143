package models

import "time"

// NamespaceOutcome classifies the result of processing one namespace
type NamespaceOutcome string

const (
	OutcomeBilled     NamespaceOutcome = "billed"
	OutcomeSkipped    NamespaceOutcome = "skipped"    // System/internal namespace
	OutcomeUnresolved NamespaceOutcome = "unresolved" // No ownership mapping could be established
	OutcomeFailed     NamespaceOutcome = "failed"     // Persistence or processing error
)

// NamespaceResult is the per-namespace detail inside a run report
type NamespaceResult struct {
	Cluster   string           `json:"cluster"`
	Namespace string           `json:"namespace"`
	Outcome   NamespaceOutcome `json:"outcome"`
	UserID    string           `json:"user_id,omitempty"`
	Cost      float64          `json:"cost,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// RunReport is the structured summary returned by one metering run.
// A run never aborts on partial failure; every cluster- and namespace-level
// problem shows up here instead.
type RunReport struct {
	RunID             string            `json:"run_id"`
	StartedAt         time.Time         `json:"started_at"`
	Duration          time.Duration     `json:"duration"`
	ClustersProcessed int               `json:"clusters_processed"`
	Successful        int               `json:"successful"`
	Failed            int               `json:"failed"`
	Errors            []string          `json:"errors,omitempty"`
	Namespaces        []NamespaceResult `json:"namespaces,omitempty"`
}

// AddError records a cluster-level failure
func (r *RunReport) AddError(err string) {
	r.Errors = append(r.Errors, err)
}
