package models

// NamespaceAllocation is one trailing-hour cost attribution for a single
// namespace, as returned by the cost source. Ephemeral; never persisted.
type NamespaceAllocation struct {
	Namespace     string  `json:"namespace"`
	CPUCoreHours  float64 `json:"cpu_core_hours"`
	RAMByteHours  float64 `json:"ram_byte_hours"`
	GPUHours      float64 `json:"gpu_hours"`
	TotalCost     float64 `json:"total_cost"` // Source's own dollar estimate, informational
	CPUEfficiency float64 `json:"cpu_efficiency"`
	RAMEfficiency float64 `json:"ram_efficiency"`
}

// StorageClass distinguishes the two independently billed storage tiers
type StorageClass string

const (
	// StorageOffline is dataset/archive storage
	StorageOffline StorageClass = "offline"
	// StorageOnline is feature-store storage
	StorageOnline StorageClass = "online"
)

// StorageSnapshot maps project name to occupied bytes for one storage class.
// Snapshots are instantaneous occupancy readings, not deltas.
type StorageSnapshot map[string]int64
