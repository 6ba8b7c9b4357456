package types

// miner.go defines the miner entity. Miners are external workers that
// register heterogeneous GPU capabilities and poll the coordinator for
// work; liveness is driven entirely by heartbeats.

import "strings"

type (
	// MinerID is the stable principal id of an authenticated miner.
	MinerID string

	// MinerStatus is the liveness status of a miner.
	MinerStatus string
)

const (
	MinerOnline   MinerStatus = "ONLINE"
	MinerDraining MinerStatus = "DRAINING"
	MinerOffline  MinerStatus = "OFFLINE"
)

// Capabilities is a miner's declared hardware and model inventory, bounded
// to MaxCapabilitiesSize when serialized.
type Capabilities struct {
	GPUModel        string   `json:"gpu_model"`
	GPUMemoryGiB    uint64   `json:"gpu_memory_gib"`
	GPUCount        uint64   `json:"gpu_count,omitempty"`
	CUDAVersion     string   `json:"cuda_version,omitempty"`
	SupportedModels []string `json:"supported_models,omitempty"`
	Region          string   `json:"region,omitempty"`
}

// A Miner is the full persisted miner row.
type Miner struct {
	ID           MinerID      `json:"miner_id"`
	Capabilities Capabilities `json:"capabilities"`
	Concurrency  uint64       `json:"concurrency"`
	PricePerHour *float64     `json:"price_per_hour,omitempty"`

	Status      MinerStatus `json:"status"`
	HeartbeatAt Timestamp   `json:"heartbeat_at"`
	Inflight    uint64      `json:"inflight"`

	RegisteredAt Timestamp `json:"registered_at"`
}

// Eligible reports whether the miner's declared capabilities satisfy the
// constraints. Every non-zero constraint field must match; a job that sets
// max_price is not eligible on a miner that declares no price.
func (m *Miner) Eligible(c Constraints) bool {
	caps := m.Capabilities
	if c.GPUModelPrefix != "" && !strings.HasPrefix(caps.GPUModel, c.GPUModelPrefix) {
		return false
	}
	if c.MinVRAMGiB != 0 && caps.GPUMemoryGiB < c.MinVRAMGiB {
		return false
	}
	if c.Region != "" && caps.Region != c.Region {
		return false
	}
	for _, want := range c.RequiredModels {
		found := false
		for _, have := range caps.SupportedModels {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if c.MaxPricePerHour != nil {
		if m.PricePerHour == nil || *m.PricePerHour > *c.MaxPricePerHour {
			return false
		}
	}
	return true
}
