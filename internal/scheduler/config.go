// Package scheduler implements instance placement logic for the CIRCLE control plane.
// It determines which node should host an instance based on node state,
// declared traits, resource availability and a scoring strategy.
package scheduler

// Config holds the scheduler configuration.
type Config struct {
	// PlacementStrategy determines how instances are distributed across nodes.
	// - "spread": Distribute instances evenly across nodes
	// - "pack": Consolidate instances on fewer nodes
	PlacementStrategy string `mapstructure:"placement_strategy"`

	// OvercommitCPU is the CPU overcommit ratio (e.g., 2.0 = 2x overcommit)
	OvercommitCPU float64 `mapstructure:"overcommit_cpu"`

	// OvercommitMemory is the memory overcommit ratio used when a node sets none.
	OvercommitMemory float64 `mapstructure:"overcommit_memory"`

	// ReservedCPUCores is the number of CPU cores reserved for the hypervisor
	ReservedCPUCores int `mapstructure:"reserved_cpu_cores"`

	// ReservedMemoryMiB is the amount of memory in MiB reserved for the hypervisor
	ReservedMemoryMiB int `mapstructure:"reserved_memory_mib"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		PlacementStrategy: "spread",
		OvercommitCPU:     1.0,
		OvercommitMemory:  1.0,
		ReservedCPUCores:  1,
		ReservedMemoryMiB: 1024,
	}
}
