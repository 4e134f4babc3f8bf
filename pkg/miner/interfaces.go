// Package miner provides shared interfaces and types for device interaction.
// It defines the abstractions that decouple the registry and the curtailment
// engine from specific vendor integrations like the CGMiner protocol client.
package miner

import "context"

// Adapter abstracts control of one mining device. Implementations include
// cgminer.Adapter for CGMiner-family firmware and sim.Adapter for the
// deterministic simulator.
type Adapter interface {
	// Describe returns the configuration this adapter was built from.
	Describe() Config

	// State returns a fresh snapshot of the device. Transport failures
	// degrade to an offline snapshot; State never returns an error.
	State(ctx context.Context) State

	// SetPowerLimit sets the device power target as a fraction of full
	// power in [0, 1]. Fraction 0 stops mining; fraction 1 restores full
	// power. Firmware without power-limit support returns a named
	// capability error, distinct from transport failures.
	SetPowerLimit(ctx context.Context, fraction float64) error

	// Reboot restarts the device. Transport failures are surfaced.
	Reboot(ctx context.Context) error
}

// Factory creates adapters for device configurations. It is implemented by
// each vendor integration and consumed by the fleet registry, which resolves
// the adapter type once at construction time.
type Factory interface {
	// AdapterType returns which adapter type this factory builds.
	AdapterType() AdapterType

	// NewAdapter creates an adapter for the given device.
	NewAdapter(cfg Config) Adapter
}
