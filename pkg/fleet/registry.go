// Package fleet resolves configured devices to control adapters. The
// registry guarantees one adapter instance per device id for the process
// lifetime, which preserves adapter state and prevents duplicate concurrent
// sockets to one device.
package fleet

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/minewatt/fleet-control/pkg/events"
	"github.com/minewatt/fleet-control/pkg/miner"
)

// Registry caches one adapter per device id and fans device polling out
// across the fleet.
type Registry struct {
	configs   []miner.Config
	factories map[miner.AdapterType]miner.Factory
	log       *events.Logger

	// demoOverride forces every device onto the simulator. It is a
	// startup-time decision, logged when set, never a per-call check.
	demoOverride bool

	mu       sync.Mutex
	adapters map[string]miner.Adapter
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithDemoOverride forces every device onto the simulator adapter
// regardless of its configured type. The override is recorded in the audit
// log at construction time.
func WithDemoOverride() RegistryOption {
	return func(r *Registry) {
		r.demoOverride = true
	}
}

// NewRegistry creates a registry over a fleet configuration. Factories map
// adapter types to their vendor integrations; resolution happens once at
// adapter construction, not per call.
func NewRegistry(configs []miner.Config, factories []miner.Factory, eventLog *events.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		configs:   configs,
		factories: make(map[miner.AdapterType]miner.Factory, len(factories)),
		log:       eventLog,
		adapters:  make(map[string]miner.Adapter, len(configs)),
	}
	for _, f := range factories {
		r.factories[f.AdapterType()] = f
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.demoOverride {
		log.Printf("fleet: demo override active, all %d devices use the simulator", len(configs))
		if r.log != nil {
			_ = r.log.Log(events.Event{
				Type:   "fleet.demo_override",
				Source: "registry",
				Key:    "startup",
				Status: events.StatusOK,
				Details: map[string]any{
					"devices": len(configs),
				},
			})
		}
	}
	return r
}

// Configs returns the fleet configuration.
func (r *Registry) Configs() []miner.Config { return r.configs }

// Config returns the configuration for one device id.
func (r *Registry) Config(id string) (miner.Config, bool) {
	for _, cfg := range r.configs {
		if cfg.ID == id {
			return cfg, true
		}
	}
	return miner.Config{}, false
}

// Adapter returns the process-lifetime adapter for a device, constructing
// it on first use. Two calls with the same device id return the same
// instance.
func (r *Registry) Adapter(cfg miner.Config) (miner.Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.adapters[cfg.ID]; ok {
		return a, nil
	}

	typ := cfg.AdapterType
	if r.demoOverride {
		typ = miner.AdapterSim
	}
	factory, ok := r.factories[typ]
	if !ok {
		return nil, fmt.Errorf("no adapter factory for type %q (miner %s)", typ, cfg.ID)
	}

	a := miner.Instrument(factory.NewAdapter(cfg), r.log)
	r.adapters[cfg.ID] = a
	return a, nil
}

// AdapterByID resolves a device id to its adapter.
func (r *Registry) AdapterByID(id string) (miner.Adapter, error) {
	cfg, ok := r.Config(id)
	if !ok {
		return nil, fmt.Errorf("unknown miner id %q", id)
	}
	return r.Adapter(cfg)
}

// States polls every configured device concurrently and returns snapshots
// in fleet configuration order. A timeout on one device does not delay or
// cancel the others beyond the shared context.
func (r *Registry) States(ctx context.Context) []miner.State {
	states := make([]miner.State, len(r.configs))
	var wg sync.WaitGroup
	for i, cfg := range r.configs {
		a, err := r.Adapter(cfg)
		if err != nil {
			states[i] = miner.Offline(cfg)
			continue
		}
		wg.Add(1)
		go func(i int, a miner.Adapter) {
			defer wg.Done()
			states[i] = a.State(ctx)
		}(i, a)
	}
	wg.Wait()
	return states
}
