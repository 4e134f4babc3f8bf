// Package sim provides a deterministic, non-networked implementation of the
// miner.Adapter interface. It lets a fleet be exercised end-to-end without
// physical hardware: metrics are synthesized from a stable hash of the
// device id, so the same device always reports the same baseline numbers.
package sim

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/minewatt/fleet-control/pkg/miner"
)

// Adapter is the simulator implementation of miner.Adapter.
type Adapter struct {
	cfg miner.Config

	mu       sync.Mutex
	fraction float64 // current power fraction, 1 = full power
	online   bool
}

// New creates a simulator adapter for one device.
func New(cfg miner.Config) *Adapter {
	return &Adapter{cfg: cfg, fraction: 1, online: true}
}

// Factory builds simulator adapters for the fleet registry.
type Factory struct{}

// AdapterType implements miner.Factory.
func (Factory) AdapterType() miner.AdapterType { return miner.AdapterSim }

// NewAdapter implements miner.Factory.
func (Factory) NewAdapter(cfg miner.Config) miner.Adapter { return New(cfg) }

// Describe implements miner.Adapter.
func (a *Adapter) Describe() miner.Config { return a.cfg }

// baseline returns the synthetic full-power metrics for this device.
func (a *Adapter) baseline() (hashrateTHS, powerW, tempC float64, fans []int) {
	h := fnv.New32a()
	h.Write([]byte(a.cfg.ID))
	seed := h.Sum32()

	// Spread devices across a plausible ASIC envelope: 80-120 TH/s at
	// 2800-3800 W, 55-75 degrees.
	hashrateTHS = 80 + float64(seed%41)
	powerW = 2800 + float64(seed%1001)
	tempC = 55 + float64(seed%21)
	base := 4000 + int(seed%2001)
	fans = []int{base, base + 120, base - 80, base + 40}
	return hashrateTHS, powerW, tempC, fans
}

// State implements miner.Adapter. Reported hashrate and power scale with
// the current power fraction; a stopped device reports zero metrics but
// stays online.
func (a *Adapter) State(ctx context.Context) miner.State {
	a.mu.Lock()
	fraction := a.fraction
	online := a.online
	a.mu.Unlock()

	if !online {
		return miner.Offline(a.cfg)
	}

	hashrate, power, temp, fans := a.baseline()
	return miner.State{
		ID:           a.cfg.ID,
		Model:        a.cfg.Model,
		Address:      a.cfg.Address,
		Online:       true,
		HashrateTHS:  hashrate * fraction,
		TemperatureC: temp,
		FanRPM:       fans,
		PowerW:       power * fraction,
		ObservedAt:   time.Now().UTC(),
	}
}

// SetPowerLimit implements miner.Adapter.
func (a *Adapter) SetPowerLimit(ctx context.Context, fraction float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fraction = fraction
	return nil
}

// Reboot implements miner.Adapter. A reboot restores full power.
func (a *Adapter) Reboot(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fraction = 1
	return nil
}

// SetOnline toggles simulated reachability; used by tests and demos to
// exercise offline degradation paths.
func (a *Adapter) SetOnline(online bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.online = online
}

// PowerFraction reports the current simulated power fraction.
func (a *Adapter) PowerFraction() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fraction
}

var _ miner.Adapter = (*Adapter)(nil)
var _ miner.Factory = Factory{}
