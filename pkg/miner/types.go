package miner

import (
	"math"
	"time"
)

// AdapterType selects which vendor integration drives a device.
type AdapterType string

const (
	// AdapterCGMiner is the TCP/JSON protocol client for CGMiner-family
	// firmware (stock Antminer, Whatsminer and similar).
	AdapterCGMiner AdapterType = "cgminer"

	// AdapterSim is the deterministic simulator used for demo fleets and
	// vendors without a live implementation.
	AdapterSim AdapterType = "sim"
)

// Config identifies one device in the fleet configuration. Identity is ID,
// unique within a fleet; one config maps to exactly one cached adapter
// instance for the process lifetime.
type Config struct {
	ID          string      `yaml:"id" json:"id"`
	Model       string      `yaml:"model" json:"model"`
	Address     string      `yaml:"address" json:"address"` // host:port of the control API
	AdapterType AdapterType `yaml:"adapter_type" json:"adapter_type"`
}

// State is a point-in-time snapshot of one device. It is produced fresh on
// every State() call and never cached by the adapter itself. A device that
// cannot be reached is reported as Online=false with zero metrics.
type State struct {
	ID           string    `json:"id"`
	Model        string    `json:"model"`
	Address      string    `json:"address"`
	Online       bool      `json:"online"`
	HashrateTHS  float64   `json:"hashrate_ths"`
	TemperatureC float64   `json:"temperature_c"`
	FanRPM       []int     `json:"fan_rpm"`
	PowerW       float64   `json:"power_w"`
	ObservedAt   time.Time `json:"observed_at"`
}

// Offline returns the well-formed offline snapshot for a device. Routine
// polling treats unreachable devices as offline, not as errors.
func Offline(cfg Config) State {
	return State{
		ID:         cfg.ID,
		Model:      cfg.Model,
		Address:    cfg.Address,
		Online:     false,
		ObservedAt: time.Now().UTC(),
	}
}

// EfficiencyWPerTH returns the device's energy efficiency in watts per
// terahash. A device drawing power without producing hashrate is infinitely
// inefficient; a device reporting neither returns 0.
func (s State) EfficiencyWPerTH() float64 {
	if s.HashrateTHS <= 0 {
		if s.PowerW > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return s.PowerW / s.HashrateTHS
}
