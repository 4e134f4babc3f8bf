package fleet

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/minewatt/fleet-control/pkg/miner"
)

// File is the on-disk fleet configuration: a YAML list of devices.
type File struct {
	Miners []miner.Config `yaml:"miners"`
}

// LoadConfig reads a fleet configuration file. A missing file is not an
// error: the built-in demo fleet is returned so the system is runnable
// without external setup.
func LoadConfig(path string) ([]miner.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DemoFleet(), nil
		}
		return nil, fmt.Errorf("read fleet config: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fleet config: %w", err)
	}

	seen := make(map[string]bool, len(f.Miners))
	for _, cfg := range f.Miners {
		if cfg.ID == "" {
			return nil, fmt.Errorf("fleet config: miner with empty id (address %q)", cfg.Address)
		}
		if seen[cfg.ID] {
			return nil, fmt.Errorf("fleet config: duplicate miner id %q", cfg.ID)
		}
		seen[cfg.ID] = true
	}
	return f.Miners, nil
}

// DemoFleet returns a small built-in fleet of simulated devices.
func DemoFleet() []miner.Config {
	fleet := make([]miner.Config, 0, 6)
	for i := 1; i <= 6; i++ {
		fleet = append(fleet, miner.Config{
			ID:          fmt.Sprintf("demo-%03d", i),
			Model:       "Antminer S19 (sim)",
			Address:     fmt.Sprintf("10.0.0.%d:4028", i),
			AdapterType: miner.AdapterSim,
		})
	}
	return fleet
}
