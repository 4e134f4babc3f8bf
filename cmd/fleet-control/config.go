package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/minewatt/fleet-control/pkg/curtail"
)

// Config holds all configuration for fleet-control.
type Config struct {
	// Persistence
	DBPath   string
	EventDir string

	// Configuration files
	FleetConfigPath    string
	StrategyConfigPath string

	// DemoMode forces every device onto the simulator adapter. Recorded
	// as an explicit startup decision in the audit log.
	DemoMode bool

	// External data providers (empty = public APIs)
	PricePrimaryURL  string
	PriceFallbackURL string
	ChainPrimaryURL  string
	ChainFallbackURL string
	FetchTimeout     time.Duration

	// Device protocol
	DeviceTimeout time.Duration

	// HTTP API
	ListenPort int

	// Curtailment policy, from the strategy config file
	Strategy StrategyConfig
}

// StrategyConfig is the curtailment policy file. Absence of the file falls
// back to safe defaults: confirmation required, conservative throttling.
type StrategyConfig struct {
	DefaultStrategy     curtail.Strategy `yaml:"default_strategy"`
	PriceThresholdUSD   float64          `yaml:"price_threshold_usd_per_kwh"`
	MaxThrottleFraction float64          `yaml:"max_throttle_fraction"`
	RequireConfirmation bool             `yaml:"require_confirmation"`
}

// DefaultStrategyConfig returns the safe built-in curtailment policy.
func DefaultStrategyConfig() StrategyConfig {
	return StrategyConfig{
		DefaultStrategy:     curtail.StrategyEfficiencyFirst,
		PriceThresholdUSD:   0.08,
		MaxThrottleFraction: 0.5,
		RequireConfirmation: true,
	}
}

// DefaultConfig returns configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		DBPath:             "fleet-control.db",
		EventDir:           "events",
		FleetConfigPath:    "fleet.yaml",
		StrategyConfigPath: "curtailment.yaml",
		DemoMode:           false,
		FetchTimeout:       8 * time.Second,
		DeviceTimeout:      5 * time.Second,
		ListenPort:         8080,
		Strategy:           DefaultStrategyConfig(),
	}
}

// LoadConfig loads configuration from .env file and environment variables,
// then overlays the strategy configuration file if present.
func LoadConfig() *Config {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if v := os.Getenv("FLEET_CONTROL_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("EVENT_DIR"); v != "" {
		cfg.EventDir = v
	}
	if v := os.Getenv("FLEET_CONFIG"); v != "" {
		cfg.FleetConfigPath = v
	}
	if v := os.Getenv("STRATEGY_CONFIG"); v != "" {
		cfg.StrategyConfigPath = v
	}
	if v := os.Getenv("DEMO_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DemoMode = b
		}
	}
	if v := os.Getenv("PRICE_PRIMARY_URL"); v != "" {
		cfg.PricePrimaryURL = v
	}
	if v := os.Getenv("PRICE_FALLBACK_URL"); v != "" {
		cfg.PriceFallbackURL = v
	}
	if v := os.Getenv("CHAIN_PRIMARY_URL"); v != "" {
		cfg.ChainPrimaryURL = v
	}
	if v := os.Getenv("CHAIN_FALLBACK_URL"); v != "" {
		cfg.ChainFallbackURL = v
	}
	if v := os.Getenv("FETCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.FetchTimeout = d
		}
	}
	if v := os.Getenv("DEVICE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DeviceTimeout = d
		}
	}
	if v := os.Getenv("LISTEN_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ListenPort = n
		}
	}

	strategy, err := LoadStrategyConfig(cfg.StrategyConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v, using defaults\n", err)
		strategy = DefaultStrategyConfig()
	}
	cfg.Strategy = strategy

	return cfg
}

// LoadStrategyConfig reads the curtailment policy file. A missing file
// returns the safe defaults.
func LoadStrategyConfig(path string) (StrategyConfig, error) {
	sc := DefaultStrategyConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return sc, nil
		}
		return sc, fmt.Errorf("read strategy config: %w", err)
	}
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return sc, fmt.Errorf("parse strategy config: %w", err)
	}
	if !curtail.ValidStrategy(sc.DefaultStrategy) {
		return sc, fmt.Errorf("strategy config: unknown strategy %q", sc.DefaultStrategy)
	}
	return sc, nil
}
