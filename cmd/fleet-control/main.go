// fleet-control is the mining fleet control plane: it aggregates external
// market and chain data, abstracts heterogeneous ASIC hardware behind a
// common adapter interface, and plans and executes power-curtailment
// schedules with mandatory confirmation and audit logging.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/minewatt/fleet-control/pkg/cgminer"
	"github.com/minewatt/fleet-control/pkg/curtail"
	"github.com/minewatt/fleet-control/pkg/datahub"
	"github.com/minewatt/fleet-control/pkg/events"
	"github.com/minewatt/fleet-control/pkg/fleet"
	"github.com/minewatt/fleet-control/pkg/miner"
	"github.com/minewatt/fleet-control/pkg/sim"
)

const usage = `fleet-control - Mining fleet control plane

Usage:
  fleet-control [command]

Commands:
  serve                Start the control-plane API server (default)
  states               Print current fleet state and exit
  plan <target-kw>     Produce a dry-run curtailment plan and exit
  help                 Show this help message

Environment Variables (or set in .env file):
  FLEET_CONTROL_DB     SQLite database path (default: fleet-control.db)
  EVENT_DIR            Audit log directory (default: events)
  FLEET_CONFIG         Fleet configuration file (default: fleet.yaml)
  STRATEGY_CONFIG      Curtailment policy file (default: curtailment.yaml)
  DEMO_MODE            Force all devices onto the simulator (default: false)
  PRICE_PRIMARY_URL    Primary spot-price endpoint
  PRICE_FALLBACK_URL   Fallback spot-price endpoint
  CHAIN_PRIMARY_URL    Primary chain-stats endpoint
  CHAIN_FALLBACK_URL   Fallback chain-stats endpoint
  FETCH_TIMEOUT        Provider fetch timeout (default: 8s)
  DEVICE_TIMEOUT       Device command timeout (default: 5s)
  LISTEN_PORT          API port (default: 8080)
`

func main() {
	// Default to "serve" if no command given
	cmd := "serve"
	if len(os.Args) >= 2 {
		cmd = os.Args[1]
	}

	cfg := LoadConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Received shutdown signal...")
		cancel()
	}()

	switch cmd {
	case "serve":
		runServe(ctx, cfg)
	case "states":
		runStates(ctx, cfg)
	case "plan":
		runPlan(ctx, cfg)
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		fmt.Print(usage)
		os.Exit(1)
	}
}

// buildComponents wires the event log, fleet registry, data hub and
// curtailment engine from configuration.
func buildComponents(cfg *Config) (*events.Logger, *fleet.Registry, *datahub.Hub, *curtail.Engine, error) {
	eventLog, err := events.New(cfg.EventDir)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	configs, err := fleet.LoadConfig(cfg.FleetConfigPath)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	factories := []miner.Factory{
		cgminer.Factory{Timeout: cfg.DeviceTimeout},
		sim.Factory{},
	}
	var opts []fleet.RegistryOption
	if cfg.DemoMode {
		opts = append(opts, fleet.WithDemoOverride())
	}
	registry := fleet.NewRegistry(configs, factories, eventLog, opts...)

	hub := datahub.NewHub(
		datahub.NewCoinGeckoPrice(cfg.PricePrimaryURL, cfg.FetchTimeout),
		datahub.NewBinancePrice(cfg.PriceFallbackURL, cfg.FetchTimeout),
		datahub.NewBlockchainInfoChain(cfg.ChainPrimaryURL, cfg.FetchTimeout),
		datahub.NewMempoolChain(cfg.ChainFallbackURL, cfg.FetchTimeout),
		eventLog,
	)

	engine := curtail.NewEngine(registry, hub, eventLog)
	return eventLog, registry, hub, engine, nil
}

func runServe(ctx context.Context, cfg *Config) {
	eventLog, registry, hub, engine, err := buildComponents(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer eventLog.Close()

	repo, err := NewRepository(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer repo.Close()

	server := NewServer(cfg, registry, hub, engine, repo, eventLog)

	log.Printf("Fleet control plane starting...")
	log.Printf("Database: %s", cfg.DBPath)
	log.Printf("Fleet: %d devices (%s)", len(registry.Configs()), cfg.FleetConfigPath)
	log.Printf("API: http://localhost:%d", cfg.ListenPort)
	log.Printf("Policy: strategy=%s, confirmation_required=%v, max_throttle=%.2f",
		cfg.Strategy.DefaultStrategy, cfg.Strategy.RequireConfirmation, cfg.Strategy.MaxThrottleFraction)

	if err := server.Start(ctx); err != nil && err != context.Canceled {
		log.Fatalf("Error: %v", err)
	}
}

func runStates(ctx context.Context, cfg *Config) {
	eventLog, registry, _, _, err := buildComponents(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer eventLog.Close()

	for _, st := range registry.States(ctx) {
		status := "OFFLINE"
		if st.Online {
			status = "online"
		}
		fmt.Printf("%-12s %-22s %-21s %-8s %8.2f TH/s %7.0f W %5.1f C\n",
			st.ID, st.Model, st.Address, status, st.HashrateTHS, st.PowerW, st.TemperatureC)
	}
}

func runPlan(ctx context.Context, cfg *Config) {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: fleet-control plan <target-kw>")
		os.Exit(1)
	}
	var targetKW float64
	if _, err := fmt.Sscanf(os.Args[2], "%f", &targetKW); err != nil || targetKW <= 0 {
		fmt.Fprintf(os.Stderr, "Invalid target %q\n", os.Args[2])
		os.Exit(1)
	}

	eventLog, _, _, engine, err := buildComponents(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer eventLog.Close()

	plan, err := engine.Plan(ctx, curtail.Request{
		TargetKW:                  targetKW,
		Strategy:                  cfg.Strategy.DefaultStrategy,
		MaxThrottleFraction:       cfg.Strategy.MaxThrottleFraction,
		ElectricityPriceUSDPerKWH: cfg.Strategy.PriceThresholdUSD,
	})
	if err != nil {
		log.Fatalf("Planning failed: %v", err)
	}

	out, _ := json.MarshalIndent(plan, "", "  ")
	fmt.Println(string(out))
}
