package curtail

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sync"
	"testing"

	"github.com/minewatt/fleet-control/pkg/datahub"
	"github.com/minewatt/fleet-control/pkg/events"
	"github.com/minewatt/fleet-control/pkg/fleet"
	"github.com/minewatt/fleet-control/pkg/miner"
)

type fixedPrice struct{ usd float64 }

func (p fixedPrice) Name() string { return "fixed-price" }

func (p fixedPrice) FetchPrice(ctx context.Context) (float64, error) { return p.usd, nil }

type fixedChain struct{ phs float64 }

func (c fixedChain) Name() string { return "fixed-chain" }

func (c fixedChain) FetchChainStats(ctx context.Context) (datahub.ChainStats, error) {
	return datahub.ChainStats{NetworkHashratePHS: c.phs}, nil
}

func fixedHub(btcUSD, networkPHS float64) *datahub.Hub {
	return datahub.NewHub(
		fixedPrice{usd: btcUSD}, fixedPrice{usd: btcUSD},
		fixedChain{phs: networkPHS}, fixedChain{phs: networkPHS},
		nil,
	)
}

const fakeType miner.AdapterType = "fake"

// fakeAdapter reports a fixed state and records power-limit calls.
type fakeAdapter struct {
	cfg  miner.Config
	st   miner.State
	fail bool

	mu     sync.Mutex
	limits []float64
}

func (f *fakeAdapter) Describe() miner.Config { return f.cfg }

func (f *fakeAdapter) State(ctx context.Context) miner.State { return f.st }

func (f *fakeAdapter) Reboot(ctx context.Context) error { return nil }

func (f *fakeAdapter) SetPowerLimit(ctx context.Context, fraction float64) error {
	if f.fail {
		return errors.New("device unreachable")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits = append(f.limits, fraction)
	return nil
}

func (f *fakeAdapter) limitCalls() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.limits...)
}

type fakeFactory struct {
	adapters map[string]*fakeAdapter
}

func (f fakeFactory) AdapterType() miner.AdapterType { return fakeType }

func (f fakeFactory) NewAdapter(cfg miner.Config) miner.Adapter {
	return f.adapters[cfg.ID]
}

// device describes one fake fleet member for test setup.
type device struct {
	id       string
	powerW   float64
	hashTHS  float64
	tempC    float64
	offline  bool
	failCtrl bool
}

func newFleet(t *testing.T, devices []device) (*fleet.Registry, map[string]*fakeAdapter) {
	t.Helper()
	adapters := make(map[string]*fakeAdapter, len(devices))
	configs := make([]miner.Config, 0, len(devices))
	for _, d := range devices {
		cfg := miner.Config{ID: d.id, Model: "test", Address: d.id + ":4028", AdapterType: fakeType}
		adapters[d.id] = &fakeAdapter{
			cfg:  cfg,
			fail: d.failCtrl,
			st: miner.State{
				ID:           d.id,
				Online:       !d.offline,
				PowerW:       d.powerW,
				HashrateTHS:  d.hashTHS,
				TemperatureC: d.tempC,
			},
		}
		configs = append(configs, cfg)
	}
	return fleet.NewRegistry(configs, []miner.Factory{fakeFactory{adapters: adapters}}, nil), adapters
}

func uniformFleet(t *testing.T, n int, powerW, hashTHS float64) (*fleet.Registry, map[string]*fakeAdapter) {
	t.Helper()
	devices := make([]device, 0, n)
	for i := 1; i <= n; i++ {
		devices = append(devices, device{
			id:      fmt.Sprintf("miner-%03d", i),
			powerW:  powerW,
			hashTHS: hashTHS,
		})
	}
	return newFleet(t, devices)
}

func TestPlanScenarioFiftyIdenticalMiners(t *testing.T) {
	registry, _ := uniformFleet(t, 50, 10000, 100)
	engine := NewEngine(registry, nil, nil)

	plan, err := engine.Plan(context.Background(), Request{
		TargetKW: 500,
		Strategy: StrategyEfficiencyFirst,
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	if len(plan.Actions) != 50 {
		t.Fatalf("got %d actions, want 50", len(plan.Actions))
	}
	if plan.EstimatedReductionKW != 500 {
		t.Errorf("estimated reduction = %v kW, want exactly 500", plan.EstimatedReductionKW)
	}
	for i, action := range plan.Actions {
		if action.Kind != ActionStop {
			t.Errorf("action %d kind = %q, want stop", i, action.Kind)
		}
		want := fmt.Sprintf("miner-%03d", i+1)
		if action.MinerID != want {
			t.Errorf("action %d miner = %q, want %q (ascending id order)", i, action.MinerID, want)
		}
	}
	if plan.Status != StatusDraft {
		t.Errorf("status = %q, want draft", plan.Status)
	}
}

func TestPlanDeterminism(t *testing.T) {
	registry, _ := newFleet(t, []device{
		{id: "m-c", powerW: 3400, hashTHS: 95, tempC: 71},
		{id: "m-a", powerW: 3400, hashTHS: 95, tempC: 71},
		{id: "m-b", powerW: 3000, hashTHS: 110, tempC: 64},
		{id: "m-d", powerW: 3600, hashTHS: 90, tempC: 75},
	})
	engine := NewEngine(registry, nil, nil)

	req := Request{
		TargetKW:                  9,
		Strategy:                  StrategyEfficiencyFirst,
		ElectricityPriceUSDPerKWH: 0.07,
	}
	first, err := engine.Plan(context.Background(), req)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	for i := 0; i < 5; i++ {
		next, err := engine.Plan(context.Background(), req)
		if err != nil {
			t.Fatalf("Plan: %v", err)
		}
		if !reflect.DeepEqual(first.Actions, next.Actions) {
			t.Fatalf("plan %d actions differ:\n%+v\n%+v", i, first.Actions, next.Actions)
		}
	}

	// m-a and m-c are identical devices; the tie must break by id.
	posA, posC := -1, -1
	for i, a := range first.Actions {
		switch a.MinerID {
		case "m-a":
			posA = i
		case "m-c":
			posC = i
		}
	}
	if posA >= 0 && posC >= 0 && posA > posC {
		t.Errorf("m-c ranked before m-a despite identical metrics")
	}
}

func TestPlanCapAndExclusions(t *testing.T) {
	registry, _ := uniformFleet(t, 10, 5000, 100)
	engine := NewEngine(registry, nil, nil)

	plan, err := engine.Plan(context.Background(), Request{
		TargetKW:   40, // needs 8 devices, but the cap binds first
		Strategy:   StrategyPowerFirst,
		MaxMiners:  3,
		ExcludeIDs: []string{"miner-001", "miner-002"},
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	if len(plan.Actions) > 3 {
		t.Errorf("got %d actions, cap is 3", len(plan.Actions))
	}
	for _, action := range plan.Actions {
		if action.MinerID == "miner-001" || action.MinerID == "miner-002" {
			t.Errorf("excluded miner %s appears in plan", action.MinerID)
		}
	}
	if plan.EstimatedReductionKW >= plan.TargetKW {
		t.Errorf("estimated %v kW should fall short of target %v under the cap",
			plan.EstimatedReductionKW, plan.TargetKW)
	}
}

func TestPlanMonotonicReduction(t *testing.T) {
	registry, _ := newFleet(t, []device{
		{id: "a", powerW: 2800, hashTHS: 80, tempC: 60},
		{id: "b", powerW: 3600, hashTHS: 88, tempC: 72},
		{id: "c", powerW: 3100, hashTHS: 120, tempC: 66},
		{id: "d", powerW: 3900, hashTHS: 95, tempC: 70},
		{id: "e", powerW: 2500, hashTHS: 100, tempC: 58},
	})
	engine := NewEngine(registry, nil, nil)

	for _, strategy := range []Strategy{StrategyEfficiencyFirst, StrategyPowerFirst, StrategyRevenueFirst, StrategyTemperatureFirst} {
		plan, err := engine.Plan(context.Background(), Request{
			TargetKW:                  12,
			Strategy:                  strategy,
			ElectricityPriceUSDPerKWH: 0.06,
			BTCPriceUSD:               60000,
			MaxThrottleFraction:       0.5,
		})
		if err != nil {
			t.Fatalf("Plan(%s): %v", strategy, err)
		}
		cumulative := 0.0
		for i, action := range plan.Actions {
			if action.PowerReductionKW < 0 {
				t.Errorf("%s action %d has negative reduction %v", strategy, i, action.PowerReductionKW)
			}
			next := cumulative + action.PowerReductionKW
			if next < cumulative {
				t.Errorf("%s cumulative reduction decreased at action %d", strategy, i)
			}
			cumulative = next
		}
	}
}

func TestPlanThrottleCoversRemainder(t *testing.T) {
	registry, _ := uniformFleet(t, 3, 10000, 100)
	engine := NewEngine(registry, nil, nil)

	plan, err := engine.Plan(context.Background(), Request{
		TargetKW:            15,
		Strategy:            StrategyEfficiencyFirst,
		MaxThrottleFraction: 0.6,
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	if len(plan.Actions) != 2 {
		t.Fatalf("got %d actions, want 2 (one stop, one throttle)", len(plan.Actions))
	}
	if plan.Actions[0].Kind != ActionStop {
		t.Errorf("first action = %q, want stop", plan.Actions[0].Kind)
	}
	second := plan.Actions[1]
	if second.Kind != ActionThrottle {
		t.Fatalf("second action = %q, want throttle", second.Kind)
	}
	if second.TargetFraction != 0.5 {
		t.Errorf("throttle fraction = %v, want 0.5", second.TargetFraction)
	}
	if plan.EstimatedReductionKW != 15 {
		t.Errorf("estimated = %v kW, want exactly 15", plan.EstimatedReductionKW)
	}
}

func TestPlanEstimatesRevenueLoss(t *testing.T) {
	// Each miner: 100 TH/s of a 600 PH/s network at $60k BTC earns
	// 100/600000 * 144 * 3.125 * 60000 = $4500/day with free power.
	registry, _ := uniformFleet(t, 3, 10000, 100)
	engine := NewEngine(registry, fixedHub(60000, 600), nil)

	plan, err := engine.Plan(context.Background(), Request{
		TargetKW: 20,
		Strategy: StrategyEfficiencyFirst,
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Actions) != 2 {
		t.Fatalf("got %d actions, want 2", len(plan.Actions))
	}
	for i, action := range plan.Actions {
		if math.Abs(action.DailyProfitDeltaUSD+4500) > 1e-6 {
			t.Errorf("action %d profit delta = %v, want -4500", i, action.DailyProfitDeltaUSD)
		}
	}
	if math.Abs(plan.EstimatedRevenueLossUSD-9000) > 1e-6 {
		t.Errorf("estimated loss = %v, want 9000 for two profitable stops", plan.EstimatedRevenueLossUSD)
	}
	if plan.Price.BTCUSD != 60000 || plan.Price.NetworkHashratePHS != 600 {
		t.Errorf("price context = %+v", plan.Price)
	}
}

func TestPlanCostOnlySavingsAreNotLoss(t *testing.T) {
	// With no market context each 10 kW miner loses 10*24*0.015 =
	// $3.60/day; curtailing it saves money rather than losing revenue.
	registry, _ := uniformFleet(t, 3, 10000, 100)
	engine := NewEngine(registry, nil, nil)

	plan, err := engine.Plan(context.Background(), Request{
		TargetKW:                  20,
		Strategy:                  StrategyEfficiencyFirst,
		ElectricityPriceUSDPerKWH: 0.015,
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	for i, action := range plan.Actions {
		if action.DailyProfitDeltaUSD <= 0 {
			t.Errorf("action %d profit delta = %v, want positive (a saving)", i, action.DailyProfitDeltaUSD)
		}
	}
	if plan.EstimatedRevenueLossUSD != 0 {
		t.Errorf("estimated loss = %v, want 0 when every stop saves money", plan.EstimatedRevenueLossUSD)
	}
}

func TestEfficiencyFirstRanksHungMinerFirst(t *testing.T) {
	// A device burning full power with zero hashrate is infinitely
	// inefficient and must be the first curtailed.
	registry, _ := newFleet(t, []device{
		{id: "healthy-1", powerW: 3400, hashTHS: 100},
		{id: "healthy-2", powerW: 3600, hashTHS: 90},
		{id: "hung-1", powerW: 3400, hashTHS: 0},
	})
	engine := NewEngine(registry, nil, nil)

	plan, err := engine.Plan(context.Background(), Request{
		TargetKW: 3,
		Strategy: StrategyEfficiencyFirst,
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Actions) == 0 || plan.Actions[0].MinerID != "hung-1" {
		t.Errorf("first action = %+v, want hung-1 curtailed first", plan.Actions)
	}
}

func TestPlanSkipsOfflineDevices(t *testing.T) {
	registry, _ := newFleet(t, []device{
		{id: "up-1", powerW: 3000, hashTHS: 100},
		{id: "down-1", powerW: 3000, hashTHS: 100, offline: true},
	})
	engine := NewEngine(registry, nil, nil)

	plan, err := engine.Plan(context.Background(), Request{TargetKW: 6, Strategy: StrategyPowerFirst})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	for _, action := range plan.Actions {
		if action.MinerID == "down-1" {
			t.Errorf("offline device included in plan")
		}
	}
}

func TestPlanValidation(t *testing.T) {
	registry, _ := uniformFleet(t, 2, 3000, 100)
	engine := NewEngine(registry, nil, nil)

	if _, err := engine.Plan(context.Background(), Request{Strategy: StrategyPowerFirst}); !errors.Is(err, ErrTargetRequired) {
		t.Errorf("missing target: got %v, want ErrTargetRequired", err)
	}
	if _, err := engine.Plan(context.Background(), Request{TargetKW: 1, Strategy: "cheapest_first"}); !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("bad strategy: got %v, want ErrUnknownStrategy", err)
	}
}

func TestPlanPercentageTarget(t *testing.T) {
	registry, _ := uniformFleet(t, 4, 10000, 100) // 40 kW fleet
	engine := NewEngine(registry, nil, nil)

	plan, err := engine.Plan(context.Background(), Request{
		TargetPct: 50,
		Strategy:  StrategyEfficiencyFirst,
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.TargetKW != 20 {
		t.Errorf("target = %v kW, want 20 (50%% of 40)", plan.TargetKW)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	registry, _ := uniformFleet(t, 2, 3000, 100)
	engine := NewEngine(registry, nil, nil)

	plan, err := engine.Plan(context.Background(), Request{TargetKW: 6, Strategy: StrategyPowerFirst})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	// Execute before confirm must be rejected.
	if err := engine.Execute(context.Background(), plan, "op"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("execute from draft: got %v, want ErrInvalidTransition", err)
	}
	if err := engine.Rollback(context.Background(), plan, "op"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("rollback from draft: got %v, want ErrInvalidTransition", err)
	}

	if err := engine.Confirm(plan, "op"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if err := engine.Confirm(plan, "op"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("double confirm: got %v, want ErrInvalidTransition", err)
	}

	if err := engine.Execute(context.Background(), plan, "op"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if plan.Status != StatusExecuted {
		t.Errorf("status = %q, want executed", plan.Status)
	}

	if err := engine.Rollback(context.Background(), plan, "op"); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if plan.Status != StatusRolledBack {
		t.Errorf("status = %q, want rolled_back", plan.Status)
	}
}

func TestExecuteContinuesPastFailures(t *testing.T) {
	devices := make([]device, 0, 10)
	for i := 1; i <= 10; i++ {
		devices = append(devices, device{
			id:       fmt.Sprintf("miner-%03d", i),
			powerW:   10000,
			hashTHS:  100,
			failCtrl: i == 3 || i == 7,
		})
	}
	registry, adapters := newFleet(t, devices)
	engine := NewEngine(registry, nil, nil)

	plan, err := engine.Plan(context.Background(), Request{TargetKW: 100, Strategy: StrategyEfficiencyFirst})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan.Actions) != 10 {
		t.Fatalf("got %d actions, want 10", len(plan.Actions))
	}

	if err := engine.Confirm(plan, "op"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if err := engine.Execute(context.Background(), plan, "op"); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if plan.Status != StatusFailed {
		t.Errorf("status = %q, want failed (2 actions failed)", plan.Status)
	}
	executed := 0
	for _, action := range plan.Actions {
		if action.Executed {
			executed++
		} else if action.Error == "" {
			t.Errorf("unexecuted action %s has no recorded error", action.MinerID)
		}
	}
	if executed != 8 {
		t.Errorf("executed = %d, want 8", executed)
	}

	// The two unreachable devices must not have blocked the rest.
	for id, a := range adapters {
		if id == "miner-003" || id == "miner-007" {
			continue
		}
		if len(a.limitCalls()) != 1 {
			t.Errorf("%s got %d control calls, want 1", id, len(a.limitCalls()))
		}
	}
}

func TestRollbackRestoresOnlyExecutedActions(t *testing.T) {
	devices := make([]device, 0, 10)
	for i := 1; i <= 10; i++ {
		devices = append(devices, device{
			id:       fmt.Sprintf("miner-%03d", i),
			powerW:   10000,
			hashTHS:  100,
			failCtrl: i == 2 || i == 9,
		})
	}
	registry, adapters := newFleet(t, devices)

	eventLog, err := events.New(t.TempDir())
	if err != nil {
		t.Fatalf("events.New: %v", err)
	}
	defer eventLog.Close()
	engine := NewEngine(registry, nil, eventLog)

	plan, err := engine.Plan(context.Background(), Request{TargetKW: 100, Strategy: StrategyEfficiencyFirst})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if err := engine.Confirm(plan, "op"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if err := engine.Execute(context.Background(), plan, "op"); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// Stop the failing adapters from failing so rollback could reach them
	// if it (incorrectly) tried to.
	adapters["miner-002"].fail = false
	adapters["miner-009"].fail = false

	if err := engine.Rollback(context.Background(), plan, "op"); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	restored := 0
	for id, a := range adapters {
		calls := a.limitCalls()
		switch id {
		case "miner-002", "miner-009":
			if len(calls) != 0 {
				t.Errorf("%s failed to curtail but got %d calls during rollback", id, len(calls))
			}
		default:
			if len(calls) != 2 || calls[1] != 1 {
				t.Errorf("%s calls = %v, want [0 1] (curtail then restore)", id, calls)
			} else {
				restored++
			}
		}
	}
	if restored != 8 {
		t.Errorf("restored %d devices, want 8", restored)
	}

	evs, err := eventLog.Since(plan.GeneratedAt.Add(-1))
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	restores, skips := 0, 0
	for _, ev := range evs {
		if ev.Type != "curtailment.rollback" {
			continue
		}
		skipped, ok := ev.Details["skipped"].(bool)
		if !ok {
			continue // the plan-level summary event
		}
		if skipped {
			skips++
		} else {
			restores++
		}
	}
	if restores != 8 {
		t.Errorf("logged %d restore events, want 8", restores)
	}
	if skips != 2 {
		t.Errorf("logged %d skip events, want 2", skips)
	}
}
