// Package curtail plans and executes power-curtailment schedules over the
// fleet. Planning ranks devices by a selectable strategy and walks the
// ranking until the target reduction is met; execution drives the device
// adapters action-by-action with mandatory audit logging and an explicit
// rollback path.
//
// The engine does not serialize concurrently-submitted plans targeting
// overlapping devices; avoiding that is a caller responsibility.
package curtail

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/minewatt/fleet-control/pkg/datahub"
	"github.com/minewatt/fleet-control/pkg/events"
	"github.com/minewatt/fleet-control/pkg/fleet"
	"github.com/minewatt/fleet-control/pkg/miner"
)

// Bitcoin issuance constants for daily-profit estimates.
const (
	blocksPerDay    = 144
	blockSubsidyBTC = 3.125
)

// Engine plans, executes and rolls back curtailment plans.
type Engine struct {
	registry *fleet.Registry
	hub      *datahub.Hub
	log      *events.Logger

	now func() time.Time
}

// NewEngine creates a curtailment engine over the fleet registry and the
// data hub.
func NewEngine(registry *fleet.Registry, hub *datahub.Hub, eventLog *events.Logger) *Engine {
	return &Engine{
		registry: registry,
		hub:      hub,
		log:      eventLog,
		now:      time.Now,
	}
}

// dailyProfitUSD estimates a device's daily mining profit from its share of
// the network hashrate minus its energy cost.
func dailyProfitUSD(st miner.State, pc PriceContext) float64 {
	if pc.NetworkHashratePHS <= 0 {
		return -st.PowerW / 1000 * 24 * pc.ElectricityUSDPerKWH
	}
	networkTHS := pc.NetworkHashratePHS * 1000
	revenue := st.HashrateTHS / networkTHS * blocksPerDay * blockSubsidyBTC * pc.BTCUSD
	cost := st.PowerW / 1000 * 24 * pc.ElectricityUSDPerKWH
	return revenue - cost
}

// Plan produces a draft curtailment plan for the request. Identical fleet
// state and request inputs produce an identical ordered action list.
func (e *Engine) Plan(ctx context.Context, req Request) (*Plan, error) {
	if req.TargetKW <= 0 && req.TargetPct <= 0 {
		return nil, ErrTargetRequired
	}
	if !ValidStrategy(req.Strategy) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, req.Strategy)
	}

	pc, err := e.priceContext(ctx, req)
	if err != nil {
		return nil, err
	}

	states := e.registry.States(ctx)

	var fleetPowerKW float64
	excluded := make(map[string]bool, len(req.ExcludeIDs))
	for _, id := range req.ExcludeIDs {
		excluded[id] = true
	}

	candidates := states[:0:0]
	for _, st := range states {
		if st.Online {
			fleetPowerKW += st.PowerW / 1000
		}
		if !st.Online || excluded[st.ID] || st.PowerW <= 0 {
			continue
		}
		candidates = append(candidates, st)
	}

	targetKW := req.TargetKW
	if targetKW <= 0 {
		targetKW = fleetPowerKW * req.TargetPct / 100
	}

	rank(candidates, req.Strategy, pc)

	plan := &Plan{
		ID:          fmt.Sprintf("plan-%d", e.now().UTC().UnixNano()),
		Status:      StatusDraft,
		Strategy:    req.Strategy,
		TargetKW:    targetKW,
		TargetPct:   req.TargetPct,
		GeneratedAt: e.now().UTC(),
		Price:       pc,
	}

	var reducedKW float64
	for _, st := range candidates {
		if reducedKW >= targetKW {
			break
		}
		if req.MaxMiners > 0 && len(plan.Actions) >= req.MaxMiners {
			// The cap binds even when the target is not met; the plan
			// reports the shortfall rather than exceeding the cap.
			break
		}

		drawKW := st.PowerW / 1000
		remaining := targetKW - reducedKW
		profit := dailyProfitUSD(st, pc)

		action := Action{
			MinerID:             st.ID,
			Kind:                ActionStop,
			PowerReductionKW:    drawKW,
			DailyProfitDeltaUSD: -profit,
		}

		// When the remainder is small enough, a partial throttle covers
		// it without taking the whole device offline.
		if req.MaxThrottleFraction > 0 && remaining < drawKW {
			shed := remaining / drawKW
			if shed <= req.MaxThrottleFraction {
				action.Kind = ActionThrottle
				action.TargetFraction = 1 - shed
				action.PowerReductionKW = remaining
				action.DailyProfitDeltaUSD = -profit * shed
			}
		}

		plan.Actions = append(plan.Actions, action)
		reducedKW += action.PowerReductionKW
		// A negative delta is forgone profit; a positive one means the
		// device was mining at a loss and curtailing it saves money.
		if action.DailyProfitDeltaUSD < 0 {
			plan.EstimatedRevenueLossUSD -= action.DailyProfitDeltaUSD
		}
	}
	plan.EstimatedReductionKW = reducedKW

	e.emit("curtailment.plan", plan.ID, events.StatusOK, "", map[string]any{
		"strategy":     string(plan.Strategy),
		"target_kw":    plan.TargetKW,
		"estimated_kw": plan.EstimatedReductionKW,
		"actions":      len(plan.Actions),
	})
	return plan, nil
}

// priceContext assembles the pricing inputs for profitability estimates.
// Explicit request values win; missing values come from the data hub.
func (e *Engine) priceContext(ctx context.Context, req Request) (PriceContext, error) {
	pc := PriceContext{
		BTCUSD:               req.BTCPriceUSD,
		ElectricityUSDPerKWH: req.ElectricityPriceUSDPerKWH,
	}

	if e.hub != nil {
		if pc.BTCUSD <= 0 {
			price, err := e.hub.Price(ctx)
			if err != nil {
				if req.Strategy == StrategyRevenueFirst {
					return pc, fmt.Errorf("revenue ranking needs a price: %w", err)
				}
			} else {
				pc.BTCUSD = price.BTCUSD
				pc.PriceSource = price.Source
			}
		}
		chain, err := e.hub.ChainStats(ctx)
		if err != nil {
			if req.Strategy == StrategyRevenueFirst {
				return pc, fmt.Errorf("revenue ranking needs chain stats: %w", err)
			}
		} else {
			pc.NetworkHashratePHS = chain.NetworkHashratePHS
			pc.ChainSource = chain.Source
		}
	}
	return pc, nil
}

// rank orders candidates per the strategy, breaking ties by device id so
// identical inputs always produce an identical plan.
func rank(states []miner.State, strategy Strategy, pc PriceContext) {
	less := func(a, b miner.State) bool { return a.ID < b.ID }
	switch strategy {
	case StrategyEfficiencyFirst:
		// Ascending efficiency rank: the most W per TH goes first.
		less = func(a, b miner.State) bool {
			if a.EfficiencyWPerTH() != b.EfficiencyWPerTH() {
				return a.EfficiencyWPerTH() > b.EfficiencyWPerTH()
			}
			return a.ID < b.ID
		}
	case StrategyPowerFirst:
		less = func(a, b miner.State) bool {
			if a.PowerW != b.PowerW {
				return a.PowerW > b.PowerW
			}
			return a.ID < b.ID
		}
	case StrategyRevenueFirst:
		less = func(a, b miner.State) bool {
			pa, pb := dailyProfitUSD(a, pc), dailyProfitUSD(b, pc)
			if pa != pb {
				return pa < pb
			}
			return a.ID < b.ID
		}
	case StrategyTemperatureFirst:
		less = func(a, b miner.State) bool {
			if a.TemperatureC != b.TemperatureC {
				return a.TemperatureC > b.TemperatureC
			}
			return a.ID < b.ID
		}
	}
	sort.SliceStable(states, func(i, j int) bool { return less(states[i], states[j]) })
}

// Confirm moves a draft plan to confirmed.
func (e *Engine) Confirm(plan *Plan, actor string) error {
	if plan.Status != StatusDraft {
		return fmt.Errorf("%w: confirm from %q", ErrInvalidTransition, plan.Status)
	}
	plan.Status = StatusConfirmed
	e.emit("curtailment.confirm", plan.ID, events.StatusOK, actor, nil)
	return nil
}

// Execute runs a confirmed plan action-by-action in plan order. A
// per-action failure is recorded on the action and execution continues; a
// single unreachable device never blocks curtailment of the rest of the
// fleet. The final status is executed when every action succeeded, failed
// otherwise.
func (e *Engine) Execute(ctx context.Context, plan *Plan, actor string) error {
	if plan.Status != StatusConfirmed {
		return fmt.Errorf("%w: execute from %q", ErrInvalidTransition, plan.Status)
	}
	plan.Status = StatusExecuting

	failures := 0
	for i := range plan.Actions {
		action := &plan.Actions[i]
		err := e.apply(ctx, action)
		if err != nil {
			action.Error = err.Error()
			failures++
			continue
		}
		action.Executed = true
	}

	if failures == 0 {
		plan.Status = StatusExecuted
	} else {
		plan.Status = StatusFailed
	}

	status := events.StatusOK
	if failures > 0 {
		status = events.StatusError
	}
	e.emit("curtailment.execute", plan.ID, status, actor, map[string]any{
		"actions":  len(plan.Actions),
		"failures": failures,
		"final":    string(plan.Status),
	})
	return nil
}

func (e *Engine) apply(ctx context.Context, action *Action) error {
	adapter, err := e.registry.AdapterByID(action.MinerID)
	if err != nil {
		return err
	}
	fraction := 0.0
	if action.Kind == ActionThrottle {
		fraction = action.TargetFraction
	}
	return adapter.SetPowerLimit(ctx, fraction)
}

// Rollback replays an executed or failed plan in reverse, restoring each
// successfully-curtailed device to full power. Actions that never executed
// are skipped but still logged. Rolled-back is terminal.
func (e *Engine) Rollback(ctx context.Context, plan *Plan, actor string) error {
	if plan.Status != StatusExecuted && plan.Status != StatusFailed {
		return fmt.Errorf("%w: rollback from %q", ErrInvalidTransition, plan.Status)
	}

	for i := len(plan.Actions) - 1; i >= 0; i-- {
		action := &plan.Actions[i]
		if !action.Executed {
			// Nothing was applied to this device; record the no-op.
			e.emit("curtailment.rollback", fmt.Sprintf("%s:%s", plan.ID, action.MinerID), events.StatusOK, actor, map[string]any{
				"skipped": true,
			})
			continue
		}

		adapter, err := e.registry.AdapterByID(action.MinerID)
		if err == nil {
			err = adapter.SetPowerLimit(ctx, 1)
		}
		status := events.StatusOK
		details := map[string]any{"skipped": false}
		if err != nil {
			status = events.StatusError
			details["error"] = err.Error()
		} else {
			action.RolledBack = true
		}
		e.emit("curtailment.rollback", fmt.Sprintf("%s:%s", plan.ID, action.MinerID), status, actor, details)
	}

	plan.Status = StatusRolledBack
	e.emit("curtailment.rollback", plan.ID, events.StatusOK, actor, map[string]any{
		"actions": len(plan.Actions),
	})
	return nil
}

func (e *Engine) emit(typ, key, status, actor string, details map[string]any) {
	if e.log == nil {
		return
	}
	_ = e.log.Log(events.Event{
		Type:    typ,
		Source:  "curtail",
		Key:     key,
		Status:  status,
		Actor:   actor,
		Details: details,
	})
}
