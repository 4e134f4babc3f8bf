package curtail

import (
	"errors"
	"time"

	"github.com/minewatt/fleet-control/pkg/datahub"
)

// Strategy selects how devices are ranked for curtailment.
type Strategy string

const (
	// StrategyEfficiencyFirst curtails the least efficient devices
	// (highest W per TH) first, preserving the most hashrate per watt.
	StrategyEfficiencyFirst Strategy = "efficiency_first"

	// StrategyPowerFirst curtails the largest power draws first.
	StrategyPowerFirst Strategy = "power_first"

	// StrategyRevenueFirst curtails the least profitable devices first.
	StrategyRevenueFirst Strategy = "revenue_first"

	// StrategyTemperatureFirst curtails the hottest devices first.
	StrategyTemperatureFirst Strategy = "temperature_first"
)

// ValidStrategy reports whether s names a known strategy.
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategyEfficiencyFirst, StrategyPowerFirst, StrategyRevenueFirst, StrategyTemperatureFirst:
		return true
	}
	return false
}

// Status is a plan lifecycle state. Transitions are monotonic except the
// explicit rollback path, which is terminal.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusConfirmed  Status = "confirmed"
	StatusExecuting  Status = "executing"
	StatusExecuted   Status = "executed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// ActionKind distinguishes a full stop from a partial throttle.
type ActionKind string

const (
	ActionStop     ActionKind = "stop"
	ActionThrottle ActionKind = "throttle"
)

// Action is one per-device curtailment step. Ordering within a plan is
// significant and preserved through execution and rollback.
type Action struct {
	MinerID string     `json:"miner_id"`
	Kind    ActionKind `json:"action"`

	// TargetFraction is the power fraction a throttle sets; 0 for stops.
	TargetFraction float64 `json:"target_power_fraction"`

	// PowerReductionKW is this action's estimated contribution.
	PowerReductionKW float64 `json:"power_reduction_kw"`

	// DailyProfitDeltaUSD is the estimated change in daily profit from
	// this action: negative when the device was earning, positive when
	// it was mining at a loss and curtailing it saves money.
	DailyProfitDeltaUSD float64 `json:"daily_profit_delta_usd"`

	// Execution results, populated by Execute and Rollback.
	Executed   bool   `json:"executed"`
	RolledBack bool   `json:"rolled_back"`
	Error      string `json:"error,omitempty"`
}

// PriceContext records the inputs profitability estimates were computed
// from, including the source attribution of external data.
type PriceContext struct {
	BTCUSD               float64        `json:"btc_usd"`
	ElectricityUSDPerKWH float64        `json:"electricity_usd_per_kwh"`
	NetworkHashratePHS   float64        `json:"network_hashrate_phs"`
	PriceSource          datahub.Source `json:"price_source,omitempty"`
	ChainSource          datahub.Source `json:"chain_source,omitempty"`
}

// Plan is an ordered set of curtailment actions with an estimated aggregate
// effect. Once confirmed its action list is immutable; execution records
// per-action results in place.
type Plan struct {
	ID          string    `json:"plan_id"`
	Status      Status    `json:"status"`
	Strategy    Strategy  `json:"strategy"`
	TargetKW    float64   `json:"target_reduction_kw"`
	TargetPct   float64   `json:"target_reduction_pct,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`

	Actions []Action `json:"actions"`

	EstimatedReductionKW    float64      `json:"estimated_reduction_kw"`
	EstimatedRevenueLossUSD float64      `json:"estimated_revenue_loss_usd"`
	Price                   PriceContext `json:"price_context"`
}

// Request describes a curtailment planning request. Exactly one of TargetKW
// or TargetPct must be set.
type Request struct {
	TargetKW  float64 `json:"target_reduction_kw,omitempty"`
	TargetPct float64 `json:"target_reduction_pct,omitempty"`

	Strategy   Strategy `json:"strategy"`
	MaxMiners  int      `json:"max_miners_to_curtail,omitempty"`
	ExcludeIDs []string `json:"exclude_miner_ids,omitempty"`

	ElectricityPriceUSDPerKWH float64 `json:"electricity_price"`
	BTCPriceUSD               float64 `json:"btc_price,omitempty"`

	// MaxThrottleFraction is the largest share of a device's draw that may
	// be shed by throttling before a full stop is used instead. Zero means
	// throttling is disabled and every action is a stop.
	MaxThrottleFraction float64 `json:"max_throttle_fraction,omitempty"`
}

var (
	// ErrTargetRequired indicates a request set neither a kW nor a
	// percentage target.
	ErrTargetRequired = errors.New("target reduction required (kw or pct)")

	// ErrUnknownStrategy indicates an unrecognized strategy name.
	ErrUnknownStrategy = errors.New("unknown curtailment strategy")

	// ErrInvalidTransition indicates a lifecycle call on a plan whose
	// status does not permit it.
	ErrInvalidTransition = errors.New("invalid plan status transition")
)
