package datahub

import (
	"errors"
	"fmt"
	"time"
)

// Source records which provider satisfied a fetch. It is visible to
// callers so downstream profitability math can flag degraded-confidence
// inputs.
type Source string

const (
	SourcePrimary  Source = "primary"
	SourceFallback Source = "fallback"
)

// PriceSnapshot is an immutable spot-price observation. Snapshots are
// superseded on refresh, never mutated.
type PriceSnapshot struct {
	BTCUSD    float64   `json:"btc_usd"`
	Source    Source    `json:"source"`
	FetchedAt time.Time `json:"fetched_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ChainStats are the raw network statistics a chain provider reports.
type ChainStats struct {
	NetworkHashratePHS float64 `json:"network_hashrate_phs"`
	Difficulty         float64 `json:"difficulty"`
	BlockHeight        int64   `json:"block_height"`
}

// ChainSnapshot is an immutable chain/network statistics observation.
type ChainSnapshot struct {
	ChainStats
	Source    Source    `json:"source"`
	FetchedAt time.Time `json:"fetched_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Snapshots bundles both domains for the combined endpoint.
type Snapshots struct {
	Price PriceSnapshot `json:"price"`
	Chain ChainSnapshot `json:"chain"`
}

// ErrSourceUnavailable reports that every provider for a domain failed.
// Callers never receive silently-stale data past its TTL instead.
var ErrSourceUnavailable = errors.New("all data sources unavailable")

// SourceUnavailableError carries the per-provider causes for a domain.
type SourceUnavailableError struct {
	Domain      string
	PrimaryErr  error
	FallbackErr error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("datahub %s: all sources unavailable (primary: %v; fallback: %v)",
		e.Domain, e.PrimaryErr, e.FallbackErr)
}

func (e *SourceUnavailableError) Unwrap() error { return ErrSourceUnavailable }
