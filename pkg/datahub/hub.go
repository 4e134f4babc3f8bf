// Package datahub aggregates external market and chain data behind a
// resilient primary/fallback fetch policy with short-TTL caching. Callers
// always learn which source satisfied a request; stale data is never served
// past its TTL.
package datahub

import (
	"context"
	"sync"
	"time"

	"github.com/minewatt/fleet-control/pkg/events"
)

// Cache TTLs per domain. Spot price moves fast; chain stats do not.
const (
	DefaultPriceTTL = 30 * time.Second
	DefaultChainTTL = 5 * time.Minute
)

// retryBackoff is the wait before the single retry against one provider.
const retryBackoff = 500 * time.Millisecond

// Hub serves price and chain snapshots from cache, refreshing through the
// primary provider and falling back to the secondary when it fails.
type Hub struct {
	pricePrimary  PriceProvider
	priceFallback PriceProvider
	chainPrimary  ChainProvider
	chainFallback ChainProvider

	priceTTL time.Duration
	chainTTL time.Duration
	log      *events.Logger

	mu    sync.RWMutex
	price *PriceSnapshot
	chain *ChainSnapshot
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithPriceTTL overrides the price cache TTL.
func WithPriceTTL(ttl time.Duration) HubOption {
	return func(h *Hub) { h.priceTTL = ttl }
}

// WithChainTTL overrides the chain-stats cache TTL.
func WithChainTTL(ttl time.Duration) HubOption {
	return func(h *Hub) { h.chainTTL = ttl }
}

// NewHub creates a hub over a primary and fallback provider per domain.
func NewHub(pricePrimary, priceFallback PriceProvider, chainPrimary, chainFallback ChainProvider, eventLog *events.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		pricePrimary:  pricePrimary,
		priceFallback: priceFallback,
		chainPrimary:  chainPrimary,
		chainFallback: chainFallback,
		priceTTL:      DefaultPriceTTL,
		chainTTL:      DefaultChainTTL,
		log:           eventLog,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Price returns the current spot-price snapshot, from cache when fresh.
func (h *Hub) Price(ctx context.Context) (PriceSnapshot, error) {
	h.mu.RLock()
	cached := h.price
	h.mu.RUnlock()
	if cached != nil && time.Now().Before(cached.ExpiresAt) {
		return *cached, nil
	}

	value, source, err := fetchWithFallback(ctx, h, "price",
		h.pricePrimary.Name(), func(ctx context.Context) (float64, error) { return h.pricePrimary.FetchPrice(ctx) },
		h.priceFallback.Name(), func(ctx context.Context) (float64, error) { return h.priceFallback.FetchPrice(ctx) },
	)
	if err != nil {
		return PriceSnapshot{}, err
	}

	now := time.Now()
	snap := PriceSnapshot{
		BTCUSD:    value,
		Source:    source,
		FetchedAt: now,
		ExpiresAt: now.Add(h.priceTTL),
	}
	h.mu.Lock()
	h.price = &snap
	h.mu.Unlock()
	return snap, nil
}

// ChainStats returns the current chain snapshot, from cache when fresh.
func (h *Hub) ChainStats(ctx context.Context) (ChainSnapshot, error) {
	h.mu.RLock()
	cached := h.chain
	h.mu.RUnlock()
	if cached != nil && time.Now().Before(cached.ExpiresAt) {
		return *cached, nil
	}

	value, source, err := fetchWithFallback(ctx, h, "chain",
		h.chainPrimary.Name(), func(ctx context.Context) (ChainStats, error) { return h.chainPrimary.FetchChainStats(ctx) },
		h.chainFallback.Name(), func(ctx context.Context) (ChainStats, error) { return h.chainFallback.FetchChainStats(ctx) },
	)
	if err != nil {
		return ChainSnapshot{}, err
	}

	now := time.Now()
	snap := ChainSnapshot{
		ChainStats: value,
		Source:     source,
		FetchedAt:  now,
		ExpiresAt:  now.Add(h.chainTTL),
	}
	h.mu.Lock()
	h.chain = &snap
	h.mu.Unlock()
	return snap, nil
}

// All fetches both domains. Either failing fails the call.
func (h *Hub) All(ctx context.Context) (Snapshots, error) {
	price, err := h.Price(ctx)
	if err != nil {
		return Snapshots{}, err
	}
	chain, err := h.ChainStats(ctx)
	if err != nil {
		return Snapshots{}, err
	}
	return Snapshots{Price: price, Chain: chain}, nil
}

// fetchWithFallback tries the primary provider with at most one retry, then
// the fallback under the same policy. One audit event is emitted per
// provider outcome: an error event for a provider whose attempts are
// exhausted, an ok event for the provider that satisfied the request.
func fetchWithFallback[T any](ctx context.Context, h *Hub, domain string,
	primaryName string, primary func(context.Context) (T, error),
	fallbackName string, fallback func(context.Context) (T, error),
) (T, Source, error) {
	value, primaryErr := fetchWithRetry(ctx, primary)
	if primaryErr == nil {
		h.emit(domain, primaryName, SourcePrimary, nil)
		return value, SourcePrimary, nil
	}
	h.emit(domain, primaryName, SourcePrimary, primaryErr)

	value, fallbackErr := fetchWithRetry(ctx, fallback)
	if fallbackErr == nil {
		h.emit(domain, fallbackName, SourceFallback, nil)
		return value, SourceFallback, nil
	}
	h.emit(domain, fallbackName, SourceFallback, fallbackErr)

	var zero T
	return zero, "", &SourceUnavailableError{
		Domain:      domain,
		PrimaryErr:  primaryErr,
		FallbackErr: fallbackErr,
	}
}

// fetchWithRetry performs one attempt and at most one retry after a short
// backoff.
func fetchWithRetry[T any](ctx context.Context, fetch func(context.Context) (T, error)) (T, error) {
	value, err := fetch(ctx)
	if err == nil {
		return value, nil
	}

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-time.After(retryBackoff):
	}
	return fetch(ctx)
}

func (h *Hub) emit(domain, provider string, source Source, err error) {
	if h.log == nil {
		return
	}
	status := events.StatusOK
	details := map[string]any{
		"provider": provider,
		"source":   string(source),
	}
	if err != nil {
		status = events.StatusError
		details["error"] = err.Error()
	}
	_ = h.log.Log(events.Event{
		Type:    "datahub.fetch",
		Source:  "datahub",
		Key:     domain,
		Status:  status,
		Details: details,
	})
}
