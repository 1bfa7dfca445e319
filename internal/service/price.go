package service

import (
	"context"
	"fmt"

	"github.com/mirrormarket/mirrormarket/internal/config"
	"github.com/mirrormarket/mirrormarket/internal/domain"
)

// PriceResolver decides where a new position's fill price comes from.
//
// Under the broker-reported policy the price arrives with the order result
// (the adapter already waited for the execution report); a missing price is
// a soft failure the caller persists as REJECTED. Under the external-snapshot
// policy the price is resolved here, before any order is placed, and a
// resolution failure aborts the whole request.
type PriceResolver struct {
	policy config.PricePolicy
	md     domain.MarketData
}

// NewPriceResolver builds a resolver for the configured policy. md may be
// nil under the broker-reported policy.
func NewPriceResolver(policy config.PricePolicy, md domain.MarketData) (*PriceResolver, error) {
	if policy == config.PolicyExternalSnapshot && md == nil {
		return nil, fmt.Errorf("service: external_snapshot policy requires a market data client")
	}
	return &PriceResolver{policy: policy, md: md}, nil
}

// Policy returns the active price policy.
func (r *PriceResolver) Policy() config.PricePolicy { return r.policy }

// PreTradePrice resolves the fill price to book before placing the order.
// It returns (nil, nil) under the broker-reported policy: the price will
// come from the execution report instead.
func (r *PriceResolver) PreTradePrice(ctx context.Context, inst domain.Instrument) (*float64, error) {
	if r.policy != config.PolicyExternalSnapshot {
		return nil, nil
	}

	snap, err := r.md.GetSnapshot(ctx, inst)
	if err != nil {
		return nil, fmt.Errorf("service: resolve snapshot price: %w", err)
	}
	mid := snap.Mid()
	if mid <= 0 {
		return nil, fmt.Errorf("service: snapshot has no usable price: %w", domain.ErrPriceUnavailable)
	}
	return &mid, nil
}

// FillPrice picks the price to book for an accepted order. preResolved is
// the PreTradePrice result; result is the broker's order outcome. The bool
// reports whether the price is broker-verified. A (nil, false) return means
// the order went through but can never be priced.
func (r *PriceResolver) FillPrice(preResolved *float64, result domain.OrderResult) (*float64, bool) {
	// A broker-reported execution price wins under either policy.
	if result.ExecutionPrice != nil {
		return result.ExecutionPrice, true
	}
	if r.policy == config.PolicyExternalSnapshot && preResolved != nil {
		return preResolved, false
	}
	return nil, false
}
