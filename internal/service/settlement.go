package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mirrormarket/mirrormarket/internal/domain"
)

// settleLockTTL bounds how long a per-trade settlement lock can outlive its
// holder.
const settleLockTTL = 30 * time.Second

// SellRequest is the input for selling contracts out of an open position.
type SellRequest struct {
	TradeID   string `json:"trade_id"`
	PersonID  string `json:"person_id"`
	Contracts int    `json:"contracts"`
}

// SettlementService sells contracts out of open positions, applies fills,
// and computes realized P&L. Partial fills accumulate into SellNotional, so
// the final P&L is independent of how the exit was sliced.
type SettlementService struct {
	trades  domain.TradeStore
	conns   *ConnectionService
	hours   *TradingHours
	prices  *PriceResolver
	limiter domain.RateLimiter
	locks   domain.LockManager
	bus     domain.SignalBus
	rate    RateConfig
	logger  *slog.Logger
}

// NewSettlementService creates a SettlementService.
func NewSettlementService(
	trades domain.TradeStore,
	conns *ConnectionService,
	hours *TradingHours,
	prices *PriceResolver,
	limiter domain.RateLimiter,
	locks domain.LockManager,
	bus domain.SignalBus,
	rate RateConfig,
	logger *slog.Logger,
) *SettlementService {
	return &SettlementService{
		trades:  trades,
		conns:   conns,
		hours:   hours,
		prices:  prices,
		limiter: limiter,
		locks:   locks,
		bus:     bus,
		rate:    rate,
		logger:  logger.With(slog.String("component", "settlement_service")),
	}
}

// Sell executes a partial or full exit and returns the updated trade along
// with the fill it produced. Gates run in order: validation, rate limit,
// market hours, then a per-trade lock so concurrent sells serialize. The
// fill only persists once a usable sale price exists; an unpriceable sell
// aborts with ErrPriceUnavailable and changes nothing.
func (s *SettlementService) Sell(ctx context.Context, req SellRequest) (domain.Trade, domain.Fill, error) {
	if req.Contracts <= 0 {
		return domain.Trade{}, domain.Fill{}, fmt.Errorf("settlement: contracts must be positive: %w", domain.ErrInvalidRequest)
	}

	allowed, err := s.limiter.Allow(ctx, "trades:"+req.PersonID, s.rate.Limit, s.rate.Window)
	if err != nil {
		return domain.Trade{}, domain.Fill{}, fmt.Errorf("settlement: rate limiter: %w", err)
	}
	if !allowed {
		return domain.Trade{}, domain.Fill{}, domain.ErrRateLimited
	}

	if err := s.hours.EnsureOpen(ctx, time.Now()); err != nil {
		return domain.Trade{}, domain.Fill{}, err
	}

	unlock, err := s.locks.Acquire(ctx, "settle:"+req.TradeID, settleLockTTL)
	if err != nil {
		return domain.Trade{}, domain.Fill{}, fmt.Errorf("settlement: lock trade %s: %w", req.TradeID, err)
	}
	defer unlock()

	// Read the authoritative state under the lock.
	trade, err := s.trades.GetByID(ctx, req.TradeID)
	if err != nil {
		return domain.Trade{}, domain.Fill{}, fmt.Errorf("settlement: get trade %s: %w", req.TradeID, err)
	}
	if trade.PersonID != req.PersonID {
		return domain.Trade{}, domain.Fill{}, domain.ErrNotFound
	}
	if trade.Status != domain.TradeStatusOpen {
		return domain.Trade{}, domain.Fill{}, domain.ErrTradeNotOpen
	}
	if req.Contracts > trade.RemainingContracts {
		return domain.Trade{}, domain.Fill{}, domain.ErrTooManyContracts
	}

	conn, err := s.conns.ResolveActive(ctx, req.PersonID)
	if err != nil {
		return domain.Trade{}, domain.Fill{}, err
	}
	bk, err := s.conns.OpenBroker(conn)
	if err != nil {
		return domain.Trade{}, domain.Fill{}, err
	}

	preResolved, err := s.prices.PreTradePrice(ctx, trade.Instrument)
	if err != nil {
		return domain.Trade{}, domain.Fill{}, err
	}

	result, err := bk.PlaceOptionOrder(ctx, trade.Instrument, domain.OrderSideSell, req.Contracts)
	if err != nil {
		return domain.Trade{}, domain.Fill{}, fmt.Errorf("settlement: place sell order: %w", err)
	}
	if !result.Success {
		return domain.Trade{}, domain.Fill{}, &BrokerRejectionError{Rejection: *result.Error}
	}

	price, _ := s.prices.FillPrice(preResolved, result)
	if price == nil {
		// The sale may have executed at the broker, but without a price the
		// book cannot absorb it. Surface the problem instead of guessing.
		s.logger.ErrorContext(ctx, "sell order accepted without usable price",
			slog.String("trade_id", trade.ID),
			slog.String("order_id", result.OrderID),
		)
		return domain.Trade{}, domain.Fill{}, domain.ErrPriceUnavailable
	}

	now := time.Now().UTC()
	fill := domain.Fill{
		ID:        uuid.New().String(),
		TradeID:   trade.ID,
		Contracts: req.Contracts,
		Price:     *price,
		Notional:  domain.Notional(*price, req.Contracts),
		CreatedAt: now,
	}

	updated := trade
	updated.RemainingContracts -= req.Contracts
	updated.SellNotional += fill.Notional
	if updated.RemainingContracts == 0 {
		updated.Status = domain.TradeStatusClosed
		pnl := updated.SellNotional - updated.BuyNotional
		outcome := domain.ClassifyOutcome(pnl)
		updated.NetPnL = &pnl
		updated.Outcome = &outcome
	}

	if err := s.trades.ApplyFill(ctx, fill, updated); err != nil {
		return domain.Trade{}, domain.Fill{}, fmt.Errorf("settlement: apply fill: %w", err)
	}

	s.publishSettled(ctx, updated, fill)
	return updated, fill, nil
}

func (s *SettlementService) publishSettled(ctx context.Context, trade domain.Trade, fill domain.Fill) {
	payload, err := json.Marshal(domain.Event{
		Type:    domain.EventTradeSettled,
		TradeID: trade.ID,
		Payload: map[string]any{"trade": trade, "fill": fill},
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "marshal settled event", slog.String("error", err.Error()))
		return
	}
	if err := s.bus.Publish(ctx, domain.UserChannel(trade.PersonID), payload); err != nil {
		s.logger.WarnContext(ctx, "publish settled event failed",
			slog.String("trade_id", trade.ID),
			slog.String("error", err.Error()),
		)
	}
}
