package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mirrormarket/mirrormarket/internal/broker"
	"github.com/mirrormarket/mirrormarket/internal/domain"
	"github.com/mirrormarket/mirrormarket/internal/notify"
)

// BrokerRejectionError carries a normalized broker-side rejection up to the
// transport layer. The order never went through, so nothing was persisted.
type BrokerRejectionError struct {
	Rejection domain.BrokerError
}

func (e *BrokerRejectionError) Error() string {
	return fmt.Sprintf("broker rejected order (%s): %s", e.Rejection.Kind, e.Rejection.Message)
}

// CreateTradeRequest is the input for opening a new position.
type CreateTradeRequest struct {
	PersonID   string            `json:"person_id"`
	Underlying string            `json:"underlying"`
	Strike     float64           `json:"strike"`
	OptionType domain.OptionType `json:"option_type"`
	Expiry     time.Time         `json:"expiry"`
	Contracts  int               `json:"contracts"`
	// ConnectionID optionally routes the order through a specific broker
	// connection instead of the default active one.
	ConnectionID string `json:"connection_id,omitempty"`
}

func (r CreateTradeRequest) instrument() domain.Instrument {
	return domain.Instrument{
		Underlying: r.Underlying,
		Strike:     r.Strike,
		OptionType: r.OptionType,
		Expiry:     r.Expiry,
	}
}

// RateConfig is the per-user sliding-window budget for operations that reach
// a brokerage.
type RateConfig struct {
	Limit  int
	Window time.Duration
}

// TradeService orchestrates the trade lifecycle: validation, gating, broker
// execution, price resolution, the transactional commit, and post-commit
// event publication.
type TradeService struct {
	trades   domain.TradeStore
	conns    *ConnectionService
	hours    *TradingHours
	prices   *PriceResolver
	limiter  domain.RateLimiter
	bus      domain.SignalBus
	notifier *notify.Notifier
	rate     RateConfig
	logger   *slog.Logger
}

// NewTradeService creates a TradeService with all required collaborators.
func NewTradeService(
	trades domain.TradeStore,
	conns *ConnectionService,
	hours *TradingHours,
	prices *PriceResolver,
	limiter domain.RateLimiter,
	bus domain.SignalBus,
	notifier *notify.Notifier,
	rate RateConfig,
	logger *slog.Logger,
) *TradeService {
	return &TradeService{
		trades:   trades,
		conns:    conns,
		hours:    hours,
		prices:   prices,
		limiter:  limiter,
		bus:      bus,
		notifier: notifier,
		rate:     rate,
		logger:   logger.With(slog.String("component", "trade_service")),
	}
}

// Create opens a new position for a creator. The abort gates run in a fixed
// order, each before any money can move: validation, rate limit, market
// hours, connection resolution, then (under the snapshot policy) price
// resolution, and only then the broker order. After the broker accepts, the
// trade always persists, as OPEN when priced and REJECTED when not.
func (s *TradeService) Create(ctx context.Context, req CreateTradeRequest) (domain.Trade, error) {
	inst := req.instrument()
	if err := s.validateCreate(req, inst); err != nil {
		return domain.Trade{}, err
	}

	if err := s.allow(ctx, req.PersonID); err != nil {
		return domain.Trade{}, err
	}

	if err := s.hours.EnsureOpen(ctx, time.Now()); err != nil {
		return domain.Trade{}, err
	}

	conn, err := s.conns.Resolve(ctx, req.PersonID, req.ConnectionID)
	if err != nil {
		return domain.Trade{}, err
	}
	bk, err := s.conns.OpenBroker(conn)
	if err != nil {
		return domain.Trade{}, err
	}

	// Under the snapshot policy a price failure aborts before the order.
	preResolved, err := s.prices.PreTradePrice(ctx, inst)
	if err != nil {
		return domain.Trade{}, err
	}

	result, err := bk.PlaceOptionOrder(ctx, inst, domain.OrderSideBuy, req.Contracts)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("trade_service: place order: %w", err)
	}
	if !result.Success {
		return domain.Trade{}, &BrokerRejectionError{Rejection: *result.Error}
	}

	price, verified := s.prices.FillPrice(preResolved, result)
	now := time.Now().UTC()

	trade := domain.Trade{
		ID:              uuid.New().String(),
		PersonID:        req.PersonID,
		Instrument:      inst,
		Contracts:       req.Contracts,
		BrokerKind:      conn.Kind,
		ConnectionID:    conn.ID,
		ExternalOrderID: result.OrderID,
		PriceVerified:   verified,
		CreatedAt:       now,
		ExecutedAt:      &now,
	}

	if price == nil {
		// Soft fail: the broker accepted the order but it can never be
		// priced. The record is kept for audit with zero notional, out of
		// the open book and out of performance stats. No plays are consumed
		// and no fan-out happens for an unpriced trade.
		trade.Status = domain.TradeStatusRejected
		if err := s.trades.Create(ctx, trade); err != nil {
			return domain.Trade{}, fmt.Errorf("trade_service: persist rejected trade: %w", err)
		}

		s.logger.WarnContext(ctx, "trade soft-failed without execution price",
			slog.String("trade_id", trade.ID),
			slog.String("person_id", trade.PersonID),
			slog.String("order_id", result.OrderID),
		)
		if err := s.notifier.Notify(ctx, notify.Alert{
			Event:   "trade_soft_failed",
			Title:   "Trade rejected",
			Body:    fmt.Sprintf("trade for %s had no usable execution price (order %s)", trade.PersonID, result.OrderID),
			TradeID: trade.ID,
		}); err != nil {
			s.logger.WarnContext(ctx, "notify failed", slog.String("error", err.Error()))
		}

		s.publishUserEvent(ctx, trade.PersonID, domain.EventTradeCreated, trade)
		return trade, nil
	}

	trade.Status = domain.TradeStatusOpen
	trade.FillPrice = *price
	trade.BuyNotional = domain.Notional(*price, req.Contracts)
	trade.RemainingContracts = req.Contracts

	commit, err := s.trades.CreateWithConsume(ctx, trade)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("trade_service: persist trade: %w", err)
	}
	if commit.LedgerErr != nil {
		s.logger.ErrorContext(ctx, "play ledger update failed, trade committed anyway",
			slog.String("trade_id", trade.ID),
			slog.String("error", commit.LedgerErr.Error()),
		)
	}

	// Post-commit side effects, in order: the creator's own event, then the
	// durable fan-out job, then the feed hint.
	s.publishUserEvent(ctx, trade.PersonID, domain.EventTradeCreated, trade)
	s.enqueueFanout(ctx, trade)
	s.publishFeedEvent(ctx, trade, commit.PlaysConsumed)

	return trade, nil
}

// Mirror opens a follower's copy of a committed creator trade. The follower
// gets the same gating a creator does apart from market hours, which the
// creator's own order proved open moments ago.
func (s *TradeService) Mirror(ctx context.Context, follower domain.EligibleFollower, source domain.Trade) (domain.Trade, error) {
	if err := s.allow(ctx, follower.FollowerID); err != nil {
		return domain.Trade{}, err
	}

	bk, err := s.conns.OpenBroker(follower.Connection)
	if err != nil {
		return domain.Trade{}, err
	}

	preResolved, err := s.prices.PreTradePrice(ctx, source.Instrument)
	if err != nil {
		return domain.Trade{}, err
	}

	result, err := bk.PlaceOptionOrder(ctx, source.Instrument, domain.OrderSideBuy, source.Contracts)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("trade_service: mirror order: %w", err)
	}
	if !result.Success {
		return domain.Trade{}, &BrokerRejectionError{Rejection: *result.Error}
	}

	price, verified := s.prices.FillPrice(preResolved, result)
	now := time.Now().UTC()

	trade := domain.Trade{
		ID:              uuid.New().String(),
		PersonID:        follower.FollowerID,
		Instrument:      source.Instrument,
		Contracts:       source.Contracts,
		BrokerKind:      follower.Connection.Kind,
		ConnectionID:    follower.Connection.ID,
		ExternalOrderID: result.OrderID,
		PriceVerified:   verified,
		SourceTradeID:   &source.ID,
		CreatedAt:       now,
		ExecutedAt:      &now,
	}

	if price == nil {
		trade.Status = domain.TradeStatusRejected
	} else {
		trade.Status = domain.TradeStatusOpen
		trade.FillPrice = *price
		trade.BuyNotional = domain.Notional(*price, source.Contracts)
		trade.RemainingContracts = source.Contracts
	}

	if err := s.trades.Create(ctx, trade); err != nil {
		return domain.Trade{}, fmt.Errorf("trade_service: persist mirrored trade: %w", err)
	}

	// The follower's event only fires after their own commit.
	s.publishUserEvent(ctx, follower.FollowerID, domain.EventTradeCreated, trade)
	return trade, nil
}

// Get returns a trade visible to the requesting person.
func (s *TradeService) Get(ctx context.Context, id, personID string) (domain.Trade, error) {
	trade, err := s.trades.GetByID(ctx, id)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("trade_service: get trade %s: %w", id, err)
	}
	if trade.PersonID != personID {
		return domain.Trade{}, domain.ErrNotFound
	}
	return trade, nil
}

// List returns a person's trades with pagination and filtering.
func (s *TradeService) List(ctx context.Context, personID string, opts domain.ListOpts) ([]domain.Trade, error) {
	trades, err := s.trades.ListByPerson(ctx, personID, opts)
	if err != nil {
		return nil, fmt.Errorf("trade_service: list trades: %w", err)
	}
	return trades, nil
}

// ListFills returns the fills of a trade the person owns.
func (s *TradeService) ListFills(ctx context.Context, tradeID, personID string) ([]domain.Fill, error) {
	if _, err := s.Get(ctx, tradeID, personID); err != nil {
		return nil, err
	}
	fills, err := s.trades.ListFills(ctx, tradeID)
	if err != nil {
		return nil, fmt.Errorf("trade_service: list fills: %w", err)
	}
	return fills, nil
}

// Delete removes an OPEN trade record owned by the person. This is local
// bookkeeping; no broker order is touched.
func (s *TradeService) Delete(ctx context.Context, id, personID string) error {
	if err := s.trades.Delete(ctx, id, personID); err != nil {
		return fmt.Errorf("trade_service: delete trade %s: %w", id, err)
	}
	s.publishUserEvent(ctx, personID, domain.EventTradeDeleted, domain.Trade{ID: id, PersonID: personID})
	return nil
}

func (s *TradeService) validateCreate(req CreateTradeRequest, inst domain.Instrument) error {
	if req.PersonID == "" {
		return fmt.Errorf("trade_service: person id required: %w", domain.ErrInvalidRequest)
	}
	if req.Contracts <= 0 {
		return fmt.Errorf("trade_service: contracts must be positive: %w", domain.ErrInvalidRequest)
	}
	return broker.ValidateInstrument(inst)
}

// allow enforces the per-user sliding window ahead of any broker call. A
// limiter infrastructure failure blocks the request: losing the limiter must
// not become an unthrottled path to the brokerage.
func (s *TradeService) allow(ctx context.Context, personID string) error {
	allowed, err := s.limiter.Allow(ctx, "trades:"+personID, s.rate.Limit, s.rate.Window)
	if err != nil {
		return fmt.Errorf("trade_service: rate limiter: %w", err)
	}
	if !allowed {
		return domain.ErrRateLimited
	}
	return nil
}

func (s *TradeService) publishUserEvent(ctx context.Context, userID, event string, trade domain.Trade) {
	payload, err := json.Marshal(domain.Event{Type: event, TradeID: trade.ID, Payload: trade})
	if err != nil {
		s.logger.ErrorContext(ctx, "marshal user event", slog.String("error", err.Error()))
		return
	}
	if err := s.bus.Publish(ctx, domain.UserChannel(userID), payload); err != nil {
		s.logger.WarnContext(ctx, "publish user event failed",
			slog.String("user_id", userID),
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (s *TradeService) publishFeedEvent(ctx context.Context, trade domain.Trade, followers int64) {
	update := domain.FeedUpdate{CreatorID: trade.PersonID, TradeID: trade.ID, Followers: followers}
	payload, err := json.Marshal(domain.Event{Type: domain.EventFeedUpdated, TradeID: trade.ID, Payload: update})
	if err != nil {
		s.logger.ErrorContext(ctx, "marshal feed event", slog.String("error", err.Error()))
		return
	}
	if err := s.bus.Publish(ctx, domain.FeedChannel(trade.PersonID), payload); err != nil {
		s.logger.WarnContext(ctx, "publish feed event failed",
			slog.String("creator_id", trade.PersonID),
			slog.String("error", err.Error()),
		)
	}
}

// enqueueFanout appends the durable fan-out job. The stream write happens
// strictly after the trade's commit; a failed append is logged and alerted
// rather than rolling anything back.
func (s *TradeService) enqueueFanout(ctx context.Context, trade domain.Trade) {
	job := domain.FanoutJob{
		TradeID:    trade.ID,
		CreatorID:  trade.PersonID,
		EnqueuedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(job)
	if err != nil {
		s.logger.ErrorContext(ctx, "marshal fanout job", slog.String("error", err.Error()))
		return
	}
	if err := s.bus.StreamAppend(ctx, domain.FanoutStream, payload); err != nil {
		s.logger.ErrorContext(ctx, "fanout enqueue failed",
			slog.String("trade_id", trade.ID),
			slog.String("error", err.Error()),
		)
		if nErr := s.notifier.Notify(ctx, notify.Alert{
			Event:   "fanout_failure",
			Title:   "Fan-out enqueue failed",
			Body:    fmt.Sprintf("trade committed but its fan-out job could not be enqueued: %v", err),
			TradeID: trade.ID,
		}); nErr != nil {
			s.logger.WarnContext(ctx, "notify failed", slog.String("error", nErr.Error()))
		}
	}
}
