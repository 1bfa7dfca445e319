package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrormarket/mirrormarket/internal/config"
	"github.com/mirrormarket/mirrormarket/internal/domain"
)

type settlementHarness struct {
	svc     *SettlementService
	trades  *fakeTradeStore
	conns   *fakeConnStore
	limiter *fakeLimiter
	locks   *fakeLocks
	bus     *fakeBus
	broker  *fakeBroker
}

func newSettlementHarness(t *testing.T) *settlementHarness {
	t.Helper()
	logger := slog.Default()

	h := &settlementHarness{
		trades:  newFakeTradeStore(),
		conns:   newFakeConnStore(),
		limiter: &fakeLimiter{allowed: true},
		locks:   newFakeLocks(),
		bus:     &fakeBus{},
		broker:  &fakeBroker{kind: domain.BrokerTradier, result: filledResult(2.00)},
	}

	factory := func(domain.BrokerKind, domain.BrokerCredentials) (domain.Broker, error) {
		return h.broker, nil
	}
	connSvc := NewConnectionService(h.conns, newFakeConnCache(), &fakeAuditStore{}, factory, testPassphrase, logger)

	hours, err := NewTradingHours(HoursConfig{
		Open:     "00:01",
		Close:    "23:59",
		Weekdays: []string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"},
		Timezone: "UTC",
	}, logger)
	require.NoError(t, err)

	prices, err := NewPriceResolver(config.PolicyBrokerReported, nil)
	require.NoError(t, err)

	h.svc = NewSettlementService(h.trades, connSvc, hours, prices, h.limiter, h.locks, h.bus,
		RateConfig{Limit: 10, Window: time.Minute}, logger)
	return h
}

// seedOpenTrade stores an OPEN position bought at 1.50 with the given number
// of contracts, plus an active connection for its owner.
func (h *settlementHarness) seedOpenTrade(t *testing.T, contracts int) domain.Trade {
	t.Helper()

	encrypted := encryptedTestCreds(t)
	conn := domain.BrokerConnection{
		ID:                   "conn-seller",
		UserID:               "seller-1",
		Kind:                 domain.BrokerTradier,
		EncryptedCredentials: encrypted,
		Active:               true,
	}
	require.NoError(t, h.conns.Create(context.Background(), conn))

	trade := domain.Trade{
		ID:       "trade-1",
		PersonID: "seller-1",
		Instrument: domain.Instrument{
			Underlying: "AAPL",
			Strike:     190,
			OptionType: domain.OptionCall,
			Expiry:     time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC),
		},
		Contracts:          contracts,
		RemainingContracts: contracts,
		FillPrice:          1.50,
		BuyNotional:        domain.Notional(1.50, contracts),
		Status:             domain.TradeStatusOpen,
		BrokerKind:         domain.BrokerTradier,
		ConnectionID:       conn.ID,
		CreatedAt:          time.Now().UTC(),
	}
	require.NoError(t, h.trades.Create(context.Background(), trade))
	return trade
}

func TestSellPartialFill(t *testing.T) {
	h := newSettlementHarness(t)
	trade := h.seedOpenTrade(t, 4)

	updated, fill, err := h.svc.Sell(context.Background(), SellRequest{
		TradeID:   trade.ID,
		PersonID:  "seller-1",
		Contracts: 1,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.TradeStatusOpen, updated.Status)
	assert.Equal(t, 3, updated.RemainingContracts)
	assert.InDelta(t, 200, updated.SellNotional, 1e-9)
	assert.Nil(t, updated.NetPnL)
	assert.Nil(t, updated.Outcome)
	assert.Equal(t, domain.OrderSideSell, h.broker.side)
	assert.Equal(t, 1, h.broker.lastQty)

	// The returned fill is the one that was persisted.
	assert.Equal(t, trade.ID, fill.TradeID)
	assert.Equal(t, 1, fill.Contracts)
	assert.InDelta(t, 2.00, fill.Price, 1e-9)
	assert.InDelta(t, 200, fill.Notional, 1e-9)

	fills, err := h.trades.ListFills(context.Background(), trade.ID)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, fill, fills[0])

	assert.Equal(t, []string{"settle:trade-1"}, h.locks.acquired)
	assert.Empty(t, h.locks.held, "lock released after sell")
}

func TestSellFullCloseComputesPnL(t *testing.T) {
	h := newSettlementHarness(t)
	trade := h.seedOpenTrade(t, 2)

	// First leg sells 1 contract at 2.00, second closes at 1.00. Buy side
	// was 2 contracts at 1.50 for 300 notional; sells total 200 + 100.
	_, _, err := h.svc.Sell(context.Background(), SellRequest{TradeID: trade.ID, PersonID: "seller-1", Contracts: 1})
	require.NoError(t, err)

	h.broker.result = filledResult(1.00)
	closed, _, err := h.svc.Sell(context.Background(), SellRequest{TradeID: trade.ID, PersonID: "seller-1", Contracts: 1})
	require.NoError(t, err)

	assert.Equal(t, domain.TradeStatusClosed, closed.Status)
	assert.Zero(t, closed.RemainingContracts)
	assert.InDelta(t, 300, closed.SellNotional, 1e-9)
	require.NotNil(t, closed.NetPnL)
	assert.InDelta(t, 0, *closed.NetPnL, 1e-9)
	require.NotNil(t, closed.Outcome)
	assert.Equal(t, domain.OutcomeBreakeven, *closed.Outcome)
}

func TestSellOutcomeClassification(t *testing.T) {
	tests := []struct {
		name      string
		sellPrice float64
		want      domain.Outcome
	}{
		{"win", 2.00, domain.OutcomeWin},
		{"loss", 1.00, domain.OutcomeLoss},
		{"breakeven", 1.50, domain.OutcomeBreakeven},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newSettlementHarness(t)
			trade := h.seedOpenTrade(t, 1)
			h.broker.result = filledResult(tc.sellPrice)

			closed, _, err := h.svc.Sell(context.Background(), SellRequest{TradeID: trade.ID, PersonID: "seller-1", Contracts: 1})
			require.NoError(t, err)
			require.NotNil(t, closed.Outcome)
			assert.Equal(t, tc.want, *closed.Outcome)
		})
	}
}

func TestSellGates(t *testing.T) {
	t.Run("non-positive contracts", func(t *testing.T) {
		h := newSettlementHarness(t)
		trade := h.seedOpenTrade(t, 2)

		_, _, err := h.svc.Sell(context.Background(), SellRequest{TradeID: trade.ID, PersonID: "seller-1", Contracts: 0})
		assert.ErrorIs(t, err, domain.ErrInvalidRequest)
		assert.Zero(t, h.broker.placed)
	})

	t.Run("too many contracts", func(t *testing.T) {
		h := newSettlementHarness(t)
		trade := h.seedOpenTrade(t, 2)

		_, _, err := h.svc.Sell(context.Background(), SellRequest{TradeID: trade.ID, PersonID: "seller-1", Contracts: 3})
		assert.ErrorIs(t, err, domain.ErrTooManyContracts)
		assert.Zero(t, h.broker.placed)
	})

	t.Run("rate limited before lock", func(t *testing.T) {
		h := newSettlementHarness(t)
		trade := h.seedOpenTrade(t, 2)
		h.limiter.allowed = false

		_, _, err := h.svc.Sell(context.Background(), SellRequest{TradeID: trade.ID, PersonID: "seller-1", Contracts: 1})
		assert.ErrorIs(t, err, domain.ErrRateLimited)
		assert.Empty(t, h.locks.acquired)
	})

	t.Run("not the owner", func(t *testing.T) {
		h := newSettlementHarness(t)
		trade := h.seedOpenTrade(t, 2)

		_, _, err := h.svc.Sell(context.Background(), SellRequest{TradeID: trade.ID, PersonID: "intruder", Contracts: 1})
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.Zero(t, h.broker.placed)
	})

	t.Run("closed trade", func(t *testing.T) {
		h := newSettlementHarness(t)
		trade := h.seedOpenTrade(t, 1)
		_, _, err := h.svc.Sell(context.Background(), SellRequest{TradeID: trade.ID, PersonID: "seller-1", Contracts: 1})
		require.NoError(t, err)

		_, _, err = h.svc.Sell(context.Background(), SellRequest{TradeID: trade.ID, PersonID: "seller-1", Contracts: 1})
		assert.ErrorIs(t, err, domain.ErrTradeNotOpen)
	})

	t.Run("concurrent sell blocked by lock", func(t *testing.T) {
		h := newSettlementHarness(t)
		trade := h.seedOpenTrade(t, 2)
		h.locks.held["settle:"+trade.ID] = true

		_, _, err := h.svc.Sell(context.Background(), SellRequest{TradeID: trade.ID, PersonID: "seller-1", Contracts: 1})
		assert.ErrorIs(t, err, domain.ErrLockHeld)
		assert.Zero(t, h.broker.placed)
	})
}

func TestSellUnpriceableAbortsWithoutFill(t *testing.T) {
	h := newSettlementHarness(t)
	trade := h.seedOpenTrade(t, 2)
	h.broker.result = domain.OrderResult{Success: true, OrderID: "ord-2", Status: "canceled"}

	_, _, err := h.svc.Sell(context.Background(), SellRequest{TradeID: trade.ID, PersonID: "seller-1", Contracts: 1})
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)

	// Nothing persisted, position unchanged.
	stored, getErr := h.trades.GetByID(context.Background(), trade.ID)
	require.NoError(t, getErr)
	assert.Equal(t, 2, stored.RemainingContracts)
	assert.Zero(t, stored.SellNotional)
	fills, _ := h.trades.ListFills(context.Background(), trade.ID)
	assert.Empty(t, fills)
}

func TestSellPublishesSettledEvent(t *testing.T) {
	h := newSettlementHarness(t)
	trade := h.seedOpenTrade(t, 1)

	closed, _, err := h.svc.Sell(context.Background(), SellRequest{TradeID: trade.ID, PersonID: "seller-1", Contracts: 1})
	require.NoError(t, err)

	require.Len(t, h.bus.published, 1)
	assert.Equal(t, domain.UserChannel("seller-1"), h.bus.published[0].channel)

	var event domain.Event
	require.NoError(t, json.Unmarshal(h.bus.published[0].payload, &event))
	assert.Equal(t, domain.EventTradeSettled, event.Type)
	assert.Equal(t, closed.ID, event.TradeID)
}
