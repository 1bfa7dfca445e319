package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mirrormarket/mirrormarket/internal/broker"
	"github.com/mirrormarket/mirrormarket/internal/domain"
	"github.com/mirrormarket/mirrormarket/internal/service"
)

// TradeOpener defines the trade lifecycle methods the handler requires from
// the service layer.
type TradeOpener interface {
	Create(ctx context.Context, req service.CreateTradeRequest) (domain.Trade, error)
	Get(ctx context.Context, id, personID string) (domain.Trade, error)
	List(ctx context.Context, personID string, opts domain.ListOpts) ([]domain.Trade, error)
	ListFills(ctx context.Context, tradeID, personID string) ([]domain.Fill, error)
	Delete(ctx context.Context, id, personID string) error
}

// TradeSettler closes open contracts.
type TradeSettler interface {
	Sell(ctx context.Context, req service.SellRequest) (domain.Trade, domain.Fill, error)
}

// TradeHandler serves trade-related HTTP endpoints.
type TradeHandler struct {
	trades     TradeOpener
	settlement TradeSettler
	logger     *slog.Logger
}

// NewTradeHandler creates a TradeHandler with the given services and logger.
func NewTradeHandler(trades TradeOpener, settlement TradeSettler, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{
		trades:     trades,
		settlement: settlement,
		logger:     logger,
	}
}

// createTradeBody is the JSON request for opening a position. Expiry is a
// calendar date.
type createTradeBody struct {
	Underlying string  `json:"underlying"`
	Strike     float64 `json:"strike"`
	OptionType string  `json:"option_type"`
	Expiry     string  `json:"expiry"` // YYYY-MM-DD
	Contracts  int     `json:"contracts"`
	// ConnectionID optionally names the broker connection to route through.
	ConnectionID string `json:"connection_id"`
}

// listTradesResponse wraps the list trades response.
type listTradesResponse struct {
	Trades []domain.Trade `json:"trades"`
}

// CreateTrade opens a new position for the acting user.
// POST /api/trades
func (h *TradeHandler) CreateTrade(w http.ResponseWriter, r *http.Request) {
	actor := requireActor(w, r)
	if actor == "" {
		return
	}

	var body createTradeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	expiry, err := time.ParseInLocation("2006-01-02", body.Expiry, time.UTC)
	if err != nil {
		writeError(w, http.StatusBadRequest, "expiry must be a YYYY-MM-DD date")
		return
	}

	trade, err := h.trades.Create(r.Context(), service.CreateTradeRequest{
		PersonID:     actor,
		Underlying:   body.Underlying,
		Strike:       body.Strike,
		OptionType:   domain.OptionType(body.OptionType),
		Expiry:       expiry,
		Contracts:    body.Contracts,
		ConnectionID: body.ConnectionID,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, trade)
}

// ListTrades returns the acting user's trades.
// GET /api/trades?status=OPEN&search=AAPL&limit=50&offset=0
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	actor := requireActor(w, r)
	if actor == "" {
		return
	}

	trades, err := h.trades.List(r.Context(), actor, parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if trades == nil {
		trades = []domain.Trade{}
	}

	writeJSON(w, http.StatusOK, listTradesResponse{Trades: trades})
}

// GetTrade returns one of the acting user's trades by ID.
// GET /api/trades/{id}
func (h *TradeHandler) GetTrade(w http.ResponseWriter, r *http.Request) {
	actor := requireActor(w, r)
	if actor == "" {
		return
	}

	trade, err := h.trades.Get(r.Context(), pathParam(r, "id"), actor)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, trade)
}

// ListFills returns the fill history for one of the acting user's trades.
// GET /api/trades/{id}/fills
func (h *TradeHandler) ListFills(w http.ResponseWriter, r *http.Request) {
	actor := requireActor(w, r)
	if actor == "" {
		return
	}

	fills, err := h.trades.ListFills(r.Context(), pathParam(r, "id"), actor)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if fills == nil {
		fills = []domain.Fill{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"fills": fills})
}

// sellTradeBody is the JSON request for closing contracts.
type sellTradeBody struct {
	Contracts int `json:"contracts"`
}

// SellTrade closes some or all remaining contracts of an open trade.
// POST /api/trades/{id}/sell
func (h *TradeHandler) SellTrade(w http.ResponseWriter, r *http.Request) {
	actor := requireActor(w, r)
	if actor == "" {
		return
	}

	var body sellTradeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	trade, fill, err := h.settlement.Sell(r.Context(), service.SellRequest{
		TradeID:   pathParam(r, "id"),
		PersonID:  actor,
		Contracts: body.Contracts,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"trade": trade,
		"fill":  fill,
	})
}

// DeleteTrade removes one of the acting user's open trades locally. The
// brokerage position is untouched.
// DELETE /api/trades/{id}
func (h *TradeHandler) DeleteTrade(w http.ResponseWriter, r *http.Request) {
	actor := requireActor(w, r)
	if actor == "" {
		return
	}

	id := pathParam(r, "id")
	if err := h.trades.Delete(r.Context(), id, actor); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "deleted",
		"trade_id": id,
	})
}

// EstimateCost returns the regulatory fee and notional breakdown for a
// hypothetical order without touching a brokerage.
// GET /api/trades/estimate?side=buy&contracts=2&price=1.25
func (h *TradeHandler) EstimateCost(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	side := domain.OrderSide(q.Get("side"))
	if side != domain.OrderSideBuy && side != domain.OrderSideSell {
		writeError(w, http.StatusBadRequest, "side must be buy or sell")
		return
	}

	contracts, err := strconv.Atoi(q.Get("contracts"))
	if err != nil || contracts <= 0 {
		writeError(w, http.StatusBadRequest, "contracts must be a positive integer")
		return
	}

	price, err := strconv.ParseFloat(q.Get("price"), 64)
	if err != nil || price <= 0 {
		writeError(w, http.StatusBadRequest, "price must be a positive number")
		return
	}

	writeJSON(w, http.StatusOK, broker.EstimateCost(side, contracts, price))
}
