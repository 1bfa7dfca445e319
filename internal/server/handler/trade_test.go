package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrormarket/mirrormarket/internal/domain"
	"github.com/mirrormarket/mirrormarket/internal/service"
)

type stubTrades struct {
	createReq  service.CreateTradeRequest
	createResp domain.Trade
	createErr  error
	getResp    domain.Trade
	getErr     error
	listResp   []domain.Trade
	fills      []domain.Fill
	deleteErr  error
	deletedID  string
}

func (s *stubTrades) Create(_ context.Context, req service.CreateTradeRequest) (domain.Trade, error) {
	s.createReq = req
	return s.createResp, s.createErr
}

func (s *stubTrades) Get(context.Context, string, string) (domain.Trade, error) {
	return s.getResp, s.getErr
}

func (s *stubTrades) List(context.Context, string, domain.ListOpts) ([]domain.Trade, error) {
	return s.listResp, nil
}

func (s *stubTrades) ListFills(context.Context, string, string) ([]domain.Fill, error) {
	return s.fills, nil
}

func (s *stubTrades) Delete(_ context.Context, id, _ string) error {
	s.deletedID = id
	return s.deleteErr
}

type stubSettlement struct {
	req  service.SellRequest
	resp domain.Trade
	fill domain.Fill
	err  error
}

func (s *stubSettlement) Sell(_ context.Context, req service.SellRequest) (domain.Trade, domain.Fill, error) {
	s.req = req
	return s.resp, s.fill, s.err
}

// tradeMux routes requests through real path patterns so PathValue works.
func tradeMux(h *TradeHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/trades", h.CreateTrade)
	mux.HandleFunc("GET /api/trades", h.ListTrades)
	mux.HandleFunc("GET /api/trades/estimate", h.EstimateCost)
	mux.HandleFunc("GET /api/trades/{id}", h.GetTrade)
	mux.HandleFunc("DELETE /api/trades/{id}", h.DeleteTrade)
	mux.HandleFunc("GET /api/trades/{id}/fills", h.ListFills)
	mux.HandleFunc("POST /api/trades/{id}/sell", h.SellTrade)
	return mux
}

func doRequest(t *testing.T, mux *http.ServeMux, method, target, actor, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if actor != "" {
		req.Header.Set("X-User-ID", actor)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestCreateTrade(t *testing.T) {
	trades := &stubTrades{createResp: domain.Trade{ID: "t1", Status: domain.TradeStatusOpen}}
	h := NewTradeHandler(trades, &stubSettlement{}, slog.Default())
	mux := tradeMux(h)

	body := `{"underlying":"AAPL","strike":190,"option_type":"C","expiry":"2026-01-16","contracts":2}`
	rec := doRequest(t, mux, http.MethodPost, "/api/trades", "creator-1", body)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "creator-1", trades.createReq.PersonID)
	assert.Equal(t, "AAPL", trades.createReq.Underlying)
	assert.Equal(t, domain.OptionCall, trades.createReq.OptionType)
	assert.Equal(t, 2, trades.createReq.Contracts)
	assert.Equal(t, "2026-01-16", trades.createReq.Expiry.Format("2006-01-02"))
	assert.Empty(t, trades.createReq.ConnectionID)

	var resp domain.Trade
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "t1", resp.ID)
}

func TestCreateTradeExplicitConnection(t *testing.T) {
	trades := &stubTrades{createResp: domain.Trade{ID: "t2", Status: domain.TradeStatusOpen}}
	h := NewTradeHandler(trades, &stubSettlement{}, slog.Default())

	body := `{"underlying":"AAPL","strike":190,"option_type":"C","expiry":"2026-01-16","contracts":1,"connection_id":"conn-7"}`
	rec := doRequest(t, tradeMux(h), http.MethodPost, "/api/trades", "creator-1", body)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "conn-7", trades.createReq.ConnectionID)
}

func TestCreateTradeBadInput(t *testing.T) {
	h := NewTradeHandler(&stubTrades{}, &stubSettlement{}, slog.Default())
	mux := tradeMux(h)

	t.Run("missing identity", func(t *testing.T) {
		rec := doRequest(t, mux, http.MethodPost, "/api/trades", "", `{}`)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("malformed json", func(t *testing.T) {
		rec := doRequest(t, mux, http.MethodPost, "/api/trades", "u1", `{not json`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad expiry format", func(t *testing.T) {
		rec := doRequest(t, mux, http.MethodPost, "/api/trades", "u1",
			`{"underlying":"AAPL","strike":190,"option_type":"C","expiry":"01/16/2026","contracts":1}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestCreateTradeServiceErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid request", domain.ErrInvalidRequest, http.StatusBadRequest},
		{"rate limited", domain.ErrRateLimited, http.StatusTooManyRequests},
		{"market closed", domain.ErrMarketClosed, http.StatusConflict},
		{"no connection", domain.ErrNoActiveConnection, http.StatusPreconditionFailed},
		{"price unavailable", domain.ErrPriceUnavailable, http.StatusBadGateway},
	}

	body := `{"underlying":"AAPL","strike":190,"option_type":"C","expiry":"2026-01-16","contracts":1}`
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := NewTradeHandler(&stubTrades{createErr: tc.err}, &stubSettlement{}, slog.Default())
			rec := doRequest(t, tradeMux(h), http.MethodPost, "/api/trades", "u1", body)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestCreateTradeBrokerRejection(t *testing.T) {
	rejection := &service.BrokerRejectionError{Rejection: domain.BrokerError{
		Kind:    domain.BrokerErrInvalidParameters,
		Message: "insufficient buying power",
	}}
	h := NewTradeHandler(&stubTrades{createErr: rejection}, &stubSettlement{}, slog.Default())

	body := `{"underlying":"AAPL","strike":190,"option_type":"C","expiry":"2026-01-16","contracts":1}`
	rec := doRequest(t, tradeMux(h), http.MethodPost, "/api/trades", "u1", body)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	var resp struct {
		Error     string             `json:"error"`
		Rejection domain.BrokerError `json:"rejection"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, domain.BrokerErrInvalidParameters, resp.Rejection.Kind)
	assert.Equal(t, "insufficient buying power", resp.Rejection.Message)
}

func TestListTradesEmptyIsArray(t *testing.T) {
	h := NewTradeHandler(&stubTrades{}, &stubSettlement{}, slog.Default())
	rec := doRequest(t, tradeMux(h), http.MethodGet, "/api/trades", "u1", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"trades":[]}`, rec.Body.String())
}

func TestGetTrade(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		h := NewTradeHandler(&stubTrades{getResp: domain.Trade{ID: "t1"}}, &stubSettlement{}, slog.Default())
		rec := doRequest(t, tradeMux(h), http.MethodGet, "/api/trades/t1", "u1", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("not found", func(t *testing.T) {
		h := NewTradeHandler(&stubTrades{getErr: domain.ErrNotFound}, &stubSettlement{}, slog.Default())
		rec := doRequest(t, tradeMux(h), http.MethodGet, "/api/trades/missing", "u1", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestSellTrade(t *testing.T) {
	settlement := &stubSettlement{
		resp: domain.Trade{ID: "t1", Status: domain.TradeStatusClosed},
		fill: domain.Fill{ID: "f1", TradeID: "t1", Contracts: 1, Price: 2.00, Notional: 200},
	}
	h := NewTradeHandler(&stubTrades{}, settlement, slog.Default())

	rec := doRequest(t, tradeMux(h), http.MethodPost, "/api/trades/t1/sell", "u1", `{"contracts":1}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "t1", settlement.req.TradeID)
	assert.Equal(t, "u1", settlement.req.PersonID)
	assert.Equal(t, 1, settlement.req.Contracts)

	// The response carries both the updated trade and the fill it produced.
	var resp struct {
		Trade domain.Trade `json:"trade"`
		Fill  domain.Fill  `json:"fill"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, domain.TradeStatusClosed, resp.Trade.Status)
	assert.Equal(t, "f1", resp.Fill.ID)
	assert.InDelta(t, 200, resp.Fill.Notional, 1e-9)
}

func TestSellTradeConflicts(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not open", domain.ErrTradeNotOpen, http.StatusConflict},
		{"lock held", domain.ErrLockHeld, http.StatusConflict},
		{"too many contracts", domain.ErrTooManyContracts, http.StatusBadRequest},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := NewTradeHandler(&stubTrades{}, &stubSettlement{err: tc.err}, slog.Default())
			rec := doRequest(t, tradeMux(h), http.MethodPost, "/api/trades/t1/sell", "u1", `{"contracts":1}`)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestDeleteTrade(t *testing.T) {
	trades := &stubTrades{}
	h := NewTradeHandler(trades, &stubSettlement{}, slog.Default())

	rec := doRequest(t, tradeMux(h), http.MethodDelete, "/api/trades/t1", "u1", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "t1", trades.deletedID)
	assert.JSONEq(t, `{"status":"deleted","trade_id":"t1"}`, rec.Body.String())
}

func TestEstimateCost(t *testing.T) {
	h := NewTradeHandler(&stubTrades{}, &stubSettlement{}, slog.Default())
	mux := tradeMux(h)

	t.Run("buy estimate", func(t *testing.T) {
		rec := doRequest(t, mux, http.MethodGet, "/api/trades/estimate?side=buy&contracts=2&price=1.25", "u1", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var est domain.CostEstimate
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &est))
		assert.InDelta(t, 250, est.Premium, 1e-9)
		assert.Greater(t, est.Fees, 0.0)
	})

	t.Run("bad side", func(t *testing.T) {
		rec := doRequest(t, mux, http.MethodGet, "/api/trades/estimate?side=hold&contracts=1&price=1", "u1", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad contracts", func(t *testing.T) {
		rec := doRequest(t, mux, http.MethodGet, "/api/trades/estimate?side=buy&contracts=zero&price=1", "u1", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
