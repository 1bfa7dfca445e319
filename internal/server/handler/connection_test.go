package handler

import (
	"context"
	"log/slog"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mirrormarket/mirrormarket/internal/domain"
)

type stubConns struct {
	linkKind       domain.BrokerKind
	linkCreds      domain.BrokerCredentials
	linkResp       domain.BrokerConnection
	linkErr        error
	disconnectedID string
	disconnectErr  error
}

func (s *stubConns) Link(_ context.Context, _ string, kind domain.BrokerKind, creds domain.BrokerCredentials) (domain.BrokerConnection, error) {
	s.linkKind = kind
	s.linkCreds = creds
	return s.linkResp, s.linkErr
}

func (s *stubConns) Disconnect(_ context.Context, _ string, connectionID string) error {
	s.disconnectedID = connectionID
	return s.disconnectErr
}

func (s *stubConns) List(context.Context, string) ([]domain.BrokerConnection, error) {
	return nil, nil
}

func connMux(h *ConnectionHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/connections", h.Link)
	mux.HandleFunc("GET /api/connections", h.List)
	mux.HandleFunc("DELETE /api/connections/{id}", h.Disconnect)
	return mux
}

func TestLinkConnection(t *testing.T) {
	conns := &stubConns{linkResp: domain.BrokerConnection{ID: "c1", Kind: domain.BrokerTradier, Active: true}}
	h := NewConnectionHandler(conns, slog.Default())

	body := `{"kind":"tradier","api_key":"key","api_secret":"secret","account_id":"acct-1"}`
	rec := doRequest(t, connMux(h), http.MethodPost, "/api/connections", "u1", body)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, domain.BrokerTradier, conns.linkKind)
	assert.Equal(t, "key", conns.linkCreds.APIKey)
	assert.Equal(t, "secret", conns.linkCreds.APISecret)
	assert.Equal(t, "acct-1", conns.linkCreds.AccountID)
}

func TestLinkConnectionErrors(t *testing.T) {
	t.Run("missing identity", func(t *testing.T) {
		h := NewConnectionHandler(&stubConns{}, slog.Default())
		rec := doRequest(t, connMux(h), http.MethodPost, "/api/connections", "", `{}`)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unsupported broker maps to 400", func(t *testing.T) {
		h := NewConnectionHandler(&stubConns{linkErr: domain.ErrInvalidRequest}, slog.Default())
		rec := doRequest(t, connMux(h), http.MethodPost, "/api/connections", "u1", `{"kind":"robinhood"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestDisconnect(t *testing.T) {
	conns := &stubConns{}
	h := NewConnectionHandler(conns, slog.Default())

	rec := doRequest(t, connMux(h), http.MethodDelete, "/api/connections/c1", "u1", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "c1", conns.disconnectedID)
	assert.JSONEq(t, `{"status":"disconnected","connection_id":"c1"}`, rec.Body.String())
}

func TestListConnectionsEmptyIsArray(t *testing.T) {
	h := NewConnectionHandler(&stubConns{}, slog.Default())
	rec := doRequest(t, connMux(h), http.MethodGet, "/api/connections", "u1", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"connections":[]}`, rec.Body.String())
}
