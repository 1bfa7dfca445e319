package handler

import (
	"context"
	"log/slog"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mirrormarket/mirrormarket/internal/domain"
	"github.com/mirrormarket/mirrormarket/internal/service"
)

type stubFollows struct {
	purchaseReq  service.PurchaseRequest
	purchaseResp domain.FollowPurchase
	purchaseErr  error
	actionReq    struct {
		followerID, tradeID string
		action              domain.FollowAction
	}
	actionErr error
}

func (s *stubFollows) Purchase(_ context.Context, req service.PurchaseRequest) (domain.FollowPurchase, error) {
	s.purchaseReq = req
	return s.purchaseResp, s.purchaseErr
}

func (s *stubFollows) Get(context.Context, string, string) (domain.FollowPurchase, error) {
	return domain.FollowPurchase{}, domain.ErrNotFound
}

func (s *stubFollows) ListByFollower(context.Context, string, domain.ListOpts) ([]domain.FollowPurchase, error) {
	return nil, nil
}

func (s *stubFollows) RecordAction(_ context.Context, followerID, tradeID string, action domain.FollowAction) (domain.FollowedTradeAction, error) {
	s.actionReq.followerID = followerID
	s.actionReq.tradeID = tradeID
	s.actionReq.action = action
	if s.actionErr != nil {
		return domain.FollowedTradeAction{}, s.actionErr
	}
	return domain.FollowedTradeAction{FollowerID: followerID, TradeID: tradeID, Action: action}, nil
}

func (s *stubFollows) ListActions(context.Context, string, domain.ListOpts) ([]domain.FollowedTradeAction, error) {
	return nil, nil
}

func followMux(h *FollowHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/follows", h.Purchase)
	mux.HandleFunc("GET /api/follows", h.ListPurchases)
	mux.HandleFunc("GET /api/follows/actions", h.ListActions)
	mux.HandleFunc("GET /api/follows/{id}", h.GetPurchase)
	mux.HandleFunc("POST /api/trades/{id}/actions", h.RecordAction)
	return mux
}

func TestPurchase(t *testing.T) {
	follows := &stubFollows{purchaseResp: domain.FollowPurchase{ID: "p1", Status: domain.FollowStatusActive}}
	h := NewFollowHandler(follows, slog.Default())

	body := `{"creator_id":"creator-1","plays":10,"auto_execute":true}`
	rec := doRequest(t, followMux(h), http.MethodPost, "/api/follows", "follower-1", body)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "follower-1", follows.purchaseReq.FollowerID)
	assert.Equal(t, "creator-1", follows.purchaseReq.CreatorID)
	assert.Equal(t, 10, follows.purchaseReq.Plays)
	assert.True(t, follows.purchaseReq.AutoExecute)
}

func TestPurchaseErrors(t *testing.T) {
	t.Run("missing identity", func(t *testing.T) {
		h := NewFollowHandler(&stubFollows{}, slog.Default())
		rec := doRequest(t, followMux(h), http.MethodPost, "/api/follows", "", `{}`)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("self follow maps to 400", func(t *testing.T) {
		h := NewFollowHandler(&stubFollows{purchaseErr: domain.ErrInvalidRequest}, slog.Default())
		rec := doRequest(t, followMux(h), http.MethodPost, "/api/follows", "u1", `{"creator_id":"u1","plays":1}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRecordAction(t *testing.T) {
	follows := &stubFollows{}
	h := NewFollowHandler(follows, slog.Default())

	rec := doRequest(t, followMux(h), http.MethodPost, "/api/trades/t1/actions", "follower-1", `{"action":"fade"}`)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "follower-1", follows.actionReq.followerID)
	assert.Equal(t, "t1", follows.actionReq.tradeID)
	assert.Equal(t, domain.FollowActionFade, follows.actionReq.action)
}

func TestRecordActionDuplicate(t *testing.T) {
	h := NewFollowHandler(&stubFollows{actionErr: domain.ErrAlreadyExists}, slog.Default())

	rec := doRequest(t, followMux(h), http.MethodPost, "/api/trades/t1/actions", "follower-1", `{"action":"follow"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListActionsEmptyIsArray(t *testing.T) {
	h := NewFollowHandler(&stubFollows{}, slog.Default())
	rec := doRequest(t, followMux(h), http.MethodGet, "/api/follows/actions", "u1", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"actions":[]}`, rec.Body.String())
}
