package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/mirrormarket/mirrormarket/internal/domain"
	"github.com/mirrormarket/mirrormarket/internal/service"
)

// FollowManager defines the follow-ledger methods the handler requires from
// the service layer.
type FollowManager interface {
	Purchase(ctx context.Context, req service.PurchaseRequest) (domain.FollowPurchase, error)
	Get(ctx context.Context, id, followerID string) (domain.FollowPurchase, error)
	ListByFollower(ctx context.Context, followerID string, opts domain.ListOpts) ([]domain.FollowPurchase, error)
	RecordAction(ctx context.Context, followerID, tradeID string, action domain.FollowAction) (domain.FollowedTradeAction, error)
	ListActions(ctx context.Context, followerID string, opts domain.ListOpts) ([]domain.FollowedTradeAction, error)
}

// FollowHandler serves follow-purchase and follow/fade action endpoints.
type FollowHandler struct {
	follows FollowManager
	logger  *slog.Logger
}

// NewFollowHandler creates a FollowHandler with the given service and logger.
func NewFollowHandler(follows FollowManager, logger *slog.Logger) *FollowHandler {
	return &FollowHandler{
		follows: follows,
		logger:  logger,
	}
}

// purchaseBody is the JSON request for buying access to a creator's trades.
type purchaseBody struct {
	CreatorID   string `json:"creator_id"`
	Plays       int    `json:"plays"`
	AutoExecute bool   `json:"auto_execute"`
}

// Purchase buys a block of plays against a creator for the acting user.
// POST /api/follows
func (h *FollowHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	actor := requireActor(w, r)
	if actor == "" {
		return
	}

	var body purchaseBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	purchase, err := h.follows.Purchase(r.Context(), service.PurchaseRequest{
		FollowerID:  actor,
		CreatorID:   body.CreatorID,
		Plays:       body.Plays,
		AutoExecute: body.AutoExecute,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, purchase)
}

// ListPurchases returns the acting user's follow purchases.
// GET /api/follows
func (h *FollowHandler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	actor := requireActor(w, r)
	if actor == "" {
		return
	}

	purchases, err := h.follows.ListByFollower(r.Context(), actor, parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if purchases == nil {
		purchases = []domain.FollowPurchase{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"purchases": purchases})
}

// GetPurchase returns one of the acting user's follow purchases by ID.
// GET /api/follows/{id}
func (h *FollowHandler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	actor := requireActor(w, r)
	if actor == "" {
		return
	}

	purchase, err := h.follows.Get(r.Context(), pathParam(r, "id"), actor)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, purchase)
}

// actionBody is the JSON request for a follow/fade decision on one trade.
type actionBody struct {
	Action string `json:"action"` // "follow" or "fade"
}

// RecordAction stores the acting user's follow/fade decision for a trade.
// A fade recorded before fan-out excludes the user from mirroring.
// POST /api/trades/{id}/actions
func (h *FollowHandler) RecordAction(w http.ResponseWriter, r *http.Request) {
	actor := requireActor(w, r)
	if actor == "" {
		return
	}

	var body actionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	action, err := h.follows.RecordAction(r.Context(), actor, pathParam(r, "id"), domain.FollowAction(body.Action))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, action)
}

// ListActions returns the acting user's follow/fade decisions.
// GET /api/follows/actions
func (h *FollowHandler) ListActions(w http.ResponseWriter, r *http.Request) {
	actor := requireActor(w, r)
	if actor == "" {
		return
	}

	actions, err := h.follows.ListActions(r.Context(), actor, parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if actions == nil {
		actions = []domain.FollowedTradeAction{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"actions": actions})
}
