package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mirrormarket/mirrormarket/internal/domain"
)

// PurchaseRequest is the input for buying access to a creator's trades.
type PurchaseRequest struct {
	FollowerID  string `json:"follower_id"`
	CreatorID   string `json:"creator_id"`
	Plays       int    `json:"plays"`
	AutoExecute bool   `json:"auto_execute"`
}

// FollowService manages follow purchases and per-trade follow/fade actions.
// Play consumption itself lives in the trade commit path; this service only
// creates and reads ledger state.
type FollowService struct {
	follows domain.FollowStore
	audit   domain.AuditStore
	logger  *slog.Logger
}

// NewFollowService creates a FollowService.
func NewFollowService(follows domain.FollowStore, audit domain.AuditStore, logger *slog.Logger) *FollowService {
	return &FollowService{
		follows: follows,
		audit:   audit,
		logger:  logger.With(slog.String("component", "follow_service")),
	}
}

// Purchase creates a new play bundle for a follower.
func (s *FollowService) Purchase(ctx context.Context, req PurchaseRequest) (domain.FollowPurchase, error) {
	if req.FollowerID == "" || req.CreatorID == "" {
		return domain.FollowPurchase{}, fmt.Errorf("follow_service: follower and creator ids required: %w", domain.ErrInvalidRequest)
	}
	if req.FollowerID == req.CreatorID {
		return domain.FollowPurchase{}, fmt.Errorf("follow_service: cannot follow yourself: %w", domain.ErrInvalidRequest)
	}
	if req.Plays <= 0 {
		return domain.FollowPurchase{}, fmt.Errorf("follow_service: plays must be positive: %w", domain.ErrInvalidRequest)
	}

	now := time.Now().UTC()
	purchase := domain.FollowPurchase{
		ID:             uuid.New().String(),
		FollowerID:     req.FollowerID,
		CreatorID:      req.CreatorID,
		PlaysPurchased: req.Plays,
		AutoExecute:    req.AutoExecute,
		Status:         domain.FollowStatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.follows.CreatePurchase(ctx, purchase); err != nil {
		return domain.FollowPurchase{}, fmt.Errorf("follow_service: create purchase: %w", err)
	}

	if err := s.audit.Log(ctx, "follow_purchased", map[string]any{
		"purchase_id": purchase.ID,
		"follower_id": purchase.FollowerID,
		"creator_id":  purchase.CreatorID,
		"plays":       purchase.PlaysPurchased,
	}); err != nil {
		s.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
	}
	return purchase, nil
}

// Get returns a purchase visible to the requesting follower.
func (s *FollowService) Get(ctx context.Context, id, followerID string) (domain.FollowPurchase, error) {
	purchase, err := s.follows.GetPurchase(ctx, id)
	if err != nil {
		return domain.FollowPurchase{}, fmt.Errorf("follow_service: get purchase %s: %w", id, err)
	}
	if purchase.FollowerID != followerID {
		return domain.FollowPurchase{}, domain.ErrNotFound
	}
	return purchase, nil
}

// ListByFollower returns a follower's purchases newest-first.
func (s *FollowService) ListByFollower(ctx context.Context, followerID string, opts domain.ListOpts) ([]domain.FollowPurchase, error) {
	purchases, err := s.follows.ListByFollower(ctx, followerID, opts)
	if err != nil {
		return nil, fmt.Errorf("follow_service: list purchases: %w", err)
	}
	return purchases, nil
}

// RecordAction stores a follower's follow/fade decision on one trade. A fade
// recorded before fan-out reaches the follower excludes them from mirroring.
func (s *FollowService) RecordAction(ctx context.Context, followerID, tradeID string, action domain.FollowAction) (domain.FollowedTradeAction, error) {
	if action != domain.FollowActionFollow && action != domain.FollowActionFade {
		return domain.FollowedTradeAction{}, fmt.Errorf("follow_service: unknown action %q: %w", action, domain.ErrInvalidRequest)
	}

	a := domain.FollowedTradeAction{
		FollowerID: followerID,
		TradeID:    tradeID,
		Action:     action,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.follows.RecordAction(ctx, a); err != nil {
		return domain.FollowedTradeAction{}, fmt.Errorf("follow_service: record action: %w", err)
	}
	return a, nil
}

// ListActions returns a follower's follow/fade history.
func (s *FollowService) ListActions(ctx context.Context, followerID string, opts domain.ListOpts) ([]domain.FollowedTradeAction, error) {
	actions, err := s.follows.ListActions(ctx, followerID, opts)
	if err != nil {
		return nil, fmt.Errorf("follow_service: list actions: %w", err)
	}
	return actions, nil
}
