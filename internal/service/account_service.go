package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mirrormarket/mirrormarket/internal/domain"
)

// AccountService exposes the linked brokerage account's financial state.
type AccountService struct {
	conns  *ConnectionService
	logger *slog.Logger
}

// NewAccountService creates an AccountService.
func NewAccountService(conns *ConnectionService, logger *slog.Logger) *AccountService {
	return &AccountService{
		conns:  conns,
		logger: logger.With(slog.String("component", "account_service")),
	}
}

// Get resolves the user's active connection and fetches live account state
// from the brokerage.
func (s *AccountService) Get(ctx context.Context, userID string) (domain.AccountInfo, error) {
	conn, err := s.conns.ResolveActive(ctx, userID)
	if err != nil {
		return domain.AccountInfo{}, err
	}

	bk, err := s.conns.OpenBroker(conn)
	if err != nil {
		return domain.AccountInfo{}, err
	}

	info, err := bk.GetAccountInfo(ctx)
	if err != nil {
		return domain.AccountInfo{}, fmt.Errorf("account_service: fetch account: %w", err)
	}
	return info, nil
}
