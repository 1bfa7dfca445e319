package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/mirrormarket/mirrormarket/internal/domain"
)

// AccountReader fetches live account state from the acting user's brokerage.
type AccountReader interface {
	Get(ctx context.Context, userID string) (domain.AccountInfo, error)
}

// AccountHandler serves the brokerage account endpoint.
type AccountHandler struct {
	accounts AccountReader
	logger   *slog.Logger
}

// NewAccountHandler creates an AccountHandler with the given service and
// logger.
func NewAccountHandler(accounts AccountReader, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{
		accounts: accounts,
		logger:   logger,
	}
}

// GetAccount returns balances and buying power from the acting user's active
// broker connection.
// GET /api/account
func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	actor := requireActor(w, r)
	if actor == "" {
		return
	}

	info, err := h.accounts.Get(r.Context(), actor)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, info)
}
