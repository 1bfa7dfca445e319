package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	// Status restricts trade listings to one lifecycle state when set.
	Status TradeStatus
	// Search matches against the underlying symbol (case-insensitive
	// prefix) when set.
	Search string
}

// TradeCommit reports the side effects of a committed creator trade.
// LedgerErr carries a non-fatal play-consumption failure: the trade itself
// committed, but the ledger decrement could not be applied.
type TradeCommit struct {
	PlaysConsumed int64
	LedgerErr     error
}

// TradeStore persists trades and their fills.
type TradeStore interface {
	// CreateWithConsume inserts a creator trade, consumes one play on every
	// eligible FollowPurchase for the creator, and writes the audit entry,
	// all inside one transaction. A ledger failure does not abort the
	// transaction; it is reported via TradeCommit.LedgerErr.
	CreateWithConsume(ctx context.Context, t Trade) (TradeCommit, error)

	// Create inserts a single trade row with its audit entry in one
	// transaction. Used for mirrored follower trades.
	Create(ctx context.Context, t Trade) error

	GetByID(ctx context.Context, id string) (Trade, error)
	ListByPerson(ctx context.Context, personID string, opts ListOpts) ([]Trade, error)

	// Delete removes an OPEN trade owned by personID. Returns ErrNotFound
	// if no such trade exists and ErrTradeNotOpen if it is not OPEN.
	Delete(ctx context.Context, id, personID string) error

	// ApplyFill inserts the fill and updates the trade's settlement columns
	// in one transaction.
	ApplyFill(ctx context.Context, fill Fill, updated Trade) error
	ListFills(ctx context.Context, tradeID string) ([]Fill, error)

	// ListSettledBefore returns non-OPEN trades created before the cutoff,
	// for archival.
	ListSettledBefore(ctx context.Context, before time.Time) ([]Trade, error)

	// DeleteSettledBefore removes non-OPEN trades created before the cutoff.
	// Callers must archive first; deletion is irreversible.
	DeleteSettledBefore(ctx context.Context, before time.Time) (int64, error)
}

// FollowStore persists follow purchases and per-trade follow/fade actions.
type FollowStore interface {
	CreatePurchase(ctx context.Context, p FollowPurchase) error
	GetPurchase(ctx context.Context, id string) (FollowPurchase, error)
	ListByFollower(ctx context.Context, followerID string, opts ListOpts) ([]FollowPurchase, error)
	ListByCreator(ctx context.Context, creatorID string, opts ListOpts) ([]FollowPurchase, error)

	// ListEligibleFollowers resolves the fan-out audience for a committed
	// creator trade: purchase (active or completed) + auto-execute opt-in +
	// active connection + no fade action recorded for tradeID.
	ListEligibleFollowers(ctx context.Context, creatorID, tradeID string) ([]EligibleFollower, error)

	// RecordAction stores a follow/fade decision; a second action for the
	// same (follower, trade) pair returns ErrAlreadyExists.
	RecordAction(ctx context.Context, a FollowedTradeAction) error
	ListActions(ctx context.Context, followerID string, opts ListOpts) ([]FollowedTradeAction, error)
}

// ConnectionStore persists broker connections.
type ConnectionStore interface {
	Create(ctx context.Context, c BrokerConnection) error
	GetByID(ctx context.Context, id string) (BrokerConnection, error)
	// GetActiveByUser returns the user's active connection, or ErrNotFound.
	GetActiveByUser(ctx context.Context, userID string) (BrokerConnection, error)
	ListByUser(ctx context.Context, userID string) ([]BrokerConnection, error)
	// Deactivate flips the active flag off for a connection owned by userID.
	Deactivate(ctx context.Context, id, userID string) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
