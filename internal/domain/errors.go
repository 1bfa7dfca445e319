package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrInvalidRequest     = errors.New("invalid request parameters")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrRateLimited        = errors.New("rate limited")
	ErrMarketClosed       = errors.New("market closed")
	ErrNoActiveConnection = errors.New("no active broker connection")
	ErrPriceUnavailable   = errors.New("execution price unavailable")
	ErrTradeNotOpen       = errors.New("trade is not open")
	ErrTooManyContracts   = errors.New("contracts exceed remaining open contracts")
	ErrLockHeld           = errors.New("lock already held")
)

// Snapshot sentinels, matching the market-data collaborator's error taxonomy.
var (
	ErrSnapshotNotFound     = errors.New("snapshot: contract not found")
	ErrSnapshotInvalidInput = errors.New("snapshot: invalid input")
	ErrSnapshotAuth         = errors.New("snapshot: authorization failed")
	ErrSnapshotNetwork      = errors.New("snapshot: network error")
	ErrSnapshotAPI          = errors.New("snapshot: api error")
)
