package domain

import (
	"context"
	"time"
)

// ConnectionCache is a short-lived lookup cache mapping a user to their
// active broker connection. It caches both hits and explicit "no active
// connection" results; entries expire by TTL, so a connection disconnected
// elsewhere may be served stale for a bounded window.
type ConnectionCache interface {
	// Get returns (conn, true, nil) on a hit, (nil, true, nil) on a cached
	// absence, and (nil, false, nil) on a miss.
	Get(ctx context.Context, userID string) (*BrokerConnection, bool, error)
	// Set stores conn for userID; a nil conn records an absence.
	Set(ctx context.Context, userID string, conn *BrokerConnection) error
	Invalidate(ctx context.Context, userID string) error
}

// RateLimiter bounds request throughput per key over a sliding window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides short-lived distributed mutual exclusion. Settlement
// acquires a per-trade lock so concurrent partial sells serialize instead of
// double-spending remaining contracts.
type LockManager interface {
	// Acquire returns an unlock function on success or ErrLockHeld when the
	// lock is already taken.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// StreamMessage is one entry read from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus carries realtime events (pub/sub, ephemeral) and fan-out jobs
// (streams, durable and ordered).
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream, lastID string, count int) ([]StreamMessage, error)
}
