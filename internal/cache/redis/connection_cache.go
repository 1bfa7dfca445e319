package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mirrormarket/mirrormarket/internal/domain"
	"github.com/redis/go-redis/v9"
)

// absentMarker is the stored value for a cached "no active connection"
// answer, so repeated lookups for unconnected users skip Postgres too.
const absentMarker = "__none__"

// ConnectionCache implements domain.ConnectionCache using Redis string keys
// with JSON-serialized connections and a tombstone value for cached absence.
//
// Key schema:
//
//	{prefix}:connection:active:{userID} - JSON connection, or the absence marker
type ConnectionCache struct {
	client *Client
	ttl    time.Duration
}

// NewConnectionCache creates a ConnectionCache backed by the given Client.
// Entries expire after ttl; stale reads are bounded by that window.
func NewConnectionCache(c *Client, ttl time.Duration) *ConnectionCache {
	return &ConnectionCache{client: c, ttl: ttl}
}

func (cc *ConnectionCache) key(userID string) string {
	return cc.client.Key("connection", "active", userID)
}

// Get returns (conn, true, nil) on a hit, (nil, true, nil) on a cached
// absence, and (nil, false, nil) on a miss.
func (cc *ConnectionCache) Get(ctx context.Context, userID string) (*domain.BrokerConnection, bool, error) {
	data, err := cc.client.Underlying().Get(ctx, cc.key(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis: get connection for %s: %w", userID, err)
	}

	if string(data) == absentMarker {
		return nil, true, nil
	}

	var conn domain.BrokerConnection
	if err := json.Unmarshal(data, &conn); err != nil {
		return nil, false, fmt.Errorf("redis: unmarshal connection for %s: %w", userID, err)
	}
	return &conn, true, nil
}

// Set stores conn for userID with the configured TTL. A nil conn records an
// absence tombstone.
func (cc *ConnectionCache) Set(ctx context.Context, userID string, conn *domain.BrokerConnection) error {
	var value []byte
	if conn == nil {
		value = []byte(absentMarker)
	} else {
		data, err := json.Marshal(conn)
		if err != nil {
			return fmt.Errorf("redis: marshal connection for %s: %w", userID, err)
		}
		value = data
	}

	if err := cc.client.Underlying().Set(ctx, cc.key(userID), value, cc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set connection for %s: %w", userID, err)
	}
	return nil
}

// Invalidate drops the cached entry so the next lookup resolves fresh. Called
// on link and disconnect so those operations take effect immediately.
func (cc *ConnectionCache) Invalidate(ctx context.Context, userID string) error {
	if err := cc.client.Underlying().Del(ctx, cc.key(userID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate connection for %s: %w", userID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.ConnectionCache = (*ConnectionCache)(nil)
