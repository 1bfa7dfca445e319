package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mirrormarket/mirrormarket/internal/crypto"
	"github.com/mirrormarket/mirrormarket/internal/domain"
)

// BrokerFactory builds the adapter for a broker kind from decrypted
// credentials. Indirection keeps the service testable without live
// brokerage endpoints.
type BrokerFactory func(kind domain.BrokerKind, creds domain.BrokerCredentials) (domain.Broker, error)

// ConnectionService manages broker connections: linking, disconnecting, and
// resolving the active connection through the TTL cache.
type ConnectionService struct {
	store    domain.ConnectionStore
	cache    domain.ConnectionCache
	audit    domain.AuditStore
	brokers  BrokerFactory
	credsKey string
	logger   *slog.Logger
}

// NewConnectionService creates a ConnectionService.
func NewConnectionService(
	store domain.ConnectionStore,
	cache domain.ConnectionCache,
	audit domain.AuditStore,
	brokers BrokerFactory,
	credsKey string,
	logger *slog.Logger,
) *ConnectionService {
	return &ConnectionService{
		store:    store,
		cache:    cache,
		audit:    audit,
		brokers:  brokers,
		credsKey: credsKey,
		logger:   logger.With(slog.String("component", "connection_service")),
	}
}

// Link encrypts the supplied credentials and stores a new active connection
// for the user. The cache entry is invalidated so the connection is usable
// immediately.
func (s *ConnectionService) Link(ctx context.Context, userID string, kind domain.BrokerKind, creds domain.BrokerCredentials) (domain.BrokerConnection, error) {
	if userID == "" {
		return domain.BrokerConnection{}, fmt.Errorf("connection_service: user id required: %w", domain.ErrInvalidRequest)
	}
	if !domain.ValidBrokerKind(kind) {
		return domain.BrokerConnection{}, fmt.Errorf("connection_service: unsupported broker %q: %w", kind, domain.ErrInvalidRequest)
	}

	encrypted, err := crypto.EncryptCredentials(creds, s.credsKey)
	if err != nil {
		return domain.BrokerConnection{}, fmt.Errorf("connection_service: encrypt credentials: %w", err)
	}

	now := time.Now().UTC()
	conn := domain.BrokerConnection{
		ID:                   uuid.New().String(),
		UserID:               userID,
		Kind:                 kind,
		EncryptedCredentials: string(encrypted),
		Active:               true,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if err := s.store.Create(ctx, conn); err != nil {
		return domain.BrokerConnection{}, fmt.Errorf("connection_service: create connection: %w", err)
	}

	if err := s.cache.Invalidate(ctx, userID); err != nil {
		s.logger.WarnContext(ctx, "cache invalidation failed after link",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}

	if err := s.audit.Log(ctx, "connection_linked", map[string]any{
		"connection_id": conn.ID,
		"user_id":       userID,
		"kind":          string(kind),
	}); err != nil {
		s.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
	}

	return conn, nil
}

// Disconnect deactivates a connection owned by the user and drops the cache
// entry.
func (s *ConnectionService) Disconnect(ctx context.Context, userID, connectionID string) error {
	if err := s.store.Deactivate(ctx, connectionID, userID); err != nil {
		return fmt.Errorf("connection_service: deactivate %s: %w", connectionID, err)
	}

	if err := s.cache.Invalidate(ctx, userID); err != nil {
		s.logger.WarnContext(ctx, "cache invalidation failed after disconnect",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}

	if err := s.audit.Log(ctx, "connection_disconnected", map[string]any{
		"connection_id": connectionID,
		"user_id":       userID,
	}); err != nil {
		s.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
	}
	return nil
}

// List returns all of the user's connections, newest first.
func (s *ConnectionService) List(ctx context.Context, userID string) ([]domain.BrokerConnection, error) {
	conns, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("connection_service: list connections: %w", err)
	}
	return conns, nil
}

// ResolveActive returns the user's active connection, consulting the TTL
// cache first. Both hits and "no active connection" answers are cached; a
// cache infrastructure failure falls through to the store.
func (s *ConnectionService) ResolveActive(ctx context.Context, userID string) (domain.BrokerConnection, error) {
	conn, found, err := s.cache.Get(ctx, userID)
	if err != nil {
		s.logger.WarnContext(ctx, "connection cache read failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	} else if found {
		if conn == nil {
			return domain.BrokerConnection{}, domain.ErrNoActiveConnection
		}
		return *conn, nil
	}

	stored, err := s.store.GetActiveByUser(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		if cacheErr := s.cache.Set(ctx, userID, nil); cacheErr != nil {
			s.logger.WarnContext(ctx, "negative cache write failed", slog.String("error", cacheErr.Error()))
		}
		return domain.BrokerConnection{}, domain.ErrNoActiveConnection
	}
	if err != nil {
		return domain.BrokerConnection{}, fmt.Errorf("connection_service: resolve active connection: %w", err)
	}

	if cacheErr := s.cache.Set(ctx, userID, &stored); cacheErr != nil {
		s.logger.WarnContext(ctx, "connection cache write failed", slog.String("error", cacheErr.Error()))
	}
	return stored, nil
}

// Resolve picks the connection a trade should route through. An explicit
// connection id wins over the default active connection; it must belong to
// the user and still be active. Connections owned by someone else resolve
// as ErrNotFound so ids cannot be probed across users.
func (s *ConnectionService) Resolve(ctx context.Context, userID, connectionID string) (domain.BrokerConnection, error) {
	if connectionID == "" {
		return s.ResolveActive(ctx, userID)
	}

	conn, err := s.store.GetByID(ctx, connectionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.BrokerConnection{}, fmt.Errorf("connection_service: connection %s: %w", connectionID, domain.ErrNotFound)
		}
		return domain.BrokerConnection{}, fmt.Errorf("connection_service: resolve connection %s: %w", connectionID, err)
	}
	if conn.UserID != userID {
		return domain.BrokerConnection{}, fmt.Errorf("connection_service: connection %s: %w", connectionID, domain.ErrNotFound)
	}
	if !conn.Active {
		return domain.BrokerConnection{}, fmt.Errorf("connection_service: connection %s inactive: %w", connectionID, domain.ErrNoActiveConnection)
	}
	return conn, nil
}

// OpenBroker decrypts a connection's credentials and builds its adapter.
func (s *ConnectionService) OpenBroker(conn domain.BrokerConnection) (domain.Broker, error) {
	creds, err := crypto.DecryptCredentials([]byte(conn.EncryptedCredentials), s.credsKey)
	if err != nil {
		return nil, fmt.Errorf("connection_service: decrypt credentials for %s: %w", conn.ID, err)
	}
	return s.brokers(conn.Kind, creds)
}
