package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mirrormarket/mirrormarket/internal/domain"
)

// ConnectionStore implements domain.ConnectionStore using PostgreSQL.
type ConnectionStore struct {
	pool *pgxpool.Pool
}

var _ domain.ConnectionStore = (*ConnectionStore)(nil)

// NewConnectionStore creates a new ConnectionStore backed by the given pool.
func NewConnectionStore(pool *pgxpool.Pool) *ConnectionStore {
	return &ConnectionStore{pool: pool}
}

const connectionSelectCols = `id, user_id, kind, credentials, active, created_at, updated_at`

func scanConnection(row pgx.Row) (domain.BrokerConnection, error) {
	var c domain.BrokerConnection
	err := row.Scan(
		&c.ID, &c.UserID, &c.Kind, &c.EncryptedCredentials,
		&c.Active, &c.CreatedAt, &c.UpdatedAt,
	)
	return c, err
}

// Create inserts a new broker connection. A partial unique index enforces
// one active connection per user; a second returns domain.ErrAlreadyExists.
func (s *ConnectionStore) Create(ctx context.Context, c domain.BrokerConnection) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO broker_connections (id, user_id, kind, credentials, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.UserID, string(c.Kind), c.EncryptedCredentials, c.Active, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create broker connection: %w", err)
	}
	return nil
}

// GetByID returns a single connection or domain.ErrNotFound.
func (s *ConnectionStore) GetByID(ctx context.Context, id string) (domain.BrokerConnection, error) {
	c, err := scanConnection(s.pool.QueryRow(ctx,
		`SELECT `+connectionSelectCols+` FROM broker_connections WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.BrokerConnection{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.BrokerConnection{}, fmt.Errorf("postgres: get broker connection %s: %w", id, err)
	}
	return c, nil
}

// GetActiveByUser returns the user's active connection, or domain.ErrNotFound.
func (s *ConnectionStore) GetActiveByUser(ctx context.Context, userID string) (domain.BrokerConnection, error) {
	c, err := scanConnection(s.pool.QueryRow(ctx,
		`SELECT `+connectionSelectCols+` FROM broker_connections
		 WHERE user_id = $1 AND active`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.BrokerConnection{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.BrokerConnection{}, fmt.Errorf("postgres: get active connection for %s: %w", userID, err)
	}
	return c, nil
}

// ListByUser returns all of a user's connections newest-first.
func (s *ConnectionStore) ListByUser(ctx context.Context, userID string) ([]domain.BrokerConnection, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+connectionSelectCols+` FROM broker_connections
		 WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list broker connections: %w", err)
	}
	defer rows.Close()

	var conns []domain.BrokerConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan broker connection: %w", err)
		}
		conns = append(conns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list broker connections rows: %w", err)
	}
	return conns, nil
}

// Deactivate flips the active flag off for a connection owned by userID.
func (s *ConnectionStore) Deactivate(ctx context.Context, id, userID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE broker_connections SET active = FALSE, updated_at = NOW()
		WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	if err != nil {
		return fmt.Errorf("postgres: deactivate broker connection %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
