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

// FollowStore implements domain.FollowStore using PostgreSQL.
type FollowStore struct {
	pool *pgxpool.Pool
}

var _ domain.FollowStore = (*FollowStore)(nil)

// NewFollowStore creates a new FollowStore backed by the given connection pool.
func NewFollowStore(pool *pgxpool.Pool) *FollowStore {
	return &FollowStore{pool: pool}
}

const purchaseSelectCols = `id, follower_id, creator_id, plays_purchased,
	plays_consumed, auto_execute, status, created_at, updated_at`

func scanPurchaseRows(rows pgx.Rows) ([]domain.FollowPurchase, error) {
	var purchases []domain.FollowPurchase
	for rows.Next() {
		var p domain.FollowPurchase
		if err := rows.Scan(
			&p.ID, &p.FollowerID, &p.CreatorID, &p.PlaysPurchased,
			&p.PlaysConsumed, &p.AutoExecute, &p.Status, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		purchases = append(purchases, p)
	}
	return purchases, rows.Err()
}

// CreatePurchase inserts a new follow purchase.
func (s *FollowStore) CreatePurchase(ctx context.Context, p domain.FollowPurchase) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO follow_purchases (
			id, follower_id, creator_id, plays_purchased,
			plays_consumed, auto_execute, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.FollowerID, p.CreatorID, p.PlaysPurchased,
		p.PlaysConsumed, p.AutoExecute, string(p.Status), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create follow purchase: %w", err)
	}
	return nil
}

// GetPurchase returns a single purchase or domain.ErrNotFound.
func (s *FollowStore) GetPurchase(ctx context.Context, id string) (domain.FollowPurchase, error) {
	var p domain.FollowPurchase
	err := s.pool.QueryRow(ctx,
		`SELECT `+purchaseSelectCols+` FROM follow_purchases WHERE id = $1`, id,
	).Scan(
		&p.ID, &p.FollowerID, &p.CreatorID, &p.PlaysPurchased,
		&p.PlaysConsumed, &p.AutoExecute, &p.Status, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.FollowPurchase{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.FollowPurchase{}, fmt.Errorf("postgres: get follow purchase %s: %w", id, err)
	}
	return p, nil
}

// ListByFollower returns a follower's purchases newest-first.
func (s *FollowStore) ListByFollower(ctx context.Context, followerID string, opts domain.ListOpts) ([]domain.FollowPurchase, error) {
	return s.listPurchases(ctx, "follower_id", followerID, opts)
}

// ListByCreator returns purchases targeting a creator newest-first.
func (s *FollowStore) ListByCreator(ctx context.Context, creatorID string, opts domain.ListOpts) ([]domain.FollowPurchase, error) {
	return s.listPurchases(ctx, "creator_id", creatorID, opts)
}

func (s *FollowStore) listPurchases(ctx context.Context, col, val string, opts domain.ListOpts) ([]domain.FollowPurchase, error) {
	query := `SELECT ` + purchaseSelectCols + ` FROM follow_purchases WHERE ` + col + ` = $1`
	args := []any{val}
	argIdx := 2

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list follow purchases by %s: %w", col, err)
	}
	defer rows.Close()

	purchases, err := scanPurchaseRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan follow purchases: %w", err)
	}
	return purchases, nil
}

// ListEligibleFollowers resolves the fan-out audience for a committed creator
// trade. A follower qualifies with a purchase of the creator (the one charged
// when the trade committed, so completed still counts), auto-execution opted
// in, no fade recorded against the trade, and an active broker connection.
func (s *FollowStore) ListEligibleFollowers(ctx context.Context, creatorID, tradeID string) ([]domain.EligibleFollower, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (fp.follower_id)
			fp.follower_id,
			bc.id, bc.user_id, bc.kind, bc.credentials, bc.active,
			bc.created_at, bc.updated_at
		FROM follow_purchases fp
		JOIN broker_connections bc
			ON bc.user_id = fp.follower_id AND bc.active
		WHERE fp.creator_id = $1
		  AND fp.auto_execute
		  AND NOT EXISTS (
			SELECT 1 FROM followed_trade_actions fta
			WHERE fta.follower_id = fp.follower_id
			  AND fta.trade_id = $2
			  AND fta.action = 'fade'
		  )
		ORDER BY fp.follower_id, fp.created_at DESC`,
		creatorID, tradeID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list eligible followers: %w", err)
	}
	defer rows.Close()

	var followers []domain.EligibleFollower
	for rows.Next() {
		var f domain.EligibleFollower
		if err := rows.Scan(
			&f.FollowerID,
			&f.Connection.ID, &f.Connection.UserID, &f.Connection.Kind,
			&f.Connection.EncryptedCredentials, &f.Connection.Active,
			&f.Connection.CreatedAt, &f.Connection.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan eligible follower: %w", err)
		}
		followers = append(followers, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list eligible followers rows: %w", err)
	}
	return followers, nil
}

// RecordAction stores a follow/fade decision. A second action for the same
// (follower, trade) pair returns domain.ErrAlreadyExists.
func (s *FollowStore) RecordAction(ctx context.Context, a domain.FollowedTradeAction) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO followed_trade_actions (follower_id, trade_id, action, created_at)
		VALUES ($1, $2, $3, $4)`,
		a.FollowerID, a.TradeID, string(a.Action), a.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: record trade action: %w", err)
	}
	return nil
}

// ListActions returns a follower's follow/fade decisions newest-first.
func (s *FollowStore) ListActions(ctx context.Context, followerID string, opts domain.ListOpts) ([]domain.FollowedTradeAction, error) {
	query := `SELECT follower_id, trade_id, action, created_at
		FROM followed_trade_actions WHERE follower_id = $1 ORDER BY created_at DESC`
	args := []any{followerID}
	argIdx := 2

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trade actions: %w", err)
	}
	defer rows.Close()

	var actions []domain.FollowedTradeAction
	for rows.Next() {
		var a domain.FollowedTradeAction
		if err := rows.Scan(&a.FollowerID, &a.TradeID, &a.Action, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan trade action: %w", err)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list trade actions rows: %w", err)
	}
	return actions, nil
}
