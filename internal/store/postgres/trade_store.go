package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mirrormarket/mirrormarket/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

var _ domain.TradeStore = (*TradeStore)(nil)

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id, person_id, underlying, strike, option_type, expiry,
	contracts, remaining_contracts, fill_price, buy_notional, sell_notional,
	net_pnl, outcome, status, price_verified, broker_kind, connection_id,
	external_order_id, source_trade_id, created_at, executed_at`

const tradeInsertQuery = `
	INSERT INTO trades (
		id, person_id, underlying, strike, option_type, expiry,
		contracts, remaining_contracts, fill_price, buy_notional, sell_notional,
		net_pnl, outcome, status, price_verified, broker_kind, connection_id,
		external_order_id, source_trade_id, created_at, executed_at
	) VALUES (
		$1, $2, $3, $4, $5, $6,
		$7, $8, $9, $10, $11,
		$12, $13, $14, $15, $16, $17,
		$18, $19, $20, $21
	)`

// consumePlaysQuery decrements remaining plays on every active purchase of
// the creator in one statement. The WHERE guard makes the decrement
// conditional so an exhausted purchase can never go negative, and the status
// flip happens in the same statement the final play is consumed.
const consumePlaysQuery = `
	UPDATE follow_purchases
	SET plays_consumed = plays_consumed + 1,
		status = CASE WHEN plays_consumed + 1 >= plays_purchased
			THEN 'completed' ELSE status END,
		updated_at = NOW()
	WHERE creator_id = $1
	  AND status = 'active'
	  AND plays_consumed < plays_purchased`

func tradeInsertArgs(t domain.Trade) []any {
	var connID any
	if t.ConnectionID != "" {
		connID = t.ConnectionID
	}
	return []any{
		t.ID, t.PersonID, t.Underlying, t.Strike, string(t.OptionType), t.Expiry,
		t.Contracts, t.RemainingContracts, t.FillPrice, t.BuyNotional, t.SellNotional,
		t.NetPnL, t.Outcome, string(t.Status), t.PriceVerified, string(t.BrokerKind), connID,
		t.ExternalOrderID, t.SourceTradeID, t.CreatedAt, t.ExecutedAt,
	}
}

func scanTrade(row pgx.Row) (domain.Trade, error) {
	var t domain.Trade
	var connID *string
	err := row.Scan(
		&t.ID, &t.PersonID, &t.Underlying, &t.Strike, &t.OptionType, &t.Expiry,
		&t.Contracts, &t.RemainingContracts, &t.FillPrice, &t.BuyNotional, &t.SellNotional,
		&t.NetPnL, &t.Outcome, &t.Status, &t.PriceVerified, &t.BrokerKind, &connID,
		&t.ExternalOrderID, &t.SourceTradeID, &t.CreatedAt, &t.ExecutedAt,
	)
	if connID != nil {
		t.ConnectionID = *connID
	}
	return t, err
}

func scanTradeRows(rows pgx.Rows) ([]domain.Trade, error) {
	var trades []domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func auditInTx(ctx context.Context, tx pgx.Tx, event string, detail map[string]any) error {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal audit detail: %w", err)
	}
	_, err = tx.Exec(ctx, `INSERT INTO audit_log (event, detail) VALUES ($1, $2)`, event, detailJSON)
	return err
}

// consumePlays charges one play on the creator's active purchases inside a
// nested transaction. Only the savepoint rolls back on error, leaving the
// enclosing trade transaction valid for the audit write and commit.
func consumePlays(ctx context.Context, tx pgx.Tx, creatorID string) (int64, error) {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: begin consume savepoint: %w", err)
	}
	tag, err := sp.Exec(ctx, consumePlaysQuery, creatorID)
	if err != nil {
		_ = sp.Rollback(ctx)
		return 0, fmt.Errorf("postgres: consume plays: %w", err)
	}
	if err := sp.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres: commit consume savepoint: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CreateWithConsume inserts a creator trade, consumes one play on every
// active FollowPurchase targeting the creator, and appends the audit entry,
// all in one transaction. A failed ledger update is reported through
// TradeCommit.LedgerErr without aborting the trade itself.
func (s *TradeStore) CreateWithConsume(ctx context.Context, t domain.Trade) (domain.TradeCommit, error) {
	var commit domain.TradeCommit

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return commit, fmt.Errorf("postgres: begin create trade tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, tradeInsertQuery, tradeInsertArgs(t)...); err != nil {
		return commit, fmt.Errorf("postgres: insert trade: %w", err)
	}

	// The ledger update runs in a savepoint so it can fail independently.
	// A failed statement aborts the whole Postgres transaction otherwise,
	// and a broken purchase row must not void a position the broker has
	// already opened.
	if consumed, ledgerErr := consumePlays(ctx, tx, t.PersonID); ledgerErr != nil {
		commit.LedgerErr = ledgerErr
	} else {
		commit.PlaysConsumed = consumed
	}

	if err := auditInTx(ctx, tx, "trade_created", map[string]any{
		"trade_id":       t.ID,
		"person_id":      t.PersonID,
		"underlying":     t.Underlying,
		"status":         string(t.Status),
		"contracts":      t.Contracts,
		"plays_consumed": commit.PlaysConsumed,
	}); err != nil {
		return commit, fmt.Errorf("postgres: audit trade create: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return commit, fmt.Errorf("postgres: commit create trade tx: %w", err)
	}
	return commit, nil
}

// Create inserts a single trade row with its audit entry in one transaction.
// Mirrored follower trades take this path; their purchase ledger was already
// charged when the creator's trade committed.
func (s *TradeStore) Create(ctx context.Context, t domain.Trade) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin create trade tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, tradeInsertQuery, tradeInsertArgs(t)...); err != nil {
		return fmt.Errorf("postgres: insert trade: %w", err)
	}

	detail := map[string]any{
		"trade_id":   t.ID,
		"person_id":  t.PersonID,
		"underlying": t.Underlying,
		"status":     string(t.Status),
		"contracts":  t.Contracts,
	}
	if t.SourceTradeID != nil {
		detail["source_trade_id"] = *t.SourceTradeID
	}
	if err := auditInTx(ctx, tx, "trade_created", detail); err != nil {
		return fmt.Errorf("postgres: audit trade create: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit create trade tx: %w", err)
	}
	return nil
}

// GetByID returns a single trade or domain.ErrNotFound.
func (s *TradeStore) GetByID(ctx context.Context, id string) (domain.Trade, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE id = $1`
	t, err := scanTrade(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Trade{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Trade{}, fmt.Errorf("postgres: get trade %s: %w", id, err)
	}
	return t, nil
}

// ListByPerson returns a person's trades newest-first with pagination and
// optional status / underlying filtering.
func (s *TradeStore) ListByPerson(ctx context.Context, personID string, opts domain.ListOpts) ([]domain.Trade, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE person_id = $1`
	args := []any{personID}
	argIdx := 2

	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
		argIdx++
	}
	if opts.Search != "" {
		query += fmt.Sprintf(" AND underlying ILIKE $%d", argIdx)
		args = append(args, strings.ToUpper(opts.Search)+"%")
		argIdx++
	}

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
		return nil, fmt.Errorf("postgres: list trades by person: %w", err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades by person: %w", err)
	}
	return trades, nil
}

// Delete removes an OPEN trade owned by personID.
func (s *TradeStore) Delete(ctx context.Context, id, personID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin delete trade tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx,
		`SELECT status FROM trades WHERE id = $1 AND person_id = $2 FOR UPDATE`,
		id, personID,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres: lookup trade %s: %w", id, err)
	}
	if domain.TradeStatus(status) != domain.TradeStatusOpen {
		return domain.ErrTradeNotOpen
	}

	if _, err := tx.Exec(ctx, `DELETE FROM trades WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete trade %s: %w", id, err)
	}

	if err := auditInTx(ctx, tx, "trade_deleted", map[string]any{
		"trade_id":  id,
		"person_id": personID,
	}); err != nil {
		return fmt.Errorf("postgres: audit trade delete: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit delete trade tx: %w", err)
	}
	return nil
}

// ApplyFill inserts the fill and updates the trade's settlement columns in
// one transaction.
func (s *TradeStore) ApplyFill(ctx context.Context, fill domain.Fill, updated domain.Trade) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin apply fill tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO fills (id, trade_id, contracts, price, notional, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		fill.ID, fill.TradeID, fill.Contracts, fill.Price, fill.Notional, fill.CreatedAt,
	); err != nil {
		return fmt.Errorf("postgres: insert fill: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE trades
		SET remaining_contracts = $2, sell_notional = $3,
			net_pnl = $4, outcome = $5, status = $6
		WHERE id = $1`,
		updated.ID, updated.RemainingContracts, updated.SellNotional,
		updated.NetPnL, updated.Outcome, string(updated.Status),
	)
	if err != nil {
		return fmt.Errorf("postgres: update settled trade: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}

	if err := auditInTx(ctx, tx, "trade_settled", map[string]any{
		"trade_id":            fill.TradeID,
		"fill_contracts":      fill.Contracts,
		"fill_price":          fill.Price,
		"remaining_contracts": updated.RemainingContracts,
		"status":              string(updated.Status),
	}); err != nil {
		return fmt.Errorf("postgres: audit trade settle: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit apply fill tx: %w", err)
	}
	return nil
}

// ListFills returns a trade's fills in execution order.
func (s *TradeStore) ListFills(ctx context.Context, tradeID string) ([]domain.Fill, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, trade_id, contracts, price, notional, created_at
		FROM fills WHERE trade_id = $1 ORDER BY created_at ASC`,
		tradeID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills: %w", err)
	}
	defer rows.Close()

	var fills []domain.Fill
	for rows.Next() {
		var f domain.Fill
		if err := rows.Scan(&f.ID, &f.TradeID, &f.Contracts, &f.Price, &f.Notional, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan fill: %w", err)
		}
		fills = append(fills, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list fills rows: %w", err)
	}
	return fills, nil
}

// ListSettledBefore returns non-OPEN trades created before the cutoff, oldest
// first, for archival.
func (s *TradeStore) ListSettledBefore(ctx context.Context, before time.Time) ([]domain.Trade, error) {
	query := `SELECT ` + tradeSelectCols + `
		FROM trades WHERE status <> 'OPEN' AND created_at < $1
		ORDER BY created_at ASC`
	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settled trades before: %w", err)
	}
	defer rows.Close()
	return scanTradeRows(rows)
}

// DeleteSettledBefore removes archived non-OPEN trades created before the
// cutoff. Returns the number deleted.
func (s *TradeStore) DeleteSettledBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM trades WHERE status <> 'OPEN' AND created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete settled trades before: %w", err)
	}
	return tag.RowsAffected(), nil
}
