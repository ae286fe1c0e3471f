package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ajitpratap0/tradegate/internal/broker"
)

// PositionRepo persists the broker-confirmed position ledger. The broker
// ticket is the primary key; Save is an upsert so the write-through hook
// covers both opens and closes.
type PositionRepo struct {
	db PoolInterface
}

// NewPositionRepo creates a position repository
func NewPositionRepo(db PoolInterface) *PositionRepo {
	return &PositionRepo{db: db}
}

// Save upserts one position
func (r *PositionRepo) Save(ctx context.Context, pos *broker.Position) error {
	query := `
		INSERT INTO positions (
			ticket, profile_id, symbol, side, volume, entry_price, stop_loss, take_profit,
			current_price, unrealized_pnl, origin_signal_id, origin_chain_id,
			opened_at, closed_at, close_price, realized_pnl
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (ticket) DO UPDATE SET
			volume = EXCLUDED.volume,
			stop_loss = EXCLUDED.stop_loss,
			take_profit = EXCLUDED.take_profit,
			current_price = EXCLUDED.current_price,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			closed_at = EXCLUDED.closed_at,
			close_price = EXCLUDED.close_price,
			realized_pnl = EXCLUDED.realized_pnl
	`
	var originChain interface{}
	if pos.OriginChainID != "" {
		originChain = pos.OriginChainID
	}
	if _, err := r.db.Exec(ctx, query,
		pos.Ticket, pos.ProfileID, pos.Symbol, string(pos.Side), pos.Volume,
		pos.EntryPrice, pos.StopLoss, pos.TakeProfit, pos.CurrentPrice, pos.UnrealizedPnL,
		pos.OriginSignalID, originChain, pos.OpenedAt, pos.ClosedAt, pos.ClosePrice, pos.RealizedPnL); err != nil {
		return fmt.Errorf("failed to save position %s: %w", pos.Ticket, err)
	}
	return nil
}

// ListOpen returns a profile's open positions in open order
func (r *PositionRepo) ListOpen(ctx context.Context, profileID string) ([]*broker.Position, error) {
	query := selectPositions + `
		WHERE profile_id = $1 AND closed_at IS NULL
		ORDER BY opened_at ASC
	`
	return r.list(ctx, query, profileID)
}

// ListByChainIDs resolves the positions referenced by a set of chains; the
// audit exporter uses it to bundle fills with their decision trails
func (r *PositionRepo) ListByChainIDs(ctx context.Context, chainIDs []string) ([]*broker.Position, error) {
	query := selectPositions + `
		WHERE origin_chain_id = ANY($1)
		ORDER BY opened_at ASC
	`
	return r.list(ctx, query, chainIDs)
}

const selectPositions = `
	SELECT ticket, profile_id, symbol, side, volume, entry_price, stop_loss, take_profit,
	       current_price, unrealized_pnl, origin_signal_id, COALESCE(origin_chain_id::text, ''),
	       opened_at, closed_at, close_price, realized_pnl
	FROM positions`

func (r *PositionRepo) list(ctx context.Context, query string, args ...interface{}) ([]*broker.Position, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	positions := []*broker.Position{}
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

func scanPosition(row pgx.Row) (*broker.Position, error) {
	pos := &broker.Position{}
	var side string
	if err := row.Scan(&pos.Ticket, &pos.ProfileID, &pos.Symbol, &side, &pos.Volume,
		&pos.EntryPrice, &pos.StopLoss, &pos.TakeProfit, &pos.CurrentPrice, &pos.UnrealizedPnL,
		&pos.OriginSignalID, &pos.OriginChainID, &pos.OpenedAt, &pos.ClosedAt,
		&pos.ClosePrice, &pos.RealizedPnL); err != nil {
		return nil, err
	}
	pos.Side = broker.Side(side)
	return pos, nil
}
