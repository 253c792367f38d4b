package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-trigger/pkg/types"
)

type positionRow struct {
	ID               int64               `db:"id"`
	TokenID          string              `db:"token_id"`
	ConditionID      string              `db:"condition_id"`
	Outcome          string              `db:"outcome"`
	OutcomeIndex     int                 `db:"outcome_index"`
	Size             decimal.Decimal     `db:"size"`
	EntryPrice       decimal.Decimal     `db:"entry_price"`
	EntryCost        decimal.Decimal     `db:"entry_cost"`
	RealizedPnL      decimal.Decimal     `db:"realized_pnl"`
	Status           string              `db:"status"`
	EntryOrderID     sql.NullString      `db:"entry_order_id"`
	EntryTimestamp   time.Time           `db:"entry_timestamp"`
	ExitOrderID      string              `db:"exit_order_id"`
	ExitPending      bool                `db:"exit_pending"`
	ExitStatus       string              `db:"exit_status"`
	ExitClaimedAt    sql.NullTime        `db:"exit_claimed_at"`
	Resolution       sql.NullString      `db:"resolution"`
	HoldStartAt      time.Time           `db:"hold_start_at"`
	AgeSource        string              `db:"age_source"`
	CostBasisUnknown bool                `db:"cost_basis_unknown"`
	ImportSource     string              `db:"import_source"`
	Description      string              `db:"description"`
	CurrentPrice     decimal.NullDecimal `db:"current_price"`
}

const positionColumns = `
	id, token_id, condition_id, outcome, outcome_index, size,
	entry_price, entry_cost, realized_pnl, status, entry_order_id,
	entry_timestamp, exit_order_id, exit_pending, exit_status,
	exit_claimed_at, resolution, hold_start_at, age_source,
	cost_basis_unknown, import_source, description, current_price`

func (r positionRow) toPosition() types.Position {
	return types.Position{
		PositionID:   r.ID,
		TokenID:      r.TokenID,
		ConditionID:  r.ConditionID,
		Outcome:      r.Outcome,
		Size:         r.Size,
		EntryPrice:   r.EntryPrice,
		EntryCost:    r.EntryCost,
		EntryTime:    r.EntryTimestamp,
		Status:       types.PositionStatus(r.Status),
		RealizedPnL:  r.RealizedPnL,
		ExitPending:  r.ExitPending,
		ExitStatus:   types.ExitStatus(r.ExitStatus),
		ExitOrderID:  r.ExitOrderID,
		HoldStartAt:  r.HoldStartAt,
		AgeSource:    types.AgeSource(r.AgeSource),
		ImportSource: r.ImportSource,
		Description:  r.Description,
	}
}

// InsertPosition creates a new open position and returns its id.
func (s *Store) InsertPosition(ctx context.Context, p types.Position) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, `
		INSERT INTO positions
			(token_id, condition_id, outcome, size, entry_price, entry_cost,
			 realized_pnl, status, entry_timestamp, hold_start_at, age_source,
			 import_source, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'open', $8, $9, $10, $11, $12)
		RETURNING id`,
		p.TokenID, p.ConditionID, p.Outcome, p.Size, p.EntryPrice, p.EntryCost,
		p.RealizedPnL, p.EntryTime.UTC(), p.HoldStartAt.UTC(), string(p.AgeSource),
		p.ImportSource, p.Description)
	if err != nil {
		return 0, fmt.Errorf("insert position: %w", err)
	}
	return id, nil
}

// GetPosition fetches one position by id.
func (s *Store) GetPosition(ctx context.Context, id int64) (types.Position, bool, error) {
	var row positionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+positionColumns+` FROM positions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Position{}, false, nil
	}
	if err != nil {
		return types.Position{}, false, fmt.Errorf("get position: %w", err)
	}
	return row.toPosition(), true, nil
}

// GetOpenPositionByToken fetches the open position for a token, if any.
// At most one exists (partial unique index on open rows).
func (s *Store) GetOpenPositionByToken(ctx context.Context, tokenID string) (types.Position, bool, error) {
	var row positionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+positionColumns+` FROM positions WHERE token_id = $1 AND status = 'open'`,
		tokenID)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Position{}, false, nil
	}
	if err != nil {
		return types.Position{}, false, fmt.Errorf("get open position: %w", err)
	}
	return row.toPosition(), true, nil
}

// ListOpenPositions returns all open positions.
func (s *Store) ListOpenPositions(ctx context.Context) ([]types.Position, error) {
	var rows []positionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+positionColumns+` FROM positions WHERE status = 'open' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	positions := make([]types.Position, len(rows))
	for i, r := range rows {
		positions[i] = r.toPosition()
	}
	return positions, nil
}

// CountOpenPositions returns the number of open positions.
func (s *Store) CountOpenPositions(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT count(*) FROM positions WHERE status = 'open'`); err != nil {
		return 0, fmt.Errorf("count open positions: %w", err)
	}
	return n, nil
}

// UpdatePositionFill persists the aggregate state after a fill delta was
// applied (weighted-average entry on BUY, proportional reduce on SELL).
func (s *Store) UpdatePositionFill(ctx context.Context, id int64, size, entryPrice, entryCost, realizedPnL decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE positions
		SET size = $2, entry_price = $3, entry_cost = $4, realized_pnl = $5
		WHERE id = $1`,
		id, size, entryPrice, entryCost, realizedPnL)
	if err != nil {
		return fmt.Errorf("update position fill: %w", err)
	}
	return nil
}

// UpdatePositionSize overwrites size and entry_cost after external
// reconciliation found drift; the cost basis is no longer trustworthy.
func (s *Store) UpdatePositionSize(ctx context.Context, id int64, size, entryCost decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE positions
		SET size = $2, entry_cost = $3, cost_basis_unknown = TRUE
		WHERE id = $1`, id, size, entryCost)
	if err != nil {
		return fmt.Errorf("update position size: %w", err)
	}
	return nil
}

// UpdateCurrentPrice records the latest observed price for dashboards.
func (s *Store) UpdateCurrentPrice(ctx context.Context, tokenID string, price decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE positions SET current_price = $2
		WHERE token_id = $1 AND status = 'open'`, tokenID, price)
	if err != nil {
		return fmt.Errorf("update current price: %w", err)
	}
	return nil
}

// ClosePosition marks a position closed with its final accounting. The
// UPDATE is conditional on status so concurrent closers cannot overwrite a
// finished row; returns whether this caller performed the close.
func (s *Store) ClosePosition(ctx context.Context, id int64, realizedPnL decimal.Decimal, resolution, exitOrderID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE positions
		SET status = 'closed',
		    realized_pnl = $2,
		    resolution = $3,
		    exit_order_id = $4,
		    exit_timestamp = now(),
		    exit_pending = FALSE,
		    exit_status = 'closed'
		WHERE id = $1 AND status = 'open'`,
		id, realizedPnL, resolution, exitOrderID)
	if err != nil {
		return false, fmt.Errorf("close position: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("close position rows: %w", err)
	}
	return n == 1, nil
}

// TryClaimExit atomically claims the exit for a position. The single
// conditional UPDATE moves (exit_pending, exit_status) to (true, claiming)
// only when no exit is pending, so exactly one concurrent caller wins.
// Clears any stale exit_order_id at claim time.
func (s *Store) TryClaimExit(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE positions
		SET exit_pending = TRUE,
		    exit_status = 'claiming',
		    exit_claimed_at = now(),
		    exit_order_id = ''
		WHERE id = $1 AND status = 'open' AND exit_pending = FALSE`, id)
	if err != nil {
		return false, fmt.Errorf("claim exit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim exit rows: %w", err)
	}
	return n == 1, nil
}

// MarkExitPending records the exit order id once the wire has returned one.
func (s *Store) MarkExitPending(ctx context.Context, id int64, orderID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE positions
		SET exit_order_id = $2, exit_status = 'pending'
		WHERE id = $1`, id, orderID)
	if err != nil {
		return fmt.Errorf("mark exit pending: %w", err)
	}
	return nil
}

// SetExitStatus updates only the exit status, leaving exit_pending intact.
// Used for timeouts: the order may still fill, so reconciliation keeps
// ownership of the position.
func (s *Store) SetExitStatus(ctx context.Context, id int64, status types.ExitStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE positions SET exit_status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("set exit status: %w", err)
	}
	return nil
}

// ClearExitPending resets the pending flag and records the terminal exit
// status for operator visibility.
func (s *Store) ClearExitPending(ctx context.Context, id int64, status types.ExitStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE positions
		SET exit_pending = FALSE,
		    exit_status = $2,
		    exit_order_id = '',
		    exit_claimed_at = NULL
		WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("clear exit pending: %w", err)
	}
	return nil
}

// PendingExit is a position with an in-flight exit, for reconciliation.
type PendingExit struct {
	Position  types.Position
	ClaimedAt time.Time
}

// ListPendingExits returns open positions with exit_pending set.
func (s *Store) ListPendingExits(ctx context.Context) ([]PendingExit, error) {
	var rows []positionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+positionColumns+` FROM positions WHERE status = 'open' AND exit_pending = TRUE`)
	if err != nil {
		return nil, fmt.Errorf("list pending exits: %w", err)
	}
	out := make([]PendingExit, len(rows))
	for i, r := range rows {
		pe := PendingExit{Position: r.toPosition()}
		if r.ExitClaimedAt.Valid {
			pe.ClaimedAt = r.ExitClaimedAt.Time
		}
		out[i] = pe
	}
	return out, nil
}
