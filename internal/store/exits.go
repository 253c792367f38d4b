package store

import (
	"context"
	"fmt"

	"polymarket-trigger/pkg/types"
)

// InsertExitEvent writes the audit record for a completed or terminally
// failed exit.
func (s *Store) InsertExitEvent(ctx context.Context, e types.ExitEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exit_events
			(position_id, token_id, condition_id, exit_type, entry_price,
			 exit_price, size, gross_pnl, net_pnl, hours_held, exit_order_id,
			 status, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.PositionID, e.TokenID, e.ConditionID, e.ExitType, e.EntryPrice,
		e.ExitPrice, e.Size, e.GrossPnL, e.NetPnL, e.HoursHeld,
		e.ExitOrderID, e.Status, e.Reason)
	if err != nil {
		return fmt.Errorf("insert exit event: %w", err)
	}
	return nil
}
