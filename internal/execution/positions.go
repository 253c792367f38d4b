package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-trigger/internal/store"
	"polymarket-trigger/pkg/types"
)

// PositionStore is the slice of the durable store the tracker writes
// positions through.
type PositionStore interface {
	ListOpenPositions(ctx context.Context) ([]types.Position, error)
	GetOpenPositionByToken(ctx context.Context, tokenID string) (types.Position, bool, error)
	GetPosition(ctx context.Context, id int64) (types.Position, bool, error)
	CountOpenPositions(ctx context.Context) (int, error)
	InsertPosition(ctx context.Context, p types.Position) (int64, error)
	UpdatePositionFill(ctx context.Context, id int64, size, entryPrice, entryCost, realizedPnL decimal.Decimal) error
	ClosePosition(ctx context.Context, id int64, realizedPnL decimal.Decimal, resolution, exitOrderID string) (bool, error)
	InsertExitEvent(ctx context.Context, e types.ExitEvent) error
	TryClaimExit(ctx context.Context, id int64) (bool, error)
	MarkExitPending(ctx context.Context, id int64, orderID string) error
	SetExitStatus(ctx context.Context, id int64, status types.ExitStatus) error
	ClearExitPending(ctx context.Context, id int64, status types.ExitStatus) error
	ListPendingExits(ctx context.Context) ([]store.PendingExit, error)
}

// Tracker aggregates fills into positions. The durable store is the source
// of truth; an in-memory token index serves the hot path and is refreshed
// by Load after restarts and reconciliation runs.
type Tracker struct {
	store  PositionStore
	logger *slog.Logger

	mu      sync.Mutex
	byToken map[string]int64 // token -> open position id
}

// NewTracker creates a position tracker.
func NewTracker(st PositionStore, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:   st,
		logger:  logger.With("component", "positions"),
		byToken: make(map[string]int64),
	}
}

// Load rebuilds the token index from the store.
func (t *Tracker) Load(ctx context.Context) error {
	open, err := t.store.ListOpenPositions(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.byToken = make(map[string]int64, len(open))
	for _, p := range open {
		t.byToken[p.TokenID] = p.PositionID
	}
	t.mu.Unlock()
	t.logger.Info("loaded open positions", "count", len(open))
	return nil
}

// OpenByToken returns the open position for a token, if any.
func (t *Tracker) OpenByToken(ctx context.Context, tokenID string) (types.Position, bool, error) {
	return t.store.GetOpenPositionByToken(ctx, tokenID)
}

// Get returns a position by id.
func (t *Tracker) Get(ctx context.Context, id int64) (types.Position, bool, error) {
	return t.store.GetPosition(ctx, id)
}

// ListOpen returns all open positions.
func (t *Tracker) ListOpen(ctx context.Context) ([]types.Position, error) {
	return t.store.ListOpenPositions(ctx)
}

// CountOpen returns the number of open positions.
func (t *Tracker) CountOpen(ctx context.Context) (int, error) {
	return t.store.CountOpenPositions(ctx)
}

// RecordFillDelta applies one newly filled portion to the position state.
// Working in deltas keeps repeated syncs idempotent: a fill is only ever
// counted the sync that discovered it. fillCost is the cost of this portion
// alone, so a later tranche moves entry_cost by exactly what it paid.
//
//   - BUY with no open position: open one at the fill price.
//   - BUY with open position: weighted-average the entry.
//   - SELL with open position: reduce proportionally and realize P&L;
//     a reduction to zero (or below) closes the position.
//   - SELL with no open position: no-op.
func (t *Tracker) RecordFillDelta(ctx context.Context, order types.Order, deltaSize, fillCost decimal.Decimal) error {
	if !deltaSize.IsPositive() {
		return nil
	}
	fillPrice := fillCost.Div(deltaSize)

	pos, found, err := t.store.GetOpenPositionByToken(ctx, order.TokenID)
	if err != nil {
		return err
	}

	switch {
	case !found && order.Side == types.BUY:
		now := time.Now().UTC()
		id, err := t.store.InsertPosition(ctx, types.Position{
			TokenID:     order.TokenID,
			ConditionID: order.ConditionID,
			Size:        deltaSize,
			EntryPrice:  fillPrice,
			EntryCost:   fillCost,
			EntryTime:   now,
			HoldStartAt: now,
			AgeSource:   types.AgeActual,
		})
		if err != nil {
			return err
		}
		t.mu.Lock()
		t.byToken[order.TokenID] = id
		t.mu.Unlock()
		t.logger.Info("position opened",
			"position_id", id,
			"token_id", order.TokenID,
			"size", deltaSize,
			"entry_price", fillPrice)

	case found && order.Side == types.BUY:
		newSize := pos.Size.Add(deltaSize)
		newCost := pos.EntryCost.Add(fillCost)
		newEntry := newCost.Div(newSize)
		if err := t.store.UpdatePositionFill(ctx, pos.PositionID, newSize, newEntry, newCost, pos.RealizedPnL); err != nil {
			return err
		}
		t.logger.Info("position increased",
			"position_id", pos.PositionID,
			"size", newSize,
			"entry_price", newEntry)

	case found && order.Side == types.SELL:
		realized := fillCost.Sub(deltaSize.Mul(pos.EntryPrice))
		newPnL := pos.RealizedPnL.Add(realized)
		newSize := pos.Size.Sub(deltaSize)
		if !newSize.IsPositive() {
			return t.Close(ctx, pos, fillPrice, "fill_close", order.OrderID)
		}
		sellRatio := deltaSize.Div(pos.Size)
		newCost := pos.EntryCost.Mul(decimal.NewFromInt(1).Sub(sellRatio))
		if err := t.store.UpdatePositionFill(ctx, pos.PositionID, newSize, pos.EntryPrice, newCost, newPnL); err != nil {
			return err
		}
		t.logger.Info("position reduced",
			"position_id", pos.PositionID,
			"size", newSize,
			"realized_pnl", newPnL)

	default:
		// SELL without an open position: nothing to account against.
	}
	return nil
}

// Close finalizes a position at an exit price, writes the exit event, and
// drops the token index entry. The store close is conditional on the row
// still being open; when another path closed it first (order sync racing a
// waited exit), Close drops the stale index entry and writes nothing.
func (t *Tracker) Close(ctx context.Context, pos types.Position, exitPrice decimal.Decimal, reason, exitOrderID string) error {
	gross := pos.Size.Mul(exitPrice.Sub(pos.EntryPrice))
	finalPnL := pos.RealizedPnL.Add(gross)

	closed, err := t.store.ClosePosition(ctx, pos.PositionID, finalPnL, reason, exitOrderID)
	if err != nil {
		return err
	}
	if !closed {
		t.mu.Lock()
		delete(t.byToken, pos.TokenID)
		t.mu.Unlock()
		t.logger.Info("position already closed by another path",
			"position_id", pos.PositionID,
			"token_id", pos.TokenID,
			"reason", reason)
		return nil
	}

	hours := time.Since(pos.EntryTime).Hours()
	if err := t.store.InsertExitEvent(ctx, types.ExitEvent{
		PositionID:  pos.PositionID,
		TokenID:     pos.TokenID,
		ConditionID: pos.ConditionID,
		ExitType:    reason,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   exitPrice,
		Size:        pos.Size,
		GrossPnL:    gross,
		NetPnL:      finalPnL,
		HoursHeld:   hours,
		ExitOrderID: exitOrderID,
		Status:      "closed",
		Reason:      reason,
	}); err != nil {
		return fmt.Errorf("record exit event: %w", err)
	}

	t.mu.Lock()
	delete(t.byToken, pos.TokenID)
	t.mu.Unlock()

	t.logger.Info("position closed",
		"position_id", pos.PositionID,
		"token_id", pos.TokenID,
		"exit_price", exitPrice,
		"pnl", finalPnL,
		"reason", reason)
	return nil
}

// TryClaimExit attempts the atomic exit claim for a position.
func (t *Tracker) TryClaimExit(ctx context.Context, positionID int64) (bool, error) {
	return t.store.TryClaimExit(ctx, positionID)
}

// MarkExitPending records the submitted exit order id.
func (t *Tracker) MarkExitPending(ctx context.Context, positionID int64, orderID string) error {
	return t.store.MarkExitPending(ctx, positionID, orderID)
}

// ClearExitPending releases a claim with a terminal status.
func (t *Tracker) ClearExitPending(ctx context.Context, positionID int64, status types.ExitStatus) error {
	return t.store.ClearExitPending(ctx, positionID, status)
}

// SetExitStatus records a status while keeping the pending claim.
func (t *Tracker) SetExitStatus(ctx context.Context, positionID int64, status types.ExitStatus) error {
	return t.store.SetExitStatus(ctx, positionID, status)
}
