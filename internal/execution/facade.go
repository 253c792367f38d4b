package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-trigger/internal/strategy"
	"polymarket-trigger/pkg/types"
)

// Facade is the engine's single entry point into execution. It coordinates
// the balance manager, order manager, position tracker, and exit manager,
// and translates their failures into typed Results.
type Facade struct {
	balance *BalanceManager
	orders  *OrderManager
	tracker *Tracker
	exits   *ExitManager
	logger  *slog.Logger

	maxPositions int
}

// NewFacade wires the execution components together.
func NewFacade(balance *BalanceManager, orders *OrderManager, tracker *Tracker, exits *ExitManager, maxPositions int, logger *slog.Logger) *Facade {
	return &Facade{
		balance:      balance,
		orders:       orders,
		tracker:      tracker,
		exits:        exits,
		logger:       logger.With("component", "execution"),
		maxPositions: maxPositions,
	}
}

// Tracker exposes the position tracker for read paths (dashboard, importer).
func (f *Facade) Tracker() *Tracker { return f.tracker }

// Balance exposes the balance manager for health reporting.
func (f *Facade) Balance() *BalanceManager { return f.balance }

// ExecuteEntry opens a position from an entry signal. Pre-submit checks:
// the position cap and an existing open position on the token. The order is
// submitted and the position itself is created later by fill syncs.
func (f *Facade) ExecuteEntry(ctx context.Context, sig strategy.Signal, sctx strategy.Context) Result {
	open, err := f.tracker.CountOpen(ctx)
	if err != nil {
		return failureResult(ErrorExecution, err)
	}
	if open >= f.maxPositions {
		return failureResult(ErrorValidation, &PreSubmitError{
			Type:   ErrorValidation,
			Reason: fmt.Sprintf("position cap reached (%d)", f.maxPositions),
		})
	}

	if _, exists, err := f.tracker.OpenByToken(ctx, sig.TokenID); err != nil {
		return failureResult(ErrorExecution, err)
	} else if exists {
		return failureResult(ErrorValidation, &PreSubmitError{
			Type:   ErrorValidation,
			Reason: "position already open for token " + sig.TokenID,
		})
	}

	// Size in the signal is a quote-currency budget; convert to share count
	// at the limit price.
	shares := sig.Size.Div(sig.Price).Truncate(2)
	if !shares.IsPositive() {
		return failureResult(ErrorValidation, &PreSubmitError{
			Type:   ErrorValidation,
			Reason: "order size rounds to zero shares",
		})
	}

	orderID, err := f.orders.Submit(ctx, sig.TokenID, sctx.ConditionID, sig.Side, sig.Price, shares)
	if err != nil {
		var p *PreSubmitError
		if errors.As(err, &p) {
			return failureResult(p.Type, err)
		}
		return failureResult(ErrorExecution, err)
	}

	f.logger.Info("entry executed",
		"order_id", orderID,
		"token_id", sig.TokenID,
		"price", sig.Price,
		"shares", shares,
		"reason", sig.Reason)
	return successResult(orderID, 0)
}

// ExecuteExit runs an exit for a position at the current price.
func (f *Facade) ExecuteExit(ctx context.Context, pos types.Position, currentPrice decimal.Decimal, reason string, waitForFill bool) Result {
	return f.exits.ExecuteExit(ctx, pos, currentPrice, reason, waitForFill)
}

// SyncOpenOrders syncs every tracked non-terminal order and applies fill
// deltas to the position tracker. Returns the number of orders synced.
func (f *Facade) SyncOpenOrders(ctx context.Context) (int, error) {
	ids := f.orders.ActiveOrderIDs()
	synced := 0
	for _, id := range ids {
		delta, err := f.orders.Sync(ctx, id)
		if err != nil {
			f.logger.Warn("order sync failed", "order_id", id, "error", err)
			continue
		}
		synced++
		if delta.DeltaSize.IsPositive() {
			if err := f.tracker.RecordFillDelta(ctx, delta.Order, delta.DeltaSize, delta.FillCost); err != nil {
				f.logger.Error("record fill delta failed", "order_id", id, "error", err)
			}
		}
	}
	return synced, nil
}

// ExitCandidate pairs a position with the reason it should exit.
type ExitCandidate struct {
	Position types.Position
	Price    decimal.Decimal
	Reason   string
}

// EvaluateExits checks every open position against current prices and
// returns those that should exit. Positions without a price are skipped.
func (f *Facade) EvaluateExits(ctx context.Context, prices map[string]decimal.Decimal) ([]ExitCandidate, error) {
	open, err := f.tracker.ListOpen(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var out []ExitCandidate
	for _, pos := range open {
		price, ok := prices[pos.TokenID]
		if !ok {
			continue
		}
		if should, reason := f.exits.EvaluateExit(pos, price, now); should {
			out = append(out, ExitCandidate{Position: pos, Price: price, Reason: reason})
		}
	}
	return out, nil
}

// ReconcilePendingExits delegates to the exit manager.
func (f *Facade) ReconcilePendingExits(ctx context.Context) error {
	return f.exits.ReconcilePendingExits(ctx)
}

// HandleResolution closes the open position on a resolved market.
func (f *Facade) HandleResolution(ctx context.Context, tokenID string, resolvedPrice decimal.Decimal) error {
	return f.exits.HandleResolution(ctx, tokenID, resolvedPrice)
}

// LoadState rebuilds in-memory order and position tracking from the store.
func (f *Facade) LoadState(ctx context.Context) error {
	if err := f.tracker.Load(ctx); err != nil {
		return err
	}
	return f.orders.LoadOrders(ctx)
}
