package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-trigger/internal/config"
	"polymarket-trigger/internal/store"
	"polymarket-trigger/pkg/types"
)

const (
	fillPollInterval = time.Second
	staleClaimAge    = 60 * time.Second // a claim older than this came from a dead submitter
	staleExitOrder   = 15 * time.Minute // pending exit orders older than this get cancelled
)

// BookWire reads order books for the liquidity guard.
type BookWire interface {
	FetchOrderbook(ctx context.Context, tokenID string) (types.Orderbook, error)
}

// ExitManager decides and executes exits.
//
// Two policies: positions with a trusted entry time (age_source=actual) hold
// to resolution until min_hold_days, then exit conditionally on price.
// Positions with age_source=unknown are always exit-eligible — their
// hold_start_at is a placeholder and must never lock them in.
type ExitManager struct {
	book    BookWire
	orders  *OrderManager
	tracker *Tracker
	balance *BalanceManager
	logger  *slog.Logger

	profitTarget decimal.Decimal
	stopLoss     decimal.Decimal
	minHold      time.Duration
	maxSpread    decimal.Decimal
	priceFloor   decimal.Decimal
	maxSlippage  decimal.Decimal
	fillTimeout  time.Duration
}

// NewExitManager creates an exit manager from config.
func NewExitManager(book BookWire, orders *OrderManager, tracker *Tracker, balance *BalanceManager, cfg config.ExitConfig, logger *slog.Logger) *ExitManager {
	return &ExitManager{
		book:         book,
		orders:       orders,
		tracker:      tracker,
		balance:      balance,
		logger:       logger.With("component", "exits"),
		profitTarget: decimal.NewFromFloat(cfg.ProfitTarget),
		stopLoss:     decimal.NewFromFloat(cfg.StopLoss),
		minHold:      time.Duration(cfg.MinHoldDays) * 24 * time.Hour,
		maxSpread:    decimal.NewFromFloat(cfg.MaxSpreadPercent),
		priceFloor:   decimal.NewFromFloat(cfg.MinExitPriceFloor),
		maxSlippage:  decimal.NewFromFloat(cfg.MaxSlippagePct),
		fillTimeout:  cfg.FillTimeout,
	}
}

// EvaluateExit decides whether a position should exit at the current price.
// Pure: no I/O, callable from tests and the evaluation loop alike.
func (e *ExitManager) EvaluateExit(pos types.Position, currentPrice decimal.Decimal, now time.Time) (bool, string) {
	if pos.ExitPending {
		return false, "exit already pending"
	}

	// Trusted young positions hold to resolution regardless of price.
	if pos.AgeSource == types.AgeActual && pos.HoldAge(now) < e.minHold {
		return false, fmt.Sprintf("holding: %.1fd of %.1fd",
			pos.HoldAge(now).Hours()/24, e.minHold.Hours()/24)
	}

	if currentPrice.GreaterThanOrEqual(e.profitTarget) {
		return true, "profit_target"
	}
	if currentPrice.LessThanOrEqual(e.stopLoss) {
		return true, "stop_loss"
	}
	return false, "within band"
}

// liquidityCheck is the G13 guard: verify the book can absorb the exit
// before anything is submitted. Returns the safe exit price (the best bid)
// or a block reason.
func (e *ExitManager) liquidityCheck(ctx context.Context, pos types.Position, requested decimal.Decimal) (decimal.Decimal, string, error) {
	ob, err := e.book.FetchOrderbook(ctx, pos.TokenID)
	if err != nil {
		return decimal.Zero, "", err
	}

	bid, hasBid := ob.BestBid()
	if !hasBid {
		return decimal.Zero, "illiquid: no bids", nil
	}

	if spread, ok := ob.SpreadPct(); ok && spread.GreaterThan(e.maxSpread) {
		return decimal.Zero, fmt.Sprintf("spread %s exceeds %s", spread.StringFixed(4), e.maxSpread), nil
	}

	floor := pos.EntryPrice.Mul(e.priceFloor)
	if bid.Price.LessThan(floor) {
		return decimal.Zero, fmt.Sprintf("best bid %s below floor %s", bid.Price, floor), nil
	}

	if requested.IsPositive() {
		slippage := requested.Sub(bid.Price).Div(requested)
		if slippage.GreaterThan(e.maxSlippage) {
			return decimal.Zero, fmt.Sprintf("slippage %s exceeds %s", slippage.StringFixed(4), e.maxSlippage), nil
		}
	}

	return bid.Price, "", nil
}

// ExecuteExit runs the full exit sequence for one position: reconcile any
// pending exit, claim atomically, pass the liquidity guard, submit a SELL at
// the best bid, and optionally wait for the fill.
func (e *ExitManager) ExecuteExit(ctx context.Context, pos types.Position, currentPrice decimal.Decimal, reason string, waitForFill bool) Result {
	if pos.ExitPending {
		resolved, err := e.reconcileOne(ctx, store.PendingExit{Position: pos})
		if err != nil {
			return failureResult(ErrorExit, err)
		}
		if !resolved {
			return failureResult(ErrorExit, fmt.Errorf("exit already pending for position %d", pos.PositionID))
		}
		return successResult(pos.ExitOrderID, pos.PositionID)
	}

	won, err := e.tracker.TryClaimExit(ctx, pos.PositionID)
	if err != nil {
		return failureResult(ErrorExit, err)
	}
	if !won {
		return failureResult(ErrorExit, fmt.Errorf("exit claim lost for position %d", pos.PositionID))
	}

	exitPrice, blockReason, err := e.liquidityCheck(ctx, pos, currentPrice)
	if err != nil {
		e.clear(ctx, pos.PositionID, types.ExitFailed)
		return failureResult(ErrorExit, err)
	}
	if blockReason != "" {
		e.logger.Warn("exit blocked by liquidity guard",
			"position_id", pos.PositionID,
			"token_id", pos.TokenID,
			"reason", blockReason)
		e.clear(ctx, pos.PositionID, types.ExitLiquidityBlocked)
		return failureResult(ErrorExit, fmt.Errorf("liquidity blocked: %s", blockReason))
	}

	orderID, err := e.orders.Submit(ctx, pos.TokenID, pos.ConditionID, types.SELL, exitPrice, pos.Size)
	if err != nil {
		// No order id came back, so nothing is live; this covers
		// cancellation before the wire returned as well.
		e.clear(context.WithoutCancel(ctx), pos.PositionID, types.ExitFailed)
		return failureResult(ErrorExit, err)
	}

	if err := e.tracker.MarkExitPending(ctx, pos.PositionID, orderID); err != nil {
		return failureResult(ErrorExit, err)
	}

	if !waitForFill {
		return successResult(orderID, pos.PositionID)
	}

	filled, failReason := e.waitForFill(ctx, orderID, pos.Size)
	if !filled {
		if failReason == "timeout" {
			// Keep the pending state: the order may still fill and
			// reconciliation will close the position then.
			if err := e.tracker.SetExitStatus(ctx, pos.PositionID, types.ExitTimeout); err != nil {
				e.logger.Error("set exit timeout status failed", "position_id", pos.PositionID, "error", err)
			}
			return failureResult(ErrorFillTimeout, fmt.Errorf("exit order %s not filled within %s", orderID, e.fillTimeout))
		}
		e.clear(ctx, pos.PositionID, types.ExitFailed)
		return failureResult(ErrorExit, fmt.Errorf("exit order %s failed: %s", orderID, failReason))
	}

	if err := e.tracker.Close(ctx, pos, exitPrice, reason, orderID); err != nil {
		return failureResult(ErrorExit, err)
	}
	if err := e.balance.Refresh(ctx); err != nil {
		e.logger.Warn("balance refresh after exit failed", "error", err)
	}
	return successResult(orderID, pos.PositionID)
}

// waitForFill polls the order until filled, terminal failure, timeout, or
// cancellation. LIVE is not a fill.
func (e *ExitManager) waitForFill(ctx context.Context, orderID string, size decimal.Decimal) (bool, string) {
	deadline := time.Now().Add(e.fillTimeout)
	ticker := time.NewTicker(fillPollInterval)
	defer ticker.Stop()

	for {
		delta, err := e.orders.Sync(ctx, orderID)
		if err != nil {
			e.logger.Debug("fill poll failed", "order_id", orderID, "error", err)
		} else {
			switch {
			case delta.Order.Status == types.OrderFilled,
				delta.Order.FilledSize.GreaterThanOrEqual(size):
				return true, ""
			case delta.Order.Status == types.OrderCancelled:
				return false, "cancelled"
			case delta.Order.Status == types.OrderFailed:
				return false, "failed"
			}
		}

		if time.Now().After(deadline) {
			return false, "timeout"
		}
		select {
		case <-ctx.Done():
			return false, "timeout" // id is known; leave for reconciliation
		case <-ticker.C:
		}
	}
}

// ReconcilePendingExits resolves every in-flight exit: stale claims are
// cleared, filled orders close their positions, dead orders release the
// claim. Idempotent; runs from the background loop.
func (e *ExitManager) ReconcilePendingExits(ctx context.Context) error {
	pending, err := e.tracker.store.ListPendingExits(ctx)
	if err != nil {
		return err
	}
	for _, pe := range pending {
		if _, err := e.reconcileOne(ctx, pe); err != nil {
			e.logger.Error("reconcile pending exit failed",
				"position_id", pe.Position.PositionID, "error", err)
		}
	}
	return nil
}

// reconcileOne resolves a single pending exit. Returns true when the
// pending state was resolved (closed or cleared).
func (e *ExitManager) reconcileOne(ctx context.Context, pe store.PendingExit) (bool, error) {
	pos := pe.Position

	if pos.ExitStatus == types.ExitClaiming {
		if !pe.ClaimedAt.IsZero() && time.Since(pe.ClaimedAt) > staleClaimAge {
			e.logger.Warn("clearing stale exit claim", "position_id", pos.PositionID)
			return true, e.tracker.ClearExitPending(ctx, pos.PositionID, types.ExitStaleClaim)
		}
		return false, nil // submitter may still be working
	}

	if pos.ExitOrderID == "" {
		return true, e.tracker.ClearExitPending(ctx, pos.PositionID, types.ExitCleared)
	}

	delta, err := e.orders.Sync(ctx, pos.ExitOrderID)
	if err != nil {
		return false, err
	}
	order := delta.Order

	switch {
	case order.Status == types.OrderFilled || order.FilledSize.GreaterThanOrEqual(pos.Size):
		exitPrice := order.LimitPrice
		if order.AvgFillPrice.Valid {
			exitPrice = order.AvgFillPrice.Decimal
		}
		if err := e.tracker.Close(ctx, pos, exitPrice, "exit_reconcile", order.OrderID); err != nil {
			return false, err
		}
		if err := e.balance.Refresh(ctx); err != nil {
			e.logger.Warn("balance refresh after reconcile failed", "error", err)
		}
		return true, nil

	case order.Status == types.OrderCancelled:
		return true, e.tracker.ClearExitPending(ctx, pos.PositionID, types.ExitCancelled)

	case order.Status == types.OrderFailed:
		return true, e.tracker.ClearExitPending(ctx, pos.PositionID, types.ExitFailed)

	case time.Since(order.CreatedAt) > staleExitOrder:
		e.logger.Warn("cancelling stale exit order",
			"position_id", pos.PositionID, "order_id", order.OrderID)
		if _, err := e.orders.Cancel(ctx, order.OrderID); err != nil {
			e.logger.Warn("stale exit cancel failed", "order_id", order.OrderID, "error", err)
		}
		return true, e.tracker.ClearExitPending(ctx, pos.PositionID, types.ExitCancelled)
	}

	return false, nil // still live and fresh
}

// HandleResolution closes an open position at the market's resolution price
// (1.0 when the held outcome won, 0.0 when it lost).
func (e *ExitManager) HandleResolution(ctx context.Context, tokenID string, resolvedPrice decimal.Decimal) error {
	pos, found, err := e.tracker.OpenByToken(ctx, tokenID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	if err := e.tracker.Close(ctx, pos, resolvedPrice, "resolution", ""); err != nil {
		return err
	}
	if err := e.balance.Refresh(ctx); err != nil {
		e.logger.Warn("balance refresh after resolution failed", "error", err)
	}
	return nil
}

func (e *ExitManager) clear(ctx context.Context, positionID int64, status types.ExitStatus) {
	if err := e.tracker.ClearExitPending(ctx, positionID, status); err != nil {
		e.logger.Error("clear exit pending failed", "position_id", positionID, "error", err)
	}
}
