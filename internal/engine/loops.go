package engine

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-trigger/internal/execution"
	"polymarket-trigger/internal/health"
	"polymarket-trigger/internal/importer"
	"polymarket-trigger/internal/processor"
	"polymarket-trigger/internal/strategy"
	"polymarket-trigger/internal/trigger"
	"polymarket-trigger/internal/watchlist"
	"polymarket-trigger/pkg/types"
)

// universeRefreshInterval matches the metadata cache TTL.
const universeRefreshInterval = time.Hour

// RunLoops starts the background maintenance loops and blocks until ctx is
// cancelled. Every loop survives its own errors; a failed tick is logged and
// the loop waits for the next one.
func (e *Engine) RunLoops(ctx context.Context) {
	var wg sync.WaitGroup

	start := func(name string, interval time.Duration, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.runLoop(ctx, name, interval, fn)
		}()
	}

	if !e.cfg.DryRun {
		start("order_sync", e.cfg.Loops.OrderSyncInterval, e.orderSyncTick)
	}
	start("exit_eval", e.cfg.Loops.ExitEvalInterval, e.exitEvalTick)
	start("watchlist_rescore", e.cfg.Loops.WatchlistRescoreInterval, e.watchlistTick)
	start("position_sync", e.cfg.Loops.PositionSyncInterval, func(ctx context.Context) error {
		return e.importer.Sync(ctx, importer.SyncQuick)
	})
	start("full_position_sync", e.cfg.Loops.FullPositionSyncInterval, func(ctx context.Context) error {
		return e.importer.Sync(ctx, importer.SyncFull)
	})
	start("universe_refresh", universeRefreshInterval, e.universeTick)

	wg.Wait()
}

// runLoop ticks fn every interval until ctx is done. The first tick waits a
// full interval; startup work belongs to Run, not the loops.
func (e *Engine) runLoop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	logger := e.logger.With("loop", name)
	logger.Info("loop started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("loop stopped")
			return
		case <-time.After(interval):
			if err := fn(ctx); err != nil {
				logger.Error("loop tick failed", "error", err)
				e.metrics.Inc(health.CounterErrors)
			}
		}
	}
}

// orderSyncTick trues up tracked orders against the exchange and applies
// fill deltas.
func (e *Engine) orderSyncTick(ctx context.Context) error {
	synced, err := e.facade.SyncOpenOrders(ctx)
	if err != nil {
		return err
	}
	if synced > 0 {
		e.logger.Debug("orders synced", "count", synced)
	}
	return nil
}

// exitEvalTick reconciles stuck exits, trues up sizes, and evaluates every
// open position for exit. The quick sync runs first so exits never sell
// more than the exchange says we hold.
func (e *Engine) exitEvalTick(ctx context.Context) error {
	if err := e.facade.ReconcilePendingExits(ctx); err != nil {
		e.logger.Warn("exit reconciliation failed", "error", err)
	}
	if err := e.importer.Sync(ctx, importer.SyncQuick); err != nil {
		e.logger.Warn("pre-exit position sync failed", "error", err)
	}

	candidates, err := e.facade.EvaluateExits(ctx, e.LastPrices())
	if err != nil {
		return err
	}

	for _, c := range candidates {
		res := e.facade.ExecuteExit(ctx, c.Position, c.Price, c.Reason, true)
		if res.Success {
			e.metrics.Inc(health.CounterExits)
			e.logger.Info("exit executed",
				"position_id", c.Position.PositionID,
				"token_id", c.Position.TokenID,
				"reason", c.Reason,
				"price", c.Price)
		} else if res.Err != nil {
			e.logger.Warn("exit attempt failed",
				"position_id", c.Position.PositionID,
				"reason", c.Reason,
				"error_type", res.ErrorType,
				"error", res.Err)
		}
	}
	return nil
}

// watchlistTick rescores the watchlist and executes any promotions.
func (e *Engine) watchlistTick(ctx context.Context) error {
	promotions, err := e.watchlist.RescoreAll(ctx, nil)
	if err != nil {
		return err
	}
	for _, p := range promotions {
		e.executePromotion(ctx, p)
	}
	return nil
}

// verifyPromotionPrice runs a promotion price through the processor so
// promotions get the same orderbook screening as live stream entries. The
// rejection is recorded when the book diverges.
func (e *Engine) verifyPromotionPrice(ctx context.Context, tokenID, conditionID string, price decimal.Decimal) (processor.ProcessedEvent, bool) {
	evt := e.processor.ProcessPriceUpdate(ctx, types.PriceUpdate{
		TokenID:    tokenID,
		Price:      price,
		ObservedAt: time.Now().UTC(),
	})
	if evt.G5Flagged {
		e.recordRejection(types.PriceUpdate{TokenID: tokenID, Price: price},
			conditionID, types.RejectOrderbook, evt.G5Reason)
		return evt, false
	}
	return evt, true
}

// executePromotion enters a promoted watchlist market at its last observed
// price. The entry passed the hard filters when it was watchlisted; orderbook
// verification and the claim and execution path still apply in full.
func (e *Engine) executePromotion(ctx context.Context, p watchlist.Promotion) {
	entry := p.Entry

	market, known := e.universe.MarketForToken(entry.TokenID)
	if !known {
		e.logger.Warn("promotion for unknown market", "token_id", entry.TokenID)
		return
	}

	price, ok := e.LastPrices()[entry.TokenID]
	if !ok {
		if !entry.TriggerPrice.Valid {
			e.logger.Warn("promotion without a price", "token_id", entry.TokenID)
			return
		}
		price = entry.TriggerPrice.Decimal
	}
	if price.LessThan(e.threshold) {
		e.logger.Info("promotion price below threshold, skipping",
			"token_id", entry.TokenID, "price", price)
		return
	}

	evt, ok := e.verifyPromotionPrice(ctx, entry.TokenID, entry.ConditionID, price)
	if !ok {
		e.logger.Info("promotion rejected by orderbook check",
			"token_id", entry.TokenID, "reason", evt.G5Reason)
		return
	}

	won, err := e.dedup.TryRecord(ctx, trigger.ClaimInput{
		TokenID:     entry.TokenID,
		ConditionID: entry.ConditionID,
		Threshold:   e.threshold,
		Price:       price,
		TradeSize:   evt.TradeSize,
		ModelScore:  decimal.NewNullDecimal(decimal.NewFromFloat(entry.CurrentScore)),
	})
	if err != nil {
		e.logger.Error("promotion claim failed", "token_id", entry.TokenID, "error", err)
		return
	}
	if !won {
		return
	}

	if e.cfg.DryRun {
		e.logger.Info("dry-run promotion entry", "token_id", entry.TokenID, "price", price)
		e.metrics.Inc(health.CounterEntries)
		return
	}

	sig := strategy.Entry(entry.TokenID, types.BUY, price,
		decimal.NewFromFloat(e.cfg.Trading.PositionSize), "watchlist promotion")
	res := e.facade.ExecuteEntry(ctx, sig, strategy.Context{
		ConditionID: entry.ConditionID,
		TokenID:     entry.TokenID,
		Question:    market.Question,
	})
	if res.Success {
		e.metrics.Inc(health.CounterEntries)
		if err := e.watchlist.MarkTraded(ctx, entry.TokenID, entry.CurrentScore); err != nil {
			e.logger.Warn("mark traded failed", "token_id", entry.TokenID, "error", err)
		}
		return
	}

	e.logger.Warn("promotion entry failed",
		"token_id", entry.TokenID, "error_type", res.ErrorType, "error", res.Err)
	if execution.IsPreSubmit(res.Err) {
		if err := e.dedup.Remove(ctx, entry.TokenID, entry.ConditionID, e.threshold); err != nil {
			e.logger.Error("trigger removal failed", "token_id", entry.TokenID, "error", err)
		}
	}
}

// universeTick refreshes market metadata and extends stream subscriptions
// to newly listed tokens, within the subscription cap.
func (e *Engine) universeTick(ctx context.Context) error {
	if _, err := e.universe.Refresh(ctx); err != nil {
		return err
	}
	return e.stream.Subscribe(e.universe.TokenIDs(e.cfg.Trading.MaxInitialSubscriptions))
}
