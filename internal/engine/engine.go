// Package engine glues the pipeline together: stream event -> processor ->
// deduplicator -> strategy -> route.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-trigger/internal/config"
	"polymarket-trigger/internal/exchange"
	"polymarket-trigger/internal/execution"
	"polymarket-trigger/internal/health"
	"polymarket-trigger/internal/importer"
	"polymarket-trigger/internal/processor"
	"polymarket-trigger/internal/strategy"
	"polymarket-trigger/internal/trigger"
	"polymarket-trigger/internal/universe"
	"polymarket-trigger/internal/watchlist"
	"polymarket-trigger/pkg/types"
)

// Scorer is the opaque market-scoring hook. Implementations return a score
// in [0, 1]. The default scorer uses the trigger price itself as the
// probability estimate.
type Scorer func(ctx context.Context, sctx strategy.Context) (decimal.Decimal, error)

func defaultScorer(_ context.Context, sctx strategy.Context) (decimal.Decimal, error) {
	return sctx.TriggerPrice, nil
}

// Engine runs the trading pipeline over the market stream.
type Engine struct {
	cfg       config.Config
	stream    *exchange.StreamClient
	processor *processor.Processor
	dedup     *trigger.Deduplicator
	strategy  strategy.Strategy
	filters   *strategy.HardFilters
	facade    *execution.Facade
	universe  *universe.Universe
	watchlist *watchlist.Service
	importer  *importer.Importer
	metrics   *health.Metrics
	scorer    Scorer
	logger    *slog.Logger

	threshold decimal.Decimal
	maxDev    decimal.Decimal

	priceMu    sync.RWMutex
	lastPrices map[string]decimal.Decimal

	belowThreshold atomic.Int64
}

// Sub-threshold events dominate the stream; one in every N is recorded so
// the rejection ring stays representative without being flushed by them.
const thresholdSampleEvery = 100

// Deps bundles the engine's collaborators.
type Deps struct {
	Stream    *exchange.StreamClient
	Processor *processor.Processor
	Dedup     *trigger.Deduplicator
	Strategy  strategy.Strategy
	Filters   *strategy.HardFilters
	Facade    *execution.Facade
	Universe  *universe.Universe
	Watchlist *watchlist.Service
	Importer  *importer.Importer
	Metrics   *health.Metrics
	Scorer    Scorer
}

// New creates the engine. A nil Scorer falls back to the price-as-score
// default.
func New(cfg config.Config, deps Deps, logger *slog.Logger) *Engine {
	scorer := deps.Scorer
	if scorer == nil {
		scorer = defaultScorer
	}
	return &Engine{
		cfg:        cfg,
		stream:     deps.Stream,
		processor:  deps.Processor,
		dedup:      deps.Dedup,
		strategy:   deps.Strategy,
		filters:    deps.Filters,
		facade:     deps.Facade,
		universe:   deps.Universe,
		watchlist:  deps.Watchlist,
		importer:   deps.Importer,
		metrics:    deps.Metrics,
		scorer:     scorer,
		logger:     logger.With("component", "engine"),
		threshold:  decimal.NewFromFloat(cfg.Trading.PriceThreshold),
		maxDev:     decimal.NewFromFloat(cfg.Trading.MaxPriceDeviation),
		lastPrices: make(map[string]decimal.Decimal),
	}
}

// Run starts the stream, subscribes the universe, and consumes events until
// ctx is cancelled. Background loops are started separately by RunLoops.
func (e *Engine) Run(ctx context.Context) error {
	if _, err := e.universe.Refresh(ctx); err != nil {
		return fmt.Errorf("initial universe fetch: %w", err)
	}
	if err := e.stream.Subscribe(e.universe.TokenIDs(e.cfg.Trading.MaxInitialSubscriptions)); err != nil {
		return err
	}

	streamErr := make(chan error, 1)
	go func() { streamErr <- e.stream.Run(ctx) }()

	e.logger.Info("engine started",
		"dry_run", e.cfg.DryRun,
		"strategy", e.strategy.Name(),
		"threshold", e.threshold)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-streamErr:
			return err
		case update := <-e.stream.Updates():
			e.handlePriceUpdate(ctx, update)
		}
	}
}

// handlePriceUpdate runs one stream event through the pipeline.
func (e *Engine) handlePriceUpdate(ctx context.Context, update types.PriceUpdate) {
	e.recordPrice(update.TokenID, update.Price)

	// Cheap gates first: threshold, then the non-authoritative dedup read.
	// Both reject the vast majority of events before any wire call.
	if update.Price.LessThan(e.threshold) {
		if e.belowThreshold.Add(1)%thresholdSampleEvery == 1 {
			e.recordRejection(update, "", types.RejectThreshold,
				fmt.Sprintf("price %s below threshold %s", update.Price, e.threshold))
		}
		return
	}

	market, known := e.universe.MarketForToken(update.TokenID)
	if !known {
		return
	}

	ok, err := e.dedup.ShouldTrigger(ctx, update.TokenID, market.ConditionID, e.threshold)
	if err != nil {
		e.logger.Error("dedup pre-check failed", "token_id", update.TokenID, "error", err)
		e.metrics.Inc(health.CounterErrors)
		return
	}
	if !ok {
		e.recordRejection(update, market.ConditionID, types.RejectDuplicate, "trigger exists")
		return
	}

	evt := e.processor.ProcessPriceUpdate(ctx, update)

	sctx, err := e.buildContext(ctx, evt, market)
	if err != nil {
		e.logger.Error("context build failed", "token_id", update.TokenID, "error", err)
		e.metrics.Inc(health.CounterErrors)
		return
	}

	if ignore := e.filters.Apply(sctx); ignore != nil {
		e.recordRejection(update, market.ConditionID, types.RejectionStage(ignore.FilterName), ignore.Reason)
		return
	}

	sig := e.strategy.Evaluate(sctx)
	e.route(ctx, sig, sctx, evt)
}

// buildContext assembles the strategy context. The only durable read on the
// hot path is the open-position lookup.
func (e *Engine) buildContext(ctx context.Context, evt processor.ProcessedEvent, market types.Market) (strategy.Context, error) {
	sctx := strategy.Context{
		ConditionID:     market.ConditionID,
		TokenID:         evt.TokenID,
		Question:        market.Question,
		Category:        market.Category,
		TriggerPrice:    evt.Price,
		TradeSize:       evt.TradeSize,
		TimeToEndHours:  market.TimeToEndHours(time.Now().UTC()),
		TradeAgeSeconds: evt.TradeAge.Seconds(),
	}
	if o, ok := market.OutcomeForToken(evt.TokenID); ok {
		sctx.Outcome = o.Label
		sctx.OutcomeIndex = o.Index
	}

	if pos, found, err := e.facade.Tracker().OpenByToken(ctx, evt.TokenID); err != nil {
		return sctx, err
	} else if found {
		sctx.CurrentPosition = &pos
	}

	score, err := e.scorer(ctx, sctx)
	if err != nil {
		e.logger.Warn("scorer failed", "token_id", evt.TokenID, "error", err)
	} else {
		sctx.ModelScore = decimal.NewNullDecimal(score)
	}
	return sctx, nil
}

// route acts on a strategy signal.
func (e *Engine) route(ctx context.Context, sig strategy.Signal, sctx strategy.Context, evt processor.ProcessedEvent) {
	switch sig.Kind {
	case strategy.SignalEntry:
		e.routeEntry(ctx, sig, sctx, evt)

	case strategy.SignalExit:
		if sctx.CurrentPosition == nil {
			return
		}
		res := e.facade.ExecuteExit(ctx, *sctx.CurrentPosition, evt.Price, sig.Reason, true)
		if res.Success {
			e.metrics.Inc(health.CounterExits)
		} else {
			e.logger.Warn("exit failed", "position_id", sig.PositionID, "error", res.Err)
		}

	case strategy.SignalWatchlist:
		err := e.watchlist.Add(ctx, sctx.TokenID, sctx.ConditionID, sctx.Question,
			sig.Score, sctx.TimeToEndHours, decimal.NewNullDecimal(evt.Price))
		if err != nil {
			e.logger.Error("watchlist add failed", "token_id", sctx.TokenID, "error", err)
		}

	case strategy.SignalHold:
		e.recordRejection(types.PriceUpdate{TokenID: sctx.TokenID, Price: evt.Price},
			sctx.ConditionID, types.RejectStrategyHold, sig.Reason)

	case strategy.SignalIgnore:
		e.recordRejection(types.PriceUpdate{TokenID: sctx.TokenID, Price: evt.Price},
			sctx.ConditionID, types.RejectStrategySkip, sig.Reason)
	}
}

// routeEntry claims the trigger and executes. The claim comes before any
// submission; losing it means another token or process got there first.
func (e *Engine) routeEntry(ctx context.Context, sig strategy.Signal, sctx strategy.Context, evt processor.ProcessedEvent) {
	if evt.G5Flagged {
		e.recordRejection(types.PriceUpdate{TokenID: sctx.TokenID, Price: evt.Price},
			sctx.ConditionID, types.RejectOrderbook, evt.G5Reason)
		return
	}

	won, err := e.dedup.TryRecord(ctx, trigger.ClaimInput{
		TokenID:      sctx.TokenID,
		ConditionID:  sctx.ConditionID,
		Threshold:    e.threshold,
		Price:        evt.Price,
		TradeSize:    evt.TradeSize,
		ModelScore:   sctx.ModelScore,
		Outcome:      sctx.Outcome,
		OutcomeIndex: sctx.OutcomeIndex,
	})
	if err != nil {
		e.logger.Error("trigger claim failed", "token_id", sctx.TokenID, "error", err)
		e.metrics.Inc(health.CounterErrors)
		return
	}
	if !won {
		e.recordRejection(types.PriceUpdate{TokenID: sctx.TokenID, Price: evt.Price},
			sctx.ConditionID, types.RejectDuplicate, "claim lost")
		return
	}

	if e.cfg.DryRun {
		e.logger.Info("dry-run entry",
			"token_id", sctx.TokenID,
			"condition_id", sctx.ConditionID,
			"price", sig.Price,
			"size", sig.Size,
			"reason", sig.Reason)
		e.metrics.Inc(health.CounterEntries)
		return
	}

	res := e.facade.ExecuteEntry(ctx, sig, sctx)
	switch {
	case res.Success:
		e.metrics.Inc(health.CounterEntries)

	case execution.IsPreSubmit(res.Err):
		// Nothing reached the exchange; free the claim so the token can
		// retry on a later crossing.
		e.logger.Warn("entry rejected pre-submit",
			"token_id", sctx.TokenID, "error_type", res.ErrorType, "error", res.Err)
		if err := e.dedup.Remove(ctx, sctx.TokenID, sctx.ConditionID, e.threshold); err != nil {
			e.logger.Error("trigger removal failed", "token_id", sctx.TokenID, "error", err)
		}

	default:
		// An order may be live. Keep the claim and escalate.
		e.logger.Error("entry failed after submission boundary, keeping trigger",
			"token_id", sctx.TokenID, "error_type", res.ErrorType, "error", res.Err)
		e.metrics.Inc(health.CounterErrors)
	}
}

func (e *Engine) recordPrice(tokenID string, price decimal.Decimal) {
	e.priceMu.Lock()
	e.lastPrices[tokenID] = price
	e.priceMu.Unlock()
}

// LastPrices returns a copy of the latest observed price per token.
func (e *Engine) LastPrices() map[string]decimal.Decimal {
	e.priceMu.RLock()
	defer e.priceMu.RUnlock()
	out := make(map[string]decimal.Decimal, len(e.lastPrices))
	for k, v := range e.lastPrices {
		out[k] = v
	}
	return out
}

func (e *Engine) recordRejection(update types.PriceUpdate, conditionID string, stage types.RejectionStage, details string) {
	e.processor.RecordRejection(types.RejectionRecord{
		TokenID:     update.TokenID,
		ConditionID: conditionID,
		Stage:       stage,
		ObservedAt:  time.Now().UTC(),
		Price:       update.Price,
		Details:     details,
	})
}
