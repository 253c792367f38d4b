// Package processor applies hazard filters to raw market events.
//
// Three filters, named after the incidents that motivated them:
//
//   - G1: trades older than max_trade_age are dropped. Events without a
//     parseable timestamp are dropped too — a missing timestamp is never
//     defaulted to now, that is how stale trades sneak in.
//   - G3: the stream never carries trade size, so accepted price updates get
//     a bounded best-effort size backfill from recent trade history.
//   - G5: the event price is checked against the live order book; divergence
//     flags the event but does not reject it, the engine decides.
//
// The stats lock is held only for counter and ring updates. All wire calls
// happen outside it, so any number of events can be in flight at once.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-trigger/internal/health"
	"polymarket-trigger/pkg/types"
)

const (
	rejectionRingSize = 256
	backfillWindow    = 60 * time.Second // trade recency for size attribution
)

// backfillTolerance is the max price distance for attributing a trade's
// size to a price update.
var backfillTolerance = decimal.NewFromFloat(0.01)

// Wire is the subset of the exchange adapter the processor needs.
type Wire interface {
	FetchTrades(ctx context.Context, tokenID string, maxAge time.Duration) ([]types.Trade, int, error)
	VerifyPrice(ctx context.Context, tokenID string, expected, maxDeviation decimal.Decimal) (bool, decimal.Decimal, string, error)
}

// ProcessedEvent is an accepted event ready for the trigger pipeline.
type ProcessedEvent struct {
	TokenID    string
	Price      decimal.Decimal
	ObservedAt time.Time

	// TradeSize is set from the trade itself or a G3 backfill; unattributed
	// sizes stay null and are never guessed.
	TradeSize decimal.NullDecimal

	// TradeAge is how old the underlying trade was at observation. Zero for
	// pure price updates.
	TradeAge time.Duration

	// G5 divergence result. Flagged events carry the book's best bid and a
	// human-readable reason; the engine blocks execution on them.
	G5Flagged bool
	BestBid   decimal.NullDecimal
	G5Reason  string
}

// Config tunes the filters.
type Config struct {
	MaxTradeAge     time.Duration
	MaxDeviation    decimal.Decimal
	BackfillTimeout time.Duration
	VerifyOrderbook bool
}

// Processor filters raw events into ProcessedEvents.
type Processor struct {
	wire    Wire
	cfg     Config
	metrics *health.Metrics
	logger  *slog.Logger

	mu         sync.Mutex
	rejections [rejectionRingSize]types.RejectionRecord
	rejectHead int
	rejectLen  int
}

// New creates a Processor.
func New(wire Wire, cfg Config, metrics *health.Metrics, logger *slog.Logger) *Processor {
	return &Processor{
		wire:    wire,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With("component", "processor"),
	}
}

// ProcessPriceUpdate runs an accepted price update through G3 and G5.
// Price updates have no trade timestamp so G1 does not apply.
func (p *Processor) ProcessPriceUpdate(ctx context.Context, u types.PriceUpdate) ProcessedEvent {
	p.metrics.Inc(health.CounterEvents)
	p.metrics.Inc(health.CounterPriceUpdates)

	evt := ProcessedEvent{
		TokenID:    u.TokenID,
		Price:      u.Price,
		ObservedAt: u.ObservedAt,
	}

	p.backfillSize(ctx, &evt)
	p.flagDivergence(ctx, &evt)
	return evt
}

// ProcessTrade applies G1 and, for survivors, G5. Returns false when the
// trade was rejected.
func (p *Processor) ProcessTrade(ctx context.Context, t types.Trade) (ProcessedEvent, bool) {
	p.metrics.Inc(health.CounterEvents)

	now := time.Now().UTC()

	if t.TradedAt.IsZero() {
		p.reject(types.RejectionRecord{
			TokenID:     t.TokenID,
			ConditionID: t.ConditionID,
			Stage:       types.RejectTradeAge,
			ObservedAt:  now,
			Price:       t.Price,
			Details:     "missing trade timestamp",
		})
		p.metrics.Inc(health.CounterG1Filtered)
		return ProcessedEvent{}, false
	}

	age := t.Age(now)
	if age > p.cfg.MaxTradeAge {
		p.reject(types.RejectionRecord{
			TokenID:     t.TokenID,
			ConditionID: t.ConditionID,
			Stage:       types.RejectTradeAge,
			ObservedAt:  now,
			Price:       t.Price,
			Details:     fmt.Sprintf("trade age %s exceeds %s", age.Round(time.Second), p.cfg.MaxTradeAge),
		})
		p.metrics.Inc(health.CounterG1Filtered)
		return ProcessedEvent{}, false
	}

	p.metrics.Inc(health.CounterTradesStored)

	evt := ProcessedEvent{
		TokenID:    t.TokenID,
		Price:      t.Price,
		ObservedAt: now,
		TradeSize:  decimal.NewNullDecimal(t.Size),
		TradeAge:   age,
	}
	p.flagDivergence(ctx, &evt)
	return evt, true
}

// backfillSize attributes a size to a price update from recent trade
// history: a trade within backfillTolerance of the update price, no older
// than backfillWindow. Bounded by the configured timeout; failure is silent
// and leaves the size null.
func (p *Processor) backfillSize(ctx context.Context, evt *ProcessedEvent) {
	bctx, cancel := context.WithTimeout(ctx, p.cfg.BackfillTimeout)
	defer cancel()

	trades, _, err := p.wire.FetchTrades(bctx, evt.TokenID, backfillWindow)
	if err != nil {
		p.logger.Debug("size backfill failed", "token_id", evt.TokenID, "error", err)
		p.metrics.Inc(health.CounterG3Missing)
		return
	}

	for _, t := range trades {
		if t.Price.Sub(evt.Price).Abs().LessThanOrEqual(backfillTolerance) {
			evt.TradeSize = decimal.NewNullDecimal(t.Size)
			evt.TradeAge = t.Age(evt.ObservedAt)
			p.metrics.Inc(health.CounterG3Backfilled)
			return
		}
	}
	p.metrics.Inc(health.CounterG3Missing)
}

// flagDivergence checks the event price against the live book. Flags, never
// rejects: the engine blocks flagged executions.
func (p *Processor) flagDivergence(ctx context.Context, evt *ProcessedEvent) {
	if !p.cfg.VerifyOrderbook {
		return
	}

	ok, bestBid, reason, err := p.wire.VerifyPrice(ctx, evt.TokenID, evt.Price, p.cfg.MaxDeviation)
	if err != nil {
		p.logger.Debug("price verification failed", "token_id", evt.TokenID, "error", err)
		p.metrics.Inc(health.CounterErrors)
		return
	}
	if bestBid.IsPositive() {
		evt.BestBid = decimal.NewNullDecimal(bestBid)
	}
	if !ok {
		evt.G5Flagged = true
		evt.G5Reason = reason
		p.metrics.Inc(health.CounterG5Divergence)
	}
}

// reject records a dropped event in the sampled ring buffer.
func (p *Processor) reject(rec types.RejectionRecord) {
	p.mu.Lock()
	p.rejections[p.rejectHead] = rec
	p.rejectHead = (p.rejectHead + 1) % rejectionRingSize
	if p.rejectLen < rejectionRingSize {
		p.rejectLen++
	}
	p.mu.Unlock()
	p.metrics.Inc(health.CounterRejections)
}

// RecordRejection lets later pipeline stages report their drops into the
// same ring, so the dashboard shows one unified rejection trail.
func (p *Processor) RecordRejection(rec types.RejectionRecord) {
	p.reject(rec)
}

// RecentRejections returns the buffered rejections, newest first.
func (p *Processor) RecentRejections() []types.RejectionRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]types.RejectionRecord, 0, p.rejectLen)
	for i := 0; i < p.rejectLen; i++ {
		idx := (p.rejectHead - 1 - i + rejectionRingSize) % rejectionRingSize
		out = append(out, p.rejections[idx])
	}
	return out
}
