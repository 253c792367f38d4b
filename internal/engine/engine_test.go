package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-trigger/internal/health"
	"polymarket-trigger/internal/processor"
	"polymarket-trigger/pkg/types"
)

// Prometheus collectors register on the default registry, so the whole test
// binary shares one metrics instance.
var testMetrics = health.NewMetrics()

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeProcessorWire answers the processor's trade and orderbook lookups.
type fakeProcessorWire struct {
	verifyOK bool
	bestBid  decimal.Decimal
	reason   string
}

func (f *fakeProcessorWire) FetchTrades(context.Context, string, time.Duration) ([]types.Trade, int, error) {
	return nil, 0, nil
}

func (f *fakeProcessorWire) VerifyPrice(context.Context, string, decimal.Decimal, decimal.Decimal) (bool, decimal.Decimal, string, error) {
	return f.verifyOK, f.bestBid, f.reason, nil
}

func newTestEngine(wire *fakeProcessorWire) *Engine {
	proc := processor.New(wire, processor.Config{
		MaxTradeAge:     5 * time.Minute,
		MaxDeviation:    decimal.NewFromFloat(0.10),
		BackfillTimeout: time.Second,
		VerifyOrderbook: true,
	}, testMetrics, quietLogger())

	return &Engine{
		processor:  proc,
		metrics:    testMetrics,
		logger:     quietLogger(),
		threshold:  decimal.NewFromFloat(0.95),
		lastPrices: make(map[string]decimal.Decimal),
	}
}

func countStage(recs []types.RejectionRecord, stage types.RejectionStage) int {
	n := 0
	for _, r := range recs {
		if r.Stage == stage {
			n++
		}
	}
	return n
}

func TestSubThresholdEventsAreSampledIntoRejections(t *testing.T) {
	t.Parallel()
	e := newTestEngine(&fakeProcessorWire{verifyOK: true})
	ctx := context.Background()

	events := thresholdSampleEvery + 50
	for i := 0; i < events; i++ {
		e.handlePriceUpdate(ctx, types.PriceUpdate{
			TokenID:    fmt.Sprintf("tok-%d", i),
			Price:      decimal.NewFromFloat(0.50),
			ObservedAt: time.Now().UTC(),
		})
	}

	got := countStage(e.processor.RecentRejections(), types.RejectThreshold)
	if got != 2 {
		t.Errorf("threshold rejections = %d, want 2 (first event of each sample window)", got)
	}
	if len(e.LastPrices()) != events {
		t.Errorf("recorded prices = %d, want %d", len(e.LastPrices()), events)
	}
}

func TestPromotionPriceRejectedOnBookDivergence(t *testing.T) {
	t.Parallel()
	e := newTestEngine(&fakeProcessorWire{
		verifyOK: false,
		bestBid:  decimal.NewFromFloat(0.62),
		reason:   "best bid 0.62 deviates from 0.96",
	})

	evt, ok := e.verifyPromotionPrice(context.Background(), "tok", "cond", decimal.NewFromFloat(0.96))
	if ok {
		t.Fatal("diverging book must block the promotion")
	}
	if !evt.G5Flagged {
		t.Error("event should carry the divergence flag")
	}

	recs := e.processor.RecentRejections()
	if countStage(recs, types.RejectOrderbook) != 1 {
		t.Fatalf("orderbook rejections = %d, want 1", countStage(recs, types.RejectOrderbook))
	}
	if recs[0].TokenID != "tok" || recs[0].ConditionID != "cond" {
		t.Errorf("rejection attribution = %s/%s, want tok/cond", recs[0].TokenID, recs[0].ConditionID)
	}
}

func TestPromotionPricePassesHealthyBook(t *testing.T) {
	t.Parallel()
	e := newTestEngine(&fakeProcessorWire{verifyOK: true, bestBid: decimal.NewFromFloat(0.96)})

	evt, ok := e.verifyPromotionPrice(context.Background(), "tok", "cond", decimal.NewFromFloat(0.96))
	if !ok {
		t.Fatal("healthy book must not block the promotion")
	}
	if evt.G5Flagged {
		t.Error("event should not be flagged")
	}
	if countStage(e.processor.RecentRejections(), types.RejectOrderbook) != 0 {
		t.Error("no rejection should be recorded for a healthy book")
	}
}
