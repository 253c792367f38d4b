package processor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-trigger/internal/health"
	"polymarket-trigger/pkg/types"
)

// One metrics instance per test binary: the Prometheus mirror registers on
// the default registry.
var testMetrics = health.NewMetrics()

type fakeWire struct {
	trades    []types.Trade
	tradesErr error

	verifyOK  bool
	bestBid   decimal.Decimal
	reason    string
	verifyErr error
}

func (f *fakeWire) FetchTrades(context.Context, string, time.Duration) ([]types.Trade, int, error) {
	return f.trades, 0, f.tradesErr
}

func (f *fakeWire) VerifyPrice(context.Context, string, decimal.Decimal, decimal.Decimal) (bool, decimal.Decimal, string, error) {
	return f.verifyOK, f.bestBid, f.reason, f.verifyErr
}

func newTestProcessor(wire *fakeWire, verify bool) *Processor {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(wire, Config{
		MaxTradeAge:     5 * time.Minute,
		MaxDeviation:    decimal.NewFromFloat(0.10),
		BackfillTimeout: time.Second,
		VerifyOrderbook: verify,
	}, testMetrics, logger)
}

func TestProcessTradeRejectsMissingTimestamp(t *testing.T) {
	t.Parallel()
	p := newTestProcessor(&fakeWire{verifyOK: true}, true)

	_, ok := p.ProcessTrade(context.Background(), types.Trade{
		TokenID: "tok",
		Price:   decimal.NewFromFloat(0.96),
		Size:    decimal.NewFromInt(100),
		// TradedAt deliberately zero: must never default to now.
	})
	if ok {
		t.Fatal("trade without timestamp must be rejected")
	}

	recs := p.RecentRejections()
	if len(recs) != 1 || recs[0].Stage != types.RejectTradeAge {
		t.Errorf("rejections = %+v, want one g1_trade_age record", recs)
	}
}

func TestProcessTradeRejectsStale(t *testing.T) {
	t.Parallel()
	p := newTestProcessor(&fakeWire{verifyOK: true}, true)

	_, ok := p.ProcessTrade(context.Background(), types.Trade{
		TokenID:  "tok",
		Price:    decimal.NewFromFloat(0.96),
		Size:     decimal.NewFromInt(100),
		TradedAt: time.Now().UTC().Add(-10 * time.Minute),
	})
	if ok {
		t.Fatal("trade older than max_trade_age must be rejected")
	}
}

func TestProcessTradeAcceptsFresh(t *testing.T) {
	t.Parallel()
	p := newTestProcessor(&fakeWire{verifyOK: true, bestBid: decimal.NewFromFloat(0.96)}, true)

	evt, ok := p.ProcessTrade(context.Background(), types.Trade{
		TokenID:  "tok",
		Price:    decimal.NewFromFloat(0.96),
		Size:     decimal.NewFromInt(120),
		TradedAt: time.Now().UTC().Add(-30 * time.Second),
	})
	if !ok {
		t.Fatal("fresh trade must be accepted")
	}
	if !evt.TradeSize.Valid || !evt.TradeSize.Decimal.Equal(decimal.NewFromInt(120)) {
		t.Errorf("trade size = %+v, want 120", evt.TradeSize)
	}
	if evt.TradeAge <= 0 {
		t.Errorf("trade age = %s, want positive", evt.TradeAge)
	}
	if evt.G5Flagged {
		t.Error("verified price must not be flagged")
	}
}

func TestDivergenceFlagsButAccepts(t *testing.T) {
	t.Parallel()
	p := newTestProcessor(&fakeWire{
		verifyOK: false,
		bestBid:  decimal.NewFromFloat(0.70),
		reason:   "best bid 0.70 deviates 0.26 from expected 0.96",
	}, true)

	evt := p.ProcessPriceUpdate(context.Background(), types.PriceUpdate{
		TokenID:    "tok",
		Price:      decimal.NewFromFloat(0.96),
		ObservedAt: time.Now().UTC(),
	})

	if !evt.G5Flagged {
		t.Fatal("diverged price must be flagged")
	}
	if evt.G5Reason == "" {
		t.Error("flagged event must carry a reason")
	}
	if !evt.BestBid.Valid || !evt.BestBid.Decimal.Equal(decimal.NewFromFloat(0.70)) {
		t.Errorf("best bid = %+v, want 0.70", evt.BestBid)
	}
}

func TestBackfillSizeWithinTolerance(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	p := newTestProcessor(&fakeWire{
		verifyOK: true,
		trades: []types.Trade{
			{TokenID: "tok", Price: decimal.NewFromFloat(0.90), Size: decimal.NewFromInt(500), TradedAt: now.Add(-10 * time.Second)},
			{TokenID: "tok", Price: decimal.NewFromFloat(0.955), Size: decimal.NewFromInt(80), TradedAt: now.Add(-20 * time.Second)},
		},
	}, false)

	evt := p.ProcessPriceUpdate(context.Background(), types.PriceUpdate{
		TokenID:    "tok",
		Price:      decimal.NewFromFloat(0.96),
		ObservedAt: now,
	})

	// 0.90 is outside the 0.01 tolerance, 0.955 is within it.
	if !evt.TradeSize.Valid || !evt.TradeSize.Decimal.Equal(decimal.NewFromInt(80)) {
		t.Errorf("trade size = %+v, want 80 from the matching trade", evt.TradeSize)
	}
}

func TestBackfillFailureLeavesSizeNull(t *testing.T) {
	t.Parallel()
	p := newTestProcessor(&fakeWire{tradesErr: fmt.Errorf("data api down")}, false)

	evt := p.ProcessPriceUpdate(context.Background(), types.PriceUpdate{
		TokenID:    "tok",
		Price:      decimal.NewFromFloat(0.96),
		ObservedAt: time.Now().UTC(),
	})

	if evt.TradeSize.Valid {
		t.Errorf("size must stay null on backfill failure, got %s", evt.TradeSize.Decimal)
	}
}

func TestRejectionRingNewestFirstAndBounded(t *testing.T) {
	t.Parallel()
	p := newTestProcessor(&fakeWire{}, false)

	for i := 0; i < rejectionRingSize+50; i++ {
		p.RecordRejection(types.RejectionRecord{
			TokenID: fmt.Sprintf("tok-%d", i),
			Stage:   types.RejectThreshold,
		})
	}

	recs := p.RecentRejections()
	if len(recs) != rejectionRingSize {
		t.Fatalf("ring length = %d, want %d", len(recs), rejectionRingSize)
	}
	if recs[0].TokenID != fmt.Sprintf("tok-%d", rejectionRingSize+49) {
		t.Errorf("first record = %s, want the newest", recs[0].TokenID)
	}
}
