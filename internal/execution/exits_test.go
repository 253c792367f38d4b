package execution

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-trigger/internal/config"
	"polymarket-trigger/pkg/types"
)

type fakeBook struct {
	book types.Orderbook
	err  error
}

func (f *fakeBook) FetchOrderbook(context.Context, string) (types.Orderbook, error) {
	return f.book, f.err
}

func newTestExitManager(book BookWire) *ExitManager {
	return NewExitManager(book, nil, nil, nil, config.ExitConfig{
		ProfitTarget:      0.99,
		StopLoss:          0.90,
		MinHoldDays:       7,
		MaxSpreadPercent:  0.20,
		MinExitPriceFloor: 0.50,
		MaxSlippagePct:    0.10,
		FillTimeout:       time.Second,
	}, quietLogger())
}

func TestEvaluateExit(t *testing.T) {
	t.Parallel()
	e := newTestExitManager(&fakeBook{})
	now := time.Now().UTC()

	pos := func(age time.Duration, src types.AgeSource, pending bool) types.Position {
		return types.Position{
			PositionID:  1,
			TokenID:     "tok",
			EntryPrice:  decimal.NewFromFloat(0.96),
			Size:        decimal.NewFromInt(20),
			HoldStartAt: now.Add(-age),
			AgeSource:   src,
			ExitPending: pending,
		}
	}

	tests := []struct {
		name       string
		pos        types.Position
		price      float64
		want       bool
		wantReason string
	}{
		{"pending exit never re-triggers", pos(240*time.Hour, types.AgeActual, true), 0.995, false, "exit already pending"},
		{"young trusted position holds", pos(48*time.Hour, types.AgeActual, false), 0.995, false, "holding"},
		{"mature position takes profit", pos(240*time.Hour, types.AgeActual, false), 0.995, true, "profit_target"},
		{"profit boundary exits", pos(240*time.Hour, types.AgeActual, false), 0.99, true, "profit_target"},
		{"mature position stops out", pos(240*time.Hour, types.AgeActual, false), 0.85, true, "stop_loss"},
		{"unknown age is always eligible", pos(time.Hour, types.AgeUnknown, false), 0.995, true, "profit_target"},
		{"within band holds", pos(240*time.Hour, types.AgeActual, false), 0.95, false, "within band"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, reason := e.EvaluateExit(tt.pos, decimal.NewFromFloat(tt.price), now)
			if got != tt.want {
				t.Errorf("EvaluateExit = %v (%s), want %v", got, reason, tt.want)
			}
			if !strings.HasPrefix(reason, tt.wantReason) {
				t.Errorf("reason = %q, want prefix %q", reason, tt.wantReason)
			}
		})
	}
}

func TestLiquidityCheck(t *testing.T) {
	t.Parallel()

	level := func(p float64) []types.PriceLevel {
		return []types.PriceLevel{{Price: decimal.NewFromFloat(p), Size: decimal.NewFromInt(100)}}
	}
	pos := types.Position{
		TokenID:    "tok",
		EntryPrice: decimal.NewFromFloat(0.95),
		Size:       decimal.NewFromInt(20),
	}

	tests := []struct {
		name      string
		book      types.Orderbook
		requested float64
		blockWord string
		wantPrice float64
	}{
		{
			name:      "no bids blocks",
			book:      types.Orderbook{Asks: level(0.97)},
			requested: 0.97,
			blockWord: "no bids",
		},
		{
			name:      "wide spread blocks",
			book:      types.Orderbook{Bids: level(0.70), Asks: level(0.95)},
			requested: 0.95,
			blockWord: "spread",
		},
		{
			name:      "bid below entry floor blocks",
			book:      types.Orderbook{Bids: level(0.40), Asks: level(0.45)},
			requested: 0,
			blockWord: "floor",
		},
		{
			name:      "excess slippage blocks",
			book:      types.Orderbook{Bids: level(0.85), Asks: level(0.90)},
			requested: 0.97,
			blockWord: "slippage",
		},
		{
			name:      "healthy book passes at best bid",
			book:      types.Orderbook{Bids: level(0.96), Asks: level(0.97)},
			requested: 0.97,
			wantPrice: 0.96,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newTestExitManager(&fakeBook{book: tt.book})

			price, reason, err := e.liquidityCheck(context.Background(), pos, decimal.NewFromFloat(tt.requested))
			if err != nil {
				t.Fatalf("liquidityCheck: %v", err)
			}

			if tt.blockWord != "" {
				if reason == "" || !strings.Contains(reason, tt.blockWord) {
					t.Errorf("reason = %q, want block mentioning %q", reason, tt.blockWord)
				}
				return
			}
			if reason != "" {
				t.Fatalf("unexpected block: %s", reason)
			}
			if !price.Equal(decimal.NewFromFloat(tt.wantPrice)) {
				t.Errorf("exit price = %s, want %v", price, tt.wantPrice)
			}
		})
	}
}
