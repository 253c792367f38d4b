package strategy

import (
	"testing"

	"github.com/shopspring/decimal"
)

func highProbContext(price, size, score float64) Context {
	ctx := Context{
		TokenID:      "tok",
		TriggerPrice: decimal.NewFromFloat(price),
	}
	if size > 0 {
		ctx.TradeSize = decimal.NewNullDecimal(decimal.NewFromFloat(size))
	}
	if score > 0 {
		ctx.ModelScore = decimal.NewNullDecimal(decimal.NewFromFloat(score))
	}
	return ctx
}

func TestHighProbYesEvaluate(t *testing.T) {
	t.Parallel()

	s := NewHighProbYes(HighProbYesConfig{})

	tests := []struct {
		name string
		ctx  Context
		want SignalKind
	}{
		{"price below threshold holds", highProbContext(0.94, 100, 0.99), SignalHold},
		{"missing size holds", highProbContext(0.96, 0, 0.99), SignalHold},
		{"small size holds", highProbContext(0.96, 20, 0.99), SignalHold},
		{"missing score holds", highProbContext(0.96, 100, 0), SignalHold},
		{"strong score enters", highProbContext(0.96, 100, 0.98), SignalEntry},
		{"entry boundary enters", highProbContext(0.96, 100, 0.97), SignalEntry},
		{"watch band goes to watchlist", highProbContext(0.96, 100, 0.93), SignalWatchlist},
		{"watch boundary goes to watchlist", highProbContext(0.96, 100, 0.90), SignalWatchlist},
		{"weak score holds", highProbContext(0.96, 100, 0.80), SignalHold},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sig := s.Evaluate(tt.ctx)
			if sig.Kind != tt.want {
				t.Errorf("Evaluate kind = %s, want %s (reason: %s)", sig.Kind, tt.want, sig.Reason)
			}
		})
	}
}

func TestHighProbYesEntrySignalShape(t *testing.T) {
	t.Parallel()

	s := NewHighProbYes(HighProbYesConfig{
		PositionSize: decimal.NewFromInt(35),
	})
	sig := s.Evaluate(highProbContext(0.96, 100, 0.99))

	if sig.Kind != SignalEntry {
		t.Fatalf("kind = %s, want entry", sig.Kind)
	}
	if sig.TokenID != "tok" {
		t.Errorf("token = %q, want tok", sig.TokenID)
	}
	if !sig.Price.Equal(decimal.NewFromFloat(0.96)) {
		t.Errorf("price = %s, want trigger price 0.96", sig.Price)
	}
	if !sig.Size.Equal(decimal.NewFromInt(35)) {
		t.Errorf("size = %s, want configured 35", sig.Size)
	}
}

func TestHighProbYesConfigurableMinTradeSize(t *testing.T) {
	t.Parallel()

	s := NewHighProbYes(HighProbYesConfig{
		MinTradeSize: decimal.NewFromInt(10),
	})

	if sig := s.Evaluate(highProbContext(0.96, 20, 0.98)); sig.Kind != SignalEntry {
		t.Errorf("size 20 under min 10: kind = %s, want entry (reason: %s)", sig.Kind, sig.Reason)
	}
	if sig := s.Evaluate(highProbContext(0.96, 5, 0.98)); sig.Kind != SignalHold {
		t.Errorf("size 5 under min 10: kind = %s, want hold", sig.Kind)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if err := r.Register(NewHighProbYes(HighProbYesConfig{})); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(NewHighProbYes(HighProbYesConfig{})); err == nil {
		t.Error("duplicate register should fail")
	}

	if _, err := r.Get("high_prob_yes"); err != nil {
		t.Errorf("Get: %v", err)
	}
	if _, err := r.Get("nope"); err == nil {
		t.Error("unknown strategy should error")
	}
}
