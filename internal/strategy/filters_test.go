package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-trigger/pkg/types"
)

func testFilters() *HardFilters {
	return NewHardFilters(FilterConfig{
		MinHoursToEnd:     6,
		MaxTradeAge:       5 * time.Minute,
		BlockedCategories: []string{"Sports"},
	})
}

func passingContext() Context {
	return Context{
		TokenID:         "tok",
		Question:        "Will the incumbent win the election?",
		Category:        "Politics",
		TriggerPrice:    decimal.NewFromFloat(0.96),
		TradeSize:       decimal.NewNullDecimal(decimal.NewFromInt(100)),
		TimeToEndHours:  48,
		TradeAgeSeconds: 30,
	}
}

func TestHardFiltersPass(t *testing.T) {
	t.Parallel()
	if sig := testFilters().Apply(passingContext()); sig != nil {
		t.Errorf("clean context rejected: %+v", sig)
	}
}

func TestWeatherFilterWordBoundary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		question string
		blocked  bool
	}{
		{"Will it rain in NYC tomorrow?", true},
		{"Hurricane to make landfall in Florida?", true},
		{"Will the snowstorm close schools?", false}, // "snowstorm" is one word
		{"Snow on Christmas day in Denver?", true},
		{"Rainbow Six Siege major winner announced?", false},
		{"Will Brainstorm win the award?", false},
		{"Severe weather warning issued this week?", true},
	}

	f := testFilters()
	for _, tt := range tests {
		t.Run(tt.question, func(t *testing.T) {
			t.Parallel()
			ctx := passingContext()
			ctx.Question = tt.question
			sig := f.Apply(ctx)

			got := sig != nil && sig.FilterName == string(types.RejectWeather)
			if got != tt.blocked {
				t.Errorf("weather filter on %q = %v, want %v", tt.question, got, tt.blocked)
			}
		})
	}
}

func TestFilterOrderWeatherFirst(t *testing.T) {
	t.Parallel()

	// A question failing several filters must be attributed to the first.
	ctx := passingContext()
	ctx.Question = "Will it rain during the match?"
	ctx.TimeToEndHours = 1
	ctx.Category = "Sports"

	sig := testFilters().Apply(ctx)
	if sig == nil || sig.FilterName != string(types.RejectWeather) {
		t.Errorf("signal = %+v, want weather rejection first", sig)
	}
}

func TestTimeToEndFilter(t *testing.T) {
	t.Parallel()
	ctx := passingContext()
	ctx.TimeToEndHours = 2

	sig := testFilters().Apply(ctx)
	if sig == nil || sig.FilterName != string(types.RejectTimeToEnd) {
		t.Errorf("signal = %+v, want time_to_end rejection", sig)
	}
}

func TestCategoryFilterCaseInsensitive(t *testing.T) {
	t.Parallel()
	ctx := passingContext()
	ctx.Category = "SPORTS"

	sig := testFilters().Apply(ctx)
	if sig == nil || sig.FilterName != string(types.RejectCategory) {
		t.Errorf("signal = %+v, want category rejection", sig)
	}
}

func TestTradeAgeFilter(t *testing.T) {
	t.Parallel()
	ctx := passingContext()
	ctx.TradeAgeSeconds = 600

	sig := testFilters().Apply(ctx)
	if sig == nil || sig.FilterName != string(types.RejectTradeAge) {
		t.Errorf("signal = %+v, want trade age rejection", sig)
	}
}

func TestTradeSizeFilter(t *testing.T) {
	t.Parallel()
	f := testFilters()

	small := passingContext()
	small.TradeSize = decimal.NewNullDecimal(decimal.NewFromInt(10))
	if sig := f.Apply(small); sig == nil || sig.FilterName != string(types.RejectTradeSize) {
		t.Errorf("small trade signal = %+v, want trade_size rejection", sig)
	}

	missing := passingContext()
	missing.TradeSize = decimal.NullDecimal{}
	if sig := f.Apply(missing); sig == nil || sig.FilterName != string(types.RejectTradeSize) {
		t.Errorf("missing size signal = %+v, want trade_size rejection", sig)
	}
}

func TestTradeSizeFilterConfigurable(t *testing.T) {
	t.Parallel()
	f := NewHardFilters(FilterConfig{
		MinHoursToEnd: 6,
		MaxTradeAge:   5 * time.Minute,
		MinTradeSize:  decimal.NewFromInt(10),
	})

	ctx := passingContext()
	ctx.TradeSize = decimal.NewNullDecimal(decimal.NewFromInt(20))
	if sig := f.Apply(ctx); sig != nil {
		t.Errorf("size 20 rejected under min 10: %+v", sig)
	}

	ctx.TradeSize = decimal.NewNullDecimal(decimal.NewFromInt(5))
	if sig := f.Apply(ctx); sig == nil || sig.FilterName != string(types.RejectTradeSize) {
		t.Errorf("size 5 signal = %+v, want trade_size rejection", sig)
	}
}

func TestTradeSizeFilterWaived(t *testing.T) {
	t.Parallel()
	f := NewHardFilters(FilterConfig{
		MinHoursToEnd:   6,
		MaxTradeAge:     5 * time.Minute,
		WaiveSizeFilter: true,
	})

	ctx := passingContext()
	ctx.TradeSize = decimal.NullDecimal{}
	if sig := f.Apply(ctx); sig != nil {
		t.Errorf("waived size filter still rejected: %+v", sig)
	}
}
