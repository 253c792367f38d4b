package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"polymarket-trigger/pkg/types"
)

// HighProbYes buys YES outcomes that crossed a high price threshold on a
// sizeable trade and carry a strong model score. Near-misses on score go to
// the watchlist instead of being forgotten.
type HighProbYes struct {
	priceThreshold decimal.Decimal
	positionSize   decimal.Decimal
	minTradeSize   decimal.Decimal
	entryScore     decimal.Decimal // >= enters
	watchScore     decimal.Decimal // [watch, entry) goes to watchlist
}

// HighProbYesConfig tunes the reference strategy.
type HighProbYesConfig struct {
	PriceThreshold decimal.Decimal
	PositionSize   decimal.Decimal
	MinTradeSize   decimal.Decimal
	EntryScore     decimal.Decimal
	WatchScore     decimal.Decimal
}

// NewHighProbYes creates the strategy with the given thresholds. Zero-value
// thresholds fall back to the standard tuning.
func NewHighProbYes(cfg HighProbYesConfig) *HighProbYes {
	s := &HighProbYes{
		priceThreshold: cfg.PriceThreshold,
		positionSize:   cfg.PositionSize,
		minTradeSize:   cfg.MinTradeSize,
		entryScore:     cfg.EntryScore,
		watchScore:     cfg.WatchScore,
	}
	if s.priceThreshold.IsZero() {
		s.priceThreshold = decimal.NewFromFloat(0.95)
	}
	if s.positionSize.IsZero() {
		s.positionSize = decimal.NewFromInt(20)
	}
	if s.minTradeSize.IsZero() {
		s.minTradeSize = defaultMinTradeSize
	}
	if s.entryScore.IsZero() {
		s.entryScore = decimal.NewFromFloat(0.97)
	}
	if s.watchScore.IsZero() {
		s.watchScore = decimal.NewFromFloat(0.90)
	}
	return s
}

func (s *HighProbYes) Name() string { return "high_prob_yes" }

// Evaluate enters when price, trade size, and model score all clear their
// thresholds; watchlists score near-misses; holds everything else.
func (s *HighProbYes) Evaluate(ctx Context) Signal {
	if ctx.TriggerPrice.LessThan(s.priceThreshold) {
		return Hold(fmt.Sprintf("price %s below threshold %s", ctx.TriggerPrice, s.priceThreshold))
	}
	if !ctx.TradeSize.Valid || ctx.TradeSize.Decimal.LessThan(s.minTradeSize) {
		return Hold("no qualifying trade size")
	}
	if !ctx.ModelScore.Valid {
		return Hold("no model score")
	}

	score := ctx.ModelScore.Decimal
	switch {
	case score.GreaterThanOrEqual(s.entryScore):
		return Entry(ctx.TokenID, types.BUY, ctx.TriggerPrice, s.positionSize,
			fmt.Sprintf("price %s, size %s, score %s", ctx.TriggerPrice, ctx.TradeSize.Decimal, score))
	case score.GreaterThanOrEqual(s.watchScore):
		f, _ := score.Float64()
		return Watchlist(ctx.TokenID, f,
			fmt.Sprintf("score %s in watch band [%s, %s)", score, s.watchScore, s.entryScore))
	default:
		return Hold(fmt.Sprintf("score %s below watch band", score))
	}
}
