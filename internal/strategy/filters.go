package strategy

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-trigger/pkg/types"
)

// weatherPattern matches weather-related questions. Word boundaries matter:
// "Rainbow Six Siege" must not match "rain".
var weatherPattern = regexp.MustCompile(`(?i)\b(rain|snow|hurricane|storm|weather|tornado|flood|drought)\b`)

// defaultMinTradeSize gates entries on the triggering trade's size. Small
// trades carry far less signal; sub-50 triggers cost several points of win
// rate.
var defaultMinTradeSize = decimal.NewFromInt(50)

// FilterConfig tunes the hard filters applied before any strategy runs.
// A zero MinTradeSize falls back to the standard 50.
type FilterConfig struct {
	MinHoursToEnd     float64
	MaxTradeAge       time.Duration
	BlockedCategories []string
	MinTradeSize      decimal.Decimal
	WaiveSizeFilter   bool
}

// HardFilters is the non-negotiable gate in front of strategy evaluation.
// Filters are checked in a fixed order and the first failure wins.
type HardFilters struct {
	cfg     FilterConfig
	blocked map[string]bool
}

// NewHardFilters compiles the filter set from config.
func NewHardFilters(cfg FilterConfig) *HardFilters {
	if cfg.MinTradeSize.IsZero() {
		cfg.MinTradeSize = defaultMinTradeSize
	}
	blocked := make(map[string]bool, len(cfg.BlockedCategories))
	for _, c := range cfg.BlockedCategories {
		blocked[strings.ToLower(c)] = true
	}
	return &HardFilters{cfg: cfg, blocked: blocked}
}

// Apply runs every hard filter over the context. A nil signal means the
// event passed; otherwise the returned Ignore signal names the filter.
func (f *HardFilters) Apply(ctx Context) *Signal {
	if weatherPattern.MatchString(ctx.Question) {
		s := Ignore(string(types.RejectWeather), "weather market: "+ctx.Question)
		return &s
	}

	if ctx.TimeToEndHours < f.cfg.MinHoursToEnd {
		s := Ignore(string(types.RejectTimeToEnd),
			fmt.Sprintf("%.1fh to resolution, need %.1fh", ctx.TimeToEndHours, f.cfg.MinHoursToEnd))
		return &s
	}

	if f.blocked[strings.ToLower(ctx.Category)] {
		s := Ignore(string(types.RejectCategory), "blocked category: "+ctx.Category)
		return &s
	}

	if age := time.Duration(ctx.TradeAgeSeconds * float64(time.Second)); age > f.cfg.MaxTradeAge {
		s := Ignore(string(types.RejectTradeAge),
			fmt.Sprintf("trade age %s exceeds %s", age.Round(time.Second), f.cfg.MaxTradeAge))
		return &s
	}

	if !f.cfg.WaiveSizeFilter {
		if !ctx.TradeSize.Valid || ctx.TradeSize.Decimal.LessThan(f.cfg.MinTradeSize) {
			got := "none"
			if ctx.TradeSize.Valid {
				got = ctx.TradeSize.Decimal.String()
			}
			s := Ignore(string(types.RejectTradeSize),
				fmt.Sprintf("trade size %s below %s", got, f.cfg.MinTradeSize))
			return &s
		}
	}

	return nil
}
