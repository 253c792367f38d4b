// Package strategy contains the pure decision layer.
//
// A Strategy maps a fully assembled Context to exactly one Signal. Strategies
// do no I/O and hold no state, so they are tested with plain table tests and
// can be swapped by config name.
package strategy

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"polymarket-trigger/pkg/types"
)

// Context is everything a strategy may look at. Built once per event by the
// engine; the only database read on the hot path.
type Context struct {
	ConditionID     string
	TokenID         string
	Question        string
	Category        string
	TriggerPrice    decimal.Decimal
	TradeSize       decimal.NullDecimal
	TimeToEndHours  float64
	TradeAgeSeconds float64
	ModelScore      decimal.NullDecimal
	Outcome         string
	OutcomeIndex    int

	// CurrentPosition is the open position on this token, if any.
	CurrentPosition *types.Position
}

// SignalKind discriminates the Signal union.
type SignalKind string

const (
	SignalEntry     SignalKind = "entry"
	SignalExit      SignalKind = "exit"
	SignalHold      SignalKind = "hold"
	SignalWatchlist SignalKind = "watchlist"
	SignalIgnore    SignalKind = "ignore"
)

// Signal is a strategy decision. Exactly one of the kind-specific field sets
// is meaningful, selected by Kind.
type Signal struct {
	Kind   SignalKind
	Reason string

	// Entry
	TokenID string
	Side    types.Side
	Price   decimal.Decimal
	Size    decimal.Decimal

	// Exit
	PositionID int64

	// Watchlist
	Score float64

	// Ignore
	FilterName string
}

// Entry builds an entry signal.
func Entry(tokenID string, side types.Side, price, size decimal.Decimal, reason string) Signal {
	return Signal{Kind: SignalEntry, TokenID: tokenID, Side: side, Price: price, Size: size, Reason: reason}
}

// Exit builds an exit signal for an open position.
func Exit(positionID int64, reason string) Signal {
	return Signal{Kind: SignalExit, PositionID: positionID, Reason: reason}
}

// Hold builds a hold signal.
func Hold(reason string) Signal {
	return Signal{Kind: SignalHold, Reason: reason}
}

// Watchlist builds a near-miss signal.
func Watchlist(tokenID string, score float64, reason string) Signal {
	return Signal{Kind: SignalWatchlist, TokenID: tokenID, Score: score, Reason: reason}
}

// Ignore builds a rejection signal attributed to a named filter.
func Ignore(filterName, reason string) Signal {
	return Signal{Kind: SignalIgnore, FilterName: filterName, Reason: reason}
}

// Strategy evaluates a context into a signal. Implementations must be pure:
// no I/O, no shared state, same output for the same input.
type Strategy interface {
	Name() string
	Evaluate(ctx Context) Signal
}

// Registry maps strategy names to instances.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// Register adds a strategy. Registering a duplicate name is an error.
func (r *Registry) Register(s Strategy) error {
	name := s.Name()
	if _, exists := r.strategies[name]; exists {
		return fmt.Errorf("strategy %q already registered", name)
	}
	r.strategies[name] = s
	return nil
}

// Get returns the strategy for a name.
func (r *Registry) Get(name string) (Strategy, error) {
	s, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
	return s, nil
}

// Names lists registered strategy names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
