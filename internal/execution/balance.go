package execution

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// balanceCacheTTL bounds how stale the cached balance may be. This is a
// correctness bound, not an optimization: the wire's balance is cached
// upstream too, and a fill invalidates both.
const balanceCacheTTL = 60 * time.Second

// BalanceSource reads the wallet balance from the wire.
type BalanceSource interface {
	FetchBalance(ctx context.Context) (decimal.Decimal, error)
}

// Reservation earmarks funds for an in-flight BUY order.
type Reservation struct {
	OrderID   string
	Amount    decimal.Decimal
	CreatedAt time.Time
}

// BalanceManager tracks available funds with reservations. Every fill,
// cancel, failure, and resolution must call Refresh: the upstream balance
// is aggressively cached and lies after any of those.
type BalanceManager struct {
	wire       BalanceSource
	minReserve decimal.Decimal
	logger     *slog.Logger

	mu           sync.Mutex
	cachedTotal  decimal.Decimal
	cacheExpiry  time.Time
	reservations map[string]Reservation
}

// NewBalanceManager creates a balance manager. minReserve is never touched
// by reservations.
func NewBalanceManager(wire BalanceSource, minReserve decimal.Decimal, logger *slog.Logger) *BalanceManager {
	return &BalanceManager{
		wire:         wire,
		minReserve:   minReserve,
		logger:       logger.With("component", "balance"),
		reservations: make(map[string]Reservation),
	}
}

// ensureFresh re-reads the wire balance if the cache expired. The wire call
// happens outside the lock.
func (b *BalanceManager) ensureFresh(ctx context.Context) error {
	b.mu.Lock()
	fresh := time.Now().Before(b.cacheExpiry)
	b.mu.Unlock()
	if fresh {
		return nil
	}
	return b.Refresh(ctx)
}

// Refresh forcibly re-reads the balance and resets the cache clock.
func (b *BalanceManager) Refresh(ctx context.Context) error {
	total, err := b.wire.FetchBalance(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.cachedTotal = total
	b.cacheExpiry = time.Now().Add(balanceCacheTTL)
	b.mu.Unlock()

	b.logger.Debug("balance refreshed", "total", total)
	return nil
}

// Available returns cached total minus all reservations.
func (b *BalanceManager) Available(ctx context.Context) (decimal.Decimal, error) {
	if err := b.ensureFresh(ctx); err != nil {
		return decimal.Zero, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.availableLocked(), nil
}

func (b *BalanceManager) availableLocked() decimal.Decimal {
	avail := b.cachedTotal
	for _, r := range b.reservations {
		avail = avail.Sub(r.Amount)
	}
	return avail
}

// Tradeable returns the funds usable for new orders: available minus the
// minimum reserve, floored at zero.
func (b *BalanceManager) Tradeable(ctx context.Context) (decimal.Decimal, error) {
	avail, err := b.Available(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	t := avail.Sub(b.minReserve)
	if t.IsNegative() {
		return decimal.Zero, nil
	}
	return t, nil
}

// Reserve earmarks amount under orderID. Fails pre-submit when the amount
// exceeds tradeable funds.
func (b *BalanceManager) Reserve(ctx context.Context, amount decimal.Decimal, orderID string) error {
	if err := b.ensureFresh(ctx); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	tradeable := b.availableLocked().Sub(b.minReserve)
	if amount.GreaterThan(tradeable) {
		return &PreSubmitError{
			Type:   ErrorInsufficientBalance,
			Reason: "reserve " + amount.String() + " exceeds tradeable " + tradeable.String(),
		}
	}
	b.reservations[orderID] = Reservation{
		OrderID:   orderID,
		Amount:    amount,
		CreatedAt: time.Now(),
	}
	return nil
}

// Rekey moves a reservation from a temporary key to the real order id.
func (b *BalanceManager) Rekey(oldID, newID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.reservations[oldID]; ok {
		delete(b.reservations, oldID)
		r.OrderID = newID
		b.reservations[newID] = r
	}
}

// Release removes a reservation. Idempotent.
func (b *BalanceManager) Release(orderID string) {
	b.mu.Lock()
	delete(b.reservations, orderID)
	b.mu.Unlock()
}

// AdjustForPartialFill reduces a reservation by the cost of a newly filled
// portion; a reservation at or below zero is released entirely.
func (b *BalanceManager) AdjustForPartialFill(orderID string, filledCost decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.reservations[orderID]
	if !ok {
		return
	}
	r.Amount = r.Amount.Sub(filledCost)
	if r.Amount.IsPositive() {
		b.reservations[orderID] = r
	} else {
		delete(b.reservations, orderID)
	}
}

// ReservationCount returns the number of active reservations.
func (b *BalanceManager) ReservationCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.reservations)
}
