package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"polymarket-trigger/internal/exchange"
	"polymarket-trigger/internal/store"
	"polymarket-trigger/pkg/types"
)

// OrderWire is the subset of the exchange adapter the order manager needs.
type OrderWire interface {
	SubmitOrder(ctx context.Context, req exchange.OrderRequest) (string, error)
	GetOrder(ctx context.Context, orderID string) (exchange.OrderState, error)
	CancelOrder(ctx context.Context, orderID string) (bool, error)
}

// OrderManager submits, syncs, and cancels orders, driving reservations and
// the durable order log. In-memory tracking mirrors the store's non-terminal
// rows and is rebuilt on startup by LoadOrders.
type OrderManager struct {
	wire     OrderWire
	store    *store.Store
	balance  *BalanceManager
	maxPrice decimal.Decimal
	logger   *slog.Logger

	mu      sync.Mutex
	tracked map[string]types.Order // non-terminal orders
}

// NewOrderManager creates an order manager. maxPrice caps BUY limit prices
// pre-submit.
func NewOrderManager(wire OrderWire, st *store.Store, balance *BalanceManager, maxPrice decimal.Decimal, logger *slog.Logger) *OrderManager {
	return &OrderManager{
		wire:     wire,
		store:    st,
		balance:  balance,
		maxPrice: maxPrice,
		logger:   logger.With("component", "orders"),
		tracked:  make(map[string]types.Order),
	}
}

// Submit places an order. BUY orders reserve price*size before submission
// under a temporary key; the reservation is rekeyed to the real order id on
// success and released on any pre-submit failure.
func (m *OrderManager) Submit(ctx context.Context, tokenID, conditionID string, side types.Side, price, size decimal.Decimal) (string, error) {
	if side == types.BUY && price.GreaterThan(m.maxPrice) {
		return "", &PreSubmitError{
			Type:   ErrorPriceTooHigh,
			Reason: fmt.Sprintf("price %s above max %s", price, m.maxPrice),
		}
	}

	tempKey := "pending-" + uuid.NewString()
	reserved := false
	if side == types.BUY {
		if err := m.balance.Reserve(ctx, price.Mul(size), tempKey); err != nil {
			return "", err
		}
		reserved = true
	}

	orderID, err := m.wire.SubmitOrder(ctx, exchange.OrderRequest{
		TokenID: tokenID,
		Side:    side,
		Price:   price,
		Size:    size,
	})
	if err != nil {
		if reserved {
			m.balance.Release(tempKey)
		}
		if errors.Is(err, exchange.ErrInsufficientBalance) {
			return "", &PreSubmitError{Type: ErrorInsufficientBalance, Reason: err.Error()}
		}
		return "", fmt.Errorf("submit order: %w", err)
	}
	if strings.TrimSpace(orderID) == "" {
		if reserved {
			m.balance.Release(tempKey)
		}
		return "", &PreSubmitError{Type: ErrorValidation, Reason: "exchange returned empty order id"}
	}

	if reserved {
		m.balance.Rekey(tempKey, orderID)
	}

	order := types.Order{
		OrderID:     orderID,
		TokenID:     tokenID,
		ConditionID: conditionID,
		Side:        side,
		LimitPrice:  price,
		Size:        size,
		Status:      types.OrderPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.store.InsertOrder(ctx, order); err != nil {
		// The order is live on the exchange; tracking loss is recoverable via
		// sync, so log rather than fail the submission.
		m.logger.Error("persist order failed", "order_id", orderID, "error", err)
	}

	m.mu.Lock()
	m.tracked[orderID] = order
	m.mu.Unlock()

	m.logger.Info("order submitted",
		"order_id", orderID,
		"token_id", tokenID,
		"side", side,
		"price", price,
		"size", size)
	return orderID, nil
}

// FillDelta describes the newly filled portion discovered by one sync.
// FillPrice is the effective price of that portion alone (FillCost/DeltaSize),
// not the order's running average.
type FillDelta struct {
	Order     types.Order
	DeltaSize decimal.Decimal
	FillPrice decimal.Decimal
	FillCost  decimal.Decimal
}

// trancheFill computes the size, cost, and effective price of the portion
// filled between two order states. When both states carry an average fill
// price the cost is the cumulative-cost difference
// (filled*avg - prevFilled*prevAvg), so a later tranche is costed at its own
// price rather than the running average across all fills.
func trancheFill(prev, updated types.Order) (delta, cost, price decimal.Decimal) {
	delta = updated.FilledSize.Sub(prev.FilledSize)
	price = updated.LimitPrice
	if updated.AvgFillPrice.Valid {
		price = updated.AvgFillPrice.Decimal
	}
	if !delta.IsPositive() {
		return decimal.Zero, decimal.Zero, price
	}

	cost = delta.Mul(price)
	if prev.AvgFillPrice.Valid && updated.AvgFillPrice.Valid {
		cost = updated.FilledSize.Mul(updated.AvgFillPrice.Decimal).
			Sub(prev.FilledSize.Mul(prev.AvgFillPrice.Decimal))
		price = cost.Div(delta)
	}
	return delta, cost, price
}

// Sync fetches the wire state for one order, persists it, and adjusts
// reservations. Returns the fill delta since the previous sync, which the
// caller applies to the position tracker exactly once.
func (m *OrderManager) Sync(ctx context.Context, orderID string) (FillDelta, error) {
	m.mu.Lock()
	prev, known := m.tracked[orderID]
	m.mu.Unlock()
	if !known {
		stored, ok, err := m.store.GetOrder(ctx, orderID)
		if err != nil {
			return FillDelta{}, err
		}
		if !ok {
			return FillDelta{}, fmt.Errorf("sync: unknown order %s", orderID)
		}
		prev = stored
	}

	state, err := m.wire.GetOrder(ctx, orderID)
	if err != nil {
		return FillDelta{}, fmt.Errorf("sync order %s: %w", orderID, err)
	}

	updated := prev
	updated.Status = state.Status
	updated.UpdatedAt = time.Now().UTC()
	if state.FilledSize.IsPositive() {
		updated.FilledSize = state.FilledSize
	}
	if state.AvgFillPrice.Valid {
		updated.AvgFillPrice = state.AvgFillPrice
	}
	// The wire may omit size on some responses; keep the local value.
	if state.Size.IsPositive() {
		updated.Size = state.Size
	}

	delta, fillCost, fillPrice := trancheFill(prev, updated)

	if delta.IsPositive() {
		if updated.Side == types.BUY && !updated.Status.IsTerminal() {
			m.balance.AdjustForPartialFill(orderID, fillCost)
		}
		if err := m.balance.Refresh(ctx); err != nil {
			m.logger.Warn("balance refresh after fill failed", "error", err)
		}
	}

	if updated.Status.IsTerminal() {
		m.balance.Release(orderID)
		if err := m.balance.Refresh(ctx); err != nil {
			m.logger.Warn("balance refresh after terminal order failed", "error", err)
		}
	}

	if err := m.store.UpdateOrder(ctx, orderID, updated.FilledSize, updated.AvgFillPrice, updated.Status); err != nil {
		return FillDelta{}, err
	}

	m.mu.Lock()
	if updated.Status.IsTerminal() {
		delete(m.tracked, orderID)
	} else {
		m.tracked[orderID] = updated
	}
	m.mu.Unlock()

	return FillDelta{Order: updated, DeltaSize: delta, FillPrice: fillPrice, FillCost: fillCost}, nil
}

// Cancel cancels an order on the exchange, marks it locally, and releases
// its reservation.
func (m *OrderManager) Cancel(ctx context.Context, orderID string) (bool, error) {
	ok, err := m.wire.CancelOrder(ctx, orderID)
	if err != nil {
		return false, fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	if !ok {
		return false, nil
	}

	m.mu.Lock()
	order, known := m.tracked[orderID]
	delete(m.tracked, orderID)
	m.mu.Unlock()

	m.balance.Release(orderID)
	if err := m.balance.Refresh(ctx); err != nil {
		m.logger.Warn("balance refresh after cancel failed", "error", err)
	}

	avg := decimal.NullDecimal{}
	filled := decimal.Zero
	if known {
		avg = order.AvgFillPrice
		filled = order.FilledSize
	}
	if err := m.store.UpdateOrder(ctx, orderID, filled, avg, types.OrderCancelled); err != nil {
		m.logger.Error("persist cancel failed", "order_id", orderID, "error", err)
	}
	return true, nil
}

// ActiveOrderIDs lists the ids of tracked non-terminal orders.
func (m *OrderManager) ActiveOrderIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.tracked))
	for id := range m.tracked {
		ids = append(ids, id)
	}
	return ids
}

// LoadOrders rebuilds in-memory tracking from the durable store after a
// restart and re-reserves the unfilled BUY portions. Insufficient balance
// during recovery is tolerated with a warning; the order stays tracked.
func (m *OrderManager) LoadOrders(ctx context.Context) error {
	orders, err := m.store.ListActiveOrders(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	for _, o := range orders {
		m.tracked[o.OrderID] = o
	}
	m.mu.Unlock()

	for _, o := range orders {
		if o.Side != types.BUY {
			continue
		}
		remaining := o.Remaining()
		if !remaining.IsPositive() {
			continue
		}
		if err := m.balance.Reserve(ctx, o.LimitPrice.Mul(remaining), o.OrderID); err != nil {
			m.logger.Warn("could not re-reserve for recovered order",
				"order_id", o.OrderID, "error", err)
		}
	}

	m.logger.Info("recovered active orders", "count", len(orders))
	return nil
}
