package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-trigger/pkg/types"
)

type orderRow struct {
	OrderID      string              `db:"order_id"`
	TokenID      string              `db:"token_id"`
	ConditionID  string              `db:"condition_id"`
	Side         string              `db:"side"`
	Price        decimal.Decimal     `db:"price"`
	Size         decimal.Decimal     `db:"size"`
	FilledSize   decimal.Decimal     `db:"filled_size"`
	AvgFillPrice decimal.NullDecimal `db:"avg_fill_price"`
	Status       string              `db:"status"`
	CreatedAt    time.Time           `db:"created_at"`
	UpdatedAt    time.Time           `db:"updated_at"`
}

func (r orderRow) toOrder() types.Order {
	return types.Order{
		OrderID:      r.OrderID,
		TokenID:      r.TokenID,
		ConditionID:  r.ConditionID,
		Side:         types.Side(r.Side),
		LimitPrice:   r.Price,
		Size:         r.Size,
		FilledSize:   r.FilledSize,
		AvgFillPrice: r.AvgFillPrice,
		Status:       types.OrderStatus(r.Status),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

// InsertOrder records a newly submitted order.
func (s *Store) InsertOrder(ctx context.Context, o types.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders
			(order_id, token_id, condition_id, side, price, size,
			 filled_size, avg_fill_price, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
		o.OrderID, o.TokenID, o.ConditionID, string(o.Side), o.LimitPrice,
		o.Size, o.FilledSize, o.AvgFillPrice, string(o.Status), o.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// UpdateOrder persists the latest fill state and status for an order.
func (s *Store) UpdateOrder(ctx context.Context, orderID string, filledSize decimal.Decimal, avgFillPrice decimal.NullDecimal, status types.OrderStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET filled_size = $2, avg_fill_price = $3, status = $4, updated_at = now()
		WHERE order_id = $1`,
		orderID, filledSize, avgFillPrice, string(status))
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return nil
}

// GetOrder fetches a single order by id.
func (s *Store) GetOrder(ctx context.Context, orderID string) (types.Order, bool, error) {
	var row orderRow
	err := s.db.GetContext(ctx, &row, `
		SELECT order_id, token_id, condition_id, side, price, size,
		       filled_size, avg_fill_price, status, created_at, updated_at
		FROM orders WHERE order_id = $1`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Order{}, false, nil
	}
	if err != nil {
		return types.Order{}, false, fmt.Errorf("get order: %w", err)
	}
	return row.toOrder(), true, nil
}

// ListActiveOrders returns all orders not yet in a terminal state, used to
// rebuild in-memory tracking after a restart.
func (s *Store) ListActiveOrders(ctx context.Context) ([]types.Order, error) {
	var rows []orderRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT order_id, token_id, condition_id, side, price, size,
		       filled_size, avg_fill_price, status, created_at, updated_at
		FROM orders
		WHERE status NOT IN ('FILLED', 'CANCELLED', 'FAILED')
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list active orders: %w", err)
	}
	orders := make([]types.Order, len(rows))
	for i, r := range rows {
		orders[i] = r.toOrder()
	}
	return orders, nil
}

// RecentOrders lists the newest orders for the dashboard.
func (s *Store) RecentOrders(ctx context.Context, limit int) ([]types.Order, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []orderRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT order_id, token_id, condition_id, side, price, size,
		       filled_size, avg_fill_price, status, created_at, updated_at
		FROM orders ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent orders: %w", err)
	}
	orders := make([]types.Order, len(rows))
	for i, r := range rows {
		orders[i] = r.toOrder()
	}
	return orders, nil
}
