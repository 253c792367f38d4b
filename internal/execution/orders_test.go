package execution

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"polymarket-trigger/internal/exchange"
	"polymarket-trigger/pkg/types"
)

type fakeOrderWire struct {
	submitID    string
	submitErr   error
	submitCalls int
}

func (f *fakeOrderWire) SubmitOrder(_ context.Context, _ exchange.OrderRequest) (string, error) {
	f.submitCalls++
	return f.submitID, f.submitErr
}

func (f *fakeOrderWire) GetOrder(context.Context, string) (exchange.OrderState, error) {
	return exchange.OrderState{}, errors.New("not implemented")
}

func (f *fakeOrderWire) CancelOrder(context.Context, string) (bool, error) {
	return false, errors.New("not implemented")
}

// The success path needs the durable store; these cover the pre-submit
// failure paths, which never reach it.
func newFailingOrderManager(wire *fakeOrderWire, funds int64) (*OrderManager, *BalanceManager) {
	balance := NewBalanceManager(&fakeBalanceSource{total: decimal.NewFromInt(funds)}, decimal.Zero, quietLogger())
	return NewOrderManager(wire, nil, balance, decimal.NewFromFloat(0.99), quietLogger()), balance
}

func TestSubmitRejectsPriceAboveMax(t *testing.T) {
	t.Parallel()
	wire := &fakeOrderWire{}
	m, _ := newFailingOrderManager(wire, 1000)

	_, err := m.Submit(context.Background(), "tok", "cond", types.BUY,
		decimal.NewFromFloat(0.995), decimal.NewFromInt(20))

	var pre *PreSubmitError
	if !errors.As(err, &pre) || pre.Type != ErrorPriceTooHigh {
		t.Fatalf("err = %v, want price_too_high pre-submit", err)
	}
	if wire.submitCalls != 0 {
		t.Error("price cap must reject before the wire is touched")
	}
}

func TestSubmitRejectsWhenReserveFails(t *testing.T) {
	t.Parallel()
	wire := &fakeOrderWire{}
	m, _ := newFailingOrderManager(wire, 5)

	_, err := m.Submit(context.Background(), "tok", "cond", types.BUY,
		decimal.NewFromFloat(0.95), decimal.NewFromInt(100))

	var pre *PreSubmitError
	if !errors.As(err, &pre) || pre.Type != ErrorInsufficientBalance {
		t.Fatalf("err = %v, want insufficient_balance pre-submit", err)
	}
	if wire.submitCalls != 0 {
		t.Error("failed reservation must not reach the wire")
	}
}

func TestSubmitWireBalanceErrorReleasesReservation(t *testing.T) {
	t.Parallel()
	wire := &fakeOrderWire{submitErr: exchange.ErrInsufficientBalance}
	m, balance := newFailingOrderManager(wire, 1000)

	_, err := m.Submit(context.Background(), "tok", "cond", types.BUY,
		decimal.NewFromFloat(0.95), decimal.NewFromInt(20))

	var pre *PreSubmitError
	if !errors.As(err, &pre) || pre.Type != ErrorInsufficientBalance {
		t.Fatalf("err = %v, want insufficient_balance pre-submit", err)
	}
	if n := balance.ReservationCount(); n != 0 {
		t.Errorf("reservations = %d, want 0 after wire rejection", n)
	}
}

func TestSubmitEmptyOrderIDReleasesReservation(t *testing.T) {
	t.Parallel()
	wire := &fakeOrderWire{submitID: "  "}
	m, balance := newFailingOrderManager(wire, 1000)

	_, err := m.Submit(context.Background(), "tok", "cond", types.BUY,
		decimal.NewFromFloat(0.95), decimal.NewFromInt(20))

	var pre *PreSubmitError
	if !errors.As(err, &pre) || pre.Type != ErrorValidation {
		t.Fatalf("err = %v, want validation pre-submit", err)
	}
	if n := balance.ReservationCount(); n != 0 {
		t.Errorf("reservations = %d, want 0 after empty order id", n)
	}
}

func TestTrancheFillCostsNewPortionAtItsOwnPrice(t *testing.T) {
	t.Parallel()

	order := func(filled, avg float64) types.Order {
		o := types.Order{
			LimitPrice: decimal.NewFromFloat(0.96),
			FilledSize: decimal.NewFromFloat(filled),
		}
		if avg > 0 {
			o.AvgFillPrice = decimal.NewNullDecimal(decimal.NewFromFloat(avg))
		}
		return o
	}

	tests := []struct {
		name          string
		prev, updated types.Order
		wantDelta     string
		wantCost      string
		wantPrice     string
	}{
		{
			// 100*0.953 - 40*0.95 = 57.30, not 60*0.953 = 57.18.
			name:      "second tranche uses cumulative cost difference",
			prev:      order(40, 0.95),
			updated:   order(100, 0.953),
			wantDelta: "60", wantCost: "57.3", wantPrice: "0.955",
		},
		{
			name:      "first fill without prior average",
			prev:      order(0, 0),
			updated:   order(40, 0.95),
			wantDelta: "40", wantCost: "38", wantPrice: "0.95",
		},
		{
			name:      "no average falls back to limit price",
			prev:      order(0, 0),
			updated:   order(20, 0),
			wantDelta: "20", wantCost: "19.2", wantPrice: "0.96",
		},
		{
			name:      "no new fill",
			prev:      order(40, 0.95),
			updated:   order(40, 0.95),
			wantDelta: "0", wantCost: "0", wantPrice: "0.95",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			delta, cost, price := trancheFill(tt.prev, tt.updated)
			if delta.String() != tt.wantDelta {
				t.Errorf("delta = %s, want %s", delta, tt.wantDelta)
			}
			if !cost.Equal(decimal.RequireFromString(tt.wantCost)) {
				t.Errorf("cost = %s, want %s", cost, tt.wantCost)
			}
			if !price.Equal(decimal.RequireFromString(tt.wantPrice)) {
				t.Errorf("price = %s, want %s", price, tt.wantPrice)
			}
		})
	}
}

func TestSubmitGenericWireErrorIsNotPreSubmit(t *testing.T) {
	t.Parallel()
	wire := &fakeOrderWire{submitErr: errors.New("gateway timeout")}
	m, balance := newFailingOrderManager(wire, 1000)

	_, err := m.Submit(context.Background(), "tok", "cond", types.BUY,
		decimal.NewFromFloat(0.95), decimal.NewFromInt(20))
	if err == nil {
		t.Fatal("wire error should surface")
	}
	if IsPreSubmit(err) {
		// Ambiguous failures must keep the trigger claim upstream.
		t.Error("generic wire error misclassified as pre-submit")
	}
	if n := balance.ReservationCount(); n != 0 {
		t.Errorf("reservations = %d, want 0 after wire error", n)
	}
}
