package exchange

import (
	"testing"

	"github.com/shopspring/decimal"

	"polymarket-trigger/pkg/types"
)

func TestMapOrderStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		remote string
		size   string
		filled string
		want   types.OrderStatus
	}{
		{"live unfilled", "LIVE", "10", "0", types.OrderLive},
		{"live with partial fill", "LIVE", "10", "4", types.OrderPartial},
		{"matched fully", "MATCHED", "10", "10", types.OrderFilled},
		{"matched partially", "MATCHED", "10", "6", types.OrderPartial},
		{"filled fully", "FILLED", "10", "10", types.OrderFilled},
		{"canceled US spelling", "CANCELED", "10", "0", types.OrderCancelled},
		{"cancelled UK spelling", "CANCELLED", "10", "0", types.OrderCancelled},
		{"unmatched maps to live", "UNMATCHED", "10", "0", types.OrderLive},
		{"inserted maps to live", "INSERTED", "10", "0", types.OrderLive},
		{"delayed maps to live", "DELAYED", "10", "0", types.OrderLive},
		{"unknown maps to pending", "SOMETHING_NEW", "10", "0", types.OrderPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			size, _ := decimal.NewFromString(tt.size)
			filled, _ := decimal.NewFromString(tt.filled)
			if got := mapOrderStatus(tt.remote, size, filled); got != tt.want {
				t.Errorf("mapOrderStatus(%q, %s, %s) = %s, want %s",
					tt.remote, size, filled, got, tt.want)
			}
		})
	}
}

func TestIsBalanceError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		body string
		want bool
	}{
		{`{"errorMsg":"not enough balance / allowance"}`, true},
		{`{"errorMsg":"Insufficient funds"}`, true},
		{`{"errorMsg":"INSUFFICIENT BALANCE"}`, true},
		{`{"errorMsg":"invalid order signature"}`, false},
		{``, false},
	}

	for _, tt := range tests {
		if got := isBalanceError([]byte(tt.body)); got != tt.want {
			t.Errorf("isBalanceError(%q) = %v, want %v", tt.body, got, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		price string
		size  string
		ok    bool
	}{
		{"valid level", "0.96", "150.5", true},
		{"zero size dropped", "0.96", "0", false},
		{"negative size dropped", "0.96", "-3", false},
		{"bad price dropped", "n/a", "10", false},
		{"bad size dropped", "0.96", "lots", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			level, ok := parseLevel(bookLevel{Price: tt.price, Size: tt.size})
			if ok != tt.ok {
				t.Fatalf("parseLevel ok = %v, want %v", ok, tt.ok)
			}
			if ok && level.Price.String() != tt.price {
				t.Errorf("price = %s, want %s", level.Price, tt.price)
			}
		})
	}
}
