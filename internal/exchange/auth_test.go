package exchange

import (
	"math/big"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"polymarket-trigger/internal/config"
	"polymarket-trigger/pkg/types"
)

// testPrivateKey is a throwaway key used only for signature shape tests.
const testPrivateKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func newTestAuth(t *testing.T) *Auth {
	t.Helper()
	cfg := config.Config{}
	cfg.Wallet.PrivateKey = testPrivateKey
	cfg.Wallet.ChainID = 137
	cfg.API.ApiKey = "test-key"
	cfg.API.Secret = "dGVzdC1zZWNyZXQ=" // "test-secret"
	cfg.API.Passphrase = "test-pass"

	auth, err := NewAuth(cfg)
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	return auth
}

func TestPriceToAmounts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		price   string
		size    string
		side    types.Side
		wantMkr int64 // 6-decimal units
		wantTkr int64
	}{
		{"BUY at 0.50, size 100", "0.50", "100", types.BUY, 50_000_000, 100_000_000},
		{"SELL at 0.50, size 100", "0.50", "100", types.SELL, 100_000_000, 50_000_000},
		{"BUY at 0.96, size 20.83", "0.96", "20.83", types.BUY, 19_996_800, 20_830_000},
		{"BUY size truncated to 2dp", "0.55", "1.999", types.BUY, 1_094_500, 1_990_000},
		{"SELL at 0.97, size 10", "0.97", "10", types.SELL, 10_000_000, 9_700_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			price, _ := decimal.NewFromString(tt.price)
			size, _ := decimal.NewFromString(tt.size)

			mkr, tkr := PriceToAmounts(price, size, tt.side)
			if mkr.Cmp(big.NewInt(tt.wantMkr)) != 0 {
				t.Errorf("makerAmount = %s, want %d", mkr, tt.wantMkr)
			}
			if tkr.Cmp(big.NewInt(tt.wantTkr)) != 0 {
				t.Errorf("takerAmount = %s, want %d", tkr, tt.wantTkr)
			}
		})
	}
}

func TestPriceToAmountsSellMirrorsBuy(t *testing.T) {
	t.Parallel()

	price := decimal.NewFromFloat(0.95)
	size := decimal.NewFromInt(50)

	buyMkr, buyTkr := PriceToAmounts(price, size, types.BUY)
	sellMkr, sellTkr := PriceToAmounts(price, size, types.SELL)

	if buyMkr.Cmp(sellTkr) != 0 || buyTkr.Cmp(sellMkr) != 0 {
		t.Errorf("SELL should mirror BUY: buy=(%s,%s) sell=(%s,%s)",
			buyMkr, buyTkr, sellMkr, sellTkr)
	}
}

func TestSignOrder(t *testing.T) {
	t.Parallel()
	auth := newTestAuth(t)

	payload, err := auth.SignOrder(OrderRequest{
		TokenID: "71321045679252212594626385532706912750332728571942532289631379312455583992563",
		Side:    types.BUY,
		Price:   decimal.NewFromFloat(0.96),
		Size:    decimal.NewFromInt(20),
	})
	if err != nil {
		t.Fatalf("SignOrder: %v", err)
	}

	order := payload.Order
	if !strings.HasPrefix(order.Signature, "0x") || len(order.Signature) != 132 {
		t.Errorf("signature = %q, want 0x-prefixed 65 bytes", order.Signature)
	}
	if order.Maker != auth.FunderAddress().Hex() {
		t.Errorf("maker = %s, want funder %s", order.Maker, auth.FunderAddress().Hex())
	}
	if order.Signer != auth.Address().Hex() {
		t.Errorf("signer = %s, want %s", order.Signer, auth.Address().Hex())
	}
	if order.Taker != zeroAddress {
		t.Errorf("taker = %s, want zero address", order.Taker)
	}
	if order.Side != "BUY" {
		t.Errorf("side = %q, want BUY", order.Side)
	}
	if order.MakerAmount != "19200000" || order.TakerAmount != "20000000" {
		t.Errorf("amounts = (%s, %s), want (19200000, 20000000)",
			order.MakerAmount, order.TakerAmount)
	}
	if payload.Owner != "test-key" {
		t.Errorf("owner = %q, want api key", payload.Owner)
	}
	if payload.OrderType != "GTC" {
		t.Errorf("order type = %q, want GTC", payload.OrderType)
	}
}

func TestSignOrderRejectsBadTokenID(t *testing.T) {
	t.Parallel()
	auth := newTestAuth(t)

	_, err := auth.SignOrder(OrderRequest{
		TokenID: "not-a-number",
		Side:    types.BUY,
		Price:   decimal.NewFromFloat(0.96),
		Size:    decimal.NewFromInt(20),
	})
	if err == nil {
		t.Fatal("expected error for non-numeric token id")
	}
}

func TestBuildHMACDeterministic(t *testing.T) {
	t.Parallel()
	auth := newTestAuth(t)

	a, err := auth.buildHMAC("1700000000", "GET", "/balance-allowance", "")
	if err != nil {
		t.Fatalf("buildHMAC: %v", err)
	}
	b, err := auth.buildHMAC("1700000000", "GET", "/balance-allowance", "")
	if err != nil {
		t.Fatalf("buildHMAC: %v", err)
	}
	if a != b {
		t.Errorf("same inputs gave different signatures: %q vs %q", a, b)
	}

	c, err := auth.buildHMAC("1700000000", "POST", "/order", `{"x":1}`)
	if err != nil {
		t.Fatalf("buildHMAC: %v", err)
	}
	if a == c {
		t.Error("different inputs gave the same signature")
	}
}
