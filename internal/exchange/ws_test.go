package exchange

import (
	"log/slog"
	"os"
	"testing"

	"polymarket-trigger/pkg/types"
)

func newTestStream() *StreamClient {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewStreamClient("wss://example.invalid/ws/market", logger)
}

func drainOne(t *testing.T, s *StreamClient) (types.PriceUpdate, bool) {
	t.Helper()
	select {
	case u := <-s.Updates():
		return u, true
	default:
		return types.PriceUpdate{}, false
	}
}

func TestDispatchLastTradePrice(t *testing.T) {
	t.Parallel()
	s := newTestStream()

	s.dispatch([]byte(`{"event_type":"last_trade_price","asset_id":"tok1","price":"0.97"}`))

	u, ok := drainOne(t, s)
	if !ok {
		t.Fatal("expected one price update")
	}
	if u.TokenID != "tok1" || u.Price.String() != "0.97" {
		t.Errorf("update = %+v, want tok1 @ 0.97", u)
	}
	if u.ObservedAt.IsZero() {
		t.Error("ObservedAt not set")
	}
}

func TestDispatchPriceChangeBatch(t *testing.T) {
	t.Parallel()
	s := newTestStream()

	// Arrays of envelopes and multi-change frames both occur on the wire.
	s.dispatch([]byte(`[{"event_type":"price_change","changes":[` +
		`{"asset_id":"a","price":"0.95"},{"asset_id":"b","price":"0.50"}]}]`))

	first, ok := drainOne(t, s)
	if !ok || first.TokenID != "a" {
		t.Fatalf("first update = %+v, want token a", first)
	}
	second, ok := drainOne(t, s)
	if !ok || second.TokenID != "b" {
		t.Fatalf("second update = %+v, want token b", second)
	}
}

func TestDispatchIgnoresNoise(t *testing.T) {
	t.Parallel()
	s := newTestStream()

	frames := []string{
		"",
		"PONG",
		`{}`,
		`{"event_type":"book"}`,
		`{"event_type":"tick_size_change"}`,
		`{"event_type":"last_trade_price","asset_id":"","price":"0.97"}`,
		`{"event_type":"last_trade_price","asset_id":"x","price":"bogus"}`,
		`not json at all`,
	}
	for _, f := range frames {
		s.dispatch([]byte(f))
	}

	if _, ok := drainOne(t, s); ok {
		t.Error("noise frames should emit no updates")
	}
}

func TestSubscribeDeduplicates(t *testing.T) {
	t.Parallel()
	s := newTestStream()

	if err := s.Subscribe([]string{"a", "b", ""}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := s.Subscribe([]string{"b", "c"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if got := s.SubscriptionCount(); got != 3 {
		t.Errorf("SubscriptionCount = %d, want 3", got)
	}

	if err := s.Unsubscribe([]string{"a"}); err != ErrNotConnected {
		// The set shrinks even though the wire write fails while disconnected.
		t.Logf("Unsubscribe returned %v", err)
	}
	if got := s.SubscriptionCount(); got != 2 {
		t.Errorf("SubscriptionCount after unsubscribe = %d, want 2", got)
	}
}

func TestStateReportsDisconnected(t *testing.T) {
	t.Parallel()
	s := newTestStream()

	st := s.State()
	if st.Connected {
		t.Error("new client should not report connected")
	}
	if st.Reconnects != 0 {
		t.Errorf("reconnects = %d, want 0", st.Reconnects)
	}
}
