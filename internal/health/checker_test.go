package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"polymarket-trigger/internal/exchange"
)

type fakePinger struct{ err error }

func (f *fakePinger) Ping(context.Context) error { return f.err }

type fakeProber struct{ state exchange.StreamState }

func (f *fakeProber) State() exchange.StreamState { return f.state }

func liveState() exchange.StreamState {
	return exchange.StreamState{
		Connected:     true,
		Subscriptions: 12,
		Reconnects:    1,
		LastMessageAt: time.Now().Add(-2 * time.Second),
	}
}

func TestCheckHealthy(t *testing.T) {
	c := NewChecker(&fakePinger{}, &fakeProber{state: liveState()}, testMetrics)

	snap := c.Check(context.Background())
	if !snap.Healthy || !snap.StoreReachable || !snap.StreamUp {
		t.Errorf("snapshot = %+v, want healthy", snap)
	}
	if snap.Subscriptions != 12 || snap.Reconnects != 1 {
		t.Errorf("stream fields = %d/%d, want 12/1", snap.Subscriptions, snap.Reconnects)
	}
	if snap.LastMessageAge <= 0 {
		t.Errorf("last message age = %f, want positive", snap.LastMessageAge)
	}
}

func TestCheckStoreDown(t *testing.T) {
	c := NewChecker(&fakePinger{err: errors.New("connection refused")},
		&fakeProber{state: liveState()}, testMetrics)

	snap := c.Check(context.Background())
	if snap.StoreReachable || snap.Healthy {
		t.Errorf("snapshot = %+v, want store unreachable and unhealthy", snap)
	}
	if !snap.StreamUp {
		t.Error("stream should still report up")
	}
}

func TestCheckStaleStream(t *testing.T) {
	state := liveState()
	state.LastMessageAt = time.Now().Add(-5 * time.Minute)
	c := NewChecker(&fakePinger{}, &fakeProber{state: state}, testMetrics)

	snap := c.Check(context.Background())
	if snap.StreamUp || snap.Healthy {
		t.Errorf("snapshot = %+v, want stale stream marked down", snap)
	}
}

func TestCheckNeverConnected(t *testing.T) {
	c := NewChecker(&fakePinger{}, &fakeProber{}, testMetrics)

	snap := c.Check(context.Background())
	if snap.StreamUp {
		t.Error("zero-value stream state should not report up")
	}
	if snap.LastMessageAge != 0 {
		t.Errorf("last message age = %f, want 0 before any message", snap.LastMessageAge)
	}
}
