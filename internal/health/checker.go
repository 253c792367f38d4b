package health

import (
	"context"
	"time"

	"polymarket-trigger/internal/exchange"
)

// staleStreamAge is the last-message age beyond which the stream is
// considered unhealthy even while the socket is nominally connected.
const staleStreamAge = 60 * time.Second

// StorePinger is the durable-store connectivity probe.
type StorePinger interface {
	Ping(ctx context.Context) error
}

// StreamProber reports the market stream's connection state.
type StreamProber interface {
	State() exchange.StreamState
}

// Snapshot is a read-only view of system health, computed on demand.
// Consumers never hold any lock while reading it.
type Snapshot struct {
	Healthy        bool             `json:"healthy"`
	StoreReachable bool             `json:"store_reachable"`
	StreamUp       bool             `json:"stream_up"`
	LastMessageAge float64          `json:"last_message_age_seconds"`
	Subscriptions  int              `json:"subscriptions"`
	Reconnects     int              `json:"reconnects"`
	ErrorsLastHour int              `json:"errors_last_hour"`
	Window         map[string]int64 `json:"window_counters"`
	CheckedAt      time.Time        `json:"checked_at"`
}

// Checker assembles health snapshots from component probes.
type Checker struct {
	store   StorePinger
	stream  StreamProber
	metrics *Metrics
}

// NewChecker creates a health checker over the given probes.
func NewChecker(store StorePinger, stream StreamProber, metrics *Metrics) *Checker {
	return &Checker{store: store, stream: stream, metrics: metrics}
}

// Check computes a point-in-time snapshot. The store probe is bounded so a
// wedged database cannot hang the health endpoint.
func (c *Checker) Check(ctx context.Context) Snapshot {
	now := time.Now()
	snap := Snapshot{
		Window:         c.metrics.WindowCounts(),
		ErrorsLastHour: c.metrics.ErrorsLastHour(),
		CheckedAt:      now.UTC(),
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	snap.StoreReachable = c.store.Ping(pingCtx) == nil

	st := c.stream.State()
	snap.Subscriptions = st.Subscriptions
	snap.Reconnects = st.Reconnects
	if !st.LastMessageAt.IsZero() {
		snap.LastMessageAge = now.Sub(st.LastMessageAt).Seconds()
	}
	snap.StreamUp = st.Connected && !st.LastMessageAt.IsZero() &&
		now.Sub(st.LastMessageAt) < staleStreamAge

	snap.Healthy = snap.StoreReachable && snap.StreamUp
	return snap
}
