// Package health tracks rolling event counters and component probes.
//
// Counters live in per-minute buckets pruned to a 5-minute window, so rates
// reflect recent behaviour rather than process lifetime. Each counter also
// feeds a Prometheus counter for scraping; the rolling window serves the
// dashboard snapshot.
package health

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counter names tracked in the rolling window.
const (
	CounterEvents       = "events_received"
	CounterPriceUpdates = "price_updates"
	CounterTradesStored = "trades_stored"
	CounterG1Filtered   = "g1_filtered"
	CounterG3Missing    = "g3_size_missing"
	CounterG3Backfilled = "g3_size_backfilled"
	CounterG5Divergence = "g5_divergence"
	CounterErrors       = "errors"
	CounterEntries      = "entries_executed"
	CounterExits        = "exits_executed"
	CounterRejections   = "rejections"
)

const (
	windowSize  = 5 * time.Minute
	bucketWidth = time.Minute
)

type bucket struct {
	start  time.Time
	counts map[string]int64
}

// Metrics is a rolling-window counter set with a Prometheus mirror.
// Increment is a short lock around a map update; no I/O ever happens under
// the lock.
type Metrics struct {
	mu      sync.Mutex
	buckets []bucket

	errorLog []time.Time // error instants for the last hour

	promCounters *prometheus.CounterVec
}

// NewMetrics creates a Metrics set registered on the default Prometheus
// registry.
func NewMetrics() *Metrics {
	return &Metrics{
		promCounters: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trigger",
			Name:      "events_total",
			Help:      "Pipeline event counters by stage.",
		}, []string{"counter"}),
	}
}

// Inc increments a counter by one.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

// Add increments a counter by n.
func (m *Metrics) Add(name string, n int64) {
	now := time.Now()

	m.mu.Lock()
	b := m.currentBucket(now)
	b.counts[name] += n
	if name == CounterErrors {
		m.errorLog = append(m.errorLog, now)
		m.pruneErrors(now)
	}
	m.mu.Unlock()

	m.promCounters.WithLabelValues(name).Add(float64(n))
}

// currentBucket returns the bucket for now, pruning expired ones.
// Caller holds the lock.
func (m *Metrics) currentBucket(now time.Time) *bucket {
	start := now.Truncate(bucketWidth)

	if n := len(m.buckets); n > 0 && m.buckets[n-1].start.Equal(start) {
		return &m.buckets[n-1]
	}

	cutoff := now.Add(-windowSize)
	kept := m.buckets[:0]
	for _, b := range m.buckets {
		if b.start.After(cutoff) {
			kept = append(kept, b)
		}
	}
	m.buckets = append(kept, bucket{start: start, counts: make(map[string]int64)})
	return &m.buckets[len(m.buckets)-1]
}

func (m *Metrics) pruneErrors(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(m.errorLog) && !m.errorLog[i].After(cutoff) {
		i++
	}
	m.errorLog = m.errorLog[i:]
}

// WindowCounts returns a copy of all counters summed over the rolling window.
func (m *Metrics) WindowCounts() map[string]int64 {
	now := time.Now()
	cutoff := now.Add(-windowSize)

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]int64)
	for _, b := range m.buckets {
		if !b.start.After(cutoff) {
			continue
		}
		for name, n := range b.counts {
			out[name] += n
		}
	}
	return out
}

// ErrorsLastHour returns the number of errors recorded in the last hour.
func (m *Metrics) ErrorsLastHour() int {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneErrors(now)
	return len(m.errorLog)
}
