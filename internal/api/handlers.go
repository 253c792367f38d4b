package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-trigger/internal/health"
	"polymarket-trigger/internal/processor"
	"polymarket-trigger/internal/store"
	"polymarket-trigger/internal/watchlist"
	"polymarket-trigger/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for local development
		// TODO: restrict in production
		return true
	},
}

const defaultListLimit = 50

// PositionSource is the open-position read the dashboard needs.
type PositionSource interface {
	ListOpen(ctx context.Context) ([]types.Position, error)
}

// Handlers holds all HTTP handler dependencies. Every endpoint is read-only.
type Handlers struct {
	store     *store.Store
	positions PositionSource
	watchlist *watchlist.Service
	processor *processor.Processor
	checker   *health.Checker
	hub       *Hub
	logger    *slog.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(st *store.Store, positions PositionSource, wl *watchlist.Service, proc *processor.Processor, checker *health.Checker, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		store:     st,
		positions: positions,
		watchlist: wl,
		processor: proc,
		checker:   checker,
		hub:       hub,
		logger:    logger.With("component", "api-handlers"),
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// HandleHealth returns the full health snapshot. 503 when unhealthy so load
// balancer probes work unmodified.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	snap := h.checker.Check(r.Context())
	if !snap.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	h.writeJSON(w, snap)
}

// HandlePositions returns all open positions.
func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.positions.ListOpen(r.Context())
	if err != nil {
		h.logger.Error("list positions failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, positions)
}

// HandleOrders returns recent orders, newest first.
func (h *Handlers) HandleOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.store.RecentOrders(r.Context(), limitParam(r))
	if err != nil {
		h.logger.Error("list orders failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, orders)
}

// HandleTriggers returns recent trigger records, newest first.
func (h *Handlers) HandleTriggers(w http.ResponseWriter, r *http.Request) {
	triggers, err := h.store.RecentTriggers(r.Context(), limitParam(r))
	if err != nil {
		h.logger.Error("list triggers failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, triggers)
}

// HandleWatchlist returns every watchlist entry.
func (h *Handlers) HandleWatchlist(w http.ResponseWriter, r *http.Request) {
	entries, err := h.watchlist.List(r.Context())
	if err != nil {
		h.logger.Error("list watchlist failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, entries)
}

// HandleRejections returns the in-memory rejection ring, newest first.
func (h *Handlers) HandleRejections(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.processor.RecentRejections())
}

// MetricsSnapshot is the /api/metrics payload: the rolling counters plus the
// in-flight work the operator cares about.
type MetricsSnapshot struct {
	Health       health.Snapshot `json:"health"`
	ActiveOrders int             `json:"active_orders"`
	PendingExits int             `json:"pending_exits"`
	RetrievedAt  time.Time       `json:"retrieved_at"`
}

// HandleMetrics returns the health snapshot with non-terminal order and exit
// counts.
func (h *Handlers) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := MetricsSnapshot{
		Health:      h.checker.Check(r.Context()),
		RetrievedAt: time.Now().UTC(),
	}

	if orders, err := h.store.ListActiveOrders(r.Context()); err == nil {
		snap.ActiveOrders = len(orders)
	} else {
		h.logger.Error("count active orders failed", "error", err)
	}
	if exits, err := h.store.ListPendingExits(r.Context()); err == nil {
		snap.PendingExits = len(exits)
	} else {
		h.logger.Error("count pending exits failed", "error", err)
	}

	h.writeJSON(w, snap)
}

// HandleStream serves the hub's event feed as server-sent events for clients
// that cannot speak WebSocket.
func (h *Handlers) HandleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Long-lived response; lift the server write deadline for this one.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Warn("could not clear write deadline for sse", "error", err)
	}

	events, cancel := h.hub.SubscribeSSE()
	defer cancel()

	writeEvent := func(payload []byte) bool {
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if payload, err := json.Marshal(Event{
		Type:      "health",
		Timestamp: time.Now().UTC(),
		Data:      h.checker.Check(r.Context()),
	}); err == nil {
		if !writeEvent(payload) {
			return
		}
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case payload := <-events:
			if !writeEvent(payload) {
				return
			}
		}
	}
}

// HandleWebSocket upgrades the connection and registers a dashboard client.
// The first frame is a health snapshot so the client renders immediately.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)

	payload, err := json.Marshal(Event{
		Type:      "health",
		Timestamp: time.Now().UTC(),
		Data:      h.checker.Check(r.Context()),
	})
	if err != nil {
		h.logger.Error("failed to marshal initial snapshot", "error", err)
		return
	}

	select {
	case client.send <- payload:
	default:
		h.logger.Warn("failed to send initial snapshot to client")
	}
}

func limitParam(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	return n
}
