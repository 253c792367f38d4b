// ws.go implements the market data stream.
//
// A single public WebSocket feed delivers price events by token ID. The
// client owns a persistent subscription set: every (re)connect replays the
// full set in chunks of at most 100 tokens, so subscriptions survive any
// number of reconnects.
//
// Silent server failures are detected with a read deadline: if no frame
// arrives within heartbeatTimeout the socket is closed and the client
// reconnects. The close happens before the backoff sleep so the OS socket
// is never held across the wait.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"polymarket-trigger/pkg/types"
)

const (
	pingInterval     = 10 * time.Second // keep-alive PING cadence
	heartbeatTimeout = 30 * time.Second // no frame within this closes the socket
	maxReconnectWait = 60 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	subscribeChunk   = 100              // max tokens per subscribe message
	updateBufferSize = 256              // buffer for emitted price updates
)

// StreamClient maintains the market data WebSocket with auto-reconnect.
// Consumers read typed price updates from Updates(). Price events never
// carry trade size; size attribution is a separate lookup.
type StreamClient struct {
	url    string
	logger *slog.Logger

	connMu sync.Mutex // protects conn reads/writes
	conn   *websocket.Conn

	subMu      sync.RWMutex
	subscribed map[string]bool

	stateMu    sync.RWMutex
	connected  bool
	lastMsgAt  time.Time
	reconnects int

	updates chan types.PriceUpdate
}

// NewStreamClient creates a market stream client for the given URL.
func NewStreamClient(url string, logger *slog.Logger) *StreamClient {
	return &StreamClient{
		url:        url,
		logger:     logger.With("component", "stream"),
		subscribed: make(map[string]bool),
		updates:    make(chan types.PriceUpdate, updateBufferSize),
	}
}

// Updates returns the read-only channel of price updates.
func (s *StreamClient) Updates() <-chan types.PriceUpdate { return s.updates }

// Subscribe adds token IDs to the persistent subscription set and, when
// connected, sends the subscribe message in chunks. When disconnected the
// IDs are still recorded and will be replayed on the next connect.
func (s *StreamClient) Subscribe(tokenIDs []string) error {
	if len(tokenIDs) == 0 {
		return nil
	}

	s.subMu.Lock()
	added := make([]string, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		if id == "" || s.subscribed[id] {
			continue
		}
		s.subscribed[id] = true
		added = append(added, id)
	}
	s.subMu.Unlock()

	if len(added) == 0 {
		return nil
	}
	if err := s.sendSubscribe(added); err != nil {
		// Not fatal: the set is persistent and replays on reconnect.
		s.logger.Debug("subscribe deferred until reconnect", "tokens", len(added), "error", err)
	}
	return nil
}

// Unsubscribe removes token IDs from the subscription set.
func (s *StreamClient) Unsubscribe(tokenIDs []string) error {
	s.subMu.Lock()
	removed := make([]string, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		if s.subscribed[id] {
			delete(s.subscribed, id)
			removed = append(removed, id)
		}
	}
	s.subMu.Unlock()

	if len(removed) == 0 {
		return nil
	}
	return s.writeJSON(wsSubscribeMsg{AssetIDs: removed, Operation: "unsubscribe"})
}

// SubscriptionCount returns the size of the persistent subscription set.
func (s *StreamClient) SubscriptionCount() int {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	return len(s.subscribed)
}

// StreamState is a point-in-time view of the connection for health checks.
type StreamState struct {
	Connected     bool
	LastMessageAt time.Time
	Reconnects    int
	Subscriptions int
}

// State returns the current stream state.
func (s *StreamClient) State() StreamState {
	s.stateMu.RLock()
	st := StreamState{
		Connected:     s.connected,
		LastMessageAt: s.lastMsgAt,
		Reconnects:    s.reconnects,
	}
	s.stateMu.RUnlock()
	st.Subscriptions = s.SubscriptionCount()
	return st
}

// Run connects and maintains the stream until ctx is cancelled. Each
// successful connection resets the backoff to 1s.
func (s *StreamClient) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		connectedAt := time.Now()
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// connectAndRead closes the socket on all paths, so by the time we
		// sleep here the old connection is already released.
		if time.Since(connectedAt) > maxReconnectWait {
			backoff = time.Second
		}

		s.logger.Warn("stream disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

type wsSubscribeMsg struct {
	AssetIDs  []string `json:"assets_ids"`
	Type      string   `json:"type,omitempty"`
	Operation string   `json:"operation,omitempty"`
}

func (s *StreamClient) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	s.setConnected(true)

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
		s.setConnected(false)
	}()

	if err := s.replaySubscriptions(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	s.logger.Info("stream connected", "subscriptions", s.SubscriptionCount())

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(heartbeatTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		s.stateMu.Lock()
		s.lastMsgAt = time.Now()
		s.stateMu.Unlock()

		s.dispatch(msg)
	}
}

// replaySubscriptions re-sends the full subscription set in chunks of at
// most subscribeChunk tokens. Called on every (re)connect.
func (s *StreamClient) replaySubscriptions() error {
	s.subMu.RLock()
	ids := make([]string, 0, len(s.subscribed))
	for id := range s.subscribed {
		ids = append(ids, id)
	}
	s.subMu.RUnlock()

	if len(ids) == 0 {
		// Server expects an initial subscription frame even when empty.
		return s.writeJSON(wsSubscribeMsg{AssetIDs: []string{}, Type: "market"})
	}

	for start := 0; start < len(ids); start += subscribeChunk {
		end := start + subscribeChunk
		if end > len(ids) {
			end = len(ids)
		}
		if err := s.writeJSON(wsSubscribeMsg{AssetIDs: ids[start:end], Type: "market"}); err != nil {
			return err
		}
	}
	return nil
}

func (s *StreamClient) sendSubscribe(ids []string) error {
	for start := 0; start < len(ids); start += subscribeChunk {
		end := start + subscribeChunk
		if end > len(ids) {
			end = len(ids)
		}
		if err := s.writeJSON(wsSubscribeMsg{AssetIDs: ids[start:end], Operation: "subscribe"}); err != nil {
			return err
		}
	}
	return nil
}

type wsPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
}

type wsEnvelope struct {
	EventType string          `json:"event_type"`
	AssetID   string          `json:"asset_id"`
	Price     string          `json:"price"`
	Changes   []wsPriceChange `json:"changes"`
}

// dispatch routes one frame. Empty frames, PONGs, and subscription acks are
// recognized and dropped without error.
func (s *StreamClient) dispatch(data []byte) {
	if len(data) == 0 || string(data) == "PONG" {
		return
	}

	// Frames arrive both as single objects and as arrays of objects.
	if data[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(data, &batch); err != nil {
			s.logger.Debug("ignoring malformed ws frame")
			return
		}
		for _, item := range batch {
			s.dispatchOne(item)
		}
		return
	}
	s.dispatchOne(data)
}

func (s *StreamClient) dispatchOne(data []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Debug("ignoring non-json ws message")
		return
	}

	switch env.EventType {
	case "last_trade_price":
		s.emitPrice(env.AssetID, env.Price)

	case "price_change":
		for _, ch := range env.Changes {
			s.emitPrice(ch.AssetID, ch.Price)
		}

	case "":
		// Subscription ack or keep-alive. Non-fatal.

	case "book", "tick_size_change", "best_bid_ask", "new_market", "market_resolved":
		s.logger.Debug("ignoring event", "type", env.EventType)

	default:
		s.logger.Debug("unknown ws event type", "type", env.EventType)
	}
}

func (s *StreamClient) emitPrice(tokenID, price string) {
	if tokenID == "" || price == "" {
		return
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return
	}
	update := types.PriceUpdate{
		TokenID:    tokenID,
		Price:      p,
		ObservedAt: time.Now().UTC(),
	}
	select {
	case s.updates <- update:
	default:
		s.logger.Warn("update channel full, dropping event", "token_id", tokenID)
	}
}

func (s *StreamClient) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (s *StreamClient) setConnected(up bool) {
	s.stateMu.Lock()
	s.connected = up
	if up {
		s.reconnects++
		s.lastMsgAt = time.Now()
	}
	s.stateMu.Unlock()
}

func (s *StreamClient) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *StreamClient) writeMessage(msgType int, data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(msgType, data)
}
