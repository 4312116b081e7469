// feed.go implements the streaming tick feed over WebSocket.
//
// One connection carries ticks for every subscribed symbol. The feed
// auto-reconnects with jittered exponential backoff (100ms → 10s max) and
// re-subscribes to all tracked symbols on reconnection. A read deadline
// detects silent server failures; connectivity transitions are reported to
// the consumer so stop-loss evaluation can be suspended while down.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"strategy-runner/pkg/types"
)

const (
	feedPingInterval = 30 * time.Second
	feedReadTimeout  = 75 * time.Second // ~2 missed pings triggers reconnect
	feedWriteTimeout = 10 * time.Second

	feedBackoffMin = 100 * time.Millisecond
	feedBackoffMax = 10 * time.Second
)

// TickHandler receives every decoded tick. Called from the feed's read
// goroutine; implementations must not block.
type TickHandler func(types.Tick)

// StateHandler is notified on connect (true) and disconnect (false).
type StateHandler func(connected bool)

// tickMsg is the wire shape of one tick.
type tickMsg struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
	Price  string `json:"last_price"`
	TS     int64  `json:"timestamp"` // unix millis
}

type subscribeMsg struct {
	Action  string   `json:"action"` // "subscribe" or "unsubscribe"
	Symbols []string `json:"symbols"`
}

// WSFeed maintains the tick WebSocket for one broker endpoint.
type WSFeed struct {
	url     string
	onTick  TickHandler
	onState StateHandler
	logger  *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	// Track subscriptions for automatic re-subscribe on reconnect
	subscribedMu sync.RWMutex
	subscribed   map[string]bool
}

// NewWSFeed creates a feed. onState may be nil.
func NewWSFeed(url string, onTick TickHandler, onState StateHandler, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:        url,
		onTick:     onTick,
		onState:    onState,
		subscribed: make(map[string]bool),
		logger:     logger.With("component", "ws_feed"),
	}
}

// SubscribeTicks adds a symbol to the stream.
func (f *WSFeed) SubscribeTicks(symbol string) error {
	f.subscribedMu.Lock()
	f.subscribed[symbol] = true
	f.subscribedMu.Unlock()

	// Not connected yet: the symbol rides the initial subscription.
	if !f.isConnected() {
		return nil
	}
	return f.writeJSON(subscribeMsg{Action: "subscribe", Symbols: []string{symbol}})
}

// UnsubscribeTicks removes a symbol from the stream.
func (f *WSFeed) UnsubscribeTicks(symbol string) error {
	f.subscribedMu.Lock()
	delete(f.subscribed, symbol)
	f.subscribedMu.Unlock()

	if !f.isConnected() {
		return nil
	}
	return f.writeJSON(subscribeMsg{Action: "unsubscribe", Symbols: []string{symbol}})
}

// Run connects and maintains the connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) error {
	backoff := feedBackoffMin

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.setState(false)
		// Jitter spreads reconnect storms when many processes share a broker.
		wait := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		f.logger.Warn("feed disconnected, reconnecting", "error", err, "backoff", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		backoff *= 2
		if backoff > feedBackoffMax {
			backoff = feedBackoffMax
		}
	}
}

// Close gracefully closes the connection.
func (f *WSFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("feed connected", "url", f.url)
	f.setState(true)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if the server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *WSFeed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	symbols := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		symbols = append(symbols, s)
	}
	f.subscribedMu.RUnlock()

	if len(symbols) == 0 {
		return nil
	}
	return f.writeJSON(subscribeMsg{Action: "subscribe", Symbols: symbols})
}

func (f *WSFeed) dispatchMessage(data []byte) {
	var msg tickMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Debug("ignoring non-json feed message", "data", string(data))
		return
	}
	if msg.Type != "tick" || msg.Symbol == "" {
		f.logger.Debug("ignoring feed event", "type", msg.Type)
		return
	}

	price, err := decimal.NewFromString(msg.Price)
	if err != nil {
		f.logger.Error("bad tick price", "symbol", msg.Symbol, "price", msg.Price)
		return
	}

	at := time.UnixMilli(msg.TS)
	if msg.TS == 0 {
		at = time.Now()
	}
	f.onTick(types.Tick{Symbol: msg.Symbol, Price: price, At: at})
}

func (f *WSFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(feedPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.PingMessage, nil); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *WSFeed) isConnected() bool {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	return f.conn != nil
}

func (f *WSFeed) setState(connected bool) {
	if f.onState != nil {
		f.onState(connected)
	}
}

func (f *WSFeed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("feed not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
	return f.conn.WriteJSON(v)
}

func (f *WSFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("feed not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
	return f.conn.WriteMessage(msgType, data)
}
