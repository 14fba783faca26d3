// Package feed maintains the real-time market data connection: one WebSocket
// session with reference-counted subscriptions, automatic reconnection, and
// half-open detection.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Shmuel18/my-poly-bots/internal/domain"
	"github.com/Shmuel18/my-poly-bots/internal/platform/polymarket"
)

// ConnState is the connection lifecycle state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// TickHandler receives one price tick per inbound book snapshot. Handlers
// run on the delivery goroutine, off the transport's read path.
type TickHandler func(tick domain.PriceTick)

// Config holds the connection tuning knobs.
type Config struct {
	URL              string
	BatchSize        int           // max tokens per control frame
	HeartbeatTimeout time.Duration // max silence before forcing a reconnect
	PingInterval     time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	TickBuffer       int
}

func (c *Config) defaults() {
	if c.BatchSize <= 0 || c.BatchSize > 100 {
		c.BatchSize = 100
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.TickBuffer <= 0 {
		c.TickBuffer = 1024
	}
}

// Connection is one logical subscription channel to the market feed. It owns
// the per-token reference counts: multiple callers may Subscribe to the same
// token and the upstream subscription survives until every caller has
// unsubscribed.
type Connection struct {
	cfg    Config
	dialer Dialer
	logger *slog.Logger

	state   atomic.Int32
	lastMsg atomic.Int64 // unix nano of last inbound frame
	dropped atomic.Uint64

	mu       sync.Mutex
	refs     map[string]int
	conn     Conn
	handlers []TickHandler

	// writeMu serializes frame writes: gorilla/websocket supports only one
	// concurrent writer, and pings race subscription control frames.
	writeMu sync.Mutex

	ticks     chan domain.PriceTick
	done      chan struct{}
	closeOnce sync.Once
}

// NewConnection creates a feed connection. Run must be called to start it.
func NewConnection(cfg Config, dialer Dialer, logger *slog.Logger) *Connection {
	cfg.defaults()
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	return &Connection{
		cfg:    cfg,
		dialer: dialer,
		logger: logger.With(slog.String("component", "feed")),
		refs:   make(map[string]int),
		ticks:  make(chan domain.PriceTick, cfg.TickBuffer),
		done:   make(chan struct{}),
	}
}

// OnTick registers a tick sink. Handlers must be fast; long work belongs in
// the consumer's own goroutine.
func (c *Connection) OnTick(h TickHandler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

// State reports the current connection state.
func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

// Dropped reports how many ticks were discarded because the delivery buffer
// was full.
func (c *Connection) Dropped() uint64 {
	return c.dropped.Load()
}

// Subscribe increments reference counts for the given tokens and, when
// connected, sends subscribe frames for tokens not already referenced.
// While disconnected the tokens are queued and flushed on the next connect.
func (c *Connection) Subscribe(tokenIDs []string) error {
	c.mu.Lock()
	var fresh []string
	for _, id := range tokenIDs {
		c.refs[id]++
		if c.refs[id] == 1 {
			fresh = append(fresh, id)
		}
	}
	conn := c.conn
	c.mu.Unlock()

	if len(fresh) == 0 || conn == nil || c.State() != StateConnected {
		return nil
	}
	if err := c.sendControl(conn, "subscribe", fresh); err != nil {
		// The reconnect loop will flush the full set on the next connect.
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	return nil
}

// Unsubscribe decrements reference counts and sends unsubscribe frames only
// for tokens whose count reached zero.
func (c *Connection) Unsubscribe(tokenIDs []string) error {
	c.mu.Lock()
	var drained []string
	for _, id := range tokenIDs {
		n, ok := c.refs[id]
		if !ok {
			continue
		}
		if n <= 1 {
			delete(c.refs, id)
			drained = append(drained, id)
		} else {
			c.refs[id] = n - 1
		}
	}
	conn := c.conn
	c.mu.Unlock()

	if len(drained) == 0 || conn == nil || c.State() != StateConnected {
		return nil
	}
	if err := c.sendControl(conn, "unsubscribe", drained); err != nil {
		return fmt.Errorf("feed: unsubscribe: %w", err)
	}
	return nil
}

// Refs reports the reference count for a token. Zero means not tracked.
func (c *Connection) Refs(tokenID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs[tokenID]
}

// Run connects and keeps the session alive until ctx is cancelled or Close
// is called. Disconnects trigger exponential backoff with jitter, capped at
// BackoffMax, and every token with a live reference is re-subscribed after
// each successful connect.
func (c *Connection) Run(ctx context.Context) error {
	dispatchDone := make(chan struct{})
	go c.dispatch(dispatchDone)
	defer func() {
		close(c.ticks)
		<-dispatchDone
	}()

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			c.state.Store(int32(StateDisconnected))
			return ctx.Err()
		case <-c.done:
			c.state.Store(int32(StateDisconnected))
			return nil
		default:
		}

		c.state.Store(int32(StateConnecting))
		conn, err := c.dialer.Dial(ctx, c.cfg.URL)
		if err != nil {
			c.state.Store(int32(StateDisconnected))
			wait := c.backoff(attempt)
			attempt++
			c.logger.Warn("feed connect failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", wait),
				slog.Int("attempt", attempt),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.done:
				return nil
			case <-time.After(wait):
			}
			continue
		}
		attempt = 0

		c.mu.Lock()
		c.conn = conn
		tracked := make([]string, 0, len(c.refs))
		for id := range c.refs {
			tracked = append(tracked, id)
		}
		c.mu.Unlock()
		c.state.Store(int32(StateConnected))
		c.lastMsg.Store(time.Now().UnixNano())
		c.logger.Info("feed connected", slog.Int("tokens", len(tracked)))

		if err := c.sendControl(conn, "subscribe", tracked); err != nil {
			c.logger.Warn("feed resubscribe failed", slog.String("error", err.Error()))
			c.teardown(conn)
			continue
		}

		err = c.readLoop(ctx, conn)
		c.teardown(conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-c.done:
			return nil
		default:
		}
		c.logger.Warn("feed disconnected, reconnecting",
			slog.String("error", fmt.Sprintf("%v: %v", domain.ErrWSDisconnect, err)))
	}
}

// Close shuts the connection down permanently.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	})
}

func (c *Connection) teardown(conn Conn) {
	c.state.Store(int32(StateDisconnected))
	conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

// readLoop reads frames until error. The read deadline doubles as the
// heartbeat: a silent half-open connection trips it and forces a reconnect.
func (c *Connection) readLoop(ctx context.Context, conn Conn) error {
	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go c.pingLoop(pingCtx, conn)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout)); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.lastMsg.Store(time.Now().UnixNano())
		c.handleFrame(data)
	}
}

func (c *Connection) pingLoop(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, []byte("PING"))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// handleFrame parses one inbound frame and enqueues its tick. A full buffer
// drops the tick and bumps the counter rather than stalling the read loop.
func (c *Connection) handleFrame(data []byte) {
	if string(data) == "PONG" {
		return
	}
	// Frames arrive both as single objects and as arrays of objects.
	var msgs []polymarket.BookMessage
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &msgs); err != nil {
			c.logger.Debug("feed frame unparseable", slog.Int("len", len(data)))
			return
		}
	} else {
		var msg polymarket.BookMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("feed frame unparseable", slog.Int("len", len(data)))
			return
		}
		msgs = append(msgs, msg)
	}

	for i := range msgs {
		if msgs[i].EventType != "book" || msgs[i].AssetID == "" {
			continue
		}
		tick := msgs[i].ToTick()
		select {
		case c.ticks <- tick:
		default:
			c.dropped.Add(1)
		}
	}
}

// dispatch delivers ticks to registered handlers, in arrival order.
func (c *Connection) dispatch(done chan<- struct{}) {
	defer close(done)
	for tick := range c.ticks {
		c.mu.Lock()
		handlers := c.handlers
		c.mu.Unlock()
		for _, h := range handlers {
			h(tick)
		}
	}
}

func (c *Connection) sendControl(conn Conn, action string, tokenIDs []string) error {
	for start := 0; start < len(tokenIDs); start += c.cfg.BatchSize {
		end := min(start+c.cfg.BatchSize, len(tokenIDs))
		cmd := polymarket.WSCommand{
			Type:     "market",
			AssetIDs: tokenIDs[start:end],
			Action:   action,
		}
		c.writeMu.Lock()
		err := conn.WriteJSON(cmd)
		c.writeMu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) backoff(attempt int) time.Duration {
	wait := c.cfg.BackoffBase << attempt
	if wait > c.cfg.BackoffMax || wait <= 0 {
		wait = c.cfg.BackoffMax
	}
	// Up to 25% jitter so reconnecting clients do not stampede.
	jitter := time.Duration(rand.Int63n(int64(wait)/4 + 1))
	return wait + jitter
}
