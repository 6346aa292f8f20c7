// Package realtime maintains the duplex event channel to the inventory backend.
//
// The channel owns one websocket connection at a time. It heartbeats the
// server, dispatches inbound events to typed subscribers, and reconnects with
// exponential backoff when the connection drops. After the attempt budget is
// exhausted it stays down until Reconnect is called.
package realtime

import (
	"context"
	"io"
	"log"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/patricksmith/highline-capture/internal/conf"
	"github.com/patricksmith/highline-capture/internal/errors"
	"github.com/patricksmith/highline-capture/internal/logging"
	"github.com/patricksmith/highline-capture/internal/observability/metrics"
)

var serviceLogger *slog.Logger

func init() {
	var err error
	logFilePath := filepath.Join("logs", "realtime.log")
	serviceLogger, _, err = logging.NewFileLogger(logFilePath, "realtime", slog.LevelDebug)
	if err != nil {
		log.Printf("Failed to initialize realtime file logger at %s: %v", logFilePath, err)
		serviceLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
}

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Channel is the duplex event channel.
type Channel struct {
	settings *conf.Settings
	metrics  *metrics.ChannelMetrics
	dialer   *websocket.Dialer

	state atomic.Int32

	// writeMu serializes all writes to the connection, control frames included.
	writeMu sync.Mutex
	connMu  sync.Mutex
	conn    *websocket.Conn

	subMu       sync.RWMutex
	subscribers map[string]map[int]Handler
	nextSubID   int

	reconnectMu       sync.Mutex
	reconnectAttempts int
	reconnectTimer    *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewChannel creates a channel for the configured backend. It does not connect.
func NewChannel(settings *conf.Settings, channelMetrics *metrics.ChannelMetrics) *Channel {
	return &Channel{
		settings:    settings,
		metrics:     channelMetrics,
		dialer:      &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		subscribers: make(map[string]map[int]Handler),
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	return State(c.state.Load())
}

// IsConnected reports whether the channel currently has a live connection.
func (c *Channel) IsConnected() bool {
	return c.State() == StateConnected
}

// Start connects to the backend and begins serving events. A failed initial
// dial is handled like a drop: the reconnect schedule takes over. Start
// returns once the first connection attempt has resolved either way.
func (c *Channel) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	if err := c.connect(); err != nil {
		c.scheduleReconnect()
		return err
	}
	return nil
}

// Subscribe registers a handler for one event type. The returned function
// removes the subscription; calling it more than once is harmless.
func (c *Channel) Subscribe(eventType string, handler Handler) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := c.nextSubID
	c.nextSubID++
	if c.subscribers[eventType] == nil {
		c.subscribers[eventType] = make(map[int]Handler)
	}
	c.subscribers[eventType][id] = handler

	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subscribers[eventType], id)
	}
}

// Publish sends an event to the backend. It fails immediately when the channel
// is not connected; callers decide whether the event is worth queueing.
func (c *Channel) Publish(env Envelope) error {
	if c.State() != StateConnected {
		return errors.Newf("channel is %s, cannot publish", c.State()).
			Component("realtime").
			Category(errors.CategoryChannel).
			Context("event_type", env.Type).
			Build()
	}

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return errors.Newf("no active connection").
			Component("realtime").
			Category(errors.CategoryChannel).
			Build()
	}

	c.writeMu.Lock()
	err := conn.WriteJSON(env)
	c.writeMu.Unlock()
	if err != nil {
		return errors.New(err).
			Component("realtime").
			Category(errors.CategoryChannel).
			Context("event_type", env.Type).
			Build()
	}
	if c.metrics != nil {
		c.metrics.IncrementMessagesPublished()
	}
	return nil
}

// Reconnect resets the attempt budget and dials again. It is the manual
// recovery path after the automatic schedule has given up, and a no-op while
// a connection is already live.
func (c *Channel) Reconnect() error {
	if c.State() == StateConnected || c.State() == StateClosing {
		return nil
	}
	c.reconnectMu.Lock()
	c.reconnectAttempts = 0
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.reconnectMu.Unlock()

	if err := c.connect(); err != nil {
		c.scheduleReconnect()
		return err
	}
	return nil
}

// Disconnect closes the channel for good. No reconnect is scheduled.
func (c *Channel) Disconnect() {
	c.state.Store(int32(StateClosing))

	c.reconnectMu.Lock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.reconnectMu.Unlock()

	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	c.state.Store(int32(StateDisconnected))
	if c.metrics != nil {
		c.metrics.UpdateConnectionStatus(false)
	}
	c.dispatch(NewEnvelope(EventConnectionClosed, map[string]any{
		"code":   websocket.CloseNormalClosure,
		"reason": "client disconnect",
	}, ""))
	serviceLogger.Info("Channel closed")
}

func (c *Channel) connect() error {
	if c.ctx == nil {
		c.ctx, c.cancel = context.WithCancel(context.Background())
	}
	c.state.Store(int32(StateConnecting))

	wsURL := c.settings.Server.WebsocketURL()
	serviceLogger.Debug("Dialing backend", "url", wsURL)

	conn, _, err := c.dialer.DialContext(c.ctx, wsURL, nil)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		if c.metrics != nil {
			c.metrics.IncrementErrors()
		}
		return errors.New(err).
			Component("realtime").
			Category(errors.CategoryChannel).
			Context("url", wsURL).
			Build()
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.reconnectMu.Lock()
	c.reconnectAttempts = 0
	c.reconnectMu.Unlock()

	c.state.Store(int32(StateConnected))
	if c.metrics != nil {
		c.metrics.UpdateConnectionStatus(true)
	}
	c.dispatch(NewEnvelope(EventConnectionOpened, map[string]any{"url": wsURL}, ""))
	serviceLogger.Info("Channel connected", "url", wsURL)

	heartbeat := c.settings.Realtime.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	// Missing two heartbeats in a row counts as a dead connection.
	readDeadline := 2*heartbeat + 5*time.Second
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	c.wg.Add(2)
	go c.readLoop(conn)
	go c.heartbeatLoop(conn, heartbeat)
	return nil
}

// readLoop consumes inbound envelopes until the connection fails or closes.
func (c *Channel) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if c.State() == StateClosing || c.ctx.Err() != nil {
				return
			}
			serviceLogger.Warn("Connection lost", "error", err)
			c.handleDrop(conn, err)
			return
		}
		// Deadline refresh: data frames prove liveness as well as pongs do.
		_ = conn.SetReadDeadline(time.Now().Add(2*c.heartbeatInterval() + 5*time.Second))
		if c.metrics != nil {
			c.metrics.IncrementMessagesReceived()
		}
		c.dispatch(env)
	}
}

func (c *Channel) heartbeatInterval() time.Duration {
	if c.settings.Realtime.HeartbeatInterval > 0 {
		return c.settings.Realtime.HeartbeatInterval
	}
	return 30 * time.Second
}

func (c *Channel) heartbeatLoop(conn *websocket.Conn, interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.State() != StateConnected {
				return
			}
			// The heartbeat is an application-level envelope, not a websocket
			// control frame; the backend answers in kind and the reply
			// refreshes the read deadline like any other data frame.
			c.writeMu.Lock()
			err := conn.WriteJSON(NewEnvelope(EventPing, nil, ""))
			c.writeMu.Unlock()
			if err != nil {
				serviceLogger.Warn("Heartbeat failed", "error", err)
				return
			}
		}
	}
}

// handleDrop transitions out of the connected state after a read failure and
// hands control to the reconnect schedule.
func (c *Channel) handleDrop(conn *websocket.Conn, readErr error) {
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()
	_ = conn.Close()

	c.state.Store(int32(StateDisconnected))
	if c.metrics != nil {
		c.metrics.UpdateConnectionStatus(false)
		c.metrics.IncrementErrors()
	}

	code := websocket.CloseAbnormalClosure
	reason := ""
	var closeErr *websocket.CloseError
	if errors.As(readErr, &closeErr) {
		code = closeErr.Code
		reason = closeErr.Text
	} else if readErr != nil {
		reason = readErr.Error()
	}
	c.dispatch(NewEnvelope(EventConnectionClosed, map[string]any{
		"code":   code,
		"reason": reason,
	}, ""))

	c.scheduleReconnect()
}

// scheduleReconnect arms the next reconnect attempt. The delay doubles per
// attempt from the base, capped at the configured maximum. Once the attempt
// budget is spent the channel stays disconnected until Reconnect.
func (c *Channel) scheduleReconnect() {
	if c.State() == StateClosing || c.ctx == nil || c.ctx.Err() != nil {
		return
	}

	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	maxAttempts := c.settings.Realtime.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	c.reconnectAttempts++
	attempt := c.reconnectAttempts
	if attempt > maxAttempts {
		serviceLogger.Error("Reconnect attempts exhausted, staying offline",
			"attempts", maxAttempts)
		return
	}

	base := c.settings.Realtime.ReconnectBaseDelay
	if base <= 0 {
		base = 2 * time.Second
	}
	maxDelay := c.settings.Realtime.ReconnectMaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	delay := base << (attempt - 1)
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}

	if c.metrics != nil {
		c.metrics.IncrementReconnectAttempts()
	}
	serviceLogger.Info("Scheduling reconnect", "attempt", attempt, "delay", delay)

	c.reconnectTimer = time.AfterFunc(delay, func() {
		if c.State() == StateClosing || c.ctx.Err() != nil || c.State() == StateConnected {
			return
		}
		if err := c.connect(); err != nil {
			serviceLogger.Warn("Reconnect attempt failed", "attempt", attempt, "error", err)
			c.scheduleReconnect()
		}
	})
}

// dispatch fans an envelope out to its subscribers, then emits the derived
// events that follow from it. A panicking handler is isolated so it cannot
// take down the read loop or starve other subscribers.
func (c *Channel) dispatch(env Envelope) {
	c.dispatchTo(env.Type, env)
	for _, derivedType := range derivedEvents[env.Type] {
		derived := env
		derived.Type = derivedType
		c.dispatchTo(derivedType, derived)
	}
}

func (c *Channel) dispatchTo(eventType string, env Envelope) {
	c.subMu.RLock()
	handlers := make([]Handler, 0, len(c.subscribers[eventType]))
	for _, h := range c.subscribers[eventType] {
		handlers = append(handlers, h)
	}
	c.subMu.RUnlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					serviceLogger.Error("Event handler panicked",
						"event_type", eventType, "panic", r)
				}
			}()
			handler(env)
		}()
	}
}
