package connection

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/athenalab/realtime/internal/model"
)

// Client represents a single WebSocket connection bound to one endpoint.
type Client interface {
	// Connect establishes the WebSocket connection and drains any buffered
	// outbound messages, in original order, before new sends proceed.
	Connect(ctx context.Context) error

	// Disconnect closes the connection. Idempotent; safe on an instance
	// that never connected.
	Disconnect() error

	// Send writes an envelope to the connection. When disconnected, or
	// when the write itself fails, the message is appended to the
	// outbound buffer and ErrNotConnected is returned for the immediate
	// attempt; the write failure itself surfaces on Errors().
	Send(msg model.Message) error

	// CheckHealth reports liveness, observed latency and throughput.
	CheckHealth() HealthStatus

	// IsConnected returns the current connection state.
	IsConnected() bool

	// Messages returns the channel of inbound envelopes. Keep-alive pongs
	// are consumed internally and never appear here.
	Messages() <-chan Inbound

	// Errors returns a channel of transport errors. An error here means
	// the connection is down and the owner should run its reconnect path.
	Errors() <-chan error

	// Done is closed when the client is deliberately disconnected.
	Done() <-chan struct{}

	// PendingOutbound returns a copy of the messages buffered while
	// disconnected, in enqueue order.
	PendingOutbound() []model.Message

	// QueueOutbound seeds the outbound buffer. The pool uses this to carry
	// unsent messages over to a replacement instance.
	QueueOutbound(msgs ...model.Message)

	// BandwidthDelta returns and resets the interval byte counters.
	BandwidthDelta(interval time.Duration) (sent, received int64)
}

// client implements the Client interface.
type client struct {
	cfg    ClientConfig
	logger *slog.Logger

	conn *websocket.Conn

	// Output channels
	messages chan Inbound
	errors   chan error
	done     chan struct{}

	// Write serialization
	writeMu sync.Mutex

	// State
	mu         sync.RWMutex
	connected  bool
	closed     bool
	lastPongAt time.Time
	latency    time.Duration
	lastRate   float64
	outbound   []model.Message

	// Interval byte counters for bandwidth accounting
	intervalSent atomic.Int64
	intervalRecv atomic.Int64
}

// NewClient creates a new socket connection for one endpoint.
func NewClient(cfg ClientConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &client{
		cfg:      cfg,
		logger:   logger,
		messages: make(chan Inbound, cfg.BufferSize),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	c.mu.Unlock()

	header := http.Header{}
	header.Set("Accept", "application/json")

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return err
	}

	// Hold the write lock through the buffered drain so a concurrent Send
	// cannot jump ahead of messages queued while disconnected.
	c.writeMu.Lock()

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.lastPongAt = time.Now()
	pending := c.outbound
	c.outbound = nil
	c.mu.Unlock()

	for i, msg := range pending {
		if err := c.write(msg); err != nil {
			// Put the unsent tail back; the owner's reconnect path retries.
			c.mu.Lock()
			c.outbound = append(pending[i:], c.outbound...)
			c.mu.Unlock()
			c.logger.Warn("outbound drain interrupted",
				"sent", i,
				"remaining", len(pending)-i,
				"error", err,
			)
			break
		}
	}
	c.writeMu.Unlock()

	go c.readLoop()
	go c.keepAliveLoop()

	c.logger.Debug("websocket connected", "url", c.cfg.URL, "drained", len(pending))

	return nil
}

// Disconnect gracefully closes the connection. Idempotent.
func (c *client) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	conn := c.conn
	c.mu.Unlock()

	close(c.done)

	if conn != nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		return conn.Close()
	}

	return nil
}

// Send writes an envelope, or buffers it when disconnected. A transport
// failure never reaches the caller: the message is re-buffered, the error
// surfaces on Errors() for the owner's reconnect path, and the immediate
// attempt returns ErrNotConnected.
func (c *client) Send(msg model.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if !c.connected {
		c.bufferLocked(msg)
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	err = c.writeFrame(data)
	c.writeMu.Unlock()
	if err == nil {
		return nil
	}

	c.logger.Warn("write failed, buffering message", "type", msg.Type, "error", err)

	c.mu.Lock()
	c.connected = false
	c.bufferLocked(msg)
	c.mu.Unlock()

	select {
	case c.errors <- err:
	default:
	}
	return ErrNotConnected
}

// bufferLocked appends to the outbound buffer, dropping the oldest entry
// at capacity. Keep-alive pings are point-in-time and never replayed.
// Caller holds c.mu.
func (c *client) bufferLocked(msg model.Message) {
	if msg.Type == model.TypePing {
		return
	}
	if c.cfg.OutboundBufferSize > 0 && len(c.outbound) >= c.cfg.OutboundBufferSize {
		c.outbound = c.outbound[1:]
	}
	c.outbound = append(c.outbound, msg)
}

// write marshals and sends one envelope. Caller holds writeMu.
func (c *client) write(msg model.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.writeFrame(data)
}

// writeFrame sends one marshaled frame. Caller holds writeMu.
func (c *client) writeFrame(data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	c.intervalSent.Add(int64(len(data)))
	return nil
}

// CheckHealth reports the connection's health snapshot.
func (c *client) CheckHealth() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return HealthStatus{
		Healthy:    c.connected && time.Since(c.lastPongAt) <= c.cfg.PingTimeout,
		Latency:    c.latency,
		Throughput: c.lastRate,
	}
}

// IsConnected returns the current connection state.
func (c *client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Messages returns the inbound envelope channel.
func (c *client) Messages() <-chan Inbound {
	return c.messages
}

// Errors returns the transport error channel.
func (c *client) Errors() <-chan error {
	return c.errors
}

// Done is closed when the client is deliberately disconnected.
func (c *client) Done() <-chan struct{} {
	return c.done
}

// PendingOutbound returns a copy of the buffered outbound messages.
func (c *client) PendingOutbound() []model.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Message, len(c.outbound))
	copy(out, c.outbound)
	return out
}

// QueueOutbound appends messages to the outbound buffer.
func (c *client) QueueOutbound(msgs ...model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outbound = append(c.outbound, msgs...)
}

// BandwidthDelta returns and resets the interval byte counters, updating
// the best-effort throughput figure reported by CheckHealth.
func (c *client) BandwidthDelta(interval time.Duration) (sent, received int64) {
	sent = c.intervalSent.Swap(0)
	received = c.intervalRecv.Swap(0)
	if interval > 0 {
		c.mu.Lock()
		c.lastRate = float64(sent+received) / interval.Seconds()
		c.mu.Unlock()
	}
	return sent, received
}

// readLoop reads frames, decodes envelopes, consumes keep-alive pongs and
// forwards everything else. It re-arms after every successful frame; a
// receive error flips state to disconnected and surfaces on Errors().
func (c *client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			// Ignore errors after Disconnect.
			select {
			case <-c.done:
				return
			default:
				select {
				case c.errors <- err:
				default:
				}
				return
			}
		}

		c.intervalRecv.Add(int64(len(data)))

		var msg model.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed frames are dropped; the connection stays up.
			c.logger.Warn("dropping undecodable frame", "error", err, "bytes", len(data))
			continue
		}

		if msg.Type == model.TypePong {
			c.observePong(msg, receivedAt)
			continue
		}

		select {
		case c.messages <- Inbound{Msg: msg, ReceivedAt: receivedAt}:
		case <-c.done:
			return
		default:
			c.logger.Warn("inbound buffer full, dropping message", "type", msg.Type)
		}
	}
}

// observePong refreshes liveness and, when the pong echoes one of our
// pings, the round-trip latency estimate.
func (c *client) observePong(msg model.Message, receivedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPongAt = receivedAt
	if sentAt, ok := model.PingSentAt(msg.Data); ok {
		c.latency = receivedAt.Sub(sentAt)
	}
}

// keepAliveLoop sends a ping on a fixed cadence and declares the
// connection stale when pongs stop arriving.
func (c *client) keepAliveLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.RLock()
			lastPong := c.lastPongAt
			c.mu.RUnlock()

			if time.Since(lastPong) > c.cfg.PingTimeout {
				c.logger.Warn("no pong received, connection stale",
					"last_pong", lastPong,
					"timeout", c.cfg.PingTimeout,
				)
				select {
				case c.errors <- ErrStaleConnection:
				default:
				}
				return
			}

			if err := c.Send(model.NewPing(c.cfg.SessionID, time.Now())); err != nil {
				c.logger.Debug("keep-alive send failed", "error", err)
			}
		}
	}
}
