package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/flex3r/dankchat-realtime/internal/auth"
	"github.com/flex3r/dankchat-realtime/internal/backoff"
	"github.com/flex3r/dankchat-realtime/internal/constants"
	"github.com/flex3r/dankchat-realtime/internal/logger"
	"github.com/flex3r/dankchat-realtime/internal/model"
)

var (
	errKeepaliveTimeout = errors.New("keepalive timeout: no PONG before next probe")
	errServerReconnect  = errors.New("server requested reconnect")
	errConnClosed       = errors.New("connection closed")
)

// ConnEvent is emitted from a Connection to its owner. Exactly one of the
// payload fields is set per event.
type ConnEvent struct {
	Conn int

	// State is non-nil on a state transition.
	State *model.ConnectionState
	// Frame is non-nil when an inbound frame was decoded.
	Frame Inbound
	// Diag is non-empty for diagnostics worth surfacing to the user.
	Diag string
}

// DialFunc opens a WebSocket to the given URL. Replaceable in tests.
type DialFunc func(ctx context.Context, url string) (*websocket.Conn, error)

func defaultDial(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(128 << 10) // 128 KB
	return conn, nil
}

// Connection owns one WebSocket to the PubSub server, a bounded set of
// assigned topics, a keepalive timer, and the reconnect state machine.
// It reports back to its owner only through the Events channel.
type Connection struct {
	mu sync.Mutex

	id     int
	url    string
	auth   auth.Provider
	log    *logger.Logger
	policy backoff.Policy
	dial   DialFunc

	pingInterval time.Duration

	topics       []model.Topic
	phase        model.Phase
	running      bool
	closed       bool
	awaitingPong bool

	writeCh chan []byte // nil while not serving a socket
	conn    *websocket.Conn

	forceReconnect chan struct{}
	events         chan ConnEvent
	done           chan struct{} // closed on Close
}

// NewConnection creates a Connection. It does not dial; call Connect.
func NewConnection(id int, url string, authProvider auth.Provider, log *logger.Logger) *Connection {
	return &Connection{
		id:             id,
		url:            url,
		auth:           authProvider,
		log:            log,
		policy:         backoff.Default(),
		dial:           defaultDial,
		pingInterval:   constants.PingInterval,
		topics:         make([]model.Topic, 0, constants.MaxTopicsPerConnection),
		forceReconnect: make(chan struct{}, 1),
		events:         make(chan ConnEvent, 32),
		done:           make(chan struct{}),
	}
}

// Events returns the channel on which state transitions, decoded frames,
// and diagnostics are delivered.
func (c *Connection) Events() <-chan ConnEvent {
	return c.events
}

// Done returns a channel closed when the connection is shut down for good,
// so consumers of Events can stop with it.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the connection's index within its pool.
func (c *Connection) ID() int { return c.id }

// Connect starts the connection's run loop. It is idempotent: calling it
// while already connecting or connected is a no-op, so no duplicate sockets
// can be created. The context bounds the whole lifetime of the loop.
func (c *Connection) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.closed || c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	go c.run(ctx)
}

// Reconnect forces the connection through its reconnect path, resetting the
// attempt counter. It recovers a Failed connection and restarts a live one.
func (c *Connection) Reconnect(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if !c.running {
		c.running = true
		c.mu.Unlock()
		go c.run(ctx)
		return
	}
	conn := c.conn
	c.mu.Unlock()

	select {
	case c.forceReconnect <- struct{}{}:
	default:
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "reconnect requested")
	}
}

// AddTopics assigns as many of the given topics as fit under the
// per-connection cap, sends a LISTEN for the accepted subset, and returns
// the leftover for the caller to place elsewhere.
func (c *Connection) AddTopics(topics []model.Topic) []model.Topic {
	c.mu.Lock()
	defer c.mu.Unlock()

	var accepted, leftover []model.Topic
	for _, topic := range topics {
		if c.hasTopicLocked(topic) {
			continue
		}
		if len(c.topics) >= constants.MaxTopicsPerConnection {
			leftover = append(leftover, topic)
			continue
		}
		c.topics = append(c.topics, topic)
		accepted = append(accepted, topic)
	}

	if len(accepted) > 0 && c.phase == model.Connected {
		if err := c.sendListenLocked(TypeListen, accepted); err != nil {
			c.log.Error("Failed to send LISTEN", "conn", c.id, "error", err)
		}
	}
	return leftover
}

// RemoveTopics unassigns the intersection of the given topics and sends an
// UNLISTEN for it. Removal always succeeds locally; the wire message is
// best-effort.
func (c *Connection) RemoveTopics(topics []model.Topic) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed []model.Topic
	for _, topic := range topics {
		for i, t := range c.topics {
			if t == topic {
				c.topics = append(c.topics[:i], c.topics[i+1:]...)
				removed = append(removed, topic)
				break
			}
		}
	}

	if len(removed) > 0 && c.phase == model.Connected {
		if err := c.sendListenLocked(TypeUnlisten, removed); err != nil {
			c.log.Debug("Failed to send UNLISTEN", "conn", c.id, "error", err)
		}
	}
}

// Topics returns a copy of the currently assigned topics.
func (c *Connection) Topics() []model.Topic {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Topic, len(c.topics))
	copy(out, c.topics)
	return out
}

// TopicCount returns the number of assigned topics.
func (c *Connection) TopicCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.topics)
}

// HasCapacity reports whether the connection can accept more topics.
func (c *Connection) HasCapacity() bool {
	return c.TopicCount() < constants.MaxTopicsPerConnection
}

// State returns the externally visible connection state.
func (c *Connection) State() model.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return model.ConnectionState{Phase: c.phase}
}

// Close shuts the connection down for good: the socket is closed, the
// keepalive timer stops with the run loop, and no reconnect follows.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "closing")
	}
}

func (c *Connection) run(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.running = false
		closed := c.closed
		c.mu.Unlock()

		if closed || ctx.Err() != nil {
			return
		}
		// A Reconnect that raced this exit parked its request in
		// forceReconnect with nobody left to consume it; honor it now.
		select {
		case <-c.forceReconnect:
			c.Reconnect(ctx)
		default:
		}
	}()

	var failures uint
	for {
		if ctx.Err() != nil || c.isClosed() {
			c.setPhase(ctx, model.Disconnected)
			return
		}

		c.setPhase(ctx, model.Connecting)
		conn, err := c.dial(ctx, c.url)
		if err != nil {
			if ctx.Err() != nil || c.isClosed() {
				c.setPhase(ctx, model.Disconnected)
				return
			}

			failures++
			if failures >= c.policy.MaxAttempts {
				c.log.Error("Giving up after repeated connect failures",
					"conn", c.id, "attempts", failures, "error", err)
				c.setPhase(ctx, model.Failed)
				return
			}

			delay := c.policy.Next(failures)
			c.log.Warn("PubSub connect failed, retrying",
				"conn", c.id, "attempt", failures, "backoff", delay.Round(time.Millisecond), "error", err)
			if !c.sleep(ctx, delay) {
				c.setPhase(ctx, model.Disconnected)
				return
			}
			continue
		}

		failures = 0
		c.setPhase(ctx, model.Connected)

		reason := c.serve(ctx, conn)
		switch {
		case ctx.Err() != nil || c.isClosed():
			c.setPhase(ctx, model.Disconnected)
			return
		case errors.Is(reason, errServerReconnect):
			// Reconnect to the same endpoint right away; the server is
			// shedding the socket, not punishing the client.
			c.log.Info("Reconnection requested by server", "conn", c.id)
			continue
		default:
			c.setPhase(ctx, model.Connecting)
			delay := c.policy.Next(1)
			c.log.Warn("PubSub connection lost, reconnecting",
				"conn", c.id, "backoff", delay.Round(time.Millisecond), "error", reason)
			c.emit(ctx, ConnEvent{Conn: c.id, Diag: fmt.Sprintf("connection %d lost, reconnecting", c.id)})
			if !c.sleep(ctx, delay) {
				c.setPhase(ctx, model.Disconnected)
				return
			}
		}
	}
}

// serve drives one open socket until it dies and returns the reason.
func (c *Connection) serve(ctx context.Context, conn *websocket.Conn) error {
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	writeCh := make(chan []byte, 64)

	c.mu.Lock()
	c.conn = conn
	c.writeCh = writeCh
	c.awaitingPong = false
	topics := make([]model.Topic, len(c.topics))
	copy(topics, c.topics)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.writeCh = nil
		c.mu.Unlock()
		conn.Close(websocket.StatusInternalError, "serve done")
	}()

	go c.writeLoop(serveCtx, conn, writeCh)

	if len(topics) > 0 {
		c.mu.Lock()
		err := c.sendListenLocked(TypeListen, topics)
		c.mu.Unlock()
		if err != nil {
			return fmt.Errorf("initial LISTEN: %w", err)
		}
	}

	forced := make(chan error, 1)
	go c.pingLoop(serveCtx, conn, forced)

	readErr := c.readLoop(serveCtx, conn)

	select {
	case err := <-forced:
		return err
	default:
	}
	select {
	case <-c.forceReconnect:
		return errServerReconnect
	default:
	}
	if c.isClosed() {
		return errConnClosed
	}
	return readErr
}

func (c *Connection) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read error on conn #%d: %w", c.id, err)
		}

		frame, err := Decode(raw)
		if err != nil {
			if errors.Is(err, ErrUnhandledType) {
				c.log.Debug("Skipping unhandled frame", "conn", c.id, "error", err)
				continue
			}
			// A malformed frame never tears down the connection.
			c.log.Error("Failed to decode frame", "conn", c.id, "error", err)
			c.emit(ctx, ConnEvent{Conn: c.id, Diag: "dropped one malformed message"})
			continue
		}

		if done := c.handleFrame(ctx, conn, frame); done {
			return errServerReconnect
		}
	}
}

// handleFrame reacts to a decoded frame; it returns true when the server
// asked for a reconnect and the socket should be abandoned.
func (c *Connection) handleFrame(ctx context.Context, conn *websocket.Conn, frame Inbound) bool {
	switch f := frame.(type) {
	case Pong:
		c.mu.Lock()
		c.awaitingPong = false
		c.mu.Unlock()
		return false

	case ReconnectRequest:
		select {
		case c.forceReconnect <- struct{}{}:
		default:
		}
		conn.Close(websocket.StatusNormalClosure, "server reconnect")
		return true

	case Ack:
		if f.Error != "" {
			c.log.Error("PubSub LISTEN error", "conn", c.id, "error", f.Error, "nonce", f.Nonce)
			c.emit(ctx, ConnEvent{Conn: c.id, Diag: fmt.Sprintf("subscription rejected: %s", f.Error)})
		}
		return false

	case TopicEvent:
		c.emit(ctx, ConnEvent{Conn: c.id, Frame: f})
		return false

	default:
		return false
	}
}

func (c *Connection) writeLoop(ctx context.Context, conn *websocket.Conn, writeCh <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-writeCh:
			if !ok {
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				c.log.Error("WebSocket write error", "conn", c.id, "error", err)
			}
		}
	}
}

// pingLoop sends a PING on a jittered interval. If the previous probe is
// still unanswered when the next tick fires, the socket is treated as dead
// and closed so the run loop reconnects.
func (c *Connection) pingLoop(ctx context.Context, conn *websocket.Conn, forced chan<- error) {
	c.sendPing()

	for {
		interval := c.pingInterval + time.Duration(rand.Int63n(int64(constants.PingJitter)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		c.mu.Lock()
		waiting := c.awaitingPong
		c.mu.Unlock()

		if waiting {
			c.log.Warn("No PONG before next probe, dropping socket", "conn", c.id)
			select {
			case forced <- errKeepaliveTimeout:
			default:
			}
			conn.Close(websocket.StatusPolicyViolation, "keepalive timeout")
			return
		}

		c.sendPing()
	}
}

func (c *Connection) sendPing() {
	data, err := json.Marshal(Request{Type: TypePing})
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeCh == nil {
		return
	}
	select {
	case c.writeCh <- data:
		c.awaitingPong = true
		c.log.Debug("Sent PING", "conn", c.id)
	default:
		c.log.Warn("Write channel full, dropping PING", "conn", c.id)
	}
}

// sendListenLocked sends a LISTEN or UNLISTEN for the given topics.
// Callers must hold c.mu.
func (c *Connection) sendListenLocked(reqType string, topics []model.Topic) error {
	keys := make([]string, 0, len(topics))
	for _, topic := range topics {
		keys = append(keys, topic.WireKey())
	}

	req := Request{
		Type:  reqType,
		Nonce: uuid.NewString(),
		Data: &RequestData{
			Topics:    keys,
			AuthToken: c.auth.AuthToken(),
		},
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling %s request: %w", reqType, err)
	}

	if c.writeCh == nil {
		// Not serving a socket; topics replay on the next connect.
		return nil
	}
	select {
	case c.writeCh <- data:
		c.log.Debug("Sent topic request", "conn", c.id, "type", reqType, "count", len(keys))
		return nil
	default:
		return fmt.Errorf("write channel full on conn #%d", c.id)
	}
}

func (c *Connection) setPhase(ctx context.Context, phase model.Phase) {
	c.mu.Lock()
	if c.phase == phase {
		c.mu.Unlock()
		return
	}
	c.phase = phase
	c.mu.Unlock()

	state := model.ConnectionState{Phase: phase}
	c.emit(ctx, ConnEvent{Conn: c.id, State: &state})
}

func (c *Connection) emit(ctx context.Context, ev ConnEvent) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func (c *Connection) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.forceReconnect:
		return true
	case <-time.After(d):
		return true
	}
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) hasTopicLocked(topic model.Topic) bool {
	for _, t := range c.topics {
		if t == topic {
			return true
		}
	}
	return false
}
