package eventsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/flex3r/dankchat-realtime/internal/backoff"
	"github.com/flex3r/dankchat-realtime/internal/constants"
	"github.com/flex3r/dankchat-realtime/internal/logger"
	"github.com/flex3r/dankchat-realtime/internal/model"
)

// keepaliveGrace is added to the provider-specified keepalive timeout
// before a silent socket is declared dead.
const keepaliveGrace = 3 * time.Second

var errSuperseded = errors.New("socket superseded by a newer session")

// SessionEvent is emitted from a Session to its owner. Exactly one of the
// payload fields is set per event.
type SessionEvent struct {
	// State is non-nil on a state transition.
	State *model.ConnectionState
	// Msg is non-nil for notifications and revocations.
	Msg Inbound
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
	conn.SetReadLimit(128 << 10)
	return conn, nil
}

// Session maintains the EventSub WebSocket session. Unlike PubSub shards,
// the session is 1:1 with the whole engine: subscriptions are attached to
// the session id via REST, not sharded per socket.
//
// A server-issued reconnect notice is handled with a dual-socket overlap:
// the new endpoint is dialed while the old socket stays alive, and only
// once the new socket's welcome arrives is the old one closed. Socket
// lineages are tracked by generation so a late closure of a superseded
// socket never downgrades the published state.
type Session struct {
	mu sync.Mutex

	baseURL string
	log     *logger.Logger
	policy  backoff.Policy
	dial    DialFunc

	state      model.ConnectionState
	gen        uint64 // generation allocator
	activeGen  uint64 // generation owning the published state
	activeConn *websocket.Conn
	loops      int
	closed     bool

	ready       chan struct{} // closed while a session id is live
	readyClosed bool

	events chan SessionEvent
}

// NewSession creates a Session against the given endpoint, normally
// constants.EventSubURL. It does not dial; call Connect.
func NewSession(url string, log *logger.Logger) *Session {
	return &Session{
		baseURL: url,
		log:     log,
		policy:  backoff.Default(),
		dial:    defaultDial,
		ready:   make(chan struct{}),
		events:  make(chan SessionEvent, 32),
	}
}

// Events returns the channel on which state transitions, notifications,
// revocations, and diagnostics are delivered.
func (s *Session) Events() <-chan SessionEvent {
	return s.events
}

// State returns the externally visible session state.
func (s *Session) State() model.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect starts the session's run loop. Idempotent while a loop is live.
func (s *Session) Connect(ctx context.Context) {
	s.mu.Lock()
	if s.closed || s.loops > 0 {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	s.activeGen = gen
	s.loops++
	s.mu.Unlock()

	go s.runLoop(ctx, gen, s.baseURL)
}

// Reconnect forces the session through its reconnect path. It recovers a
// Failed session and restarts a live one.
func (s *Session) Reconnect(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.loops == 0 {
		s.gen++
		gen := s.gen
		s.activeGen = gen
		s.loops++
		s.mu.Unlock()
		go s.runLoop(ctx, gen, s.baseURL)
		return
	}
	conn := s.activeConn
	s.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "reconnect requested")
	}
}

// Close shuts the session down for good.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.activeConn
	s.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "closing")
	}
}

// AwaitSession blocks until a session id is live or the context expires.
// Callers bound the wait with their own timeout; an expired wait aborts the
// subscribe attempt and the topic stays merely wanted.
func (s *Session) AwaitSession(ctx context.Context) (string, error) {
	for {
		s.mu.Lock()
		if s.state.IsConnected() && s.state.SessionID != "" {
			id := s.state.SessionID
			s.mu.Unlock()
			return id, nil
		}
		ready := s.ready
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ready:
		}
	}
}

// runLoop owns one socket lineage: dialing, the keepalive watchdog, and
// backoff reconnection, until the lineage is superseded or torn down.
func (s *Session) runLoop(ctx context.Context, gen uint64, firstURL string) {
	defer func() {
		s.mu.Lock()
		s.loops--
		s.mu.Unlock()
	}()

	url := firstURL
	var failures uint
	for {
		if ctx.Err() != nil || s.isClosed() {
			s.publish(ctx, gen, model.ConnectionState{Phase: model.Disconnected})
			return
		}

		s.publish(ctx, gen, model.ConnectionState{Phase: model.Connecting})
		conn, err := s.dial(ctx, url)
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				s.publish(ctx, gen, model.ConnectionState{Phase: model.Disconnected})
				return
			}
			if s.isSuperseded(gen) {
				// A newer lineage took over while this one was still
				// dialing; let it win.
				return
			}

			failures++
			if failures >= s.policy.MaxAttempts {
				s.log.Error("Giving up on EventSub after repeated connect failures",
					"attempts", failures, "error", err)
				s.publish(ctx, gen, model.ConnectionState{Phase: model.Failed})
				return
			}

			delay := s.policy.Next(failures)
			s.log.Warn("EventSub connect failed, retrying",
				"attempt", failures, "backoff", delay.Round(time.Millisecond), "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			// A failed reconnect_url dial falls back to the main
			// endpoint on the next attempt.
			url = s.baseURL
			continue
		}

		failures = 0
		reason := s.serve(ctx, gen, conn)
		conn.Close(websocket.StatusInternalError, "serve done")

		switch {
		case ctx.Err() != nil || s.isClosed():
			s.publish(ctx, gen, model.ConnectionState{Phase: model.Disconnected})
			return
		case errors.Is(reason, errSuperseded) || s.isSuperseded(gen):
			// Stale-session discard: a reconnect handoff already moved
			// the published state to a newer session id. The closure is
			// logged and otherwise ignored.
			s.log.Info("Stale EventSub socket closed, ignoring", "error", reason)
			return
		default:
			s.publish(ctx, gen, model.ConnectionState{Phase: model.Connecting})
			delay := s.policy.Next(1)
			s.log.Warn("EventSub connection lost, reconnecting",
				"backoff", delay.Round(time.Millisecond), "error", reason)
			s.emit(ctx, SessionEvent{Diag: "event subscription connection lost, reconnecting"})
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			// The reconnect_url is single-use; later dials go back to
			// the main endpoint.
			url = s.baseURL
		}
	}
}

// serve reads one socket until it dies and returns the reason. Every read
// carries a watchdog deadline: before the welcome it is the handshake
// bound, afterwards the provider-specified keepalive timeout plus grace.
func (s *Session) serve(ctx context.Context, gen uint64, conn *websocket.Conn) error {
	deadline := constants.HandshakeTimeout

	for {
		readCtx, cancel := context.WithTimeout(ctx, deadline)
		_, raw, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if readCtx.Err() != nil && errors.Is(readCtx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("keepalive timeout: no message within %v", deadline)
			}
			return fmt.Errorf("read error: %w", err)
		}

		msg, err := Decode(raw)
		if err != nil {
			if errors.Is(err, ErrUnhandledType) {
				s.log.Debug("Skipping unhandled EventSub message", "error", err)
				continue
			}
			s.log.Error("Failed to decode EventSub message", "error", err)
			s.emit(ctx, SessionEvent{Diag: "dropped one malformed message"})
			continue
		}

		switch m := msg.(type) {
		case Welcome:
			if !s.activate(gen, conn) {
				return errSuperseded
			}
			deadline = m.KeepaliveTimeout + keepaliveGrace
			s.log.Info("EventSub session established",
				"session", m.SessionID, "keepalive", m.KeepaliveTimeout)
			s.publish(ctx, gen, model.ConnectionState{Phase: model.Connected, SessionID: m.SessionID})

		case Keepalive:
			// Any message resets the watchdog via the per-read deadline.

		case ReconnectNotice:
			s.log.Info("EventSub reconnect requested", "url", m.ReconnectURL)
			s.startHandoff(ctx, m.ReconnectURL)

		case Notification:
			s.emit(ctx, SessionEvent{Msg: m})

		case Revocation:
			s.emit(ctx, SessionEvent{Msg: m})
		}
	}
}

// startHandoff dials the alternate endpoint on a fresh lineage while this
// socket stays alive, avoiding an event gap between old and new sessions.
func (s *Session) startHandoff(ctx context.Context, url string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	s.loops++
	s.mu.Unlock()

	go s.runLoop(ctx, gen, url)
}

// activate makes this socket the session's active one. The previous socket
// is closed only now, after the new session is fully established. The state
// transition itself is left to the publish that follows, so the Connected
// event always reaches the Events channel.
func (s *Session) activate(gen uint64, conn *websocket.Conn) bool {
	s.mu.Lock()
	if s.closed || gen < s.activeGen {
		s.mu.Unlock()
		return false
	}
	old := s.activeConn
	s.activeGen = gen
	s.activeConn = conn
	s.mu.Unlock()

	if old != nil && old != conn {
		old.Close(websocket.StatusNormalClosure, "superseded")
	}
	return true
}

// publish updates the externally visible state, but only for the lineage
// currently owning it, and emits the transition.
func (s *Session) publish(ctx context.Context, gen uint64, state model.ConnectionState) {
	s.mu.Lock()
	if gen != s.activeGen || s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	if state.IsConnected() && state.SessionID != "" {
		if !s.readyClosed {
			close(s.ready)
			s.readyClosed = true
		}
	} else if s.readyClosed {
		s.ready = make(chan struct{})
		s.readyClosed = false
	}
	s.mu.Unlock()

	s.emit(ctx, SessionEvent{State: &state})
}

func (s *Session) emit(ctx context.Context, ev SessionEvent) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

func (s *Session) isSuperseded(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen < s.activeGen
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
