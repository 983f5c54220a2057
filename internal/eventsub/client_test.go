package eventsub

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/flex3r/dankchat-realtime/internal/backoff"
	"github.com/flex3r/dankchat-realtime/internal/logger"
	"github.com/flex3r/dankchat-realtime/internal/model"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.Setup(logger.Config{Level: 12, Colored: false}) // above ERROR, silent
	if err != nil {
		t.Fatalf("logger setup: %v", err)
	}
	return log
}

func fastPolicy() backoff.Policy {
	return backoff.Policy{Base: time.Millisecond, MaxJitter: 0, MaxAttempts: 3}
}

// mockServer accepts EventSub WebSocket connections and hands each to handler.
func mockServer(t *testing.T, handler func(connNum int64, conn *websocket.Conn)) (*httptest.Server, *atomic.Int64) {
	t.Helper()

	var count atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		handler(count.Add(1), conn)
	}))
	t.Cleanup(server.Close)
	return server, &count
}

func sendWelcome(conn *websocket.Conn, sessionID string) {
	wsjson.Write(context.Background(), conn, map[string]any{
		"metadata": map[string]any{"message_type": TypeWelcome},
		"payload": map[string]any{
			"session": map[string]any{"id": sessionID, "status": "connected", "keepalive_timeout_seconds": 30},
		},
	})
}

func sendReconnectNotice(conn *websocket.Conn, url string) {
	wsjson.Write(context.Background(), conn, map[string]any{
		"metadata": map[string]any{"message_type": TypeReconnect},
		"payload": map[string]any{
			"session": map[string]any{"id": "old", "reconnect_url": url},
		},
	})
}

// holdOpen reads frames until the peer drops the socket.
func holdOpen(conn *websocket.Conn) {
	for {
		if _, _, err := conn.Read(context.Background()); err != nil {
			return
		}
	}
}

func testSession(t *testing.T, url string) *Session {
	t.Helper()
	s := NewSession(url, testLogger(t))
	s.policy = fastPolicy()
	return s
}

func drainStates(ctx context.Context, s *Session, states chan<- model.ConnectionState) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.Events():
			if ev.State != nil && states != nil {
				select {
				case states <- *ev.State:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func waitForPhase(t *testing.T, states <-chan model.ConnectionState, want model.Phase) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case state := <-states:
			if state.Phase == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for phase %v", want)
		}
	}
}

func waitForSession(t *testing.T, states <-chan model.ConnectionState, sessionID string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case state := <-states:
			if state.IsConnected() && state.SessionID == sessionID {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for session %q", sessionID)
		}
	}
}

func TestWelcomeEstablishesSession(t *testing.T) {
	server, _ := mockServer(t, func(_ int64, conn *websocket.Conn) {
		sendWelcome(conn, "sess-1")
		holdOpen(conn)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := testSession(t, server.URL)
	states := make(chan model.ConnectionState, 16)
	go drainStates(ctx, s, states)

	s.Connect(ctx)
	waitForSession(t, states, "sess-1")

	awaitCtx, awaitCancel := context.WithTimeout(ctx, time.Second)
	defer awaitCancel()
	id, err := s.AwaitSession(awaitCtx)
	if err != nil {
		t.Fatalf("AwaitSession: %v", err)
	}
	if id != "sess-1" {
		t.Errorf("session id = %q, want sess-1", id)
	}
	s.Close()
}

func TestAwaitSessionTimesOutWhileDisconnected(t *testing.T) {
	s := testSession(t, "ws://unused")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := s.AwaitSession(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestReconnectNoticeHandsOffWithoutDowngrade(t *testing.T) {
	oldClosed := make(chan struct{})
	var server *httptest.Server
	server, count := mockServer(t, func(connNum int64, conn *websocket.Conn) {
		switch connNum {
		case 1:
			sendWelcome(conn, "sess-old")
			sendReconnectNotice(conn, server.URL)
			holdOpen(conn)
			close(oldClosed)
		default:
			sendWelcome(conn, "sess-new")
			holdOpen(conn)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := testSession(t, server.URL)
	states := make(chan model.ConnectionState, 16)
	go drainStates(ctx, s, states)

	s.Connect(ctx)
	waitForSession(t, states, "sess-old")
	waitForSession(t, states, "sess-new")

	// The original socket is closed only after the replacement session is
	// established, and its closure must not disturb the published state.
	select {
	case <-oldClosed:
	case <-time.After(5 * time.Second):
		t.Fatal("old socket never closed after handoff")
	}
	time.Sleep(100 * time.Millisecond)

	if got := s.State(); !got.IsConnected() || got.SessionID != "sess-new" {
		t.Errorf("state after stale closure = %+v, want connected sess-new", got)
	}
	if got := count.Load(); got != 2 {
		t.Errorf("server accepted %d sockets, want 2", got)
	}
	s.Close()
}

func TestTransportLossReconnectsToBaseURL(t *testing.T) {
	server, count := mockServer(t, func(connNum int64, conn *websocket.Conn) {
		sendWelcome(conn, "sess-1")
		if connNum == 1 {
			conn.Close(websocket.StatusGoingAway, "bye")
			return
		}
		holdOpen(conn)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := testSession(t, server.URL)
	states := make(chan model.ConnectionState, 16)
	go drainStates(ctx, s, states)

	s.Connect(ctx)
	waitForSession(t, states, "sess-1")

	deadline := time.After(5 * time.Second)
	for count.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("session never redialed after transport loss")
		case <-time.After(10 * time.Millisecond):
		}
	}
	s.Close()
}

func TestMaxAttemptsReachesFailedAndReconnectRecovers(t *testing.T) {
	var dials atomic.Int64
	var allow atomic.Bool

	server, _ := mockServer(t, func(_ int64, conn *websocket.Conn) {
		sendWelcome(conn, "sess-1")
		holdOpen(conn)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := testSession(t, server.URL)
	s.dial = func(ctx context.Context, url string) (*websocket.Conn, error) {
		dials.Add(1)
		if !allow.Load() {
			return nil, errors.New("refused")
		}
		return defaultDial(ctx, url)
	}

	states := make(chan model.ConnectionState, 16)
	go drainStates(ctx, s, states)

	s.Connect(ctx)
	waitForPhase(t, states, model.Failed)

	if got := dials.Load(); got != int64(s.policy.MaxAttempts) {
		t.Errorf("dial attempts = %d, want %d", got, s.policy.MaxAttempts)
	}

	allow.Store(true)
	s.Reconnect(ctx)
	waitForSession(t, states, "sess-1")
	s.Close()
}

func TestNotificationsReachEventsChannel(t *testing.T) {
	server, _ := mockServer(t, func(_ int64, conn *websocket.Conn) {
		sendWelcome(conn, "sess-1")
		wsjson.Write(context.Background(), conn, map[string]any{
			"metadata": map[string]any{"message_type": TypeNotification},
			"payload": map[string]any{
				"subscription": map[string]any{"id": "sub-1", "type": "channel.moderate"},
				"event": map[string]any{
					"broadcaster_user_id":  "123",
					"moderator_user_id":    "456",
					"moderator_user_login": "mod",
					"action":               "ban",
					"ban":                  map[string]any{"user_login": "target", "reason": "spam"},
				},
			},
		})
		holdOpen(conn)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := testSession(t, server.URL)
	s.Connect(ctx)
	defer s.Close()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if ev.Msg == nil {
				continue
			}
			notification, ok := ev.Msg.(Notification)
			if !ok {
				t.Fatalf("msg = %T, want Notification", ev.Msg)
			}
			action, ok := notification.Event.(model.ChannelModerate)
			if !ok {
				t.Fatalf("event = %T, want ChannelModerate", notification.Event)
			}
			if action.Action != "ban" || action.TargetName != "target" {
				t.Errorf("action = %+v", action)
			}
			return
		case <-deadline:
			t.Fatal("no notification delivered")
		}
	}
}
