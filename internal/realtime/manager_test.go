package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/flex3r/dankchat-realtime/internal/auth"
	"github.com/flex3r/dankchat-realtime/internal/constants"
	"github.com/flex3r/dankchat-realtime/internal/eventsub"
	"github.com/flex3r/dankchat-realtime/internal/logger"
	"github.com/flex3r/dankchat-realtime/internal/model"
	"github.com/flex3r/dankchat-realtime/internal/pubsub"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.Setup(logger.Config{Level: 12, Colored: false}) // above ERROR, silent
	if err != nil {
		t.Fatalf("logger setup: %v", err)
	}
	return log
}

// pubsubServer mocks the socket-native endpoint: PINGs are answered, LISTEN
// topic keys are captured.
func pubsubServer(t *testing.T) (*httptest.Server, *atomic.Int64, chan []string) {
	t.Helper()

	var count atomic.Int64
	listens := make(chan []string, 16)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		count.Add(1)

		ctx := context.Background()
		for {
			var req pubsub.Request
			if err := wsjson.Read(ctx, conn, &req); err != nil {
				return
			}
			switch req.Type {
			case pubsub.TypePing:
				wsjson.Write(ctx, conn, map[string]string{"type": pubsub.TypePong})
			case pubsub.TypeListen:
				listens <- req.Data.Topics
			}
		}
	}))
	t.Cleanup(server.Close)
	return server, &count, listens
}

// eventsubServer mocks the session endpoint: each socket is welcomed with a
// fresh session id and handed to the test for message injection.
func eventsubServer(t *testing.T) (*httptest.Server, chan *websocket.Conn) {
	t.Helper()

	var count atomic.Int64
	conns := make(chan *websocket.Conn, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx := context.Background()
		wsjson.Write(ctx, conn, map[string]any{
			"metadata": map[string]any{"message_type": eventsub.TypeWelcome},
			"payload": map[string]any{
				"session": map[string]any{
					"id":                        fmt.Sprintf("sess-%d", count.Add(1)),
					"keepalive_timeout_seconds": 30,
				},
			},
		})
		conns <- conn

		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server, conns
}

type fakeSubsAPI struct {
	mu      sync.Mutex
	created []model.Topic
	ids     []string
	deleted []string
	nextID  int
}

func (f *fakeSubsAPI) CreateSubscription(_ context.Context, _ string, topic model.Topic) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("sub-%d", f.nextID)
	f.created = append(f.created, topic)
	f.ids = append(f.ids, id)
	return id, nil
}

func (f *fakeSubsAPI) DeleteSubscription(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeSubsAPI) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeSubsAPI) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.deleted))
	copy(out, f.deleted)
	return out
}

type fakePresence struct {
	mu     sync.Mutex
	joined []string
	parted []string
}

func (f *fakePresence) Join(channel string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, channel)
}

func (f *fakePresence) Part(channel string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parted = append(f.parted, channel)
}

func newTestManager(t *testing.T, userID, pubsubURL, eventsubURL string, api SubscriptionAPI, presence Presence) *Manager {
	t.Helper()

	log := testLogger(t)
	return NewManager(Options{
		Auth:          &auth.Static{Token: "token", ID: userID, Login: "tester", Client: "client"},
		Subscriptions: api,
		Log:           log,
		Presence:      presence,
		PubSubURL:     pubsubURL,
		Session:       eventsub.NewSession(eventsubURL, log),
	})
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func makeTopics(n int) []model.Topic {
	topics := make([]model.Topic, n)
	for i := range topics {
		topics[i] = model.NewPointRedemptionTopic(fmt.Sprintf("%d", 1000+i), fmt.Sprintf("chan%d", i))
	}
	return topics
}

func TestStartListensUserWhispers(t *testing.T) {
	psServer, _, listens := pubsubServer(t)
	esServer, _ := eventsubServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := newTestManager(t, "55", psServer.URL, esServer.URL, &fakeSubsAPI{}, nil)
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Close()

	select {
	case keys := <-listens:
		if len(keys) != 1 || keys[0] != "whispers.55" {
			t.Errorf("initial LISTEN = %v, want [whispers.55]", keys)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no LISTEN for the whisper topic")
	}
}

func TestAddChannelSubscribesAllFeeds(t *testing.T) {
	psServer, _, listens := pubsubServer(t)
	esServer, _ := eventsubServer(t)
	api := &fakeSubsAPI{}
	presence := &fakePresence{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := newTestManager(t, "55", psServer.URL, esServer.URL, api, presence)
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Close()
	<-listens // whisper topic

	if err := m.AddChannel(ctx, "123", "forsen"); err != nil {
		t.Fatalf("AddChannel: %v", err)
	}

	// The socket-native side gets the redemption and moderator-action
	// topics; the id-based side gets exactly one create call.
	var keys []string
	collect := time.After(2 * time.Second)
	for len(keys) < 2 {
		select {
		case batch := <-listens:
			keys = append(keys, batch...)
		case <-collect:
			t.Fatalf("LISTEN topics = %v, want redemption + moderator action", keys)
		}
	}
	wantKeys := map[string]bool{
		"community-points-channel-v1.123": true,
		"chat_moderator_actions.55.123":   true,
	}
	for _, key := range keys {
		if !wantKeys[key] {
			t.Errorf("unexpected LISTEN key %q", key)
		}
		delete(wantKeys, key)
	}
	if len(wantKeys) != 0 {
		t.Errorf("missing LISTEN keys: %v", wantKeys)
	}

	waitUntil(t, "one subscription create", func() bool { return api.createdCount() == 1 })
	time.Sleep(100 * time.Millisecond)
	if got := api.createdCount(); got != 1 {
		t.Errorf("create calls = %d, want exactly 1", got)
	}
	api.mu.Lock()
	created := api.created[0]
	api.mu.Unlock()
	if created != model.NewChannelModerateTopic("123", "55") {
		t.Errorf("created topic = %+v", created)
	}

	presence.mu.Lock()
	joined := append([]string(nil), presence.joined...)
	presence.mu.Unlock()
	if len(joined) != 1 || joined[0] != "forsen" {
		t.Errorf("joined channels = %v, want [forsen]", joined)
	}
}

func TestRevocationRemovesExactlyOneSubscription(t *testing.T) {
	psServer, _, _ := pubsubServer(t)
	esServer, esConns := eventsubServer(t)
	api := &fakeSubsAPI{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := newTestManager(t, "", psServer.URL, esServer.URL, api, nil)
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Close()

	first := model.NewChannelModerateTopic("123", "55")
	second := model.NewChannelModerateTopic("456", "55")
	if err := m.Listen(ctx, first, second); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	waitUntil(t, "both subscriptions created", func() bool { return api.createdCount() == 2 })

	api.mu.Lock()
	var revokedID string
	for i, topic := range api.created {
		if topic == first {
			revokedID = api.ids[i]
		}
	}
	api.mu.Unlock()

	serverConn := <-esConns
	wsjson.Write(ctx, serverConn, map[string]any{
		"metadata": map[string]any{"message_type": eventsub.TypeRevocation},
		"payload": map[string]any{
			"subscription": map[string]any{
				"id":     revokedID,
				"type":   "channel.moderate",
				"status": "authorization_revoked",
			},
		},
	})

	// Re-listening the revoked topic creates a fresh subscription; the
	// untouched one is not re-created.
	waitUntil(t, "revoked topic resubscribable", func() bool {
		if err := m.Listen(ctx, first); err != nil {
			return false
		}
		return api.createdCount() == 3
	})
	time.Sleep(100 * time.Millisecond)
	if got := api.createdCount(); got != 3 {
		t.Errorf("create calls = %d, want 3 (one re-create)", got)
	}
}

func TestSessionLossResubscribesWantedTopics(t *testing.T) {
	psServer, _, _ := pubsubServer(t)
	esServer, esConns := eventsubServer(t)
	api := &fakeSubsAPI{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := newTestManager(t, "", psServer.URL, esServer.URL, api, nil)
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Close()

	topic := model.NewChannelModerateTopic("123", "55")
	if err := m.Listen(ctx, topic); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	waitUntil(t, "subscription created", func() bool { return api.createdCount() == 1 })

	// Kill the session socket; the server welcomes the reconnect with a
	// fresh session id, whose welcome must re-create the subscription.
	serverConn := <-esConns
	serverConn.Close(websocket.StatusNormalClosure, "going away")

	waitUntil(t, "topic re-created on the new session", func() bool {
		return api.createdCount() == 2
	})
	api.mu.Lock()
	recreated := api.created[1]
	api.mu.Unlock()
	if recreated != topic {
		t.Errorf("re-created topic = %+v, want %+v", recreated, topic)
	}
}

func TestFreedCapacityPicksUpDroppedTopic(t *testing.T) {
	psServer, count, listens := pubsubServer(t)
	esServer, _ := eventsubServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := newTestManager(t, "", psServer.URL, esServer.URL, &fakeSubsAPI{}, nil)
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Close()

	// One topic beyond the total pool capacity stays wanted but unplaced.
	capacity := constants.MaxConnections * constants.MaxTopicsPerConnection
	topics := makeTopics(capacity + 1)
	if err := m.Listen(ctx, topics...); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	snapshot, err := m.State(ctx)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if len(snapshot.PubSub) != constants.MaxConnections {
		t.Fatalf("connections = %d, want %d", len(snapshot.PubSub), constants.MaxConnections)
	}
	waitUntil(t, "all shards accepted", func() bool {
		return count.Load() == int64(constants.MaxConnections)
	})

	// Removing one placed topic frees a slot; the overflow topic must be
	// picked up without another Listen call.
	if err := m.Unlisten(ctx, topics[0]); err != nil {
		t.Fatalf("Unlisten: %v", err)
	}

	overflow := topics[capacity].WireKey()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case keys := <-listens:
			for _, key := range keys {
				if key == overflow {
					return
				}
			}
		case <-deadline:
			t.Fatal("freed capacity never picked up the dropped topic")
		}
	}
}

func TestUnlistenDeletesSubscription(t *testing.T) {
	psServer, _, _ := pubsubServer(t)
	esServer, _ := eventsubServer(t)
	api := &fakeSubsAPI{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := newTestManager(t, "", psServer.URL, esServer.URL, api, nil)
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Close()

	topic := model.NewChannelModerateTopic("123", "55")
	if err := m.Listen(ctx, topic); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	waitUntil(t, "subscription created", func() bool { return api.createdCount() == 1 })

	if err := m.Unlisten(ctx, topic); err != nil {
		t.Fatalf("Unlisten: %v", err)
	}
	waitUntil(t, "subscription deleted", func() bool { return len(api.deletedIDs()) == 1 })

	if got := api.deletedIDs(); got[0] != "sub-1" {
		t.Errorf("deleted id = %q, want sub-1", got[0])
	}
}

func TestLastTopicRemovalClosesShardWithoutDisturbingOthers(t *testing.T) {
	psServer, _, _ := pubsubServer(t)
	esServer, _ := eventsubServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := newTestManager(t, "", psServer.URL, esServer.URL, &fakeSubsAPI{}, nil)
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Close()

	topics := makeTopics(51)
	if err := m.Listen(ctx, topics...); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	snapshot, err := m.State(ctx)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if len(snapshot.PubSub) != 2 {
		t.Fatalf("connections = %d, want 2 for 51 topics", len(snapshot.PubSub))
	}

	waitUntil(t, "both shards connected", func() bool {
		snapshot, err := m.State(ctx)
		if err != nil {
			return false
		}
		for _, state := range snapshot.PubSub {
			if !state.IsConnected() {
				return false
			}
		}
		return true
	})

	// The 51st topic overflowed onto its own shard; removing it closes
	// that shard and leaves the full one alone.
	if err := m.Unlisten(ctx, topics[50]); err != nil {
		t.Fatalf("Unlisten: %v", err)
	}

	snapshot, err = m.State(ctx)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if len(snapshot.PubSub) != 1 {
		t.Fatalf("connections = %d after removal, want 1", len(snapshot.PubSub))
	}
	for _, state := range snapshot.PubSub {
		if !state.IsConnected() {
			t.Errorf("surviving shard phase = %v, want Connected", state.Phase)
		}
	}
}

func TestMergedStreamCarriesBothProtocols(t *testing.T) {
	redemption, _ := json.Marshal(map[string]any{
		"type": "reward-redeemed",
		"data": map[string]any{
			"redemption": map[string]any{
				"id":         "r-1",
				"channel_id": "123",
				"user":       map[string]any{"id": "9", "login": "chatter", "display_name": "Chatter"},
				"reward":     map[string]any{"id": "w-1", "title": "Hydrate", "cost": 500},
			},
		},
	})
	psServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx := context.Background()
		wsjson.Write(ctx, conn, map[string]any{
			"type": pubsub.TypeMessage,
			"data": map[string]any{
				"topic":   "community-points-channel-v1.123",
				"message": string(redemption),
			},
		})
		for {
			var req pubsub.Request
			if err := wsjson.Read(ctx, conn, &req); err != nil {
				return
			}
			if req.Type == pubsub.TypePing {
				wsjson.Write(ctx, conn, map[string]string{"type": pubsub.TypePong})
			}
		}
	}))
	t.Cleanup(psServer.Close)

	esServer, esConns := eventsubServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := newTestManager(t, "55", psServer.URL, esServer.URL, &fakeSubsAPI{}, nil)
	events := m.Subscribe()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Close()

	if err := m.Listen(ctx, model.NewChannelModerateTopic("123", "55")); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	serverConn := <-esConns
	wsjson.Write(ctx, serverConn, map[string]any{
		"metadata": map[string]any{"message_type": eventsub.TypeNotification},
		"payload": map[string]any{
			"subscription": map[string]any{"id": "sub-x", "type": "channel.moderate"},
			"event": map[string]any{
				"broadcaster_user_id":  "123",
				"moderator_user_id":    "55",
				"moderator_user_login": "tester",
				"action":               "ban",
				"ban":                  map[string]any{"user_login": "target", "reason": "spam"},
			},
		},
	})

	var sawRedemption, sawModerate bool
	deadline := time.After(5 * time.Second)
	for !sawRedemption || !sawModerate {
		select {
		case ev := <-events:
			switch e := ev.(type) {
			case model.PointRedemption:
				if e.RewardTitle != "Hydrate" {
					t.Errorf("redemption = %+v", e)
				}
				sawRedemption = true
			case model.ChannelModerate:
				if e.Action != "ban" || e.TargetName != "target" {
					t.Errorf("moderate = %+v", e)
				}
				sawModerate = true
			}
		case <-deadline:
			t.Fatalf("merged stream incomplete: redemption=%v moderate=%v", sawRedemption, sawModerate)
		}
	}
}
