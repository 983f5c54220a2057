// Package realtime orchestrates the engine: it owns the wanted-topic set,
// shards socket-native topics across a bounded pool of PubSub connections,
// drives the EventSub session and its REST-attached subscriptions, and
// merges everything into one multicast event stream.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/flex3r/dankchat-realtime/internal/auth"
	"github.com/flex3r/dankchat-realtime/internal/constants"
	"github.com/flex3r/dankchat-realtime/internal/eventsub"
	"github.com/flex3r/dankchat-realtime/internal/logger"
	"github.com/flex3r/dankchat-realtime/internal/model"
	"github.com/flex3r/dankchat-realtime/internal/pubsub"
)

var (
	// ErrNotStarted is returned by operations invoked before Start.
	ErrNotStarted = errors.New("manager not started")
	// ErrClosed is returned by operations invoked after Close.
	ErrClosed = errors.New("manager closed")
)

// SubscriptionAPI manages server-side EventSub subscriptions. Satisfied by
// helix.Client.
type SubscriptionAPI interface {
	CreateSubscription(ctx context.Context, sessionID string, topic model.Topic) (string, error)
	DeleteSubscription(ctx context.Context, id string) error
}

// Presence keeps chat membership in lockstep with channel bookkeeping.
// Satisfied by chat.Manager; optional.
type Presence interface {
	Join(channel string)
	Part(channel string)
}

// Options configures a Manager.
type Options struct {
	Auth          auth.Provider
	Subscriptions SubscriptionAPI
	Log           *logger.Logger

	// Presence is joined/parted alongside AddChannel/RemoveChannel.
	// Optional.
	Presence Presence
	// PubSubURL overrides the PubSub endpoint. Defaults to production.
	PubSubURL string
	// Session overrides the EventSub session. Defaults to a session
	// against the production endpoint.
	Session *eventsub.Session
}

// Manager is the engine's single writer: all topic bookkeeping runs on one
// ops goroutine, and connections report back only through their event
// channels. Public methods enqueue an operation and wait for it.
type Manager struct {
	authProvider auth.Provider
	subsAPI      SubscriptionAPI
	presence     Presence
	log          *logger.Logger
	pubsubURL    string
	session      *eventsub.Session

	// Owned by the run goroutine.
	wanted         map[model.Topic]struct{}
	conns          map[int]*pubsub.Connection
	nextConnID     int
	channels       map[string]string // channel id -> name
	esIDs          map[model.Topic]subRecord
	subs           map[string]model.Topic // subscription id -> topic
	esPending      map[model.Topic]struct{}
	sessionStarted bool
	lastSessionID  string

	ops        chan func(context.Context)
	connEvents chan pubsub.ConnEvent

	group  *errgroup.Group
	runCtx context.Context
	cancel context.CancelFunc

	startMu sync.Mutex
	started bool
	closed  bool

	subMu       sync.Mutex
	subscribers []chan model.Event
	subsClosed  bool
}

// NewManager creates a Manager. It does nothing until Start.
func NewManager(opts Options) *Manager {
	pubsubURL := opts.PubSubURL
	if pubsubURL == "" {
		pubsubURL = constants.PubSubURL
	}
	session := opts.Session
	if session == nil {
		session = eventsub.NewSession(constants.EventSubURL, opts.Log)
	}

	return &Manager{
		authProvider: opts.Auth,
		subsAPI:      opts.Subscriptions,
		presence:     opts.Presence,
		log:          opts.Log,
		pubsubURL:    pubsubURL,
		session:      session,
		wanted:       make(map[model.Topic]struct{}),
		conns:        make(map[int]*pubsub.Connection),
		channels:     make(map[string]string),
		esIDs:        make(map[model.Topic]subRecord),
		subs:         make(map[string]model.Topic),
		esPending:    make(map[model.Topic]struct{}),
		ops:          make(chan func(context.Context)),
		connEvents:   make(chan pubsub.ConnEvent, 64),
	}
}

// Start launches the ops loop. When the authenticated user is known, their
// whisper topic is wanted from the start. The context bounds the manager's
// whole lifetime.
func (m *Manager) Start(ctx context.Context) error {
	m.startMu.Lock()
	if m.closed {
		m.startMu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.startMu.Unlock()
		return nil
	}
	m.started = true

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	m.group = group
	m.runCtx = groupCtx
	m.cancel = cancel
	m.startMu.Unlock()

	group.Go(func() error {
		m.run(groupCtx)
		return nil
	})

	if m.authProvider.UserID() != "" {
		return m.do(ctx, func(opCtx context.Context) {
			m.listenTopics(opCtx, []model.Topic{model.NewWhisperTopic(m.authProvider.UserID())})
		})
	}
	return nil
}

// Subscribe returns a channel receiving every decoded domain event and
// diagnostic SystemMessage. Each subscriber gets its own channel; a slow
// subscriber loses events rather than stalling the engine.
func (m *Manager) Subscribe() <-chan model.Event {
	ch := make(chan model.Event, 64)
	m.subMu.Lock()
	if m.subsClosed {
		close(ch)
	} else {
		m.subscribers = append(m.subscribers, ch)
	}
	m.subMu.Unlock()
	return ch
}

// AddChannel starts watching a channel: chat presence, its point-redemption
// feed, and the moderation feeds visible to the authenticated user.
func (m *Manager) AddChannel(ctx context.Context, channelID, channelName string) error {
	return m.do(ctx, func(opCtx context.Context) {
		if _, ok := m.channels[channelID]; ok {
			return
		}
		m.channels[channelID] = channelName
		if m.presence != nil {
			m.presence.Join(channelName)
		}

		topics := []model.Topic{model.NewPointRedemptionTopic(channelID, channelName)}
		if userID := m.authProvider.UserID(); userID != "" {
			topics = append(topics,
				model.NewModeratorActionTopic(userID, channelID),
				model.NewChannelModerateTopic(channelID, userID),
			)
		}
		m.listenTopics(opCtx, topics)
	})
}

// RemoveChannel stops watching a channel and unsubscribes every topic bound
// to it. Shards left empty are closed.
func (m *Manager) RemoveChannel(ctx context.Context, channelID string) error {
	return m.do(ctx, func(opCtx context.Context) {
		name, ok := m.channels[channelID]
		if !ok {
			return
		}
		delete(m.channels, channelID)
		if m.presence != nil {
			m.presence.Part(name)
		}

		var topics []model.Topic
		for t := range m.wanted {
			if t.ChannelID == channelID || t.BroadcasterID == channelID {
				topics = append(topics, t)
			}
		}
		m.unlistenTopics(opCtx, topics)
	})
}

// Listen adds topics to the wanted set and subscribes them on the matching
// protocol.
func (m *Manager) Listen(ctx context.Context, topics ...model.Topic) error {
	return m.do(ctx, func(opCtx context.Context) {
		m.listenTopics(opCtx, topics)
	})
}

// Unlisten removes topics from the wanted set and unsubscribes them.
func (m *Manager) Unlisten(ctx context.Context, topics ...model.Topic) error {
	return m.do(ctx, func(opCtx context.Context) {
		m.unlistenTopics(opCtx, topics)
	})
}

// Reconnect forces every connection and the session through their reconnect
// paths, resetting attempt counters.
func (m *Manager) Reconnect(ctx context.Context) error {
	return m.do(ctx, func(context.Context) {
		for _, conn := range m.conns {
			conn.Reconnect(m.runCtx)
		}
		if m.sessionStarted {
			m.session.Reconnect(m.runCtx)
		}
	})
}

// ReconnectIfNecessary revives only permanently failed connections. It is
// cheap and idempotent, meant for foreground/network-change hooks.
func (m *Manager) ReconnectIfNecessary(ctx context.Context) error {
	return m.do(ctx, func(context.Context) {
		for _, conn := range m.conns {
			if conn.State().Phase == model.Failed {
				conn.Reconnect(m.runCtx)
			}
		}
		if m.sessionStarted && m.session.State().Phase == model.Failed {
			m.session.Reconnect(m.runCtx)
		}
	})
}

// Snapshot is a point-in-time view of every connection's state.
type Snapshot struct {
	PubSub       map[int]model.ConnectionState
	EventSub     model.ConnectionState
	SessionInUse bool
}

// State returns a snapshot of the engine's connection states.
func (m *Manager) State(ctx context.Context) (Snapshot, error) {
	snapshot := Snapshot{PubSub: make(map[int]model.ConnectionState)}
	err := m.do(ctx, func(context.Context) {
		for id, conn := range m.conns {
			snapshot.PubSub[id] = conn.State()
		}
		snapshot.SessionInUse = m.sessionStarted
		if m.sessionStarted {
			snapshot.EventSub = m.session.State()
		}
	})
	return snapshot, err
}

// Connected reports whether every live connection, and the session when in
// use, is in the Connected phase.
func (m *Manager) Connected(ctx context.Context) (bool, error) {
	snapshot, err := m.State(ctx)
	if err != nil {
		return false, err
	}
	for _, state := range snapshot.PubSub {
		if !state.IsConnected() {
			return false, nil
		}
	}
	if snapshot.SessionInUse && !snapshot.EventSub.IsConnected() {
		return false, nil
	}
	return true, nil
}

// Close shuts the engine down: every socket closes, the ops loop drains,
// and subscriber channels are closed.
func (m *Manager) Close() {
	m.startMu.Lock()
	if m.closed {
		m.startMu.Unlock()
		return
	}
	m.closed = true
	cancel := m.cancel
	group := m.group
	m.startMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if group != nil {
		group.Wait()
	}
}

// do runs fn on the ops goroutine and waits for it.
func (m *Manager) do(ctx context.Context, fn func(context.Context)) error {
	m.startMu.Lock()
	started, closed, runCtx := m.started, m.closed, m.runCtx
	m.startMu.Unlock()
	if closed {
		return ErrClosed
	}
	if !started {
		return ErrNotStarted
	}

	done := make(chan struct{})
	op := func(opCtx context.Context) {
		fn(opCtx)
		close(done)
	}

	select {
	case m.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-runCtx.Done():
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-runCtx.Done():
		return ErrClosed
	}
}

// enqueue posts fn to the ops goroutine without waiting, for results coming
// back from background work.
func (m *Manager) enqueue(fn func(context.Context)) {
	select {
	case m.ops <- fn:
	case <-m.runCtx.Done():
	}
}

func (m *Manager) run(ctx context.Context) {
	defer func() {
		for _, conn := range m.conns {
			conn.Close()
		}
		m.session.Close()
		m.closeSubscribers()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case op := <-m.ops:
			op(ctx)
		case ev := <-m.connEvents:
			m.handleConnEvent(ev)
		case ev := <-m.session.Events():
			m.handleSessionEvent(ctx, ev)
		}
	}
}

// listenTopics adds topics to the wanted set and routes each to its
// protocol: socket-native topics go through the sharder onto the connection
// pool, id-based topics through the session subscribe path.
func (m *Manager) listenTopics(ctx context.Context, topics []model.Topic) {
	var socketTopics, sessionTopics []model.Topic
	for _, topic := range topics {
		m.wanted[topic] = struct{}{}
		if topic.IsEventSub() {
			if _, subscribed := m.esIDs[topic]; subscribed {
				continue
			}
			if _, pending := m.esPending[topic]; pending {
				continue
			}
			sessionTopics = append(sessionTopics, topic)
		} else {
			socketTopics = append(socketTopics, topic)
		}
	}

	if len(socketTopics) > 0 {
		m.applyShardPlan(pubsub.Shard(m.assignedTopics(), socketTopics))
	}
	if len(sessionTopics) > 0 {
		m.subscribeSession(ctx, sessionTopics)
	}
}

func (m *Manager) unlistenTopics(ctx context.Context, topics []model.Topic) {
	var socketTopics []model.Topic
	for _, topic := range topics {
		delete(m.wanted, topic)
		if !topic.IsEventSub() {
			socketTopics = append(socketTopics, topic)
			continue
		}

		delete(m.esPending, topic)
		if rec, ok := m.esIDs[topic]; ok {
			delete(m.esIDs, topic)
			delete(m.subs, rec.id)
			m.deleteSubscription(rec.id)
		}
	}
	if len(socketTopics) == 0 {
		return
	}

	for _, conn := range m.conns {
		conn.RemoveTopics(socketTopics)
	}
	m.closeEmptyConns()
	m.reshardWanted()
}

// reshardWanted places wanted socket-native topics that are assigned to no
// connection. Topics dropped at the capacity cap are picked up here once a
// removal frees room.
func (m *Manager) reshardWanted() {
	assigned := m.assignedTopics()
	placed := make(map[model.Topic]struct{})
	for _, topics := range assigned {
		for _, topic := range topics {
			placed[topic] = struct{}{}
		}
	}

	var unplaced []model.Topic
	for topic := range m.wanted {
		if topic.IsEventSub() {
			continue
		}
		if _, ok := placed[topic]; !ok {
			unplaced = append(unplaced, topic)
		}
	}
	if len(unplaced) > 0 {
		m.applyShardPlan(pubsub.Shard(assigned, unplaced))
	}
}

// assignedTopics snapshots the pool's current assignments for the sharder.
func (m *Manager) assignedTopics() map[int][]model.Topic {
	assigned := make(map[int][]model.Topic, len(m.conns))
	for id, conn := range m.conns {
		assigned[id] = conn.Topics()
	}
	return assigned
}

func (m *Manager) applyShardPlan(plan pubsub.Plan) {
	for id, batch := range plan.Existing {
		if conn, ok := m.conns[id]; ok {
			if leftover := conn.AddTopics(batch); len(leftover) > 0 {
				m.log.Warn("Shard refused planned topics", "conn", id, "count", len(leftover))
			}
		}
	}

	for _, batch := range plan.New {
		conn := pubsub.NewConnection(m.nextConnID, m.pubsubURL, m.authProvider, m.log)
		m.nextConnID++
		conn.AddTopics(batch)
		m.conns[conn.ID()] = conn
		m.forwardConn(conn)
		conn.Connect(m.runCtx)
		m.log.Info("Opened PubSub connection", "conn", conn.ID(), "topics", len(batch))
	}

	if len(plan.Dropped) > 0 {
		// Capacity exhausted: the topics stay wanted but unsubscribed.
		m.log.Warn("Connection pool at capacity, topics left unsubscribed",
			"count", len(plan.Dropped))
	}
}

// forwardConn copies one connection's events into the merged channel so the
// run loop's select stays static. The forwarder exits with its shard.
func (m *Manager) forwardConn(conn *pubsub.Connection) {
	m.group.Go(func() error {
		for {
			select {
			case <-m.runCtx.Done():
				return nil
			case <-conn.Done():
				return nil
			case ev := <-conn.Events():
				select {
				case m.connEvents <- ev:
				case <-m.runCtx.Done():
					return nil
				}
			}
		}
	})
}

// subscribeSession attaches topics to the EventSub session: wait briefly
// for a live session id, then one REST create per topic. A failed create is
// reported and dropped; the topic stays wanted.
func (m *Manager) subscribeSession(ctx context.Context, topics []model.Topic) {
	if !m.sessionStarted {
		m.sessionStarted = true
		m.session.Connect(m.runCtx)
	}
	for _, topic := range topics {
		m.esPending[topic] = struct{}{}
	}

	m.group.Go(func() error {
		awaitCtx, cancel := context.WithTimeout(m.runCtx, constants.HandshakeTimeout)
		sessionID, err := m.session.AwaitSession(awaitCtx)
		cancel()
		if err != nil {
			m.log.Warn("No EventSub session in time, dropping subscribe attempt",
				"topics", len(topics), "error", err)
			m.publish(model.NewSystemMessage("could not reach the event service, some feeds are unavailable"))
			m.enqueue(func(context.Context) {
				for _, topic := range topics {
					delete(m.esPending, topic)
				}
			})
			return nil
		}

		for _, topic := range topics {
			topic := topic
			subID, err := m.subsAPI.CreateSubscription(m.runCtx, sessionID, topic)
			if err != nil {
				m.log.Error("Failed to create subscription",
					"topic", topic.String(), "error", err)
				m.publish(model.NewSystemMessage(fmt.Sprintf("could not subscribe to %s", topic.Label())))
				m.enqueue(func(context.Context) { delete(m.esPending, topic) })
				continue
			}
			m.enqueue(func(opCtx context.Context) { m.recordSubscription(opCtx, sessionID, topic, subID) })
		}
		return nil
	})
}

// subRecord ties a server-issued subscription id to the session it was
// created on; records from a superseded session are worthless.
type subRecord struct {
	id      string
	session string
}

// recordSubscription lands a REST create's result back on the ops loop. The
// result only counts if the session hasn't moved on and the topic is still
// wanted; an unwanted subscription is deleted, a stale one is re-created on
// the live session.
func (m *Manager) recordSubscription(ctx context.Context, sessionID string, topic model.Topic, subID string) {
	delete(m.esPending, topic)
	if _, stillWanted := m.wanted[topic]; !stillWanted {
		m.deleteSubscription(subID)
		return
	}
	if sessionID != m.session.State().SessionID {
		// The session died between create and record; the server dropped
		// the subscription with it, so attach the topic to the live one.
		m.subscribeSession(ctx, []model.Topic{topic})
		return
	}
	m.esIDs[topic] = subRecord{id: subID, session: sessionID}
	m.subs[subID] = topic
	m.log.Debug("Subscription recorded", "topic", topic.String(), "id", subID)
}

func (m *Manager) deleteSubscription(id string) {
	m.group.Go(func() error {
		if err := m.subsAPI.DeleteSubscription(m.runCtx, id); err != nil {
			m.log.Debug("Failed to delete subscription", "id", id, "error", err)
		}
		return nil
	})
}

func (m *Manager) closeEmptyConns() {
	for id, conn := range m.conns {
		if conn.TopicCount() == 0 {
			conn.Close()
			delete(m.conns, id)
			m.log.Info("Closed empty PubSub connection", "conn", id)
		}
	}
}

func (m *Manager) handleConnEvent(ev pubsub.ConnEvent) {
	switch {
	case ev.Frame != nil:
		if topicEvent, ok := ev.Frame.(pubsub.TopicEvent); ok {
			m.publish(topicEvent.Event)
		}
	case ev.State != nil:
		m.log.Debug("PubSub connection state", "conn", ev.Conn, "phase", ev.State.Phase)
		if ev.State.Phase == model.Failed {
			m.publish(model.NewSystemMessage(fmt.Sprintf("connection %d gave up reconnecting", ev.Conn)))
		}
	case ev.Diag != "":
		m.publish(model.NewSystemMessage(ev.Diag))
	}
}

func (m *Manager) handleSessionEvent(ctx context.Context, ev eventsub.SessionEvent) {
	switch {
	case ev.State != nil:
		m.log.Debug("EventSub session state", "phase", ev.State.Phase, "session", ev.State.SessionID)
		switch {
		case ev.State.IsConnected() && ev.State.SessionID != m.lastSessionID:
			m.onNewSession(ctx, ev.State.SessionID)
		case ev.State.Phase == model.Failed:
			m.publish(model.NewSystemMessage("event subscription service gave up reconnecting"))
		}
	case ev.Msg != nil:
		switch msg := ev.Msg.(type) {
		case eventsub.Notification:
			m.publish(msg.Event)
		case eventsub.Revocation:
			m.handleRevocation(msg)
		}
	case ev.Diag != "":
		m.publish(model.NewSystemMessage(ev.Diag))
	}
}

// onNewSession runs whenever the session id changes: server-side
// subscriptions belong to the old session, so every wanted id-based topic
// without a record on the new session is subscribed afresh.
func (m *Manager) onNewSession(ctx context.Context, sessionID string) {
	m.lastSessionID = sessionID
	for topic, rec := range m.esIDs {
		if rec.session != sessionID {
			delete(m.esIDs, topic)
			delete(m.subs, rec.id)
		}
	}

	var topics []model.Topic
	for topic := range m.wanted {
		if !topic.IsEventSub() {
			continue
		}
		if _, recorded := m.esIDs[topic]; recorded {
			continue
		}
		if _, pending := m.esPending[topic]; pending {
			// An in-flight create resolves in recordSubscription, which
			// re-attaches the topic if it raced the session change.
			continue
		}
		topics = append(topics, topic)
	}
	if len(topics) > 0 {
		m.log.Info("New EventSub session, resubscribing", "session", sessionID, "topics", len(topics))
		m.subscribeSession(ctx, topics)
	}
}

// handleRevocation drops exactly the revoked subscription id. The topic
// stays wanted; a later reconnect may bring it back.
func (m *Manager) handleRevocation(revocation eventsub.Revocation) {
	topic, ok := m.subs[revocation.SubscriptionID]
	if !ok {
		m.log.Debug("Revocation for unknown subscription", "id", revocation.SubscriptionID)
		return
	}
	delete(m.subs, revocation.SubscriptionID)
	delete(m.esIDs, topic)
	m.log.Warn("Subscription revoked",
		"topic", topic.String(), "id", revocation.SubscriptionID, "status", revocation.Status)
	m.publish(model.NewSystemMessage(fmt.Sprintf("lost access to %s", topic.Label())))
}

func (m *Manager) publish(event model.Event) {
	if event == nil {
		return
	}
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- event:
		default:
			m.log.Debug("Subscriber channel full, dropping event")
		}
	}
}

func (m *Manager) closeSubscribers() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subsClosed = true
	for _, ch := range m.subscribers {
		close(ch)
	}
	m.subscribers = nil
}
