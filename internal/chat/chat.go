// Package chat maintains IRC chat presence for the watched channels. The
// engine's channel bookkeeping drives Join/Part; go-twitch-irc handles
// PING/PONG keepalive and reconnection internally.
package chat

import (
	"context"
	"strings"
	"sync"

	"github.com/gempir/go-twitch-irc/v4"

	"github.com/flex3r/dankchat-realtime/internal/auth"
	"github.com/flex3r/dankchat-realtime/internal/logger"
)

// Manager manages IRC chat membership for multiple channels.
type Manager struct {
	mu sync.Mutex

	client  *twitch.Client
	handler *Handler

	channels map[string]bool
	running  bool

	log *logger.Logger
}

// NewManager creates an IRC chat Manager. Without credentials the client
// connects anonymously, which is enough for read-only presence.
func NewManager(authProvider auth.Provider, log *logger.Logger) *Manager {
	var client *twitch.Client
	if authProvider.AuthToken() != "" && authProvider.Username() != "" {
		client = twitch.NewClient(authProvider.Username(), "oauth:"+authProvider.AuthToken())
	} else {
		client = twitch.NewAnonymousClient()
	}

	handler := NewHandler(log)
	manager := &Manager{
		client:   client,
		handler:  handler,
		channels: make(map[string]bool),
		log:      log,
	}

	client.OnConnect(handler.OnConnect)
	client.OnReconnectMessage(func(twitch.ReconnectMessage) {
		handler.OnReconnect()
	})
	client.OnSelfJoinMessage(handler.OnSelfJoinMessage)
	client.OnSelfPartMessage(handler.OnSelfPartMessage)

	return manager
}

// Join joins a channel. The name is the channel's login without the #
// prefix. Idempotent.
func (m *Manager) Join(channelName string) {
	channel := strings.ToLower(channelName)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.channels[channel] {
		return
	}
	m.channels[channel] = true
	m.client.Join(channel)
	m.log.Info("Joining IRC chat", "channel", channel)
}

// Part leaves a channel. Idempotent.
func (m *Manager) Part(channelName string) {
	channel := strings.ToLower(channelName)

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.channels[channel] {
		return
	}
	delete(m.channels, channel)
	m.client.Depart(channel)
	m.log.Info("Leaving IRC chat", "channel", channel)
}

// Run connects to Twitch IRC and maintains presence until the context is
// cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := m.client.Connect(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		m.Close()
		return ctx.Err()
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			m.log.Error("IRC connection error", "error", err)
			return err
		}
		return ctx.Err()
	}
}

// Close departs every channel and disconnects the client.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.running = false

	for channel := range m.channels {
		m.client.Depart(channel)
	}
	m.channels = make(map[string]bool)

	if err := m.client.Disconnect(); err != nil {
		m.log.Debug("IRC disconnect", "error", err)
	}
}

// IsJoined reports whether the manager is currently in the given channel.
func (m *Manager) IsJoined(channelName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[strings.ToLower(channelName)]
}

// JoinedChannels returns the currently joined channels.
func (m *Manager) JoinedChannels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	channels := make([]string, 0, len(m.channels))
	for channel := range m.channels {
		channels = append(channels, channel)
	}
	return channels
}
