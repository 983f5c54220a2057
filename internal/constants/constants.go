// Package constants defines the Twitch push-service endpoints, connection
// capacity limits, and default timeout/interval values used throughout the
// realtime engine.
package constants

import "time"

const (
	// PubSubURL is the legacy Twitch PubSub WebSocket endpoint.
	PubSubURL = "wss://pubsub-edge.twitch.tv/v1"
	// EventSubURL is the Twitch EventSub WebSocket endpoint.
	EventSubURL = "wss://eventsub.wss.twitch.tv/ws"
	// HelixURL is the Twitch Helix REST API base URL.
	HelixURL = "https://api.twitch.tv/helix"
	// IRCURL is the Twitch IRC chat server hostname.
	IRCURL = "irc.chat.twitch.tv"
)

const (
	// MaxTopicsPerConnection is the server-enforced cap on topics per
	// PubSub WebSocket connection.
	MaxTopicsPerConnection = 50
	// MaxConnections is the server-enforced cap on concurrent PubSub
	// WebSocket connections per credential.
	MaxConnections = 10
)

const (
	// BackoffBase is the base delay of the reconnect backoff schedule.
	BackoffBase = 1 * time.Second
	// BackoffMaxJitter is the ceiling of the random jitter added to each
	// reconnect delay.
	BackoffMaxJitter = 250 * time.Millisecond
	// MaxReconnectAttempts is the number of consecutive failed connect
	// attempts after which a connection is considered permanently failed.
	MaxReconnectAttempts = 6

	// PingInterval is the interval between PubSub PING probes.
	PingInterval = 5 * time.Minute
	// PingJitter is the ceiling of the random jitter added to each ping
	// interval so shards don't probe the server in lockstep.
	PingJitter = 250 * time.Millisecond

	// HandshakeTimeout bounds the wait for an EventSub session welcome
	// before a subscribe attempt is abandoned.
	HandshakeTimeout = 5 * time.Second
	// DefaultHTTPTimeout is the default timeout for Helix REST requests.
	DefaultHTTPTimeout = 15 * time.Second
)

// DefaultMaxRetries is how many times a transient Helix failure (429, 5xx)
// is retried before the request is given up.
const DefaultMaxRetries = 3
