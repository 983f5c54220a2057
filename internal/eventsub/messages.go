// Package eventsub implements the Twitch EventSub WebSocket protocol: the
// metadata/payload envelope, the discriminator-hoisting normalization that
// lets one generic decoder dispatch every message kind, and a session
// client with welcome handshake, keepalive watchdog, and dual-socket
// reconnect handoff.
package eventsub

import (
	"time"

	"github.com/flex3r/dankchat-realtime/internal/model"
)

// EventSub envelope message types, carried in metadata.message_type.
const (
	// TypeWelcome is the first message on a new socket; it assigns the
	// session id required to attach subscriptions via REST.
	TypeWelcome = "session_welcome"
	// TypeKeepalive is the periodic liveness message.
	TypeKeepalive = "session_keepalive"
	// TypeNotification carries a subscription event.
	TypeNotification = "notification"
	// TypeReconnect instructs the client to move to a new endpoint.
	TypeReconnect = "session_reconnect"
	// TypeRevocation announces that the server dropped a subscription.
	TypeRevocation = "revocation"
)

// Inbound is a decoded EventSub message. The set of implementations is
// closed; the session client dispatches with a type switch.
type Inbound interface {
	inboundMessage()
}

// Welcome is the session handshake.
type Welcome struct {
	SessionID        string
	Status           string
	KeepaliveTimeout time.Duration
}

// Keepalive is the periodic liveness message; it carries no payload.
type Keepalive struct{}

// ReconnectNotice asks the client to continue the session on a new
// endpoint while the current socket stays alive for a grace period.
type ReconnectNotice struct {
	SessionID    string
	ReconnectURL string
}

// Notification is a decoded subscription event.
type Notification struct {
	SubscriptionID   string
	SubscriptionType string
	Event            model.Event
}

// Revocation announces that the server revoked a subscription id.
type Revocation struct {
	SubscriptionID   string
	SubscriptionType string
	Status           string
}

func (Welcome) inboundMessage()         {}
func (Keepalive) inboundMessage()       {}
func (ReconnectNotice) inboundMessage() {}
func (Notification) inboundMessage()    {}
func (Revocation) inboundMessage()      {}
