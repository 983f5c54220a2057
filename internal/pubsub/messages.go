// Package pubsub implements the legacy Twitch PubSub WebSocket protocol:
// wire envelopes, a codec decoding inbound frames into domain events, a
// sharded connection with ping/pong keepalive and backoff reconnection,
// and the pure sharding logic that spreads topics across connections.
package pubsub

import "encoding/json"

// PubSub protocol frame types sent to/from the server.
const (
	// TypePing is sent by the client to keep the connection alive.
	TypePing = "PING"
	// TypePong is the server's response to a PING.
	TypePong = "PONG"
	// TypeListen subscribes to one or more topics.
	TypeListen = "LISTEN"
	// TypeUnlisten unsubscribes from one or more topics.
	TypeUnlisten = "UNLISTEN"
	// TypeMessage is a server-pushed message for a subscribed topic.
	TypeMessage = "MESSAGE"
	// TypeResponse is the server's acknowledgement of a LISTEN/UNLISTEN.
	TypeResponse = "RESPONSE"
	// TypeReconnect is sent by the server to request a client reconnection.
	TypeReconnect = "RECONNECT"
)

// Request is a frame sent from the client to the server.
type Request struct {
	Type  string       `json:"type"`
	Nonce string       `json:"nonce,omitempty"`
	Data  *RequestData `json:"data,omitempty"`
}

// RequestData carries the topics and auth token of LISTEN/UNLISTEN requests.
type RequestData struct {
	Topics    []string `json:"topics"`
	AuthToken string   `json:"auth_token"`
}

// envelope is the raw inbound frame before codec dispatch.
type envelope struct {
	Type  string          `json:"type"`
	Nonce string          `json:"nonce,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// messageData is the payload within a MESSAGE-type frame. Message is itself
// a JSON document whose own "type" field selects the payload shape.
type messageData struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
}
