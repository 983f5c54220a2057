package model

// Phase is the lifecycle phase of a connection or of the whole engine.
type Phase int

const (
	// Disconnected is the initial phase, and the terminal phase after an
	// explicit close.
	Disconnected Phase = iota
	// Connecting covers dialing and, for the session protocol, the wait
	// for the welcome handshake.
	Connecting
	// Connected means the transport is open and subscriptions are live.
	Connected
	// Failed is entered after the maximum number of consecutive connect
	// attempts; it is terminal until an explicit reconnect.
	Failed
)

// String returns the phase name for logs and system messages.
func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConnectionState is the externally visible state of a connection. SessionID
// is set only for the session protocol while Connected; the legacy protocol
// has no session identity and degenerates to the phase alone.
type ConnectionState struct {
	Phase     Phase
	SessionID string
}

// IsConnected reports whether the state is Connected.
func (s ConnectionState) IsConnected() bool {
	return s.Phase == Connected
}
