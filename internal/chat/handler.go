package chat

import (
	"github.com/gempir/go-twitch-irc/v4"

	"github.com/flex3r/dankchat-realtime/internal/logger"
)

// Handler logs IRC connection and membership events.
type Handler struct {
	log *logger.Logger
}

// NewHandler creates a chat event Handler.
func NewHandler(log *logger.Logger) *Handler {
	return &Handler{log: log}
}

// OnConnect is called when the IRC client connects to the server.
func (h *Handler) OnConnect() {
	h.log.Info("Connected to Twitch IRC")
}

// OnReconnect is called when the IRC client reconnects to the server.
func (h *Handler) OnReconnect() {
	h.log.Info("Reconnected to Twitch IRC")
}

// OnSelfJoinMessage is called when the client joins a channel.
func (h *Handler) OnSelfJoinMessage(msg twitch.UserJoinMessage) {
	h.log.Debug("Joined IRC chat", "channel", msg.Channel)
}

// OnSelfPartMessage is called when the client leaves a channel.
func (h *Handler) OnSelfPartMessage(msg twitch.UserPartMessage) {
	h.log.Debug("Left IRC chat", "channel", msg.Channel)
}
