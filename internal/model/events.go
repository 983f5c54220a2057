package model

import "time"

// Event is a decoded domain event or synthetic system message delivered on
// the merged event stream. The set of implementations is closed; consumers
// dispatch with a type switch.
type Event interface {
	// EventTime returns when the event happened, falling back to receive
	// time when the wire payload carries no timestamp.
	EventTime() time.Time
}

// PointRedemption is a channel point redemption on a subscribed channel.
type PointRedemption struct {
	RedemptionID string
	ChannelID    string
	ChannelName  string
	UserID       string
	UserName     string
	RewardTitle  string
	RewardCost   int
	UserInput    string
	Timestamp    time.Time
}

// Whisper is a private message received by the authenticated user.
type Whisper struct {
	MessageID    string
	FromUserID   string
	FromUserName string
	DisplayName  string
	Color        string
	Body         string
	Timestamp    time.Time
}

// ModeratorAction is a moderation command executed in a subscribed channel,
// e.g. a timeout, ban, or message deletion.
type ModeratorAction struct {
	ChannelID     string
	ModeratorName string
	Action        string
	Args          []string
	TargetUserID  string
	Timestamp     time.Time
}

// ChannelModerate is an EventSub channel.moderate notification.
type ChannelModerate struct {
	BroadcasterID string
	ModeratorID   string
	ModeratorName string
	Action        string
	TargetName    string
	Reason        string
	Timestamp     time.Time
}

// SystemMessage is a synthetic human-readable status line emitted by the
// engine itself: connection-state changes, decode failures, revocations.
type SystemMessage struct {
	Text      string
	Timestamp time.Time
}

func (e PointRedemption) EventTime() time.Time { return e.Timestamp }
func (e Whisper) EventTime() time.Time         { return e.Timestamp }
func (e ModeratorAction) EventTime() time.Time { return e.Timestamp }
func (e ChannelModerate) EventTime() time.Time { return e.Timestamp }
func (e SystemMessage) EventTime() time.Time   { return e.Timestamp }

// NewSystemMessage creates a SystemMessage stamped with the current time.
func NewSystemMessage(text string) SystemMessage {
	return SystemMessage{Text: text, Timestamp: time.Now()}
}
