package model

import "fmt"

// TopicKind identifies the category of a subscription topic.
type TopicKind int

const (
	// TopicPointRedemption tracks channel point redemptions on a channel.
	TopicPointRedemption TopicKind = iota
	// TopicWhisper tracks whispers sent to the authenticated user.
	TopicWhisper
	// TopicModeratorAction tracks moderation actions visible to the user
	// in a channel.
	TopicModeratorAction
	// TopicChannelModerate tracks EventSub channel.moderate events for a
	// broadcaster/moderator pair.
	TopicChannelModerate
)

var topicKindNames = map[TopicKind]string{
	TopicPointRedemption: "community-points-channel-v1",
	TopicWhisper:         "whispers",
	TopicModeratorAction: "chat_moderator_actions",
	TopicChannelModerate: "channel.moderate",
}

// String returns the wire prefix (PubSub) or subscription type (EventSub)
// for this topic kind.
func (k TopicKind) String() string {
	if name, ok := topicKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Topic is an immutable value identifying a subscription target. Two topics
// are equal iff their kind and identifiers match; the struct is comparable
// so it can be used directly as a map key for de-duplication and removal.
type Topic struct {
	Kind TopicKind

	// ChannelID and ChannelName identify the channel for point-redemption
	// and moderator-action topics.
	ChannelID   string
	ChannelName string

	// UserID is the authenticated user for whisper and moderator-action
	// topics.
	UserID string

	// BroadcasterID and ModeratorID identify the channel.moderate pair.
	BroadcasterID string
	ModeratorID   string
}

// NewPointRedemptionTopic creates a topic for channel point redemptions.
func NewPointRedemptionTopic(channelID, channelName string) Topic {
	return Topic{Kind: TopicPointRedemption, ChannelID: channelID, ChannelName: channelName}
}

// NewWhisperTopic creates a topic for the user's incoming whispers.
func NewWhisperTopic(userID string) Topic {
	return Topic{Kind: TopicWhisper, UserID: userID}
}

// NewModeratorActionTopic creates a topic for moderation actions performed
// in a channel, as seen by the given user.
func NewModeratorActionTopic(userID, channelID string) Topic {
	return Topic{Kind: TopicModeratorAction, UserID: userID, ChannelID: channelID}
}

// NewChannelModerateTopic creates an EventSub channel.moderate topic.
func NewChannelModerateTopic(broadcasterID, moderatorID string) Topic {
	return Topic{Kind: TopicChannelModerate, BroadcasterID: broadcasterID, ModeratorID: moderatorID}
}

// IsEventSub reports whether this topic is carried by the EventSub protocol
// rather than legacy PubSub.
func (t Topic) IsEventSub() bool {
	return t.Kind == TopicChannelModerate
}

// WireKey returns the full PubSub topic string, e.g.
// "chat_moderator_actions.123.456". It is empty for EventSub-only topics.
func (t Topic) WireKey() string {
	switch t.Kind {
	case TopicPointRedemption:
		return fmt.Sprintf("%s.%s", t.Kind, t.ChannelID)
	case TopicWhisper:
		return fmt.Sprintf("%s.%s", t.Kind, t.UserID)
	case TopicModeratorAction:
		return fmt.Sprintf("%s.%s.%s", t.Kind, t.UserID, t.ChannelID)
	default:
		return ""
	}
}

// EventSubType returns the EventSub subscription type and version for this
// topic. Only meaningful when IsEventSub is true.
func (t Topic) EventSubType() (string, string) {
	if t.Kind == TopicChannelModerate {
		return "channel.moderate", "2"
	}
	return "", ""
}

// EventSubCondition returns the EventSub subscription condition for this
// topic. Only meaningful when IsEventSub is true.
func (t Topic) EventSubCondition() map[string]string {
	if t.Kind == TopicChannelModerate {
		return map[string]string{
			"broadcaster_user_id": t.BroadcasterID,
			"moderator_user_id":   t.ModeratorID,
		}
	}
	return nil
}

// Label returns a human-readable description of the topic for diagnostics.
func (t Topic) Label() string {
	switch t.Kind {
	case TopicPointRedemption:
		return fmt.Sprintf("point redemptions in #%s", t.ChannelName)
	case TopicWhisper:
		return "whispers"
	case TopicModeratorAction:
		return fmt.Sprintf("moderator actions in channel %s", t.ChannelID)
	case TopicChannelModerate:
		return fmt.Sprintf("moderation events in channel %s", t.BroadcasterID)
	default:
		return "unknown topic"
	}
}

// String returns the wire key for PubSub topics and the subscription type
// for EventSub topics.
func (t Topic) String() string {
	if t.IsEventSub() {
		return fmt.Sprintf("%s[%s/%s]", t.Kind, t.BroadcasterID, t.ModeratorID)
	}
	return t.WireKey()
}
