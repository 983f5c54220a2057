package pubsub

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flex3r/dankchat-realtime/internal/jsonutil"
	"github.com/flex3r/dankchat-realtime/internal/model"
)

// ErrUnhandledType marks frames and payloads the codec recognizes as valid
// JSON but has no decoder for. Callers skip these without surfacing a
// diagnostic.
var ErrUnhandledType = errors.New("unhandled message type")

// Inbound is a decoded server frame. The set of implementations is closed;
// the connection dispatches with a type switch.
type Inbound interface {
	inboundFrame()
}

// Pong is the server's keepalive response.
type Pong struct{}

// ReconnectRequest instructs the client to drop the socket and reconnect.
type ReconnectRequest struct{}

// Ack is the server's response to a LISTEN or UNLISTEN request. Error is
// empty on success.
type Ack struct {
	Nonce string
	Error string
}

// TopicEvent is a pushed message for a subscribed topic, decoded into a
// domain event.
type TopicEvent struct {
	Topic string
	Event model.Event
}

func (Pong) inboundFrame()             {}
func (ReconnectRequest) inboundFrame() {}
func (Ack) inboundFrame()              {}
func (TopicEvent) inboundFrame()       {}

// Decode parses a raw text frame into an Inbound value. A frame the codec
// cannot decode yields an error and must be skipped by the caller; it is
// never a reason to tear down the connection.
func Decode(raw []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parsing envelope: %w", err)
	}

	switch env.Type {
	case TypePong:
		return Pong{}, nil
	case TypeReconnect:
		return ReconnectRequest{}, nil
	case TypeResponse:
		return Ack{Nonce: env.Nonce, Error: env.Error}, nil
	case TypeMessage:
		return decodeTopicMessage(env.Data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnhandledType, env.Type)
	}
}

func decodeTopicMessage(rawData json.RawMessage) (Inbound, error) {
	var data messageData
	if err := json.Unmarshal(rawData, &data); err != nil {
		return nil, fmt.Errorf("parsing MESSAGE data: %w", err)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(data.Message), &body); err != nil {
		return nil, fmt.Errorf("parsing payload for topic %s: %w", data.Topic, err)
	}

	event, err := decodePayload(data.Topic, body)
	if err != nil {
		return nil, err
	}
	return TopicEvent{Topic: data.Topic, Event: event}, nil
}

// decodePayload dispatches on the topic prefix and the payload's own type
// tag to produce a concrete domain event.
func decodePayload(topic string, body map[string]any) (model.Event, error) {
	prefix, rest, _ := strings.Cut(topic, ".")
	msgType := jsonutil.StringFromMap(body, "type")

	switch prefix {
	case model.TopicPointRedemption.String():
		if msgType != "reward-redeemed" {
			return nil, fmt.Errorf("%w: %s/%s", ErrUnhandledType, prefix, msgType)
		}
		return decodeRedemption(body)

	case model.TopicWhisper.String():
		if msgType != "whisper_received" {
			return nil, fmt.Errorf("%w: %s/%s", ErrUnhandledType, prefix, msgType)
		}
		return decodeWhisper(body)

	case model.TopicModeratorAction.String():
		if msgType != "moderation_action" {
			return nil, fmt.Errorf("%w: %s/%s", ErrUnhandledType, prefix, msgType)
		}
		// chat_moderator_actions.<userID>.<channelID>
		channelID := rest
		if _, cid, ok := strings.Cut(rest, "."); ok {
			channelID = cid
		}
		return decodeModeratorAction(channelID, body)

	default:
		return nil, fmt.Errorf("%w: topic %s", ErrUnhandledType, topic)
	}
}

func decodeRedemption(body map[string]any) (model.Event, error) {
	data := jsonutil.MapFromMap(body, "data")
	redemption := jsonutil.MapFromMap(data, "redemption")
	if redemption == nil {
		return nil, fmt.Errorf("reward-redeemed payload missing redemption object")
	}

	user := jsonutil.MapFromMap(redemption, "user")
	reward := jsonutil.MapFromMap(redemption, "reward")

	return model.PointRedemption{
		RedemptionID: jsonutil.StringFromMap(redemption, "id"),
		ChannelID:    jsonutil.StringFromMap(redemption, "channel_id"),
		UserID:       jsonutil.StringFromMap(user, "id"),
		UserName:     jsonutil.StringFromMap(user, "display_name"),
		RewardTitle:  jsonutil.StringFromMap(reward, "title"),
		RewardCost:   jsonutil.IntFromMap(reward, "cost"),
		UserInput:    jsonutil.StringFromMap(redemption, "user_input"),
		Timestamp:    jsonutil.TimeFromMap(data, "timestamp"),
	}, nil
}

func decodeWhisper(body map[string]any) (model.Event, error) {
	obj := jsonutil.MapFromMap(body, "data_object")
	if obj == nil {
		return nil, fmt.Errorf("whisper payload missing data_object")
	}

	tags := jsonutil.MapFromMap(obj, "tags")

	sent := time.Now().UTC()
	if ts := jsonutil.IntFromMap(obj, "sent_ts"); ts > 0 {
		sent = time.Unix(int64(ts), 0).UTC()
	}

	return model.Whisper{
		MessageID:    jsonutil.StringFromMap(obj, "message_id"),
		FromUserID:   jsonutil.StringFromAny(obj["from_id"]),
		FromUserName: jsonutil.StringFromMap(tags, "login"),
		DisplayName:  jsonutil.StringFromMap(tags, "display_name"),
		Color:        jsonutil.StringFromMap(tags, "color"),
		Body:         jsonutil.StringFromMap(obj, "body"),
		Timestamp:    sent,
	}, nil
}

func decodeModeratorAction(channelID string, body map[string]any) (model.Event, error) {
	data := jsonutil.MapFromMap(body, "data")
	if data == nil {
		return nil, fmt.Errorf("moderation_action payload missing data object")
	}

	return model.ModeratorAction{
		ChannelID:     channelID,
		ModeratorName: jsonutil.StringFromMap(data, "created_by"),
		Action:        jsonutil.StringFromMap(data, "moderation_action"),
		Args:          jsonutil.StringsFromMap(data, "args"),
		TargetUserID:  jsonutil.StringFromMap(data, "target_user_id"),
		Timestamp:     jsonutil.TimeFromMap(data, "created_at"),
	}, nil
}
