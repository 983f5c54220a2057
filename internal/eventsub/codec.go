package eventsub

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flex3r/dankchat-realtime/internal/jsonutil"
	"github.com/flex3r/dankchat-realtime/internal/model"
)

// ErrUnhandledType marks messages the codec recognizes as valid EventSub
// envelopes but has no decoder for. Callers skip these silently.
var ErrUnhandledType = errors.New("unhandled message type")

// DefaultKeepaliveTimeout applies when a welcome carries no
// keepalive_timeout_seconds.
const DefaultKeepaliveTimeout = 10 * time.Second

// Decode parses a raw EventSub frame into an Inbound value. The envelope is
// hoisted first so every message kind dispatches on the same co-located
// type tags. A frame the codec cannot decode yields an error and must be
// skipped by the caller; it is never a reason to tear down the session.
func Decode(raw []byte) (Inbound, error) {
	var envelope map[string]any
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("parsing envelope: %w", err)
	}

	hoisted := Hoist(envelope)
	payload := jsonutil.MapFromMap(hoisted, "payload")

	switch msgType := jsonutil.StringFromMap(hoisted, "type"); msgType {
	case TypeWelcome:
		session := jsonutil.MapFromMap(payload, "session")
		if session == nil {
			return nil, fmt.Errorf("welcome payload missing session object")
		}
		keepalive := DefaultKeepaliveTimeout
		if secs := jsonutil.IntFromMap(session, "keepalive_timeout_seconds"); secs > 0 {
			keepalive = time.Duration(secs) * time.Second
		}
		return Welcome{
			SessionID:        jsonutil.StringFromMap(session, "id"),
			Status:           jsonutil.StringFromMap(session, "status"),
			KeepaliveTimeout: keepalive,
		}, nil

	case TypeKeepalive:
		return Keepalive{}, nil

	case TypeReconnect:
		session := jsonutil.MapFromMap(payload, "session")
		if session == nil {
			return nil, fmt.Errorf("reconnect payload missing session object")
		}
		return ReconnectNotice{
			SessionID:    jsonutil.StringFromMap(session, "id"),
			ReconnectURL: jsonutil.StringFromMap(session, "reconnect_url"),
		}, nil

	case TypeNotification:
		subscription := jsonutil.MapFromMap(payload, "subscription")
		event := jsonutil.MapFromMap(payload, "event")
		decoded, err := decodeEvent(event)
		if err != nil {
			return nil, err
		}
		return Notification{
			SubscriptionID:   jsonutil.StringFromMap(subscription, "id"),
			SubscriptionType: jsonutil.StringFromMap(subscription, "type"),
			Event:            decoded,
		}, nil

	case TypeRevocation:
		subscription := jsonutil.MapFromMap(payload, "subscription")
		if subscription == nil {
			return nil, fmt.Errorf("revocation payload missing subscription object")
		}
		return Revocation{
			SubscriptionID:   jsonutil.StringFromMap(subscription, "id"),
			SubscriptionType: jsonutil.StringFromMap(subscription, "type"),
			Status:           jsonutil.StringFromMap(subscription, "status"),
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnhandledType, msgType)
	}
}

// decodeEvent dispatches on the hoisted event-level type tag.
func decodeEvent(event map[string]any) (model.Event, error) {
	switch eventType := jsonutil.StringFromMap(event, "type"); eventType {
	case "channel.moderate":
		return decodeChannelModerate(event), nil
	default:
		return nil, fmt.Errorf("%w: event %q", ErrUnhandledType, eventType)
	}
}

func decodeChannelModerate(event map[string]any) model.Event {
	out := model.ChannelModerate{
		BroadcasterID: jsonutil.StringFromMap(event, "broadcaster_user_id"),
		ModeratorID:   jsonutil.StringFromMap(event, "moderator_user_id"),
		ModeratorName: jsonutil.StringFromMap(event, "moderator_user_login"),
		Action:        jsonutil.StringFromMap(event, "action"),
		Timestamp:     time.Now().UTC(),
	}

	// Action-specific detail objects carry the target and reason, e.g.
	// {"action":"timeout","timeout":{"user_login":...,"reason":...}}.
	if detail := jsonutil.MapFromMap(event, out.Action); detail != nil {
		out.TargetName = jsonutil.StringFromMap(detail, "user_login")
		out.Reason = jsonutil.StringFromMap(detail, "reason")
	}
	return out
}
