package eventsub

import "github.com/flex3r/dankchat-realtime/internal/jsonutil"

// Hoist normalizes a decoded EventSub envelope so a generic tagged-union
// decoder can dispatch on co-located fields: metadata.message_type is
// copied to the envelope's top level, and for notification envelopes the
// discriminator nested under payload.subscription.type is copied into
// payload.event.type.
//
// The transform is pure: the input map is never mutated, and any object on
// the path to a modified field is shallow-copied first. Payloads whose
// discriminator is already positioned correctly pass through structurally
// unchanged apart from the top-level type copy.
func Hoist(envelope map[string]any) map[string]any {
	metadata := jsonutil.MapFromMap(envelope, "metadata")
	messageType := jsonutil.StringFromMap(metadata, "message_type")

	out := envelope
	if jsonutil.StringFromMap(envelope, "type") != messageType {
		out = cloneWith(envelope, "type", messageType)
	}

	if messageType != TypeNotification {
		return out
	}

	payload := jsonutil.MapFromMap(out, "payload")
	subscription := jsonutil.MapFromMap(payload, "subscription")
	event := jsonutil.MapFromMap(payload, "event")
	subType := jsonutil.StringFromMap(subscription, "type")
	if subType == "" || event == nil {
		return out
	}
	if jsonutil.StringFromMap(event, "type") == subType {
		return out
	}

	newEvent := cloneWith(event, "type", subType)
	newPayload := cloneWith(payload, "event", newEvent)
	return cloneWith(out, "payload", newPayload)
}

// cloneWith returns a shallow copy of m with key set to value.
func cloneWith(m map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[key] = value
	return out
}
