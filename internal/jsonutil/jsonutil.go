// Package jsonutil provides helper functions for extracting typed values
// from unstructured JSON maps (map[string]any), used by the wire codecs.
package jsonutil

import (
	"encoding/json"
	"time"
)

// IntFromAny converts various numeric types to int.
func IntFromAny(value any) int {
	switch num := value.(type) {
	case float64:
		return int(num)
	case int:
		return num
	case int64:
		return int(num)
	case json.Number:
		i, _ := num.Int64()
		return int(i)
	default:
		return 0
	}
}

// StringFromAny safely converts any value to string.
func StringFromAny(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// IntFromMap extracts an int from a map by key.
func IntFromMap(data map[string]any, key string) int {
	if v, ok := data[key]; ok {
		return IntFromAny(v)
	}
	return 0
}

// StringFromMap extracts a string from a map by key.
func StringFromMap(data map[string]any, key string) string {
	if v, ok := data[key]; ok {
		return StringFromAny(v)
	}
	return ""
}

// MapFromMap extracts a nested object from a map by key, or nil.
func MapFromMap(data map[string]any, key string) map[string]any {
	if v, ok := data[key]; ok {
		if m, ok := v.(map[string]any); ok {
			return m
		}
	}
	return nil
}

// StringsFromMap extracts a slice of strings from a map by key, skipping
// non-string elements.
func StringsFromMap(data map[string]any, key string) []string {
	v, ok := data[key]
	if !ok {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// TimeFromMap extracts an RFC3339 timestamp from a map by key, falling back
// to the current time when absent or malformed.
func TimeFromMap(data map[string]any, key string) time.Time {
	if s := StringFromMap(data, key); s != "" {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
	}
	return time.Now().UTC()
}
