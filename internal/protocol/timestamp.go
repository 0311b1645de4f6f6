package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Layouts accepted for textual timestamps, tried in order. Zone-less values
// are read as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTime parses a timestamp string. The second result is false when no
// layout matched.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// parseWireTime decodes a raw JSON timestamp. Strings go through ParseTime,
// numbers are epoch milliseconds. Anything absent, null or unparseable yields
// fallback.
func parseWireTime(raw json.RawMessage, fallback time.Time) time.Time {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return fallback
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fallback
		}
		if t, ok := ParseTime(s); ok {
			return t
		}
	default:
		var ms float64
		if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 {
			return time.UnixMilli(int64(ms)).UTC()
		}
	}
	return fallback
}

// firstPresent returns the first non-empty, non-null raw value.
func firstPresent(values ...json.RawMessage) json.RawMessage {
	for _, v := range values {
		v = bytes.TrimSpace(v)
		if len(v) > 0 && !bytes.Equal(v, []byte("null")) {
			return v
		}
	}
	return nil
}
