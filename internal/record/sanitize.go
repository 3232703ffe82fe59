package record

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"reflect"
	"strings"
	"unicode/utf8"
)

// Field length caps for remote storage. Oversized fields are truncated,
// never rejected, so a pathological local record still syncs.
const (
	MaxTitleLen   = 500
	MaxContentLen = 100_000
	MaxRoleLen    = 50
	MaxModelLen   = 100
)

// streamGuard parameters: an assistant message younger than this and
// shorter than this is assumed to still be generating and is held back
// from upload until the next pass.
const (
	streamFreshMillis = 5_000
	streamShortRunes  = 40
)

// SanitizeFields prepares a field map for remote storage: nil values and
// unsupported types are stripped recursively, strings are capped, and
// numeric timestamps pass through as int64 millis. Returns nil if the
// value graph contains a cycle.
func SanitizeFields(fields map[string]any) map[string]any {
	seen := make(map[uintptr]bool)
	out, ok := sanitizeValue(fields, seen, "")
	if !ok {
		return nil
	}
	m, _ := out.(map[string]any)
	return m
}

// sanitizeValue walks one value. The second return is false only when a
// cycle was detected somewhere under v.
func sanitizeValue(v any, seen map[uintptr]bool, key string) (any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, true
	case string:
		return capString(key, t), true
	case bool, int, int64, float64:
		return t, true
	case map[string]any:
		ptr := reflect.ValueOf(t).Pointer()
		if seen[ptr] {
			return nil, false
		}
		seen[ptr] = true
		defer delete(seen, ptr)

		out := make(map[string]any, len(t))
		for k, val := range t {
			if val == nil {
				continue
			}
			clean, ok := sanitizeValue(val, seen, k)
			if !ok {
				return nil, false
			}
			if clean != nil {
				out[k] = clean
			}
		}
		return out, true
	case []any:
		ptr := reflect.ValueOf(t).Pointer()
		if seen[ptr] {
			return nil, false
		}
		seen[ptr] = true
		defer delete(seen, ptr)

		out := make([]any, 0, len(t))
		for _, val := range t {
			clean, ok := sanitizeValue(val, seen, key)
			if !ok {
				return nil, false
			}
			out = append(out, clean)
		}
		return out, true
	default:
		// Unsupported type (func, chan, struct). Best effort: stringify
		// anything with a String method, drop the rest.
		if s, ok := v.(fmt.Stringer); ok {
			return capString(key, s.String()), true
		}
		return nil, true
	}
}

// capString applies the per-field length cap based on the field name.
func capString(key, s string) string {
	switch key {
	case "title":
		return truncate(s, MaxTitleLen)
	case "role":
		return truncate(s, MaxRoleLen)
	case "model":
		return truncate(s, MaxModelLen)
	case "content", "text":
		return truncate(s, MaxContentLen)
	default:
		if utf8.RuneCountInString(s) > MaxContentLen {
			return truncate(s, MaxContentLen)
		}
		return s
	}
}

// Fingerprint identifies a message without an id by its observable
// content. Two devices uploading the same id-less message concurrently
// produce the same fingerprint, so the second upload collapses into the
// first. Known limitation: two genuinely distinct messages with identical
// role, content, and createdAt also collapse.
func Fingerprint(role string, content any, createdAt int64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d", role, ContentText(content), createdAt)
	return hex.EncodeToString(h.Sum(nil))
}

// IsStreaming reports whether the message looks mid-generation at the
// given time: an opened but unclosed reasoning span, or assistant content
// that is both very fresh and very short. Such messages are excluded from
// upload so partial output is never persisted remotely.
func (m Message) IsStreaming(now int64) bool {
	text := ContentText(m.Content)

	if strings.Count(text, "<think>") > strings.Count(text, "</think>") {
		return true
	}

	if m.Role == "assistant" {
		age := now - m.CreatedAt
		if m.UpdatedAt > 0 && now-m.UpdatedAt < age {
			age = now - m.UpdatedAt
		}
		if age < streamFreshMillis && utf8.RuneCountInString(text) < streamShortRunes {
			return true
		}
	}
	return false
}
