package record

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"
)

// titleFallbackLen is how many characters of the first user message are
// used when a chat has no title.
const titleFallbackLen = 60

// chatFields are the keys the normalizer interprets. Everything else in a
// raw chat value is carried through in Meta untouched.
var chatFields = map[string]bool{
	"id": true, "title": true, "model": true, "folderID": true,
	"messages": true, "createdAt": true, "updatedAt": true, "syncedAt": true,
}

// Normalize converts a raw local value and its storage key into a canonical
// Chat. It never fails: missing or malformed fields are defaulted, and a
// non-object raw value yields an empty but valid chat. The storage key is
// the stable identity.
func Normalize(key string, raw any) *Chat {
	chat := &Chat{ID: key}

	obj, ok := raw.(map[string]any)
	if !ok {
		chat.CreatedAt = Now()
		chat.UpdatedAt = chat.CreatedAt
		chat.Messages = []Message{}
		return chat
	}

	chat.Title, _ = obj["title"].(string)
	chat.Model, _ = obj["model"].(string)
	chat.FolderID, _ = obj["folderID"].(string)
	chat.CreatedAt = millisOr(obj["createdAt"], 0)
	chat.UpdatedAt = millisOr(obj["updatedAt"], 0)
	chat.SyncedAt = millisOr(obj["syncedAt"], 0)

	if msgs, ok := obj["messages"].([]any); ok {
		chat.Messages = make([]Message, 0, len(msgs))
		for _, m := range msgs {
			chat.Messages = append(chat.Messages, normalizeMessage(m))
		}
	} else {
		chat.Messages = []Message{}
	}

	for k, v := range obj {
		if chatFields[k] {
			continue
		}
		if chat.Meta == nil {
			chat.Meta = make(map[string]any)
		}
		chat.Meta[k] = v
	}

	now := Now()
	if chat.CreatedAt <= 0 {
		chat.CreatedAt = now
	}
	if chat.UpdatedAt <= 0 {
		chat.UpdatedAt = chat.CreatedAt
	}
	if chat.SyncedAt > chat.UpdatedAt {
		chat.SyncedAt = chat.UpdatedAt
	}
	if chat.Title == "" {
		chat.Title = fallbackTitle(chat.Messages)
	}

	return chat
}

// normalizeMessage converts one raw message value. Non-object values become
// a bare user message with the value as content.
func normalizeMessage(raw any) Message {
	obj, ok := raw.(map[string]any)
	if !ok {
		return Message{Role: "user", Content: raw, CreatedAt: Now()}
	}

	msg := Message{Content: obj["content"]}
	msg.ID, _ = obj["id"].(string)
	msg.Role, _ = obj["role"].(string)
	msg.Model, _ = obj["model"].(string)
	msg.CreatedAt = millisOr(obj["createdAt"], 0)
	msg.UpdatedAt = millisOr(obj["updatedAt"], 0)

	if msg.Role == "" {
		msg.Role = "user"
	}
	if msg.CreatedAt <= 0 {
		msg.CreatedAt = Now()
	}
	return msg
}

// NormalizeFolder converts a raw folder value into a canonical Folder.
// Like Normalize, it never fails.
func NormalizeFolder(id string, raw any) *Folder {
	folder := &Folder{ID: id}

	obj, ok := raw.(map[string]any)
	if !ok {
		folder.UpdatedAt = Now()
		return folder
	}

	folder.Title, _ = obj["title"].(string)
	folder.Color, _ = obj["color"].(string)
	folder.Open, _ = obj["open"].(bool)
	if n, ok := coerceMillis(obj["order"]); ok {
		folder.Order = int(n)
	}
	folder.UpdatedAt = millisOr(obj["updatedAt"], 0)
	folder.DeletedAt = millisOr(obj["deletedAt"], 0)

	if folder.UpdatedAt <= 0 {
		folder.UpdatedAt = Now()
	}
	return folder
}

// ToMap flattens the chat back into the raw shape stored locally, merging
// the opaque Meta fields underneath the interpreted ones.
func (c *Chat) ToMap() map[string]any {
	out := make(map[string]any, len(c.Meta)+8)
	for k, v := range c.Meta {
		out[k] = v
	}

	out["id"] = c.ID
	out["title"] = c.Title
	out["createdAt"] = c.CreatedAt
	out["updatedAt"] = c.UpdatedAt
	if c.SyncedAt > 0 {
		out["syncedAt"] = c.SyncedAt
	}
	if c.Model != "" {
		out["model"] = c.Model
	}
	if c.FolderID != "" {
		out["folderID"] = c.FolderID
	}

	msgs := make([]any, 0, len(c.Messages))
	for _, m := range c.Messages {
		msgs = append(msgs, m.toMap())
	}
	out["messages"] = msgs
	return out
}

// ToMap flattens the folder back into the raw shape stored locally.
func (f *Folder) ToMap() map[string]any {
	out := map[string]any{
		"id":        f.ID,
		"title":     f.Title,
		"order":     f.Order,
		"open":      f.Open,
		"updatedAt": f.UpdatedAt,
	}
	if f.Color != "" {
		out["color"] = f.Color
	}
	if f.DeletedAt > 0 {
		out["deletedAt"] = f.DeletedAt
	}
	return out
}

func (m Message) toMap() map[string]any {
	out := map[string]any{
		"role":      m.Role,
		"content":   m.Content,
		"createdAt": m.CreatedAt,
	}
	if m.ID != "" {
		out["id"] = m.ID
	}
	if m.Model != "" {
		out["model"] = m.Model
	}
	if m.UpdatedAt > 0 {
		out["updatedAt"] = m.UpdatedAt
	}
	return out
}

// ContentText extracts the plain-text view of a message content value.
// Structured content (a list of typed parts) contributes its text parts
// joined by newlines.
func ContentText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var parts []string
		for _, p := range v {
			if obj, ok := p.(map[string]any); ok {
				if text, ok := obj["text"].(string); ok {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

// fallbackTitle derives a title from the first user message.
func fallbackTitle(msgs []Message) string {
	for _, m := range msgs {
		if m.Role != "user" {
			continue
		}
		text := strings.TrimSpace(ContentText(m.Content))
		if text == "" {
			continue
		}
		return truncate(text, titleFallbackLen)
	}
	return "Untitled chat"
}

// truncate caps s at max characters (runes, not bytes).
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

// millisOr coerces v to epoch millis, returning def when it cannot.
func millisOr(v any, def int64) int64 {
	if ms, ok := coerceMillis(v); ok {
		return ms
	}
	return def
}

// coerceMillis converts the timestamp shapes seen in raw records: JSON
// numbers, integers, json.Number, and RFC 3339 strings.
func coerceMillis(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int64:
		return t, true
	case int:
		return int64(t), true
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, true
		}
		if f, err := t.Float64(); err == nil {
			return int64(f), true
		}
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts.UnixMilli(), true
		}
	}
	return 0, false
}
