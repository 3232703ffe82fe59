package record

import (
	"encoding/json"
	"testing"
	"time"
)

func decodeRaw(t *testing.T, s string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		t.Fatalf("failed to decode test value: %v", err)
	}
	return v
}

func TestNormalizeDefaults(t *testing.T) {
	raw := decodeRaw(t, `{
		"title": "My chat",
		"createdAt": 1000,
		"updatedAt": 2000,
		"messages": [
			{"role": "user", "content": "hi", "createdAt": 1000}
		]
	}`)

	chat := Normalize("CHAT_abc", raw)

	if chat.ID != "CHAT_abc" {
		t.Errorf("expected id from storage key, got %q", chat.ID)
	}
	if chat.Title != "My chat" {
		t.Errorf("expected title preserved, got %q", chat.Title)
	}
	if chat.CreatedAt != 1000 || chat.UpdatedAt != 2000 {
		t.Errorf("expected timestamps preserved, got %d/%d", chat.CreatedAt, chat.UpdatedAt)
	}
	if len(chat.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(chat.Messages))
	}
	if chat.Messages[0].Role != "user" || chat.Messages[0].CreatedAt != 1000 {
		t.Errorf("message not normalized: %+v", chat.Messages[0])
	}
}

func TestNormalizeNonObject(t *testing.T) {
	for _, raw := range []any{"just a string", 42.0, []any{"a", "b"}, nil} {
		chat := Normalize("CHAT_x", raw)
		if chat == nil {
			t.Fatal("Normalize must never return nil")
		}
		if chat.ID != "CHAT_x" {
			t.Errorf("expected id CHAT_x, got %q", chat.ID)
		}
		if chat.CreatedAt <= 0 || chat.UpdatedAt <= 0 {
			t.Errorf("expected defaulted timestamps, got %d/%d", chat.CreatedAt, chat.UpdatedAt)
		}
		if chat.Messages == nil {
			t.Error("expected empty message slice, got nil")
		}
	}
}

func TestNormalizeTitleFallback(t *testing.T) {
	raw := decodeRaw(t, `{
		"createdAt": 1000,
		"messages": [
			{"role": "assistant", "content": "I should not be the title", "createdAt": 900},
			{"role": "user", "content": "this is a fairly long question about something important enough to truncate", "createdAt": 1000}
		]
	}`)

	chat := Normalize("CHAT_t", raw)
	if len(chat.Title) == 0 || len([]rune(chat.Title)) > 60 {
		t.Errorf("expected title from first user message capped at 60 runes, got %q", chat.Title)
	}
	if chat.Title[:4] != "this" {
		t.Errorf("expected title from user message, got %q", chat.Title)
	}
}

func TestNormalizeMalformedTimestampFallsBackToNow(t *testing.T) {
	before := time.Now().UnixMilli()
	raw := decodeRaw(t, `{"title": "x", "createdAt": "not a timestamp", "messages": []}`)

	chat := Normalize("CHAT_ts", raw)
	if chat.CreatedAt < before {
		t.Errorf("expected createdAt defaulted to now, got %d", chat.CreatedAt)
	}
	if chat.UpdatedAt < chat.CreatedAt {
		t.Errorf("updatedAt %d must not precede createdAt %d", chat.UpdatedAt, chat.CreatedAt)
	}
}

func TestNormalizeRFC3339Timestamp(t *testing.T) {
	raw := decodeRaw(t, `{"title": "x", "createdAt": "2025-06-01T12:00:00Z", "updatedAt": 5000, "messages": []}`)

	chat := Normalize("CHAT_rfc", raw)
	want := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	if chat.CreatedAt != want {
		t.Errorf("expected parsed RFC3339 timestamp %d, got %d", want, chat.CreatedAt)
	}
}

func TestNormalizeSyncedAtClamped(t *testing.T) {
	raw := decodeRaw(t, `{"title": "x", "createdAt": 100, "updatedAt": 200, "syncedAt": 999, "messages": []}`)

	chat := Normalize("CHAT_s", raw)
	if chat.SyncedAt > chat.UpdatedAt {
		t.Errorf("syncedAt %d must be <= updatedAt %d", chat.SyncedAt, chat.UpdatedAt)
	}
}

func TestNormalizePreservesMeta(t *testing.T) {
	raw := decodeRaw(t, `{"title": "x", "createdAt": 100, "updatedAt": 200, "messages": [], "chatParams": {"temperature": 0.5}}`)

	chat := Normalize("CHAT_m", raw)
	if chat.Meta["chatParams"] == nil {
		t.Fatal("expected unknown fields carried in Meta")
	}

	out := chat.ToMap()
	if out["chatParams"] == nil {
		t.Error("expected Meta fields merged back in ToMap")
	}
	if out["id"] != "CHAT_m" {
		t.Errorf("expected id in map, got %v", out["id"])
	}
}

func TestToMapRoundTrip(t *testing.T) {
	chat := &Chat{
		ID:        "CHAT_rt",
		Title:     "round trip",
		CreatedAt: 1000,
		UpdatedAt: 2000,
		Messages: []Message{
			{ID: "m1", Role: "user", Content: "hi", CreatedAt: 1000},
		},
	}

	data, err := json.Marshal(chat.ToMap())
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	got := Normalize("CHAT_rt", raw)
	if got.Title != chat.Title || got.UpdatedAt != chat.UpdatedAt {
		t.Errorf("round trip lost fields: %+v", got)
	}
	if len(got.Messages) != 1 || got.Messages[0].ID != "m1" {
		t.Errorf("round trip lost messages: %+v", got.Messages)
	}
}

func TestSortAndDedupMessages(t *testing.T) {
	chat := &Chat{
		ID: "CHAT_d",
		Messages: []Message{
			{ID: "b", Role: "assistant", CreatedAt: 2000},
			{ID: "a", Role: "user", CreatedAt: 1000},
			{ID: "b", Role: "assistant", CreatedAt: 2000},
			{ID: "c", Role: "user", CreatedAt: 2000},
		},
	}

	chat.DedupMessages()
	chat.SortMessages()

	if len(chat.Messages) != 3 {
		t.Fatalf("expected 3 messages after dedup, got %d", len(chat.Messages))
	}
	want := []string{"a", "b", "c"}
	for i, id := range want {
		if chat.Messages[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, chat.Messages[i].ID)
		}
	}
}

func TestNormalizeFolder(t *testing.T) {
	raw := decodeRaw(t, `{"title": "Work", "color": "#ff0000", "order": 3, "open": true, "updatedAt": 5000}`)

	folder := NormalizeFolder("folder1", raw)
	if folder.ID != "folder1" || folder.Title != "Work" || folder.Order != 3 || !folder.Open {
		t.Errorf("folder not normalized: %+v", folder)
	}
	if folder.UpdatedAt != 5000 {
		t.Errorf("expected updatedAt 5000, got %d", folder.UpdatedAt)
	}
}

func TestSortFolders(t *testing.T) {
	folders := []Folder{
		{ID: "z", Order: 1},
		{ID: "a", Order: 1},
		{ID: "m", Order: 0},
	}
	SortFolders(folders)

	want := []string{"m", "a", "z"}
	for i, id := range want {
		if folders[i].ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, folders[i].ID)
		}
	}
}
