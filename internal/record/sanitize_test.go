package record

import (
	"strings"
	"testing"
	"time"
)

func TestSanitizeStripsNilAndCaps(t *testing.T) {
	fields := map[string]any{
		"title":   strings.Repeat("t", MaxTitleLen+50),
		"role":    strings.Repeat("r", MaxRoleLen+10),
		"content": strings.Repeat("c", MaxContentLen+10),
		"gone":    nil,
		"nested": map[string]any{
			"keep": "value",
			"gone": nil,
		},
	}

	out := SanitizeFields(fields)
	if out == nil {
		t.Fatal("expected sanitized map, got nil")
	}
	if _, present := out["gone"]; present {
		t.Error("nil field should be stripped")
	}
	if got := len([]rune(out["title"].(string))); got != MaxTitleLen {
		t.Errorf("title should be capped at %d, got %d", MaxTitleLen, got)
	}
	if got := len([]rune(out["role"].(string))); got != MaxRoleLen {
		t.Errorf("role should be capped at %d, got %d", MaxRoleLen, got)
	}
	if got := len([]rune(out["content"].(string))); got != MaxContentLen {
		t.Errorf("content should be capped at %d, got %d", MaxContentLen, got)
	}
	nested := out["nested"].(map[string]any)
	if nested["keep"] != "value" {
		t.Error("nested values should survive")
	}
	if _, present := nested["gone"]; present {
		t.Error("nested nil should be stripped")
	}
}

func TestSanitizeRejectsCycles(t *testing.T) {
	a := map[string]any{}
	b := map[string]any{"back": a}
	a["fwd"] = b

	if out := SanitizeFields(a); out != nil {
		t.Errorf("cyclic graph must sanitize to nil, got %v", out)
	}
}

func TestSanitizeSharedSubtreeIsNotACycle(t *testing.T) {
	shared := map[string]any{"x": 1.0}
	fields := map[string]any{"a": shared, "b": shared}

	out := SanitizeFields(fields)
	if out == nil {
		t.Fatal("shared (acyclic) subtree should sanitize fine")
	}
	if out["a"].(map[string]any)["x"] != 1.0 || out["b"].(map[string]any)["x"] != 1.0 {
		t.Error("shared subtree lost values")
	}
}

func TestFingerprintStable(t *testing.T) {
	fp1 := Fingerprint("user", "hi", 1000)
	fp2 := Fingerprint("user", "hi", 1000)
	if fp1 != fp2 {
		t.Error("identical messages must fingerprint identically")
	}
	if Fingerprint("user", "hi", 1001) == fp1 {
		t.Error("different createdAt must change the fingerprint")
	}
	if Fingerprint("assistant", "hi", 1000) == fp1 {
		t.Error("different role must change the fingerprint")
	}
}

func TestFingerprintStructuredContent(t *testing.T) {
	structured := []any{map[string]any{"type": "text", "text": "hi"}}
	if Fingerprint("user", structured, 1000) != Fingerprint("user", "hi", 1000) {
		t.Error("structured text content should fingerprint by its text view")
	}
}

func TestIsStreamingReasoningSpan(t *testing.T) {
	now := time.Now().UnixMilli()
	msg := Message{
		Role:      "assistant",
		Content:   "<think>working on it",
		CreatedAt: now - 60_000,
	}
	if !msg.IsStreaming(now) {
		t.Error("unclosed reasoning span should count as streaming")
	}

	msg.Content = "<think>done</think> the answer is 4, which follows from the premise"
	if msg.IsStreaming(now) {
		t.Error("closed reasoning span with settled content is not streaming")
	}
}

func TestIsStreamingFreshShortAssistant(t *testing.T) {
	now := time.Now().UnixMilli()

	fresh := Message{Role: "assistant", Content: "Sure", CreatedAt: now - 100}
	if !fresh.IsStreaming(now) {
		t.Error("fresh short assistant content should count as streaming")
	}

	old := Message{Role: "assistant", Content: "Sure", CreatedAt: now - 60_000}
	if old.IsStreaming(now) {
		t.Error("old content is not streaming even when short")
	}

	user := Message{Role: "user", Content: "ok", CreatedAt: now - 100}
	if user.IsStreaming(now) {
		t.Error("user messages are never streaming")
	}
}
