package bridge

import "testing"

func TestResolveVendorModelIDClaude(t *testing.T) {
	got := ResolveVendorModelID("claude-sonnet-4-5")
	if got != "claude-sonnet-4.5" {
		t.Fatalf("got %q, want claude-sonnet-4.5", got)
	}
}

func TestResolveVendorModelIDNonClaudePreserved(t *testing.T) {
	if got := ResolveVendorModelID("gpt-4o"); got != "gpt-4o" {
		t.Fatalf("got %q, want gpt-4o unchanged", got)
	}
}

func TestResolveVendorModelIDEmpty(t *testing.T) {
	if got := ResolveVendorModelID(""); got != "auto" {
		t.Fatalf("got %q, want auto sentinel", got)
	}
}

func TestTranslateRequestHistorySplitsLastMessage(t *testing.T) {
	req := ClientRequest{
		Model: "claude-sonnet-4-5",
		Messages: []ClientMessage{
			{Role: "user", Content: []ContentBlock{NewTextBlock("first")}},
			{Role: "assistant", Content: []ContentBlock{NewTextBlock("reply")}},
			{Role: "user", Content: []ContentBlock{NewTextBlock("second")}},
		},
	}
	vc := VendorContext{VendorModelID: "claude-sonnet-4.5", ConversationID: "c1", TurnID: "t1", ProfileARN: "arn", Origin: "AI_EDITOR"}
	body := TranslateRequest(req, vc)

	cs, ok := body["conversationState"].(map[string]interface{})
	if !ok {
		t.Fatalf("missing conversationState: %+v", body)
	}
	history, ok := cs["history"].([]map[string]interface{})
	if !ok || len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %+v", cs["history"])
	}
	current := cs["currentMessage"].(map[string]interface{})["userInputMessage"].(map[string]interface{})
	if current["content"] != "second" {
		t.Fatalf("current message content = %v, want 'second'", current["content"])
	}
}

func TestTranslateRequestMergesSystemPrompt(t *testing.T) {
	req := ClientRequest{
		Model:    "claude-sonnet-4-5",
		System:   "be terse",
		Messages: []ClientMessage{{Role: "user", Content: []ContentBlock{NewTextBlock("hi")}}},
	}
	vc := VendorContext{VendorModelID: "claude-sonnet-4.5", ConversationID: "c1", TurnID: "t1", ProfileARN: "arn", Origin: "AI_EDITOR"}
	body := TranslateRequest(req, vc)
	current := body["conversationState"].(map[string]interface{})["currentMessage"].(map[string]interface{})["userInputMessage"].(map[string]interface{})
	text := current["content"].(string)
	if !contains(text, "be terse") || !contains(text, "hi") {
		t.Fatalf("expected system prompt merged into current message, got %q", text)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
