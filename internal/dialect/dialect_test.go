package dialect

import (
	"encoding/json"
	"testing"

	"github.com/manifold-proxy/dialect-proxy/internal/chatmsg"
)

func TestDecodeAnthropicRequestBasic(t *testing.T) {
	body := []byte(`{
		"model": "claude-opus-4-5",
		"max_tokens": 1024,
		"messages": [{"role":"user","content":"Hello"}]
	}`)
	req, err := DecodeAnthropicRequest(body, NormalizeOptions{MergeConsecutiveSameRole: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != chatmsg.RoleUser {
		t.Fatalf("unexpected messages: %+v", req.Messages)
	}
	if req.Messages[0].Content[0].Text != "Hello" {
		t.Fatalf("unexpected content: %+v", req.Messages[0].Content)
	}
}

func TestAnthropicToolPairingKeepsMatchedPairAcrossMerge(t *testing.T) {
	body := []byte(`{
		"model": "claude-opus-4-5",
		"max_tokens": 1024,
		"messages": [
			{"role":"user","content":"read file /tmp/x"},
			{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Read","input":{"path":"/tmp/x"}}]},
			{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"abc"}]},
			{"role":"user","content":"thanks"}
		]
	}`)
	req, err := DecodeAnthropicRequest(body, NormalizeOptions{MergeConsecutiveSameRole: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// "thanks" merges with the tool_result user message by same-role merge,
	// so the final alternating sequence is user, assistant, user.
	if len(req.Messages) != 3 {
		t.Fatalf("expected 3 messages after merge, got %d: %+v", len(req.Messages), req.Messages)
	}
	if req.Messages[1].Content[0].ToolUseID != "t1" {
		t.Fatalf("tool_use id not preserved: %+v", req.Messages[1])
	}
}

func TestAnthropicToolPairingDropsOrphanToolUse(t *testing.T) {
	body := []byte(`{
		"model": "claude-opus-4-5",
		"max_tokens": 1024,
		"messages": [
			{"role":"user","content":"go"},
			{"role":"assistant","content":[{"type":"tool_use","id":"orphan","name":"Read","input":{}}]},
			{"role":"user","content":"no result provided"}
		]
	}`)
	req, err := DecodeAnthropicRequest(body, NormalizeOptions{MergeConsecutiveSameRole: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, m := range req.Messages {
		for _, b := range m.Content {
			if b.Kind == chatmsg.BlockToolUse {
				t.Fatalf("expected orphan tool_use to be dropped, found: %+v", b)
			}
		}
	}
}

func TestAnthropicToolPairingDropsOrphanToolResultAfterToollessAssistant(t *testing.T) {
	body := []byte(`{
		"model": "claude-opus-4-5",
		"max_tokens": 1024,
		"messages": [
			{"role":"user","content":"go"},
			{"role":"assistant","content":"sure, here's some text"},
			{"role":"user","content":[{"type":"tool_result","tool_use_id":"phantom","content":"nobody asked"},{"type":"text","text":"anyway"}]}
		]
	}`)
	req, err := DecodeAnthropicRequest(body, NormalizeOptions{MergeConsecutiveSameRole: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, m := range req.Messages {
		for _, b := range m.Content {
			if b.Kind == chatmsg.BlockToolResult {
				t.Fatalf("expected orphan tool_result to be dropped, found: %+v", b)
			}
		}
	}
}

func TestAnthropicToolPairingDropsOrphanToolResultInFirstMessage(t *testing.T) {
	body := []byte(`{
		"model": "claude-opus-4-5",
		"max_tokens": 1024,
		"messages": [
			{"role":"user","content":[{"type":"text","text":"hi"},{"type":"tool_result","tool_use_id":"ghost","content":"nobody asked"}]},
			{"role":"assistant","content":"hello"},
			{"role":"user","content":"thanks"}
		]
	}`)
	req, err := DecodeAnthropicRequest(body, NormalizeOptions{MergeConsecutiveSameRole: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, m := range req.Messages {
		for _, b := range m.Content {
			if b.Kind == chatmsg.BlockToolResult {
				t.Fatalf("expected orphan tool_result in first message to be dropped, found: %+v", b)
			}
		}
	}
	if req.Messages[0].Content[0].Text != "hi" {
		t.Fatalf("expected surviving text block intact, got: %+v", req.Messages[0])
	}
}

func TestDecodeOpenAIRequestToolRoundTrip(t *testing.T) {
	body := []byte(`{
		"model": "gpt-4",
		"messages": [
			{"role":"user","content":"read file"},
			{"role":"assistant","content":null,"tool_calls":[{"id":"t1","type":"function","function":{"name":"Read","arguments":"{\"path\":\"/tmp/x\"}"}}]},
			{"role":"tool","tool_call_id":"t1","content":"abc"}
		]
	}`)
	req, err := DecodeOpenAIRequest(body, NormalizeOptions{MergeConsecutiveSameRole: true, AllowContinuationPad: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Messages[len(req.Messages)-1].Role != chatmsg.RoleUser {
		t.Fatalf("expected trailing user message, got %+v", req.Messages[len(req.Messages)-1])
	}
	foundToolUse := false
	for _, m := range req.Messages {
		for _, b := range m.Content {
			if b.Kind == chatmsg.BlockToolUse && b.ToolUseID == "t1" {
				foundToolUse = true
			}
		}
	}
	if !foundToolUse {
		t.Fatalf("expected tool_use block to survive: %+v", req.Messages)
	}
}

func TestEncodeDecodeRoundTripAnthropic(t *testing.T) {
	resp := chatmsg.ChatResponse{
		Message:    chatmsg.TextOnly(chatmsg.RoleAssistant, "hi there"),
		StopReason: chatmsg.StopEndTurn,
		Model:      "claude-opus-4-5",
		Usage:      chatmsg.Usage{InputTokens: 5, OutputTokens: 2},
	}
	wire := EncodeAnthropicResponse("req_1", resp)
	data, err := json.Marshal(wire)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded AnthropicResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded.Content[0].Text != "hi there" {
		t.Fatalf("unexpected round-trip content: %+v", decoded.Content)
	}
	if decoded.StopReason != "end_turn" {
		t.Fatalf("unexpected stop reason: %q", decoded.StopReason)
	}
}

func TestStopReasonTranslation(t *testing.T) {
	cases := map[string]chatmsg.StopReason{
		"stop":       chatmsg.StopEndTurn,
		"length":     chatmsg.StopMaxTokens,
		"tool_calls": chatmsg.StopToolUse,
	}
	for in, want := range cases {
		if got := StopReasonFromOpenAI(in); got != want {
			t.Errorf("StopReasonFromOpenAI(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeRejectsNonUserTrailingWithoutPad(t *testing.T) {
	messages := []chatmsg.Message{
		chatmsg.TextOnly(chatmsg.RoleUser, "hi"),
		chatmsg.TextOnly(chatmsg.RoleAssistant, "hello"),
	}
	if _, err := Normalize(messages, NormalizeOptions{}); err == nil {
		t.Fatalf("expected validation error for trailing assistant message")
	}
}
