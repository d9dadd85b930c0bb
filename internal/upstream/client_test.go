package upstream

import (
	"encoding/json"
	"testing"

	"github.com/manifold-proxy/dialect-proxy/internal/chatmsg"
)

func TestFinishReasonToNormalized(t *testing.T) {
	cases := map[string]chatmsg.StopReason{
		"stop":       chatmsg.StopEndTurn,
		"":           chatmsg.StopEndTurn,
		"length":     chatmsg.StopMaxTokens,
		"tool_calls": chatmsg.StopToolUse,
		"content_filter": chatmsg.StopError,
	}
	for reason, want := range cases {
		if got := finishReasonToNormalized(reason); got != want {
			t.Fatalf("finishReasonToNormalized(%q) = %v, want %v", reason, got, want)
		}
	}
}

func TestBlocksToPlainTextConcatenatesTextBlocksOnly(t *testing.T) {
	blocks := []chatmsg.ContentBlock{
		chatmsg.NewTextBlock("hello "),
		chatmsg.NewToolUseBlock("t1", "Read", nil),
		chatmsg.NewTextBlock("world"),
	}
	if got := blocksToPlainText(blocks); got != "hello world" {
		t.Fatalf("got %q", got)
	}
}

func TestSoleToolResultDetection(t *testing.T) {
	single := chatmsg.Message{Content: []chatmsg.ContentBlock{chatmsg.NewToolResultBlock("t1", "42", false)}}
	if _, ok := soleToolResult(single); !ok {
		t.Fatalf("expected sole tool result to be detected")
	}

	mixed := chatmsg.Message{Content: []chatmsg.ContentBlock{
		chatmsg.NewToolResultBlock("t1", "42", false),
		chatmsg.NewTextBlock("also this"),
	}}
	if _, ok := soleToolResult(mixed); ok {
		t.Fatalf("expected mixed-content message not to be treated as a sole tool result")
	}
}

func TestRawSchemaToParametersFallsBackOnEmptyOrInvalid(t *testing.T) {
	if params := rawSchemaToParameters(nil); params["type"] != "object" {
		t.Fatalf("expected object fallback for nil schema, got %+v", params)
	}
	if params := rawSchemaToParameters([]byte("not json")); params["type"] != "object" {
		t.Fatalf("expected object fallback for invalid schema, got %+v", params)
	}

	valid := json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`)
	params := rawSchemaToParameters(valid)
	if params["type"] != "object" {
		t.Fatalf("expected parsed schema type object, got %+v", params)
	}
}

func TestResponseToNormalizedHandlesEmptyChoices(t *testing.T) {
	got := responseToNormalized(nil)
	if got.StopReason != chatmsg.StopError {
		t.Fatalf("expected StopError for nil response, got %+v", got)
	}
}
