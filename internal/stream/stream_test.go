package stream

import (
	"errors"
	"strings"
	"testing"
)

func feed(t *testing.T, target Target, chunks []Chunk, upstreamErr error) string {
	t.Helper()
	var sb strings.Builder
	r := New(&sb, target, "req_test")
	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			ch <- c
		}
	}()
	err := r.Consume(ch, func() error { return upstreamErr })
	if upstreamErr != nil && err == nil {
		t.Fatalf("expected error to propagate")
	}
	return sb.String()
}

func TestAnthropicSimpleTextStream(t *testing.T) {
	out := feed(t, TargetAnthropic, []Chunk{
		{Content: "Hello"},
		{Content: ", world"},
		{FinishReason: "stop"},
	}, nil)

	for _, want := range []string{"event: message_start", "event: content_block_start", "content_block_delta", "event: content_block_stop", "event: message_delta", "event: message_stop"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestOpenAIStreamEndsWithDone(t *testing.T) {
	out := feed(t, TargetOpenAI, []Chunk{
		{Content: "hi"},
		{FinishReason: "stop"},
	}, nil)
	if !strings.HasSuffix(strings.TrimRight(out, "\n"), "data: [DONE]") {
		t.Fatalf("expected stream to end with [DONE] sentinel, got:\n%s", out)
	}
}

func TestToolCallDeltaOpensToolUseBlock(t *testing.T) {
	out := feed(t, TargetAnthropic, []Chunk{
		{ToolCallID: "call_1", ToolCallName: "Read", ToolCallIdx: 0},
		{ToolCallArgs: `{"path":`, ToolCallIdx: 0},
		{ToolCallArgs: `"/tmp/x"}`, ToolCallIdx: 0},
		{FinishReason: "tool_calls"},
	}, nil)
	if !strings.Contains(out, `"type": "tool_use"`) && !strings.Contains(out, `"tool_use"`) {
		t.Fatalf("expected a tool_use content block, got:\n%s", out)
	}
	if !strings.Contains(out, `"tool_use"`) {
		t.Fatalf("expected stop_reason tool_use in message_delta, got:\n%s", out)
	}
}

func TestUpstreamErrorEmitsErrorEventNotBrokenStream(t *testing.T) {
	out := feed(t, TargetAnthropic, []Chunk{{Content: "partial"}}, errors.New("connection reset"))
	if !strings.Contains(out, `"type": "error"`) && !strings.Contains(out, "error") {
		t.Fatalf("expected an error event, got:\n%s", out)
	}
	if strings.Contains(out, "message_stop") {
		t.Fatalf("expected no message_stop after an upstream error, got:\n%s", out)
	}
}

func TestInlineToolMarkerSplitAcrossChunksIsNotLeaked(t *testing.T) {
	out := feed(t, TargetAnthropic, []Chunk{
		{Content: "Sure, let me check. [Calling tool: "},
		{Content: `Read] Input: {"path":"/tmp/x"}`},
		{FinishReason: "stop"},
	}, nil)
	if strings.Contains(out, "[Calling tool:") {
		t.Fatalf("expected inline marker to be converted to a tool_use block, not leaked as text, got:\n%s", out)
	}
}
