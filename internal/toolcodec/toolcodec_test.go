package toolcodec

import (
	"encoding/json"
	"testing"

	"github.com/manifold-proxy/dialect-proxy/internal/chatmsg"
)

func TestExtractBlocksSingleToolCall(t *testing.T) {
	text := `Sure, let me check that file.
[Calling tool: Read]
Input: {"path": "/tmp/x"}
Done.`

	prefix, blocks, suffix := ExtractBlocks(text)

	if prefix != "Sure, let me check that file.\n" {
		t.Fatalf("unexpected prefix: %q", prefix)
	}
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	if blocks[0].ToolName != "Read" {
		t.Fatalf("unexpected tool name: %q", blocks[0].ToolName)
	}
	var input map[string]any
	if err := json.Unmarshal(blocks[0].ToolInput, &input); err != nil {
		t.Fatalf("tool input did not parse: %v", err)
	}
	if input["path"] != "/tmp/x" {
		t.Fatalf("unexpected path: %v", input["path"])
	}
	if suffix != "\nDone." {
		t.Fatalf("unexpected suffix: %q", suffix)
	}
}

func TestExtractBlocksNoMarker(t *testing.T) {
	text := "just plain text, nothing to extract"
	prefix, blocks, suffix := ExtractBlocks(text)
	if prefix != "" || len(blocks) != 0 || suffix != text {
		t.Fatalf("expected passthrough, got prefix=%q blocks=%d suffix=%q", prefix, len(blocks), suffix)
	}
}

func TestExtractBlocksMultipleCalls(t *testing.T) {
	text := `[Calling tool: A]
Input: {"x": 1}
[Calling tool: B]
Input: {"y": 2}
`
	_, blocks, _ := ExtractBlocks(text)
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	if blocks[0].ToolName != "A" || blocks[1].ToolName != "B" {
		t.Fatalf("unexpected tool order: %+v", blocks)
	}
}

func TestExtractBlocksNestedBraces(t *testing.T) {
	text := `[Calling tool: Query]
Input: {"filter": {"a": 1, "b": {"c": 2}}}
after`
	_, blocks, suffix := ExtractBlocks(text)
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	var input map[string]any
	if err := json.Unmarshal(blocks[0].ToolInput, &input); err != nil {
		t.Fatalf("nested JSON did not parse: %v", err)
	}
	if suffix != "\nafter" {
		t.Fatalf("unexpected suffix: %q", suffix)
	}
}

func TestExtractBlocksTrailingComma(t *testing.T) {
	text := `[Calling tool: Bad]
Input: {"a": 1, "b": 2,}
`
	_, blocks, _ := ExtractBlocks(text)
	if len(blocks) != 1 {
		t.Fatalf("expected trailing comma to be sanitized, got %d blocks", len(blocks))
	}
}

func TestRenderInline(t *testing.T) {
	b := chatmsg.NewToolUseBlock("t1", "Read", json.RawMessage(`{"path":"/tmp/x"}`))
	out := RenderInline(b)
	want := "[Calling tool: Read]\nInput: {\"path\":\"/tmp/x\"}"
	if out != want {
		t.Fatalf("got %q want %q", out, want)
	}
}
