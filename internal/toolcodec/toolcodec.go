// Package toolcodec handles parsing and emitting structured tool-use
// blocks, including the tolerant inline-JSON extraction used as a legacy
// fallback when the upstream channel does not support native tool calls.
package toolcodec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/manifold-proxy/dialect-proxy/internal/chatmsg"
)

const (
	markerPrefix = "[Calling tool: "
	markerSuffix = "]"
	inputLabel   = "Input:"
)

// RenderInline formats a tool_use block in the legacy inline-injection
// shape, only used when native structured tool calls are unavailable.
func RenderInline(b chatmsg.ContentBlock) string {
	return fmt.Sprintf("%s%s%s\n%s %s", markerPrefix, b.ToolName, markerSuffix, inputLabel, string(b.ToolInput))
}

// ExtractBlocks scans text for zero or more "[Calling tool: <name>]\nInput:
// {...}" units and returns the leading prose, the extracted tool_use
// blocks, and any trailing prose after the last unit. Non-blank prose
// between two units, and a unit whose JSON cannot be parsed, appear among
// the blocks as text blocks; whitespace-only gaps between units are dropped.
func ExtractBlocks(text string) (prefix string, blocks []chatmsg.ContentBlock, suffix string) {
	remaining := text
	consumedPrefix := false

	for {
		idx := strings.Index(remaining, markerPrefix)
		if idx < 0 {
			break
		}
		head := remaining[:idx]
		rest := remaining[idx+len(markerPrefix):]

		nameEnd := strings.Index(rest, markerSuffix)
		if nameEnd < 0 {
			break
		}
		name := rest[:nameEnd]
		afterMarker := rest[nameEnd+len(markerSuffix):]

		labelIdx := strings.Index(afterMarker, inputLabel)
		if labelIdx < 0 {
			break
		}
		afterLabel := afterMarker[labelIdx+len(inputLabel):]

		braceIdx := strings.IndexByte(afterLabel, '{')
		if braceIdx < 0 {
			break
		}
		jsonCandidate, rawLen, ok := scanBalancedJSON(afterLabel[braceIdx:])
		if !ok {
			break
		}

		input, parseErr := parseToolInput(jsonCandidate)
		if parseErr != nil {
			// Surface the raw candidate as text rather than dropping it.
			if !consumedPrefix {
				prefix += head
				consumedPrefix = true
			} else {
				blocks = append(blocks, chatmsg.NewTextBlock(head))
			}
			blocks = append(blocks, chatmsg.NewTextBlock(markerPrefix+name+markerSuffix+afterMarker[:labelIdx+len(inputLabel)]+afterLabel[:braceIdx]+jsonCandidate))
			remaining = afterLabel[braceIdx+rawLen:]
			continue
		}

		if !consumedPrefix {
			prefix = head
			consumedPrefix = true
		} else if strings.TrimSpace(head) != "" {
			blocks = append(blocks, chatmsg.NewTextBlock(head))
		}

		blocks = append(blocks, chatmsg.NewToolUseBlock(newCallID(len(blocks)), name, input))
		remaining = afterLabel[braceIdx+rawLen:]
	}

	suffix = remaining
	if !consumedPrefix {
		prefix = ""
		suffix = text
	}
	return prefix, blocks, suffix
}

// scanBalancedJSON scans s (which begins with '{') for the first position
// where brace depth returns to zero, tracking string state and backslash
// escapes so braces inside string literals don't affect depth.
func scanBalancedJSON(s string) (candidate string, consumedLen int, ok bool) {
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && c == '{':
			depth++
		case !inString && c == '}':
			depth--
			if depth == 0 {
				return s[:i+1], i + 1, true
			}
		}
	}
	return "", 0, false
}

// parseToolInput sanitizes then parses a JSON candidate, retrying once
// after stricter sanitization on first failure.
func parseToolInput(candidate string) (json.RawMessage, error) {
	var v any
	if err := json.Unmarshal([]byte(candidate), &v); err == nil {
		return json.RawMessage(candidate), nil
	}

	sanitized := sanitize(candidate, false)
	if err := json.Unmarshal([]byte(sanitized), &v); err == nil {
		return json.RawMessage(sanitized), nil
	}

	stricter := sanitize(candidate, true)
	if err := json.Unmarshal([]byte(stricter), &v); err == nil {
		return json.RawMessage(stricter), nil
	}
	return nil, fmt.Errorf("toolcodec: unparsable tool input candidate")
}

// sanitize escapes raw control bytes found inside string literals and
// strips trailing commas before '}' or ']'. The stricter pass additionally
// collapses any remaining unescaped control bytes outside strings.
func sanitize(candidate string, stricter bool) string {
	var buf bytes.Buffer
	inString := false
	escaped := false

	for i := 0; i < len(candidate); i++ {
		c := candidate[i]
		switch {
		case escaped:
			buf.WriteByte(c)
			escaped = false
		case inString && c == '\\':
			buf.WriteByte(c)
			escaped = true
		case c == '"':
			inString = !inString
			buf.WriteByte(c)
		case inString && c < 0x20:
			fmt.Fprintf(&buf, `\u%04x`, c)
		case stricter && !inString && c < 0x20:
			// drop
		default:
			buf.WriteByte(c)
		}
	}

	out := buf.String()
	out = stripTrailingCommas(out)
	return out
}

func stripTrailingCommas(s string) string {
	var buf bytes.Buffer
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ',' {
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\n' || s[j] == '\t' || s[j] == '\r') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
		}
		buf.WriteByte(c)
	}
	return buf.String()
}

func newCallID(n int) string {
	return fmt.Sprintf("legacy_tool_%d", n)
}

// RenderStructured is a marker function documenting that, in native mode,
// tool_use blocks are handed directly to the dialect converter to build
// structured tool-call wire shapes; it performs no transformation of its
// own beyond dropping tool_use blocks that carry no tool name.
func RenderStructured(blocks []chatmsg.ContentBlock) []chatmsg.ContentBlock {
	out := make([]chatmsg.ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		if b.Kind == chatmsg.BlockToolUse && b.ToolName == "" {
			continue
		}
		out = append(out, b)
	}
	return out
}
