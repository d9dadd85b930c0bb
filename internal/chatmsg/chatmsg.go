// Package chatmsg holds the dialect-free conversation model every other
// component builds on: messages, content blocks, tool specs, and the
// normalized request/response envelopes described in the proxy's data model.
package chatmsg

import "encoding/json"

// Role is the speaker of a Message after normalization. System content is
// extracted into ChatRequest.System and never appears as a message role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// BlockKind tags the variant a ContentBlock carries.
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockToolUse    BlockKind = "tool_use"
	BlockToolResult BlockKind = "tool_result"
	BlockThinking   BlockKind = "thinking"
)

// ContentBlock is a tagged variant: exactly one of the kind-specific fields
// below is meaningful, selected by Kind.
type ContentBlock struct {
	Kind BlockKind

	// BlockText
	Text string

	// BlockToolUse
	ToolUseID   string
	ToolName    string
	ToolInput   json.RawMessage

	// BlockToolResult
	ToolResultID      string
	ToolResultContent string
	ToolResultBlocks  []ContentBlock
	ToolResultIsError bool

	// BlockThinking — opaque passthrough, never transformed.
	Thinking          string
	ThinkingSignature string
}

func NewTextBlock(text string) ContentBlock {
	return ContentBlock{Kind: BlockText, Text: text}
}

func NewToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Kind: BlockToolUse, ToolUseID: id, ToolName: name, ToolInput: input}
}

func NewToolResultBlock(id, content string, isError bool) ContentBlock {
	return ContentBlock{Kind: BlockToolResult, ToolResultID: id, ToolResultContent: content, ToolResultIsError: isError}
}

func NewThinkingBlock(text, signature string) ContentBlock {
	return ContentBlock{Kind: BlockThinking, Thinking: text, ThinkingSignature: signature}
}

// CharLen is the block's contribution to character-budget accounting.
func (b ContentBlock) CharLen() int {
	switch b.Kind {
	case BlockText:
		return len(b.Text)
	case BlockToolUse:
		return len(b.ToolName) + len(b.ToolInput)
	case BlockToolResult:
		n := len(b.ToolResultContent)
		for _, sub := range b.ToolResultBlocks {
			n += sub.CharLen()
		}
		return n
	case BlockThinking:
		return len(b.Thinking)
	default:
		return 0
	}
}

// Message is one turn in a normalized conversation.
type Message struct {
	Role    Role
	Content []ContentBlock
}

// CharLen sums the message's content blocks.
func (m Message) CharLen() int {
	n := 0
	for _, b := range m.Content {
		n += b.CharLen()
	}
	return n
}

// IsEmpty reports whether the message has no meaningful content, the
// condition alternation enforcement drops messages for.
func (m Message) IsEmpty() bool {
	for _, b := range m.Content {
		switch b.Kind {
		case BlockText:
			if b.Text != "" {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// TextOnly builds a single-block text message, the common case for
// synthetic continuation/summary messages.
func TextOnly(role Role, text string) Message {
	return Message{Role: role, Content: []ContentBlock{NewTextBlock(text)}}
}

// ToolSpec describes one callable tool offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// StopReason is the dialect-free terminal reason a response ended.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopToolUse      StopReason = "tool_use"
	StopStopSequence StopReason = "stop_sequence"
	StopError        StopReason = "error"
)

// Usage carries input/output token accounting, exact or estimated.
type Usage struct {
	InputTokens  int
	OutputTokens int
	Estimated    bool
}

// ChatRequest is the dialect-free request envelope. Created per HTTP
// request, mutated only by dialect normalization, history management, and
// routing, discarded when the response completes.
type ChatRequest struct {
	Messages         []Message
	System           []ContentBlock
	Tools            []ToolSpec
	Model            string
	MaxTokens        int
	Temperature      *float64
	TopP             *float64
	Stream           bool
	StopSequences    []string
	ExtendedThinking bool
	Metadata         map[string]any

	// RequestID and SessionKey are set by the orchestrator but travel with
	// the request so every downstream component can log them.
	RequestID  string
	SessionKey string
}

// ChatResponse is the dialect-free response envelope.
type ChatResponse struct {
	Message    Message
	StopReason StopReason
	Usage      Usage
	Model      string
}

// CountToolCalls returns the number of tool_use blocks across assistant
// messages, the signal the router's execution-phase rule reads.
func CountToolCalls(messages []Message) int {
	n := 0
	for _, m := range messages {
		if m.Role != RoleAssistant {
			continue
		}
		for _, b := range m.Content {
			if b.Kind == BlockToolUse {
				n++
			}
		}
	}
	return n
}

// CountUserMessages returns the number of user-role messages, the signal
// the router's first-turn rule reads.
func CountUserMessages(messages []Message) int {
	n := 0
	for _, m := range messages {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}
