package dialect

import (
	"encoding/json"
	"fmt"

	"github.com/manifold-proxy/dialect-proxy/internal/apierr"
	"github.com/manifold-proxy/dialect-proxy/internal/chatmsg"
)

// AnthropicMessage is the wire shape of one entry in an Anthropic-dialect
// `messages` array; Content may be a bare string or a block array, so it is
// decoded through anthropicContent.
type AnthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// AnthropicBlock is the wire shape of one Anthropic content block, a
// discriminated union keyed by Type.
type AnthropicBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// AnthropicRequest is the wire shape of a POST /v1/messages body.
type AnthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	Messages      []AnthropicMessage `json:"messages"`
	System        json.RawMessage    `json:"system,omitempty"`
	Tools         []AnthropicTool    `json:"tools,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Thinking      *AnthropicThinking `json:"thinking,omitempty"`
}

type AnthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type AnthropicThinking struct {
	Type string `json:"type"`
}

// AnthropicResponse is the wire shape of a non-streaming POST /v1/messages
// reply.
type AnthropicResponse struct {
	ID         string           `json:"id"`
	Type       string           `json:"type"`
	Role       string           `json:"role"`
	Content    []AnthropicBlock `json:"content"`
	Model      string           `json:"model"`
	StopReason string           `json:"stop_reason"`
	Usage      AnthropicUsage   `json:"usage"`
}

type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// DecodeAnthropicRequest parses an inbound /v1/messages body into the
// dialect-free ChatRequest.
func DecodeAnthropicRequest(body []byte, opts NormalizeOptions) (chatmsg.ChatRequest, error) {
	var wire AnthropicRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return chatmsg.ChatRequest{}, apierr.Validation("invalid Anthropic-dialect request body", err)
	}
	if wire.Model == "" || len(wire.Messages) == 0 {
		return chatmsg.ChatRequest{}, apierr.Validation("model and messages are required", nil)
	}

	messages := make([]chatmsg.Message, 0, len(wire.Messages))
	for _, m := range wire.Messages {
		blocks, err := decodeAnthropicContent(m.Content)
		if err != nil {
			return chatmsg.ChatRequest{}, apierr.Validation("invalid message content", err)
		}
		role, err := anthropicRoleToNormalized(m.Role)
		if err != nil {
			return chatmsg.ChatRequest{}, apierr.Validation(err.Error(), nil)
		}
		messages = append(messages, chatmsg.Message{Role: role, Content: blocks})
	}

	normalized, err := Normalize(messages, opts)
	if err != nil {
		return chatmsg.ChatRequest{}, err
	}

	var system []chatmsg.ContentBlock
	if len(wire.System) > 0 {
		system, err = decodeAnthropicContent(wire.System)
		if err != nil {
			return chatmsg.ChatRequest{}, apierr.Validation("invalid system content", err)
		}
	}

	tools := make([]chatmsg.ToolSpec, 0, len(wire.Tools))
	for _, t := range wire.Tools {
		tools = append(tools, chatmsg.ToolSpec{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}

	return chatmsg.ChatRequest{
		Messages:         normalized,
		System:           system,
		Tools:            tools,
		Model:            wire.Model,
		MaxTokens:        wire.MaxTokens,
		Temperature:      wire.Temperature,
		TopP:             wire.TopP,
		Stream:           wire.Stream,
		StopSequences:    wire.StopSequences,
		ExtendedThinking: wire.Thinking != nil,
	}, nil
}

// decodeAnthropicContent handles the "content is either a bare string or a
// block array" shape shared by messages and system prompts.
func decodeAnthropicContent(raw json.RawMessage) ([]chatmsg.ContentBlock, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []chatmsg.ContentBlock{chatmsg.NewTextBlock(s)}, nil
	}

	var wire []AnthropicBlock
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, err
	}
	blocks := make([]chatmsg.ContentBlock, 0, len(wire))
	for _, b := range wire {
		blocks = append(blocks, anthropicBlockToNormalized(b))
	}
	return blocks, nil
}

func anthropicBlockToNormalized(b AnthropicBlock) chatmsg.ContentBlock {
	switch b.Type {
	case "text":
		return chatmsg.NewTextBlock(b.Text)
	case "tool_use":
		return chatmsg.NewToolUseBlock(b.ID, b.Name, b.Input)
	case "tool_result":
		content, blocks := decodeToolResultContent(b.Content)
		block := chatmsg.NewToolResultBlock(b.ToolUseID, content, b.IsError)
		block.ToolResultBlocks = blocks
		return block
	case "thinking":
		return chatmsg.NewThinkingBlock(b.Thinking, b.Signature)
	default:
		return chatmsg.NewTextBlock(b.Text)
	}
}

func decodeToolResultContent(raw json.RawMessage) (string, []chatmsg.ContentBlock) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var wire []AnthropicBlock
	if err := json.Unmarshal(raw, &wire); err == nil {
		blocks := make([]chatmsg.ContentBlock, 0, len(wire))
		for _, b := range wire {
			blocks = append(blocks, anthropicBlockToNormalized(b))
		}
		return "", blocks
	}
	return string(raw), nil
}

func anthropicRoleToNormalized(role string) (chatmsg.Role, error) {
	switch role {
	case "user":
		return chatmsg.RoleUser, nil
	case "assistant":
		return chatmsg.RoleAssistant, nil
	default:
		return "", fmt.Errorf("unsupported Anthropic-dialect role %q", role)
	}
}

// EncodeAnthropicResponse builds the wire reply for a non-streaming
// /v1/messages call.
func EncodeAnthropicResponse(requestID string, resp chatmsg.ChatResponse) AnthropicResponse {
	blocks := make([]AnthropicBlock, 0, len(resp.Message.Content))
	for _, b := range resp.Message.Content {
		blocks = append(blocks, normalizedBlockToAnthropic(b))
	}
	return AnthropicResponse{
		ID:         requestID,
		Type:       "message",
		Role:       "assistant",
		Content:    blocks,
		Model:      resp.Model,
		StopReason: string(resp.StopReason),
		Usage:      AnthropicUsage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
	}
}

func normalizedBlockToAnthropic(b chatmsg.ContentBlock) AnthropicBlock {
	switch b.Kind {
	case chatmsg.BlockText:
		return AnthropicBlock{Type: "text", Text: b.Text}
	case chatmsg.BlockToolUse:
		return AnthropicBlock{Type: "tool_use", ID: b.ToolUseID, Name: b.ToolName, Input: b.ToolInput}
	case chatmsg.BlockToolResult:
		content, _ := json.Marshal(b.ToolResultContent)
		return AnthropicBlock{Type: "tool_result", ToolUseID: b.ToolResultID, Content: content, IsError: b.ToolResultIsError}
	case chatmsg.BlockThinking:
		return AnthropicBlock{Type: "thinking", Thinking: b.Thinking, Signature: b.ThinkingSignature}
	default:
		return AnthropicBlock{Type: "text"}
	}
}

// NormalizedRoleToAnthropic renders a normalized role back to its
// Anthropic-dialect wire string; tool-role messages are not emitted
// standalone in Anthropic dialect (they fold into a user tool_result
// block), so callers must convert those first.
func NormalizedRoleToAnthropic(r chatmsg.Role) string {
	switch r {
	case chatmsg.RoleAssistant:
		return "assistant"
	default:
		return "user"
	}
}

// StopReasonFromAnthropic translates an Anthropic-dialect stop reason into
// the dialect-free form.
func StopReasonFromAnthropic(reason string) chatmsg.StopReason {
	switch reason {
	case "end_turn", "":
		return chatmsg.StopEndTurn
	case "max_tokens":
		return chatmsg.StopMaxTokens
	case "tool_use":
		return chatmsg.StopToolUse
	case "stop_sequence":
		return chatmsg.StopStopSequence
	default:
		return chatmsg.StopError
	}
}
