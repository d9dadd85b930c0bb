package dialect

import (
	"encoding/json"
	"fmt"

	"github.com/manifold-proxy/dialect-proxy/internal/apierr"
	"github.com/manifold-proxy/dialect-proxy/internal/chatmsg"
)

// OpenAIMessage is the wire shape of one entry in an OpenAI-dialect
// `messages` array.
type OpenAIMessage struct {
	Role       string           `json:"role"`
	Content    json.RawMessage  `json:"content,omitempty"`
	ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

type OpenAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function OpenAIToolFunction `json:"function"`
}

type OpenAIToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type OpenAITool struct {
	Type     string             `json:"type"`
	Function OpenAIToolFuncSpec `json:"function"`
}

type OpenAIToolFuncSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// OpenAIRequest is the wire shape of a POST /v1/chat/completions body.
type OpenAIRequest struct {
	Model       string          `json:"model"`
	Messages    []OpenAIMessage `json:"messages"`
	Tools       []OpenAITool    `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

// OpenAIResponse is the wire shape of a non-streaming
// /v1/chat/completions reply.
type OpenAIResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   OpenAIUsage    `json:"usage"`
}

type OpenAIChoice struct {
	Index        int           `json:"index"`
	Message      OpenAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// DecodeOpenAIRequest parses an inbound /v1/chat/completions body into the
// dialect-free ChatRequest.
func DecodeOpenAIRequest(body []byte, opts NormalizeOptions) (chatmsg.ChatRequest, error) {
	var wire OpenAIRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return chatmsg.ChatRequest{}, apierr.Validation("invalid OpenAI-dialect request body", err)
	}
	if wire.Model == "" || len(wire.Messages) == 0 {
		return chatmsg.ChatRequest{}, apierr.Validation("model and messages are required", nil)
	}

	var system []chatmsg.ContentBlock
	messages := make([]chatmsg.Message, 0, len(wire.Messages))
	for _, m := range wire.Messages {
		switch m.Role {
		case "system":
			text, err := decodeOpenAIText(m.Content)
			if err != nil {
				return chatmsg.ChatRequest{}, apierr.Validation("invalid system content", err)
			}
			system = append(system, chatmsg.NewTextBlock(text))
		case "user":
			text, err := decodeOpenAIText(m.Content)
			if err != nil {
				return chatmsg.ChatRequest{}, apierr.Validation("invalid user content", err)
			}
			messages = append(messages, chatmsg.TextOnly(chatmsg.RoleUser, text))
		case "assistant":
			blocks, err := openAIAssistantToBlocks(m)
			if err != nil {
				return chatmsg.ChatRequest{}, apierr.Validation("invalid assistant content", err)
			}
			messages = append(messages, chatmsg.Message{Role: chatmsg.RoleAssistant, Content: blocks})
		case "tool":
			text, err := decodeOpenAIText(m.Content)
			if err != nil {
				return chatmsg.ChatRequest{}, apierr.Validation("invalid tool content", err)
			}
			block := chatmsg.NewToolResultBlock(m.ToolCallID, text, false)
			messages = append(messages, chatmsg.Message{Role: chatmsg.RoleUser, Content: []chatmsg.ContentBlock{block}})
		default:
			return chatmsg.ChatRequest{}, apierr.Validation(fmt.Sprintf("unsupported OpenAI-dialect role %q", m.Role), nil)
		}
	}

	normalized, err := Normalize(messages, opts)
	if err != nil {
		return chatmsg.ChatRequest{}, err
	}

	tools := make([]chatmsg.ToolSpec, 0, len(wire.Tools))
	for _, t := range wire.Tools {
		tools = append(tools, chatmsg.ToolSpec{Name: t.Function.Name, Description: t.Function.Description, InputSchema: t.Function.Parameters})
	}

	return chatmsg.ChatRequest{
		Messages:      normalized,
		System:        system,
		Tools:         tools,
		Model:         wire.Model,
		MaxTokens:     wire.MaxTokens,
		Temperature:   wire.Temperature,
		TopP:          wire.TopP,
		Stream:        wire.Stream,
		StopSequences: wire.Stop,
	}, nil
}

func decodeOpenAIText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	// Multimodal content-part array: concatenate any text parts, ignoring
	// non-text parts (image_url etc.) which are out of scope for this proxy.
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", err
	}
	out := ""
	for _, p := range parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out, nil
}

func openAIAssistantToBlocks(m OpenAIMessage) ([]chatmsg.ContentBlock, error) {
	var blocks []chatmsg.ContentBlock
	if len(m.Content) > 0 {
		text, err := decodeOpenAIText(m.Content)
		if err != nil {
			return nil, err
		}
		if text != "" {
			blocks = append(blocks, chatmsg.NewTextBlock(text))
		}
	}
	for _, tc := range m.ToolCalls {
		blocks = append(blocks, chatmsg.NewToolUseBlock(tc.ID, tc.Function.Name, json.RawMessage(tc.Function.Arguments)))
	}
	return blocks, nil
}

// EncodeOpenAIResponse builds the wire reply for a non-streaming
// /v1/chat/completions call.
func EncodeOpenAIResponse(requestID string, resp chatmsg.ChatResponse) OpenAIResponse {
	msg := OpenAIMessage{Role: "assistant"}
	var textParts string
	for _, b := range resp.Message.Content {
		switch b.Kind {
		case chatmsg.BlockText:
			textParts += b.Text
		case chatmsg.BlockToolUse:
			msg.ToolCalls = append(msg.ToolCalls, OpenAIToolCall{
				ID:   b.ToolUseID,
				Type: "function",
				Function: OpenAIToolFunction{
					Name:      b.ToolName,
					Arguments: string(b.ToolInput),
				},
			})
		}
	}
	if textParts != "" {
		content, _ := json.Marshal(textParts)
		msg.Content = content
	}

	return OpenAIResponse{
		ID:     requestID,
		Object: "chat.completion",
		Model:  resp.Model,
		Choices: []OpenAIChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: StopReasonToOpenAI(resp.StopReason),
		}},
		Usage: OpenAIUsage{PromptTokens: resp.Usage.InputTokens, CompletionTokens: resp.Usage.OutputTokens},
	}
}

// StopReasonFromOpenAI translates an OpenAI-dialect finish_reason into the
// dialect-free form.
func StopReasonFromOpenAI(reason string) chatmsg.StopReason {
	switch reason {
	case "stop", "":
		return chatmsg.StopEndTurn
	case "length":
		return chatmsg.StopMaxTokens
	case "tool_calls":
		return chatmsg.StopToolUse
	default:
		return chatmsg.StopError
	}
}

// StopReasonToOpenAI is the inverse of StopReasonFromOpenAI, used when
// emitting an OpenAI-dialect response to a client.
func StopReasonToOpenAI(reason chatmsg.StopReason) string {
	switch reason {
	case chatmsg.StopEndTurn:
		return "stop"
	case chatmsg.StopMaxTokens:
		return "length"
	case chatmsg.StopToolUse:
		return "tool_calls"
	case chatmsg.StopStopSequence:
		return "stop"
	default:
		return "error"
	}
}
