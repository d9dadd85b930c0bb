// Package upstream provides the shared, process-lifetime HTTP client pool
// that talks to the upstream gateway, always in OpenAI dialect. The client
// shape (SDK client plus stored baseURL/httpClient) and the otelhttp-wrapped
// transport follow this module's usual pattern for outbound API clients.
package upstream

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
	"github.com/openai/openai-go/v2/shared/constant"
	"github.com/openai/openai-go/v2/ssestream"

	"github.com/manifold-proxy/dialect-proxy/internal/chatmsg"
	"github.com/manifold-proxy/dialect-proxy/internal/observability"
)

// Config mirrors HTTPPoolConfig + UpstreamConfig.
type Config struct {
	BaseURL         string
	APIKey          string
	MaxConnections  int
	MaxKeepalive    int
	KeepaliveExpiry time.Duration
	RequestTimeout  time.Duration
	MaxRetries      int
}

// Client wraps the OpenAI-compatible SDK client over a bounded,
// HTTP/1.1-only connection pool.
type Client struct {
	sdk        openai.Client
	httpClient *http.Client
	cfg        Config
}

func New(cfg Config) *Client {
	transport := &http.Transport{
		MaxConnsPerHost:     cfg.MaxConnections,
		MaxIdleConnsPerHost: cfg.MaxKeepalive,
		IdleConnTimeout:     cfg.KeepaliveExpiry,
		// Disabling ALPN's h2 fallback keeps every upstream connection on
		// HTTP/1.1 so request/response framing can't co-mingle across a
		// shared h2 stream multiplexer.
		TLSNextProto: map[string]func(string, *tls.Conn) http.RoundTripper{},
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: cfg.KeepaliveExpiry,
		}).DialContext,
	}

	base := &http.Client{
		Transport: transport,
		Timeout:   cfg.RequestTimeout,
	}
	instrumented := observability.NewHTTPClient(base)

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(instrumented),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Client{
		sdk:        openai.NewClient(opts...),
		httpClient: instrumented,
		cfg:        cfg,
	}
}

// ErrUpstreamLength replaces any upstream API error with HTTP status 400 or
// 413, for the history engine's retry-with-shrink path to catch. The error
// body is not inspected, so every 400 is treated as length-related.
var ErrUpstreamLength = errors.New("upstream: length-related request error")

// Call issues a single non-streaming upstream call in OpenAI dialect.
func (c *Client) Call(ctx context.Context, req chatmsg.ChatRequest) (chatmsg.ChatResponse, error) {
	params := buildParams(req)
	resp, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		if isLengthError(err) {
			return chatmsg.ChatResponse{}, ErrUpstreamLength
		}
		return chatmsg.ChatResponse{}, err
	}
	return responseToNormalized(resp), nil
}

// Stream issues a streaming upstream call, returning the SDK's chunk
// stream for the re-emitter to consume directly.
func (c *Client) Stream(ctx context.Context, req chatmsg.ChatRequest) *ssestream.Stream[openai.ChatCompletionChunk] {
	params := buildParams(req)
	return c.sdk.Chat.Completions.NewStreaming(ctx, params)
}

func isLengthError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 400 || apiErr.StatusCode == 413
	}
	return false
}

func buildParams(req chatmsg.ChatRequest) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)

	if len(req.System) > 0 {
		messages = append(messages, openai.SystemMessage(blocksToPlainText(req.System)))
	}

	for _, m := range req.Messages {
		switch m.Role {
		case chatmsg.RoleUser:
			if toolResult, ok := soleToolResult(m); ok {
				messages = append(messages, openai.ToolMessage(toolResult.ToolResultContent, toolResult.ToolResultID))
				continue
			}
			messages = append(messages, openai.UserMessage(blocksToPlainText(m.Content)))
		case chatmsg.RoleAssistant:
			messages = append(messages, assistantMessage(m))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    req.Model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openai.Float(*req.TopP)
	}
	if len(req.StopSequences) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfChatCompletionNewsStopArray: req.StopSequences}
	}
	if len(req.Tools) > 0 {
		params.Tools = make([]openai.ChatCompletionToolUnionParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			params.Tools = append(params.Tools, openai.ChatCompletionToolUnionParam{
				OfFunction: &openai.ChatCompletionFunctionToolParam{
					Type: constant.Function("function"),
					Function: shared.FunctionDefinitionParam{
						Name:        t.Name,
						Description: openai.String(t.Description),
						Parameters:  rawSchemaToParameters(t.InputSchema),
					},
				},
			})
		}
	}
	return params
}

func assistantMessage(m chatmsg.Message) openai.ChatCompletionMessageParamUnion {
	text := ""
	var toolCalls []openai.ChatCompletionMessageToolCallUnionParam
	for _, b := range m.Content {
		switch b.Kind {
		case chatmsg.BlockText:
			text += b.Text
		case chatmsg.BlockToolUse:
			toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallUnionParam{
				OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
					ID:   b.ToolUseID,
					Type: constant.Function("function"),
					Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      b.ToolName,
						Arguments: string(b.ToolInput),
					},
				},
			})
		}
	}
	msg := openai.AssistantMessage(text)
	if len(toolCalls) > 0 {
		msg.OfAssistant.ToolCalls = toolCalls
	}
	return msg
}

func soleToolResult(m chatmsg.Message) (chatmsg.ContentBlock, bool) {
	if len(m.Content) == 1 && m.Content[0].Kind == chatmsg.BlockToolResult {
		return m.Content[0], true
	}
	return chatmsg.ContentBlock{}, false
}

func blocksToPlainText(blocks []chatmsg.ContentBlock) string {
	out := ""
	for _, b := range blocks {
		if b.Kind == chatmsg.BlockText {
			out += b.Text
		}
	}
	return out
}

func rawSchemaToParameters(raw []byte) shared.FunctionParameters {
	if len(raw) == 0 {
		return shared.FunctionParameters{"type": "object", "properties": map[string]any{}}
	}
	var m shared.FunctionParameters
	if err := json.Unmarshal(raw, &m); err != nil {
		return shared.FunctionParameters{"type": "object", "properties": map[string]any{}}
	}
	return m
}

func responseToNormalized(resp *openai.ChatCompletion) chatmsg.ChatResponse {
	if resp == nil || len(resp.Choices) == 0 {
		return chatmsg.ChatResponse{StopReason: chatmsg.StopError}
	}
	choice := resp.Choices[0]

	var blocks []chatmsg.ContentBlock
	if choice.Message.Content != "" {
		blocks = append(blocks, chatmsg.NewTextBlock(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		blocks = append(blocks, chatmsg.NewToolUseBlock(tc.ID, tc.Function.Name, []byte(tc.Function.Arguments)))
	}

	return chatmsg.ChatResponse{
		Message:    chatmsg.Message{Role: chatmsg.RoleAssistant, Content: blocks},
		StopReason: finishReasonToNormalized(choice.FinishReason),
		Model:      resp.Model,
		Usage: chatmsg.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
}

func finishReasonToNormalized(reason string) chatmsg.StopReason {
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
