// Package orchestrator implements C9: per-request wiring of the dialect
// converter's normalized request through history management, model
// routing, the upstream client, the streaming re-emitter, and the
// continuation controller. Grounded in the teacher's handler-composes-
// service shape (internal/httpapi/handlers.go calling into a single
// service struct) extended into the full C2->C3->C5->C6->C7->C8 pipeline;
// request-id generation follows the google/uuid idiom used elsewhere in
// the teacher's codebase.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/manifold-proxy/dialect-proxy/internal/chatmsg"
	"github.com/manifold-proxy/dialect-proxy/internal/continuation"
	"github.com/manifold-proxy/dialect-proxy/internal/history"
	"github.com/manifold-proxy/dialect-proxy/internal/observability"
	"github.com/manifold-proxy/dialect-proxy/internal/router"
	"github.com/manifold-proxy/dialect-proxy/internal/stream"
	"github.com/manifold-proxy/dialect-proxy/internal/upstream"
)

// Orchestrator owns one request's trip through every other component.
type Orchestrator struct {
	History      *history.Engine
	Router       *router.Router
	Upstream     *upstream.Client
	Continuation *continuation.Controller

	// SummaryModel is the tier used for C3's smart-summary backend calls;
	// summarization always runs on the stronger tier regardless of which
	// tier the conversation itself gets routed to.
	SummaryModel string
}

// Meta carries observability facts about how a request was handled, for
// the HTTP layer to surface as response headers.
type Meta struct {
	RequestID        string
	SessionKey       string
	RoutedModel      string
	RoutingReason    string
	WasTruncated     bool
	TruncateInfo     string
	ContinuationUsed bool
	Attempts         int
}

// NewRequestID returns a fresh request identifier.
func NewRequestID() string {
	return "req_" + uuid.NewString()
}

// SessionKey derives a stable per-conversation key by hashing the text of
// the conversation's leading user turns, so repeated
// calls against the same growing history hit the same history/summary
// cache entries without the client ever sending an explicit session id.
func SessionKey(messages []chatmsg.Message) string {
	h := sha256.New()
	seen := 0
	for _, m := range messages {
		if m.Role != chatmsg.RoleUser {
			continue
		}
		for _, b := range m.Content {
			if b.Kind == chatmsg.BlockText {
				h.Write([]byte(b.Text))
				h.Write([]byte{0})
			}
		}
		seen++
		if seen >= 3 {
			break
		}
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// HandleNonStreaming runs the full pipeline for a non-streaming request.
// whitelistHeader is the raw value of the configured force-model header
//, read by the HTTP layer since it isn't part of the dialect-free
// request model.
func (o *Orchestrator) HandleNonStreaming(ctx context.Context, req chatmsg.ChatRequest, whitelistHeader string) (chatmsg.ChatResponse, Meta, error) {
	meta := Meta{RequestID: NewRequestID(), SessionKey: SessionKey(req.Messages)}

	processed := o.History.PreProcessAsync(ctx, meta.SessionKey, req.Messages, o.summaryFn)
	meta.WasTruncated = o.History.WasTruncated
	meta.TruncateInfo = o.History.TruncateInfo

	decision := o.Router.Route(router.Request{
		Messages:         processed,
		ExtendedThinking: req.ExtendedThinking,
		WhitelistHeader:  whitelistHeader,
	}, nil)
	meta.RoutedModel = decision.Model
	meta.RoutingReason = decision.Reason

	req.Messages = processed
	req.Model = decision.Model

	call := func(ctx context.Context, r chatmsg.ChatRequest) (chatmsg.ChatResponse, error) {
		return o.callWithRetry(ctx, meta.SessionKey, r)
	}

	result, err := o.Continuation.Run(ctx, req, call)
	if err != nil {
		observability.LoggerWithTrace(ctx).Error().
			Str("request_id", meta.RequestID).
			Str("session_key", meta.SessionKey).
			Str("model", meta.RoutedModel).
			Str("rule", meta.RoutingReason).
			Err(err).
			Msg("request_failed")
		return chatmsg.ChatResponse{}, meta, err
	}
	meta.ContinuationUsed = result.Continued
	meta.Attempts = result.Attempts
	logRequestCompleted(ctx, meta)
	return result.Response, meta, nil
}

// logRequestCompleted emits the per-request structured event every
// non-streaming and streaming request ends with, carrying the same facts
// HandleNonStreaming/HandleStreaming surface to callers as response headers.
func logRequestCompleted(ctx context.Context, meta Meta) {
	observability.LoggerWithTrace(ctx).Info().
		Str("request_id", meta.RequestID).
		Str("session_key", meta.SessionKey).
		Str("model", meta.RoutedModel).
		Str("rule", meta.RoutingReason).
		Bool("truncated", meta.WasTruncated).
		Str("truncate_info", meta.TruncateInfo).
		Bool("continuation_used", meta.ContinuationUsed).
		Int("attempts", meta.Attempts).
		Msg("request_completed")
}

// HandleStreaming runs the full pipeline for a streaming request, writing
// target-dialect SSE events to w as they arrive, including across
// continuation attempts.
func (o *Orchestrator) HandleStreaming(ctx context.Context, req chatmsg.ChatRequest, whitelistHeader string, w io.Writer, target stream.Target) (Meta, error) {
	meta := Meta{RequestID: NewRequestID(), SessionKey: SessionKey(req.Messages)}

	processed := o.History.PreProcessAsync(ctx, meta.SessionKey, req.Messages, o.summaryFn)
	meta.WasTruncated = o.History.WasTruncated
	meta.TruncateInfo = o.History.TruncateInfo

	decision := o.Router.Route(router.Request{
		Messages:         processed,
		ExtendedThinking: req.ExtendedThinking,
		WhitelistHeader:  whitelistHeader,
	}, nil)
	meta.RoutedModel = decision.Model
	meta.RoutingReason = decision.Reason

	req.Messages = processed
	req.Model = decision.Model

	re := stream.New(w, target, meta.RequestID)
	started := false
	streamFailed := false

	call := func(ctx context.Context, r chatmsg.ChatRequest) (chatmsg.ChatResponse, error) {
		if !started {
			re.Start()
			started = true
		}
		before := re.AccumulatedText()

		sdkStream := o.Upstream.Stream(ctx, r)
		ch := make(chan stream.Chunk)
		go func() {
			defer close(ch)
			for sdkStream.Next() {
				if c, ok := stream.FromSDKChunk(sdkStream.Current()); ok {
					ch <- c
				}
			}
		}()

		if err := re.FeedChunks(ch, sdkStream.Err); err != nil {
			streamFailed = true
			return chatmsg.ChatResponse{}, err
		}

		newText := re.AccumulatedText()[len(before):]
		return chatmsg.ChatResponse{
			Message:    chatmsg.TextOnly(chatmsg.RoleAssistant, newText),
			StopReason: re.StopReason(),
			Usage:      re.FinalUsage(),
		}, nil
	}

	result, err := o.Continuation.Run(ctx, req, call)
	if err != nil {
		// FeedChunks already wrote a terminal error event; nothing more
		// to close out on this stream.
		observability.LoggerWithTrace(ctx).Error().
			Str("request_id", meta.RequestID).
			Str("session_key", meta.SessionKey).
			Str("model", meta.RoutedModel).
			Str("rule", meta.RoutingReason).
			Err(err).
			Msg("stream_request_failed")
		return meta, err
	}
	// A failed continuation attempt is absorbed by Run, but its FeedChunks
	// call has already ended the stream with an error event.
	if !streamFailed {
		re.Finish()
	}
	meta.ContinuationUsed = result.Continued
	meta.Attempts = result.Attempts
	logRequestCompleted(ctx, meta)
	return meta, nil
}

// callWithRetry implements the C3<->C6 ERROR_RETRY handshake:
// on an upstream length error, ask the history engine to shrink the
// request and try again, bounded by HandleLengthError's own retry cap.
func (o *Orchestrator) callWithRetry(ctx context.Context, sessionKey string, req chatmsg.ChatRequest) (chatmsg.ChatResponse, error) {
	messages := req.Messages
	retryCount := 0
	for {
		req.Messages = messages
		resp, err := o.Upstream.Call(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, upstream.ErrUpstreamLength) {
			return chatmsg.ChatResponse{}, err
		}

		shrunk, retried := o.History.HandleLengthError(ctx, sessionKey, messages, retryCount, o.summaryFn)
		if !retried {
			return chatmsg.ChatResponse{}, err
		}
		messages = shrunk
		retryCount++
	}
}

// summaryFn implements history.SummaryFn by asking the upstream gateway,
// on the stronger tier, to summarize the conversation's older turns
//. Injected this way so internal/history never
// imports internal/upstream.
func (o *Orchestrator) summaryFn(ctx context.Context, older []chatmsg.Message) (string, error) {
	prompt := "Summarize the following conversation concisely, preserving facts, " +
		"decisions, and open threads needed to continue it:\n\n" + renderTranscript(older)

	resp, err := o.Upstream.Call(ctx, chatmsg.ChatRequest{
		Model:     o.SummaryModel,
		Messages:  []chatmsg.Message{chatmsg.TextOnly(chatmsg.RoleUser, prompt)},
		MaxTokens: 500,
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, b := range resp.Message.Content {
		if b.Kind == chatmsg.BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String(), nil
}

func renderTranscript(messages []chatmsg.Message) string {
	var sb strings.Builder
	for _, m := range messages {
		for _, b := range m.Content {
			switch b.Kind {
			case chatmsg.BlockText:
				fmt.Fprintf(&sb, "%s: %s\n", m.Role, b.Text)
			case chatmsg.BlockToolUse:
				fmt.Fprintf(&sb, "%s: [called tool %s]\n", m.Role, b.ToolName)
			case chatmsg.BlockToolResult:
				fmt.Fprintf(&sb, "%s: [tool result: %s]\n", m.Role, b.ToolResultContent)
			}
		}
	}
	return sb.String()
}
