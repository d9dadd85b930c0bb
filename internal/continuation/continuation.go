// Package continuation implements the bounded continuation loop that
// resumes a response truncated at max_tokens by re-issuing the remaining
// work as a fresh request, appending synthetic turns which carry forward
// text already shown to the caller.
package continuation

import (
	"context"
	"strings"

	"github.com/manifold-proxy/dialect-proxy/internal/apierr"
	"github.com/manifold-proxy/dialect-proxy/internal/chatmsg"
	"github.com/manifold-proxy/dialect-proxy/internal/dialect"
)

// Config mirrors ContinuationConfig.
type Config struct {
	MaxAttempts         int
	MinResumeTextLength int
}

// Call issues one upstream round and returns the normalized response; the
// orchestrator supplies this so the controller never imports the upstream
// client or history packages directly. The orchestrator's Call sends the
// request to the upstream client with the history engine's length-error
// shrink-and-retry; it does not re-run history pre-processing or routing.
type Call func(ctx context.Context, req chatmsg.ChatRequest) (chatmsg.ChatResponse, error)

type Controller struct {
	cfg Config
}

func New(cfg Config) *Controller {
	return &Controller{cfg: cfg}
}

// Result is the merged outcome of a (possibly continued) response, plus
// bookkeeping the orchestrator surfaces as observability headers.
type Result struct {
	Response   chatmsg.ChatResponse
	Attempts   int
	Continued  bool
	AbortedWhy string
}

// Run drives the bounded continuation loop: issue the first call,
// and while the response stops at max_tokens, build a resume request and
// issue another, merging accumulated text, until stop_reason is something
// other than max_tokens, attempts are exhausted, or a resume adds
// negligible new text (the abort-on-empty guard).
func (c *Controller) Run(ctx context.Context, req chatmsg.ChatRequest, call Call) (Result, error) {
	resp, err := call(ctx, req)
	if err != nil {
		return Result{}, err
	}

	result := Result{Response: resp, Attempts: 1}
	if resp.StopReason != chatmsg.StopMaxTokens {
		return result, nil
	}

	maxAttempts := c.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	accumulated := resp
	history := append([]chatmsg.Message(nil), req.Messages...)

	for attempt := 2; attempt <= maxAttempts; attempt++ {
		emittedText := textOf(accumulated.Message)

		// Abort-on-empty guard: a resume attempt is only meaningful once
		// the content emitted so far clears min_resume_text_length, or the
		// upstream's "Improperly formed request" loop repeats forever.
		if len(strings.TrimSpace(emittedText)) < c.cfg.MinResumeTextLength {
			result.AbortedWhy = "emitted content below min_resume_text_length; continuation preconditions unmet"
			return result, nil
		}

		resumeReq, buildErr := BuildResumeRequest(req, history, emittedText)
		if buildErr != nil {
			return result, buildErr
		}

		next, callErr := call(ctx, resumeReq)
		if callErr != nil {
			result.AbortedWhy = "upstream error during continuation; returning accumulated content"
			return result, nil
		}
		result.Attempts = attempt

		newText := textOf(next.Message)
		if len(strings.TrimSpace(newText)) < c.cfg.MinResumeTextLength {
			result.AbortedWhy = "resume produced negligible new text"
			result.Response = mergeResponses(accumulated, next)
			result.Continued = true
			return result, nil
		}

		accumulated = mergeResponses(accumulated, next)
		result.Response = accumulated
		result.Continued = true

		history = append(history,
			chatmsg.TextOnly(chatmsg.RoleAssistant, emittedText),
			chatmsg.TextOnly(chatmsg.RoleUser, "Please continue."),
		)

		if next.StopReason != chatmsg.StopMaxTokens {
			break
		}
	}

	if result.Response.StopReason == chatmsg.StopMaxTokens && result.AbortedWhy == "" {
		result.AbortedWhy = "max continuation attempts reached"
	}
	return result, nil
}

// BuildResumeRequest appends the synthetic assistant/user turn pair and re-normalizes with continuation padding allowed, since the
// synthetic pair is itself inserted by this controller rather than a
// client, and therefore always ends correctly on a user turn.
func BuildResumeRequest(original chatmsg.ChatRequest, history []chatmsg.Message, emittedText string) (chatmsg.ChatRequest, error) {
	messages := append([]chatmsg.Message(nil), history...)
	messages = append(messages,
		chatmsg.TextOnly(chatmsg.RoleAssistant, emittedText),
		chatmsg.TextOnly(chatmsg.RoleUser, "Please continue."),
	)

	normalized, err := dialect.Normalize(messages, dialect.NormalizeOptions{
		MergeConsecutiveSameRole: true,
		AllowContinuationPad:     true,
	})
	if err != nil {
		return chatmsg.ChatRequest{}, apierr.Invariant("failed to build continuation resume request", err)
	}

	resumed := original
	resumed.Messages = normalized
	return resumed, nil
}

func textOf(m chatmsg.Message) string {
	var sb strings.Builder
	for _, b := range m.Content {
		if b.Kind == chatmsg.BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// mergeResponses concatenates text across a continuation boundary and
// keeps any tool_use blocks from the later response (it cannot have had
// any from the earlier one, since tool_use always ends the turn with
// stop_reason tool_use rather than max_tokens).
func mergeResponses(a, b chatmsg.ChatResponse) chatmsg.ChatResponse {
	merged := b
	merged.Message.Content = append([]chatmsg.ContentBlock{chatmsg.NewTextBlock(textOf(a.Message) + textOf(b.Message))}, nonTextBlocks(b.Message)...)
	merged.Usage.InputTokens = a.Usage.InputTokens + b.Usage.InputTokens
	merged.Usage.OutputTokens = a.Usage.OutputTokens + b.Usage.OutputTokens
	merged.Usage.Estimated = a.Usage.Estimated || b.Usage.Estimated
	return merged
}

func nonTextBlocks(m chatmsg.Message) []chatmsg.ContentBlock {
	var out []chatmsg.ContentBlock
	for _, b := range m.Content {
		if b.Kind != chatmsg.BlockText {
			out = append(out, b)
		}
	}
	return out
}
