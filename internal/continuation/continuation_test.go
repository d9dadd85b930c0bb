package continuation

import (
	"context"
	"errors"
	"testing"

	"github.com/manifold-proxy/dialect-proxy/internal/chatmsg"
)

func baseRequest() chatmsg.ChatRequest {
	return chatmsg.ChatRequest{
		Model:    "sonnet",
		Messages: []chatmsg.Message{chatmsg.TextOnly(chatmsg.RoleUser, "write a long story")},
	}
}

func TestRunStopsImmediatelyWhenNotTruncated(t *testing.T) {
	c := New(Config{MaxAttempts: 3, MinResumeTextLength: 5})
	calls := 0
	call := func(ctx context.Context, req chatmsg.ChatRequest) (chatmsg.ChatResponse, error) {
		calls++
		return chatmsg.ChatResponse{
			Message:    chatmsg.TextOnly(chatmsg.RoleAssistant, "done"),
			StopReason: chatmsg.StopEndTurn,
		}, nil
	}
	res, err := c.Run(context.Background(), baseRequest(), call)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 || res.Continued {
		t.Fatalf("expected a single call and no continuation, got calls=%d continued=%v", calls, res.Continued)
	}
}

func TestRunContinuesUntilStopReasonChanges(t *testing.T) {
	c := New(Config{MaxAttempts: 5, MinResumeTextLength: 3})
	calls := 0
	call := func(ctx context.Context, req chatmsg.ChatRequest) (chatmsg.ChatResponse, error) {
		calls++
		if calls < 3 {
			return chatmsg.ChatResponse{
				Message:    chatmsg.TextOnly(chatmsg.RoleAssistant, "part"),
				StopReason: chatmsg.StopMaxTokens,
			}, nil
		}
		return chatmsg.ChatResponse{
			Message:    chatmsg.TextOnly(chatmsg.RoleAssistant, "final part"),
			StopReason: chatmsg.StopEndTurn,
		}, nil
	}
	res, err := c.Run(context.Background(), baseRequest(), call)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected exactly 3 calls, got %d", calls)
	}
	if !res.Continued {
		t.Fatalf("expected Continued to be true")
	}
	got := res.Response.Message.Content[0].Text
	want := "partpartfinal part"
	if got != want {
		t.Fatalf("expected merged text %q, got %q", want, got)
	}
}

func TestRunIsBoundedByMaxAttempts(t *testing.T) {
	c := New(Config{MaxAttempts: 2, MinResumeTextLength: 1})
	calls := 0
	call := func(ctx context.Context, req chatmsg.ChatRequest) (chatmsg.ChatResponse, error) {
		calls++
		return chatmsg.ChatResponse{
			Message:    chatmsg.TextOnly(chatmsg.RoleAssistant, "more and more text"),
			StopReason: chatmsg.StopMaxTokens,
		}, nil
	}
	res, err := c.Run(context.Background(), baseRequest(), call)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected exactly MaxAttempts=2 calls, got %d", calls)
	}
	if res.AbortedWhy == "" {
		t.Fatalf("expected an AbortedWhy reason once attempts are exhausted")
	}
}

func TestRunAbortsOnNegligibleNewText(t *testing.T) {
	c := New(Config{MaxAttempts: 5, MinResumeTextLength: 20})
	calls := 0
	call := func(ctx context.Context, req chatmsg.ChatRequest) (chatmsg.ChatResponse, error) {
		calls++
		if calls == 1 {
			return chatmsg.ChatResponse{
				Message:    chatmsg.TextOnly(chatmsg.RoleAssistant, "start of a long response"),
				StopReason: chatmsg.StopMaxTokens,
			}, nil
		}
		return chatmsg.ChatResponse{
			Message:    chatmsg.TextOnly(chatmsg.RoleAssistant, "."),
			StopReason: chatmsg.StopMaxTokens,
		}, nil
	}
	res, err := c.Run(context.Background(), baseRequest(), call)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected abort-on-empty to stop after the negligible second call, got calls=%d", calls)
	}
	if res.AbortedWhy == "" {
		t.Fatalf("expected AbortedWhy to explain the early abort")
	}
}

func TestRunAbortsBeforeAnyResumeWhenFirstSegmentEmpty(t *testing.T) {
	c := New(Config{MaxAttempts: 3, MinResumeTextLength: 10})
	calls := 0
	call := func(ctx context.Context, req chatmsg.ChatRequest) (chatmsg.ChatResponse, error) {
		calls++
		return chatmsg.ChatResponse{
			Message:    chatmsg.TextOnly(chatmsg.RoleAssistant, ""),
			StopReason: chatmsg.StopMaxTokens,
		}, nil
	}
	res, err := c.Run(context.Background(), baseRequest(), call)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected no resume attempt when the first segment is empty, got calls=%d", calls)
	}
	if res.Response.StopReason != chatmsg.StopMaxTokens {
		t.Fatalf("expected final stop reason max_tokens, got %v", res.Response.StopReason)
	}
	if res.AbortedWhy == "" {
		t.Fatalf("expected AbortedWhy to explain the guard")
	}
}

func TestRunSurfacesAccumulatedContentOnUpstreamErrorDuringContinuation(t *testing.T) {
	c := New(Config{MaxAttempts: 3, MinResumeTextLength: 1})
	calls := 0
	call := func(ctx context.Context, req chatmsg.ChatRequest) (chatmsg.ChatResponse, error) {
		calls++
		if calls == 1 {
			return chatmsg.ChatResponse{
				Message:    chatmsg.TextOnly(chatmsg.RoleAssistant, "partial progress"),
				StopReason: chatmsg.StopMaxTokens,
			}, nil
		}
		return chatmsg.ChatResponse{}, errors.New("upstream exploded")
	}
	res, err := c.Run(context.Background(), baseRequest(), call)
	if err != nil {
		t.Fatalf("expected upstream error mid-continuation to be absorbed, got: %v", err)
	}
	if res.Response.Message.Content[0].Text != "partial progress" {
		t.Fatalf("expected accumulated content from the first segment, got %q", res.Response.Message.Content[0].Text)
	}
	if res.AbortedWhy == "" {
		t.Fatalf("expected AbortedWhy to explain the upstream error")
	}
}

func TestBuildResumeRequestEndsOnUserTurn(t *testing.T) {
	req, err := BuildResumeRequest(baseRequest(), baseRequest().Messages, "partial text so far")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != chatmsg.RoleUser {
		t.Fatalf("expected resume request to end on a user turn, got %v", last.Role)
	}
}
