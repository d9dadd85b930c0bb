package history

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/manifold-proxy/dialect-proxy/internal/chatmsg"
	"github.com/manifold-proxy/dialect-proxy/internal/summarycache"
)

func buildMessages(n int, charsPerMessage int) []chatmsg.Message {
	out := make([]chatmsg.Message, 0, n)
	for i := 0; i < n; i++ {
		role := chatmsg.RoleUser
		if i%2 == 1 {
			role = chatmsg.RoleAssistant
		}
		out = append(out, chatmsg.TextOnly(role, strings.Repeat("x", charsPerMessage)))
	}
	return out
}

func TestAutoTruncateRespectsMaxMessages(t *testing.T) {
	e := NewEngine(Config{AutoTruncateEnabled: true, MaxMessages: 10}, summarycache.New(summarycache.Config{}))
	msgs := buildMessages(30, 10)
	out := e.PreProcess(context.Background(), "sess", msgs)
	if len(out) > 10 {
		t.Fatalf("expected at most 10 messages, got %d", len(out))
	}
	if !e.WasTruncated {
		t.Fatalf("expected WasTruncated to be set")
	}
}

func TestAutoTruncateRespectsMaxChars(t *testing.T) {
	e := NewEngine(Config{AutoTruncateEnabled: true, MaxChars: 100}, summarycache.New(summarycache.Config{}))
	msgs := buildMessages(20, 50)
	out := e.PreProcess(context.Background(), "sess", msgs)
	if EstimateRequestChars(out) > 100 {
		t.Fatalf("expected chars <= 100, got %d", EstimateRequestChars(out))
	}
}

func TestSmartSummarizeUsesCacheOnSecondCall(t *testing.T) {
	cache := summarycache.New(summarycache.Config{MinDeltaMessages: 4, MinDeltaChars: 4000})
	e := NewEngine(Config{
		SmartSummaryEnabled: true,
		SummaryThreshold:    100,
		SummaryKeepRecent:   2,
	}, cache)

	calls := 0
	summaryFn := func(ctx context.Context, older []chatmsg.Message) (string, error) {
		calls++
		return "summary text", nil
	}

	msgs := buildMessages(10, 50)
	// PreProcessAsync (synchronous, AsyncFastFirst disabled) is the
	// pre-processing entry point allowed to invoke summaryFn; it populates
	// the cache.
	out1 := e.PreProcessAsync(context.Background(), "sess", msgs, summaryFn)
	require.Equal(t, 1, calls, "expected summaryFn called once")
	require.Contains(t, out1[0].Content[0].Text, "summary text")

	// PreProcess is cache-only and must never invoke summaryFn itself.
	out2 := e.PreProcess(context.Background(), "sess", msgs)
	require.Equal(t, 1, calls, "expected cache hit to avoid any summaryFn call")
	require.Contains(t, out2[0].Content[0].Text, "summary text")
}

func TestSummarizeFallsBackOnError(t *testing.T) {
	cache := summarycache.New(summarycache.Config{})
	e := NewEngine(Config{
		SmartSummaryEnabled: true,
		SummaryThreshold:    10,
		SummaryKeepRecent:   2,
		AutoTruncateEnabled: true,
		MaxMessages:         4,
	}, cache)

	summaryFn := func(ctx context.Context, older []chatmsg.Message) (string, error) {
		return "", errFail
	}
	msgs := buildMessages(10, 50)
	out := e.PreProcessAsync(context.Background(), "sess", msgs, summaryFn)
	if len(out) > 4 {
		t.Fatalf("expected fallback truncation to respect max_messages, got %d", len(out))
	}
}

var errFail = fakeErr("summary backend unavailable")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

func TestHandleLengthErrorIdempotentAtCap(t *testing.T) {
	e := NewEngine(Config{ErrorRetryEnabled: true, MaxRetries: 3}, summarycache.New(summarycache.Config{}))
	msgs := buildMessages(10, 10)
	_, retried := e.HandleLengthError(context.Background(), "sess", msgs, 3, nil)
	if retried {
		t.Fatalf("expected no further retry once retryCount >= MaxRetries")
	}
	out, retried := e.HandleLengthError(context.Background(), "sess", msgs, 2, nil)
	if !retried {
		t.Fatalf("expected retry below cap")
	}
	if len(out) >= len(msgs) {
		t.Fatalf("expected shrunk history, got len=%d", len(out))
	}
}
