package orchestrator

import (
	"strings"
	"testing"

	"github.com/manifold-proxy/dialect-proxy/internal/chatmsg"
)

func TestSessionKeyIsDeterministic(t *testing.T) {
	messages := []chatmsg.Message{
		chatmsg.TextOnly(chatmsg.RoleUser, "hello there"),
		chatmsg.TextOnly(chatmsg.RoleAssistant, "hi"),
	}
	a := SessionKey(messages)
	b := SessionKey(messages)
	if a != b {
		t.Fatalf("expected SessionKey to be deterministic, got %q vs %q", a, b)
	}
	if len(a) != 32 {
		t.Fatalf("expected a 32-char session key, got %q (len %d)", a, len(a))
	}
}

func TestSessionKeyDiffersForDifferentConversations(t *testing.T) {
	a := SessionKey([]chatmsg.Message{chatmsg.TextOnly(chatmsg.RoleUser, "alpha")})
	b := SessionKey([]chatmsg.Message{chatmsg.TextOnly(chatmsg.RoleUser, "beta")})
	if a == b {
		t.Fatalf("expected distinct session keys for distinct conversations")
	}
}

func TestRenderTranscriptIncludesToolActivity(t *testing.T) {
	messages := []chatmsg.Message{
		chatmsg.TextOnly(chatmsg.RoleUser, "read the file"),
		{
			Role: chatmsg.RoleAssistant,
			Content: []chatmsg.ContentBlock{
				chatmsg.NewToolUseBlock("t1", "Read", nil),
			},
		},
		{
			Role: chatmsg.RoleUser,
			Content: []chatmsg.ContentBlock{
				chatmsg.NewToolResultBlock("t1", "file contents", false),
			},
		},
	}
	out := renderTranscript(messages)
	for _, want := range []string{"read the file", "called tool Read", "tool result: file contents"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected transcript to contain %q, got:\n%s", want, out)
		}
	}
}
