package router

import (
	"math/rand/v2"
	"testing"

	"github.com/manifold-proxy/dialect-proxy/internal/chatmsg"
)

func baseConfig() Config {
	return Config{
		Enabled:                         true,
		OpusModel:                       "opus",
		SonnetModel:                     "sonnet",
		FirstTurnOpusProbability:        1.0,
		ExecutionPhaseSonnetProbability: 1.0,
		BaseOpusProbability:             0.0,
		FirstTurnMaxUserMessages:        1,
		ExecutionPhaseToolCalls:         3,
		ForceOpusKeywords:               []string{"URGENT"},
		ForceSonnetKeywords:             []string{"trivial"},
		WhitelistHeader:                 "X-Force-Model",
		WhitelistMarker:                 "[FORCE_OPUS]",
	}
}

func userMsg(text string) chatmsg.Message {
	return chatmsg.TextOnly(chatmsg.RoleUser, text)
}

func TestWhitelistHeaderBeatsEverything(t *testing.T) {
	r := New(baseConfig())
	d := r.Route(Request{Messages: []chatmsg.Message{userMsg("trivial")}, WhitelistHeader: "opus"}, rand.New(rand.NewPCG(1, 2)))
	if d.Model != "opus" || d.Priority != 0 {
		t.Fatalf("expected whitelist to win, got %+v", d)
	}
}

func TestWhitelistMarkerBeatsKeywords(t *testing.T) {
	r := New(baseConfig())
	d := r.Route(Request{Messages: []chatmsg.Message{userMsg("trivial [FORCE_OPUS] task")}}, rand.New(rand.NewPCG(1, 2)))
	if d.Model != "opus" || d.Priority != 0 {
		t.Fatalf("expected marker whitelist to win, got %+v", d)
	}
}

func TestFirstTurnBeatsKeywords(t *testing.T) {
	cfg := baseConfig()
	r := New(cfg)
	d := r.Route(Request{Messages: []chatmsg.Message{userMsg("trivial task")}}, rand.New(rand.NewPCG(1, 2)))
	if d.Priority != 1 {
		t.Fatalf("expected first-turn priority to fire before keyword priority, got %+v", d)
	}
}

func TestForceOpusKeywordBeatsForceSonnet(t *testing.T) {
	cfg := baseConfig()
	cfg.FirstTurnMaxUserMessages = 0 // force past priority 1
	r := New(cfg)
	messages := []chatmsg.Message{
		userMsg("first"), chatmsg.TextOnly(chatmsg.RoleAssistant, "ack"),
		userMsg("second"), chatmsg.TextOnly(chatmsg.RoleAssistant, "ack2"),
		userMsg("URGENT trivial task"),
	}
	d := r.Route(Request{Messages: messages}, rand.New(rand.NewPCG(1, 2)))
	if d.Model != "opus" || d.Priority != 2 {
		t.Fatalf("expected force-opus keyword to win over force-sonnet, got %+v", d)
	}
}

func TestDeterministicUnderSeededRNG(t *testing.T) {
	cfg := baseConfig()
	cfg.FirstTurnMaxUserMessages = 0
	cfg.ForceOpusKeywords = nil
	cfg.ForceSonnetKeywords = nil
	r := New(cfg)
	messages := []chatmsg.Message{userMsg("hello"), chatmsg.TextOnly(chatmsg.RoleAssistant, "hi")}

	d1 := r.Route(Request{Messages: messages}, rand.New(rand.NewPCG(42, 7)))
	d2 := r.Route(Request{Messages: messages}, rand.New(rand.NewPCG(42, 7)))
	if d1.Model != d2.Model || d1.Reason != d2.Reason {
		t.Fatalf("expected deterministic routing under identical seed, got %+v vs %+v", d1, d2)
	}
}

func TestExecutionPhaseRule(t *testing.T) {
	cfg := baseConfig()
	cfg.FirstTurnMaxUserMessages = 0
	cfg.ForceOpusKeywords = nil
	cfg.ForceSonnetKeywords = nil
	r := New(cfg)

	messages := []chatmsg.Message{userMsg("go")}
	for i := 0; i < 3; i++ {
		messages = append(messages, chatmsg.Message{
			Role:    chatmsg.RoleAssistant,
			Content: []chatmsg.ContentBlock{chatmsg.NewToolUseBlock("t", "Tool", nil)},
		})
		messages = append(messages, userMsg("next"))
	}

	d := r.Route(Request{Messages: messages}, rand.New(rand.NewPCG(1, 2)))
	if d.Priority != 4 {
		t.Fatalf("expected execution-phase rule to fire, got %+v", d)
	}
}

func TestConflictingKeywords(t *testing.T) {
	got := ConflictingKeywords([]string{"URGENT", "now"}, []string{"NOW", "later"})
	if len(got) != 1 || got[0] != "NOW" {
		t.Fatalf("expected case-insensitive overlap detection, got %+v", got)
	}
}

func TestCountersIncrement(t *testing.T) {
	r := New(baseConfig())
	r.Route(Request{Messages: []chatmsg.Message{userMsg("hi")}, WhitelistHeader: "opus"}, rand.New(rand.NewPCG(1, 2)))
	opus, sonnet := r.Counts()
	if opus != 1 || sonnet != 0 {
		t.Fatalf("expected opus=1 sonnet=0, got opus=%d sonnet=%d", opus, sonnet)
	}
}
