// Package dialect is the bidirectional translator between the
// Anthropic-style and OpenAI-style chat-completion dialects and the
// dialect-free chatmsg model every other component operates on.
package dialect

import (
	"github.com/manifold-proxy/dialect-proxy/internal/apierr"
	"github.com/manifold-proxy/dialect-proxy/internal/chatmsg"
)

// NormalizeOptions controls the optional steps in message-list
// normalization.
type NormalizeOptions struct {
	MergeConsecutiveSameRole bool
	AllowContinuationPad     bool // set by the continuation resume-request builder and the count_tokens endpoint
}

// Normalize applies the message-list normalization pipeline. System
// extraction is the caller's job (each dialect adapter knows where its
// system content lives); this function performs the remaining steps:
// consecutive-same-role merging, tool-pairing repair, dropping emptied
// messages (merging again the same-role neighbours that leaves), and
// alternation enforcement.
func Normalize(messages []chatmsg.Message, opts NormalizeOptions) ([]chatmsg.Message, error) {
	out := messages
	if opts.MergeConsecutiveSameRole {
		out = mergeConsecutiveSameRole(out)
	}
	out = enforceToolPairing(out)
	out = dropEmpty(out)
	if opts.MergeConsecutiveSameRole {
		out = mergeConsecutiveSameRole(out)
	}
	if err := enforceAlternation(out); err != nil {
		return nil, err
	}
	if len(out) == 0 || out[len(out)-1].Role != chatmsg.RoleUser {
		if opts.AllowContinuationPad {
			out = append(out, chatmsg.TextOnly(chatmsg.RoleUser, "Please continue."))
		} else {
			return nil, apierr.Validation("normalized history does not end with a user message", nil)
		}
	}
	return out, nil
}

func mergeConsecutiveSameRole(in []chatmsg.Message) []chatmsg.Message {
	if len(in) == 0 {
		return in
	}
	out := make([]chatmsg.Message, 0, len(in))
	out = append(out, in[0])
	for _, m := range in[1:] {
		last := &out[len(out)-1]
		if last.Role == m.Role {
			last.Content = append(last.Content, m.Content...)
			continue
		}
		out = append(out, m)
	}
	return out
}

// enforceToolPairing enforces that every tool_use id in an assistant
// message is answered by exactly one tool_result with the same id in the
// immediately following user message. Unmatched blocks of either kind are
// dropped rather than fabricated.
func enforceToolPairing(in []chatmsg.Message) []chatmsg.Message {
	out := make([]chatmsg.Message, len(in))
	copy(out, in)

	for i := range out {
		if out[i].Role != chatmsg.RoleAssistant {
			continue
		}
		pending := map[string]bool{}
		for _, b := range out[i].Content {
			if b.Kind == chatmsg.BlockToolUse {
				pending[b.ToolUseID] = true
			}
		}

		answered := map[string]bool{}
		if i+1 < len(out) && out[i+1].Role == chatmsg.RoleUser {
			for _, b := range out[i+1].Content {
				if b.Kind == chatmsg.BlockToolResult && pending[b.ToolResultID] {
					answered[b.ToolResultID] = true
				}
			}
		}

		out[i].Content = filterBlocks(out[i].Content, func(b chatmsg.ContentBlock) bool {
			if b.Kind != chatmsg.BlockToolUse {
				return true
			}
			return answered[b.ToolUseID]
		})

		// Run even when this assistant turn made no tool_use calls at all
		// (pending empty): every tool_result in the following user message
		// is then an orphan and must be dropped, not just the ones whose
		// id happens to collide with a pending call.
		if i+1 < len(out) && out[i+1].Role == chatmsg.RoleUser {
			out[i+1].Content = filterBlocks(out[i+1].Content, func(b chatmsg.ContentBlock) bool {
				if b.Kind != chatmsg.BlockToolResult {
					return true
				}
				return pending[b.ToolResultID] && answered[b.ToolResultID]
			})
		}
	}

	// A tool_result in the very first message has no preceding assistant
	// turn to answer it at all.
	if len(out) > 0 && out[0].Role == chatmsg.RoleUser {
		out[0].Content = filterBlocks(out[0].Content, func(b chatmsg.ContentBlock) bool {
			return b.Kind != chatmsg.BlockToolResult
		})
	}
	return out
}

func filterBlocks(blocks []chatmsg.ContentBlock, keep func(chatmsg.ContentBlock) bool) []chatmsg.ContentBlock {
	out := make([]chatmsg.ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		if keep(b) {
			out = append(out, b)
		}
	}
	return out
}

func dropEmpty(in []chatmsg.Message) []chatmsg.Message {
	out := make([]chatmsg.Message, 0, len(in))
	for _, m := range in {
		if !m.IsEmpty() {
			out = append(out, m)
		}
	}
	return out
}

// enforceAlternation checks that, after normalization, roles alternate
// user/assistant starting with user. A violation here (rather than being
// silently repaired) is an internal invariant error.
func enforceAlternation(in []chatmsg.Message) error {
	want := chatmsg.RoleUser
	for _, m := range in {
		if m.Role != want {
			return apierr.Invariant("role alternation invariant (T2) violated", nil)
		}
		if want == chatmsg.RoleUser {
			want = chatmsg.RoleAssistant
		} else {
			want = chatmsg.RoleUser
		}
	}
	return nil
}
