// Package stream implements the streaming re-emitter that turns the
// upstream chunk stream into target-dialect SSE events, tracking a small
// state machine (awaiting_start -> message_started -> content_open ->
// message_stopped) so a client in either dialect sees a well-formed
// stream regardless of how the upstream chunks happen to be sliced.
package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/openai/openai-go/v2"

	"github.com/manifold-proxy/dialect-proxy/internal/chatmsg"
	"github.com/manifold-proxy/dialect-proxy/internal/dialect"
	"github.com/manifold-proxy/dialect-proxy/internal/history"
	"github.com/manifold-proxy/dialect-proxy/internal/toolcodec"
)

// Target names the dialect a Reemitter writes events in.
type Target int

const (
	TargetAnthropic Target = iota
	TargetOpenAI
)

type blockState int

const (
	blockNone blockState = iota
	blockText
	blockToolUse
)

// Chunk is the minimal subset of an upstream chunk the re-emitter
// consumes, decoupling it from the concrete SDK type so tests can drive
// the state machine without a live stream.
type Chunk struct {
	Content      string
	ToolCallID   string
	ToolCallName string
	ToolCallArgs string
	ToolCallIdx  int
	FinishReason string
	Model        string
	InputTokens  int
	OutputTokens int
}

// FromSDKChunk adapts an openai.ChatCompletionChunk into the single-choice
// Chunk shape this package's state machine understands; multi-choice
// responses are out of scope.
func FromSDKChunk(c openai.ChatCompletionChunk) (Chunk, bool) {
	if len(c.Choices) == 0 {
		return Chunk{}, false
	}
	choice := c.Choices[0]
	out := Chunk{
		Content:      choice.Delta.Content,
		FinishReason: choice.FinishReason,
		Model:        c.Model,
		InputTokens:  int(c.Usage.PromptTokens),
		OutputTokens: int(c.Usage.CompletionTokens),
	}
	if len(choice.Delta.ToolCalls) > 0 {
		tc := choice.Delta.ToolCalls[0]
		out.ToolCallID = tc.ID
		out.ToolCallName = tc.Function.Name
		out.ToolCallArgs = tc.Function.Arguments
		out.ToolCallIdx = int(tc.Index)
	}
	return out, true
}

// Reemitter owns the state machine for a single in-flight response.
type Reemitter struct {
	target    Target
	w         io.Writer
	flusher   flusher
	requestID string

	blockIndex int
	state      blockState
	textBuf    string

	accumulatedText string
	toolCalls       map[int]*pendingToolCall

	sawInputTokens  bool
	sawOutputTokens bool
	finalInputTok   int
	finalOutputTok  int
	model           string
	finishReason    string
}

type pendingToolCall struct {
	id    string
	name  string
	args  string
	index int // content-block index assigned once opened
	open  bool
}

type flusher interface{ Flush() }

// New builds a Reemitter writing SSE frames to w. If w also implements
// Flush() (as http.ResponseWriter does via http.Flusher), each event is
// flushed immediately.
func New(w io.Writer, target Target, requestID string) *Reemitter {
	var fl flusher
	if f, ok := w.(flusher); ok {
		fl = f
	}
	if requestID == "" {
		requestID = "msg_" + uuid.NewString()
	}
	return &Reemitter{
		target:    target,
		w:         w,
		flusher:   fl,
		requestID: requestID,
		toolCalls: make(map[int]*pendingToolCall),
	}
}

// Consume drains chunks until the channel closes, writing target-dialect
// SSE events as it goes. It never returns a broken stream: on upstream
// error it emits a final error event. This is a convenience
// wrapper around Start/FeedChunks/Finish for a single-attempt response;
// the continuation controller calls those directly so it can feed several
// upstream attempts through one Reemitter without re-announcing
// message_start or closing the stream between attempts.
func (r *Reemitter) Consume(chunks <-chan Chunk, upstreamErr func() error) error {
	r.Start()
	if err := r.FeedChunks(chunks, upstreamErr); err != nil {
		return err
	}
	r.Finish()
	return nil
}

// Start emits the stream's opening event(s). Call once per response,
// before the first FeedChunks call.
func (r *Reemitter) Start() {
	r.writeMessageStart()
}

// FeedChunks drains one upstream attempt's chunks into the stream. On
// upstream error it emits a final error event and returns it; the caller
// must not call Finish afterward. Safe to call more than once on the same
// Reemitter (each call is one continuation attempt).
func (r *Reemitter) FeedChunks(chunks <-chan Chunk, upstreamErr func() error) error {
	for c := range chunks {
		r.applyChunk(c)
	}
	if err := upstreamErr(); err != nil {
		r.writeError(err)
		return err
	}
	return nil
}

// Finish closes any open content block and emits the stream's closing
// event(s). Call once, after the last FeedChunks call succeeds.
func (r *Reemitter) Finish() {
	r.closeOpenBlock()
	r.writeMessageDelta()
	r.writeMessageStop()
}

// AccumulatedText returns all text emitted across every FeedChunks call
// so far, used by the continuation controller to decide whether a resume
// attempt added enough new text to be worth another round.
func (r *Reemitter) AccumulatedText() string {
	return r.accumulatedText
}

// StopReason returns the dialect-free stop reason implied by the most
// recent FeedChunks call.
func (r *Reemitter) StopReason() chatmsg.StopReason {
	return r.stopReason()
}

// FinalUsage returns the usage totals accumulated so far.
func (r *Reemitter) FinalUsage() chatmsg.Usage {
	return r.finalUsage()
}

func (r *Reemitter) applyChunk(c Chunk) {
	if c.Model != "" {
		r.model = c.Model
	}
	if c.InputTokens > 0 {
		r.finalInputTok = c.InputTokens
		r.sawInputTokens = true
	}
	if c.OutputTokens > 0 {
		r.finalOutputTok = c.OutputTokens
		r.sawOutputTokens = true
	}
	if c.FinishReason != "" {
		r.finishReason = c.FinishReason
	}

	if c.ToolCallName != "" || c.ToolCallArgs != "" || c.ToolCallID != "" {
		r.applyToolDelta(c)
		return
	}
	if c.Content != "" {
		r.applyTextDelta(c.Content)
	}
}

func (r *Reemitter) applyTextDelta(delta string) {
	if r.state == blockToolUse {
		r.closeOpenBlock()
	}
	if r.state == blockNone {
		r.state = blockText
		r.writeContentBlockStart(chatmsg.NewTextBlock(""))
	}

	r.textBuf += delta
	// Hold back text until any legacy inline tool marker fully resolves,
	// so a marker split across chunk boundaries doesn't leak raw [Calling
	// tool: ...] syntax to the client.
	prefix, blocks, suffix := toolcodec.ExtractBlocks(r.textBuf)
	if len(blocks) == 0 {
		// No complete marker yet; emit everything except a possible
		// partial marker tail so we don't hold the whole buffer forever.
		safe, pending := splitSafeTail(r.textBuf)
		if safe != "" {
			r.writeContentBlockDeltaText(safe)
			r.accumulatedText += safe
		}
		r.textBuf = pending
		return
	}

	if prefix != "" {
		r.writeContentBlockDeltaText(prefix)
		r.accumulatedText += prefix
	}
	for _, b := range blocks {
		r.closeOpenBlock()
		r.state = blockToolUse
		r.writeContentBlockStart(b)
		r.closeOpenBlock()
	}
	r.state = blockNone
	r.textBuf = suffix
}

// splitSafeTail returns the prefix of s that cannot possibly be (or be a
// prefix of) a legacy tool-call marker, and the remaining suspect tail.
func splitSafeTail(s string) (safe, pending string) {
	const marker = "[Calling tool: "
	if idx := strings.Index(s, marker); idx >= 0 {
		return s[:idx], s[idx:]
	}
	limit := len(marker)
	if len(s) < limit {
		limit = len(s)
	}
	for i := 1; i <= limit; i++ {
		if marker[:i] == s[len(s)-i:] {
			return s[:len(s)-i], s[len(s)-i:]
		}
	}
	return s, ""
}

func (r *Reemitter) applyToolDelta(c Chunk) {
	if r.state == blockText {
		r.closeOpenBlock()
	}
	pc, ok := r.toolCalls[c.ToolCallIdx]
	if !ok {
		pc = &pendingToolCall{id: c.ToolCallID, name: c.ToolCallName}
		r.toolCalls[c.ToolCallIdx] = pc
	}
	if c.ToolCallID != "" {
		pc.id = c.ToolCallID
	}
	if c.ToolCallName != "" {
		pc.name = c.ToolCallName
	}
	pc.args += c.ToolCallArgs

	if !pc.open {
		r.state = blockToolUse
		pc.index = r.blockIndex
		pc.open = true
		r.writeContentBlockStart(chatmsg.NewToolUseBlock(pc.id, pc.name, nil))
		return
	}
	r.writeContentBlockDeltaJSON(pc.index, c.ToolCallArgs)
}

func (r *Reemitter) closeOpenBlock() {
	if r.state == blockNone {
		return
	}
	r.writeContentBlockStop(r.blockIndex)
	r.blockIndex++
	r.state = blockNone
	r.textBuf = ""
}

func (r *Reemitter) finalUsage() chatmsg.Usage {
	u := chatmsg.Usage{InputTokens: r.finalInputTok, OutputTokens: r.finalOutputTok}
	if !r.sawOutputTokens {
		u.OutputTokens = history.EstimateTokens(r.accumulatedText, 3.0)
		u.Estimated = true
	}
	return u
}

func (r *Reemitter) stopReason() chatmsg.StopReason {
	if len(r.toolCalls) > 0 {
		return chatmsg.StopToolUse
	}
	return dialect.StopReasonFromOpenAI(r.finishReason)
}

// --- event serialization ---

func (r *Reemitter) writeMessageStart() {
	switch r.target {
	case TargetAnthropic:
		payload := map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":          r.requestID,
				"type":        "message",
				"role":        "assistant",
				"model":       r.model,
				"content":     []any{},
				"stop_reason": nil,
				"usage":       map[string]any{"input_tokens": 0, "output_tokens": 0},
			},
		}
		r.writeSSE("message_start", payload)
	case TargetOpenAI:
		r.writeOpenAIChunk(map[string]any{"role": "assistant"}, "")
	}
}

func (r *Reemitter) writeContentBlockStart(b chatmsg.ContentBlock) {
	switch r.target {
	case TargetAnthropic:
		block := map[string]any{"type": "text", "text": ""}
		switch b.Kind {
		case chatmsg.BlockToolUse:
			block = map[string]any{"type": "tool_use", "id": b.ToolUseID, "name": b.ToolName, "input": map[string]any{}}
		}
		r.writeSSE("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         r.blockIndex,
			"content_block": block,
		})
	case TargetOpenAI:
		if b.Kind == chatmsg.BlockToolUse {
			r.writeOpenAIChunk(map[string]any{
				"tool_calls": []map[string]any{{
					"index": r.blockIndex,
					"id":    b.ToolUseID,
					"type":  "function",
					"function": map[string]any{
						"name":      b.ToolName,
						"arguments": "",
					},
				}},
			}, "")
		}
	}
}

func (r *Reemitter) writeContentBlockDeltaText(text string) {
	switch r.target {
	case TargetAnthropic:
		r.writeSSE("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": r.blockIndex,
			"delta": map[string]any{"type": "text_delta", "text": text},
		})
	case TargetOpenAI:
		r.writeOpenAIChunk(map[string]any{"content": text}, "")
	}
}

func (r *Reemitter) writeContentBlockDeltaJSON(index int, partialJSON string) {
	switch r.target {
	case TargetAnthropic:
		r.writeSSE("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": index,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": partialJSON},
		})
	case TargetOpenAI:
		r.writeOpenAIChunk(map[string]any{
			"tool_calls": []map[string]any{{
				"index":    index,
				"function": map[string]any{"arguments": partialJSON},
			}},
		}, "")
	}
}

func (r *Reemitter) writeContentBlockStop(index int) {
	if r.target == TargetAnthropic {
		r.writeSSE("content_block_stop", map[string]any{"type": "content_block_stop", "index": index})
	}
}

func (r *Reemitter) writeMessageDelta() {
	usage := r.finalUsage()
	if r.target == TargetAnthropic {
		r.writeSSE("message_delta", map[string]any{
			"type":  "message_delta",
			"delta": map[string]any{"stop_reason": string(r.stopReason())},
			"usage": map[string]any{"output_tokens": usage.OutputTokens},
		})
	}
}

func (r *Reemitter) writeMessageStop() {
	switch r.target {
	case TargetAnthropic:
		r.writeSSE("message_stop", map[string]any{"type": "message_stop"})
	case TargetOpenAI:
		r.writeOpenAIChunk(map[string]any{}, dialect.StopReasonToOpenAI(r.stopReason()))
		fmt.Fprint(r.w, "data: [DONE]\n\n")
		r.flush()
	}
}

func (r *Reemitter) writeError(err error) {
	switch r.target {
	case TargetAnthropic:
		r.writeSSE("error", map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "upstream_error", "message": err.Error()},
		})
	case TargetOpenAI:
		r.writeSSE("", map[string]any{"error": map[string]any{"message": err.Error(), "type": "upstream_error"}})
	}
}

func (r *Reemitter) writeOpenAIChunk(delta map[string]any, finishReason string) {
	choice := map[string]any{"index": 0, "delta": delta}
	if finishReason != "" {
		choice["finish_reason"] = finishReason
	} else {
		choice["finish_reason"] = nil
	}
	r.writeSSE("", map[string]any{
		"id":      r.requestID,
		"object":  "chat.completion.chunk",
		"model":   r.model,
		"choices": []map[string]any{choice},
	})
}

func (r *Reemitter) writeSSE(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if event != "" {
		fmt.Fprintf(r.w, "event: %s\n", event)
	}
	fmt.Fprintf(r.w, "data: %s\n\n", data)
	r.flush()
}

func (r *Reemitter) flush() {
	if r.flusher != nil {
		r.flusher.Flush()
	}
}

// ScanSSE is a small helper for tests/clients reading raw SSE bodies back
// apart into (event, data) pairs; the upstream SDK's own stream already
// does this for us on the consume side.
func ScanSSE(r io.Reader, onEvent func(event, data string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data != "" {
				onEvent(event, data)
			}
			event, data = "", ""
		case len(line) > 7 && line[:7] == "event: ":
			event = line[7:]
		case len(line) > 6 && line[:6] == "data: ":
			data = line[6:]
		}
	}
	return scanner.Err()
}
