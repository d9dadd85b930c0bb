// Package history is the multi-strategy pipeline that reshapes an
// oversized conversation to fit inside a character/token budget before
// it is sent upstream.
package history

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/manifold-proxy/dialect-proxy/internal/chatmsg"
	"github.com/manifold-proxy/dialect-proxy/internal/summarycache"
)

// Config mirrors the HistoryConfig knobs that drive this engine.
type Config struct {
	PreEstimateEnabled  bool
	AutoTruncateEnabled bool
	SmartSummaryEnabled bool
	ErrorRetryEnabled   bool

	MaxMessages       int
	MaxChars          int
	SummaryThreshold  int
	SummaryKeepRecent int
	RetryMaxMessages  int
	MaxRetries        int
	EstimateThreshold int
	CharsPerToken     float64

	AsyncFastFirst     bool
	MaxPendingTasks    int
	UpdateIntervalMsgs int
	TaskTimeout        time.Duration
}

// SummaryFn is the injected capability the engine calls to produce a
// summary of the "older" slice of a history split. The concrete
// implementation calls the upstream client and is wired by the
// orchestrator; this package never imports the upstream client directly.
type SummaryFn func(ctx context.Context, older []chatmsg.Message) (string, error)

// Engine runs the pipeline for one session. Each per-request flag
// (WasTruncated/TruncateInfo) is set on the Engine instance itself so the
// orchestrator can surface it in warning headers.
type Engine struct {
	cfg   Config
	cache *summarycache.Cache
	tasks *errgroup.Group

	WasTruncated bool
	TruncateInfo string
}

func NewEngine(cfg Config, cache *summarycache.Cache) *Engine {
	g := &errgroup.Group{}
	g.SetLimit(maxInt(cfg.MaxPendingTasks, 1))
	return &Engine{cfg: cfg, cache: cache, tasks: g}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// EstimateRequestChars sums the character length of the whole message
// list, the quantity PRE_ESTIMATE and AUTO_TRUNCATE budget against.
func EstimateRequestChars(messages []chatmsg.Message) int {
	n := 0
	for _, m := range messages {
		n += m.CharLen()
	}
	return n
}

// EstimateHistorySize returns (messageCount, charCount) for a history,
// the snapshot metadata SummaryEntry and the cache's acceptance law need.
func EstimateHistorySize(messages []chatmsg.Message) (int, int) {
	return len(messages), EstimateRequestChars(messages)
}

func (e *Engine) ShouldPreTruncate(messages []chatmsg.Message) bool {
	return e.cfg.PreEstimateEnabled && EstimateRequestChars(messages) > e.cfg.EstimateThreshold
}

func (e *Engine) ShouldSummarize(messages []chatmsg.Message) bool {
	return e.cfg.SmartSummaryEnabled &&
		EstimateRequestChars(messages) > e.cfg.SummaryThreshold &&
		len(messages) > e.cfg.SummaryKeepRecent
}

// PreProcess runs the no-backend pipeline matching spec.md's pre_process
// signature: PRE_ESTIMATE, AUTO_TRUNCATE, then SMART_SUMMARY using only a
// cache hit. It never invokes a summary backend and takes no SummaryFn
// parameter; ERROR_RETRY is not applicable here. Callers that need
// cache-miss summarization (by calling out to a SummaryFn, synchronously
// or in the background) must use PreProcessAsync instead.
func (e *Engine) PreProcess(ctx context.Context, sessionKey string, messages []chatmsg.Message) []chatmsg.Message {
	e.WasTruncated = false
	e.TruncateInfo = ""

	out := messages
	if e.ShouldPreTruncate(out) {
		out = e.preEstimateTruncate(out)
	}
	if e.cfg.AutoTruncateEnabled {
		out = e.autoTruncate(out)
	}
	if !e.ShouldSummarize(out) {
		return out
	}

	keepRecent := e.cfg.SummaryKeepRecent
	if keepRecent > len(out) {
		keepRecent = len(out)
	}
	recent := out[len(out)-keepRecent:]
	if entry, ok := e.cache.Get(sessionKey); ok {
		e.WasTruncated = true
		e.TruncateInfo = "history summarized (cache hit)"
		return e.applySummary(entry.Summary, recent)
	}
	return out
}

// PreProcessAsync is spec.md's pre_process_async: the pre-processing entry
// point that may call summaryFn (HandleLengthError is the other caller of
// summaryFn), either synchronously (AsyncFastFirst disabled)
// or as a fast-first background task that truncates immediately and
// schedules summarization so a later request benefits from the cached
// result.
func (e *Engine) PreProcessAsync(ctx context.Context, sessionKey string, messages []chatmsg.Message, summaryFn SummaryFn) []chatmsg.Message {
	e.WasTruncated = false
	e.TruncateInfo = ""

	out := messages
	if e.ShouldPreTruncate(out) {
		out = e.preEstimateTruncate(out)
	}
	if e.cfg.AutoTruncateEnabled {
		out = e.autoTruncate(out)
	}
	if !e.ShouldSummarize(out) {
		return out
	}

	keepRecent := e.cfg.SummaryKeepRecent
	if keepRecent > len(out) {
		keepRecent = len(out)
	}
	older := out[:len(out)-keepRecent]
	recent := out[len(out)-keepRecent:]

	if entry, ok := e.cache.Get(sessionKey); ok {
		e.WasTruncated = true
		e.TruncateInfo = "history summarized (cache hit)"
		return e.applySummary(entry.Summary, recent)
	}

	if e.cfg.AsyncFastFirst {
		e.scheduleBackgroundSummary(sessionKey, older, summaryFn)
		e.WasTruncated = true
		e.TruncateInfo = "summary pending; truncated for this request"
		return e.simpleTruncate(out)
	}
	return e.smartSummarizeSync(ctx, sessionKey, out, summaryFn)
}

func (e *Engine) scheduleBackgroundSummary(sessionKey string, older []chatmsg.Message, summaryFn SummaryFn) {
	done, claimed := e.cache.ClaimRefresh(sessionKey)
	if !claimed {
		return
	}
	e.tasks.Go(func() error {
		defer done()
		ctx := context.Background()
		if e.cfg.TaskTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, e.cfg.TaskTimeout)
			defer cancel()
		}
		summary, err := summaryFn(ctx, older)
		if err != nil {
			return nil // summarization failure never fails the enclosing request
		}
		msgCount, charCount := EstimateHistorySize(older)
		if e.cache.ShouldAccept(sessionKey, msgCount, charCount) {
			e.cache.Put(sessionKey, summarycache.Entry{
				Summary:      summary,
				MessageCount: msgCount,
				CharCount:    charCount,
				GeneratedAt:  time.Now(),
			})
		}
		return nil
	})
}

// Drain waits for all in-flight background summaries, used during graceful
// shutdown. It takes no deadline and blocks until every task has returned.
func (e *Engine) Drain() error {
	return e.tasks.Wait()
}

func (e *Engine) smartSummarizeSync(ctx context.Context, sessionKey string, messages []chatmsg.Message, summaryFn SummaryFn) []chatmsg.Message {
	keepRecent := e.cfg.SummaryKeepRecent
	if keepRecent > len(messages) {
		keepRecent = len(messages)
	}
	older := messages[:len(messages)-keepRecent]
	recent := messages[len(messages)-keepRecent:]

	if entry, ok := e.cache.Get(sessionKey); ok {
		e.WasTruncated = true
		e.TruncateInfo = "history summarized (cache hit)"
		return e.applySummary(entry.Summary, recent)
	}

	msgCount, charCount := EstimateHistorySize(older)
	summary, err := summaryFn(ctx, older)
	if err != nil {
		e.WasTruncated = true
		e.TruncateInfo = "summarization failed; fell back to truncation"
		return e.autoTruncate(messages)
	}

	if e.cache.ShouldAccept(sessionKey, msgCount, charCount) {
		e.cache.Put(sessionKey, summarycache.Entry{
			Summary:      summary,
			MessageCount: msgCount,
			CharCount:    charCount,
			GeneratedAt:  time.Now(),
		})
	}
	e.WasTruncated = true
	e.TruncateInfo = "history summarized"
	return e.applySummary(summary, recent)
}

func (e *Engine) applySummary(summary string, recent []chatmsg.Message) []chatmsg.Message {
	out := make([]chatmsg.Message, 0, len(recent)+2)
	out = append(out, chatmsg.TextOnly(chatmsg.RoleUser, fmt.Sprintf("[Earlier conversation summary]\n%s\n\n[Continuing...]", summary)))
	out = append(out, chatmsg.TextOnly(chatmsg.RoleAssistant, "Understood, continuing from the summary above."))
	out = append(out, recent...)
	return out
}

// preEstimateTruncate implements PRE_ESTIMATE: truncate
// head-ward until total chars <= 80% of estimate_threshold, keeping the
// most recent messages.
func (e *Engine) preEstimateTruncate(messages []chatmsg.Message) []chatmsg.Message {
	target := int(float64(e.cfg.EstimateThreshold) * 0.8)
	out := messages
	for len(out) > 1 && EstimateRequestChars(out) > target {
		out = out[1:]
	}
	if len(out) != len(messages) {
		e.WasTruncated = true
		e.TruncateInfo = "pre-estimate truncation: history exceeded estimate_threshold"
	}
	return out
}

// autoTruncate implements AUTO_TRUNCATE: enforce max_messages
// by keeping the tail, then enforce max_chars by dropping oldest
// user/assistant pairs to preserve T2.
func (e *Engine) autoTruncate(messages []chatmsg.Message) []chatmsg.Message {
	out := messages
	if e.cfg.MaxMessages > 0 && len(out) > e.cfg.MaxMessages {
		out = out[len(out)-e.cfg.MaxMessages:]
		e.WasTruncated = true
		e.TruncateInfo = "auto-truncate: message count exceeded max_messages"
	}
	if e.cfg.MaxChars > 0 {
		for len(out) >= 2 && EstimateRequestChars(out) > e.cfg.MaxChars {
			out = out[2:]
			e.WasTruncated = true
			e.TruncateInfo = "auto-truncate: char budget exceeded max_chars"
		}
	}
	return out
}

// simpleTruncate is the immediate fallback used by PreProcessAsync while a
// background summary is pending: keep only the last retry_max_messages
// messages (all of them when retry_max_messages is unset).
func (e *Engine) simpleTruncate(messages []chatmsg.Message) []chatmsg.Message {
	if e.cfg.RetryMaxMessages > 0 && len(messages) > e.cfg.RetryMaxMessages {
		return messages[len(messages)-e.cfg.RetryMaxMessages:]
	}
	return messages
}

// HandleLengthError implements ERROR_RETRY: reduces the
// retained tail by ~30% per attempt, preferring summarization when enabled,
// capped at max_retries. Idempotent once retryCount >= max_retries.
func (e *Engine) HandleLengthError(ctx context.Context, sessionKey string, messages []chatmsg.Message, retryCount int, summaryFn SummaryFn) ([]chatmsg.Message, bool) {
	if !e.cfg.ErrorRetryEnabled || retryCount >= e.cfg.MaxRetries {
		return messages, false
	}

	if e.cfg.SmartSummaryEnabled && len(messages) > e.cfg.SummaryKeepRecent {
		return e.smartSummarizeSync(ctx, sessionKey, messages, summaryFn), true
	}

	keep := int(float64(len(messages)) * 0.7)
	if keep < 1 {
		keep = 1
	}
	// Keep pair-aligned boundaries so T2 survives.
	if (len(messages)-keep)%2 != 0 {
		keep--
		if keep < 1 {
			keep = 1
		}
	}
	e.WasTruncated = true
	e.TruncateInfo = fmt.Sprintf("error-retry: shrank history to %d messages (attempt %d)", keep, retryCount+1)
	return messages[len(messages)-keep:], true
}
