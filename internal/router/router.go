// Package router implements the priority-ordered model-selection cascade,
// tracking per-tier routing counts with atomic counters for the admin
// endpoint and an otelmetric.Int64Counter for collector export.
package router

import (
	"context"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/manifold-proxy/dialect-proxy/internal/chatmsg"
)

var (
	routingCounterOnce sync.Once
	routingCounter     otelmetric.Int64Counter
)

// ensureRoutingCounter lazily creates the otel counter instrument once a
// MeterProvider has been installed (InitOTel should run before the first
// request in normal startup; before that it records into the SDK's no-op
// implementation).
func ensureRoutingCounter() {
	routingCounterOnce.Do(func() {
		m := otel.Meter("internal/router")
		c, err := m.Int64Counter("router.decisions", otelmetric.WithDescription("Routing decisions by tier and reason"))
		if err == nil {
			routingCounter = c
		}
	})
}

// Config mirrors ModelRoutingConfig.
type Config struct {
	Enabled     bool
	OpusModel   string
	SonnetModel string

	FirstTurnOpusProbability        float64
	ExecutionPhaseSonnetProbability float64
	BaseOpusProbability             float64

	FirstTurnMaxUserMessages int
	ExecutionPhaseToolCalls  int

	ForceOpusKeywords   []string
	ForceSonnetKeywords []string

	WhitelistHeader string
	WhitelistMarker string
}

// Decision is the dialect-free RoutingDecision.
type Decision struct {
	Model    string
	Reason   string
	Priority int
}

// Router holds the process-global {opus,sonnet} counters. The atomic
// counters back the synchronously-readable admin endpoint (GET
// /admin/routing/stats); record() additionally reports every decision
// through an otelmetric.Int64Counter for export to the configured
// collector, since OTel instruments are write-only and can't serve that
// endpoint on their own.
type Router struct {
	cfg Config

	opusCount   atomic.Int64
	sonnetCount atomic.Int64
}

func New(cfg Config) *Router {
	return &Router{cfg: cfg}
}

// Request is the subset of a ChatRequest the router reads, plus inbound
// hints that don't belong on the dialect-free model (the whitelist header).
type Request struct {
	Messages         []chatmsg.Message
	ExtendedThinking bool
	WhitelistHeader  string // value of the configured header, if present
}

// Route runs the priority cascade using rng for probability draws.
// Pass a seeded *rand.Rand in tests for determinism; pass
// nil in production to use the global rand/v2 source.
func (r *Router) Route(req Request, rng *rand.Rand) Decision {
	if !r.cfg.Enabled {
		return r.record(Decision{Model: r.cfg.SonnetModel, Reason: "routing_disabled", Priority: -1})
	}

	if r.matchesWhitelist(req) {
		return r.record(Decision{Model: r.cfg.OpusModel, Reason: "whitelist", Priority: 0})
	}

	if req.ExtendedThinking {
		return r.record(Decision{Model: r.cfg.OpusModel, Reason: "extended_thinking", Priority: 1})
	}

	if chatmsg.CountUserMessages(req.Messages) <= r.cfg.FirstTurnMaxUserMessages {
		if drawFloat(rng) < r.cfg.FirstTurnOpusProbability {
			return r.record(Decision{Model: r.cfg.OpusModel, Reason: "first_turn_opus", Priority: 1})
		}
		return r.record(Decision{Model: r.cfg.SonnetModel, Reason: "first_turn_sonnet", Priority: 1})
	}

	if kw, ok := matchAnyKeyword(req.Messages, r.cfg.ForceOpusKeywords); ok {
		return r.record(Decision{Model: r.cfg.OpusModel, Reason: "force_opus_keyword:" + kw, Priority: 2})
	}

	if kw, ok := matchAnyKeyword(req.Messages, r.cfg.ForceSonnetKeywords); ok {
		return r.record(Decision{Model: r.cfg.SonnetModel, Reason: "force_sonnet_keyword:" + kw, Priority: 3})
	}

	if chatmsg.CountToolCalls(req.Messages) >= r.cfg.ExecutionPhaseToolCalls {
		if drawFloat(rng) < r.cfg.ExecutionPhaseSonnetProbability {
			return r.record(Decision{Model: r.cfg.SonnetModel, Reason: "execution_phase_sonnet", Priority: 4})
		}
		return r.record(Decision{Model: r.cfg.OpusModel, Reason: "execution_phase_opus", Priority: 4})
	}

	if drawFloat(rng) < r.cfg.BaseOpusProbability {
		return r.record(Decision{Model: r.cfg.OpusModel, Reason: "baseline_opus", Priority: 5})
	}
	return r.record(Decision{Model: r.cfg.SonnetModel, Reason: "baseline_sonnet", Priority: 5})
}

func (r *Router) record(d Decision) Decision {
	tier := "sonnet"
	if d.Model == r.cfg.OpusModel {
		r.opusCount.Add(1)
		tier = "opus"
	} else {
		r.sonnetCount.Add(1)
	}

	ensureRoutingCounter()
	if routingCounter != nil {
		routingCounter.Add(context.Background(), 1,
			otelmetric.WithAttributes(
				attribute.String("tier", tier),
				attribute.String("reason", d.Reason),
			),
		)
	}
	return d
}

// Counts returns the process-global {opus, sonnet} routing counters.
func (r *Router) Counts() (opus, sonnet int64) {
	return r.opusCount.Load(), r.sonnetCount.Load()
}

// ResetCounts zeroes the routing counters, for the operator-facing
// admin reset endpoint.
func (r *Router) ResetCounts() {
	r.opusCount.Store(0)
	r.sonnetCount.Store(0)
}

func (r *Router) matchesWhitelist(req Request) bool {
	if strings.EqualFold(req.WhitelistHeader, "opus") {
		return true
	}
	if r.cfg.WhitelistMarker == "" {
		return false
	}
	for _, m := range req.Messages {
		for _, b := range m.Content {
			if b.Kind == chatmsg.BlockText && strings.Contains(b.Text, r.cfg.WhitelistMarker) {
				return true
			}
		}
	}
	return false
}

func matchAnyKeyword(messages []chatmsg.Message, keywords []string) (string, bool) {
	if len(keywords) == 0 {
		return "", false
	}
	for _, m := range messages {
		for _, b := range m.Content {
			if b.Kind != chatmsg.BlockText {
				continue
			}
			for _, kw := range keywords {
				if kw != "" && strings.Contains(b.Text, kw) {
					return kw, true
				}
			}
		}
	}
	return "", false
}

func drawFloat(rng *rand.Rand) float64 {
	if rng != nil {
		return rng.Float64()
	}
	return rand.Float64()
}

// ConflictingKeywords returns keywords present in both the force-Opus and
// force-Sonnet sets, used by the config loader's startup warning.
func ConflictingKeywords(opusKeywords, sonnetKeywords []string) []string {
	set := make(map[string]struct{}, len(opusKeywords))
	for _, k := range opusKeywords {
		set[strings.ToLower(k)] = struct{}{}
	}
	var out []string
	for _, k := range sonnetKeywords {
		if _, ok := set[strings.ToLower(k)]; ok {
			out = append(out, k)
		}
	}
	return out
}
