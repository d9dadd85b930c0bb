package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/manifold-proxy/dialect-proxy/internal/apierr"
	"github.com/manifold-proxy/dialect-proxy/internal/chatmsg"
	"github.com/manifold-proxy/dialect-proxy/internal/dialect"
	"github.com/manifold-proxy/dialect-proxy/internal/history"
	"github.com/manifold-proxy/dialect-proxy/internal/orchestrator"
	"github.com/manifold-proxy/dialect-proxy/internal/stream"
)

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	req, err := dialect.DecodeAnthropicRequest(body, dialect.NormalizeOptions{MergeConsecutiveSameRole: true})
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	whitelist := r.Header.Get(s.cfg.Routing.WhitelistHeader)

	if req.Stream {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		if _, err := s.orch.HandleStreaming(r.Context(), req, whitelist, w, stream.TargetAnthropic); err != nil {
			return // a terminal SSE error event was already written
		}
		return
	}

	resp, meta, err := s.orch.HandleNonStreaming(r.Context(), req, whitelist)
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	setMetaHeaders(w, meta)
	respondJSON(w, http.StatusOK, dialect.EncodeAnthropicResponse(meta.RequestID, resp))
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	req, err := dialect.DecodeOpenAIRequest(body, dialect.NormalizeOptions{MergeConsecutiveSameRole: true})
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	whitelist := r.Header.Get(s.cfg.Routing.WhitelistHeader)

	if req.Stream {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		if _, err := s.orch.HandleStreaming(r.Context(), req, whitelist, w, stream.TargetOpenAI); err != nil {
			return
		}
		return
	}

	resp, meta, err := s.orch.HandleNonStreaming(r.Context(), req, whitelist)
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	setMetaHeaders(w, meta)
	respondJSON(w, http.StatusOK, dialect.EncodeOpenAIResponse(meta.RequestID, resp))
}

// handleCountTokens decodes the request and runs the token estimator only
// (no upstream call), a convenience endpoint clients use to decide locally
// whether a request is likely to get truncated or summarized upstream.
func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	req, err := dialect.DecodeAnthropicRequest(body, dialect.NormalizeOptions{MergeConsecutiveSameRole: true, AllowContinuationPad: true})
	if err != nil {
		respondError(w, statusFromError(err), err)
		return
	}
	tokens := estimateTokens(req, s.cfg.History.CharsPerToken)
	respondJSON(w, http.StatusOK, map[string]any{"input_tokens": tokens})
}

func estimateTokens(req chatmsg.ChatRequest, charsPerToken float64) int {
	total := 0
	for _, b := range req.System {
		if b.Kind == chatmsg.BlockText {
			total += history.EstimateTokens(b.Text, charsPerToken)
		}
	}
	for _, m := range req.Messages {
		for _, b := range m.Content {
			if b.Kind == chatmsg.BlockText {
				total += history.EstimateTokens(b.Text, charsPerToken)
			}
		}
	}
	return total
}

// handleListModels returns the static tier list this proxy routes
// between; there is no live model registry to query.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"data": []map[string]any{
			{"id": s.cfg.Routing.OpusModel, "object": "model"},
			{"id": s.cfg.Routing.SonnetModel, "object": "model"},
		},
	})
}

func (s *Server) handleAdminConfig(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"routing":       s.cfg.Routing,
		"history":       s.cfg.History,
		"summary_cache": s.cfg.SummaryCache,
		"continuation":  s.cfg.Continuation,
	})
}

func (s *Server) handleAdminRoutingStats(w http.ResponseWriter, r *http.Request) {
	opus, sonnet := s.rtr.Counts()
	respondJSON(w, http.StatusOK, map[string]any{"opus": opus, "sonnet": sonnet})
}

func (s *Server) handleAdminRoutingReset(w http.ResponseWriter, r *http.Request) {
	s.rtr.ResetCounts()
	respondJSON(w, http.StatusOK, map[string]any{"status": "reset"})
}

func setMetaHeaders(w http.ResponseWriter, meta orchestrator.Meta) {
	h := w.Header()
	h.Set("X-Request-Id", meta.RequestID)
	h.Set("X-Model-Used", meta.RoutedModel)
	h.Set("X-Routing-Reason", meta.RoutingReason)
	h.Set("X-History-Truncated", strconv.FormatBool(meta.WasTruncated))
	if meta.TruncateInfo != "" {
		h.Set("X-History-Truncate-Info", meta.TruncateInfo)
	}
	if meta.ContinuationUsed {
		h.Set("X-Continuation-Attempts", strconv.Itoa(meta.Attempts))
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]any{"error": map[string]any{"message": err.Error()}})
}

func statusFromError(err error) int {
	kind, ok := apierr.KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch kind {
	case apierr.KindValidation:
		return http.StatusBadRequest
	case apierr.KindNormalize:
		return http.StatusUnprocessableEntity
	case apierr.KindInvariant:
		return http.StatusInternalServerError
	case apierr.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
