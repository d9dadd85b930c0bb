package httpapi

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/manifold-proxy/dialect-proxy/internal/apierr"
	"github.com/manifold-proxy/dialect-proxy/internal/chatmsg"
	"github.com/manifold-proxy/dialect-proxy/internal/orchestrator"
)

func TestStatusFromErrorMapsApierrKinds(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{apierr.Validation("bad", nil), http.StatusBadRequest},
		{apierr.Normalize("bad shape", nil), http.StatusUnprocessableEntity},
		{apierr.Invariant("broken invariant", nil), http.StatusInternalServerError},
		{apierr.Upstream("gateway exploded", nil), http.StatusBadGateway},
		{errors.New("plain error"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := statusFromError(c.err); got != c.want {
			t.Fatalf("statusFromError(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestEstimateTokensCountsSystemAndMessageText(t *testing.T) {
	req := chatmsg.ChatRequest{
		System: []chatmsg.ContentBlock{chatmsg.NewTextBlock("aaaaaaaaaa")},
		Messages: []chatmsg.Message{
			chatmsg.TextOnly(chatmsg.RoleUser, "bbbbbbbbbb"),
		},
	}
	got := estimateTokens(req, 3.0)
	if got <= 0 {
		t.Fatalf("expected positive token estimate, got %d", got)
	}
}

func TestSetMetaHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	setMetaHeaders(rec, orchestrator.Meta{
		RequestID:        "req_1",
		RoutedModel:      "sonnet",
		RoutingReason:    "baseline_sonnet",
		WasTruncated:     true,
		TruncateInfo:     "auto_truncate: kept 10 messages",
		ContinuationUsed: true,
		Attempts:         2,
	})
	h := rec.Header()
	if h.Get("X-Request-Id") != "req_1" {
		t.Fatalf("expected X-Request-Id to be set, got %q", h.Get("X-Request-Id"))
	}
	if h.Get("X-History-Truncated") != "true" {
		t.Fatalf("expected X-History-Truncated=true, got %q", h.Get("X-History-Truncated"))
	}
	if h.Get("X-Continuation-Attempts") != "2" {
		t.Fatalf("expected X-Continuation-Attempts=2, got %q", h.Get("X-Continuation-Attempts"))
	}
}
