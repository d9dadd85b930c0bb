// Command proxyd runs the dialect-bridging chat-completion proxy:
// config load, component wiring, HTTP listener, graceful shutdown.
// Grounded in the teacher's cmd/webui/main.go shutdown pattern
// (signal.Notify + http.Server.Shutdown with a bounded timeout) and
// cmd/agentd/main.go's load-config-then-wire-services ordering.
package main

import (
	"context"
	"flag"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/manifold-proxy/dialect-proxy/internal/config"
	"github.com/manifold-proxy/dialect-proxy/internal/continuation"
	"github.com/manifold-proxy/dialect-proxy/internal/history"
	"github.com/manifold-proxy/dialect-proxy/internal/httpapi"
	"github.com/manifold-proxy/dialect-proxy/internal/observability"
	"github.com/manifold-proxy/dialect-proxy/internal/orchestrator"
	"github.com/manifold-proxy/dialect-proxy/internal/router"
	"github.com/manifold-proxy/dialect-proxy/internal/summarycache"
	"github.com/manifold-proxy/dialect-proxy/internal/upstream"
)

func main() {
	configPath := flag.String("config", "", "path to an optional YAML config overlay")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		stdlog.Fatalf("failed to load config: %v", err)
	}

	shutdownOTel, otelErr := observability.InitOTel(context.Background(), cfg.Obs)
	observability.InitLogger(cfg.LogPath, cfg.LogLevel, otelErr == nil)
	if otelErr != nil {
		log.Warn().Err(otelErr).Msg("otel init failed, continuing without observability")
		shutdownOTel = nil
	}
	if shutdownOTel != nil {
		defer func() { _ = shutdownOTel(context.Background()) }()
	}

	cache := summarycache.New(summarycache.Config{
		MinDeltaMessages: cfg.SummaryCache.MinDeltaMessages,
		MinDeltaChars:    cfg.SummaryCache.MinDeltaChars,
		MaxAge:           cfg.SummaryCache.MaxAge,
		MaxEntries:       cfg.SummaryCache.MaxEntries,
	})

	histEngine := history.NewEngine(history.Config{
		PreEstimateEnabled:  cfg.History.PreEstimateEnabled,
		AutoTruncateEnabled: cfg.History.AutoTruncateEnabled,
		SmartSummaryEnabled: cfg.History.SmartSummaryEnabled,
		ErrorRetryEnabled:   cfg.History.ErrorRetryEnabled,
		MaxMessages:         cfg.History.MaxMessages,
		MaxChars:            cfg.History.MaxChars,
		SummaryThreshold:    cfg.History.SummaryThreshold,
		SummaryKeepRecent:   cfg.History.SummaryKeepRecent,
		RetryMaxMessages:    cfg.History.RetryMaxMessages,
		MaxRetries:          cfg.History.MaxRetries,
		EstimateThreshold:   cfg.History.EstimateThreshold,
		CharsPerToken:       cfg.History.CharsPerToken,
		AsyncFastFirst:      cfg.AsyncSummary.FastFirstRequest,
		MaxPendingTasks:     cfg.AsyncSummary.MaxPendingTasks,
		UpdateIntervalMsgs:  cfg.AsyncSummary.UpdateIntervalMessages,
		TaskTimeout:         cfg.AsyncSummary.TaskTimeout,
	}, cache)

	rtr := router.New(router.Config{
		Enabled:                         cfg.Routing.Enabled,
		OpusModel:                       cfg.Routing.OpusModel,
		SonnetModel:                     cfg.Routing.SonnetModel,
		FirstTurnOpusProbability:        cfg.Routing.FirstTurnOpusProbability,
		ExecutionPhaseSonnetProbability: cfg.Routing.ExecutionPhaseSonnetProbability,
		BaseOpusProbability:             cfg.Routing.BaseOpusProbability,
		FirstTurnMaxUserMessages:        cfg.Routing.FirstTurnMaxUserMessages,
		ExecutionPhaseToolCalls:         cfg.Routing.ExecutionPhaseToolCalls,
		ForceOpusKeywords:               cfg.Routing.ForceOpusKeywords,
		ForceSonnetKeywords:             cfg.Routing.ForceSonnetKeywords,
		WhitelistHeader:                 cfg.Routing.WhitelistHeader,
		WhitelistMarker:                 cfg.Routing.WhitelistMarker,
	})

	upstreamClient := upstream.New(upstream.Config{
		BaseURL:         cfg.Upstream.BaseURL,
		APIKey:          cfg.Upstream.APIKey,
		MaxConnections:  cfg.HTTPPool.MaxConnections,
		MaxKeepalive:    cfg.HTTPPool.MaxKeepalive,
		KeepaliveExpiry: cfg.HTTPPool.KeepaliveExpiry,
		RequestTimeout:  cfg.HTTPPool.RequestTimeout,
		MaxRetries:      3,
	})

	contCtl := continuation.New(continuation.Config{
		MaxAttempts:         cfg.Continuation.MaxAttempts,
		MinResumeTextLength: cfg.Continuation.MinResumeTextLength,
	})

	orch := &orchestrator.Orchestrator{
		History:      histEngine,
		Router:       rtr,
		Upstream:     upstreamClient,
		Continuation: contCtl,
		SummaryModel: cfg.Routing.OpusModel,
	}

	server := httpapi.NewServer(orch, rtr, cfg)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("dialect proxy listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.RequestDeadline)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown error")
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.AsyncSummary.TaskTimeout)
	defer drainCancel()
	drained := make(chan error, 1)
	go func() { drained <- histEngine.Drain() }()
	select {
	case err := <-drained:
		if err != nil {
			log.Warn().Err(err).Msg("background summarization tasks finished with an error")
		}
	case <-drainCtx.Done():
		log.Warn().Msg("timed out draining background summarization tasks")
	}

	log.Info().Msg("dialect proxy stopped")
}
