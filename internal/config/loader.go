package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pterm/pterm"
	yaml "gopkg.in/yaml.v3"

	"github.com/manifold-proxy/dialect-proxy/internal/router"
)

// Load builds a Config from environment variables (optionally loaded from a
// .env file), overlaid with a YAML file when configPath is non-empty, with
// defaults applied last for anything still unset.
func Load(configPath string) (Config, error) {
	_ = godotenv.Overload()

	var cfg Config
	loadEnv(&cfg)

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		} else {
			var fileCfg Config
			if err := yaml.Unmarshal(data, &fileCfg); err != nil {
				return Config{}, fmt.Errorf("unmarshal config file: %w", err)
			}
			mergeDefaults(&cfg, fileCfg)
		}
	}

	applyDefaults(&cfg)

	if overlap := router.ConflictingKeywords(cfg.Routing.ForceOpusKeywords, cfg.Routing.ForceSonnetKeywords); len(overlap) > 0 {
		pterm.Warning.Printf("model routing: keyword(s) %v appear in both force-opus and force-sonnet sets; force-opus priority wins\n", overlap)
	}

	pterm.Success.Println("configuration loaded")
	return cfg, nil
}

func loadEnv(cfg *Config) {
	cfg.Server.Host = strings.TrimSpace(os.Getenv("HOST"))
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}

	cfg.Upstream.BaseURL = strings.TrimSpace(os.Getenv("UPSTREAM_BASE_URL"))
	cfg.Upstream.APIKey = strings.TrimSpace(os.Getenv("UPSTREAM_API_KEY"))

	if v := intEnv("HTTP_POOL_MAX_CONNECTIONS"); v != nil {
		cfg.HTTPPool.MaxConnections = *v
	}
	if v := intEnv("HTTP_POOL_MAX_KEEPALIVE"); v != nil {
		cfg.HTTPPool.MaxKeepalive = *v
	}
	if v := durationEnv("HTTP_POOL_KEEPALIVE_EXPIRY"); v != nil {
		cfg.HTTPPool.KeepaliveExpiry = *v
	}
	if v := durationEnv("REQUEST_TIMEOUT"); v != nil {
		cfg.HTTPPool.RequestTimeout = *v
	}

	cfg.History.PreEstimateEnabled = boolEnvOr("HISTORY_PRE_ESTIMATE_ENABLED", true)
	cfg.History.AutoTruncateEnabled = boolEnvOr("HISTORY_AUTO_TRUNCATE_ENABLED", true)
	cfg.History.SmartSummaryEnabled = boolEnvOr("HISTORY_SMART_SUMMARY_ENABLED", true)
	cfg.History.ErrorRetryEnabled = boolEnvOr("HISTORY_ERROR_RETRY_ENABLED", true)
	if v := intEnv("HISTORY_MAX_MESSAGES"); v != nil {
		cfg.History.MaxMessages = *v
	}
	if v := intEnv("HISTORY_MAX_CHARS"); v != nil {
		cfg.History.MaxChars = *v
	}
	if v := intEnv("HISTORY_SUMMARY_THRESHOLD"); v != nil {
		cfg.History.SummaryThreshold = *v
	}
	if v := intEnv("HISTORY_SUMMARY_KEEP_RECENT"); v != nil {
		cfg.History.SummaryKeepRecent = *v
	}
	if v := intEnv("HISTORY_RETRY_MAX_MESSAGES"); v != nil {
		cfg.History.RetryMaxMessages = *v
	}
	if v := intEnv("HISTORY_MAX_RETRIES"); v != nil {
		cfg.History.MaxRetries = *v
	}
	if v := intEnv("HISTORY_ESTIMATE_THRESHOLD"); v != nil {
		cfg.History.EstimateThreshold = *v
	}
	if v := floatEnv("HISTORY_CHARS_PER_TOKEN"); v != nil {
		cfg.History.CharsPerToken = *v
	}

	cfg.SummaryCache.Enabled = boolEnvOr("SUMMARY_CACHE_ENABLED", true)
	if v := intEnv("SUMMARY_CACHE_MIN_DELTA_MESSAGES"); v != nil {
		cfg.SummaryCache.MinDeltaMessages = *v
	}
	if v := intEnv("SUMMARY_CACHE_MIN_DELTA_CHARS"); v != nil {
		cfg.SummaryCache.MinDeltaChars = *v
	}
	if v := durationEnv("SUMMARY_CACHE_MAX_AGE"); v != nil {
		cfg.SummaryCache.MaxAge = *v
	}
	if v := intEnv("SUMMARY_CACHE_MAX_ENTRIES"); v != nil {
		cfg.SummaryCache.MaxEntries = *v
	}

	cfg.AsyncSummary.Enabled = boolEnvOr("ASYNC_SUMMARY_ENABLED", true)
	cfg.AsyncSummary.FastFirstRequest = boolEnvOr("ASYNC_SUMMARY_FAST_FIRST_REQUEST", true)
	if v := intEnv("ASYNC_SUMMARY_MAX_PENDING_TASKS"); v != nil {
		cfg.AsyncSummary.MaxPendingTasks = *v
	}
	if v := intEnv("ASYNC_SUMMARY_UPDATE_INTERVAL_MESSAGES"); v != nil {
		cfg.AsyncSummary.UpdateIntervalMessages = *v
	}
	if v := durationEnv("ASYNC_SUMMARY_TASK_TIMEOUT"); v != nil {
		cfg.AsyncSummary.TaskTimeout = *v
	}

	cfg.Routing.Enabled = boolEnvOr("MODEL_ROUTING_ENABLED", true)
	cfg.Routing.OpusModel = strings.TrimSpace(os.Getenv("MODEL_ROUTING_OPUS_MODEL"))
	cfg.Routing.SonnetModel = strings.TrimSpace(os.Getenv("MODEL_ROUTING_SONNET_MODEL"))
	if v := floatEnv("MODEL_ROUTING_FIRST_TURN_OPUS_PROBABILITY"); v != nil {
		cfg.Routing.FirstTurnOpusProbability = *v
	}
	if v := floatEnv("MODEL_ROUTING_EXECUTION_PHASE_SONNET_PROBABILITY"); v != nil {
		cfg.Routing.ExecutionPhaseSonnetProbability = *v
	}
	if v := floatEnv("MODEL_ROUTING_BASE_OPUS_PROBABILITY"); v != nil {
		cfg.Routing.BaseOpusProbability = *v
	}
	if v := intEnv("MODEL_ROUTING_FIRST_TURN_MAX_USER_MESSAGES"); v != nil {
		cfg.Routing.FirstTurnMaxUserMessages = *v
	}
	if v := intEnv("MODEL_ROUTING_EXECUTION_PHASE_TOOL_CALLS"); v != nil {
		cfg.Routing.ExecutionPhaseToolCalls = *v
	}
	if v := strings.TrimSpace(os.Getenv("MODEL_ROUTING_FORCE_OPUS_KEYWORDS")); v != "" {
		cfg.Routing.ForceOpusKeywords = splitCSV(v)
	}
	if v := strings.TrimSpace(os.Getenv("MODEL_ROUTING_FORCE_SONNET_KEYWORDS")); v != "" {
		cfg.Routing.ForceSonnetKeywords = splitCSV(v)
	}
	cfg.Routing.WhitelistHeader = strings.TrimSpace(os.Getenv("MODEL_ROUTING_WHITELIST_HEADER"))
	cfg.Routing.WhitelistMarker = strings.TrimSpace(os.Getenv("MODEL_ROUTING_WHITELIST_MARKER"))

	cfg.Tools.NativeToolsEnabled = boolEnvOr("NATIVE_TOOLS_ENABLED", true)
	cfg.Tools.NativeToolsFallbackEnabled = boolEnvOr("NATIVE_TOOLS_FALLBACK_ENABLED", true)
	if v := intEnv("TOOL_DESC_MAX_CHARS"); v != nil {
		cfg.Tools.ToolDescMaxChars = *v
	}
	if v := intEnv("TOOL_PARAM_DESC_MAX_CHARS"); v != nil {
		cfg.Tools.ToolParamDescMaxChars = *v
	}

	if v := intEnv("MAX_CONTINUATION_ATTEMPTS"); v != nil {
		cfg.Continuation.MaxAttempts = *v
	}
	if v := intEnv("MIN_RESUME_TEXT_LENGTH"); v != nil {
		cfg.Continuation.MinResumeTextLength = *v
	}

	cfg.LogPath = strings.TrimSpace(os.Getenv("LOG_PATH"))
	cfg.LogLevel = strings.TrimSpace(os.Getenv("LOG_LEVEL"))

	cfg.Obs.OTLP = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	cfg.Obs.ServiceName = firstNonEmpty(strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")), "dialect-proxy")
	cfg.Obs.ServiceVersion = strings.TrimSpace(os.Getenv("SERVICE_VERSION"))
	cfg.Obs.Environment = firstNonEmpty(strings.TrimSpace(os.Getenv("DEPLOY_ENV")), "development")
}

// mergeDefaults copies any zero-valued field in cfg from file, so that
// environment variables (already applied) take precedence over the YAML
// file, which in turn takes precedence over hardcoded defaults. Boolean
// switches are not overlaid: they always come from the environment or, when
// unset there, their default of true, and their YAML values are ignored.
func mergeDefaults(cfg *Config, file Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = file.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = file.Server.Port
	}
	if cfg.Server.RequestDeadline == 0 {
		cfg.Server.RequestDeadline = file.Server.RequestDeadline
	}
	if cfg.Upstream.BaseURL == "" {
		cfg.Upstream.BaseURL = file.Upstream.BaseURL
	}
	if cfg.Upstream.APIKey == "" {
		cfg.Upstream.APIKey = file.Upstream.APIKey
	}
	if cfg.HTTPPool.MaxConnections == 0 {
		cfg.HTTPPool.MaxConnections = file.HTTPPool.MaxConnections
	}
	if cfg.HTTPPool.MaxKeepalive == 0 {
		cfg.HTTPPool.MaxKeepalive = file.HTTPPool.MaxKeepalive
	}
	if cfg.HTTPPool.KeepaliveExpiry == 0 {
		cfg.HTTPPool.KeepaliveExpiry = file.HTTPPool.KeepaliveExpiry
	}
	if cfg.HTTPPool.RequestTimeout == 0 {
		cfg.HTTPPool.RequestTimeout = file.HTTPPool.RequestTimeout
	}
	if cfg.History.MaxMessages == 0 {
		cfg.History.MaxMessages = file.History.MaxMessages
	}
	if cfg.History.MaxChars == 0 {
		cfg.History.MaxChars = file.History.MaxChars
	}
	if cfg.History.SummaryThreshold == 0 {
		cfg.History.SummaryThreshold = file.History.SummaryThreshold
	}
	if cfg.History.SummaryKeepRecent == 0 {
		cfg.History.SummaryKeepRecent = file.History.SummaryKeepRecent
	}
	if cfg.History.RetryMaxMessages == 0 {
		cfg.History.RetryMaxMessages = file.History.RetryMaxMessages
	}
	if cfg.History.MaxRetries == 0 {
		cfg.History.MaxRetries = file.History.MaxRetries
	}
	if cfg.History.EstimateThreshold == 0 {
		cfg.History.EstimateThreshold = file.History.EstimateThreshold
	}
	if cfg.History.CharsPerToken == 0 {
		cfg.History.CharsPerToken = file.History.CharsPerToken
	}
	if cfg.SummaryCache.MinDeltaMessages == 0 {
		cfg.SummaryCache.MinDeltaMessages = file.SummaryCache.MinDeltaMessages
	}
	if cfg.SummaryCache.MinDeltaChars == 0 {
		cfg.SummaryCache.MinDeltaChars = file.SummaryCache.MinDeltaChars
	}
	if cfg.SummaryCache.MaxAge == 0 {
		cfg.SummaryCache.MaxAge = file.SummaryCache.MaxAge
	}
	if cfg.SummaryCache.MaxEntries == 0 {
		cfg.SummaryCache.MaxEntries = file.SummaryCache.MaxEntries
	}
	if cfg.AsyncSummary.MaxPendingTasks == 0 {
		cfg.AsyncSummary.MaxPendingTasks = file.AsyncSummary.MaxPendingTasks
	}
	if cfg.AsyncSummary.UpdateIntervalMessages == 0 {
		cfg.AsyncSummary.UpdateIntervalMessages = file.AsyncSummary.UpdateIntervalMessages
	}
	if cfg.AsyncSummary.TaskTimeout == 0 {
		cfg.AsyncSummary.TaskTimeout = file.AsyncSummary.TaskTimeout
	}
	if cfg.Routing.OpusModel == "" {
		cfg.Routing.OpusModel = file.Routing.OpusModel
	}
	if cfg.Routing.SonnetModel == "" {
		cfg.Routing.SonnetModel = file.Routing.SonnetModel
	}
	if cfg.Routing.FirstTurnOpusProbability == 0 {
		cfg.Routing.FirstTurnOpusProbability = file.Routing.FirstTurnOpusProbability
	}
	if cfg.Routing.ExecutionPhaseSonnetProbability == 0 {
		cfg.Routing.ExecutionPhaseSonnetProbability = file.Routing.ExecutionPhaseSonnetProbability
	}
	if cfg.Routing.BaseOpusProbability == 0 {
		cfg.Routing.BaseOpusProbability = file.Routing.BaseOpusProbability
	}
	if cfg.Routing.FirstTurnMaxUserMessages == 0 {
		cfg.Routing.FirstTurnMaxUserMessages = file.Routing.FirstTurnMaxUserMessages
	}
	if cfg.Routing.ExecutionPhaseToolCalls == 0 {
		cfg.Routing.ExecutionPhaseToolCalls = file.Routing.ExecutionPhaseToolCalls
	}
	if len(cfg.Routing.ForceOpusKeywords) == 0 {
		cfg.Routing.ForceOpusKeywords = file.Routing.ForceOpusKeywords
	}
	if len(cfg.Routing.ForceSonnetKeywords) == 0 {
		cfg.Routing.ForceSonnetKeywords = file.Routing.ForceSonnetKeywords
	}
	if cfg.Routing.WhitelistHeader == "" {
		cfg.Routing.WhitelistHeader = file.Routing.WhitelistHeader
	}
	if cfg.Routing.WhitelistMarker == "" {
		cfg.Routing.WhitelistMarker = file.Routing.WhitelistMarker
	}
	if cfg.Tools.ToolDescMaxChars == 0 {
		cfg.Tools.ToolDescMaxChars = file.Tools.ToolDescMaxChars
	}
	if cfg.Tools.ToolParamDescMaxChars == 0 {
		cfg.Tools.ToolParamDescMaxChars = file.Tools.ToolParamDescMaxChars
	}
	if cfg.Continuation.MaxAttempts == 0 {
		cfg.Continuation.MaxAttempts = file.Continuation.MaxAttempts
	}
	if cfg.Continuation.MinResumeTextLength == 0 {
		cfg.Continuation.MinResumeTextLength = file.Continuation.MinResumeTextLength
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RequestDeadline == 0 {
		cfg.Server.RequestDeadline = 10 * time.Minute
	}

	if cfg.HTTPPool.MaxConnections == 0 {
		cfg.HTTPPool.MaxConnections = 200
	}
	if cfg.HTTPPool.MaxKeepalive == 0 {
		cfg.HTTPPool.MaxKeepalive = 50
	}
	if cfg.HTTPPool.KeepaliveExpiry == 0 {
		cfg.HTTPPool.KeepaliveExpiry = 30 * time.Second
	}
	if cfg.HTTPPool.RequestTimeout == 0 {
		cfg.HTTPPool.RequestTimeout = 120 * time.Second
	}

	if cfg.History.MaxMessages == 0 {
		cfg.History.MaxMessages = 100
	}
	if cfg.History.MaxChars == 0 {
		cfg.History.MaxChars = 200_000
	}
	if cfg.History.SummaryThreshold == 0 {
		cfg.History.SummaryThreshold = 80_000
	}
	if cfg.History.SummaryKeepRecent == 0 {
		cfg.History.SummaryKeepRecent = 8
	}
	if cfg.History.RetryMaxMessages == 0 {
		cfg.History.RetryMaxMessages = 20
	}
	if cfg.History.MaxRetries == 0 {
		cfg.History.MaxRetries = 3
	}
	if cfg.History.EstimateThreshold == 0 {
		cfg.History.EstimateThreshold = 300_000
	}
	if cfg.History.CharsPerToken == 0 {
		cfg.History.CharsPerToken = 3.0
	}

	if cfg.SummaryCache.MinDeltaMessages == 0 {
		cfg.SummaryCache.MinDeltaMessages = 4
	}
	if cfg.SummaryCache.MinDeltaChars == 0 {
		cfg.SummaryCache.MinDeltaChars = 4000
	}
	if cfg.SummaryCache.MaxAge == 0 {
		cfg.SummaryCache.MaxAge = 30 * time.Minute
	}
	if cfg.SummaryCache.MaxEntries == 0 {
		cfg.SummaryCache.MaxEntries = 2000
	}

	if cfg.AsyncSummary.MaxPendingTasks == 0 {
		cfg.AsyncSummary.MaxPendingTasks = 32
	}
	if cfg.AsyncSummary.UpdateIntervalMessages == 0 {
		cfg.AsyncSummary.UpdateIntervalMessages = 2
	}
	if cfg.AsyncSummary.TaskTimeout == 0 {
		cfg.AsyncSummary.TaskTimeout = 45 * time.Second
	}

	if cfg.Routing.OpusModel == "" {
		cfg.Routing.OpusModel = "claude-opus-4-5"
	}
	if cfg.Routing.SonnetModel == "" {
		cfg.Routing.SonnetModel = "claude-sonnet-4-5"
	}
	if cfg.Routing.FirstTurnOpusProbability == 0 {
		cfg.Routing.FirstTurnOpusProbability = 0.8
	}
	if cfg.Routing.ExecutionPhaseSonnetProbability == 0 {
		cfg.Routing.ExecutionPhaseSonnetProbability = 0.7
	}
	if cfg.Routing.BaseOpusProbability == 0 {
		cfg.Routing.BaseOpusProbability = 0.3
	}
	if cfg.Routing.FirstTurnMaxUserMessages == 0 {
		cfg.Routing.FirstTurnMaxUserMessages = 1
	}
	if cfg.Routing.ExecutionPhaseToolCalls == 0 {
		cfg.Routing.ExecutionPhaseToolCalls = 3
	}
	if cfg.Routing.WhitelistHeader == "" {
		cfg.Routing.WhitelistHeader = "X-Force-Model"
	}
	if cfg.Routing.WhitelistMarker == "" {
		cfg.Routing.WhitelistMarker = "[FORCE_OPUS]"
	}

	if cfg.Tools.ToolDescMaxChars == 0 {
		cfg.Tools.ToolDescMaxChars = 1024
	}
	if cfg.Tools.ToolParamDescMaxChars == 0 {
		cfg.Tools.ToolParamDescMaxChars = 512
	}

	if cfg.Continuation.MaxAttempts == 0 {
		cfg.Continuation.MaxAttempts = 3
	}
	if cfg.Continuation.MinResumeTextLength == 0 {
		cfg.Continuation.MinResumeTextLength = 20
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func intEnv(name string) *int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}

func floatEnv(name string) *float64 {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}

func durationEnv(name string) *time.Duration {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		if secs, err2 := strconv.Atoi(v); err2 == nil {
			d = time.Duration(secs) * time.Second
		} else {
			return nil
		}
	}
	return &d
}

func boolEnvOr(name string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
