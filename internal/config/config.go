// Package config loads the proxy's runtime configuration from environment
// variables (optionally via a .env file) with a YAML file overlay for
// anything not set via env, following the env-first-then-file-then-defaults
// pattern used throughout the upstream product this proxy was split out of.
package config

import "time"

// ObsConfig configures OpenTelemetry trace/metric export.
type ObsConfig struct {
	OTLP           string
	ServiceName    string
	ServiceVersion string
	Environment    string
}

// HTTPPoolConfig controls the shared upstream connection pool (C6).
type HTTPPoolConfig struct {
	MaxConnections    int           `yaml:"max_connections"`
	MaxKeepalive      int           `yaml:"max_keepalive"`
	KeepaliveExpiry   time.Duration `yaml:"keepalive_expiry"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
}

// UpstreamConfig describes the upstream conversational-AI gateway.
type UpstreamConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// HistoryConfig configures the history-management engine (C3).
type HistoryConfig struct {
	PreEstimateEnabled bool `yaml:"pre_estimate_enabled"`
	AutoTruncateEnabled bool `yaml:"auto_truncate_enabled"`
	SmartSummaryEnabled bool `yaml:"smart_summary_enabled"`
	ErrorRetryEnabled   bool `yaml:"error_retry_enabled"`

	MaxMessages        int     `yaml:"max_messages"`
	MaxChars           int     `yaml:"max_chars"`
	SummaryThreshold   int     `yaml:"summary_threshold"`
	SummaryKeepRecent  int     `yaml:"summary_keep_recent"`
	RetryMaxMessages   int     `yaml:"retry_max_messages"`
	MaxRetries         int     `yaml:"max_retries"`
	EstimateThreshold  int     `yaml:"estimate_threshold"`
	CharsPerToken      float64 `yaml:"chars_per_token"`
}

// SummaryCacheConfig configures the delta-triggered summary cache (C4).
type SummaryCacheConfig struct {
	Enabled          bool          `yaml:"enabled"`
	MinDeltaMessages int           `yaml:"min_delta_messages"`
	MinDeltaChars    int           `yaml:"min_delta_chars"`
	MaxAge           time.Duration `yaml:"max_age"`
	MaxEntries       int           `yaml:"max_entries"`
}

// AsyncSummaryConfig configures background (fast-first) summarization.
type AsyncSummaryConfig struct {
	Enabled               bool          `yaml:"enabled"`
	FastFirstRequest      bool          `yaml:"fast_first_request"`
	MaxPendingTasks       int           `yaml:"max_pending_tasks"`
	UpdateIntervalMessages int          `yaml:"update_interval_messages"`
	TaskTimeout           time.Duration `yaml:"task_timeout"`
}

// ModelRoutingConfig configures the priority-cascade router (C5).
type ModelRoutingConfig struct {
	Enabled    bool   `yaml:"enabled"`
	OpusModel  string `yaml:"opus_model"`
	SonnetModel string `yaml:"sonnet_model"`

	FirstTurnOpusProbability      float64 `yaml:"first_turn_opus_probability"`
	ExecutionPhaseSonnetProbability float64 `yaml:"execution_phase_sonnet_probability"`
	BaseOpusProbability           float64 `yaml:"base_opus_probability"`

	FirstTurnMaxUserMessages int `yaml:"first_turn_max_user_messages"`
	ExecutionPhaseToolCalls  int `yaml:"execution_phase_tool_calls"`

	ForceOpusKeywords   []string `yaml:"force_opus_keywords"`
	ForceSonnetKeywords []string `yaml:"force_sonnet_keywords"`

	WhitelistHeader string `yaml:"whitelist_header"`
	WhitelistMarker string `yaml:"whitelist_marker"`
}

// ToolConfig configures the tool-block codec and dialect converter (C1/C2).
type ToolConfig struct {
	NativeToolsEnabled         bool `yaml:"native_tools_enabled"`
	NativeToolsFallbackEnabled bool `yaml:"native_tools_fallback_enabled"`
	ToolDescMaxChars           int  `yaml:"tool_desc_max_chars"`
	ToolParamDescMaxChars      int  `yaml:"tool_param_desc_max_chars"`
}

// ContinuationConfig configures the continuation controller (C8).
type ContinuationConfig struct {
	MaxAttempts          int `yaml:"max_attempts"`
	MinResumeTextLength  int `yaml:"min_resume_text_length"`
}

// ServerConfig configures the inbound HTTP listener.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	RequestDeadline time.Duration `yaml:"request_deadline"`
}

// Config is the complete proxy configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Upstream     UpstreamConfig     `yaml:"upstream"`
	HTTPPool     HTTPPoolConfig     `yaml:"http_pool"`
	History      HistoryConfig      `yaml:"history"`
	SummaryCache SummaryCacheConfig `yaml:"summary_cache"`
	AsyncSummary AsyncSummaryConfig `yaml:"async_summary"`
	Routing      ModelRoutingConfig `yaml:"routing"`
	Tools        ToolConfig         `yaml:"tools"`
	Continuation ContinuationConfig `yaml:"continuation"`
	Obs          ObsConfig          `yaml:"-"`

	LogPath  string `yaml:"log_path"`
	LogLevel string `yaml:"log_level"`
}
