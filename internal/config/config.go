// Package config provides the configuration schema, loader, hot-reload
// watcher and provider registry for livetalk.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l onto a slog level. Unknown values map to Info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Session    SessionConfig    `yaml:"session"`
	Assessment AssessmentConfig `yaml:"assessment"`
	History    HistoryConfig    `yaml:"history"`
}

// ServerConfig holds logging and the optional operational HTTP endpoint.
type ServerConfig struct {
	// ListenAddr enables /metrics, /healthz and /readyz on this address
	// (e.g. "127.0.0.1:9090"). Empty disables the endpoint.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// TraceExporter is "none" (default) or "stdout".
	TraceExporter string `yaml:"trace_exporter"`
}

// ProvidersConfig selects the live conversation backend and the language
// model used for assessments.
type ProvidersConfig struct {
	Live ProviderEntry `yaml:"live"`
	LLM  ProviderEntry `yaml:"llm"`

	// LiveFallbacks and LLMFallbacks are tried in order when the primary
	// fails to connect or to complete. Each member has its own circuit
	// breaker.
	LiveFallbacks []ProviderEntry `yaml:"live_fallbacks"`
	LLMFallbacks  []ProviderEntry `yaml:"llm_fallbacks"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. Name selects the constructor in the [Registry].
type ProviderEntry struct {
	Name string `yaml:"name"`

	// APIKey is usually supplied as "${GEMINI_API_KEY}" and expanded from the
	// environment at load time.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// SessionConfig are the defaults for each live talk.
type SessionConfig struct {
	// Language is a BCP-47 code: en-US, ko-KR or vi-VN.
	Language string `yaml:"language"`

	// Voice is the provider's prebuilt voice name.
	Voice string `yaml:"voice"`

	// SystemInstruction replaces the per-language default instruction.
	SystemInstruction string `yaml:"system_instruction"`

	// FrameSize is the capture frame length in samples. Default 4096.
	FrameSize int `yaml:"frame_size"`

	InputSampleRate  int `yaml:"input_sample_rate"`
	OutputSampleRate int `yaml:"output_sample_rate"`

	// BufferFrames is how many captured frames may queue before new ones
	// are dropped.
	BufferFrames int `yaml:"buffer_frames"`
}

// AssessmentConfig controls the post-session proficiency assessment.
type AssessmentConfig struct {
	Disabled    bool          `yaml:"disabled"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

// HistoryConfig selects where finished sessions are recorded.
type HistoryConfig struct {
	// Backend is "memory" (default), "sqlite" or "postgres".
	Backend string `yaml:"backend"`

	// DSN is the database file path for sqlite or the connection string for
	// postgres.
	DSN string `yaml:"dsn"`
}
