package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/livetalk/internal/language"
	"github.com/MrWong99/livetalk/pkg/provider/llm/anyllm"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"live": {"gemini"},
	"llm":  append(slices.Clone(anyllm.Names), OpenAICompatibleProvider),
}

// OpenAICompatibleProvider names the LLM provider that talks to any server
// implementing the OpenAI chat completions API.
const OpenAICompatibleProvider = "openai-compatible"

// Defaults applied by [ApplyDefaults].
const (
	DefaultLiveProvider      = "gemini"
	DefaultLLMProvider       = "gemini"
	DefaultLLMModel          = "gemini-2.5-flash"
	DefaultAssessmentTimeout = 60 * time.Second
	DefaultHistoryBackend    = "memory"

	// DefaultAssessmentTemperature matches assessment.DefaultTemperature.
	DefaultAssessmentTemperature = 0.3
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader expands ${VAR} references from the environment, decodes
// the YAML in r, applies defaults and validates the result. Unknown keys
// are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a validated configuration with every default applied.
// It is what the CLI runs with when no file is given.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills unset fields. Session audio parameters are left at
// zero; the session layer owns those defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Providers.Live.Name == "" {
		cfg.Providers.Live.Name = DefaultLiveProvider
	}
	if cfg.Providers.LLM.Name == "" {
		cfg.Providers.LLM.Name = DefaultLLMProvider
		if cfg.Providers.LLM.Model == "" {
			cfg.Providers.LLM.Model = DefaultLLMModel
		}
	}
	if cfg.Providers.LLM.APIKey == "" && cfg.Providers.LLM.Name == cfg.Providers.Live.Name {
		cfg.Providers.LLM.APIKey = cfg.Providers.Live.APIKey
	}
	inheritKey(cfg.Providers.LiveFallbacks, cfg.Providers.Live)
	inheritKey(cfg.Providers.LLMFallbacks, cfg.Providers.LLM)
	if cfg.Session.Language == "" {
		cfg.Session.Language = string(language.Default)
	}
	if cfg.Assessment.Timeout == 0 {
		cfg.Assessment.Timeout = DefaultAssessmentTimeout
	}
	if cfg.Assessment.Temperature == 0 {
		cfg.Assessment.Temperature = DefaultAssessmentTemperature
	}
	if cfg.History.Backend == "" {
		cfg.History.Backend = DefaultHistoryBackend
	}
}

// inheritKey gives fallbacks of the same provider as primary its API key
// when they set none, so a model fallback needs no repeated secret.
func inheritKey(fallbacks []ProviderEntry, primary ProviderEntry) {
	for i := range fallbacks {
		if fallbacks[i].APIKey == "" && fallbacks[i].Name == primary.Name {
			fallbacks[i].APIKey = primary.APIKey
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	switch cfg.Server.TraceExporter {
	case "", "none", "stdout":
	default:
		errs = append(errs, fmt.Errorf("server.trace_exporter %q is invalid; valid values: none, stdout", cfg.Server.TraceExporter))
	}

	// Providers
	if cfg.Providers.Live.Name == "" {
		errs = append(errs, errors.New("providers.live.name is required"))
	}
	validateProviderName("live", cfg.Providers.Live.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for kind, list := range map[string][]ProviderEntry{"live": cfg.Providers.LiveFallbacks, "llm": cfg.Providers.LLMFallbacks} {
		for i, e := range list {
			if e.Name == "" {
				errs = append(errs, fmt.Errorf("providers.%s_fallbacks[%d].name is required", kind, i))
			}
			validateProviderName(kind, e.Name)
		}
	}
	if cfg.Providers.Live.Name != "" && cfg.Providers.Live.APIKey == "" {
		slog.Warn("providers.live.api_key is empty; connecting will fail unless the provider needs no key")
	}

	// Session
	if cfg.Session.Language != "" {
		if _, err := language.Parse(cfg.Session.Language); err != nil {
			errs = append(errs, fmt.Errorf("session.language: %w", err))
		}
	}
	if cfg.Session.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("session.frame_size %d must not be negative", cfg.Session.FrameSize))
	}
	if cfg.Session.InputSampleRate < 0 || cfg.Session.OutputSampleRate < 0 {
		errs = append(errs, errors.New("session sample rates must not be negative"))
	}
	if cfg.Session.BufferFrames < 0 {
		errs = append(errs, fmt.Errorf("session.buffer_frames %d must not be negative", cfg.Session.BufferFrames))
	}

	// Assessment
	if cfg.Assessment.Temperature < 0 || cfg.Assessment.Temperature > 2 {
		errs = append(errs, fmt.Errorf("assessment.temperature %.2f is out of range [0, 2]", cfg.Assessment.Temperature))
	}
	if cfg.Assessment.Timeout < 0 {
		errs = append(errs, fmt.Errorf("assessment.timeout %s must not be negative", cfg.Assessment.Timeout))
	}
	if !cfg.Assessment.Disabled && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("assessment is enabled but providers.llm.name is empty"))
	}

	// History
	switch cfg.History.Backend {
	case "", "memory":
	case "file", "sqlite", "postgres":
		if cfg.History.DSN == "" {
			errs = append(errs, fmt.Errorf("history.dsn is required when backend is %s", cfg.History.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("history.backend %q is invalid; valid values: memory, file, sqlite, postgres", cfg.History.Backend))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
