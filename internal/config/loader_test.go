package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/livetalk/internal/config"
)

func TestValidate_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantMsg string
	}{
		{
			name:    "log level",
			yaml:    "server:\n  log_level: verbose\n",
			wantMsg: "server.log_level",
		},
		{
			name:    "trace exporter",
			yaml:    "server:\n  trace_exporter: jaeger\n",
			wantMsg: "server.trace_exporter",
		},
		{
			name:    "language",
			yaml:    "session:\n  language: fr-FR\n",
			wantMsg: "session.language",
		},
		{
			name:    "negative frame size",
			yaml:    "session:\n  frame_size: -1\n",
			wantMsg: "session.frame_size",
		},
		{
			name:    "negative sample rate",
			yaml:    "session:\n  output_sample_rate: -24000\n",
			wantMsg: "sample rates",
		},
		{
			name:    "negative buffer",
			yaml:    "session:\n  buffer_frames: -2\n",
			wantMsg: "session.buffer_frames",
		},
		{
			name:    "temperature",
			yaml:    "assessment:\n  temperature: 3.5\n",
			wantMsg: "assessment.temperature",
		},
		{
			name:    "history backend",
			yaml:    "history:\n  backend: redis\n",
			wantMsg: "history.backend",
		},
		{
			name:    "sqlite without dsn",
			yaml:    "history:\n  backend: sqlite\n",
			wantMsg: "history.dsn",
		},
		{
			name:    "file without dsn",
			yaml:    "history:\n  backend: file\n",
			wantMsg: "history.dsn",
		},
		{
			name:    "postgres without dsn",
			yaml:    "history:\n  backend: postgres\n",
			wantMsg: "history.dsn",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error should mention %q, got: %v", tt.wantMsg, err)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
history:
  backend: redis
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	msg := err.Error()
	if !strings.Contains(msg, "server.log_level") || !strings.Contains(msg, "history.backend") {
		t.Errorf("expected both failures in joined error, got: %v", msg)
	}
}

func TestValidate_AssessmentNeedsLLM(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Providers.LLM.Name = ""
	if err := config.Validate(cfg); err == nil || !strings.Contains(err.Error(), "providers.llm.name") {
		t.Errorf("err = %v, want providers.llm.name complaint", err)
	}

	cfg.Assessment.Disabled = true
	if err := config.Validate(cfg); err != nil {
		t.Errorf("disabled assessment without llm: %v", err)
	}
}

func TestValidate_LiveNameRequired(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Providers.Live.Name = ""
	if err := config.Validate(cfg); err == nil || !strings.Contains(err.Error(), "providers.live.name") {
		t.Errorf("err = %v, want providers.live.name complaint", err)
	}
}

func TestValidate_UnknownProviderWarnsOnly(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  live:
    name: someday-live
  llm:
    name: homegrown
    model: m
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err != nil {
		t.Errorf("unknown provider names should only warn, got: %v", err)
	}
}

func TestValidate_FallbackNameRequired(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm_fallbacks:
    - model: gpt-4o-mini
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil || !strings.Contains(err.Error(), "providers.llm_fallbacks[0].name") {
		t.Errorf("err = %v, want missing fallback name", err)
	}
}

func TestApplyDefaults_FallbackInheritsKey(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  live:
    name: gemini
    api_key: secret
  live_fallbacks:
    - name: gemini
      model: fallback-live
    - name: gemini
      model: other-live
      api_key: own
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	fb := cfg.Providers.LiveFallbacks
	if len(fb) != 2 || fb[0].APIKey != "secret" || fb[1].APIKey != "own" {
		t.Errorf("fallbacks = %+v", fb)
	}
}

func TestValidate_SupportedLanguages(t *testing.T) {
	t.Parallel()
	for _, lang := range []string{"en-US", "ko-KR", "vi-VN"} {
		cfg := config.Default()
		cfg.Session.Language = lang
		if err := config.Validate(cfg); err != nil {
			t.Errorf("language %s: %v", lang, err)
		}
	}
}
