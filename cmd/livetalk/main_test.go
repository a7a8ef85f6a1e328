package main

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/livetalk/internal/config"
	"github.com/MrWong99/livetalk/internal/resilience"
	"github.com/MrWong99/livetalk/pkg/provider/live"
	livemock "github.com/MrWong99/livetalk/pkg/provider/live/mock"
	"github.com/MrWong99/livetalk/pkg/provider/llm"
	llmmock "github.com/MrWong99/livetalk/pkg/provider/llm/mock"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// mockRegistry registers mock factories under "gemini" and "backup". A
// factory for "broken" always fails.
func mockRegistry() *config.Registry {
	reg := config.NewRegistry()
	for _, name := range []string{"gemini", "backup"} {
		reg.RegisterLive(name, func(config.ProviderEntry) (live.Provider, error) {
			return &livemock.Provider{}, nil
		})
		reg.RegisterLLM(name, func(config.ProviderEntry) (llm.Provider, error) {
			return &llmmock.Provider{}, nil
		})
	}
	reg.RegisterLLM("broken", func(config.ProviderEntry) (llm.Provider, error) {
		return nil, errors.New("no credentials")
	})
	return reg
}

// ─── Config loading ───────────────────────────────────────────────────────────

func TestLoadConfig_DefaultUsesEnvKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "env-key")
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Providers.Live.APIKey != "env-key" {
		t.Errorf("live key = %q, want env-key", cfg.Providers.Live.APIKey)
	}
	if cfg.Providers.LLM.APIKey != "env-key" {
		t.Errorf("llm key = %q, want the inherited env-key", cfg.Providers.LLM.APIKey)
	}
}

func TestLoadConfig_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "livetalk.yaml")
	data := "session:\n  language: vi-VN\nassessment:\n  disabled: true\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Session.Language != "vi-VN" || !cfg.Assessment.Disabled {
		t.Errorf("session/assessment = %+v / %+v", cfg.Session, cfg.Assessment)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

// ─── Provider wiring ──────────────────────────────────────────────────────────

func TestBuildProviders(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name         string
		mutate       func(*config.Config)
		wantLLM      bool
		liveFallback bool
		llmFallback  bool
	}{
		{name: "primary only", wantLLM: true},
		{name: "assessment disabled", mutate: func(c *config.Config) { c.Assessment.Disabled = true }},
		{name: "no llm configured", mutate: func(c *config.Config) { c.Providers.LLM = config.ProviderEntry{} }},
		{
			name: "with fallbacks",
			mutate: func(c *config.Config) {
				c.Providers.LiveFallbacks = []config.ProviderEntry{{Name: "backup"}}
				c.Providers.LLMFallbacks = []config.ProviderEntry{{Name: "backup"}}
			},
			wantLLM:      true,
			liveFallback: true,
			llmFallback:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := config.Default()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			ps, err := buildProviders(cfg, mockRegistry(), discard())
			if err != nil {
				t.Fatalf("buildProviders: %v", err)
			}
			if ps.Live == nil {
				t.Fatal("live provider is nil")
			}
			if _, ok := ps.Live.(*resilience.LiveFallback); ok != tt.liveFallback {
				t.Errorf("live is %T, fallback wrapper = %v", ps.Live, tt.liveFallback)
			}
			if (ps.LLM != nil) != tt.wantLLM {
				t.Fatalf("llm = %v, want present %v", ps.LLM, tt.wantLLM)
			}
			if ps.LLM != nil {
				if _, ok := ps.LLM.(*resilience.LLMFallback); ok != tt.llmFallback {
					t.Errorf("llm is %T, fallback wrapper = %v", ps.LLM, tt.llmFallback)
				}
			}
		})
	}
}

func TestBuildProviders_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{name: "unregistered live", mutate: func(c *config.Config) { c.Providers.Live.Name = "nowhere" }},
		{name: "llm factory fails", mutate: func(c *config.Config) { c.Providers.LLM.Name = "broken" }},
		{name: "bad llm fallback", mutate: func(c *config.Config) {
			c.Providers.LLMFallbacks = []config.ProviderEntry{{Name: "broken"}}
		}},
		{name: "bad live fallback", mutate: func(c *config.Config) {
			c.Providers.LiveFallbacks = []config.ProviderEntry{{Name: "nowhere"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := config.Default()
			tt.mutate(cfg)
			if _, err := buildProviders(cfg, mockRegistry(), discard()); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestRegisterBuiltinProviders(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, discard())

	if _, err := reg.CreateLive(config.ProviderEntry{Name: "gemini", APIKey: "k"}); err != nil {
		t.Errorf("gemini live: %v", err)
	}
	if _, err := reg.CreateLLM(config.ProviderEntry{
		Name:    config.OpenAICompatibleProvider,
		BaseURL: "http://localhost:1234/v1",
		Model:   "local",
		Options: map[string]any{"organization": "org-1"},
	}); err != nil {
		t.Errorf("openai-compatible: %v", err)
	}
	if _, err := reg.CreateLLM(config.ProviderEntry{Name: config.OpenAICompatibleProvider}); err == nil {
		t.Error("openai-compatible without a model: expected an error")
	}
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func TestOptString(t *testing.T) {
	t.Parallel()
	opts := map[string]any{"org": "acme", "n": 3}
	if got := optString(opts, "org"); got != "acme" {
		t.Errorf("org = %q", got)
	}
	if got := optString(opts, "n"); got != "" {
		t.Errorf("non-string = %q, want empty", got)
	}
	if got := optString(nil, "org"); got != "" {
		t.Errorf("nil map = %q, want empty", got)
	}
}

func TestProviderLabel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		entry config.ProviderEntry
		want  string
	}{
		{config.ProviderEntry{}, "(not configured)"},
		{config.ProviderEntry{Name: "gemini"}, "gemini"},
		{config.ProviderEntry{Name: "gemini", Model: "flash"}, "gemini / flash"},
	}
	for _, tt := range tests {
		if got := providerLabel(tt.entry); got != tt.want {
			t.Errorf("providerLabel(%+v) = %q, want %q", tt.entry, got, tt.want)
		}
	}
}
