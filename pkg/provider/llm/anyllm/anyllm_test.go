package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/livetalk/pkg/provider/llm"
)

// ── buildParams ───────────────────────────────────────────────────────────────

func TestBuildParams_SystemPromptFirst(t *testing.T) {
	p := &Provider{model: "gemini-2.5-flash"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "Be kind.",
		Messages:     []llm.Message{{Role: "user", Content: "Assess me."}},
	})

	if params.Model != "gemini-2.5-flash" {
		t.Errorf("model = %q", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem || params.Messages[0].ContentString() != "Be kind." {
		t.Errorf("first message = %+v", params.Messages[0])
	}
	if params.Messages[1].Role != "user" || params.Messages[1].ContentString() != "Assess me." {
		t.Errorf("second message = %+v", params.Messages[1])
	}
}

func TestBuildParams_NoSystemPrompt(t *testing.T) {
	p := &Provider{model: "m"}
	params := p.buildParams(llm.CompletionRequest{Messages: []llm.Message{{Role: "user", Content: "hi"}}})
	if len(params.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(params.Messages))
	}
}

func TestBuildParams_OptionalKnobs(t *testing.T) {
	p := &Provider{model: "m"}

	params := p.buildParams(llm.CompletionRequest{Messages: []llm.Message{{Role: "user", Content: "x"}}})
	if params.Temperature != nil || params.MaxTokens != nil {
		t.Error("zero temperature and max tokens should be left unset")
	}

	params = p.buildParams(llm.CompletionRequest{
		Messages:    []llm.Message{{Role: "user", Content: "x"}},
		Temperature: 0.4,
		MaxTokens:   800,
	})
	if params.Temperature == nil || *params.Temperature != 0.4 {
		t.Errorf("temperature = %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 800 {
		t.Errorf("max tokens = %v", params.MaxTokens)
	}
}

// ── New ───────────────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "m"); err == nil {
		t.Error("expected error for empty provider name")
	}
	if _, err := New("gemini", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("nope", "m", anyllmlib.WithAPIKey("k")); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestNew_Gemini(t *testing.T) {
	p, err := New("gemini", "gemini-2.5-flash", anyllmlib.WithAPIKey("test-key"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != "gemini-2.5-flash" {
		t.Errorf("model = %q", p.model)
	}
}
