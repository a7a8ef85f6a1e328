package resilience

import (
	"context"

	"github.com/MrWong99/livetalk/pkg/provider/live"
	"github.com/MrWong99/livetalk/pkg/provider/llm"
)

// Compile-time interface assertions.
var (
	_ live.Provider = (*LiveFallback)(nil)
	_ llm.Provider  = (*LLMFallback)(nil)
)

// LiveFallback implements [live.Provider] with failover on Connect. Only
// session setup is covered: once a session is open its failures belong to
// the caller.
type LiveFallback struct {
	group *FallbackGroup[live.Provider]
}

// NewLiveFallback returns a LiveFallback preferring primary.
func NewLiveFallback(primary live.Provider, primaryName string, cfg FallbackConfig) *LiveFallback {
	return &LiveFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers p after the existing members.
func (f *LiveFallback) AddFallback(name string, p live.Provider) { f.group.AddFallback(name, p) }

// Connect opens a session on the first member that accepts it.
func (f *LiveFallback) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	return ExecuteWithResult(ctx, f.group, func(p live.Provider) (live.Session, error) {
		return p.Connect(ctx, cfg)
	})
}

// LLMFallback implements [llm.Provider] with failover across backends.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

// NewLLMFallback returns an LLMFallback preferring primary.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers p after the existing members.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) { f.group.AddFallback(name, p) }

// Complete returns the first successful completion.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}
