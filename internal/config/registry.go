package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/livetalk/pkg/provider/live"
	"github.com/MrWong99/livetalk/pkg/provider/llm"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	live map[string]func(ProviderEntry) (live.Provider, error)
	llm  map[string]func(ProviderEntry) (llm.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		live: make(map[string]func(ProviderEntry) (live.Provider, error)),
		llm:  make(map[string]func(ProviderEntry) (llm.Provider, error)),
	}
}

// RegisterLive registers a live conversation provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLive(name string, factory func(ProviderEntry) (live.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[name] = factory
}

// RegisterLLM registers an LLM provider factory under name.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// CreateLive instantiates a live provider using the factory registered under
// entry.Name. Returns [ErrProviderNotRegistered] if there is none.
func (r *Registry) CreateLive(entry ProviderEntry) (live.Provider, error) {
	r.mu.RLock()
	factory, ok := r.live[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: live/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
