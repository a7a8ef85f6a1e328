// Package mock provides test doubles for the live.Provider and live.Session
// interfaces.
//
// Tests drive the session from the service side with [Session.Emit] and
// inspect what the caller sent with [Session.Sent].
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	// ... start the code under test ...
//	sess.Emit(live.Event{Type: live.EventOpen})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/livetalk/pkg/audio"
	"github.com/MrWong99/livetalk/pkg/provider/live"
)

// Compile-time interface assertions.
var (
	_ live.Provider = (*Provider)(nil)
	_ live.Session  = (*Session)(nil)
)

// ConnectCall records a single invocation of Connect.
type ConnectCall struct {
	Ctx context.Context
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. A fresh Session is created when nil.
	Session *Session

	// ConnectErr, if non-nil, is returned by Connect.
	ConnectErr error

	// Block, if non-nil, makes Connect wait until it is closed or the context
	// is cancelled.
	Block chan struct{}

	// ConnectCalls records every invocation of Connect in order.
	ConnectCalls []ConnectCall
}

// Connect implements live.Provider.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	block := p.Block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session == nil {
		p.Session = NewSession()
	}
	return p.Session, nil
}

// Calls returns a copy of the recorded Connect calls.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

// Session is a mock implementation of live.Session.
type Session struct {
	events chan live.Event

	mu sync.Mutex

	// SendErr, if non-nil, is returned by SendRealtimeAudio.
	SendErr error

	sent       []audio.EncodedChunk
	closeCalls int
	closed     bool
}

// NewSession returns a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan live.Event, 64)}
}

// Emit queues ev for the consumer. Emitting after Close is a no-op.
func (s *Session) Emit(ev live.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

// Events implements live.Session.
func (s *Session) Events() <-chan live.Event { return s.events }

// SendRealtimeAudio implements live.Session.
func (s *Session) SendRealtimeAudio(_ context.Context, chunk audio.EncodedChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return live.ErrClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.sent = append(s.sent, chunk)
	return nil
}

// Close implements live.Session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

// Sent returns a copy of every chunk passed to SendRealtimeAudio.
func (s *Session) Sent() []audio.EncodedChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.EncodedChunk(nil), s.sent...)
}

// CloseCalls returns how many times Close was called.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}
