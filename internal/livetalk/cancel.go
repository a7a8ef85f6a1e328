package livetalk

import "context"

// cancelToken is handed to every continuation of one session. A continuation
// checks it before touching controller state; once cancelled, anything the
// continuation still holds is its own to release.
type cancelToken struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// newCancelToken keeps parent's values but not its cancellation: only
// Cancel ends a session.
func newCancelToken(parent context.Context) *cancelToken {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	return &cancelToken{ctx: ctx, cancel: cancel}
}

func (t *cancelToken) Cancel() { t.cancel() }
func (t *cancelToken) Cancelled() bool { return t.ctx.Err() != nil }
func (t *cancelToken) Done() <-chan struct{} { return t.ctx.Done() }
func (t *cancelToken) Context() context.Context { return t.ctx }
