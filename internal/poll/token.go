package poll

import (
	"context"
	"sync/atomic"
)

// Token is a cooperative cancellation token. Loops check Cancelled after
// every suspension point; Context aborts in-flight requests.
type Token struct {
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

func NewToken(parent context.Context) *Token {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// Cancel is idempotent.
func (t *Token) Cancel() {
	t.cancelled.Store(true)
	t.cancel()
}

func (t *Token) Cancelled() bool {
	return t.cancelled.Load() || t.ctx.Err() != nil
}

func (t *Token) Done() <-chan struct{} {
	return t.ctx.Done()
}

func (t *Token) Context() context.Context {
	return t.ctx
}
