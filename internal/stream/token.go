package stream

import "sync"

// CancellationToken is a thread-safe cancellation flag with callback
// registration, used by the streaming engine and the batch processor.
type CancellationToken struct {
	mu        sync.Mutex
	cancelled bool
	callbacks []func()
}

// NewCancellationToken constructs an un-cancelled token.
func NewCancellationToken() *CancellationToken {
	return &CancellationToken{}
}

// Cancel sets the token and invokes every registered callback exactly once.
func (t *CancellationToken) Cancel() {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	callbacks := t.callbacks
	t.callbacks = nil
	t.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
}

// IsCancelled reports the token's current state.
func (t *CancellationToken) IsCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// OnCancel registers cb to run when Cancel is called. If the token is
// already cancelled, cb runs immediately.
func (t *CancellationToken) OnCancel(cb func()) {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		cb()
		return
	}
	t.callbacks = append(t.callbacks, cb)
	t.mu.Unlock()
}
