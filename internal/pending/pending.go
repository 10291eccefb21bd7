// Package pending implements the request-correlation registry used on both
// ends of every ControlChannel: a process-local map from an
// opaque request id to a one-shot completion slot.
package pending

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrTimeout is returned by Wait when the deadline elapses before a matching
// completion arrives.
var ErrTimeout = errors.New("pending: wait timed out")

// Registry correlates requests with their eventual responses.
//
// At most one completion is delivered per registration. Completing an id
// that was never registered, or that was already
// completed, is a silent no-op. Callers are responsible for discarding a
// waiter they no longer care about; dropping it is enough, there is no
// explicit Cancel.
type Registry[T any] struct {
	mu      sync.Mutex
	waiters map[string]chan T
}

// New creates an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{waiters: map[string]chan T{}}
}

// Register allocates a fresh UUID-shaped request id and a single-delivery
// waiter channel for it.
func (r *Registry[T]) Register() (requestID string, waiter <-chan T) {
	id := uuid.NewString()
	ch := make(chan T, 1)

	r.mu.Lock()
	r.waiters[id] = ch
	r.mu.Unlock()

	return id, ch
}

// Complete delivers value to the waiter registered under requestID, if any,
// and removes the registration. A second Complete for the same id, or a
// Complete for an id that was never registered (an "orphan" completion),
// is a no-op.
func (r *Registry[T]) Complete(requestID string, value T) {
	r.mu.Lock()
	ch, ok := r.waiters[requestID]
	if ok {
		delete(r.waiters, requestID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	ch <- value
}

// Discard removes a registration without delivering a value. Used when a
// caller abandons a request (e.g. after a reconnect invalidates the
// channel it was sent on).
func (r *Registry[T]) Discard(requestID string) {
	r.mu.Lock()
	delete(r.waiters, requestID)
	r.mu.Unlock()
}

// Len reports the number of requests currently outstanding. Used by tests
// and by reconnect bookkeeping.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}

// Wait blocks on waiter until a value arrives or ctx is done.
func Wait[T any](ctx context.Context, waiter <-chan T) (T, error) {
	var zero T
	select {
	case v := <-waiter:
		return v, nil
	case <-ctx.Done():
		return zero, ErrTimeout
	}
}
