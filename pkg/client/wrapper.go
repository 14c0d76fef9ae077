package client

import (
	"context"
	"sync"
)

// SafeWrapper memoizes a value built from the current session. The value is dropped
// and rebuilt whenever the owning Safe has reset since it was built.
type SafeWrapper[T any] struct {
	safe   *Safe
	create func(ctx context.Context, remote *Remote) (T, error)

	mu    sync.Mutex
	value T
	gen   int64
	valid bool
}

// NewSafeWrapper creates a memoizing wrapper
func NewSafeWrapper[T any](safe *Safe, create func(ctx context.Context, remote *Remote) (T, error)) *SafeWrapper[T] {
	return &SafeWrapper[T]{safe: safe, create: create}
}

// Get returns the memoized value, rebuilding it if the session was reset.
func (w *SafeWrapper[T]) Get(ctx context.Context) (T, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	gen := w.safe.Resets()
	if w.valid && w.gen == gen {
		return w.value, nil
	}

	var zero T
	w.value, w.valid = zero, false

	remote, err := w.safe.Remote(ctx)
	if err != nil {
		return zero, err
	}
	value, err := w.create(ctx, remote)
	if err != nil {
		return zero, err
	}
	w.value, w.gen, w.valid = value, gen, true
	return value, nil
}

// NewSafeSimpleTransaction returns a resilient auto-commit handle for iface.
func NewSafeSimpleTransaction(safe *Safe, iface string) Invoker {
	w := NewSafeWrapper(safe, func(ctx context.Context, remote *Remote) (Invoker, error) {
		return remote.Simple(iface), nil
	})
	return safe.Wrap(iface, w.Get)
}
