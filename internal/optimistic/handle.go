package optimistic

import (
	"context"
	"sync"
)

// Handle tracks one optimistic mutation until the server answers.
type Handle[T any] struct {
	done chan struct{}

	mu     sync.Mutex
	id     string
	result T
	err    error
}

func newHandle[T any](id string) *Handle[T] {
	return &Handle[T]{id: id, done: make(chan struct{})}
}

// ID returns the entity id the mutation now addresses. After a create
// succeeds it is the server id.
func (h *Handle[T]) ID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id
}

// Done is closed once the server action has finished.
func (h *Handle[T]) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the action finishes or ctx is done. A non-nil error
// from the action means the mutation was rolled back.
func (h *Handle[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (h *Handle[T]) setID(id string) {
	h.mu.Lock()
	h.id = id
	h.mu.Unlock()
}

func (h *Handle[T]) finish(result T, err error) {
	h.mu.Lock()
	if err == nil {
		h.result = result
	}
	h.err = err
	h.mu.Unlock()
	close(h.done)
}
