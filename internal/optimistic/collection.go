// Package optimistic applies mutations to an in-memory collection before
// the server confirms them, and reconciles or rolls back when it answers.
//
// Each entity keeps a confirmed base (the last server-acknowledged value)
// and an ordered list of pending mutations. The visible value is the base
// with the pending mutations applied in order. Server actions for the same
// entity run one at a time, in issue order. When one fails only that
// mutation is dropped, so the visible value becomes the base plus the
// mutations still pending: a failed second edit never rolls back the first.
package optimistic

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when updating or deleting an entity that is
	// not visible.
	ErrNotFound = errors.New("optimistic: entity not found")

	// ErrExists is returned when creating an entity whose id is visible.
	ErrExists = errors.New("optimistic: entity already exists")
)

// Kind is the mutation type.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Action performs the server side of a mutation and returns the
// authoritative entity. Delete actions may return the zero value.
type Action[T any] func(ctx context.Context) (T, error)

// Keyer reads and writes entity ids.
type Keyer[T any] struct {
	ID    func(T) string
	SetID func(T, string) T
}

type mutation[T any] struct {
	kind   Kind
	value  T         // create
	patch  func(T) T // update
	handle *Handle[T]
}

type entry[T any] struct {
	base      T
	confirmed bool
	pending   []*mutation[T]
}

// Collection is an optimistic in-memory collection. It is safe for
// concurrent use.
type Collection[T any] struct {
	keys   Keyer[T]
	logger *zap.Logger

	mu        sync.Mutex
	entries   map[string]*entry[T]
	order     []string
	tails     map[string]<-chan struct{}
	listeners map[int]func()
	nextID    int
}

// NewCollection creates an empty collection.
func NewCollection[T any](keys Keyer[T], logger *zap.Logger) *Collection[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collection[T]{
		keys:      keys,
		logger:    logger,
		entries:   make(map[string]*entry[T]),
		tails:     make(map[string]<-chan struct{}),
		listeners: make(map[int]func()),
	}
}

// Load replaces the confirmed state with items. Pending mutations are kept.
func (c *Collection[T]) Load(items []T) {
	c.mu.Lock()
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		id := c.keys.ID(item)
		seen[id] = true
		e := c.entryLocked(id)
		e.base = item
		e.confirmed = true
	}
	for id, e := range c.entries {
		if !seen[id] {
			var zero T
			e.base = zero
			e.confirmed = false
		}
	}
	c.gcLocked()
	c.mu.Unlock()
	c.notify()
}

// Create shows item immediately and runs action in the background. On
// success the entry is re-keyed to the server id; on failure it disappears.
func (c *Collection[T]) Create(ctx context.Context, item T, action Action[T]) (*Handle[T], error) {
	id := c.keys.ID(item)
	c.mu.Lock()
	if _, ok := c.visibleLocked(id); ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrExists, id)
	}
	m := &mutation[T]{kind: KindCreate, value: item, handle: newHandle[T](id)}
	c.pushLocked(ctx, id, m, action)
	c.mu.Unlock()
	c.notify()
	return m.handle, nil
}

// Update applies patch to the visible entity immediately and runs action
// in the background.
func (c *Collection[T]) Update(ctx context.Context, id string, patch func(T) T, action Action[T]) (*Handle[T], error) {
	c.mu.Lock()
	if _, ok := c.visibleLocked(id); !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	m := &mutation[T]{kind: KindUpdate, patch: patch, handle: newHandle[T](id)}
	c.pushLocked(ctx, id, m, action)
	c.mu.Unlock()
	c.notify()
	return m.handle, nil
}

// Delete hides the entity immediately and runs action in the background.
func (c *Collection[T]) Delete(ctx context.Context, id string, action Action[T]) (*Handle[T], error) {
	c.mu.Lock()
	if _, ok := c.visibleLocked(id); !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	m := &mutation[T]{kind: KindDelete, handle: newHandle[T](id)}
	c.pushLocked(ctx, id, m, action)
	c.mu.Unlock()
	c.notify()
	return m.handle, nil
}

// pushLocked appends m and starts its action once the previous action for
// the same entity has finished.
func (c *Collection[T]) pushLocked(ctx context.Context, id string, m *mutation[T], action Action[T]) {
	e := c.entryLocked(id)
	e.pending = append(e.pending, m)

	prev := c.tails[id]
	c.tails[id] = m.handle.done

	runCtx := context.WithoutCancel(ctx)
	go func() {
		if prev != nil {
			<-prev
		}
		result, err := action(runCtx)
		c.resolve(m, result, err)
	}()
}

func (c *Collection[T]) resolve(m *mutation[T], result T, err error) {
	c.mu.Lock()
	id, e := c.findLocked(m)
	if e == nil {
		c.mu.Unlock()
		m.handle.finish(result, err)
		return
	}
	e.pending = removeMutation(e.pending, m)
	key := id

	if err != nil {
		c.logger.Debug("optimistic mutation rolled back",
			zap.String("id", id),
			zap.String("kind", string(m.kind)),
			zap.Error(err))
	} else {
		switch m.kind {
		case KindCreate, KindUpdate:
			serverID := c.keys.ID(result)
			if serverID == "" {
				serverID = id
				result = c.keys.SetID(result, id)
			}
			e.base = result
			e.confirmed = true
			if serverID != id {
				c.rekeyLocked(id, serverID)
				key = serverID
			}
			m.handle.setID(serverID)
		case KindDelete:
			var zero T
			e.base = zero
			e.confirmed = false
		}
	}
	if c.tails[key] == m.handle.done {
		delete(c.tails, key)
	}
	c.gcLocked()
	c.mu.Unlock()

	m.handle.finish(result, err)
	c.notify()
}

// rekeyLocked moves an entry from a placeholder id to the server id.
// Later pending mutations follow it.
func (c *Collection[T]) rekeyLocked(from, to string) {
	e := c.entries[from]
	delete(c.entries, from)
	if existing, ok := c.entries[to]; ok {
		e.pending = append(existing.pending, e.pending...)
	}
	c.entries[to] = e
	for _, m := range e.pending {
		if m.kind == KindCreate {
			m.value = c.keys.SetID(m.value, to)
		}
		m.handle.setID(to)
	}
	if tail, ok := c.tails[from]; ok {
		c.tails[to] = tail
		delete(c.tails, from)
	}
	for i, id := range c.order {
		if id == from {
			c.order[i] = to
		}
	}
	c.order = dedupe(c.order)
}

func (c *Collection[T]) entryLocked(id string) *entry[T] {
	e, ok := c.entries[id]
	if !ok {
		e = &entry[T]{}
		c.entries[id] = e
		c.order = append(c.order, id)
	}
	return e
}

func (c *Collection[T]) findLocked(m *mutation[T]) (string, *entry[T]) {
	for id, e := range c.entries {
		for _, p := range e.pending {
			if p == m {
				return id, e
			}
		}
	}
	return "", nil
}

// gcLocked drops entries that are neither confirmed nor pending.
func (c *Collection[T]) gcLocked() {
	kept := c.order[:0]
	for _, id := range c.order {
		e := c.entries[id]
		if e == nil || (!e.confirmed && len(e.pending) == 0) {
			delete(c.entries, id)
			continue
		}
		kept = append(kept, id)
	}
	c.order = kept
}

func (c *Collection[T]) visibleLocked(id string) (T, bool) {
	var zero T
	e, ok := c.entries[id]
	if !ok {
		return zero, false
	}
	value, present := e.base, e.confirmed
	for _, m := range e.pending {
		switch m.kind {
		case KindCreate:
			value, present = m.value, true
		case KindUpdate:
			if present {
				value = m.patch(value)
			}
		case KindDelete:
			value, present = zero, false
		}
	}
	return value, present
}

// Get returns the visible value of one entity.
func (c *Collection[T]) Get(id string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visibleLocked(id)
}

// Items returns every visible entity in insertion order.
func (c *Collection[T]) Items() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	items := make([]T, 0, len(c.order))
	for _, id := range c.order {
		if v, ok := c.visibleLocked(id); ok {
			items = append(items, v)
		}
	}
	return items
}

// Confirmed returns the last server-acknowledged value of one entity.
func (c *Collection[T]) Confirmed(id string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	e, ok := c.entries[id]
	if !ok || !e.confirmed {
		return zero, false
	}
	return e.base, true
}

// Pending returns how many mutations await the server, across all entities.
func (c *Collection[T]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		n += len(e.pending)
	}
	return n
}

// OnChange registers fn to run after every visible change and returns a
// function that removes it.
func (c *Collection[T]) OnChange(fn func()) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Collection[T]) notify() {
	c.mu.Lock()
	fns := make([]func(), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func removeMutation[T any](list []*mutation[T], m *mutation[T]) []*mutation[T] {
	out := list[:0]
	for _, p := range list {
		if p != m {
			out = append(out, p)
		}
	}
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
