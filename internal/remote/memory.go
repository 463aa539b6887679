package remote

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/todosync/internal/queue"
	"github.com/google/uuid"
)

// Call records one mutation attempt against a MemoryClient.
type Call struct {
	Method  string // insert, update or delete
	Table   queue.Table
	ID      string
	Payload queue.Payload
}

// MemoryClient is an in-process backend for demo mode and tests. Failures
// can be injected per call.
type MemoryClient struct {
	mu       sync.Mutex
	tables   map[queue.Table]map[string]Entity
	calls    []Call
	failNext []error
	failFn   func(Call) error
	latency  time.Duration
}

var _ Client = (*MemoryClient)(nil)

// NewMemoryClient returns an empty backend.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		tables: map[queue.Table]map[string]Entity{
			queue.TableLists: {},
			queue.TableTasks: {},
		},
	}
}

// FailNext makes the next n calls fail with err.
func (m *MemoryClient) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.failNext = append(m.failNext, err)
	}
}

// SetFailureFunc installs fn, consulted on every call after FailNext is
// exhausted. A non-nil return fails the call. nil removes it.
func (m *MemoryClient) SetFailureFunc(fn func(Call) error) {
	m.mu.Lock()
	m.failFn = fn
	m.mu.Unlock()
}

// SetLatency delays every call by d, honouring context cancellation.
func (m *MemoryClient) SetLatency(d time.Duration) {
	m.mu.Lock()
	m.latency = d
	m.mu.Unlock()
}

// Calls returns every recorded call in order.
func (m *MemoryClient) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Get returns a copy of one stored row.
func (m *MemoryClient) Get(table queue.Table, id string) (Entity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tables[table][id]
	if !ok {
		return nil, false
	}
	return clone(e), true
}

// Rows returns copies of every stored row in table, ordered by id.
func (m *MemoryClient) Rows(table queue.Table) []Entity {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := make([]Entity, 0, len(m.tables[table]))
	for _, e := range m.tables[table] {
		rows = append(rows, clone(e))
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID() < rows[j].ID() })
	return rows
}

func (m *MemoryClient) begin(ctx context.Context, c Call) error {
	m.mu.Lock()
	latency := m.latency
	m.mu.Unlock()
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c.Payload = c.Payload.Clone()
	m.calls = append(m.calls, c)
	if len(m.failNext) > 0 {
		err := m.failNext[0]
		m.failNext = m.failNext[1:]
		return err
	}
	if m.failFn != nil {
		return m.failFn(c)
	}
	if _, ok := m.tables[c.Table]; !ok {
		return &Error{StatusCode: http.StatusNotFound, Code: "42P01", Message: "relation " + string(c.Table) + " does not exist"}
	}
	return nil
}

// Insert implements Client. The backend assigns an id when the payload has
// none.
func (m *MemoryClient) Insert(ctx context.Context, table queue.Table, payload queue.Payload) (Entity, error) {
	start := time.Now()
	err := m.begin(ctx, Call{Method: "insert", Table: table, Payload: payload})
	if err != nil {
		observe("insert", string(table), time.Since(start).Seconds(), err)
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	row := Entity(payload.Clone())
	id := row.ID()
	if id == "" {
		id = uuid.NewString()
		row["id"] = id
	}
	if _, exists := m.tables[table][id]; exists {
		err := &Error{StatusCode: http.StatusConflict, Code: "23505", Message: "duplicate key value violates unique constraint"}
		observe("insert", string(table), time.Since(start).Seconds(), err)
		return nil, err
	}
	if _, ok := row["created_at"]; !ok {
		row["created_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	m.tables[table][id] = row
	observe("insert", string(table), time.Since(start).Seconds(), nil)
	return clone(row), nil
}

// Update implements Client.
func (m *MemoryClient) Update(ctx context.Context, table queue.Table, id string, payload queue.Payload) (Entity, error) {
	start := time.Now()
	err := m.begin(ctx, Call{Method: "update", Table: table, ID: id, Payload: payload})
	if err != nil {
		observe("update", string(table), time.Since(start).Seconds(), err)
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.tables[table][id]
	if !ok {
		err := &Error{StatusCode: http.StatusNotFound, Message: string(table) + " " + id + " not found"}
		observe("update", string(table), time.Since(start).Seconds(), err)
		return nil, err
	}
	for k, v := range payload {
		if k == "id" {
			continue
		}
		row[k] = v
	}
	observe("update", string(table), time.Since(start).Seconds(), nil)
	return clone(row), nil
}

// Delete implements Client. Deleting a missing row succeeds.
func (m *MemoryClient) Delete(ctx context.Context, table queue.Table, id string) error {
	start := time.Now()
	err := m.begin(ctx, Call{Method: "delete", Table: table, ID: id})
	if err == nil {
		m.mu.Lock()
		delete(m.tables[table], id)
		m.mu.Unlock()
	}
	observe("delete", string(table), time.Since(start).Seconds(), err)
	return err
}

func clone(e Entity) Entity {
	out := make(Entity, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}
