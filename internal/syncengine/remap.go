package syncengine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fyrsmithlabs/todosync/internal/queue"
)

// MetaIDMap is the store metadata key holding placeholder -> server id
// assignments made by applied CREATE operations.
const MetaIDMap = "idmap"

// referenceFields are payload fields that may hold entity ids.
var referenceFields = []string{"id", "list_id"}

// idMap is loaded once per pass and written through on every assignment.
type idMap struct {
	store queue.Store
	ids   map[string]string
}

func loadIDMap(ctx context.Context, store queue.Store) (*idMap, error) {
	m := &idMap{store: store, ids: map[string]string{}}
	raw, ok, err := store.Metadata(ctx, MetaIDMap)
	if err != nil {
		return nil, fmt.Errorf("read id map: %w", err)
	}
	if ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &m.ids); err != nil {
			return nil, fmt.Errorf("decode id map: %w", err)
		}
	}
	return m, nil
}

// lookup returns the server id for id. Non-placeholder ids map to
// themselves.
func (m *idMap) lookup(id string) (string, bool) {
	if !queue.IsTempID(id) {
		return id, true
	}
	serverID, ok := m.ids[id]
	return serverID, ok
}

func (m *idMap) assign(ctx context.Context, temp, serverID string) error {
	m.ids[temp] = serverID
	raw, err := json.Marshal(m.ids)
	if err != nil {
		return err
	}
	return m.store.SetMetadata(ctx, MetaIDMap, string(raw))
}

// prune forgets every assignment. Called once the queue is empty, when no
// stored operation can still reference a placeholder.
func (m *idMap) prune(ctx context.Context) error {
	if len(m.ids) == 0 {
		return nil
	}
	m.ids = map[string]string{}
	return m.store.DeleteMetadata(ctx, MetaIDMap)
}

// resolved is an operation with every mappable placeholder replaced.
type resolved struct {
	payload queue.Payload
	// target is the server id UPDATE and DELETE address.
	target string
	// temp is the placeholder a CREATE introduces, if any.
	temp string
	// unresolved is a referenced placeholder with no assignment yet.
	unresolved string
}

func (m *idMap) resolve(op queue.Operation) resolved {
	r := resolved{payload: op.Data.Clone()}

	if op.Type == queue.OpCreate {
		if id := r.payload.ID(); queue.IsTempID(id) {
			r.temp = id
			delete(r.payload, "id")
		}
	}

	for _, field := range referenceFields {
		id, _ := r.payload[field].(string)
		if id == "" {
			continue
		}
		if serverID, ok := m.lookup(id); ok {
			r.payload[field] = serverID
		} else if r.unresolved == "" {
			r.unresolved = id
		}
	}

	if op.Type != queue.OpCreate {
		target := op.TargetID()
		if serverID, ok := m.lookup(target); ok {
			r.target = serverID
		} else {
			r.target = target
			if r.unresolved == "" {
				r.unresolved = target
			}
		}
		delete(r.payload, "id")
	}
	return r
}
