// Package queue provides the durable operation queue: the Store that holds
// mutations which have not yet reached the remote service, and the Manager
// that enqueues them and publishes QueueStatus.
package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OpType is the kind of mutation a queued operation replays.
type OpType string

const (
	OpCreate OpType = "CREATE"
	OpUpdate OpType = "UPDATE"
	OpDelete OpType = "DELETE"
)

// Valid reports whether t is a known operation type.
func (t OpType) Valid() bool {
	return t == OpCreate || t == OpUpdate || t == OpDelete
}

// Table is the logical entity kind an operation targets.
type Table string

const (
	TableLists Table = "lists"
	TableTasks Table = "tasks"
)

// Valid reports whether t is a known table.
func (t Table) Valid() bool {
	return t == TableLists || t == TableTasks
}

// Payload is a partial entity: new fields for CREATE/UPDATE, the identifying
// key for DELETE.
type Payload map[string]any

// ID returns the payload's "id" field, or "".
func (p Payload) ID() string {
	s, _ := p["id"].(string)
	return s
}

// Clone returns a shallow copy of p.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// TempIDPrefix marks ids generated locally for entities the remote service
// has not assigned an id to yet.
const TempIDPrefix = "temp-"

// NewTempID returns a fresh placeholder id.
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// IsTempID reports whether id is a local placeholder.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Operation is a durable record of a mutation not yet confirmed applied to
// the remote service.
type Operation struct {
	ID         string    `json:"id"`
	Type       OpType    `json:"type"`
	Table      Table     `json:"table"`
	Data       Payload   `json:"data"`
	OriginalID string    `json:"original_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	RetryCount int       `json:"retry_count"`
	Error      string    `json:"error,omitempty"`

	// Seq breaks ties between operations enqueued within the same clock tick.
	Seq uint64 `json:"seq"`
}

// TargetID returns the entity id the operation addresses: OriginalID when
// set, otherwise the payload id.
func (o Operation) TargetID() string {
	if o.OriginalID != "" {
		return o.OriginalID
	}
	return o.Data.ID()
}

// Describe renders "UPDATE tasks t1" for status and error messages.
func (o Operation) Describe() string {
	if id := o.TargetID(); id != "" {
		return fmt.Sprintf("%s %s %s", o.Type, o.Table, id)
	}
	return fmt.Sprintf("%s %s", o.Type, o.Table)
}

// before orders operations by timestamp, then sequence.
func (o Operation) before(other Operation) bool {
	if !o.Timestamp.Equal(other.Timestamp) {
		return o.Timestamp.Before(other.Timestamp)
	}
	return o.Seq < other.Seq
}

func validate(opType OpType, table Table, data Payload) error {
	if !opType.Valid() {
		return fmt.Errorf("%w: type %q", ErrInvalidOperation, opType)
	}
	if !table.Valid() {
		return fmt.Errorf("%w: table %q", ErrInvalidOperation, table)
	}
	if opType != OpCreate && data.ID() == "" {
		return fmt.Errorf("%w: %s %s requires data.id", ErrInvalidOperation, opType, table)
	}
	if _, err := json.Marshal(data); err != nil {
		return fmt.Errorf("%w: payload not serializable: %v", ErrInvalidOperation, err)
	}
	return nil
}
