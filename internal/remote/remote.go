// Package remote is the backend the sync engine replays operations against:
// three entity-scoped mutations per table.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/fyrsmithlabs/todosync/internal/queue"
)

// Entity is an authoritative row returned by the backend.
type Entity map[string]any

// ID returns the entity's "id" field, or "".
func (e Entity) ID() string {
	s, _ := e["id"].(string)
	return s
}

// Client applies mutations to the remote service. Every method may fail
// with a transport error or an *Error from the backend.
type Client interface {
	Insert(ctx context.Context, table queue.Table, payload queue.Payload) (Entity, error)
	Update(ctx context.Context, table queue.Table, id string, payload queue.Payload) (Entity, error)
	Delete(ctx context.Context, table queue.Table, id string) error
}

// Error is a rejection reported by the backend.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.StatusCode == http.StatusNotFound
}
