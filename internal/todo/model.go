// Package todo is the to-do domain over the offline queue: lists and tasks
// held in optimistic collections, with every change recorded as a queued
// operation and reconciled from the sync engine's outcomes.
package todo

import (
	"fmt"

	"github.com/fyrsmithlabs/todosync/internal/optimistic"
	"github.com/fyrsmithlabs/todosync/internal/queue"
	"github.com/fyrsmithlabs/todosync/internal/remote"
	"github.com/go-viper/mapstructure/v2"
)

// List is a named collection of tasks.
type List struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id,omitempty"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at,omitempty"`
}

// Task is one to-do item.
type Task struct {
	ID        string `json:"id"`
	ListID    string `json:"list_id"`
	UserID    string `json:"user_id,omitempty"`
	Title     string `json:"title"`
	Completed bool   `json:"completed"`
	CreatedAt string `json:"created_at,omitempty"`
}

// TaskPatch is a partial task update. Nil fields are left unchanged.
type TaskPatch struct {
	Title     *string `json:"title,omitempty"`
	Completed *bool   `json:"completed,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Completed == nil
}

func (p TaskPatch) apply(t Task) Task {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Completed != nil {
		t.Completed = *p.Completed
	}
	return t
}

func (p TaskPatch) payload(id string) queue.Payload {
	data := queue.Payload{"id": id}
	if p.Title != nil {
		data["title"] = *p.Title
	}
	if p.Completed != nil {
		data["completed"] = *p.Completed
	}
	return data
}

var (
	listKeys = optimistic.Keyer[List]{
		ID:    func(l List) string { return l.ID },
		SetID: func(l List, id string) List { l.ID = id; return l },
	}
	taskKeys = optimistic.Keyer[Task]{
		ID:    func(t Task) string { return t.ID },
		SetID: func(t Task, id string) Task { t.ID = id; return t },
	}
)

// decodeEntity maps a server row onto a domain type using its json tags.
// Unknown columns are ignored.
func decodeEntity[T any](e remote.Entity) (T, error) {
	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           &out,
	})
	if err != nil {
		return out, err
	}
	if err := dec.Decode(map[string]any(e)); err != nil {
		return out, fmt.Errorf("decode entity: %w", err)
	}
	return out, nil
}
