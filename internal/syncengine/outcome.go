package syncengine

import (
	"time"

	"github.com/fyrsmithlabs/todosync/internal/queue"
	"github.com/fyrsmithlabs/todosync/internal/remote"
)

// OutcomeKind is the result of one operation attempt.
type OutcomeKind string

const (
	// OutcomeApplied: the remote accepted the mutation and the operation
	// was removed.
	OutcomeApplied OutcomeKind = "applied"
	// OutcomeRetrying: the attempt failed and a retry timer is armed.
	OutcomeRetrying OutcomeKind = "retrying"
	// OutcomeEvicted: the attempt failed at the retry ceiling and the
	// operation was removed without being applied.
	OutcomeEvicted OutcomeKind = "evicted"
)

// Outcome is published to observers after every attempt.
type Outcome struct {
	Kind      OutcomeKind     `json:"kind"`
	Operation queue.Operation `json:"operation"`
	// Entity is the authoritative row for applied CREATE and UPDATE.
	Entity remote.Entity `json:"entity,omitempty"`
	// ResolvedID is the server id the operation targeted or created.
	ResolvedID string        `json:"resolved_id,omitempty"`
	Error      string        `json:"error,omitempty"`
	Attempts   int           `json:"attempts"`
	RetryIn    time.Duration `json:"retry_in,omitempty"`
}

// Final reports whether the operation left the queue.
func (o Outcome) Final() bool {
	return o.Kind == OutcomeApplied || o.Kind == OutcomeEvicted
}

// DrainResult summarizes one pass.
type DrainResult struct {
	Attempted int `json:"attempted"`
	Applied   int `json:"applied"`
	Retrying  int `json:"retrying"`
	Evicted   int `json:"evicted"`
	// Deferred operations reference a placeholder id whose CREATE is
	// still pending; they were not attempted.
	Deferred int `json:"deferred"`
	// Waiting operations already have a retry timer armed.
	Waiting  int           `json:"waiting"`
	Duration time.Duration `json:"duration"`
}

func (r *DrainResult) add(k OutcomeKind) {
	r.Attempted++
	switch k {
	case OutcomeApplied:
		r.Applied++
	case OutcomeRetrying:
		r.Retrying++
	case OutcomeEvicted:
		r.Evicted++
	}
}
