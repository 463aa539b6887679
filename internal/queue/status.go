package queue

import "time"

// MaxStatusErrors bounds QueueStatus.Errors.
const MaxStatusErrors = 5

// QueueStatus is the derived, display-only view of the queue.
type QueueStatus struct {
	PendingOperations int       `json:"pending_operations"`
	IsProcessing      bool      `json:"is_processing"`
	LastSync          time.Time `json:"last_sync,omitempty"`
	Errors            []string  `json:"errors"`
}

// Clone returns a copy that does not share the error slice.
func (s QueueStatus) Clone() QueueStatus {
	s.Errors = append([]string(nil), s.Errors...)
	if s.Errors == nil {
		s.Errors = []string{}
	}
	return s
}

// NeverSynced reports whether no drain has completed yet.
func (s QueueStatus) NeverSynced() bool {
	return s.LastSync.IsZero()
}
