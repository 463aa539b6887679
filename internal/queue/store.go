package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrStorageFull is returned when an enqueue would exceed the store's
	// capacity. The operation is not queued.
	ErrStorageFull = errors.New("queue: local storage full")

	// ErrNotFound is returned when an operation id is not in the store.
	ErrNotFound = errors.New("queue: operation not found")

	// ErrInvalidOperation is returned for unknown types/tables or payloads
	// that cannot be persisted.
	ErrInvalidOperation = errors.New("queue: invalid operation")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("queue: store closed")
)

// MetaLastSync is the metadata key holding the last completed drain time.
const MetaLastSync = "lastSync"

// Store is durable local storage for pending operations. Implementations
// survive process restarts and are safe for concurrent use.
type Store interface {
	// QueueOperation durably appends a new operation and returns its id.
	// It never touches the network and fails only on local storage errors.
	QueueOperation(ctx context.Context, opType OpType, table Table, data Payload, originalID string) (string, error)

	// QueuedOperations returns all pending operations in timestamp order.
	QueuedOperations(ctx context.Context) ([]Operation, error)

	// Operation returns one pending operation or ErrNotFound.
	Operation(ctx context.Context, id string) (Operation, error)

	// RemoveOperation deletes one operation. Removing an unknown id is a no-op.
	RemoveOperation(ctx context.Context, id string) error

	// UpdateOperationRetry increments RetryCount, records errMsg and returns
	// the new retry count.
	UpdateOperationRetry(ctx context.Context, id, errMsg string) (int, error)

	// Clear removes every pending operation and returns how many were removed.
	Clear(ctx context.Context) (int, error)

	// Metadata returns a side-channel value and whether it was set.
	Metadata(ctx context.Context, key string) (string, bool, error)

	// SetMetadata durably stores a side-channel value.
	SetMetadata(ctx context.Context, key, value string) error

	// DeleteMetadata removes a side-channel value. Unknown keys are a no-op.
	DeleteMetadata(ctx context.Context, key string) error

	Close() error
}

// Options configures store implementations.
type Options struct {
	// MaxOperations bounds the number of pending operations. 0 = unbounded.
	MaxOperations int
}

// timeNow is swapped in tests.
var timeNow = time.Now

// LastSync reads MetaLastSync from s. The zero time means never.
func LastSync(ctx context.Context, s Store) (time.Time, error) {
	v, ok, err := s.Metadata(ctx, MetaLastSync)
	if err != nil || !ok {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, v)
}

// SetLastSync writes t under MetaLastSync.
func SetLastSync(ctx context.Context, s Store, t time.Time) error {
	return s.SetMetadata(ctx, MetaLastSync, t.UTC().Format(time.RFC3339Nano))
}
