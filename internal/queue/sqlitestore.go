package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// migrations are applied in order; the index+1 is the schema version.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS operations (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		id          TEXT    NOT NULL UNIQUE,
		type        TEXT    NOT NULL CHECK(type IN ('CREATE','UPDATE','DELETE')),
		table_name  TEXT    NOT NULL CHECK(table_name IN ('lists','tasks')),
		data        TEXT    NOT NULL,
		original_id TEXT    NOT NULL DEFAULT '',
		created_at  INTEGER NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error  TEXT    NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_operations_order ON operations(created_at, seq);
	CREATE TABLE IF NOT EXISTS metadata (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`,
}

// SQLiteStore keeps the queue in a SQLite database using the pure-Go
// modernc.org/sqlite driver.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	opts   Options
	logger *zap.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at path and migrates it.
func NewSQLiteStore(ctx context.Context, path string, opts Options, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("sqlitestore: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	// SQLite has a single writer; one connection also keeps :memory: stable.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlitestore: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path, opts: opts, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	var pending int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM operations`).Scan(&pending); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: count: %w", err)
	}
	logger.Info("operation store opened",
		zap.String("backend", "sqlite"),
		zap.String("path", path),
		zap.Int("pending", pending))

	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("sqlitestore: init migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("sqlitestore: read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("sqlitestore: begin migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlitestore: migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, ?)`, i+1, timeNow().Unix()); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlitestore: record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("sqlitestore: commit migration %d: %w", i+1, err)
		}
		s.logger.Debug("applied schema migration", zap.Int("version", i+1))
	}
	return nil
}

// sqliteErr maps SQLITE_FULL to ErrStorageFull.
func sqliteErr(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_FULL {
		return fmt.Errorf("%w: %v", ErrStorageFull, err)
	}
	return storageErr(err)
}

// QueueOperation implements Store.
func (s *SQLiteStore) QueueOperation(ctx context.Context, opType OpType, table Table, data Payload, originalID string) (string, error) {
	if err := validate(opType, table, data); err != nil {
		return "", err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	if len(raw) > maxDataSize {
		return "", fmt.Errorf("%w: payload exceeds %d bytes", ErrInvalidOperation, maxDataSize)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", sqliteErr(err)
	}
	defer tx.Rollback()

	if s.opts.MaxOperations > 0 {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM operations`).Scan(&n); err != nil {
			return "", sqliteErr(err)
		}
		if n >= s.opts.MaxOperations {
			return "", fmt.Errorf("%w: %d operations pending", ErrStorageFull, n)
		}
	}

	id := uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO operations(id, type, table_name, data, original_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, string(opType), string(table), string(raw), originalID, timeNow().UTC().UnixNano(),
	); err != nil {
		return "", fmt.Errorf("persist operation: %w", sqliteErr(err))
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("persist operation: %w", sqliteErr(err))
	}
	return id, nil
}

const selectOps = `SELECT seq, id, type, table_name, data, original_id, created_at, retry_count, last_error FROM operations`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (Operation, error) {
	var (
		op        Operation
		opType    string
		table     string
		raw       string
		createdAt int64
		seq       int64
	)
	if err := row.Scan(&seq, &op.ID, &opType, &table, &raw, &op.OriginalID, &createdAt, &op.RetryCount, &op.Error); err != nil {
		return Operation{}, err
	}
	if err := json.Unmarshal([]byte(raw), &op.Data); err != nil {
		return Operation{}, fmt.Errorf("decode payload of %s: %w", op.ID, err)
	}
	op.Type = OpType(opType)
	op.Table = Table(table)
	op.Timestamp = time.Unix(0, createdAt).UTC()
	op.Seq = uint64(seq)
	return op, nil
}

// QueuedOperations implements Store.
func (s *SQLiteStore) QueuedOperations(ctx context.Context) ([]Operation, error) {
	rows, err := s.db.QueryContext(ctx, selectOps+` ORDER BY created_at, seq`)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("list operations: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// Operation implements Store.
func (s *SQLiteStore) Operation(ctx context.Context, id string) (Operation, error) {
	op, err := scanOperation(s.db.QueryRowContext(ctx, selectOps+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Operation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return op, err
}

// RemoveOperation implements Store.
func (s *SQLiteStore) RemoveOperation(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM operations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove operation %s: %w", id, err)
	}
	return nil
}

// UpdateOperationRetry implements Store.
func (s *SQLiteStore) UpdateOperationRetry(ctx context.Context, id, errMsg string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`UPDATE operations SET retry_count = retry_count + 1, last_error = ? WHERE id = ? RETURNING retry_count`,
		errMsg, id,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return 0, fmt.Errorf("update operation %s: %w", id, sqliteErr(err))
	}
	return count, nil
}

// Clear implements Store.
func (s *SQLiteStore) Clear(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM operations`)
	if err != nil {
		return 0, fmt.Errorf("clear operations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Metadata implements Store.
func (s *SQLiteStore) Metadata(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read metadata %s: %w", key, err)
	}
	return v, true, nil
}

// SetMetadata implements Store.
func (s *SQLiteStore) SetMetadata(ctx context.Context, key, value string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO metadata(key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	); err != nil {
		return fmt.Errorf("persist metadata %s: %w", key, sqliteErr(err))
	}
	return nil
}

// DeleteMetadata implements Store.
func (s *SQLiteStore) DeleteMetadata(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM metadata WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete metadata %s: %w", key, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
