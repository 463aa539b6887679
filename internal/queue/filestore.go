package queue

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/gob"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	opFileExt    = ".op"
	metaFileName = "meta.gob"
	keyFileName  = ".hmac_key"
	hmacKeySize  = 32
	maxDataSize  = 1024 * 1024 // 1MB per operation payload
)

// fileRecord is the on-disk form of an Operation. The payload is kept as
// JSON so arbitrary nested values survive gob encoding.
type fileRecord struct {
	ID         string
	Type       string
	Table      string
	Data       []byte
	OriginalID string
	Timestamp  time.Time
	Seq        uint64
	RetryCount int
	Error      string
	Checksum   []byte
}

type metaRecord struct {
	Values   map[string]string
	Checksum []byte
}

// FileStore keeps one gob file per operation under dir/ops, each carrying
// an HMAC-SHA256 checksum, plus a metadata file. Every write goes to a
// 0600 temp file that is synced and renamed into place.
type FileStore struct {
	dir     string
	opsDir  string
	hmacKey []byte
	opts    Options
	logger  *zap.Logger

	mu     sync.Mutex
	ops    map[string]Operation
	meta   map[string]string
	seq    uint64
	closed bool
}

var _ Store = (*FileStore)(nil)

// NewFileStore opens (or creates) a file store rooted at dir and loads every
// valid operation. Entries that fail to decode or verify are skipped.
func NewFileStore(dir string, opts Options, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cleanDir := filepath.Clean(dir)
	if strings.Contains(dir, "..") {
		return nil, fmt.Errorf("filestore: path contains directory traversal: %s", dir)
	}
	absDir, err := filepath.Abs(cleanDir)
	if err != nil {
		return nil, fmt.Errorf("filestore: resolve path: %w", err)
	}

	s := &FileStore{
		dir:    absDir,
		opsDir: filepath.Join(absDir, "ops"),
		opts:   opts,
		logger: logger,
		ops:    make(map[string]Operation),
		meta:   make(map[string]string),
	}

	if err := os.MkdirAll(s.opsDir, 0700); err != nil {
		return nil, fmt.Errorf("filestore: create directory: %w", err)
	}
	if err := s.initHMACKey(); err != nil {
		return nil, fmt.Errorf("filestore: init hmac key: %w", err)
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("filestore: load: %w", err)
	}

	logger.Info("operation store opened",
		zap.String("backend", "file"),
		zap.String("path", s.dir),
		zap.Int("pending", len(s.ops)))

	return s, nil
}

func (s *FileStore) initHMACKey() error {
	keyPath := filepath.Join(s.dir, keyFileName)

	if key, err := os.ReadFile(keyPath); err == nil {
		if len(key) != hmacKeySize {
			return fmt.Errorf("invalid key size: expected %d, got %d", hmacKeySize, len(key))
		}
		if info, err := os.Stat(keyPath); err == nil && info.Mode().Perm() != 0600 {
			s.logger.Warn("hmac key file has insecure permissions",
				zap.String("key_path", keyPath),
				zap.String("mode", fmt.Sprintf("%04o", info.Mode().Perm())))
		}
		s.hmacKey = key
		return nil
	}

	key := make([]byte, hmacKeySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if err := writeAtomic(keyPath, func(w io.Writer) error {
		_, err := w.Write(key)
		return err
	}); err != nil {
		return err
	}
	s.hmacKey = key
	return nil
}

func randomSuffix() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// writeAtomic writes through a 0600 temp file and renames it over path, so a
// reader never sees a partial file.
func writeAtomic(path string, write func(io.Writer) error) error {
	tmpPath := path + ".tmp." + randomSuffix()
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}

	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	f.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("finalize %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (s *FileStore) recordHMAC(r fileRecord) []byte {
	h := hmac.New(sha256.New, s.hmacKey)
	for _, part := range []string{r.ID, r.Type, r.Table, r.OriginalID, r.Error, r.Timestamp.UTC().Format(time.RFC3339Nano)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(r.Data)
	var n [16]byte
	binary.BigEndian.PutUint64(n[:8], r.Seq)
	binary.BigEndian.PutUint64(n[8:], uint64(r.RetryCount))
	h.Write(n[:])
	return h.Sum(nil)
}

func (s *FileStore) metaHMAC(values map[string]string) []byte {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := hmac.New(sha256.New, s.hmacKey)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(values[k]))
		h.Write([]byte{0})
	}
	return h.Sum(nil)
}

func (s *FileStore) opPath(id string) string {
	return filepath.Join(s.opsDir, id+opFileExt)
}

func (s *FileStore) toRecord(op Operation) (fileRecord, error) {
	data, err := json.Marshal(op.Data)
	if err != nil {
		return fileRecord{}, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	if len(data) > maxDataSize {
		return fileRecord{}, fmt.Errorf("%w: payload exceeds %d bytes", ErrInvalidOperation, maxDataSize)
	}
	r := fileRecord{
		ID:         op.ID,
		Type:       string(op.Type),
		Table:      string(op.Table),
		Data:       data,
		OriginalID: op.OriginalID,
		Timestamp:  op.Timestamp,
		Seq:        op.Seq,
		RetryCount: op.RetryCount,
		Error:      op.Error,
	}
	r.Checksum = s.recordHMAC(r)
	return r, nil
}

func fromRecord(r fileRecord) (Operation, error) {
	var data Payload
	if err := json.Unmarshal(r.Data, &data); err != nil {
		return Operation{}, fmt.Errorf("decode payload: %w", err)
	}
	return Operation{
		ID:         r.ID,
		Type:       OpType(r.Type),
		Table:      Table(r.Table),
		Data:       data,
		OriginalID: r.OriginalID,
		Timestamp:  r.Timestamp,
		Seq:        r.Seq,
		RetryCount: r.RetryCount,
		Error:      r.Error,
	}, nil
}

// writeOp persists op and returns the form it will have after a reload.
func (s *FileStore) writeOp(op Operation) (Operation, error) {
	r, err := s.toRecord(op)
	if err != nil {
		return Operation{}, err
	}
	if err := writeAtomic(s.opPath(op.ID), func(w io.Writer) error {
		return gob.NewEncoder(w).Encode(r)
	}); err != nil {
		return Operation{}, storageErr(err)
	}
	return fromRecord(r)
}

// storageErr maps disk exhaustion to ErrStorageFull.
func storageErr(err error) error {
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
		return fmt.Errorf("%w: %v", ErrStorageFull, err)
	}
	return err
}

func (s *FileStore) load() error {
	files, err := filepath.Glob(filepath.Join(s.opsDir, "*"+opFileExt))
	if err != nil {
		return fmt.Errorf("list operations: %w", err)
	}

	for _, file := range files {
		op, err := s.readOp(file)
		if err != nil {
			s.logger.Warn("skipping unreadable operation file",
				zap.String("file", file),
				zap.Error(err))
			continue
		}
		s.ops[op.ID] = op
		if op.Seq > s.seq {
			s.seq = op.Seq
		}
	}

	return s.loadMeta()
}

func (s *FileStore) readOp(path string) (Operation, error) {
	f, err := os.Open(path)
	if err != nil {
		return Operation{}, err
	}
	defer f.Close()

	var r fileRecord
	if err := gob.NewDecoder(f).Decode(&r); err != nil {
		return Operation{}, fmt.Errorf("decode: %w", err)
	}
	if subtle.ConstantTimeCompare(r.Checksum, s.recordHMAC(r)) != 1 {
		return Operation{}, errors.New("checksum mismatch")
	}
	if !OpType(r.Type).Valid() || !Table(r.Table).Valid() {
		return Operation{}, fmt.Errorf("invalid operation %s %s", r.Type, r.Table)
	}
	if filepath.Base(path) != r.ID+opFileExt {
		return Operation{}, fmt.Errorf("file name does not match id %s", r.ID)
	}
	return fromRecord(r)
}

func (s *FileStore) loadMeta() error {
	path := filepath.Join(s.dir, metaFileName)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open metadata: %w", err)
	}
	defer f.Close()

	var r metaRecord
	if err := gob.NewDecoder(f).Decode(&r); err != nil {
		s.logger.Warn("discarding unreadable metadata file", zap.Error(err))
		return nil
	}
	if r.Values == nil {
		r.Values = map[string]string{}
	}
	if subtle.ConstantTimeCompare(r.Checksum, s.metaHMAC(r.Values)) != 1 {
		s.logger.Warn("discarding metadata file with invalid checksum")
		return nil
	}
	s.meta = r.Values
	return nil
}

func (s *FileStore) writeMeta(values map[string]string) error {
	r := metaRecord{Values: values, Checksum: s.metaHMAC(values)}
	err := writeAtomic(filepath.Join(s.dir, metaFileName), func(w io.Writer) error {
		return gob.NewEncoder(w).Encode(r)
	})
	return storageErr(err)
}

// QueueOperation implements Store.
func (s *FileStore) QueueOperation(_ context.Context, opType OpType, table Table, data Payload, originalID string) (string, error) {
	if err := validate(opType, table, data); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrClosed
	}
	if s.opts.MaxOperations > 0 && len(s.ops) >= s.opts.MaxOperations {
		return "", fmt.Errorf("%w: %d operations pending", ErrStorageFull, len(s.ops))
	}

	op := Operation{
		ID:         uuid.NewString(),
		Type:       opType,
		Table:      table,
		Data:       data,
		OriginalID: originalID,
		Timestamp:  timeNow().UTC(),
		Seq:        s.seq + 1,
	}

	stored, err := s.writeOp(op)
	if err != nil {
		return "", fmt.Errorf("persist operation: %w", err)
	}

	s.seq = op.Seq
	s.ops[op.ID] = stored
	return op.ID, nil
}

// QueuedOperations implements Store.
func (s *FileStore) QueuedOperations(_ context.Context) ([]Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	ops := make([]Operation, 0, len(s.ops))
	for _, op := range s.ops {
		op.Data = op.Data.Clone()
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].before(ops[j]) })
	return ops, nil
}

// Operation implements Store.
func (s *FileStore) Operation(_ context.Context, id string) (Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Operation{}, ErrClosed
	}
	op, ok := s.ops[id]
	if !ok {
		return Operation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	op.Data = op.Data.Clone()
	return op, nil
}

// RemoveOperation implements Store.
func (s *FileStore) RemoveOperation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, ok := s.ops[id]; !ok {
		return nil
	}
	if err := os.Remove(s.opPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove operation %s: %w", id, err)
	}
	delete(s.ops, id)
	return nil
}

// UpdateOperationRetry implements Store.
func (s *FileStore) UpdateOperationRetry(_ context.Context, id, errMsg string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	op, ok := s.ops[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	op.RetryCount++
	op.Error = errMsg
	stored, err := s.writeOp(op)
	if err != nil {
		return 0, fmt.Errorf("update operation %s: %w", id, err)
	}
	s.ops[id] = stored
	return stored.RetryCount, nil
}

// Clear implements Store.
func (s *FileStore) Clear(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	removed := 0
	var errs []error
	for id := range s.ops {
		if err := os.Remove(s.opPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		delete(s.ops, id)
		removed++
	}
	return removed, errors.Join(errs...)
}

// Metadata implements Store.
func (s *FileStore) Metadata(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", false, ErrClosed
	}
	v, ok := s.meta[key]
	return v, ok, nil
}

// SetMetadata implements Store.
func (s *FileStore) SetMetadata(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	next := make(map[string]string, len(s.meta)+1)
	for k, v := range s.meta {
		next[k] = v
	}
	next[key] = value
	if err := s.writeMeta(next); err != nil {
		return fmt.Errorf("persist metadata: %w", err)
	}
	s.meta = next
	return nil
}

// DeleteMetadata implements Store.
func (s *FileStore) DeleteMetadata(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, ok := s.meta[key]; !ok {
		return nil
	}
	next := make(map[string]string, len(s.meta))
	for k, v := range s.meta {
		if k != key {
			next[k] = v
		}
	}
	if err := s.writeMeta(next); err != nil {
		return fmt.Errorf("persist metadata: %w", err)
	}
	s.meta = next
	return nil
}

// Close marks the store closed. Files stay on disk.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
