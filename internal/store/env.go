// Package store provides the Storage Environment (a single-writer/
// multi-reader embedded key-value environment) and the Index Catalog that
// maps index names to per-index environments opened from it.
package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"go.etcd.io/bbolt"
)

// MaxKeyLength is the largest key the environment will accept. Longer keys
// are silently skipped by pipeline writers rather than rejected, matching
// the original LMDB-backed environment's behavior.
const MaxKeyLength = 511

// DefaultInitialMapSize is the map size a freshly created environment opens
// with, before any resize.
const DefaultInitialMapSize = 64 << 20 // 64MiB

// ErrCapacityExhausted is returned when a write transaction cannot commit
// because the environment's map is full. The caller must abort, resize, and
// reschedule; the environment itself is left intact.
var ErrCapacityExhausted = fmt.Errorf("storage environment: capacity exhausted")

// Env wraps a bbolt database as the Storage Environment described in the
// component design: ordered buckets, one writer, many readers, explicit
// resize on capacity exhaustion.
type Env struct {
	mu      sync.RWMutex
	path    string
	db      *bbolt.DB
	lock    *flock.Flock
	mapSize int
	logger  *slog.Logger
}

// OpenEnv opens (creating if absent) a Storage Environment at path with the
// given initial map size. An exclusive process lock guards the data
// directory the way the teacher's workspace lock guards a session directory.
func OpenEnv(path string, mapSize int, logger *slog.Logger) (*Env, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if mapSize <= 0 {
		mapSize = DefaultInitialMapSize
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create environment directory: %w", err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock environment: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("environment %s is already locked by another process", path)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		InitialMmapSize: mapSize,
	})
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("open environment: %w", err)
	}

	env := &Env{
		path:    path,
		db:      db,
		lock:    lock,
		mapSize: mapSize,
		logger:  logger,
	}
	logger.Debug("storage environment opened", slog.String("path", path), slog.Int("map_size", mapSize))
	return env, nil
}

// ReadSnapshot is a stable, read-only view of the environment. It never
// blocks writers.
type ReadSnapshot struct {
	tx *bbolt.Tx
}

// WriteTxn is a read-write transaction. It blocks other writers on the same
// environment; Commit is all-or-nothing.
type WriteTxn struct {
	tx *bbolt.Tx
}

// BeginRead opens a read snapshot.
func (e *Env) BeginRead() (*ReadSnapshot, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	tx, err := e.db.Begin(false)
	if err != nil {
		return nil, fmt.Errorf("begin read snapshot: %w", err)
	}
	return &ReadSnapshot{tx: tx}, nil
}

// Rollback releases the snapshot's resources.
func (s *ReadSnapshot) Rollback() error {
	return s.tx.Rollback()
}

// Bucket returns a named bucket for reading, or nil if it doesn't exist.
func (s *ReadSnapshot) Bucket(name string) *bbolt.Bucket {
	return s.tx.Bucket([]byte(name))
}

// BeginWrite opens a write transaction. It blocks other writers on the same
// environment.
func (e *Env) BeginWrite() (*WriteTxn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, err := e.db.Begin(true)
	if err != nil {
		return nil, fmt.Errorf("begin write transaction: %w", err)
	}
	return &WriteTxn{tx: tx}, nil
}

// Bucket returns a named bucket for writing, creating it if absent.
func (w *WriteTxn) Bucket(name string) (*bbolt.Bucket, error) {
	return w.tx.CreateBucketIfNotExists([]byte(name))
}

// Put writes key/value, silently skipping keys over MaxKeyLength per the
// environment's oversized-key contract.
func (w *WriteTxn) Put(bucket *bbolt.Bucket, key, value []byte) error {
	if len(key) > MaxKeyLength {
		return nil
	}
	if err := bucket.Put(key, value); err != nil {
		if err == bbolt.ErrDatabaseNotOpen || isCapacityError(err) {
			return ErrCapacityExhausted
		}
		return err
	}
	return nil
}

// Delete removes key from bucket, a no-op if it is absent.
func (w *WriteTxn) Delete(bucket *bbolt.Bucket, key []byte) error {
	if err := bucket.Delete(key); err != nil {
		if isCapacityError(err) {
			return ErrCapacityExhausted
		}
		return err
	}
	return nil
}

// Commit commits the transaction. A capacity-exhausted commit leaves the
// environment intact and surfaces ErrCapacityExhausted so the caller can
// abort, resize, and reschedule.
func (w *WriteTxn) Commit() error {
	if err := w.tx.Commit(); err != nil {
		if isCapacityError(err) {
			return ErrCapacityExhausted
		}
		return err
	}
	return nil
}

// Rollback aborts the transaction, leaving the environment unchanged.
func (w *WriteTxn) Rollback() error {
	return w.tx.Rollback()
}

func isCapacityError(err error) bool {
	return err == bbolt.ErrDatabaseNotOpen || err != nil && err.Error() == "database is out of space"
}

// MapSize reports the environment's current configured map size.
func (e *Env) MapSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mapSize
}

// Resize closes and reopens the environment with double the current map
// size, matching the Index Catalog's resize-on-full contract (§4.2).
func (e *Env) Resize() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newSize := e.mapSize * 2
	if err := e.db.Close(); err != nil {
		return fmt.Errorf("close environment for resize: %w", err)
	}

	db, err := bbolt.Open(e.path, 0o600, &bbolt.Options{
		InitialMmapSize: newSize,
	})
	if err != nil {
		return fmt.Errorf("reopen environment after resize: %w", err)
	}
	e.db = db
	e.mapSize = newSize
	e.logger.Info("storage environment resized", slog.String("path", e.path), slog.Int("new_map_size", newSize))
	return nil
}

// Path returns the environment's backing file path.
func (e *Env) Path() string {
	return e.path
}

// Close closes the environment and releases the process lock.
func (e *Env) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.db.Close()
	if unlockErr := e.lock.Unlock(); unlockErr != nil && err == nil {
		err = unlockErr
	}
	return err
}
