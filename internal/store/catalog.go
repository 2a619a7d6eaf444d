package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"

	gokkoerrors "github.com/amanmcp/gokko/internal/errors"
)

// DefaultCatalogCapacity is the default number of open per-index
// environments the catalog keeps cached, per §4.2.
const DefaultCatalogCapacity = 20

// indexStatus mirrors the original's Available/BeingResized/BeingDeleted
// tri-state: a name can be open, waiting on a resize, or waiting on a
// deletion, and the catalog must never hand out or evict a handle in the
// latter two states.
type indexStatus int

const (
	statusAvailable indexStatus = iota
	statusBeingResized
	statusBeingDeleted
)

type indexEntry struct {
	status indexStatus
	env    *Env
	// done is closed when a resize or deletion completes, waking any
	// caller blocked on Open/Resize for the same uuid.
	done chan struct{}
}

// Catalog is the Index Catalog (§4.2): a name→UUID map persisted in the
// root environment, with an in-memory LRU of currently-open index handles.
type Catalog struct {
	mu sync.Mutex

	root     *Env
	basePath string
	logger   *slog.Logger

	mapping map[string]uuid.UUID // name -> uuid, mirrors the root bucket
	entries map[uuid.UUID]*indexEntry
	order   *lru.Cache[uuid.UUID, struct{}] // tracks recency for eviction

	indexMapSize int

	resizeBreakersMu sync.Mutex
	resizeBreakers   map[string]*gokkoerrors.CircuitBreaker
}

const indexMappingBucket = "index-mapping"

// NewCatalog loads the name→UUID mapping from root and prepares an LRU of
// the given capacity (default DefaultCatalogCapacity).
func NewCatalog(root *Env, basePath string, capacity int, indexMapSize int, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if capacity <= 0 {
		capacity = DefaultCatalogCapacity
	}
	if indexMapSize <= 0 {
		indexMapSize = DefaultInitialMapSize
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create catalog base path: %w", err)
	}

	c := &Catalog{
		root:           root,
		basePath:       basePath,
		logger:         logger,
		mapping:        make(map[string]uuid.UUID),
		entries:        make(map[uuid.UUID]*indexEntry),
		indexMapSize:   indexMapSize,
		resizeBreakers: make(map[string]*gokkoerrors.CircuitBreaker),
	}

	cache, err := lru.NewWithEvict(capacity, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create catalog lru: %w", err)
	}
	c.order = cache

	snap, err := root.BeginRead()
	if err != nil {
		return nil, fmt.Errorf("read index mapping: %w", err)
	}
	defer func() { _ = snap.Rollback() }()

	if b := snap.Bucket(indexMappingBucket); b != nil {
		if err := b.ForEach(func(k, v []byte) error {
			id, parseErr := uuid.ParseBytes(v)
			if parseErr != nil {
				return fmt.Errorf("corrupt index mapping entry for %q: %w", k, parseErr)
			}
			c.mapping[string(k)] = id
			return nil
		}); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// onEvict closes the backing environment of an index evicted from the LRU.
// Invoked synchronously while c.mu is held via the lru callback contract, so
// it must not re-enter the catalog.
func (c *Catalog) onEvict(id uuid.UUID, _ struct{}) {
	entry, ok := c.entries[id]
	if !ok || entry.status != statusAvailable {
		return
	}
	if entry.env != nil {
		if err := entry.env.Close(); err != nil {
			c.logger.Warn("failed to close evicted index environment", slog.String("uuid", id.String()), slog.String("error", err.Error()))
		}
	}
	delete(c.entries, id)
	c.logger.Info("closed evicted index environment", slog.String("uuid", id.String()))
}

func (c *Catalog) indexPath(id uuid.UUID) string {
	return filepath.Join(c.basePath, id.String(), "data.bolt")
}

// Exists reports whether name is currently mapped to an index.
func (c *Catalog) Exists(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.mapping[name]
	return ok
}

// Create gets or creates the named index: if the name exists, its handle is
// returned; otherwise a fresh UUID is allocated, its directory created, the
// environment opened, and the mapping persisted.
func (c *Catalog) Create(name string) (*Env, error) {
	c.mu.Lock()
	if id, ok := c.mapping[name]; ok {
		c.mu.Unlock()
		return c.openByUUID(id)
	}
	c.mu.Unlock()

	id := uuid.New()
	indexDir := filepath.Join(c.basePath, id.String())
	if err := os.MkdirAll(indexDir, 0o755); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}

	env, err := OpenEnv(c.indexPath(id), c.indexMapSize, c.logger)
	if err != nil {
		return nil, fmt.Errorf("open new index environment: %w", err)
	}

	wtxn, err := c.root.BeginWrite()
	if err != nil {
		_ = env.Close()
		return nil, fmt.Errorf("begin root write: %w", err)
	}
	bucket, err := wtxn.Bucket(indexMappingBucket)
	if err != nil {
		_ = wtxn.Rollback()
		_ = env.Close()
		return nil, err
	}
	idBytes, _ := id.MarshalText()
	if err := wtxn.Put(bucket, []byte(name), idBytes); err != nil {
		_ = wtxn.Rollback()
		_ = env.Close()
		return nil, err
	}
	if err := wtxn.Commit(); err != nil {
		_ = env.Close()
		return nil, fmt.Errorf("commit index mapping: %w", err)
	}

	c.mu.Lock()
	c.mapping[name] = id
	evicted := c.order.Add(id, struct{}{})
	c.entries[id] = &indexEntry{status: statusAvailable, env: env}
	c.mu.Unlock()

	if evicted {
		c.logger.Debug("catalog lru evicted an entry to admit new index", slog.String("new_uuid", id.String()))
	}

	return env, nil
}

// Open returns the cached handle for name, opening it (and possibly
// evicting an LRU victim) if it isn't currently open.
func (c *Catalog) Open(name string) (*Env, error) {
	c.mu.Lock()
	id, ok := c.mapping[name]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("index %q not found", name)
	}
	return c.openByUUID(id)
}

func (c *Catalog) openByUUID(id uuid.UUID) (*Env, error) {
	for {
		c.mu.Lock()
		entry, exists := c.entries[id]
		if exists {
			switch entry.status {
			case statusAvailable:
				c.order.Get(id) // bump recency
				env := entry.env
				c.mu.Unlock()
				return env, nil
			case statusBeingDeleted:
				c.mu.Unlock()
				return nil, fmt.Errorf("index is being deleted")
			case statusBeingResized:
				done := entry.done
				c.mu.Unlock()
				<-done
				continue
			}
		}
		c.mu.Unlock()

		env, err := OpenEnv(c.indexPath(id), c.indexMapSize, c.logger)
		if err != nil {
			return nil, fmt.Errorf("open index environment: %w", err)
		}

		c.mu.Lock()
		if entry, exists := c.entries[id]; exists {
			// Lost the race; close what we just opened and use theirs.
			c.mu.Unlock()
			_ = env.Close()
			if entry.status == statusAvailable {
				return entry.env, nil
			}
			continue
		}
		c.order.Add(id, struct{}{})
		c.entries[id] = &indexEntry{status: statusAvailable, env: env}
		c.mu.Unlock()
		return env, nil
	}
}

// Delete atomically removes the name→UUID entry, then closes the index's
// environment if it is open and removes its directory. Deleting a
// non-existent index is not an error.
func (c *Catalog) Delete(name string) error {
	c.mu.Lock()
	id, ok := c.mapping[name]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.mapping, name)
	c.mu.Unlock()

	wtxn, err := c.root.BeginWrite()
	if err != nil {
		return fmt.Errorf("begin root write: %w", err)
	}
	bucket, err := wtxn.Bucket(indexMappingBucket)
	if err != nil {
		_ = wtxn.Rollback()
		return err
	}
	_ = bucket.Delete([]byte(name))
	if err := wtxn.Commit(); err != nil {
		return fmt.Errorf("commit index mapping deletion: %w", err)
	}

	c.mu.Lock()
	entry, exists := c.entries[id]
	if !exists {
		c.mu.Unlock()
		return c.removeIndexDir(id)
	}
	entry.status = statusBeingDeleted
	env := entry.env
	c.order.Remove(id)
	c.mu.Unlock()

	if env != nil {
		if err := env.Close(); err != nil {
			c.logger.Warn("failed to close index environment for deletion", slog.String("uuid", id.String()), slog.String("error", err.Error()))
		}
	}

	if err := c.removeIndexDir(id); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
	return nil
}

func (c *Catalog) removeIndexDir(id uuid.UUID) error {
	return os.RemoveAll(filepath.Join(c.basePath, id.String()))
}

// resizeBreaker returns the Catalog's long-lived circuit breaker for a
// named index's resize path, creating one on first use. Resize failures
// often mean the underlying disk or mmap is in trouble, so repeated
// failures for one index trip that index's breaker without affecting
// resize attempts against other indexes.
func (c *Catalog) resizeBreaker(name string) *gokkoerrors.CircuitBreaker {
	c.resizeBreakersMu.Lock()
	defer c.resizeBreakersMu.Unlock()
	cb, ok := c.resizeBreakers[name]
	if !ok {
		cb = gokkoerrors.NewCircuitBreaker("catalog-resize:" + name)
		c.resizeBreakers[name] = cb
	}
	return cb
}

// Resize doubles the map size of the named index's environment. While the
// resize is in flight, other callers opening the same index block on a
// completion signal rather than spin, matching §4.2's failure semantics.
// The underlying env.Resize call is retried with backoff and guarded by a
// per-index circuit breaker so a run of failures fails fast instead of
// retrying against a consistently broken mmap.
func (c *Catalog) Resize(name string) error {
	c.mu.Lock()
	id, ok := c.mapping[name]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("index %q not found", name)
	}
	entry, exists := c.entries[id]
	if !exists || entry.status != statusAvailable {
		c.mu.Unlock()
		return fmt.Errorf("index %q is not available for resize", name)
	}
	entry.status = statusBeingResized
	entry.done = make(chan struct{})
	env := entry.env
	c.mu.Unlock()

	breaker := c.resizeBreaker(name)
	err := breaker.Execute(func() error {
		return gokkoerrors.Retry(context.Background(), gokkoerrors.DefaultRetryConfig(), env.Resize)
	})

	c.mu.Lock()
	close(entry.done)
	if err != nil {
		// Return the handle to an unavailable state and surface the error;
		// a subsequent Open will retry opening from scratch.
		delete(c.entries, id)
		c.order.Remove(id)
		c.mu.Unlock()
		return fmt.Errorf("resize index %q: %w", name, err)
	}
	entry.status = statusAvailable
	c.mu.Unlock()
	return nil
}

// Swap exchanges the UUIDs bound to two names within one root write
// transaction (§4.2 `swap`).
func (c *Catalog) Swap(a, b string) error {
	c.mu.Lock()
	idA, okA := c.mapping[a]
	idB, okB := c.mapping[b]
	c.mu.Unlock()
	if !okA {
		return fmt.Errorf("index %q not found", a)
	}
	if !okB {
		return fmt.Errorf("index %q not found", b)
	}

	wtxn, err := c.root.BeginWrite()
	if err != nil {
		return fmt.Errorf("begin root write: %w", err)
	}
	bucket, err := wtxn.Bucket(indexMappingBucket)
	if err != nil {
		_ = wtxn.Rollback()
		return err
	}
	aBytes, _ := idB.MarshalText()
	bBytes, _ := idA.MarshalText()
	if err := wtxn.Put(bucket, []byte(a), aBytes); err != nil {
		_ = wtxn.Rollback()
		return err
	}
	if err := wtxn.Put(bucket, []byte(b), bBytes); err != nil {
		_ = wtxn.Rollback()
		return err
	}
	if err := wtxn.Commit(); err != nil {
		return fmt.Errorf("commit swap: %w", err)
	}

	c.mu.Lock()
	c.mapping[a], c.mapping[b] = idB, idA
	c.mu.Unlock()
	return nil
}

// Names returns every name currently present in the mapping.
func (c *Catalog) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.mapping))
	for name := range c.mapping {
		names = append(names, name)
	}
	return names
}

// Close closes every currently open index environment.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for id, entry := range c.entries {
		if entry.status == statusAvailable && entry.env != nil {
			if err := entry.env.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(c.entries, id)
	}
	return firstErr
}
