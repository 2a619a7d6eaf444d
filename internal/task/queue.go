package task

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"

	"github.com/amanmcp/gokko/internal/store"
)

const (
	tasksBucket      = "tasks"
	updateFilesBucket = "update-files"
)

// ErrNoSpaceLeft is returned by Register and Cleanup once the environment
// has reported out-of-space, until a task-deletion task empirically
// reclaims room.
var ErrNoSpaceLeft = fmt.Errorf("task queue: no space left, awaiting reclaiming task-deletion")

// Filter selects a subset of tasks for Query, intersecting every non-empty
// field via secondary-index bitmaps.
type Filter struct {
	Statuses       []Status
	Kinds          []Kind
	Indices        []string
	BatchIDs       []uint64
	IDRange        *IDRange
	EnqueuedAfter  *time.Time
	EnqueuedBefore *time.Time
	ProcessingOnly bool
}

// IDRange restricts a filter to [From, To] inclusive.
type IDRange struct {
	From ID
	To   ID
}

// Queue is the Task Queue (§4.3): task rows persisted in a Storage
// Environment bucket, with in-memory secondary indexes rebuilt from the
// bucket at Open and kept incrementally consistent on every write.
type Queue struct {
	mu     sync.Mutex
	env    *store.Env
	logger *slog.Logger

	maxID   ID
	tasks   map[ID]*Task
	byStatus map[Status]*roaring.Bitmap
	byKind   map[Kind]*roaring.Bitmap
	byIndex  map[string]*roaring.Bitmap
	byBatch  map[uint64]*roaring.Bitmap
	processing *roaring.Bitmap

	maxTerminalTasks int
	noSpaceLeft      bool

	onRegister func(*Task)
}

// Open loads the queue's rows from env and rebuilds its secondary indexes.
// maxTerminalTasks is the trim threshold used by Cleanup (0 disables
// trimming).
func Open(env *store.Env, maxTerminalTasks int, logger *slog.Logger) (*Queue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		env:              env,
		logger:           logger,
		tasks:            make(map[ID]*Task),
		byStatus:         make(map[Status]*roaring.Bitmap),
		byKind:           make(map[Kind]*roaring.Bitmap),
		byIndex:          make(map[string]*roaring.Bitmap),
		byBatch:          make(map[uint64]*roaring.Bitmap),
		processing:       roaring.New(),
		maxTerminalTasks: maxTerminalTasks,
	}

	snap, err := env.BeginRead()
	if err != nil {
		return nil, fmt.Errorf("open task queue: %w", err)
	}
	defer func() { _ = snap.Rollback() }()

	if b := snap.Bucket(tasksBucket); b != nil {
		if err := b.ForEach(func(k, v []byte) error {
			var t Task
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&t); err != nil {
				return fmt.Errorf("decode task row: %w", err)
			}
			q.indexTask(&t)
			if t.UID > q.maxID {
				q.maxID = t.UID
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}

	return q, nil
}

// SetOnRegister installs a callback invoked after a non-dry-run Register
// commits, used by the scheduler to wake its run-loop on new work.
func (q *Queue) SetOnRegister(fn func(*Task)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onRegister = fn
}

func (q *Queue) indexTask(t *Task) {
	q.tasks[t.UID] = t
	addTo(q.byStatus, t.Status, t.UID)
	addTo(q.byKind, t.Kind(), t.UID)
	for _, idx := range t.Content.IndexesOf() {
		if idx == "" {
			continue
		}
		addTo(q.byIndex, idx, t.UID)
	}
	if t.BatchID != nil {
		addTo(q.byBatch, *t.BatchID, t.UID)
	}
	if t.Status == StatusProcessing {
		q.processing.Add(uint32(t.UID))
	}
}

func (q *Queue) unindexTask(t *Task) {
	removeFrom(q.byStatus, t.Status, t.UID)
	removeFrom(q.byKind, t.Kind(), t.UID)
	for _, idx := range t.Content.IndexesOf() {
		if idx == "" {
			continue
		}
		removeFrom(q.byIndex, idx, t.UID)
	}
	if t.BatchID != nil {
		removeFrom(q.byBatch, *t.BatchID, t.UID)
	}
	q.processing.Remove(uint32(t.UID))
}

func addTo[K comparable](m map[K]*roaring.Bitmap, key K, id ID) {
	b, ok := m[key]
	if !ok {
		b = roaring.New()
		m[key] = b
	}
	b.Add(uint32(id))
}

func removeFrom[K comparable](m map[K]*roaring.Bitmap, key K, id ID) {
	if b, ok := m[key]; ok {
		b.Remove(uint32(id))
	}
}

// Register allocates a task id (0 on a queue that has never held a task,
// otherwise next = max-existing+1, or explicitID if it is strictly greater
// than the current max), persists the row, and updates
// secondary indexes in one transaction. When dryRun is set nothing is
// persisted and the would-be id is returned.
func (q *Queue) Register(content Content, explicitID *ID, dryRun bool) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.noSpaceLeft && !dryRun {
		return nil, ErrNoSpaceLeft
	}

	nextID := q.maxID + 1
	if q.maxID == 0 && len(q.tasks) == 0 {
		nextID = 0
	}
	if explicitID != nil {
		if *explicitID <= q.maxID {
			return nil, fmt.Errorf("explicit task id %d must be strictly greater than current max %d", *explicitID, q.maxID)
		}
		nextID = *explicitID
	}

	now := time.Now()
	t := &Task{
		UID:        nextID,
		EnqueuedAt: now,
		Status:     StatusEnqueued,
		Content:    content,
		DryRun:     dryRun,
	}
	t.Details = defaultDetails(content)

	if dryRun {
		return t, nil
	}

	if err := q.persist(t); err != nil {
		if err == store.ErrCapacityExhausted {
			q.noSpaceLeft = true
		}
		return nil, err
	}

	q.maxID = nextID
	q.indexTask(t)

	if q.onRegister != nil {
		q.onRegister(t)
	}

	return t, nil
}

func defaultDetails(c Content) *Details {
	switch c.Kind {
	case KindDocumentImport:
		n := c.DocumentsCount
		return &Details{ReceivedDocuments: &n}
	case KindDocumentDeletion:
		n := len(c.DocumentIDs)
		return &Details{ReceivedDocumentIDs: &n}
	case KindIndexCreation, KindIndexUpdate:
		return &Details{PrimaryKey: c.PrimaryKey}
	case KindTaskCancelation, KindTaskDeletion:
		var matched uint64
		if c.Tasks != nil {
			matched = c.Tasks.GetCardinality()
		}
		q := c.Query
		return &Details{MatchedTasks: &matched, OriginalQuery: &q}
	case KindDumpExport:
		d := c.DumpUID
		return &Details{DumpUID: &d}
	default:
		return nil
	}
}

func (q *Queue) persist(t *Task) error {
	wtxn, err := q.env.BeginWrite()
	if err != nil {
		return err
	}
	bucket, err := wtxn.Bucket(tasksBucket)
	if err != nil {
		_ = wtxn.Rollback()
		return err
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(t); err != nil {
		_ = wtxn.Rollback()
		return fmt.Errorf("encode task row: %w", err)
	}

	key := encodeTaskKey(t.UID)
	if err := wtxn.Put(bucket, key, buf.Bytes()); err != nil {
		_ = wtxn.Rollback()
		return err
	}
	if err := wtxn.Commit(); err != nil {
		return err
	}
	return nil
}

func encodeTaskKey(id ID) []byte {
	return []byte(fmt.Sprintf("%020d", id))
}

// AssociateUpdateFile stores a bulky payload keyed by a fresh UUID in the
// side update-files store, returning its identifier for use as a task's
// ContentFile.
func (q *Queue) AssociateUpdateFile(payload []byte) (uuid.UUID, error) {
	id := uuid.New()
	wtxn, err := q.env.BeginWrite()
	if err != nil {
		return uuid.Nil, err
	}
	bucket, err := wtxn.Bucket(updateFilesBucket)
	if err != nil {
		_ = wtxn.Rollback()
		return uuid.Nil, err
	}
	idBytes, _ := id.MarshalText()
	if err := wtxn.Put(bucket, idBytes, payload); err != nil {
		_ = wtxn.Rollback()
		return uuid.Nil, err
	}
	if err := wtxn.Commit(); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// ReadUpdateFile returns the payload previously stored by
// AssociateUpdateFile, for the pipeline's P1 ingest step to parse.
func (q *Queue) ReadUpdateFile(id uuid.UUID) ([]byte, error) {
	rtxn, err := q.env.BeginRead()
	if err != nil {
		return nil, err
	}
	defer rtxn.Rollback()

	bucket := rtxn.Bucket(updateFilesBucket)
	if bucket == nil {
		return nil, fmt.Errorf("update file %s not found", id)
	}
	idBytes, _ := id.MarshalText()
	raw := bucket.Get(idBytes)
	if raw == nil {
		return nil, fmt.Errorf("update file %s not found", id)
	}
	payload := make([]byte, len(raw))
	copy(payload, raw)
	return payload, nil
}

// DeleteUpdateFile removes a payload previously stored by
// AssociateUpdateFile, once every task referencing it is terminal
// (§4.4 step 6).
func (q *Queue) DeleteUpdateFile(id uuid.UUID) error {
	wtxn, err := q.env.BeginWrite()
	if err != nil {
		return err
	}
	bucket, err := wtxn.Bucket(updateFilesBucket)
	if err != nil {
		_ = wtxn.Rollback()
		return err
	}
	idBytes, _ := id.MarshalText()
	if err := wtxn.Delete(bucket, idBytes); err != nil {
		_ = wtxn.Rollback()
		return err
	}
	return wtxn.Commit()
}

// Delete permanently removes a task row and its secondary-index entries
// (§4.3 capacity policy: terminal tasks are reclaimed once a task-deletion
// task runs). Deleting an id that was never registered is a no-op.
func (q *Queue) Delete(id ID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return nil
	}

	wtxn, err := q.env.BeginWrite()
	if err != nil {
		return err
	}
	bucket, err := wtxn.Bucket(tasksBucket)
	if err != nil {
		_ = wtxn.Rollback()
		return err
	}
	if err := wtxn.Delete(bucket, encodeTaskKey(id)); err != nil {
		_ = wtxn.Rollback()
		return err
	}
	if err := wtxn.Commit(); err != nil {
		return err
	}

	q.unindexTask(t)
	delete(q.tasks, id)
	return nil
}

// Get returns the task with the given id.
func (q *Queue) Get(id ID) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %d not found", id)
	}
	return t, nil
}

// Update persists changes to an existing task, preserving its id and kind,
// and keeps secondary indexes consistent.
func (q *Queue) Update(t *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	existing, ok := q.tasks[t.UID]
	if !ok {
		return fmt.Errorf("task %d not found", t.UID)
	}
	if existing.Kind() != t.Kind() {
		return fmt.Errorf("update must preserve task kind: got %s, had %s", t.Kind(), existing.Kind())
	}

	if err := q.persist(t); err != nil {
		if err == store.ErrCapacityExhausted {
			q.noSpaceLeft = true
		}
		return err
	}

	q.unindexTask(existing)
	q.indexTask(t)
	return nil
}

// Query resolves filter into a bitmap of matching task ids via secondary
// index intersection.
func (q *Queue) Query(filter Filter) *roaring.Bitmap {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := allTaskIDs(q.tasks)

	if len(filter.Statuses) > 0 {
		result = roaring.And(result, unionOf(q.byStatus, filter.Statuses))
	}
	if len(filter.Kinds) > 0 {
		result = roaring.And(result, unionOf(q.byKind, filter.Kinds))
	}
	if len(filter.Indices) > 0 {
		result = roaring.And(result, unionOf(q.byIndex, filter.Indices))
	}
	if len(filter.BatchIDs) > 0 {
		result = roaring.And(result, unionOf(q.byBatch, filter.BatchIDs))
	}
	if filter.ProcessingOnly {
		result = roaring.And(result, q.processing)
	}
	if filter.IDRange != nil {
		rangeBitmap := roaring.New()
		rangeBitmap.AddRange(uint64(filter.IDRange.From), uint64(filter.IDRange.To)+1)
		result = roaring.And(result, rangeBitmap)
	}
	if filter.EnqueuedAfter != nil || filter.EnqueuedBefore != nil {
		result = roaring.And(result, q.enqueuedWithin(filter.EnqueuedAfter, filter.EnqueuedBefore))
	}

	return result
}

func (q *Queue) enqueuedWithin(after, before *time.Time) *roaring.Bitmap {
	out := roaring.New()
	for id, t := range q.tasks {
		if after != nil && t.EnqueuedAt.Before(*after) {
			continue
		}
		if before != nil && t.EnqueuedAt.After(*before) {
			continue
		}
		out.Add(uint32(id))
	}
	return out
}

func allTaskIDs(tasks map[ID]*Task) *roaring.Bitmap {
	b := roaring.New()
	for id := range tasks {
		b.Add(uint32(id))
	}
	return b
}

func unionOf[K comparable](m map[K]*roaring.Bitmap, keys []K) *roaring.Bitmap {
	out := roaring.New()
	for _, k := range keys {
		if b, ok := m[k]; ok {
			out.Or(b)
		}
	}
	return out
}

// Cleanup synthesizes a task-deletion task for the oldest surplus when the
// count of terminal tasks exceeds maxTerminalTasks. Runs opportunistically
// at the start of each scheduler tick (§4.3, §4.4 step 1).
func (q *Queue) Cleanup() (*Task, error) {
	q.mu.Lock()
	terminal := q.terminalBitmapLocked()
	count := int(terminal.GetCardinality())
	if q.maxTerminalTasks <= 0 || count <= q.maxTerminalTasks {
		q.mu.Unlock()
		return nil, nil
	}

	surplus := count - q.maxTerminalTasks
	toDelete := roaring.New()
	it := terminal.Iterator()
	for i := 0; i < surplus && it.HasNext(); i++ {
		toDelete.Add(it.Next())
	}
	q.mu.Unlock()

	if toDelete.GetCardinality() == 0 {
		if q.noSpaceLeft {
			return nil, ErrNoSpaceLeft
		}
		return nil, nil
	}

	content := Content{
		Kind:  KindTaskDeletion,
		Query: "cleanup",
		Tasks: toDelete,
	}
	return q.Register(content, nil, false)
}

func (q *Queue) terminalBitmapLocked() *roaring.Bitmap {
	return unionOf(q.byStatus, []Status{StatusSucceeded, StatusFailed, StatusCanceled})
}

// ClearNoSpace clears the no-space-left guard once a task-deletion task has
// empirically reclaimed room (observed via a successful Update/persist).
func (q *Queue) ClearNoSpace() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.noSpaceLeft = false
}

// NoSpaceLeft reports whether Register is currently rejecting new tasks.
func (q *Queue) NoSpaceLeft() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.noSpaceLeft
}
