// Package scheduler implements the Batch Scheduler (§4.4): a single
// run-loop that selects the next batch of enqueued tasks, executes it on a
// dedicated goroutine, and commits the outcome in one write transaction.
package scheduler

import (
	"sort"

	"github.com/amanmcp/gokko/internal/task"
)

// Kind discriminates the batch categories selection never mixes within one
// batch (§4.4.1).
type Kind string

const (
	KindTaskCancelation Kind = "taskCancelation"
	KindTaskDeletion    Kind = "taskDeletion"
	KindSnapshot        Kind = "snapshot"
	KindDumpExport      Kind = "dumpExport"
	KindUpgrade         Kind = "upgrade"
	KindIndexOperation  Kind = "indexOperation"
)

// Batch is the unit of work one tick executes: a set of tasks of a single,
// compatible kind, scoped to at most one index.
type Batch struct {
	ID       uint64
	Kind     Kind
	IndexUID string // empty for cancellation/deletion/snapshot/dump/upgrade
	Tasks    []*task.Task
}

// IDs returns the batch's task ids in enqueued order.
func (b *Batch) IDs() []task.ID {
	ids := make([]task.ID, len(b.Tasks))
	for i, t := range b.Tasks {
		ids[i] = t.UID
	}
	return ids
}

// SelectionOptions bounds how far a per-index batch may grow.
type SelectionOptions struct {
	MaxBatchedTasks       int
	BatchedTasksSizeLimit uint64
}

// taskSizer reports the byte size a task's content-file contributes toward
// BatchedTasksSizeLimit. nil disables the size cap.
type taskSizer interface {
	SizeOf(t *task.Task) uint64
}

// selectNextBatch implements §4.4.1: among enqueued tasks, pick the
// highest-priority category present, never mixing categories in one batch.
// Returns nil, nil when nothing is enqueued.
func selectNextBatch(q *task.Queue, opts SelectionOptions, sizer taskSizer) (*Batch, error) {
	enqueued := q.Query(task.Filter{Statuses: []task.Status{task.StatusEnqueued}})
	if enqueued.IsEmpty() {
		return nil, nil
	}

	tasks, err := loadOrdered(q, enqueued)
	if err != nil {
		return nil, err
	}

	// 1. Task cancellation, 2. Task deletion, 3. Snapshot, 4. Dump, 5. Upgrade:
	// each is a singleton/homogeneous batch taken whole, in priority order.
	for _, kind := range []struct {
		taskKind task.Kind
		batch    Kind
		grouped  bool // true: batch every consecutive task of this kind; false: first task only
	}{
		{task.KindTaskCancelation, KindTaskCancelation, true},
		{task.KindTaskDeletion, KindTaskDeletion, true},
		{task.KindSnapshot, KindSnapshot, true},
		{task.KindDumpExport, KindDumpExport, false},
		{task.KindUpgrade, KindUpgrade, false},
	} {
		var matched []*task.Task
		for _, t := range tasks {
			if t.Kind() != kind.taskKind {
				continue
			}
			matched = append(matched, t)
			if !kind.grouped {
				break
			}
		}
		if len(matched) > 0 {
			return &Batch{Kind: kind.batch, Tasks: matched}, nil
		}
	}

	// 6. Per-index operations: oldest enqueued task picks the index; extend
	// greedily with compatible subsequent tasks for that index.
	return selectIndexBatch(tasks, opts, sizer)
}

// loadOrdered resolves a bitmap of task ids into task rows ordered by
// (enqueued-at, id) ascending, the tie-break §4.4.1 specifies.
func loadOrdered(q *task.Queue, ids interface{ ToArray() []uint32 }) ([]*task.Task, error) {
	arr := ids.ToArray()
	tasks := make([]*task.Task, 0, len(arr))
	for _, id := range arr {
		t, err := q.Get(task.ID(id))
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].EnqueuedAt.Equal(tasks[j].EnqueuedAt) {
			return tasks[i].EnqueuedAt.Before(tasks[j].EnqueuedAt)
		}
		return tasks[i].UID < tasks[j].UID
	})
	return tasks, nil
}

// selectIndexBatch picks the index with the oldest enqueued task and
// greedily extends the batch with compatible subsequent tasks for that
// index, subject to the numeric and byte-size caps.
func selectIndexBatch(tasks []*task.Task, opts SelectionOptions, sizer taskSizer) (*Batch, error) {
	var targetIndex string
	for _, t := range tasks {
		idxs := t.Content.IndexesOf()
		if len(idxs) == 0 {
			continue
		}
		targetIndex = idxs[0]
		break
	}
	if targetIndex == "" {
		return nil, nil
	}

	var selected []*task.Task
	var totalSize uint64
	var firstMethod task.IndexDocumentsMethod
	var methodSeen bool

	for _, t := range tasks {
		idxs := t.Content.IndexesOf()
		targets := false
		for _, idx := range idxs {
			if idx == targetIndex {
				targets = true
				break
			}
		}
		if !targets {
			continue
		}

		// A pending index deletion absorbs and terminates everything earlier
		// for this index, and is executed alone.
		if t.Content.Kind == task.KindIndexDeletion {
			if len(selected) == 0 {
				return &Batch{Kind: KindIndexOperation, IndexUID: targetIndex, Tasks: []*task.Task{t}}, nil
			}
			break
		}

		if len(selected) > 0 && !compatible(selected[len(selected)-1], t, &firstMethod, &methodSeen) {
			break
		}

		size := uint64(0)
		if sizer != nil {
			size = sizer.SizeOf(t)
		}
		if opts.MaxBatchedTasks > 0 && len(selected) >= opts.MaxBatchedTasks {
			break
		}
		if opts.BatchedTasksSizeLimit > 0 && len(selected) > 0 && totalSize+size > opts.BatchedTasksSizeLimit {
			break
		}

		selected = append(selected, t)
		totalSize += size
		if t.Content.Kind == task.KindDocumentImport && !methodSeen {
			firstMethod = t.Content.Method
			methodSeen = true
		}
	}

	if len(selected) == 0 {
		return nil, nil
	}
	return &Batch{Kind: KindIndexOperation, IndexUID: targetIndex, Tasks: selected}, nil
}

// compatible applies the within-index chaining rules (§4.4.1): document
// operations of the same replace/update method chain; settings updates
// chain and may lead a documents batch; index creation may lead a documents
// or settings batch.
func compatible(prev, next *task.Task, firstMethod *task.IndexDocumentsMethod, methodSeen *bool) bool {
	switch prev.Content.Kind {
	case task.KindIndexCreation:
		return next.Content.Kind == task.KindDocumentImport || next.Content.Kind == task.KindSettings
	case task.KindSettings:
		switch next.Content.Kind {
		case task.KindSettings:
			return true
		case task.KindDocumentImport:
			return true
		default:
			return false
		}
	case task.KindDocumentImport, task.KindDocumentDeletion, task.KindDocumentClear:
		switch next.Content.Kind {
		case task.KindDocumentDeletion, task.KindDocumentClear:
			return true
		case task.KindDocumentImport:
			if *methodSeen && next.Content.Method != *firstMethod {
				return false // primary-key conflict: replace vs update splits the batch
			}
			return true
		default:
			return false
		}
	default:
		return false
	}
}
