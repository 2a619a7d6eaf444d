// Package task implements the Task Queue (§4.3): an ordered store of task
// rows keyed by task-id, with secondary indexes for filtering and a side
// store for bulky update-file payloads.
package task

import (
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"
)

// ID identifies a task. Allocation starts at 0 on an empty queue and is
// otherwise next = max-existing + 1, or the caller's explicit id when it is
// strictly greater.
type ID uint32

// Status is a task's lifecycle state.
type Status string

const (
	StatusEnqueued   Status = "enqueued"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Kind enumerates the task variants the scheduler knows how to batch,
// mirroring the original's KindWithContent/Kind split: Kind is the bare tag
// used for indexing and batch-compatibility checks, KindWithContent (here
// just "Content") carries the operation's payload.
type Kind string

const (
	KindDocumentImport   Kind = "documentImport"
	KindDocumentDeletion Kind = "documentDeletion"
	KindDocumentClear    Kind = "documentClear"
	KindSettings         Kind = "settings"
	KindIndexCreation    Kind = "indexCreation"
	KindIndexDeletion    Kind = "indexDeletion"
	KindIndexUpdate      Kind = "indexUpdate"
	KindIndexSwap        Kind = "indexSwap"
	KindTaskCancelation  Kind = "taskCancelation"
	KindTaskDeletion     Kind = "taskDeletion"
	KindDumpExport       Kind = "dumpExport"
	KindSnapshot         Kind = "snapshot"
	KindUpgrade          Kind = "upgrade"
)

// IndexDocumentsMethod controls whether a document import replaces or
// merges existing documents with the same primary key.
type IndexDocumentsMethod string

const (
	MethodReplace IndexDocumentsMethod = "replace"
	MethodUpdate  IndexDocumentsMethod = "update"
)

// Content carries the kind-specific payload of a task, the Go analogue of
// the original's KindWithContent enum. Exactly one field group is
// meaningful, selected by Kind.
type Content struct {
	Kind Kind

	// DocumentImport
	IndexUID           string
	PrimaryKey         *string
	Method             IndexDocumentsMethod
	ContentFile        uuid.UUID
	DocumentsCount     uint64
	AllowIndexCreation bool

	// DocumentDeletion
	DocumentIDs []string

	// Settings
	NewSettings map[string]any
	IsDeletion  bool

	// IndexSwap
	LHS string
	RHS string

	// TaskCancelation / TaskDeletion
	Query string
	Tasks *roaring.Bitmap

	// DumpExport
	DumpUID string
}

// IndexesOf returns the index name(s) this task's content targets, or nil for
// kinds with no single-index scope (cancellation, deletion, dump, snapshot).
func (c Content) IndexesOf() []string {
	switch c.Kind {
	case KindDocumentImport, KindDocumentDeletion, KindDocumentClear,
		KindSettings, KindIndexCreation, KindIndexUpdate, KindIndexDeletion:
		return []string{c.IndexUID}
	case KindIndexSwap:
		return []string{c.LHS, c.RHS}
	default:
		return nil
	}
}

// Details is the kind-specific progress/result summary attached to a task,
// the Go analogue of the original's Details enum.
type Details struct {
	ReceivedDocuments   *uint64
	IndexedDocuments    *uint64
	ReceivedDocumentIDs *int
	DeletedDocuments    *uint64
	PrimaryKey          *string
	MatchedTasks        *uint64
	CanceledTasks       *uint64
	DeletedTasks        *uint64
	OriginalQuery       *string
	DumpUID             *string
}

// Task is one row in the Task Queue.
type Task struct {
	UID ID

	EnqueuedAt time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time

	Error      error
	CanceledBy *ID
	Details    *Details

	Status  Status
	Content Content

	// BatchID is set once the task is selected into a batch (§4.4).
	BatchID *uint64

	// DryRun tasks are never persisted; register returns the allocated id
	// but writes nothing.
	DryRun bool
}

// Kind returns the bare tag for this task's content.
func (t *Task) Kind() Kind {
	return t.Content.Kind
}
