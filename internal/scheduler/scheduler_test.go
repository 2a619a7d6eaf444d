package scheduler

import (
	"context"
	"path/filepath"
	"testing"

	gokkoerrors "github.com/amanmcp/gokko/internal/errors"
	"github.com/amanmcp/gokko/internal/store"
	"github.com/amanmcp/gokko/internal/task"
)

type fakeExecutor struct {
	err       error
	outcomes  []TaskOutcome
	callCount int
}

func (f *fakeExecutor) Execute(ctx context.Context, batch *Batch) ([]TaskOutcome, *Congestion, error) {
	f.callCount++
	if f.err != nil {
		return nil, nil, f.err
	}
	if f.outcomes != nil {
		return f.outcomes, nil, nil
	}
	outcomes := make([]TaskOutcome, len(batch.Tasks))
	for i, t := range batch.Tasks {
		outcomes[i] = TaskOutcome{TaskID: t.UID, Status: task.StatusSucceeded}
	}
	return outcomes, nil, nil
}

func openTestCatalog(t *testing.T) (*store.Env, *store.Catalog) {
	t.Helper()
	root, err := store.OpenEnv(filepath.Join(t.TempDir(), "root.db"), 0, nil)
	if err != nil {
		t.Fatalf("OpenEnv: %v", err)
	}
	t.Cleanup(func() { _ = root.Close() })
	cat, err := store.NewCatalog(root, t.TempDir(), 20, 0, nil)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return root, cat
}

func TestTick_WaitsForSignalWhenNothingEnqueued(t *testing.T) {
	q := openTestQueue(t)
	root, cat := openTestCatalog(t)
	s := New(q, cat, root, &fakeExecutor{}, Options{}, nil)

	outcome, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if outcome.Kind != WaitForSignal {
		t.Fatalf("expected WaitForSignal, got %v", outcome.Kind)
	}
}

func TestTick_SuccessfulBatchMarksTasksSucceeded(t *testing.T) {
	q := openTestQueue(t)
	root, cat := openTestCatalog(t)
	register(t, q, task.Content{Kind: task.KindDocumentImport, IndexUID: "books"})

	s := New(q, cat, root, &fakeExecutor{}, Options{}, nil)
	outcome, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if outcome.Kind != TickAgain || outcome.Processed != 1 {
		t.Fatalf("expected TickAgain(1), got %+v", outcome)
	}

	got, err := q.Get(task.ID(0))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusSucceeded {
		t.Fatalf("expected task succeeded, got %v", got.Status)
	}
}

func TestTick_AbortedIndexationLeavesTasksProcessing(t *testing.T) {
	q := openTestQueue(t)
	root, cat := openTestCatalog(t)
	register(t, q, task.Content{Kind: task.KindDocumentImport, IndexUID: "books"})

	execErr := gokkoerrors.CooperativeError(gokkoerrors.ErrCodeAbortedIndexation, "stopped")
	s := New(q, cat, root, &fakeExecutor{err: execErr}, Options{}, nil)
	outcome, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if outcome.Kind != TickAgain || outcome.Processed != 0 {
		t.Fatalf("expected TickAgain(0) on abort, got %+v", outcome)
	}

	got, err := q.Get(task.ID(0))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusProcessing {
		t.Fatalf("expected task left processing after an abort, got %v", got.Status)
	}
}

func TestTick_MapFullResizesIndexAndRetries(t *testing.T) {
	q := openTestQueue(t)
	root, cat := openTestCatalog(t)
	if _, err := cat.Create("books"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	register(t, q, task.Content{Kind: task.KindDocumentImport, IndexUID: "books"})

	execErr := gokkoerrors.ResourceError(gokkoerrors.ErrCodeMapFull, "map full", nil)
	s := New(q, cat, root, &fakeExecutor{err: execErr}, Options{}, nil)
	outcome, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if outcome.Kind != TickAgain || outcome.Processed != 0 {
		t.Fatalf("expected TickAgain(0) on map-full, got %+v", outcome)
	}
}

func TestTick_UpgradeFailureStopsForever(t *testing.T) {
	q := openTestQueue(t)
	root, cat := openTestCatalog(t)
	register(t, q, task.Content{Kind: task.KindUpgrade})

	s := New(q, cat, root, &fakeExecutor{err: gokkoerrors.InternalError("boom", nil)}, Options{}, nil)
	outcome, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if outcome.Kind != StopForever {
		t.Fatalf("expected StopForever after a failed upgrade task, got %v", outcome.Kind)
	}

	got, err := q.Get(task.ID(0))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusFailed {
		t.Fatalf("expected upgrade task marked failed, got %v", got.Status)
	}
}

func TestTick_PanicInExecutorBecomesBatchPanickedError(t *testing.T) {
	q := openTestQueue(t)
	root, cat := openTestCatalog(t)
	register(t, q, task.Content{Kind: task.KindDocumentImport, IndexUID: "books"})

	s := New(q, cat, root, panicExecutor{}, Options{}, nil)
	outcome, err := s.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if outcome.Kind != TickAgain {
		t.Fatalf("expected the batch to finish (failed, not crash the tick), got %+v", outcome)
	}

	got, err := q.Get(task.ID(0))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusFailed {
		t.Fatalf("expected task failed after executor panic, got %v", got.Status)
	}
	if gokkoerrors.GetCode(got.Error) != gokkoerrors.ErrCodeBatchPanicked {
		t.Fatalf("expected ErrCodeBatchPanicked, got %v", got.Error)
	}
}

type panicExecutor struct{}

func (panicExecutor) Execute(ctx context.Context, batch *Batch) ([]TaskOutcome, *Congestion, error) {
	panic("simulated pipeline panic")
}
