package task_test

import (
	"path/filepath"
	"testing"

	"github.com/amanmcp/gokko/internal/store"
	"github.com/amanmcp/gokko/internal/task"
)

func openTestQueue(t *testing.T) (*store.Env, *task.Queue) {
	t.Helper()
	env, err := store.OpenEnv(filepath.Join(t.TempDir(), "root.db"), 0, nil)
	if err != nil {
		t.Fatalf("OpenEnv: %v", err)
	}
	t.Cleanup(func() { _ = env.Close() })
	q, err := task.Open(env, 0, nil)
	if err != nil {
		t.Fatalf("task.Open: %v", err)
	}
	return env, q
}

func TestQueue_RegisterAllocatesSequentialIDs(t *testing.T) {
	_, q := openTestQueue(t)

	first, err := q.Register(task.Content{Kind: task.KindIndexCreation, IndexUID: "movies"}, nil, false)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	second, err := q.Register(task.Content{Kind: task.KindIndexCreation, IndexUID: "books"}, nil, false)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if first.UID != 0 {
		t.Errorf("expected the first task to get UID 0, got %d", first.UID)
	}
	if second.UID != first.UID+1 {
		t.Errorf("expected sequential ids, got %d then %d", first.UID, second.UID)
	}
	if second.Status != task.StatusEnqueued {
		t.Errorf("expected a freshly registered task to be enqueued, got %s", second.Status)
	}
}

func TestQueue_RegisterExplicitIDMustExceedMax(t *testing.T) {
	_, q := openTestQueue(t)

	if _, err := q.Register(task.Content{Kind: task.KindIndexCreation, IndexUID: "movies"}, nil, false); err != nil {
		t.Fatalf("Register: %v", err)
	}

	low := task.ID(0)
	if _, err := q.Register(task.Content{Kind: task.KindIndexCreation, IndexUID: "books"}, &low, false); err == nil {
		t.Error("expected an explicit id not exceeding the current max to fail")
	}

	high := task.ID(100)
	got, err := q.Register(task.Content{Kind: task.KindIndexCreation, IndexUID: "books"}, &high, false)
	if err != nil {
		t.Fatalf("Register with a valid explicit id: %v", err)
	}
	if got.UID != high {
		t.Errorf("expected UID %d, got %d", high, got.UID)
	}
}

func TestQueue_DryRunRegistersNothing(t *testing.T) {
	env, q := openTestQueue(t)

	dryRun, err := q.Register(task.Content{Kind: task.KindIndexCreation, IndexUID: "movies"}, nil, true)
	if err != nil {
		t.Fatalf("Register (dry run): %v", err)
	}
	if dryRun.UID != 0 {
		t.Errorf("expected a dry-run task to still report the would-be id, got %d", dryRun.UID)
	}

	if _, err := q.Get(dryRun.UID); err == nil {
		t.Error("expected a dry-run task to not actually be registered")
	}

	// A real registration right afterward should reuse the same id, proving
	// the dry run never advanced maxID.
	real, err := q.Register(task.Content{Kind: task.KindIndexCreation, IndexUID: "movies"}, nil, false)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if real.UID != 0 {
		t.Errorf("expected the dry run to not consume an id, got %d", real.UID)
	}

	reopened, err := task.Open(env, 0, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := reopened.Get(real.UID); err != nil {
		t.Errorf("expected the real registration to survive a reopen: %v", err)
	}
}

func TestQueue_UpdatePreservesIDAndKeepsIndexesConsistent(t *testing.T) {
	_, q := openTestQueue(t)

	tk, err := q.Register(task.Content{Kind: task.KindIndexCreation, IndexUID: "movies"}, nil, false)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	tk.Status = task.StatusSucceeded
	if err := q.Update(tk); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := q.Get(tk.UID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusSucceeded {
		t.Errorf("expected updated status to persist, got %s", got.Status)
	}

	matches := q.Query(task.Filter{Statuses: []task.Status{task.StatusSucceeded}})
	if !matches.Contains(uint32(tk.UID)) {
		t.Error("expected the succeeded-status secondary index to pick up the update")
	}
	enqueued := q.Query(task.Filter{Statuses: []task.Status{task.StatusEnqueued}})
	if enqueued.Contains(uint32(tk.UID)) {
		t.Error("expected the task to have been removed from the enqueued secondary index")
	}
}

func TestQueue_UpdateKindMismatchFails(t *testing.T) {
	_, q := openTestQueue(t)

	tk, err := q.Register(task.Content{Kind: task.KindIndexCreation, IndexUID: "movies"}, nil, false)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	tk.Content.Kind = task.KindDocumentClear
	if err := q.Update(tk); err == nil {
		t.Error("expected Update to reject a change in task kind")
	}
}

func TestQueue_QueryFiltersByIndexAndKind(t *testing.T) {
	_, q := openTestQueue(t)

	moviesTask, err := q.Register(task.Content{Kind: task.KindIndexCreation, IndexUID: "movies"}, nil, false)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := q.Register(task.Content{Kind: task.KindIndexCreation, IndexUID: "books"}, nil, false); err != nil {
		t.Fatalf("Register: %v", err)
	}

	matches := q.Query(task.Filter{Indices: []string{"movies"}})
	if matches.GetCardinality() != 1 || !matches.Contains(uint32(moviesTask.UID)) {
		t.Errorf("expected exactly the movies task to match, got %v", matches.ToArray())
	}

	byKind := q.Query(task.Filter{Kinds: []task.Kind{task.KindIndexCreation}})
	if byKind.GetCardinality() != 2 {
		t.Errorf("expected both tasks to match kind filter, got %d", byKind.GetCardinality())
	}
}

func TestQueue_AssociateAndReadUpdateFile(t *testing.T) {
	_, q := openTestQueue(t)

	id, err := q.AssociateUpdateFile([]byte(`{"id":1}`))
	if err != nil {
		t.Fatalf("AssociateUpdateFile: %v", err)
	}

	payload, err := q.ReadUpdateFile(id)
	if err != nil {
		t.Fatalf("ReadUpdateFile: %v", err)
	}
	if string(payload) != `{"id":1}` {
		t.Errorf("expected the stored payload to round-trip, got %q", payload)
	}

	if err := q.DeleteUpdateFile(id); err != nil {
		t.Fatalf("DeleteUpdateFile: %v", err)
	}
	if _, err := q.ReadUpdateFile(id); err == nil {
		t.Error("expected ReadUpdateFile to fail after DeleteUpdateFile")
	}
}

func TestQueue_CleanupSynthesizesTaskDeletionOverThreshold(t *testing.T) {
	env, err := store.OpenEnv(filepath.Join(t.TempDir(), "root.db"), 0, nil)
	if err != nil {
		t.Fatalf("OpenEnv: %v", err)
	}
	t.Cleanup(func() { _ = env.Close() })
	q, err := task.Open(env, 1, nil)
	if err != nil {
		t.Fatalf("task.Open: %v", err)
	}

	for i := 0; i < 2; i++ {
		tk, err := q.Register(task.Content{Kind: task.KindIndexCreation, IndexUID: "movies"}, nil, false)
		if err != nil {
			t.Fatalf("Register: %v", err)
		}
		tk.Status = task.StatusSucceeded
		if err := q.Update(tk); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}

	cleanup, err := q.Cleanup()
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if cleanup == nil {
		t.Fatal("expected Cleanup to synthesize a task-deletion task once the terminal count exceeds the threshold")
	}
	if cleanup.Content.Kind != task.KindTaskDeletion {
		t.Errorf("expected a task-deletion task, got kind %s", cleanup.Content.Kind)
	}
	if cleanup.Content.Tasks.GetCardinality() != 1 {
		t.Errorf("expected exactly 1 surplus task targeted, got %d", cleanup.Content.Tasks.GetCardinality())
	}
}

func TestQueue_CleanupNoopUnderThreshold(t *testing.T) {
	_, q := openTestQueue(t)

	tk, err := q.Register(task.Content{Kind: task.KindIndexCreation, IndexUID: "movies"}, nil, false)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	tk.Status = task.StatusSucceeded
	if err := q.Update(tk); err != nil {
		t.Fatalf("Update: %v", err)
	}

	cleanup, err := q.Cleanup()
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if cleanup != nil {
		t.Error("expected Cleanup to be a no-op when maxTerminalTasks is 0 (disabled)")
	}
}

func TestQueue_DeleteRemovesRowAndSecondaryIndexes(t *testing.T) {
	env, q := openTestQueue(t)

	tk, err := q.Register(task.Content{Kind: task.KindIndexCreation, IndexUID: "movies"}, nil, false)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	tk.Status = task.StatusSucceeded
	if err := q.Update(tk); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if err := q.Delete(tk.UID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := q.Get(tk.UID); err == nil {
		t.Error("expected Get to fail for a deleted task")
	}
	matches := q.Query(task.Filter{Indices: []string{"movies"}})
	if matches.Contains(uint32(tk.UID)) {
		t.Error("expected the deleted task to no longer match its former secondary indexes")
	}

	reopened, err := task.Open(env, 0, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := reopened.Get(tk.UID); err == nil {
		t.Error("expected the deletion to have actually persisted the removed row")
	}
}

func TestQueue_DeleteOfUnknownIDIsNotAnError(t *testing.T) {
	_, q := openTestQueue(t)

	if err := q.Delete(999); err != nil {
		t.Errorf("expected Delete of a never-registered id to be a no-op, got: %v", err)
	}
}

func TestQueue_OpenRebuildsStateFromPersistedRows(t *testing.T) {
	env, q := openTestQueue(t)

	if _, err := q.Register(task.Content{Kind: task.KindIndexCreation, IndexUID: "movies"}, nil, false); err != nil {
		t.Fatalf("Register: %v", err)
	}

	reopened, err := task.Open(env, 0, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.Get(0)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.Content.IndexUID != "movies" {
		t.Errorf("expected the reopened task to carry its original content, got %q", got.Content.IndexUID)
	}
}
