package indexing

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/amanmcp/gokko/internal/scheduler"
	"github.com/amanmcp/gokko/internal/store"
	"github.com/amanmcp/gokko/internal/task"
)

func openTestPipeline(t *testing.T) (*Pipeline, *task.Queue) {
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
	tasksEnv, err := store.OpenEnv(filepath.Join(t.TempDir(), "tasks.db"), 0, nil)
	if err != nil {
		t.Fatalf("OpenEnv: %v", err)
	}
	t.Cleanup(func() { _ = tasksEnv.Close() })
	q, err := task.Open(tasksEnv, 0, nil)
	if err != nil {
		t.Fatalf("task.Open: %v", err)
	}
	return NewPipeline(cat, q, nil), q
}

func registerTask(t *testing.T, q *task.Queue, c task.Content) *task.Task {
	t.Helper()
	tk, err := q.Register(c, nil, false)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return tk
}

func TestPipeline_IndexCreationThenDocumentImport(t *testing.T) {
	p, q := openTestPipeline(t)

	creation := registerTask(t, q, task.Content{Kind: task.KindIndexCreation, IndexUID: "movies"})
	settings := registerTask(t, q, task.Content{
		Kind:     task.KindSettings,
		IndexUID: "movies",
		NewSettings: map[string]any{
			"searchableAttributes": []any{"title"},
			"filterableAttributes": []any{"genre"},
		},
	})

	payload := []byte(`{"id":"1","title":"The Matrix","genre":"scifi"}
{"id":"2","title":"The Matrix Reloaded","genre":"scifi"}
`)
	fileID, err := q.AssociateUpdateFile(payload)
	if err != nil {
		t.Fatalf("AssociateUpdateFile: %v", err)
	}
	docImport := registerTask(t, q, task.Content{
		Kind:        task.KindDocumentImport,
		IndexUID:    "movies",
		Method:      task.MethodReplace,
		ContentFile: fileID,
	})

	batch := &scheduler.Batch{
		Kind:     scheduler.KindIndexOperation,
		IndexUID: "movies",
		Tasks:    []*task.Task{creation, settings, docImport},
	}

	outcomes, _, err := p.Execute(context.Background(), batch)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}
	for _, o := range outcomes {
		if o.Status != task.StatusSucceeded {
			t.Fatalf("task %d did not succeed: %+v", o.TaskID, o)
		}
	}

	importOutcome := outcomes[2]
	if importOutcome.Details == nil || importOutcome.Details.IndexedDocuments == nil || *importOutcome.Details.IndexedDocuments != 2 {
		t.Fatalf("expected 2 indexed documents, got %+v", importOutcome.Details)
	}

	ix, _ := p.indexFor("movies")
	bm := ix.Words.Get([]byte("matrix"))
	if bm == nil || bm.GetCardinality() != 2 {
		t.Fatalf("expected 'matrix' postings for both documents, got %v", bm)
	}
}

func TestPipeline_DocumentDeletionRemovesDoc(t *testing.T) {
	p, q := openTestPipeline(t)

	registerTask(t, q, task.Content{Kind: task.KindIndexCreation, IndexUID: "movies"})
	registerTask(t, q, task.Content{
		Kind:     task.KindSettings,
		IndexUID: "movies",
		NewSettings: map[string]any{
			"searchableAttributes": []any{"title"},
		},
	})
	payload := []byte(`{"id":"1","title":"The Matrix"}` + "\n")
	fileID, err := q.AssociateUpdateFile(payload)
	if err != nil {
		t.Fatalf("AssociateUpdateFile: %v", err)
	}
	registerTask(t, q, task.Content{
		Kind:        task.KindDocumentImport,
		IndexUID:    "movies",
		Method:      task.MethodReplace,
		ContentFile: fileID,
	})

	all, err := q.Get(task.ID(0))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	all2, err := q.Get(task.ID(1))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	all3, err := q.Get(task.ID(2))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	batch := &scheduler.Batch{Kind: scheduler.KindIndexOperation, IndexUID: "movies", Tasks: []*task.Task{all, all2, all3}}
	if _, _, err := p.Execute(context.Background(), batch); err != nil {
		t.Fatalf("Execute (setup): %v", err)
	}

	deletion := registerTask(t, q, task.Content{
		Kind:        task.KindDocumentDeletion,
		IndexUID:    "movies",
		DocumentIDs: []string{"1"},
	})
	delBatch := &scheduler.Batch{Kind: scheduler.KindIndexOperation, IndexUID: "movies", Tasks: []*task.Task{deletion}}
	outcomes, _, err := p.Execute(context.Background(), delBatch)
	if err != nil {
		t.Fatalf("Execute (deletion): %v", err)
	}
	if outcomes[0].Details == nil || outcomes[0].Details.DeletedDocuments == nil || *outcomes[0].Details.DeletedDocuments != 1 {
		t.Fatalf("expected 1 deleted document, got %+v", outcomes[0].Details)
	}

	ix, _ := p.indexFor("movies")
	if bm := ix.Words.Get([]byte("matrix")); bm != nil {
		t.Fatalf("expected 'matrix' postings to be gone after deletion, got %v", bm)
	}
}

func TestPipeline_TaskCancellationMarksTargetsCanceled(t *testing.T) {
	p, q := openTestPipeline(t)
	target := registerTask(t, q, task.Content{Kind: task.KindDocumentImport, IndexUID: "movies"})

	targets := roaring.New()
	targets.Add(uint32(target.UID))
	cancel := registerTask(t, q, task.Content{Kind: task.KindTaskCancelation, Query: "statuses=enqueued", Tasks: targets})

	batch := &scheduler.Batch{Kind: scheduler.KindTaskCancelation, Tasks: []*task.Task{cancel}}
	outcomes, _, err := p.Execute(context.Background(), batch)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if outcomes[0].Details == nil || outcomes[0].Details.CanceledTasks == nil || *outcomes[0].Details.CanceledTasks != 1 {
		t.Fatalf("expected 1 canceled task, got %+v", outcomes[0].Details)
	}

	got, err := q.Get(target.UID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != task.StatusCanceled {
		t.Fatalf("expected target canceled, got %v", got.Status)
	}
}

func TestPipeline_TaskDeletionRemovesTerminalRows(t *testing.T) {
	p, q := openTestPipeline(t)

	target := registerTask(t, q, task.Content{Kind: task.KindIndexCreation, IndexUID: "movies"})
	target.Status = task.StatusSucceeded
	if err := q.Update(target); err != nil {
		t.Fatalf("Update: %v", err)
	}

	targets := roaring.New()
	targets.Add(uint32(target.UID))
	deletion := registerTask(t, q, task.Content{Kind: task.KindTaskDeletion, Query: "statuses=succeeded", Tasks: targets})

	batch := &scheduler.Batch{Kind: scheduler.KindTaskDeletion, Tasks: []*task.Task{deletion}}
	outcomes, _, err := p.Execute(context.Background(), batch)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if outcomes[0].Details == nil || outcomes[0].Details.DeletedTasks == nil || *outcomes[0].Details.DeletedTasks != 1 {
		t.Fatalf("expected 1 deleted task, got %+v", outcomes[0].Details)
	}

	if _, err := q.Get(target.UID); err == nil {
		t.Fatal("expected the deleted task row to no longer be retrievable")
	}
}

func TestPipeline_TaskDeletionSkipsNonTerminalTasks(t *testing.T) {
	p, q := openTestPipeline(t)

	target := registerTask(t, q, task.Content{Kind: task.KindDocumentImport, IndexUID: "movies"})

	targets := roaring.New()
	targets.Add(uint32(target.UID))
	deletion := registerTask(t, q, task.Content{Kind: task.KindTaskDeletion, Query: "statuses=enqueued", Tasks: targets})

	batch := &scheduler.Batch{Kind: scheduler.KindTaskDeletion, Tasks: []*task.Task{deletion}}
	outcomes, _, err := p.Execute(context.Background(), batch)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if *outcomes[0].Details.DeletedTasks != 0 {
		t.Fatalf("expected 0 deleted tasks for a still-enqueued target, got %d", *outcomes[0].Details.DeletedTasks)
	}
	if _, err := q.Get(target.UID); err != nil {
		t.Fatal("expected the non-terminal target task to survive the deletion attempt")
	}
}
