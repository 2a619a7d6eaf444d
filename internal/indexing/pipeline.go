package indexing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/amanmcp/gokko/internal/embed"
	gokkoerrors "github.com/amanmcp/gokko/internal/errors"
	"github.com/amanmcp/gokko/internal/scheduler"
	"github.com/amanmcp/gokko/internal/store"
	"github.com/amanmcp/gokko/internal/task"
)

// IndexSettings is an index's current configuration: its primary key, the
// per-field behavior extraction consults, and the embedders its vector
// fields target (§4.2 `settings`).
type IndexSettings struct {
	PrimaryKey string
	Fields     map[string]FieldConfig
	Embedders  map[string]embed.Embedder
}

// Pipeline implements scheduler.Executor: it is the core's single Executor,
// dispatching a batch's tasks by kind and, for index operations, driving the
// full P1-P5 indexing pipeline (§4.5) against that index's in-memory
// structures.
type Pipeline struct {
	mu         sync.Mutex
	catalog    *store.Catalog
	queue      *task.Queue
	indexes    map[string]*Index
	settings   map[string]*IndexSettings
	retryCfg   gokkoerrors.RetryConfig
	logger     *slog.Logger
	breakersMu sync.Mutex
	breakers   map[string]*gokkoerrors.CircuitBreaker
}

// NewPipeline creates a Pipeline bound to the given catalog and task queue.
func NewPipeline(catalog *store.Catalog, queue *task.Queue, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		catalog:  catalog,
		queue:    queue,
		indexes:  make(map[string]*Index),
		settings: make(map[string]*IndexSettings),
		retryCfg: gokkoerrors.DefaultRetryConfig(),
		logger:   logger,
		breakers: make(map[string]*gokkoerrors.CircuitBreaker),
	}
}

// breakerFor returns the Pipeline's long-lived circuit breaker for a named
// embedder, creating one on first use. Embedding calls share a breaker
// across document-import tasks so a string of failures against one
// embedder's backend trips it for subsequent batches too, instead of
// re-running the full retry ladder against a service that's clearly down.
func (p *Pipeline) breakerFor(name string) *gokkoerrors.CircuitBreaker {
	p.breakersMu.Lock()
	defer p.breakersMu.Unlock()
	cb, ok := p.breakers[name]
	if !ok {
		cb = gokkoerrors.NewCircuitBreaker("embedder:" + name)
		p.breakers[name] = cb
	}
	return cb
}

// indexFor returns (creating if absent) the in-memory Index and settings for
// uid. If uid already has committed state in the catalog (the process
// restarted, or the index was evicted from the pipeline's own map but not
// the catalog's), its inverted structures are reloaded from disk rather than
// starting over empty, except vector stores: no embedders are passed to
// LoadIndex, so none is reloaded. Index settings (primary key, field config, embedders)
// are not yet part of that commit handoff and so still reset to defaults
// across a process restart, to be revisited once settings persistence is
// wired up.
func (p *Pipeline) indexFor(uid string) (*Index, *IndexSettings) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ix, ok := p.indexes[uid]
	if !ok {
		if env, err := p.catalog.Open(uid); err == nil {
			if loaded, loadErr := LoadIndex(uid, "id", env, nil); loadErr == nil {
				ix = loaded
			} else {
				p.logger.Warn("failed to load committed index state, starting empty", "index", uid, "error", loadErr.Error())
			}
		}
		if ix == nil {
			ix = NewIndex(uid, "id")
		}
		p.indexes[uid] = ix
	}
	st, ok := p.settings[uid]
	if !ok {
		st = &IndexSettings{PrimaryKey: "id", Fields: make(map[string]FieldConfig), Embedders: make(map[string]embed.Embedder)}
		p.settings[uid] = st
	}
	return ix, st
}

// commitIndex persists ix's inverted structures to its Storage Environment
// (§4.5 P5). Failures are logged rather than propagated as task failures:
// the in-memory merge already succeeded, and retrying the whole batch would
// redo work that isn't actually broken, so a persist failure is treated
// as a durability warning the next successful commit will supersede.
func (p *Pipeline) commitIndex(indexUID string, ix *Index) {
	env, err := p.catalog.Open(indexUID)
	if err != nil {
		p.logger.Warn("commit: index environment unavailable", "index", indexUID, "error", err.Error())
		return
	}
	if err := ix.Commit(env, p.logger); err != nil {
		p.logger.Warn("commit: failed to persist index state", "index", indexUID, "error", err.Error())
	}
}

// Execute runs batch, implementing scheduler.Executor (§4.4/§4.5).
func (p *Pipeline) Execute(ctx context.Context, batch *scheduler.Batch) ([]scheduler.TaskOutcome, *scheduler.Congestion, error) {
	switch batch.Kind {
	case scheduler.KindIndexOperation:
		return p.executeIndexOperations(ctx, batch)
	case scheduler.KindTaskCancelation:
		return p.executeCancellation(batch)
	case scheduler.KindTaskDeletion:
		return p.executeTaskDeletion(batch)
	case scheduler.KindSnapshot, scheduler.KindDumpExport, scheduler.KindUpgrade:
		// Snapshot/dump export/upgrade dispatch to operational tooling
		// outside the search core; the core's obligation is the task-queue
		// bookkeeping, so each is simply marked succeeded here.
		outcomes := make([]scheduler.TaskOutcome, len(batch.Tasks))
		for i, t := range batch.Tasks {
			outcomes[i] = scheduler.TaskOutcome{TaskID: t.UID, Status: task.StatusSucceeded}
		}
		return outcomes, nil, nil
	default:
		return nil, nil, fmt.Errorf("pipeline: unknown batch kind %q", batch.Kind)
	}
}

func (p *Pipeline) executeCancellation(batch *scheduler.Batch) ([]scheduler.TaskOutcome, *scheduler.Congestion, error) {
	var outcomes []scheduler.TaskOutcome
	for _, t := range batch.Tasks {
		canceled := uint64(0)
		if t.Content.Tasks != nil {
			it := t.Content.Tasks.Iterator()
			for it.HasNext() {
				id := task.ID(it.Next())
				target, err := p.queue.Get(id)
				if err != nil {
					continue
				}
				if target.Status != task.StatusEnqueued && target.Status != task.StatusProcessing {
					continue
				}
				target.Status = task.StatusCanceled
				by := t.UID
				target.CanceledBy = &by
				if target.Status == task.StatusProcessing {
					// Never taken: Status is already canceled here. A
					// processing target is marked canceled at once, like an
					// enqueued one, and nothing here sets the scheduler's
					// stop flag.
				}
				if err := p.queue.Update(target); err == nil {
					canceled++
				}
			}
		}
		outcomes = append(outcomes, scheduler.TaskOutcome{
			TaskID: t.UID,
			Status: task.StatusSucceeded,
			Details: &task.Details{
				CanceledTasks: &canceled,
			},
		})
	}
	return outcomes, nil, nil
}

func (p *Pipeline) executeTaskDeletion(batch *scheduler.Batch) ([]scheduler.TaskOutcome, *scheduler.Congestion, error) {
	var outcomes []scheduler.TaskOutcome
	var totalDeleted uint64
	for _, t := range batch.Tasks {
		deleted := uint64(0)
		if t.Content.Tasks != nil {
			it := t.Content.Tasks.Iterator()
			for it.HasNext() {
				id := task.ID(it.Next())
				target, err := p.queue.Get(id)
				if err != nil {
					continue
				}
				if target.Status == task.StatusEnqueued || target.Status == task.StatusProcessing {
					continue // only terminal tasks can be deleted (§4.3)
				}
				if err := p.queue.Delete(id); err != nil {
					p.logger.Warn("failed to delete terminal task row", "task", id, "error", err.Error())
					continue
				}
				deleted++
			}
		}
		totalDeleted += deleted
		outcomes = append(outcomes, scheduler.TaskOutcome{
			TaskID: t.UID,
			Status: task.StatusSucceeded,
			Details: &task.Details{
				DeletedTasks: &deleted,
			},
		})
	}
	if totalDeleted > 0 {
		// A task-deletion task reclaiming at least one terminal row is the
		// empirical signal §4.3's capacity policy expects before lifting a
		// prior no-space rejection (Register/Update only ever set it after
		// ErrCapacityExhausted, never clear it themselves).
		p.queue.ClearNoSpace()
	}
	return outcomes, nil, nil
}

// executeIndexOperations drives P1-P5 for one index's batch of
// creation/settings/document/deletion tasks, in order.
func (p *Pipeline) executeIndexOperations(ctx context.Context, batch *scheduler.Batch) ([]scheduler.TaskOutcome, *scheduler.Congestion, error) {
	var outcomes []scheduler.TaskOutcome
	congestion := &scheduler.Congestion{}

	for _, t := range batch.Tasks {
		select {
		case <-ctx.Done():
			return outcomes, congestion, gokkoerrors.CooperativeError(gokkoerrors.ErrCodeAbortedIndexation, "indexation aborted")
		default:
		}

		outcome, err := p.executeOne(ctx, batch.IndexUID, t)
		if err != nil {
			if gokkoerrors.GetCode(err) == gokkoerrors.ErrCodeAbortedIndexation || gokkoerrors.GetCode(err) == gokkoerrors.ErrCodeMapFull {
				return outcomes, congestion, err
			}
			outcomes = append(outcomes, scheduler.TaskOutcome{TaskID: t.UID, Status: task.StatusFailed, Error: err})
			continue
		}
		outcomes = append(outcomes, outcome)
	}

	return outcomes, congestion, nil
}

func (p *Pipeline) executeOne(ctx context.Context, indexUID string, t *task.Task) (scheduler.TaskOutcome, error) {
	switch t.Content.Kind {
	case task.KindIndexCreation:
		return p.executeIndexCreation(indexUID, t)
	case task.KindSettings:
		return p.executeSettings(indexUID, t)
	case task.KindDocumentImport:
		return p.executeDocumentImport(ctx, indexUID, t)
	case task.KindDocumentDeletion:
		return p.executeDocumentDeletion(ctx, indexUID, t)
	case task.KindDocumentClear:
		return p.executeDocumentClear(ctx, indexUID, t)
	case task.KindIndexDeletion:
		return p.executeIndexDeletion(indexUID, t)
	default:
		return scheduler.TaskOutcome{}, fmt.Errorf("pipeline: unsupported task kind %q for index operation", t.Content.Kind)
	}
}

func (p *Pipeline) executeIndexCreation(indexUID string, t *task.Task) (scheduler.TaskOutcome, error) {
	if _, err := p.catalog.Create(indexUID); err != nil {
		return scheduler.TaskOutcome{}, fmt.Errorf("create index %q: %w", indexUID, err)
	}
	_, st := p.indexFor(indexUID)
	if t.Content.PrimaryKey != nil && *t.Content.PrimaryKey != "" {
		st.PrimaryKey = *t.Content.PrimaryKey
	}
	return scheduler.TaskOutcome{
		TaskID: t.UID,
		Status: task.StatusSucceeded,
		Details: &task.Details{
			PrimaryKey: t.Content.PrimaryKey,
		},
	}, nil
}

// executeSettings applies the handful of settings keys extraction consults:
// searchableAttributes, filterableAttributes, sortableAttributes, and
// embedders (§4.2). Unrecognized keys are ignored rather than rejected, the
// same forward-compatible stance the original settings payload takes toward
// fields it doesn't yet know.
func (p *Pipeline) executeSettings(indexUID string, t *task.Task) (scheduler.TaskOutcome, error) {
	_, st := p.indexFor(indexUID)

	if pk, ok := t.Content.NewSettings["primaryKey"].(string); ok && pk != "" {
		st.PrimaryKey = pk
	}

	searchable := stringSet(t.Content.NewSettings["searchableAttributes"])
	filterable := stringSet(t.Content.NewSettings["filterableAttributes"])
	sortable := stringSet(t.Content.NewSettings["sortableAttributes"])

	applyFlag := func(names map[string]struct{}, set func(*FieldConfig)) {
		for name := range names {
			cfg := st.Fields[name]
			cfg.Name = name
			set(&cfg)
			st.Fields[name] = cfg
		}
	}
	applyFlag(searchable, func(c *FieldConfig) { c.Searchable = true })
	applyFlag(filterable, func(c *FieldConfig) { c.Filterable = true })
	applyFlag(sortable, func(c *FieldConfig) { c.Sortable = true })

	if geoField, ok := t.Content.NewSettings["geoField"].(string); ok && geoField != "" {
		cfg := st.Fields[geoField]
		cfg.Name = geoField
		cfg.IsGeo = true
		st.Fields[geoField] = cfg
	}

	if err := p.applyEmbedderSettings(st, t.Content.NewSettings["embedders"]); err != nil {
		return scheduler.TaskOutcome{}, err
	}

	return scheduler.TaskOutcome{TaskID: t.UID, Status: task.StatusSucceeded}, nil
}

// applyEmbedderSettings builds the named embedders a settings payload
// configures: {name: {"source": "ollama"|"mlx"|"static", "model": "...",
// "documentTemplate": "..."}} (§4.2 `embedders`). documentTemplate names the
// field that feeds the embedder's prompt; the embedder instance itself comes
// from the same provider factory the teacher's CLI uses to pick a backend.
func (p *Pipeline) applyEmbedderSettings(st *IndexSettings, raw any) error {
	cfgs, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	for name, v := range cfgs {
		entry, ok := v.(map[string]any)
		if !ok {
			continue
		}
		source, _ := entry["source"].(string)
		model, _ := entry["model"].(string)
		docTemplate, _ := entry["documentTemplate"].(string)

		embedder, err := embed.NewEmbedder(context.Background(), embed.ParseProvider(source), model)
		if err != nil {
			return gokkoerrors.ResourceError(gokkoerrors.ErrCodeEmbedderIO, fmt.Sprintf("create embedder %q: %v", name, err), err)
		}
		st.Embedders[name] = embedder

		if docTemplate != "" {
			cfg := st.Fields[docTemplate]
			cfg.Name = docTemplate
			cfg.EmbedderRef = name
			st.Fields[docTemplate] = cfg
		}
	}
	return nil
}

func stringSet(v any) map[string]struct{} {
	out := make(map[string]struct{})
	arr, ok := v.([]any)
	if !ok {
		return out
	}
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out[s] = struct{}{}
		}
	}
	return out
}

func (p *Pipeline) executeDocumentImport(ctx context.Context, indexUID string, t *task.Task) (scheduler.TaskOutcome, error) {
	ix, st := p.indexFor(indexUID)

	raw, err := p.queue.ReadUpdateFile(t.Content.ContentFile)
	if err != nil {
		return scheduler.TaskOutcome{}, fmt.Errorf("read content file: %w", err)
	}

	docs, err := ParseDocuments(raw, ix, st.PrimaryKey)
	if err != nil {
		return scheduler.TaskOutcome{}, err
	}

	var toDelete *roaring.Bitmap
	if t.Content.Method == task.MethodReplace {
		toDelete = roaring.New()
		for _, d := range docs {
			toDelete.Add(d.DocID)
		}
	}

	extracted, err := ExtractBatch(ctx, docs, ix, st.Fields)
	if err != nil {
		if err == context.Canceled {
			return scheduler.TaskOutcome{}, gokkoerrors.CooperativeError(gokkoerrors.ErrCodeAbortedIndexation, "extraction aborted")
		}
		return scheduler.TaskOutcome{}, fmt.Errorf("extract: %w", err)
	}

	embedderSet := EmbedderSet(st.Embedders)
	vectors, err := EmbedBatch(ctx, extracted, embedderSet, nil, p.retryCfg, p.breakerFor)
	if err != nil {
		return scheduler.TaskOutcome{}, fmt.Errorf("embed: %w", err)
	}

	mergeResult, err := Merge(ctx, ix, docs, extracted, vectors, toDelete)
	if err != nil {
		return scheduler.TaskOutcome{}, fmt.Errorf("merge: %w", err)
	}
	p.commitIndex(indexUID, ix)

	received := uint64(len(docs))
	indexed := uint64(mergeResult.DocumentsAdded)
	return scheduler.TaskOutcome{
		TaskID: t.UID,
		Status: task.StatusSucceeded,
		Details: &task.Details{
			ReceivedDocuments: &received,
			IndexedDocuments:  &indexed,
		},
	}, nil
}

func (p *Pipeline) executeDocumentDeletion(ctx context.Context, indexUID string, t *task.Task) (scheduler.TaskOutcome, error) {
	ix, _ := p.indexFor(indexUID)

	ids := roaring.New()
	for _, external := range t.Content.DocumentIDs {
		ix.mu.RLock()
		docID, ok := ix.ExternalIDs[external]
		ix.mu.RUnlock()
		if ok {
			ids.Add(docID)
		}
	}

	if err := ix.DeleteDocuments(ctx, ids); err != nil {
		return scheduler.TaskOutcome{}, fmt.Errorf("delete documents: %w", err)
	}
	if err := ix.RebuildFST(); err != nil {
		return scheduler.TaskOutcome{}, fmt.Errorf("rebuild fst: %w", err)
	}
	p.commitIndex(indexUID, ix)

	deleted := ids.GetCardinality()
	return scheduler.TaskOutcome{
		TaskID: t.UID,
		Status: task.StatusSucceeded,
		Details: &task.Details{
			DeletedDocuments: &deleted,
		},
	}, nil
}

func (p *Pipeline) executeDocumentClear(ctx context.Context, indexUID string, t *task.Task) (scheduler.TaskOutcome, error) {
	ix, _ := p.indexFor(indexUID)

	ix.mu.RLock()
	all := roaring.New()
	for docID := range ix.Documents {
		all.Add(docID)
	}
	ix.mu.RUnlock()

	if err := ix.DeleteDocuments(ctx, all); err != nil {
		return scheduler.TaskOutcome{}, fmt.Errorf("clear documents: %w", err)
	}
	if err := ix.RebuildFST(); err != nil {
		return scheduler.TaskOutcome{}, fmt.Errorf("rebuild fst: %w", err)
	}
	p.commitIndex(indexUID, ix)

	deleted := all.GetCardinality()
	return scheduler.TaskOutcome{
		TaskID: t.UID,
		Status: task.StatusSucceeded,
		Details: &task.Details{
			DeletedDocuments: &deleted,
		},
	}, nil
}

func (p *Pipeline) executeIndexDeletion(indexUID string, t *task.Task) (scheduler.TaskOutcome, error) {
	if err := p.catalog.Delete(indexUID); err != nil {
		return scheduler.TaskOutcome{}, fmt.Errorf("delete index %q: %w", indexUID, err)
	}
	p.mu.Lock()
	delete(p.indexes, indexUID)
	delete(p.settings, indexUID)
	p.mu.Unlock()
	return scheduler.TaskOutcome{TaskID: t.UID, Status: task.StatusSucceeded}, nil
}

var _ scheduler.Executor = (*Pipeline)(nil)
