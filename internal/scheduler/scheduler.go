package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	gokkoerrors "github.com/amanmcp/gokko/internal/errors"
	"github.com/amanmcp/gokko/internal/store"
	"github.com/amanmcp/gokko/internal/task"
)

// TaskOutcome is one task's result after a batch finishes executing.
type TaskOutcome struct {
	TaskID     task.ID
	Status     task.Status
	Error      error
	Details    *task.Details
	CanceledBy *task.ID
}

// Congestion reports best-effort write-channel contention observed while a
// batch executed, surfaced for logging only (§4.5 determinism notes).
type Congestion struct {
	Attempts         uint64
	BlockingAttempts uint64
}

// Ratio returns the fraction of attempts that blocked, or 0 if none were made.
func (c Congestion) Ratio() float64 {
	if c.Attempts == 0 {
		return 0
	}
	return float64(c.BlockingAttempts) / float64(c.Attempts)
}

// Executor runs one batch's actual work (the indexing pipeline, §4.5, for
// index operations; cancellation/deletion/snapshot/dump/upgrade handling
// for the other kinds) and reports per-task outcomes. ctx is canceled
// cooperatively when MustStopProcessing is set.
type Executor interface {
	Execute(ctx context.Context, batch *Batch) ([]TaskOutcome, *Congestion, error)
}

// WebhookNotifier is a best-effort, fire-and-forget hook run after a
// batch's outcome is committed. Dispatch internals are out of scope; the
// call site is what the core owns.
type WebhookNotifier interface {
	Notify(ids []task.ID)
}

type noopWebhook struct{}

func (noopWebhook) Notify([]task.ID) {}

// TickOutcome reports what a single tick accomplished.
type TickOutcome struct {
	// Kind is one of WaitForSignal, TickAgain, or StopForever.
	Kind      TickKind
	Processed int
}

type TickKind int

const (
	WaitForSignal TickKind = iota
	TickAgain
	StopForever
)

// MustStopProcessing is a cooperative stop flag an in-flight batch polls at
// safe points; cancellation sets it to interrupt a running pipeline.
type MustStopProcessing struct {
	flag atomic.Bool
}

func (m *MustStopProcessing) Get() bool { return m.flag.Load() }
func (m *MustStopProcessing) Set()      { m.flag.Store(true) }
func (m *MustStopProcessing) Reset()    { m.flag.Store(false) }

// Options configures a Scheduler.
type Options struct {
	AutobatchingEnabled   bool
	CleanupEnabled        bool
	MaxBatchedTasks       int
	BatchedTasksSizeLimit uint64
}

// Scheduler is the single run-loop described in §4.4: it owns no storage
// directly beyond the task queue and index catalog it's handed, and
// delegates actual batch execution to an Executor.
type Scheduler struct {
	opts     Options
	queue    *task.Queue
	catalog  *store.Catalog
	rootEnv  *store.Env
	executor Executor
	webhook  WebhookNotifier
	logger   *slog.Logger

	mustStop MustStopProcessing

	wakeUp chan struct{}

	mu         sync.Mutex
	processing *Batch
}

// New creates a Scheduler. wakeUp starts signaled so the loop runs once
// immediately on startup, in case the process was interrupted mid-batch
// last time.
func New(queue *task.Queue, catalog *store.Catalog, rootEnv *store.Env, executor Executor, opts Options, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		opts:     opts,
		queue:    queue,
		catalog:  catalog,
		rootEnv:  rootEnv,
		executor: executor,
		webhook:  noopWebhook{},
		logger:   logger,
		wakeUp:   make(chan struct{}, 1),
	}
	s.WakeUp()
	queue.SetOnRegister(func(*task.Task) { s.WakeUp() })
	return s
}

// SetWebhookNotifier overrides the default no-op notifier.
func (s *Scheduler) SetWebhookNotifier(w WebhookNotifier) {
	s.webhook = w
}

// WakeUp signals the run loop that new work may be available.
func (s *Scheduler) WakeUp() {
	select {
	case s.wakeUp <- struct{}{}:
	default:
	}
}

// MustStop exposes the cooperative stop flag so a cancellation task can
// interrupt an in-flight batch.
func (s *Scheduler) MustStop() *MustStopProcessing { return &s.mustStop }

// Run blocks, ticking whenever woken, until ctx is canceled or a tick
// returns StopForever.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wakeUp:
		}

		for {
			outcome, err := s.Tick(ctx)
			if err != nil {
				s.logger.Error("scheduler tick failed", "error", err)
				break
			}
			switch outcome.Kind {
			case WaitForSignal:
				goto nextWake
			case StopForever:
				return nil
			case TickAgain:
				// loop again immediately; more work (or the same batch,
				// post storage-resize / abort) may be ready.
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
	nextWake:
	}
}

// Tick performs one iteration of the run loop (§4.4):
//  1. opportunistic cleanup
//  2. select the next batch
//  3. mark its tasks processing
//  4. execute on a dedicated goroutine with panic recovery
//  5. commit outcomes, one write transaction per task
//  6. delete payload files, notify webhooks
func (s *Scheduler) Tick(ctx context.Context) (TickOutcome, error) {
	if s.opts.CleanupEnabled {
		if _, err := s.queue.Cleanup(); err != nil && err != task.ErrNoSpaceLeft {
			return TickOutcome{}, err
		}
	}

	batch, err := selectNextBatch(s.queue, SelectionOptions{
		MaxBatchedTasks:       s.opts.MaxBatchedTasks,
		BatchedTasksSizeLimit: s.opts.BatchedTasksSizeLimit,
	}, nil)
	if err != nil {
		return TickOutcome{}, err
	}
	if batch == nil {
		return TickOutcome{Kind: WaitForSignal}, nil
	}

	ids := batch.IDs()
	processed := len(ids)

	s.mustStop.Reset()
	batch.ID = uint64(time.Now().UnixNano())
	for _, t := range batch.Tasks {
		now := time.Now()
		t.Status = task.StatusProcessing
		t.StartedAt = &now
		bid := batch.ID
		t.BatchID = &bid
		if err := s.queue.Update(t); err != nil {
			return TickOutcome{}, err
		}
	}
	s.mu.Lock()
	s.processing = batch
	s.mu.Unlock()

	outcomes, congestion, execErr := s.runBatch(ctx, batch)

	s.mu.Lock()
	s.processing = nil
	s.mu.Unlock()

	switch {
	case gokkoerrors.GetCode(execErr) == gokkoerrors.ErrCodeAbortedIndexation:
		// Leave the tasks in "processing": cancellation already rewrote or
		// will rewrite their status; the next tick reselects them otherwise.
		s.logger.Info("batch aborted")
		return TickOutcome{Kind: TickAgain, Processed: 0}, nil

	case gokkoerrors.GetCode(execErr) == gokkoerrors.ErrCodeMapFull:
		if batch.IndexUID != "" {
			if rerr := s.catalog.Resize(batch.IndexUID); rerr != nil {
				return TickOutcome{}, rerr
			}
		}
		s.logger.Info("max database size reached, resizing index", "index", batch.IndexUID)
		return TickOutcome{Kind: TickAgain, Processed: 0}, nil
	}

	stopForever, err := s.commit(batch, outcomes, congestion, execErr)
	if err != nil {
		return TickOutcome{}, err
	}

	s.deletePayloadFiles(batch)
	s.webhook.Notify(ids)

	if stopForever {
		return TickOutcome{Kind: StopForever, Processed: processed}, nil
	}
	return TickOutcome{Kind: TickAgain, Processed: processed}, nil
}

// runBatch executes the batch on a dedicated goroutine, converting a panic
// into a fatal-batch error carrying the panic message.
func (s *Scheduler) runBatch(ctx context.Context, batch *Batch) (outcomes []TaskOutcome, congestion *Congestion, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Bridge the cooperative stop flag a cancellation task sets into ctx
	// cancellation, so the executor's blocking calls observe it promptly.
	stopPoll := time.NewTicker(50 * time.Millisecond)
	defer stopPoll.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopPoll.C:
				if s.mustStop.Get() {
					cancel()
					return
				}
			}
		}
	}()

	type result struct {
		outcomes   []TaskOutcome
		congestion *Congestion
		err        error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				msg := fmt.Sprintf("%v", r)
				done <- result{err: gokkoerrors.New(gokkoerrors.ErrCodeBatchPanicked, msg, nil)}
			}
		}()
		o, c, e := s.executor.Execute(ctx, batch)
		done <- result{outcomes: o, congestion: c, err: e}
	}()

	r := <-done
	return r.outcomes, r.congestion, r.err
}

// commit writes per-task outcomes and finalizes the batch; each task is
// written by its own queue update, so the batch's outcomes are not
// committed atomically. Returns whether the scheduler must stop forever (a
// failed upgrade task).
func (s *Scheduler) commit(batch *Batch, outcomes []TaskOutcome, congestion *Congestion, execErr error) (bool, error) {
	stopForever := false

	byID := make(map[task.ID]TaskOutcome, len(outcomes))
	for _, o := range outcomes {
		byID[o.TaskID] = o
	}

	for _, t := range batch.Tasks {
		now := time.Now()
		t.FinishedAt = &now

		if execErr != nil {
			t.Status = task.StatusFailed
			t.Error = execErr
			if t.Kind() == task.KindUpgrade {
				stopForever = true
				s.logger.Error("upgrade task failed, scheduler stopping forever", "task", t.UID, "error", execErr)
			}
		} else if o, ok := byID[t.UID]; ok {
			t.Status = o.Status
			t.Error = o.Error
			if o.Details != nil {
				t.Details = o.Details
			}
			t.CanceledBy = o.CanceledBy
		} else {
			t.Status = task.StatusSucceeded
		}

		if err := s.queue.Update(t); err != nil {
			return stopForever, err
		}
	}

	if congestion != nil && congestion.Attempts > 0 {
		s.logger.Debug("channel congestion",
			"attempts", congestion.Attempts,
			"blocking_attempts", congestion.BlockingAttempts,
			"ratio", congestion.Ratio())
	}

	return stopForever, nil
}

// deletePayloadFiles removes content files for now-terminal tasks, in
// parallel, best-effort and logged rather than propagated (§4.4 step 6).
func (s *Scheduler) deletePayloadFiles(batch *Batch) {
	var wg sync.WaitGroup
	for _, t := range batch.Tasks {
		if t.Content.ContentFile == uuid.Nil {
			continue
		}
		wg.Add(1)
		go func(t *task.Task) {
			defer wg.Done()
			if err := s.queue.DeleteUpdateFile(t.Content.ContentFile); err != nil {
				s.logger.Error("failed to delete content file", "task", t.UID, "error", err)
			}
		}(t)
	}
	wg.Wait()
}
