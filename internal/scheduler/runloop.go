package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"warden/internal/logging"
	"warden/internal/types"
)

// Executor runs one scheduled task. The run loop owns status transitions;
// executors only report success or failure.
type Executor interface {
	Execute(ctx context.Context, identity string, task types.ScheduledTask) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, identity string, task types.ScheduledTask) error

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, identity string, task types.ScheduledTask) error {
	return f(ctx, identity, task)
}

// Runner drains due tasks for watched identities. Status moves one way:
// scheduled or deferred to executed or failed, never back, and a failed
// task keeps its record with the last error attached.
type Runner struct {
	scheduler *Scheduler
	executor  Executor
	auditor   *logging.Auditor

	workers      int
	maxAttempts  int
	pollInterval time.Duration

	mu         sync.Mutex
	identities map[string]struct{}
	inFlight   map[string]struct{}
}

// NewRunner creates a run loop over the scheduler's store.
func NewRunner(s *Scheduler, executor Executor, auditor *logging.Auditor) *Runner {
	workers := s.cfg.RunLoopWorkers
	if workers <= 0 {
		workers = 4
	}
	maxAttempts := s.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Runner{
		scheduler:    s,
		executor:     executor,
		auditor:      auditor,
		workers:      workers,
		maxAttempts:  maxAttempts,
		pollInterval: 5 * time.Second,
		identities:   make(map[string]struct{}),
		inFlight:     make(map[string]struct{}),
	}
}

// Watch adds an identity to the drain set.
func (r *Runner) Watch(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identities[identity] = struct{}{}
}

// Run polls until the context ends. Each tick drains every watched
// identity's due tasks across the worker pool.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.DrainAll(ctx); err != nil && ctx.Err() == nil {
				logging.Get(logging.CategoryScheduler).Error("drain: %v", err)
			}
		}
	}
}

// DrainAll drains every watched identity once.
func (r *Runner) DrainAll(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.identities))
	for id := range r.identities {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if err := r.Drain(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Drain runs every currently due task for one identity and returns when
// all of them have reached a new status.
func (r *Runner) Drain(ctx context.Context, identity string) error {
	due, err := r.scheduler.Due(ctx, identity)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for _, task := range due {
		task := task
		if !r.claim(task.TaskID) {
			continue
		}
		g.Go(func() error {
			defer r.release(task.TaskID)
			r.runOne(gctx, identity, task)
			return nil
		})
	}
	return g.Wait()
}

// claim marks a task in flight so overlapping drains never run it twice.
func (r *Runner) claim(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inFlight[taskID]; busy {
		return false
	}
	r.inFlight[taskID] = struct{}{}
	return true
}

func (r *Runner) release(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, taskID)
}

// runOne executes a task and persists the transition. Retryable failures
// under the attempt limit are pushed back a batch window; everything else
// lands on a terminal status.
func (r *Runner) runOne(ctx context.Context, identity string, task types.ScheduledTask) {
	err := r.executor.Execute(ctx, identity, task)
	task.Attempts++

	if err == nil {
		task.Status = types.StatusExecuted
		task.LastError = ""
		if perr := r.scheduler.store.Put(ctx, identity, types.KindScheduledTask, task.TaskID, task); perr != nil {
			logging.Get(logging.CategoryScheduler).Error("persist executed %s: %v", task.TaskID, perr)
			return
		}
		r.auditor.Log(logging.AuditEvent{
			EventType: logging.AuditScheduleExecute,
			Identity:  identity,
			Target:    task.TaskID,
			Success:   true,
		})
		return
	}

	task.LastError = err.Error()
	if retryable(err) && task.Attempts < r.maxAttempts {
		task.Status = types.StatusDeferred
		task.ScheduledAt = r.scheduler.nextBatchBoundary(r.scheduler.clock.Now())
	} else {
		task.Status = types.StatusFailed
	}
	if perr := r.scheduler.store.Put(ctx, identity, types.KindScheduledTask, task.TaskID, task); perr != nil {
		logging.Get(logging.CategoryScheduler).Error("persist failed %s: %v", task.TaskID, perr)
		return
	}
	r.auditor.Log(logging.AuditEvent{
		EventType: logging.AuditScheduleFail,
		Identity:  identity,
		Target:    task.TaskID,
		Reason:    task.LastError,
		Fields:    map[string]any{"attempts": task.Attempts, "terminal": task.Status.Terminal()},
	})
	logging.Get(logging.CategoryScheduler).Warn("task %s attempt %d: %v", task.TaskID, task.Attempts, err)
}

// retryable checks the failure taxonomy; unknown errors do not retry.
func retryable(err error) bool {
	var f types.Failure
	if errors.As(err, &f) {
		return f.Retryable
	}
	return false
}
