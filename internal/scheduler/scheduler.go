// Package scheduler decides when proposed work runs and drives the run
// loop that executes deferred work. Scheduling never silently drops a
// task: every accepted task ends executed or failed, and failures keep
// the record with its last error.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"warden/internal/config"
	"warden/internal/logging"
	"warden/internal/types"
)

// Stable reasons for scheduling decisions.
const (
	ReasonDeadline  = "deadline_passed"
	ReasonImmediate = "immediate"
	ReasonOffPeak   = "off_peak_window"
	ReasonBatched   = "batched"
)

// ScheduleDecision names when a task will run and why.
type ScheduleDecision struct {
	TaskID   string         `json:"task_id"`
	Policy   types.SchedulePolicy `json:"policy"`
	RunAt    time.Time      `json:"run_at"`
	RunNow   bool           `json:"run_now"`
	BatchKey string         `json:"batch_key,omitempty"`
	Reason   string         `json:"reason"`
}

// Scheduler places tasks according to policy and persists deferred work.
type Scheduler struct {
	store   types.Store
	auditor *logging.Auditor
	clock   types.Clock
	cfg     config.SchedulingConfig
}

// NewScheduler creates a scheduler.
func NewScheduler(store types.Store, auditor *logging.Auditor, clock types.Clock, cfg config.SchedulingConfig) *Scheduler {
	if clock == nil {
		clock = types.SystemClock{}
	}
	return &Scheduler{store: store, auditor: auditor, clock: clock, cfg: cfg}
}

// =============================================================================
// PLACEMENT
// =============================================================================

// Decide computes the run time for a task without persisting anything.
// A passed deadline overrides every policy; immediate work runs now;
// off-peak work runs now inside the window or at the next window start;
// deferred work lands on the next batch boundary so related tasks share
// a batch key.
func (s *Scheduler) Decide(task types.ScheduledTask) ScheduleDecision {
	now := s.clock.Now()
	d := ScheduleDecision{TaskID: task.TaskID, Policy: task.Policy}

	if !task.Deadline.IsZero() && !now.Before(task.Deadline) {
		d.RunAt = now
		d.RunNow = true
		d.Reason = ReasonDeadline
		return d
	}

	switch task.Policy {
	case types.PolicyOffPeak:
		if s.inOffPeak(now) {
			d.RunAt = now
			d.RunNow = true
		} else {
			d.RunAt = s.nextOffPeakStart(now)
		}
		d.Reason = ReasonOffPeak
	case types.PolicyDeferred:
		d.RunAt = s.nextBatchBoundary(now)
		d.BatchKey = batchKey(task.TaskType, d.RunAt)
		d.Reason = ReasonBatched
	default:
		d.RunAt = now
		d.RunNow = true
		d.Reason = ReasonImmediate
	}
	return d
}

// Schedule decides placement and persists the task for the run loop.
// Tasks placed in the future are stored as deferred; run-now tasks are
// stored as scheduled so a crash between decide and execute loses nothing.
func (s *Scheduler) Schedule(ctx context.Context, identity string, task types.ScheduledTask) (ScheduleDecision, error) {
	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}
	d := s.Decide(task)

	task.ScheduledAt = d.RunAt
	task.BatchKey = d.BatchKey
	task.CreatedAt = s.clock.Now()
	if d.RunNow {
		task.Status = types.StatusScheduled
	} else {
		task.Status = types.StatusDeferred
	}
	if err := s.store.Put(ctx, identity, types.KindScheduledTask, task.TaskID, task); err != nil {
		return d, fmt.Errorf("persist task: %w", err)
	}

	s.auditor.Log(logging.AuditEvent{
		EventType: logging.AuditScheduleDecide,
		Identity:  identity,
		Target:    task.TaskID,
		Reason:    d.Reason,
		Success:   true,
		Fields: map[string]any{
			"policy":  string(task.Policy),
			"run_at":  d.RunAt,
			"run_now": d.RunNow,
		},
	})
	logging.Get(logging.CategoryScheduler).Debug("placed %s policy=%s run_at=%s reason=%s",
		task.TaskID, task.Policy, d.RunAt.Format(time.RFC3339), d.Reason)
	return d, nil
}

// Due returns tasks whose run time has arrived, oldest placement first.
func (s *Scheduler) Due(ctx context.Context, identity string) ([]types.ScheduledTask, error) {
	var tasks []types.ScheduledTask
	if err := s.store.List(ctx, identity, types.KindScheduledTask, &tasks); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	due := tasks[:0]
	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		if !t.ScheduledAt.After(now) {
			due = append(due, t)
		}
	}
	return due, nil
}

// =============================================================================
// WINDOW MATH
// =============================================================================

// inOffPeak reports whether now falls inside the off-peak window.
// The window may wrap midnight (start 22, end 6).
func (s *Scheduler) inOffPeak(now time.Time) bool {
	h := now.Hour()
	start, end := s.cfg.OffPeakStartHour, s.cfg.OffPeakEndHour
	if start == end {
		return false
	}
	if start < end {
		return h >= start && h < end
	}
	return h >= start || h < end
}

// nextOffPeakStart returns the next moment the off-peak window opens.
func (s *Scheduler) nextOffPeakStart(now time.Time) time.Time {
	start := time.Date(now.Year(), now.Month(), now.Day(), s.cfg.OffPeakStartHour, 0, 0, 0, now.Location())
	if !start.After(now) {
		start = start.AddDate(0, 0, 1)
	}
	return start
}

// nextBatchBoundary aligns to the next multiple of the batch window so
// deferred tasks placed inside the same window share a boundary.
func (s *Scheduler) nextBatchBoundary(now time.Time) time.Time {
	window := time.Duration(s.cfg.BatchWindowMinutes) * time.Minute
	if window <= 0 {
		window = 30 * time.Minute
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	elapsed := now.Sub(midnight)
	slots := elapsed/window + 1
	return midnight.Add(slots * window)
}

// batchKey names the batch a task joins: one bucket per task type per
// aligned window, so unrelated deferred work never shares a batch.
func batchKey(taskType string, boundary time.Time) string {
	return "batch-" + taskType + "-" + boundary.UTC().Format("2006-01-02T15:04")
}
