package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"warden/internal/config"
	"warden/internal/logging"
	"warden/internal/store"
	"warden/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testScheduler(now time.Time) (*Scheduler, *store.MemoryStore, *logging.MemorySink) {
	st := store.NewMemoryStore()
	sink := &logging.MemorySink{}
	cfg := config.DefaultConfig().Scheduling
	return NewScheduler(st, logging.NewAuditor(sink), types.FixedClock{T: now}, cfg), st, sink
}

func TestDecidePolicies(t *testing.T) {
	noon := time.Date(2026, 8, 27, 12, 10, 0, 0, time.UTC)
	s, _, _ := testScheduler(noon)

	t.Run("immediate runs now", func(t *testing.T) {
		d := s.Decide(types.ScheduledTask{TaskID: "t1", Policy: types.PolicyImmediate})
		if !d.RunNow || !d.RunAt.Equal(noon) {
			t.Fatalf("immediate: %+v", d)
		}
	})

	t.Run("passed deadline overrides policy", func(t *testing.T) {
		d := s.Decide(types.ScheduledTask{
			TaskID: "t2", Policy: types.PolicyOffPeak,
			Deadline: noon.Add(-time.Minute),
		})
		if !d.RunNow || d.Reason != ReasonDeadline {
			t.Fatalf("deadline: %+v", d)
		}
	})

	t.Run("off-peak outside window waits for next start", func(t *testing.T) {
		d := s.Decide(types.ScheduledTask{TaskID: "t3", Policy: types.PolicyOffPeak})
		if d.RunNow {
			t.Fatal("noon is not off-peak")
		}
		want := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
		if !d.RunAt.Equal(want) {
			t.Fatalf("off-peak run at %v, want %v", d.RunAt, want)
		}
	})

	t.Run("off-peak inside window runs now", func(t *testing.T) {
		night := time.Date(2026, 8, 27, 2, 0, 0, 0, time.UTC)
		s2, _, _ := testScheduler(night)
		d := s2.Decide(types.ScheduledTask{TaskID: "t4", Policy: types.PolicyOffPeak})
		if !d.RunNow {
			t.Fatalf("02:00 should be off-peak: %+v", d)
		}
	})

	t.Run("deferred lands on batch boundary", func(t *testing.T) {
		d := s.Decide(types.ScheduledTask{TaskID: "t5", TaskType: "summarize", Policy: types.PolicyDeferred})
		want := time.Date(2026, 8, 27, 12, 30, 0, 0, time.UTC)
		if !d.RunAt.Equal(want) {
			t.Fatalf("batch boundary %v, want %v", d.RunAt, want)
		}
		if d.BatchKey == "" {
			t.Fatal("deferred task needs a batch key")
		}
		// Another task of the same type in the same window joins the batch.
		d2 := s.Decide(types.ScheduledTask{TaskID: "t6", TaskType: "summarize", Policy: types.PolicyDeferred})
		if d2.BatchKey != d.BatchKey {
			t.Fatalf("batch keys differ: %q vs %q", d.BatchKey, d2.BatchKey)
		}
		// A different task type in the same window gets its own batch.
		d3 := s.Decide(types.ScheduledTask{TaskID: "t7", TaskType: "translate", Policy: types.PolicyDeferred})
		if !d3.RunAt.Equal(want) {
			t.Fatalf("same window expected, got %v", d3.RunAt)
		}
		if d3.BatchKey == d.BatchKey {
			t.Fatalf("task types share a batch key: %q", d3.BatchKey)
		}
	})
}

func TestOffPeakWindowWrapsMidnight(t *testing.T) {
	cfg := config.DefaultConfig().Scheduling
	cfg.OffPeakStartHour = 22
	cfg.OffPeakEndHour = 6
	s := NewScheduler(store.NewMemoryStore(), nil, types.FixedClock{T: time.Date(2026, 8, 27, 23, 0, 0, 0, time.UTC)}, cfg)
	if !s.inOffPeak(s.clock.Now()) {
		t.Fatal("23:00 inside 22-6 window")
	}
	s.clock = types.FixedClock{T: time.Date(2026, 8, 27, 3, 0, 0, 0, time.UTC)}
	if !s.inOffPeak(s.clock.Now()) {
		t.Fatal("03:00 inside 22-6 window")
	}
	s.clock = types.FixedClock{T: time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)}
	if s.inOffPeak(s.clock.Now()) {
		t.Fatal("noon outside 22-6 window")
	}
}

func TestSchedulePersistsAndDue(t *testing.T) {
	noon := time.Date(2026, 8, 27, 12, 10, 0, 0, time.UTC)
	s, st, sink := testScheduler(noon)
	ctx := context.Background()

	if _, err := s.Schedule(ctx, "id-1", types.ScheduledTask{TaskID: "now", Policy: types.PolicyImmediate}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, err := s.Schedule(ctx, "id-1", types.ScheduledTask{TaskID: "later", Policy: types.PolicyDeferred}); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	due, err := s.Due(ctx, "id-1")
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 || due[0].TaskID != "now" {
		t.Fatalf("due = %+v, want only the immediate task", due)
	}

	var deferred types.ScheduledTask
	found, err := st.Get(ctx, "id-1", types.KindScheduledTask, "later", &deferred)
	if err != nil || !found {
		t.Fatalf("deferred task not persisted: %v", err)
	}
	if deferred.Status != types.StatusDeferred || deferred.BatchKey == "" {
		t.Fatalf("deferred task: %+v", deferred)
	}
	if got := sink.ByType(logging.AuditScheduleDecide); len(got) != 2 {
		t.Fatalf("decide audit events = %d, want 2", len(got))
	}
}

func TestRunnerExecutesDueTasks(t *testing.T) {
	noon := time.Date(2026, 8, 27, 12, 10, 0, 0, time.UTC)
	s, st, sink := testScheduler(noon)
	ctx := context.Background()

	var mu sync.Mutex
	ran := map[string]int{}
	exec := ExecutorFunc(func(ctx context.Context, identity string, task types.ScheduledTask) error {
		mu.Lock()
		defer mu.Unlock()
		ran[task.TaskID]++
		return nil
	})
	r := NewRunner(s, exec, logging.NewAuditor(sink))
	r.Watch("id-1")

	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.Schedule(ctx, "id-1", types.ScheduledTask{TaskID: id, Policy: types.PolicyImmediate}); err != nil {
			t.Fatalf("schedule: %v", err)
		}
	}
	if err := r.DrainAll(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if len(ran) != 3 {
		t.Fatalf("ran %d tasks, want 3", len(ran))
	}
	for _, id := range []string{"a", "b", "c"} {
		var task types.ScheduledTask
		if found, err := st.Get(ctx, "id-1", types.KindScheduledTask, id, &task); err != nil || !found {
			t.Fatalf("task %s missing: %v", id, err)
		} else if task.Status != types.StatusExecuted {
			t.Fatalf("task %s status %s", id, task.Status)
		}
	}
	// A second drain finds nothing runnable.
	if err := r.DrainAll(ctx); err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if ran["a"] != 1 {
		t.Fatalf("task a ran %d times", ran["a"])
	}
	if got := sink.ByType(logging.AuditScheduleExecute); len(got) != 3 {
		t.Fatalf("execute audit events = %d, want 3", len(got))
	}
}

func TestRunnerKeepsFailedTasks(t *testing.T) {
	noon := time.Date(2026, 8, 27, 12, 10, 0, 0, time.UTC)
	s, st, _ := testScheduler(noon)
	ctx := context.Background()

	exec := ExecutorFunc(func(ctx context.Context, identity string, task types.ScheduledTask) error {
		return types.Failure{Kind: types.FailPolicyBlocked, Reason: "anchor frozen"}
	})
	r := NewRunner(s, exec, nil)
	r.Watch("id-1")

	if _, err := s.Schedule(ctx, "id-1", types.ScheduledTask{TaskID: "t1", Policy: types.PolicyImmediate}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := r.DrainAll(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	var task types.ScheduledTask
	if found, err := st.Get(ctx, "id-1", types.KindScheduledTask, "t1", &task); err != nil || !found {
		t.Fatalf("failed task dropped: %v", err)
	}
	if task.Status != types.StatusFailed {
		t.Fatalf("status %s, want failed", task.Status)
	}
	if task.LastError == "" || task.Attempts != 1 {
		t.Fatalf("failure detail lost: %+v", task)
	}
}

func TestRunnerRetriesRetryableFailures(t *testing.T) {
	noon := time.Date(2026, 8, 27, 12, 10, 0, 0, time.UTC)
	s, st, _ := testScheduler(noon)
	ctx := context.Background()

	exec := ExecutorFunc(func(ctx context.Context, identity string, task types.ScheduledTask) error {
		return types.Failure{Kind: types.FailTimeout, Reason: "tool stalled", Retryable: true}
	})
	r := NewRunner(s, exec, nil)
	r.Watch("id-1")

	if _, err := s.Schedule(ctx, "id-1", types.ScheduledTask{TaskID: "t1", Policy: types.PolicyImmediate}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := r.DrainAll(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	var task types.ScheduledTask
	if _, err := st.Get(ctx, "id-1", types.KindScheduledTask, "t1", &task); err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != types.StatusDeferred {
		t.Fatalf("first retryable failure should defer, got %s", task.Status)
	}
	if task.ScheduledAt.Before(noon) {
		t.Fatalf("retry scheduled in the past: %v", task.ScheduledAt)
	}

	// Replay until the attempt limit lands it on failed.
	for i := 0; i < r.maxAttempts; i++ {
		task.ScheduledAt = noon
		if err := st.Put(ctx, "id-1", types.KindScheduledTask, task.TaskID, task); err != nil {
			t.Fatalf("put: %v", err)
		}
		if err := r.DrainAll(ctx); err != nil {
			t.Fatalf("drain %d: %v", i, err)
		}
		if _, err := st.Get(ctx, "id-1", types.KindScheduledTask, "t1", &task); err != nil {
			t.Fatalf("get: %v", err)
		}
		if task.Status == types.StatusFailed {
			break
		}
	}
	if task.Status != types.StatusFailed {
		t.Fatalf("exhausted retries should fail, got %s after %d attempts", task.Status, task.Attempts)
	}
}

func TestRunnerStopsOnCancel(t *testing.T) {
	noon := time.Date(2026, 8, 27, 12, 10, 0, 0, time.UTC)
	s, _, _ := testScheduler(noon)
	r := NewRunner(s, ExecutorFunc(func(context.Context, string, types.ScheduledTask) error { return nil }), nil)
	r.pollInterval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("runner did not stop on cancel")
	}
}
