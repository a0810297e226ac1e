package improve

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"warden/internal/cache"
	"warden/internal/config"
	"warden/internal/drift"
	"warden/internal/explain"
	"warden/internal/logging"
	"warden/internal/quality"
	"warden/internal/store"
	"warden/internal/types"
)

func testLoop(now time.Time) (*Loop, *store.MemoryStore, *logging.MemorySink) {
	st := store.NewMemoryStore()
	sink := &logging.MemorySink{}
	auditor := logging.NewAuditor(sink)
	clock := types.FixedClock{T: now}
	cfg := config.DefaultConfig()
	monitor := quality.NewMonitor(st, clock, cfg.Quality)
	builder := explain.NewBuilder(st, monitor, clock, 0)
	detector := drift.NewDetector(st, auditor, clock, cfg.Drift)
	distiller := cache.NewDistiller(st, auditor, clock, cfg.Cache)
	loop := NewLoop(st, auditor, clock, monitor, builder, detector, distiller, cfg.Improve, cfg.Cache)
	return loop, st, sink
}

func seedEconomyPasses(t *testing.T, st *store.MemoryStore, identity, taskType string, n int, quality float64, at time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := st.AppendOutcome(context.Background(), identity, types.TaskOutcomeRecord{
			TaskID: uuid.NewString(), TaskType: taskType, TaskClass: types.ClassRoutine,
			ModelTier: types.TierEconomy, QualityScore: quality, EvaluationPassed: true,
			CreatedAt: at.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}
}

func candidateOfType(t *testing.T, result CycleResult, ct types.CandidateType) types.ImprovementCandidate {
	t.Helper()
	for _, c := range result.Candidates {
		if c.Type == ct {
			return c
		}
	}
	t.Fatalf("no %s candidate in %+v", ct, result.Candidates)
	return types.ImprovementCandidate{}
}

func TestCycleAppliesDowngradeAndCachePolicy(t *testing.T) {
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	loop, st, _ := testLoop(now)
	ctx := context.Background()

	seedEconomyPasses(t, st, "id-1", "review", 5, 0.9, now.Add(-2*time.Hour))

	result, err := loop.RunCycle(ctx, "id-1")
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if result.Applied != 2 {
		t.Fatalf("applied = %d, want downgrade and cache enable: %+v", result.Applied, result.Candidates)
	}

	down := candidateOfType(t, result, types.CandidateRoutingDowngrade)
	if down.Status != types.CandidateApplied {
		t.Fatalf("downgrade status = %s", down.Status)
	}
	if !down.CooldownUntil.After(now) {
		t.Fatalf("cooldown not set: %v", down.CooldownUntil)
	}

	var pref types.RoutingPreference
	found, err := st.Get(ctx, "id-1", types.KindPreference, "review", &pref)
	if err != nil || !found {
		t.Fatalf("preference not materialized: found=%v err=%v", found, err)
	}
	if pref.Tier != types.TierEconomy || pref.Disabled || pref.CandidateID != down.ID {
		t.Fatalf("preference = %+v", pref)
	}

	var policy types.CachePolicy
	if found, _ := st.Get(ctx, "id-1", types.KindCachePolicy, "review", &policy); !found || policy.Disabled {
		t.Fatalf("cache policy not materialized: %+v", policy)
	}

	// The explanations behind both applications are reconstructable.
	var chain types.CausalChainRecord
	if found, _ := st.Get(ctx, "id-1", types.KindCausalChain, down.ID, &chain); !found {
		t.Fatal("causal chain not persisted")
	}
	if chain.Quality != types.ExplanationClear {
		t.Fatalf("chain quality = %s", chain.Quality)
	}

	// Applied records satisfy their own dedup: a second cycle is a no-op.
	again, err := loop.RunCycle(ctx, "id-1")
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if again.Applied != 0 || again.Skipped != 0 || again.Held != 0 {
		t.Fatalf("second cycle = %+v, want no-op", again)
	}
}

func TestRollbackWritesFailureMemory(t *testing.T) {
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	loop, st, sink := testLoop(now)
	ctx := context.Background()

	seedEconomyPasses(t, st, "id-1", "review", 5, 0.9, now.Add(-2*time.Hour))
	result, err := loop.RunCycle(ctx, "id-1")
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	down := candidateOfType(t, result, types.CandidateRoutingDowngrade)

	if err := loop.Rollback(ctx, "id-1", down.ID, "quality dropped in production"); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	// Disabled, not deleted.
	var pref types.RoutingPreference
	if _, err := st.Get(ctx, "id-1", types.KindPreference, "review", &pref); err != nil {
		t.Fatalf("get preference: %v", err)
	}
	if !pref.Disabled {
		t.Fatal("preference still enabled after rollback")
	}
	var rolled types.ImprovementCandidate
	if _, err := st.Get(ctx, "id-1", types.KindCandidate, down.ID, &rolled); err != nil {
		t.Fatalf("get candidate: %v", err)
	}
	if rolled.Status != types.CandidateRolledBack {
		t.Fatalf("status = %s, want rolled_back", rolled.Status)
	}
	if got := len(sink.ByType(logging.AuditCandidateRollback)); got != 1 {
		t.Fatalf("rollback events = %d, want 1", got)
	}

	// The disabled preference makes the downgrade proposable again, but
	// failure memory blocks it until expiry.
	again, err := loop.RunCycle(ctx, "id-1")
	if err != nil {
		t.Fatalf("cycle after rollback: %v", err)
	}
	blocked := candidateOfType(t, again, types.CandidateRoutingDowngrade)
	if blocked.Status != types.CandidateSkipped || blocked.Reason != ReasonFailureMemory {
		t.Fatalf("candidate = %+v, want skipped on failure memory", blocked)
	}
}

func TestCooldownBlocksReapplication(t *testing.T) {
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	loop, st, _ := testLoop(now)
	ctx := context.Background()

	// An applied cache-enable inside its cooldown, with no materialized
	// policy left (e.g. wiped by an operator), must not re-apply yet.
	prior := types.ImprovementCandidate{
		ID: "cand-0", Type: types.CandidateCacheEnable, Target: "review",
		DedupKey: DedupKey(types.CandidateCacheEnable, "review"),
		Status:   types.CandidateApplied, CooldownUntil: now.Add(24 * time.Hour),
		CreatedAt: now.Add(-24 * time.Hour), AppliedAt: now.Add(-24 * time.Hour),
	}
	if err := st.Put(ctx, "id-1", types.KindCandidate, prior.ID, prior); err != nil {
		t.Fatalf("put prior: %v", err)
	}
	seedEconomyPasses(t, st, "id-1", "review", 5, 0.5, now.Add(-2*time.Hour))

	result, err := loop.RunCycle(ctx, "id-1")
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	blocked := candidateOfType(t, result, types.CandidateCacheEnable)
	if blocked.Status != types.CandidateSkipped || blocked.Reason != ReasonCooldownActive {
		t.Fatalf("candidate = %+v, want skipped on cooldown", blocked)
	}
}

func TestFreezeProposedOnFailureRate(t *testing.T) {
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	loop, st, _ := testLoop(now)
	ctx := context.Background()

	// 4 of 6 failing crosses the freeze threshold.
	for i := 0; i < 6; i++ {
		err := st.AppendOutcome(ctx, "id-1", types.TaskOutcomeRecord{
			TaskID: uuid.NewString(), TaskType: "deploy", TaskClass: types.ClassRoutine,
			ModelTier: types.TierStandard, QualityScore: 0.4, EvaluationPassed: i >= 4,
			CreatedAt: now.Add(time.Duration(i-10) * time.Minute),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	result, err := loop.RunCycle(ctx, "id-1")
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	frozen := candidateOfType(t, result, types.CandidateTaskTypeFreeze)
	if frozen.Status != types.CandidateApplied {
		t.Fatalf("freeze = %+v, want applied", frozen)
	}

	var freeze types.TaskFreeze
	if found, _ := st.Get(ctx, "id-1", types.KindFreeze, "deploy", &freeze); !found || freeze.Disabled {
		t.Fatalf("freeze not materialized: %+v", freeze)
	}
}

func TestUpgradeRollsBackRegressedPreference(t *testing.T) {
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	loop, st, _ := testLoop(now)
	ctx := context.Background()

	orig := types.ImprovementCandidate{
		ID: "cand-1", Type: types.CandidateRoutingDowngrade, Target: "review",
		DedupKey: DedupKey(types.CandidateRoutingDowngrade, "review"),
		Status:   types.CandidateApplied, CooldownUntil: now.Add(24 * time.Hour),
		CreatedAt: now.Add(-48 * time.Hour), AppliedAt: now.Add(-48 * time.Hour),
	}
	if err := st.Put(ctx, "id-1", types.KindCandidate, orig.ID, orig); err != nil {
		t.Fatalf("put candidate: %v", err)
	}
	err := st.Put(ctx, "id-1", types.KindPreference, "review", types.RoutingPreference{
		TaskType: "review", Tier: types.TierEconomy, CandidateID: orig.ID, CreatedAt: orig.AppliedAt,
	})
	if err != nil {
		t.Fatalf("put preference: %v", err)
	}
	// Active cache policy keeps the cycle focused on the upgrade.
	err = st.Put(ctx, "id-1", types.KindCachePolicy, "review", types.CachePolicy{
		TaskType: "review", CreatedAt: orig.AppliedAt,
	})
	if err != nil {
		t.Fatalf("put cache policy: %v", err)
	}

	// Clean baseline, then a sharp drop on the preferred economy tier.
	seedEconomyPasses(t, st, "id-1", "review", 5, 0.9, now.Add(-3*time.Hour))
	seedEconomyPasses(t, st, "id-1", "review", 3, 0.5, now.Add(-time.Hour))

	result, err := loop.RunCycle(ctx, "id-1")
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	up := candidateOfType(t, result, types.CandidateRoutingUpgrade)
	if up.Status != types.CandidateApplied {
		t.Fatalf("upgrade = %+v, want applied", up)
	}
	if result.RolledBack != 1 {
		t.Fatalf("RolledBack = %d, want 1", result.RolledBack)
	}

	var pref types.RoutingPreference
	if _, err := st.Get(ctx, "id-1", types.KindPreference, "review", &pref); err != nil {
		t.Fatalf("get preference: %v", err)
	}
	if !pref.Disabled {
		t.Fatal("regressed preference still enabled")
	}
	var rolled types.ImprovementCandidate
	if _, err := st.Get(ctx, "id-1", types.KindCandidate, orig.ID, &rolled); err != nil {
		t.Fatalf("get original: %v", err)
	}
	if rolled.Status != types.CandidateRolledBack {
		t.Fatalf("original status = %s, want rolled_back", rolled.Status)
	}
	var memory types.FailureMemory
	if found, _ := st.Get(ctx, "id-1", types.KindFailureMemory, orig.DedupKey, &memory); !found {
		t.Fatal("failure memory not written")
	}
}

func TestDeferAndTightenFromSignals(t *testing.T) {
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	loop, st, _ := testLoop(now)
	ctx := context.Background()

	err := st.Put(ctx, "id-1", types.KindBudgetEvent, "ev-1", types.BudgetEventRecord{
		ID: "ev-1", TaskType: "export", BudgetID: "b-1", Reason: "soft_limit_exceeded",
		Detail: "budget b-1: projected 60 cents at or above soft limit 50 (hard limit 100)", CreatedAt: now.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("put budget event: %v", err)
	}
	pair := types.CooperationMetric{AgentA: "a1", AgentB: "a2", TrustScore: 0.4, DeadlockScore: 0.8, UpdatedAt: now}
	if err := st.Put(ctx, "id-1", types.KindCooperation, types.PairKey("a1", "a2"), pair); err != nil {
		t.Fatalf("put pair metric: %v", err)
	}

	result, err := loop.RunCycle(ctx, "id-1")
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if result.Applied != 2 {
		t.Fatalf("applied = %d: %+v", result.Applied, result.Candidates)
	}

	var sched types.SchedulePreference
	if found, _ := st.Get(ctx, "id-1", types.KindSchedulePref, "export", &sched); !found || sched.Policy != types.PolicyDeferred {
		t.Fatalf("schedule preference = %+v", sched)
	}
	var override types.EscalationOverride
	if found, _ := st.Get(ctx, "id-1", types.KindEscalation, types.PairKey("a1", "a2"), &override); !found {
		t.Fatal("escalation override not materialized")
	}
	if override.Threshold != 0.4 {
		t.Fatalf("threshold = %v, want half the observed score", override.Threshold)
	}
}

func TestDriftFreezeHoldsCandidates(t *testing.T) {
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	loop, st, sink := testLoop(now)
	ctx := context.Background()

	report := types.DriftReport{ID: "r-1", Severity: types.SeverityHigh, CreatedAt: now.Add(-time.Hour)}
	if err := st.Put(ctx, "id-1", types.KindDriftReport, "latest", report); err != nil {
		t.Fatalf("put report: %v", err)
	}
	seedEconomyPasses(t, st, "id-1", "review", 5, 0.9, now.Add(-2*time.Hour))

	result, err := loop.RunCycle(ctx, "id-1")
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if result.Applied != 0 || result.Held != 2 {
		t.Fatalf("result = %+v, want everything held", result)
	}
	for _, c := range result.Candidates {
		if c.Status != types.CandidateProposed || c.Reason != ReasonDriftFrozen {
			t.Fatalf("candidate = %+v, want held at proposed", c)
		}
	}
	if found, _ := st.Get(ctx, "id-1", types.KindPreference, "review", &types.RoutingPreference{}); found {
		t.Fatal("preference materialized despite freeze")
	}
	if got := len(sink.ByType(logging.AuditCandidateHeld)); got != 2 {
		t.Fatalf("held events = %d, want 2", got)
	}
}

func TestRollbackRequiresAppliedCandidate(t *testing.T) {
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	loop, st, _ := testLoop(now)
	ctx := context.Background()

	pending := types.ImprovementCandidate{
		ID: "cand-9", Type: types.CandidateTaskTypeFreeze, Target: "deploy",
		DedupKey: DedupKey(types.CandidateTaskTypeFreeze, "deploy"),
		Status:   types.CandidateProposed, CreatedAt: now,
	}
	if err := st.Put(ctx, "id-1", types.KindCandidate, pending.ID, pending); err != nil {
		t.Fatalf("put candidate: %v", err)
	}
	if err := loop.Rollback(ctx, "id-1", pending.ID, "operator request"); err == nil {
		t.Fatal("rollback of unapplied candidate succeeded")
	}
	if err := loop.Rollback(ctx, "id-1", "ghost", "operator request"); err == nil {
		t.Fatal("rollback of unknown candidate succeeded")
	}
}
