package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"warden/internal/config"
	"warden/internal/logging"
	"warden/internal/store"
	"warden/internal/types"
)

func testCache(now time.Time) (*Cache, *store.MemoryStore, *logging.MemorySink) {
	st := store.NewMemoryStore()
	sink := &logging.MemorySink{}
	c := New(NewStoreBackend(st), logging.NewAuditor(sink), types.FixedClock{T: now}, config.DefaultConfig().Cache)
	return c, st, sink
}

func TestKeyChangesWithGoalVersion(t *testing.T) {
	k1 := Key("exec", "review", "g1", 1, "same input")
	k2 := Key("exec", "review", "g1", 2, "same input")
	if k1 == k2 {
		t.Fatal("goal version must invalidate the key")
	}
	if k1 != Key("exec", "review", "g1", 1, "same input") {
		t.Fatal("key must be deterministic")
	}
	if k1 == Key("exec", "review", "g1", 1, "other input") {
		t.Fatal("input must participate in the key")
	}
}

func TestEligibilityDenials(t *testing.T) {
	c, _, _ := testCache(time.Now())

	cases := []struct {
		name   string
		gc     types.GovernanceContext
		reason string
	}{
		{"high risk class", types.GovernanceContext{TaskClass: types.ClassHighRisk}, ReasonHighRiskClass},
		{"novelty exceeded", types.GovernanceContext{TaskClass: types.ClassRoutine, Novelty: 0.99}, ReasonNoveltyExceeded},
		{"exploration active", types.GovernanceContext{TaskClass: types.ClassRoutine, Exploration: true}, ReasonExploration},
		{"irreversible impact", types.GovernanceContext{TaskClass: types.ClassRoutine, Impact: types.ImpactIrreversible}, ReasonImpactExcluded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := c.Evaluate(tc.gc)
			if e.Eligible {
				t.Fatalf("should be ineligible: %+v", e)
			}
			if e.Reason != tc.reason {
				t.Fatalf("reason = %q, want %q", e.Reason, tc.reason)
			}
		})
	}

	e := c.Evaluate(types.GovernanceContext{TaskClass: types.ClassRoutine, Impact: types.ImpactReversible})
	if !e.Eligible {
		t.Fatalf("routine reversible should be eligible: %+v", e)
	}
}

func TestLookupHitMissAndExpiry(t *testing.T) {
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	c, st, sink := testCache(now)
	ctx := context.Background()

	gc := types.GovernanceContext{Identity: "id-1", TaskType: "review", GoalID: "g1", DecisionType: "exec"}
	key := Key("exec", "review", "g1", 1, "input")

	if _, found, err := c.Lookup(ctx, "id-1", key, nil); err != nil || found {
		t.Fatalf("cold lookup: found=%v err=%v", found, err)
	}
	if err := c.Store(ctx, "id-1", gc, key, `{"ok":true}`); err != nil {
		t.Fatalf("store: %v", err)
	}

	entry, found, err := c.Lookup(ctx, "id-1", key, nil)
	if err != nil || !found {
		t.Fatalf("hit: found=%v err=%v", found, err)
	}
	if entry.Payload != `{"ok":true}` || entry.HitCount != 1 {
		t.Fatalf("entry: %+v", entry)
	}
	if got := sink.ByType(logging.AuditCacheHit); len(got) != 1 {
		t.Fatalf("hit audit events = %d", len(got))
	}

	// Past the TTL the same key is a miss; the entry is not deleted.
	expired := New(NewStoreBackend(st), nil, types.FixedClock{T: now.Add(config.DefaultConfig().Cache.TTL + time.Minute)}, config.DefaultConfig().Cache)
	if _, found, err := expired.Lookup(ctx, "id-1", key, nil); err != nil || found {
		t.Fatalf("expired lookup: found=%v err=%v", found, err)
	}
	var raw types.CacheEntry
	if ok, err := st.Get(ctx, "id-1", types.KindCacheEntry, key, &raw); err != nil || !ok {
		t.Fatalf("expired entry should remain stored: %v", err)
	}
}

func TestLookupRevalidates(t *testing.T) {
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	c, _, _ := testCache(now)
	ctx := context.Background()

	gc := types.GovernanceContext{Identity: "id-1", TaskType: "review", GoalID: "g1", DecisionType: "exec"}
	key := Key("exec", "review", "g1", 1, "input")
	if err := c.Store(ctx, "id-1", gc, key, "not json"); err != nil {
		t.Fatalf("store: %v", err)
	}

	reject := func(payload string) error { return errors.New("bad shape") }
	if _, found, err := c.Lookup(ctx, "id-1", key, reject); err != nil || found {
		t.Fatalf("invalid payload served as hit: found=%v err=%v", found, err)
	}
}

// =============================================================================
// DISTILLATION
// =============================================================================

func testDistiller(now time.Time) (*Distiller, *store.MemoryStore, *logging.MemorySink) {
	st := store.NewMemoryStore()
	sink := &logging.MemorySink{}
	return NewDistiller(st, logging.NewAuditor(sink), types.FixedClock{T: now}, config.DefaultConfig().Cache), st, sink
}

func groupOutcome(quality float64, passed bool, class types.TaskClass, cost int64, at time.Time) types.TaskOutcomeRecord {
	return types.TaskOutcomeRecord{
		TaskID: "t-" + at.Format("150405"), TaskType: "classify", TaskClass: class,
		InputHash: "hash-1", GoalID: "g1", QualityScore: quality,
		EvaluationPassed: passed, CostCents: cost, Output: "label-a", CreatedAt: at,
	}
}

func TestDistillPromotesAfterEnoughRuns(t *testing.T) {
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	d, st, sink := testDistiller(now)
	ctx := context.Background()

	for i := 0; i < config.DefaultConfig().Cache.MinDistillRuns; i++ {
		if err := st.AppendOutcome(ctx, "id-1", groupOutcome(0.9, true, types.ClassRoutine, 10, now.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	rule, refusal, err := d.TryDistill(ctx, "id-1", "classify", "hash-1", "g1")
	if err != nil {
		t.Fatalf("distill: %v", err)
	}
	if refusal != "" {
		t.Fatalf("refused: %s", refusal)
	}
	if rule.Status != types.RuleActive || rule.Output != "label-a" {
		t.Fatalf("rule: %+v", rule)
	}
	if got := sink.ByType(logging.AuditRulePromoted); len(got) != 1 {
		t.Fatalf("promotion audit events = %d", len(got))
	}

	// Lookup serves the rule.
	got, found, err := d.Lookup(ctx, "id-1", "classify", "hash-1", "g1")
	if err != nil || !found {
		t.Fatalf("lookup: found=%v err=%v", found, err)
	}
	if got.RuleID != rule.RuleID {
		t.Fatalf("lookup rule id %s", got.RuleID)
	}
}

func TestDistillRefusals(t *testing.T) {
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	min := config.DefaultConfig().Cache.MinDistillRuns

	t.Run("too few runs", func(t *testing.T) {
		d, st, _ := testDistiller(now)
		for i := 0; i < min-1; i++ {
			if err := st.AppendOutcome(ctx, "id-1", groupOutcome(0.9, true, types.ClassRoutine, 10, now)); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
		if _, refusal, err := d.TryDistill(ctx, "id-1", "classify", "hash-1", "g1"); err != nil || refusal != ReasonTooFewRuns {
			t.Fatalf("refusal = %q err = %v", refusal, err)
		}
	})

	t.Run("non-routine sample", func(t *testing.T) {
		d, st, _ := testDistiller(now)
		for i := 0; i < min-1; i++ {
			if err := st.AppendOutcome(ctx, "id-1", groupOutcome(0.9, true, types.ClassRoutine, 10, now)); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
		if err := st.AppendOutcome(ctx, "id-1", groupOutcome(0.9, true, types.ClassNovel, 10, now)); err != nil {
			t.Fatalf("append: %v", err)
		}
		if _, refusal, err := d.TryDistill(ctx, "id-1", "classify", "hash-1", "g1"); err != nil || refusal != ReasonNonRoutineSample {
			t.Fatalf("refusal = %q err = %v", refusal, err)
		}
	})

	t.Run("quality below floor", func(t *testing.T) {
		d, st, _ := testDistiller(now)
		for i := 0; i < min-1; i++ {
			if err := st.AppendOutcome(ctx, "id-1", groupOutcome(0.9, true, types.ClassRoutine, 10, now)); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
		if err := st.AppendOutcome(ctx, "id-1", groupOutcome(0.2, true, types.ClassRoutine, 10, now)); err != nil {
			t.Fatalf("append: %v", err)
		}
		if _, refusal, err := d.TryDistill(ctx, "id-1", "classify", "hash-1", "g1"); err != nil || refusal != ReasonQualityBelowBar {
			t.Fatalf("refusal = %q err = %v", refusal, err)
		}
	})

	t.Run("no cost saving", func(t *testing.T) {
		d, st, _ := testDistiller(now)
		d.cfg.RuleCostCents = 10
		for i := 0; i < min; i++ {
			if err := st.AppendOutcome(ctx, "id-1", groupOutcome(0.9, true, types.ClassRoutine, 10, now)); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
		if _, refusal, err := d.TryDistill(ctx, "id-1", "classify", "hash-1", "g1"); err != nil || refusal != ReasonNoSaving {
			t.Fatalf("refusal = %q err = %v", refusal, err)
		}
	})
}

func TestRuleDemotionRetainsRecord(t *testing.T) {
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	d, st, sink := testDistiller(now)
	ctx := context.Background()

	for i := 0; i < config.DefaultConfig().Cache.MinDistillRuns; i++ {
		if err := st.AppendOutcome(ctx, "id-1", groupOutcome(0.9, true, types.ClassRoutine, 10, now)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	rule, refusal, err := d.TryDistill(ctx, "id-1", "classify", "hash-1", "g1")
	if err != nil || refusal != "" {
		t.Fatalf("distill: refusal=%q err=%v", refusal, err)
	}

	// Fail the rule until it demotes.
	for i := 0; i < 20 && rule.Status == types.RuleActive; i++ {
		rule, err = d.RecordResult(ctx, "id-1", rule, false)
		if err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if rule.Status != types.RuleDemoted {
		t.Fatalf("rule never demoted: %+v", rule)
	}
	if got := sink.ByType(logging.AuditRuleDemoted); len(got) != 1 {
		t.Fatalf("demotion audit events = %d", len(got))
	}

	// Demoted rules stay stored and stop serving lookups.
	var stored types.DistilledRule
	if found, err := st.Get(ctx, "id-1", types.KindDistilledRule, "classify:hash-1:g1", &stored); err != nil || !found {
		t.Fatalf("demoted rule deleted: %v", err)
	}
	if _, found, err := d.Lookup(ctx, "id-1", "classify", "hash-1", "g1"); err != nil || found {
		t.Fatalf("demoted rule served: found=%v err=%v", found, err)
	}
}
