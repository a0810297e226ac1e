package referee

import (
	"context"
	"math"
	"testing"
	"time"

	"warden/internal/config"
	"warden/internal/logging"
	"warden/internal/store"
	"warden/internal/types"
)

func testReferee(now time.Time) (*Referee, *store.MemoryStore, *logging.MemorySink) {
	st := store.NewMemoryStore()
	sink := &logging.MemorySink{}
	cfg := config.DefaultConfig().Referee
	return NewReferee(st, logging.NewAuditor(sink), types.FixedClock{T: now}, cfg), st, sink
}

func disagreement(created time.Time, proposals ...types.AgentProposal) types.DisagreementRecord {
	return types.DisagreementRecord{ID: "d1", Topic: "deploy order", Proposals: proposals, CreatedAt: created}
}

func TestResolveSelectsHigherScore(t *testing.T) {
	now := time.Now()
	r, _, _ := testReferee(now)

	res, err := r.Resolve(context.Background(), "id-1", disagreement(now,
		types.AgentProposal{ID: "p1", AgentID: "a1", Confidence: 0.9, RiskLevel: 0.2, Impact: types.ImpactReversible},
		types.AgentProposal{ID: "p2", AgentID: "a2", Confidence: 0.6, RiskLevel: 0.1, Impact: types.ImpactReversible},
	))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Outcome != OutcomeSelect || res.SelectedProposalID != "p1" {
		t.Fatalf("resolution: %+v", res)
	}
	// score = confidence - 0.5*risk
	if got := res.Scores["p1"]; math.Abs(got-0.8) > 1e-9 {
		t.Fatalf("p1 score = %v, want 0.8", got)
	}
}

func TestResolveMergesNearTies(t *testing.T) {
	now := time.Now()
	r, _, sink := testReferee(now)

	res, err := r.Resolve(context.Background(), "id-1", disagreement(now,
		types.AgentProposal{ID: "p1", AgentID: "a1", Confidence: 0.80, Impact: types.ImpactReversible},
		types.AgentProposal{ID: "p2", AgentID: "a2", Confidence: 0.77, Impact: types.ImpactReversible},
	))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Outcome != OutcomeMerge {
		t.Fatalf("gap 0.03 should merge: %+v", res)
	}
	if len(res.MergedProposalIDs) != 2 {
		t.Fatalf("merged ids: %v", res.MergedProposalIDs)
	}
	if got := sink.ByType(logging.AuditRefereeMerge); len(got) != 1 {
		t.Fatalf("merge audit events = %d", len(got))
	}
}

func TestIrreversibleAlwaysEscalates(t *testing.T) {
	now := time.Now()
	r, _, _ := testReferee(now)

	// Even a dominant score cannot get an irreversible proposal approved.
	res, err := r.Resolve(context.Background(), "id-1", disagreement(now,
		types.AgentProposal{ID: "p1", AgentID: "a1", Confidence: 1.0, Impact: types.ImpactIrreversible},
		types.AgentProposal{ID: "p2", AgentID: "a2", Confidence: 0.1, Impact: types.ImpactReversible},
	))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Outcome != OutcomeEscalate || !res.RequiresHumanReview {
		t.Fatalf("irreversible impact must escalate with review: %+v", res)
	}
	if res.Reason != ReasonIrreversible {
		t.Fatalf("reason = %q", res.Reason)
	}
}

func TestDeadlockShortcut(t *testing.T) {
	now := time.Now()
	r, st, _ := testReferee(now)
	ctx := context.Background()

	m := types.CooperationMetric{AgentA: "a1", AgentB: "a2", DeadlockScore: 0.75}
	if err := st.Put(ctx, "id-1", types.KindCooperation, types.PairKey("a1", "a2"), m); err != nil {
		t.Fatalf("put metric: %v", err)
	}

	res, err := r.Resolve(ctx, "id-1", disagreement(now,
		types.AgentProposal{ID: "p1", AgentID: "a1", Confidence: 0.9, Impact: types.ImpactReversible},
		types.AgentProposal{ID: "p2", AgentID: "a2", Confidence: 0.4, Impact: types.ImpactReversible},
	))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Outcome != OutcomeEscalate || res.Reason != ReasonDeadlockPair {
		t.Fatalf("deadlocked pair should escalate immediately: %+v", res)
	}
}

func TestTieBreakIsDeterministic(t *testing.T) {
	now := time.Now()

	for i := 0; i < 5; i++ {
		r, _, _ := testReferee(now)
		cfg := config.DefaultConfig().Referee
		cfg.MergeGap = 0 // force a strict selection on exact ties
		r.cfg = cfg

		res, err := r.Resolve(context.Background(), "id-1", disagreement(now,
			types.AgentProposal{ID: "p-b", AgentID: "a2", Confidence: 0.8, Impact: types.ImpactReversible},
			types.AgentProposal{ID: "p-a", AgentID: "a1", Confidence: 0.8, Impact: types.ImpactReversible},
		))
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		// Equal scores merge at gap 0; the pair ordering must still be stable.
		if res.Outcome != OutcomeMerge {
			t.Fatalf("exact tie at gap 0: %+v", res)
		}
		if res.MergedProposalIDs[0] != "p-a" || res.MergedProposalIDs[1] != "p-b" {
			t.Fatalf("run %d: unstable order %v", i, res.MergedProposalIDs)
		}
	}
}

func TestMetricsUpdateAfterResolution(t *testing.T) {
	now := time.Now()
	r, st, _ := testReferee(now)
	ctx := context.Background()

	// One escalation out of one resolution.
	_, err := r.Resolve(ctx, "id-1", disagreement(now,
		types.AgentProposal{ID: "p1", AgentID: "a1", Confidence: 0.9, Impact: types.ImpactIrreversible},
		types.AgentProposal{ID: "p2", AgentID: "a2", Confidence: 0.2, Impact: types.ImpactReversible},
	))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	var m types.CooperationMetric
	found, err := st.Get(ctx, "id-1", types.KindCooperation, types.PairKey("a1", "a2"), &m)
	if err != nil || !found {
		t.Fatalf("pair metric missing: %v", err)
	}
	if m.Resolutions != 1 || m.Escalations != 1 {
		t.Fatalf("counters: %+v", m)
	}
	// trust = 1 - 0.6*1 - 0.3*0, deadlock = 0.7*1 + 0.3*0
	if math.Abs(m.TrustScore-0.4) > 1e-9 || math.Abs(m.DeadlockScore-0.7) > 1e-9 {
		t.Fatalf("scores: trust=%v deadlock=%v", m.TrustScore, m.DeadlockScore)
	}
	if m.AgentA != "a1" || m.AgentB != "a2" {
		t.Fatalf("pair not canonical: %+v", m)
	}
}

func TestFallbackForcesSmallestImpact(t *testing.T) {
	now := time.Now()
	r, st, sink := testReferee(now)
	ctx := context.Background()

	// Deadlocked pair so the outright answer is an escalation.
	m := types.CooperationMetric{AgentA: "a1", AgentB: "a2", DeadlockScore: 0.9, TrustScore: 0.5}
	if err := st.Put(ctx, "id-1", types.KindCooperation, types.PairKey("a1", "a2"), m); err != nil {
		t.Fatalf("put metric: %v", err)
	}

	created := now.Add(-config.DefaultConfig().Referee.FallbackTimeout - time.Minute)
	res, err := r.ResolveWithFallback(ctx, "id-1", disagreement(created,
		types.AgentProposal{ID: "p1", AgentID: "a1", Confidence: 0.9, Impact: types.ImpactDifficult},
		types.AgentProposal{ID: "p2", AgentID: "a2", Confidence: 0.5, Impact: types.ImpactReversible},
	))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Outcome != OutcomeForce {
		t.Fatalf("aged escalation should force: %+v", res)
	}
	// Smallest impact wins over the higher raw score.
	if res.SelectedProposalID != "p2" {
		t.Fatalf("forced %s, want p2", res.SelectedProposalID)
	}
	if got := sink.ByType(logging.AuditRefereeForce); len(got) != 1 {
		t.Fatalf("force audit events = %d", len(got))
	}
}

func TestFallbackNeverForcesIrreversible(t *testing.T) {
	now := time.Now()
	r, st, _ := testReferee(now)
	ctx := context.Background()

	m := types.CooperationMetric{AgentA: "a1", AgentB: "a2", DeadlockScore: 0.9}
	if err := st.Put(ctx, "id-1", types.KindCooperation, types.PairKey("a1", "a2"), m); err != nil {
		t.Fatalf("put metric: %v", err)
	}

	created := now.Add(-24 * time.Hour)
	res, err := r.ResolveWithFallback(ctx, "id-1", disagreement(created,
		types.AgentProposal{ID: "p1", AgentID: "a1", Confidence: 0.9, Impact: types.ImpactIrreversible},
		types.AgentProposal{ID: "p2", AgentID: "a2", Confidence: 0.8, Impact: types.ImpactIrreversible},
	))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Outcome != OutcomeEscalate || res.Reason != ReasonTimeoutNoForce {
		t.Fatalf("all-irreversible disagreement must stay escalated: %+v", res)
	}
	if !res.RequiresHumanReview {
		t.Fatal("escalation must require review")
	}
}

func TestFallbackBeforeTimeoutKeepsEscalation(t *testing.T) {
	now := time.Now()
	r, st, _ := testReferee(now)
	ctx := context.Background()

	m := types.CooperationMetric{AgentA: "a1", AgentB: "a2", DeadlockScore: 0.9}
	if err := st.Put(ctx, "id-1", types.KindCooperation, types.PairKey("a1", "a2"), m); err != nil {
		t.Fatalf("put metric: %v", err)
	}

	res, err := r.ResolveWithFallback(ctx, "id-1", disagreement(now,
		types.AgentProposal{ID: "p1", AgentID: "a1", Confidence: 0.9, Impact: types.ImpactReversible},
		types.AgentProposal{ID: "p2", AgentID: "a2", Confidence: 0.5, Impact: types.ImpactReversible},
	))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Outcome != OutcomeEscalate {
		t.Fatalf("fresh escalation stands as-is: %+v", res)
	}
}
