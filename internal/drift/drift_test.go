package drift

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"warden/internal/config"
	"warden/internal/logging"
	"warden/internal/store"
	"warden/internal/types"
)

func testDetector(now time.Time) (*Detector, *store.MemoryStore, *logging.MemorySink) {
	st := store.NewMemoryStore()
	sink := &logging.MemorySink{}
	return NewDetector(st, logging.NewAuditor(sink), types.FixedClock{T: now}, config.DefaultConfig().Drift), st, sink
}

func seedOutcomes(t *testing.T, st *store.MemoryStore, identity, taskType string, tier types.ModelTier, n int, passed bool, at time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := st.AppendOutcome(context.Background(), identity, types.TaskOutcomeRecord{
			TaskID: uuid.NewString(), TaskType: taskType, TaskClass: types.ClassRoutine,
			ModelTier: tier, QualityScore: 0.8, EvaluationPassed: passed,
			CreatedAt: at.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}
}

func TestJSDivergenceBounds(t *testing.T) {
	same := map[string]float64{"a": 0.5, "b": 0.5}
	if got := jsDivergence(same, same); math.Abs(got) > 1e-12 {
		t.Fatalf("identical distributions diverge: %v", got)
	}
	disjoint := jsDivergence(map[string]float64{"a": 1}, map[string]float64{"b": 1})
	if math.Abs(disjoint-1) > 1e-9 {
		t.Fatalf("disjoint distributions = %v, want 1", disjoint)
	}
}

func TestStableBehaviorReportsNoDrift(t *testing.T) {
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	d, st, _ := testDetector(now)

	// Identical mix in both windows.
	seedOutcomes(t, st, "id-1", "review", types.TierEconomy, 12, true, now.AddDate(0, 0, -20))
	seedOutcomes(t, st, "id-1", "review", types.TierEconomy, 12, true, now.AddDate(0, 0, -3))

	report, err := d.Report(context.Background(), "id-1")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.Severity != types.SeverityNone {
		t.Fatalf("stable behavior severity = %s: %+v", report.Severity, report)
	}
	for _, r := range report.Reasons {
		if r == ReasonInsufficientHistory {
			t.Fatal("computed report must not claim insufficient history")
		}
	}
}

func TestBehaviorShiftEscalatesSeverity(t *testing.T) {
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	d, st, sink := testDetector(now)

	// Baseline: all review on economy, passing. Recent: all deploy on
	// frontier, failing. Divergence and failure delta both max out.
	seedOutcomes(t, st, "id-1", "review", types.TierEconomy, 15, true, now.AddDate(0, 0, -20))
	seedOutcomes(t, st, "id-1", "deploy", types.TierFrontier, 15, false, now.AddDate(0, 0, -3))

	report, err := d.Report(context.Background(), "id-1")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.Severity != types.SeverityHigh {
		t.Fatalf("full behavior swap severity = %s", report.Severity)
	}
	if len(report.Reasons) == 0 {
		t.Fatal("triggered report needs reasons")
	}
	if got := sink.ByType(logging.AuditDriftReport); len(got) != 1 {
		t.Fatalf("report audit events = %d", len(got))
	}
}

func TestImprovementIsNotDrift(t *testing.T) {
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	d, st, _ := testDetector(now)

	// Same mix in both windows, but the recent window stops failing.
	// The failure delta is sharply negative and must not trigger.
	seedOutcomes(t, st, "id-1", "review", types.TierEconomy, 15, false, now.AddDate(0, 0, -20))
	seedOutcomes(t, st, "id-1", "review", types.TierEconomy, 15, true, now.AddDate(0, 0, -3))

	report, err := d.Report(context.Background(), "id-1")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.Severity != types.SeverityNone {
		t.Fatalf("improvement graded as drift: severity = %s, %+v", report.Severity, report)
	}
	for _, m := range report.Metrics {
		if m.Name == MetricFailureDelta && m.Triggered {
			t.Fatalf("failure delta triggered on an improvement: %+v", m)
		}
	}
}

func TestInsufficientHistoryIsExplicit(t *testing.T) {
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	d, st, _ := testDetector(now)

	// Three outcomes against a minimum of ten.
	seedOutcomes(t, st, "id-1", "review", types.TierEconomy, 3, true, now.AddDate(0, 0, -3))

	report, err := d.Report(context.Background(), "id-1")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.Severity != types.SeverityNone {
		t.Fatalf("severity = %s", report.Severity)
	}
	if len(report.Reasons) != 1 || report.Reasons[0] != ReasonInsufficientHistory {
		t.Fatalf("reasons = %v, want explicit insufficient_history", report.Reasons)
	}
}

func TestGateFreezesAndClearsOnReaffirmation(t *testing.T) {
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	d, st, sink := testDetector(now)
	ctx := context.Background()

	seedOutcomes(t, st, "id-1", "review", types.TierEconomy, 15, true, now.AddDate(0, 0, -20))
	seedOutcomes(t, st, "id-1", "deploy", types.TierFrontier, 15, false, now.AddDate(0, 0, -3))
	report, err := d.Report(ctx, "id-1")
	if err != nil {
		t.Fatalf("report: %v", err)
	}

	status, err := d.Gate(ctx, "id-1")
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if !status.Frozen || !status.Blocked() {
		t.Fatalf("high severity must freeze: %+v", status)
	}
	if got := sink.ByType(logging.AuditDriftFreeze); len(got) != 1 {
		t.Fatalf("freeze audit events = %d", len(got))
	}

	// A reaffirmation older than the report does not clear the gate.
	stale := types.ValueReaffirmationRecord{
		ID: "r0", ReportID: report.ID, AffirmedBy: "operator",
		CreatedAt: report.CreatedAt.Add(-time.Hour),
	}
	if err := d.Reaffirm(ctx, "id-1", stale); err != nil {
		t.Fatalf("reaffirm: %v", err)
	}
	status, err = d.Gate(ctx, "id-1")
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if !status.Frozen {
		t.Fatal("stale reaffirmation cleared the gate")
	}

	// One created after the report does.
	fresh := types.ValueReaffirmationRecord{
		ID: "r1", ReportID: report.ID, AffirmedBy: "operator",
		CreatedAt: report.CreatedAt.Add(time.Hour),
	}
	if err := d.Reaffirm(ctx, "id-1", fresh); err != nil {
		t.Fatalf("reaffirm: %v", err)
	}
	status, err = d.Gate(ctx, "id-1")
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if status.Frozen || status.Reason != ReasonReaffirmed {
		t.Fatalf("fresh reaffirmation ignored: %+v", status)
	}
}

func TestGateWithoutReportPassesThrough(t *testing.T) {
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	d, _, _ := testDetector(now)

	status, err := d.Gate(context.Background(), "id-1")
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if status.Frozen || status.Throttled || status.Reason != ReasonNoReportYet {
		t.Fatalf("gate: %+v", status)
	}
}

func TestViolationDeltaContributes(t *testing.T) {
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	d, st, _ := testDetector(now)
	ctx := context.Background()

	// Stable outcomes so only the violation metrics can trigger.
	seedOutcomes(t, st, "id-1", "review", types.TierEconomy, 12, true, now.AddDate(0, 0, -20))
	seedOutcomes(t, st, "id-1", "review", types.TierEconomy, 12, true, now.AddDate(0, 0, -3))

	// No baseline violations, a burst of recent hard violations.
	for i := 0; i < 7; i++ {
		v := types.ViolationRecord{
			ID: uuid.NewString(), Kind: types.ViolationHard,
			TaskType: "review", CreatedAt: now.AddDate(0, 0, -2),
		}
		if err := d.RecordViolation(ctx, "id-1", v); err != nil {
			t.Fatalf("record violation: %v", err)
		}
	}

	report, err := d.Report(ctx, "id-1")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	var hardMetric *types.DriftMetric
	for i := range report.Metrics {
		if report.Metrics[i].Name == MetricHardViolationDelta {
			hardMetric = &report.Metrics[i]
		}
	}
	if hardMetric == nil || !hardMetric.Triggered {
		t.Fatalf("hard violation metric: %+v", report.Metrics)
	}
	if report.Severity == types.SeverityNone {
		t.Fatalf("violation burst severity = %s", report.Severity)
	}
}
