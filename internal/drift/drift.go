// Package drift compares recent behavior distributions against a
// baseline window and gates autonomous change application when the
// divergence crosses per-anchor thresholds.
package drift

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"warden/internal/config"
	"warden/internal/logging"
	"warden/internal/types"
)

// Metric names. Thresholds in config and anchors key off these.
const (
	MetricTaskTypeDivergence = "task_type_divergence"
	MetricTierDivergence     = "routing_tier_divergence"
	MetricFailureDelta       = "failure_rate_delta"
	MetricRollbackDelta      = "rollback_rate_delta"
	MetricHardViolationDelta = "hard_violation_delta"
	MetricNearMissDelta      = "near_miss_delta"
)

// ReasonInsufficientHistory marks a report that could not be computed.
// It is an explicit non-answer, not a clean bill of health.
const ReasonInsufficientHistory = "insufficient_history"

// Detector computes drift reports against a value anchor.
type Detector struct {
	store   types.Store
	auditor *logging.Auditor
	clock   types.Clock
	cfg     config.DriftConfig
}

// NewDetector creates a drift detector.
func NewDetector(store types.Store, auditor *logging.Auditor, clock types.Clock, cfg config.DriftConfig) *Detector {
	if clock == nil {
		clock = types.SystemClock{}
	}
	return &Detector{store: store, auditor: auditor, clock: clock, cfg: cfg}
}

// =============================================================================
// REPORTING
// =============================================================================

// Report computes every drift metric over the baseline and recent
// windows and persists the resulting report. When no metric has enough
// history the report carries severity none with an explicit
// insufficient_history reason.
func (d *Detector) Report(ctx context.Context, identity string) (types.DriftReport, error) {
	now := d.clock.Now()
	recentStart := now.AddDate(0, 0, -d.cfg.RecentDays)
	baselineStart := now.AddDate(0, 0, -d.cfg.BaselineDays)

	anchor, err := d.anchor(ctx, identity)
	if err != nil {
		return types.DriftReport{}, err
	}

	outcomes, err := d.store.ListOutcomes(ctx, identity)
	if err != nil {
		return types.DriftReport{}, err
	}
	var baseline, recent []types.TaskOutcomeRecord
	for _, o := range outcomes {
		switch {
		case o.CreatedAt.Before(baselineStart) || o.CreatedAt.After(now):
		case o.CreatedAt.Before(recentStart):
			baseline = append(baseline, o)
		default:
			recent = append(recent, o)
		}
	}

	report := types.DriftReport{
		ID:        uuid.NewString(),
		AnchorID:  anchor.AnchorID,
		Version:   anchor.Version,
		CreatedAt: now,
	}

	computed := false
	if len(baseline) >= d.cfg.MinSamples && len(recent) >= d.cfg.MinSamples {
		computed = true
		report.Metrics = append(report.Metrics,
			d.metric(anchor, MetricTaskTypeDivergence, jsDivergence(taskTypeDist(baseline), taskTypeDist(recent))),
			d.metric(anchor, MetricTierDivergence, jsDivergence(tierDist(baseline), tierDist(recent))),
			d.metric(anchor, MetricFailureDelta, failureRate(recent)-failureRate(baseline)),
		)
	}

	rollback, ok, err := d.rollbackDelta(ctx, identity, baselineStart, recentStart, now)
	if err != nil {
		return types.DriftReport{}, err
	}
	if ok {
		computed = true
		report.Metrics = append(report.Metrics, d.metric(anchor, MetricRollbackDelta, rollback))
	}

	hard, near, ok, err := d.violationDeltas(ctx, identity, baselineStart, recentStart, now)
	if err != nil {
		return types.DriftReport{}, err
	}
	if ok {
		computed = true
		report.Metrics = append(report.Metrics,
			d.metric(anchor, MetricHardViolationDelta, hard),
			d.metric(anchor, MetricNearMissDelta, near),
		)
	}

	if !computed {
		report.Severity = types.SeverityNone
		report.Reasons = []string{ReasonInsufficientHistory}
	} else {
		report.Severity, report.Reasons = grade(report.Metrics)
	}

	if err := d.store.Put(ctx, identity, types.KindDriftReport, report.ID, report); err != nil {
		return report, fmt.Errorf("persist report: %w", err)
	}
	if err := d.store.Put(ctx, identity, types.KindDriftReport, "latest", report); err != nil {
		return report, fmt.Errorf("persist latest report: %w", err)
	}
	d.auditor.Log(logging.AuditEvent{
		EventType: logging.AuditDriftReport,
		Identity:  identity,
		Target:    report.ID,
		Reason:    string(report.Severity),
		Success:   report.Severity == types.SeverityNone,
	})
	logging.Get(logging.CategoryDrift).Info("drift report %s: severity=%s reasons=%v", report.ID, report.Severity, report.Reasons)
	return report, nil
}

// metric builds one measurement against the anchor threshold. Anchor
// thresholds override configured defaults per metric name.
func (d *Detector) metric(anchor types.ValueAnchor, name string, value float64) types.DriftMetric {
	threshold, ok := anchor.Thresholds[name]
	if !ok {
		threshold = d.cfg.Thresholds[name]
	}
	// Only movement away from the anchor counts: a rate falling below
	// its baseline is an improvement, not drift.
	v := math.Max(value, 0)
	return types.DriftMetric{
		Name:      name,
		Value:     v,
		Threshold: threshold,
		Triggered: threshold > 0 && v >= threshold,
	}
}

// grade derives severity from the maximum threshold ratio. A metric at
// twice its threshold is high, at threshold is medium, at half is low.
func grade(metrics []types.DriftMetric) (types.Severity, []string) {
	var maxRatio float64
	var reasons []string
	for _, m := range metrics {
		if m.Threshold <= 0 {
			continue
		}
		ratio := m.Value / m.Threshold
		if ratio >= 0.5 {
			reasons = append(reasons, m.Name)
		}
		if ratio > maxRatio {
			maxRatio = ratio
		}
	}
	switch {
	case maxRatio >= 2:
		return types.SeverityHigh, reasons
	case maxRatio >= 1:
		return types.SeverityMedium, reasons
	case maxRatio >= 0.5:
		return types.SeverityLow, reasons
	default:
		return types.SeverityNone, nil
	}
}

// anchor loads the identity's value anchor, falling back to configured
// thresholds under a synthetic default anchor.
func (d *Detector) anchor(ctx context.Context, identity string) (types.ValueAnchor, error) {
	var anchor types.ValueAnchor
	found, err := d.store.Get(ctx, identity, types.KindValueAnchor, "current", &anchor)
	if err != nil {
		return anchor, fmt.Errorf("load anchor: %w", err)
	}
	if !found {
		anchor = types.ValueAnchor{AnchorID: "default", Version: 1, Thresholds: d.cfg.Thresholds}
	}
	return anchor, nil
}

// =============================================================================
// WINDOW RATES
// =============================================================================

func (d *Detector) rollbackDelta(ctx context.Context, identity string, baselineStart, recentStart, now time.Time) (float64, bool, error) {
	var candidates []types.ImprovementCandidate
	if err := d.store.List(ctx, identity, types.KindCandidate, &candidates); err != nil {
		return 0, false, err
	}
	var bTotal, bRolled, rTotal, rRolled int
	for _, c := range candidates {
		if c.CreatedAt.Before(baselineStart) || c.CreatedAt.After(now) {
			continue
		}
		rolled := c.Status == types.CandidateRolledBack
		if c.CreatedAt.Before(recentStart) {
			bTotal++
			if rolled {
				bRolled++
			}
		} else {
			rTotal++
			if rolled {
				rRolled++
			}
		}
	}
	if bTotal == 0 || rTotal == 0 {
		return 0, false, nil
	}
	return float64(rRolled)/float64(rTotal) - float64(bRolled)/float64(bTotal), true, nil
}

func (d *Detector) violationDeltas(ctx context.Context, identity string, baselineStart, recentStart, now time.Time) (hard, near float64, ok bool, err error) {
	var violations []types.ViolationRecord
	if err := d.store.List(ctx, identity, types.KindViolation, &violations); err != nil {
		return 0, 0, false, err
	}
	if len(violations) == 0 {
		return 0, 0, false, nil
	}

	baselineDays := float64(d.cfg.BaselineDays - d.cfg.RecentDays)
	recentDays := float64(d.cfg.RecentDays)
	if baselineDays <= 0 || recentDays <= 0 {
		return 0, 0, false, nil
	}

	var bHard, bNear, rHard, rNear float64
	for _, v := range violations {
		if v.CreatedAt.Before(baselineStart) || v.CreatedAt.After(now) {
			continue
		}
		recent := !v.CreatedAt.Before(recentStart)
		switch v.Kind {
		case types.ViolationHard:
			if recent {
				rHard++
			} else {
				bHard++
			}
		case types.ViolationNearMiss:
			if recent {
				rNear++
			} else {
				bNear++
			}
		}
	}
	// Per-day rates, so unequal window lengths compare fairly.
	hard = rHard/recentDays - bHard/baselineDays
	near = rNear/recentDays - bNear/baselineDays
	return hard, near, true, nil
}

// =============================================================================
// DISTRIBUTIONS
// =============================================================================

func taskTypeDist(outcomes []types.TaskOutcomeRecord) map[string]float64 {
	dist := map[string]float64{}
	for _, o := range outcomes {
		dist[o.TaskType]++
	}
	normalize(dist, len(outcomes))
	return dist
}

func tierDist(outcomes []types.TaskOutcomeRecord) map[string]float64 {
	dist := map[string]float64{}
	for _, o := range outcomes {
		dist[string(o.ModelTier)]++
	}
	normalize(dist, len(outcomes))
	return dist
}

func normalize(dist map[string]float64, n int) {
	if n == 0 {
		return
	}
	for k := range dist {
		dist[k] /= float64(n)
	}
}

func failureRate(outcomes []types.TaskOutcomeRecord) float64 {
	if len(outcomes) == 0 {
		return 0
	}
	var failed int
	for _, o := range outcomes {
		if !o.EvaluationPassed {
			failed++
		}
	}
	return float64(failed) / float64(len(outcomes))
}

// jsDivergence is the Jensen-Shannon divergence in base 2, bounded [0,1].
func jsDivergence(p, q map[string]float64) float64 {
	keys := map[string]struct{}{}
	for k := range p {
		keys[k] = struct{}{}
	}
	for k := range q {
		keys[k] = struct{}{}
	}
	var div float64
	for k := range keys {
		pv, qv := p[k], q[k]
		m := (pv + qv) / 2
		div += 0.5*kl(pv, m) + 0.5*kl(qv, m)
	}
	return div
}

func kl(p, m float64) float64 {
	if p == 0 || m == 0 {
		return 0
	}
	return p * math.Log2(p/m)
}
