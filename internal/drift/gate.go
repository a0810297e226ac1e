package drift

import (
	"context"
	"fmt"

	"warden/internal/logging"
	"warden/internal/types"
)

// Gate reasons.
const (
	ReasonFrozen      = "drift_freeze"
	ReasonThrottled   = "drift_throttle"
	ReasonReaffirmed  = "reaffirmed"
	ReasonClear       = "clear"
	ReasonNoReportYet = "no_report"
)

// GateStatus is the current gate posture derived from the latest report.
type GateStatus struct {
	Frozen    bool   `json:"frozen"`
	Throttled bool   `json:"throttled"`
	Reason    string `json:"reason"`
	ReportID  string `json:"report_id,omitempty"`
}

// Blocked reports whether autonomous application must stop outright.
func (g GateStatus) Blocked() bool { return g.Frozen }

// Gate derives the gate posture from the latest drift report. High
// severity freezes autonomous application; medium throttles it (every
// change needs an attached justification). Either clears only through a
// human reaffirmation created at or after the report.
func (d *Detector) Gate(ctx context.Context, identity string) (GateStatus, error) {
	var report types.DriftReport
	found, err := d.store.Get(ctx, identity, types.KindDriftReport, "latest", &report)
	if err != nil {
		return GateStatus{}, fmt.Errorf("load latest report: %w", err)
	}
	if !found {
		return GateStatus{Reason: ReasonNoReportYet}, nil
	}
	if report.Severity != types.SeverityHigh && report.Severity != types.SeverityMedium {
		return GateStatus{Reason: ReasonClear, ReportID: report.ID}, nil
	}

	reaffirmed, err := d.reaffirmed(ctx, identity, report)
	if err != nil {
		return GateStatus{}, err
	}
	if reaffirmed {
		return GateStatus{Reason: ReasonReaffirmed, ReportID: report.ID}, nil
	}

	status := GateStatus{ReportID: report.ID}
	if report.Severity == types.SeverityHigh {
		status.Frozen = true
		status.Reason = ReasonFrozen
		d.auditor.Log(logging.AuditEvent{
			EventType: logging.AuditDriftFreeze,
			Identity:  identity,
			Target:    report.ID,
			Reason:    ReasonFrozen,
		})
	} else {
		status.Throttled = true
		status.Reason = ReasonThrottled
	}
	logging.Get(logging.CategoryDrift).Warn("gate for %s: %s (report %s)", identity, status.Reason, report.ID)
	return status, nil
}

// Reaffirm records a human reaffirmation against a report.
func (d *Detector) Reaffirm(ctx context.Context, identity string, rec types.ValueReaffirmationRecord) error {
	if rec.ReportID == "" || rec.AffirmedBy == "" {
		return fmt.Errorf("reaffirmation requires report id and affirmer")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = d.clock.Now()
	}
	return d.store.Put(ctx, identity, types.KindReaffirmation, rec.ID, rec)
}

// reaffirmed checks for a reaffirmation of this report created at or
// after the report itself. Older reaffirmations address older drift and
// do not count.
func (d *Detector) reaffirmed(ctx context.Context, identity string, report types.DriftReport) (bool, error) {
	var records []types.ValueReaffirmationRecord
	if err := d.store.List(ctx, identity, types.KindReaffirmation, &records); err != nil {
		return false, err
	}
	for _, r := range records {
		if r.ReportID == report.ID && !r.CreatedAt.Before(report.CreatedAt) {
			return true, nil
		}
	}
	return false, nil
}

// RecordViolation appends a safety-gate event for drift accounting.
func (d *Detector) RecordViolation(ctx context.Context, identity string, v types.ViolationRecord) error {
	if v.ID == "" {
		return fmt.Errorf("violation requires an id")
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = d.clock.Now()
	}
	return d.store.Put(ctx, identity, types.KindViolation, v.ID, v)
}
