// Package contract validates every record type against its structural
// schema before it enters or leaves the kernel. Violations are ordinary
// errors; callers map them to the schema_validation_error failure kind.
package contract

import (
	"fmt"

	"warden/internal/types"
)

// ValidationError reports the first schema violation found in a record.
type ValidationError struct {
	Kind  types.RecordKind
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema violation in %s: %s %s", e.Kind, e.Field, e.Msg)
}

func violation(kind types.RecordKind, field, msg string) error {
	return &ValidationError{Kind: kind, Field: field, Msg: msg}
}

func unitRange(kind types.RecordKind, field string, v float64) error {
	if v < 0 || v > 1 {
		return violation(kind, field, fmt.Sprintf("must be in [0,1], got %v", v))
	}
	return nil
}

// =============================================================================
// PER-KIND VALIDATORS
// =============================================================================

// AgentProfile checks an agent capability declaration.
func AgentProfile(p types.AgentProfile) error {
	const kind = types.KindAgentProfile
	if p.ID == "" {
		return violation(kind, "id", "is required")
	}
	if !p.MaxPermissionTier.Valid() {
		return violation(kind, "max_permission_tier", fmt.Sprintf("unknown tier %q", p.MaxPermissionTier))
	}
	if len(p.Scope.Domains) == 0 {
		return violation(kind, "scope.domains", "must declare at least one domain")
	}
	if len(p.Scope.AllowedTools) == 0 {
		return violation(kind, "scope.allowed_tools", "must declare at least one tool")
	}
	return nil
}

// Goal checks a goal record.
func Goal(g types.Goal) error {
	const kind = types.KindGoal
	if g.ID == "" {
		return violation(kind, "id", "is required")
	}
	if g.Owner == "" {
		return violation(kind, "owner", "is required")
	}
	for i, m := range g.SuccessMetrics {
		if m.Metric == "" {
			return violation(kind, fmt.Sprintf("success_metrics[%d].metric", i), "is required")
		}
		if m.Direction != "above" && m.Direction != "below" {
			return violation(kind, fmt.Sprintf("success_metrics[%d].direction", i), "must be above or below")
		}
	}
	return nil
}

// Outcome checks a task outcome record before it is appended.
func Outcome(o types.TaskOutcomeRecord) error {
	const kind = types.RecordKind("task_outcome")
	if o.TaskID == "" {
		return violation(kind, "task_id", "is required")
	}
	if o.TaskType == "" {
		return violation(kind, "task_type", "is required")
	}
	if !o.TaskClass.Valid() {
		return violation(kind, "task_class", fmt.Sprintf("unknown class %q", o.TaskClass))
	}
	if !o.ModelTier.Valid() {
		return violation(kind, "model_tier", fmt.Sprintf("unknown tier %q", o.ModelTier))
	}
	if err := unitRange(kind, "quality_score", o.QualityScore); err != nil {
		return err
	}
	if o.CostCents < 0 {
		return violation(kind, "cost_cents", "must be non-negative")
	}
	if o.CreatedAt.IsZero() {
		return violation(kind, "created_at", "is required")
	}
	return nil
}

// CostBudget checks a period budget. Soft must not exceed hard.
func CostBudget(b types.CostBudget) error {
	const kind = types.KindCostBudget
	if b.ID == "" {
		return violation(kind, "id", "is required")
	}
	if !b.Period.Valid() {
		return violation(kind, "period", fmt.Sprintf("unknown period %q", b.Period))
	}
	if b.LimitCents < 0 || b.SoftLimitCents < 0 {
		return violation(kind, "limit_cents", "must be non-negative")
	}
	if b.SoftLimitCents > b.LimitCents {
		return violation(kind, "soft_limit_cents", fmt.Sprintf("soft %d exceeds hard %d", b.SoftLimitCents, b.LimitCents))
	}
	return nil
}

// EconomicState checks the per-identity unit ledger.
func EconomicState(s types.EconomicBudgetState) error {
	const kind = types.KindEconomicState
	if s.IdentityKey == "" {
		return violation(kind, "identity_key", "is required")
	}
	if s.Remaining < 0 {
		return violation(kind, "remaining_budget", "must never be negative")
	}
	if s.SessionRemaining < 0 {
		return violation(kind, "session_remaining", "must never be negative")
	}
	if s.WindowDurationMs <= 0 {
		return violation(kind, "window_duration_ms", "must be positive")
	}
	return nil
}

// ScheduledTask checks persisted deferred work.
func ScheduledTask(t types.ScheduledTask) error {
	const kind = types.KindScheduledTask
	if t.TaskID == "" {
		return violation(kind, "task_id", "is required")
	}
	switch t.Status {
	case types.StatusScheduled, types.StatusDeferred, types.StatusExecuted, types.StatusFailed:
	default:
		return violation(kind, "status", fmt.Sprintf("unknown status %q", t.Status))
	}
	if t.ScheduledAt.IsZero() {
		return violation(kind, "scheduled_at", "is required")
	}
	if t.Attempts < 0 {
		return violation(kind, "attempts", "must be non-negative")
	}
	return nil
}

// Disagreement checks a conflict record. At least one proposal is required.
func Disagreement(d types.DisagreementRecord) error {
	const kind = types.KindDisagreement
	if d.ID == "" {
		return violation(kind, "id", "is required")
	}
	if len(d.Proposals) == 0 {
		return violation(kind, "proposals", "must contain at least one proposal")
	}
	for i, p := range d.Proposals {
		if p.ID == "" {
			return violation(kind, fmt.Sprintf("proposals[%d].id", i), "is required")
		}
		if err := unitRange(kind, fmt.Sprintf("proposals[%d].confidence", i), p.Confidence); err != nil {
			return err
		}
		if err := unitRange(kind, fmt.Sprintf("proposals[%d].risk_level", i), p.RiskLevel); err != nil {
			return err
		}
		if !p.Impact.Valid() {
			return violation(kind, fmt.Sprintf("proposals[%d].impact", i), fmt.Sprintf("unknown impact %q", p.Impact))
		}
	}
	return nil
}

// Cooperation checks a pairwise metric. The pair key must be canonical.
func Cooperation(m types.CooperationMetric) error {
	const kind = types.KindCooperation
	if m.AgentA == "" || m.AgentB == "" {
		return violation(kind, "agents", "both agents are required")
	}
	if m.AgentA >= m.AgentB {
		return violation(kind, "agents", "must be in canonical order agentA<agentB")
	}
	if err := unitRange(kind, "trust_score", m.TrustScore); err != nil {
		return err
	}
	return unitRange(kind, "deadlock_score", m.DeadlockScore)
}

// Candidate checks an improvement candidate.
func Candidate(c types.ImprovementCandidate) error {
	const kind = types.KindCandidate
	if c.ID == "" {
		return violation(kind, "id", "is required")
	}
	if !c.Type.Valid() {
		return violation(kind, "type", fmt.Sprintf("unknown candidate type %q", c.Type))
	}
	if c.Target == "" {
		return violation(kind, "target", "is required")
	}
	if c.DedupKey == "" {
		return violation(kind, "dedup_key", "is required")
	}
	return nil
}

// CausalChain checks an interpretability record.
func CausalChain(c types.CausalChainRecord) error {
	const kind = types.KindCausalChain
	if c.CandidateID == "" {
		return violation(kind, "candidate_id", "is required")
	}
	switch c.Quality {
	case types.ExplanationClear, types.ExplanationInsufficient:
	default:
		return violation(kind, "explanation_quality", fmt.Sprintf("unknown quality %q", c.Quality))
	}
	if c.Quality == types.ExplanationClear {
		if len(c.Triggers) == 0 {
			return violation(kind, "triggers", "clear explanation requires at least one trigger")
		}
		if len(c.Alternatives) == 0 {
			return violation(kind, "alternatives", "clear explanation requires at least one alternative")
		}
		if len(c.Counterfactuals) == 0 {
			return violation(kind, "counterfactuals", "clear explanation requires at least one counterfactual")
		}
	}
	return nil
}

// Commitment checks a long-horizon commitment's schema. Policy rules
// (justification requirements) live in the trust calibrator, not here.
func Commitment(c types.Commitment) error {
	const kind = types.KindCommitment
	if c.ID == "" {
		return violation(kind, "id", "is required")
	}
	if c.AgentID == "" {
		return violation(kind, "agent_id", "is required")
	}
	if c.Duration <= 0 {
		return violation(kind, "duration", "must be positive")
	}
	if !c.Impact.Valid() {
		return violation(kind, "impact", fmt.Sprintf("unknown impact %q", c.Impact))
	}
	return nil
}

// GovernanceContext checks the per-call context before any gate runs.
// A malformed context is fatal to the call, not a policy decision.
func GovernanceContext(g types.GovernanceContext) error {
	const kind = types.RecordKind("governance_context")
	if g.Identity == "" {
		return violation(kind, "identity", "is required")
	}
	if g.AgentID == "" {
		return violation(kind, "agent_id", "is required")
	}
	if g.TaskType == "" {
		return violation(kind, "task_type", "is required")
	}
	if !g.TaskClass.Valid() {
		return violation(kind, "task_class", fmt.Sprintf("unknown class %q", g.TaskClass))
	}
	if !g.RequestedTier.Valid() {
		return violation(kind, "requested_tier", fmt.Sprintf("unknown tier %q", g.RequestedTier))
	}
	if !g.Impact.Valid() {
		return violation(kind, "impact", fmt.Sprintf("unknown impact %q", g.Impact))
	}
	if err := unitRange(kind, "risk_level", g.RiskLevel); err != nil {
		return err
	}
	if g.EstimatedCost < 0 {
		return violation(kind, "estimated_cost_cents", "must be non-negative")
	}
	return unitRange(kind, "novelty", g.Novelty)
}
