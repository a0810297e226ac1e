// Package types provides shared type definitions used across warden packages.
// This package exists to break import cycles between the governance kernel,
// the improvement loop, and the invocation pipeline. Types here are
// foundational data structures with no complex dependencies.
package types

import "time"

// =============================================================================
// CLOSED SUM TYPES
// =============================================================================

// PermissionTier is the ceiling on what an agent may do without new approval.
// Ordering: draft < suggest < execute.
type PermissionTier string

const (
	TierDraft   PermissionTier = "draft"
	TierSuggest PermissionTier = "suggest"
	TierExecute PermissionTier = "execute"
)

// Ord returns the ordinal position of the tier. Unknown tiers order below
// draft so a malformed request can never out-rank a declared ceiling.
func (t PermissionTier) Ord() int {
	switch t {
	case TierDraft:
		return 1
	case TierSuggest:
		return 2
	case TierExecute:
		return 3
	default:
		return 0
	}
}

// Next returns the next tier up, or the same tier at the top of the ladder.
func (t PermissionTier) Next() PermissionTier {
	switch t {
	case TierDraft:
		return TierSuggest
	case TierSuggest:
		return TierExecute
	default:
		return t
	}
}

// Valid reports whether t is one of the declared tiers.
func (t PermissionTier) Valid() bool { return t.Ord() > 0 }

// MinPermissionTier returns the lower-privileged of two tiers.
func MinPermissionTier(a, b PermissionTier) PermissionTier {
	if a.Ord() <= b.Ord() {
		return a
	}
	return b
}

// ImpactLevel classifies how hard an action is to undo.
type ImpactLevel string

const (
	ImpactReversible   ImpactLevel = "reversible"
	ImpactDifficult    ImpactLevel = "difficult"
	ImpactIrreversible ImpactLevel = "irreversible"
)

// Ord returns the ordinal severity of the impact (reversible lowest).
func (i ImpactLevel) Ord() int {
	switch i {
	case ImpactReversible:
		return 1
	case ImpactDifficult:
		return 2
	case ImpactIrreversible:
		return 3
	default:
		return 0
	}
}

// Valid reports whether i is a declared impact level.
func (i ImpactLevel) Valid() bool { return i.Ord() > 0 }

// TaskClass drives cost governance and caching eligibility.
type TaskClass string

const (
	ClassRoutine  TaskClass = "routine"
	ClassNovel    TaskClass = "novel"
	ClassHighRisk TaskClass = "high_risk"
)

// Valid reports whether c is a declared task class.
func (c TaskClass) Valid() bool {
	switch c {
	case ClassRoutine, ClassNovel, ClassHighRisk:
		return true
	}
	return false
}

// ModelTier is an execution strategy ordered by cost.
// Fixed ordering: economy < standard < advanced < frontier.
type ModelTier string

const (
	TierEconomy  ModelTier = "economy"
	TierStandard ModelTier = "standard"
	TierAdvanced ModelTier = "advanced"
	TierFrontier ModelTier = "frontier"
)

// ModelTierOrder is the fixed cheapest-first routing order.
var ModelTierOrder = []ModelTier{TierEconomy, TierStandard, TierAdvanced, TierFrontier}

// Ord returns the ordinal position of the tier in the routing order.
func (m ModelTier) Ord() int {
	for i, t := range ModelTierOrder {
		if t == m {
			return i + 1
		}
	}
	return 0
}

// Valid reports whether m is a declared model tier.
func (m ModelTier) Valid() bool { return m.Ord() > 0 }

// MinTier returns the cheaper of two tiers. A zero-value tier on either
// side yields the other, so optional caps compose without special cases.
func MinTier(a, b ModelTier) ModelTier {
	if a.Ord() == 0 {
		return b
	}
	if b.Ord() == 0 {
		return a
	}
	if b.Ord() < a.Ord() {
		return b
	}
	return a
}

// FailureKind classifies a failed invocation outcome. These are classified
// results, not exception types: governance denials arrive here only after
// the pipeline converts a decision into a typed failure.
type FailureKind string

const (
	FailSchemaValidation FailureKind = "schema_validation_error"
	FailToolRuntime      FailureKind = "tool_runtime_error"
	FailTimeout          FailureKind = "timeout"
	FailPermissionDenied FailureKind = "permission_denied"
	FailBudgetExceeded   FailureKind = "budget_exceeded"
	FailPolicyBlocked    FailureKind = "policy_blocked"
	FailUnknown          FailureKind = "unknown"
)

// Retryable reports whether the scheduler or improvement loop may requeue
// work that failed with this kind.
func (k FailureKind) Retryable() bool {
	switch k {
	case FailTimeout, FailToolRuntime:
		return true
	case FailSchemaValidation, FailPermissionDenied, FailBudgetExceeded, FailPolicyBlocked, FailUnknown:
		return false
	default:
		return false
	}
}

// CandidateType enumerates the seven improvement candidate kinds.
type CandidateType string

const (
	CandidateRoutingDowngrade  CandidateType = "routing_downgrade"
	CandidateRoutingUpgrade    CandidateType = "routing_upgrade"
	CandidateTaskTypeFreeze    CandidateType = "task_type_freeze"
	CandidateCacheEnable       CandidateType = "cache_enable"
	CandidateRuleDistill       CandidateType = "rule_distill"
	CandidateScheduleDefer     CandidateType = "schedule_defer"
	CandidateEscalationTighten CandidateType = "escalation_tighten"
)

// Valid reports whether t is a declared candidate type.
func (t CandidateType) Valid() bool {
	switch t {
	case CandidateRoutingDowngrade, CandidateRoutingUpgrade, CandidateTaskTypeFreeze,
		CandidateCacheEnable, CandidateRuleDistill, CandidateScheduleDefer, CandidateEscalationTighten:
		return true
	}
	return false
}

// CandidateStatus tracks an improvement candidate through a run.
type CandidateStatus string

const (
	CandidateProposed   CandidateStatus = "proposed"
	CandidateApplied    CandidateStatus = "applied"
	CandidateSkipped    CandidateStatus = "skipped"
	CandidateRejected   CandidateStatus = "rejected"
	CandidateRolledBack CandidateStatus = "rolled_back"
)

// ScheduledStatus tracks a scheduled task. Transitions are one-directional:
// executed and failed are terminal.
type ScheduledStatus string

const (
	StatusScheduled ScheduledStatus = "scheduled"
	StatusDeferred  ScheduledStatus = "deferred"
	StatusExecuted  ScheduledStatus = "executed"
	StatusFailed    ScheduledStatus = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s ScheduledStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusFailed
}

// SchedulePolicy selects when proposed work runs.
type SchedulePolicy string

const (
	PolicyImmediate SchedulePolicy = "immediate"
	PolicyDeferred  SchedulePolicy = "deferred"
	PolicyOffPeak   SchedulePolicy = "off_peak"
)

// Severity grades drift reports, regressions and emergency modes.
type Severity string

const (
	SeverityNone   Severity = "none"
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Ord returns the ordinal severity (none lowest).
func (s Severity) Ord() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	default:
		return 0
	}
}

// ExplanationQuality grades a causal chain.
type ExplanationQuality string

const (
	ExplanationClear        ExplanationQuality = "clear"
	ExplanationInsufficient ExplanationQuality = "insufficient"
)

// GoalStatus is the single resolved status of a goal.
type GoalStatus string

const (
	GoalActive    GoalStatus = "active"
	GoalSuspended GoalStatus = "suspended"
	GoalExpired   GoalStatus = "expired"
)

// =============================================================================
// GOVERNANCE CONTEXT & DECISION
// =============================================================================

// GovernanceContext carries everything the kernel needs to decide whether a
// proposed action may proceed. It is assembled once per call and passed by
// value through every gate.
type GovernanceContext struct {
	Identity      string         `json:"identity"`
	AgentID       string         `json:"agent_id"`
	GoalID        string         `json:"goal_id"`
	TaskType      string         `json:"task_type"`
	TaskClass     TaskClass      `json:"task_class"`
	Tool          string         `json:"tool"`
	Domain        string         `json:"domain"`
	DecisionType  string         `json:"decision_type"`
	RequestedTier PermissionTier `json:"requested_tier"`
	Impact        ImpactLevel    `json:"impact"`
	RiskLevel     float64        `json:"risk_level"` // [0,1]
	EstimatedCost int64          `json:"estimated_cost_cents"`
	Novelty       float64        `json:"novelty"` // [0,1]
	Exploration   bool           `json:"exploration"`
}

// Critical reports whether this work may never be silently blocked:
// irreversible or difficult impact, or high risk.
func (g GovernanceContext) Critical() bool {
	return g.Impact == ImpactIrreversible || g.Impact == ImpactDifficult || g.RiskLevel >= 0.7
}

// Decision is the outcome of a governance check. Denials carry a stable
// machine-readable reason usable for audit and test assertions.
type Decision struct {
	Allowed             bool           `json:"allowed"`
	Reason              string         `json:"reason"`
	RequiresHumanReview bool           `json:"requires_human_review"`
	Details             map[string]any `json:"details,omitempty"`
}

// Allow returns an allowing decision with the given reason.
func Allow(reason string) Decision {
	return Decision{Allowed: true, Reason: reason}
}

// Deny returns a denying decision with the given reason.
func Deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// WithDetail attaches a detail key to the decision and returns it.
func (d Decision) WithDetail(key string, value any) Decision {
	if d.Details == nil {
		d.Details = make(map[string]any)
	}
	d.Details[key] = value
	return d
}

// =============================================================================
// TOOL RESULTS
// =============================================================================

// ToolStatus is the top-level outcome of an invocation.
type ToolStatus string

const (
	ToolOK        ToolStatus = "ok"
	ToolSuggested ToolStatus = "suggested" // draft-tier: nothing executed
	ToolFailed    ToolStatus = "failed"
)

// Failure is a typed invocation failure. The pipeline never lets an error
// escape its boundary; everything becomes a Failure with a kind.
type Failure struct {
	Kind      FailureKind `json:"kind"`
	Reason    string      `json:"reason"`
	Retryable bool        `json:"retryable"`
}

// Error implements error so failures cross ordinary error boundaries.
func (f Failure) Error() string {
	if f.Reason == "" {
		return string(f.Kind)
	}
	return string(f.Kind) + ": " + f.Reason
}

// ToolMetrics records what an invocation cost and where the result came from.
type ToolMetrics struct {
	DurationMs int64     `json:"duration_ms"`
	CostCents  int64     `json:"cost_cents"`
	Tier       ModelTier `json:"tier"`
	CacheHit   bool      `json:"cache_hit"`
	RuleHit    bool      `json:"rule_hit"`
}

// ToolResult is the single return shape of the invocation pipeline.
type ToolResult struct {
	Status  ToolStatus  `json:"status"`
	Output  any         `json:"output,omitempty"`
	Failure *Failure    `json:"failure,omitempty"`
	Metrics ToolMetrics `json:"metrics"`
}

// Fail builds a failed ToolResult with retryability derived from the kind.
func Fail(kind FailureKind, reason string) ToolResult {
	return ToolResult{
		Status:  ToolFailed,
		Failure: &Failure{Kind: kind, Reason: reason, Retryable: kind.Retryable()},
	}
}

// =============================================================================
// CLOCK
// =============================================================================

// Clock abstracts time so window computations are deterministic in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock always returns the same instant.
type FixedClock struct{ T time.Time }

// Now implements Clock.
func (c FixedClock) Now() time.Time { return c.T }
