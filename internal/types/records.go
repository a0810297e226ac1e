package types

import "time"

// =============================================================================
// AGENT & GOAL RECORDS
// =============================================================================

// AgentScope declares what an agent is allowed to touch.
type AgentScope struct {
	Domains        []string `json:"domains"`
	DecisionScopes []string `json:"decision_scopes"`
	AllowedTools   []string `json:"allowed_tools"`
}

// AgentProfile is an agent's capability declaration. Scope is immutable
// unless the agent is re-registered.
type AgentProfile struct {
	ID                string         `json:"id"`
	Role              string         `json:"role"`
	Scope             AgentScope     `json:"scope"`
	MaxPermissionTier PermissionTier `json:"max_permission_tier"`
	RegisteredAt      time.Time      `json:"registered_at"`
}

// SuccessMetric is one measurable target on a goal.
type SuccessMetric struct {
	Metric    string  `json:"metric"`
	Target    float64 `json:"target"`
	Direction string  `json:"direction"` // "above" or "below"
}

// Goal is a principal-owned objective. Status is derived, never stored raw:
// expiry wins over the explicit suspended flag.
type Goal struct {
	ID             string          `json:"id"`
	Owner          string          `json:"owner"`
	Version        int             `json:"version"`
	SuccessMetrics []SuccessMetric `json:"success_metrics"`
	Suspended      bool            `json:"suspended"`
	ExpiresAt      time.Time       `json:"expires_at"`
}

// Status resolves the goal's single lifecycle status at the given time.
func (g Goal) Status(now time.Time) GoalStatus {
	if !g.ExpiresAt.IsZero() && !now.Before(g.ExpiresAt) {
		return GoalExpired
	}
	if g.Suspended {
		return GoalSuspended
	}
	return GoalActive
}

// =============================================================================
// OUTCOME RECORDS (append-only)
// =============================================================================

// TaskOutcomeRecord is one executed task's result. Records are append-only
// and never mutated after creation; all window computations read them in
// creation order.
type TaskOutcomeRecord struct {
	TaskID           string    `json:"task_id"`
	TaskType         string    `json:"task_type"`
	TaskClass        TaskClass `json:"task_class"`
	InputHash        string    `json:"input_hash"`
	GoalID           string    `json:"goal_id"`
	AgentID          string    `json:"agent_id"`
	ModelTier        ModelTier `json:"model_tier"`
	QualityScore     float64   `json:"quality_score"` // [0,1]
	CostCents        int64     `json:"cost_cents"`
	EvaluationPassed bool      `json:"evaluation_passed"`
	Output           string    `json:"output,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// =============================================================================
// BUDGET RECORDS
// =============================================================================

// BudgetPeriod is the rolling window a cost budget covers.
type BudgetPeriod string

const (
	PeriodDaily   BudgetPeriod = "daily"
	PeriodWeekly  BudgetPeriod = "weekly"
	PeriodMonthly BudgetPeriod = "monthly"
	PeriodTotal   BudgetPeriod = "total"
)

// Valid reports whether p is a declared period.
func (p BudgetPeriod) Valid() bool {
	switch p {
	case PeriodDaily, PeriodWeekly, PeriodMonthly, PeriodTotal:
		return true
	}
	return false
}

// BudgetScope narrows which outcomes a budget counts. An empty field
// matches everything.
type BudgetScope struct {
	GoalID   string `json:"goal_id,omitempty"`
	AgentID  string `json:"agent_id,omitempty"`
	TaskType string `json:"task_type,omitempty"`
}

// Matches reports whether an outcome falls inside the scope.
func (s BudgetScope) Matches(o TaskOutcomeRecord) bool {
	if s.GoalID != "" && s.GoalID != o.GoalID {
		return false
	}
	if s.AgentID != "" && s.AgentID != o.AgentID {
		return false
	}
	if s.TaskType != "" && s.TaskType != o.TaskType {
		return false
	}
	return true
}

// CostBudget is a period spending ceiling. Disabled budgets are kept, not
// deleted. Invariant: SoftLimitCents <= LimitCents.
type CostBudget struct {
	ID             string       `json:"id"`
	Scope          BudgetScope  `json:"scope"`
	Period         BudgetPeriod `json:"period"`
	LimitCents     int64        `json:"limit_cents"`
	SoftLimitCents int64        `json:"soft_limit_cents"`
	Disabled       bool         `json:"disabled"`
	CreatedAt      time.Time    `json:"created_at"`
}

// EconomicBudgetState is the hard per-identity unit ledger. Remaining and
// SessionRemaining never go negative; the window resets atomically on
// expiry.
type EconomicBudgetState struct {
	IdentityKey      string    `json:"identity_key"`
	TotalBudget      int64     `json:"total_budget"`
	Remaining        int64     `json:"remaining_budget"`
	SessionBudget    int64     `json:"session_budget"`
	SessionRemaining int64     `json:"session_remaining"`
	WindowStart      time.Time `json:"window_start"`
	WindowDurationMs int64     `json:"window_duration_ms"`
	SessionStart     time.Time `json:"session_start"`
	SessionDurationMs int64    `json:"session_duration_ms"`
	AppliedCharges   []string  `json:"applied_charges,omitempty"`
}

// =============================================================================
// SCHEDULED TASKS
// =============================================================================

// ScheduledTask is deferred work persisted by the scheduler and consumed
// by the run loop.
type ScheduledTask struct {
	TaskID      string            `json:"task_id"`
	TaskType    string            `json:"task_type"`
	Policy      SchedulePolicy    `json:"policy"`
	BatchKey    string            `json:"batch_key,omitempty"`
	Deadline    time.Time         `json:"deadline,omitempty"`
	ScheduledAt time.Time         `json:"scheduled_at"`
	Status      ScheduledStatus   `json:"status"`
	Attempts    int               `json:"attempts"`
	Context     GovernanceContext `json:"context"`
	LastError   string            `json:"last_error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// =============================================================================
// COOPERATION RECORDS
// =============================================================================

// AgentProposal is one agent's proposed action on a contested topic.
type AgentProposal struct {
	ID         string      `json:"id"`
	AgentID    string      `json:"agent_id"`
	Summary    string      `json:"summary"`
	Confidence float64     `json:"confidence"` // [0,1]
	RiskLevel  float64     `json:"risk_level"` // [0,1]
	Impact     ImpactLevel `json:"impact"`
}

// DisagreementRecord captures conflicting proposals on one topic.
// Invariant: at least one proposal.
type DisagreementRecord struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Proposals []AgentProposal `json:"proposals"`
	CreatedAt time.Time       `json:"created_at"`
}

// CooperationMetric tracks pairwise trust between two agents. AgentA
// orders before AgentB so the pair key is canonical.
type CooperationMetric struct {
	AgentA        string    `json:"agent_a"`
	AgentB        string    `json:"agent_b"`
	TrustScore    float64   `json:"trust_score"`    // [0,1]
	DeadlockScore float64   `json:"deadlock_score"` // [0,1]
	Resolutions   int       `json:"resolutions"`
	Escalations   int       `json:"escalations"`
	Forced        int       `json:"forced"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// PairKey returns the canonical agentA<agentB key for a pair.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// =============================================================================
// CACHE & DISTILLATION RECORDS
// =============================================================================

// CacheEntry is a stored idempotent result. Expired entries are misses,
// not eagerly deleted.
type CacheEntry struct {
	CacheKey  string    `json:"cache_key"`
	Kind      string    `json:"kind"`
	TaskType  string    `json:"task_type"`
	GoalID    string    `json:"goal_id"`
	Payload   string    `json:"payload"`
	ExpiresAt time.Time `json:"expires_at"`
	HitCount  int64     `json:"hit_count"`
	CreatedAt time.Time `json:"created_at"`
}

// RuleStatus is the lifecycle of a distilled rule.
type RuleStatus string

const (
	RuleActive  RuleStatus = "active"
	RuleDemoted RuleStatus = "demoted"
)

// DistilledRule is a zero-cost deterministic substitute for a paid
// execution. Demoted rules are retained for audit, never hard-deleted.
type DistilledRule struct {
	RuleID       string     `json:"rule_id"`
	TaskType     string     `json:"task_type"`
	InputHash    string     `json:"input_hash"`
	GoalID       string     `json:"goal_id"`
	Output       string     `json:"output"`
	SuccessCount int64      `json:"success_count"`
	FailureCount int64      `json:"failure_count"`
	ErrorRate    float64    `json:"error_rate"`
	Status       RuleStatus `json:"status"`
	ExpiresAt    time.Time  `json:"expires_at"`
	CreatedAt    time.Time  `json:"created_at"`
}

// =============================================================================
// IMPROVEMENT RECORDS
// =============================================================================

// ImprovementCandidate is one proposed policy change. At most one active
// application may exist per (type, target) key at a time.
type ImprovementCandidate struct {
	ID            string          `json:"id"`
	Type          CandidateType   `json:"type"`
	Target        string          `json:"target"` // task type, tier, pair key...
	DedupKey      string          `json:"dedup_key"`
	Status        CandidateStatus `json:"status"`
	Reason        string          `json:"reason"`
	Payload       map[string]any  `json:"payload,omitempty"`
	CooldownUntil time.Time       `json:"cooldown_until"`
	CreatedAt     time.Time       `json:"created_at"`
	AppliedAt     time.Time       `json:"applied_at,omitempty"`
}

// CausalTrigger is one piece of evidence behind a candidate.
type CausalTrigger struct {
	Kind    string `json:"kind"` // quality_metric, regression, cost_event, outcome_sample, cooperation_metric
	Ref     string `json:"ref"`
	Summary string `json:"summary"`
}

// CausalChainRecord is the recorded reasoning behind a candidate decision.
// A candidate whose chain grades insufficient must not be auto-applied.
type CausalChainRecord struct {
	CandidateID     string             `json:"candidate_id"`
	Triggers        []CausalTrigger    `json:"triggers"`
	Alternatives    []string           `json:"alternatives"`
	Counterfactuals []string           `json:"counterfactuals"`
	Explanation     string             `json:"explanation"`
	Quality         ExplanationQuality `json:"explanation_quality"`
	ReevaluateBy    time.Time          `json:"reevaluate_by"`
	CreatedAt       time.Time          `json:"created_at"`
}

// RoutingPreference is a materialized routing decision for a task type.
// Rolled-back preferences are disabled, not deleted.
type RoutingPreference struct {
	TaskType    string    `json:"task_type"`
	Tier        ModelTier `json:"tier"`
	CandidateID string    `json:"candidate_id"`
	Disabled    bool      `json:"disabled"`
	CreatedAt   time.Time `json:"created_at"`
}

// TaskFreeze blocks autonomous execution of a task type.
type TaskFreeze struct {
	TaskType    string    `json:"task_type"`
	Reason      string    `json:"reason"`
	CandidateID string    `json:"candidate_id"`
	Disabled    bool      `json:"disabled"`
	CreatedAt   time.Time `json:"created_at"`
}

// CachePolicy opts a task type into result caching. Caching never runs
// for a task type without an enabled policy.
type CachePolicy struct {
	TaskType    string    `json:"task_type"`
	CandidateID string    `json:"candidate_id"`
	Disabled    bool      `json:"disabled"`
	CreatedAt   time.Time `json:"created_at"`
}

// SchedulePreference forces a scheduling policy for a task type.
type SchedulePreference struct {
	TaskType    string         `json:"task_type"`
	Policy      SchedulePolicy `json:"policy"`
	CandidateID string         `json:"candidate_id"`
	Disabled    bool           `json:"disabled"`
	CreatedAt   time.Time      `json:"created_at"`
}

// EscalationOverride tightens the deadlock threshold for one agent pair.
type EscalationOverride struct {
	PairKey     string    `json:"pair_key"`
	Threshold   float64   `json:"threshold"`
	CandidateID string    `json:"candidate_id"`
	Disabled    bool      `json:"disabled"`
	CreatedAt   time.Time `json:"created_at"`
}

// BudgetEventRecord is a persisted budget signal, kept so later
// improvement runs can react to limits hit during execution.
type BudgetEventRecord struct {
	ID        string    `json:"id"`
	TaskType  string    `json:"task_type"`
	BudgetID  string    `json:"budget_id"`
	Reason    string    `json:"reason"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// FailureMemory records a rolled-back change so it is not immediately
// retried. Entries expire.
type FailureMemory struct {
	DedupKey  string    `json:"dedup_key"`
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// =============================================================================
// DRIFT RECORDS
// =============================================================================

// ValueAnchor is the fixed reference behavior distributions are judged
// against. Thresholds are per-metric.
type ValueAnchor struct {
	AnchorID   string             `json:"anchor_id"`
	Version    int                `json:"version"`
	Thresholds map[string]float64 `json:"thresholds"`
	CreatedAt  time.Time          `json:"created_at"`
}

// DriftMetric is one computed drift measurement against its threshold.
type DriftMetric struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Triggered bool    `json:"triggered"`
}

// DriftReport is the outcome of one drift evaluation.
type DriftReport struct {
	ID        string        `json:"id"`
	AnchorID  string        `json:"anchor_id"`
	Version   int           `json:"anchor_version"`
	Severity  Severity      `json:"severity"`
	Reasons   []string      `json:"reasons"`
	Metrics   []DriftMetric `json:"metrics"`
	CreatedAt time.Time     `json:"created_at"`
}

// ValueReaffirmationRecord is human-authored approval that clears a drift
// gate. It only counts if created at or after the report it addresses.
type ValueReaffirmationRecord struct {
	ID         string    `json:"id"`
	AnchorID   string    `json:"anchor_id"`
	ReportID   string    `json:"report_id"`
	AffirmedBy string    `json:"affirmed_by"`
	CreatedAt  time.Time `json:"created_at"`
}

// ViolationKind separates hard gate violations from near misses.
type ViolationKind string

const (
	ViolationHard     ViolationKind = "hard"
	ViolationNearMiss ViolationKind = "near_miss"
)

// ViolationRecord is one safety-gate event: a hard violation is a denied
// attempt, a near miss is work that proceeded only under forced review.
type ViolationRecord struct {
	ID        string        `json:"id"`
	Kind      ViolationKind `json:"kind"`
	AgentID   string        `json:"agent_id,omitempty"`
	TaskType  string        `json:"task_type"`
	Reason    string        `json:"reason"`
	CreatedAt time.Time     `json:"created_at"`
}

// =============================================================================
// TRUST & APPROVAL RECORDS
// =============================================================================

// ApprovalRecord is a prior human approval for a specific action. Any
// non-reversible impact requires one before execution.
type ApprovalRecord struct {
	ID         string      `json:"id"`
	AgentID    string      `json:"agent_id"`
	Tool       string      `json:"tool"`
	TaskType   string      `json:"task_type"`
	Impact     ImpactLevel `json:"impact"`
	ApprovedBy string      `json:"approved_by"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Commitment is a long-horizon obligation an agent wants to accept.
type Commitment struct {
	ID                    string        `json:"id"`
	AgentID               string        `json:"agent_id"`
	Description           string        `json:"description"`
	Impact                ImpactLevel   `json:"impact"`
	Duration              time.Duration `json:"duration"`
	Justification         string        `json:"justification"`
	ReversibleAlternative string        `json:"reversible_alternative"`
	CreatedAt             time.Time     `json:"created_at"`
}

// EmergencyMode is an operator- or shock-triggered override that caps or
// blocks work regardless of budget state. Zero value means inactive.
type EmergencyMode struct {
	Active    bool      `json:"active"`
	Severity  Severity  `json:"severity"`
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expires_at"`
}

// InEffect reports whether the mode is active and unexpired at now.
func (e EmergencyMode) InEffect(now time.Time) bool {
	return e.Active && now.Before(e.ExpiresAt)
}
