// Package pipeline runs one governed tool invocation end to end: schema
// validation, scope and budget gates, the safety gate, cache and rule
// lookups, bounded execution, output validation, and outcome recording.
// Nothing escapes the boundary as an error; every failure becomes a
// typed result the caller can branch on.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"warden/internal/budget"
	"warden/internal/cache"
	"warden/internal/contract"
	"warden/internal/drift"
	"warden/internal/logging"
	"warden/internal/quality"
	"warden/internal/registry"
	"warden/internal/types"
)

// Stable denial reasons surfaced in failures and violation records.
const (
	ReasonUnknownTool       = "unknown_tool"
	ReasonGoalInactive      = "goal_inactive"
	ReasonTaskFrozen        = "task_type_frozen"
	ReasonDriftFrozen       = "drift_freeze"
	ReasonSuggestSideEffect = "suggest_tier_side_effects"
	ReasonApprovalRequired  = "approval_required"
	ReasonOutputSchema      = "output_schema_mismatch"
	ReasonDeferred          = "deferred_by_policy"
)

// Execution is what a tool hands back on success.
type Execution struct {
	Output       string  `json:"output"`
	CostCents    int64   `json:"cost_cents"`
	QualityScore float64 `json:"quality_score"`
	Passed       bool    `json:"passed"`
}

// Tool executes one call. A returned error is classified by the
// pipeline; tools should wrap timeouts as context errors so retry
// policy can distinguish them.
type Tool interface {
	Execute(ctx context.Context, call Call) (Execution, error)
}

// ToolFunc adapts a function to Tool.
type ToolFunc func(ctx context.Context, call Call) (Execution, error)

func (f ToolFunc) Execute(ctx context.Context, call Call) (Execution, error) { return f(ctx, call) }

// Call is one invocation request. ValidateOutput, when set, is the
// output schema check applied to executions and cache hits alike.
type Call struct {
	TaskID         string
	Input          string
	SideEffects    int
	ValidateOutput cache.Validator
}

// Pipeline owns the invocation state machine.
type Pipeline struct {
	registry  *registry.Registry
	governor  *budget.Governor
	ledger    *budget.Ledger
	detector  *drift.Detector
	cache     *cache.Cache
	distiller *cache.Distiller
	router    *quality.Router
	store     types.Store
	auditor   *logging.Auditor
	clock     types.Clock
	timeout   time.Duration
	log       *logging.Logger

	tools map[string]Tool
}

// New wires the pipeline. timeout bounds tool execution; zero means one
// minute.
func New(reg *registry.Registry, governor *budget.Governor, ledger *budget.Ledger,
	detector *drift.Detector, c *cache.Cache, distiller *cache.Distiller,
	router *quality.Router, store types.Store, auditor *logging.Auditor,
	clock types.Clock, timeout time.Duration) *Pipeline {
	if clock == nil {
		clock = types.SystemClock{}
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Pipeline{
		registry:  reg,
		governor:  governor,
		ledger:    ledger,
		detector:  detector,
		cache:     c,
		distiller: distiller,
		router:    router,
		store:     store,
		auditor:   auditor,
		clock:     clock,
		timeout:   timeout,
		log:       logging.Get(logging.CategoryPipeline),
		tools:     map[string]Tool{},
	}
}

// RegisterTool makes a tool invokable under its name.
func (p *Pipeline) RegisterTool(name string, tool Tool) {
	p.tools[name] = tool
}

// =============================================================================
// INVOKE
// =============================================================================

// Invoke runs the full state machine for one call and always returns a
// typed result.
func (p *Pipeline) Invoke(ctx context.Context, gc types.GovernanceContext, call Call) types.ToolResult {
	result := p.invoke(ctx, gc, call)
	p.auditInvoke(gc, call, result)
	return result
}

func (p *Pipeline) invoke(ctx context.Context, gc types.GovernanceContext, call Call) types.ToolResult {
	now := p.clock.Now()

	// Schema. A malformed context or call never reaches a gate.
	if err := contract.GovernanceContext(gc); err != nil {
		return types.Fail(types.FailSchemaValidation, err.Error())
	}
	if call.TaskID == "" {
		call.TaskID = uuid.NewString()
	}

	tool, ok := p.tools[gc.Tool]
	if !ok {
		return types.Fail(types.FailSchemaValidation, ReasonUnknownTool)
	}

	// Scope.
	scope, err := p.registry.Evaluate(ctx, gc)
	if err != nil {
		return types.Fail(types.FailUnknown, err.Error())
	}
	if !scope.Allowed {
		p.recordViolation(ctx, gc, types.ViolationHard, scope.Reason, now)
		return types.Fail(types.FailPermissionDenied, scope.Reason)
	}

	// Goal resolution. Version feeds the cache key so goal edits
	// invalidate stale entries.
	goalVersion := 0
	if gc.GoalID != "" {
		var goal types.Goal
		found, err := p.store.Get(ctx, gc.Identity, types.KindGoal, gc.GoalID, &goal)
		if err != nil {
			return types.Fail(types.FailUnknown, err.Error())
		}
		if !found || goal.Status(now) != types.GoalActive {
			return types.Fail(types.FailPolicyBlocked, ReasonGoalInactive)
		}
		goalVersion = goal.Version
	}

	// Policy gates: drift freeze, task freeze, then budgets.
	gate, err := p.detector.Gate(ctx, gc.Identity)
	if err != nil {
		return types.Fail(types.FailUnknown, err.Error())
	}
	if gate.Blocked() {
		p.recordViolation(ctx, gc, types.ViolationHard, ReasonDriftFrozen, now)
		return types.Fail(types.FailPolicyBlocked, ReasonDriftFrozen)
	}

	var freeze types.TaskFreeze
	if found, err := p.store.Get(ctx, gc.Identity, types.KindFreeze, gc.TaskType, &freeze); err != nil {
		return types.Fail(types.FailUnknown, err.Error())
	} else if found && !freeze.Disabled {
		p.recordViolation(ctx, gc, types.ViolationHard, ReasonTaskFrozen, now)
		return types.Fail(types.FailPolicyBlocked, ReasonTaskFrozen)
	}

	cost, err := p.governor.Evaluate(ctx, gc)
	if err != nil {
		return types.Fail(types.FailUnknown, err.Error())
	}
	if cost.Defer {
		// Deferral is scheduling advice, not a budget breach.
		return types.Fail(types.FailPolicyBlocked, cost.Reason)
	}
	if !cost.Allowed && cost.DemoteToTier == "" {
		p.recordViolation(ctx, gc, types.ViolationHard, cost.Reason, now)
		fail := types.Fail(types.FailBudgetExceeded, cost.Reason)
		if cost.BudgetID != "" {
			fail.Failure.Reason = fmt.Sprintf("%s (budget %s, %d cents remaining)",
				cost.Reason, cost.BudgetID, cost.RemainingCents)
		}
		return fail
	}
	if !cost.Allowed {
		// Hard limit on non-critical work demotes rather than blocks:
		// the call continues at the lowered tier and the miss is kept
		// as a near-miss for drift accounting.
		p.recordViolation(ctx, gc, types.ViolationNearMiss, cost.Reason, now)
	}
	forcedReview := cost.RequiresHumanReview

	if affordable, err := p.ledger.CanAfford(ctx, gc.Identity, gc.EstimatedCost); err != nil {
		return types.Fail(types.FailUnknown, err.Error())
	} else if !affordable {
		p.recordViolation(ctx, gc, types.ViolationHard, budget.ReasonInsufficientUnit, now)
		return types.Fail(types.FailBudgetExceeded, budget.ReasonInsufficientUnit)
	}

	// Safety gate.
	tier := gc.RequestedTier
	if cost.DemoteToTier != "" {
		tier = types.MinPermissionTier(tier, cost.DemoteToTier)
	}
	if tier == types.TierDraft {
		// Suggestion-only: nothing executes, nothing is charged.
		return types.ToolResult{Status: types.ToolSuggested}
	}
	if tier == types.TierSuggest && call.SideEffects > 0 {
		p.recordViolation(ctx, gc, types.ViolationHard, ReasonSuggestSideEffect, now)
		return types.Fail(types.FailPermissionDenied, ReasonSuggestSideEffect)
	}
	if gc.Impact == types.ImpactIrreversible {
		approved, err := p.hasApproval(ctx, gc)
		if err != nil {
			return types.Fail(types.FailUnknown, err.Error())
		}
		if !approved {
			p.recordViolation(ctx, gc, types.ViolationHard, ReasonApprovalRequired, now)
			return types.Fail(types.FailPermissionDenied, ReasonApprovalRequired)
		}
	}
	if forcedReview {
		p.recordViolation(ctx, gc, types.ViolationNearMiss, cost.Reason, now)
	}

	inputHash := cache.InputHash(call.Input)
	key := cache.Key(gc.DecisionType, gc.TaskType, gc.GoalID, goalVersion, call.Input)

	// Cache, then distilled rules, before paying for execution.
	cacheable := p.cacheEnabled(ctx, gc) && p.cache.Evaluate(gc).Eligible
	if cacheable {
		if entry, hit, err := p.cache.Lookup(ctx, gc.Identity, key, call.ValidateOutput); err != nil {
			return types.Fail(types.FailUnknown, err.Error())
		} else if hit {
			return types.ToolResult{
				Status: types.ToolOK,
				Output: entry.Payload,
				Metrics: types.ToolMetrics{
					CacheHit: true,
					Tier:     cost.RoutingTierCap,
				},
			}
		}
	}
	if rule, hit, err := p.distiller.Lookup(ctx, gc.Identity, gc.TaskType, inputHash, gc.GoalID); err != nil {
		return types.Fail(types.FailUnknown, err.Error())
	} else if hit {
		return types.ToolResult{
			Status: types.ToolOK,
			Output: rule.Output,
			Metrics: types.ToolMetrics{
				RuleHit: true,
			},
		}
	}

	route, err := p.router.Select(ctx, gc.Identity, gc.TaskType, gc.TaskClass, cost.RoutingTierCap)
	if err != nil {
		return types.Fail(types.FailUnknown, err.Error())
	}

	// Execution under the invocation timeout. A timed-out call charges
	// nothing: budget moves only after confirmed success.
	execCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	started := p.clock.Now()
	exec, execErr := tool.Execute(execCtx, call)
	elapsed := p.clock.Now().Sub(started)
	if execErr != nil {
		if errors.Is(execErr, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return types.Fail(types.FailTimeout, execErr.Error())
		}
		var failure types.Failure
		if errors.As(execErr, &failure) {
			return types.ToolResult{Status: types.ToolFailed, Failure: &failure}
		}
		return types.Fail(types.FailToolRuntime, execErr.Error())
	}

	if call.ValidateOutput != nil {
		if verr := call.ValidateOutput(exec.Output); verr != nil {
			return types.Fail(types.FailSchemaValidation, ReasonOutputSchema)
		}
	}

	// Success: record the outcome, then charge.
	outcome := types.TaskOutcomeRecord{
		TaskID:           call.TaskID,
		TaskType:         gc.TaskType,
		TaskClass:        gc.TaskClass,
		InputHash:        inputHash,
		GoalID:           gc.GoalID,
		AgentID:          gc.AgentID,
		ModelTier:        route.Tier,
		QualityScore:     exec.QualityScore,
		CostCents:        exec.CostCents,
		EvaluationPassed: exec.Passed,
		Output:           exec.Output,
		CreatedAt:        p.clock.Now(),
	}
	if err := p.store.AppendOutcome(ctx, gc.Identity, outcome); err != nil {
		return types.Fail(types.FailUnknown, err.Error())
	}
	if charge, err := p.ledger.Consume(ctx, gc.Identity, call.TaskID, exec.CostCents); err != nil {
		return types.Fail(types.FailUnknown, err.Error())
	} else if !charge.Allowed {
		// The work is done and recorded; a post-hoc shortfall is a
		// signal for the next gate pass, not a failure of this call.
		p.log.Warn("post-success charge denied for %s: %s", call.TaskID, charge.Reason)
	}

	if cacheable && exec.Passed {
		if err := p.cache.Store(ctx, gc.Identity, gc, key, exec.Output); err != nil {
			return types.Fail(types.FailUnknown, err.Error())
		}
	}

	return types.ToolResult{
		Status: types.ToolOK,
		Output: exec.Output,
		Metrics: types.ToolMetrics{
			DurationMs: elapsed.Milliseconds(),
			CostCents:  exec.CostCents,
			Tier:       route.Tier,
		},
	}
}

// =============================================================================
// SUPPORT
// =============================================================================

// cacheEnabled reports whether the task type has opted into caching.
func (p *Pipeline) cacheEnabled(ctx context.Context, gc types.GovernanceContext) bool {
	var policy types.CachePolicy
	found, err := p.store.Get(ctx, gc.Identity, types.KindCachePolicy, gc.TaskType, &policy)
	if err != nil {
		p.log.Warn("cache policy lookup failed for %s: %v", gc.TaskType, err)
		return false
	}
	return found && !policy.Disabled
}

// hasApproval scans for a prior human approval covering this agent,
// tool, and task type at irreversible impact.
func (p *Pipeline) hasApproval(ctx context.Context, gc types.GovernanceContext) (bool, error) {
	var approvals []types.ApprovalRecord
	if err := p.store.List(ctx, gc.Identity, types.KindApproval, &approvals); err != nil {
		return false, fmt.Errorf("list approvals: %w", err)
	}
	for _, a := range approvals {
		if a.AgentID == gc.AgentID && a.Tool == gc.Tool && a.TaskType == gc.TaskType &&
			a.Impact == types.ImpactIrreversible {
			return true, nil
		}
	}
	return false, nil
}

func (p *Pipeline) recordViolation(ctx context.Context, gc types.GovernanceContext, kind types.ViolationKind, reason string, now time.Time) {
	v := types.ViolationRecord{
		ID:        uuid.NewString(),
		Kind:      kind,
		AgentID:   gc.AgentID,
		TaskType:  gc.TaskType,
		Reason:    reason,
		CreatedAt: now,
	}
	if err := p.detector.RecordViolation(ctx, gc.Identity, v); err != nil {
		p.log.Error("record violation: %v", err)
	}
}

func (p *Pipeline) auditInvoke(gc types.GovernanceContext, call Call, result types.ToolResult) {
	event := logging.AuditEvent{
		Identity:   gc.Identity,
		AgentID:    gc.AgentID,
		Target:     gc.Tool,
		Success:    result.Status != types.ToolFailed,
		DurationMs: result.Metrics.DurationMs,
		Amount:     result.Metrics.CostCents,
	}
	if result.Status == types.ToolFailed {
		event.EventType = logging.AuditInvokeFail
		event.Reason = result.Failure.Reason
	} else {
		event.EventType = logging.AuditInvokeComplete
		event.Fields = map[string]any{
			"status":    string(result.Status),
			"cache_hit": result.Metrics.CacheHit,
			"rule_hit":  result.Metrics.RuleHit,
		}
	}
	p.auditor.Log(event)
}
