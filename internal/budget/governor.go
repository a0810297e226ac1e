// Package budget implements the two independent spending gates: period
// cost budgets scoped by goal/agent/taskType with soft and hard ceilings,
// and a flat per-identity economic unit ledger. An emergency mode can cap
// or defer work regardless of budget state.
package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"warden/internal/config"
	"warden/internal/logging"
	"warden/internal/types"
)

// Stable reasons for budget decisions.
const (
	ReasonWithinBudget   = "within_budget"
	ReasonSoftLimit      = "soft_limit_exceeded"
	ReasonHardLimit      = "hard_limit_exceeded"
	ReasonHardCritical   = "hard_limit_critical_review"
	ReasonEmergencyBlock = "emergency_block"
	ReasonEmergencyDefer = "emergency_defer"
)

// CostDecision is the period-budget gate outcome. A blocked decision still
// names the budget and remaining headroom so callers can surface specifics.
type CostDecision struct {
	types.Decision
	SoftLimitExceeded bool            `json:"soft_limit_exceeded"`
	HardLimitExceeded bool            `json:"hard_limit_exceeded"`
	RoutingTierCap    types.ModelTier `json:"routing_tier_cap,omitempty"`
	DemoteToTier      types.PermissionTier `json:"demote_to_tier,omitempty"`
	Defer             bool            `json:"defer,omitempty"`
	BudgetID          string          `json:"budget_id,omitempty"`
	SpentCents        int64           `json:"spent_cents"`
	RemainingCents    int64           `json:"remaining_cents"`
}

// Governor evaluates period budgets and the emergency override.
type Governor struct {
	store     types.Store
	auditor   *logging.Auditor
	clock     types.Clock
	cfg       config.BudgetConfig
	emergency config.EmergencyConfig
}

// NewGovernor creates a budget governor.
func NewGovernor(store types.Store, auditor *logging.Auditor, clock types.Clock, cfg config.BudgetConfig, emergency config.EmergencyConfig) *Governor {
	if clock == nil {
		clock = types.SystemClock{}
	}
	return &Governor{store: store, auditor: auditor, clock: clock, cfg: cfg, emergency: emergency}
}

// =============================================================================
// PERIOD WINDOWS
// =============================================================================

// windowStart returns the aligned start of the current period window.
// Daily windows align to local midnight, weekly to Monday, monthly to the
// first of the month; total is unbounded.
func windowStart(period types.BudgetPeriod, now time.Time) time.Time {
	switch period {
	case types.PeriodDaily:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	case types.PeriodWeekly:
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		// time.Weekday has Sunday=0; shift so Monday starts the week.
		offset := (int(now.Weekday()) + 6) % 7
		return midnight.AddDate(0, 0, -offset)
	case types.PeriodMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	default:
		return time.Time{}
	}
}

// spentInWindow sums cost over matching outcomes inside the window.
func spentInWindow(outcomes []types.TaskOutcomeRecord, scope types.BudgetScope, start, now time.Time) int64 {
	var spent int64
	for _, o := range outcomes {
		if !scope.Matches(o) {
			continue
		}
		if !start.IsZero() && o.CreatedAt.Before(start) {
			continue
		}
		if o.CreatedAt.After(now) {
			continue
		}
		spent += o.CostCents
	}
	return spent
}

// =============================================================================
// EVALUATION
// =============================================================================

// EnsureDefaultBudget seeds a total-period budget for the identity on
// first use. Existing budgets are left alone.
func (g *Governor) EnsureDefaultBudget(ctx context.Context, identity string) error {
	var budgets []types.CostBudget
	if err := g.store.List(ctx, identity, types.KindCostBudget, &budgets); err != nil {
		return err
	}
	if len(budgets) > 0 {
		return nil
	}
	b := types.CostBudget{
		ID:             uuid.NewString(),
		Period:         types.PeriodTotal,
		LimitCents:     g.cfg.DefaultLimitCents,
		SoftLimitCents: g.cfg.DefaultSoftCents,
		CreatedAt:      g.clock.Now(),
	}
	return g.store.Put(ctx, identity, types.KindCostBudget, b.ID, b)
}

// Evaluate runs the emergency override and every enabled matching budget
// against the projected spend for the request. The most restrictive
// outcome wins; soft caps from different budgets compose to the cheapest.
func (g *Governor) Evaluate(ctx context.Context, gc types.GovernanceContext) (CostDecision, error) {
	now := g.clock.Now()

	// Emergency mode wins over any budget state.
	if d, active := g.evaluateEmergency(ctx, gc, now); active {
		return d, nil
	}

	var budgets []types.CostBudget
	if err := g.store.List(ctx, gc.Identity, types.KindCostBudget, &budgets); err != nil {
		return CostDecision{}, fmt.Errorf("list budgets: %w", err)
	}
	outcomes, err := g.store.ListOutcomes(ctx, gc.Identity)
	if err != nil {
		return CostDecision{}, fmt.Errorf("list outcomes: %w", err)
	}

	result := CostDecision{Decision: types.Allow(ReasonWithinBudget)}
	for _, b := range budgets {
		if b.Disabled || !b.Scope.Matches(outcomeFromContext(gc)) {
			continue
		}
		start := windowStart(b.Period, now)
		spent := spentInWindow(outcomes, b.Scope, start, now)
		projected := spent + gc.EstimatedCost

		if projected >= b.LimitCents {
			result.HardLimitExceeded = true
			result.BudgetID = b.ID
			result.SpentCents = spent
			result.RemainingCents = max64(b.LimitCents-spent, 0)
			if gc.Critical() {
				// Critical work is never silently blocked; it proceeds
				// under forced human review.
				result.Decision = types.Allow(ReasonHardCritical)
				result.Decision.RequiresHumanReview = true
			} else {
				result.Decision = types.Deny(ReasonHardLimit)
				result.DemoteToTier = types.TierSuggest
			}
			result.Decision = result.Decision.
				WithDetail("budget_id", b.ID).
				WithDetail("projected_cents", projected).
				WithDetail("limit_cents", b.LimitCents)
			g.auditor.Log(logging.AuditEvent{
				EventType: logging.AuditBudgetHardLimit,
				Identity:  gc.Identity,
				AgentID:   gc.AgentID,
				Target:    gc.TaskType,
				Reason:    result.Reason,
				Amount:    projected,
				Success:   result.Allowed,
			})
			logging.Budget("hard limit on %s: projected=%d limit=%d critical=%v",
				gc.TaskType, projected, b.LimitCents, gc.Critical())
			return result, nil
		}

		if projected >= b.SoftLimitCents {
			result.SoftLimitExceeded = true
			result.RoutingTierCap = types.MinTier(result.RoutingTierCap, types.TierEconomy)
			result.BudgetID = b.ID
			result.SpentCents = spent
			result.RemainingCents = b.LimitCents - spent
			result.Decision = types.Allow(ReasonSoftLimit).
				WithDetail("budget_id", b.ID).
				WithDetail("projected_cents", projected).
				WithDetail("soft_limit_cents", b.SoftLimitCents)
			g.auditor.Log(logging.AuditEvent{
				EventType: logging.AuditBudgetRoutingCap,
				Identity:  gc.Identity,
				AgentID:   gc.AgentID,
				Target:    gc.TaskType,
				Reason:    ReasonSoftLimit,
				Amount:    projected,
				Success:   true,
			})
			event := types.BudgetEventRecord{
				ID:       uuid.NewString(),
				TaskType: gc.TaskType,
				BudgetID: b.ID,
				Reason:   ReasonSoftLimit,
				Detail: fmt.Sprintf("budget %s: projected %d cents at or above soft limit %d (hard limit %d)",
					b.ID, projected, b.SoftLimitCents, b.LimitCents),
				CreatedAt: now,
			}
			if err := g.store.Put(ctx, gc.Identity, types.KindBudgetEvent, event.ID, event); err != nil {
				return CostDecision{}, fmt.Errorf("persist budget event: %w", err)
			}
		}
	}
	return result, nil
}

// evaluateEmergency applies the emergency override if one is in effect.
func (g *Governor) evaluateEmergency(ctx context.Context, gc types.GovernanceContext, now time.Time) (CostDecision, bool) {
	var mode types.EmergencyMode
	found, err := g.store.Get(ctx, gc.Identity, types.KindEmergency, "current", &mode)
	if err != nil || !found || !mode.InEffect(now) {
		return CostDecision{}, false
	}

	tierCap := g.severityCap(mode.Severity)
	if gc.RiskLevel >= 0.7 || gc.TaskClass == types.ClassHighRisk {
		d := CostDecision{Decision: types.Deny(ReasonEmergencyBlock).
			WithDetail("severity", string(mode.Severity)).
			WithDetail("expires_at", mode.ExpiresAt)}
		g.auditor.Log(logging.AuditEvent{
			EventType: logging.AuditBudgetEmergency,
			Identity:  gc.Identity,
			Target:    gc.TaskType,
			Reason:    ReasonEmergencyBlock,
		})
		return d, true
	}
	if !gc.Critical() {
		d := CostDecision{
			Decision: types.Deny(ReasonEmergencyDefer).
				WithDetail("severity", string(mode.Severity)).
				WithDetail("expires_at", mode.ExpiresAt),
			Defer:          true,
			RoutingTierCap: tierCap,
		}
		g.auditor.Log(logging.AuditEvent{
			EventType: logging.AuditBudgetEmergency,
			Identity:  gc.Identity,
			Target:    gc.TaskType,
			Reason:    ReasonEmergencyDefer,
		})
		return d, true
	}
	// Critical work proceeds under the severity tier cap.
	return CostDecision{
		Decision:       types.Allow(ReasonWithinBudget).WithDetail("emergency_severity", string(mode.Severity)),
		RoutingTierCap: tierCap,
	}, true
}

// severityCap maps emergency severity to the configured maximum tier.
func (g *Governor) severityCap(s types.Severity) types.ModelTier {
	if name, ok := g.emergency.SeverityTierCaps[string(s)]; ok {
		tier := types.ModelTier(name)
		if tier.Valid() {
			return tier
		}
	}
	return types.TierEconomy
}

// SetEmergency activates (or replaces) the emergency mode for an identity.
func (g *Governor) SetEmergency(ctx context.Context, identity string, mode types.EmergencyMode) error {
	return g.store.Put(ctx, identity, types.KindEmergency, "current", mode)
}

// ClearEmergency deactivates emergency mode.
func (g *Governor) ClearEmergency(ctx context.Context, identity string) error {
	return g.store.Delete(ctx, identity, types.KindEmergency, "current")
}

// outcomeFromContext builds the scope-matching shape for a request.
func outcomeFromContext(gc types.GovernanceContext) types.TaskOutcomeRecord {
	return types.TaskOutcomeRecord{
		GoalID:   gc.GoalID,
		AgentID:  gc.AgentID,
		TaskType: gc.TaskType,
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
