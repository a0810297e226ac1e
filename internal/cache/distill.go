package cache

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"warden/internal/config"
	"warden/internal/logging"
	"warden/internal/types"
)

// Stable reasons for distillation refusals.
const (
	ReasonTooFewRuns       = "too_few_runs"
	ReasonNonRoutineSample = "non_routine_sample"
	ReasonQualityBelowBar  = "quality_below_floor"
	ReasonNoSaving         = "no_cost_saving"
	ReasonRuleExists       = "rule_exists"
)

// Distiller promotes deterministic rules from repeated identical
// successes and demotes rules that start failing. Demoted rules stay in
// the store for audit.
type Distiller struct {
	store   types.Store
	auditor *logging.Auditor
	clock   types.Clock
	cfg     config.CacheConfig
}

// NewDistiller creates a distiller.
func NewDistiller(store types.Store, auditor *logging.Auditor, clock types.Clock, cfg config.CacheConfig) *Distiller {
	if clock == nil {
		clock = types.SystemClock{}
	}
	return &Distiller{store: store, auditor: auditor, clock: clock, cfg: cfg}
}

func ruleKey(taskType, inputHash, goalID string) string {
	return taskType + ":" + inputHash + ":" + goalID
}

// Lookup returns the active unexpired rule for an input group.
func (d *Distiller) Lookup(ctx context.Context, identity, taskType, inputHash, goalID string) (types.DistilledRule, bool, error) {
	var rule types.DistilledRule
	found, err := d.store.Get(ctx, identity, types.KindDistilledRule, ruleKey(taskType, inputHash, goalID), &rule)
	if err != nil {
		return rule, false, fmt.Errorf("load rule: %w", err)
	}
	if !found || rule.Status != types.RuleActive {
		return types.DistilledRule{}, false, nil
	}
	if !rule.ExpiresAt.IsZero() && d.clock.Now().After(rule.ExpiresAt) {
		return types.DistilledRule{}, false, nil
	}
	return rule, true, nil
}

// TryDistill promotes a rule for the group when the history earns it:
// enough runs, all routine and passing above the quality floor, and a
// rule execution strictly cheaper than the historical average. The
// refusal reason is returned so callers can explain the non-promotion.
func (d *Distiller) TryDistill(ctx context.Context, identity, taskType, inputHash, goalID string) (types.DistilledRule, string, error) {
	key := ruleKey(taskType, inputHash, goalID)

	var existing types.DistilledRule
	if found, err := d.store.Get(ctx, identity, types.KindDistilledRule, key, &existing); err != nil {
		return types.DistilledRule{}, "", err
	} else if found {
		return types.DistilledRule{}, ReasonRuleExists, nil
	}

	outcomes, err := d.store.ListOutcomes(ctx, identity)
	if err != nil {
		return types.DistilledRule{}, "", err
	}
	var group []types.TaskOutcomeRecord
	for _, o := range outcomes {
		if o.TaskType == taskType && o.InputHash == inputHash && o.GoalID == goalID {
			group = append(group, o)
		}
	}
	if len(group) < d.cfg.MinDistillRuns {
		return types.DistilledRule{}, ReasonTooFewRuns, nil
	}

	var totalCost int64
	for _, o := range group {
		if o.TaskClass != types.ClassRoutine {
			return types.DistilledRule{}, ReasonNonRoutineSample, nil
		}
		if !o.EvaluationPassed || o.QualityScore < d.cfg.DistillFloor {
			return types.DistilledRule{}, ReasonQualityBelowBar, nil
		}
		totalCost += o.CostCents
	}
	avgCost := float64(totalCost) / float64(len(group))
	if float64(d.cfg.RuleCostCents) >= avgCost {
		return types.DistilledRule{}, ReasonNoSaving, nil
	}

	now := d.clock.Now()
	rule := types.DistilledRule{
		RuleID:       uuid.NewString(),
		TaskType:     taskType,
		InputHash:    inputHash,
		GoalID:       goalID,
		Output:       group[len(group)-1].Output,
		SuccessCount: int64(len(group)),
		Status:       types.RuleActive,
		ExpiresAt:    now.Add(d.cfg.RuleTTL),
		CreatedAt:    now,
	}
	if err := d.store.Put(ctx, identity, types.KindDistilledRule, key, rule); err != nil {
		return types.DistilledRule{}, "", fmt.Errorf("persist rule: %w", err)
	}
	d.auditor.Log(logging.AuditEvent{
		EventType: logging.AuditRulePromoted,
		Identity:  identity,
		Target:    key,
		Success:   true,
		Fields:    map[string]any{"rule_id": rule.RuleID, "avg_cost_cents": avgCost},
	})
	logging.Get(logging.CategoryCache).Info("distilled rule %s for %s (%d runs)", rule.RuleID, taskType, len(group))
	return rule, "", nil
}

// RecordResult counts a rule execution and demotes the rule when its
// failures or error rate cross policy. Demotion flips status only.
func (d *Distiller) RecordResult(ctx context.Context, identity string, rule types.DistilledRule, success bool) (types.DistilledRule, error) {
	key := ruleKey(rule.TaskType, rule.InputHash, rule.GoalID)
	if success {
		rule.SuccessCount++
	} else {
		rule.FailureCount++
	}
	total := rule.SuccessCount + rule.FailureCount
	if total > 0 {
		rule.ErrorRate = float64(rule.FailureCount) / float64(total)
	}

	if rule.Status == types.RuleActive &&
		(rule.FailureCount > d.cfg.MaxRuleFailures || rule.ErrorRate > d.cfg.MaxRuleErrorRate) {
		rule.Status = types.RuleDemoted
		d.auditor.Log(logging.AuditEvent{
			EventType: logging.AuditRuleDemoted,
			Identity:  identity,
			Target:    key,
			Reason:    fmt.Sprintf("failures=%d error_rate=%.2f", rule.FailureCount, rule.ErrorRate),
		})
		logging.Get(logging.CategoryCache).Warn("demoted rule %s (error rate %.2f)", rule.RuleID, rule.ErrorRate)
	}
	if err := d.store.Put(ctx, identity, types.KindDistilledRule, key, rule); err != nil {
		return rule, fmt.Errorf("persist rule: %w", err)
	}
	return rule, nil
}
