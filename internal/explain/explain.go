// Package explain builds the causal chain behind an improvement
// candidate: the evidence that triggered it, the alternatives that were
// on the table, and the counterfactual cost of doing nothing. A candidate
// without a clear chain is never auto-applied.
package explain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"warden/internal/contract"
	"warden/internal/logging"
	"warden/internal/quality"
	"warden/internal/types"
)

// Trigger evidence kinds.
const (
	EvidenceQualityMetric = "quality_metric"
	EvidenceRegression    = "regression"
	EvidenceCostEvent     = "cost_event"
	EvidenceOutcomeSample = "outcome_sample"
	EvidenceCooperation   = "cooperation_metric"
)

// Builder assembles causal chains from the recorded evidence.
type Builder struct {
	store   types.Store
	monitor *quality.Monitor
	clock   types.Clock
	// how far out a chain asks to be re-checked
	reevaluateAfter time.Duration
}

// NewBuilder creates a builder. reevaluateAfter bounds how long an
// explanation stands before someone re-checks the decision.
func NewBuilder(store types.Store, monitor *quality.Monitor, clock types.Clock, reevaluateAfter time.Duration) *Builder {
	if clock == nil {
		clock = types.SystemClock{}
	}
	if reevaluateAfter <= 0 {
		reevaluateAfter = 14 * 24 * time.Hour
	}
	return &Builder{store: store, monitor: monitor, clock: clock, reevaluateAfter: reevaluateAfter}
}

// Build gathers evidence for a candidate and persists the graded chain.
// Chains missing a trigger, an alternative, or a counterfactual grade
// insufficient, which forces human review instead of auto-application.
func (b *Builder) Build(ctx context.Context, identity string, c types.ImprovementCandidate) (types.CausalChainRecord, error) {
	now := b.clock.Now()
	chain := types.CausalChainRecord{
		CandidateID:  c.ID,
		ReevaluateBy: now.Add(b.reevaluateAfter),
		CreatedAt:    now,
	}

	triggers, err := b.gatherTriggers(ctx, identity, c)
	if err != nil {
		return chain, err
	}
	chain.Triggers = triggers
	chain.Alternatives = alternatives(c)
	chain.Counterfactuals = counterfactuals(c)

	if len(chain.Triggers) == 0 || len(chain.Alternatives) == 0 || len(chain.Counterfactuals) == 0 {
		chain.Quality = types.ExplanationInsufficient
		chain.Explanation = fmt.Sprintf("candidate %s (%s on %s): evidence incomplete, human review required", c.ID, c.Type, c.Target)
	} else {
		chain.Quality = types.ExplanationClear
		chain.Explanation = render(c, chain)
	}

	if err := contract.CausalChain(chain); err != nil {
		return chain, err
	}
	if err := b.store.Put(ctx, identity, types.KindCausalChain, c.ID, chain); err != nil {
		return chain, fmt.Errorf("persist causal chain: %w", err)
	}
	logging.Get(logging.CategoryImprove).Debug("chain for %s graded %s (%d triggers)", c.ID, chain.Quality, len(chain.Triggers))
	return chain, nil
}

// =============================================================================
// EVIDENCE GATHERING
// =============================================================================

func (b *Builder) gatherTriggers(ctx context.Context, identity string, c types.ImprovementCandidate) ([]types.CausalTrigger, error) {
	switch c.Type {
	case types.CandidateRoutingDowngrade, types.CandidateCacheEnable, types.CandidateRuleDistill:
		return b.qualityEvidence(ctx, identity, c.Target)
	case types.CandidateRoutingUpgrade:
		return b.regressionEvidence(ctx, identity, c.Target)
	case types.CandidateTaskTypeFreeze:
		return b.failureEvidence(ctx, identity, c.Target)
	case types.CandidateScheduleDefer:
		return b.costEvidence(c)
	case types.CandidateEscalationTighten:
		return b.cooperationEvidence(ctx, identity, c.Target)
	default:
		return nil, nil
	}
}

// qualityEvidence cites the segment metrics behind a routing or caching
// candidate.
func (b *Builder) qualityEvidence(ctx context.Context, identity, taskType string) ([]types.CausalTrigger, error) {
	metrics, err := b.monitor.Metrics(ctx, identity)
	if err != nil {
		return nil, err
	}
	var triggers []types.CausalTrigger
	for _, m := range metrics {
		if m.Segment.TaskType != taskType {
			continue
		}
		triggers = append(triggers, types.CausalTrigger{
			Kind: EvidenceQualityMetric,
			Ref:  fmt.Sprintf("%s/%s/%s", m.Segment.TaskType, m.Segment.TaskClass, m.Segment.Tier),
			Summary: fmt.Sprintf("%d samples, pass rate %.2f, avg quality %.2f, confidence %.2f",
				m.SampleCount, m.PassRate, m.AvgQuality, m.Confidence),
		})
	}
	return triggers, nil
}

func (b *Builder) regressionEvidence(ctx context.Context, identity, taskType string) ([]types.CausalTrigger, error) {
	regressions, err := b.monitor.Regressions(ctx, identity)
	if err != nil {
		return nil, err
	}
	var triggers []types.CausalTrigger
	for _, r := range regressions {
		if r.Segment.TaskType != taskType {
			continue
		}
		triggers = append(triggers, types.CausalTrigger{
			Kind: EvidenceRegression,
			Ref:  fmt.Sprintf("%s/%s", r.Segment.TaskType, r.Segment.Tier),
			Summary: fmt.Sprintf("quality fell from %.2f to %.2f (severity %s)",
				r.BaselineAvg, r.RecentAvg, r.Severity),
		})
	}
	return triggers, nil
}

// failureEvidence cites the failing outcome samples behind a freeze.
func (b *Builder) failureEvidence(ctx context.Context, identity, taskType string) ([]types.CausalTrigger, error) {
	outcomes, err := b.store.ListOutcomes(ctx, identity)
	if err != nil {
		return nil, err
	}
	var total, failed int
	var lastFailed string
	for _, o := range outcomes {
		if o.TaskType != taskType {
			continue
		}
		total++
		if !o.EvaluationPassed {
			failed++
			lastFailed = o.TaskID
		}
	}
	if failed == 0 {
		return nil, nil
	}
	return []types.CausalTrigger{{
		Kind:    EvidenceOutcomeSample,
		Ref:     lastFailed,
		Summary: fmt.Sprintf("%d of %d recent %s outcomes failed evaluation", failed, total, taskType),
	}}, nil
}

// costEvidence cites the budget event recorded on the candidate itself;
// soft-limit hits are transient, so the improve loop snapshots them into
// the payload at proposal time.
func (b *Builder) costEvidence(c types.ImprovementCandidate) ([]types.CausalTrigger, error) {
	event, ok := c.Payload["budget_event"].(string)
	if !ok || event == "" {
		return nil, nil
	}
	return []types.CausalTrigger{{
		Kind:    EvidenceCostEvent,
		Ref:     c.Target,
		Summary: event,
	}}, nil
}

func (b *Builder) cooperationEvidence(ctx context.Context, identity, pairKey string) ([]types.CausalTrigger, error) {
	var m types.CooperationMetric
	found, err := b.store.Get(ctx, identity, types.KindCooperation, pairKey, &m)
	if err != nil || !found {
		return nil, err
	}
	return []types.CausalTrigger{{
		Kind:    EvidenceCooperation,
		Ref:     pairKey,
		Summary: fmt.Sprintf("deadlock score %.2f over %d resolutions (%d escalations)", m.DeadlockScore, m.Resolutions, m.Escalations),
	}}, nil
}

// =============================================================================
// ALTERNATIVES, COUNTERFACTUALS, RENDERING
// =============================================================================

func alternatives(c types.ImprovementCandidate) []string {
	switch c.Type {
	case types.CandidateRoutingDowngrade:
		return []string{"keep the current tier and accept the higher cost", "wait for more samples before changing routing"}
	case types.CandidateRoutingUpgrade:
		return []string{"keep the cheap tier and accept the regression", "freeze the task type until quality recovers"}
	case types.CandidateTaskTypeFreeze:
		return []string{"keep executing and absorb the failures", "route the task type to a stronger tier instead"}
	case types.CandidateCacheEnable:
		return []string{"keep re-executing identical requests at full cost"}
	case types.CandidateRuleDistill:
		return []string{"keep paying for executions the history already answers"}
	case types.CandidateScheduleDefer:
		return []string{"keep scheduling immediately and spend into the soft limit"}
	case types.CandidateEscalationTighten:
		return []string{"leave escalation thresholds unchanged and absorb referee cycles"}
	default:
		return nil
	}
}

func counterfactuals(c types.ImprovementCandidate) []string {
	switch c.Type {
	case types.CandidateRoutingDowngrade:
		return []string{"without the downgrade, spend stays elevated with no measured quality benefit"}
	case types.CandidateRoutingUpgrade:
		return []string{"without the upgrade, the regression keeps degrading delivered quality"}
	case types.CandidateTaskTypeFreeze:
		return []string{"without the freeze, failing executions keep consuming budget and trust"}
	case types.CandidateCacheEnable:
		return []string{"without caching, identical requests keep paying full execution cost"}
	case types.CandidateRuleDistill:
		return []string{"without the rule, a solved input group keeps incurring model cost"}
	case types.CandidateScheduleDefer:
		return []string{"without deferral, the budget hard limit is reached sooner"}
	case types.CandidateEscalationTighten:
		return []string{"without tightening, a deadlocked pair keeps burning referee cycles before escalating"}
	default:
		return nil
	}
}

// render produces the short human-readable explanation: what changed,
// why now, risk accepted, risk avoided, and when to re-check.
func render(c types.ImprovementCandidate, chain types.CausalChainRecord) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "What changes: %s on %s.\n", c.Type, c.Target)
	fmt.Fprintf(&sb, "Why now: %s.\n", chain.Triggers[0].Summary)
	fmt.Fprintf(&sb, "Risk accepted: %s.\n", chain.Alternatives[0])
	fmt.Fprintf(&sb, "Risk avoided: %s.\n", chain.Counterfactuals[0])
	fmt.Fprintf(&sb, "Re-evaluate by: %s.", chain.ReevaluateBy.Format("2006-01-02"))
	return sb.String()
}
