// Package referee resolves conflicting proposals between concurrent
// agents. The referee is neutral: it scores proposals, merges near-ties,
// and escalates anything it may not approve on its own. It never approves
// irreversible impact.
package referee

import (
	"context"
	"fmt"
	"sort"

	"warden/internal/config"
	"warden/internal/contract"
	"warden/internal/logging"
	"warden/internal/types"
)

// Outcome is the referee's resolution of a disagreement.
type Outcome string

const (
	OutcomeSelect   Outcome = "select"
	OutcomeMerge    Outcome = "merge"
	OutcomeEscalate Outcome = "escalate"
	OutcomeForce    Outcome = "force"
)

// Stable reasons for resolutions.
const (
	ReasonHigherScore    = "higher_score"
	ReasonScoreGap       = "score_gap_within_merge_band"
	ReasonIrreversible   = "irreversible_impact"
	ReasonDeadlockPair   = "deadlock_score_high"
	ReasonTimeoutForced  = "timeout_forced_smallest_impact"
	ReasonTimeoutNoForce = "timeout_no_forceable_proposal"
)

// Resolution is the referee's answer plus the rationale that produced it.
type Resolution struct {
	DisagreementID      string             `json:"disagreement_id"`
	Outcome             Outcome            `json:"outcome"`
	SelectedProposalID  string             `json:"selected_proposal_id,omitempty"`
	MergedProposalIDs   []string           `json:"merged_proposal_ids,omitempty"`
	Reason              string             `json:"reason"`
	Rationale           string             `json:"rationale"`
	RequiresHumanReview bool               `json:"requires_human_review"`
	Scores              map[string]float64 `json:"scores"`
}

// Referee scores and resolves disagreements and maintains pairwise
// cooperation metrics.
type Referee struct {
	store   types.Store
	auditor *logging.Auditor
	clock   types.Clock
	cfg     config.RefereeConfig
}

// NewReferee creates a referee.
func NewReferee(store types.Store, auditor *logging.Auditor, clock types.Clock, cfg config.RefereeConfig) *Referee {
	if clock == nil {
		clock = types.SystemClock{}
	}
	return &Referee{store: store, auditor: auditor, clock: clock, cfg: cfg}
}

// Score is the neutral proposal score: confidence discounted by half the
// risk level.
func Score(p types.AgentProposal) float64 {
	return p.Confidence - 0.5*p.RiskLevel
}

// =============================================================================
// RESOLUTION
// =============================================================================

// Resolve produces the outright referee decision for a disagreement.
// Ties in score break deterministically on proposal id, so replaying a
// disagreement always yields the same resolution.
func (r *Referee) Resolve(ctx context.Context, identity string, rec types.DisagreementRecord) (Resolution, error) {
	res, err := r.decide(ctx, identity, rec)
	if err != nil {
		return res, err
	}
	return r.finish(ctx, identity, rec, res)
}

// decide computes the outright outcome without touching metrics.
func (r *Referee) decide(ctx context.Context, identity string, rec types.DisagreementRecord) (Resolution, error) {
	if err := contract.Disagreement(rec); err != nil {
		return Resolution{}, err
	}
	if err := r.store.Put(ctx, identity, types.KindDisagreement, rec.ID, rec); err != nil {
		return Resolution{}, fmt.Errorf("persist disagreement: %w", err)
	}

	res := Resolution{DisagreementID: rec.ID, Scores: map[string]float64{}}
	for _, p := range rec.Proposals {
		res.Scores[p.ID] = Score(p)
	}
	ranked := rankProposals(rec.Proposals, res.Scores)

	// Pre-resolution shortcut: a pair already known to deadlock goes
	// straight to a human instead of burning referee cycles.
	if len(ranked) >= 2 {
		metric, found, err := r.pairMetric(ctx, identity, ranked[0].AgentID, ranked[1].AgentID)
		if err != nil {
			return Resolution{}, err
		}
		pair := types.PairKey(ranked[0].AgentID, ranked[1].AgentID)
		threshold, err := r.pairThreshold(ctx, identity, pair)
		if err != nil {
			return Resolution{}, err
		}
		if found && metric.DeadlockScore >= threshold {
			res.Outcome = OutcomeEscalate
			res.Reason = ReasonDeadlockPair
			res.RequiresHumanReview = true
			res.Rationale = fmt.Sprintf("pair %s deadlock score %.2f at or above %.2f",
				pair, metric.DeadlockScore, threshold)
			return res, nil
		}
	}

	for _, p := range rec.Proposals {
		if p.Impact == types.ImpactIrreversible {
			res.Outcome = OutcomeEscalate
			res.Reason = ReasonIrreversible
			res.RequiresHumanReview = true
			res.Rationale = fmt.Sprintf("proposal %s carries irreversible impact", p.ID)
			return res, nil
		}
	}

	top := ranked[0]
	if len(ranked) >= 2 && res.Scores[top.ID]-res.Scores[ranked[1].ID] <= r.cfg.MergeGap {
		res.Outcome = OutcomeMerge
		res.MergedProposalIDs = []string{top.ID, ranked[1].ID}
		res.Reason = ReasonScoreGap
		res.Rationale = fmt.Sprintf("scores %.3f and %.3f within merge band %.3f",
			res.Scores[top.ID], res.Scores[ranked[1].ID], r.cfg.MergeGap)
		return res, nil
	}

	res.Outcome = OutcomeSelect
	res.SelectedProposalID = top.ID
	res.Reason = ReasonHigherScore
	res.Rationale = fmt.Sprintf("proposal %s scored %.3f", top.ID, res.Scores[top.ID])
	return res, nil
}

// ResolveWithFallback resolves, and when the outright answer is an
// escalation that has aged past the fallback timeout, forces the
// smallest-impact proposal with the best trust-adjusted score. A forced
// proposal must stay below irreversible impact; otherwise the
// escalation stands with the rationale attached.
func (r *Referee) ResolveWithFallback(ctx context.Context, identity string, rec types.DisagreementRecord) (Resolution, error) {
	res, err := r.decide(ctx, identity, rec)
	if err != nil {
		return res, err
	}
	if res.Outcome != OutcomeEscalate || r.clock.Now().Sub(rec.CreatedAt) < r.cfg.FallbackTimeout {
		return r.finish(ctx, identity, rec, res)
	}

	forced, ok, ferr := r.forceCandidate(ctx, identity, rec, res.Scores)
	if ferr != nil {
		return res, ferr
	}
	if !ok {
		res.Reason = ReasonTimeoutNoForce
		res.Rationale += "; no proposal below irreversible impact to force"
		return r.finish(ctx, identity, rec, res)
	}

	res.Outcome = OutcomeForce
	res.SelectedProposalID = forced.ID
	res.Reason = ReasonTimeoutForced
	res.RequiresHumanReview = false
	res.Rationale = fmt.Sprintf("fallback after timeout: forced %s (impact %s, trust-adjusted score best)", forced.ID, forced.Impact)
	return r.finish(ctx, identity, rec, res)
}

// forceCandidate picks the smallest-impact proposal, breaking ties on
// trust-adjusted score then proposal id. Irreversible proposals are
// never forceable.
func (r *Referee) forceCandidate(ctx context.Context, identity string, rec types.DisagreementRecord, scores map[string]float64) (types.AgentProposal, bool, error) {
	candidates := make([]types.AgentProposal, 0, len(rec.Proposals))
	for _, p := range rec.Proposals {
		if p.Impact != types.ImpactIrreversible {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return types.AgentProposal{}, false, nil
	}

	adjusted := make(map[string]float64, len(candidates))
	for _, p := range candidates {
		trust, err := r.agentTrust(ctx, identity, p.AgentID)
		if err != nil {
			return types.AgentProposal{}, false, err
		}
		adjusted[p.ID] = scores[p.ID] * trust
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Impact.Ord() != b.Impact.Ord() {
			return a.Impact.Ord() < b.Impact.Ord()
		}
		if adjusted[a.ID] != adjusted[b.ID] {
			return adjusted[a.ID] > adjusted[b.ID]
		}
		return a.ID < b.ID
	})
	return candidates[0], true, nil
}

// finish persists cooperation metrics for the outcome and audits it.
func (r *Referee) finish(ctx context.Context, identity string, rec types.DisagreementRecord, res Resolution) (Resolution, error) {
	if err := r.updateMetrics(ctx, identity, rec, res); err != nil {
		return res, err
	}
	eventType := logging.AuditRefereeSelect
	switch res.Outcome {
	case OutcomeMerge:
		eventType = logging.AuditRefereeMerge
	case OutcomeEscalate:
		eventType = logging.AuditRefereeEscalate
	case OutcomeForce:
		eventType = logging.AuditRefereeForce
	}
	r.auditor.Log(logging.AuditEvent{
		EventType: eventType,
		Identity:  identity,
		Target:    rec.ID,
		Reason:    res.Reason,
		Success:   res.Outcome != OutcomeEscalate,
	})
	logging.Get(logging.CategoryReferee).Info("disagreement %s: %s (%s)", rec.ID, res.Outcome, res.Reason)
	return res, nil
}

// =============================================================================
// COOPERATION METRICS
// =============================================================================

// pairMetric loads the canonical pair metric if one exists.
func (r *Referee) pairMetric(ctx context.Context, identity, agentA, agentB string) (types.CooperationMetric, bool, error) {
	var m types.CooperationMetric
	found, err := r.store.Get(ctx, identity, types.KindCooperation, types.PairKey(agentA, agentB), &m)
	if err != nil {
		return m, false, fmt.Errorf("load pair metric: %w", err)
	}
	return m, found, nil
}

// pairThreshold is the deadlock shortcut threshold for a pair. An
// enabled escalation override tightens it below the configured default.
func (r *Referee) pairThreshold(ctx context.Context, identity, pairKey string) (float64, error) {
	var override types.EscalationOverride
	found, err := r.store.Get(ctx, identity, types.KindEscalation, pairKey, &override)
	if err != nil {
		return 0, fmt.Errorf("load escalation override: %w", err)
	}
	if found && !override.Disabled && override.Threshold < r.cfg.DeadlockThreshold {
		return override.Threshold, nil
	}
	return r.cfg.DeadlockThreshold, nil
}

// agentTrust averages trust over every stored pair the agent belongs to.
// An agent with no history is trusted at 1.0 until proven otherwise.
func (r *Referee) agentTrust(ctx context.Context, identity, agentID string) (float64, error) {
	var metrics []types.CooperationMetric
	if err := r.store.List(ctx, identity, types.KindCooperation, &metrics); err != nil {
		return 0, err
	}
	var sum float64
	var n int
	for _, m := range metrics {
		if m.AgentA == agentID || m.AgentB == agentID {
			sum += m.TrustScore
			n++
		}
	}
	if n == 0 {
		return 1.0, nil
	}
	return sum / float64(n), nil
}

// updateMetrics recomputes trust and deadlock for every agent pair in
// the disagreement. Rates derive from lifetime counters, so scores are
// recomputed rather than decayed and never reset outside policy.
func (r *Referee) updateMetrics(ctx context.Context, identity string, rec types.DisagreementRecord, res Resolution) error {
	now := r.clock.Now()
	seen := map[string]bool{}
	for i := 0; i < len(rec.Proposals); i++ {
		for j := i + 1; j < len(rec.Proposals); j++ {
			a, b := rec.Proposals[i].AgentID, rec.Proposals[j].AgentID
			if a == b {
				continue
			}
			key := types.PairKey(a, b)
			if seen[key] {
				continue
			}
			seen[key] = true

			m, found, err := r.pairMetric(ctx, identity, a, b)
			if err != nil {
				return err
			}
			if !found {
				if b < a {
					a, b = b, a
				}
				m = types.CooperationMetric{AgentA: a, AgentB: b}
			}
			m.Resolutions++
			switch res.Outcome {
			case OutcomeEscalate:
				m.Escalations++
			case OutcomeForce:
				m.Forced++
			}
			escalationRate := float64(m.Escalations) / float64(m.Resolutions)
			forcedRate := float64(m.Forced) / float64(m.Resolutions)
			m.TrustScore = clamp01(1 - 0.6*escalationRate - 0.3*forcedRate)
			m.DeadlockScore = clamp01(0.7*escalationRate + 0.3*forcedRate)
			m.UpdatedAt = now

			if err := r.store.Put(ctx, identity, types.KindCooperation, key, m); err != nil {
				return fmt.Errorf("persist pair metric: %w", err)
			}
		}
	}
	return nil
}

// rankProposals orders by score descending, then id ascending.
func rankProposals(proposals []types.AgentProposal, scores map[string]float64) []types.AgentProposal {
	ranked := make([]types.AgentProposal, len(proposals))
	copy(ranked, proposals)
	sort.Slice(ranked, func(i, j int) bool {
		if scores[ranked[i].ID] != scores[ranked[j].ID] {
			return scores[ranked[i].ID] > scores[ranked[j].ID]
		}
		return ranked[i].ID < ranked[j].ID
	})
	return ranked
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
