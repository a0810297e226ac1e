// Package trust calibrates how much autonomy an agent has earned. It
// accepts or rejects long-horizon commitments and gates permission-tier
// promotion on the agent's observed track record.
package trust

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"

	"warden/internal/config"
	"warden/internal/contract"
	"warden/internal/logging"
	"warden/internal/types"
)

// Commitment decision reasons.
const (
	ReasonCommitmentAccepted = "commitment_accepted"
	ReasonNeedsAlternative   = "irreversible_needs_reversible_alternative"
	ReasonNeedsJustification = "long_commitment_needs_justification"
)

// Promotion block reasons. The first failing check wins; later checks are
// not evaluated.
const (
	ReasonPromoted      = "promoted"
	ReasonAtCeiling     = "already_at_top_tier"
	ReasonFailureDebt   = "outstanding_failure_debt"
	ReasonTooFewRuns    = "insufficient_stable_runs"
	ReasonPassRateBelow = "pass_rate_below_tier_threshold"
	ReasonVarianceHigh  = "quality_variance_above_ceiling"
	ReasonRollbackHigh  = "rollback_rate_above_ceiling"
	ReasonUnknownAgent  = "unknown_agent"
)

// PromotionDecision is the outcome of one tier-promotion evaluation. When
// Eligible is false, Reason names the first check that failed.
type PromotionDecision struct {
	AgentID      string               `json:"agent_id"`
	FromTier     types.PermissionTier `json:"from_tier"`
	ToTier       types.PermissionTier `json:"to_tier"`
	Eligible     bool                 `json:"eligible"`
	Reason       string               `json:"reason"`
	StableRuns   int                  `json:"stable_runs"`
	FailureDebt  int                  `json:"failure_debt"`
	PassRate     float64              `json:"pass_rate"`
	Variance     float64              `json:"variance"`
	RollbackRate float64              `json:"rollback_rate"`
}

// Calibrator owns commitment policy and tier promotion.
type Calibrator struct {
	store   types.Store
	auditor *logging.Auditor
	clock   types.Clock
	cfg     config.TrustConfig
	log     *logging.Logger
}

// NewCalibrator wires a calibrator over the shared store.
func NewCalibrator(store types.Store, auditor *logging.Auditor, clock types.Clock, cfg config.TrustConfig) *Calibrator {
	return &Calibrator{
		store:   store,
		auditor: auditor,
		clock:   clock,
		cfg:     cfg,
		log:     logging.Get(logging.CategoryTrust),
	}
}

// =============================================================================
// COMMITMENTS
// =============================================================================

// AcceptCommitment validates and persists a long-horizon commitment.
// Irreversible-impact commitments need both a justification and a stated
// reversible alternative. Commitments longer than the configured horizon
// need a justification regardless of impact. Rejections return the block
// reason alongside a nil error.
func (c *Calibrator) AcceptCommitment(ctx context.Context, identity string, cm types.Commitment) (string, error) {
	if cm.ID == "" {
		cm.ID = uuid.NewString()
	}
	if cm.CreatedAt.IsZero() {
		cm.CreatedAt = c.clock.Now()
	}
	if err := contract.Commitment(cm); err != nil {
		return "", err
	}

	reason := ReasonCommitmentAccepted
	switch {
	case cm.Impact == types.ImpactIrreversible && (cm.Justification == "" || cm.ReversibleAlternative == ""):
		reason = ReasonNeedsAlternative
	case cm.Duration > c.cfg.LongCommitment && cm.Justification == "":
		reason = ReasonNeedsJustification
	}

	if reason != ReasonCommitmentAccepted {
		c.auditor.Log(logging.AuditEvent{
			EventType: logging.AuditCommitmentReject,
			Identity:  identity,
			AgentID:   cm.AgentID,
			Target:    cm.ID,
			Reason:    reason,
		})
		return reason, nil
	}

	if err := c.store.Put(ctx, identity, types.KindCommitment, cm.ID, cm); err != nil {
		return "", fmt.Errorf("persist commitment: %w", err)
	}
	c.auditor.Log(logging.AuditEvent{
		EventType: logging.AuditCommitmentAccept,
		Identity:  identity,
		AgentID:   cm.AgentID,
		Target:    cm.ID,
		Reason:    reason,
		Success:   true,
	})
	return reason, nil
}

// =============================================================================
// TIER PROMOTION
// =============================================================================

// EvaluatePromotion checks whether an agent has earned the next
// permission tier. Checks run in a fixed order and the first failure
// becomes the block reason: failure debt, stable-run count, tier pass
// rate, quality variance, rollback rate.
func (c *Calibrator) EvaluatePromotion(ctx context.Context, identity, agentID string) (PromotionDecision, error) {
	var profile types.AgentProfile
	found, err := c.store.Get(ctx, identity, types.KindAgentProfile, agentID, &profile)
	if err != nil {
		return PromotionDecision{}, fmt.Errorf("load agent %s: %w", agentID, err)
	}
	if !found {
		return PromotionDecision{AgentID: agentID, Reason: ReasonUnknownAgent}, nil
	}

	dec := PromotionDecision{
		AgentID:  agentID,
		FromTier: profile.MaxPermissionTier,
		ToTier:   profile.MaxPermissionTier.Next(),
	}
	if dec.ToTier == dec.FromTier {
		dec.Reason = ReasonAtCeiling
		return dec, nil
	}

	runs, err := c.agentRuns(ctx, identity, agentID)
	if err != nil {
		return PromotionDecision{}, err
	}
	dec.StableRuns = len(runs)

	debt, err := c.failureDebt(ctx, identity, agentID, runs)
	if err != nil {
		return PromotionDecision{}, err
	}
	dec.FailureDebt = debt
	if debt > 0 {
		dec.Reason = ReasonFailureDebt
		return dec, nil
	}

	if len(runs) < c.cfg.MinStableRuns {
		dec.Reason = ReasonTooFewRuns
		return dec, nil
	}

	dec.PassRate = passRate(runs)
	if dec.PassRate < c.cfg.PassRateByTier[string(dec.ToTier)] {
		dec.Reason = ReasonPassRateBelow
		return dec, nil
	}

	dec.Variance = qualityVariance(runs)
	if dec.Variance > c.cfg.MaxVariance {
		dec.Reason = ReasonVarianceHigh
		return dec, nil
	}

	rollback, err := c.rollbackRate(ctx, identity)
	if err != nil {
		return PromotionDecision{}, err
	}
	dec.RollbackRate = rollback
	if rollback > c.cfg.MaxRollbackRate {
		dec.Reason = ReasonRollbackHigh
		return dec, nil
	}

	dec.Eligible = true
	dec.Reason = ReasonPromoted
	return dec, nil
}

// Promote evaluates and, when eligible, raises the agent's tier ceiling.
// Blocked promotions leave the profile untouched and are audited with
// the blocking reason.
func (c *Calibrator) Promote(ctx context.Context, identity, agentID string) (PromotionDecision, error) {
	dec, err := c.EvaluatePromotion(ctx, identity, agentID)
	if err != nil {
		return PromotionDecision{}, err
	}
	if !dec.Eligible {
		c.auditor.Log(logging.AuditEvent{
			EventType: logging.AuditTierBlocked,
			Identity:  identity,
			AgentID:   agentID,
			Target:    string(dec.ToTier),
			Reason:    dec.Reason,
		})
		return dec, nil
	}

	var profile types.AgentProfile
	if _, err := c.store.Get(ctx, identity, types.KindAgentProfile, agentID, &profile); err != nil {
		return PromotionDecision{}, fmt.Errorf("reload agent %s: %w", agentID, err)
	}
	profile.MaxPermissionTier = dec.ToTier
	if err := c.store.Put(ctx, identity, types.KindAgentProfile, agentID, profile); err != nil {
		return PromotionDecision{}, fmt.Errorf("persist agent %s: %w", agentID, err)
	}
	c.log.Info("promoted agent %s to %s", agentID, dec.ToTier)
	c.auditor.Log(logging.AuditEvent{
		EventType: logging.AuditTierPromote,
		Identity:  identity,
		AgentID:   agentID,
		Target:    string(dec.ToTier),
		Reason:    dec.Reason,
		Success:   true,
	})
	return dec, nil
}

// agentRuns returns the agent's most recent MinStableRuns outcomes in
// creation order, or fewer when the history is shorter.
func (c *Calibrator) agentRuns(ctx context.Context, identity, agentID string) ([]types.TaskOutcomeRecord, error) {
	all, err := c.store.ListOutcomes(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	var runs []types.TaskOutcomeRecord
	for _, o := range all {
		if o.AgentID == agentID {
			runs = append(runs, o)
		}
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })
	if len(runs) > c.cfg.MinStableRuns {
		runs = runs[len(runs)-c.cfg.MinStableRuns:]
	}
	return runs, nil
}

// failureDebt counts the agent's hard violations inside the window the
// stable runs span. An empty run window counts every hard violation on
// record, so a violating agent with no clean history cannot promote.
func (c *Calibrator) failureDebt(ctx context.Context, identity, agentID string, runs []types.TaskOutcomeRecord) (int, error) {
	var violations []types.ViolationRecord
	if err := c.store.List(ctx, identity, types.KindViolation, &violations); err != nil {
		return 0, fmt.Errorf("list violations: %w", err)
	}
	debt := 0
	for _, v := range violations {
		if v.Kind != types.ViolationHard || v.AgentID != agentID {
			continue
		}
		if len(runs) > 0 && v.CreatedAt.Before(runs[0].CreatedAt) {
			continue
		}
		debt++
	}
	return debt, nil
}

// rollbackRate is the share of applied improvement candidates that were
// later rolled back. Promotion inherits the identity-wide rate: an agent
// does not out-promote a policy regime that keeps getting reverted.
func (c *Calibrator) rollbackRate(ctx context.Context, identity string) (float64, error) {
	var candidates []types.ImprovementCandidate
	if err := c.store.List(ctx, identity, types.KindCandidate, &candidates); err != nil {
		return 0, fmt.Errorf("list candidates: %w", err)
	}
	applied, rolled := 0, 0
	for _, cand := range candidates {
		switch cand.Status {
		case types.CandidateApplied:
			applied++
		case types.CandidateRolledBack:
			rolled++
		}
	}
	if applied+rolled == 0 {
		return 0, nil
	}
	return float64(rolled) / float64(applied+rolled), nil
}

func passRate(runs []types.TaskOutcomeRecord) float64 {
	if len(runs) == 0 {
		return 0
	}
	passed := 0
	for _, o := range runs {
		if o.EvaluationPassed {
			passed++
		}
	}
	return float64(passed) / float64(len(runs))
}

// qualityVariance is the population variance of the runs' quality scores.
func qualityVariance(runs []types.TaskOutcomeRecord) float64 {
	if len(runs) == 0 {
		return 0
	}
	mean := 0.0
	for _, o := range runs {
		mean += o.QualityScore
	}
	mean /= float64(len(runs))
	sum := 0.0
	for _, o := range runs {
		sum += math.Pow(o.QualityScore-mean, 2)
	}
	return sum / float64(len(runs))
}
