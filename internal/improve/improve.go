// Package improve mines the outcome history for policy changes the
// kernel can make on its own: routing, caching, scheduling, freezes,
// escalation thresholds, and rule distillation. Every change is
// proposed as a candidate, explained, gated, and only then applied.
// Applied changes stay reversible; rollback disables the materialized
// record and remembers the failure so the change is not retried soon.
package improve

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"warden/internal/cache"
	"warden/internal/config"
	"warden/internal/drift"
	"warden/internal/explain"
	"warden/internal/logging"
	"warden/internal/quality"
	"warden/internal/types"
)

// Stable skip and hold reasons.
const (
	ReasonCooldownActive   = "cooldown_active"
	ReasonFailureMemory    = "failure_memory"
	ReasonExplanationWeak  = "explanation_insufficient"
	ReasonDriftFrozen      = "drift_freeze"
	ReasonDriftThrottled   = "drift_throttle_needs_justification"
	ReasonApplied          = "applied"
	ReasonRolledBack       = "rolled_back"
	ReasonNotApplied       = "not_applied"
	ReasonUnknownCandidate = "unknown_candidate"
)

// CycleResult summarizes one improvement run.
type CycleResult struct {
	Applied    int                          `json:"applied"`
	Skipped    int                          `json:"skipped"`
	Held       int                          `json:"held"`
	RolledBack int                          `json:"rolled_back"`
	Candidates []types.ImprovementCandidate `json:"candidates"`
}

// Loop is the self-improvement engine.
type Loop struct {
	store     types.Store
	auditor   *logging.Auditor
	clock     types.Clock
	monitor   *quality.Monitor
	builder   *explain.Builder
	detector  *drift.Detector
	distiller *cache.Distiller
	cfg       config.ImproveConfig
	cacheCfg  config.CacheConfig
	log       *logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLoop wires the improvement loop over its collaborators.
func NewLoop(store types.Store, auditor *logging.Auditor, clock types.Clock,
	monitor *quality.Monitor, builder *explain.Builder, detector *drift.Detector,
	distiller *cache.Distiller, cfg config.ImproveConfig, cacheCfg config.CacheConfig) *Loop {
	if clock == nil {
		clock = types.SystemClock{}
	}
	return &Loop{
		store:     store,
		auditor:   auditor,
		clock:     clock,
		monitor:   monitor,
		builder:   builder,
		detector:  detector,
		distiller: distiller,
		cfg:       cfg,
		cacheCfg:  cacheCfg,
		log:       logging.Get(logging.CategoryImprove),
		locks:     map[string]*sync.Mutex{},
	}
}

// DedupKey is the stable hash identifying a (type, target) candidate.
func DedupKey(t types.CandidateType, target string) string {
	sum := sha256.Sum256([]byte(string(t) + ":" + target))
	return hex.EncodeToString(sum[:8])
}

// identityLock serializes candidate application per identity so the
// dedup and cooldown check is atomic with the apply write.
func (l *Loop) identityLock(identity string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[identity]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[identity] = lock
	}
	return lock
}

// =============================================================================
// CYCLE
// =============================================================================

// RunCycle proposes candidates from the current outcome history, builds
// an explanation for each, applies the ones that clear every gate, and
// reports what happened to the rest.
func (l *Loop) RunCycle(ctx context.Context, identity string) (CycleResult, error) {
	lock := l.identityLock(identity)
	lock.Lock()
	defer lock.Unlock()

	now := l.clock.Now()
	var result CycleResult

	gate, err := l.detector.Gate(ctx, identity)
	if err != nil {
		return result, err
	}

	proposals, err := l.propose(ctx, identity, now)
	if err != nil {
		return result, err
	}

	var existing []types.ImprovementCandidate
	if err := l.store.List(ctx, identity, types.KindCandidate, &existing); err != nil {
		return result, fmt.Errorf("list candidates: %w", err)
	}
	var memories []types.FailureMemory
	if err := l.store.List(ctx, identity, types.KindFailureMemory, &memories); err != nil {
		return result, fmt.Errorf("list failure memory: %w", err)
	}

	for _, p := range proposals {
		p.ID = uuid.NewString()
		p.DedupKey = DedupKey(p.Type, p.Target)
		p.Status = types.CandidateProposed
		p.CreatedAt = now

		if reason, blocked := skipReason(p.DedupKey, existing, memories, now); blocked {
			p.Status = types.CandidateSkipped
			p.Reason = reason
			result.Skipped++
			result.Candidates = append(result.Candidates, p)
			if err := l.record(ctx, identity, p, logging.AuditCandidateSkipped); err != nil {
				return result, err
			}
			continue
		}

		chain, err := l.builder.Build(ctx, identity, p)
		if err != nil {
			return result, err
		}
		if chain.Quality != types.ExplanationClear {
			p.Reason = ReasonExplanationWeak
			result.Held++
			result.Candidates = append(result.Candidates, p)
			if err := l.record(ctx, identity, p, logging.AuditCandidateHeld); err != nil {
				return result, err
			}
			continue
		}

		if hold, reason := gateHold(gate, p); hold {
			p.Reason = reason
			result.Held++
			result.Candidates = append(result.Candidates, p)
			if err := l.record(ctx, identity, p, logging.AuditCandidateHeld); err != nil {
				return result, err
			}
			continue
		}

		rolledBack, refusal, err := l.apply(ctx, identity, &p, now)
		if err != nil {
			return result, err
		}
		result.RolledBack += rolledBack
		if refusal != "" {
			p.Status = types.CandidateSkipped
			p.Reason = refusal
			result.Skipped++
			result.Candidates = append(result.Candidates, p)
			if err := l.record(ctx, identity, p, logging.AuditCandidateSkipped); err != nil {
				return result, err
			}
			continue
		}

		p.Status = types.CandidateApplied
		p.Reason = ReasonApplied
		p.AppliedAt = now
		p.CooldownUntil = now.Add(l.cfg.Cooldown)
		result.Applied++
		result.Candidates = append(result.Candidates, p)
		if err := l.record(ctx, identity, p, logging.AuditCandidateApplied); err != nil {
			return result, err
		}
	}

	l.log.Info("cycle for %s: %d applied, %d skipped, %d held, %d rolled back",
		identity, result.Applied, result.Skipped, result.Held, result.RolledBack)
	return result, nil
}

func (l *Loop) record(ctx context.Context, identity string, c types.ImprovementCandidate, event logging.AuditEventType) error {
	if err := l.store.Put(ctx, identity, types.KindCandidate, c.ID, c); err != nil {
		return fmt.Errorf("persist candidate: %w", err)
	}
	l.auditor.Log(logging.AuditEvent{
		EventType: event,
		Identity:  identity,
		Target:    c.Target,
		Reason:    c.Reason,
		Success:   c.Status == types.CandidateApplied,
		Fields:    map[string]any{"type": string(c.Type), "candidate": c.ID},
	})
	return nil
}

// skipReason checks the dedup ledger: an applied candidate still inside
// its cooldown, or unexpired failure memory, blocks a new proposal with
// the same key.
func skipReason(dedupKey string, existing []types.ImprovementCandidate, memories []types.FailureMemory, now time.Time) (string, bool) {
	for _, e := range existing {
		if e.DedupKey == dedupKey && e.Status == types.CandidateApplied && e.CooldownUntil.After(now) {
			return ReasonCooldownActive, true
		}
	}
	for _, m := range memories {
		if m.DedupKey == dedupKey && m.ExpiresAt.After(now) {
			return ReasonFailureMemory, true
		}
	}
	return "", false
}

// gateHold applies the drift gate: freeze holds everything, throttle
// holds anything without an attached human justification.
func gateHold(gate drift.GateStatus, c types.ImprovementCandidate) (bool, string) {
	if gate.Frozen {
		return true, ReasonDriftFrozen
	}
	if gate.Throttled {
		if j, ok := c.Payload["justification"].(string); !ok || j == "" {
			return true, ReasonDriftThrottled
		}
	}
	return false, ""
}

// =============================================================================
// PROPOSAL MINING
// =============================================================================

func (l *Loop) propose(ctx context.Context, identity string, now time.Time) ([]types.ImprovementCandidate, error) {
	var proposals []types.ImprovementCandidate

	metrics, err := l.monitor.Metrics(ctx, identity)
	if err != nil {
		return nil, err
	}
	regressions, err := l.monitor.Regressions(ctx, identity)
	if err != nil {
		return nil, err
	}
	outcomes, err := l.store.ListOutcomes(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}

	prefs, err := activePreferences(ctx, l.store, identity)
	if err != nil {
		return nil, err
	}

	proposals = append(proposals, l.proposeDowngrades(metrics, prefs)...)
	proposals = append(proposals, proposeUpgrades(regressions, prefs)...)

	fromFreezes, err := l.proposeFreezes(ctx, identity, outcomes)
	if err != nil {
		return nil, err
	}
	proposals = append(proposals, fromFreezes...)

	fromCache, err := l.proposeCacheEnables(ctx, identity, outcomes)
	if err != nil {
		return nil, err
	}
	proposals = append(proposals, fromCache...)

	proposals = append(proposals, l.proposeDistills(outcomes)...)

	fromBudget, err := l.proposeDeferrals(ctx, identity, now)
	if err != nil {
		return nil, err
	}
	proposals = append(proposals, fromBudget...)

	fromPairs, err := l.proposeTightenings(ctx, identity)
	if err != nil {
		return nil, err
	}
	proposals = append(proposals, fromPairs...)

	return proposals, nil
}

func activePreferences(ctx context.Context, store types.Store, identity string) (map[string]types.RoutingPreference, error) {
	var prefs []types.RoutingPreference
	if err := store.List(ctx, identity, types.KindPreference, &prefs); err != nil {
		return nil, fmt.Errorf("list preferences: %w", err)
	}
	active := map[string]types.RoutingPreference{}
	for _, p := range prefs {
		if !p.Disabled {
			active[p.TaskType] = p
		}
	}
	return active, nil
}

// proposeDowngrades flags task types whose economy-tier routine work has
// sustained the quality bar long enough to become the default route.
func (l *Loop) proposeDowngrades(metrics []quality.Metric, prefs map[string]types.RoutingPreference) []types.ImprovementCandidate {
	var out []types.ImprovementCandidate
	for _, m := range metrics {
		if m.Segment.Tier != types.TierEconomy || m.Segment.TaskClass != types.ClassRoutine {
			continue
		}
		if m.SampleCount < l.cfg.MinDowngradeRuns || m.PassRate < 1 || m.AvgQuality < l.cfg.DowngradeQuality {
			continue
		}
		if _, taken := prefs[m.Segment.TaskType]; taken {
			continue
		}
		out = append(out, types.ImprovementCandidate{
			Type:   types.CandidateRoutingDowngrade,
			Target: m.Segment.TaskType,
			Reason: fmt.Sprintf("economy tier held avg quality %.2f over %d runs", m.AvgQuality, m.SampleCount),
		})
	}
	return out
}

// proposeUpgrades flags regressions on a tier the identity actively
// prefers; applying the upgrade rolls the preference back.
func proposeUpgrades(regressions []quality.Regression, prefs map[string]types.RoutingPreference) []types.ImprovementCandidate {
	var out []types.ImprovementCandidate
	for _, r := range regressions {
		pref, ok := prefs[r.Segment.TaskType]
		if !ok || pref.Tier != r.Segment.Tier {
			continue
		}
		out = append(out, types.ImprovementCandidate{
			Type:   types.CandidateRoutingUpgrade,
			Target: r.Segment.TaskType,
			Reason: fmt.Sprintf("preferred tier %s regressed %.2f", r.Segment.Tier, r.Delta),
		})
	}
	return out
}

func (l *Loop) proposeFreezes(ctx context.Context, identity string, outcomes []types.TaskOutcomeRecord) ([]types.ImprovementCandidate, error) {
	var freezes []types.TaskFreeze
	if err := l.store.List(ctx, identity, types.KindFreeze, &freezes); err != nil {
		return nil, fmt.Errorf("list freezes: %w", err)
	}
	frozen := map[string]bool{}
	for _, f := range freezes {
		if !f.Disabled {
			frozen[f.TaskType] = true
		}
	}

	total := map[string]int{}
	failed := map[string]int{}
	for _, o := range outcomes {
		total[o.TaskType]++
		if !o.EvaluationPassed {
			failed[o.TaskType]++
		}
	}

	var out []types.ImprovementCandidate
	for _, taskType := range sortedKeys(total) {
		if frozen[taskType] || total[taskType] < l.cfg.FreezeMinSamples {
			continue
		}
		rate := float64(failed[taskType]) / float64(total[taskType])
		if rate < l.cfg.FreezeFailureRate {
			continue
		}
		out = append(out, types.ImprovementCandidate{
			Type:   types.CandidateTaskTypeFreeze,
			Target: taskType,
			Reason: fmt.Sprintf("failure rate %.2f over %d samples", rate, total[taskType]),
		})
	}
	return out, nil
}

func (l *Loop) proposeCacheEnables(ctx context.Context, identity string, outcomes []types.TaskOutcomeRecord) ([]types.ImprovementCandidate, error) {
	var policies []types.CachePolicy
	if err := l.store.List(ctx, identity, types.KindCachePolicy, &policies); err != nil {
		return nil, fmt.Errorf("list cache policies: %w", err)
	}
	enabled := map[string]bool{}
	for _, p := range policies {
		if !p.Disabled {
			enabled[p.TaskType] = true
		}
	}

	successes := map[string]int{}
	for _, o := range outcomes {
		if o.TaskClass == types.ClassRoutine && o.EvaluationPassed {
			successes[o.TaskType]++
		}
	}

	var out []types.ImprovementCandidate
	for _, taskType := range sortedKeys(successes) {
		if enabled[taskType] || successes[taskType] < l.cfg.CacheMinSuccesses {
			continue
		}
		out = append(out, types.ImprovementCandidate{
			Type:   types.CandidateCacheEnable,
			Target: taskType,
			Reason: fmt.Sprintf("%d routine successes on record", successes[taskType]),
		})
	}
	return out, nil
}

// proposeDistills flags identical-input success runs big enough for the
// distiller to consider. The distiller re-checks everything at apply
// time and may still refuse.
func (l *Loop) proposeDistills(outcomes []types.TaskOutcomeRecord) []types.ImprovementCandidate {
	type group struct {
		taskType, inputHash, goalID string
		count                       int
	}
	groups := map[string]*group{}
	for _, o := range outcomes {
		if o.InputHash == "" {
			continue
		}
		key := o.TaskType + "|" + o.InputHash + "|" + o.GoalID
		g, ok := groups[key]
		if !ok {
			g = &group{taskType: o.TaskType, inputHash: o.InputHash, goalID: o.GoalID}
			groups[key] = g
		}
		g.count++
	}

	var keys []string
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []types.ImprovementCandidate
	for _, k := range keys {
		g := groups[k]
		if g.count < l.cacheCfg.MinDistillRuns {
			continue
		}
		out = append(out, types.ImprovementCandidate{
			Type:   types.CandidateRuleDistill,
			Target: g.taskType,
			Reason: fmt.Sprintf("%d identical-input runs", g.count),
			Payload: map[string]any{
				"input_hash": g.inputHash,
				"goal_id":    g.goalID,
			},
		})
	}
	return out
}

// proposeDeferrals reacts to soft-limit budget events recorded since the
// last cooldown window. The triggering event is snapshotted into the
// payload because the budget state that raised it is transient.
func (l *Loop) proposeDeferrals(ctx context.Context, identity string, now time.Time) ([]types.ImprovementCandidate, error) {
	var events []types.BudgetEventRecord
	if err := l.store.List(ctx, identity, types.KindBudgetEvent, &events); err != nil {
		return nil, fmt.Errorf("list budget events: %w", err)
	}
	var sched []types.SchedulePreference
	if err := l.store.List(ctx, identity, types.KindSchedulePref, &sched); err != nil {
		return nil, fmt.Errorf("list schedule preferences: %w", err)
	}
	deferred := map[string]bool{}
	for _, s := range sched {
		if !s.Disabled {
			deferred[s.TaskType] = true
		}
	}

	cutoff := now.Add(-l.cfg.Cooldown)
	latest := map[string]types.BudgetEventRecord{}
	for _, e := range events {
		if e.CreatedAt.Before(cutoff) || deferred[e.TaskType] {
			continue
		}
		if prev, ok := latest[e.TaskType]; !ok || e.CreatedAt.After(prev.CreatedAt) {
			latest[e.TaskType] = e
		}
	}

	var out []types.ImprovementCandidate
	for _, taskType := range sortedEventKeys(latest) {
		e := latest[taskType]
		out = append(out, types.ImprovementCandidate{
			Type:    types.CandidateScheduleDefer,
			Target:  taskType,
			Reason:  e.Reason,
			Payload: map[string]any{"budget_event": e.Detail},
		})
	}
	return out, nil
}

func (l *Loop) proposeTightenings(ctx context.Context, identity string) ([]types.ImprovementCandidate, error) {
	var pairs []types.CooperationMetric
	if err := l.store.List(ctx, identity, types.KindCooperation, &pairs); err != nil {
		return nil, fmt.Errorf("list cooperation metrics: %w", err)
	}
	var overrides []types.EscalationOverride
	if err := l.store.List(ctx, identity, types.KindEscalation, &overrides); err != nil {
		return nil, fmt.Errorf("list escalation overrides: %w", err)
	}
	tightened := map[string]bool{}
	for _, o := range overrides {
		if !o.Disabled {
			tightened[o.PairKey] = true
		}
	}

	var out []types.ImprovementCandidate
	for _, m := range pairs {
		key := types.PairKey(m.AgentA, m.AgentB)
		if tightened[key] || m.DeadlockScore < l.cfg.DeadlockTighten {
			continue
		}
		out = append(out, types.ImprovementCandidate{
			Type:    types.CandidateEscalationTighten,
			Target:  key,
			Reason:  fmt.Sprintf("pair deadlock score %.2f", m.DeadlockScore),
			Payload: map[string]any{"deadlock_score": m.DeadlockScore},
		})
	}
	return out, nil
}

// =============================================================================
// APPLY & ROLLBACK
// =============================================================================

// apply materializes the candidate's concrete record. The returned
// refusal reason, when non-empty, means the candidate could not take
// effect (currently only rule distillation can refuse). An upgrade that
// rolls back an earlier downgrade reports it in the first return.
func (l *Loop) apply(ctx context.Context, identity string, c *types.ImprovementCandidate, now time.Time) (int, string, error) {
	switch c.Type {
	case types.CandidateRoutingDowngrade:
		pref := types.RoutingPreference{
			TaskType: c.Target, Tier: types.TierEconomy, CandidateID: c.ID, CreatedAt: now,
		}
		return 0, "", l.store.Put(ctx, identity, types.KindPreference, c.Target, pref)

	case types.CandidateRoutingUpgrade:
		rolled, err := l.revertPreference(ctx, identity, c.Target, c.Reason, now)
		return rolled, "", err

	case types.CandidateTaskTypeFreeze:
		freeze := types.TaskFreeze{
			TaskType: c.Target, Reason: c.Reason, CandidateID: c.ID, CreatedAt: now,
		}
		return 0, "", l.store.Put(ctx, identity, types.KindFreeze, c.Target, freeze)

	case types.CandidateCacheEnable:
		policy := types.CachePolicy{TaskType: c.Target, CandidateID: c.ID, CreatedAt: now}
		return 0, "", l.store.Put(ctx, identity, types.KindCachePolicy, c.Target, policy)

	case types.CandidateRuleDistill:
		inputHash, _ := c.Payload["input_hash"].(string)
		goalID, _ := c.Payload["goal_id"].(string)
		_, refusal, err := l.distiller.TryDistill(ctx, identity, c.Target, inputHash, goalID)
		return 0, refusal, err

	case types.CandidateScheduleDefer:
		pref := types.SchedulePreference{
			TaskType: c.Target, Policy: types.PolicyDeferred, CandidateID: c.ID, CreatedAt: now,
		}
		return 0, "", l.store.Put(ctx, identity, types.KindSchedulePref, c.Target, pref)

	case types.CandidateEscalationTighten:
		score, _ := c.Payload["deadlock_score"].(float64)
		override := types.EscalationOverride{
			// Trip the deadlock shortcut well before the pair reaches
			// the score that earned the tightening.
			PairKey: c.Target, Threshold: score / 2, CandidateID: c.ID, CreatedAt: now,
		}
		return 0, "", l.store.Put(ctx, identity, types.KindEscalation, c.Target, override)

	default:
		return 0, "", fmt.Errorf("unknown candidate type %q", c.Type)
	}
}

// revertPreference disables an active routing preference and marks its
// originating candidate rolled back, with failure memory so the same
// downgrade is not re-proposed immediately.
func (l *Loop) revertPreference(ctx context.Context, identity, taskType, reason string, now time.Time) (int, error) {
	var pref types.RoutingPreference
	found, err := l.store.Get(ctx, identity, types.KindPreference, taskType, &pref)
	if err != nil {
		return 0, fmt.Errorf("load preference: %w", err)
	}
	if !found || pref.Disabled {
		return 0, nil
	}
	pref.Disabled = true
	if err := l.store.Put(ctx, identity, types.KindPreference, taskType, pref); err != nil {
		return 0, fmt.Errorf("disable preference: %w", err)
	}
	if pref.CandidateID == "" {
		return 0, nil
	}

	var orig types.ImprovementCandidate
	found, err = l.store.Get(ctx, identity, types.KindCandidate, pref.CandidateID, &orig)
	if err != nil {
		return 0, fmt.Errorf("load original candidate: %w", err)
	}
	if !found || orig.Status != types.CandidateApplied {
		return 0, nil
	}
	orig.Status = types.CandidateRolledBack
	orig.Reason = reason
	if err := l.store.Put(ctx, identity, types.KindCandidate, orig.ID, orig); err != nil {
		return 0, fmt.Errorf("mark rolled back: %w", err)
	}
	if err := l.writeFailureMemory(ctx, identity, orig.DedupKey, reason, now); err != nil {
		return 0, err
	}
	l.auditor.Log(logging.AuditEvent{
		EventType: logging.AuditCandidateRollback,
		Identity:  identity,
		Target:    orig.Target,
		Reason:    reason,
		Fields:    map[string]any{"type": string(orig.Type), "candidate": orig.ID},
	})
	return 1, nil
}

// Rollback reverts an applied candidate: the materialized record is
// disabled, never deleted, and failure memory blocks re-proposal until
// it expires.
func (l *Loop) Rollback(ctx context.Context, identity, candidateID, reason string) error {
	lock := l.identityLock(identity)
	lock.Lock()
	defer lock.Unlock()

	now := l.clock.Now()
	var c types.ImprovementCandidate
	found, err := l.store.Get(ctx, identity, types.KindCandidate, candidateID, &c)
	if err != nil {
		return fmt.Errorf("load candidate: %w", err)
	}
	if !found {
		return fmt.Errorf("%s: %s", ReasonUnknownCandidate, candidateID)
	}
	if c.Status != types.CandidateApplied {
		return fmt.Errorf("%s: candidate %s is %s", ReasonNotApplied, candidateID, c.Status)
	}

	if err := l.disableMaterialized(ctx, identity, c); err != nil {
		return err
	}

	c.Status = types.CandidateRolledBack
	c.Reason = reason
	if err := l.store.Put(ctx, identity, types.KindCandidate, c.ID, c); err != nil {
		return fmt.Errorf("mark rolled back: %w", err)
	}
	if err := l.writeFailureMemory(ctx, identity, c.DedupKey, reason, now); err != nil {
		return err
	}
	l.auditor.Log(logging.AuditEvent{
		EventType: logging.AuditCandidateRollback,
		Identity:  identity,
		Target:    c.Target,
		Reason:    reason,
		Fields:    map[string]any{"type": string(c.Type), "candidate": c.ID},
	})
	return nil
}

func (l *Loop) disableMaterialized(ctx context.Context, identity string, c types.ImprovementCandidate) error {
	switch c.Type {
	case types.CandidateRoutingDowngrade:
		var pref types.RoutingPreference
		if found, err := l.store.Get(ctx, identity, types.KindPreference, c.Target, &pref); err != nil || !found {
			return err
		}
		pref.Disabled = true
		return l.store.Put(ctx, identity, types.KindPreference, c.Target, pref)

	case types.CandidateTaskTypeFreeze:
		var freeze types.TaskFreeze
		if found, err := l.store.Get(ctx, identity, types.KindFreeze, c.Target, &freeze); err != nil || !found {
			return err
		}
		freeze.Disabled = true
		return l.store.Put(ctx, identity, types.KindFreeze, c.Target, freeze)

	case types.CandidateCacheEnable:
		var policy types.CachePolicy
		if found, err := l.store.Get(ctx, identity, types.KindCachePolicy, c.Target, &policy); err != nil || !found {
			return err
		}
		policy.Disabled = true
		return l.store.Put(ctx, identity, types.KindCachePolicy, c.Target, policy)

	case types.CandidateScheduleDefer:
		var pref types.SchedulePreference
		if found, err := l.store.Get(ctx, identity, types.KindSchedulePref, c.Target, &pref); err != nil || !found {
			return err
		}
		pref.Disabled = true
		return l.store.Put(ctx, identity, types.KindSchedulePref, c.Target, pref)

	case types.CandidateEscalationTighten:
		var override types.EscalationOverride
		if found, err := l.store.Get(ctx, identity, types.KindEscalation, c.Target, &override); err != nil || !found {
			return err
		}
		override.Disabled = true
		return l.store.Put(ctx, identity, types.KindEscalation, c.Target, override)

	case types.CandidateRoutingUpgrade, types.CandidateRuleDistill:
		// Upgrades revert a preference at apply time; distilled rules
		// demote through the distiller's own failure accounting.
		return nil

	default:
		return fmt.Errorf("unknown candidate type %q", c.Type)
	}
}

func (l *Loop) writeFailureMemory(ctx context.Context, identity, dedupKey, reason string, now time.Time) error {
	memory := types.FailureMemory{
		DedupKey:  dedupKey,
		Reason:    reason,
		ExpiresAt: now.Add(l.cfg.FailureMemoryTTL),
		CreatedAt: now,
	}
	if err := l.store.Put(ctx, identity, types.KindFailureMemory, dedupKey, memory); err != nil {
		return fmt.Errorf("persist failure memory: %w", err)
	}
	return nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedEventKeys(m map[string]types.BudgetEventRecord) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
