// Package kernel assembles the governance components behind the small
// surface external callers use: enforce, invoke, schedule, improve,
// snapshot. Everything else stays internal.
package kernel

import (
	"context"
	"fmt"
	"time"

	"warden/internal/budget"
	"warden/internal/cache"
	"warden/internal/config"
	"warden/internal/contract"
	"warden/internal/drift"
	"warden/internal/explain"
	"warden/internal/improve"
	"warden/internal/logging"
	"warden/internal/pipeline"
	"warden/internal/quality"
	"warden/internal/referee"
	"warden/internal/registry"
	"warden/internal/scheduler"
	"warden/internal/trust"
	"warden/internal/types"
)

// Kernel is the assembled governance engine.
type Kernel struct {
	store    types.Store
	auditor  *logging.Auditor
	clock    types.Clock
	cfg      *config.Config
	registry *registry.Registry
	governor *budget.Governor
	ledger   *budget.Ledger
	sched    *scheduler.Scheduler
	referee  *referee.Referee
	monitor  *quality.Monitor
	router   *quality.Router
	cache    *cache.Cache
	distill  *cache.Distiller
	builder  *explain.Builder
	detector *drift.Detector
	trust    *trust.Calibrator
	loop     *improve.Loop
	pipeline *pipeline.Pipeline
}

// New wires a kernel over the given store and audit sink.
func New(cfg *config.Config, st types.Store, sink logging.Sink, clock types.Clock) *Kernel {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if clock == nil {
		clock = types.SystemClock{}
	}
	auditor := logging.NewAuditor(sink)

	reg := registry.New(st)
	governor := budget.NewGovernor(st, auditor, clock, cfg.Budget, cfg.Emergency)
	ledger := budget.NewLedger(st, auditor, clock, cfg.Budget)
	sched := scheduler.NewScheduler(st, auditor, clock, cfg.Scheduling)
	ref := referee.NewReferee(st, auditor, clock, cfg.Referee)
	monitor := quality.NewMonitor(st, clock, cfg.Quality)
	router := quality.NewRouter(st, monitor)
	var backend cache.Backend = cache.NewStoreBackend(st)
	if cfg.RedisAddr != "" {
		rb, err := cache.NewRedisBackend(cache.RedisConfig{Address: cfg.RedisAddr})
		if err != nil {
			logging.Get(logging.CategoryCache).Warn("redis unavailable at %s, using local cache: %v", cfg.RedisAddr, err)
		} else {
			backend = rb
		}
	}
	c := cache.New(backend, auditor, clock, cfg.Cache)
	distill := cache.NewDistiller(st, auditor, clock, cfg.Cache)
	builder := explain.NewBuilder(st, monitor, clock, 0)
	detector := drift.NewDetector(st, auditor, clock, cfg.Drift)
	calibrator := trust.NewCalibrator(st, auditor, clock, cfg.Trust)
	loop := improve.NewLoop(st, auditor, clock, monitor, builder, detector, distill, cfg.Improve, cfg.Cache)
	pipe := pipeline.New(reg, governor, ledger, detector, c, distill, router,
		st, auditor, clock, cfg.Budget.InvokeTimeout)

	return &Kernel{
		store:    st,
		auditor:  auditor,
		clock:    clock,
		cfg:      cfg,
		registry: reg,
		governor: governor,
		ledger:   ledger,
		sched:    sched,
		referee:  ref,
		monitor:  monitor,
		router:   router,
		cache:    c,
		distill:  distill,
		builder:  builder,
		detector: detector,
		trust:    calibrator,
		loop:     loop,
		pipeline: pipe,
	}
}

// RegisterAgent adds an agent profile.
func (k *Kernel) RegisterAgent(ctx context.Context, identity string, profile types.AgentProfile) error {
	return k.registry.Register(ctx, identity, profile)
}

// RegisterTool makes a tool invokable by the pipeline.
func (k *Kernel) RegisterTool(name string, tool pipeline.Tool) {
	k.pipeline.RegisterTool(name, tool)
}

// =============================================================================
// GOVERNANCE SURFACE
// =============================================================================

// EnforceGovernance runs the pre-execution gates only: scope, drift,
// freezes, and budgets. It executes nothing and is safe to call from
// planning code before any work is committed.
func (k *Kernel) EnforceGovernance(ctx context.Context, gc types.GovernanceContext) (types.Decision, error) {
	if err := contract.GovernanceContext(gc); err != nil {
		return types.Decision{}, err
	}

	decision, err := k.registry.Evaluate(ctx, gc)
	if err != nil {
		return types.Decision{}, err
	}
	if decision.Allowed {
		if gate, gerr := k.detector.Gate(ctx, gc.Identity); gerr != nil {
			return types.Decision{}, gerr
		} else if gate.Blocked() {
			decision = types.Deny(gate.Reason).WithDetail("report_id", gate.ReportID)
		}
	}
	if decision.Allowed {
		var freeze types.TaskFreeze
		found, ferr := k.store.Get(ctx, gc.Identity, types.KindFreeze, gc.TaskType, &freeze)
		if ferr != nil {
			return types.Decision{}, ferr
		}
		if found && !freeze.Disabled {
			decision = types.Deny(pipeline.ReasonTaskFrozen).WithDetail("candidate_id", freeze.CandidateID)
		}
	}
	if decision.Allowed {
		cost, cerr := k.governor.Evaluate(ctx, gc)
		if cerr != nil {
			return types.Decision{}, cerr
		}
		decision = cost.Decision
		if cost.RoutingTierCap != "" {
			decision = decision.WithDetail("routing_tier_cap", string(cost.RoutingTierCap))
		}
		if cost.DemoteToTier != "" {
			decision = decision.WithDetail("demote_to_tier", string(cost.DemoteToTier))
		}
	}
	if decision.Allowed && gc.EstimatedCost > 0 {
		ok, aerr := k.ledger.CanAfford(ctx, gc.Identity, gc.EstimatedCost)
		if aerr != nil {
			return types.Decision{}, aerr
		}
		if !ok {
			decision = types.Deny(budget.ReasonInsufficientUnit)
		}
	}

	event := logging.AuditEvent{
		EventType: logging.AuditGovernanceAllow,
		Identity:  gc.Identity,
		AgentID:   gc.AgentID,
		Target:    gc.TaskType,
		Reason:    decision.Reason,
		Success:   decision.Allowed,
	}
	if !decision.Allowed {
		event.EventType = logging.AuditGovernanceDeny
	}
	k.auditor.Log(event)
	return decision, nil
}

// Invoke runs one governed tool call.
func (k *Kernel) Invoke(ctx context.Context, gc types.GovernanceContext, call pipeline.Call) types.ToolResult {
	return k.pipeline.Invoke(ctx, gc, call)
}

// ScheduleTask places a task, honoring any deferral preference the
// improvement loop has materialized for its task type.
func (k *Kernel) ScheduleTask(ctx context.Context, identity string, task types.ScheduledTask) (scheduler.ScheduleDecision, error) {
	var pref types.SchedulePreference
	found, err := k.store.Get(ctx, identity, types.KindSchedulePref, task.TaskType, &pref)
	if err != nil {
		return scheduler.ScheduleDecision{}, fmt.Errorf("load schedule preference: %w", err)
	}
	if found && !pref.Disabled {
		task.Policy = pref.Policy
	}
	return k.sched.Schedule(ctx, identity, task)
}

// Resolve settles a multi-agent disagreement, forcing an outcome when an
// escalation has aged past the configured fallback timeout.
func (k *Kernel) Resolve(ctx context.Context, identity string, rec types.DisagreementRecord) (referee.Resolution, error) {
	return k.referee.ResolveWithFallback(ctx, identity, rec)
}

// RunImprovementCycle mines outcome history and applies gated policy
// changes.
func (k *Kernel) RunImprovementCycle(ctx context.Context, identity string) (improve.CycleResult, error) {
	return k.loop.RunCycle(ctx, identity)
}

// ReportDrift computes and persists a fresh drift report.
func (k *Kernel) ReportDrift(ctx context.Context, identity string) (types.DriftReport, error) {
	return k.detector.Report(ctx, identity)
}

// AcceptCommitment applies long-horizon commitment policy.
func (k *Kernel) AcceptCommitment(ctx context.Context, identity string, c types.Commitment) (string, error) {
	return k.trust.AcceptCommitment(ctx, identity, c)
}

// PromoteAgent attempts a tier promotion for an agent.
func (k *Kernel) PromoteAgent(ctx context.Context, identity, agentID string) (trust.PromotionDecision, error) {
	return k.trust.Promote(ctx, identity, agentID)
}

// GrantUnits credits the economic ledger.
func (k *Kernel) GrantUnits(ctx context.Context, identity string, units int64) (types.EconomicBudgetState, error) {
	return k.ledger.Grant(ctx, identity, units)
}

// EconomicState reads the unit ledger without mutating it.
func (k *Kernel) EconomicState(ctx context.Context, identity string) (types.EconomicBudgetState, error) {
	return k.ledger.State(ctx, identity)
}

// EnsureDefaultBudget seeds the default period budget if none exists.
func (k *Kernel) EnsureDefaultBudget(ctx context.Context, identity string) error {
	return k.governor.EnsureDefaultBudget(ctx, identity)
}

// SetEmergency activates emergency constraints for an identity.
func (k *Kernel) SetEmergency(ctx context.Context, identity string, mode types.EmergencyMode) error {
	return k.governor.SetEmergency(ctx, identity, mode)
}

// ClearEmergency deactivates emergency mode.
func (k *Kernel) ClearEmergency(ctx context.Context, identity string) error {
	return k.governor.ClearEmergency(ctx, identity)
}

// Reaffirm records a value reaffirmation unlocking a drift freeze.
func (k *Kernel) Reaffirm(ctx context.Context, identity string, rec types.ValueReaffirmationRecord) error {
	return k.detector.Reaffirm(ctx, identity, rec)
}

// Scheduler exposes the run loop for embedding processes.
func (k *Kernel) Scheduler() *scheduler.Scheduler { return k.sched }

// NewRunner builds a run loop executing due tasks through the given
// executor.
func (k *Kernel) NewRunner(executor scheduler.Executor) *scheduler.Runner {
	return scheduler.NewRunner(k.sched, executor, k.auditor)
}

// =============================================================================
// SNAPSHOT
// =============================================================================

// Snapshot is the read-only state summary external surfaces render.
type Snapshot struct {
	Identity    string                    `json:"identity"`
	TakenAt     time.Time                 `json:"taken_at"`
	Budgets     []types.CostBudget        `json:"budgets,omitempty"`
	Economic    types.EconomicBudgetState `json:"economic"`
	Tasks       []types.ScheduledTask     `json:"tasks,omitempty"`
	Preferences []types.RoutingPreference `json:"preferences,omitempty"`
	Freezes     []types.TaskFreeze        `json:"freezes,omitempty"`
	DriftReport *types.DriftReport        `json:"drift_report,omitempty"`
	Emergency   *types.EmergencyMode      `json:"emergency,omitempty"`
	Quality     []quality.Metric          `json:"quality,omitempty"`
}

// Snapshot gathers the identity's governance state in one read.
func (k *Kernel) Snapshot(ctx context.Context, identity string) (Snapshot, error) {
	snap := Snapshot{Identity: identity, TakenAt: k.clock.Now()}

	if err := k.store.List(ctx, identity, types.KindCostBudget, &snap.Budgets); err != nil {
		return Snapshot{}, fmt.Errorf("list budgets: %w", err)
	}
	economic, err := k.ledger.State(ctx, identity)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Economic = economic

	var tasks []types.ScheduledTask
	if err := k.store.List(ctx, identity, types.KindScheduledTask, &tasks); err != nil {
		return Snapshot{}, fmt.Errorf("list tasks: %w", err)
	}
	for _, task := range tasks {
		if task.Status == types.StatusScheduled || task.Status == types.StatusDeferred {
			snap.Tasks = append(snap.Tasks, task)
		}
	}

	var prefs []types.RoutingPreference
	if err := k.store.List(ctx, identity, types.KindPreference, &prefs); err != nil {
		return Snapshot{}, fmt.Errorf("list preferences: %w", err)
	}
	for _, p := range prefs {
		if !p.Disabled {
			snap.Preferences = append(snap.Preferences, p)
		}
	}

	var freezes []types.TaskFreeze
	if err := k.store.List(ctx, identity, types.KindFreeze, &freezes); err != nil {
		return Snapshot{}, fmt.Errorf("list freezes: %w", err)
	}
	for _, f := range freezes {
		if !f.Disabled {
			snap.Freezes = append(snap.Freezes, f)
		}
	}

	var report types.DriftReport
	found, err := k.store.Get(ctx, identity, types.KindDriftReport, "latest", &report)
	if err != nil {
		return Snapshot{}, err
	}
	if found {
		snap.DriftReport = &report
	}

	var mode types.EmergencyMode
	found, err = k.store.Get(ctx, identity, types.KindEmergency, "current", &mode)
	if err != nil {
		return Snapshot{}, err
	}
	if found && mode.InEffect(snap.TakenAt) {
		snap.Emergency = &mode
	}

	metrics, err := k.monitor.Metrics(ctx, identity)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Quality = metrics

	return snap, nil
}
