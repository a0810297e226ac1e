package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"warden/internal/config"
	"warden/internal/logging"
	"warden/internal/types"
)

// Stable reasons for ledger decisions.
const (
	ReasonCharged          = "charged"
	ReasonAlreadyCharged   = "already_charged"
	ReasonInsufficientUnit = "insufficient_units"
)

// maxAppliedCharges bounds the idempotency history carried per identity.
// Old ids fall off oldest-first; by then their retry window is long over.
const maxAppliedCharges = 256

// EconomicDecision is the ledger gate outcome.
type EconomicDecision struct {
	types.Decision
	Remaining        int64 `json:"remaining"`
	SessionRemaining int64 `json:"session_remaining"`
}

// Ledger is the hard per-identity economic unit gate. Consumption is
// all-or-nothing: a charge either debits both the window and session
// pools in full or touches neither.
type Ledger struct {
	store   types.Store
	auditor *logging.Auditor
	clock   types.Clock
	cfg     config.BudgetConfig

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLedger creates an economic unit ledger.
func NewLedger(store types.Store, auditor *logging.Auditor, clock types.Clock, cfg config.BudgetConfig) *Ledger {
	if clock == nil {
		clock = types.SystemClock{}
	}
	return &Ledger{
		store:   store,
		auditor: auditor,
		clock:   clock,
		cfg:     cfg,
		locks:   make(map[string]*sync.Mutex),
	}
}

// identityLock returns the mutex serializing ledger operations for one
// identity. Different identities never contend.
func (l *Ledger) identityLock(identity string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[identity]
	if !ok {
		m = &sync.Mutex{}
		l.locks[identity] = m
	}
	return m
}

// load reads the identity's ledger state, seeding it from configured
// defaults on first use and rolling expired windows forward.
func (l *Ledger) load(ctx context.Context, identity string, now time.Time) (types.EconomicBudgetState, error) {
	var state types.EconomicBudgetState
	found, err := l.store.Get(ctx, identity, types.KindEconomicState, "ledger", &state)
	if err != nil {
		return state, fmt.Errorf("load ledger: %w", err)
	}
	if !found {
		state = types.EconomicBudgetState{
			IdentityKey:       identity,
			TotalBudget:       l.cfg.TotalUnits,
			Remaining:         l.cfg.TotalUnits,
			SessionBudget:     l.cfg.SessionUnits,
			SessionRemaining:  l.cfg.SessionUnits,
			WindowStart:       now,
			WindowDurationMs:  l.cfg.WindowDuration.Milliseconds(),
			SessionStart:      now,
			SessionDurationMs: l.cfg.SessionDuration.Milliseconds(),
		}
		return state, nil
	}

	// Window expiry restores the full pool and clears charge history;
	// retried ids from a previous window charge again by design of the
	// reset, since the spend they covered has also been forgotten.
	if state.WindowDurationMs > 0 && now.Sub(state.WindowStart).Milliseconds() >= state.WindowDurationMs {
		state.Remaining = state.TotalBudget
		state.WindowStart = now
		state.AppliedCharges = nil
	}
	if state.SessionDurationMs > 0 && now.Sub(state.SessionStart).Milliseconds() >= state.SessionDurationMs {
		state.SessionRemaining = state.SessionBudget
		state.SessionStart = now
	}
	return state, nil
}

// State returns the current ledger state for an identity after window
// resets are applied. Purely informational; nothing is persisted.
func (l *Ledger) State(ctx context.Context, identity string) (types.EconomicBudgetState, error) {
	lock := l.identityLock(identity)
	lock.Lock()
	defer lock.Unlock()
	return l.load(ctx, identity, l.clock.Now())
}

// CanAfford reports whether a charge of the given size would succeed
// right now. It never debits.
func (l *Ledger) CanAfford(ctx context.Context, identity string, cost int64) (bool, error) {
	state, err := l.State(ctx, identity)
	if err != nil {
		return false, err
	}
	return cost <= state.Remaining && cost <= state.SessionRemaining, nil
}

// Consume debits cost units from both pools, or neither. The chargeID
// makes retries safe: an id already in the applied set reports success
// without debiting again.
func (l *Ledger) Consume(ctx context.Context, identity, chargeID string, cost int64) (EconomicDecision, error) {
	if cost < 0 {
		return EconomicDecision{}, fmt.Errorf("negative cost %d", cost)
	}
	lock := l.identityLock(identity)
	lock.Lock()
	defer lock.Unlock()

	now := l.clock.Now()
	state, err := l.load(ctx, identity, now)
	if err != nil {
		return EconomicDecision{}, err
	}

	for _, id := range state.AppliedCharges {
		if id == chargeID {
			return EconomicDecision{
				Decision:         types.Allow(ReasonAlreadyCharged),
				Remaining:        state.Remaining,
				SessionRemaining: state.SessionRemaining,
			}, nil
		}
	}

	if cost > state.Remaining || cost > state.SessionRemaining {
		l.auditor.Log(logging.AuditEvent{
			EventType: logging.AuditEconomicDeny,
			Identity:  identity,
			Target:    chargeID,
			Reason:    ReasonInsufficientUnit,
			Amount:    cost,
		})
		logging.Budget("economic deny for %s: cost=%d remaining=%d session=%d",
			identity, cost, state.Remaining, state.SessionRemaining)
		d := types.Deny(ReasonInsufficientUnit).
			WithDetail("cost", cost).
			WithDetail("remaining", state.Remaining).
			WithDetail("session_remaining", state.SessionRemaining)
		// A denied consume persists nothing; both pools are untouched.
		return EconomicDecision{
			Decision:         d,
			Remaining:        state.Remaining,
			SessionRemaining: state.SessionRemaining,
		}, nil
	}

	state.Remaining -= cost
	state.SessionRemaining -= cost
	state.AppliedCharges = append(state.AppliedCharges, chargeID)
	if len(state.AppliedCharges) > maxAppliedCharges {
		state.AppliedCharges = state.AppliedCharges[len(state.AppliedCharges)-maxAppliedCharges:]
	}
	if err := l.store.Put(ctx, identity, types.KindEconomicState, "ledger", state); err != nil {
		return EconomicDecision{}, fmt.Errorf("persist ledger: %w", err)
	}

	l.auditor.Log(logging.AuditEvent{
		EventType: logging.AuditEconomicCharge,
		Identity:  identity,
		Target:    chargeID,
		Reason:    ReasonCharged,
		Amount:    cost,
		Success:   true,
	})
	return EconomicDecision{
		Decision:         types.Allow(ReasonCharged),
		Remaining:        state.Remaining,
		SessionRemaining: state.SessionRemaining,
	}, nil
}

// Grant tops up the window pool, clamped to the configured total.
func (l *Ledger) Grant(ctx context.Context, identity string, units int64) (types.EconomicBudgetState, error) {
	lock := l.identityLock(identity)
	lock.Lock()
	defer lock.Unlock()

	state, err := l.load(ctx, identity, l.clock.Now())
	if err != nil {
		return state, err
	}
	state.Remaining += units
	if state.Remaining > state.TotalBudget {
		state.Remaining = state.TotalBudget
	}
	if err := l.store.Put(ctx, identity, types.KindEconomicState, "ledger", state); err != nil {
		return state, fmt.Errorf("persist ledger: %w", err)
	}
	return state, nil
}
