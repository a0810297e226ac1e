// Audit logging for governance decisions. Every event is written as a JSON
// line carrying a pre-rendered Mangle fact so operators can load the audit
// trail into a Mangle store and query it declaratively
// (e.g. budget_event(T, /hard_limit, TaskType, Projected)).
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"warden/internal/types"
)

// =============================================================================
// AUDIT EVENT TYPES - each maps to a Mangle predicate
// =============================================================================

// AuditEventType defines the type of audit event.
type AuditEventType string

const (
	// Governance decisions -> governance_decision/5
	AuditGovernanceAllow AuditEventType = "governance_allow"
	AuditGovernanceDeny  AuditEventType = "governance_deny"

	// Budget events -> budget_event/5
	AuditBudgetSoftLimit AuditEventType = "budget_soft_limit"
	AuditBudgetHardLimit AuditEventType = "budget_hard_limit"
	AuditBudgetRoutingCap AuditEventType = "budget_routing_cap"
	AuditBudgetEmergency AuditEventType = "budget_emergency"

	// Economic ledger -> economic_charge/5
	AuditEconomicCharge AuditEventType = "economic_charge"
	AuditEconomicDeny   AuditEventType = "economic_deny"

	// Scheduler -> schedule_event/5
	AuditScheduleDecide  AuditEventType = "schedule_decide"
	AuditScheduleExecute AuditEventType = "schedule_execute"
	AuditScheduleFail    AuditEventType = "schedule_fail"

	// Referee -> referee_event/5
	AuditRefereeSelect   AuditEventType = "referee_select"
	AuditRefereeMerge    AuditEventType = "referee_merge"
	AuditRefereeEscalate AuditEventType = "referee_escalate"
	AuditRefereeForce    AuditEventType = "referee_force"

	// Cache & rules -> cache_event/5
	AuditCacheHit     AuditEventType = "cache_hit"
	AuditCacheStore   AuditEventType = "cache_store"
	AuditRulePromoted AuditEventType = "rule_promoted"
	AuditRuleDemoted  AuditEventType = "rule_demoted"

	// Invocation pipeline -> invocation/6
	AuditInvokeComplete AuditEventType = "invoke_complete"
	AuditInvokeFail     AuditEventType = "invoke_fail"

	// Improvement loop -> improvement_event/5
	AuditCandidateApplied  AuditEventType = "candidate_applied"
	AuditCandidateSkipped  AuditEventType = "candidate_skipped"
	AuditCandidateHeld     AuditEventType = "candidate_held"
	AuditCandidateRollback AuditEventType = "candidate_rollback"

	// Drift -> drift_event/4
	AuditDriftReport AuditEventType = "drift_report"
	AuditDriftFreeze AuditEventType = "drift_freeze"

	// Trust -> trust_event/5
	AuditCommitmentAccept AuditEventType = "commitment_accept"
	AuditCommitmentReject AuditEventType = "commitment_reject"
	AuditTierPromote      AuditEventType = "tier_promote"
	AuditTierBlocked      AuditEventType = "tier_blocked"
)

// AuditEvent is one structured audit entry.
type AuditEvent struct {
	Timestamp  int64          `json:"ts"` // Unix milliseconds
	EventType  AuditEventType `json:"event"`
	Identity   string         `json:"identity,omitempty"`
	AgentID    string         `json:"agent,omitempty"`
	Target     string         `json:"target,omitempty"` // task type, tool, pair key...
	Reason     string         `json:"reason,omitempty"`
	Success    bool           `json:"success"`
	Amount     int64          `json:"amount,omitempty"` // cents or units
	DurationMs int64          `json:"dur_ms,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	MangleFact string         `json:"mangle"`
}

// =============================================================================
// AUDIT SINKS
// =============================================================================

// Sink receives finalized audit events.
type Sink interface {
	Write(event AuditEvent)
}

// FileSink appends events as JSON lines to a dated audit log.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileSink opens (or creates) the audit log under dir.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit dir: %w", err)
	}
	date := time.Now().Format("2006-01-02")
	path := filepath.Join(dir, fmt.Sprintf("%s_audit.log", date))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &FileSink{file: file}, nil
}

// Write implements Sink.
func (s *FileSink) Write(event AuditEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.file.WriteString(string(data) + "\n")
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// MemorySink retains events in memory. Used by tests and the snapshot API.
type MemorySink struct {
	mu     sync.Mutex
	events []AuditEvent
}

// Write implements Sink.
func (s *MemorySink) Write(event AuditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

// Events returns a copy of all recorded events.
func (s *MemorySink) Events() []AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditEvent, len(s.events))
	copy(out, s.events)
	return out
}

// ByType returns recorded events of one type.
func (s *MemorySink) ByType(t AuditEventType) []AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AuditEvent
	for _, e := range s.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

// =============================================================================
// AUDITOR
// =============================================================================

// Auditor finalizes and dispatches audit events. A nil Auditor is a valid
// no-op so components never need nil checks at call sites.
type Auditor struct {
	sink Sink
}

// NewAuditor creates an auditor writing to the given sink.
func NewAuditor(sink Sink) *Auditor {
	return &Auditor{sink: sink}
}

// Log finalizes the event (timestamp, Mangle fact) and dispatches it.
func (a *Auditor) Log(event AuditEvent) {
	if a == nil || a.sink == nil {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	event.MangleFact = renderMangleFact(event)
	a.sink.Write(event)
}

// renderMangleFact creates the Mangle fact string for an event.
func renderMangleFact(e AuditEvent) string {
	switch e.EventType {
	case AuditGovernanceAllow, AuditGovernanceDeny:
		f := types.Fact{Predicate: "governance_decision", Args: []interface{}{
			e.Timestamp, types.Atom("/" + string(e.EventType)), e.AgentID, e.Reason, e.Success,
		}}
		return f.String()
	case AuditBudgetSoftLimit, AuditBudgetHardLimit, AuditBudgetRoutingCap, AuditBudgetEmergency:
		f := types.Fact{Predicate: "budget_event", Args: []interface{}{
			e.Timestamp, types.Atom("/" + string(e.EventType)), e.Target, e.Reason, e.Amount,
		}}
		return f.String()
	case AuditEconomicCharge, AuditEconomicDeny:
		f := types.Fact{Predicate: "economic_charge", Args: []interface{}{
			e.Timestamp, types.Atom("/" + string(e.EventType)), e.Identity, e.Amount, e.Success,
		}}
		return f.String()
	case AuditScheduleDecide, AuditScheduleExecute, AuditScheduleFail:
		f := types.Fact{Predicate: "schedule_event", Args: []interface{}{
			e.Timestamp, types.Atom("/" + string(e.EventType)), e.Target, e.Reason, e.Success,
		}}
		return f.String()
	case AuditRefereeSelect, AuditRefereeMerge, AuditRefereeEscalate, AuditRefereeForce:
		f := types.Fact{Predicate: "referee_event", Args: []interface{}{
			e.Timestamp, types.Atom("/" + string(e.EventType)), e.Target, e.Reason, e.Success,
		}}
		return f.String()
	case AuditCacheHit, AuditCacheStore, AuditRulePromoted, AuditRuleDemoted:
		f := types.Fact{Predicate: "cache_event", Args: []interface{}{
			e.Timestamp, types.Atom("/" + string(e.EventType)), e.Target, e.Reason, e.Success,
		}}
		return f.String()
	case AuditInvokeComplete, AuditInvokeFail:
		f := types.Fact{Predicate: "invocation", Args: []interface{}{
			e.Timestamp, types.Atom("/" + string(e.EventType)), e.AgentID, e.Target, e.Success, e.DurationMs,
		}}
		return f.String()
	case AuditCandidateApplied, AuditCandidateSkipped, AuditCandidateHeld, AuditCandidateRollback:
		f := types.Fact{Predicate: "improvement_event", Args: []interface{}{
			e.Timestamp, types.Atom("/" + string(e.EventType)), e.Target, e.Reason, e.Success,
		}}
		return f.String()
	case AuditDriftReport, AuditDriftFreeze:
		f := types.Fact{Predicate: "drift_event", Args: []interface{}{
			e.Timestamp, types.Atom("/" + string(e.EventType)), e.Target, e.Reason,
		}}
		return f.String()
	case AuditCommitmentAccept, AuditCommitmentReject, AuditTierPromote, AuditTierBlocked:
		f := types.Fact{Predicate: "trust_event", Args: []interface{}{
			e.Timestamp, types.Atom("/" + string(e.EventType)), e.AgentID, e.Reason, e.Success,
		}}
		return f.String()
	default:
		f := types.Fact{Predicate: "audit_event", Args: []interface{}{
			e.Timestamp, types.Atom("/" + string(e.EventType)), e.Reason, e.Success,
		}}
		return f.String()
	}
}
