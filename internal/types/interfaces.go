package types

import "context"

// =============================================================================
// RECORD KINDS
// =============================================================================

// RecordKind namespaces keyed records inside the store. The kernel treats
// the store as opaque; kinds are the only schema it imposes.
type RecordKind string

const (
	KindAgentProfile  RecordKind = "agent_profile"
	KindGoal          RecordKind = "goal"
	KindCostBudget    RecordKind = "cost_budget"
	KindEconomicState RecordKind = "economic_state"
	KindScheduledTask RecordKind = "scheduled_task"
	KindDisagreement  RecordKind = "disagreement"
	KindCooperation   RecordKind = "cooperation_metric"
	KindCacheEntry    RecordKind = "cache_entry"
	KindDistilledRule RecordKind = "distilled_rule"
	KindCandidate     RecordKind = "improvement_candidate"
	KindCausalChain   RecordKind = "causal_chain"
	KindDriftReport   RecordKind = "drift_report"
	KindValueAnchor   RecordKind = "value_anchor"
	KindReaffirmation RecordKind = "reaffirmation"
	KindPreference    RecordKind = "routing_preference"
	KindFreeze        RecordKind = "task_freeze"
	KindFailureMemory RecordKind = "failure_memory"
	KindApproval      RecordKind = "approval"
	KindCommitment    RecordKind = "commitment"
	KindEmergency     RecordKind = "emergency_mode"
	KindViolation     RecordKind = "violation"
	KindCachePolicy   RecordKind = "cache_policy"
	KindSchedulePref  RecordKind = "schedule_preference"
	KindEscalation    RecordKind = "escalation_override"
	KindBudgetEvent   RecordKind = "budget_event"
)

// =============================================================================
// STORE INTERFACE
// =============================================================================

// Store is the abstract keyed-record persistence collaborator the kernel
// depends on. Records are namespaced by identity and kind; values are
// marshaled by the implementation. Outcome records get dedicated methods
// because they are append-only and must be read back in creation order.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Put creates or replaces the record at (identity, kind, key).
	Put(ctx context.Context, identity string, kind RecordKind, key string, value any) error

	// Get unmarshals the record at (identity, kind, key) into out.
	// Returns false with a nil error when the record does not exist.
	Get(ctx context.Context, identity string, kind RecordKind, key string, out any) (bool, error)

	// Delete removes the record at (identity, kind, key). Deleting a
	// missing record is not an error.
	Delete(ctx context.Context, identity string, kind RecordKind, key string) error

	// List unmarshals every record of a kind, in key order, appending to
	// out which must be a pointer to a slice.
	List(ctx context.Context, identity string, kind RecordKind, out any) error

	// AppendOutcome appends an immutable task outcome record.
	AppendOutcome(ctx context.Context, identity string, outcome TaskOutcomeRecord) error

	// ListOutcomes returns all outcomes for an identity in creation order.
	ListOutcomes(ctx context.Context, identity string) ([]TaskOutcomeRecord, error)
}
