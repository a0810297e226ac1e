// Package registry holds agent capability declarations and checks every
// action request against domain, tool, decision-scope and tier limits.
// Evaluation is a pure decision with no side effects.
package registry

import (
	"context"
	"fmt"

	"warden/internal/contract"
	"warden/internal/logging"
	"warden/internal/types"
)

// Stable deny reasons. Tests and audit queries match on these.
const (
	ReasonAgentUnknown   = "agent_unknown"
	ReasonDomainDenied   = "scope_domain_denied"
	ReasonToolDenied     = "scope_tool_denied"
	ReasonDecisionDenied = "scope_decision_denied"
	ReasonTierExceeded   = "tier_exceeded"
	ReasonInScope        = "in_scope"
)

// Registry resolves agent profiles from the store and enforces scope.
type Registry struct {
	store types.Store
}

// New creates a registry backed by the given store.
func New(store types.Store) *Registry {
	return &Registry{store: store}
}

// Register validates and persists an agent profile. Scope is immutable
// afterwards except by re-registering the same agent id.
func (r *Registry) Register(ctx context.Context, identity string, profile types.AgentProfile) error {
	if err := contract.AgentProfile(profile); err != nil {
		return err
	}
	return r.store.Put(ctx, identity, types.KindAgentProfile, profile.ID, profile)
}

// Lookup fetches an agent profile.
func (r *Registry) Lookup(ctx context.Context, identity, agentID string) (types.AgentProfile, bool, error) {
	var profile types.AgentProfile
	found, err := r.store.Get(ctx, identity, types.KindAgentProfile, agentID, &profile)
	return profile, found, err
}

// Evaluate checks a request against the agent's declared scope.
func (r *Registry) Evaluate(ctx context.Context, gc types.GovernanceContext) (types.Decision, error) {
	profile, found, err := r.Lookup(ctx, gc.Identity, gc.AgentID)
	if err != nil {
		return types.Decision{}, fmt.Errorf("lookup agent %s: %w", gc.AgentID, err)
	}
	if !found {
		return types.Deny(ReasonAgentUnknown).WithDetail("agent_id", gc.AgentID), nil
	}
	decision := EvaluateProfile(profile, gc)
	if !decision.Allowed {
		logging.Get(logging.CategoryGovernance).Debug("scope denied agent=%s reason=%s", gc.AgentID, decision.Reason)
	}
	return decision, nil
}

// EvaluateProfile is the pure scope check against an in-hand profile.
func EvaluateProfile(profile types.AgentProfile, gc types.GovernanceContext) types.Decision {
	if gc.Domain != "" && !contains(profile.Scope.Domains, gc.Domain) {
		return types.Deny(ReasonDomainDenied).WithDetail("domain", gc.Domain)
	}
	if gc.Tool != "" && !contains(profile.Scope.AllowedTools, gc.Tool) {
		return types.Deny(ReasonToolDenied).WithDetail("tool", gc.Tool)
	}
	if gc.DecisionType != "" && !contains(profile.Scope.DecisionScopes, gc.DecisionType) {
		return types.Deny(ReasonDecisionDenied).WithDetail("decision_type", gc.DecisionType)
	}
	if gc.RequestedTier.Ord() > profile.MaxPermissionTier.Ord() {
		return types.Deny(ReasonTierExceeded).
			WithDetail("requested", string(gc.RequestedTier)).
			WithDetail("max", string(profile.MaxPermissionTier))
	}
	return types.Allow(ReasonInScope)
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
