// Package cache stores idempotent execution results keyed by task
// identity and input content, and distills deterministic rules from
// repeated identical successes. Both exist to avoid paying for work the
// system has already done.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"warden/internal/config"
	"warden/internal/logging"
	"warden/internal/types"
)

// Stable reasons for eligibility denials.
const (
	ReasonEligible        = "eligible"
	ReasonHighRiskClass   = "high_risk_class"
	ReasonNoveltyExceeded = "novelty_exceeded"
	ReasonExploration     = "exploration_active"
	ReasonImpactExcluded  = "impact_excluded"
)

// Backend is the storage behind the cache. The default backend rides the
// record store; a redis backend serves shared deployments.
type Backend interface {
	GetEntry(ctx context.Context, identity, key string) (types.CacheEntry, bool, error)
	PutEntry(ctx context.Context, identity string, entry types.CacheEntry) error
}

// Eligibility is the cacheability verdict for a request.
type Eligibility struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason"`
}

// Validator checks a cached payload against the expected output shape
// before the hit is served. A nil validator accepts everything.
type Validator func(payload string) error

// Cache is the result cache plus eligibility policy.
type Cache struct {
	backend Backend
	auditor *logging.Auditor
	clock   types.Clock
	cfg     config.CacheConfig
}

// New creates a cache over a backend.
func New(backend Backend, auditor *logging.Auditor, clock types.Clock, cfg config.CacheConfig) *Cache {
	if clock == nil {
		clock = types.SystemClock{}
	}
	return &Cache{backend: backend, auditor: auditor, clock: clock, cfg: cfg}
}

// =============================================================================
// KEYS & ELIGIBILITY
// =============================================================================

// Key derives the cache key. Goal version participates so a goal edit
// invalidates every entry minted under the old version without a sweep.
func Key(kind, taskType, goalID string, goalVersion int, input string) string {
	sum := sha256.Sum256([]byte(input))
	return kind + ":" + taskType + ":" + goalID + ":v" + strconv.Itoa(goalVersion) + ":" + hex.EncodeToString(sum[:])
}

// Evaluate applies the eligibility policy to a request.
func (c *Cache) Evaluate(gc types.GovernanceContext) Eligibility {
	if gc.TaskClass == types.ClassHighRisk {
		return Eligibility{Reason: ReasonHighRiskClass}
	}
	if gc.Novelty > c.cfg.NoveltyThreshold {
		return Eligibility{Reason: ReasonNoveltyExceeded}
	}
	if gc.Exploration && !c.cfg.AllowExploration {
		return Eligibility{Reason: ReasonExploration}
	}
	if gc.Impact == types.ImpactIrreversible {
		return Eligibility{Reason: ReasonImpactExcluded}
	}
	if gc.Impact == types.ImpactDifficult && !c.cfg.AllowDifficult {
		return Eligibility{Reason: ReasonImpactExcluded}
	}
	return Eligibility{Eligible: true, Reason: ReasonEligible}
}

// =============================================================================
// LOOKUP & STORE
// =============================================================================

// Lookup returns a cached payload when the key exists, is unexpired, and
// passes revalidation. Expired entries are misses, not errors.
func (c *Cache) Lookup(ctx context.Context, identity, key string, validate Validator) (types.CacheEntry, bool, error) {
	entry, found, err := c.backend.GetEntry(ctx, identity, key)
	if err != nil {
		return types.CacheEntry{}, false, fmt.Errorf("cache get: %w", err)
	}
	if !found || c.clock.Now().After(entry.ExpiresAt) {
		return types.CacheEntry{}, false, nil
	}
	if validate != nil {
		if verr := validate(entry.Payload); verr != nil {
			logging.Get(logging.CategoryCache).Warn("revalidation failed for %s: %v", key, verr)
			return types.CacheEntry{}, false, nil
		}
	}

	entry.HitCount++
	if err := c.backend.PutEntry(ctx, identity, entry); err != nil {
		return types.CacheEntry{}, false, fmt.Errorf("cache hit update: %w", err)
	}
	c.auditor.Log(logging.AuditEvent{
		EventType: logging.AuditCacheHit,
		Identity:  identity,
		Target:    key,
		Success:   true,
	})
	return entry, true, nil
}

// Store writes a new entry with the configured TTL.
func (c *Cache) Store(ctx context.Context, identity string, gc types.GovernanceContext, key, payload string) error {
	now := c.clock.Now()
	entry := types.CacheEntry{
		CacheKey:  key,
		Kind:      gc.DecisionType,
		TaskType:  gc.TaskType,
		GoalID:    gc.GoalID,
		Payload:   payload,
		ExpiresAt: now.Add(c.cfg.TTL),
		CreatedAt: now,
	}
	if err := c.backend.PutEntry(ctx, identity, entry); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	c.auditor.Log(logging.AuditEvent{
		EventType: logging.AuditCacheStore,
		Identity:  identity,
		Target:    key,
		Success:   true,
	})
	return nil
}

// =============================================================================
// STORE-BACKED BACKEND
// =============================================================================

// StoreBackend keeps entries in the record store.
type StoreBackend struct {
	store types.Store
}

// NewStoreBackend creates the default backend.
func NewStoreBackend(store types.Store) *StoreBackend {
	return &StoreBackend{store: store}
}

// GetEntry implements Backend.
func (b *StoreBackend) GetEntry(ctx context.Context, identity, key string) (types.CacheEntry, bool, error) {
	var entry types.CacheEntry
	found, err := b.store.Get(ctx, identity, types.KindCacheEntry, key, &entry)
	return entry, found, err
}

// PutEntry implements Backend.
func (b *StoreBackend) PutEntry(ctx context.Context, identity string, entry types.CacheEntry) error {
	return b.store.Put(ctx, identity, types.KindCacheEntry, entry.CacheKey, entry)
}

// InputHash hashes raw task input the same way the cache key does, for
// callers that group outcomes by identical input.
func InputHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

var _ Backend = (*StoreBackend)(nil)
