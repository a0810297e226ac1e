package quality

import (
	"context"
	"fmt"

	"warden/internal/logging"
	"warden/internal/types"
)

// Stable reasons for routing choices.
const (
	ReasonPreference      = "active_preference"
	ReasonCheapestMeeting = "cheapest_meeting_floor"
	ReasonRegressionSkip  = "regression_fallback"
	ReasonNoData          = "no_segment_data"
	ReasonCeilingApplied  = "ceiling_applied"
)

// Route is a routing decision with the evidence that produced it.
type Route struct {
	Tier     types.ModelTier `json:"tier"`
	Reason   string          `json:"reason"`
	Capped   bool            `json:"capped"`
	Skipped  []types.ModelTier `json:"skipped,omitempty"`
}

// Router picks a model tier for a task using the monitor's metrics.
type Router struct {
	store   types.Store
	monitor *Monitor
}

// NewRouter creates a router over a monitor.
func NewRouter(store types.Store, monitor *Monitor) *Router {
	return &Router{store: store, monitor: monitor}
}

// Select picks the cheapest tier whose metrics meet the quality floor,
// skipping tiers with an active regression. Ceilings always win: the
// result never exceeds maxTier even when quality data argues otherwise.
// A task with no usable data routes to standard under the ceiling, so
// cold starts are neither free-riding on economy nor burning frontier.
func (r *Router) Select(ctx context.Context, identity, taskType string, taskClass types.TaskClass, maxTier types.ModelTier) (Route, error) {
	if maxTier == "" {
		maxTier = types.TierFrontier
	}

	regressions, err := r.monitor.Regressions(ctx, identity)
	if err != nil {
		return Route{}, fmt.Errorf("regressions: %w", err)
	}
	regressed := map[types.ModelTier]bool{}
	for _, reg := range regressions {
		if reg.Segment.TaskType == taskType && reg.Segment.TaskClass == taskClass {
			regressed[reg.Segment.Tier] = true
		}
	}

	// An applied routing preference names the tier to try first.
	if pref, ok, err := r.preference(ctx, identity, taskType); err != nil {
		return Route{}, err
	} else if ok && !regressed[pref.Tier] {
		if metric, found, merr := r.monitor.SegmentMetric(ctx, identity, Segment{TaskType: taskType, TaskClass: taskClass, Tier: pref.Tier}); merr != nil {
			return Route{}, merr
		} else if found && metric.AvgQuality >= r.monitor.cfg.QualityFloor {
			return capRoute(Route{Tier: pref.Tier, Reason: ReasonPreference}, maxTier), nil
		}
	}

	var skipped []types.ModelTier
	for _, tier := range types.ModelTierOrder {
		if tier.Ord() > maxTier.Ord() {
			break
		}
		if regressed[tier] {
			skipped = append(skipped, tier)
			continue
		}
		metric, found, err := r.monitor.SegmentMetric(ctx, identity, Segment{TaskType: taskType, TaskClass: taskClass, Tier: tier})
		if err != nil {
			return Route{}, err
		}
		if !found {
			continue
		}
		if metric.AvgQuality >= r.monitor.cfg.QualityFloor {
			reason := ReasonCheapestMeeting
			if len(skipped) > 0 {
				reason = ReasonRegressionSkip
			}
			logging.Get(logging.CategoryQuality).Debug("route %s/%s -> %s (%s)", taskType, taskClass, tier, reason)
			return Route{Tier: tier, Reason: reason, Skipped: skipped}, nil
		}
	}

	return capRoute(Route{Tier: types.TierStandard, Reason: ReasonNoData, Skipped: skipped}, maxTier), nil
}

// preference loads the active routing preference for a task type.
func (r *Router) preference(ctx context.Context, identity, taskType string) (types.RoutingPreference, bool, error) {
	var pref types.RoutingPreference
	found, err := r.store.Get(ctx, identity, types.KindPreference, taskType, &pref)
	if err != nil {
		return pref, false, fmt.Errorf("load preference: %w", err)
	}
	return pref, found && !pref.Disabled, nil
}

// capRoute clamps a route to the ceiling tier.
func capRoute(route Route, maxTier types.ModelTier) Route {
	if route.Tier.Ord() > maxTier.Ord() {
		route.Tier = maxTier
		route.Reason = ReasonCeilingApplied
		route.Capped = true
	}
	return route
}
