// Package quality aggregates task outcomes into per-segment metrics,
// detects quality regressions, and routes work to the cheapest model tier
// that still meets the quality floor.
package quality

import (
	"context"
	"math"
	"sort"
	"time"

	"warden/internal/config"
	"warden/internal/logging"
	"warden/internal/types"
)

// Segment identifies one (taskType, taskClass, modelTier) aggregate.
type Segment struct {
	TaskType  string          `json:"task_type"`
	TaskClass types.TaskClass `json:"task_class"`
	Tier      types.ModelTier `json:"tier"`
}

// Metric is the rolled-up quality picture for a segment. Confidence
// decays exponentially with the age of the newest sample, so a segment
// that stopped producing outcomes stops being trusted.
type Metric struct {
	Segment     Segment   `json:"segment"`
	SampleCount int       `json:"sample_count"`
	PassRate    float64   `json:"pass_rate"`
	AvgQuality  float64   `json:"avg_quality"`
	AvgCost     float64   `json:"avg_cost_cents"`
	Confidence  float64   `json:"confidence"`
	LastSample  time.Time `json:"last_sample"`
}

// Regression is a detected quality drop on a segment.
type Regression struct {
	Segment     Segment        `json:"segment"`
	BaselineAvg float64        `json:"baseline_avg"`
	RecentAvg   float64        `json:"recent_avg"`
	Delta       float64        `json:"delta"`
	Severity    types.Severity `json:"severity"`
	DetectedAt  time.Time      `json:"detected_at"`
}

// Monitor computes metrics and regressions from the outcome history.
type Monitor struct {
	store types.Store
	clock types.Clock
	cfg   config.QualityConfig
}

// NewMonitor creates a quality monitor.
func NewMonitor(store types.Store, clock types.Clock, cfg config.QualityConfig) *Monitor {
	if clock == nil {
		clock = types.SystemClock{}
	}
	return &Monitor{store: store, clock: clock, cfg: cfg}
}

// =============================================================================
// AGGREGATION
// =============================================================================

// Metrics aggregates every outcome for the identity into per-segment
// metrics, sorted by segment for stable iteration.
func (m *Monitor) Metrics(ctx context.Context, identity string) ([]Metric, error) {
	outcomes, err := m.store.ListOutcomes(ctx, identity)
	if err != nil {
		return nil, err
	}
	bySegment := map[Segment][]types.TaskOutcomeRecord{}
	for _, o := range outcomes {
		seg := Segment{TaskType: o.TaskType, TaskClass: o.TaskClass, Tier: o.ModelTier}
		bySegment[seg] = append(bySegment[seg], o)
	}

	now := m.clock.Now()
	metrics := make([]Metric, 0, len(bySegment))
	for seg, records := range bySegment {
		metrics = append(metrics, m.aggregate(seg, records, now))
	}
	sort.Slice(metrics, func(i, j int) bool {
		a, b := metrics[i].Segment, metrics[j].Segment
		if a.TaskType != b.TaskType {
			return a.TaskType < b.TaskType
		}
		if a.TaskClass != b.TaskClass {
			return a.TaskClass < b.TaskClass
		}
		return a.Tier.Ord() < b.Tier.Ord()
	})
	return metrics, nil
}

// SegmentMetric aggregates one segment, or returns found=false when the
// segment has no outcomes.
func (m *Monitor) SegmentMetric(ctx context.Context, identity string, seg Segment) (Metric, bool, error) {
	outcomes, err := m.store.ListOutcomes(ctx, identity)
	if err != nil {
		return Metric{}, false, err
	}
	var records []types.TaskOutcomeRecord
	for _, o := range outcomes {
		if o.TaskType == seg.TaskType && o.TaskClass == seg.TaskClass && o.ModelTier == seg.Tier {
			records = append(records, o)
		}
	}
	if len(records) == 0 {
		return Metric{}, false, nil
	}
	return m.aggregate(seg, records, m.clock.Now()), true, nil
}

func (m *Monitor) aggregate(seg Segment, records []types.TaskOutcomeRecord, now time.Time) Metric {
	var passed int
	var quality, cost float64
	var last time.Time
	for _, o := range records {
		if o.EvaluationPassed {
			passed++
		}
		quality += o.QualityScore
		cost += float64(o.CostCents)
		if o.CreatedAt.After(last) {
			last = o.CreatedAt
		}
	}
	n := float64(len(records))
	return Metric{
		Segment:     seg,
		SampleCount: len(records),
		PassRate:    float64(passed) / n,
		AvgQuality:  quality / n,
		AvgCost:     cost / n,
		Confidence:  m.confidence(len(records), last, now),
		LastSample:  last,
	}
}

// confidence grows with sample count and halves for every half-life the
// newest sample has aged.
func (m *Monitor) confidence(samples int, last, now time.Time) float64 {
	base := 1.0 - 1.0/float64(samples+1)
	halfLife := m.cfg.ConfidenceHalfLife
	if halfLife <= 0 {
		return base
	}
	age := now.Sub(last)
	if age <= 0 {
		return base
	}
	return base * math.Exp2(-age.Seconds()/halfLife.Seconds())
}

// =============================================================================
// REGRESSION DETECTION
// =============================================================================

// Regressions splits each segment's outcomes chronologically into a
// baseline window and a smaller recent window and flags segments whose
// recent average quality dropped by at least the configured delta.
// Segments without the minimum sample counts are silently skipped rather
// than reported as healthy.
func (m *Monitor) Regressions(ctx context.Context, identity string) ([]Regression, error) {
	outcomes, err := m.store.ListOutcomes(ctx, identity)
	if err != nil {
		return nil, err
	}
	bySegment := map[Segment][]types.TaskOutcomeRecord{}
	for _, o := range outcomes {
		seg := Segment{TaskType: o.TaskType, TaskClass: o.TaskClass, Tier: o.ModelTier}
		bySegment[seg] = append(bySegment[seg], o)
	}

	now := m.clock.Now()
	var regressions []Regression
	for seg, records := range bySegment {
		if reg, ok := m.detect(seg, records, now); ok {
			regressions = append(regressions, reg)
		}
	}
	sort.Slice(regressions, func(i, j int) bool {
		a, b := regressions[i].Segment, regressions[j].Segment
		if a.TaskType != b.TaskType {
			return a.TaskType < b.TaskType
		}
		return a.Tier.Ord() < b.Tier.Ord()
	})
	if len(regressions) > 0 {
		logging.Get(logging.CategoryQuality).Warn("%d regression(s) detected for %s", len(regressions), identity)
	}
	return regressions, nil
}

func (m *Monitor) detect(seg Segment, records []types.TaskOutcomeRecord, now time.Time) (Regression, bool) {
	if len(records) < m.cfg.MinBaselineSamples+m.cfg.MinRecentSamples {
		return Regression{}, false
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	split := len(records) - m.cfg.MinRecentSamples
	baseline, recent := records[:split], records[split:]
	if len(baseline) < m.cfg.MinBaselineSamples {
		return Regression{}, false
	}

	baselineAvg := avgQuality(baseline)
	recentAvg := avgQuality(recent)
	delta := recentAvg - baselineAvg
	if delta > -m.cfg.RegressionDelta {
		return Regression{}, false
	}
	return Regression{
		Segment:     seg,
		BaselineAvg: baselineAvg,
		RecentAvg:   recentAvg,
		Delta:       delta,
		Severity:    regressionSeverity(-delta, m.cfg.RegressionDelta),
		DetectedAt:  now,
	}, true
}

// regressionSeverity buckets by how many thresholds the drop spans.
func regressionSeverity(drop, threshold float64) types.Severity {
	switch {
	case drop >= 3*threshold:
		return types.SeverityHigh
	case drop >= 2*threshold:
		return types.SeverityMedium
	default:
		return types.SeverityLow
	}
}

func avgQuality(records []types.TaskOutcomeRecord) float64 {
	if len(records) == 0 {
		return 0
	}
	var sum float64
	for _, o := range records {
		sum += o.QualityScore
	}
	return sum / float64(len(records))
}
