// Package config holds all warden configuration. Configuration loads from
// YAML, with environment variables taking precedence; a .env file in the
// workspace is applied before overrides are read.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all warden configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Workspace string `yaml:"workspace"`
	DBPath    string `yaml:"db_path"`
	RedisAddr string `yaml:"redis_addr"`

	Budget     BudgetConfig     `yaml:"budget"`
	Quality    QualityConfig    `yaml:"quality"`
	Scheduling SchedulingConfig `yaml:"scheduling"`
	Referee    RefereeConfig    `yaml:"referee"`
	Cache      CacheConfig      `yaml:"cache"`
	Drift      DriftConfig      `yaml:"drift"`
	Emergency  EmergencyConfig  `yaml:"emergency"`
	Trust      TrustConfig      `yaml:"trust"`
	Improve    ImproveConfig    `yaml:"improve"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// BudgetConfig configures the economic unit ledger defaults and the
// invocation timeout.
type BudgetConfig struct {
	TotalUnits        int64         `yaml:"total_units"`
	SessionUnits      int64         `yaml:"session_units"`
	WindowDuration    time.Duration `yaml:"window_duration"`
	SessionDuration   time.Duration `yaml:"session_duration"`
	DefaultLimitCents int64         `yaml:"default_limit_cents"`
	DefaultSoftCents  int64         `yaml:"default_soft_cents"`
	InvokeTimeout     time.Duration `yaml:"invoke_timeout"`
}

// QualityConfig configures the quality monitor and model router.
type QualityConfig struct {
	RegressionDelta    float64       `yaml:"regression_delta"`
	ConfidenceHalfLife time.Duration `yaml:"confidence_half_life"`
	QualityFloor       float64       `yaml:"quality_floor"`
	MinBaselineSamples int           `yaml:"min_baseline_samples"`
	MinRecentSamples   int           `yaml:"min_recent_samples"`
}

// SchedulingConfig configures scheduling defaults.
type SchedulingConfig struct {
	OffPeakStartHour   int `yaml:"off_peak_start_hour"`
	OffPeakEndHour     int `yaml:"off_peak_end_hour"`
	BatchWindowMinutes int `yaml:"batch_window_minutes"`
	RunLoopWorkers     int `yaml:"run_loop_workers"`
	MaxAttempts        int `yaml:"max_attempts"`
}

// RefereeConfig configures disagreement resolution.
type RefereeConfig struct {
	// MergeGap is the score gap at or under which proposals merge.
	// Kept constant by default; tunable because whether it should scale
	// with the number of competing proposals is unresolved.
	MergeGap          float64       `yaml:"merge_gap"`
	DeadlockThreshold float64       `yaml:"deadlock_threshold"`
	FallbackTimeout   time.Duration `yaml:"fallback_timeout"`
}

// CacheConfig configures the cache and rule distillation engine.
type CacheConfig struct {
	TTL              time.Duration `yaml:"ttl"`
	NoveltyThreshold float64       `yaml:"novelty_threshold"`
	AllowExploration bool          `yaml:"allow_exploration"`
	AllowDifficult   bool          `yaml:"allow_difficult"`
	MinDistillRuns   int           `yaml:"min_distill_runs"`
	DistillFloor     float64       `yaml:"distill_floor"`
	RuleCostCents    int64         `yaml:"rule_cost_cents"`
	RuleTTL          time.Duration `yaml:"rule_ttl"`
	MaxRuleErrorRate float64       `yaml:"max_rule_error_rate"`
	MaxRuleFailures  int64         `yaml:"max_rule_failures"`
}

// DriftConfig configures the value-drift detector.
type DriftConfig struct {
	BaselineDays int `yaml:"baseline_days"`
	RecentDays   int `yaml:"recent_days"`
	MinSamples   int `yaml:"min_samples"`
	// Per-anchor metric thresholds; keys are drift metric names.
	Thresholds map[string]float64 `yaml:"thresholds"`
}

// EmergencyConfig maps emergency severity to the maximum routing tier.
type EmergencyConfig struct {
	SeverityTierCaps map[string]string `yaml:"severity_tier_caps"`
}

// TrustConfig configures long-horizon and tier-promotion policy.
type TrustConfig struct {
	LongCommitment    time.Duration      `yaml:"long_commitment"`
	MinStableRuns     int                `yaml:"min_stable_runs"`
	PassRateByTier    map[string]float64 `yaml:"pass_rate_by_tier"`
	MaxVariance       float64            `yaml:"max_variance"`
	MaxRollbackRate   float64            `yaml:"max_rollback_rate"`
}

// ImproveConfig configures the self-improvement loop.
type ImproveConfig struct {
	Cooldown          time.Duration `yaml:"cooldown"`
	FailureMemoryTTL  time.Duration `yaml:"failure_memory_ttl"`
	MinDowngradeRuns  int           `yaml:"min_downgrade_runs"`
	DowngradeQuality  float64       `yaml:"downgrade_quality"`
	FreezeFailureRate float64       `yaml:"freeze_failure_rate"`
	FreezeMinSamples  int           `yaml:"freeze_min_samples"`
	CacheMinSuccesses int           `yaml:"cache_min_successes"`
	DeadlockTighten   float64       `yaml:"deadlock_tighten"`
}

// LoggingConfig configures debug logging.
type LoggingConfig struct {
	Debug bool   `yaml:"debug"`
	Level string `yaml:"level"` // debug, info, warn, error
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "warden",
		Version: "0.3.0",

		Workspace: ".",
		DBPath:    ".warden/warden.db",

		Budget: BudgetConfig{
			TotalUnits:        10000,
			SessionUnits:      1000,
			WindowDuration:    30 * 24 * time.Hour,
			SessionDuration:   24 * time.Hour,
			DefaultLimitCents: 10000,
			DefaultSoftCents:  5000,
			InvokeTimeout:     60 * time.Second,
		},
		Quality: QualityConfig{
			RegressionDelta:    0.1,
			ConfidenceHalfLife: 72 * time.Hour,
			QualityFloor:       0.7,
			MinBaselineSamples: 5,
			MinRecentSamples:   3,
		},
		Scheduling: SchedulingConfig{
			OffPeakStartHour:   0,
			OffPeakEndHour:     6,
			BatchWindowMinutes: 30,
			RunLoopWorkers:     4,
			MaxAttempts:        3,
		},
		Referee: RefereeConfig{
			MergeGap:          0.05,
			DeadlockThreshold: 0.7,
			FallbackTimeout:   15 * time.Minute,
		},
		Cache: CacheConfig{
			TTL:              6 * time.Hour,
			NoveltyThreshold: 0.5,
			AllowExploration: false,
			AllowDifficult:   false,
			MinDistillRuns:   5,
			DistillFloor:     0.85,
			RuleCostCents:    0,
			RuleTTL:          7 * 24 * time.Hour,
			MaxRuleErrorRate: 0.2,
			MaxRuleFailures:  3,
		},
		Drift: DriftConfig{
			BaselineDays: 28,
			RecentDays:   7,
			MinSamples:   10,
			Thresholds: map[string]float64{
				"task_type_divergence":    0.15,
				"routing_tier_divergence": 0.15,
				"failure_rate_delta":      0.1,
				"rollback_rate_delta":     0.1,
				"hard_violation_delta":    0.05,
				"near_miss_delta":         0.1,
			},
		},
		Emergency: EmergencyConfig{
			SeverityTierCaps: map[string]string{
				"low":    "advanced",
				"medium": "standard",
				"high":   "economy",
			},
		},
		Trust: TrustConfig{
			LongCommitment:  30 * 24 * time.Hour,
			MinStableRuns:   10,
			PassRateByTier:  map[string]float64{"suggest": 0.8, "execute": 0.9},
			MaxVariance:     0.05,
			MaxRollbackRate: 0.1,
		},
		Improve: ImproveConfig{
			Cooldown:          48 * time.Hour,
			FailureMemoryTTL:  7 * 24 * time.Hour,
			MinDowngradeRuns:  5,
			DowngradeQuality:  0.85,
			FreezeFailureRate: 0.5,
			FreezeMinSamples:  6,
			CacheMinSuccesses: 5,
			DeadlockTighten:   0.7,
		},
		Logging: LoggingConfig{
			Debug: false,
			Level: "info",
		},
	}
}

// Load reads configuration from path (YAML) on top of defaults, applies a
// workspace .env file if present, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	// Best effort: missing .env is the normal case.
	_ = godotenv.Load()

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies WARDEN_* environment variables on top of the
// loaded configuration.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("WARDEN_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("WARDEN_REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v, ok := envInt64("WARDEN_TOTAL_UNITS"); ok {
		c.Budget.TotalUnits = v
	}
	if v, ok := envInt64("WARDEN_SESSION_UNITS"); ok {
		c.Budget.SessionUnits = v
	}
	if v, ok := envInt64("WARDEN_WINDOW_MS"); ok {
		c.Budget.WindowDuration = time.Duration(v) * time.Millisecond
	}
	if v, ok := envFloat("WARDEN_REGRESSION_DELTA"); ok {
		c.Quality.RegressionDelta = v
	}
	if v, ok := envInt64("WARDEN_CONFIDENCE_HALFLIFE_H"); ok {
		c.Quality.ConfidenceHalfLife = time.Duration(v) * time.Hour
	}
	if v, ok := envInt("WARDEN_OFFPEAK_START"); ok {
		c.Scheduling.OffPeakStartHour = v
	}
	if v, ok := envInt("WARDEN_OFFPEAK_END"); ok {
		c.Scheduling.OffPeakEndHour = v
	}
	if v, ok := envInt("WARDEN_BATCH_MINUTES"); ok {
		c.Scheduling.BatchWindowMinutes = v
	}
	if v := os.Getenv("WARDEN_DEBUG"); v != "" {
		c.Logging.Debug = v == "1" || v == "true"
	}
}

// Validate rejects configurations the kernel cannot safely run with.
func (c *Config) Validate() error {
	if c.Budget.DefaultSoftCents > c.Budget.DefaultLimitCents {
		return fmt.Errorf("budget: soft limit %d exceeds hard limit %d",
			c.Budget.DefaultSoftCents, c.Budget.DefaultLimitCents)
	}
	if c.Scheduling.OffPeakStartHour < 0 || c.Scheduling.OffPeakStartHour > 23 ||
		c.Scheduling.OffPeakEndHour < 0 || c.Scheduling.OffPeakEndHour > 24 {
		return fmt.Errorf("scheduling: off-peak hours out of range")
	}
	if c.Quality.RegressionDelta <= 0 {
		return fmt.Errorf("quality: regression delta must be positive")
	}
	if c.Referee.MergeGap < 0 {
		return fmt.Errorf("referee: merge gap must be non-negative")
	}
	return nil
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envInt64(key string) (int64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
