package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"warden/internal/config"
	"warden/internal/contract"
	"warden/internal/kernel"
	"warden/internal/logging"
	"warden/internal/pipeline"
	"warden/internal/scheduler"
	"warden/internal/store"
	"warden/internal/types"
)

var (
	configPath string
	identity   string
	verbose    bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "warden - governance kernel for autonomous agents",
	Long: `warden grants agents limited, auditable authority: scoped permissions,
cost and economic budgets, scheduling, quality routing, drift gates and a
self-improvement loop. Every decision it takes is written to the audit log
with a stable machine-readable reason.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// openKernel loads config, the store and the audit sink, and assembles
// the kernel. The returned closer flushes the audit log.
func openKernel() (*kernel.Kernel, *config.Config, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := logging.Initialize(cfg.Workspace, cfg.Logging.Debug || verbose, cfg.Logging.Level); err != nil {
		return nil, nil, nil, fmt.Errorf("initialize logging: %w", err)
	}

	var st types.Store
	if cfg.DBPath != "" {
		local, err := store.NewLocalStore(cfg.DBPath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open store: %w", err)
		}
		st = local
	} else {
		st = store.NewMemoryStore()
	}

	sink, err := logging.NewFileSink(cfg.Workspace)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open audit log: %w", err)
	}
	closer := func() { _ = sink.Close() }

	return kernel.New(cfg, st, sink, nil), cfg, closer, nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Print the governance state for an identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		k, _, closeFn, err := openKernel()
		if err != nil {
			return err
		}
		defer closeFn()

		snap, err := k.Snapshot(cmd.Context(), identity)
		if err != nil {
			return fmt.Errorf("snapshot: %w", err)
		}
		return printJSON(snap)
	},
}

var improveCmd = &cobra.Command{
	Use:   "improve",
	Short: "Run one improvement cycle for an identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		k, _, closeFn, err := openKernel()
		if err != nil {
			return err
		}
		defer closeFn()

		result, err := k.RunImprovementCycle(cmd.Context(), identity)
		if err != nil {
			return fmt.Errorf("improvement cycle: %w", err)
		}
		logger.Info("improvement cycle complete",
			zap.Int("applied", result.Applied),
			zap.Int("skipped", result.Skipped),
			zap.Int("held", result.Held),
			zap.Int("rolled_back", result.RolledBack))
		return printJSON(result)
	},
}

var driftCmd = &cobra.Command{
	Use:   "drift",
	Short: "Compute and persist a drift report",
	RunE: func(cmd *cobra.Command, args []string) error {
		k, _, closeFn, err := openKernel()
		if err != nil {
			return err
		}
		defer closeFn()

		report, err := k.ReportDrift(cmd.Context(), identity)
		if err != nil {
			return fmt.Errorf("drift report: %w", err)
		}
		return printJSON(report)
	},
}

var promoteCmd = &cobra.Command{
	Use:   "promote <agent-id>",
	Short: "Attempt a permission tier promotion for an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, _, closeFn, err := openKernel()
		if err != nil {
			return err
		}
		defer closeFn()

		decision, err := k.PromoteAgent(cmd.Context(), identity, args[0])
		if err != nil {
			return fmt.Errorf("promote: %w", err)
		}
		return printJSON(decision)
	},
}

var grantCmd = &cobra.Command{
	Use:   "grant <units>",
	Short: "Credit economic units to an identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var units int64
		if _, err := fmt.Sscanf(args[0], "%d", &units); err != nil || units <= 0 {
			return fmt.Errorf("units must be a positive integer, got %q", args[0])
		}
		k, _, closeFn, err := openKernel()
		if err != nil {
			return err
		}
		defer closeFn()

		state, err := k.GrantUnits(cmd.Context(), identity, units)
		if err != nil {
			return fmt.Errorf("grant: %w", err)
		}
		return printJSON(state)
	},
}

var runDrain bool

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the scheduler loop for an identity",
	Long: `Runs the scheduler run loop until interrupted, executing due tasks
through the governed pipeline. With --drain, executes everything currently
due once and exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		k, _, closeFn, err := openKernel()
		if err != nil {
			return err
		}
		defer closeFn()

		runner := k.NewRunner(scheduler.ExecutorFunc(
			func(ctx context.Context, id string, task types.ScheduledTask) error {
				result := k.Invoke(ctx, task.Context, pipeline.Call{TaskID: task.TaskID})
				if result.Status == types.ToolFailed {
					return fmt.Errorf("%s: %s", result.Failure.Kind, result.Failure.Reason)
				}
				return nil
			}))
		runner.Watch(identity)

		if runDrain {
			return runner.DrainAll(cmd.Context())
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		logger.Info("scheduler loop started", zap.String("identity", identity))
		if err := runner.Run(ctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Contract-check a governance context JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var gc types.GovernanceContext
		if err := json.Unmarshal(data, &gc); err != nil {
			return fmt.Errorf("parse context: %w", err)
		}
		if err := contract.GovernanceContext(gc); err != nil {
			return fmt.Errorf("invalid context: %w", err)
		}
		fmt.Println("ok")
		return nil
	},
}

var emergencyReason string
var emergencyTTL time.Duration

var emergencyCmd = &cobra.Command{
	Use:   "emergency <on|off>",
	Short: "Toggle emergency mode for an identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, _, closeFn, err := openKernel()
		if err != nil {
			return err
		}
		defer closeFn()

		switch args[0] {
		case "on":
			mode := types.EmergencyMode{
				Active:    true,
				Severity:  types.SeverityHigh,
				Reason:    emergencyReason,
				ExpiresAt: time.Now().Add(emergencyTTL),
			}
			if err := k.SetEmergency(cmd.Context(), identity, mode); err != nil {
				return err
			}
			logger.Warn("emergency mode activated",
				zap.String("identity", identity),
				zap.String("reason", emergencyReason),
				zap.Duration("ttl", emergencyTTL))
		case "off":
			if err := k.ClearEmergency(cmd.Context(), identity); err != nil {
				return err
			}
			logger.Info("emergency mode cleared", zap.String("identity", identity))
		default:
			return fmt.Errorf("expected on or off, got %q", args[0])
		}
		return nil
	},
}

func init() {
	defaultConfig := "warden.yaml"
	if v := os.Getenv("WARDEN_CONFIG"); v != "" {
		defaultConfig = v
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfig, "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&identity, "identity", "default", "Governance identity to operate on")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	scheduleCmd.Flags().BoolVar(&runDrain, "drain", false, "Execute due tasks once and exit")
	emergencyCmd.Flags().StringVar(&emergencyReason, "reason", "operator", "Reason recorded with the mode change")
	emergencyCmd.Flags().DurationVar(&emergencyTTL, "ttl", time.Hour, "How long emergency mode stays active")

	rootCmd.AddCommand(snapshotCmd, improveCmd, driftCmd, promoteCmd,
		grantCmd, scheduleCmd, validateCmd, emergencyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
