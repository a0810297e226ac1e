// Package logging provides categorized file-based logging for warden.
// Logs are written to <workspace>/.warden/logs/ with one file per category.
// Nothing is written unless debug mode is enabled at Initialize time, so a
// production kernel runs silent by default.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot       Category = "boot"       // Startup and wiring
	CategoryGovernance Category = "governance" // Scope and gate decisions
	CategoryBudget     Category = "budget"     // Cost and economic ledgers
	CategoryScheduler  Category = "scheduler"  // Scheduling decisions, run loop
	CategoryReferee    Category = "referee"    // Disagreement resolution
	CategoryQuality    Category = "quality"    // Quality metrics, routing
	CategoryCache      Category = "cache"      // Cache and distilled rules
	CategoryPipeline   Category = "pipeline"   // Tool invocation pipeline
	CategoryImprove    Category = "improve"    // Self-improvement loop
	CategoryDrift      Category = "drift"      // Value-drift detection
	CategoryTrust      Category = "trust"      // Commitments, tier promotion
	CategoryStore      Category = "store"      // Record store operations
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	enabled   bool
	logLevel  = LevelInfo
)

// Initialize sets up the logging directory. Call once at startup; when
// debug is false this is a silent no-op and every logger becomes a no-op.
func Initialize(workspace string, debug bool, level string) error {
	if workspace == "" {
		return fmt.Errorf("workspace path required")
	}
	enabled = debug
	switch level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}
	if !enabled {
		return nil
	}
	logsDir = filepath.Join(workspace, ".warden", "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	Get(CategoryBoot).Info("warden logging initialized (level=%s, dir=%s)", level, logsDir)
	return nil
}

// Enabled reports whether debug logging is active.
func Enabled() bool { return enabled }

// Get returns (or creates) a logger for the given category. Returns a
// no-op logger when debug mode is off.
func Get(category Category) *Logger {
	if !enabled || logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	// Date prefix keeps rotation trivial.
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	l.logger.Printf("[DEBUG] %s", fmt.Sprintf(format, args...))
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	l.logger.Printf("[INFO] %s", fmt.Sprintf(format, args...))
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	l.logger.Printf("[WARN] %s", fmt.Sprintf(format, args...))
}

// Error logs an error message. Always written when a file logger exists.
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Printf("[ERROR] %s", fmt.Sprintf(format, args...))
}

// CloseAll closes all open log files. Call at shutdown.
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// Governance logs to the governance category.
func Governance(format string, args ...interface{}) {
	Get(CategoryGovernance).Info(format, args...)
}

// Budget logs to the budget category.
func Budget(format string, args ...interface{}) {
	Get(CategoryBudget).Info(format, args...)
}

// Pipeline logs to the pipeline category.
func Pipeline(format string, args ...interface{}) {
	Get(CategoryPipeline).Info(format, args...)
}

// Improve logs to the improve category.
func Improve(format string, args ...interface{}) {
	Get(CategoryImprove).Info(format, args...)
}
