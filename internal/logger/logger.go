// Package logger provides the logging used across taskproof.
//
// Every component takes the small Logger interface. ConsoleLogger writes
// colored, level-filtered lines to a terminal; FileLogger keeps a per-run log
// file under the log directory. Both are safe for concurrent use.
package logger

import (
	"fmt"
	"strings"

	"github.com/harrison/taskproof/internal/models"
)

// Logger is the logging contract shared by all components.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	// LogTransition records a verification state change.
	LogTransition(taskID string, from, to models.VerificationStatus, reason string)
	// LogGold records a ledger movement once it has been applied.
	LogGold(entry models.LedgerEntry)
}

// Log level constants for filtering
const (
	levelTrace int = 0
	levelDebug int = 1
	levelInfo  int = 2
	levelWarn  int = 3
	levelError int = 4
)

// normalizeLogLevel lowercases level and falls back to "info" when unknown.
func normalizeLogLevel(level string) string {
	normalized := strings.ToLower(strings.TrimSpace(level))
	switch normalized {
	case "trace", "debug", "info", "warn", "error":
		return normalized
	default:
		return "info"
	}
}

// ValidLevel reports whether level names a known log level.
func ValidLevel(level string) bool {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace", "debug", "info", "warn", "error":
		return true
	}
	return false
}

func logLevelToInt(level string) int {
	switch level {
	case "trace":
		return levelTrace
	case "debug":
		return levelDebug
	case "info":
		return levelInfo
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

func formatTransition(taskID string, from, to models.VerificationStatus, reason string) string {
	msg := fmt.Sprintf("task %s: %s -> %s", taskID, from, to)
	if reason != "" {
		msg += " (" + reason + ")"
	}
	return msg
}

func formatGold(e models.LedgerEntry) string {
	sign := "+"
	if e.Kind == models.LedgerPenalty {
		sign = "-"
	}
	label := e.TaskLabel
	if label == "" {
		label = e.TaskID
	}
	return fmt.Sprintf("gold %s%d for %q: %s [%s]", sign, e.Amount, label, e.Reason, e.Key)
}

// NoOpLogger discards everything.
type NoOpLogger struct{}

// NewNoOpLogger creates a NoOpLogger instance.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

func (n *NoOpLogger) Debugf(string, ...interface{}) {}
func (n *NoOpLogger) Infof(string, ...interface{})  {}
func (n *NoOpLogger) Warnf(string, ...interface{})  {}
func (n *NoOpLogger) Errorf(string, ...interface{}) {}
func (n *NoOpLogger) LogTransition(string, models.VerificationStatus, models.VerificationStatus, string) {
}
func (n *NoOpLogger) LogGold(models.LedgerEntry) {}

// MultiLogger fans every call out to several loggers.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger skips nil loggers.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	m := &MultiLogger{}
	for _, l := range loggers {
		if l != nil {
			m.loggers = append(m.loggers, l)
		}
	}
	return m
}

func (m *MultiLogger) Debugf(format string, args ...interface{}) {
	for _, l := range m.loggers {
		l.Debugf(format, args...)
	}
}

func (m *MultiLogger) Infof(format string, args ...interface{}) {
	for _, l := range m.loggers {
		l.Infof(format, args...)
	}
}

func (m *MultiLogger) Warnf(format string, args ...interface{}) {
	for _, l := range m.loggers {
		l.Warnf(format, args...)
	}
}

func (m *MultiLogger) Errorf(format string, args ...interface{}) {
	for _, l := range m.loggers {
		l.Errorf(format, args...)
	}
}

func (m *MultiLogger) LogTransition(taskID string, from, to models.VerificationStatus, reason string) {
	for _, l := range m.loggers {
		l.LogTransition(taskID, from, to, reason)
	}
}

func (m *MultiLogger) LogGold(entry models.LedgerEntry) {
	for _, l := range m.loggers {
		l.LogGold(entry)
	}
}

// OrNop returns l, or a NoOpLogger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return NewNoOpLogger()
	}
	return l
}
