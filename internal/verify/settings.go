package verify

import (
	"time"

	"github.com/harrison/taskproof/internal/reward"
)

// Settings tune the state machine.
type Settings struct {
	// StartWindow is the countdown opened at the scheduled start.
	StartWindow time.Duration
	// StartTimeoutReset is the fresh window after a missed start.
	StartTimeoutReset time.Duration
	// TaskTimeoutReset is the grace period after a missed task deadline.
	TaskTimeoutReset time.Duration
	// StartThreshold and CompletionThreshold are the default match fractions.
	StartThreshold      float64
	CompletionThreshold float64
	// MaxStartTimeouts moves the record to failed when reached. 0 is uncapped.
	MaxStartTimeouts int
	// FailureStrikeLimit consecutive mismatches trigger the flat penalty.
	FailureStrikeLimit int
	// EndingWarnings are remaining-time thresholds that trigger TaskEnding.
	EndingWarnings []time.Duration
}

// DefaultSettings returns the canonical policy.
func DefaultSettings() Settings {
	return Settings{
		StartWindow:         2 * time.Minute,
		StartTimeoutReset:   2 * time.Minute,
		TaskTimeoutReset:    10 * time.Minute,
		StartThreshold:      0.1,
		CompletionThreshold: 0.3,
		MaxStartTimeouts:    0,
		FailureStrikeLimit:  reward.DefaultStrikeLimit,
		EndingWarnings:      []time.Duration{5 * time.Minute, time.Minute},
	}
}

func (s Settings) withDefaults() Settings {
	def := DefaultSettings()
	if s.StartWindow <= 0 {
		s.StartWindow = def.StartWindow
	}
	if s.StartTimeoutReset <= 0 {
		s.StartTimeoutReset = def.StartTimeoutReset
	}
	if s.TaskTimeoutReset <= 0 {
		s.TaskTimeoutReset = def.TaskTimeoutReset
	}
	if s.StartThreshold <= 0 {
		s.StartThreshold = def.StartThreshold
	}
	if s.CompletionThreshold <= 0 {
		s.CompletionThreshold = def.CompletionThreshold
	}
	if s.FailureStrikeLimit <= 0 {
		s.FailureStrikeLimit = def.FailureStrikeLimit
	}
	if s.EndingWarnings == nil {
		s.EndingWarnings = def.EndingWarnings
	}
	return s
}
