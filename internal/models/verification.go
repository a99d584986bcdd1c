package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// VerificationStatus is a state of the per-task verification state machine.
type VerificationStatus string

const (
	StatusWaitingStart      VerificationStatus = "waiting_start"
	StatusStartCountdown    VerificationStatus = "start_countdown"
	StatusUploadingStart    VerificationStatus = "uploading_start"
	StatusTaskCountdown     VerificationStatus = "task_countdown"
	StatusUploadingComplete VerificationStatus = "uploading_complete"
	StatusCompleted         VerificationStatus = "completed"
	StatusFailed            VerificationStatus = "failed"
)

// IsUploading reports whether a photo is being verified.
func (s VerificationStatus) IsUploading() bool {
	return s == StatusUploadingStart || s == StatusUploadingComplete
}

// IsCountdown reports whether a deadline is running.
func (s VerificationStatus) IsCountdown() bool {
	return s == StatusStartCountdown || s == StatusTaskCountdown
}

// IsTerminal reports whether the cycle has ended.
func (s VerificationStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Phase identifies which proof a photo is submitted for.
type Phase string

const (
	PhaseStart      Phase = "start"
	PhaseCompletion Phase = "completion"
)

// ParsePhase converts user input into a Phase.
func ParsePhase(s string) (Phase, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "start":
		return PhaseStart, nil
	case "completion", "complete":
		return PhaseCompletion, nil
	default:
		return "", fmt.Errorf("unknown phase %q (want start or completion)", s)
	}
}

// CountdownStatus returns the countdown state a phase submits from.
func (p Phase) CountdownStatus() VerificationStatus {
	if p == PhaseStart {
		return StatusStartCountdown
	}
	return StatusTaskCountdown
}

// UploadingStatus returns the uploading state for a phase.
func (p Phase) UploadingStatus() VerificationStatus {
	if p == PhaseStart {
		return StatusUploadingStart
	}
	return StatusUploadingComplete
}

// VerificationConfig is authoring data for a task, supplied by the task owner.
type VerificationConfig struct {
	Enabled            bool     `json:"enabled" yaml:"enabled"`
	StartKeywords      []string `json:"startKeywords" yaml:"start_keywords"`
	CompletionKeywords []string `json:"completionKeywords" yaml:"completion_keywords"`
	// MatchThreshold overrides the per-phase default when > 0.
	MatchThreshold float64 `json:"matchThreshold,omitempty" yaml:"match_threshold"`
}

// Validate checks keyword lists and threshold bounds.
func (c *VerificationConfig) Validate() error {
	if c.MatchThreshold < 0 || c.MatchThreshold > 1 {
		return fmt.Errorf("match threshold must be within [0,1], got %v", c.MatchThreshold)
	}
	if c.Enabled && len(c.StartKeywords) == 0 && len(c.CompletionKeywords) == 0 {
		return fmt.Errorf("verification enabled without any keywords")
	}
	return nil
}

// VerificationRecord is the durable per-task state of one verification cycle.
// All time fields serialize as RFC 3339 (ISO-8601) so deadlines survive a restart.
type VerificationRecord struct {
	TaskID  string             `json:"taskId"`
	Version int                `json:"version"`
	Cycle   int                `json:"cycle"`
	Status  VerificationStatus `json:"status"`

	StartDeadline *time.Time `json:"startDeadline,omitempty"`
	TaskDeadline  *time.Time `json:"taskDeadline,omitempty"`

	StartTimeoutCount      int        `json:"startTimeoutCount"`
	CompletionTimeoutCount int        `json:"completionTimeoutCount"`
	ActualStartTime        *time.Time `json:"actualStartTime,omitempty"`

	StartGoldEarned      int `json:"startGoldEarned"`
	CompletionGoldEarned int `json:"completionGoldEarned"`
	TotalGoldPenalty     int `json:"totalGoldPenalty"`
	StartPenaltyGold     int `json:"startPenaltyGold"`

	StartKeywords      []string `json:"startKeywords"`
	CompletionKeywords []string `json:"completionKeywords"`
	MatchThreshold     float64  `json:"matchThreshold,omitempty"`

	// FailureStreak counts consecutive keyword mismatches in the current phase.
	FailureStreak int `json:"failureStreak"`
	// StrikePenalties counts flat failure penalties applied this cycle.
	StrikePenalties int `json:"strikePenalties"`

	// Pending holds ledger entries not yet acknowledged by the ledger.
	Pending []LedgerEntry `json:"pending,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// NewVerificationRecord creates a fresh record in waiting_start for the given config.
func NewVerificationRecord(taskID string, cfg VerificationConfig, now time.Time) *VerificationRecord {
	return &VerificationRecord{
		TaskID:             taskID,
		Version:            1,
		Cycle:              1,
		Status:             StatusWaitingStart,
		StartKeywords:      append([]string(nil), cfg.StartKeywords...),
		CompletionKeywords: append([]string(nil), cfg.CompletionKeywords...),
		MatchThreshold:     cfg.MatchThreshold,
		UpdatedAt:          now,
	}
}

// Clone returns a deep copy safe to hand to callers.
func (r *VerificationRecord) Clone() *VerificationRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.StartDeadline = cloneTime(r.StartDeadline)
	c.TaskDeadline = cloneTime(r.TaskDeadline)
	c.ActualStartTime = cloneTime(r.ActualStartTime)
	c.StartKeywords = append([]string(nil), r.StartKeywords...)
	c.CompletionKeywords = append([]string(nil), r.CompletionKeywords...)
	c.Pending = append([]LedgerEntry(nil), r.Pending...)
	return &c
}

// ActiveDeadline returns the deadline of the running countdown, if any.
func (r *VerificationRecord) ActiveDeadline() *time.Time {
	switch r.Status {
	case StatusStartCountdown, StatusUploadingStart:
		return r.StartDeadline
	case StatusTaskCountdown, StatusUploadingComplete:
		return r.TaskDeadline
	default:
		return nil
	}
}

// Keywords returns the ground-truth keyword set for a phase.
func (r *VerificationRecord) Keywords(p Phase) []string {
	if p == PhaseStart {
		return r.StartKeywords
	}
	return r.CompletionKeywords
}

// TransitionKey builds the idempotency key for a gold side effect in this cycle.
func (r *VerificationRecord) TransitionKey(event string) string {
	return fmt.Sprintf("c%d:%s", r.Cycle, event)
}

// KeyCycle returns the cycle encoded in a transition key built by TransitionKey.
func KeyCycle(key string) (int, bool) {
	prefix, _, ok := strings.Cut(key, ":")
	if !ok || len(prefix) < 2 || prefix[0] != 'c' {
		return 0, false
	}
	n, err := strconv.Atoi(prefix[1:])
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
