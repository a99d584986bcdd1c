package models

import (
	"errors"
	"time"
)

// TaskStatus is the lifecycle status of a scheduled task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
)

// Task represents a scheduled task owned by the task store.
// The verification engine reads tasks and updates them through TaskUpdate, never directly.
type Task struct {
	ID              string     `json:"id" yaml:"id"`                            // Opaque task identifier
	Title           string     `json:"title" yaml:"title"`                      // Human-readable label used in ledger entries and notifications
	ScheduledStart  time.Time  `json:"scheduledStart" yaml:"scheduled_start"`   // When the start window opens
	ScheduledEnd    time.Time  `json:"scheduledEnd" yaml:"scheduled_end"`       // Planned end (informational)
	DurationMinutes int        `json:"durationMinutes" yaml:"duration_minutes"` // Planned duration once started
	GoldReward      int        `json:"goldReward" yaml:"gold_reward"`           // Base gold reward before bonuses and penalties
	Status          TaskStatus `json:"status" yaml:"status"`                    // pending, in_progress, completed
	StartedAt       *time.Time `json:"startedAt,omitempty" yaml:"-"`            // Set when the task transitions to in_progress
	CompletedAt     *time.Time `json:"completedAt,omitempty" yaml:"-"`          // Set when the task transitions to completed
	Attachments     []string   `json:"attachments,omitempty" yaml:"-"`          // Verification photo URLs kept for audit
}

// Validate checks if the task has all required fields
func (t *Task) Validate() error {
	if t.ID == "" {
		return errors.New("task id is required")
	}
	if t.Title == "" {
		return errors.New("task title is required")
	}
	if t.DurationMinutes <= 0 {
		return errors.New("task duration must be positive")
	}
	if t.GoldReward < 0 {
		return errors.New("task gold reward must be >= 0")
	}
	return nil
}

// IsCompleted returns true if the task status is "completed"
func (t *Task) IsCompleted() bool {
	return t.Status == TaskCompleted
}

// Duration returns the planned duration as a time.Duration.
func (t *Task) Duration() time.Duration {
	return time.Duration(t.DurationMinutes) * time.Minute
}

// Label returns the title, falling back to the id.
func (t *Task) Label() string {
	if t.Title != "" {
		return t.Title
	}
	return t.ID
}

// TaskUpdate carries a partial update for a task. Nil fields are left untouched.
type TaskUpdate struct {
	Status         *TaskStatus
	StartedAt      *time.Time
	CompletedAt    *time.Time
	AddAttachments []string
}

// StatusUpdate is a convenience constructor for a status-only update.
func StatusUpdate(status TaskStatus, at time.Time) TaskUpdate {
	u := TaskUpdate{Status: &status}
	switch status {
	case TaskInProgress:
		u.StartedAt = &at
	case TaskCompleted:
		u.CompletedAt = &at
	}
	return u
}

// Apply mutates the task with the non-nil fields of the update.
func (u TaskUpdate) Apply(t *Task) {
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.StartedAt != nil {
		at := *u.StartedAt
		t.StartedAt = &at
	}
	if u.CompletedAt != nil {
		at := *u.CompletedAt
		t.CompletedAt = &at
	}
	for _, a := range u.AddAttachments {
		if !containsString(t.Attachments, a) {
			t.Attachments = append(t.Attachments, a)
		}
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.Attachments = append([]string(nil), t.Attachments...)
	return &c
}
