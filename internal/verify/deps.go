package verify

import (
	"context"
	"time"

	"github.com/harrison/taskproof/internal/models"
	"github.com/harrison/taskproof/internal/pipeline"
)

// TaskStore reads and updates the owner's tasks.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
	UpdateTask(ctx context.Context, id string, update models.TaskUpdate) (*models.Task, error)
}

// ConfigStore holds per-task verification configs.
type ConfigStore interface {
	PutVerificationConfig(ctx context.Context, taskID string, cfg models.VerificationConfig) error
	GetVerificationConfig(ctx context.Context, taskID string) (*models.VerificationConfig, error)
}

// RecordStore persists verification records.
type RecordStore interface {
	LoadRecord(ctx context.Context, taskID string) (*models.VerificationRecord, error)
	SaveRecord(ctx context.Context, rec *models.VerificationRecord) error
	DeleteRecord(ctx context.Context, taskID string) error
	ListRecords(ctx context.Context) ([]*models.VerificationRecord, error)
}

// Ledger applies gold entries once per key.
type Ledger interface {
	Apply(ctx context.Context, entry models.LedgerEntry) (bool, error)
	Entries(ctx context.Context, taskID string) ([]models.LedgerEntry, error)
}

// Verifier runs the photo pipeline.
type Verifier interface {
	Verify(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// Notifier receives user-facing events. Calls must not block.
type Notifier interface {
	TaskStart(task *models.Task)
	TaskEnding(task *models.Task, minutesLeft int)
	VerificationSuccess(task *models.Task, phase models.Phase, gold int)
	VerificationFailed(task *models.Task, phase models.Phase, reason string)
	TimeoutPenalty(task *models.Task, phase models.Phase, gold int)
	HardAlert(task *models.Task, phase models.Phase, gold int)
}

// Scheduler arms one wake-up per task.
type Scheduler interface {
	Schedule(taskID string, at time.Time)
	Unschedule(taskID string)
}

type nopNotifier struct{}

func (nopNotifier) TaskStart(*models.Task)                                {}
func (nopNotifier) TaskEnding(*models.Task, int)                          {}
func (nopNotifier) VerificationSuccess(*models.Task, models.Phase, int)   {}
func (nopNotifier) VerificationFailed(*models.Task, models.Phase, string) {}
func (nopNotifier) TimeoutPenalty(*models.Task, models.Phase, int)        {}
func (nopNotifier) HardAlert(*models.Task, models.Phase, int)             {}

type nopScheduler struct{}

func (nopScheduler) Schedule(string, time.Time) {}
func (nopScheduler) Unschedule(string)          {}
