// Package store persists tasks, verification configs, verification records and
// the gold ledger. Three backends share one contract: SQLite (default), one JSON
// file per record guarded by flock, and an in-process map for tests and dry runs.
package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/harrison/taskproof/internal/models"
)

// ErrNotFound is returned when a task, config or record does not exist.
var ErrNotFound = errors.New("not found")

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendJSON   = "json"
	BackendMemory = "memory"
)

// Tasks is the task store contract.
type Tasks interface {
	PutTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	UpdateTask(ctx context.Context, id string, update models.TaskUpdate) (*models.Task, error)
	ListTasks(ctx context.Context) ([]*models.Task, error)
}

// Configs holds per-task verification authoring data.
type Configs interface {
	PutVerificationConfig(ctx context.Context, taskID string, cfg models.VerificationConfig) error
	GetVerificationConfig(ctx context.Context, taskID string) (*models.VerificationConfig, error)
}

// Records holds one verification record per task.
type Records interface {
	LoadRecord(ctx context.Context, taskID string) (*models.VerificationRecord, error)
	SaveRecord(ctx context.Context, rec *models.VerificationRecord) error
	DeleteRecord(ctx context.Context, taskID string) error
	ListRecords(ctx context.Context) ([]*models.VerificationRecord, error)
}

// Ledger is an append-only, key-deduplicated gold ledger.
type Ledger interface {
	// PostEntry applies the entry once. A repeated (TaskID, Key) is a no-op reported as applied=false.
	PostEntry(ctx context.Context, entry models.LedgerEntry) (applied bool, err error)
	Entries(ctx context.Context, taskID string) ([]models.LedgerEntry, error)
	Balance(ctx context.Context) (int, error)
}

// Backend bundles every repository behind a single handle.
type Backend interface {
	Tasks
	Configs
	Records
	Ledger
	Close() error
}

// Open returns the named backend rooted at dataDir.
func Open(backend, dataDir string) (Backend, error) {
	switch strings.ToLower(backend) {
	case "", BackendSQLite:
		return NewSQLiteStore(filepath.Join(dataDir, "taskproof.db"))
	case BackendJSON:
		return NewJSONStore(dataDir)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func cloneEntries(in []models.LedgerEntry) []models.LedgerEntry {
	return append([]models.LedgerEntry(nil), in...)
}

func sumEntries(entries []models.LedgerEntry) int {
	total := 0
	for _, e := range entries {
		total += e.Signed()
	}
	return total
}
