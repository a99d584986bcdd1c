// Package ledger applies gold movements exactly once.
//
// Every entry carries a key unique per (task, transition). The backing store
// rejects repeated keys, so replaying an outbox after a crash is harmless.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/taskproof/internal/logger"
	"github.com/harrison/taskproof/internal/metrics"
	"github.com/harrison/taskproof/internal/models"
	"github.com/harrison/taskproof/internal/store"
)

// ErrInvalidAmount is returned for negative or zero amounts.
var ErrInvalidAmount = errors.New("gold amount must be positive")

// Service wraps a store.Ledger with validation, logging and metrics.
type Service struct {
	store store.Ledger
	log   logger.Logger
	now   func() time.Time
}

// New creates a Service.
func New(st store.Ledger, log logger.Logger) *Service {
	return &Service{store: st, log: logger.OrNop(log), now: time.Now}
}

// Apply posts e once. applied is false when the key was already present.
func (s *Service) Apply(ctx context.Context, e models.LedgerEntry) (bool, error) {
	if e.Amount <= 0 {
		return false, fmt.Errorf("%w: %d", ErrInvalidAmount, e.Amount)
	}
	if e.Key == "" || e.TaskID == "" {
		return false, errors.New("ledger entry needs a task id and key")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}

	applied, err := s.store.PostEntry(ctx, e)
	if err != nil {
		return false, err
	}
	if applied {
		metrics.Gold.WithLabelValues(string(e.Kind)).Add(float64(e.Amount))
		s.log.LogGold(e)
	} else {
		s.log.Debugf("ledger entry %s/%s already applied", e.TaskID, e.Key)
	}
	return applied, nil
}

// AddGold credits a manual award. Each call is a distinct entry.
func (s *Service) AddGold(ctx context.Context, amount int, reason, taskID, taskLabel string) (models.LedgerEntry, error) {
	return s.manual(ctx, models.LedgerAward, amount, reason, taskID, taskLabel)
}

// PenaltyGold debits a manual penalty. Each call is a distinct entry.
func (s *Service) PenaltyGold(ctx context.Context, amount int, reason, taskID, taskLabel string) (models.LedgerEntry, error) {
	return s.manual(ctx, models.LedgerPenalty, amount, reason, taskID, taskLabel)
}

func (s *Service) manual(ctx context.Context, kind models.LedgerKind, amount int, reason, taskID, taskLabel string) (models.LedgerEntry, error) {
	e := models.LedgerEntry{
		Key:       "manual:" + uuid.New().String(),
		TaskID:    taskID,
		TaskLabel: taskLabel,
		Kind:      kind,
		Amount:    amount,
		Reason:    reason,
		CreatedAt: s.now().UTC(),
	}
	if _, err := s.Apply(ctx, e); err != nil {
		return models.LedgerEntry{}, err
	}
	return e, nil
}

// Entries lists entries, optionally for one task.
func (s *Service) Entries(ctx context.Context, taskID string) ([]models.LedgerEntry, error) {
	return s.store.Entries(ctx, taskID)
}

// Balance is the net of all entries.
func (s *Service) Balance(ctx context.Context) (int, error) {
	return s.store.Balance(ctx)
}

// Summary totals one task's entries.
type Summary struct {
	TaskID    string `json:"taskId"`
	Awarded   int    `json:"awarded"`
	Penalized int    `json:"penalized"`
	Net       int    `json:"net"`
	Entries   int    `json:"entries"`
}

// Summarize totals the entries for taskID.
func (s *Service) Summarize(ctx context.Context, taskID string) (Summary, error) {
	entries, err := s.store.Entries(ctx, taskID)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{TaskID: taskID, Entries: len(entries)}
	for _, e := range entries {
		if e.Kind == models.LedgerPenalty {
			sum.Penalized += e.Amount
		} else {
			sum.Awarded += e.Amount
		}
	}
	sum.Net = sum.Awarded - sum.Penalized
	return sum, nil
}
