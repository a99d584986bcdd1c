package verify

import (
	"context"

	"github.com/harrison/taskproof/internal/metrics"
	"github.com/harrison/taskproof/internal/models"
	"github.com/harrison/taskproof/internal/store"
)

// queue adds a gold entry to the record's outbox. The entry is keyed by
// cycle and event so a replayed transition is a no-op. Caller persists.
func (m *Machine) queue(ctx context.Context, e *entry, event string, kind models.LedgerKind, amount int, reason string) {
	if amount <= 0 {
		return
	}
	key := e.rec.TransitionKey(event)
	for _, p := range e.rec.Pending {
		if p.Key == key {
			return
		}
	}
	e.rec.Pending = append(e.rec.Pending, models.LedgerEntry{
		Key:       key,
		TaskID:    e.rec.TaskID,
		TaskLabel: m.task(ctx, e).Label(),
		Kind:      kind,
		Amount:    amount,
		Reason:    reason,
		CreatedAt: m.now(),
	})
}

// flush applies pending entries to the ledger, keeping those that failed.
func (m *Machine) flush(ctx context.Context, e *entry) {
	if len(e.rec.Pending) == 0 {
		return
	}
	lctx := context.WithoutCancel(ctx)
	var remaining []models.LedgerEntry
	for _, p := range e.rec.Pending {
		if _, err := m.ledger.Apply(lctx, p); err != nil {
			metrics.PersistenceErrors.WithLabelValues("ledger").Inc()
			m.log.Warnf("task %s: apply %s: %v (will retry)", e.rec.TaskID, p.Key, err)
			remaining = append(remaining, p)
		}
	}
	if len(remaining) == len(e.rec.Pending) {
		return
	}
	e.rec.Pending = remaining
	m.persist(ctx, e)
}

// finishIfDrained discards a completed record whose gold is fully recorded.
func (m *Machine) finishIfDrained(ctx context.Context, e *entry) {
	if e.rec.Status != models.StatusCompleted || len(e.rec.Pending) > 0 {
		return
	}
	if err := m.records.DeleteRecord(context.WithoutCancel(ctx), e.rec.TaskID); err != nil && !store.IsNotFound(err) {
		metrics.PersistenceErrors.WithLabelValues("delete").Inc()
		m.log.Warnf("task %s: delete record: %v", e.rec.TaskID, err)
		return
	}
	m.remove(e, e.rec.TaskID)
	m.sched.Unschedule(e.rec.TaskID)
}
