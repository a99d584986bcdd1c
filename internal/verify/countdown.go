package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/harrison/taskproof/internal/clock"
	"github.com/harrison/taskproof/internal/metrics"
	"github.com/harrison/taskproof/internal/models"
	"github.com/harrison/taskproof/internal/reward"
)

// advance retries the outbox and applies whatever the clock says is due. A
// countdown that expired long ago is charged once, not once per elapsed
// window. Caller holds e.mu.
func (m *Machine) advance(ctx context.Context, e *entry) {
	m.flush(ctx, e)
	now := m.now()
	rec := e.rec
	switch rec.Status {
	case models.StatusWaitingStart:
		t := m.task(ctx, e)
		if !t.ScheduledStart.IsZero() && !now.Before(t.ScheduledStart) {
			m.openStartWindow(ctx, e, now, "scheduled start reached")
		}
	case models.StatusStartCountdown:
		if clock.Expired(rec.StartDeadline, now) {
			m.startTimeout(ctx, e, now)
		}
	case models.StatusTaskCountdown:
		if clock.Expired(rec.TaskDeadline, now) {
			m.taskTimeout(ctx, e, now)
			return
		}
		m.endingWarnings(ctx, e, now)
	case models.StatusCompleted:
		m.finishIfDrained(ctx, e)
	}
}

func (m *Machine) openStartWindow(ctx context.Context, e *entry, now time.Time, reason string) {
	e.rec.StartDeadline = clock.Deadline(now, m.settings.StartWindow)
	m.transition(e, models.StatusStartCountdown, reason)
	m.persist(ctx, e)
	m.notifier.TaskStart(m.task(ctx, e))
}

func (m *Machine) startTimeout(ctx context.Context, e *entry, now time.Time) {
	rec := e.rec
	rec.StartTimeoutCount++
	n := rec.StartTimeoutCount
	penalty := reward.TimeoutPenalty(n, m.baseGold(ctx, e))
	rec.StartPenaltyGold += penalty
	rec.TotalGoldPenalty += penalty
	m.queue(ctx, e, fmt.Sprintf("start-timeout:%d", n), models.LedgerPenalty, penalty, models.ReasonStartTimeout)
	metrics.Timeouts.WithLabelValues(string(models.PhaseStart)).Inc()

	if limit := m.settings.MaxStartTimeouts; limit > 0 && n >= limit {
		rec.StartDeadline = nil
		m.transition(e, models.StatusFailed, fmt.Sprintf("start missed %d times", n))
	} else {
		rec.StartDeadline = clock.Deadline(now, m.settings.StartTimeoutReset)
		m.log.LogTransition(rec.TaskID, rec.Status, rec.Status, fmt.Sprintf("start timeout #%d, window reset", n))
	}
	m.persist(ctx, e)
	m.flush(ctx, e)
	m.notifier.TimeoutPenalty(m.task(ctx, e), models.PhaseStart, penalty)
}

func (m *Machine) taskTimeout(ctx context.Context, e *entry, now time.Time) {
	rec := e.rec
	rec.CompletionTimeoutCount++
	n := rec.CompletionTimeoutCount
	penalty := reward.TimeoutPenalty(n, m.baseGold(ctx, e))
	rec.TotalGoldPenalty += penalty
	m.queue(ctx, e, fmt.Sprintf("completion-timeout:%d", n), models.LedgerPenalty, penalty, models.ReasonCompletionTimeout)
	metrics.Timeouts.WithLabelValues(string(models.PhaseCompletion)).Inc()

	rec.TaskDeadline = clock.Deadline(now, m.settings.TaskTimeoutReset)
	m.log.LogTransition(rec.TaskID, rec.Status, rec.Status, fmt.Sprintf("task timeout #%d, deadline extended", n))
	m.persist(ctx, e)
	m.flush(ctx, e)
	m.notifier.TimeoutPenalty(m.task(ctx, e), models.PhaseCompletion, penalty)
}

// endingWarnings sends at most one TaskEnding per tick, for the smallest
// threshold crossed, and marks every crossed threshold as sent.
func (m *Machine) endingWarnings(ctx context.Context, e *entry, now time.Time) {
	dl := e.rec.TaskDeadline
	if dl == nil || len(m.settings.EndingWarnings) == 0 {
		return
	}
	if !e.warnedFor.Equal(*dl) || e.warned == nil {
		e.warnedFor = *dl
		e.warned = make(map[time.Duration]bool)
	}
	remaining := clock.Remaining(dl, now)
	fire := time.Duration(-1)
	for _, th := range m.settings.EndingWarnings {
		if remaining > th || e.warned[th] {
			continue
		}
		e.warned[th] = true
		if fire < 0 || th < fire {
			fire = th
		}
	}
	if fire >= 0 {
		m.notifier.TaskEnding(m.task(ctx, e), clock.MinutesLeft(remaining))
	}
}
