package verify

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/harrison/taskproof/internal/metrics"
	"github.com/harrison/taskproof/internal/models"
	"github.com/harrison/taskproof/internal/pipeline"
	"github.com/harrison/taskproof/internal/reward"
)

// Submit verifies a photo for the given phase. Deadlines are evaluated
// first, so a late submission is charged before it is scored. The task lock
// is released while the pipeline runs; only one submission per task may be
// in flight.
//
// On failure the returned Outcome (when non-nil) describes the verdict and
// the error carries its Kind.
func (m *Machine) Submit(ctx context.Context, taskID string, phase models.Phase, photo pipeline.Photo) (*Outcome, error) {
	e, err := m.acquire(ctx, taskID)
	if err != nil {
		return nil, err
	}
	rec := e.rec
	if rec.Status.IsUploading() {
		e.mu.Unlock()
		return nil, newError(KindUploadInProgress, taskID, "a photo is already being verified", nil)
	}
	m.advance(ctx, e)
	if rec.Status != phase.CountdownStatus() {
		st := rec.Status
		m.schedule(ctx, e)
		e.mu.Unlock()
		return nil, newError(KindInvalidState, taskID,
			fmt.Sprintf("cannot submit %s photo while %s", phase, st), nil)
	}

	token := uuid.NewString()
	now := m.now()
	e.attempt = token
	e.prior = rec.Status
	e.submittedAt = now
	e.withinWindow = phase == models.PhaseStart &&
		rec.StartTimeoutCount == 0 &&
		rec.StartDeadline != nil && now.Before(*rec.StartDeadline)
	m.transition(e, phase.UploadingStatus(), "photo submitted")
	m.persist(ctx, e)
	m.sched.Unschedule(taskID)

	req := pipeline.Request{
		TaskID:    taskID,
		Phase:     phase,
		Photo:     photo,
		Keywords:  append([]string(nil), rec.Keywords(phase)...),
		Threshold: m.threshold(rec, phase),
	}
	vctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()

	result, verr := m.verifier.Verify(vctx, req)
	cancel()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || e.attempt != token {
		metrics.Submissions.WithLabelValues(string(phase), string(KindCanceled)).Inc()
		return nil, newError(KindCanceled, taskID, "verification canceled", nil)
	}
	e.attempt = ""
	e.cancel = nil

	if verr != nil {
		return m.fail(ctx, e, phase, verr)
	}
	if phase == models.PhaseStart {
		return m.startVerified(ctx, e, result), nil
	}
	return m.completionVerified(ctx, e, result), nil
}

// Cancel abandons an in-flight submission. The record returns to the
// countdown it came from, with no counters or gold changed.
func (m *Machine) Cancel(ctx context.Context, taskID string) (*Status, error) {
	e, err := m.acquire(ctx, taskID)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	if !e.rec.Status.IsUploading() {
		return nil, newError(KindInvalidState, taskID, "no verification in progress", nil)
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.attempt = ""
	e.cancel = nil
	m.revert(ctx, e, "canceled by user")
	return m.status(e), nil
}

// revert puts an uploading record back to its countdown. The deadline is
// not reset, so an expiry that passed during the upload is charged now.
func (m *Machine) revert(ctx context.Context, e *entry, reason string) {
	to := e.prior
	if !to.IsCountdown() {
		to = models.StatusStartCountdown
		if e.rec.Status == models.StatusUploadingComplete {
			to = models.StatusTaskCountdown
		}
	}
	m.transition(e, to, reason)
	m.persist(ctx, e)
	m.advance(ctx, e)
	m.schedule(ctx, e)
}

func (m *Machine) startVerified(ctx context.Context, e *entry, result *pipeline.Result) *Outcome {
	rec := e.rec
	now := m.now()
	task := m.task(ctx, e)

	if rec.ActualStartTime == nil {
		rec.ActualStartTime = &now
	}
	rec.StartDeadline = nil
	deadline := now.Add(task.Duration())
	rec.TaskDeadline = &deadline
	rec.FailureStreak = 0

	gold := 0
	if rec.StartGoldEarned == 0 {
		gold = reward.StartReward(m.baseGold(ctx, e), e.withinWindow)
		rec.StartGoldEarned = gold
		m.queue(ctx, e, "start-reward", models.LedgerAward, gold, models.ReasonStartReward)
	}
	m.transition(e, models.StatusTaskCountdown, "start photo verified")
	m.persist(ctx, e)
	m.flush(ctx, e)
	m.updateTask(ctx, e, models.StatusUpdate(models.TaskInProgress, now))
	m.schedule(ctx, e)

	metrics.Submissions.WithLabelValues(string(models.PhaseStart), "success").Inc()
	m.notifier.VerificationSuccess(e.task, models.PhaseStart, gold)
	out := m.outcome(e, models.PhaseStart, result)
	out.Success = true
	out.GoldAwarded = gold
	return out
}

func (m *Machine) completionVerified(ctx context.Context, e *entry, result *pipeline.Result) *Outcome {
	rec := e.rec
	now := m.now()
	task := m.task(ctx, e)

	started := e.submittedAt
	if rec.ActualStartTime != nil {
		started = *rec.ActualStartTime
	}
	saved := reward.SavedPercentage(task.Duration(), e.submittedAt.Sub(started))
	base := m.baseGold(ctx, e)
	earned := reward.CompletionReward(base, saved)
	refund := rec.StartPenaltyGold
	rec.CompletionGoldEarned = earned + refund
	m.queue(ctx, e, "completion-reward", models.LedgerAward, earned, models.ReasonCompletionReward)
	m.queue(ctx, e, "start-penalty-refund", models.LedgerAward, refund, models.ReasonStartPenaltyRefund)

	rec.TaskDeadline = nil
	rec.FailureStreak = 0
	m.transition(e, models.StatusCompleted, fmt.Sprintf("completion photo verified, saved %.1f%%", saved))
	m.persist(ctx, e)
	m.flush(ctx, e)
	m.updateTask(ctx, e, models.StatusUpdate(models.TaskCompleted, now))

	metrics.Submissions.WithLabelValues(string(models.PhaseCompletion), "success").Inc()
	m.notifier.VerificationSuccess(e.task, models.PhaseCompletion, earned+refund)
	out := m.outcome(e, models.PhaseCompletion, result)
	out.Success = true
	out.GoldAwarded = earned + refund
	out.SavedPercentage = saved
	m.finishIfDrained(ctx, e)
	return out
}

// fail handles a pipeline error. Only keyword mismatches count toward the
// strike limit; transport problems are retried without consequence.
func (m *Machine) fail(ctx context.Context, e *entry, phase models.Phase, verr error) (*Outcome, error) {
	taskID := e.rec.TaskID
	vErr := classify(taskID, verr)
	metrics.Submissions.WithLabelValues(string(phase), string(vErr.Kind)).Inc()

	if errors.Is(verr, context.Canceled) {
		m.revert(ctx, e, "verification canceled")
		return nil, vErr
	}

	mismatch, isMismatch := pipeline.AsMismatch(verr)
	out := m.outcome(e, phase, nil)
	out.Kind = vErr.Kind
	if !isMismatch {
		m.revert(ctx, e, string(vErr.Kind))
		out.Status = e.rec.Status
		m.notifier.VerificationFailed(m.task(ctx, e), phase, vErr.Message)
		return out, vErr
	}

	rec := e.rec
	rec.FailureStreak++
	out.FailureStreak = rec.FailureStreak
	fillResult(out, mismatch.Result)
	if rec.FailureStreak >= m.settings.FailureStrikeLimit {
		penalty := reward.FlatFailurePenalty
		rec.StrikePenalties++
		rec.TotalGoldPenalty += penalty
		m.queue(ctx, e, fmt.Sprintf("%s-strike:%d", phase, rec.StrikePenalties), models.LedgerPenalty, penalty, models.ReasonVerificationStrike)
		rec.FailureStreak = 0
		out.HardAlert = true
		out.GoldPenalized = penalty
		metrics.HardAlerts.Inc()
		m.log.Warnf("task %s: %d consecutive %s verification failures, %d gold penalty",
			taskID, m.settings.FailureStrikeLimit, phase, penalty)
	}
	m.revert(ctx, e, "photo mismatch")
	m.flush(ctx, e)
	out.Status = e.rec.Status
	if out.HardAlert {
		m.notifier.HardAlert(m.task(ctx, e), phase, out.GoldPenalized)
	} else {
		m.notifier.VerificationFailed(m.task(ctx, e), phase, vErr.Message)
	}
	return out, vErr
}

func (m *Machine) outcome(e *entry, phase models.Phase, result *pipeline.Result) *Outcome {
	out := &Outcome{
		TaskID:        e.rec.TaskID,
		Phase:         phase,
		Status:        e.rec.Status,
		FailureStreak: e.rec.FailureStreak,
	}
	fillResult(out, result)
	return out
}

func fillResult(out *Outcome, result *pipeline.Result) {
	if result == nil {
		return
	}
	out.PhotoURL = result.PhotoURL
	out.MatchedKeywords = result.MatchedKeywords
	out.MatchedFraction = result.MatchedFraction
	out.Description = result.Description
	out.Suggestions = result.Suggestions
}
