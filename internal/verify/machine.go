// Package verify implements the per-task verification state machine.
//
// Each enabled task moves through waiting_start, start_countdown,
// uploading_start, task_countdown, uploading_complete and completed (or
// failed). Deadlines are stored as absolute times and every entry point
// evaluates them against the clock before acting, so remaining time is
// correct after the process was suspended or restarted.
//
// Gold side effects are written to the record's pending outbox in the same
// save as the transition that caused them, then flushed to the ledger under
// a per-cycle idempotency key. Replaying a transition after a crash can never
// double-charge or double-pay.
package verify

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/harrison/taskproof/internal/clock"
	"github.com/harrison/taskproof/internal/logger"
	"github.com/harrison/taskproof/internal/metrics"
	"github.com/harrison/taskproof/internal/models"
	"github.com/harrison/taskproof/internal/reward"
	"github.com/harrison/taskproof/internal/store"
)

// waitingRetry is how long to wait before re-reading a task whose start time is unknown.
const waitingRetry = time.Minute

// Deps are the collaborators of a Machine. Notifier, Scheduler, Clock and
// Logger are optional.
type Deps struct {
	Tasks     TaskStore
	Configs   ConfigStore
	Records   RecordStore
	Ledger    Ledger
	Verifier  Verifier
	Notifier  Notifier
	Scheduler Scheduler
	Clock     clock.Clock
	Logger    logger.Logger
}

// entry is the in-memory state of one task. mu serializes every transition
// of the task; the pipeline runs with mu released.
type entry struct {
	mu      sync.Mutex
	removed bool
	rec     *models.VerificationRecord
	task    *models.Task

	// in-flight submission
	attempt      string
	prior        models.VerificationStatus
	cancel       context.CancelFunc
	submittedAt  time.Time
	withinWindow bool

	// ending warnings already sent for warnedFor
	warnedFor time.Time
	warned    map[time.Duration]bool
}

// Machine owns all verification records of one process.
type Machine struct {
	tasks    TaskStore
	configs  ConfigStore
	records  RecordStore
	ledger   Ledger
	verifier Verifier
	notifier Notifier
	sched    Scheduler
	clk      clock.Clock
	log      logger.Logger
	settings Settings

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a Machine. Call Recover before serving requests.
func New(deps Deps, settings Settings) *Machine {
	m := &Machine{
		tasks:    deps.Tasks,
		configs:  deps.Configs,
		records:  deps.Records,
		ledger:   deps.Ledger,
		verifier: deps.Verifier,
		notifier: deps.Notifier,
		sched:    deps.Scheduler,
		clk:      deps.Clock,
		log:      logger.OrNop(deps.Logger),
		settings: settings.withDefaults(),
		entries:  make(map[string]*entry),
	}
	if m.notifier == nil {
		m.notifier = nopNotifier{}
	}
	if m.sched == nil {
		m.sched = nopScheduler{}
	}
	if m.clk == nil {
		m.clk = clock.System{}
	}
	return m
}

// Settings returns the effective settings.
func (m *Machine) Settings() Settings {
	return m.settings
}

func (m *Machine) now() time.Time {
	return m.clk.Now()
}

// acquire returns the locked entry for a task, loading or creating its record.
func (m *Machine) acquire(ctx context.Context, taskID string) (*entry, error) {
	for {
		m.mu.Lock()
		e, ok := m.entries[taskID]
		if !ok {
			e = &entry{}
			m.entries[taskID] = e
		}
		m.mu.Unlock()

		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		if e.rec != nil {
			return e, nil
		}
		rec, err := m.load(ctx, taskID)
		if err != nil {
			m.remove(e, taskID)
			e.mu.Unlock()
			return nil, err
		}
		e.rec = rec
		m.updateGauges()
		return e, nil
	}
}

// remove drops an entry from the map. Caller holds e.mu.
func (m *Machine) remove(e *entry, taskID string) {
	e.removed = true
	m.mu.Lock()
	if m.entries[taskID] == e {
		delete(m.entries, taskID)
	}
	m.mu.Unlock()
	m.updateGauges()
}

func (m *Machine) updateGauges() {
	m.mu.Lock()
	n := len(m.entries)
	m.mu.Unlock()
	metrics.ActiveRecords.Set(float64(n))
}

// load reads a record, creating one for an enabled task that has none.
// Storage failures fall back to an unsaved waiting_start record.
func (m *Machine) load(ctx context.Context, taskID string) (*models.VerificationRecord, error) {
	rec, err := m.records.LoadRecord(ctx, taskID)
	if err == nil {
		return rec, nil
	}
	if !store.IsNotFound(err) {
		metrics.PersistenceErrors.WithLabelValues("load").Inc()
		m.log.Warnf("task %s: load record: %v (continuing from waiting_start)", taskID, err)
		cfg, cerr := m.configs.GetVerificationConfig(ctx, taskID)
		if cerr != nil {
			cfg = &models.VerificationConfig{Enabled: true}
		}
		rec = models.NewVerificationRecord(taskID, *cfg, m.now())
		// The unreadable record may hold the latest cycle, so skip past it.
		if n, lerr := m.nextCycle(ctx, taskID); lerr == nil {
			rec.Cycle = n + 1
		} else {
			// Nothing to compare against; a clock-derived cycle cannot collide.
			m.log.Warnf("task %s: read ledger: %v", taskID, lerr)
			rec.Cycle = int(m.now().Unix())
		}
		return rec, nil
	}

	cfg, err := m.configs.GetVerificationConfig(ctx, taskID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, newError(KindNotEnabled, taskID, "verification is not enabled", nil)
		}
		return nil, newError(KindPersistence, taskID, "read verification config", err)
	}
	if !cfg.Enabled {
		return nil, newError(KindNotEnabled, taskID, "verification is not enabled", nil)
	}
	rec = models.NewVerificationRecord(taskID, *cfg, m.now())
	if t, err := m.tasks.GetTask(ctx, taskID); err == nil && t.IsCompleted() {
		// Finished cycles are not persisted; report them without starting over.
		rec.Status = models.StatusCompleted
		return rec, nil
	}
	n, err := m.nextCycle(ctx, taskID)
	if err != nil {
		metrics.PersistenceErrors.WithLabelValues("load").Inc()
		return nil, newError(KindPersistence, taskID, "read ledger history", err)
	}
	rec.Cycle = n
	rec.Version = 0
	m.persistRecord(ctx, rec)
	return rec, nil
}

// nextCycle returns the first cycle whose ledger keys are unused for the task.
// Cycles survive Disable, which deletes the record but not its gold.
func (m *Machine) nextCycle(ctx context.Context, taskID string) (int, error) {
	entries, err := m.ledger.Entries(ctx, taskID)
	if err != nil {
		return 0, err
	}
	last := 0
	for _, en := range entries {
		if n, ok := models.KeyCycle(en.Key); ok && n > last {
			last = n
		}
	}
	return last + 1, nil
}

// persist saves the entry's record. Failures are logged and survived.
func (m *Machine) persist(ctx context.Context, e *entry) {
	m.persistRecord(ctx, e.rec)
}

func (m *Machine) persistRecord(ctx context.Context, rec *models.VerificationRecord) {
	rec.Version++
	rec.UpdatedAt = m.now()
	if err := m.records.SaveRecord(context.WithoutCancel(ctx), rec.Clone()); err != nil {
		metrics.PersistenceErrors.WithLabelValues("save").Inc()
		m.log.Warnf("task %s: save record: %v", rec.TaskID, err)
	}
}

// transition changes status, logs it and counts it.
func (m *Machine) transition(e *entry, to models.VerificationStatus, reason string) {
	from := e.rec.Status
	e.rec.Status = to
	m.log.LogTransition(e.rec.TaskID, from, to, reason)
	metrics.Transitions.WithLabelValues(string(to)).Inc()
}

// task returns the cached task, reading it on first use. It never returns nil.
func (m *Machine) task(ctx context.Context, e *entry) *models.Task {
	if e.task != nil {
		return e.task
	}
	t, err := m.tasks.GetTask(ctx, e.rec.TaskID)
	if err != nil {
		m.log.Warnf("task %s: read task: %v", e.rec.TaskID, err)
		return &models.Task{ID: e.rec.TaskID}
	}
	e.task = t
	return t
}

func (m *Machine) updateTask(ctx context.Context, e *entry, update models.TaskUpdate) {
	t, err := m.tasks.UpdateTask(context.WithoutCancel(ctx), e.rec.TaskID, update)
	if err != nil {
		metrics.PersistenceErrors.WithLabelValues("task").Inc()
		m.log.Warnf("task %s: update task: %v", e.rec.TaskID, err)
		if e.task != nil {
			update.Apply(e.task)
		}
		return
	}
	e.task = t
}

func (m *Machine) baseGold(ctx context.Context, e *entry) int {
	t := m.task(ctx, e)
	return reward.BaseGold(t.GoldReward, t.DurationMinutes)
}

func (m *Machine) threshold(rec *models.VerificationRecord, phase models.Phase) float64 {
	if rec.MatchThreshold > 0 {
		return rec.MatchThreshold
	}
	if phase == models.PhaseStart {
		return m.settings.StartThreshold
	}
	return m.settings.CompletionThreshold
}

// schedule arms the next wake-up for the entry. Caller holds e.mu.
func (m *Machine) schedule(ctx context.Context, e *entry) {
	if e.removed {
		m.sched.Unschedule(e.rec.TaskID)
		return
	}
	if at, ok := m.nextWake(ctx, e); ok {
		m.sched.Schedule(e.rec.TaskID, at)
		return
	}
	m.sched.Unschedule(e.rec.TaskID)
}

func (m *Machine) nextWake(ctx context.Context, e *entry) (time.Time, bool) {
	rec := e.rec
	switch rec.Status {
	case models.StatusWaitingStart:
		t := m.task(ctx, e)
		if t.ScheduledStart.IsZero() {
			return m.now().Add(waitingRetry), true
		}
		return t.ScheduledStart, true
	case models.StatusStartCountdown:
		if rec.StartDeadline == nil {
			return time.Time{}, false
		}
		return *rec.StartDeadline, true
	case models.StatusTaskCountdown:
		if rec.TaskDeadline == nil {
			return time.Time{}, false
		}
		next := *rec.TaskDeadline
		now := m.now()
		for _, th := range m.settings.EndingWarnings {
			at := rec.TaskDeadline.Add(-th)
			if e.warnedFor.Equal(*rec.TaskDeadline) && e.warned[th] {
				continue
			}
			if at.After(now) && at.Before(next) {
				next = at
			}
		}
		return next, true
	default:
		return time.Time{}, false
	}
}

// Recover loads every persisted record. Submissions interrupted by a crash
// are reverted to their countdown without penalty, outboxes are flushed and
// expired deadlines are evaluated.
func (m *Machine) Recover(ctx context.Context) error {
	recs, err := m.records.ListRecords(ctx)
	if err != nil {
		return newError(KindPersistence, "", "list records", err)
	}
	for _, rec := range recs {
		m.mu.Lock()
		e, ok := m.entries[rec.TaskID]
		if !ok {
			e = &entry{rec: rec}
			m.entries[rec.TaskID] = e
		}
		m.mu.Unlock()

		e.mu.Lock()
		if e.rec.Status.IsUploading() && e.attempt == "" {
			to := models.StatusStartCountdown
			if e.rec.Status == models.StatusUploadingComplete {
				to = models.StatusTaskCountdown
			}
			m.transition(e, to, "recovered interrupted upload")
			m.persist(ctx, e)
		}
		m.advance(ctx, e)
		m.schedule(ctx, e)
		e.mu.Unlock()
	}
	m.updateGauges()
	m.log.Infof("recovered %d verification record(s)", len(recs))
	return nil
}

// Tick evaluates deadlines for one task. It is the scheduler handler.
func (m *Machine) Tick(ctx context.Context, taskID string) error {
	e, err := m.acquire(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrNotEnabled) {
			m.sched.Unschedule(taskID)
			return nil
		}
		return err
	}
	defer e.mu.Unlock()
	m.advance(ctx, e)
	m.schedule(ctx, e)
	return nil
}

// Sweep ticks every tracked task. It backs up the precise scheduler and
// retries outbox flushes.
func (m *Machine) Sweep(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)

	pending := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		if err := m.Tick(ctx, id); err != nil {
			m.log.Warnf("sweep task %s: %v", id, err)
			continue
		}
		m.mu.Lock()
		e, ok := m.entries[id]
		m.mu.Unlock()
		if ok {
			e.mu.Lock()
			if e.rec != nil {
				pending += len(e.rec.Pending)
			}
			e.mu.Unlock()
		}
	}
	metrics.PendingLedgerEntries.Set(float64(pending))
}

// Snapshot evaluates deadlines and returns the task's current state.
func (m *Machine) Snapshot(ctx context.Context, taskID string) (*Status, error) {
	e, err := m.acquire(ctx, taskID)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	if !e.rec.Status.IsUploading() {
		m.advance(ctx, e)
		m.schedule(ctx, e)
	}
	return m.status(e), nil
}

// Snapshots returns the state of every tracked task ordered by task id.
func (m *Machine) Snapshots(ctx context.Context) []*Status {
	m.mu.Lock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)

	out := make([]*Status, 0, len(ids))
	for _, id := range ids {
		st, err := m.Snapshot(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out
}

func (m *Machine) status(e *entry) *Status {
	rec := e.rec.Clone()
	st := &Status{Record: rec, Uploading: rec.Status.IsUploading()}
	if dl := rec.ActiveDeadline(); dl != nil {
		st.ActiveDeadline = dl
		st.Remaining = clock.Remaining(dl, m.now())
		st.RemainingSeconds = int(st.Remaining / time.Second)
	}
	return st
}

// Enable turns verification on for a task and creates its record.
// Re-enabling an idle task refreshes its keywords.
func (m *Machine) Enable(ctx context.Context, taskID string, cfg models.VerificationConfig) (*Status, error) {
	cfg.Enabled = true
	if err := cfg.Validate(); err != nil {
		return nil, newError(KindInvalidState, taskID, "invalid verification config", err)
	}
	task, err := m.tasks.GetTask(ctx, taskID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, newError(KindNotFound, taskID, "task not found", err)
		}
		return nil, newError(KindPersistence, taskID, "read task", err)
	}
	if err := m.configs.PutVerificationConfig(ctx, taskID, cfg); err != nil {
		return nil, newError(KindPersistence, taskID, "save verification config", err)
	}

	e, err := m.acquire(ctx, taskID)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	e.task = task
	if e.rec.Status == models.StatusWaitingStart {
		e.rec.StartKeywords = append([]string(nil), cfg.StartKeywords...)
		e.rec.CompletionKeywords = append([]string(nil), cfg.CompletionKeywords...)
		e.rec.MatchThreshold = cfg.MatchThreshold
		m.persist(ctx, e)
	}
	m.log.Infof("task %s: verification enabled (%d start, %d completion keywords)",
		taskID, len(cfg.StartKeywords), len(cfg.CompletionKeywords))
	m.advance(ctx, e)
	m.schedule(ctx, e)
	return m.status(e), nil
}

// Disable turns verification off and discards the record once its gold
// has been flushed. A running upload must finish or be canceled first.
func (m *Machine) Disable(ctx context.Context, taskID string) error {
	cfg, err := m.configs.GetVerificationConfig(ctx, taskID)
	if err != nil {
		if store.IsNotFound(err) {
			return newError(KindNotEnabled, taskID, "verification is not enabled", nil)
		}
		return newError(KindPersistence, taskID, "read verification config", err)
	}

	e, err := m.acquire(ctx, taskID)
	if err != nil && !errors.Is(err, ErrNotEnabled) {
		return err
	}
	if e != nil {
		defer e.mu.Unlock()
		if e.rec.Status.IsUploading() {
			return newError(KindUploadInProgress, taskID, "a photo is already being verified", nil)
		}
		m.flush(ctx, e)
		if len(e.rec.Pending) > 0 {
			return newError(KindPersistence, taskID, "gold entries not yet recorded, try again", nil)
		}
	}

	cfg.Enabled = false
	if err := m.configs.PutVerificationConfig(ctx, taskID, *cfg); err != nil {
		return newError(KindPersistence, taskID, "save verification config", err)
	}
	if e != nil {
		if err := m.records.DeleteRecord(ctx, taskID); err != nil && !store.IsNotFound(err) {
			metrics.PersistenceErrors.WithLabelValues("delete").Inc()
			m.log.Warnf("task %s: delete record: %v", taskID, err)
		}
		m.remove(e, taskID)
		m.sched.Unschedule(taskID)
	}
	m.log.Infof("task %s: verification disabled", taskID)
	return nil
}

// OpenStartWindow opens the start countdown ahead of the scheduled start.
func (m *Machine) OpenStartWindow(ctx context.Context, taskID string) (*Status, error) {
	e, err := m.acquire(ctx, taskID)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	m.advance(ctx, e)
	if e.rec.Status != models.StatusWaitingStart {
		return nil, newError(KindInvalidState, taskID, "start window is only opened from "+string(models.StatusWaitingStart)+", task is "+string(e.rec.Status), nil)
	}
	m.openStartWindow(ctx, e, m.now(), "opened by owner")
	m.schedule(ctx, e)
	return m.status(e), nil
}

// Restart begins a new cycle for a failed task. Gold already applied stays.
func (m *Machine) Restart(ctx context.Context, taskID string) (*Status, error) {
	e, err := m.acquire(ctx, taskID)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	if e.rec.Status != models.StatusFailed {
		return nil, newError(KindInvalidState, taskID, "only failed tasks can be restarted, task is "+string(e.rec.Status), nil)
	}

	cfg := models.VerificationConfig{
		StartKeywords:      e.rec.StartKeywords,
		CompletionKeywords: e.rec.CompletionKeywords,
		MatchThreshold:     e.rec.MatchThreshold,
	}
	if c, err := m.configs.GetVerificationConfig(ctx, taskID); err == nil {
		cfg = *c
	}
	old := e.rec
	rec := models.NewVerificationRecord(taskID, cfg, m.now())
	rec.Cycle = old.Cycle + 1
	rec.Version = old.Version
	rec.Status = old.Status
	rec.Pending = old.Pending
	e.rec = rec
	e.task = nil
	e.warned = nil
	m.transition(e, models.StatusWaitingStart, "restarted")
	m.persist(ctx, e)
	m.flush(ctx, e)
	m.advance(ctx, e)
	m.schedule(ctx, e)
	return m.status(e), nil
}
