package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/taskproof/internal/models"
)

// backends returns a fresh instance of every backend.
func backends(t *testing.T) map[string]Backend {
	t.Helper()

	sqliteStore, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	jsonStore, err := NewJSONStore(t.TempDir())
	require.NoError(t, err)

	all := map[string]Backend{
		BackendSQLite: sqliteStore,
		BackendJSON:   jsonStore,
		BackendMemory: NewMemoryStore(),
	}
	t.Cleanup(func() {
		for _, b := range all {
			b.Close()
		}
	})
	return all
}

func sampleTask() *models.Task {
	start := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	return &models.Task{
		ID:              "task-1",
		Title:           "Morning run",
		ScheduledStart:  start,
		ScheduledEnd:    start.Add(time.Hour),
		DurationMinutes: 60,
		GoldReward:      100,
		Status:          models.TaskPending,
	}
}

func TestBackends_TaskRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.PutTask(ctx, sampleTask()))

			got, err := b.GetTask(ctx, "task-1")
			require.NoError(t, err)
			assert.Equal(t, "Morning run", got.Title)
			assert.True(t, got.ScheduledStart.Equal(sampleTask().ScheduledStart))
			assert.Equal(t, models.TaskPending, got.Status)

			startedAt := time.Date(2026, 10, 19, 9, 1, 30, 0, time.UTC)
			u := models.StatusUpdate(models.TaskInProgress, startedAt)
			u.AddAttachments = []string{"https://photos.example/a.jpg"}
			updated, err := b.UpdateTask(ctx, "task-1", u)
			require.NoError(t, err)
			assert.Equal(t, models.TaskInProgress, updated.Status)

			got, err = b.GetTask(ctx, "task-1")
			require.NoError(t, err)
			require.NotNil(t, got.StartedAt)
			assert.True(t, got.StartedAt.Equal(startedAt))
			assert.Equal(t, []string{"https://photos.example/a.jpg"}, got.Attachments)

			tasks, err := b.ListTasks(ctx)
			require.NoError(t, err)
			assert.Len(t, tasks, 1)

			_, err = b.GetTask(ctx, "missing")
			assert.True(t, IsNotFound(err))
			_, err = b.UpdateTask(ctx, "missing", u)
			assert.True(t, IsNotFound(err))
		})
	}
}

func TestBackends_PutTaskRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := b.PutTask(ctx, &models.Task{ID: "bad"})
			assert.Error(t, err)
		})
	}
}

func TestBackends_VerificationConfig(t *testing.T) {
	ctx := context.Background()
	cfg := models.VerificationConfig{
		Enabled:            true,
		StartKeywords:      []string{"running shoes", "park"},
		CompletionKeywords: []string{"finish"},
		MatchThreshold:     0.5,
	}
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.GetVerificationConfig(ctx, "task-1")
			assert.True(t, IsNotFound(err))

			require.NoError(t, b.PutVerificationConfig(ctx, "task-1", cfg))
			got, err := b.GetVerificationConfig(ctx, "task-1")
			require.NoError(t, err)
			assert.Equal(t, cfg, *got)
		})
	}
}

func TestBackends_RecordLifecycle(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	deadline := now.Add(2 * time.Minute)

	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			rec := models.NewVerificationRecord("task-1", models.VerificationConfig{StartKeywords: []string{"shoes"}}, now)
			rec.Status = models.StatusStartCountdown
			rec.StartDeadline = &deadline
			rec.StartTimeoutCount = 2
			rec.Pending = []models.LedgerEntry{{Key: "c1:start-timeout:2", TaskID: "task-1", Kind: models.LedgerPenalty, Amount: 20}}
			require.NoError(t, b.SaveRecord(ctx, rec))

			got, err := b.LoadRecord(ctx, "task-1")
			require.NoError(t, err)
			assert.Equal(t, models.StatusStartCountdown, got.Status)
			require.NotNil(t, got.StartDeadline)
			assert.True(t, got.StartDeadline.Equal(deadline), "deadline survives a restart")
			assert.Equal(t, 2, got.StartTimeoutCount)
			require.Len(t, got.Pending, 1)
			assert.Equal(t, 20, got.Pending[0].Amount)

			rec.Status = models.StatusTaskCountdown
			rec.Version++
			require.NoError(t, b.SaveRecord(ctx, rec))
			recs, err := b.ListRecords(ctx)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, models.StatusTaskCountdown, recs[0].Status)

			require.NoError(t, b.DeleteRecord(ctx, "task-1"))
			require.NoError(t, b.DeleteRecord(ctx, "task-1"), "deleting twice is fine")
			_, err = b.LoadRecord(ctx, "task-1")
			assert.True(t, IsNotFound(err))
		})
	}
}

func TestBackends_LedgerIsIdempotent(t *testing.T) {
	ctx := context.Background()
	award := models.LedgerEntry{Key: "c1:start-reward", TaskID: "task-1", TaskLabel: "Morning run",
		Kind: models.LedgerAward, Amount: 50, Reason: models.ReasonStartReward, CreatedAt: time.Now().UTC()}
	penalty := models.LedgerEntry{Key: "c1:start-timeout:1", TaskID: "task-1", TaskLabel: "Morning run",
		Kind: models.LedgerPenalty, Amount: 10, Reason: models.ReasonStartTimeout, CreatedAt: time.Now().UTC()}

	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			applied, err := b.PostEntry(ctx, award)
			require.NoError(t, err)
			assert.True(t, applied)

			applied, err = b.PostEntry(ctx, award)
			require.NoError(t, err)
			assert.False(t, applied, "same key is applied once")

			applied, err = b.PostEntry(ctx, penalty)
			require.NoError(t, err)
			assert.True(t, applied)

			other := award
			other.TaskID = "task-2"
			applied, err = b.PostEntry(ctx, other)
			require.NoError(t, err)
			assert.True(t, applied, "keys are scoped per task")

			balance, err := b.Balance(ctx)
			require.NoError(t, err)
			assert.Equal(t, 50-10+50, balance)

			entries, err := b.Entries(ctx, "task-1")
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, "c1:start-reward", entries[0].Key)
			assert.Equal(t, models.LedgerPenalty, entries[1].Kind)
		})
	}
}

func TestSQLiteStore_ConcurrentPostEntry(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "concurrent.db"))
	require.NoError(t, err)
	defer s.Close()

	entry := models.LedgerEntry{Key: "c1:completion-reward", TaskID: "task-1", Kind: models.LedgerAward,
		Amount: 160, Reason: models.ReasonCompletionReward, CreatedAt: time.Now().UTC()}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.PostEntry(ctx, entry)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	balance, err := s.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 160, balance)
}

func TestSQLiteStore_InMemory(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.PutTask(context.Background(), sampleTask()))
	_, err = s.GetTask(context.Background(), "task-1")
	assert.NoError(t, err)
}

func TestApplyMigrations_Idempotent(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "migrate.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.ApplyMigrations(ctx))

	versions, err := s.GetAppliedVersions(ctx)
	require.NoError(t, err)
	require.Len(t, versions, len(migrations))
	for i, v := range versions {
		assert.Equal(t, migrations[i].Version, v.Version)
	}
	require.NoError(t, s.Close())

	// Reopening the same file re-runs nothing.
	s, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()
	latest, err := s.GetLatestVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, migrations[len(migrations)-1].Version, latest)
}

func TestJSONStore_EscapesIDs(t *testing.T) {
	dir := t.TempDir()
	s, err := NewJSONStore(dir)
	require.NoError(t, err)

	task := sampleTask()
	task.ID = "../escape"
	require.NoError(t, s.PutTask(context.Background(), task))

	assert.FileExists(t, filepath.Join(dir, "tasks", "..%2Fescape.json"))
	got, err := s.GetTask(context.Background(), "../escape")
	require.NoError(t, err)
	assert.Equal(t, "../escape", got.ID)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{BackendSQLite, BackendJSON, BackendMemory} {
		b, err := Open(name, dir)
		require.NoError(t, err, name)
		b.Close()
	}
	_, err := Open("redis", dir)
	assert.Error(t, err)
}

func TestRetryLocked(t *testing.T) {
	locked := errors.New("database is locked")
	constraint := errors.New("UNIQUE constraint failed")

	tests := []struct {
		name      string
		failures  int
		err       error
		wantCalls int
		wantErr   error
	}{
		{"succeeds after lock clears", 2, locked, 3, nil},
		{"other errors are not retried", 1, constraint, 1, constraint},
		{"gives up after max retries", 10, locked, 3, locked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := retryLocked(context.Background(), 3, time.Millisecond, func() error {
				calls++
				if calls <= tt.failures {
					return tt.err
				}
				return nil
			})
			assert.Equal(t, tt.wantCalls, calls)
			assert.Equal(t, tt.wantErr, err)
		})
	}
}

func TestSQLiteStore_PostEntryWaitsForWriter(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "locked.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()
	other, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer other.Close()

	tx, err := other.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = tx.ExecContext(ctx, `DELETE FROM verification_records WHERE task_id = 'none'`)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.PostEntry(ctx, models.LedgerEntry{Key: "c1:start-reward", TaskID: "task-1",
			Kind: models.LedgerAward, Amount: 50, Reason: models.ReasonStartReward, CreatedAt: time.Now().UTC()})
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, tx.Commit())
	require.NoError(t, <-done)

	balance, err := s.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, balance)
}
