package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/harrison/taskproof/internal/models"
)

// Writes that still hit a lock after busy_timeout are retried this often.
const (
	writeRetries    = 5
	writeRetryDelay = 20 * time.Millisecond
)

// SQLiteStore is the default Backend.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore opens (creating if needed) the database at dbPath and migrates it.
// ":memory:" gives a private in-memory database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := dbPath
	if dbPath != ":memory:" {
		// Pragmas below only reach one pooled connection; the DSN applies to all of them.
		dsn = "file:" + dbPath + "?_busy_timeout=5000&_txlock=immediate"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	// busy_timeout first so the remaining pragmas wait on locks.
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, dbPath: dbPath}
	if err := s.ApplyMigrations(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return s, nil
}

// execWithRetry retries "database is locked" failures with exponential backoff.
func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	return retryLocked(context.Background(), maxRetries, baseDelay, func() error {
		_, err := db.Exec(stmt)
		return err
	})
}

// retryLocked runs fn until it succeeds, fails for another reason, or runs
// out of attempts.
func retryLocked(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(baseDelay * time.Duration(1<<attempt)):
		}
	}
	return lastErr
}

// exec runs a single write statement, retrying while the database is locked.
func (s *SQLiteStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var res sql.Result
	err := retryLocked(ctx, writeRetries, writeRetryDelay, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

// PutTask inserts or replaces a task.
func (s *SQLiteStore) PutTask(ctx context.Context, task *models.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("put task: %w", err)
	}
	attachments, err := json.Marshal(nonNil(task.Attachments))
	if err != nil {
		return fmt.Errorf("marshal attachments: %w", err)
	}
	status := task.Status
	if status == "" {
		status = models.TaskPending
	}

	query := `INSERT INTO tasks
		(id, title, scheduled_start, scheduled_end, duration_minutes, gold_reward, status, started_at, completed_at, attachments)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			scheduled_start = excluded.scheduled_start,
			scheduled_end = excluded.scheduled_end,
			duration_minutes = excluded.duration_minutes,
			gold_reward = excluded.gold_reward,
			status = excluded.status,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			attachments = excluded.attachments`

	_, err = s.exec(ctx, query,
		task.ID, task.Title, formatTime(task.ScheduledStart), formatTime(task.ScheduledEnd),
		task.DurationMinutes, task.GoldReward, string(status),
		formatTimePtr(task.StartedAt), formatTimePtr(task.CompletedAt), string(attachments))
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", task.ID, err)
	}
	return nil
}

const taskColumns = `id, title, scheduled_start, scheduled_end, duration_minutes, gold_reward, status, started_at, completed_at, attachments`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		t                        models.Task
		start, end, status, atts string
		startedAt, completedAt   sql.NullString
	)
	if err := row.Scan(&t.ID, &t.Title, &start, &end, &t.DurationMinutes, &t.GoldReward,
		&status, &startedAt, &completedAt, &atts); err != nil {
		return nil, err
	}
	var err error
	if t.ScheduledStart, err = parseTime(start); err != nil {
		return nil, fmt.Errorf("parse scheduled_start: %w", err)
	}
	if t.ScheduledEnd, err = parseTime(end); err != nil {
		return nil, fmt.Errorf("parse scheduled_end: %w", err)
	}
	t.Status = models.TaskStatus(status)
	if t.StartedAt, err = parseTimeNull(startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if t.CompletedAt, err = parseTimeNull(completedAt); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	if err := json.Unmarshal([]byte(atts), &t.Attachments); err != nil {
		return nil, fmt.Errorf("unmarshal attachments: %w", err)
	}
	if len(t.Attachments) == 0 {
		t.Attachments = nil
	}
	return &t, nil
}

// GetTask returns the task or ErrNotFound.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// UpdateTask applies a partial update in a transaction and returns the result.
func (s *SQLiteStore) UpdateTask(ctx context.Context, id string, update models.TaskUpdate) (*models.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}

	update.Apply(t)
	attachments, err := json.Marshal(nonNil(t.Attachments))
	if err != nil {
		return nil, fmt.Errorf("marshal attachments: %w", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE tasks SET status = ?, started_at = ?, completed_at = ?, attachments = ? WHERE id = ?`,
		string(t.Status), formatTimePtr(t.StartedAt), formatTimePtr(t.CompletedAt), string(attachments), id)
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit task update: %w", err)
	}
	return t, nil
}

// ListTasks returns all tasks ordered by scheduled start.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY scheduled_start ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// PutVerificationConfig inserts or replaces a task's verification config.
func (s *SQLiteStore) PutVerificationConfig(ctx context.Context, taskID string, cfg models.VerificationConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("put verification config: %w", err)
	}
	startKW, err := json.Marshal(nonNil(cfg.StartKeywords))
	if err != nil {
		return fmt.Errorf("marshal start keywords: %w", err)
	}
	completionKW, err := json.Marshal(nonNil(cfg.CompletionKeywords))
	if err != nil {
		return fmt.Errorf("marshal completion keywords: %w", err)
	}

	_, err = s.exec(ctx, `INSERT INTO verification_configs
		(task_id, enabled, start_keywords, completion_keywords, match_threshold)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			enabled = excluded.enabled,
			start_keywords = excluded.start_keywords,
			completion_keywords = excluded.completion_keywords,
			match_threshold = excluded.match_threshold`,
		taskID, cfg.Enabled, string(startKW), string(completionKW), cfg.MatchThreshold)
	if err != nil {
		return fmt.Errorf("upsert verification config %s: %w", taskID, err)
	}
	return nil
}

// GetVerificationConfig returns the config or ErrNotFound.
func (s *SQLiteStore) GetVerificationConfig(ctx context.Context, taskID string) (*models.VerificationConfig, error) {
	var (
		cfg                 models.VerificationConfig
		startKW, completeKW string
	)
	err := s.db.QueryRowContext(ctx, `SELECT enabled, start_keywords, completion_keywords, match_threshold
		FROM verification_configs WHERE task_id = ?`, taskID).
		Scan(&cfg.Enabled, &startKW, &completeKW, &cfg.MatchThreshold)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("verification config %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get verification config %s: %w", taskID, err)
	}
	if err := json.Unmarshal([]byte(startKW), &cfg.StartKeywords); err != nil {
		return nil, fmt.Errorf("unmarshal start keywords: %w", err)
	}
	if err := json.Unmarshal([]byte(completeKW), &cfg.CompletionKeywords); err != nil {
		return nil, fmt.Errorf("unmarshal completion keywords: %w", err)
	}
	return &cfg, nil
}

// LoadRecord returns the stored record or ErrNotFound.
func (s *SQLiteStore) LoadRecord(ctx context.Context, taskID string) (*models.VerificationRecord, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM verification_records WHERE task_id = ?`, taskID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("verification record %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get verification record %s: %w", taskID, err)
	}
	var rec models.VerificationRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal verification record %s: %w", taskID, err)
	}
	return &rec, nil
}

// SaveRecord upserts the full record. Timestamps inside the blob are RFC 3339.
func (s *SQLiteStore) SaveRecord(ctx context.Context, rec *models.VerificationRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal verification record: %w", err)
	}
	_, err = s.exec(ctx, `INSERT INTO verification_records (task_id, status, version, cycle, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			status = excluded.status,
			version = excluded.version,
			cycle = excluded.cycle,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		rec.TaskID, string(rec.Status), rec.Version, rec.Cycle, string(data), formatTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert verification record %s: %w", rec.TaskID, err)
	}
	return nil
}

// DeleteRecord removes the record. Deleting a missing record is not an error.
func (s *SQLiteStore) DeleteRecord(ctx context.Context, taskID string) error {
	if _, err := s.exec(ctx, `DELETE FROM verification_records WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("delete verification record %s: %w", taskID, err)
	}
	return nil
}

// ListRecords returns every stored record ordered by task id.
func (s *SQLiteStore) ListRecords(ctx context.Context) ([]*models.VerificationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM verification_records ORDER BY task_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query verification records: %w", err)
	}
	defer rows.Close()

	var recs []*models.VerificationRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan verification record: %w", err)
		}
		var rec models.VerificationRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal verification record: %w", err)
		}
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate verification records: %w", err)
	}
	return recs, nil
}

// PostEntry inserts the entry unless (task_id, entry_key) already exists.
func (s *SQLiteStore) PostEntry(ctx context.Context, e models.LedgerEntry) (bool, error) {
	res, err := s.exec(ctx, `INSERT OR IGNORE INTO gold_ledger
		(task_id, entry_key, task_label, kind, amount, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.TaskID, e.Key, e.TaskLabel, string(e.Kind), e.Amount, e.Reason, formatTime(e.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("insert ledger entry %s/%s: %w", e.TaskID, e.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// Entries returns ledger entries in insertion order, optionally for one task.
func (s *SQLiteStore) Entries(ctx context.Context, taskID string) ([]models.LedgerEntry, error) {
	query := `SELECT entry_key, task_id, task_label, kind, amount, reason, created_at FROM gold_ledger`
	var args []interface{}
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var (
			e             models.LedgerEntry
			label         sql.NullString
			kind, created string
		)
		if err := rows.Scan(&e.Key, &e.TaskID, &label, &kind, &e.Amount, &e.Reason, &created); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.TaskLabel = label.String
		e.Kind = models.LedgerKind(kind)
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger: %w", err)
	}
	return entries, nil
}

// Balance returns awards minus penalties.
func (s *SQLiteStore) Balance(ctx context.Context) (int, error) {
	var balance int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(CASE WHEN kind = ? THEN -amount ELSE amount END), 0) FROM gold_ledger`,
		string(models.LedgerPenalty)).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return balance, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimeNull(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
