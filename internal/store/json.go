package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/harrison/taskproof/internal/filelock"
	"github.com/harrison/taskproof/internal/models"
)

// JSONStore keeps one JSON file per task, config and record under a data directory:
//
//	{dir}/tasks/{id}.json
//	{dir}/configs/{id}.json
//	{dir}/records/{id}.json
//	{dir}/ledger.json
//
// Every write is atomic and every read-modify-write holds the file's flock.
type JSONStore struct {
	dir string
}

// NewJSONStore creates the directory layout under dir.
func NewJSONStore(dir string) (*JSONStore, error) {
	for _, sub := range []string{"tasks", "configs", "records"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("create %s directory: %w", sub, err)
		}
	}
	return &JSONStore{dir: dir}, nil
}

func (s *JSONStore) path(kind, id string) string {
	// Escaping keeps ids like "../x" or "a/b" inside their directory.
	return filepath.Join(s.dir, kind, url.PathEscape(id)+".json")
}

func (s *JSONStore) ledgerPath() string {
	return filepath.Join(s.dir, "ledger.json")
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return filelock.LockAndWrite(path, data)
}

func readJSON(path string, v interface{}) error {
	data, err := filelock.ReadLocked(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", filepath.Base(path), err)
	}
	return nil
}

func removeFile(path string) error {
	err := filelock.WithLock(path, func() error {
		return os.Remove(path)
	})
	os.Remove(path + ".lock")
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// listDir decodes every *.json file in a directory, skipping corrupt files.
func listDir[T any](dir string) ([]*T, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read directory %s: %w", dir, err)
	}
	var out []*T
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" || strings.HasPrefix(name, ".") {
			continue
		}
		var v T
		if err := readJSON(filepath.Join(dir, name), &v); err != nil {
			continue
		}
		out = append(out, &v)
	}
	return out, nil
}

func (s *JSONStore) PutTask(_ context.Context, task *models.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("put task: %w", err)
	}
	t := task.Clone()
	if t.Status == "" {
		t.Status = models.TaskPending
	}
	return writeJSON(s.path("tasks", t.ID), t)
}

func (s *JSONStore) GetTask(_ context.Context, id string) (*models.Task, error) {
	var t models.Task
	if err := readJSON(s.path("tasks", id), &t); err != nil {
		return nil, fmt.Errorf("task %s: %w", id, err)
	}
	return &t, nil
}

func (s *JSONStore) UpdateTask(_ context.Context, id string, update models.TaskUpdate) (*models.Task, error) {
	path := s.path("tasks", id)
	var t models.Task
	err := filelock.WithLock(path, func() error {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return ErrNotFound
			}
			return err
		}
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		update.Apply(&t)
		out, err := json.MarshalIndent(&t, "", "  ")
		if err != nil {
			return err
		}
		return filelock.AtomicWrite(path, out)
	})
	if err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	return &t, nil
}

func (s *JSONStore) ListTasks(_ context.Context) ([]*models.Task, error) {
	tasks, err := listDir[models.Task](filepath.Join(s.dir, "tasks"))
	if err != nil {
		return nil, err
	}
	sortTasks(tasks)
	return tasks, nil
}

func (s *JSONStore) PutVerificationConfig(_ context.Context, taskID string, cfg models.VerificationConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("put verification config: %w", err)
	}
	return writeJSON(s.path("configs", taskID), cfg)
}

func (s *JSONStore) GetVerificationConfig(_ context.Context, taskID string) (*models.VerificationConfig, error) {
	var cfg models.VerificationConfig
	if err := readJSON(s.path("configs", taskID), &cfg); err != nil {
		return nil, fmt.Errorf("verification config %s: %w", taskID, err)
	}
	return &cfg, nil
}

func (s *JSONStore) LoadRecord(_ context.Context, taskID string) (*models.VerificationRecord, error) {
	var rec models.VerificationRecord
	if err := readJSON(s.path("records", taskID), &rec); err != nil {
		return nil, fmt.Errorf("verification record %s: %w", taskID, err)
	}
	return &rec, nil
}

func (s *JSONStore) SaveRecord(_ context.Context, rec *models.VerificationRecord) error {
	if err := writeJSON(s.path("records", rec.TaskID), rec); err != nil {
		return fmt.Errorf("save verification record %s: %w", rec.TaskID, err)
	}
	return nil
}

func (s *JSONStore) DeleteRecord(_ context.Context, taskID string) error {
	if err := removeFile(s.path("records", taskID)); err != nil {
		return fmt.Errorf("delete verification record %s: %w", taskID, err)
	}
	return nil
}

func (s *JSONStore) ListRecords(_ context.Context) ([]*models.VerificationRecord, error) {
	recs, err := listDir[models.VerificationRecord](filepath.Join(s.dir, "records"))
	if err != nil {
		return nil, err
	}
	sortRecords(recs)
	return recs, nil
}

func (s *JSONStore) readLedger() ([]models.LedgerEntry, error) {
	data, err := os.ReadFile(s.ledgerPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var entries []models.LedgerEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// PostEntry appends under the ledger lock so the key check and the write are one step.
func (s *JSONStore) PostEntry(_ context.Context, e models.LedgerEntry) (bool, error) {
	path := s.ledgerPath()
	applied := false
	err := filelock.WithLock(path, func() error {
		entries, err := s.readLedger()
		if err != nil {
			return err
		}
		for _, existing := range entries {
			if existing.TaskID == e.TaskID && existing.Key == e.Key {
				return nil
			}
		}
		data, err := json.MarshalIndent(append(entries, e), "", "  ")
		if err != nil {
			return err
		}
		if err := filelock.AtomicWrite(path, data); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("post ledger entry %s/%s: %w", e.TaskID, e.Key, err)
	}
	return applied, nil
}

func (s *JSONStore) Entries(_ context.Context, taskID string) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	err := filelock.WithLock(s.ledgerPath(), func() error {
		var err error
		entries, err = s.readLedger()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return filterEntries(entries, taskID), nil
}

func (s *JSONStore) Balance(ctx context.Context) (int, error) {
	entries, err := s.Entries(ctx, "")
	if err != nil {
		return 0, err
	}
	return sumEntries(entries), nil
}

func (s *JSONStore) Close() error { return nil }
