package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/harrison/taskproof/internal/models"
)

// MemoryStore keeps everything in process memory. Values are cloned on the way in and out.
type MemoryStore struct {
	mu      sync.RWMutex
	tasks   map[string]*models.Task
	configs map[string]models.VerificationConfig
	records map[string]*models.VerificationRecord
	ledger  []models.LedgerEntry
	keys    map[string]bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:   make(map[string]*models.Task),
		configs: make(map[string]models.VerificationConfig),
		records: make(map[string]*models.VerificationRecord),
		keys:    make(map[string]bool),
	}
}

func (m *MemoryStore) PutTask(_ context.Context, task *models.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("put task: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = task.Clone()
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, id string) (*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t.Clone(), nil
}

func (m *MemoryStore) UpdateTask(_ context.Context, id string, update models.TaskUpdate) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	update.Apply(t)
	return t.Clone(), nil
}

func (m *MemoryStore) ListTasks(_ context.Context) ([]*models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.Clone())
	}
	sortTasks(out)
	return out, nil
}

func (m *MemoryStore) PutVerificationConfig(_ context.Context, taskID string, cfg models.VerificationConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("put verification config: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg.StartKeywords = append([]string(nil), cfg.StartKeywords...)
	cfg.CompletionKeywords = append([]string(nil), cfg.CompletionKeywords...)
	m.configs[taskID] = cfg
	return nil
}

func (m *MemoryStore) GetVerificationConfig(_ context.Context, taskID string) (*models.VerificationConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[taskID]
	if !ok {
		return nil, fmt.Errorf("verification config %s: %w", taskID, ErrNotFound)
	}
	cfg.StartKeywords = append([]string(nil), cfg.StartKeywords...)
	cfg.CompletionKeywords = append([]string(nil), cfg.CompletionKeywords...)
	return &cfg, nil
}

func (m *MemoryStore) LoadRecord(_ context.Context, taskID string) (*models.VerificationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[taskID]
	if !ok {
		return nil, fmt.Errorf("verification record %s: %w", taskID, ErrNotFound)
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) SaveRecord(_ context.Context, rec *models.VerificationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.TaskID] = rec.Clone()
	return nil
}

func (m *MemoryStore) DeleteRecord(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, taskID)
	return nil
}

func (m *MemoryStore) ListRecords(_ context.Context) ([]*models.VerificationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.VerificationRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r.Clone())
	}
	sortRecords(out)
	return out, nil
}

func (m *MemoryStore) PostEntry(_ context.Context, entry models.LedgerEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := entry.TaskID + "/" + entry.Key
	if m.keys[k] {
		return false, nil
	}
	m.keys[k] = true
	m.ledger = append(m.ledger, entry)
	return true, nil
}

func (m *MemoryStore) Entries(_ context.Context, taskID string) ([]models.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterEntries(m.ledger, taskID), nil
}

func (m *MemoryStore) Balance(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sumEntries(m.ledger), nil
}

func (m *MemoryStore) Close() error { return nil }

func filterEntries(all []models.LedgerEntry, taskID string) []models.LedgerEntry {
	if taskID == "" {
		return cloneEntries(all)
	}
	var out []models.LedgerEntry
	for _, e := range all {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out
}

func sortTasks(tasks []*models.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].ScheduledStart.Equal(tasks[j].ScheduledStart) {
			return tasks[i].ScheduledStart.Before(tasks[j].ScheduledStart)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

func sortRecords(recs []*models.VerificationRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].TaskID < recs[j].TaskID })
}
