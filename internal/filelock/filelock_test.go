package filelock

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLockUnlock(t *testing.T) {
	lock := NewFileLock(filepath.Join(t.TempDir(), "record.lock"))

	if err := lock.Lock(); err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if err := lock.Unlock(); err != nil {
		t.Fatalf("Failed to release lock: %v", err)
	}
}

func TestTryLock_HeldElsewhere(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "record.lock")

	holder := NewFileLock(lockPath)
	if err := holder.Lock(); err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer holder.Unlock()

	other := NewFileLock(lockPath)
	acquired, err := other.TryLock()
	if err != nil {
		t.Fatalf("TryLock returned error: %v", err)
	}
	if acquired {
		t.Fatal("TryLock should fail while another handle holds the lock")
	}
}

func TestLockContext_TimesOut(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "record.lock")

	holder := NewFileLock(lockPath)
	if err := holder.Lock(); err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer holder.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := NewFileLock(lockPath).LockContext(ctx); err == nil {
		t.Fatal("expected LockContext to fail while lock is held")
	}
}

func TestAtomicWrite_CreatesDirectoryAndReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records", "task-1.json")

	if err := AtomicWrite(path, []byte(`{"status":"start_countdown"}`)); err != nil {
		t.Fatalf("AtomicWrite failed: %v", err)
	}
	if err := AtomicWrite(path, []byte(`{"status":"task_countdown"}`)); err != nil {
		t.Fatalf("AtomicWrite overwrite failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != `{"status":"task_countdown"}` {
		t.Errorf("unexpected content %s", data)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestWithLock_SerializesReadModifyWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counter.json")
	if err := AtomicWrite(path, []byte("0")); err != nil {
		t.Fatal(err)
	}

	const goroutines = 8
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			err := WithLock(path, func() error {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				var n int
				if err := json.Unmarshal(data, &n); err != nil {
					return err
				}
				out, _ := json.Marshal(n + 1)
				return AtomicWrite(path, out)
			})
			if err != nil {
				t.Errorf("WithLock: %v", err)
			}
		}()
	}
	wg.Wait()

	data, err := ReadLocked(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "8" {
		t.Errorf("expected counter 8, got %s", data)
	}
}

func TestLockAndWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")

	if err := LockAndWrite(path, []byte("[]")); err != nil {
		t.Fatalf("LockAndWrite failed: %v", err)
	}
	data, err := ReadLocked(path)
	if err != nil {
		t.Fatalf("ReadLocked failed: %v", err)
	}
	if string(data) != "[]" {
		t.Errorf("unexpected content %s", data)
	}
}
