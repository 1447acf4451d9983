//go:build unix

package db

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestWriteLocker_AcquireRelease(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "shelf.db")
	locker := newWriteLocker(dbPath)

	if err := locker.acquire(500 * time.Millisecond); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	data, err := os.ReadFile(dbPath + lockSuffix)
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	if !strings.Contains(string(data), `"pid"`) {
		t.Errorf("lock file should contain holder info, got %q", data)
	}
	if err := locker.release(); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := locker.release(); err != nil {
		t.Fatalf("second release should be a no-op: %v", err)
	}
}

func TestWriteLocker_Serializes(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "shelf.db")

	const workers, rounds = 4, 8
	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				l := newWriteLocker(dbPath)
				if err := l.acquire(5 * time.Second); err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				l.release()
			}
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("%d holders at once", maxSeen)
	}
}

func TestWriteLocker_TimeoutReportsHolder(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "shelf.db")

	first := newWriteLocker(dbPath)
	if err := first.acquire(500 * time.Millisecond); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer first.release()

	second := newWriteLocker(dbPath)
	start := time.Now()
	err := second.acquire(100 * time.Millisecond)
	if err == nil {
		second.release()
		t.Fatal("expected timeout")
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("gave up after %v, want ~100ms", elapsed)
	}
	if !strings.Contains(err.Error(), "timeout") || !strings.Contains(err.Error(), "pid:") {
		t.Errorf("error should be diagnostic: %v", err)
	}
}

func TestIsProcessAlive(t *testing.T) {
	if !isProcessAlive(os.Getpid()) {
		t.Error("own process reported dead")
	}
	// init exists on every unix; non-root callers get EPERM for it.
	if !isProcessAlive(1) {
		t.Error("pid 1 reported dead")
	}
	if isProcessAlive(0) || isProcessAlive(-1) {
		t.Error("non-positive pids must not count as alive")
	}
}
