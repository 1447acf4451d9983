package db

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

const (
	lockSuffix        = ".lock"
	writeLockTimeout  = 2 * time.Second
	schemaLockTimeout = 10 * time.Second
	initialBackoff    = 5 * time.Millisecond
	maxBackoff        = 50 * time.Millisecond
)

// writeLocker serializes writers across processes sharing one database
// file using an OS file lock next to it. The OS drops the lock when the
// holder exits, crashes included.
type writeLocker struct {
	path string
	file *os.File
}

// lockHolder is written into the lock file for diagnostics.
type lockHolder struct {
	PID   int    `json:"pid"`
	Since string `json:"since"`
}

func newWriteLocker(dbPath string) *writeLocker {
	return &writeLocker{path: dbPath + lockSuffix}
}

// acquire takes the exclusive lock, retrying with capped exponential
// backoff until timeout.
func (l *writeLocker) acquire(timeout time.Duration) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	l.file = f

	deadline := time.Now().Add(timeout)
	backoff := initialBackoff
	for {
		if err := l.tryLock(); err == nil {
			l.writeHolder()
			return nil
		}
		if time.Now().After(deadline) {
			holder := l.readHolder()
			l.file.Close()
			l.file = nil
			return fmt.Errorf("write lock timeout after %v (holder: %s)", timeout, holder)
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (l *writeLocker) release() error {
	if l.file == nil {
		return nil
	}
	l.file.Truncate(0)
	l.unlock()
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *writeLocker) writeHolder() {
	if l.file == nil {
		return
	}
	l.file.Truncate(0)
	l.file.Seek(0, 0)
	json.NewEncoder(l.file).Encode(lockHolder{PID: os.Getpid(), Since: time.Now().Format(time.RFC3339)})
	l.file.Sync()
}

func (l *writeLocker) readHolder() string {
	data, err := os.ReadFile(l.path)
	if err != nil || len(data) == 0 {
		return "unknown"
	}
	var h lockHolder
	if err := json.Unmarshal(data, &h); err != nil || h.PID == 0 {
		return "unknown"
	}
	if !isProcessAlive(h.PID) {
		return fmt.Sprintf("pid:%d since %s (stale, process gone)", h.PID, h.Since)
	}
	return fmt.Sprintf("pid:%d since %s", h.PID, h.Since)
}
