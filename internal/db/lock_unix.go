//go:build unix

package db

import (
	"errors"

	"golang.org/x/sys/unix"
)

// tryLock takes a non-blocking exclusive flock, retrying when a signal
// interrupts the call.
func (l *writeLocker) tryLock() error {
	for {
		err := unix.Flock(int(l.file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

func (l *writeLocker) unlock() {
	if l.file != nil {
		_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	}
}

// isProcessAlive reports whether pid exists. EPERM means the process is
// there but owned by another user, so its lock is still live.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
