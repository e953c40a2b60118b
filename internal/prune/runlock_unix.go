//go:build unix

package prune

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// RunLock is an advisory lock file shared by every prunebox process on the
// host.
type RunLock struct {
	path string
	f    *os.File
}

func NewRunLock(path string) *RunLock {
	return &RunLock{path: path}
}

// TryLock returns ErrRunInProgress when another process holds the lock.
func (l *RunLock) TryLock() error {
	if l == nil || l.path == "" {
		return nil
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open run lock: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return ErrRunInProgress
		}
		return fmt.Errorf("lock %s: %w", l.path, err)
	}
	l.f = f
	return nil
}

func (l *RunLock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
