//go:build !unix

package prune

import (
	"errors"
	"fmt"
	"os"
)

type RunLock struct {
	path string
	held bool
}

func NewRunLock(path string) *RunLock {
	return &RunLock{path: path}
}

func (l *RunLock) TryLock() error {
	if l == nil || l.path == "" {
		return nil
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrRunInProgress
		}
		return fmt.Errorf("open run lock: %w", err)
	}
	l.held = true
	return f.Close()
}

func (l *RunLock) Unlock() error {
	if l == nil || !l.held {
		return nil
	}
	l.held = false
	return os.Remove(l.path)
}
