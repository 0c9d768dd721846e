package pagedb

import (
	"errors"
	"fmt"
	"os"
)

// FileLock is an exclusive advisory lock held on a dataset's lock file.
//
// The lock only excludes processes that also acquire it.
type FileLock struct {
	f *os.File // nil after Unlock
}

// acquireLock blocks until the exclusive lock on path is granted.
func acquireLock(path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := lockFile(f); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to lock %s: %w", path, err), f.Close())
	}
	return &FileLock{f: f}, nil
}

// Unlock releases the lock. Calling it again is a no-op.
func (l *FileLock) Unlock() error {
	if l.f == nil {
		return nil
	}
	err := unlockFile(l.f)
	if err != nil {
		err = fmt.Errorf("failed to unlock: %w", err)
	}
	err = errors.Join(err, l.f.Close())
	l.f = nil
	return err
}
