package syncctl

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

const passLockPermissions = 0o600

// PassLock serializes sync passes between controllers that share one queue,
// including controllers in other processes.
type PassLock interface {
	// TryLock acquires the lock without waiting. ok is false when another
	// holder has it.
	TryLock() (unlock func(), ok bool, err error)
}

// FileLock is a PassLock backed by an flock on path. The file is left in
// place on unlock.
type FileLock struct {
	path string
}

// NewFileLock returns a FileLock on path.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// TryLock implements PassLock.
func (l *FileLock) TryLock() (func(), bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return nil, false, fmt.Errorf("syncctl: creating lock directory: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, passLockPermissions)
	if err != nil {
		return nil, false, fmt.Errorf("syncctl: opening pass lock: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("syncctl: locking %s: %w", l.path, err)
	}

	return func() { f.Close() }, true, nil
}
