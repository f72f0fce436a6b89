package client

import (
	"errors"
	"path/filepath"
)

const lockFile = "alem.lock"

// ErrLocked means another process owns the data directory.
var ErrLocked = errors.New("data dir is locked by another process")

// DirLock is an exclusive OS-level lock on a data directory.
type DirLock struct {
	path    string
	release func() error
}

// LockDir takes the lock on dir or fails with ErrLocked.
func LockDir(dir string) (*DirLock, error) {
	path := filepath.Join(dir, lockFile)
	release, err := acquireFileLock(path)
	if err != nil {
		return nil, err
	}
	return &DirLock{path: path, release: release}, nil
}

func (l *DirLock) Release() error {
	if l == nil || l.release == nil {
		return nil
	}
	release := l.release
	l.release = nil
	return release()
}
