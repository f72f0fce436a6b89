//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd && !dragonfly && !windows

package client

// Platforms without advisory locks run unguarded.
func acquireFileLock(string) (func() error, error) {
	return func() error { return nil }, nil
}
