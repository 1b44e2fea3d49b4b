//go:build windows

package vault

import (
	"fmt"
	"os"
)

// Windows: no syscall.Flock. A second process opening the same data
// directory is still stopped by bbolt's own file lock, after its timeout.

// tryLock opens the lock file without taking a cross-process lock.
func tryLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return f, nil
}

// releaseLock closes the lock file.
func releaseLock(f *os.File) {
	if f == nil {
		return
	}
	_ = f.Close()
}
