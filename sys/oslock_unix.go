//go:build unix

package sys

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// AcquireOSFileLock attempts to acquire an advisory exclusive lock on
// lockPath using flock. It retries until timeout elapses. The returned
// release function unlocks, closes and removes the file.
func AcquireOSFileLock(lockPath string, timeout time.Duration) (*os.File, func() error, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, nil, err
	}

	fd := int(f.Fd())
	deadline := time.Now().Add(timeout)
	for {
		err = unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			rel := func() error {
				_ = os.Remove(lockPath)
				_ = unix.Flock(fd, unix.LOCK_UN)
				return f.Close()
			}
			return f, rel, nil
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			return nil, nil, err
		}
		time.Sleep(25 * time.Millisecond)
	}
}
