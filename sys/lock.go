package sys

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("lock held by another process")

// LockInfo is the diagnostic content written into a held lock file.
type LockInfo struct {
	PID        int
	AcquiredAt time.Time
}

// AcquireFileLock takes an exclusive OS-level lock on path + ".lock",
// retrying up to maxRetries times with retryInterval between attempts.
// On success the file records our pid and acquisition time, and the
// returned release function drops the lock and removes the file.
func AcquireFileLock(path string, maxRetries int, retryInterval time.Duration) (func() error, error) {
	lockPath := path + ".lock"
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		f, rel, err := AcquireOSFileLock(lockPath, 0)
		if err == nil {
			buf := make([]byte, 12)
			binary.LittleEndian.PutUint32(buf[0:4], uint32(os.Getpid()))
			binary.LittleEndian.PutUint64(buf[4:12], uint64(time.Now().UTC().UnixNano()))
			if _, werr := f.WriteAt(buf, 0); werr != nil {
				_ = rel()
				return nil, fmt.Errorf("AcquireFileLock: write %s: %w", lockPath, werr)
			}
			return rel, nil
		}
		lastErr = err
		if i < maxRetries {
			time.Sleep(retryInterval)
		}
	}
	return nil, fmt.Errorf("AcquireFileLock %s: %w (%v)", lockPath, ErrLocked, lastErr)
}

// ReadLockInfo decodes the holder recorded in path + ".lock".
func ReadLockInfo(path string) (LockInfo, error) {
	b, err := os.ReadFile(path + ".lock")
	if err != nil {
		return LockInfo{}, err
	}
	if len(b) < 12 {
		return LockInfo{}, fmt.Errorf("lock file %s.lock too short (%d bytes)", path, len(b))
	}
	return LockInfo{
		PID:        int(binary.LittleEndian.Uint32(b[0:4])),
		AcquiredAt: time.Unix(0, int64(binary.LittleEndian.Uint64(b[4:12]))).UTC(),
	}, nil
}
