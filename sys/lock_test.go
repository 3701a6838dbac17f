package sys

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireOSFileLock_Exclusive(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "lck.lock")

	_, rel1, err := AcquireOSFileLock(lockPath, 500*time.Millisecond)
	if err != nil {
		if strings.Contains(err.Error(), "not supported") {
			t.Skip("OS file locking not supported on this platform")
		}
		t.Fatalf("failed to acquire initial OS lock: %v", err)
	}

	_, _, err = AcquireOSFileLock(lockPath, 50*time.Millisecond)
	require.Error(t, err, "second acquisition must fail while the first is held")

	require.NoError(t, rel1())

	_, rel2, err := AcquireOSFileLock(lockPath, 200*time.Millisecond)
	require.NoError(t, err)
	_ = rel2()
}

func TestAcquireFileLock_RecordsHolder(t *testing.T) {
	base := filepath.Join(t.TempDir(), "LOCK")

	release, err := AcquireFileLock(base, 0, 0)
	require.NoError(t, err)

	info, err := ReadLockInfo(base)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.WithinDuration(t, time.Now(), info.AcquiredAt, time.Minute)

	_, err = AcquireFileLock(base, 2, 10*time.Millisecond)
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, release())
	_, err = os.Stat(base + ".lock")
	assert.True(t, os.IsNotExist(err))

	release, err = AcquireFileLock(base, 0, 0)
	require.NoError(t, err)
	require.NoError(t, release())
}
