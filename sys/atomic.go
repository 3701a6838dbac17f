package sys

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/INLOpen/nexusdoc/core"
)

// AtomicStage names a point inside WriteFileAtomic at which a crash can be
// simulated.
type AtomicStage int

const (
	StageBeforeWrite AtomicStage = iota + 1
	StageMidWrite
	StageBeforeRename
	StageBeforeDirSync
)

func (s AtomicStage) String() string {
	switch s {
	case StageBeforeWrite:
		return "before-write"
	case StageMidWrite:
		return "mid-write"
	case StageBeforeRename:
		return "before-rename"
	case StageBeforeDirSync:
		return "before-dir-sync"
	default:
		return "unknown"
	}
}

// AtomicWriteHook is consulted at every stage; a non-nil error aborts the
// write at that point, leaving the filesystem exactly as a crash would.
type AtomicWriteHook func(path string, stage AtomicStage) error

var atomicHook atomic.Pointer[AtomicWriteHook]

// SetAtomicWriteHook installs h and returns a function restoring the
// previous hook.
func SetAtomicWriteHook(h AtomicWriteHook) (restore func()) {
	prev := atomicHook.Swap(&h)
	return func() { atomicHook.Store(prev) }
}

func runHook(path string, stage AtomicStage) error {
	h := atomicHook.Load()
	if h == nil || *h == nil {
		return nil
	}
	return (*h)(path, stage)
}

// TempPath is where WriteFileAtomic stages the content of path.
func TempPath(path string) string {
	return core.FormatTempFilename(path, core.TempFileSuffix)
}

// WriteFileAtomic replaces path with data so that after a crash the file
// holds either its previous content or data, never a mix. The sequence is
// write temp, fsync temp, rename over path, fsync the directory.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := TempPath(path)
	if err := runHook(path, StageBeforeWrite); err != nil {
		return err
	}

	f, err := OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	half := len(data) / 2
	if _, err := f.Write(data[:half]); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := runHook(path, StageMidWrite); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(data[half:]); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp, err)
	}

	if err := runHook(path, StageBeforeRename); err != nil {
		return err
	}
	if err := Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	if err := runHook(path, StageBeforeDirSync); err != nil {
		return err
	}
	if err := SyncDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("fsync dir of %s: %w", path, err)
	}
	return nil
}

// RemoveDurable removes path and fsyncs its directory.
func RemoveDurable(path string) error {
	if err := Remove(path); err != nil {
		return err
	}
	return SyncDir(filepath.Dir(path))
}
