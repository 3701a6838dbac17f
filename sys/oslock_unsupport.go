//go:build !unix

package sys

import (
	"errors"
	"os"
	"time"
)

var ErrOSFileLockNotSupported = errors.New("OS file locking not supported on this platform")

func AcquireOSFileLock(lockPath string, timeout time.Duration) (*os.File, func() error, error) {
	return nil, nil, ErrOSFileLockNotSupported
}

type portableFile struct{}

// NewFile returns a File without directory fsync support.
func NewFile() File {
	return &portableFile{}
}

func (p *portableFile) OpenFile(name string, flag int, perm os.FileMode) (FileHandle, error) {
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &RealFile{f: f}, nil
}

func (p *portableFile) Remove(name string) error { return os.Remove(name) }

func (p *portableFile) Rename(oldpath, newpath string) error { return os.Rename(oldpath, newpath) }

// SyncDir is a no-op where directories cannot be opened for fsync.
func (p *portableFile) SyncDir(dir string) error { return nil }
