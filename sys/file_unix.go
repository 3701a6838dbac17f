//go:build unix

package sys

import (
	"os"

	"golang.org/x/sys/unix"
)

// unixFile implements File for Unix-like systems.
type unixFile struct{}

// NewFile returns the platform File implementation.
func NewFile() File {
	return &unixFile{}
}

func (ufo *unixFile) OpenFile(name string, flag int, perm os.FileMode) (FileHandle, error) {
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &RealFile{f: f}, nil
}

func (ufo *unixFile) Remove(name string) error {
	return os.Remove(name)
}

// Rename is atomic on POSIX filesystems when both paths share a directory.
func (ufo *unixFile) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

func (ufo *unixFile) SyncDir(dir string) error {
	fd, err := unix.Open(dir, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return &os.PathError{Op: "open", Path: dir, Err: err}
	}
	defer unix.Close(fd)
	if err := unix.Fsync(fd); err != nil {
		return &os.PathError{Op: "fsync", Path: dir, Err: err}
	}
	return nil
}
