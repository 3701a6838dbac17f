package sys

import (
	"io"
	"os"
	"sync/atomic"
)

// fileWrapper is a stable concrete type used to store the File interface
// inside an atomic.Value, which requires every stored value to share one
// concrete type.
type fileWrapper struct {
	f File
}

var defaultFile atomic.Value // stores fileWrapper

// File opens and manipulates files on behalf of the storage code. Tests swap
// in a faulty implementation through SetDefaultFile to simulate write and
// fsync failures.
type File interface {
	OpenFile(name string, flag int, perm os.FileMode) (FileHandle, error)
	Remove(name string) error
	Rename(oldpath, newpath string) error
	SyncDir(dir string) error
}

// FileHandle is the subset of *os.File the storage code relies on.
type FileHandle interface {
	io.ReadWriteCloser
	io.ReaderAt
	io.Seeker

	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
	Name() string
}

type CreateHandler func(name string) (FileHandle, error)
type OpenHandler func(name string) (FileHandle, error)
type OpenFileHandler func(name string, flag int, perm os.FileMode) (FileHandle, error)
type RemoveHandler func(name string) error
type RenameHandler func(oldpath, newpath string) error
type SyncDirHandler func(dir string) error

func init() {
	defaultFile.Store(fileWrapper{f: NewFile()})
}

// SetDefaultFile replaces the File used by the package handlers and returns
// a function restoring the previous one.
func SetDefaultFile(file File) (restore func()) {
	prev := current()
	defaultFile.Store(fileWrapper{f: file})
	return func() { defaultFile.Store(fileWrapper{f: prev}) }
}

func current() File {
	fw, _ := defaultFile.Load().(fileWrapper)
	return fw.f
}

var Create CreateHandler = func(name string) (FileHandle, error) {
	return OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
}

var Open OpenHandler = func(name string) (FileHandle, error) {
	return OpenFile(name, os.O_RDONLY, 0)
}

var OpenFile OpenFileHandler = func(name string, flag int, perm os.FileMode) (FileHandle, error) {
	f := current()
	if f == nil {
		return nil, os.ErrInvalid
	}
	return f.OpenFile(name, flag, perm)
}

// Remove deletes name. A missing file is not an error.
var Remove RemoveHandler = func(name string) error {
	f := current()
	if f == nil {
		return os.ErrInvalid
	}
	if err := f.Remove(name); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

var Rename RenameHandler = func(oldpath, newpath string) error {
	f := current()
	if f == nil {
		return os.ErrInvalid
	}
	return f.Rename(oldpath, newpath)
}

// SyncDir fsyncs a directory so that entries created, renamed or removed in
// it survive a crash.
var SyncDir SyncDirHandler = func(dir string) error {
	f := current()
	if f == nil {
		return os.ErrInvalid
	}
	return f.SyncDir(dir)
}
