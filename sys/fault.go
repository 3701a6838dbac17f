package sys

import (
	"errors"
	"os"
	"strings"
	"sync/atomic"
)

// ErrInjected is returned by FaultFile operations that were told to fail.
var ErrInjected = errors.New("injected fault")

var _ File = (*FaultFile)(nil)
var _ FileHandle = (*faultHandle)(nil)

// FaultFile wraps another File and fails writes or fsyncs on handles whose
// name contains Match once the corresponding switch is on. It lets tests
// reproduce disk errors deterministically.
type FaultFile struct {
	Base  File
	Match string

	failWrite atomic.Bool
	failSync  atomic.Bool
	writes    atomic.Int64
	syncs     atomic.Int64
}

func NewFaultFile(base File, match string) *FaultFile {
	return &FaultFile{Base: base, Match: match}
}

// FailWrites toggles write failures for matching handles.
func (ff *FaultFile) FailWrites(on bool) { ff.failWrite.Store(on) }

// FailSyncs toggles fsync failures for matching handles.
func (ff *FaultFile) FailSyncs(on bool) { ff.failSync.Store(on) }

// Writes counts physical Write calls on matching handles.
func (ff *FaultFile) Writes() int64 { return ff.writes.Load() }

// Syncs counts Sync calls on matching handles.
func (ff *FaultFile) Syncs() int64 { return ff.syncs.Load() }

func (ff *FaultFile) OpenFile(name string, flag int, perm os.FileMode) (FileHandle, error) {
	h, err := ff.Base.OpenFile(name, flag, perm)
	if err != nil || !strings.Contains(name, ff.Match) {
		return h, err
	}
	return &faultHandle{FileHandle: h, parent: ff}, nil
}

func (ff *FaultFile) Remove(name string) error { return ff.Base.Remove(name) }

func (ff *FaultFile) Rename(oldpath, newpath string) error { return ff.Base.Rename(oldpath, newpath) }

func (ff *FaultFile) SyncDir(dir string) error { return ff.Base.SyncDir(dir) }

type faultHandle struct {
	FileHandle
	parent *FaultFile
}

func (fh *faultHandle) Write(p []byte) (int, error) {
	fh.parent.writes.Add(1)
	if fh.parent.failWrite.Load() {
		return 0, ErrInjected
	}
	return fh.FileHandle.Write(p)
}

func (fh *faultHandle) Sync() error {
	fh.parent.syncs.Add(1)
	if fh.parent.failSync.Load() {
		return ErrInjected
	}
	return fh.FileHandle.Sync()
}
