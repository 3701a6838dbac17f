package core

import (
	"errors"
	"fmt"
)

// ErrorClass separates failures the caller can correct from failures that
// halt the subsystem until an operator intervenes.
type ErrorClass uint8

const (
	// ClassReject errors leave all state untouched; the caller may retry
	// after fixing the request.
	ClassReject ErrorClass = iota + 1
	// ClassFatal errors halt the subsystem. Nothing is auto-repaired.
	ClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassReject:
		return "REJECT"
	case ClassFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrChecksumMismatch   = errors.New("checksum mismatch")
	ErrPartialRecord      = errors.New("incomplete record")
	ErrCorruptLog         = errors.New("corrupt log")
	ErrNonMonotonicCommit = errors.New("commit id out of order")
	ErrCommitGap          = errors.New("commit id gap")
	ErrHalted             = errors.New("subsystem halted")
	ErrClosed             = errors.New("closed")

	ErrRecordTooLarge   = errors.New("record exceeds maximum size")
	ErrEmptyCommit      = errors.New("commit has no mutations")
	ErrInvalidKey       = errors.New("invalid key")
	ErrNoWriteAuthority = errors.New("node does not hold write authority")
	ErrNotReplica       = errors.New("node is not a replica")

	ErrCheckpointCorrupt = errors.New("checkpoint data corrupt")
	ErrMarkerCorrupt     = errors.New("marker corrupt")
)

// KernelError carries the class of a failure together with the operation
// that produced it.
type KernelError struct {
	Class ErrorClass
	Op    string
	Err   error
}

func (e *KernelError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Class, e.Op, e.Err)
}

func (e *KernelError) Unwrap() error { return e.Err }

// Reject wraps err as a caller-correctable failure of op.
func Reject(op string, err error) error {
	return &KernelError{Class: ClassReject, Op: op, Err: err}
}

// Fatal wraps err as a halting failure of op.
func Fatal(op string, err error) error {
	return &KernelError{Class: ClassFatal, Op: op, Err: err}
}

// ClassOf returns the class of the outermost KernelError in err's chain, or
// zero when err carries no class.
func ClassOf(err error) ErrorClass {
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke.Class
	}
	return 0
}

// IsFatal reports whether err halts the subsystem that returned it.
func IsFatal(err error) bool { return ClassOf(err) == ClassFatal }

// IsReject reports whether err is caller-correctable.
func IsReject(err error) bool { return ClassOf(err) == ClassReject }
