package core

import "fmt"

// CommitID is the position of a committed transaction in the global order.
// It is assigned exactly once, immediately before the transaction's WAL
// record is serialized, and never decreases.
type CommitID uint64

// String renders the id in the zero-padded form used by on-disk names.
func (c CommitID) String() string {
	return fmt.Sprintf("%020d", uint64(c))
}

// OpType identifies the operation carried by a WAL record.
type OpType byte

const (
	OpPut    OpType = 1
	OpDelete OpType = 2
	// OpBatch carries several mutations committed under one CommitID.
	OpBatch OpType = 3
)

func (o OpType) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	case OpBatch:
		return "batch"
	default:
		return fmt.Sprintf("op(%d)", byte(o))
	}
}

// Valid reports whether o is a known operation.
func (o OpType) Valid() bool {
	return o == OpPut || o == OpDelete || o == OpBatch
}

// Mutation is a single key change inside a transaction. A nil Value with
// Delete set is a tombstone.
type Mutation struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// CompressionType identifies the compression algorithm used.
// This will be stored on disk to know how to decompress.
type CompressionType byte

const (
	CompressionNone   CompressionType = 0
	CompressionSnappy CompressionType = 1
	CompressionLZ4    CompressionType = 2
	CompressionZSTD   CompressionType = 3
)

// String returns the string representation of the CompressionType.
func (ct CompressionType) String() string {
	switch ct {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseCompressionType maps a configuration string onto a CompressionType.
func ParseCompressionType(s string) (CompressionType, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "snappy":
		return CompressionSnappy, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	}
	return 0, fmt.Errorf("unknown compression type %q", s)
}

const (
	CommitIDSize = 8
	ChecksumSize = 4
)
