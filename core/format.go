package core

import (
	"fmt"
	"strconv"
	"strings"
)

// This file centralizes constants related to file formats, magic numbers,
// and names of the files kept in a data directory.

// --- Magic Numbers ---
const (
	// WALMagicNumber identifies a Write-Ahead Log segment file.
	WALMagicNumber uint32 = 0xBAADF00D
	// CheckpointPartMagicNumber identifies a checkpoint data part.
	CheckpointPartMagicNumber uint32 = 0x54524150 // "PART"
	// CheckpointMagicNumber identifies the checkpoint marker.
	CheckpointMagicNumber uint32 = 0x54504B43
	// AuthorityMagicNumber identifies the authority marker.
	AuthorityMagicNumber uint32 = 0x48545541 // "AUTH"
)

// --- File Names & Prefixes ---
const (
	// WALDirName holds the WAL segments inside a data directory.
	WALDirName = "wal"
	// CheckpointDirName holds checkpoint parts and the checkpoint marker.
	CheckpointDirName = "checkpoint"
	// WALFileSuffix is the suffix for WAL segment files.
	WALFileSuffix = ".wal"
	// CheckpointPartSuffix is the suffix for checkpoint data parts.
	CheckpointPartSuffix = ".ckpt"
	// CheckpointFileName is the name of the checkpoint marker.
	CheckpointFileName = "CHECKPOINT"
	// AuthorityFileName is the name of the authority marker.
	AuthorityFileName = "AUTHORITY"
	// LockFileName is the base name of the data directory lock.
	LockFileName = "LOCK"
	// AuditLogFileName is the default name of the promotion audit trail.
	AuditLogFileName = "audit.log"
	// TempFileSuffix marks files that are not yet renamed into place.
	TempFileSuffix = "tmp"
)

// --- Protocol & Format Versions ---
const (
	// FormatVersion is the current version for all persistent file formats.
	FormatVersion uint8 = 1
)

// --- Default Sizes & Limits ---
const (
	// WALMaxSegmentSize is the default maximum size for a WAL segment file.
	WALMaxSegmentSize = 64 * 1024 * 1024
	// WALMaxRecordSize bounds a single encoded record.
	WALMaxRecordSize = 16 * 1024 * 1024
)

func FormatTempFilename(prefix, postfix string) string {
	return fmt.Sprintf("%s.%s", prefix, postfix)
}

// FormatSegmentFileName creates a segment file name from its index.
func FormatSegmentFileName(index uint64) string {
	return fmt.Sprintf("%08d%s", index, WALFileSuffix)
}

// ParseSegmentFileName extracts the index from a segment file name.
func ParseSegmentFileName(name string) (uint64, error) {
	if !strings.HasSuffix(name, WALFileSuffix) {
		return 0, fmt.Errorf("file %s is not a WAL segment file", name)
	}
	name = strings.TrimSuffix(name, WALFileSuffix)
	return strconv.ParseUint(name, 10, 64)
}

// FormatPartFileName names the seq-th data part of the checkpoint at cutoff.
func FormatPartFileName(cutoff CommitID, seq int) string {
	return fmt.Sprintf("%s-%04d%s", cutoff, seq, CheckpointPartSuffix)
}

// ParsePartFileName reverses FormatPartFileName.
func ParsePartFileName(name string) (CommitID, int, error) {
	if !strings.HasSuffix(name, CheckpointPartSuffix) {
		return 0, 0, fmt.Errorf("file %s is not a checkpoint part", name)
	}
	base := strings.TrimSuffix(name, CheckpointPartSuffix)
	cut, seq, ok := strings.Cut(base, "-")
	if !ok {
		return 0, 0, fmt.Errorf("malformed checkpoint part name %s", name)
	}
	c, err := strconv.ParseUint(cut, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed checkpoint part name %s: %w", name, err)
	}
	s, err := strconv.Atoi(seq)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed checkpoint part name %s: %w", name, err)
	}
	return CommitID(c), s, nil
}
