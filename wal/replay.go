package wal

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/INLOpen/nexusdoc/core"
)

// ReplayOptions bounds a replay.
type ReplayOptions struct {
	// After skips records with a commit id at or below it; they are covered
	// by a checkpoint.
	After core.CommitID
	// BaseDigest is the chain digest at After.
	BaseDigest uint64
	// MaxRecordSize rejects frames whose declared size is larger.
	MaxRecordSize int
}

// TailInfo locates the discarded tail of the last segment.
type TailInfo struct {
	Segment uint64
	Offset  int64
	Cause   error
}

// ReplayResult summarizes the valid prefix of the log.
type ReplayResult struct {
	// LastCommitID is the newest valid record, or After when no record
	// beyond it exists.
	LastCommitID core.CommitID
	LastDigest   uint64
	Records      int
	Segments     []SegmentInfo
	Tail         *TailInfo
}

// Replay calls fn for every record after opts.After, in commit order. It
// stops at the first incomplete or corrupt record at the tail of the last
// segment and reports it in Tail. Corruption anywhere else is fatal, as is
// any break in the commit sequence.
func Replay(dir string, opts ReplayOptions, fn func(Record) error) (*ReplayResult, error) {
	maxBody := opts.MaxRecordSize
	if maxBody <= 0 {
		maxBody = core.WALMaxRecordSize
	}
	indexes, err := listSegments(dir)
	if err != nil {
		return nil, err
	}

	res := &ReplayResult{LastCommitID: opts.After, LastDigest: opts.BaseDigest}
	var prev core.CommitID
	for i, idx := range indexes {
		last := i == len(indexes)-1
		path := segmentPath(dir, idx)
		data, err := readSegment(path)
		if err != nil {
			if errors.Is(err, errShortFrame) && last {
				res.Tail = &TailInfo{Segment: idx, Offset: 0, Cause: err}
				break
			}
			return res, core.Fatal("wal.replay", fmt.Errorf("segment %s: %w", path, err))
		}

		info := SegmentInfo{Index: idx}
		off := int(headerSize)
		for off < len(data) {
			rec, n, derr := decodeFrame(data[off:], maxBody)
			if derr != nil {
				if last && isTornTail(data, off, maxBody, prev) {
					res.Tail = &TailInfo{Segment: idx, Offset: int64(off), Cause: derr}
					break
				}
				if errors.Is(derr, errShortFrame) || errors.Is(derr, errBadLength) {
					derr = fmt.Errorf("%w: %v", core.ErrCorruptLog, derr)
				}
				return res, core.Fatal("wal.replay", fmt.Errorf("segment %d offset %d: %w", idx, off, derr))
			}
			if prev != 0 && rec.CommitID != prev+1 {
				return res, core.Fatal("wal.replay", fmt.Errorf("%w: segment %d offset %d: commit %d follows %d",
					core.ErrNonMonotonicCommit, idx, off, rec.CommitID, prev))
			}
			prev = rec.CommitID
			if info.First == 0 {
				info.First = rec.CommitID
			}
			info.Last = rec.CommitID

			if rec.CommitID > opts.After {
				if res.Records == 0 && rec.CommitID != opts.After+1 {
					return res, core.Fatal("wal.replay", fmt.Errorf("%w: first record after %d is %d",
						core.ErrCommitGap, opts.After, rec.CommitID))
				}
				if fn != nil {
					if err := fn(rec); err != nil {
						return res, err
					}
				}
				res.LastDigest = ChainDigest(res.LastDigest, rec.CommitID, rec.Checksum)
				res.LastCommitID = rec.CommitID
				res.Records++
			}
			off += n
		}
		info.Size = int64(off)
		res.Segments = append(res.Segments, info)
	}
	return res, nil
}

// isTornTail decides whether a bad frame at off in the last segment is the
// remains of an interrupted write. It is, unless a valid frame with a newer
// commit id still exists anywhere past it.
func isTornTail(data []byte, off int, maxBody int, prev core.CommitID) bool {
	for p := off + 1; p+frameOverhead+minBodySize <= len(data); p++ {
		if core.CommitID(binary.LittleEndian.Uint64(data[p+frameLenSize:])) <= prev {
			continue
		}
		if _, _, err := decodeFrame(data[p:], maxBody); err == nil {
			return false
		}
	}
	return true
}
