package wal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/sys"
)

// ErrTruncated is returned when a stream asks for records that have already
// been removed by a checkpoint truncation.
var ErrTruncated = errors.New("requested records were truncated from the log")

// StreamReader delivers durable records in commit order, blocking when it
// has caught up with the durable watermark. Only records that have been
// fsynced are ever returned.
type StreamReader struct {
	wal  *WAL
	next core.CommitID

	segment uint64
	offset  int64
	buffer  []Record
	closed  bool
}

// NewStreamReader starts a stream at commit id from.
func (w *WAL) NewStreamReader(from core.CommitID) (*StreamReader, error) {
	if from == 0 {
		from = 1
	}
	return &StreamReader{wal: w, next: from}, nil
}

// Next returns the next durable record, waiting for one if necessary. It
// fails with the halt error if the log halts while waiting.
func (sr *StreamReader) Next(ctx context.Context) (Record, error) {
	for {
		if sr.closed {
			return Record{}, core.ErrClosed
		}
		if len(sr.buffer) > 0 {
			rec := sr.buffer[0]
			sr.buffer = sr.buffer[1:]
			sr.next = rec.CommitID + 1
			return rec, nil
		}
		if err := sr.wal.Halted(); err != nil {
			return Record{}, err
		}

		changed := sr.wal.durableChanged()
		durable := sr.wal.DurableCommitID()
		if sr.next > durable {
			select {
			case <-ctx.Done():
				return Record{}, ctx.Err()
			case <-changed:
			}
			continue
		}
		if err := sr.fill(durable); err != nil {
			return Record{}, err
		}
	}
}

// fill reads records from sr.next up to durable into the buffer.
func (sr *StreamReader) fill(durable core.CommitID) error {
	segments := sr.wal.Segments()
	if len(segments) == 0 {
		return fmt.Errorf("%w: no segments", ErrTruncated)
	}
	if sr.segment == 0 || !containsSegment(segments, sr.segment) {
		if err := sr.locate(segments); err != nil {
			return err
		}
	}

	for {
		path := segmentPath(sr.wal.dir, sr.segment)
		data, err := readFrom(path, sr.offset)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: segment %d removed while streaming", ErrTruncated, sr.segment)
			}
			return err
		}

		off := 0
		for off < len(data) {
			// Frames past the durable watermark may still be mid-write.
			if id, ok := peekCommitID(data[off:]); !ok || id > durable {
				break
			}
			rec, n, derr := decodeFrame(data[off:], sr.wal.opts.MaxRecordSize)
			if derr != nil {
				return core.Fatal("wal.stream", fmt.Errorf("segment %d offset %d: %w", sr.segment, sr.offset+int64(off), derr))
			}
			off += n
			if rec.CommitID >= sr.next {
				sr.buffer = append(sr.buffer, rec)
			}
		}
		sr.offset += int64(off)
		if len(sr.buffer) > 0 {
			return nil
		}

		nextSeg, ok := segmentAfter(segments, sr.segment)
		if !ok {
			// Caught up with what is on disk; durable must be in flight.
			return nil
		}
		sr.segment = nextSeg
		sr.offset = headerSize
	}
}

// peekCommitID reads the commit id from a frame header without validating
// the frame.
func peekCommitID(b []byte) (core.CommitID, bool) {
	if len(b) < frameHeaderSize {
		return 0, false
	}
	return core.CommitID(binary.LittleEndian.Uint64(b[frameLenSize:frameHeaderSize])), true
}

// locate positions the reader on the segment holding sr.next.
func (sr *StreamReader) locate(segments []SegmentInfo) error {
	for _, s := range segments {
		if s.Last == 0 {
			continue
		}
		if s.First > sr.next {
			return fmt.Errorf("%w: oldest retained record is %d, wanted %d", ErrTruncated, s.First, sr.next)
		}
		if s.Last >= sr.next {
			sr.segment, sr.offset = s.Index, headerSize
			return nil
		}
	}
	last := segments[len(segments)-1]
	sr.segment, sr.offset = last.Index, headerSize
	return nil
}

// Close releases the reader.
func (sr *StreamReader) Close() error {
	sr.closed = true
	sr.buffer = nil
	return nil
}

func containsSegment(segments []SegmentInfo, index uint64) bool {
	for _, s := range segments {
		if s.Index == index {
			return true
		}
	}
	return false
}

func segmentAfter(segments []SegmentInfo, index uint64) (uint64, bool) {
	for i, s := range segments {
		if s.Index == index && i+1 < len(segments) {
			return segments[i+1].Index, true
		}
	}
	return 0, false
}

func readFrom(path string, offset int64) ([]byte, error) {
	f, err := sys.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() <= offset {
		return nil, nil
	}
	buf := make([]byte, st.Size()-offset)
	n, err := f.ReadAt(buf, offset)
	if err != nil && n != len(buf) {
		return nil, fmt.Errorf("read %s at %d: %w", path, offset, err)
	}
	return buf, nil
}
