package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/sys"
)

var headerSize = int64(binary.Size(core.FileHeader{}))

// SegmentInfo describes one segment file and the commit range it holds.
// First and Last are zero for a segment without records.
type SegmentInfo struct {
	Index uint64
	First core.CommitID
	Last  core.CommitID
	Size  int64
}

// segmentWriter appends whole batches to the active segment. Every batch
// goes out in a single Write call.
type segmentWriter struct {
	SegmentInfo
	file sys.FileHandle
	path string
}

func segmentPath(dir string, index uint64) string {
	return filepath.Join(dir, core.FormatSegmentFileName(index))
}

// createSegment creates a new segment file holding only the header and
// fsyncs both the file and its directory.
func createSegment(dir string, index uint64) (*segmentWriter, error) {
	path := segmentPath(dir, index)
	file, err := sys.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}

	var hdr bytes.Buffer
	header := core.NewFileHeader(core.WALMagicNumber, core.CompressionNone)
	_ = binary.Write(&hdr, binary.LittleEndian, &header)
	if _, err := file.Write(hdr.Bytes()); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write segment header to %s: %w", path, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to sync segment header of %s: %w", path, err)
	}
	if err := sys.SyncDir(dir); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to sync WAL directory %s: %w", dir, err)
	}
	return &segmentWriter{
		SegmentInfo: SegmentInfo{Index: index, Size: int64(hdr.Len())},
		file:        file,
		path:        path,
	}, nil
}

// write appends one encoded batch whose records span first..last.
func (sw *segmentWriter) write(p []byte, first, last core.CommitID) error {
	n, err := sw.file.Write(p)
	sw.Size += int64(n)
	if err != nil {
		return err
	}
	if n != len(p) {
		return io.ErrShortWrite
	}
	if sw.First == 0 {
		sw.First = first
	}
	sw.Last = last
	return nil
}

func (sw *segmentWriter) sync() error {
	return sw.file.Sync()
}

func (sw *segmentWriter) close() error {
	if sw.file == nil {
		return nil
	}
	err := sw.file.Close()
	sw.file = nil
	return err
}

// listSegments returns the indexes of the segment files in dir, oldest first.
func listSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read WAL directory %s: %w", dir, err)
	}
	indexes := make([]uint64, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if idx, err := core.ParseSegmentFileName(e.Name()); err == nil {
			indexes = append(indexes, idx)
		}
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	return indexes, nil
}

// readSegment loads a whole segment and validates its header. A file too
// short to hold a header yields errShortFrame.
func readSegment(path string) ([]byte, error) {
	f, err := sys.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read segment %s: %w", path, err)
	}
	if int64(len(data)) < headerSize {
		return data, errShortFrame
	}
	if _, err := core.ReadFileHeader(bytes.NewReader(data[:headerSize]), core.WALMagicNumber); err != nil {
		return data, fmt.Errorf("%w: segment %s: %v", core.ErrCorruptLog, path, err)
	}
	return data, nil
}
