package checkpoint

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/INLOpen/nexusdoc/compressors"
	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/sys"
)

// Entry is one version stored in a checkpoint.
type Entry struct {
	Key      []byte
	CommitID core.CommitID
	Value    []byte
}

func (e Entry) size() int {
	return len(e.Key) + len(e.Value) + core.CommitIDSize + 2*binary.MaxVarintLen32
}

// Part file layout:
//
//	FileHeader | entries u32 | raw_len u32 | block_len u32 | block | crc u32
//
// The block is the concatenation of encoded entries compressed with the
// codec named in the header. The trailing crc covers every byte before it.
var partHeaderSize = binary.Size(core.FileHeader{})

const partPrefixSize = 12

func encodeEntries(entries []Entry) []byte {
	size := 0
	for _, e := range entries {
		size += e.size()
	}
	out := make([]byte, 0, size)
	for _, e := range entries {
		out = binary.AppendUvarint(out, uint64(len(e.Key)))
		out = append(out, e.Key...)
		out = binary.LittleEndian.AppendUint64(out, uint64(e.CommitID))
		out = binary.AppendUvarint(out, uint64(len(e.Value)))
		out = append(out, e.Value...)
	}
	return out
}

func decodeEntries(raw []byte, count uint32, fn func(Entry) error) error {
	for i := uint32(0); i < count; i++ {
		var e Entry
		var err error
		if e.Key, raw, err = readField(raw); err != nil {
			return fmt.Errorf("entry %d key: %w", i, err)
		}
		if len(raw) < core.CommitIDSize {
			return fmt.Errorf("entry %d: truncated commit id", i)
		}
		e.CommitID = core.CommitID(binary.LittleEndian.Uint64(raw))
		raw = raw[core.CommitIDSize:]
		if e.Value, raw, err = readField(raw); err != nil {
			return fmt.Errorf("entry %d value: %w", i, err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if len(raw) != 0 {
		return fmt.Errorf("%d trailing bytes after %d entries", len(raw), count)
	}
	return nil
}

func readField(b []byte) ([]byte, []byte, error) {
	n, k := binary.Uvarint(b)
	if k <= 0 {
		return nil, nil, errors.New("bad length prefix")
	}
	b = b[k:]
	if uint64(len(b)) < n {
		return nil, nil, errors.New("length prefix exceeds data")
	}
	return b[:n:n], b[n:], nil
}

// writePart writes entries to dir/name without fsync. Durability is the
// caller's job in Phase B.
func writePart(dir, name string, entries []Entry, codec compressors.Codec) (FileRef, error) {
	raw := encodeEntries(entries)

	var buf bytes.Buffer
	header := core.NewFileHeader(core.CheckpointPartMagicNumber, codec.Type())
	_ = binary.Write(&buf, binary.LittleEndian, &header)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(entries)))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(raw)))
	lenAt := buf.Len()
	_ = binary.Write(&buf, binary.LittleEndian, uint32(0))
	if err := codec.Encode(&buf, raw); err != nil {
		return FileRef{}, fmt.Errorf("compress part %s: %w", name, err)
	}
	data := buf.Bytes()
	binary.LittleEndian.PutUint32(data[lenAt:], uint32(len(data)-lenAt-4))
	data = binary.LittleEndian.AppendUint32(data, crc32.ChecksumIEEE(data))

	path := filepath.Join(dir, name)
	f, err := sys.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return FileRef{}, fmt.Errorf("create part %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return FileRef{}, fmt.Errorf("write part %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return FileRef{}, fmt.Errorf("close part %s: %w", path, err)
	}
	return FileRef{
		Name:    name,
		Size:    int64(len(data)),
		CRC:     crc32.ChecksumIEEE(data),
		Entries: uint64(len(entries)),
	}, nil
}

// syncPart fsyncs a part written by writePart.
func syncPart(dir string, ref FileRef) error {
	path := filepath.Join(dir, ref.Name)
	f, err := sys.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open part %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync part %s: %w", path, err)
	}
	return f.Close()
}

// readPart verifies the part named by ref against the marker and streams
// its entries to fn.
func readPart(dir string, ref FileRef, fn func(Entry) error) error {
	path := filepath.Join(dir, ref.Name)
	f, err := sys.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", core.ErrCheckpointCorrupt, path, err)
	}
	data, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if int64(len(data)) != ref.Size {
		return fmt.Errorf("%w: %s is %d bytes, marker says %d", core.ErrCheckpointCorrupt, ref.Name, len(data), ref.Size)
	}
	if sum := crc32.ChecksumIEEE(data); sum != ref.CRC {
		return fmt.Errorf("%w: %s crc %#x, marker says %#x", core.ErrCheckpointCorrupt, ref.Name, sum, ref.CRC)
	}
	if len(data) < partHeaderSize+partPrefixSize+4 {
		return fmt.Errorf("%w: %s too short", core.ErrCheckpointCorrupt, ref.Name)
	}
	body := data[:len(data)-4]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(data[len(data)-4:]) {
		return fmt.Errorf("%w: %s trailing checksum", core.ErrCheckpointCorrupt, ref.Name)
	}

	header, err := core.ReadFileHeader(bytes.NewReader(body[:partHeaderSize]), core.CheckpointPartMagicNumber)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", core.ErrCheckpointCorrupt, ref.Name, err)
	}
	prefix := body[partHeaderSize : partHeaderSize+partPrefixSize]
	count := binary.LittleEndian.Uint32(prefix[0:4])
	rawLen := binary.LittleEndian.Uint32(prefix[4:8])
	blockLen := binary.LittleEndian.Uint32(prefix[8:12])
	block := body[partHeaderSize+partPrefixSize:]
	if uint32(len(block)) != blockLen {
		return fmt.Errorf("%w: %s block is %d bytes, header says %d", core.ErrCheckpointCorrupt, ref.Name, len(block), blockLen)
	}
	if uint64(count) != ref.Entries {
		return fmt.Errorf("%w: %s holds %d entries, marker says %d", core.ErrCheckpointCorrupt, ref.Name, count, ref.Entries)
	}

	codec, err := compressors.ForType(header.CompressorType)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", core.ErrCheckpointCorrupt, ref.Name, err)
	}
	raw, err := codec.Decode(block, int(rawLen))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", core.ErrCheckpointCorrupt, ref.Name, err)
	}
	if err := decodeEntries(raw, count, fn); err != nil {
		return fmt.Errorf("%w: %s: %v", core.ErrCheckpointCorrupt, ref.Name, err)
	}
	return nil
}
