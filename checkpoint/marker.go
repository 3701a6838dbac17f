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
	"time"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/sys"
)

// FileRef names one data part of a checkpoint together with the size and
// checksum it had when it was fsynced.
type FileRef struct {
	Name    string
	Size    int64
	CRC     uint32
	Entries uint64
}

// Marker is the durable record of a completed checkpoint. A checkpoint
// exists only once its marker has been fsynced; part files without a
// marker referencing them are leftovers of an interrupted run.
type Marker struct {
	CommitID core.CommitID
	// Digest is the WAL chain digest at CommitID. Replay after the
	// checkpoint continues the chain from here.
	Digest        uint64
	CreatedAt     time.Time
	FsyncComplete bool
	Parts         []FileRef
}

// Entries is the number of versions stored across all parts.
func (m Marker) Entries() uint64 {
	var n uint64
	for _, p := range m.Parts {
		n += p.Entries
	}
	return n
}

// MarkerPath is the location of the marker inside a checkpoint directory.
func MarkerPath(dir string) string {
	return filepath.Join(dir, core.CheckpointFileName)
}

// Marker layout, little endian:
//
//	magic u32 | version u8 | commit u64 | digest u64 | created i64 | fsync u8 |
//	parts u32 | { name_len u16 | name | size u64 | crc u32 | entries u64 }* | crc u32
func encodeMarker(m Marker) []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian
	_ = binary.Write(&buf, le, core.CheckpointMagicNumber)
	buf.WriteByte(core.FormatVersion)
	_ = binary.Write(&buf, le, uint64(m.CommitID))
	_ = binary.Write(&buf, le, m.Digest)
	_ = binary.Write(&buf, le, m.CreatedAt.UnixNano())
	if m.FsyncComplete {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	_ = binary.Write(&buf, le, uint32(len(m.Parts)))
	for _, p := range m.Parts {
		_ = binary.Write(&buf, le, uint16(len(p.Name)))
		buf.WriteString(p.Name)
		_ = binary.Write(&buf, le, uint64(p.Size))
		_ = binary.Write(&buf, le, p.CRC)
		_ = binary.Write(&buf, le, p.Entries)
	}
	_ = binary.Write(&buf, le, crc32.ChecksumIEEE(buf.Bytes()))
	return buf.Bytes()
}

func decodeMarker(data []byte) (Marker, error) {
	if len(data) < 4 {
		return Marker{}, errors.New("marker too short")
	}
	body, sum := data[:len(data)-4], binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(body) != sum {
		return Marker{}, core.ErrChecksumMismatch
	}

	r := bytes.NewReader(body)
	le := binary.LittleEndian
	var (
		magic   uint32
		version uint8
		commit  uint64
		created int64
		fsync   uint8
		nparts  uint32
		m       Marker
	)
	for _, f := range []any{&magic, &version, &commit, &m.Digest, &created, &fsync, &nparts} {
		if err := binary.Read(r, le, f); err != nil {
			return Marker{}, fmt.Errorf("read marker header: %w", err)
		}
	}
	if magic != core.CheckpointMagicNumber {
		return Marker{}, fmt.Errorf("bad magic %#x", magic)
	}
	if version != core.FormatVersion {
		return Marker{}, fmt.Errorf("unsupported marker version %d", version)
	}
	m.CommitID = core.CommitID(commit)
	m.CreatedAt = time.Unix(0, created).UTC()
	m.FsyncComplete = fsync == 1
	if uint64(nparts) > uint64(r.Len()) {
		return Marker{}, fmt.Errorf("marker claims %d parts in %d bytes", nparts, r.Len())
	}
	m.Parts = make([]FileRef, 0, nparts)
	for i := uint32(0); i < nparts; i++ {
		var nameLen uint16
		if err := binary.Read(r, le, &nameLen); err != nil {
			return Marker{}, fmt.Errorf("read part %d: %w", i, err)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return Marker{}, fmt.Errorf("read part %d name: %w", i, err)
		}
		var size uint64
		ref := FileRef{Name: string(name)}
		for _, f := range []any{&size, &ref.CRC, &ref.Entries} {
			if err := binary.Read(r, le, f); err != nil {
				return Marker{}, fmt.Errorf("read part %d: %w", i, err)
			}
		}
		ref.Size = int64(size)
		if filepath.Base(ref.Name) != ref.Name {
			return Marker{}, fmt.Errorf("part name %q is not a plain file name", ref.Name)
		}
		m.Parts = append(m.Parts, ref)
	}
	if r.Len() != 0 {
		return Marker{}, fmt.Errorf("%d trailing bytes", r.Len())
	}
	return m, nil
}

// WriteMarker durably replaces the marker in dir with m.
func WriteMarker(dir string, m Marker) error {
	return sys.WriteFileAtomic(MarkerPath(dir), encodeMarker(m), 0644)
}

// ReadMarker loads the marker from dir. found is false when no checkpoint
// has completed. A marker that exists but cannot be decoded is fatal.
func ReadMarker(dir string) (Marker, bool, error) {
	path := MarkerPath(dir)
	f, err := sys.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Marker{}, false, nil
		}
		return Marker{}, false, core.Fatal("checkpoint.marker", fmt.Errorf("open %s: %w", path, err))
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return Marker{}, true, core.Fatal("checkpoint.marker", fmt.Errorf("read %s: %w", path, err))
	}
	m, err := decodeMarker(data)
	if err != nil {
		return Marker{}, true, core.Fatal("checkpoint.marker", fmt.Errorf("%w: %s: %v", core.ErrMarkerCorrupt, path, err))
	}
	if !m.FsyncComplete {
		return Marker{}, true, core.Fatal("checkpoint.marker", fmt.Errorf("%w: %s was written without fsync_complete", core.ErrMarkerCorrupt, path))
	}
	return m, true, nil
}
