// Package authority manages the on-disk marker that grants a node write
// authority. The presence of a valid marker naming the node is the only
// source of truth; nothing caches it.
package authority

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

// Marker records which node holds write authority and from which commit.
type Marker struct {
	PrimaryNodeID string
	// TransitionCommitID is the last commit durable on the node when it
	// took over. Its first commit as primary is TransitionCommitID+1.
	TransitionCommitID core.CommitID
	Timestamp          time.Time
	PreviousPrimaryID  string
}

// HeldBy reports whether the marker names nodeID.
func (m Marker) HeldBy(nodeID string) bool {
	return m.PrimaryNodeID != "" && m.PrimaryNodeID == nodeID
}

// Path is the location of the marker inside a data directory.
func Path(dataDir string) string {
	return filepath.Join(dataDir, core.AuthorityFileName)
}

const maxNodeIDLen = 255

// Layout, little endian:
//
//	magic u32 | version u8 | commit u64 | timestamp i64 |
//	primary_len u8 | primary | previous_len u8 | previous | crc u32
func encode(m Marker) ([]byte, error) {
	if m.PrimaryNodeID == "" {
		return nil, errors.New("authority marker needs a primary node id")
	}
	if len(m.PrimaryNodeID) > maxNodeIDLen || len(m.PreviousPrimaryID) > maxNodeIDLen {
		return nil, fmt.Errorf("node ids are limited to %d bytes", maxNodeIDLen)
	}
	var buf bytes.Buffer
	le := binary.LittleEndian
	_ = binary.Write(&buf, le, core.AuthorityMagicNumber)
	buf.WriteByte(core.FormatVersion)
	_ = binary.Write(&buf, le, uint64(m.TransitionCommitID))
	_ = binary.Write(&buf, le, m.Timestamp.UnixNano())
	buf.WriteByte(byte(len(m.PrimaryNodeID)))
	buf.WriteString(m.PrimaryNodeID)
	buf.WriteByte(byte(len(m.PreviousPrimaryID)))
	buf.WriteString(m.PreviousPrimaryID)
	_ = binary.Write(&buf, le, crc32.ChecksumIEEE(buf.Bytes()))
	return buf.Bytes(), nil
}

func decode(data []byte) (Marker, error) {
	if len(data) < 4 {
		return Marker{}, errors.New("marker too short")
	}
	body := data[:len(data)-4]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(data[len(data)-4:]) {
		return Marker{}, core.ErrChecksumMismatch
	}
	r := bytes.NewReader(body)
	var (
		magic   uint32
		version uint8
		commit  uint64
		ts      int64
	)
	for _, f := range []any{&magic, &version, &commit, &ts} {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return Marker{}, fmt.Errorf("read header: %w", err)
		}
	}
	if magic != core.AuthorityMagicNumber {
		return Marker{}, fmt.Errorf("bad magic %#x", magic)
	}
	if version != core.FormatVersion {
		return Marker{}, fmt.Errorf("unsupported version %d", version)
	}
	primary, err := readID(r)
	if err != nil {
		return Marker{}, fmt.Errorf("primary id: %w", err)
	}
	previous, err := readID(r)
	if err != nil {
		return Marker{}, fmt.Errorf("previous id: %w", err)
	}
	if r.Len() != 0 {
		return Marker{}, fmt.Errorf("%d trailing bytes", r.Len())
	}
	if primary == "" {
		return Marker{}, errors.New("empty primary id")
	}
	return Marker{
		PrimaryNodeID:      primary,
		TransitionCommitID: core.CommitID(commit),
		Timestamp:          time.Unix(0, ts).UTC(),
		PreviousPrimaryID:  previous,
	}, nil
}

func readID(r *bytes.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// Write durably installs m as the marker of dataDir. A crash at any point
// leaves either the previous marker (or none) or m, never a partial file.
func Write(dataDir string, m Marker) error {
	data, err := encode(m)
	if err != nil {
		return core.Reject("authority.write", err)
	}
	if err := sys.WriteFileAtomic(Path(dataDir), data, 0644); err != nil {
		return core.Fatal("authority.write", err)
	}
	return nil
}

// Read loads the marker of dataDir. found is false when no node was ever
// granted authority here or authority was relinquished. A marker that
// exists but does not decode is fatal: authority cannot be decided.
func Read(dataDir string) (Marker, bool, error) {
	path := Path(dataDir)
	f, err := sys.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Marker{}, false, nil
		}
		return Marker{}, false, core.Fatal("authority.read", fmt.Errorf("open %s: %w", path, err))
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return Marker{}, true, core.Fatal("authority.read", fmt.Errorf("read %s: %w", path, err))
	}
	m, err := decode(data)
	if err != nil {
		return Marker{}, true, core.Fatal("authority.read", fmt.Errorf("%w: %s: %v", core.ErrMarkerCorrupt, path, err))
	}
	return m, true, nil
}

// Remove durably relinquishes authority held through dataDir's marker.
// Removing an absent marker succeeds.
func Remove(dataDir string) error {
	if err := sys.RemoveDurable(Path(dataDir)); err != nil {
		return core.Fatal("authority.remove", err)
	}
	return nil
}

// CleanupStaged removes a staged marker left by an interrupted Write. It
// never affects the installed marker.
func CleanupStaged(dataDir string) error {
	return sys.Remove(sys.TempPath(Path(dataDir)))
}
