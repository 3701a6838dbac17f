package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/cespare/xxhash/v2"
)

// Frame layout on disk:
//
//	length   uint32  size of body
//	body     commit_id uint64 | op uint8 | uvarint key_len | key | uvarint payload_len | payload
//	checksum uint32  crc32(IEEE) over body[8:] followed by body[0:8]
//
// The checksum covers the commit id last so the record tail can be hashed
// before the id is assigned.
const (
	frameLenSize    = 4
	frameHeaderSize = frameLenSize + core.CommitIDSize
	frameOverhead   = frameLenSize + core.ChecksumSize
	minBodySize     = core.CommitIDSize + 1 + 1 + 1
)

// Record is one committed transaction as stored in the log.
type Record struct {
	CommitID core.CommitID
	Op       core.OpType
	Key      []byte
	Payload  []byte
	Checksum uint32
}

// NewRecord builds the record for a transaction. A single mutation becomes
// a put or delete record; several become one batch record.
func NewRecord(muts []core.Mutation) (Record, error) {
	switch len(muts) {
	case 0:
		return Record{}, core.Reject("wal.record", core.ErrEmptyCommit)
	case 1:
		m := muts[0]
		if len(m.Key) == 0 {
			return Record{}, core.Reject("wal.record", core.ErrInvalidKey)
		}
		if m.Delete {
			return Record{Op: core.OpDelete, Key: m.Key}, nil
		}
		return Record{Op: core.OpPut, Key: m.Key, Payload: m.Value}, nil
	}
	for _, m := range muts {
		if len(m.Key) == 0 {
			return Record{}, core.Reject("wal.record", core.ErrInvalidKey)
		}
	}
	return Record{Op: core.OpBatch, Payload: EncodeMutations(muts)}, nil
}

// Mutations expands the record back into the mutations it carries.
func (r Record) Mutations() ([]core.Mutation, error) {
	switch r.Op {
	case core.OpPut:
		return []core.Mutation{{Key: r.Key, Value: r.Payload}}, nil
	case core.OpDelete:
		return []core.Mutation{{Key: r.Key, Delete: true}}, nil
	case core.OpBatch:
		return DecodeMutations(r.Payload)
	}
	return nil, fmt.Errorf("unknown op %d", r.Op)
}

// EncodedSize is the number of bytes the record occupies in a segment.
func (r Record) EncodedSize() int {
	return frameOverhead + bodySize(r.Op, r.Key, r.Payload)
}

func bodySize(op core.OpType, key, payload []byte) int {
	return core.CommitIDSize + 1 +
		uvarintLen(uint64(len(key))) + len(key) +
		uvarintLen(uint64(len(payload))) + len(payload)
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// encodedTail is a record encoded up to everything except its commit id.
type encodedTail struct {
	frame   []byte // full frame with zeroed commit id and checksum
	partial uint32 // crc over body[8:]
}

func encodeTail(op core.OpType, key, payload []byte) encodedTail {
	bs := bodySize(op, key, payload)
	frame := make([]byte, frameLenSize+bs+core.ChecksumSize)
	binary.LittleEndian.PutUint32(frame[0:4], uint32(bs))
	p := frameHeaderSize
	frame[p] = byte(op)
	p++
	p += binary.PutUvarint(frame[p:], uint64(len(key)))
	p += copy(frame[p:], key)
	p += binary.PutUvarint(frame[p:], uint64(len(payload)))
	copy(frame[p:], payload)
	return encodedTail{
		frame:   frame,
		partial: crc32.ChecksumIEEE(frame[frameHeaderSize : frameLenSize+bs]),
	}
}

// seal stamps the commit id and checksum into the frame.
func (t encodedTail) seal(id core.CommitID) uint32 {
	binary.LittleEndian.PutUint64(t.frame[frameLenSize:frameHeaderSize], uint64(id))
	sum := crc32.Update(t.partial, crc32.IEEETable, t.frame[frameLenSize:frameHeaderSize])
	binary.LittleEndian.PutUint32(t.frame[len(t.frame)-core.ChecksumSize:], sum)
	return sum
}

// EncodeRecord returns the on-disk frame of r, computing its checksum.
func EncodeRecord(r Record) ([]byte, uint32) {
	t := encodeTail(r.Op, r.Key, r.Payload)
	sum := t.seal(r.CommitID)
	return t.frame, sum
}

var (
	errShortFrame = errors.New("frame extends past end of data")
	errBadLength  = errors.New("implausible frame length")
)

// decodeFrame parses the frame at the start of b. It returns the record and
// the number of bytes consumed. errShortFrame means b ends inside the frame.
func decodeFrame(b []byte, maxBody int) (Record, int, error) {
	if len(b) < frameLenSize {
		return Record{}, 0, errShortFrame
	}
	bs := int(binary.LittleEndian.Uint32(b[0:4]))
	if bs < minBodySize || bs > maxBody {
		return Record{}, 0, errBadLength
	}
	total := frameLenSize + bs + core.ChecksumSize
	if len(b) < total {
		return Record{}, 0, errShortFrame
	}
	body := b[frameLenSize : frameLenSize+bs]
	want := binary.LittleEndian.Uint32(b[frameLenSize+bs : total])
	got := crc32.Update(crc32.ChecksumIEEE(body[core.CommitIDSize:]), crc32.IEEETable, body[:core.CommitIDSize])
	if got != want {
		return Record{}, 0, core.ErrChecksumMismatch
	}

	rec := Record{
		CommitID: core.CommitID(binary.LittleEndian.Uint64(body[0:8])),
		Op:       core.OpType(body[8]),
		Checksum: got,
	}
	if !rec.Op.Valid() {
		return Record{}, 0, fmt.Errorf("%w: unknown op %d", core.ErrCorruptLog, body[8])
	}
	rest := body[9:]
	key, rest, err := readBytes(rest)
	if err != nil {
		return Record{}, 0, fmt.Errorf("%w: key: %v", core.ErrCorruptLog, err)
	}
	payload, rest, err := readBytes(rest)
	if err != nil {
		return Record{}, 0, fmt.Errorf("%w: payload: %v", core.ErrCorruptLog, err)
	}
	if len(rest) != 0 {
		return Record{}, 0, fmt.Errorf("%w: %d trailing bytes in record body", core.ErrCorruptLog, len(rest))
	}
	rec.Key = append([]byte(nil), key...)
	rec.Payload = append([]byte(nil), payload...)
	return rec, total, nil
}

func readBytes(b []byte) ([]byte, []byte, error) {
	n, k := binary.Uvarint(b)
	if k <= 0 {
		return nil, nil, errors.New("bad length prefix")
	}
	b = b[k:]
	if uint64(len(b)) < n {
		return nil, nil, errors.New("length prefix exceeds body")
	}
	return b[:n], b[n:], nil
}

const (
	mutPut    byte = 0
	mutDelete byte = 1
)

// EncodeMutations serializes the mutations of a batch record.
func EncodeMutations(muts []core.Mutation) []byte {
	size := uvarintLen(uint64(len(muts)))
	for _, m := range muts {
		size += 1 + uvarintLen(uint64(len(m.Key))) + len(m.Key) + uvarintLen(uint64(len(m.Value))) + len(m.Value)
	}
	out := make([]byte, 0, size)
	out = binary.AppendUvarint(out, uint64(len(muts)))
	for _, m := range muts {
		if m.Delete {
			out = append(out, mutDelete)
		} else {
			out = append(out, mutPut)
		}
		out = binary.AppendUvarint(out, uint64(len(m.Key)))
		out = append(out, m.Key...)
		if m.Delete {
			out = binary.AppendUvarint(out, 0)
			continue
		}
		out = binary.AppendUvarint(out, uint64(len(m.Value)))
		out = append(out, m.Value...)
	}
	return out
}

// DecodeMutations reverses EncodeMutations.
func DecodeMutations(b []byte) ([]core.Mutation, error) {
	count, k := binary.Uvarint(b)
	if k <= 0 {
		return nil, fmt.Errorf("%w: batch count", core.ErrCorruptLog)
	}
	b = b[k:]
	if count > uint64(len(b)) {
		return nil, fmt.Errorf("%w: batch count %d exceeds payload", core.ErrCorruptLog, count)
	}
	muts := make([]core.Mutation, 0, count)
	for i := uint64(0); i < count; i++ {
		if len(b) == 0 {
			return nil, fmt.Errorf("%w: batch truncated at mutation %d", core.ErrCorruptLog, i)
		}
		kind := b[0]
		var key, val []byte
		var err error
		if key, b, err = readBytes(b[1:]); err != nil {
			return nil, fmt.Errorf("%w: mutation %d key: %v", core.ErrCorruptLog, i, err)
		}
		if val, b, err = readBytes(b); err != nil {
			return nil, fmt.Errorf("%w: mutation %d value: %v", core.ErrCorruptLog, i, err)
		}
		switch kind {
		case mutPut:
			muts = append(muts, core.Mutation{Key: key, Value: val})
		case mutDelete:
			muts = append(muts, core.Mutation{Key: key, Delete: true})
		default:
			return nil, fmt.Errorf("%w: mutation %d kind %d", core.ErrCorruptLog, i, kind)
		}
	}
	if len(b) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes in batch", core.ErrCorruptLog, len(b))
	}
	return muts, nil
}

// ChainDigest folds rec into the running digest of the log. Two logs with
// equal digests at the same commit id hold the same records up to it.
func ChainDigest(prev uint64, commit core.CommitID, checksum uint32) uint64 {
	var b [20]byte
	binary.LittleEndian.PutUint64(b[0:8], prev)
	binary.LittleEndian.PutUint64(b[8:16], uint64(commit))
	binary.LittleEndian.PutUint32(b[16:20], checksum)
	return xxhash.Sum64(b[:])
}
