package wal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/hooks"
	"github.com/INLOpen/nexusdoc/sys"
)

const (
	// DefaultBatchMaxRecords is the number of records buffered before a
	// physical write is issued.
	DefaultBatchMaxRecords = 64
	// DefaultBatchMaxBytes bounds the batch buffer.
	DefaultBatchMaxBytes = 1 << 20
)

// Options holds configuration for the WAL.
type Options struct {
	Dir string
	// BatchMaxRecords and BatchMaxBytes bound the batch buffer. A batch is
	// written as soon as either bound is reached, or on FlushDurable.
	// BatchMaxRecords of 1 writes every record on its own.
	BatchMaxRecords int
	BatchMaxBytes   int
	MaxSegmentSize  int64
	MaxRecordSize   int
	// BaseCommitID and BaseDigest describe the checkpoint the log continues
	// from.
	BaseCommitID core.CommitID
	BaseDigest   uint64
	Logger       *slog.Logger
	HookManager  hooks.HookManager
}

func (o *Options) applyDefaults() {
	if o.BatchMaxRecords <= 0 {
		o.BatchMaxRecords = DefaultBatchMaxRecords
	}
	if o.BatchMaxBytes <= 0 {
		o.BatchMaxBytes = DefaultBatchMaxBytes
	}
	if o.MaxSegmentSize <= 0 {
		o.MaxSegmentSize = core.WALMaxSegmentSize
	}
	if o.MaxRecordSize <= 0 {
		o.MaxRecordSize = core.WALMaxRecordSize
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

// batch is a run of encoded frames with consecutive commit ids.
type batch struct {
	buf         []byte
	records     int
	first, last core.CommitID
	// digest is the chain digest at last.
	digest uint64
}

// WAL is the single writer of a node's log. Appends assign commit ids and
// buffer encoded records; FlushDurable writes and fsyncs them.
type WAL struct {
	dir         string
	opts        Options
	logger      *slog.Logger
	hookManager hooks.HookManager

	// mu guards commit id assignment and the batch buffer only.
	mu        sync.Mutex
	next      core.CommitID
	pending   batch
	tipDigest uint64
	closed    bool

	// writeMu orders physical writes and fsyncs. It is acquired while mu is
	// still held so batches reach the file in commit order.
	writeMu  sync.Mutex
	active   *segmentWriter
	sealed   []SegmentInfo
	written  core.CommitID
	writtenD uint64

	durable       atomic.Uint64
	durableDigest atomic.Uint64
	haltErr       atomic.Pointer[error]

	notifyMu sync.Mutex
	notify   chan struct{}

	baseMu     sync.Mutex
	baseCommit core.CommitID
	baseDigest uint64
}

// Open prepares the log in opts.Dir for appending. When state is nil the
// log is replayed first to find where it ends. A torn tail reported by the
// replay is cut off and writing continues in a fresh segment.
func Open(opts Options, state *ReplayResult) (*WAL, error) {
	opts.applyDefaults()
	logger := opts.Logger.With("component", "WAL")

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory %s: %w", opts.Dir, err)
	}
	if state == nil {
		var err error
		state, err = Replay(opts.Dir, ReplayOptions{
			After:         opts.BaseCommitID,
			BaseDigest:    opts.BaseDigest,
			MaxRecordSize: opts.MaxRecordSize,
		}, nil)
		if err != nil {
			return nil, err
		}
	}

	w := &WAL{
		dir:         opts.Dir,
		opts:        opts,
		logger:      logger,
		hookManager: opts.HookManager,
		next:        state.LastCommitID + 1,
		tipDigest:   state.LastDigest,
		written:     state.LastCommitID,
		writtenD:    state.LastDigest,
		sealed:      append([]SegmentInfo(nil), state.Segments...),
		notify:      make(chan struct{}),
		baseCommit:  opts.BaseCommitID,
		baseDigest:  opts.BaseDigest,
	}
	w.durable.Store(uint64(state.LastCommitID))
	w.durableDigest.Store(state.LastDigest)

	if err := w.discardTail(state.Tail); err != nil {
		return nil, core.Fatal("wal.open", err)
	}
	if err := w.syncLastSegment(); err != nil {
		return nil, core.Fatal("wal.open", err)
	}

	var nextIndex uint64 = 1
	if len(w.sealed) > 0 {
		nextIndex = w.sealed[len(w.sealed)-1].Index + 1
	}
	if state.Tail != nil && state.Tail.Segment >= nextIndex {
		nextIndex = state.Tail.Segment + 1
	}
	seg, err := createSegment(w.dir, nextIndex)
	if err != nil {
		return nil, core.Fatal("wal.open", err)
	}
	w.active = seg
	w.logger.Info("WAL opened", "dir", w.dir, "next_commit_id", uint64(w.next), "active_segment", nextIndex, "sealed_segments", len(w.sealed))
	return w, nil
}

func (w *WAL) discardTail(tail *TailInfo) error {
	if tail == nil {
		return nil
	}
	path := segmentPath(w.dir, tail.Segment)
	w.logger.Warn("Discarding torn WAL tail", "segment", tail.Segment, "offset", tail.Offset, "cause", tail.Cause)
	if tail.Offset < headerSize {
		for i, s := range w.sealed {
			if s.Index == tail.Segment {
				w.sealed = append(w.sealed[:i], w.sealed[i+1:]...)
				break
			}
		}
		return sys.RemoveDurable(path)
	}
	f, err := sys.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open %s for tail truncation: %w", path, err)
	}
	defer f.Close()
	if err := f.Truncate(tail.Offset); err != nil {
		return fmt.Errorf("truncate %s to %d: %w", path, tail.Offset, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("fsync %s: %w", path, err)
	}
	return nil
}

// syncLastSegment makes everything replay saw durable, whether or not it
// was fsynced before the restart.
func (w *WAL) syncLastSegment() error {
	if len(w.sealed) == 0 {
		return nil
	}
	path := segmentPath(w.dir, w.sealed[len(w.sealed)-1].Index)
	f, err := sys.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return f.Sync()
}

// Append assigns the next commit id to a record with the given contents and
// adds it to the batch buffer. The record is durable only once FlushDurable
// returns nil. A write error while flushing a full batch fails this call
// and halts the log.
func (w *WAL) Append(op core.OpType, key, payload []byte) (core.CommitID, error) {
	if !op.Valid() {
		return 0, core.Reject("wal.append", fmt.Errorf("unknown op %d", op))
	}
	if bodySize(op, key, payload) > w.opts.MaxRecordSize {
		return 0, core.Reject("wal.append", core.ErrRecordTooLarge)
	}
	tail := encodeTail(op, key, payload)

	w.mu.Lock()
	if err := w.checkLocked(); err != nil {
		w.mu.Unlock()
		return 0, err
	}
	id := w.next
	w.next++
	sum := tail.seal(id)
	w.addLocked(tail.frame, id, sum)
	if !w.batchFullLocked() {
		w.mu.Unlock()
		return id, nil
	}
	return id, w.writePendingAndUnlock()
}

// AppendRecord appends a record that already carries its commit id, as
// received from a primary. The id must be the next one in sequence.
func (w *WAL) AppendRecord(rec Record) error {
	if bodySize(rec.Op, rec.Key, rec.Payload) > w.opts.MaxRecordSize {
		return core.Reject("wal.append", core.ErrRecordTooLarge)
	}
	frame, sum := EncodeRecord(rec)
	if rec.Checksum != 0 && rec.Checksum != sum {
		return core.Reject("wal.append", fmt.Errorf("%w: replicated record %d", core.ErrChecksumMismatch, rec.CommitID))
	}

	w.mu.Lock()
	if err := w.checkLocked(); err != nil {
		w.mu.Unlock()
		return err
	}
	if rec.CommitID != w.next {
		next := w.next
		w.mu.Unlock()
		return core.Reject("wal.append", fmt.Errorf("%w: got %d, expected %d", core.ErrCommitGap, rec.CommitID, next))
	}
	w.next++
	w.addLocked(frame, rec.CommitID, sum)
	if !w.batchFullLocked() {
		w.mu.Unlock()
		return nil
	}
	return w.writePendingAndUnlock()
}

func (w *WAL) checkLocked() error {
	if w.closed {
		return core.Reject("wal.append", core.ErrClosed)
	}
	if err := w.haltErr.Load(); err != nil {
		return core.Fatal("wal.append", fmt.Errorf("%w: %v", core.ErrHalted, *err))
	}
	return nil
}

func (w *WAL) addLocked(frame []byte, id core.CommitID, sum uint32) {
	if w.pending.records == 0 {
		w.pending.first = id
	}
	w.pending.buf = append(w.pending.buf, frame...)
	w.pending.records++
	w.pending.last = id
	w.tipDigest = ChainDigest(w.tipDigest, id, sum)
	w.pending.digest = w.tipDigest
}

func (w *WAL) batchFullLocked() bool {
	return w.pending.records >= w.opts.BatchMaxRecords || len(w.pending.buf) >= w.opts.BatchMaxBytes
}

// writePendingAndUnlock hands the pending batch to the writer. It must be
// called with mu held and releases it once the write lock is taken.
func (w *WAL) writePendingAndUnlock() error {
	b := w.pending
	w.pending = batch{}
	w.writeMu.Lock()
	w.mu.Unlock()
	defer w.writeMu.Unlock()
	return w.writeBatchLocked(b)
}

// writeBatchLocked issues one physical write for b. Caller holds writeMu.
func (w *WAL) writeBatchLocked(b batch) error {
	if b.records == 0 {
		return nil
	}
	if err := w.haltErr.Load(); err != nil {
		return core.Fatal("wal.write", fmt.Errorf("%w: %v", core.ErrHalted, *err))
	}
	if w.active.Last != 0 && w.active.Size+int64(len(b.buf)) > w.opts.MaxSegmentSize {
		if err := w.rotateLocked(); err != nil {
			return w.halt("wal.rotate", err)
		}
	}
	if err := w.active.write(b.buf, b.first, b.last); err != nil {
		return w.halt("wal.write", fmt.Errorf("segment %d: %w", w.active.Index, err))
	}
	w.written = b.last
	w.writtenD = b.digest
	return nil
}

// FlushDurable writes any buffered records and fsyncs the active segment.
// When it returns nil every record appended before the call is durable.
// Callers arriving while another flush covers their records return without
// a second fsync.
func (w *WAL) FlushDurable() error {
	w.mu.Lock()
	if err := w.checkLocked(); err != nil {
		w.mu.Unlock()
		return err
	}
	target := w.next - 1
	if core.CommitID(w.durable.Load()) >= target {
		w.mu.Unlock()
		return nil
	}
	b := w.pending
	w.pending = batch{}
	w.writeMu.Lock()
	w.mu.Unlock()
	defer w.writeMu.Unlock()

	if err := w.writeBatchLocked(b); err != nil {
		return err
	}
	if core.CommitID(w.durable.Load()) >= target {
		return nil
	}
	if err := w.active.sync(); err != nil {
		return w.halt("wal.fsync", fmt.Errorf("segment %d: %w", w.active.Index, err))
	}
	w.publishDurable(w.written, w.writtenD)
	return nil
}

// FlushDurableThrough returns once commit id is durable. It reports success
// for an id that became durable before the log halted, so callers holding
// such an id can still publish it.
func (w *WAL) FlushDurableThrough(id core.CommitID) error {
	if core.CommitID(w.durable.Load()) >= id {
		return nil
	}
	err := w.FlushDurable()
	if err != nil && core.CommitID(w.durable.Load()) >= id {
		return nil
	}
	return err
}

func (w *WAL) publishDurable(id core.CommitID, digest uint64) {
	w.durableDigest.Store(digest)
	w.durable.Store(uint64(id))
	w.notifyMu.Lock()
	close(w.notify)
	w.notify = make(chan struct{})
	w.notifyMu.Unlock()
}

// rotateLocked seals the active segment and starts the next one. The old
// segment is fsynced first so the durable prefix never has holes.
func (w *WAL) rotateLocked() error {
	old := w.active
	if err := old.sync(); err != nil {
		return fmt.Errorf("fsync segment %d before rotation: %w", old.Index, err)
	}
	w.publishDurable(w.written, w.writtenD)
	seg, err := createSegment(w.dir, old.Index+1)
	if err != nil {
		return err
	}
	if err := old.close(); err != nil {
		w.logger.Error("failed to close segment during rotation", "path", old.path, "error", err)
	}
	w.sealed = append(w.sealed, old.SegmentInfo)
	w.active = seg
	w.logger.Info("Rotated to new WAL segment", "index", seg.Index, "path", seg.path)
	_ = hooks.Trigger(context.Background(), w.hookManager, hooks.NewPostWALRotateEvent(hooks.PostWALRotatePayload{
		OldSegmentIndex: old.Index,
		NewSegmentIndex: seg.Index,
		NewSegmentPath:  seg.path,
	}))
	return nil
}

// halt records err as the reason the log stopped. All later appends and
// flushes fail with ErrHalted.
func (w *WAL) halt(op string, err error) error {
	fatal := core.Fatal(op, err)
	if w.haltErr.CompareAndSwap(nil, &fatal) {
		w.logger.Error("WAL halted", "op", op, "error", err)
		_ = hooks.Trigger(context.Background(), w.hookManager, hooks.NewPostSubsystemHaltEvent(hooks.HaltPayload{Subsystem: "wal", Err: fatal}))
	}
	w.notifyMu.Lock()
	close(w.notify)
	w.notify = make(chan struct{})
	w.notifyMu.Unlock()
	return fatal
}

// Halted returns the error that halted the log, or nil.
func (w *WAL) Halted() error {
	if p := w.haltErr.Load(); p != nil {
		return *p
	}
	return nil
}

// DurableCommitID is the newest commit id known to be on stable storage.
func (w *WAL) DurableCommitID() core.CommitID {
	return core.CommitID(w.durable.Load())
}

// DurableDigest is the chain digest at DurableCommitID.
func (w *WAL) DurableDigest() uint64 {
	return w.durableDigest.Load()
}

// NextCommitID is the id the next Append will assign.
func (w *WAL) NextCommitID() core.CommitID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.next
}

// durableChanged returns a channel closed on the next durable advance or halt.
func (w *WAL) durableChanged() <-chan struct{} {
	w.notifyMu.Lock()
	defer w.notifyMu.Unlock()
	return w.notify
}

// Segments lists sealed segments followed by the active one.
func (w *WAL) Segments() []SegmentInfo {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	out := append([]SegmentInfo(nil), w.sealed...)
	if w.active != nil {
		out = append(out, w.active.SegmentInfo)
	}
	return out
}

// Dir returns the directory of the log.
func (w *WAL) Dir() string { return w.dir }

// TruncateThrough removes sealed segments holding only records at or below
// cutoff. It is called after a checkpoint at cutoff is durable, with that
// checkpoint's digest, which becomes the new base of the log.
func (w *WAL) TruncateThrough(cutoff core.CommitID, digest uint64) ([]uint64, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	var removed []uint64
	keep := 0
	for _, s := range w.sealed {
		if s.Last > cutoff {
			break
		}
		if err := sys.Remove(segmentPath(w.dir, s.Index)); err != nil {
			w.logger.Error("Failed to remove WAL segment", "index", s.Index, "error", err)
			break
		}
		removed = append(removed, s.Index)
		keep++
	}
	w.sealed = w.sealed[keep:]
	if len(removed) > 0 {
		if err := sys.SyncDir(w.dir); err != nil {
			return removed, fmt.Errorf("fsync WAL directory after truncation: %w", err)
		}
	}

	w.baseMu.Lock()
	if cutoff > w.baseCommit {
		w.baseCommit, w.baseDigest = cutoff, digest
	}
	w.baseMu.Unlock()

	if len(removed) > 0 {
		w.logger.Info("Truncated WAL", "cutoff", uint64(cutoff), "segments", removed)
		_ = hooks.Trigger(context.Background(), w.hookManager, hooks.NewPostWALTruncateEvent(hooks.WALTruncatePayload{
			Cutoff:          cutoff,
			RemovedSegments: removed,
		}))
	}
	return removed, nil
}

// ErrDigestUnavailable is returned when the log no longer holds the records
// needed to compute a digest.
var ErrDigestUnavailable = errors.New("digest not available from retained log")

// DigestAt computes the chain digest at commit id c from the retained,
// durable part of the log.
func (w *WAL) DigestAt(c core.CommitID) (uint64, error) {
	durable := w.DurableCommitID()
	if c > durable {
		return 0, fmt.Errorf("%w: commit %d is beyond durable %d", ErrDigestUnavailable, c, durable)
	}
	if c == durable {
		return w.DurableDigest(), nil
	}
	w.baseMu.Lock()
	base, digest := w.baseCommit, w.baseDigest
	w.baseMu.Unlock()
	if c < base {
		return 0, fmt.Errorf("%w: commit %d is below retained base %d", ErrDigestUnavailable, c, base)
	}
	if c == base {
		return digest, nil
	}

	found := false
	_, err := Replay(w.dir, ReplayOptions{After: base, BaseDigest: digest, MaxRecordSize: w.opts.MaxRecordSize}, func(r Record) error {
		digest = ChainDigest(digest, r.CommitID, r.Checksum)
		if r.CommitID == c {
			found = true
			return errStopReplay
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopReplay) {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("%w: commit %d not found", ErrDigestUnavailable, c)
	}
	return digest, nil
}

var errStopReplay = errors.New("stop replay")

// Close flushes and fsyncs buffered records, then closes the active segment.
func (w *WAL) Close() error {
	flushErr := w.FlushDurable()
	if core.IsReject(flushErr) {
		flushErr = nil
	}

	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if w.active == nil {
		return flushErr
	}
	closeErr := w.active.close()
	w.active = nil
	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		w.logger.Error("Error during WAL close.", "error", closeErr)
		return closeErr
	}
	w.logger.Info("WAL closed.")
	return nil
}
