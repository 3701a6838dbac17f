// Package checkpoint materializes the version store to disk in two phases
// and advances the point below which the WAL may be truncated.
//
// Phase A picks a cutoff, pins a snapshot at it and writes tentative part
// files while traffic continues. Phase B is strictly sequential: fsync the
// parts and their directory, durably write the marker, and only then
// truncate the WAL. Recovery reads parts only through a durable marker.
package checkpoint

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/nexusdoc/compressors"
	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/hooks"
	"github.com/INLOpen/nexusdoc/mvcc"
	"github.com/INLOpen/nexusdoc/sys"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPartMaxBytes = 4 << 20
	DefaultParallelism  = 2
)

// Log is the part of the WAL a checkpoint needs.
type Log interface {
	DigestAt(core.CommitID) (uint64, error)
	TruncateThrough(cutoff core.CommitID, digest uint64) ([]uint64, error)
}

// Stage names the boundaries between checkpoint steps.
type Stage int

const (
	// StagePartsWritten follows Phase A.
	StagePartsWritten Stage = iota + 1
	// StagePartsSynced follows the part and directory fsyncs.
	StagePartsSynced
	// StageMarkerDurable follows the marker write and read-back.
	StageMarkerDurable
	// StageTruncated follows WAL truncation.
	StageTruncated
)

func (s Stage) String() string {
	switch s {
	case StagePartsWritten:
		return "parts-written"
	case StagePartsSynced:
		return "parts-synced"
	case StageMarkerDurable:
		return "marker-durable"
	case StageTruncated:
		return "truncated"
	}
	return "unknown"
}

// Options configures a Manager.
type Options struct {
	Dir          string
	Store        *mvcc.Store
	Log          Log
	PartMaxBytes int
	Parallelism  int
	Compression  core.CompressionType
	Logger       *slog.Logger
	Tracer       trace.Tracer
	HookManager  hooks.HookManager
	// StageHook, when set, runs after each stage. An error aborts the run
	// at that point exactly as a crash would.
	StageHook func(Stage) error
}

// Manager runs checkpoints. Runs are serialized; a failure in Phase B halts
// the manager.
type Manager struct {
	opts   Options
	codec  compressors.Codec
	logger *slog.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	current Marker
	exists  bool
	halted  atomic.Pointer[error]
}

// NewManager prepares dir and loads the current marker, if any.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("checkpoint: store is required")
	}
	if opts.PartMaxBytes <= 0 {
		opts.PartMaxBytes = DefaultPartMaxBytes
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultParallelism
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("checkpoint")
	}
	codec, err := compressors.ForType(opts.Compression)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory %s: %w", opts.Dir, err)
	}
	m := &Manager{
		opts:   opts,
		codec:  codec,
		logger: opts.Logger.With("component", "CheckpointManager"),
		tracer: opts.Tracer,
	}
	m.current, m.exists, err = ReadMarker(opts.Dir)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Current returns the marker of the latest durable checkpoint.
func (m *Manager) Current() (Marker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.exists
}

// Halted returns the error that halted the manager, or nil.
func (m *Manager) Halted() error {
	if p := m.halted.Load(); p != nil {
		return *p
	}
	return nil
}

func (m *Manager) stage(s Stage) error {
	if m.opts.StageHook == nil {
		return nil
	}
	if err := m.opts.StageHook(s); err != nil {
		return fmt.Errorf("checkpoint stopped at %s: %w", s, err)
	}
	return nil
}

// Run takes a checkpoint at the newest visible commit. When that commit is
// already checkpointed the current marker is returned unchanged.
func (m *Manager) Run(ctx context.Context) (Marker, error) {
	return m.run(ctx, func() (*mvcc.Snapshot, error) {
		return m.opts.Store.BeginSnapshot(), nil
	})
}

// RunAt takes a checkpoint at cutoff, which must already be visible.
func (m *Manager) RunAt(ctx context.Context, cutoff core.CommitID) (Marker, error) {
	return m.run(ctx, func() (*mvcc.Snapshot, error) {
		return m.opts.Store.BeginSnapshotAt(cutoff)
	})
}

func (m *Manager) run(ctx context.Context, pin func() (*mvcc.Snapshot, error)) (Marker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Halted(); err != nil {
		return Marker{}, core.Fatal("checkpoint.run", fmt.Errorf("%w: %v", core.ErrHalted, err))
	}

	ctx, span := m.tracer.Start(ctx, "CheckpointManager.Run")
	defer span.End()
	start := time.Now()

	snap, err := pin()
	if err != nil {
		return Marker{}, err
	}
	defer snap.End()
	cutoff := snap.CommitID()
	span.SetAttributes(attribute.Int64("checkpoint.cutoff", int64(cutoff)))
	if cutoff == 0 || (m.exists && cutoff <= m.current.CommitID) {
		m.logger.Debug("Nothing new to checkpoint", "cutoff", uint64(cutoff))
		return m.current, nil
	}

	if err := hooks.Trigger(ctx, m.opts.HookManager, hooks.NewPreCheckpointEvent(hooks.PreCheckpointPayload{Cutoff: cutoff})); err != nil {
		return Marker{}, core.Reject("checkpoint.run", err)
	}

	var digest uint64
	if m.opts.Log != nil {
		d, err := m.opts.Log.DigestAt(cutoff)
		if err != nil {
			return Marker{}, core.Reject("checkpoint.run", fmt.Errorf("digest at %d: %w", cutoff, err))
		}
		digest = d
	}

	// Phase A
	parts, err := m.writeParts(ctx, snap)
	if err == nil {
		err = m.stage(StagePartsWritten)
	}
	if err != nil {
		m.discard(parts)
		span.RecordError(err)
		span.SetStatus(codes.Error, "phase_a_failed")
		return Marker{}, core.Reject("checkpoint.phase_a", err)
	}

	// Phase B
	marker := Marker{
		CommitID:      cutoff,
		Digest:        digest,
		CreatedAt:     time.Now().UTC(),
		FsyncComplete: true,
		Parts:         parts,
	}
	if err := m.commit(marker); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "phase_b_failed")
		return Marker{}, err
	}
	previous, hadPrevious := m.current, m.exists
	m.current, m.exists = marker, true

	if m.opts.Log != nil {
		if _, err := m.opts.Log.TruncateThrough(cutoff, digest); err != nil {
			m.logger.Error("WAL truncation after checkpoint failed; it will be retried by the next checkpoint", "cutoff", uint64(cutoff), "error", err)
		} else if err := m.stage(StageTruncated); err != nil {
			return marker, err
		}
	}
	if hadPrevious {
		if err := m.removeParts(previous.Parts); err != nil {
			m.logger.Warn("Failed to remove parts of the previous checkpoint", "error", err)
		}
	}

	elapsed := time.Since(start)
	m.logger.Info("Checkpoint complete", "commit_id", uint64(cutoff), "parts", len(parts), "versions", marker.Entries(), "duration", elapsed)
	span.SetAttributes(attribute.Int("checkpoint.parts", len(parts)), attribute.Int64("checkpoint.versions", int64(marker.Entries())))
	_ = hooks.Trigger(ctx, m.opts.HookManager, hooks.NewPostCheckpointEvent(hooks.PostCheckpointPayload{
		CommitID: cutoff,
		Parts:    len(parts),
		Versions: int(marker.Entries()),
		Duration: elapsed,
	}))
	return marker, nil
}

// writeParts serializes the snapshot into part files. At most Parallelism
// parts are being encoded and written at any time, which bounds memory.
func (m *Manager) writeParts(ctx context.Context, snap *mvcc.Snapshot) ([]FileRef, error) {
	cutoff := snap.CommitID()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Parallelism)

	var refsMu sync.Mutex
	refs := make(map[int]FileRef)
	seq := 0
	var chunk []Entry
	chunkBytes := 0

	flush := func() {
		entries, n := chunk, seq
		chunk, chunkBytes = nil, 0
		seq++
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ref, err := writePart(m.opts.Dir, core.FormatPartFileName(cutoff, n), entries, m.codec)
			if err != nil {
				return err
			}
			refsMu.Lock()
			refs[n] = ref
			refsMu.Unlock()
			return nil
		})
	}

	walkErr := snap.ForEachVisible(func(key []byte, v mvcc.Version) error {
		if err := gctx.Err(); err != nil {
			return err
		}
		e := Entry{Key: key, CommitID: v.CommitID, Value: v.Value}
		chunk = append(chunk, e)
		chunkBytes += e.size()
		if chunkBytes >= m.opts.PartMaxBytes {
			flush()
		}
		return nil
	})
	if walkErr == nil && len(chunk) > 0 {
		flush()
	}
	err := g.Wait()
	if walkErr != nil {
		err = walkErr
	}

	out := make([]FileRef, 0, len(refs))
	for i := 0; i < seq; i++ {
		if r, ok := refs[i]; ok {
			out = append(out, r)
		}
	}
	return out, err
}

// commit is Phase B up to the durable marker. Any failure halts the
// manager: the on-disk state is left for recovery to judge.
func (m *Manager) commit(marker Marker) error {
	for _, p := range marker.Parts {
		if err := syncPart(m.opts.Dir, p); err != nil {
			return m.halt(err)
		}
	}
	if err := sys.SyncDir(m.opts.Dir); err != nil {
		return m.halt(fmt.Errorf("fsync checkpoint directory: %w", err))
	}
	if err := m.stage(StagePartsSynced); err != nil {
		return m.halt(err)
	}

	if err := WriteMarker(m.opts.Dir, marker); err != nil {
		return m.halt(fmt.Errorf("write marker: %w", err))
	}
	back, found, err := ReadMarker(m.opts.Dir)
	if err != nil {
		return m.halt(fmt.Errorf("read back marker: %w", err))
	}
	if !found || back.CommitID != marker.CommitID || back.Digest != marker.Digest || len(back.Parts) != len(marker.Parts) {
		return m.halt(fmt.Errorf("%w: read-back does not match written marker", core.ErrMarkerCorrupt))
	}
	if err := m.stage(StageMarkerDurable); err != nil {
		return m.halt(err)
	}
	return nil
}

func (m *Manager) halt(err error) error {
	fatal := core.Fatal("checkpoint.phase_b", err)
	if m.halted.CompareAndSwap(nil, &fatal) {
		m.logger.Error("Checkpoint manager halted", "error", err)
		_ = hooks.Trigger(context.Background(), m.opts.HookManager, hooks.NewPostSubsystemHaltEvent(hooks.HaltPayload{Subsystem: "checkpoint", Err: fatal}))
	}
	return fatal
}

func (m *Manager) discard(parts []FileRef) {
	if err := m.removeParts(parts); err != nil {
		m.logger.Warn("Failed to discard tentative parts", "error", err)
	}
}

func (m *Manager) removeParts(parts []FileRef) error {
	var result *multierror.Error
	for _, p := range parts {
		if err := sys.Remove(filepath.Join(m.opts.Dir, p.Name)); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if len(parts) > 0 {
		if err := sys.SyncDir(m.opts.Dir); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// CleanupOrphans removes part files and staged marker files that the
// current marker does not reference. They are what an interrupted run
// leaves behind.
func (m *Manager) CleanupOrphans() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cleanupOrphans(m.opts.Dir, m.current, m.exists)
}

func cleanupOrphans(dir string, current Marker, exists bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint directory %s: %w", dir, err)
	}
	keep := make(map[string]bool)
	if exists {
		for _, p := range current.Parts {
			keep[p.Name] = true
		}
	}
	staged := filepath.Base(sys.TempPath(MarkerPath(dir)))

	var removed []string
	var result *multierror.Error
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || keep[name] {
			continue
		}
		_, _, perr := core.ParsePartFileName(name)
		if perr != nil && name != staged {
			continue
		}
		if err := sys.Remove(filepath.Join(dir, name)); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		removed = append(removed, name)
	}
	if len(removed) > 0 {
		if err := sys.SyncDir(dir); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return removed, result.ErrorOrNil()
}
