// Package recovery rebuilds the version store of a node from its last
// durable checkpoint and the WAL records that follow it. It runs once at
// startup, before any traffic.
package recovery

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/INLOpen/nexusdoc/checkpoint"
	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/hooks"
	"github.com/INLOpen/nexusdoc/mvcc"
	"github.com/INLOpen/nexusdoc/wal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Options configures a recovery run.
type Options struct {
	Store         mvcc.Options
	MaxRecordSize int
	// SkipOrphanCleanup leaves unreferenced checkpoint parts in place.
	SkipOrphanCleanup bool
	Logger            *slog.Logger
	Tracer            trace.Tracer
	HookManager       hooks.HookManager
}

// Result is the state a node resumes from.
type Result struct {
	Store         *mvcc.Store
	Checkpoint    checkpoint.Marker
	HasCheckpoint bool
	// LastCommitID and Digest describe the newest recovered commit.
	LastCommitID core.CommitID
	Digest       uint64
	// Replay is what the WAL scan found. It is handed to wal.Open so the
	// log is not read twice.
	Replay          *wal.ReplayResult
	RecordsReplayed int
	TailDiscarded   bool
	OrphansRemoved  []string
	Duration        time.Duration
}

// Dirs returns the checkpoint and WAL directories under dataDir.
func Dirs(dataDir string) (checkpointDir, walDir string) {
	return filepath.Join(dataDir, core.CheckpointDirName), filepath.Join(dataDir, core.WALDirName)
}

// Recover loads the durable checkpoint in dataDir, if any, and replays the
// WAL after its cutoff in commit order. The result depends only on the
// logical record sequence, not on how records were batched on disk.
//
// A torn or corrupt record at the tail of the newest segment ends the
// replay and is reported in TailDiscarded. Any other corruption, a break in
// the commit sequence or an unreadable checkpoint is fatal.
func Recover(ctx context.Context, dataDir string, opts Options) (*Result, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("recovery")
	}
	if opts.Store.Logger == nil {
		opts.Store.Logger = opts.Logger
	}
	logger := opts.Logger.With("component", "Recovery")
	ctx, span := opts.Tracer.Start(ctx, "Recovery.Recover")
	defer span.End()
	start := time.Now()

	fail := func(err error) (*Result, error) {
		if !core.IsFatal(err) {
			err = core.Fatal("recovery", err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "recovery_failed")
		logger.Error("Recovery failed", "data_dir", dataDir, "error", err)
		return nil, err
	}

	ckptDir, walDir := Dirs(dataDir)
	for _, dir := range []string{ckptDir, walDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fail(fmt.Errorf("create %s: %w", dir, err))
		}
	}

	// --- Phase 1: Load the durable checkpoint ---
	store := mvcc.New(opts.Store)
	marker, found, err := checkpoint.Load(ckptDir, store)
	if err != nil {
		return fail(err)
	}
	res := &Result{Store: store, Checkpoint: marker, HasCheckpoint: found}
	if found {
		logger.Info("Checkpoint loaded", "commit_id", uint64(marker.CommitID), "parts", len(marker.Parts), "versions", marker.Entries())
	} else {
		logger.Info("No checkpoint found, replaying the whole WAL")
	}
	if !opts.SkipOrphanCleanup {
		removed, err := checkpoint.CleanupDir(ckptDir)
		if err != nil {
			logger.Warn("Checkpoint orphan cleanup failed", "error", err)
		}
		res.OrphansRemoved = removed
	}

	// --- Phase 2: Replay the WAL after the cutoff ---
	replay, err := wal.Replay(walDir, wal.ReplayOptions{
		After:         marker.CommitID,
		BaseDigest:    marker.Digest,
		MaxRecordSize: opts.MaxRecordSize,
	}, func(rec wal.Record) error {
		muts, err := rec.Mutations()
		if err != nil {
			return fmt.Errorf("%w: commit %d: %v", core.ErrCorruptLog, rec.CommitID, err)
		}
		if err := store.Apply(rec.CommitID, muts); err != nil {
			return fmt.Errorf("apply commit %d: %w", rec.CommitID, err)
		}
		return nil
	})
	if err != nil {
		return fail(err)
	}
	if replay.Tail != nil {
		logger.Warn("Discarding incomplete WAL tail", "segment", replay.Tail.Segment, "offset", replay.Tail.Offset, "cause", replay.Tail.Cause)
	}

	res.Replay = replay
	res.LastCommitID = replay.LastCommitID
	res.Digest = replay.LastDigest
	res.RecordsReplayed = replay.Records
	res.TailDiscarded = replay.Tail != nil
	res.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int64("recovery.checkpoint_commit_id", int64(marker.CommitID)),
		attribute.Int64("recovery.last_commit_id", int64(res.LastCommitID)),
		attribute.Int("recovery.records_replayed", res.RecordsReplayed),
		attribute.Bool("recovery.tail_discarded", res.TailDiscarded),
	)
	logger.Info("Recovery complete",
		"checkpoint_commit_id", uint64(marker.CommitID),
		"last_commit_id", uint64(res.LastCommitID),
		"records_replayed", res.RecordsReplayed,
		"tail_discarded", res.TailDiscarded,
		"duration", res.Duration)
	_ = hooks.Trigger(ctx, opts.HookManager, hooks.NewPostRecoveryEvent(hooks.PostRecoveryPayload{
		CheckpointCommitID: marker.CommitID,
		LastCommitID:       res.LastCommitID,
		RecordsReplayed:    res.RecordsReplayed,
		TailDiscarded:      res.TailDiscarded,
		Duration:           res.Duration,
	}))
	return res, nil
}
