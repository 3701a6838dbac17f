// Package engine ties the kernel together for one node: it recovers the
// data directory, owns the WAL writer and the version store, and exposes
// commits, snapshot reads, replication and authority changes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/nexusdoc/authority"
	"github.com/INLOpen/nexusdoc/checkpoint"
	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/hooks"
	"github.com/INLOpen/nexusdoc/mvcc"
	"github.com/INLOpen/nexusdoc/recovery"
	"github.com/INLOpen/nexusdoc/sys"
	"github.com/INLOpen/nexusdoc/wal"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	ErrEngineClosed         = errors.New("engine is closed or not started")
	ErrEngineAlreadyStarted = errors.New("engine is already started")
)

// lockName is the data-directory lock that keeps a second process from
// opening the same WAL.
const lockName = "nexusdoc"

type StorageEngineOptions struct {
	DataDir string
	NodeID  string

	WALBatchMaxRecords int
	WALBatchMaxBytes   int
	WALMaxSegmentSize  int64
	WALMaxRecordSize   int

	CheckpointPartMaxBytes int
	CheckpointParallelism  int
	CheckpointCompression  core.CompressionType

	// ScanChunk bounds the keys a range scan collects per pass.
	ScanChunk int

	LockRetries       int
	LockRetryInterval time.Duration

	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	HookManager    hooks.HookManager
	Clock          core.Clock
}

// StorageEngine is one node's kernel.
type StorageEngine struct {
	opts   StorageEngineOptions
	logger *slog.Logger
	tracer trace.Tracer
	clock  core.Clock

	hookManager hooks.HookManager

	isStarted atomic.Bool
	isClosing atomic.Bool

	// authMu sequences authority changes against appends: commits and
	// replicated applies hold it shared, AssumeAuthority and Demote hold it
	// exclusively.
	authMu sync.RWMutex
	// inflight counts commits that appended under authMu and have not yet
	// been published. It is only added to while authMu is held shared.
	inflight sync.WaitGroup

	releaseLock func() error
	wal         *wal.WAL
	store       *mvcc.Store
	checkpoints *checkpoint.Manager
	recovered   *recovery.Result
}

var _ StorageEngineInterface = (*StorageEngine)(nil)

// NewStorageEngine validates opts. Nothing on disk is touched until Start.
func NewStorageEngine(opts StorageEngineOptions) (*StorageEngine, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("data directory must be specified")
	}
	if opts.NodeID == "" {
		return nil, fmt.Errorf("node id must be specified")
	}

	var logger *slog.Logger
	if opts.Logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil)).With("component", "StorageEngine")
	} else {
		logger = opts.Logger.With("component", "StorageEngine")
	}
	if opts.Clock == nil {
		opts.Clock = core.SystemClock{}
	}
	if opts.LockRetryInterval <= 0 {
		opts.LockRetryInterval = 100 * time.Millisecond
	}
	hm := opts.HookManager
	if hm == nil {
		hm = hooks.NewHookManager(opts.Logger)
	}

	e := &StorageEngine{
		opts:        opts,
		logger:      logger.With("node_id", opts.NodeID),
		clock:       opts.Clock,
		hookManager: hm,
	}
	if opts.TracerProvider != nil {
		e.tracer = opts.TracerProvider.Tracer("github.com/INLOpen/nexusdoc/engine")
	} else {
		e.tracer = noop.NewTracerProvider().Tracer("")
	}
	return e, nil
}

// Start locks the data directory, recovers it and opens the WAL for
// appending. No request is served before Start returns.
func (e *StorageEngine) Start(ctx context.Context) (err error) {
	if !e.isStarted.CompareAndSwap(false, true) {
		return ErrEngineAlreadyStarted
	}
	e.isClosing.Store(false)
	defer func() {
		if err != nil {
			e.cleanup()
			e.isStarted.Store(false)
		}
	}()

	if err := os.MkdirAll(e.opts.DataDir, 0755); err != nil {
		e.logger.Error("failed to create data directory", "path", e.opts.DataDir, "error", err)
		return fmt.Errorf("failed to create data directory %s: %w", e.opts.DataDir, err)
	}
	release, err := sys.AcquireFileLock(filepath.Join(e.opts.DataDir, lockName), e.opts.LockRetries, e.opts.LockRetryInterval)
	if err != nil {
		return fmt.Errorf("failed to lock data directory %s: %w", e.opts.DataDir, err)
	}
	e.releaseLock = release

	// A crash during an authority change can leave a staged marker behind.
	if err := authority.CleanupStaged(e.opts.DataDir); err != nil {
		return core.Fatal("engine.start", err)
	}

	res, err := recovery.Recover(ctx, e.opts.DataDir, recovery.Options{
		Store:         mvcc.Options{Logger: e.opts.Logger, ScanChunk: e.opts.ScanChunk},
		MaxRecordSize: e.opts.WALMaxRecordSize,
		Logger:        e.opts.Logger,
		Tracer:        e.tracer,
		HookManager:   e.hookManager,
	})
	if err != nil {
		return err
	}
	e.recovered = res
	e.store = res.Store

	ckptDir, walDir := recovery.Dirs(e.opts.DataDir)
	e.wal, err = wal.Open(wal.Options{
		Dir:             walDir,
		BatchMaxRecords: e.opts.WALBatchMaxRecords,
		BatchMaxBytes:   e.opts.WALBatchMaxBytes,
		MaxSegmentSize:  e.opts.WALMaxSegmentSize,
		MaxRecordSize:   e.opts.WALMaxRecordSize,
		BaseCommitID:    res.Checkpoint.CommitID,
		BaseDigest:      res.Checkpoint.Digest,
		Logger:          e.opts.Logger,
		HookManager:     e.hookManager,
	}, res.Replay)
	if err != nil {
		return err
	}

	e.checkpoints, err = checkpoint.NewManager(checkpoint.Options{
		Dir:          ckptDir,
		Store:        e.store,
		Log:          e.wal,
		PartMaxBytes: e.opts.CheckpointPartMaxBytes,
		Parallelism:  e.opts.CheckpointParallelism,
		Compression:  e.opts.CheckpointCompression,
		Logger:       e.opts.Logger,
		Tracer:       e.tracer,
		HookManager:  e.hookManager,
	})
	if err != nil {
		return err
	}

	primary, err := e.IsPrimary()
	if err != nil {
		return err
	}
	e.logger.Info("StorageEngine started.", "data_dir", e.opts.DataDir,
		"durable_commit_id", uint64(e.wal.DurableCommitID()), "primary", primary)
	return nil
}

// CheckStarted returns ErrEngineClosed unless the engine is serving.
func (e *StorageEngine) CheckStarted() error {
	if !e.isStarted.Load() || e.isClosing.Load() {
		return ErrEngineClosed
	}
	return nil
}

// Close flushes and closes the WAL and releases the data directory.
func (e *StorageEngine) Close() error {
	if !e.isStarted.Load() {
		e.logger.Info("Close called on a non-running or already closed engine.")
		return nil
	}
	if !e.isClosing.CompareAndSwap(false, true) {
		e.logger.Info("Close operation already in progress.")
		return nil
	}

	// Wait for in-flight commits.
	e.authMu.Lock()
	defer e.authMu.Unlock()
	e.inflight.Wait()

	result := e.cleanup()
	e.hookManager.Stop()
	e.isStarted.Store(false)
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("errors during close: %w", err)
	}
	e.logger.Info("Shutdown complete.")
	return nil
}

func (e *StorageEngine) cleanup() *multierror.Error {
	var result *multierror.Error
	if e.wal != nil {
		if e.wal.Halted() == nil {
			if err := e.wal.FlushDurable(); err != nil {
				result = multierror.Append(result, fmt.Errorf("flush WAL: %w", err))
			}
		}
		if err := e.wal.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close WAL: %w", err))
		}
		e.wal = nil
	}
	if e.store != nil {
		e.store.Close()
	}
	if e.releaseLock != nil {
		if err := e.releaseLock(); err != nil {
			result = multierror.Append(result, fmt.Errorf("release data directory lock: %w", err))
		}
		e.releaseLock = nil
	}
	return result
}

// NodeID returns this node's id.
func (e *StorageEngine) NodeID() string { return e.opts.NodeID }

// DataDir returns the data directory.
func (e *StorageEngine) DataDir() string { return e.opts.DataDir }

// Store exposes the version store for read-only inspection.
func (e *StorageEngine) Store() *mvcc.Store { return e.store }

// RecoveryResult describes what Start recovered.
func (e *StorageEngine) RecoveryResult() *recovery.Result { return e.recovered }

// GetHookManager returns the engine's hook manager.
func (e *StorageEngine) GetHookManager() hooks.HookManager { return e.hookManager }
