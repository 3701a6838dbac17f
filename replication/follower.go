package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/wal"
)

// Status is a replica's view of its replication progress.
type Status struct {
	ReplicaID       string
	PrimaryID       string
	AppliedCommitID core.CommitID
	// PrimaryDurable is the primary's durable position at LastContact.
	PrimaryDurable core.CommitID
	LastContact    time.Time
	// Halted is set once replication cannot continue without an operator,
	// for example after a gap in the stream or a failed apply. Err says why.
	Halted bool
	Err    error
}

// Lag is how many commits the replica trailed the primary at LastContact.
func (s Status) Lag() uint64 {
	if s.PrimaryDurable <= s.AppliedCommitID {
		return 0
	}
	return uint64(s.PrimaryDurable - s.AppliedCommitID)
}

// FollowerOptions configures a Follower.
type FollowerOptions struct {
	ReplicaID string
	Source    Source
	Target    Target
	// Acks, when set, receives the replica's durable position after every
	// applied record.
	Acks   *AckTracker
	Clock  core.Clock
	Logger *slog.Logger
}

// Follower pulls records from a primary and applies them to a local
// replica. It does nothing on its own: progress happens in SyncOnce or Run.
type Follower struct {
	opts    FollowerOptions
	applier *Applier
	logger  *slog.Logger

	syncMu sync.Mutex

	mu     sync.RWMutex
	status Status
}

// NewFollower creates and initializes a new Follower instance.
func NewFollower(opts FollowerOptions) (*Follower, error) {
	if opts.Source == nil || opts.Target == nil {
		return nil, errors.New("replication: follower needs a source and a target")
	}
	if opts.Clock == nil {
		opts.Clock = core.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger := opts.Logger.With("component", "Follower", "primary", opts.Source.NodeID())
	return &Follower{
		opts:    opts,
		applier: NewApplier(opts.Target, logger),
		logger:  logger,
		status: Status{
			ReplicaID:       opts.ReplicaID,
			PrimaryID:       opts.Source.NodeID(),
			AppliedCommitID: opts.Target.DurableCommitID(),
		},
	}, nil
}

// Status returns a copy of the current replication status.
func (f *Follower) Status() Status {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.status
}

func (f *Follower) halted() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.status.Halted {
		return core.Fatal("replication", fmt.Errorf("%w: %v", core.ErrHalted, f.status.Err))
	}
	return nil
}

// SyncOnce applies every record the primary had made durable when the
// call started and returns how many were applied.
func (f *Follower) SyncOnce(ctx context.Context) (int, error) {
	f.syncMu.Lock()
	defer f.syncMu.Unlock()
	if err := f.halted(); err != nil {
		return 0, err
	}

	upto := f.opts.Source.DurableCommitID()
	applied := f.opts.Target.DurableCommitID()
	f.contact(upto, applied)
	if upto <= applied {
		return 0, nil
	}

	stream, err := f.opts.Source.Stream(applied + 1)
	if err != nil {
		return 0, f.sourceFailed(err)
	}
	defer stream.Close()

	n := 0
	for applied < upto {
		rec, err := stream.Next(ctx)
		if err != nil {
			return n, f.sourceFailed(err)
		}
		if err := f.apply(ctx, rec); err != nil {
			return n, err
		}
		applied = rec.CommitID
		n++
	}
	f.logger.Debug("Replica synchronized", "applied", n, "commit_id", uint64(applied))
	return n, nil
}

// Run streams records until ctx ends or replication fails. It returns
// ctx.Err() on cancellation.
func (f *Follower) Run(ctx context.Context) error {
	f.syncMu.Lock()
	defer f.syncMu.Unlock()
	if err := f.halted(); err != nil {
		return err
	}

	from := f.opts.Target.DurableCommitID() + 1
	f.logger.Info("Starting WAL stream", "from_commit_id", uint64(from))
	stream, err := f.opts.Source.Stream(from)
	if err != nil {
		return f.sourceFailed(err)
	}
	defer stream.Close()

	for {
		f.contact(f.opts.Source.DurableCommitID(), f.opts.Target.DurableCommitID())
		rec, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				f.logger.Info("Replication stream cancelled.")
				return ctx.Err()
			}
			return f.sourceFailed(err)
		}
		if err := f.apply(ctx, rec); err != nil {
			return err
		}
	}
}

func (f *Follower) apply(ctx context.Context, rec wal.Record) error {
	if err := f.applier.Apply(ctx, rec); err != nil {
		return f.fail(err, core.IsFatal(err))
	}
	durable := f.opts.Target.DurableCommitID()
	f.mu.Lock()
	f.status.AppliedCommitID = durable
	if rec.CommitID > f.status.PrimaryDurable {
		f.status.PrimaryDurable = rec.CommitID
	}
	f.status.LastContact = f.opts.Clock.Now()
	f.status.Err = nil
	f.mu.Unlock()
	if f.opts.Acks != nil {
		f.opts.Acks.Ack(f.opts.ReplicaID, durable)
	}
	return nil
}

func (f *Follower) contact(primaryDurable, applied core.CommitID) {
	f.mu.Lock()
	f.status.PrimaryDurable = primaryDurable
	f.status.AppliedCommitID = applied
	f.status.LastContact = f.opts.Clock.Now()
	f.mu.Unlock()
}

// fail records err and, when halt is set, stops replication until an
// operator intervenes.
func (f *Follower) fail(err error, halt bool) error {
	f.mu.Lock()
	f.status.Err = err
	if halt {
		f.status.Halted = true
	}
	f.mu.Unlock()

	if halt {
		f.logger.Error("Replication halted", "error", err)
	} else {
		f.logger.Warn("Replication step failed", "error", err)
	}
	return err
}

// sourceFailed handles an error from the primary's side of the stream. A
// failing primary does not halt the replica, whose own state is intact; it
// shows up as stale contact instead. Records the primary no longer has do
// halt it, since the replica cannot catch up by streaming.
func (f *Follower) sourceFailed(err error) error {
	return f.fail(err, errors.Is(err, wal.ErrTruncated))
}
