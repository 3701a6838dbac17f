package engine

import (
	"context"
	"fmt"

	"github.com/INLOpen/nexusdoc/checkpoint"
	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/hooks"
	"github.com/INLOpen/nexusdoc/mvcc"
	"github.com/INLOpen/nexusdoc/wal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Commit writes muts as one WAL record and returns its commit id once the
// record is durable and its versions are visible. The node must hold write
// authority, as read from the authority marker on disk.
func (e *StorageEngine) Commit(ctx context.Context, muts []core.Mutation) (core.CommitID, error) {
	if err := e.CheckStarted(); err != nil {
		return 0, err
	}
	ctx, span := e.tracer.Start(ctx, "StorageEngine.Commit")
	defer span.End()
	span.SetAttributes(attribute.Int("commit.mutations", len(muts)))

	// Encoding happens before any lock is taken.
	rec, err := wal.NewRecord(muts)
	if err != nil {
		return 0, err
	}

	e.authMu.RLock()
	log, store := e.wal, e.store
	id, err := e.appendAsPrimary(rec)
	if err == nil {
		e.inflight.Add(1)
	}
	e.authMu.RUnlock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append_failed")
		return 0, err
	}
	if err := e.publish(log, store, id, muts); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish_failed")
		return 0, err
	}
	span.SetAttributes(attribute.Int64("commit.id", int64(id)))

	_ = hooks.Trigger(ctx, e.hookManager, hooks.NewPostCommitEvent(hooks.CommitPayload{
		CommitID:  id,
		Mutations: len(muts),
	}))
	return id, nil
}

// publish waits for commit id to be durable and makes it visible. Demote
// and Close wait for it to return.
func (e *StorageEngine) publish(log *wal.WAL, store *mvcc.Store, id core.CommitID, muts []core.Mutation) error {
	defer e.inflight.Done()
	if err := log.FlushDurableThrough(id); err != nil {
		return err
	}
	if err := store.Apply(id, muts); err != nil {
		return core.Fatal("engine.commit", fmt.Errorf("publish commit %d: %w", id, err))
	}
	return nil
}

func (e *StorageEngine) appendAsPrimary(rec wal.Record) (core.CommitID, error) {
	if err := e.CheckStarted(); err != nil {
		return 0, err
	}
	primary, err := e.IsPrimary()
	if err != nil {
		return 0, err
	}
	if !primary {
		return 0, core.Reject("engine.commit", fmt.Errorf("%w: %s", core.ErrNoWriteAuthority, e.opts.NodeID))
	}
	return e.wal.Append(rec.Op, rec.Key, rec.Payload)
}

// Put commits a single key.
func (e *StorageEngine) Put(ctx context.Context, key, value []byte) (core.CommitID, error) {
	return e.Commit(ctx, []core.Mutation{{Key: key, Value: value}})
}

// Delete commits a tombstone for key.
func (e *StorageEngine) Delete(ctx context.Context, key []byte) (core.CommitID, error) {
	return e.Commit(ctx, []core.Mutation{{Key: key, Delete: true}})
}

// BeginSnapshot opens a read view at the newest visible commit. The caller
// must End it.
func (e *StorageEngine) BeginSnapshot() (*mvcc.Snapshot, error) {
	if err := e.CheckStarted(); err != nil {
		return nil, err
	}
	return e.store.BeginSnapshot(), nil
}

// BeginSnapshotAt opens a read view at an older commit.
func (e *StorageEngine) BeginSnapshotAt(c core.CommitID) (*mvcc.Snapshot, error) {
	if err := e.CheckStarted(); err != nil {
		return nil, err
	}
	return e.store.BeginSnapshotAt(c)
}

// Read returns key as seen by snap.
func (e *StorageEngine) Read(key []byte, snap *mvcc.Snapshot) ([]byte, bool) {
	return snap.Get(key)
}

// Get reads key at the newest visible commit.
func (e *StorageEngine) Get(key []byte) ([]byte, bool, error) {
	snap, err := e.BeginSnapshot()
	if err != nil {
		return nil, false, err
	}
	defer snap.End()
	v, ok := snap.Get(key)
	return v, ok, nil
}

// DurableCommitID is the newest commit whose WAL record is fsynced.
func (e *StorageEngine) DurableCommitID() core.CommitID {
	if w := e.wal; w != nil {
		return w.DurableCommitID()
	}
	return 0
}

// VisibleCommitID is the newest commit readers can see.
func (e *StorageEngine) VisibleCommitID() core.CommitID {
	if s := e.store; s != nil {
		return s.Visible()
	}
	return 0
}

// DigestAt returns the WAL chain digest at commit c.
func (e *StorageEngine) DigestAt(c core.CommitID) (uint64, error) {
	if err := e.CheckStarted(); err != nil {
		return 0, err
	}
	return e.wal.DigestAt(c)
}

// Checkpoint writes a checkpoint at the newest visible commit and
// truncates the WAL below it.
func (e *StorageEngine) Checkpoint(ctx context.Context) (checkpoint.Marker, error) {
	if err := e.CheckStarted(); err != nil {
		return checkpoint.Marker{}, err
	}
	return e.checkpoints.Run(ctx)
}

// CheckpointAt writes a checkpoint at cutoff.
func (e *StorageEngine) CheckpointAt(ctx context.Context, cutoff core.CommitID) (checkpoint.Marker, error) {
	if err := e.CheckStarted(); err != nil {
		return checkpoint.Marker{}, err
	}
	return e.checkpoints.RunAt(ctx, cutoff)
}

// CollectGarbage drops versions that neither an open snapshot nor the
// current checkpoint can see.
func (e *StorageEngine) CollectGarbage() (mvcc.GCStats, error) {
	if err := e.CheckStarted(); err != nil {
		return mvcc.GCStats{}, err
	}
	if m, ok := e.checkpoints.Current(); ok {
		e.store.Retain(m.CommitID)
	}
	stats := e.store.CollectGarbage()
	e.logger.Debug("Garbage collected", "horizon", uint64(stats.Horizon), "versions_removed", stats.VersionsRemoved)
	return stats, nil
}

// Status is a point-in-time summary of the node.
type Status struct {
	NodeID          string
	Primary         bool
	DurableCommitID core.CommitID
	VisibleCommitID core.CommitID
	Checkpoint      core.CommitID
	WALSegments     int
	Store           mvcc.Stats
	Halted          error
}

// Status reports the node's positions.
func (e *StorageEngine) Status() (Status, error) {
	if err := e.CheckStarted(); err != nil {
		return Status{}, err
	}
	primary, err := e.IsPrimary()
	if err != nil {
		return Status{}, err
	}
	st := Status{
		NodeID:          e.opts.NodeID,
		Primary:         primary,
		DurableCommitID: e.wal.DurableCommitID(),
		VisibleCommitID: e.store.Visible(),
		WALSegments:     len(e.wal.Segments()),
		Store:           e.store.Stats(),
	}
	if m, ok := e.checkpoints.Current(); ok {
		st.Checkpoint = m.CommitID
	}
	if err := e.wal.Halted(); err != nil {
		st.Halted = err
	} else if err := e.checkpoints.Halted(); err != nil {
		st.Halted = err
	}
	return st, nil
}
