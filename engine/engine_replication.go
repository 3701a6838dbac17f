package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/INLOpen/nexusdoc/authority"
	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/hooks"
	"github.com/INLOpen/nexusdoc/promotion"
	"github.com/INLOpen/nexusdoc/replication"
	"github.com/INLOpen/nexusdoc/wal"
)

var (
	_ replication.Target = (*StorageEngine)(nil)
	_ replication.Log    = (*StorageEngine)(nil)
	_ promotion.Node     = (*StorageEngine)(nil)
)

// ErrAuthorityExists is returned by Bootstrap when a marker is present.
var ErrAuthorityExists = errors.New("authority marker already present")

// Authority reads the authority marker from disk. It is never cached.
func (e *StorageEngine) Authority() (authority.Marker, bool, error) {
	return authority.Read(e.opts.DataDir)
}

// IsPrimary reports whether the marker on disk names this node.
func (e *StorageEngine) IsPrimary() (bool, error) {
	m, found, err := e.Authority()
	if err != nil {
		return false, err
	}
	return found && m.HeldBy(e.opts.NodeID), nil
}

// Bootstrap makes this node the first primary of a new deployment. It is
// rejected when any marker is already present.
func (e *StorageEngine) Bootstrap(ctx context.Context) (authority.Marker, error) {
	if err := e.CheckStarted(); err != nil {
		return authority.Marker{}, err
	}
	e.authMu.Lock()
	defer e.authMu.Unlock()

	if m, found, err := e.Authority(); err != nil {
		return authority.Marker{}, err
	} else if found {
		return m, core.Reject("engine.bootstrap", fmt.Errorf("%w: held by %s", ErrAuthorityExists, m.PrimaryNodeID))
	}
	m, err := e.writeAuthority("")
	if err != nil {
		return authority.Marker{}, err
	}
	e.logger.Info("Bootstrapped write authority", "transition_commit_id", uint64(m.TransitionCommitID))
	return m, nil
}

// AssumeAuthority durably writes a marker naming this node. Appends are
// held off while the marker is written, so the transition commit id is
// exactly the durable position at the moment authority changes.
func (e *StorageEngine) AssumeAuthority(ctx context.Context, previousPrimaryID string) (authority.Marker, error) {
	if err := e.CheckStarted(); err != nil {
		return authority.Marker{}, err
	}
	ctx, span := e.tracer.Start(ctx, "StorageEngine.AssumeAuthority")
	defer span.End()

	e.authMu.Lock()
	defer e.authMu.Unlock()
	m, err := e.writeAuthority(previousPrimaryID)
	if err != nil {
		span.RecordError(err)
		return authority.Marker{}, err
	}
	e.logger.Info("Assumed write authority", "previous_primary", previousPrimaryID,
		"transition_commit_id", uint64(m.TransitionCommitID))
	return m, nil
}

func (e *StorageEngine) writeAuthority(previous string) (authority.Marker, error) {
	if err := e.wal.FlushDurable(); err != nil {
		return authority.Marker{}, err
	}
	m := authority.Marker{
		PrimaryNodeID:      e.opts.NodeID,
		TransitionCommitID: e.wal.DurableCommitID(),
		Timestamp:          e.clock.Now().UTC(),
		PreviousPrimaryID:  previous,
	}
	if err := authority.Write(e.opts.DataDir, m); err != nil {
		return authority.Marker{}, err
	}
	return m, nil
}

// Demote removes this node's authority marker. It returns after commits
// already appended have been published or failed; new ones are rejected.
func (e *StorageEngine) Demote(ctx context.Context) error {
	if err := e.CheckStarted(); err != nil {
		return err
	}
	e.authMu.Lock()
	defer e.authMu.Unlock()
	e.inflight.Wait()

	m, found, err := e.Authority()
	if err != nil {
		return err
	}
	if !found || !m.HeldBy(e.opts.NodeID) {
		return core.Reject("engine.demote", fmt.Errorf("%w: %s", core.ErrNoWriteAuthority, e.opts.NodeID))
	}
	if err := e.wal.FlushDurable(); err != nil {
		return err
	}
	if err := authority.Remove(e.opts.DataDir); err != nil {
		return err
	}
	durable := e.wal.DurableCommitID()
	e.logger.Info("Gave up write authority", "commit_id", uint64(durable))
	_ = hooks.Trigger(ctx, e.hookManager, hooks.NewPostDemotionEvent(hooks.DemotionPayload{
		NodeID:   e.opts.NodeID,
		CommitID: durable,
	}))
	return nil
}

// ApplyReplicated writes a record received from the primary to this
// node's WAL under the primary's commit id, waits for it to be durable and
// publishes it. Only a node without write authority accepts records.
func (e *StorageEngine) ApplyReplicated(ctx context.Context, rec wal.Record) error {
	if err := e.CheckStarted(); err != nil {
		return err
	}
	muts, err := rec.Mutations()
	if err != nil {
		return core.Fatal("engine.replicate", fmt.Errorf("%w: commit %d: %v", core.ErrCorruptLog, rec.CommitID, err))
	}

	e.authMu.RLock()
	defer e.authMu.RUnlock()
	primary, err := e.IsPrimary()
	if err != nil {
		return err
	}
	if primary {
		return core.Reject("engine.replicate", fmt.Errorf("%w: %s holds write authority", core.ErrNotReplica, e.opts.NodeID))
	}
	if err := e.wal.AppendRecord(rec); err != nil {
		return err
	}
	if err := e.wal.FlushDurableThrough(rec.CommitID); err != nil {
		return err
	}
	if err := e.store.Apply(rec.CommitID, muts); err != nil {
		return core.Fatal("engine.replicate", fmt.Errorf("publish commit %d: %w", rec.CommitID, err))
	}
	return nil
}

// NewStreamReader streams this node's durable records from commit from.
func (e *StorageEngine) NewStreamReader(from core.CommitID) (*wal.StreamReader, error) {
	if err := e.CheckStarted(); err != nil {
		return nil, err
	}
	return e.wal.NewStreamReader(from)
}

// PrimaryStatus reports this node as a primary for a promotion probe. Any
// durable commit may already have been acknowledged to a client, so the
// durable position is reported as acknowledged.
func (e *StorageEngine) PrimaryStatus(ctx context.Context) (promotion.PrimaryStatus, error) {
	if err := e.CheckStarted(); err != nil {
		return promotion.PrimaryStatus{}, err
	}
	primary, err := e.IsPrimary()
	if err != nil {
		return promotion.PrimaryStatus{}, err
	}
	acked := e.wal.DurableCommitID()
	var digest uint64
	if acked > 0 {
		if digest, err = e.wal.DigestAt(acked); err != nil {
			return promotion.PrimaryStatus{}, err
		}
	}
	return promotion.PrimaryStatus{
		NodeID:          e.opts.NodeID,
		DurableCommitID: acked,
		AckedCommitID:   acked,
		AckedDigest:     digest,
		HoldsAuthority:  primary,
		ObservedAt:      e.clock.Now(),
	}, nil
}
