package engine

import (
	"context"

	"github.com/INLOpen/nexusdoc/authority"
	"github.com/INLOpen/nexusdoc/checkpoint"
	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/hooks"
	"github.com/INLOpen/nexusdoc/mvcc"
	"github.com/INLOpen/nexusdoc/wal"
)

// StorageEngineInterface is the surface the query layer and the control
// plane build on.
type StorageEngineInterface interface {
	Start(ctx context.Context) error
	Close() error
	NodeID() string

	Commit(ctx context.Context, muts []core.Mutation) (core.CommitID, error)
	Put(ctx context.Context, key, value []byte) (core.CommitID, error)
	Delete(ctx context.Context, key []byte) (core.CommitID, error)

	BeginSnapshot() (*mvcc.Snapshot, error)
	BeginSnapshotAt(c core.CommitID) (*mvcc.Snapshot, error)
	Read(key []byte, snap *mvcc.Snapshot) ([]byte, bool)
	Get(key []byte) ([]byte, bool, error)

	DurableCommitID() core.CommitID
	VisibleCommitID() core.CommitID
	DigestAt(c core.CommitID) (uint64, error)

	Checkpoint(ctx context.Context) (checkpoint.Marker, error)
	CollectGarbage() (mvcc.GCStats, error)
	Status() (Status, error)

	Authority() (authority.Marker, bool, error)
	IsPrimary() (bool, error)
	Bootstrap(ctx context.Context) (authority.Marker, error)
	AssumeAuthority(ctx context.Context, previousPrimaryID string) (authority.Marker, error)
	Demote(ctx context.Context) error

	ApplyReplicated(ctx context.Context, rec wal.Record) error
	NewStreamReader(from core.CommitID) (*wal.StreamReader, error)

	GetHookManager() hooks.HookManager
}
