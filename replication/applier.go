package replication

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/wal"
)

// Target is a replica that takes records from its primary verbatim. It
// must write each record to its own log under the primary's commit id
// before publishing it.
type Target interface {
	ApplyReplicated(ctx context.Context, rec wal.Record) error
	DurableCommitID() core.CommitID
}

// Applier checks records received from a primary and applies them to a
// local target in strict commit order.
type Applier struct {
	target Target
	logger *slog.Logger
}

// NewApplier creates a new replication applier.
func NewApplier(target Target, logger *slog.Logger) *Applier {
	return &Applier{
		target: target,
		logger: logger.With("component", "ReplicationApplier"),
	}
}

// Apply verifies rec and applies it. A record that does not directly follow
// the target's durable position, or whose checksum does not match its
// contents, is fatal for the stream: replication cannot continue past it.
func (a *Applier) Apply(ctx context.Context, rec wal.Record) error {
	expected := a.target.DurableCommitID() + 1
	if rec.CommitID != expected {
		return core.Fatal("replication.apply", fmt.Errorf("%w: received %d, expected %d", core.ErrCommitGap, rec.CommitID, expected))
	}
	if _, sum := wal.EncodeRecord(rec); sum != rec.Checksum {
		return core.Fatal("replication.apply", fmt.Errorf("%w: record %d", core.ErrChecksumMismatch, rec.CommitID))
	}
	if err := a.target.ApplyReplicated(ctx, rec); err != nil {
		a.logger.Error("Failed to apply replicated record", "commit_id", uint64(rec.CommitID), "error", err)
		return err
	}
	a.logger.Debug("Applied replicated record", "commit_id", uint64(rec.CommitID), "op", rec.Op)
	return nil
}
