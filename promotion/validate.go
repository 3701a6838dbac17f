package promotion

import (
	"context"
	"fmt"
	"time"

	"github.com/INLOpen/nexusdoc/authority"
	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/replication"
)

// Node is the local candidate. The engine satisfies it.
type Node interface {
	NodeID() string
	DurableCommitID() core.CommitID
	DigestAt(core.CommitID) (uint64, error)
	// Authority reads the local authority marker from disk.
	Authority() (authority.Marker, bool, error)
	// AssumeAuthority durably writes a marker naming this node, sequenced
	// with respect to the node's WAL appends.
	AssumeAuthority(ctx context.Context, previousPrimaryID string) (authority.Marker, error)
}

// ReplicationHealth reports how the candidate's replication is doing.
// *replication.Follower satisfies it.
type ReplicationHealth interface {
	Status() replication.Status
}

// PrimaryStatus is the control plane's observation of the current primary.
type PrimaryStatus struct {
	NodeID          string
	DurableCommitID core.CommitID
	// AckedCommitID is the newest commit acknowledged to a client.
	AckedCommitID core.CommitID
	// AckedDigest is the primary's WAL chain digest at AckedCommitID.
	AckedDigest uint64
	// HoldsAuthority is false only once the primary has been demoted or
	// fenced.
	HoldsAuthority bool
	ObservedAt     time.Time
}

// PrimaryProbe fetches the primary's status.
type PrimaryProbe interface {
	PrimaryStatus(ctx context.Context) (PrimaryStatus, error)
}

// PrimaryProbeFunc adapts a function to PrimaryProbe.
type PrimaryProbeFunc func(ctx context.Context) (PrimaryStatus, error)

func (f PrimaryProbeFunc) PrimaryStatus(ctx context.Context) (PrimaryStatus, error) { return f(ctx) }

// Evidence is what a validation looked at.
type Evidence struct {
	Primary           PrimaryStatus
	Replication       replication.Status
	CandidateCommitID core.CommitID
	CandidateDigest   uint64
	// Overridden holds the write-loss denial that force bypassed.
	Overridden *DenialReason
}

// validate runs every check from scratch. It returns a denial, or nil with
// the evidence that passed. force only turns a write-loss denial into
// Evidence.Overridden.
func (c *Controller) validate(ctx context.Context, candidateID string, force bool) (Evidence, *DenialReason) {
	var ev Evidence
	now := c.clock.Now()

	if candidateID != c.node.NodeID() {
		return ev, &DenialReason{
			Code:      CodeCandidateMismatch,
			Invariant: InvariantFailClosed,
			Message:   fmt.Sprintf("request names %q but this node is %q", candidateID, c.node.NodeID()),
		}
	}

	// --- Fail-closed: a fresh primary status is required ---
	status, err := c.probe.PrimaryStatus(ctx)
	if err != nil {
		return ev, &DenialReason{
			Code:      CodeStatusUnavailable,
			Invariant: InvariantFailClosed,
			Message:   "primary status could not be obtained",
			Cause:     err,
		}
	}
	ev.Primary = status
	age := now.Sub(status.ObservedAt)
	if status.ObservedAt.IsZero() || age > c.opts.MaxStatusAge {
		return ev, &DenialReason{
			Code:      CodeStatusStale,
			Invariant: InvariantFailClosed,
			Message:   fmt.Sprintf("primary status observed %s ago exceeds %s", age, c.opts.MaxStatusAge),
			PrimaryID: status.NodeID,
			Age:       age,
			Limit:     c.opts.MaxStatusAge,
		}
	}

	// --- Single write authority ---
	if status.NodeID == candidateID {
		return ev, &DenialReason{
			Code:      CodeAlreadyPrimary,
			Invariant: InvariantSingleAuthority,
			Message:   fmt.Sprintf("%s is already the primary", candidateID),
			PrimaryID: status.NodeID,
		}
	}
	if status.HoldsAuthority {
		return ev, &DenialReason{
			Code:      CodeAuthorityHeld,
			Invariant: InvariantSingleAuthority,
			Message:   fmt.Sprintf("%s still holds write authority; demote or fence it first", status.NodeID),
			PrimaryID: status.NodeID,
		}
	}
	local, found, err := c.node.Authority()
	if err != nil {
		return ev, &DenialReason{
			Code:      CodeAuthorityUnreadable,
			Invariant: InvariantSingleAuthority,
			Message:   "local authority marker could not be read",
			Cause:     err,
		}
	}
	if found {
		code, msg := CodeLocalAuthority, fmt.Sprintf("local marker names %s", local.PrimaryNodeID)
		if local.HeldBy(candidateID) {
			code, msg = CodeAlreadyPrimary, fmt.Sprintf("%s already holds a local authority marker", candidateID)
		}
		return ev, &DenialReason{Code: code, Invariant: InvariantSingleAuthority, Message: msg, PrimaryID: status.NodeID}
	}

	// --- Fail-closed: replication must be live ---
	if c.health == nil {
		return ev, &DenialReason{
			Code:      CodeReplicationUnknown,
			Invariant: InvariantFailClosed,
			Message:   "no replication status is available",
			PrimaryID: status.NodeID,
		}
	}
	rs := c.health.Status()
	ev.Replication = rs
	if rs.Halted {
		return ev, &DenialReason{
			Code:      CodeReplicationHalted,
			Invariant: InvariantFailClosed,
			Message:   "replication is halted",
			PrimaryID: status.NodeID,
			Cause:     rs.Err,
		}
	}
	if rs.PrimaryID != "" && rs.PrimaryID != status.NodeID {
		return ev, &DenialReason{
			Code:      CodePrimaryMismatch,
			Invariant: InvariantFailClosed,
			Message:   fmt.Sprintf("replicating from %s but the reported primary is %s", rs.PrimaryID, status.NodeID),
			PrimaryID: status.NodeID,
		}
	}
	lag := now.Sub(rs.LastContact)
	if rs.LastContact.IsZero() || lag > c.opts.MaxReplicationStaleness {
		return ev, &DenialReason{
			Code:      CodeReplicationStale,
			Invariant: InvariantFailClosed,
			Message:   fmt.Sprintf("last contact with the primary was %s ago, limit %s", lag, c.opts.MaxReplicationStaleness),
			PrimaryID: status.NodeID,
			Age:       lag,
			Limit:     c.opts.MaxReplicationStaleness,
		}
	}

	// --- No acknowledged write loss ---
	ev.CandidateCommitID = c.node.DurableCommitID()
	if d := c.checkWriteLoss(ev.CandidateCommitID, status, &ev); d != nil {
		d.PrimaryID = status.NodeID
		if !force {
			return ev, d
		}
		ev.Overridden = d
	}
	return ev, nil
}

func (c *Controller) checkWriteLoss(candidate core.CommitID, status PrimaryStatus, ev *Evidence) *DenialReason {
	acked := status.AckedCommitID
	if candidate < acked {
		return gapDenial(candidate, acked)
	}
	if acked == 0 {
		return nil
	}
	digest, err := c.node.DigestAt(acked)
	if err != nil {
		return &DenialReason{
			Code:                 CodeDigestUnavailable,
			Invariant:            InvariantNoWriteLoss,
			Message:              fmt.Sprintf("cannot prove the candidate log matches the primary at commit %d", acked),
			CandidateCommitID:    candidate,
			PrimaryAckedCommitID: acked,
			Cause:                err,
		}
	}
	ev.CandidateDigest = digest
	if digest != status.AckedDigest {
		return &DenialReason{
			Code:                 CodeDivergentLog,
			Invariant:            InvariantNoWriteLoss,
			Message:              fmt.Sprintf("candidate log diverges from the primary at or before commit %d", acked),
			CandidateCommitID:    candidate,
			PrimaryAckedCommitID: acked,
			CandidateDigest:      digest,
			PrimaryDigest:        status.AckedDigest,
		}
	}
	return nil
}
