package promotion

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/INLOpen/nexusdoc/core"
)

// Invariant names the rule a denial enforces.
type Invariant string

const (
	InvariantSingleAuthority Invariant = "single-write-authority"
	InvariantNoWriteLoss     Invariant = "no-acknowledged-write-loss"
	InvariantFailClosed      Invariant = "fail-closed"
)

// DenialCode identifies the check that failed.
type DenialCode string

const (
	CodeCandidateMismatch   DenialCode = "candidate_mismatch"
	CodeAlreadyPrimary      DenialCode = "already_primary"
	CodeAuthorityHeld       DenialCode = "authority_held"
	CodeLocalAuthority      DenialCode = "local_authority_conflict"
	CodeCommitGap           DenialCode = "commit_gap"
	CodeDivergentLog        DenialCode = "divergent_log"
	CodeDigestUnavailable   DenialCode = "digest_unavailable"
	CodeStatusUnavailable   DenialCode = "primary_status_unavailable"
	CodeStatusStale         DenialCode = "primary_status_stale"
	CodePrimaryMismatch     DenialCode = "primary_mismatch"
	CodeReplicationUnknown  DenialCode = "replication_unknown"
	CodeReplicationHalted   DenialCode = "replication_halted"
	CodeReplicationStale    DenialCode = "replication_stale"
	CodeAuditUnavailable    DenialCode = "audit_unavailable"
	CodeVetoed              DenialCode = "vetoed"
	CodeAuthorityUnreadable DenialCode = "authority_unreadable"
)

// ErrDenied matches every DenialReason with errors.Is.
var ErrDenied = errors.New("promotion denied")

// DenialReason explains why a promotion was refused. It names the invariant
// and carries the values that were compared.
type DenialReason struct {
	Code      DenialCode
	Invariant Invariant
	Message   string

	RequestID   string
	CandidateID string
	PrimaryID   string

	CandidateCommitID    core.CommitID
	PrimaryAckedCommitID core.CommitID
	// Gap is PrimaryAckedCommitID - CandidateCommitID for CodeCommitGap.
	Gap uint64

	CandidateDigest uint64
	PrimaryDigest   uint64

	// Age and Limit are set for the staleness denials.
	Age   time.Duration
	Limit time.Duration

	// Cause is the underlying error, if a check could not be evaluated.
	Cause error
}

var _ error = (*DenialReason)(nil)

func (d *DenialReason) Error() string {
	return fmt.Sprintf("promotion denied (%s, %s): %s", d.Invariant, d.Code, d.Message)
}

// Is reports ErrDenied so callers can test for any denial.
func (d *DenialReason) Is(target error) bool { return target == ErrDenied }

func (d *DenialReason) Unwrap() error { return d.Cause }

// Details flattens the evidence for the audit trail and hook payloads.
func (d *DenialReason) Details() map[string]string {
	out := map[string]string{
		"code":      string(d.Code),
		"invariant": string(d.Invariant),
		"message":   d.Message,
	}
	if d.PrimaryID != "" {
		out["primary_id"] = d.PrimaryID
	}
	if d.Code == CodeCommitGap || d.Code == CodeDivergentLog || d.Code == CodeDigestUnavailable {
		out["candidate_commit_id"] = strconv.FormatUint(uint64(d.CandidateCommitID), 10)
		out["primary_acked_commit_id"] = strconv.FormatUint(uint64(d.PrimaryAckedCommitID), 10)
	}
	if d.Gap > 0 {
		out["gap"] = strconv.FormatUint(d.Gap, 10)
	}
	if d.Code == CodeDivergentLog {
		out["candidate_digest"] = strconv.FormatUint(d.CandidateDigest, 16)
		out["primary_digest"] = strconv.FormatUint(d.PrimaryDigest, 16)
	}
	if d.Limit > 0 {
		out["age"] = d.Age.String()
		out["limit"] = d.Limit.String()
	}
	if d.Cause != nil {
		out["cause"] = d.Cause.Error()
	}
	return out
}

// bypassable reports whether force may override this denial. Only the
// write-loss checks qualify.
func (d *DenialReason) bypassable() bool {
	return d.Invariant == InvariantNoWriteLoss
}

func gapDenial(candidate, acked core.CommitID) *DenialReason {
	return &DenialReason{
		Code:                 CodeCommitGap,
		Invariant:            InvariantNoWriteLoss,
		Message:              fmt.Sprintf("candidate durable commit %d is behind primary acknowledged commit %d (gap %d)", candidate, acked, uint64(acked-candidate)),
		CandidateCommitID:    candidate,
		PrimaryAckedCommitID: acked,
		Gap:                  uint64(acked - candidate),
	}
}
