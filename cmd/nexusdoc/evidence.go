package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/promotion"
	"github.com/INLOpen/nexusdoc/replication"
)

// evidenceFile is what the control plane hands the promote command: its
// latest observation of the primary and of this replica's stream.
type evidenceFile struct {
	Primary struct {
		NodeID          string    `json:"node_id"`
		DurableCommitID uint64    `json:"durable_commit_id"`
		AckedCommitID   uint64    `json:"acked_commit_id"`
		AckedDigest     string    `json:"acked_digest"`
		HoldsAuthority  bool      `json:"holds_authority"`
		ObservedAt      time.Time `json:"observed_at"`
	} `json:"primary"`
	Replication *struct {
		PrimaryID       string    `json:"primary_id"`
		AppliedCommitID uint64    `json:"applied_commit_id"`
		PrimaryDurable  uint64    `json:"primary_durable"`
		LastContact     time.Time `json:"last_contact"`
		Halted          bool      `json:"halted"`
		Error           string    `json:"error,omitempty"`
	} `json:"replication"`
}

type evidence struct {
	primary     promotion.PrimaryStatus
	replication *replication.Status
}

func loadEvidence(path, replicaID string) (evidence, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return evidence{}, fmt.Errorf("read evidence file: %w", err)
	}
	var f evidenceFile
	if err := json.Unmarshal(data, &f); err != nil {
		return evidence{}, fmt.Errorf("parse evidence file %s: %w", path, err)
	}

	var digest uint64
	if f.Primary.AckedDigest != "" {
		if _, err := fmt.Sscanf(f.Primary.AckedDigest, "%x", &digest); err != nil {
			return evidence{}, fmt.Errorf("primary.acked_digest %q: %w", f.Primary.AckedDigest, err)
		}
	}
	ev := evidence{primary: promotion.PrimaryStatus{
		NodeID:          f.Primary.NodeID,
		DurableCommitID: core.CommitID(f.Primary.DurableCommitID),
		AckedCommitID:   core.CommitID(f.Primary.AckedCommitID),
		AckedDigest:     digest,
		HoldsAuthority:  f.Primary.HoldsAuthority,
		ObservedAt:      f.Primary.ObservedAt,
	}}
	if r := f.Replication; r != nil {
		st := replication.Status{
			ReplicaID:       replicaID,
			PrimaryID:       r.PrimaryID,
			AppliedCommitID: core.CommitID(r.AppliedCommitID),
			PrimaryDurable:  core.CommitID(r.PrimaryDurable),
			LastContact:     r.LastContact,
			Halted:          r.Halted,
		}
		if r.Error != "" {
			st.Err = fmt.Errorf("%s", r.Error)
		}
		ev.replication = &st
	}
	return ev, nil
}

// staticHealth replays a replication status read from the evidence file.
type staticHealth replication.Status

func (h staticHealth) Status() replication.Status { return replication.Status(h) }
