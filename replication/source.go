// Package replication copies a primary's durable WAL records to replicas
// and tracks how far each replica has acknowledged. Transport is left to
// the caller: a Source may be backed by a local log or by any stream that
// yields records in commit order.
package replication

import (
	"context"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/wal"
)

// Stream yields durable records in commit order.
type Stream interface {
	Next(ctx context.Context) (wal.Record, error)
	Close() error
}

// Source is a primary as seen by a replica.
type Source interface {
	NodeID() string
	DurableCommitID() core.CommitID
	Stream(from core.CommitID) (Stream, error)
}

// Log is what a WALSource reads from. *wal.WAL and the engine satisfy it.
type Log interface {
	DurableCommitID() core.CommitID
	NewStreamReader(from core.CommitID) (*wal.StreamReader, error)
}

// WALSource serves records straight from a primary's log in the same
// process.
type WALSource struct {
	nodeID string
	log    Log
}

var _ Source = (*WALSource)(nil)

func NewWALSource(nodeID string, log Log) *WALSource {
	return &WALSource{nodeID: nodeID, log: log}
}

func (s *WALSource) NodeID() string { return s.nodeID }

func (s *WALSource) DurableCommitID() core.CommitID { return s.log.DurableCommitID() }

func (s *WALSource) Stream(from core.CommitID) (Stream, error) {
	sr, err := s.log.NewStreamReader(from)
	if err != nil {
		return nil, err
	}
	return sr, nil
}
