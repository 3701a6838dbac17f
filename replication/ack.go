package replication

import (
	"context"
	"sync"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/puzpuzpuz/xsync/v3"
)

// AckTracker records, on the primary, the newest commit each replica has
// made durable. Positions only move forward.
type AckTracker struct {
	acks *xsync.MapOf[string, core.CommitID]

	mu     sync.Mutex
	notify chan struct{}
}

// NewAckTracker creates a new tracker.
func NewAckTracker() *AckTracker {
	return &AckTracker{
		acks:   xsync.NewMapOf[string, core.CommitID](),
		notify: make(chan struct{}),
	}
}

// Ack reports that replicaID has made id durable. It wakes any WaitFor
// callers when the position advances.
func (t *AckTracker) Ack(replicaID string, id core.CommitID) {
	advanced := false
	t.acks.Compute(replicaID, func(old core.CommitID, loaded bool) (core.CommitID, bool) {
		if loaded && old >= id {
			return old, false
		}
		advanced = true
		return id, false
	})
	if !advanced {
		return
	}
	t.mu.Lock()
	close(t.notify)
	t.notify = make(chan struct{})
	t.mu.Unlock()
}

// Acked returns the position of replicaID.
func (t *AckTracker) Acked(replicaID string) (core.CommitID, bool) {
	return t.acks.Load(replicaID)
}

// Positions returns a copy of every replica's position.
func (t *AckTracker) Positions() map[string]core.CommitID {
	out := make(map[string]core.CommitID, t.acks.Size())
	t.acks.Range(func(id string, c core.CommitID) bool {
		out[id] = c
		return true
	})
	return out
}

// WaitFor blocks until replicaID has acknowledged id or ctx ends.
func (t *AckTracker) WaitFor(ctx context.Context, replicaID string, id core.CommitID) error {
	for {
		t.mu.Lock()
		ch := t.notify
		t.mu.Unlock()
		if got, ok := t.acks.Load(replicaID); ok && got >= id {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}
