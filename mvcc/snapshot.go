package mvcc

import (
	"bytes"
	"fmt"
	"sync/atomic"

	"github.com/INLOpen/nexusdoc/core"
)

// pendingSnapshot is registered before a new snapshot reads its commit id,
// holding the GC horizon at zero for that short window.
const pendingSnapshot core.CommitID = 0

// Snapshot is a read view fixed at one commit id. It stays registered, and
// holds back garbage collection, until End is called.
type Snapshot struct {
	store    *Store
	id       uint64
	commitID core.CommitID
	ended    atomic.Bool
}

// BeginSnapshot opens a snapshot at the newest published commit.
func (s *Store) BeginSnapshot() *Snapshot {
	id := s.nextSnapID.Add(1)
	s.snapshots.Store(id, pendingSnapshot)
	c := s.Visible()
	s.snapshots.Store(id, c)
	return &Snapshot{store: s, id: id, commitID: c}
}

// BeginSnapshotAt opens a snapshot at an older commit. It is rejected when
// c is not yet visible or lies below the retained history.
func (s *Store) BeginSnapshotAt(c core.CommitID) (*Snapshot, error) {
	id := s.nextSnapID.Add(1)
	s.snapshots.Store(id, pendingSnapshot)
	if v := s.Visible(); c > v {
		s.snapshots.Delete(id)
		return nil, core.Reject("mvcc.snapshot", fmt.Errorf("commit %d is not visible yet (visible %d)", c, v))
	}
	if f := core.CommitID(s.floor.Load()); c < f {
		s.snapshots.Delete(id)
		return nil, core.Reject("mvcc.snapshot", fmt.Errorf("commit %d is below the retained history (floor %d)", c, f))
	}
	s.snapshots.Store(id, c)
	return &Snapshot{store: s, id: id, commitID: c}, nil
}

// EndSnapshot releases snap. Ending a snapshot twice is a no-op.
func (s *Store) EndSnapshot(snap *Snapshot) {
	if snap == nil || snap.store != s {
		return
	}
	snap.End()
}

// OldestSnapshot returns the smallest commit id held by an open snapshot.
func (s *Store) OldestSnapshot() (core.CommitID, bool) {
	var oldest core.CommitID
	found := false
	s.snapshots.Range(func(_ uint64, c core.CommitID) bool {
		if !found || c < oldest {
			oldest, found = c, true
		}
		return true
	})
	return oldest, found
}

// CommitID is the cutoff of the snapshot.
func (sn *Snapshot) CommitID() core.CommitID { return sn.commitID }

// End releases the snapshot.
func (sn *Snapshot) End() {
	if sn.ended.CompareAndSwap(false, true) {
		sn.store.snapshots.Delete(sn.id)
	}
}

// Get reads key as of the snapshot.
func (sn *Snapshot) Get(key []byte) ([]byte, bool) {
	return sn.store.Read(key, sn.commitID)
}

// Scan calls fn for every live key in [start, end) in key order, with the
// value visible at the snapshot. A nil start or end leaves that side
// unbounded. Returning false from fn stops the scan.
func (sn *Snapshot) Scan(start, end []byte, fn func(key, value []byte) bool) {
	sn.store.scan(start, end, func(c *chain) bool {
		st := c.state.Load()
		ref, ok := st.visibleAt(sn.commitID)
		if !ok || ref.tombstone {
			return true
		}
		return fn([]byte(c.key), st.valueCopy(ref))
	})
}

// ForEachVisible calls fn for the visible version of every live key, in
// key order. An error from fn stops the walk and is returned. v.Value
// shares the store's memory and must not be modified.
func (sn *Snapshot) ForEachVisible(fn func(key []byte, v Version) error) error {
	var err error
	sn.store.scan(nil, nil, func(c *chain) bool {
		st := c.state.Load()
		ref, ok := st.visibleAt(sn.commitID)
		if !ok || ref.tombstone {
			return true
		}
		err = fn([]byte(c.key), Version{CommitID: ref.commit, Value: st.value(ref)})
		return err == nil
	})
	return err
}

// scan walks the key index in chunks so the index lock is never held
// while fn runs.
func (s *Store) scan(start, end []byte, fn func(*chain) bool) {
	from := string(start)
	inclusive := true
	batch := make([]*chain, 0, s.scanChunk)
	for {
		batch = batch[:0]
		s.idxMu.RLock()
		it := s.index.NewIterator()
		ok := it.First()
		if from != "" {
			ok = it.Seek(from)
		}
		if ok && !inclusive && it.Key() == from {
			ok = it.Next()
		}
		for ok && len(batch) < s.scanChunk {
			if end != nil && bytes.Compare([]byte(it.Key()), end) >= 0 {
				break
			}
			batch = append(batch, it.Value())
			ok = it.Next()
		}
		more := ok && len(batch) == s.scanChunk
		s.idxMu.RUnlock()

		for _, c := range batch {
			if !fn(c) {
				return
			}
		}
		if !more {
			return
		}
		from = batch[len(batch)-1].key
		inclusive = false
	}
}
