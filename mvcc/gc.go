package mvcc

import (
	"github.com/INLOpen/nexusdoc/core"
)

// GCStats reports what a collection pass did.
type GCStats struct {
	Horizon         core.CommitID
	ChainsCompacted int
	VersionsRemoved int
}

// Horizon is the commit id below which superseded versions may be
// collected: the oldest open or retained snapshot, or the visible commit
// when there is neither.
func (s *Store) Horizon() core.CommitID {
	h := s.Visible()
	if oldest, ok := s.OldestSnapshot(); ok && oldest < h {
		h = oldest
	}
	if r := core.CommitID(s.retained.Load()); r != 0 && r < h {
		h = r
	}
	return h
}

// CollectGarbage drops every version that no open snapshot can observe:
// those with a newer version at or below the horizon. It runs only when
// called and holds the apply lock for its duration.
func (s *Store) CollectGarbage() GCStats {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	h := s.Horizon()
	if core.CommitID(s.floor.Load()) < h {
		s.floor.Store(uint64(h))
	}
	// A snapshot registered before the floor moved is seen here.
	if again := s.Horizon(); again < h {
		h = again
	}
	stats := GCStats{Horizon: h}
	if stats.Horizon == 0 {
		return stats
	}

	var done []uint64
	it := s.candidates.Iterator()
	for it.HasNext() {
		ord := it.Next()
		c, ok := s.byOrd.Load(ord)
		if !ok {
			done = append(done, ord)
			continue
		}
		old := c.state.Load()
		compacted, removed := old.compact(stats.Horizon)
		if removed == 0 {
			continue
		}
		c.state.Store(compacted)
		stats.ChainsCompacted++
		stats.VersionsRemoved += removed
		if len(compacted.index) < 2 {
			done = append(done, ord)
		}
	}
	for _, ord := range done {
		s.candidates.Remove(ord)
	}
	s.versions.Add(-int64(stats.VersionsRemoved))

	if stats.VersionsRemoved > 0 {
		s.logger.Debug("Collected superseded versions", "horizon", uint64(stats.Horizon),
			"chains", stats.ChainsCompacted, "versions", stats.VersionsRemoved)
	}
	return stats
}
