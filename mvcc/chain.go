package mvcc

import (
	"sort"
	"sync/atomic"

	"github.com/INLOpen/nexusdoc/core"
)

const minArenaSize = 256

// versionRef locates one version's value inside its chain's arena.
type versionRef struct {
	commit    core.CommitID
	off       uint32
	size      uint32
	tombstone bool
}

// chainState is an immutable view of a key's history. The index is sorted
// by commit id, oldest first. Appending may reuse spare capacity of both
// slices; bytes below len are never rewritten, so older views stay valid.
type chainState struct {
	arena []byte
	index []versionRef
}

// chain holds all retained versions of one key.
type chain struct {
	key   string
	ord   uint64
	state atomic.Pointer[chainState]
}

var emptyState = &chainState{}

func newChain(key string, ord uint64) *chain {
	c := &chain{key: key, ord: ord}
	c.state.Store(emptyState)
	return c
}

// append adds a version newer than every existing one. Only the store's
// apply path calls it, one goroutine at a time.
func (c *chain) append(commit core.CommitID, value []byte, tombstone bool) int {
	old := c.state.Load()
	arena := old.arena
	if !tombstone && cap(arena)-len(arena) < len(value) {
		size := 2 * cap(arena)
		if size < minArenaSize {
			size = minArenaSize
		}
		for size-len(arena) < len(value) {
			size *= 2
		}
		grown := make([]byte, len(arena), size)
		copy(grown, arena)
		arena = grown
	}
	ref := versionRef{commit: commit, off: uint32(len(arena)), tombstone: tombstone}
	if !tombstone {
		arena = append(arena, value...)
		ref.size = uint32(len(value))
	}
	index := append(old.index, ref)
	c.state.Store(&chainState{arena: arena, index: index})
	return len(index)
}

// visibleAt returns the newest version with commit id <= snap.
func (s *chainState) visibleAt(snap core.CommitID) (versionRef, bool) {
	i := sort.Search(len(s.index), func(i int) bool { return s.index[i].commit > snap }) - 1
	if i < 0 {
		return versionRef{}, false
	}
	return s.index[i], true
}

func (s *chainState) value(ref versionRef) []byte {
	if ref.tombstone {
		return nil
	}
	end := ref.off + ref.size
	return s.arena[ref.off:end:end]
}

// valueCopy is value detached from the arena, for handing to callers.
func (s *chainState) valueCopy(ref versionRef) []byte {
	if ref.tombstone {
		return nil
	}
	return append([]byte{}, s.value(ref)...)
}

// compact drops every version superseded at or below horizon. It returns
// the new state and the number of versions removed.
func (s *chainState) compact(horizon core.CommitID) (*chainState, int) {
	keepFrom := sort.Search(len(s.index), func(i int) bool { return s.index[i].commit > horizon }) - 1
	if keepFrom <= 0 {
		return s, 0
	}
	kept := s.index[keepFrom:]
	out := &chainState{index: make([]versionRef, 0, len(kept))}
	size := 0
	for _, r := range kept {
		size += int(r.size)
	}
	if size > 0 {
		out.arena = make([]byte, 0, size)
	}
	for _, r := range kept {
		nr := versionRef{commit: r.commit, tombstone: r.tombstone, off: uint32(len(out.arena)), size: r.size}
		out.arena = append(out.arena, s.value(r)...)
		out.index = append(out.index, nr)
	}
	return out, keepFrom
}
