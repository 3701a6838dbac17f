// Package mvcc holds the in-memory multi-version store. Every key keeps an
// append-only history of versions; readers see the store as of a snapshot
// commit id and never take a lock shared with the apply path.
package mvcc

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/skiplist"
	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/puzpuzpuz/xsync/v3"
)

// Version is one entry of a key's history.
type Version struct {
	CommitID  core.CommitID
	Value     []byte
	Tombstone bool
}

// Options configures a Store.
type Options struct {
	Logger *slog.Logger
	// ScanChunk bounds how many keys a scan collects per pass over the key
	// index. Zero selects a default.
	ScanChunk int
}

// Store is the version store. Apply installs the versions of one commit
// and publishes the commit id; reads run against snapshots.
type Store struct {
	logger    *slog.Logger
	scanChunk int

	chains  *xsync.MapOf[string, *chain]
	byOrd   *xsync.MapOf[uint64, *chain]
	nextOrd atomic.Uint64

	// idxMu serializes insertion of new keys into the ordered index.
	// Scans hold it for reading one chunk at a time.
	idxMu sync.RWMutex
	index *skiplist.SkipList[string, *chain]

	// applyMu orders Apply calls and GC passes. applied is signalled
	// whenever visible advances.
	applyMu sync.Mutex
	applied *sync.Cond
	visible atomic.Uint64
	// floor is the oldest commit a new snapshot may pin. Versions below it
	// were either collected or never loaded from a checkpoint.
	floor atomic.Uint64
	// retained is the checkpointed commit; its versions outlive GC.
	retained   atomic.Uint64
	candidates *roaring64.Bitmap
	versions   atomic.Int64
	closed     bool

	snapshots  *xsync.MapOf[uint64, core.CommitID]
	nextSnapID atomic.Uint64
}

// New creates an empty store.
func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	chunk := opts.ScanChunk
	if chunk <= 0 {
		chunk = 512
	}
	s := &Store{
		logger:     logger.With("component", "MVCCStore"),
		scanChunk:  chunk,
		chains:     xsync.NewMapOf[string, *chain](),
		byOrd:      xsync.NewMapOf[uint64, *chain](),
		index:      skiplist.NewWithComparator[string, *chain](strings.Compare),
		candidates: roaring64.New(),
		snapshots:  xsync.NewMapOf[uint64, core.CommitID](),
	}
	s.applied = sync.NewCond(&s.applyMu)
	return s
}

// Visible is the newest published commit id.
func (s *Store) Visible() core.CommitID {
	return core.CommitID(s.visible.Load())
}

// Apply installs the mutations of commit and publishes it. Commits are
// published strictly in order: a call for commit c waits until c-1 is
// visible. All versions of a commit become visible at once.
func (s *Store) Apply(commit core.CommitID, muts []core.Mutation) error {
	if len(muts) == 0 {
		return core.Reject("mvcc.apply", core.ErrEmptyCommit)
	}
	for _, m := range muts {
		if len(m.Key) == 0 {
			return core.Reject("mvcc.apply", core.ErrInvalidKey)
		}
	}

	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	for !s.closed && s.Visible()+1 < commit {
		s.applied.Wait()
	}
	if s.closed {
		return core.Reject("mvcc.apply", core.ErrClosed)
	}
	if commit <= s.Visible() {
		return core.Reject("mvcc.apply", fmt.Errorf("%w: commit %d already visible (visible %d)",
			core.ErrNonMonotonicCommit, commit, s.Visible()))
	}

	for _, m := range dedupe(muts) {
		s.installLocked(string(m.Key), commit, m.Value, m.Delete)
	}
	s.visible.Store(uint64(commit))
	s.applied.Broadcast()
	return nil
}

// Write applies a single mutation as its own commit.
func (s *Store) Write(commit core.CommitID, key, value []byte, tombstone bool) error {
	return s.Apply(commit, []core.Mutation{{Key: key, Value: value, Delete: tombstone}})
}

// dedupe keeps the last mutation of every key, preserving first-seen order.
func dedupe(muts []core.Mutation) []core.Mutation {
	if len(muts) == 1 {
		return muts
	}
	pos := make(map[string]int, len(muts))
	out := make([]core.Mutation, 0, len(muts))
	for _, m := range muts {
		if i, ok := pos[string(m.Key)]; ok {
			out[i] = m
			continue
		}
		pos[string(m.Key)] = len(out)
		out = append(out, m)
	}
	return out
}

func (s *Store) installLocked(key string, commit core.CommitID, value []byte, tombstone bool) {
	c := s.chainFor(key)
	if n := c.append(commit, value, tombstone); n >= 2 {
		s.candidates.Add(c.ord)
	}
	s.versions.Add(1)
}

// chainFor returns the chain of key, creating and indexing it if needed.
func (s *Store) chainFor(key string) *chain {
	if c, ok := s.chains.Load(key); ok {
		return c
	}
	c := newChain(key, s.nextOrd.Add(1))
	s.idxMu.Lock()
	s.index.Insert(key, c)
	s.idxMu.Unlock()
	s.byOrd.Store(c.ord, c)
	s.chains.Store(key, c)
	return c
}

// Restore installs a version loaded from a checkpoint. It is valid only
// while nothing has been published yet.
func (s *Store) Restore(key []byte, commit core.CommitID, value []byte) error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	if s.Visible() != 0 {
		return core.Reject("mvcc.restore", fmt.Errorf("store already published commit %d", s.Visible()))
	}
	if len(key) == 0 {
		return core.Reject("mvcc.restore", core.ErrInvalidKey)
	}
	if c, ok := s.chains.Load(string(key)); ok {
		if idx := c.state.Load().index; len(idx) > 0 && idx[len(idx)-1].commit >= commit {
			return core.Reject("mvcc.restore", fmt.Errorf("%w: key %q restored twice", core.ErrNonMonotonicCommit, key))
		}
	}
	s.installLocked(string(key), commit, value, false)
	return nil
}

// SetBase publishes cutoff as the visible commit of a store filled by
// Restore. Later commits continue from cutoff+1.
func (s *Store) SetBase(cutoff core.CommitID) error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	if s.Visible() != 0 {
		return core.Reject("mvcc.base", fmt.Errorf("store already published commit %d", s.Visible()))
	}
	s.floor.Store(uint64(cutoff))
	s.visible.Store(uint64(cutoff))
	s.applied.Broadcast()
	return nil
}

// Retain keeps the snapshot at commit c readable across garbage
// collection. It is set to the commit of the current checkpoint.
func (s *Store) Retain(c core.CommitID) {
	s.retained.Store(uint64(c))
}

// Read returns the value of key under snapshot commit id snap. A key whose
// newest visible version is a tombstone is not found.
func (s *Store) Read(key []byte, snap core.CommitID) ([]byte, bool) {
	c, ok := s.chains.Load(string(key))
	if !ok {
		return nil, false
	}
	st := c.state.Load()
	ref, ok := st.visibleAt(snap)
	if !ok || ref.tombstone {
		return nil, false
	}
	return st.valueCopy(ref), true
}

// History returns the retained versions of key, newest first.
func (s *Store) History(key []byte) []Version {
	c, ok := s.chains.Load(string(key))
	if !ok {
		return nil
	}
	st := c.state.Load()
	out := make([]Version, 0, len(st.index))
	for i := len(st.index) - 1; i >= 0; i-- {
		r := st.index[i]
		out = append(out, Version{CommitID: r.commit, Value: st.valueCopy(r), Tombstone: r.tombstone})
	}
	return out
}

// Stats describes the size of the store.
type Stats struct {
	Keys     int
	Versions int64
	Visible  core.CommitID
	// Snapshots is the number of snapshots not yet ended.
	Snapshots int
}

func (s *Store) Stats() Stats {
	return Stats{
		Keys:      s.chains.Size(),
		Versions:  s.versions.Load(),
		Visible:   s.Visible(),
		Snapshots: s.snapshots.Size(),
	}
}

// Close wakes any Apply waiting for a predecessor that will never arrive.
func (s *Store) Close() {
	s.applyMu.Lock()
	s.closed = true
	s.applied.Broadcast()
	s.applyMu.Unlock()
}
