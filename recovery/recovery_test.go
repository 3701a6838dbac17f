package recovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/INLOpen/nexusdoc/checkpoint"
	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/hooks"
	"github.com/INLOpen/nexusdoc/internal/testutil"
	"github.com/INLOpen/nexusdoc/mvcc"
	"github.com/INLOpen/nexusdoc/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// node is the minimal write path: durable WAL append, then publication.
type node struct {
	dataDir string
	wal     *wal.WAL
	store   *mvcc.Store
}

func openNode(t *testing.T, dataDir string, batch int, segmentSize int64) *node {
	t.Helper()
	_, walDir := Dirs(dataDir)
	w, err := wal.Open(wal.Options{
		Dir:             walDir,
		BatchMaxRecords: batch,
		MaxSegmentSize:  segmentSize,
		Logger:          testutil.DiscardLogger(),
	}, nil)
	require.NoError(t, err)
	return &node{dataDir: dataDir, wal: w, store: mvcc.New(mvcc.Options{})}
}

func (n *node) commit(t *testing.T, muts ...core.Mutation) core.CommitID {
	t.Helper()
	rec, err := wal.NewRecord(muts)
	require.NoError(t, err)
	id, err := n.wal.Append(rec.Op, rec.Key, rec.Payload)
	require.NoError(t, err)
	require.NoError(t, n.wal.FlushDurableThrough(id))
	require.NoError(t, n.store.Apply(id, muts))
	return id
}

func put(k, v string) core.Mutation { return core.Mutation{Key: []byte(k), Value: []byte(v)} }

func get(t *testing.T, s *mvcc.Store, key string) (string, bool) {
	t.Helper()
	v, ok := s.Read([]byte(key), s.Visible())
	return string(v), ok
}

func dump(t *testing.T, s *mvcc.Store) map[string]string {
	t.Helper()
	snap := s.BeginSnapshot()
	defer snap.End()
	out := map[string]string{}
	require.NoError(t, snap.ForEachVisible(func(k []byte, v mvcc.Version) error {
		out[string(k)] = string(v.Value)
		return nil
	}))
	return out
}

type recordingListener struct {
	mu     sync.Mutex
	events []hooks.HookEvent
}

func (l *recordingListener) OnEvent(_ context.Context, ev hooks.HookEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}
func (l *recordingListener) Priority() int { return 0 }
func (l *recordingListener) IsAsync() bool { return false }

func TestRecover_EmptyDataDir(t *testing.T) {
	res, err := Recover(context.Background(), t.TempDir(), Options{})
	require.NoError(t, err)
	assert.False(t, res.HasCheckpoint)
	assert.Zero(t, res.LastCommitID)
	assert.Zero(t, res.Store.Visible())
	assert.False(t, res.TailDiscarded)
}

func TestRecover_CheckpointThenTruncateScenario(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()
	n := openNode(t, dataDir, 1, 64)

	n.commit(t, put("a", "1"))
	n.commit(t, put("a", "2"))
	n.commit(t, put("b", "1"))

	snap, err := n.store.BeginSnapshotAt(2)
	require.NoError(t, err)
	v, ok := snap.Get([]byte("a"))
	require.True(t, ok)
	assert.Equal(t, "2", string(v))
	_, ok = snap.Get([]byte("b"))
	assert.False(t, ok)
	snap.End()

	ckptDir, _ := Dirs(dataDir)
	mgr, err := checkpoint.NewManager(checkpoint.Options{Dir: ckptDir, Store: n.store, Log: n.wal})
	require.NoError(t, err)
	marker, err := mgr.RunAt(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, core.CommitID(2), marker.CommitID)
	for _, s := range n.wal.Segments() {
		assert.True(t, s.Last == 0 || s.Last > 2, "segment %d holds only checkpointed records", s.Index)
	}
	require.NoError(t, n.wal.Close())

	listener := &recordingListener{}
	hm := hooks.NewHookManager(nil)
	hm.Register(hooks.EventPostRecovery, listener)

	res, err := Recover(ctx, dataDir, Options{HookManager: hm})
	require.NoError(t, err)
	assert.True(t, res.HasCheckpoint)
	assert.Equal(t, core.CommitID(2), res.Checkpoint.CommitID)
	assert.Equal(t, core.CommitID(3), res.LastCommitID)
	assert.Equal(t, 1, res.RecordsReplayed)

	a, ok := get(t, res.Store, "a")
	require.True(t, ok)
	assert.Equal(t, "2", a)
	b, ok := get(t, res.Store, "b")
	require.True(t, ok)
	assert.Equal(t, "1", b)

	require.Len(t, listener.events, 1)
	payload := listener.events[0].Payload().(hooks.PostRecoveryPayload)
	assert.Equal(t, core.CommitID(2), payload.CheckpointCommitID)
	assert.Equal(t, core.CommitID(3), payload.LastCommitID)
}

func TestRecover_SkipsRecordsCoveredByCheckpoint(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()
	n := openNode(t, dataDir, 1, 1<<20)
	for i := 1; i <= 5; i++ {
		n.commit(t, put(fmt.Sprintf("k%d", i), "v"))
	}
	ckptDir, _ := Dirs(dataDir)
	mgr, err := checkpoint.NewManager(checkpoint.Options{Dir: ckptDir, Store: n.store, Log: n.wal})
	require.NoError(t, err)
	_, err = mgr.RunAt(ctx, 3)
	require.NoError(t, err)
	require.NoError(t, n.wal.Close())

	res, err := Recover(ctx, dataDir, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.RecordsReplayed, "records at or below the cutoff stay in the log but are not replayed")
	assert.Equal(t, dump(t, n.store), dump(t, res.Store))
	assert.Equal(t, n.wal.DurableDigest(), res.Digest)
}

func TestRecover_BatchingEquivalence(t *testing.T) {
	ctx := context.Background()
	run := func(batch int) *Result {
		dataDir := t.TempDir()
		n := openNode(t, dataDir, batch, 512)
		for i := 0; i < 40; i++ {
			muts := []core.Mutation{put(fmt.Sprintf("k%02d", i%7), fmt.Sprintf("v%d", i))}
			if i%5 == 0 {
				muts = append(muts, core.Mutation{Key: []byte(fmt.Sprintf("k%02d", (i+1)%7)), Delete: true})
			}
			rec, err := wal.NewRecord(muts)
			require.NoError(t, err)
			_, err = n.wal.Append(rec.Op, rec.Key, rec.Payload)
			require.NoError(t, err)
			if i%9 == 8 {
				require.NoError(t, n.wal.FlushDurable())
			}
		}
		require.NoError(t, n.wal.Close())
		res, err := Recover(ctx, dataDir, Options{})
		require.NoError(t, err)
		return res
	}

	unbatched := run(1)
	batched := run(16)
	assert.Equal(t, core.CommitID(40), unbatched.LastCommitID)
	assert.Equal(t, unbatched.LastCommitID, batched.LastCommitID)
	assert.Equal(t, unbatched.Digest, batched.Digest)
	assert.Equal(t, dump(t, unbatched.Store), dump(t, batched.Store))
}

func TestRecover_TornTailIsNotFatal(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()
	n := openNode(t, dataDir, 1, 1<<20)
	for i := 1; i <= 4; i++ {
		n.commit(t, put("k", fmt.Sprint(i)))
	}
	require.NoError(t, n.wal.Close())
	testutil.TruncateBy(t, testutil.LastNonEmptyWALFile(t, dataDir), 3)

	res, err := Recover(ctx, dataDir, Options{})
	require.NoError(t, err)
	assert.True(t, res.TailDiscarded)
	assert.Equal(t, core.CommitID(3), res.LastCommitID)
	v, _ := get(t, res.Store, "k")
	assert.Equal(t, "3", v)

	// The log resumes after the valid prefix and recovery stays stable.
	_, walDir := Dirs(dataDir)
	w, err := wal.Open(wal.Options{Dir: walDir, Logger: testutil.DiscardLogger()}, res.Replay)
	require.NoError(t, err)
	id, err := w.Append(core.OpPut, []byte("k"), []byte("again"))
	require.NoError(t, err)
	assert.Equal(t, core.CommitID(4), id)
	require.NoError(t, w.Close())

	res, err = Recover(ctx, dataDir, Options{})
	require.NoError(t, err)
	assert.False(t, res.TailDiscarded)
	v, _ = get(t, res.Store, "k")
	assert.Equal(t, "again", v)
}

func TestRecover_MidStreamCorruptionIsFatal(t *testing.T) {
	dataDir := t.TempDir()
	n := openNode(t, dataDir, 1, 1<<20)
	for i := 1; i <= 4; i++ {
		n.commit(t, put("k", fmt.Sprint(i)))
	}
	require.NoError(t, n.wal.Close())
	header := int64((&core.FileHeader{}).Size())
	testutil.FlipByte(t, testutil.LastNonEmptyWALFile(t, dataDir), header+14)

	_, err := Recover(context.Background(), dataDir, Options{})
	require.Error(t, err)
	assert.True(t, core.IsFatal(err))
}

func TestRecover_MissingCheckpointAfterTruncationIsFatal(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()
	n := openNode(t, dataDir, 1, 64)
	for i := 1; i <= 4; i++ {
		n.commit(t, put("k", fmt.Sprint(i)))
	}
	ckptDir, _ := Dirs(dataDir)
	mgr, err := checkpoint.NewManager(checkpoint.Options{Dir: ckptDir, Store: n.store, Log: n.wal})
	require.NoError(t, err)
	_, err = mgr.RunAt(ctx, 3)
	require.NoError(t, err)
	require.NoError(t, n.wal.Close())
	require.NoError(t, os.Remove(checkpoint.MarkerPath(ckptDir)))

	_, err = Recover(ctx, dataDir, Options{})
	assert.True(t, core.IsFatal(err))
	assert.ErrorIs(t, err, core.ErrCommitGap)
}

func TestRecover_CorruptMarkerIsFatal(t *testing.T) {
	ctx := context.Background()
	dataDir := t.TempDir()
	n := openNode(t, dataDir, 1, 1<<20)
	n.commit(t, put("k", "v"))
	ckptDir, _ := Dirs(dataDir)
	mgr, err := checkpoint.NewManager(checkpoint.Options{Dir: ckptDir, Store: n.store, Log: n.wal})
	require.NoError(t, err)
	_, err = mgr.Run(ctx)
	require.NoError(t, err)
	require.NoError(t, n.wal.Close())
	testutil.FlipByte(t, checkpoint.MarkerPath(ckptDir), 8)

	_, err = Recover(ctx, dataDir, Options{})
	assert.True(t, core.IsFatal(err))
	assert.ErrorIs(t, err, core.ErrMarkerCorrupt)
}

func TestRecover_RemovesOrphanParts(t *testing.T) {
	dataDir := t.TempDir()
	ckptDir, _ := Dirs(dataDir)
	require.NoError(t, os.MkdirAll(ckptDir, 0755))
	orphan := core.FormatPartFileName(7, 0)
	require.NoError(t, os.WriteFile(filepath.Join(ckptDir, orphan), []byte("partial"), 0644))

	res, err := Recover(context.Background(), dataDir, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{orphan}, res.OrphansRemoved)
}
