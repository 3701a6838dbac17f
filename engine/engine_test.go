package engine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/internal/testutil"
	"github.com/INLOpen/nexusdoc/sys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions(t *testing.T, dir, nodeID string) StorageEngineOptions {
	t.Helper()
	return StorageEngineOptions{
		DataDir:                dir,
		NodeID:                 nodeID,
		WALBatchMaxRecords:     4,
		WALMaxSegmentSize:      256,
		CheckpointPartMaxBytes: 128,
		Logger:                 testutil.DiscardLogger(),
	}
}

func startEngine(t *testing.T, opts StorageEngineOptions) *StorageEngine {
	t.Helper()
	e, err := NewStorageEngine(opts)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func startPrimary(t *testing.T, dir, nodeID string) *StorageEngine {
	t.Helper()
	e := startEngine(t, testOptions(t, dir, nodeID))
	_, err := e.Bootstrap(context.Background())
	require.NoError(t, err)
	return e
}

func put(t *testing.T, e *StorageEngine, key, value string) core.CommitID {
	t.Helper()
	id, err := e.Put(context.Background(), []byte(key), []byte(value))
	require.NoError(t, err)
	return id
}

func get(t *testing.T, e *StorageEngine, key string) (string, bool) {
	t.Helper()
	v, ok, err := e.Get([]byte(key))
	require.NoError(t, err)
	return string(v), ok
}

func TestNewStorageEngine_Validation(t *testing.T) {
	_, err := NewStorageEngine(StorageEngineOptions{NodeID: "n"})
	assert.Error(t, err)
	_, err = NewStorageEngine(StorageEngineOptions{DataDir: t.TempDir()})
	assert.Error(t, err)
}

func TestEngine_StartTwiceAndClosed(t *testing.T) {
	e := startEngine(t, testOptions(t, t.TempDir(), "node-a"))
	assert.ErrorIs(t, e.Start(context.Background()), ErrEngineAlreadyStarted)
	require.NoError(t, e.Close())
	_, err := e.Put(context.Background(), []byte("a"), []byte("1"))
	assert.ErrorIs(t, err, ErrEngineClosed)
	assert.NoError(t, e.Close())
}

func TestEngine_CommitRequiresAuthority(t *testing.T) {
	e := startEngine(t, testOptions(t, t.TempDir(), "node-a"))
	_, err := e.Put(context.Background(), []byte("a"), []byte("1"))
	require.ErrorIs(t, err, core.ErrNoWriteAuthority)
	assert.True(t, core.IsReject(err))
	assert.Equal(t, core.CommitID(0), e.DurableCommitID(), "a rejected commit consumes no id")

	m, err := e.Bootstrap(context.Background())
	require.NoError(t, err)
	assert.True(t, m.HeldBy("node-a"))
	_, err = e.Bootstrap(context.Background())
	assert.ErrorIs(t, err, ErrAuthorityExists)

	assert.Equal(t, core.CommitID(1), put(t, e, "a", "1"))
}

func TestEngine_CommitValidation(t *testing.T) {
	e := startPrimary(t, t.TempDir(), "node-a")
	_, err := e.Commit(context.Background(), nil)
	assert.ErrorIs(t, err, core.ErrEmptyCommit)
	_, err = e.Put(context.Background(), nil, []byte("x"))
	assert.ErrorIs(t, err, core.ErrInvalidKey)
	assert.Equal(t, core.CommitID(0), e.DurableCommitID())
}

// TestEngine_ConcreteScenario commits a=1, a=2, b=1, checkpoints at commit
// 2, truncates the WAL below it and recovers.
func TestEngine_ConcreteScenario(t *testing.T) {
	dir := t.TempDir()
	e := startPrimary(t, dir, "node-a")
	ctx := context.Background()

	require.Equal(t, core.CommitID(1), put(t, e, "a", "1"))
	require.Equal(t, core.CommitID(2), put(t, e, "a", "2"))
	require.Equal(t, core.CommitID(3), put(t, e, "b", "1"))

	snap, err := e.BeginSnapshotAt(2)
	require.NoError(t, err)
	v, ok := e.Read([]byte("a"), snap)
	assert.True(t, ok)
	assert.Equal(t, "2", string(v))
	_, ok = e.Read([]byte("b"), snap)
	assert.False(t, ok, "b is committed after the snapshot")
	snap.End()

	marker, err := e.CheckpointAt(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, core.CommitID(2), marker.CommitID)
	require.NoError(t, e.Close())

	walFiles, err := testutil.ListWALFiles(dir)
	require.NoError(t, err)
	require.NotEmpty(t, walFiles)

	e = startEngine(t, testOptions(t, dir, "node-a"))
	res := e.RecoveryResult()
	assert.True(t, res.HasCheckpoint)
	assert.Equal(t, core.CommitID(2), res.Checkpoint.CommitID)
	assert.Equal(t, 1, res.RecordsReplayed, "only commit 3 is replayed")

	a, _ := get(t, e, "a")
	b, _ := get(t, e, "b")
	assert.Equal(t, "2", a)
	assert.Equal(t, "1", b)
	assert.Equal(t, core.CommitID(4), put(t, e, "c", "1"))
}

func TestEngine_ReopenContinuesSequence(t *testing.T) {
	dir := t.TempDir()
	e := startPrimary(t, dir, "node-a")
	for i := 0; i < 20; i++ {
		put(t, e, fmt.Sprintf("k%02d", i), fmt.Sprintf("v%d", i))
	}
	_, err := e.Delete(context.Background(), []byte("k05"))
	require.NoError(t, err)
	durable := e.DurableCommitID()
	digest, err := e.DigestAt(durable)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	e = startEngine(t, testOptions(t, dir, "node-a"))
	assert.Equal(t, durable, e.DurableCommitID())
	assert.Equal(t, durable, e.VisibleCommitID())
	again, err := e.DigestAt(durable)
	require.NoError(t, err)
	assert.Equal(t, digest, again)

	_, ok := get(t, e, "k05")
	assert.False(t, ok)
	v, ok := get(t, e, "k19")
	assert.True(t, ok)
	assert.Equal(t, "v19", v)
	assert.Equal(t, durable+1, put(t, e, "k20", "v20"))

	primary, err := e.IsPrimary()
	require.NoError(t, err)
	assert.True(t, primary, "authority survives a restart")
}

func TestEngine_DataDirLock(t *testing.T) {
	dir := t.TempDir()
	startEngine(t, testOptions(t, dir, "node-a"))

	second, err := NewStorageEngine(testOptions(t, dir, "node-a"))
	require.NoError(t, err)
	err = second.Start(context.Background())
	require.ErrorIs(t, err, sys.ErrLocked)
	assert.ErrorIs(t, second.CheckStarted(), ErrEngineClosed)
}

// TestEngine_VisibilityMonotonic runs concurrent committers against
// snapshot readers and checks that a newer snapshot never loses a key an
// older one could see.
func TestEngine_VisibilityMonotonic(t *testing.T) {
	opts := testOptions(t, t.TempDir(), "node-a")
	opts.WALBatchMaxRecords = 16
	opts.WALMaxSegmentSize = 64 * 1024
	e := startEngine(t, opts)
	_, err := e.Bootstrap(context.Background())
	require.NoError(t, err)

	const writers, perWriter = 4, 50
	var wg sync.WaitGroup
	ids := make(chan core.CommitID, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				id, err := e.Put(context.Background(), []byte(fmt.Sprintf("w%d-%03d", w, i)), []byte("x"))
				if !assert.NoError(t, err) {
					return
				}
				ids <- id
			}
		}(w)
	}

	stop := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		var prevCommit core.CommitID
		var prevKeys map[string]bool
		for {
			select {
			case <-stop:
				return
			default:
			}
			snap, err := e.BeginSnapshot()
			if err != nil {
				return
			}
			keys := map[string]bool{}
			snap.Scan(nil, nil, func(k, _ []byte) bool {
				keys[string(k)] = true
				return true
			})
			c := snap.CommitID()
			snap.End()
			assert.GreaterOrEqual(t, c, prevCommit)
			for k := range prevKeys {
				assert.True(t, keys[k], "key %s visible at %d vanished at %d", k, prevCommit, c)
			}
			assert.Len(t, keys, int(c), "every commit up to the snapshot is visible")
			prevCommit, prevKeys = c, keys
		}
	}()

	wg.Wait()
	close(stop)
	<-readerDone
	close(ids)

	seen := map[core.CommitID]bool{}
	for id := range ids {
		assert.False(t, seen[id], "commit id %d handed out twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, writers*perWriter)
	assert.Equal(t, core.CommitID(writers*perWriter), e.VisibleCommitID())
	assert.Equal(t, e.VisibleCommitID(), e.DurableCommitID())
}

func TestEngine_CheckpointAndGC(t *testing.T) {
	e := startPrimary(t, t.TempDir(), "node-a")
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		put(t, e, fmt.Sprintf("k%d", i%5), fmt.Sprintf("v%d", i))
	}

	marker, err := e.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.CommitID(30), marker.CommitID)

	stats, err := e.CollectGarbage()
	require.NoError(t, err)
	assert.Equal(t, core.CommitID(30), stats.Horizon)
	assert.Equal(t, 25, stats.VersionsRemoved)

	st, err := e.Status()
	require.NoError(t, err)
	assert.True(t, st.Primary)
	assert.Equal(t, core.CommitID(30), st.Checkpoint)
	assert.Equal(t, core.CommitID(30), st.DurableCommitID)
	assert.NoError(t, st.Halted)

	v, ok := get(t, e, "k4")
	assert.True(t, ok)
	assert.Equal(t, "v29", v)
}

func TestEngine_PrimaryStatus(t *testing.T) {
	clock := core.NewManualClock(time.Unix(500, 0))
	opts := testOptions(t, t.TempDir(), "node-a")
	opts.Clock = clock
	e := startEngine(t, opts)
	_, err := e.Bootstrap(context.Background())
	require.NoError(t, err)

	st, err := e.PrimaryStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, core.CommitID(0), st.AckedCommitID)
	assert.True(t, st.HoldsAuthority)

	put(t, e, "a", "1")
	put(t, e, "a", "2")
	st, err = e.PrimaryStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "node-a", st.NodeID)
	assert.Equal(t, core.CommitID(2), st.AckedCommitID)
	assert.Equal(t, core.CommitID(2), st.DurableCommitID)
	digest, err := e.DigestAt(2)
	require.NoError(t, err)
	assert.Equal(t, digest, st.AckedDigest)
	assert.Equal(t, clock.Now(), st.ObservedAt)

	require.NoError(t, e.Demote(context.Background()))
	st, err = e.PrimaryStatus(context.Background())
	require.NoError(t, err)
	assert.False(t, st.HoldsAuthority)
	_, err = e.Put(context.Background(), []byte("a"), []byte("3"))
	assert.ErrorIs(t, err, core.ErrNoWriteAuthority)
	assert.ErrorIs(t, e.Demote(context.Background()), core.ErrNoWriteAuthority)
}

// gatedFile blocks the first armed fsync of a WAL segment until released.
type gatedFile struct {
	sys.File
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newGatedFile() *gatedFile {
	return &gatedFile{File: sys.NewFile(), entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedFile) OpenFile(name string, flag int, perm os.FileMode) (sys.FileHandle, error) {
	h, err := g.File.OpenFile(name, flag, perm)
	if err != nil || !strings.HasSuffix(name, core.WALFileSuffix) {
		return h, err
	}
	return &gatedHandle{FileHandle: h, gate: g}, nil
}

type gatedHandle struct {
	sys.FileHandle
	gate *gatedFile
}

func (h *gatedHandle) Sync() error {
	if h.gate.armed.CompareAndSwap(true, false) {
		close(h.gate.entered)
		<-h.gate.release
	}
	return h.FileHandle.Sync()
}

func TestEngine_DemoteWaitsForInflightCommit(t *testing.T) {
	gate := newGatedFile()
	restore := sys.SetDefaultFile(gate)
	defer restore()

	e := startPrimary(t, t.TempDir(), "node-a")
	put(t, e, "a", "1")

	gate.armed.Store(true)
	committed := make(chan core.CommitID, 1)
	go func() {
		id, err := e.Put(context.Background(), []byte("a"), []byte("2"))
		assert.NoError(t, err)
		committed <- id
	}()
	<-gate.entered

	demoted := make(chan error, 1)
	go func() { demoted <- e.Demote(context.Background()) }()
	select {
	case <-demoted:
		t.Fatal("demote returned while a commit was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate.release)
	require.NoError(t, <-demoted)
	assert.Equal(t, core.CommitID(2), <-committed)
	assert.Equal(t, core.CommitID(2), e.VisibleCommitID(), "demote drains published commits")

	st, err := e.PrimaryStatus(context.Background())
	require.NoError(t, err)
	assert.False(t, st.HoldsAuthority)
	assert.Equal(t, core.CommitID(2), st.AckedCommitID)
	digest, err := e.DigestAt(2)
	require.NoError(t, err)
	assert.Equal(t, digest, st.AckedDigest)
}

func TestEngine_CloseWaitsForInflightCommit(t *testing.T) {
	gate := newGatedFile()
	restore := sys.SetDefaultFile(gate)
	defer restore()

	dir := t.TempDir()
	e := startPrimary(t, dir, "node-a")

	gate.armed.Store(true)
	committed := make(chan error, 1)
	go func() {
		_, err := e.Put(context.Background(), []byte("a"), []byte("1"))
		committed <- err
	}()
	<-gate.entered

	closed := make(chan error, 1)
	go func() { closed <- e.Close() }()
	close(gate.release)
	require.NoError(t, <-committed)
	require.NoError(t, <-closed)

	e2 := startEngine(t, testOptions(t, dir, "node-a"))
	v, ok := get(t, e2, "a")
	require.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestEngine_GCRetainsCheckpointedSnapshot(t *testing.T) {
	e := startPrimary(t, t.TempDir(), "node-a")
	ctx := context.Background()
	put(t, e, "a", "1")
	put(t, e, "a", "2")
	put(t, e, "a", "3")

	_, err := e.CheckpointAt(ctx, 2)
	require.NoError(t, err)
	stats, err := e.CollectGarbage()
	require.NoError(t, err)
	assert.Equal(t, core.CommitID(2), stats.Horizon)
	assert.Equal(t, 1, stats.VersionsRemoved)

	snap, err := e.BeginSnapshotAt(2)
	require.NoError(t, err)
	defer snap.End()
	v, ok := e.Read([]byte("a"), snap)
	require.True(t, ok)
	assert.Equal(t, "2", string(v))
}
