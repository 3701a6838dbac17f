package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openLog(t *testing.T) *wal.WAL {
	t.Helper()
	w, err := wal.Open(wal.Options{
		Dir:             t.TempDir(),
		BatchMaxRecords: 1,
		MaxSegmentSize:  256,
		Logger:          discardLogger(),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func commit(t *testing.T, w *wal.WAL, key, value string) core.CommitID {
	t.Helper()
	rec, err := wal.NewRecord([]core.Mutation{{Key: []byte(key), Value: []byte(value)}})
	require.NoError(t, err)
	id, err := w.Append(rec.Op, rec.Key, rec.Payload)
	require.NoError(t, err)
	require.NoError(t, w.FlushDurableThrough(id))
	return id
}

// replicaTarget writes replicated records to its own log and keeps the
// latest value per key.
type replicaTarget struct {
	log *wal.WAL

	mu     sync.Mutex
	values map[string]string
	fail   error
}

func newReplicaTarget(t *testing.T) *replicaTarget {
	return &replicaTarget{log: openLog(t), values: map[string]string{}}
}

func (r *replicaTarget) ApplyReplicated(_ context.Context, rec wal.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	if err := r.log.AppendRecord(rec); err != nil {
		return err
	}
	if err := r.log.FlushDurableThrough(rec.CommitID); err != nil {
		return err
	}
	muts, err := rec.Mutations()
	if err != nil {
		return err
	}
	for _, m := range muts {
		if m.Delete {
			delete(r.values, string(m.Key))
			continue
		}
		r.values[string(m.Key)] = string(m.Value)
	}
	return nil
}

func (r *replicaTarget) DurableCommitID() core.CommitID { return r.log.DurableCommitID() }

func (r *replicaTarget) get(key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.values[key]
}

func TestApplier_RejectsGap(t *testing.T) {
	primary := openLog(t)
	commit(t, primary, "a", "1")
	commit(t, primary, "b", "1")

	sr, err := primary.NewStreamReader(2)
	require.NoError(t, err)
	rec, err := sr.Next(context.Background())
	require.NoError(t, err)

	target := newReplicaTarget(t)
	err = NewApplier(target, discardLogger()).Apply(context.Background(), rec)
	require.ErrorIs(t, err, core.ErrCommitGap)
	assert.True(t, core.IsFatal(err))
	assert.Equal(t, core.CommitID(0), target.DurableCommitID())
}

func TestApplier_RejectsChecksumMismatch(t *testing.T) {
	primary := openLog(t)
	commit(t, primary, "a", "1")
	sr, err := primary.NewStreamReader(1)
	require.NoError(t, err)
	rec, err := sr.Next(context.Background())
	require.NoError(t, err)

	rec.Payload = append([]byte(nil), rec.Payload...)
	rec.Payload[len(rec.Payload)-1] ^= 0xFF
	target := newReplicaTarget(t)
	err = NewApplier(target, discardLogger()).Apply(context.Background(), rec)
	require.ErrorIs(t, err, core.ErrChecksumMismatch)
	assert.True(t, core.IsFatal(err))
	assert.Equal(t, "", target.get("a"))
}

func TestAckTracker(t *testing.T) {
	acks := NewAckTracker()
	_, ok := acks.Acked("r1")
	assert.False(t, ok)

	acks.Ack("r1", 5)
	acks.Ack("r1", 3)
	got, ok := acks.Acked("r1")
	require.True(t, ok)
	assert.Equal(t, core.CommitID(5), got, "positions never move backwards")

	done := make(chan error, 1)
	go func() {
		done <- acks.WaitFor(context.Background(), "r2", 2)
	}()
	acks.Ack("r2", 1)
	select {
	case <-done:
		t.Fatal("WaitFor returned before the position was reached")
	case <-time.After(20 * time.Millisecond):
	}
	acks.Ack("r2", 2)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitFor did not wake up")
	}

	assert.Equal(t, map[string]core.CommitID{"r1": 5, "r2": 2}, acks.Positions())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, acks.WaitFor(ctx, "r3", 1), context.Canceled)
}

func TestFollower_SyncOnce(t *testing.T) {
	primary := openLog(t)
	for i := 1; i <= 10; i++ {
		commit(t, primary, fmt.Sprintf("k%d", i%3), fmt.Sprintf("v%d", i))
	}

	clock := core.NewManualClock(time.Unix(100, 0))
	target := newReplicaTarget(t)
	acks := NewAckTracker()
	f, err := NewFollower(FollowerOptions{
		ReplicaID: "replica-1",
		Source:    NewWALSource("primary", primary),
		Target:    target,
		Acks:      acks,
		Clock:     clock,
		Logger:    discardLogger(),
	})
	require.NoError(t, err)

	n, err := f.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, primary.DurableCommitID(), target.DurableCommitID())
	assert.Equal(t, primary.DurableDigest(), target.log.DurableDigest(), "replica log chains to the same digest")
	assert.Equal(t, "v10", target.get("k1"))
	assert.Equal(t, "v9", target.get("k0"))

	acked, ok := acks.Acked("replica-1")
	require.True(t, ok)
	assert.Equal(t, core.CommitID(10), acked)

	st := f.Status()
	assert.Equal(t, "primary", st.PrimaryID)
	assert.Equal(t, core.CommitID(10), st.AppliedCommitID)
	assert.Equal(t, uint64(0), st.Lag())
	assert.Equal(t, clock.Now(), st.LastContact)
	assert.False(t, st.Halted)

	n, err = f.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	commit(t, primary, "k1", "v11")
	clock.Advance(time.Second)
	n, err = f.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "v11", target.get("k1"))
	assert.Equal(t, time.Unix(101, 0), f.Status().LastContact)
}

func TestFollower_Run(t *testing.T) {
	primary := openLog(t)
	commit(t, primary, "a", "1")

	target := newReplicaTarget(t)
	acks := NewAckTracker()
	f, err := NewFollower(FollowerOptions{
		ReplicaID: "replica-1",
		Source:    NewWALSource("primary", primary),
		Target:    target,
		Acks:      acks,
		Logger:    discardLogger(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, acks.WaitFor(waitCtx, "replica-1", 1))

	commit(t, primary, "a", "2")
	commit(t, primary, "b", "1")
	require.NoError(t, acks.WaitFor(waitCtx, "replica-1", 3))
	assert.Equal(t, "2", target.get("a"))
	assert.Equal(t, "1", target.get("b"))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
	assert.False(t, f.Status().Halted)
}

func TestFollower_ApplyFailureHalts(t *testing.T) {
	primary := openLog(t)
	commit(t, primary, "a", "1")
	commit(t, primary, "a", "2")

	target := newReplicaTarget(t)
	target.fail = core.Fatal("engine.apply", errors.New("disk gone"))
	f, err := NewFollower(FollowerOptions{
		ReplicaID: "replica-1",
		Source:    NewWALSource("primary", primary),
		Target:    target,
		Logger:    discardLogger(),
	})
	require.NoError(t, err)

	_, err = f.SyncOnce(context.Background())
	require.Error(t, err)
	st := f.Status()
	assert.True(t, st.Halted)
	assert.Error(t, st.Err)

	target.fail = nil
	_, err = f.SyncOnce(context.Background())
	assert.ErrorIs(t, err, core.ErrHalted, "a halted follower stays halted")
}

func TestFollower_TruncatedSourceHalts(t *testing.T) {
	primary := openLog(t)
	for i := 0; i < 20; i++ {
		commit(t, primary, "k", fmt.Sprintf("v%d", i))
	}
	digest, err := primary.DigestAt(15)
	require.NoError(t, err)
	removed, err := primary.TruncateThrough(15, digest)
	require.NoError(t, err)
	require.NotEmpty(t, removed)

	f, err := NewFollower(FollowerOptions{
		ReplicaID: "replica-1",
		Source:    NewWALSource("primary", primary),
		Target:    newReplicaTarget(t),
		Logger:    discardLogger(),
	})
	require.NoError(t, err)

	_, err = f.SyncOnce(context.Background())
	require.ErrorIs(t, err, wal.ErrTruncated)
	assert.True(t, f.Status().Halted)
}

type downSource struct{ durable core.CommitID }

func (d downSource) NodeID() string                 { return "primary" }
func (d downSource) DurableCommitID() core.CommitID { return d.durable }
func (d downSource) Stream(core.CommitID) (Stream, error) {
	return nil, errors.New("connection refused")
}

func TestFollower_SourceFailureDoesNotHalt(t *testing.T) {
	clock := core.NewManualClock(time.Unix(100, 0))
	f, err := NewFollower(FollowerOptions{
		ReplicaID: "replica-1",
		Source:    downSource{durable: 4},
		Target:    newReplicaTarget(t),
		Clock:     clock,
		Logger:    discardLogger(),
	})
	require.NoError(t, err)

	_, err = f.SyncOnce(context.Background())
	require.Error(t, err)
	st := f.Status()
	assert.False(t, st.Halted)
	assert.Error(t, st.Err)
	assert.Equal(t, uint64(4), st.Lag())
}
