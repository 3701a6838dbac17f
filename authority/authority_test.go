package authority

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/sys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarker_WriteAndRead(t *testing.T) {
	dir := t.TempDir()
	want := Marker{
		PrimaryNodeID:      "node-b",
		TransitionCommitID: 42,
		Timestamp:          time.Unix(1700000000, 7).UTC(),
		PreviousPrimaryID:  "node-a",
	}
	require.NoError(t, Write(dir, want))

	got, found, err := Read(dir)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, want, got)
	assert.True(t, got.HeldBy("node-b"))
	assert.False(t, got.HeldBy("node-a"))
	assert.False(t, Marker{}.HeldBy(""))
}

func TestMarker_ReadAbsent(t *testing.T) {
	_, found, err := Read(t.TempDir())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMarker_WriteRejectsBadIDs(t *testing.T) {
	dir := t.TempDir()
	err := Write(dir, Marker{})
	assert.True(t, core.IsReject(err))

	long := make([]byte, maxNodeIDLen+1)
	for i := range long {
		long[i] = 'x'
	}
	err = Write(dir, Marker{PrimaryNodeID: string(long)})
	assert.True(t, core.IsReject(err))
	_, found, _ := Read(dir)
	assert.False(t, found)
}

func TestMarker_CorruptIsFatal(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Write(dir, Marker{PrimaryNodeID: "node-a", TransitionCommitID: 1}))
	data, err := os.ReadFile(Path(dir))
	require.NoError(t, err)

	for _, n := range []int{0, 3, len(data) - 1} {
		require.NoError(t, os.WriteFile(Path(dir), data[:n], 0644))
		_, found, err := Read(dir)
		assert.True(t, found)
		assert.True(t, core.IsFatal(err), "truncated to %d bytes", n)
		assert.ErrorIs(t, err, core.ErrMarkerCorrupt)
	}
}

func TestMarker_Remove(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Write(dir, Marker{PrimaryNodeID: "node-a"}))
	require.NoError(t, Remove(dir))
	_, found, err := Read(dir)
	require.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, Remove(dir), "removing an absent marker succeeds")
}

// TestMarker_CrashPoints interrupts Write at each step of the atomic
// replace and checks that the marker resolves to the old or the new holder.
func TestMarker_CrashPoints(t *testing.T) {
	errCrash := errors.New("simulated crash")
	next := Marker{PrimaryNodeID: "node-b", TransitionCommitID: 9, PreviousPrimaryID: "node-a", Timestamp: time.Unix(5, 0).UTC()}

	cases := []struct {
		stage   sys.AtomicStage
		wantNew bool
	}{
		{sys.StageBeforeWrite, false},
		{sys.StageMidWrite, false},
		{sys.StageBeforeRename, false},
		{sys.StageBeforeDirSync, true},
	}
	for _, prior := range []bool{false, true} {
		for _, tc := range cases {
			name := tc.stage.String()
			if prior {
				name += "/replacing"
			}
			t.Run(name, func(t *testing.T) {
				dir := t.TempDir()
				old := Marker{PrimaryNodeID: "node-a", TransitionCommitID: 3, Timestamp: time.Unix(1, 0).UTC()}
				if prior {
					require.NoError(t, Write(dir, old))
				}

				restore := sys.SetAtomicWriteHook(func(_ string, s sys.AtomicStage) error {
					if s == tc.stage {
						return errCrash
					}
					return nil
				})
				err := Write(dir, next)
				restore()
				require.ErrorIs(t, err, errCrash)
				assert.True(t, core.IsFatal(err))

				got, found, err := Read(dir)
				require.NoError(t, err, "a crash never leaves an undecodable marker")
				switch {
				case tc.wantNew:
					require.True(t, found)
					assert.Equal(t, next, got)
				case prior:
					require.True(t, found)
					assert.Equal(t, old, got)
				default:
					assert.False(t, found)
				}

				require.NoError(t, CleanupStaged(dir))
				_, err = os.Stat(sys.TempPath(Path(dir)))
				assert.True(t, os.IsNotExist(err))
			})
		}
	}
}
