package testutil

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/INLOpen/nexusdoc/core"
)

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// RequireWALPresent asserts that the `wal/` directory exists under dataDir
// and contains at least one segment. It fails the test immediately if the
// requirement is not met.
func RequireWALPresent(t *testing.T, dataDir string) {
	t.Helper()
	files, err := ListWALFiles(dataDir)
	if err != nil {
		t.Fatalf("expected wal directory under %s: %v", dataDir, err)
	}
	if len(files) == 0 {
		t.Fatalf("expected wal segments under %s, none found", dataDir)
	}
}

// ListWALFiles returns the segment files under dataDir/wal in index order.
// Returns an error if the wal directory does not exist or cannot be read.
func ListWALFiles(dataDir string) ([]string, error) {
	walDir := filepath.Join(dataDir, core.WALDirName)
	entries, err := os.ReadDir(walDir)
	if err != nil {
		return nil, err
	}
	type seg struct {
		idx  uint64
		path string
	}
	var segs []seg
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if idx, err := core.ParseSegmentFileName(e.Name()); err == nil {
			segs = append(segs, seg{idx, filepath.Join(walDir, e.Name())})
		}
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].idx < segs[j].idx })
	files := make([]string, len(segs))
	for i, s := range segs {
		files[i] = s.path
	}
	return files, nil
}

// LastNonEmptyWALFile returns the newest segment holding more than its
// header, which is where a torn write would be.
func LastNonEmptyWALFile(t *testing.T, dataDir string) string {
	t.Helper()
	files, err := ListWALFiles(dataDir)
	if err != nil {
		t.Fatalf("list wal files: %v", err)
	}
	for i := len(files) - 1; i >= 0; i-- {
		fi, err := os.Stat(files[i])
		if err != nil {
			t.Fatalf("stat %s: %v", files[i], err)
		}
		if fi.Size() > int64((&core.FileHeader{}).Size()) {
			return files[i]
		}
	}
	t.Fatalf("no wal segment with records under %s", dataDir)
	return ""
}

// TruncateBy cuts n bytes off the end of path, simulating a torn write.
func TruncateBy(t *testing.T, path string, n int64) {
	t.Helper()
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat %s: %v", path, err)
	}
	if n > fi.Size() {
		n = fi.Size()
	}
	if err := os.Truncate(path, fi.Size()-n); err != nil {
		t.Fatalf("truncate %s: %v", path, err)
	}
}

// FlipByte inverts the byte at offset off of path. A negative offset
// counts from the end.
func FlipByte(t *testing.T, path string, off int64) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if off < 0 {
		off += int64(len(data))
	}
	if off < 0 || off >= int64(len(data)) {
		t.Fatalf("offset %d outside %s (%d bytes)", off, path, len(data))
	}
	data[off] ^= 0xFF
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
