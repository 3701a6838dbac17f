package checkpoint

import (
	"fmt"

	"github.com/INLOpen/nexusdoc/core"
	"github.com/INLOpen/nexusdoc/mvcc"
)

// Load fills an empty store from the durable checkpoint in dir and
// publishes its cutoff. found is false when there is no checkpoint, in
// which case the store is left empty. Parts not referenced by the marker
// are never read.
func Load(dir string, store *mvcc.Store) (Marker, bool, error) {
	marker, found, err := ReadMarker(dir)
	if err != nil || !found {
		return Marker{}, found, err
	}
	for _, ref := range marker.Parts {
		err := readPart(dir, ref, func(e Entry) error {
			if e.CommitID > marker.CommitID {
				return fmt.Errorf("entry for key %q has commit %d beyond cutoff %d", e.Key, e.CommitID, marker.CommitID)
			}
			return store.Restore(e.Key, e.CommitID, e.Value)
		})
		if err != nil {
			return marker, true, core.Fatal("checkpoint.load", err)
		}
	}
	if err := store.SetBase(marker.CommitID); err != nil {
		return marker, true, core.Fatal("checkpoint.load", err)
	}
	return marker, true, nil
}

// CleanupDir removes parts in dir not referenced by its durable marker.
func CleanupDir(dir string) ([]string, error) {
	marker, found, err := ReadMarker(dir)
	if err != nil {
		return nil, err
	}
	return cleanupOrphans(dir, marker, found)
}
