package snapshot

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lrnzcig/peillute/pkg/peillute/types"
)

// FilePersister writes completed snapshots to
// snapshot-<snapshot_id>.bin in Dir, the self-describing binary framing
// spec section 6 describes.
type FilePersister struct {
	Dir string
}

// Persist implements Persister.
func (p FilePersister) Persist(snap types.AggregatedSnapshot) error {
	dir := p.Dir
	if dir == "" {
		dir = "."
	}
	path := filepath.Join(dir, fmt.Sprintf("snapshot-%s.bin", snap.SnapshotID))

	fragments := make(map[types.SiteID][]byte, len(snap.Fragments))
	for site, fragment := range snap.Fragments {
		encoded, err := EncodeFragmentPayload(fragment)
		if err != nil {
			return err
		}
		fragments[site] = encoded
	}

	buf := &bytes.Buffer{}
	if err := gob.NewEncoder(buf).Encode(struct {
		SnapshotID string
		Initiator  types.SiteID
		Fragments  map[types.SiteID][]byte
	}{snap.SnapshotID, snap.Initiator, fragments}); err != nil {
		return err
	}

	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// LoadFile reads back a snapshot file written by FilePersister, for
// offline inspection (spec section 3 "Snapshots are ... retained for
// offline inspection").
func LoadFile(path string) (types.AggregatedSnapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return types.AggregatedSnapshot{}, err
	}
	var shape struct {
		SnapshotID string
		Initiator  types.SiteID
		Fragments  map[types.SiteID][]byte
	}
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&shape); err != nil {
		return types.AggregatedSnapshot{}, err
	}

	out := types.AggregatedSnapshot{
		SnapshotID: shape.SnapshotID,
		Initiator:  shape.Initiator,
		Fragments:  make(map[types.SiteID]types.Snapshot, len(shape.Fragments)),
	}
	for site, encoded := range shape.Fragments {
		fragment, err := DecodeFragmentPayload(encoded)
		if err != nil {
			return types.AggregatedSnapshot{}, err
		}
		out.Fragments[site] = fragment
	}
	return out, nil
}
