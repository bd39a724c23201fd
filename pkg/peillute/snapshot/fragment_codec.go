package snapshot

import (
	"bytes"
	"encoding/gob"

	"github.com/lrnzcig/peillute/pkg/peillute/codec"
	"github.com/lrnzcig/peillute/pkg/peillute/types"
)

// gobSnapshot mirrors types.Snapshot but with RecordedChannels encoded as
// already-serialized message bytes, since types.Message is an interface
// and gob needs concrete registered types to encode it directly.
type gobSnapshot struct {
	SnapshotID       string
	SiteID           types.SiteID
	Lamport          uint64
	VectorClock      map[types.SiteID]uint64
	LedgerDump       []byte
	RecordedChannels map[types.SiteID][][]byte
}

// EncodeFragmentPayload serializes a Snapshot for the SnapshotFragment
// wire message's opaque Payload field, reusing the wire codec to encode
// each recorded message so the payload format stays internally
// consistent with the rest of the protocol.
func EncodeFragmentPayload(snap types.Snapshot) ([]byte, error) {
	g := gobSnapshot{
		SnapshotID:       snap.SnapshotID,
		SiteID:           snap.SiteID,
		Lamport:          snap.Lamport,
		VectorClock:      snap.VectorClock,
		LedgerDump:       snap.LedgerDump,
		RecordedChannels: make(map[types.SiteID][][]byte, len(snap.RecordedChannels)),
	}
	for channel, messages := range snap.RecordedChannels {
		encoded := make([][]byte, 0, len(messages))
		for _, m := range messages {
			b, err := codec.Encode(m)
			if err != nil {
				return nil, err
			}
			encoded = append(encoded, b)
		}
		g.RecordedChannels[channel] = encoded
	}

	buf := &bytes.Buffer{}
	if err := gob.NewEncoder(buf).Encode(g); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeFragmentPayload reverses EncodeFragmentPayload.
func DecodeFragmentPayload(payload []byte) (types.Snapshot, error) {
	var g gobSnapshot
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&g); err != nil {
		return types.Snapshot{}, err
	}
	snap := types.Snapshot{
		SnapshotID:       g.SnapshotID,
		SiteID:           g.SiteID,
		Lamport:          g.Lamport,
		VectorClock:      g.VectorClock,
		LedgerDump:       g.LedgerDump,
		RecordedChannels: make(map[types.SiteID][]types.Message, len(g.RecordedChannels)),
	}
	for channel, encoded := range g.RecordedChannels {
		messages := make([]types.Message, 0, len(encoded))
		for _, b := range encoded {
			m, err := codec.Decode(b)
			if err != nil {
				return types.Snapshot{}, err
			}
			messages = append(messages, m)
		}
		snap.RecordedChannels[channel] = messages
	}
	return snap, nil
}
