package codec

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/lrnzcig/peillute/pkg/peillute/types"
)

func roundTrip(t *testing.T, msg types.Message) types.Message {
	t.Helper()
	encoded, err := Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return decoded
}

func TestRoundTripEveryMessageVariant(t *testing.T) {
	cases := []types.Message{
		types.Hello{SiteID: "A", ListenAddr: "127.0.0.1:9000", Neighbors: []types.Peer{{SiteID: "B", ListenAddr: "127.0.0.1:9001"}}, VectorClock: map[types.SiteID]uint64{"A": 4}},
		types.NeighborAnnounce{SiteID: "A", Neighbors: nil},
		types.LockRequest{Lamport: 5, RequesterSite: "A"},
		types.LockAck{Lamport: 6, ResponderSite: "B", InReplyToLamport: 5},
		types.LockRelease{Lamport: 5, RequesterSite: "A"},
		types.Apply{
			CommandID:   "cmd-1",
			Originator:  "A",
			Lamport:     7,
			VectorClock: map[types.SiteID]uint64{"A": 3, "B": 2},
			Command:     types.Command{CommandID: "cmd-1", Originator: "A", Kind: types.CommandDeposit, UserID: "u", Amount: 50},
		},
		types.ApplyAck{CommandID: "cmd-1", ResponderSite: "B"},
		types.SnapshotMarker{SnapshotID: "s1", InitiatorSite: "A", FromSite: "A"},
		types.SnapshotFragment{SnapshotID: "s1", SiteID: "B", Payload: []byte{1, 2, 3}},
		types.Bye{SiteID: "A"},
	}

	for _, original := range cases {
		decoded := roundTrip(t, original)
		if !reflect.DeepEqual(original, decoded) {
			t.Errorf("round trip mismatch for %T: got %#v, want %#v", original, decoded, original)
		}
	}
}

func TestDecodeUnknownTagIsRejected(t *testing.T) {
	_, err := Decode([]byte{0xFF})
	if err == nil {
		t.Fatalf("expected error decoding unknown tag")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	buf := &bytes.Buffer{}
	msg := types.LockRequest{Lamport: 42, RequesterSite: "X"}
	if err := WriteMessage(buf, msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadMessage(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !reflect.DeepEqual(msg, got) {
		t.Fatalf("got %#v, want %#v", got, msg)
	}
}

func TestFrameRejectsOversized(t *testing.T) {
	buf := &bytes.Buffer{}
	lenBuf := make([]byte, 4)
	lenBuf[0] = 0xFF
	buf.Write(lenBuf)
	if _, err := ReadFrame(buf); err == nil {
		t.Fatalf("expected oversized frame to be rejected")
	}
}
