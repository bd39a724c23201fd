package registry

import (
	"bytes"
	"testing"

	"github.com/lrnzcig/peillute/pkg/peillute/codec"
	"github.com/lrnzcig/peillute/pkg/peillute/types"
)

type bufConn struct {
	bytes.Buffer
	closed bool
}

func (b *bufConn) Close() error {
	b.closed = true
	return nil
}

func TestInsertAndSend(t *testing.T) {
	r := New(types.NopLogger{})
	conn := &bufConn{}
	if !r.Insert("A", "B", conn) {
		t.Fatalf("expected fresh insert to succeed")
	}
	msg := types.LockRequest{Lamport: 1, RequesterSite: "A"}
	if err := r.Send("B", msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := codec.ReadMessage(&conn.Buffer)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != types.Message(msg) {
		t.Fatalf("got %#v, want %#v", got, msg)
	}
}

func TestSendToUnknownPeerFails(t *testing.T) {
	r := New(types.NopLogger{})
	err := r.Send("ghost", types.LockRequest{})
	if err != types.ErrPeerUnreachable {
		t.Fatalf("expected ErrPeerUnreachable, got %v", err)
	}
}

func TestDuplicateDialTieBreak(t *testing.T) {
	// Local site "A" is lexicographically smaller than remote "B": when
	// two connections race for the same remote, the local site keeps
	// its existing connection and the new one is closed.
	r := New(types.NopLogger{})
	first := &bufConn{}
	second := &bufConn{}

	r.Insert("A", "B", first)
	accepted := r.Insert("A", "B", second)
	if accepted {
		t.Fatalf("expected second connection to lose the tie-break")
	}
	if !second.closed {
		t.Fatalf("losing connection should be closed")
	}
	if first.closed {
		t.Fatalf("winning connection should remain open")
	}
}

func TestDuplicateDialTieBreakLocalLoses(t *testing.T) {
	// Local site "Z" is lexicographically larger than remote "B": the
	// local node loses, so the new connection replaces the old one.
	r := New(types.NopLogger{})
	first := &bufConn{}
	second := &bufConn{}

	r.Insert("Z", "B", first)
	accepted := r.Insert("Z", "B", second)
	if !accepted {
		t.Fatalf("expected second connection to win the tie-break")
	}
	if !first.closed {
		t.Fatalf("losing connection should be closed")
	}
}

func TestBroadcastReturnsDeliveredSites(t *testing.T) {
	r := New(types.NopLogger{})
	r.Insert("A", "B", &bufConn{})
	r.Insert("A", "C", &bufConn{})

	delivered := r.Broadcast(types.LockRequest{Lamport: 1, RequesterSite: "A"})
	if len(delivered) != 2 {
		t.Fatalf("expected 2 delivered, got %d", len(delivered))
	}
}
