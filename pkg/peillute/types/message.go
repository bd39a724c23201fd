package types

// MessageKind tags the wire union of spec section 4.1. An unknown tag
// read off the wire is a protocol violation, not a value ever held here.
type MessageKind byte

const (
	KindHello MessageKind = iota + 1
	KindNeighborAnnounce
	KindLockRequest
	KindLockAck
	KindLockRelease
	KindApply
	KindApplyAck
	KindSnapshotMarker
	KindSnapshotFragment
	KindBye
)

// Message is implemented by every wire message variant. Every message
// carries the sender's site id, as spec section 4.1 requires.
type Message interface {
	Kind() MessageKind
	Sender() SiteID
}

// Hello is the first frame sent after a connection is established. It
// carries the sender's current vector clock so the receiving side can
// replay any Apply messages the sender missed while disconnected (spec
// section 9's reconciliation hook).
type Hello struct {
	SiteID      SiteID
	ListenAddr  string
	Neighbors   []Peer
	VectorClock map[SiteID]uint64
}

func (h Hello) Kind() MessageKind { return KindHello }
func (h Hello) Sender() SiteID    { return h.SiteID }

// NeighborAnnounce carries discovery gossip: the sender's current view of
// KnownPeers, broadcast on each tick of the membership gossip interval. A
// change in that view is not broadcast on its own.
type NeighborAnnounce struct {
	SiteID    SiteID
	Neighbors []Peer
}

func (n NeighborAnnounce) Kind() MessageKind { return KindNeighborAnnounce }
func (n NeighborAnnounce) Sender() SiteID    { return n.SiteID }

// LockRequest asks the group for the global mutex at a given Lamport
// timestamp.
type LockRequest struct {
	Lamport       uint64
	RequesterSite SiteID
}

func (r LockRequest) Kind() MessageKind { return KindLockRequest }
func (r LockRequest) Sender() SiteID    { return r.RequesterSite }

// LockAck acknowledges a LockRequest. Spec section 4.5 standardizes on
// immediate ack: every LockRequest is answered right away regardless of
// the responder's own state or queue position.
type LockAck struct {
	Lamport           uint64
	ResponderSite     SiteID
	InReplyToLamport  uint64
}

func (a LockAck) Kind() MessageKind { return KindLockAck }
func (a LockAck) Sender() SiteID    { return a.ResponderSite }

// LockRelease announces that the requester is done with the critical
// section; receivers drop the matching request from their local queue.
type LockRelease struct {
	Lamport       uint64
	RequesterSite SiteID
}

func (r LockRelease) Kind() MessageKind { return KindLockRelease }
func (r LockRelease) Sender() SiteID    { return r.RequesterSite }

// Apply carries a command to be applied by every connected peer, stamped
// with the clocks in effect when it was broadcast (spec section 4.6).
type Apply struct {
	CommandID   string
	Originator  SiteID
	Lamport     uint64
	VectorClock map[SiteID]uint64
	Command     Command
}

func (a Apply) Kind() MessageKind { return KindApply }
func (a Apply) Sender() SiteID    { return a.Originator }

// ApplyAck acknowledges that a peer has applied a given command.
type ApplyAck struct {
	CommandID     string
	ResponderSite SiteID
}

func (a ApplyAck) Kind() MessageKind { return KindApplyAck }
func (a ApplyAck) Sender() SiteID    { return a.ResponderSite }

// SnapshotMarker is the Chandy-Lamport control message initiating or
// propagating channel recording for a given snapshot.
type SnapshotMarker struct {
	SnapshotID     string
	InitiatorSite  SiteID
	FromSite       SiteID
}

func (m SnapshotMarker) Kind() MessageKind { return KindSnapshotMarker }
func (m SnapshotMarker) Sender() SiteID    { return m.FromSite }

// SnapshotFragment is a per-site snapshot record shipped back to the
// initiator once that site's local recording is complete.
type SnapshotFragment struct {
	SnapshotID string
	SiteID     SiteID
	Payload    []byte
}

func (f SnapshotFragment) Kind() MessageKind { return KindSnapshotFragment }
func (f SnapshotFragment) Sender() SiteID    { return f.SiteID }

// Bye announces a graceful shutdown.
type Bye struct {
	SiteID SiteID
}

func (b Bye) Kind() MessageKind { return KindBye }
func (b Bye) Sender() SiteID    { return b.SiteID }
