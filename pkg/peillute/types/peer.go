package types

// SiteID uniquely identifies a node within a deployment. Spec section 3
// allows either a string or a small integer; a string is the more general
// choice and is what the wire codec carries.
type SiteID string

// Less orders site ids lexicographically, the tie-break used throughout
// the mutex queue and the connection registry's duplicate-dial race.
func (s SiteID) Less(other SiteID) bool {
	return s < other
}

// Peer binds a site id to its listening endpoint. Peer records are
// created during discovery and are never deleted except on explicit
// shutdown notice (spec section 3 "Lifecycle"); a closed connection
// removes the peer from the connection registry but not from KnownPeers.
type Peer struct {
	SiteID     SiteID
	ListenAddr string
}

// PeerStatus tracks liveness for a known peer without removing it from
// the membership set.
type PeerStatus int

const (
	// StatusConnected means an open byte-stream connection currently
	// exists to this peer.
	StatusConnected PeerStatus = iota
	// StatusDisconnected means the peer is known but currently
	// unreachable. It is excluded from mutex/replication quorum while in
	// this state, per spec section 4.3 "Liveness".
	StatusDisconnected
)
