// Package clock implements the hybrid Lamport and vector clock of spec
// section 4.4: a single non-decreasing Lamport counter plus a per-site
// vector clock, both guarded by one mutex so a message is never observed
// to affect state before its receiving clock update has completed (spec
// section 5 "Ordering guarantees").
//
// The merge rules follow the teacher's LogicalClock (Tick/Tock/Leap) for
// the scalar half and sfurman3's vector clock (element-wise Max then
// local increment) for the vector half.
package clock

import (
	"sync"

	"github.com/lrnzcig/peillute/pkg/peillute/types"
)

// Clock bundles the Lamport scalar and the vector clock for one site.
// All methods are safe for concurrent use.
type Clock struct {
	mu      sync.Mutex
	site    types.SiteID
	lamport uint64
	vector  map[types.SiteID]uint64
}

// New creates a clock for the given site, seeded at zero.
func New(site types.SiteID) *Clock {
	return &Clock{
		site:   site,
		vector: map[types.SiteID]uint64{site: 0},
	}
}

// Tick advances the clock for a purely local event (submit, snapshot_now,
// issuing a LockRequest): the Lamport counter and the owning site's
// vector entry are both incremented. It returns the stamps to attach to
// an outgoing message, per spec section 4.4 ("Send: stamp with current
// clocks after the local-event increment").
func (c *Clock) Tick() (lamport uint64, vector map[types.SiteID]uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lamport++
	c.vector[c.site]++
	return c.lamport, cloneVector(c.vector)
}

// Snapshot returns the current stamps without advancing the clock.
func (c *Clock) Snapshot() (lamport uint64, vector map[types.SiteID]uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lamport, cloneVector(c.vector)
}

// Receive merges an incoming stamp into the local clock: the Lamport
// counter becomes max(local, incoming)+1, and the vector clock takes the
// element-wise max with the incoming vector before the owning site's
// entry is incremented. New site ids in the incoming vector are learned
// and grow the mapping monotonically, per spec section 3 "Clocks".
func (c *Clock) Receive(lamport uint64, vector map[types.SiteID]uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lamport > c.lamport {
		c.lamport = lamport
	}
	c.lamport++

	for site, value := range vector {
		if value > c.vector[site] {
			c.vector[site] = value
		}
	}
	c.vector[c.site]++
}

// Learn registers a newly discovered site in the vector clock without
// otherwise advancing any counter, used when membership discovers a peer
// that has not yet sent a stamped message.
func (c *Clock) Learn(site types.SiteID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.vector[site]; !ok {
		c.vector[site] = 0
	}
}

func cloneVector(v map[types.SiteID]uint64) map[types.SiteID]uint64 {
	out := make(map[types.SiteID]uint64, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Dominates reports whether vector a strictly dominates vector b: a is
// element-wise >= b in every component present in b, with strict
// inequality in at least one of them or with a holding more entries than
// b. This is the invariant spec section 8
// checks after a receive: the receiver's own vector clock must strictly
// dominate the sent vector clock.
func Dominates(a, b map[types.SiteID]uint64) bool {
	strictlyGreater := false
	for site, bv := range b {
		av := a[site]
		if av < bv {
			return false
		}
		if av > bv {
			strictlyGreater = true
		}
	}
	if len(a) > len(b) {
		strictlyGreater = true
	}
	return strictlyGreater
}

// Less orders two (lamport, site) request timestamps lexicographically:
// lamport is the primary key, site id breaks remaining ties, per spec
// section 4.4.
func Less(lamportA uint64, siteA types.SiteID, lamportB uint64, siteB types.SiteID) bool {
	if lamportA != lamportB {
		return lamportA < lamportB
	}
	return siteA < siteB
}
