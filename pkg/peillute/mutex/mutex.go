// Package mutex implements the Lamport-queue mutual exclusion
// coordinator of spec section 4.5, adapted to a dynamically discovered
// group: every Apply is serialized behind a single global critical
// section, acquired over whatever peers are currently connected.
//
// This build standardizes on the spec's default: immediate ack, wait for
// release. A LockRequest is always acked right away; the requester waits
// for every ack plus its own request reaching the head of its local
// queue before transitioning to Held. See DESIGN.md for the rationale.
package mutex

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lrnzcig/peillute/pkg/peillute/clock"
	"github.com/lrnzcig/peillute/pkg/peillute/types"
)

// State is the per-site mutex state machine of spec section 3.
type State int

const (
	Released State = iota
	Wanted
	Held
)

// request is one entry of the pending-request queue, ordered
// lexicographically by (lamport, site_id).
type request struct {
	lamport uint64
	site    types.SiteID
}

// Sender is how the coordinator reaches the group; registry.Registry
// satisfies it.
type Sender interface {
	Send(site types.SiteID, msg types.Message) error
	Connected() []types.SiteID
}

// Coordinator implements the mutex protocol. One Coordinator instance
// exists per node and is shared by the replicator for every critical
// section it needs.
type Coordinator struct {
	mu sync.Mutex

	self    types.SiteID
	clock   *clock.Clock
	sender  Sender
	log     types.Logger
	timeout time.Duration

	state       State
	queue       []request
	myTS        request
	pendingAcks map[types.SiteID]struct{}
	acquired    chan struct{} // closed when Held is reached
}

// New creates a mutex coordinator for self, using clk for timestamps and
// sender to reach the group. timeout is spec section 4.5's
// mutex_timeout: how long Acquire waits for stuck peers' acks. After it
// elapses the missing acks are dropped; Acquire then succeeds if its own
// request is at the head of the queue and returns ErrMutexTimeout if not.
func New(self types.SiteID, clk *clock.Clock, sender Sender, log types.Logger, timeout time.Duration) *Coordinator {
	if log == nil {
		log = types.NopLogger{}
	}
	return &Coordinator{
		self:    self,
		clock:   clk,
		sender:  sender,
		log:     log,
		timeout: timeout,
		state:   Released,
	}
}

// State returns the current mutex state, for tests and metrics.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Acquire transitions Released -> Wanted -> Held, blocking until the
// critical section is ours or ctx is done. It implements steps 1 and 5
// of spec section 4.5.
func (c *Coordinator) Acquire(ctx context.Context) error {
	c.mu.Lock()
	lamport, _ := c.clock.Tick()
	ts := request{lamport: lamport, site: c.self}
	c.myTS = ts
	c.state = Wanted
	c.insertLocked(ts)

	connected := c.sender.Connected()
	c.pendingAcks = make(map[types.SiteID]struct{}, len(connected))
	for _, site := range connected {
		c.pendingAcks[site] = struct{}{}
	}
	c.acquired = make(chan struct{})
	c.checkReadyLocked()
	acquired := c.acquired
	c.mu.Unlock()

	for _, site := range connected {
		_ = c.sender.Send(site, types.LockRequest{Lamport: ts.lamport, RequesterSite: c.self})
	}

	var timeoutCh <-chan time.Time
	if c.timeout > 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-acquired:
		return nil
	case <-timeoutCh:
		// Spec section 4.5 "Timeouts": log the stuck peers and proceed
		// anyway rather than deadlock the whole node.
		c.mu.Lock()
		stuck := make([]types.SiteID, 0, len(c.pendingAcks))
		for site := range c.pendingAcks {
			stuck = append(stuck, site)
		}
		c.pendingAcks = map[types.SiteID]struct{}{}
		c.log.Warnf("mutex acquisition timed out waiting on %v, proceeding", stuck)
		c.checkReadyLocked()
		ready := c.state == Held
		c.mu.Unlock()
		if ready {
			return nil
		}
		return types.ErrMutexTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release transitions Held -> Released: removes our own request from the
// queue and broadcasts LockRelease, per spec section 4.5 step 6.
func (c *Coordinator) Release() {
	c.mu.Lock()
	ts := c.myTS
	c.removeLocked(ts)
	c.state = Released
	connected := c.sender.Connected()
	c.mu.Unlock()

	for _, site := range connected {
		_ = c.sender.Send(site, types.LockRelease{Lamport: ts.lamport, RequesterSite: c.self})
	}
}

// HandleLockRequest processes an inbound LockRequest: insert it into the
// local queue and ack immediately (spec section 4.5 step 2).
func (c *Coordinator) HandleLockRequest(msg types.LockRequest) {
	c.mu.Lock()
	c.insertLocked(request{lamport: msg.Lamport, site: msg.RequesterSite})
	lamport, _ := c.clock.Tick()
	c.mu.Unlock()

	_ = c.sender.Send(msg.RequesterSite, types.LockAck{
		Lamport:          lamport,
		ResponderSite:    c.self,
		InReplyToLamport: msg.Lamport,
	})
}

// HandleLockAck processes an inbound LockAck (spec section 4.5 step 3).
func (c *Coordinator) HandleLockAck(msg types.LockAck) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pendingAcks, msg.ResponderSite)
	c.checkReadyLocked()
}

// HandleLockRelease processes an inbound LockRelease (spec section 4.5
// step 4).
func (c *Coordinator) HandleLockRelease(msg types.LockRelease) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(request{lamport: msg.Lamport, site: msg.RequesterSite})
	c.checkReadyLocked()
}

// HandlePeerDisconnected removes a disconnected peer's outstanding
// requests and its entry from pendingAcks. Spec section 4.5 "Failure
// semantics" trades safety-under-partition for liveness-under-crash
// here: the protocol assumes crash-stop failures, not partitions
// outlasting a critical section.
func (c *Coordinator) HandlePeerDisconnected(site types.SiteID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pendingAcks, site)
	filtered := c.queue[:0]
	for _, r := range c.queue {
		if r.site != site {
			filtered = append(filtered, r)
		}
	}
	c.queue = filtered
	c.checkReadyLocked()
}

func (c *Coordinator) insertLocked(r request) {
	for _, existing := range c.queue {
		if existing == r {
			return
		}
	}
	c.queue = append(c.queue, r)
	sort.Slice(c.queue, func(i, j int) bool {
		return clock.Less(c.queue[i].lamport, c.queue[i].site, c.queue[j].lamport, c.queue[j].site)
	})
}

func (c *Coordinator) removeLocked(r request) {
	filtered := c.queue[:0]
	for _, existing := range c.queue {
		if existing != r {
			filtered = append(filtered, existing)
		}
	}
	c.queue = filtered
}

// checkReadyLocked transitions Wanted -> Held once pendingAcks is empty
// and myTS is at the head of the queue (spec section 4.5 step 5). Caller
// must hold mu.
func (c *Coordinator) checkReadyLocked() {
	if c.state != Wanted {
		return
	}
	if len(c.pendingAcks) != 0 {
		return
	}
	if len(c.queue) == 0 || c.queue[0] != c.myTS {
		return
	}
	c.state = Held
	if c.acquired != nil {
		select {
		case <-c.acquired:
		default:
			close(c.acquired)
		}
	}
}
