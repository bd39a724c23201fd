package mutex

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lrnzcig/peillute/pkg/peillute/clock"
	"github.com/lrnzcig/peillute/pkg/peillute/types"
)

// fakeSender wires a small set of in-memory Coordinators together so the
// protocol can be exercised without a real network, mirroring the
// teacher's in-memory TestInvoker harness.
type fakeSender struct {
	self  types.SiteID
	mu    sync.Mutex
	peers map[types.SiteID]*Coordinator
}

func (f *fakeSender) Connected() []types.SiteID {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sites []types.SiteID
	for site := range f.peers {
		if site != f.self {
			sites = append(sites, site)
		}
	}
	return sites
}

func (f *fakeSender) Send(site types.SiteID, msg types.Message) error {
	f.mu.Lock()
	target := f.peers[site]
	f.mu.Unlock()
	if target == nil {
		return types.ErrPeerUnreachable
	}
	go target.deliver(msg)
	return nil
}

func (c *Coordinator) deliver(msg types.Message) {
	switch m := msg.(type) {
	case types.LockRequest:
		c.HandleLockRequest(m)
	case types.LockAck:
		c.HandleLockAck(m)
	case types.LockRelease:
		c.HandleLockRelease(m)
	}
}

func newCluster(sites ...types.SiteID) map[types.SiteID]*Coordinator {
	senders := make(map[types.SiteID]*fakeSender, len(sites))
	coords := make(map[types.SiteID]*Coordinator, len(sites))
	for _, s := range sites {
		senders[s] = &fakeSender{self: s, peers: make(map[types.SiteID]*Coordinator)}
	}
	for _, s := range sites {
		coords[s] = New(s, clock.New(s), senders[s], types.NopLogger{}, time.Second)
	}
	for _, s := range sites {
		for _, other := range sites {
			senders[s].peers[other] = coords[other]
		}
	}
	return coords
}

func TestSingleNodeAcquiresImmediately(t *testing.T) {
	coords := newCluster("A")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := coords["A"].Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if coords["A"].State() != Held {
		t.Fatalf("expected Held")
	}
	coords["A"].Release()
	if coords["A"].State() != Released {
		t.Fatalf("expected Released")
	}
}

// TestMutualExclusionAcrossGroup exercises scenario 3 of spec section 8:
// concurrent acquisitions resolve to a single total order, never two
// simultaneous holders.
func TestMutualExclusionAcrossGroup(t *testing.T) {
	coords := newCluster("A", "B", "C")

	var heldCount int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, site := range []types.SiteID{"A", "B", "C"} {
		wg.Add(1)
		go func(site types.SiteID) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := coords[site].Acquire(ctx); err != nil {
				t.Errorf("%s acquire: %v", site, err)
				return
			}
			mu.Lock()
			heldCount++
			exclusive := heldCount
			mu.Unlock()
			if exclusive != 1 {
				t.Errorf("more than one holder at once: %d", exclusive)
			}
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			heldCount--
			mu.Unlock()
			coords[site].Release()
		}(site)
	}
	wg.Wait()
}

func TestDisconnectWhileWaitingUnblocksAcquire(t *testing.T) {
	coords := newCluster("A", "B")
	// B will never ack; simulate it disconnecting from A's perspective.
	senderA := coords["A"]
	go func() {
		time.Sleep(20 * time.Millisecond)
		senderA.HandlePeerDisconnected("B")
	}()

	// Prevent B's real Coordinator from answering by detaching it first.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Replace B's entry so requests vanish into the void (simulating a
	// crashed peer) instead of being auto-acked by the fake sender.
	fs := senderA.sender.(*fakeSender)
	fs.mu.Lock()
	delete(fs.peers, "B")
	fs.peers["B"] = nil
	fs.mu.Unlock()

	if err := coords["A"].Acquire(ctx); err != nil {
		t.Fatalf("acquire should succeed after peer disconnect clears pendingAcks: %v", err)
	}
}
