package replicator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lrnzcig/peillute/pkg/peillute/clock"
	"github.com/lrnzcig/peillute/pkg/peillute/storage"
	"github.com/lrnzcig/peillute/pkg/peillute/types"
)

type noopMutex struct{}

func (noopMutex) Acquire(ctx context.Context) error { return nil }
func (noopMutex) Release()                          {}

type memSender struct {
	self  types.SiteID
	mu    sync.Mutex
	peers map[types.SiteID]*Replicator
}

func (s *memSender) Connected() []types.SiteID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.SiteID
	for site := range s.peers {
		if site != s.self {
			out = append(out, site)
		}
	}
	return out
}

func (s *memSender) Send(site types.SiteID, msg types.Message) error {
	s.mu.Lock()
	target := s.peers[site]
	s.mu.Unlock()
	if target == nil {
		return types.ErrPeerUnreachable
	}
	switch m := msg.(type) {
	case types.Apply:
		target.HandleApply(s.self, m)
	case types.ApplyAck:
		target.HandleApplyAck(m)
	}
	return nil
}

func newReplicatorCluster(sites ...types.SiteID) (map[types.SiteID]*Replicator, map[types.SiteID]*storage.MemoryLedger) {
	senders := make(map[types.SiteID]*memSender, len(sites))
	repls := make(map[types.SiteID]*Replicator, len(sites))
	ledgers := make(map[types.SiteID]*storage.MemoryLedger, len(sites))
	for _, s := range sites {
		senders[s] = &memSender{self: s, peers: make(map[types.SiteID]*Replicator)}
		ledgers[s] = storage.NewMemoryLedger()
	}
	for _, s := range sites {
		repls[s] = New(s, clock.New(s), senders[s], noopMutex{}, ledgers[s], types.NopLogger{}, time.Second)
	}
	for _, s := range sites {
		for _, other := range sites {
			senders[s].peers[other] = repls[other]
		}
	}
	return repls, ledgers
}

// TestScenarioThreeNodesFullyConnected mirrors spec section 8 scenario 1:
// three nodes, fully connected, a sequence of commands converges to the
// same balance and apply order everywhere.
func TestScenarioThreeNodesFullyConnected(t *testing.T) {
	repls, ledgers := newReplicatorCluster("A", "B", "C")
	ctx := context.Background()

	if _, err := repls["A"].Submit(ctx, types.Command{Kind: types.CommandCreate, UserID: "u"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repls["B"].Submit(ctx, types.Command{Kind: types.CommandDeposit, UserID: "u", Amount: 50}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := repls["C"].Submit(ctx, types.Command{Kind: types.CommandWithdraw, UserID: "u", Amount: 20}); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	for _, site := range []types.SiteID{"A", "B", "C"} {
		rows, err := ledgers[site].Read(types.Query{Statement: "balance", Args: []interface{}{"u"}})
		if err != nil {
			t.Fatalf("%s read: %v", site, err)
		}
		if rows[0]["balance"] != int64(30) {
			t.Errorf("%s: expected balance 30, got %v", site, rows[0]["balance"])
		}
	}
}

func TestSubmitReturnsValidationErrorWithoutBroadcast(t *testing.T) {
	repls, ledgers := newReplicatorCluster("A", "B")
	ctx := context.Background()

	_, err := repls["A"].Submit(ctx, types.Command{Kind: types.CommandDeposit, UserID: "ghost", Amount: 10})
	if err != types.ErrUnknownUser {
		t.Fatalf("expected ErrUnknownUser, got %v", err)
	}

	rows, err := ledgers["B"].Read(types.Query{Statement: "transactions"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no transactions broadcast to B, got %d", len(rows))
	}
}

func TestIdempotentApplyAppliesOnce(t *testing.T) {
	repls, ledgers := newReplicatorCluster("A", "B")

	repls["A"].Submit(context.Background(), types.Command{Kind: types.CommandCreate, UserID: "u"})
	msg := types.Apply{
		CommandID:   "dup-1",
		Originator:  "A",
		Lamport:     5,
		VectorClock: map[types.SiteID]uint64{"A": 5},
		Command:     types.Command{CommandID: "dup-1", Kind: types.CommandDeposit, UserID: "u", Amount: 10},
	}
	repls["B"].HandleApply("A", msg)
	repls["B"].HandleApply("A", msg) // retransmission

	rows, _ := ledgers["B"].Read(types.Query{Statement: "balance", Args: []interface{}{"u"}})
	if rows[0]["balance"] != int64(10) {
		t.Fatalf("expected idempotent apply to leave balance at 10, got %v", rows[0]["balance"])
	}
}

// TestReconcileReplaysOnlyMissedApplies covers spec section 9's
// reconciliation hook: a peer whose announced vector clock lags behind a
// site's recorded history is replayed exactly the commands that site
// originated after the point the peer last saw it.
func TestReconcileReplaysOnlyMissedApplies(t *testing.T) {
	repls, _ := newReplicatorCluster("A", "B")
	ctx := context.Background()

	if _, err := repls["A"].Submit(ctx, types.Command{Kind: types.CommandCreate, UserID: "u"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repls["A"].Submit(ctx, types.Command{Kind: types.CommandDeposit, UserID: "u", Amount: 10}); err != nil {
		t.Fatalf("deposit 1: %v", err)
	}
	if _, err := repls["A"].Submit(ctx, types.Command{Kind: types.CommandDeposit, UserID: "u", Amount: 20}); err != nil {
		t.Fatalf("deposit 2: %v", err)
	}

	// A peer that has never seen anything from A should be replayed every
	// command A has originated.
	missed := repls["A"].Reconcile("C", map[types.SiteID]uint64{})
	if len(missed) != 3 {
		t.Fatalf("expected 3 missed applies for an unseen peer, got %d", len(missed))
	}

	// A peer that already saw A's first command should only be replayed
	// what came after it.
	missed = repls["A"].Reconcile("C", map[types.SiteID]uint64{"A": 1})
	if len(missed) != 2 {
		t.Fatalf("expected 2 missed applies after vector clock 1, got %d", len(missed))
	}

	// A peer fully caught up is replayed nothing.
	missed = repls["A"].Reconcile("C", map[types.SiteID]uint64{"A": 3})
	if len(missed) != 0 {
		t.Fatalf("expected no missed applies for a caught-up peer, got %d", len(missed))
	}
}
