package node

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/lrnzcig/peillute/pkg/peillute/storage"
	"github.com/lrnzcig/peillute/pkg/peillute/types"
)

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

func newTestNode(t *testing.T, self types.SiteID) *Node {
	t.Helper()
	n, _ := newTestNodeWithDir(t, self)
	return n
}

func newTestNodeWithDir(t *testing.T, self types.SiteID) (*Node, string) {
	t.Helper()
	dir := t.TempDir()
	n := New(Options{
		Self:               self,
		ListenAddr:         "127.0.0.1:0",
		Ledger:             storage.NewMemoryLedger(),
		Log:                types.NopLogger{},
		MutexTimeout:       2 * time.Second,
		ReplicationTimeout: 2 * time.Second,
		GossipInterval:     time.Hour,
		SnapshotDir:        dir,
	})
	return n, dir
}

// TestThreeNodeClusterConvergesAndShutsDownCleanly exercises the full
// stack end to end over real TCP connections: seed bootstrap, command
// replication, and graceful shutdown without leaking goroutines (spec
// section 8 scenario 1, plus the ambient goroutine-leak test tooling).
func TestThreeNodeClusterConvergesAndShutsDownCleanly(t *testing.T) {
	defer goleak.VerifyNone(t)

	nodeA := newTestNode(t, "A")
	if err := nodeA.Start(nil); err != nil {
		t.Fatalf("start A: %v", err)
	}

	nodeB := newTestNode(t, "B")
	if err := nodeB.Start([]string{nodeA.Addr()}); err != nil {
		t.Fatalf("start B: %v", err)
	}

	nodeC := newTestNode(t, "C")
	if err := nodeC.Start([]string{nodeA.Addr()}); err != nil {
		t.Fatalf("start C: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool {
		return len(nodeA.registry.Connected()) == 2 &&
			len(nodeB.registry.Connected()) == 2 &&
			len(nodeC.registry.Connected()) == 2
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := nodeA.Submit(ctx, types.Command{Kind: types.CommandCreate, UserID: "u"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := nodeB.Submit(ctx, types.Command{Kind: types.CommandDeposit, UserID: "u", Amount: 50}); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := nodeC.Submit(ctx, types.Command{Kind: types.CommandWithdraw, UserID: "u", Amount: 20}); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		for _, n := range []*Node{nodeA, nodeB, nodeC} {
			rows, err := n.ledger.Read(types.Query{Statement: "balance", Args: []interface{}{"u"}})
			if err != nil || len(rows) == 0 || rows[0]["balance"] != int64(30) {
				return false
			}
		}
		return true
	})

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutCancel()
	for _, n := range []*Node{nodeA, nodeB, nodeC} {
		if err := n.Shutdown(shutCtx); err != nil {
			t.Fatalf("shutdown: %v", err)
		}
	}
}

// TestSnapshotNowProducesAggregatedSnapshot drives spec section 8
// scenario 4 loosely: a handful of commands followed by a snapshot,
// verifying the snapshot completes and captures balances consistent
// with the converged state.
func TestSnapshotNowProducesAggregatedSnapshot(t *testing.T) {
	nodeA, snapDir := newTestNodeWithDir(t, "A")
	if err := nodeA.Start(nil); err != nil {
		t.Fatalf("start A: %v", err)
	}
	defer nodeA.Shutdown(context.Background())

	nodeB := newTestNode(t, "B")
	if err := nodeB.Start([]string{nodeA.Addr()}); err != nil {
		t.Fatalf("start B: %v", err)
	}
	defer nodeB.Shutdown(context.Background())

	waitFor(t, 2*time.Second, func() bool {
		return len(nodeA.registry.Connected()) == 1 && len(nodeB.registry.Connected()) == 1
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := nodeA.Submit(ctx, types.Command{Kind: types.CommandCreate, UserID: "u"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := nodeA.Submit(ctx, types.Command{Kind: types.CommandDeposit, UserID: "u", Amount: 100}); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		rows, err := nodeB.ledger.Read(types.Query{Statement: "balance", Args: []interface{}{"u"}})
		return err == nil && len(rows) == 1 && rows[0]["balance"] == int64(100)
	})

	snapshotID, err := nodeA.SnapshotNow()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshotID == "" {
		t.Fatalf("expected non-empty snapshot id")
	}

	waitFor(t, 2*time.Second, func() bool {
		_, err := os.Stat(filepath.Join(snapDir, "snapshot-"+snapshotID+".bin"))
		return err == nil
	})
}

// TestLateJoinerReconcilesViaHello exercises spec section 9's
// reconciliation hook: a node joins only after commands were already
// submitted and broadcast to nobody, so it can only converge through the
// Hello-carried vector clock triggering a replay of missed Applies.
func TestLateJoinerReconcilesViaHello(t *testing.T) {
	defer goleak.VerifyNone(t)

	nodeA := newTestNode(t, "A")
	if err := nodeA.Start(nil); err != nil {
		t.Fatalf("start A: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := nodeA.Submit(ctx, types.Command{Kind: types.CommandCreate, UserID: "u"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := nodeA.Submit(ctx, types.Command{Kind: types.CommandDeposit, UserID: "u", Amount: 75}); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	nodeB := newTestNode(t, "B")
	if err := nodeB.Start([]string{nodeA.Addr()}); err != nil {
		t.Fatalf("start B: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		rows, err := nodeB.ledger.Read(types.Query{Statement: "balance", Args: []interface{}{"u"}})
		return err == nil && len(rows) == 1 && rows[0]["balance"] == int64(75)
	})

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutCancel()
	if err := nodeA.Shutdown(shutCtx); err != nil {
		t.Fatalf("shutdown A: %v", err)
	}
	if err := nodeB.Shutdown(shutCtx); err != nil {
		t.Fatalf("shutdown B: %v", err)
	}
}
