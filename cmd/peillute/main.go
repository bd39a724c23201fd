// Command peillute is the process entry point of spec section 6: it
// parses the CLI flags, opens the local store, wires a Node, and runs
// it until an interrupt or a fatal error brings it down.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lrnzcig/peillute/pkg/peillute/config"
	"github.com/lrnzcig/peillute/pkg/peillute/node"
	"github.com/lrnzcig/peillute/pkg/peillute/storage"
	"github.com/lrnzcig/peillute/pkg/peillute/types"
)

// Exit codes per spec section 6.
const (
	exitOK           = 0
	exitConfigError  = 1
	exitRuntimeError = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cmd := rootCommand()
	err := cmd.Execute()
	if err == nil {
		return exitOK
	}
	fmt.Fprintln(os.Stderr, err)
	if errors.Is(err, config.ErrConfig) {
		return exitConfigError
	}
	return exitRuntimeError
}

func rootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peillute",
		Short: "peillute runs one node of a peer-to-peer replicated ledger",
	}
	cfg := config.BindFlags(cmd)
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", config.ErrConfig, err)
	})
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runNode(cmd.Context(), cfg)
	}
	return cmd
}

// runNode opens the local store, wires a Node, and blocks until an
// interrupt (SIGINT/SIGTERM) triggers graceful shutdown or the node
// observes a fatal error.
func runNode(ctx context.Context, cfg *config.Config) error {
	siteID := cfg.SiteIDOrGenerated(func() string { return uuid.NewString() })
	log := types.NewLogger(string(siteID))

	ledger, closeLedger, err := openLedger(cfg.DBID)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrLocalStoreUnusable, err)
	}
	defer closeLedger()

	n := node.New(node.Options{
		Self:               siteID,
		ListenAddr:         fmt.Sprintf(":%d", cfg.Port),
		Seeds:              cfg.Peers,
		Ledger:             ledger,
		Log:                log,
		MutexTimeout:       5 * time.Second,
		ReplicationTimeout: 5 * time.Second,
		GossipInterval:     5 * time.Second,
		SnapshotDir:        ".",
		MetricsAddr:        metricsAddr(cfg.MetricsPort),
	})

	if err := n.Start(cfg.Peers); err != nil {
		return fmt.Errorf("%w: %v", types.ErrListenerBindFailed, err)
	}
	log.Infof("peillute node %s listening on %s", siteID, n.Addr())

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-runCtx.Done()

	log.Infof("shutting down")
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := n.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	if n.Diverged() {
		return fmt.Errorf("%w", types.ErrDiverged)
	}
	return nil
}

// metricsAddr maps the --metrics-port flag (0 disables it) to the
// address node.Options expects.
func metricsAddr(port int) string {
	if port == 0 {
		return ""
	}
	return fmt.Sprintf(":%d", port)
}

// openLedger opens the persisted SQLite-backed store spec section 6
// names, peillute-<db-id>.db, returning a cleanup func to release it.
// --cli mode still uses the same persisted store; the in-memory ledger
// remains available to tests via storage.NewMemoryLedger but is never
// selected by the CLI.
func openLedger(dbID int) (types.LocalLedger, func(), error) {
	path := fmt.Sprintf("peillute-%d.db", dbID)
	ledger, err := storage.OpenSQLiteLedger(path)
	if err != nil {
		return nil, nil, err
	}
	return ledger, func() { _ = ledger.Close() }, nil
}
