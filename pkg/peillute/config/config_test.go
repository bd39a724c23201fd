package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
)

func TestBindFlagsParsesPeersAndValidates(t *testing.T) {
	cfg, cmd := newTestCommand()
	cmd.SetArgs([]string{"--site-id", "A", "--port", "9001", "--peers", "127.0.0.1:9002, 127.0.0.1:9003", "--cli"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if cfg.SiteID != "A" || cfg.Port != 9001 || !cfg.CLI {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if len(cfg.Peers) != 2 || cfg.Peers[0] != "127.0.0.1:9002" || cfg.Peers[1] != "127.0.0.1:9003" {
		t.Fatalf("unexpected peers: %v", cfg.Peers)
	}
}

func TestValidateRejectsMalformedPeer(t *testing.T) {
	_, cmd := newTestCommand()
	cmd.SetArgs([]string{"--peers", "not-a-host-port"})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected validation error for malformed peer")
	}
}

func TestManifestSuppliesDefaultsFlagsOverride(t *testing.T) {
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "manifest.yaml")
	if err := os.WriteFile(manifestPath, []byte("site_id: fromfile\nport: 7000\n"), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	cfg, cmd := newTestCommand()
	cmd.SetArgs([]string{"--manifest", manifestPath, "--port", "8000"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if cfg.SiteID != "fromfile" {
		t.Fatalf("expected site id from manifest, got %q", cfg.SiteID)
	}
	if cfg.Port != 8000 {
		t.Fatalf("expected explicit flag to override manifest port, got %d", cfg.Port)
	}
}

func newTestCommand() (*Config, *cobra.Command) {
	cmd := &cobra.Command{
		Use: "test",
		RunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
	}
	cfg := BindFlags(cmd)
	return cfg, cmd
}
