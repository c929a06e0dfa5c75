package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadFileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "vault.yaml")
	content := []byte(`
admin: "0x00000000000000000000000000000000000000a1"
relayer: "0x00000000000000000000000000000000000000b2, 0x00000000000000000000000000000000000000b3"
min-fee: 5
transfer-lockup: 90s
listen: ":9000"
`)
	if err := os.WriteFile(cfgFile, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("VAULT_NETWORK_ID", "137")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("listen", ":8080", "")
	if err := flags.Parse([]string{"--listen", ":7000"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := Load(cfgFile, flags)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Listen != ":7000" {
		t.Fatalf("flag should override file, got %s", cfg.Listen)
	}
	if cfg.NetworkID != 137 {
		t.Fatalf("env not applied: %d", cfg.NetworkID)
	}
	want := []string{"0x00000000000000000000000000000000000000b2", "0x00000000000000000000000000000000000000b3"}
	if !reflect.DeepEqual(cfg.Relayers, want) {
		t.Fatalf("relayers mismatch: %v", cfg.Relayers)
	}
	if cfg.MinFee != 5 || cfg.MaxFee != 10000 || cfg.TransferLockup != 90*time.Second {
		t.Fatalf("fee or lockup mismatch: %+v", cfg)
	}
	if cfg.SaveFundsLockUp != 12*time.Hour || cfg.StrategyTimeout != 30*time.Second {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadRequiresAdmin(t *testing.T) {
	cfgFile := filepath.Join(t.TempDir(), "vault.yaml")
	if err := os.WriteFile(cfgFile, []byte("listen: \":1\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(cfgFile, nil); err == nil {
		t.Fatalf("expected missing admin error")
	}
}

func TestLoadReconcile(t *testing.T) {
	cfgFile := filepath.Join(t.TempDir(), "vault.yaml")
	content := []byte("rpc: http://localhost:8545\nholding-address: \"0x00000000000000000000000000000000000000c1\"\ntolerance: \"0.5\"\n")
	if err := os.WriteFile(cfgFile, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadReconcile(cfgFile, nil)
	if err != nil {
		t.Fatalf("load reconcile: %v", err)
	}
	if cfg.Tolerance != "0.5" || cfg.SnapshotPath != "./data/vault.json" {
		t.Fatalf("unexpected reconcile config: %+v", cfg)
	}
}

func TestLoadInflows(t *testing.T) {
	cfgFile := filepath.Join(t.TempDir(), "vault.yaml")
	content := []byte("rpc: http://localhost:8545\nholding-address: \"0x00000000000000000000000000000000000000c1\"\n")
	if err := os.WriteFile(cfgFile, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.StringSlice("token", nil, "")
	flags.Uint64("from", 0, "")
	if err := flags.Parse([]string{"--token", "0x1000000000000000000000000000000000000001,0x1000000000000000000000000000000000000002", "--from", "77"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg, err := LoadInflows(cfgFile, flags)
	if err != nil {
		t.Fatalf("load inflows: %v", err)
	}
	if len(cfg.Tokens) != 2 || cfg.FromBlock != 77 || cfg.BatchSize != 2000 {
		t.Fatalf("unexpected inflow config: %+v", cfg)
	}
	if cfg.Out != "./data/inflows.jsonl" || cfg.Checkpoint != "./data/inflows_checkpoint.json" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadLPPair(t *testing.T) {
	cases := []struct {
		name    string
		pair    string
		wantErr bool
	}{
		{name: "unset", pair: ""},
		{name: "pair", pair: "lp-pair: \"0x1000000000000000000000000000000000000001,0x1000000000000000000000000000000000000002\"\n"},
		{name: "single", pair: "lp-pair: \"0x1000000000000000000000000000000000000001\"\n", wantErr: true},
		{name: "invalid", pair: "lp-pair: \"0x1000000000000000000000000000000000000001,usdc\"\n", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfgFile := filepath.Join(t.TempDir(), "vault.yaml")
			content := "admin: \"0x00000000000000000000000000000000000000a1\"\n" + tc.pair
			if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
				t.Fatalf("write config: %v", err)
			}
			cfg, err := Load(cfgFile, nil)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", cfg.LPPair)
				}
				return
			}
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if tc.name == "pair" && len(cfg.LPPair) != 2 {
				t.Fatalf("lp pair = %v", cfg.LPPair)
			}
		})
	}
}
