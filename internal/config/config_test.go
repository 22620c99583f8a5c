package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.conf.json")
	if err := os.WriteFile(path, []byte(body), 0o640); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `{
		"version": "1.0.0",
		"xrpl": {"address": "rHOST", "secret": "s", "governorAddress": "rGOV",
			"rippledServer": "wss://example", "leaseAmount": 2, "affordableExtraFee": 1},
		"networking": {"ipv6": {"subnet": "::/64", "interface": "eth0"}},
		"data_dir": "/var/lib/sashimono"
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.TickSeconds != DefaultTickSeconds {
		t.Errorf("TickSeconds = %d, want %d", cfg.TickSeconds, DefaultTickSeconds)
	}
	if cfg.MomentSizeSeconds != DefaultMomentSizeSeconds {
		t.Errorf("MomentSizeSeconds = %d, want %d", cfg.MomentSizeSeconds, DefaultMomentSizeSeconds)
	}
	if cfg.SocketPath != filepath.Join("/var/lib/sashimono", "sa.sock") {
		t.Errorf("SocketPath = %s, unexpected", cfg.SocketPath)
	}
}

func TestLoad_RejectsNonPositiveLeaseAmount(t *testing.T) {
	path := writeTempConfig(t, `{"xrpl": {"leaseAmount": 0}}`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for zero leaseAmount")
	}
}

func TestSave_RoundTrips(t *testing.T) {
	path := writeTempConfig(t, `{
		"version": "1.0.0",
		"xrpl": {"address": "rHOST", "leaseAmount": 2, "affordableExtraFee": 1},
		"data_dir": "/tmp/data"
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	cfg.XRPL.LeaseAmount = 5
	if err := cfg.Save(""); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.XRPL.LeaseAmount != 5 {
		t.Errorf("LeaseAmount after reload = %d, want 5", reloaded.XRPL.LeaseAmount)
	}
}

func TestGovernance_MissingFileIsEmpty(t *testing.T) {
	g, err := LoadGovernance(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("LoadGovernance: %v", err)
	}
	if len(g) != 0 {
		t.Errorf("expected empty governance, got %v", g)
	}
}

func TestGovernance_SaveAndDeleteVote(t *testing.T) {
	path := filepath.Join(t.TempDir(), "governance.json")
	g := Governance{"candidateA": VoteSupport, "candidateB": VoteReject}

	if err := g.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := LoadGovernance(path)
	if err != nil {
		t.Fatalf("LoadGovernance: %v", err)
	}
	if reloaded["candidateA"] != VoteSupport {
		t.Errorf("candidateA vote = %s, want support", reloaded["candidateA"])
	}

	reloaded.DeleteVote("candidateB")
	if _, ok := reloaded["candidateB"]; ok {
		t.Error("candidateB should have been deleted")
	}
}
