package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/swbus/internal/bus"
	"github.com/danmuck/swbus/internal/protocol"
	"github.com/danmuck/swbus/internal/protocol/session"
	"github.com/danmuck/swbus/internal/testutil/testlog"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "busd.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const sample = `
identity = "rack1.dpu0"
listen = "127.0.0.1:7400"
advertise = ["rack1.dpu0", "svc.ha"]
tokens = ["new-token", "old-token"]
hop_limit = 16
request_timeout = "3s"
overflow = "shed"
diagnostics_addr = "127.0.0.1:7480"

[session]
heartbeat_interval = "2s"
dead_after = "9s"
send_queue = 64

[retry]
max_attempts = 5
attempt_timeout = "500ms"

[dedup]
window = "10s"

[[neighbors]]
name = "uplink"
endpoint = "10.0.0.1:7400"
role = "parent"
identity = "rack1"
cost = 2

[[neighbors]]
name = "ha-peer"
endpoint = "10.0.0.9:7400"
prefixes = ["rack1.dpu1", "svc"]
`

func TestLoadAppliesDefinedKeys(t *testing.T) {
	testlog.Start(t)
	cfg, err := Load(writeFile(t, sample))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := cfg.Bus
	if b.Identity != protocol.MustParseAddress("rack1.dpu0") {
		t.Fatalf("identity: %s", b.Identity)
	}
	if b.HopLimit != 16 || b.RequestTimeout != 3*time.Second || b.Overflow != bus.OverflowShed {
		t.Fatalf("top level: hop=%d timeout=%v overflow=%s", b.HopLimit, b.RequestTimeout, b.Overflow)
	}
	if len(b.Tokens) != 2 || b.Tokens[0] != "new-token" {
		t.Fatalf("tokens: %v", b.Tokens)
	}
	if b.Session.HeartbeatInterval != 2*time.Second || b.Session.SessionDeadAfter != 9*time.Second || b.Session.SendQueueSize != 64 {
		t.Fatalf("session: %+v", b.Session)
	}
	if b.Session.HandshakeTimeout != session.DefaultConfig().HandshakeTimeout {
		t.Fatalf("undefined keys must keep defaults: %v", b.Session.HandshakeTimeout)
	}
	if b.Retry.MaxAttempts != 5 || b.Retry.AttemptTimeout != 500*time.Millisecond {
		t.Fatalf("retry: %+v", b.Retry)
	}
	if b.Dedup.Window != 10*time.Second || b.Dedup.Capacity != bus.DefaultConfig().Dedup.Capacity {
		t.Fatalf("dedup: %+v", b.Dedup)
	}
	if cfg.DiagnosticsAddr != "127.0.0.1:7480" {
		t.Fatalf("diagnostics: %q", cfg.DiagnosticsAddr)
	}
	if len(b.Neighbors) != 2 {
		t.Fatalf("neighbors: %+v", b.Neighbors)
	}
	up := b.Neighbors[0]
	if up.Role != session.RoleParent || up.Identity != protocol.MustParseAddress("rack1") || up.Cost != 2 {
		t.Fatalf("uplink: %+v", up)
	}
	peer := b.Neighbors[1]
	if peer.Role != session.RolePeer || peer.Cost != 1 || len(peer.Prefixes) != 2 {
		t.Fatalf("ha-peer: %+v", peer)
	}
}

func TestLoadRejectsBadInput(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"missing identity": `listen = ":7400"`,
		"bad identity":     `identity = "rack 1"`,
		"bad duration":     "identity = \"a\"\nrequest_timeout = \"soon\"",
		"hop range":        "identity = \"a\"\nhop_limit = 300",
		"unknown key":      "identity = \"a\"\ncolour = \"blue\"",
		"bad role":         "identity = \"a\"\n[[neighbors]]\nname = \"x\"\nendpoint = \"h:1\"\nrole = \"uncle\"",
		"no endpoint":      "identity = \"a\"\n[[neighbors]]\nname = \"x\"",
		"dup neighbor":     "identity = \"a\"\n[[neighbors]]\nname = \"x\"\nendpoint = \"h:1\"\n[[neighbors]]\nname = \"x\"\nendpoint = \"h:2\"",
	}
	for name, body := range cases {
		if _, err := Load(writeFile(t, body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestTemplateLoads(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "busd.toml")
	if err := WriteTemplate(path, "rack1.dpu0", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, "rack1.dpu0", false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load template: %v", err)
	}
	if cfg.Bus.Identity.String() != "rack1.dpu0" || len(cfg.Bus.Neighbors) != 1 {
		t.Fatalf("template config: %+v", cfg.Bus)
	}
	if cfg.Bus.Retry.Backoff.MaxDelay != time.Second {
		t.Fatalf("template retry backoff: %+v", cfg.Bus.Retry.Backoff)
	}
}
