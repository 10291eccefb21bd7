package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"rfrp/internal/model"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestNodeConfigTOML(t *testing.T) {
	path := writeFile(t, "node.toml", `
name = "edge-1"
secret = "s3cret"
controller_addr = "10.0.0.1:7000"
protocol = "quic"
tunnel_listen_addr = ":17000"
speed_limit_bps = 1048576
max_proxy_count = 16
allowed_port_ranges = ["10000-20000", "30000-30100"]

[logging]
level = "debug"
format = "text"
`)
	cfg, err := NewNodeFileProvider(path).Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Name != "edge-1" || cfg.Secret != "s3cret" || cfg.ControllerAddr != "10.0.0.1:7000" {
		t.Fatalf("identity fields wrong: %+v", cfg)
	}
	if cfg.Protocol != model.ProtocolQUIC || cfg.TunnelListenAddr != ":17000" {
		t.Fatalf("tunnel fields wrong: %+v", cfg)
	}
	if cfg.SpeedLimitBps != 1048576 || cfg.MaxProxyCount != 16 {
		t.Fatalf("limit fields wrong: %+v", cfg)
	}
	want := []model.PortRange{{Low: 10000, High: 20000}, {Low: 30000, High: 30100}}
	if len(cfg.AllowedPortRanges) != 2 || cfg.AllowedPortRanges[0] != want[0] || cfg.AllowedPortRanges[1] != want[1] {
		t.Fatalf("port ranges wrong: %+v", cfg.AllowedPortRanges)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Fatalf("logging overrides not applied: %+v", cfg.Logging)
	}
}

func TestNodeConfigYAMLDefaults(t *testing.T) {
	path := writeFile(t, "node.yaml", `
name: edge-2
secret: x
controller_addr: 10.0.0.1:7000
`)
	cfg, err := NewNodeFileProvider(path).Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Protocol != model.ProtocolKCP {
		t.Fatalf("protocol should default to kcp, got %q", cfg.Protocol)
	}
	if cfg.TunnelListenAddr != ":7100" {
		t.Fatalf("tunnel listen addr should default, got %q", cfg.TunnelListenAddr)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Fatalf("logging should default, got %+v", cfg.Logging)
	}
}

func TestNodeConfigRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"bad protocol":   "name = \"n\"\ncontroller_addr = \"a:1\"\nprotocol = \"sctp\"\n",
		"missing name":   "controller_addr = \"a:1\"\n",
		"bad port range": "name = \"n\"\ncontroller_addr = \"a:1\"\nallowed_port_ranges = [\"20000-10000\"]\n",
		"unknown field":  "name = \"n\"\ncontroller_addr = \"a:1\"\nbogus = true\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, "node.toml", content)
			if _, err := NewNodeFileProvider(path).Load(context.Background()); err == nil {
				t.Fatal("expected a load error")
			}
		})
	}
}

func TestClientConfigDefaults(t *testing.T) {
	path := writeFile(t, "client.toml", `
name = "c1"
token = "tok"
controller_addr = "10.0.0.1:7001"
`)
	cfg, err := NewClientFileProvider(path).Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogBufferSize != 1000 {
		t.Fatalf("log buffer should default to 1000, got %d", cfg.LogBufferSize)
	}

	missing := writeFile(t, "client2.toml", "controller_addr = \"a:1\"\n")
	if _, err := NewClientFileProvider(missing).Load(context.Background()); err == nil {
		t.Fatal("expected error for missing token")
	}
}

func TestControllerConfigDefaults(t *testing.T) {
	path := writeFile(t, "controller.toml", "")
	cfg, err := NewControllerFileProvider(path).Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NodeListenAddr != ":7000" || cfg.ClientListenAddr != ":7001" || cfg.DataDir != "./data" {
		t.Fatalf("defaults wrong: %+v", cfg)
	}
}
