package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"rfrp/internal/control"
	"rfrp/internal/model"
	"rfrp/internal/tunnel"
)

type noConns struct{}

func (noConns) GetConnection(int64) (tunnel.Connection, bool) { return nil, false }

func freeTCPPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func newTestManager(t *testing.T, opts ProxyListenerManagerOptions) *ProxyListenerManager {
	t.Helper()
	if opts.Conns == nil {
		opts.Conns = noConns{}
	}
	if opts.Aggregator == nil {
		opts.Aggregator = NewTrafficAggregator(control.NewHandle(), nil)
	}
	return NewProxyListenerManager(opts)
}

func tcpConfig(proxyID int64, remotePort int) control.ProxyConfig {
	return control.ProxyConfig{
		ProxyID:    proxyID,
		ClientID:   7,
		Type:       model.ProxyTCP,
		LocalIP:    "127.0.0.1",
		LocalPort:  22,
		RemotePort: remotePort,
	}
}

// TestStartSingleProxyIdempotent: a double start
// without an intervening stop either succeeds silently or fails with
// PortInUse, and never leaves two listeners bound.
func TestStartSingleProxyIdempotent(t *testing.T) {
	m := newTestManager(t, ProxyListenerManagerOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := tcpConfig(42, freeTCPPort(t))
	if err := m.StartSingleProxy(ctx, 7, cfg); err != nil {
		t.Fatalf("first start: %v", err)
	}
	defer m.StopSingleProxy(7, 42)

	if err := m.StartSingleProxy(ctx, 7, cfg); err != nil {
		t.Fatalf("second start should be a silent no-op, got %v", err)
	}

	if got := m.ActiveProxyIDs(7); len(got) != 1 || got[0] != 42 {
		t.Fatalf("expected exactly one listener for proxy 42, got %v", got)
	}
}

func TestStartSingleProxyPortInUse(t *testing.T) {
	m := newTestManager(t, ProxyListenerManagerOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	port := freeTCPPort(t)
	occupier, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("occupy port: %v", err)
	}
	defer occupier.Close()

	// Listening on 0.0.0.0 collides with the occupied loopback port.
	err = m.StartSingleProxy(ctx, 7, tcpConfig(42, port))
	if err == nil {
		m.StopSingleProxy(7, 42)
		t.Fatal("expected bind failure on occupied port")
	}
	if !errors.Is(err, ErrPortInUse) {
		t.Fatalf("expected ErrPortInUse, got %v", err)
	}
	if got := m.ActiveProxyIDs(7); len(got) != 0 {
		t.Fatalf("failed start must not leave a listener, got %v", got)
	}
}

func TestStopClientProxiesDropsAll(t *testing.T) {
	m := newTestManager(t, ProxyListenerManagerOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := int64(1); i <= 3; i++ {
		if err := m.StartSingleProxy(ctx, 7, tcpConfig(i, freeTCPPort(t))); err != nil {
			t.Fatalf("start proxy %d: %v", i, err)
		}
	}
	if err := m.StartSingleProxy(ctx, 8, tcpConfig(9, freeTCPPort(t))); err != nil {
		t.Fatalf("start proxy for other client: %v", err)
	}
	defer m.StopClientProxies(8)

	m.StopClientProxies(7)

	if got := m.ActiveProxyIDs(7); len(got) != 0 {
		t.Fatalf("client 7 should have no listeners, got %v", got)
	}
	if got := m.ActiveProxyIDs(8); len(got) != 1 {
		t.Fatalf("client 8 listener must survive, got %v", got)
	}
}

func TestStartSingleProxyEnforcesLimits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := newTestManager(t, ProxyListenerManagerOptions{
		MaxProxyCount: 1,
		AllowedPorts:  []model.PortRange{{Low: 1024, High: 65535}},
	})

	if err := m.StartSingleProxy(ctx, 7, tcpConfig(1, freeTCPPort(t))); err != nil {
		t.Fatalf("first start: %v", err)
	}
	defer m.StopClientProxies(7)

	if err := m.StartSingleProxy(ctx, 7, tcpConfig(2, freeTCPPort(t))); err == nil {
		m.StopSingleProxy(7, 2)
		t.Fatal("expected max-proxy-count rejection")
	}

	m.StopClientProxies(7)
	if err := m.StartSingleProxy(ctx, 7, tcpConfig(3, 80)); err == nil {
		m.StopSingleProxy(7, 3)
		t.Fatal("expected allowed-port-range rejection for port 80")
	}
}
