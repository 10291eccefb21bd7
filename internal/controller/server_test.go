package controller

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"rfrp/internal/control"
	"rfrp/internal/model"
	"rfrp/internal/tunnel"
)

func startTestServer(t *testing.T, ctx context.Context, store Store) *Server {
	t.Helper()
	srv := NewServer(ServerOptions{
		NodeListenAddr:   "127.0.0.1:0",
		ClientListenAddr: "127.0.0.1:0",
		Store:            store,
	})
	go srv.Run(ctx)
	return srv
}

// dialControl opens a control channel to addr the way a Node or Client
// does: QUIC with a self-signed peer, one bidirectional stream.
func dialControl(t *testing.T, ctx context.Context, addr string) *control.ControlChannel {
	t.Helper()
	transport := tunnel.NewQUICTransport()
	conn, err := transport.Dial(ctx, addr, tunnel.DialOptions{
		QUIC: tunnel.QUICDialOptions{InsecureSkipVerify: true},
	})
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { conn.Close() })

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		t.Fatalf("open control stream: %v", err)
	}
	ch := control.New(stream, nil)
	ch.Handle(control.KindHeartbeatResponse, func(context.Context, *control.ControlChannel, string, json.RawMessage) {})
	go ch.Run(ctx)
	t.Cleanup(func() { ch.Close() })
	return ch
}

func waitFor(t *testing.T, d time.Duration, what string, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for !fn() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// TestNodeRegisterLifecycle drives a real register/disconnect cycle over
// QUIC: is_online is an observed property that flips with the lifetime of
// the control stream.
func TestNodeRegisterLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	store := newSnapshotStore()
	srv := startTestServer(t, ctx, store)
	nodeAddr, _, err := srv.BoundAddrs(ctx)
	if err != nil {
		t.Fatalf("server never bound: %v", err)
	}

	ch := dialControl(t, ctx, nodeAddr.String())

	resp, err := ch.Call(ctx, control.KindNodeRegister, control.NodeRegister{Name: "edge-1", Secret: "s3cret"})
	if err != nil {
		t.Fatalf("register call: %v", err)
	}
	reg, err := control.DecodeData[control.NodeRegisterResponse](resp)
	if err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	if reg.Rejected != "" || reg.NodeID != 1 {
		t.Fatalf("unexpected register response: %+v", reg)
	}

	waitFor(t, 5*time.Second, "node online", func() bool {
		n, _ := store.Node(1)
		return n != nil && n.IsOnline
	})

	// Wrong secret must be rejected with a typed error, not a hang.
	bad := dialControl(t, ctx, nodeAddr.String())
	resp, err = bad.Call(ctx, control.KindNodeRegister, control.NodeRegister{Name: "edge-1", Secret: "wrong"})
	if err != nil {
		t.Fatalf("register call with bad secret: %v", err)
	}
	if resp.OK {
		t.Fatal("expected rejection for wrong secret")
	}
	if badReg, _ := control.DecodeData[control.NodeRegisterResponse](resp); badReg.Rejected == "" {
		t.Fatal("rejection reason missing from response data")
	}

	ch.Close()
	waitFor(t, 10*time.Second, "node offline after disconnect", func() bool {
		n, _ := store.Node(1)
		return n != nil && !n.IsOnline
	})
}

// TestClientAuthReceivesProxyUpdate covers the push contract: the
// snapshot arrives immediately after successful auth, grouped by node.
func TestClientAuthReceivesProxyUpdate(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	store := newSnapshotStore()
	srv := startTestServer(t, ctx, store)
	_, clientAddr, err := srv.BoundAddrs(ctx)
	if err != nil {
		t.Fatalf("server never bound: %v", err)
	}

	ch := dialControl(t, ctx, clientAddr.String())
	updates := make(chan control.ProxyUpdate, 4)
	ch.Handle(control.KindProxyUpdate, func(_ context.Context, _ *control.ControlChannel, _ string, payload json.RawMessage) {
		var u control.ProxyUpdate
		if err := json.Unmarshal(payload, &u); err == nil {
			updates <- u
		}
	})

	resp, err := ch.Call(ctx, control.KindClientAuth, control.ClientAuth{Token: "tok-7"})
	if err != nil {
		t.Fatalf("auth call: %v", err)
	}
	auth, err := control.DecodeData[control.ClientAuthResponse](resp)
	if err != nil || auth.Rejected != "" || auth.ClientID != 7 {
		t.Fatalf("unexpected auth response: %+v err=%v", auth, err)
	}

	select {
	case update := <-updates:
		if update.ClientID != 7 || len(update.ServerGroups) == 0 {
			t.Fatalf("unexpected initial push: %+v", update)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no ProxyUpdate after auth")
	}

	waitFor(t, 5*time.Second, "client online", func() bool {
		c, _ := store.Client(7)
		return c != nil && c.IsOnline
	})

	// Scenario (F): an admin-side rule change re-pushes a snapshot that
	// now carries both rules.
	store.Seed(nil, nil, nil, []model.Proxy{{ID: 9, ClientID: 7, Type: model.ProxyTCP, RemotePort: 19009, Enabled: true}}, nil)
	if err := srv.PushProxyUpdate(7); err != nil {
		t.Fatalf("push proxy update: %v", err)
	}
	select {
	case update := <-updates:
		var ids []int64
		for _, g := range update.ServerGroups {
			for _, p := range g.Proxies {
				ids = append(ids, p.ProxyID)
			}
		}
		found := false
		for _, id := range ids {
			if id == 9 {
				found = true
			}
		}
		if !found {
			t.Fatalf("second push should include the new rule, got %v", ids)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no ProxyUpdate after rule change")
	}
}

func TestClientAuthRejectsBadToken(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := newSnapshotStore()
	srv := startTestServer(t, ctx, store)
	_, clientAddr, err := srv.BoundAddrs(ctx)
	if err != nil {
		t.Fatalf("server never bound: %v", err)
	}

	ch := dialControl(t, ctx, clientAddr.String())
	resp, err := ch.Call(ctx, control.KindClientAuth, control.ClientAuth{Token: "nope"})
	if err != nil {
		t.Fatalf("auth call: %v", err)
	}
	if resp.OK {
		t.Fatal("expected rejection for unknown token")
	}
	if auth, _ := control.DecodeData[control.ClientAuthResponse](resp); auth.Rejected == "" {
		t.Fatal("rejection reason missing from response data")
	}
}
