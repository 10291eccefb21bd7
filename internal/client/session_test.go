package client

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"rfrp/internal/control"
	"rfrp/internal/logging"
	"rfrp/internal/tunnel"
)

// connPair builds two ends of a real mux connection over loopback TCP.
func connPair(t *testing.T, ctx context.Context) (nodeSide, clientSide tunnel.Connection) {
	t.Helper()
	transport := tunnel.NewTCPTransport()
	ln, err := transport.Listen("127.0.0.1:0", tunnel.ListenOptions{})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan tunnel.Connection, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		accepted <- conn
	}()

	dialed, err := transport.Dial(ctx, ln.Addr().String(), tunnel.DialOptions{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { dialed.Close() })

	select {
	case conn := <-accepted:
		t.Cleanup(func() { conn.Close() })
		return conn, dialed
	case <-ctx.Done():
		t.Fatal("accept timed out")
		return nil, nil
	}
}

func testSession(logs *logging.LineStore) *NodeSession {
	return NewNodeSession(NodeSessionOptions{
		Group: control.ProxyGroup{NodeID: 3},
		Token: "tok-A",
		Logs:  logs,
	})
}

// serveOneStream accepts a single inbound stream on the client side and
// dispatches it the way the session's accept loop would.
func serveOneStream(t *testing.T, ctx context.Context, sess *NodeSession, conn tunnel.Connection) {
	t.Helper()
	go func() {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		sess.handleStream(ctx, stream)
	}()
}

func TestLogStreamServesRecentEntries(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logs := logging.NewLineStore(10)
	for _, line := range []string{"alpha", "beta", "gamma"} {
		logs.Write([]byte(line + "\n"))
	}
	sess := testSession(logs)

	nodeSide, clientSide := connPair(t, ctx)
	serveOneStream(t, ctx, sess, clientSide)

	stream, err := nodeSide.OpenStream(ctx)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer stream.Close()

	if _, err := stream.Write([]byte{tunnel.MsgLog}); err != nil {
		t.Fatalf("write type byte: %v", err)
	}
	if err := tunnel.WriteLogRequest(stream, 2); err != nil {
		t.Fatalf("write log request: %v", err)
	}

	payload, err := tunnel.ReadLogResponse(stream)
	if err != nil {
		t.Fatalf("read log response: %v", err)
	}
	var lines []string
	if err := json.Unmarshal(payload, &lines); err != nil {
		t.Fatalf("response is not a JSON array: %v (%q)", err, payload)
	}
	if len(lines) != 2 || lines[0] != "beta" || lines[1] != "gamma" {
		t.Fatalf("expected the 2 most recent lines, got %v", lines)
	}
}

func TestHeartbeatStreamEchoes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess := testSession(nil)
	nodeSide, clientSide := connPair(t, ctx)
	serveOneStream(t, ctx, sess, clientSide)

	stream, err := nodeSide.OpenStream(ctx)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer stream.Close()

	if _, err := stream.Write([]byte{tunnel.MsgHeartbeat}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	var reply [1]byte
	if _, err := io.ReadFull(stream, reply[:]); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if reply[0] != tunnel.MsgHeartbeat {
		t.Fatalf("got reply 0x%02x want 'h'", reply[0])
	}
}

func TestUnknownStreamTypeIsClosed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess := testSession(nil)
	nodeSide, clientSide := connPair(t, ctx)
	serveOneStream(t, ctx, sess, clientSide)

	stream, err := nodeSide.OpenStream(ctx)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer stream.Close()

	if _, err := stream.Write([]byte{'x'}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var buf [1]byte
	readErr := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(stream, buf[:])
		readErr <- err
	}()
	select {
	case err := <-readErr:
		if err == nil {
			t.Fatal("expected the stream to close without a reply")
		}
	case <-ctx.Done():
		t.Fatal("stream was not closed for an unknown type byte")
	}
}
