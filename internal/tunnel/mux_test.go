package tunnel

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// pipeConn adapts net.Pipe's two ends to the muxConn interface used by mux.
type pipeConn struct {
	net.Conn
}

func newMuxPair(t *testing.T) (*mux, *mux) {
	t.Helper()
	a, b := net.Pipe()
	dialer := newMux(pipeConn{a}, true)
	acceptor := newMux(pipeConn{b}, false)
	t.Cleanup(func() {
		dialer.Close()
		acceptor.Close()
	})
	return dialer, acceptor
}

func TestStreamIDParity(t *testing.T) {
	dialer, acceptor := newMuxPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	seen := map[uint32]bool{}
	for i := 0; i < 5; i++ {
		s, err := dialer.openStream(ctx)
		if err != nil {
			t.Fatalf("dialer openStream: %v", err)
		}
		if s.id%2 != 1 {
			t.Fatalf("dialer-allocated id %d is not odd", s.id)
		}
		if seen[s.id] {
			t.Fatalf("duplicate dialer id %d", s.id)
		}
		seen[s.id] = true

		peer, err := acceptor.acceptStream(ctx)
		if err != nil {
			t.Fatalf("acceptor acceptStream: %v", err)
		}
		if peer.id != s.id {
			t.Fatalf("acceptor saw id %d, dialer opened %d", peer.id, s.id)
		}
	}

	for i := 0; i < 5; i++ {
		s, err := acceptor.openStream(ctx)
		if err != nil {
			t.Fatalf("acceptor openStream: %v", err)
		}
		if s.id%2 != 0 {
			t.Fatalf("acceptor-allocated id %d is not even", s.id)
		}
	}
}

func TestByteOrderPreservedAcrossChunkBoundaries(t *testing.T) {
	dialer, acceptor := newMuxPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	send, err := dialer.openStream(ctx)
	if err != nil {
		t.Fatalf("openStream: %v", err)
	}
	recv, err := acceptor.acceptStream(ctx)
	if err != nil {
		t.Fatalf("acceptStream: %v", err)
	}

	chunks := []string{"hel", "lo, ", "", "world", "!"}
	go func() {
		for _, c := range chunks {
			if _, err := send.Write([]byte(c)); err != nil {
				return
			}
		}
		send.Finish()
	}()

	got, err := io.ReadAll(recv)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	want := "hello, world!"
	if string(got) != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestEOFAfterFinishAndDrain(t *testing.T) {
	dialer, acceptor := newMuxPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	send, err := dialer.openStream(ctx)
	if err != nil {
		t.Fatalf("openStream: %v", err)
	}
	recv, err := acceptor.acceptStream(ctx)
	if err != nil {
		t.Fatalf("acceptStream: %v", err)
	}

	if _, err := send.Write([]byte("buffered")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := send.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}

	buf := make([]byte, 8)
	n, err := recv.Read(buf)
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	if string(buf[:n]) != "buffered" {
		t.Fatalf("got %q want %q", buf[:n], "buffered")
	}

	// At most one more call after the buffered bytes are consumed before EOF.
	deadline := time.After(2 * time.Second)
	for {
		_, err := recv.Read(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("unexpected read error: %v", err)
		}
		select {
		case <-deadline:
			t.Fatal("EOF never observed")
		default:
		}
	}
}

// TestMultiplexInterleave: two streams opened over one
// connection must not cross-deliver data even when writes interleave.
func TestMultiplexInterleave(t *testing.T) {
	dialer, acceptor := newMuxPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sendA, err := dialer.openStream(ctx)
	if err != nil {
		t.Fatalf("open A: %v", err)
	}
	sendB, err := dialer.openStream(ctx)
	if err != nil {
		t.Fatalf("open B: %v", err)
	}

	recvA, err := acceptor.acceptStream(ctx)
	if err != nil {
		t.Fatalf("accept A: %v", err)
	}
	recvB, err := acceptor.acceptStream(ctx)
	if err != nil {
		t.Fatalf("accept B: %v", err)
	}

	sendA.Write([]byte("AAAA"))
	sendB.Write([]byte("BBBB"))
	sendA.Write([]byte("AAAA"))
	sendA.Finish()
	sendB.Finish()

	var wg sync.WaitGroup
	var gotA, gotB []byte
	wg.Add(2)
	go func() { defer wg.Done(); gotA, _ = io.ReadAll(recvA) }()
	go func() { defer wg.Done(); gotB, _ = io.ReadAll(recvB) }()
	wg.Wait()

	if string(gotA) != "AAAAAAAA" {
		t.Fatalf("stream A got %q want %q", gotA, "AAAAAAAA")
	}
	if string(gotB) != "BBBB" {
		t.Fatalf("stream B got %q want %q", gotB, "BBBB")
	}
}

func TestParseName(t *testing.T) {
	cases := map[string]string{
		"":     "kcp",
		"KCP":  "kcp",
		"quic": "quic",
		"tcp":  "tcp",
	}
	for in, want := range cases {
		got, err := ParseName(in)
		if err != nil {
			t.Fatalf("ParseName(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseName(%q) = %q want %q", in, got, want)
		}
	}
	if _, err := ParseName("sctp"); err == nil {
		t.Fatal("expected error for unknown transport name")
	}
}
