package tunnel

import (
	"context"
	"io"
	"testing"
	"time"
)

func TestQUICLoopbackStream(t *testing.T) {
	tr := NewQUICTransport()

	ln, err := tr.Listen("127.0.0.1:0", ListenOptions{})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	acceptErrCh := make(chan error, 1)
	var serverConn Connection
	go func() {
		c, err := ln.Accept(ctx)
		serverConn = c
		acceptErrCh <- err
	}()

	clientConn, err := tr.Dial(ctx, ln.Addr().String(), DialOptions{
		QUIC: QUICDialOptions{InsecureSkipVerify: true},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer clientConn.Close()

	if err := <-acceptErrCh; err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer serverConn.Close()

	send, err := clientConn.OpenStream(ctx)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	recv, err := serverConn.AcceptStream(ctx)
	if err != nil {
		t.Fatalf("accept stream: %v", err)
	}

	const msg = "HELLO-WORLD\n"
	if _, err := send.Write([]byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := send.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}

	got, err := io.ReadAll(recv)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != msg {
		t.Fatalf("got %q want %q", got, msg)
	}
}

func TestQUICUniStream(t *testing.T) {
	tr := NewQUICTransport()

	ln, err := tr.Listen("127.0.0.1:0", ListenOptions{})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	acceptErrCh := make(chan error, 1)
	var serverConn Connection
	go func() {
		c, err := ln.Accept(ctx)
		serverConn = c
		acceptErrCh <- err
	}()

	clientConn, err := tr.Dial(ctx, ln.Addr().String(), DialOptions{
		QUIC: QUICDialOptions{InsecureSkipVerify: true},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer clientConn.Close()

	if err := <-acceptErrCh; err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer serverConn.Close()

	const token = "tok-A"
	uni, err := clientConn.OpenUniStream(ctx)
	if err != nil {
		t.Fatalf("open uni: %v", err)
	}
	if err := WriteAuthToken(uni, token); err != nil {
		t.Fatalf("write auth token: %v", err)
	}
	if err := uni.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}

	recv, err := serverConn.AcceptUniStream(ctx)
	if err != nil {
		t.Fatalf("accept uni: %v", err)
	}
	got, err := ReadAuthToken(recv)
	if err != nil {
		t.Fatalf("read auth token: %v", err)
	}
	if got != token {
		t.Fatalf("got %q want %q", got, token)
	}
}
