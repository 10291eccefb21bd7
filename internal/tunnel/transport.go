// Package tunnel implements the tunnel transport abstraction:
// a polymorphic duplex transport supporting open/accept of uni- and
// bidirectional streams, with two concrete variants — Quic (native
// multi-stream) and Kcp/Tcp (a single reliable byte stream carrying a
// user-space multiplexer with 7-byte frame headers).
package tunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
)

// Transport dials or listens for TunnelConnections of one kind.
type Transport interface {
	Name() string
	Listen(addr string, opts ListenOptions) (Listener, error)
	Dial(ctx context.Context, addr string, opts DialOptions) (Connection, error)
}

// ListenOptions carries server-side per-transport settings. Fields not
// relevant to a given transport are ignored.
type ListenOptions struct {
	QUIC QUICOptions
}

// DialOptions carries client-side per-transport settings.
type DialOptions struct {
	QUIC QUICDialOptions
}

// Listener accepts inbound TunnelConnections.
type Listener interface {
	Accept(ctx context.Context) (Connection, error)
	Close() error
	Addr() net.Addr
}

// Stream is a duplex virtual stream within a TunnelConnection.
// Read implements "read_partial": it returns io.EOF once the peer has
// called Finish and all buffered bytes have been consumed.
type Stream interface {
	io.Reader
	io.Writer
	// Finish half-closes the send side. The peer's next Read returns io.EOF
	// at most one call after any already-buffered bytes are consumed. Read
	// continues to work after Finish.
	Finish() error
	// Close releases both halves immediately, unblocking any in-flight
	// Read/Write with an error.
	Close() error
}

// SendStream is the write half of a unidirectional stream.
type SendStream interface {
	io.Writer
	Finish() error
}

// RecvStream is the read half of a unidirectional stream.
type RecvStream interface {
	io.Reader
}

// Connection is an authenticated persistent transport between one Client
// and one Node.
type Connection interface {
	OpenStream(ctx context.Context) (Stream, error)
	AcceptStream(ctx context.Context) (Stream, error)
	OpenUniStream(ctx context.Context) (SendStream, error)
	AcceptUniStream(ctx context.Context) (RecvStream, error)

	RemoteAddr() net.Addr
	LocalAddr() net.Addr

	// CloseReason returns nil while the connection is live, and the fault
	// that tore it down once it has failed or been closed.
	CloseReason() error

	Close() error
}

// ByName resolves a transport implementation by its config name.
func ByName(name string) (Transport, error) {
	n, err := ParseName(name)
	if err != nil {
		return nil, err
	}
	switch n {
	case "quic":
		return NewQUICTransport(), nil
	case "kcp":
		return NewKCPTransport(), nil
	case "tcp":
		return NewTCPTransport(), nil
	default:
		return nil, fmt.Errorf("tunnel: transport not implemented: %s", n)
	}
}

// ParseName normalizes a transport name, defaulting to "kcp" (the spec's
// Node.Protocol only names quic/kcp, but the multiplexer also backs a plain
// tcp variant used for tests and trusted-network deployments).
func ParseName(name string) (string, error) {
	n := strings.TrimSpace(strings.ToLower(name))
	if n == "" {
		n = "kcp"
	}
	switch n {
	case "quic", "kcp", "tcp":
		return n, nil
	default:
		return "", fmt.Errorf("tunnel: unknown transport %q (expected quic|kcp|tcp)", name)
	}
}
