package tunnel

import (
	"context"
	"net"
)

// tcpTransport backs TunnelProtocol "tcp": a single net.Conn carrying the
// mux frame protocol. Used for trusted-network deployments and as the
// lightest-weight target for loopback tests of the multiplexer itself.
type tcpTransport struct{}

func NewTCPTransport() Transport { return tcpTransport{} }

func (tcpTransport) Name() string { return "tcp" }

func (tcpTransport) Listen(addr string, _ ListenOptions) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{ln: ln}, nil
}

func (tcpTransport) Dial(ctx context.Context, addr string, _ DialOptions) (Connection, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return newMuxConnection(conn, true, conn.LocalAddr(), conn.RemoteAddr()), nil
}

type tcpListener struct {
	ln net.Listener
}

func (l *tcpListener) Accept(ctx context.Context) (Connection, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return newMuxConnection(r.conn, false, r.conn.LocalAddr(), r.conn.RemoteAddr()), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *tcpListener) Close() error   { return l.ln.Close() }
func (l *tcpListener) Addr() net.Addr { return l.ln.Addr() }
