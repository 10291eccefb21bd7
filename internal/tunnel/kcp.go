package tunnel

import (
	"context"
	"net"

	kcp "github.com/xtaci/kcp-go/v5"
)

// kcpTransport backs TunnelProtocol "kcp": a single KCP session (ARQ over
// UDP) carrying the mux frame protocol, for deployments where QUIC is
// blocked or undesirable but raw UDP still gets through.
type kcpTransport struct{}

func NewKCPTransport() Transport { return kcpTransport{} }

func (kcpTransport) Name() string { return "kcp" }

func (kcpTransport) Listen(addr string, _ ListenOptions) (Listener, error) {
	ln, err := kcp.ListenWithOptions(addr, nil, 0, 0)
	if err != nil {
		return nil, err
	}
	return &kcpListener{ln: ln}, nil
}

func (kcpTransport) Dial(ctx context.Context, addr string, _ DialOptions) (Connection, error) {
	sess, err := kcp.DialWithOptions(addr, nil, 0, 0)
	if err != nil {
		return nil, err
	}
	tuneSession(sess)
	return newMuxConnection(sess, true, sess.LocalAddr(), sess.RemoteAddr()), nil
}

// tuneSession applies the "fast" nodelay profile: matches the defaults the
// original Rust tunnel used, favoring latency over bandwidth efficiency.
func tuneSession(sess *kcp.UDPSession) {
	sess.SetNoDelay(1, 10, 2, 1)
	sess.SetWindowSize(1024, 1024)
	sess.SetStreamMode(true)
	sess.SetWriteDelay(false)
}

type kcpListener struct {
	ln *kcp.Listener
}

func (l *kcpListener) Accept(ctx context.Context) (Connection, error) {
	type result struct {
		sess *kcp.UDPSession
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		sess, err := l.ln.AcceptKCP()
		ch <- result{sess, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		tuneSession(r.sess)
		return newMuxConnection(r.sess, false, r.sess.LocalAddr(), r.sess.RemoteAddr()), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *kcpListener) Close() error   { return l.ln.Close() }
func (l *kcpListener) Addr() net.Addr { return l.ln.Addr() }
