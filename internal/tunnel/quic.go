package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"
)

// quicTransport backs TunnelProtocol "quic" with quic-go's native
// multi-stream sessions: bidirectional and unidirectional streams map
// directly onto QUIC streams, no user-space framing required.
type quicTransport struct{}

func NewQUICTransport() Transport { return quicTransport{} }

func (quicTransport) Name() string { return "quic" }

func (quicTransport) Listen(addr string, opts ListenOptions) (Listener, error) {
	cert, _, err := loadOrGenerateServerCertificate(opts.QUIC.CertFile, opts.QUIC.KeyFile)
	if err != nil {
		return nil, err
	}

	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   defaultALPN(opts.QUIC.NextProtos),
	}

	ln, err := quic.ListenAddr(addr, tlsConf, &quic.Config{
		MaxIdleTimeout:           quicServerMaxIdleTimeout,
		KeepAlivePeriod:          quicKeepAlivePeriod,
		MaxIncomingUniStreams:    quicMaxIncomingUniStreams,
	})
	if err != nil {
		return nil, err
	}
	return &quicListener{ln: ln}, nil
}

func (quicTransport) Dial(ctx context.Context, addr string, opts DialOptions) (Connection, error) {
	tlsConf := &tls.Config{
		InsecureSkipVerify: opts.QUIC.InsecureSkipVerify,
		ServerName:         opts.QUIC.ServerName,
		NextProtos:         defaultALPN(opts.QUIC.NextProtos),
	}
	c, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{
		MaxIdleTimeout:  quicClientMaxIdleTimeout,
		KeepAlivePeriod: quicKeepAlivePeriod,
	})
	if err != nil {
		return nil, err
	}
	return newQUICConnection(c), nil
}

type quicListener struct {
	ln *quic.Listener
}

func (l *quicListener) Accept(ctx context.Context) (Connection, error) {
	c, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return newQUICConnection(c), nil
}

func (l *quicListener) Close() error   { return l.ln.Close() }
func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }

type quicConnection struct {
	c *quic.Conn

	closeOnce sync.Once
	closeErr  atomic.Value // error
}

func newQUICConnection(c *quic.Conn) *quicConnection {
	qc := &quicConnection{c: c}
	go qc.watchClose()
	return qc
}

// watchClose blocks on the connection's context and records the fault that
// ended it, so CloseReason never has to guess between a clean Close and a
// transport-level failure.
func (s *quicConnection) watchClose() {
	<-s.c.Context().Done()
	if err := context.Cause(s.c.Context()); err != nil {
		// errors.Join gives every stored value the same concrete type, which
		// atomic.Value requires.
		s.closeErr.CompareAndSwap(nil, errors.Join(err))
	}
}

func (s *quicConnection) OpenStream(ctx context.Context) (Stream, error) {
	st, err := s.c.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &quicStream{st: st}, nil
}

func (s *quicConnection) AcceptStream(ctx context.Context) (Stream, error) {
	st, err := s.c.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &quicStream{st: st}, nil
}

func (s *quicConnection) OpenUniStream(ctx context.Context) (SendStream, error) {
	st, err := s.c.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &quicSendStream{st: st}, nil
}

func (s *quicConnection) AcceptUniStream(ctx context.Context) (RecvStream, error) {
	st, err := s.c.AcceptUniStream(ctx)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *quicConnection) CloseReason() error {
	v := s.closeErr.Load()
	if v == nil {
		return nil
	}
	return v.(error)
}

func (s *quicConnection) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closeErr.CompareAndSwap(nil, errors.Join(errConnectionClosed))
		err = s.c.CloseWithError(0, "")
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}

func (s *quicConnection) RemoteAddr() net.Addr { return s.c.RemoteAddr() }
func (s *quicConnection) LocalAddr() net.Addr  { return s.c.LocalAddr() }

var errConnectionClosed = errors.New("tunnel: connection closed locally")

type quicStream struct {
	st *quic.Stream
}

func (c *quicStream) Read(p []byte) (int, error)  { return c.st.Read(p) }
func (c *quicStream) Write(p []byte) (int, error) { return c.st.Write(p) }
func (c *quicStream) Finish() error               { return c.st.Close() }
func (c *quicStream) Close() error {
	c.st.CancelRead(0)
	return c.st.Close()
}

type quicSendStream struct {
	st *quic.SendStream
}

func (c *quicSendStream) Write(p []byte) (int, error) { return c.st.Write(p) }
func (c *quicSendStream) Finish() error               { return c.st.Close() }

var (
	_ Connection  = (*quicConnection)(nil)
	_ Stream      = (*quicStream)(nil)
	_ SendStream  = (*quicSendStream)(nil)
	_ RecvStream  = (*quic.ReceiveStream)(nil)
)
