package node

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"rfrp/internal/tunnel"
)

// authReadTimeout bounds how long an unauthenticated TunnelConnection may
// sit before the Node gives up waiting for its token uni-stream.
const authReadTimeout = 10 * time.Second

// TunnelServerOptions wires a TunnelServer to the rest of the Node.
type TunnelServerOptions struct {
	NodeID     int64
	Transport  tunnel.Transport
	ListenAddr string
	QUIC       tunnel.ListenOptions

	Auth     AuthProvider
	Registry *ConnectionRegistry
	Manager  *ProxyListenerManager
	Logger   *slog.Logger
}

// TunnelServer accepts Client TunnelConnections on the Node's public tunnel
// port, authenticates each via the token uni-stream, brings up
// the client's proxy listeners, and serves the data-plane heartbeat streams.
type TunnelServer struct {
	opts   TunnelServerOptions
	logger *slog.Logger
	addrCh chan net.Addr
}

func NewTunnelServer(opts TunnelServerOptions) *TunnelServer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TunnelServer{opts: opts, logger: logger, addrCh: make(chan net.Addr, 1)}
}

// WaitAddr blocks until the tunnel listener is bound and returns its
// address; useful when the configured listen port is 0.
func (s *TunnelServer) WaitAddr(ctx context.Context) (net.Addr, error) {
	select {
	case addr := <-s.addrCh:
		return addr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run listens and serves until ctx is done.
func (s *TunnelServer) Run(ctx context.Context) error {
	ln, err := s.opts.Transport.Listen(s.opts.ListenAddr, s.opts.QUIC)
	if err != nil {
		return fmt.Errorf("node: tunnel listen %s: %w", s.opts.ListenAddr, err)
	}
	defer ln.Close()
	s.logger.Info("node: tunnel listening", "addr", ln.Addr(), "transport", s.opts.Transport.Name())
	s.addrCh <- ln.Addr()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *TunnelServer) handleConnection(ctx context.Context, conn tunnel.Connection) {
	defer conn.Close()

	clientID, ok := s.authenticate(ctx, conn)
	if !ok {
		return
	}

	if err := s.opts.Auth.SetClientOnline(ctx, clientID, true); err != nil {
		s.logger.Warn("node: set client online failed", "client_id", clientID, "err", err)
	}

	s.opts.Registry.Register(clientID, conn)
	defer func() {
		s.opts.Manager.StopClientProxies(clientID)
		s.opts.Registry.Remove(clientID, conn)
		if err := s.opts.Auth.SetClientOnline(context.Background(), clientID, false); err != nil {
			s.logger.Warn("node: set client offline failed", "client_id", clientID, "err", err)
		}
		s.logger.Info("node: client tunnel closed", "client_id", clientID, "reason", conn.CloseReason())
	}()

	configs, err := s.opts.Auth.GetClientProxies(ctx, clientID, s.opts.NodeID)
	if err != nil {
		s.logger.Warn("node: get client proxies failed", "client_id", clientID, "err", err)
	}
	s.opts.Manager.StartClientProxiesFromConfigs(ctx, clientID, configs)

	// The Client initiates data-plane heartbeat streams;
	// everything else inbound on an established tunnel is unexpected.
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go s.serveStream(clientID, stream)
	}
}

// authenticate reads the token uni-stream and validates it with the
// Controller. Returns false (and logs the reason) when the connection must
// be dropped.
func (s *TunnelServer) authenticate(ctx context.Context, conn tunnel.Connection) (int64, bool) {
	actx, cancel := context.WithTimeout(ctx, authReadTimeout)
	defer cancel()

	rs, err := conn.AcceptUniStream(actx)
	if err != nil {
		s.logger.Warn("node: no auth stream from client", "remote", conn.RemoteAddr(), "err", err)
		return 0, false
	}
	token, err := tunnel.ReadAuthToken(rs)
	if err != nil {
		s.logger.Warn("node: malformed auth token", "remote", conn.RemoteAddr(), "err", err)
		return 0, false
	}

	resp, err := s.opts.Auth.ValidateToken(ctx, token)
	if err != nil {
		s.logger.Warn("node: token validation rpc failed", "remote", conn.RemoteAddr(), "err", err)
		return 0, false
	}
	if !resp.Allowed {
		s.logger.Warn("node: client rejected", "remote", conn.RemoteAddr(), "client_id", resp.ClientID, "reason", resp.RejectReason)
		return 0, false
	}

	limit, err := s.opts.Auth.CheckTrafficLimit(ctx, resp.ClientID)
	// On rpc failure assume not exceeded.
	if err == nil && limit.Exceeded {
		s.logger.Warn("node: client over quota", "client_id", resp.ClientID, "reason", limit.Reason)
		return 0, false
	}

	s.logger.Info("node: client authenticated", "client_id", resp.ClientID, "client_name", resp.ClientName, "remote", conn.RemoteAddr())
	return resp.ClientID, true
}

func (s *TunnelServer) serveStream(clientID int64, stream tunnel.Stream) {
	defer stream.Close()

	var kind [1]byte
	if _, err := io.ReadFull(stream, kind[:]); err != nil {
		return
	}
	switch kind[0] {
	case tunnel.MsgHeartbeat:
		_, _ = stream.Write([]byte{tunnel.MsgHeartbeat})
	default:
		s.logger.Warn("node: unexpected inbound stream type", "client_id", clientID, "type", kind[0])
	}
}
