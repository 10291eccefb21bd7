// Package client implements the private-side agent role:
// it authenticates to the Controller, reconciles per-Node tunnel dialers
// against pushed proxy updates, and bridges inbound tunnel streams to local
// TCP/UDP targets.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"rfrp/internal/control"
	"rfrp/internal/logging"
	"rfrp/internal/proxy"
	"rfrp/internal/tunnel"
)

const (
	// Data-plane heartbeat cadence and reply deadline.
	dataHeartbeatInterval = 10 * time.Second
	dataHeartbeatTimeout  = 15 * time.Second
	maxHeartbeatFailures  = 3

	// Fixed retry delay after a TransportFault.
	reconnectBackoff = 5 * time.Second

	// Local UDP targets are torn down after this much silence, mirroring
	// the Node-side per-source idle timer.
	udpIdleTimeout = 30 * time.Second
)

// NodeSessionOptions configures one per-Node reconnect loop.
type NodeSessionOptions struct {
	Group  control.ProxyGroup
	Token  string
	Logs   *logging.LineStore
	Logger *slog.Logger
}

// NodeSession dials one Node and services its inbound streams until its
// context is cancelled by the ConnectionManager.
type NodeSession struct {
	opts   NodeSessionOptions
	logger *slog.Logger
	dialer proxy.Dialer
}

func NewNodeSession(opts NodeSessionOptions) *NodeSession {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("node_id", opts.Group.NodeID)
	return &NodeSession{
		opts:   opts,
		logger: logger,
		dialer: proxy.NewNetDialer(&proxy.NetDialerOptions{Timeout: 10 * time.Second}),
	}
}

// Run dials, authenticates, and serves until ctx is done; any error sleeps
// the fixed backoff and retries.
func (s *NodeSession) Run(ctx context.Context) {
	for {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("client: node tunnel lost, reconnecting", "err", err)
		select {
		case <-time.After(reconnectBackoff):
		case <-ctx.Done():
			return
		}
	}
}

func (s *NodeSession) runOnce(ctx context.Context) error {
	transport, err := tunnel.ByName(string(s.opts.Group.Protocol))
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(s.opts.Group.ServerAddr, fmt.Sprintf("%d", s.opts.Group.ServerPort))
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, err := transport.Dial(dctx, addr, tunnel.DialOptions{
		// Tunnel trust comes from the token, not the certificate.
		QUIC: tunnel.QUICDialOptions{InsecureSkipVerify: true},
	})
	cancel()
	if err != nil {
		return fmt.Errorf("client: dial node %s: %w", addr, err)
	}
	defer conn.Close()

	// Token authentication on a fresh uni-stream, no reply.
	us, err := conn.OpenUniStream(ctx)
	if err != nil {
		return fmt.Errorf("client: open auth stream: %w", err)
	}
	if err := tunnel.WriteAuthToken(us, s.opts.Token); err != nil {
		return fmt.Errorf("client: send auth token: %w", err)
	}
	_ = us.Finish()

	s.logger.Info("client: node tunnel established", "addr", addr, "transport", transport.Name())

	sctx, cancelSession := context.WithCancel(ctx)
	defer cancelSession()
	go s.heartbeatLoop(sctx, conn, cancelSession)

	for {
		stream, err := conn.AcceptStream(sctx)
		if err != nil {
			if reason := conn.CloseReason(); reason != nil {
				return reason
			}
			return err
		}
		go s.handleStream(sctx, stream)
	}
}

// heartbeatLoop opens a short 'h' bi-stream every 10 s and expects the
// echo within 15 s; three consecutive failures force a tunnel reconnect.
func (s *NodeSession) heartbeatLoop(ctx context.Context, conn tunnel.Connection, force context.CancelFunc) {
	t := time.NewTicker(dataHeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.pingOnce(ctx, conn); err != nil {
				failures++
				s.logger.Warn("client: tunnel heartbeat failed", "failures", failures, "err", err)
				if failures >= maxHeartbeatFailures {
					conn.Close()
					force()
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (s *NodeSession) pingOnce(ctx context.Context, conn tunnel.Connection) error {
	hctx, cancel := context.WithTimeout(ctx, dataHeartbeatTimeout)
	defer cancel()

	stream, err := conn.OpenStream(hctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	if _, err := stream.Write([]byte{tunnel.MsgHeartbeat}); err != nil {
		return err
	}

	reply := make(chan error, 1)
	go func() {
		var b [1]byte
		_, err := io.ReadFull(stream, b[:])
		if err == nil && b[0] != tunnel.MsgHeartbeat {
			err = fmt.Errorf("client: unexpected heartbeat reply 0x%02x", b[0])
		}
		reply <- err
	}()
	select {
	case err := <-reply:
		return err
	case <-hctx.Done():
		return hctx.Err()
	}
}

// handleStream dispatches one inbound stream on its first byte.
func (s *NodeSession) handleStream(ctx context.Context, stream tunnel.Stream) {
	defer stream.Close()

	var kind [1]byte
	if _, err := io.ReadFull(stream, kind[:]); err != nil {
		return
	}
	switch kind[0] {
	case tunnel.MsgProxy:
		s.handleProxyStream(ctx, stream)
	case tunnel.MsgLog:
		s.handleLogStream(stream)
	case tunnel.MsgHeartbeat:
		_, _ = stream.Write([]byte{tunnel.MsgHeartbeat})
	default:
		s.logger.Warn("client: unexpected stream type", "type", kind[0])
	}
}

func (s *NodeSession) handleProxyStream(ctx context.Context, stream tunnel.Stream) {
	proto, target, err := tunnel.ReadProxyAddr(stream)
	if err != nil {
		s.logger.Warn("client: malformed proxy header", "err", err)
		return
	}

	switch proto {
	case tunnel.ProxyProtoTCP:
		local, err := s.dialer.DialContext(ctx, "tcp", target)
		if err != nil {
			s.logger.Warn("client: dial local target failed", "target", target, "err", err)
			return
		}
		bridge := proxy.NewBridge(proxy.BridgeOptions{BufferPool: localBufferPool})
		_ = bridge.Pump(ctx, local, stream)

	case tunnel.ProxyProtoUDP:
		local, err := net.Dial("udp", target)
		if err != nil {
			s.logger.Warn("client: dial local udp target failed", "target", target, "err", err)
			return
		}
		s.pumpUDP(ctx, stream, local)

	default:
		s.logger.Warn("client: unknown proxy protocol byte", "proto", proto)
	}
}

// pumpUDP relays datagrams between a tunnel stream and a connected local
// UDP socket, one stream chunk per datagram, until the local socket has
// been silent for udpIdleTimeout or either side errors.
func (s *NodeSession) pumpUDP(ctx context.Context, stream tunnel.Stream, local net.Conn) {
	defer local.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Closing the stream ends the stream-to-local loop below as well.
		defer stream.Close()
		buf := make([]byte, 64*1024)
		for {
			_ = local.SetReadDeadline(time.Now().Add(udpIdleTimeout))
			n, err := local.Read(buf)
			if n > 0 {
				if _, werr := stream.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	buf := make([]byte, 64*1024)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if _, werr := local.Write(buf[:n]); werr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	local.Close()
	<-done
}

// handleLogStream serves the most recent N log entries as a JSON array.
func (s *NodeSession) handleLogStream(stream tunnel.Stream) {
	count, err := tunnel.ReadLogRequest(stream)
	if err != nil {
		return
	}
	var lines []string
	if s.opts.Logs != nil {
		lines = s.opts.Logs.Snapshot(int(count))
	}
	if lines == nil {
		lines = []string{}
	}
	payload, err := json.Marshal(lines)
	if err != nil {
		return
	}
	if err := tunnel.WriteLogResponse(stream, payload); err != nil {
		s.logger.Warn("client: send log response failed", "err", err)
	}
}

// localBufferPool is shared across every bridged stream on this client.
var localBufferPool = proxy.NewSyncPoolBufferPool(8 * 1024)
