package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"rfrp/internal/control"
	"rfrp/internal/model"
	"rfrp/internal/tunnel"
)

// Server is the Controller's control-plane listener pair: one address for
// Node control channels, one for Client control channels.
type Server struct {
	nodeAddr   string
	clientAddr string
	quicOpts   tunnel.ListenOptions

	store     Store
	registry  *Registry
	commander *Commander
	ledger    *TrafficLedger
	logger    *slog.Logger

	ready           chan struct{}
	boundNodeAddr   net.Addr
	boundClientAddr net.Addr
}

type ServerOptions struct {
	NodeListenAddr   string
	ClientListenAddr string
	QUIC             tunnel.ListenOptions
	Store            Store
	Logger           *slog.Logger
}

func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := NewRegistry()
	commander := NewCommander(registry, opts.Store, logger)
	return &Server{
		nodeAddr:   opts.NodeListenAddr,
		clientAddr: opts.ClientListenAddr,
		quicOpts:   opts.QUIC,
		store:      opts.Store,
		registry:   registry,
		commander:  commander,
		ledger:     NewTrafficLedger(opts.Store, commander, logger),
		logger:     logger,
		ready:      make(chan struct{}),
	}
}

// BoundAddrs blocks until both listeners are bound and returns their
// addresses; useful when the configured ports are 0.
func (s *Server) BoundAddrs(ctx context.Context) (nodeAddr, clientAddr net.Addr, err error) {
	select {
	case <-s.ready:
		return s.boundNodeAddr, s.boundClientAddr, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (s *Server) Registry() *Registry     { return s.registry }
func (s *Server) Commander() *Commander   { return s.commander }
func (s *Server) Ledger() *TrafficLedger  { return s.ledger }

// Run brings up both listeners and blocks until ctx is cancelled or either
// accept loop fails.
func (s *Server) Run(ctx context.Context) error {
	transport := tunnel.NewQUICTransport()

	nodeLn, err := transport.Listen(s.nodeAddr, s.quicOpts)
	if err != nil {
		return fmt.Errorf("controller: listen node addr: %w", err)
	}
	defer nodeLn.Close()

	clientLn, err := transport.Listen(s.clientAddr, s.quicOpts)
	if err != nil {
		return fmt.Errorf("controller: listen client addr: %w", err)
	}
	defer clientLn.Close()

	s.logger.Info("controller: listening", "node_addr", nodeLn.Addr(), "client_addr", clientLn.Addr())
	s.boundNodeAddr = nodeLn.Addr()
	s.boundClientAddr = clientLn.Addr()
	close(s.ready)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.acceptLoop(gctx, nodeLn, s.handleNodeConnection) })
	g.Go(func() error { return s.acceptLoop(gctx, clientLn, s.handleClientConnection) })
	g.Go(func() error {
		<-gctx.Done()
		nodeLn.Close()
		clientLn.Close()
		return gctx.Err()
	})
	return g.Wait()
}

func (s *Server) acceptLoop(ctx context.Context, ln tunnel.Listener, handle func(context.Context, tunnel.Connection)) error {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}
		go handle(ctx, conn)
	}
}

func (s *Server) handleNodeConnection(ctx context.Context, conn tunnel.Connection) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		s.logger.Warn("controller: node accept stream failed", "err", err)
		return
	}
	ch := control.New(stream, s.logger)

	var nodeID int64
	var registerOnce sync.Once
	registered := make(chan struct{})
	ch.Handle(control.KindNodeRegister, func(ctx context.Context, ch *control.ControlChannel, requestID string, payload json.RawMessage) {
		var reg control.NodeRegister
		if err := json.Unmarshal(payload, &reg); err != nil {
			return
		}
		node, resp := s.authenticateNode(reg)
		data, _ := json.Marshal(resp)
		_ = ch.Respond(requestID, control.Response{OK: resp.Rejected == "", Data: json.RawMessage(data)})
		if resp.Rejected == "" && node != nil {
			registerOnce.Do(func() {
				nodeID = node.ID
				h := control.NewHandle()
				h.Store(ch)
				s.registry.RegisterNode(nodeID, h, conn.RemoteAddr())
				s.store.SetNodeOnline(nodeID, true)
				// Observed public IP; region enrichment (geo-IP) is out of scope.
				if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
					s.store.SetNodePublicIP(nodeID, host)
				}
				close(registered)
			})
		}
	})
	s.installNodeHandlers(ch)

	runErr := ch.Run(ctx)
	select {
	case <-registered:
		s.store.SetNodeOnline(nodeID, false)
		s.registry.RemoveNode(nodeID)
		s.logger.Info("controller: node disconnected", "node_id", nodeID, "err", runErr)
	default:
		s.logger.Warn("controller: node channel closed before registering", "err", runErr)
	}
}

func (s *Server) authenticateNode(reg control.NodeRegister) (*model.Node, control.NodeRegisterResponse) {
	node, ok := s.store.NodeByName(reg.Name)
	if !ok {
		return nil, control.NodeRegisterResponse{Rejected: "unknown node"}
	}
	if node.Secret != reg.Secret {
		return nil, control.NodeRegisterResponse{Rejected: "invalid secret"}
	}
	return node, control.NodeRegisterResponse{
		NodeID:            node.ID,
		Protocol:          node.Protocol,
		SpeedLimitBps:     node.SpeedLimitBps,
		MaxProxyCount:     node.MaxProxyCount,
		AllowedPortRanges: node.AllowedPortRanges,
	}
}

func (s *Server) installNodeHandlers(ch *control.ControlChannel) {
	ch.Handle(control.KindHeartbeat, func(ctx context.Context, ch *control.ControlChannel, requestID string, payload json.RawMessage) {
		_ = ch.Send(control.KindHeartbeatResponse, control.HeartbeatPong{})
	})

	ch.Handle(control.KindTrafficReport, func(ctx context.Context, ch *control.ControlChannel, requestID string, payload json.RawMessage) {
		var report control.TrafficReport
		if err := json.Unmarshal(payload, &report); err != nil {
			s.logger.Warn("controller: malformed traffic report", "err", err)
			return
		}
		s.ledger.IngestRecords(report.Records)
	})

	ch.Handle(control.KindValidateTokenRequest, func(ctx context.Context, ch *control.ControlChannel, requestID string, payload json.RawMessage) {
		var req control.ValidateTokenRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			_ = ch.Respond(requestID, control.Response{OK: false, Error: "bad request"})
			return
		}
		resp := s.validateClientToken(req.Token)
		data, _ := json.Marshal(resp)
		_ = ch.Respond(requestID, control.Response{OK: true, Data: json.RawMessage(data)})
	})

	ch.Handle(control.KindClientOnlineRequest, func(ctx context.Context, ch *control.ControlChannel, requestID string, payload json.RawMessage) {
		var req control.ClientOnlineRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			_ = ch.Respond(requestID, control.Response{OK: false, Error: "bad request"})
			return
		}
		s.store.SetClientOnline(req.ClientID, req.Online)
		_ = ch.Respond(requestID, control.Response{OK: true})
	})

	ch.Handle(control.KindCheckTrafficLimitRequest, func(ctx context.Context, ch *control.ControlChannel, requestID string, payload json.RawMessage) {
		var req control.CheckTrafficLimitRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			_ = ch.Respond(requestID, control.Response{OK: false, Error: "bad request"})
			return
		}
		resp := s.checkTrafficLimit(req.ClientID)
		data, _ := json.Marshal(resp)
		_ = ch.Respond(requestID, control.Response{OK: true, Data: json.RawMessage(data)})
	})

	ch.Handle(control.KindGetClientProxiesRequest, func(ctx context.Context, ch *control.ControlChannel, requestID string, payload json.RawMessage) {
		var req control.GetClientProxiesRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			_ = ch.Respond(requestID, control.Response{OK: false, Error: "bad request"})
			return
		}
		proxies := s.store.ProxiesForNode(req.ClientID, req.NodeID)
		out := make([]control.ProxyConfig, 0, len(proxies))
		for _, p := range proxies {
			out = append(out, control.ProxyConfig{
				ProxyID: p.ID, ClientID: p.ClientID, Type: p.Type,
				LocalIP: p.LocalIP, LocalPort: p.LocalPort, RemotePort: p.RemotePort,
			})
		}
		data, _ := json.Marshal(control.GetClientProxiesResponse{Proxies: out})
		_ = ch.Respond(requestID, control.Response{OK: true, Data: json.RawMessage(data)})
	})
}

func (s *Server) validateClientToken(token string) control.ValidateTokenResponse {
	client, ok := s.store.ClientByToken(token)
	if !ok {
		return control.ValidateTokenResponse{Allowed: false, RejectReason: "invalid token"}
	}
	if client.IsTrafficExceeded {
		return control.ValidateTokenResponse{ClientID: client.ID, ClientName: client.Name, Allowed: false, RejectReason: "traffic quota exceeded"}
	}
	if user, ok := s.store.User(client.OwningUserID); ok && user.IsTrafficExceeded {
		return control.ValidateTokenResponse{ClientID: client.ID, ClientName: client.Name, Allowed: false, RejectReason: "traffic quota exceeded"}
	}
	return control.ValidateTokenResponse{ClientID: client.ID, ClientName: client.Name, Allowed: true}
}

func (s *Server) checkTrafficLimit(clientID int64) control.CheckTrafficLimitResponse {
	client, ok := s.store.Client(clientID)
	if !ok {
		return control.CheckTrafficLimitResponse{Exceeded: true, Reason: "unknown client"}
	}
	if client.IsTrafficExceeded {
		return control.CheckTrafficLimitResponse{Exceeded: true, Reason: "client quota exceeded"}
	}
	if user, ok := s.store.User(client.OwningUserID); ok && user.IsTrafficExceeded {
		return control.CheckTrafficLimitResponse{Exceeded: true, Reason: "user quota exceeded"}
	}
	return control.CheckTrafficLimitResponse{Exceeded: false}
}

func (s *Server) handleClientConnection(ctx context.Context, conn tunnel.Connection) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		s.logger.Warn("controller: client accept stream failed", "err", err)
		return
	}
	ch := control.New(stream, s.logger)

	var clientID int64
	var authOnce sync.Once
	registered := make(chan struct{})
	ch.Handle(control.KindClientAuth, func(ctx context.Context, ch *control.ControlChannel, requestID string, payload json.RawMessage) {
		var auth control.ClientAuth
		if err := json.Unmarshal(payload, &auth); err != nil {
			return
		}
		client, ok := s.store.ClientByToken(auth.Token)
		var resp control.ClientAuthResponse
		if !ok {
			resp.Rejected = "invalid token"
		} else if client.IsTrafficExceeded {
			resp.Rejected = "traffic quota exceeded"
		} else {
			resp.ClientID = client.ID
		}
		data, _ := json.Marshal(resp)
		_ = ch.Respond(requestID, control.Response{OK: resp.Rejected == "", Data: json.RawMessage(data)})
		if resp.Rejected == "" {
			authOnce.Do(func() {
				clientID = resp.ClientID
				h := control.NewHandle()
				h.Store(ch)
				s.registry.RegisterClient(clientID, h)
				s.store.SetClientOnline(clientID, true)
				close(registered)

				if update, err := BuildProxyUpdate(s.store, client); err == nil {
					_ = ch.Send(control.KindProxyUpdate, update)
				}
			})
		}
	})
	ch.Handle(control.KindHeartbeat, func(ctx context.Context, ch *control.ControlChannel, requestID string, payload json.RawMessage) {
		_ = ch.Send(control.KindHeartbeatResponse, control.HeartbeatPong{})
	})

	runErr := ch.Run(ctx)
	select {
	case <-registered:
		s.store.SetClientOnline(clientID, false)
		s.registry.RemoveClient(clientID)
		s.logger.Info("controller: client disconnected", "client_id", clientID, "err", runErr)
	default:
		s.logger.Warn("controller: client channel closed before authenticating", "err", runErr)
	}
}

// PushProxyUpdate resends the current proxy snapshot to clientID, e.g.
// after an admin-initiated proxy rule change.
func (s *Server) PushProxyUpdate(clientID int64) error {
	client, ok := s.store.Client(clientID)
	if !ok {
		return fmt.Errorf("controller: unknown client %d", clientID)
	}
	h, ok := s.registry.ClientHandle(clientID)
	if !ok {
		return fmt.Errorf("controller: client %d is not connected", clientID)
	}
	update, err := BuildProxyUpdate(s.store, client)
	if err != nil {
		return err
	}
	return h.Send(control.KindProxyUpdate, update)
}
