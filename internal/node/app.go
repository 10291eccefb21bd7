package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"rfrp/internal/config"
	"rfrp/internal/control"
	"rfrp/internal/telemetry"
	"rfrp/internal/tunnel"
)

var errNotReady = errors.New("node: data plane not started yet")

// AppOptions configures a Node role instance.
type AppOptions struct {
	Config  *config.NodeConfig
	Metrics *telemetry.MetricsCollector
	Logger  *slog.Logger
}

// App wires the Node role together: the control client to the Controller,
// the tunnel listener for Clients, the proxy listener manager, and the
// traffic aggregator. The data plane starts only after the first successful
// registration, since the Controller's RegisterResponse carries the
// authoritative node id, protocol, and limits.
type App struct {
	cfg     *config.NodeConfig
	metrics *telemetry.MetricsCollector
	logger  *slog.Logger

	handle     *control.Handle
	aggregator *TrafficAggregator
	registry   *ConnectionRegistry

	manager atomic.Pointer[ProxyListenerManager]

	regCh    chan control.NodeRegisterResponse
	regOnce  atomic.Bool
}

func NewApp(opts AppOptions) *App {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	handle := control.NewHandle()
	return &App{
		cfg:        opts.Config,
		metrics:    opts.Metrics,
		logger:     logger,
		handle:     handle,
		aggregator: NewTrafficAggregator(handle, logger),
		registry:   NewConnectionRegistry(),
		regCh:      make(chan control.NodeRegisterResponse, 1),
	}
}

// Handle exposes the hot-swappable control channel handle, for tests.
func (a *App) Handle() *control.Handle { return a.handle }

// Run blocks until ctx is done or a fatal startup error occurs.
func (a *App) Run(ctx context.Context) error {
	controlClient := NewControlClient(ControlClientOptions{
		ControllerAddr: a.cfg.ControllerAddr,
		Name:           a.cfg.Name,
		Secret:         a.cfg.Secret,
		QUIC: tunnel.QUICDialOptions{
			ServerName:         a.cfg.QUIC.ServerName,
			InsecureSkipVerify: true,
		},
		Handle:       a.handle,
		Commands:     a,
		Logger:       a.logger,
		OnRegistered: a.onRegistered,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return controlClient.Run(gctx) })
	g.Go(func() error {
		a.aggregator.Run(gctx)
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return gctx.Err()
		case reg := <-a.regCh:
			srv, err := a.buildDataPlane(reg)
			if err != nil {
				return err
			}
			return srv.Run(gctx)
		}
	})
	return g.Wait()
}

// onRegistered fires on every successful (re-)registration; only the first
// one brings up the data plane. Settings from later registrations are
// logged but not hot-applied — a Node restart picks them up.
func (a *App) onRegistered(resp control.NodeRegisterResponse) {
	if a.regOnce.CompareAndSwap(false, true) {
		a.regCh <- resp
		return
	}
	a.logger.Info("node: re-registered", "node_id", resp.NodeID)
}

func (a *App) buildDataPlane(reg control.NodeRegisterResponse) (*TunnelServer, error) {
	protocol := reg.Protocol
	if protocol == "" {
		protocol = a.cfg.Protocol
	}
	transport, err := tunnel.ByName(string(protocol))
	if err != nil {
		return nil, err
	}

	speedLimit := reg.SpeedLimitBps
	if speedLimit == 0 {
		speedLimit = a.cfg.SpeedLimitBps
	}
	maxProxies := reg.MaxProxyCount
	if maxProxies == 0 {
		maxProxies = a.cfg.MaxProxyCount
	}
	allowedPorts := reg.AllowedPortRanges
	if len(allowedPorts) == 0 {
		allowedPorts = a.cfg.AllowedPortRanges
	}

	manager := NewProxyListenerManager(ProxyListenerManagerOptions{
		Conns:         a.registry,
		Aggregator:    a.aggregator,
		Limiter:       NewSpeedLimiter(speedLimit),
		MaxProxyCount: maxProxies,
		AllowedPorts:  allowedPorts,
		Metrics:       a.metrics,
		Logger:        a.logger,
	})
	a.manager.Store(manager)

	return NewTunnelServer(TunnelServerOptions{
		NodeID:     reg.NodeID,
		Transport:  transport,
		ListenAddr: a.cfg.TunnelListenAddr,
		QUIC: tunnel.ListenOptions{QUIC: tunnel.QUICOptions{
			CertFile: a.cfg.QUIC.CertFile,
			KeyFile:  a.cfg.QUIC.KeyFile,
		}},
		Auth:     NewRemoteAuthProvider(a.handle),
		Registry: a.registry,
		Manager:  manager,
		Logger:   a.logger,
	}), nil
}

// --- CommandHandler (Controller→Node commands) ---

func (a *App) StartProxy(ctx context.Context, cmd control.StartProxyCommand) error {
	m := a.manager.Load()
	if m == nil {
		return errNotReady
	}
	return m.StartSingleProxy(ctx, cmd.ClientID, cmd.Proxy)
}

func (a *App) StopProxy(_ context.Context, cmd control.StopProxyCommand) error {
	m := a.manager.Load()
	if m == nil {
		return errNotReady
	}
	m.StopSingleProxy(cmd.ClientID, cmd.ProxyID)
	return nil
}

func (a *App) Status(context.Context) (control.NodeStatus, error) {
	m := a.manager.Load()
	if m == nil {
		return control.NodeStatus{}, errNotReady
	}
	status := control.NodeStatus{
		OnlineClients: a.registry.Len(),
		ActiveProxies: m.AllActiveProxyIDs(),
	}
	if a.metrics != nil {
		snap := a.metrics.Snapshot()
		status.Metrics = &snap
	}
	return status, nil
}

// ClientLogs relays a log request to the client over a fresh 'l' data-plane
// stream and returns the raw JSON array.
func (a *App) ClientLogs(ctx context.Context, cmd control.GetClientLogsCommand) (json.RawMessage, error) {
	conn, ok := a.registry.GetConnection(cmd.ClientID)
	if !ok {
		return nil, fmt.Errorf("node: client %d is not connected", cmd.ClientID)
	}

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("node: open log stream: %w", err)
	}
	defer stream.Close()

	count := cmd.Count
	if count <= 0 || count > int(^uint16(0)) {
		count = 100
	}
	if _, err := stream.Write([]byte{tunnel.MsgLog}); err != nil {
		return nil, err
	}
	if err := tunnel.WriteLogRequest(stream, uint16(count)); err != nil {
		return nil, err
	}

	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := tunnel.ReadLogResponse(stream)
		ch <- result{data, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return json.RawMessage(r.data), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var _ CommandHandler = (*App)(nil)
