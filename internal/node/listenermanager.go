package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"rfrp/internal/control"
	"rfrp/internal/model"
	"rfrp/internal/proxy"
	"rfrp/internal/server"
	"rfrp/internal/telemetry"
	"rfrp/internal/tunnel"
)

// ErrPortInUse means a listener bind failed because the remote port is
// already occupied.
var ErrPortInUse = errors.New("node: port in use")

// udpIdleTimeout closes a UDP source's virtual stream after 30 s of
// silence.
const udpIdleTimeout = 30 * time.Second

type listenerKey struct {
	ClientID int64
	ProxyID  int64
}

// ProxyListenerManagerOptions carries the process-wide settings a Node
// applies to every listener it starts: the shared rate limit, the proxy
// count ceiling, and the allowed public port ranges.
type ProxyListenerManagerOptions struct {
	Conns         ConnectionProvider
	Aggregator    *TrafficAggregator
	Limiter       *rate.Limiter // process-wide cap; nil means unlimited
	MaxProxyCount int           // 0 means unlimited
	AllowedPorts  []model.PortRange
	Metrics       *telemetry.MetricsCollector
	Logger        *slog.Logger
}

// ProxyListenerManager is the Node-side per-(client_id, proxy_id) TCP/UDP
// acceptor supervisor.
type ProxyListenerManager struct {
	opts ProxyListenerManagerOptions

	mu        sync.Mutex
	listeners map[listenerKey]*activeListener
}

type activeListener struct {
	cfg    control.ProxyConfig
	cancel context.CancelFunc
	tcp    *server.TCPServer
	udp    *server.UDPServer
}

func NewProxyListenerManager(opts ProxyListenerManagerOptions) *ProxyListenerManager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ProxyListenerManager{opts: opts, listeners: map[listenerKey]*activeListener{}}
}

func (m *ProxyListenerManager) portAllowed(port int) bool {
	if len(m.opts.AllowedPorts) == 0 {
		return true
	}
	for _, r := range m.opts.AllowedPorts {
		if r.Contains(port) {
			return true
		}
	}
	return false
}

// StartSingleProxy starts a listener for one proxy rule, synchronously:
// the call does not return until the socket is bound (or has failed to
// bind), so an occupied port fails fast. Calling it twice for the same
// key without an intervening Stop is a silent no-op; there is never a
// second listener bound for one rule.
func (m *ProxyListenerManager) StartSingleProxy(ctx context.Context, clientID int64, cfg control.ProxyConfig) error {
	key := listenerKey{ClientID: clientID, ProxyID: cfg.ProxyID}

	m.mu.Lock()
	if _, exists := m.listeners[key]; exists {
		m.mu.Unlock()
		return nil
	}
	if m.opts.MaxProxyCount > 0 && len(m.listeners) >= m.opts.MaxProxyCount {
		m.mu.Unlock()
		return fmt.Errorf("node: max proxy count (%d) reached", m.opts.MaxProxyCount)
	}
	m.mu.Unlock()

	if !m.portAllowed(cfg.RemotePort) {
		return fmt.Errorf("node: remote port %d outside allowed ranges", cfg.RemotePort)
	}

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.RemotePort)
	al := &activeListener{cfg: cfg}
	lctx, cancel := context.WithCancel(ctx)
	al.cancel = cancel

	switch cfg.Type {
	case model.ProxyUDP:
		h := &proxyPacketHandler{mgr: m, key: key, cfg: cfg, sessions: map[string]*udpSession{}}
		al.udp = server.NewUDPServer(addr, h, m.opts.Logger)
		if err := al.udp.Listen(); err != nil {
			cancel()
			return fmt.Errorf("%w: %v", ErrPortInUse, err)
		}
		go al.udp.Serve(lctx)
	default:
		h := &proxyConnHandler{mgr: m, key: key, cfg: cfg}
		al.tcp = server.NewTCPServer(addr, h, m.opts.Metrics, m.opts.Logger)
		if err := al.tcp.Listen(); err != nil {
			cancel()
			return fmt.Errorf("%w: %v", ErrPortInUse, err)
		}
		go al.tcp.Serve(lctx)
	}

	m.mu.Lock()
	m.listeners[key] = al
	m.mu.Unlock()
	return nil
}

// StopSingleProxy cancels the accept loop and closes the listener for one
// proxy rule. A no-op if no such listener exists.
func (m *ProxyListenerManager) StopSingleProxy(clientID, proxyID int64) {
	key := listenerKey{ClientID: clientID, ProxyID: proxyID}
	m.mu.Lock()
	al, ok := m.listeners[key]
	if ok {
		delete(m.listeners, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	al.cancel()
	if al.tcp != nil {
		_ = al.tcp.Shutdown(context.Background())
	}
	if al.udp != nil {
		_ = al.udp.Shutdown(context.Background())
	}
}

// StartClientProxiesFromConfigs batch-starts every config for clientID, used
// at connection-authentication time. Individual failures are
// logged and skipped so one bad rule does not block the rest.
func (m *ProxyListenerManager) StartClientProxiesFromConfigs(ctx context.Context, clientID int64, configs []control.ProxyConfig) {
	for _, cfg := range configs {
		if err := m.StartSingleProxy(ctx, clientID, cfg); err != nil {
			m.opts.Logger.Warn("node: start proxy failed", "client_id", clientID, "proxy_id", cfg.ProxyID, "err", err)
		}
	}
}

// StopClientProxies drops every listener owned by clientID, used on
// disconnect or quota-exceeded.
func (m *ProxyListenerManager) StopClientProxies(clientID int64) {
	m.mu.Lock()
	var keys []listenerKey
	for k := range m.listeners {
		if k.ClientID == clientID {
			keys = append(keys, k)
		}
	}
	m.mu.Unlock()
	for _, k := range keys {
		m.StopSingleProxy(k.ClientID, k.ProxyID)
	}
}

// ActiveProxyIDs reports the proxy ids currently listening for clientID,
// used by the Controller→Node GetStatus command.
func (m *ProxyListenerManager) ActiveProxyIDs(clientID int64) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int64
	for k := range m.listeners {
		if k.ClientID == clientID {
			out = append(out, k.ProxyID)
		}
	}
	return out
}

// AllActiveProxyIDs reports every proxy id with a live listener, across all
// clients.
func (m *ProxyListenerManager) AllActiveProxyIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int64, 0, len(m.listeners))
	for k := range m.listeners {
		out = append(out, k.ProxyID)
	}
	return out
}

// sinkFor builds the traffic sink for one bridged connection: deltas go to
// the aggregator for upstream reporting and, when a collector is
// configured, into the process byte counters as well.
func (m *ProxyListenerManager) sinkFor(proxyID, clientID int64) proxy.TrafficSink {
	rec := m.opts.Aggregator.Sink(proxyID, clientID, nil)
	if m.opts.Metrics == nil {
		return rec
	}
	return teeSink{rec: rec, metrics: m.opts.Metrics}
}

// teeSink fans one connection's byte counts out to the aggregator and the
// metrics collector.
type teeSink struct {
	rec     *RecordSink
	metrics *telemetry.MetricsCollector
}

func (s teeSink) AddSent(n int64) {
	s.rec.AddSent(n)
	s.metrics.AddSent(n)
}

func (s teeSink) AddReceived(n int64) {
	s.rec.AddReceived(n)
	s.metrics.AddReceived(n)
}

// proxyConnHandler bridges one accepted TCP socket into a fresh virtual
// stream on the client's TunnelConnection.
type proxyConnHandler struct {
	mgr *ProxyListenerManager
	key listenerKey
	cfg control.ProxyConfig
}

func (h *proxyConnHandler) Handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	tc, ok := h.mgr.opts.Conns.GetConnection(h.key.ClientID)
	if !ok {
		return
	}
	stream, err := tc.OpenStream(ctx)
	if err != nil {
		h.mgr.opts.Logger.Warn("node: open tunnel stream failed", "client_id", h.key.ClientID, "err", err)
		return
	}
	defer stream.Close()

	target := fmt.Sprintf("%s:%d", h.cfg.LocalIP, h.cfg.LocalPort)
	if err := tunnel.WriteProxyHeader(stream, tunnel.ProxyProtoTCP, target); err != nil {
		return
	}

	if h.mgr.opts.Metrics != nil {
		h.mgr.opts.Metrics.IncActive()
		h.mgr.opts.Metrics.AddProxyHit(strconv.FormatInt(h.cfg.ProxyID, 10))
		defer h.mgr.opts.Metrics.DecActive()
	}

	// The Node does not know the owning user locally; the Controller
	// attributes user_id during flush ingestion.
	bridge := proxy.NewBridge(proxy.BridgeOptions{
		BufferPool: proxyBufferPool,
		Limiter:    h.mgr.opts.Limiter,
		Traffic:    h.mgr.sinkFor(h.cfg.ProxyID, h.key.ClientID),
	})
	_ = bridge.Pump(ctx, conn, stream)
}

// proxyBufferPool is shared across every TCP bridge on this Node.
var proxyBufferPool = proxy.NewSyncPoolBufferPool(8 * 1024)

// udpSession tracks one source address's in-flight virtual stream.
type udpSession struct {
	stream tunnel.Stream
	idle   *time.Timer
}

type proxyPacketHandler struct {
	mgr *ProxyListenerManager
	key listenerKey
	cfg control.ProxyConfig

	mu       sync.Mutex
	sessions map[string]*udpSession
}

func (h *proxyPacketHandler) HandlePacket(ctx context.Context, pc net.PacketConn, src net.Addr, payload []byte) {
	srcKey := src.String()

	h.mu.Lock()
	sess, ok := h.sessions[srcKey]
	h.mu.Unlock()

	if !ok {
		tc, ok := h.mgr.opts.Conns.GetConnection(h.key.ClientID)
		if !ok {
			return
		}
		stream, err := tc.OpenStream(ctx)
		if err != nil {
			h.mgr.opts.Logger.Warn("node: open udp tunnel stream failed", "client_id", h.key.ClientID, "err", err)
			return
		}
		target := fmt.Sprintf("%s:%d", h.cfg.LocalIP, h.cfg.LocalPort)
		if err := tunnel.WriteProxyHeader(stream, tunnel.ProxyProtoUDP, target); err != nil {
			_ = stream.Close()
			return
		}

		if h.mgr.opts.Metrics != nil {
			h.mgr.opts.Metrics.AddProxyHit(strconv.FormatInt(h.cfg.ProxyID, 10))
		}

		sess = &udpSession{stream: stream}
		sess.idle = time.AfterFunc(udpIdleTimeout, func() { h.expire(srcKey, sess) })

		h.mu.Lock()
		h.sessions[srcKey] = sess
		h.mu.Unlock()

		go h.readLoop(pc, src, srcKey, sess)
	}

	sink := h.mgr.sinkFor(h.cfg.ProxyID, h.key.ClientID)
	if _, err := sess.stream.Write(payload); err != nil {
		h.expire(srcKey, sess)
		return
	}
	sink.AddSent(int64(len(payload)))
	sess.idle.Reset(udpIdleTimeout)
}

func (h *proxyPacketHandler) readLoop(pc net.PacketConn, src net.Addr, srcKey string, sess *udpSession) {
	sink := h.mgr.sinkFor(h.cfg.ProxyID, h.key.ClientID)
	buf := make([]byte, 64*1024)
	for {
		n, err := sess.stream.Read(buf)
		if n > 0 {
			if _, werr := pc.WriteTo(buf[:n], src); werr == nil {
				sink.AddReceived(int64(n))
			}
			sess.idle.Reset(udpIdleTimeout)
		}
		if err != nil {
			h.expire(srcKey, sess)
			return
		}
	}
}

func (h *proxyPacketHandler) expire(srcKey string, sess *udpSession) {
	h.mu.Lock()
	if cur, ok := h.sessions[srcKey]; ok && cur == sess {
		delete(h.sessions, srcKey)
	}
	h.mu.Unlock()
	sess.idle.Stop()
	_ = sess.stream.Close()
}
