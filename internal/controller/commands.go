package controller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"rfrp/internal/control"
)

// defaultCommandTimeout bounds each server-initiated command round trip.
const defaultCommandTimeout = 10 * time.Second

// Commander issues server-initiated commands to Nodes (StartProxy,
// StopProxy, GetStatus, GetClientLogs), each a fire-one-
// wait-one round trip correlated through the target Node's ControlChannel
// pending registry.
type Commander struct {
	registry *Registry
	store    Store
	logger   *slog.Logger
}

func NewCommander(registry *Registry, store Store, logger *slog.Logger) *Commander {
	if logger == nil {
		logger = slog.Default()
	}
	return &Commander{registry: registry, store: store, logger: logger}
}

// StartProxy asks nodeID to start a single proxy listener. The typed
// result is returned unchanged to the caller so a port-in-use failure can
// propagate to the admin CRUD layer for rollback.
func (c *Commander) StartProxy(ctx context.Context, nodeID int64, cmd control.StartProxyCommand) (control.Response, error) {
	return c.call(ctx, nodeID, control.KindStartProxy, cmd, defaultCommandTimeout)
}

func (c *Commander) StopProxy(ctx context.Context, nodeID int64, cmd control.StopProxyCommand) (control.Response, error) {
	return c.call(ctx, nodeID, control.KindStopProxy, cmd, defaultCommandTimeout)
}

func (c *Commander) GetStatus(ctx context.Context, nodeID int64) (control.Response, error) {
	return c.call(ctx, nodeID, control.KindGetStatus, control.GetStatusCommand{}, defaultCommandTimeout)
}

func (c *Commander) GetClientLogs(ctx context.Context, nodeID int64, clientID int64, count int) (control.Response, error) {
	cmd := control.GetClientLogsCommand{ClientID: clientID, Count: count}
	return c.call(ctx, nodeID, control.KindGetClientLogs, cmd, defaultCommandTimeout)
}

func (c *Commander) call(ctx context.Context, nodeID int64, kind control.Kind, payload any, timeout time.Duration) (control.Response, error) {
	h, ok := c.registry.NodeHandle(nodeID)
	if !ok {
		return control.Response{}, fmt.Errorf("controller: node %d is not connected", nodeID)
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return h.Call(cctx, kind, payload)
}

// StopAllClientProxies is used by quota enforcement to stop
// every listener a client currently has on every node it is bound to.
// Best-effort: a node that is offline or errors is logged and skipped.
func (c *Commander) StopAllClientProxies(clientID int64) {
	proxies := c.store.ProxiesForClient(clientID)
	var fallback int64
	if client, ok := c.store.Client(clientID); ok && len(client.AssignedNodeIDs) > 0 {
		fallback = client.AssignedNodeIDs[0]
	}
	nodeIDs := map[int64]struct{}{}
	for _, p := range proxies {
		nodeID := p.NodeID
		if nodeID == 0 {
			nodeID = fallback
		}
		if nodeID == 0 {
			continue
		}
		nodeIDs[nodeID] = struct{}{}
		id := nodeID
		proxyID := p.ID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), defaultCommandTimeout)
			defer cancel()
			if _, err := c.StopProxy(ctx, id, control.StopProxyCommand{ClientID: clientID, ProxyID: proxyID}); err != nil {
				c.logger.Warn("controller: stop proxy on quota exceeded failed", "node_id", id, "client_id", clientID, "proxy_id", proxyID, "err", err)
			}
		}()
	}
}
