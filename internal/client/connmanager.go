package client

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"rfrp/internal/control"
	"rfrp/internal/logging"
)

// ConnectionManager reconciles the set of running Node sessions against
// each ProxyUpdate pushed by the Controller.
type ConnectionManager struct {
	token  string
	logs   *logging.LineStore
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[int64]*runningSession
}

type runningSession struct {
	cancel   context.CancelFunc
	proxyIDs map[int64]struct{}
	done     chan struct{}
}

func NewConnectionManager(token string, logs *logging.LineStore, logger *slog.Logger) *ConnectionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionManager{
		token:    token,
		logs:     logs,
		logger:   logger,
		sessions: map[int64]*runningSession{},
	}
}

// Apply diffs the update's node set against the running sessions: stale
// nodes are cancelled, new nodes get a fresh reconnect loop, and unchanged
// nodes with a differing proxy set are logged only — proxy-list knowledge
// lives on the Controller/Node side, the Client just services whatever
// inbound streams arrive.
func (m *ConnectionManager) Apply(ctx context.Context, update control.ProxyUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	incoming := map[int64]control.ProxyGroup{}
	for _, g := range update.ServerGroups {
		incoming[g.NodeID] = g
	}

	for nodeID, sess := range m.sessions {
		if _, keep := incoming[nodeID]; !keep {
			m.logger.Info("client: node removed from proxy list, disconnecting", "node_id", nodeID)
			sess.cancel()
			delete(m.sessions, nodeID)
		}
	}

	for nodeID, group := range incoming {
		if sess, ok := m.sessions[nodeID]; ok {
			newIDs := proxyIDSet(group.Proxies)
			if !sameIDSet(sess.proxyIDs, newIDs) {
				m.logger.Info("client: proxy list changed for node",
					"node_id", nodeID,
					"old", sortedIDs(sess.proxyIDs),
					"new", sortedIDs(newIDs))
				sess.proxyIDs = newIDs
			}
			continue
		}

		sctx, cancel := context.WithCancel(ctx)
		sess := &runningSession{
			cancel:   cancel,
			proxyIDs: proxyIDSet(group.Proxies),
			done:     make(chan struct{}),
		}
		m.sessions[nodeID] = sess

		session := NewNodeSession(NodeSessionOptions{
			Group:  group,
			Token:  m.token,
			Logs:   m.logs,
			Logger: m.logger,
		})
		go func() {
			defer close(sess.done)
			session.Run(sctx)
		}()
	}
}

// Shutdown cancels every running session and waits for them to exit.
func (m *ConnectionManager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*runningSession, 0, len(m.sessions))
	for id, sess := range m.sessions {
		sessions = append(sessions, sess)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.cancel()
	}
	for _, sess := range sessions {
		<-sess.done
	}
}

// NodeIDs reports the node ids with a running session, for tests.
func (m *ConnectionManager) NodeIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int64, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func proxyIDSet(proxies []control.ProxyConfig) map[int64]struct{} {
	out := make(map[int64]struct{}, len(proxies))
	for _, p := range proxies {
		out[p.ProxyID] = struct{}{}
	}
	return out
}

func sameIDSet(a, b map[int64]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}

func sortedIDs(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
