package node

import (
	"sync"

	"rfrp/internal/tunnel"
)

// ConnectionProvider resolves a live TunnelConnection for a client id.
// ProxyListenerManager depends on this interface rather than
// ConnectionRegistry directly so tests can substitute a fake.
type ConnectionProvider interface {
	GetConnection(clientID int64) (tunnel.Connection, bool)
}

// ConnectionRegistry is the Node's process-wide map of online Clients,
// guarded by a read/write lock; writers are registrations and removals,
// readers lookups.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[int64]tunnel.Connection
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{conns: map[int64]tunnel.Connection{}}
}

func (r *ConnectionRegistry) Register(clientID int64, conn tunnel.Connection) {
	r.mu.Lock()
	r.conns[clientID] = conn
	r.mu.Unlock()
}

// Remove deletes clientID's entry, but only if it still maps to conn (a
// stale reconnect race must not evict a newer connection).
func (r *ConnectionRegistry) Remove(clientID int64, conn tunnel.Connection) {
	r.mu.Lock()
	if cur, ok := r.conns[clientID]; ok && cur == conn {
		delete(r.conns, clientID)
	}
	r.mu.Unlock()
}

// Len reports how many clients currently hold a live tunnel.
func (r *ConnectionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *ConnectionRegistry) GetConnection(clientID int64) (tunnel.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[clientID]
	return c, ok
}

var _ ConnectionProvider = (*ConnectionRegistry)(nil)
