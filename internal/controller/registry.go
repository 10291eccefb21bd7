package controller

import (
	"net"
	"sync"

	"rfrp/internal/control"
)

// Registry tracks the live ControlChannel handle for every online Node and
// Client. It backs the "map of active connections ... behind a
// read/write lock; writers are Register/Remove, readers are
// NodeHandle/ClientHandle.
type Registry struct {
	mu      sync.RWMutex
	nodes   map[int64]*control.Handle
	clients map[int64]*control.Handle

	nodeAddrs map[int64]net.Addr
}

func NewRegistry() *Registry {
	return &Registry{
		nodes:     map[int64]*control.Handle{},
		clients:   map[int64]*control.Handle{},
		nodeAddrs: map[int64]net.Addr{},
	}
}

func (r *Registry) RegisterNode(id int64, h *control.Handle, remote net.Addr) {
	r.mu.Lock()
	r.nodes[id] = h
	if remote != nil {
		r.nodeAddrs[id] = remote
	}
	r.mu.Unlock()
}

func (r *Registry) RemoveNode(id int64) {
	r.mu.Lock()
	delete(r.nodes, id)
	r.mu.Unlock()
}

func (r *Registry) NodeHandle(id int64) (*control.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.nodes[id]
	return h, ok
}

func (r *Registry) NodeRemoteAddr(id int64) (net.Addr, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.nodeAddrs[id]
	return a, ok
}

func (r *Registry) RegisterClient(id int64, h *control.Handle) {
	r.mu.Lock()
	r.clients[id] = h
	r.mu.Unlock()
}

func (r *Registry) RemoveClient(id int64) {
	r.mu.Lock()
	delete(r.clients, id)
	r.mu.Unlock()
}

func (r *Registry) ClientHandle(id int64) (*control.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.clients[id]
	return h, ok
}

// OnlineNodeIDs returns a snapshot of currently connected node ids.
func (r *Registry) OnlineNodeIDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int64, 0, len(r.nodes))
	for id := range r.nodes {
		out = append(out, id)
	}
	return out
}
