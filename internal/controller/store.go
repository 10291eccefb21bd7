// Package controller implements the Controller role:
// the control-plane side of every ControlChannel, proxy-list snapshot
// construction, traffic ingestion, and quota enforcement. Persistence
// itself is an opaque collaborator behind a connection pool elsewhere;
// Store below is an in-memory stand-in for that pool so
// the rest of this package has something concrete to call.
package controller

import (
	"sync"

	"rfrp/internal/model"
)

// Store holds the admin-owned entities (users, clients, nodes, proxies).
// A real deployment would back this with a SQL database; the admin
// HTTP/JSON API that mutates it is out of core scope.
type Store interface {
	Node(id int64) (*model.Node, bool)
	NodeByName(name string) (*model.Node, bool)
	Client(id int64) (*model.Client, bool)
	ClientByToken(token string) (*model.Client, bool)
	User(id int64) (*model.User, bool)
	ProxiesForClient(clientID int64) []model.Proxy
	ProxiesForNode(clientID, nodeID int64) []model.Proxy

	SetNodeOnline(id int64, online bool)
	SetNodePublicIP(id int64, ip string)
	SetClientOnline(id int64, online bool)
	SetClientTrafficExceeded(id int64, exceeded bool)
	SetUserTrafficExceeded(id int64, exceeded bool)
	ClientsForUser(userID int64) []int64

	AddClientUsage(clientID int64, sent, received int64)
	AddUserUsage(userID int64, sent, received int64)
}

// MemStore is an in-memory Store, safe for concurrent use. It exists so
// internal/controller has a runnable collaborator in tests and in the
// single-process deployment mode; a production Controller would satisfy
// the same interface from a real database.
type MemStore struct {
	mu sync.RWMutex

	nodes   map[int64]*model.Node
	clients map[int64]*model.Client
	users   map[int64]*model.User
	proxies map[int64]*model.Proxy // by proxy id

	tokenIndex map[string]int64 // client token -> client id
}

func NewMemStore() *MemStore {
	return &MemStore{
		nodes:      map[int64]*model.Node{},
		clients:    map[int64]*model.Client{},
		users:      map[int64]*model.User{},
		proxies:    map[int64]*model.Proxy{},
		tokenIndex: map[string]int64{},
	}
}

// Seed bulk-loads entities, for tests and for a bootstrap/import path.
func (s *MemStore) Seed(nodes []model.Node, clients []model.Client, users []model.User, proxies []model.Proxy, tokens map[string]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range nodes {
		n := nodes[i]
		s.nodes[n.ID] = &n
	}
	for i := range clients {
		c := clients[i]
		s.clients[c.ID] = &c
	}
	for i := range users {
		u := users[i]
		s.users[u.ID] = &u
	}
	for i := range proxies {
		p := proxies[i]
		s.proxies[p.ID] = &p
	}
	for tok, id := range tokens {
		s.tokenIndex[tok] = id
	}
}

func (s *MemStore) Node(id int64) (*model.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, false
	}
	cp := *n
	return &cp, true
}

func (s *MemStore) Client(id int64) (*model.Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	if !ok {
		return nil, false
	}
	cp := *c
	return &cp, true
}

func (s *MemStore) NodeByName(name string) (*model.Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.nodes {
		if n.Name == name {
			cp := *n
			return &cp, true
		}
	}
	return nil, false
}

func (s *MemStore) ClientByToken(token string) (*model.Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.tokenIndex[token]
	if !ok {
		return nil, false
	}
	c, ok := s.clients[id]
	if !ok {
		return nil, false
	}
	cp := *c
	return &cp, true
}

func (s *MemStore) User(id int64) (*model.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, false
	}
	cp := *u
	return &cp, true
}

func (s *MemStore) ProxiesForClient(clientID int64) []model.Proxy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Proxy
	for _, p := range s.proxies {
		if p.ClientID == clientID && p.Enabled {
			out = append(out, *p)
		}
	}
	return out
}

// ProxiesForNode filters a client's enabled proxies to those whose
// effective node id (proxy.node_id, falling back to the client's assigned
// node if the proxy does not override it) equals nodeID, so a Node only
// ever sees rules bound to itself.
func (s *MemStore) ProxiesForNode(clientID, nodeID int64) []model.Proxy {
	all := s.ProxiesForClient(clientID)
	out := make([]model.Proxy, 0, len(all))
	for _, p := range all {
		if effectiveNodeID(p, clientID, s) == nodeID {
			out = append(out, p)
		}
	}
	return out
}

func effectiveNodeID(p model.Proxy, clientID int64, s *MemStore) int64 {
	if p.NodeID != 0 {
		return p.NodeID
	}
	s.mu.RLock()
	c, ok := s.clients[clientID]
	s.mu.RUnlock()
	if !ok || len(c.AssignedNodeIDs) == 0 {
		return 0
	}
	return c.AssignedNodeIDs[0]
}

func (s *MemStore) SetNodeOnline(id int64, online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[id]; ok {
		n.IsOnline = online
	}
}

func (s *MemStore) SetNodePublicIP(id int64, ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[id]; ok {
		n.PublicIP = ip
	}
}

func (s *MemStore) SetClientOnline(id int64, online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[id]; ok {
		c.IsOnline = online
	}
}

func (s *MemStore) SetClientTrafficExceeded(id int64, exceeded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[id]; ok {
		c.IsTrafficExceeded = exceeded
	}
}

func (s *MemStore) SetUserTrafficExceeded(id int64, exceeded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		u.IsTrafficExceeded = exceeded
	}
}

func (s *MemStore) ClientsForUser(userID int64) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int64
	for _, c := range s.clients {
		if c.OwningUserID == userID {
			out = append(out, c.ID)
		}
	}
	return out
}

func (s *MemStore) AddClientUsage(clientID int64, sent, received int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[clientID]; ok {
		c.BytesSent += sent
		c.BytesReceived += received
	}
}

func (s *MemStore) AddUserUsage(userID int64, sent, received int64) {
	// MemStore does not track per-user byte totals separately from its
	// clients; traffic.go derives user totals by summing ClientsForUser.
	_ = userID
	_ = sent
	_ = received
}
