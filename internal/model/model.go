// Package model defines the data types shared across the Controller, Node,
// and Client roles: nodes, clients, proxy rules, and the ephemeral traffic
// records produced by the data plane.
package model

import "time"

// TunnelProtocol is the wire transport a Node listens on for Client tunnels.
type TunnelProtocol string

const (
	ProtocolQUIC TunnelProtocol = "quic"
	ProtocolKCP  TunnelProtocol = "kcp"
)

// ResetCycle controls when a Client's cumulative usage counters roll over.
type ResetCycle string

const (
	ResetNone    ResetCycle = "none"
	ResetDaily   ResetCycle = "daily"
	ResetMonthly ResetCycle = "monthly"
)

// PortRange is an inclusive [Low, High] range of public ports a Node is
// permitted to expose proxy rules on.
type PortRange struct {
	Low  int `json:"low"`
	High int `json:"high"`
}

func (r PortRange) Contains(port int) bool {
	return port >= r.Low && port <= r.High
}

// Node is a public-side edge.
type Node struct {
	ID                int64          `json:"id"`
	Name              string         `json:"name"`
	Secret            string         `json:"-"`
	Protocol          TunnelProtocol `json:"protocol"`
	TunnelListenPort  int            `json:"tunnel_listen_port"`
	SpeedLimitBps     int64          `json:"speed_limit_bps,omitempty"`
	MaxProxyCount     int            `json:"max_proxy_count,omitempty"`
	AllowedPortRanges []PortRange    `json:"allowed_port_ranges,omitempty"`

	// Observed, never user-set.
	PublicIP string `json:"public_ip,omitempty"`
	Region   string `json:"region,omitempty"`
	IsOnline bool   `json:"is_online"`
}

// PortAllowed reports whether port is permitted by the node's configured
// allowed port ranges. An empty range list means all ports are allowed.
func (n *Node) PortAllowed(port int) bool {
	if len(n.AllowedPortRanges) == 0 {
		return true
	}
	for _, r := range n.AllowedPortRanges {
		if r.Contains(port) {
			return true
		}
	}
	return false
}

// Client is a private-side agent behind NAT.
type Client struct {
	ID                 int64      `json:"id"`
	Name               string     `json:"name"`
	Secret             string     `json:"-"`
	OwningUserID       int64      `json:"owning_user_id"`
	BytesSent          int64      `json:"bytes_sent"`
	BytesReceived      int64      `json:"bytes_received"`
	QuotaGB            float64    `json:"quota_gb,omitempty"`
	ResetCycle         ResetCycle `json:"reset_cycle"`
	LastReset          time.Time  `json:"last_reset"`
	IsTrafficExceeded  bool       `json:"is_traffic_exceeded"`
	AssignedNodeIDs    []int64    `json:"assigned_node_ids,omitempty"`
	IsOnline           bool       `json:"is_online"`
}

// QuotaBytes returns the configured quota in bytes, or 0 if unset.
func (c *Client) QuotaBytes() int64 {
	if c.QuotaGB <= 0 {
		return 0
	}
	return int64(c.QuotaGB * 1024 * 1024 * 1024)
}

// ProxyType is the transport a proxy rule forwards.
type ProxyType string

const (
	ProxyTCP ProxyType = "tcp"
	ProxyUDP ProxyType = "udp"
)

// Proxy is a forwarding rule: node:remote_port to client-local ip:port.
type Proxy struct {
	ID            int64     `json:"id"`
	ClientID      int64     `json:"client_id"`
	NodeID        int64     `json:"node_id,omitempty"` // 0 == unbound
	Type          ProxyType `json:"type"`
	LocalIP       string    `json:"local_ip"`
	LocalPort     int       `json:"local_port"`
	RemotePort    int       `json:"remote_port"`
	Enabled       bool      `json:"enabled"`
	GroupID       int64     `json:"group_id,omitempty"`
	BytesSent     int64     `json:"bytes_sent"`
	BytesReceived int64     `json:"bytes_received"`
}

// LocalAddr is the dial target on the Client's host.
func (p *Proxy) LocalAddr() string {
	return netJoin(p.LocalIP, p.LocalPort)
}

func netJoin(host string, port int) string {
	if host == "" {
		host = "127.0.0.1"
	}
	return host + ":" + itoa(port)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// TrafficRecord is an ephemeral accounting delta; it lives only in a
// Node's aggregator buffer until flushed.
type TrafficRecord struct {
	ProxyID       int64  `json:"proxy_id"`
	ClientID      int64  `json:"client_id"`
	UserID        *int64 `json:"user_id,omitempty"`
	BytesSent     int64  `json:"bytes_sent"`
	BytesReceived int64  `json:"bytes_received"`
}

// User owns clients and carries the cumulative quota-enforcement state.
type User struct {
	ID                int64   `json:"id"`
	QuotaGB           float64 `json:"quota_gb,omitempty"`
	IsTrafficExceeded bool    `json:"is_traffic_exceeded"`
}
