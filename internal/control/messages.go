// Package control implements the ControlChannel: the
// long-lived bidirectional RPC stream shared by Controller↔Node and
// Controller↔Client, and the hot-swappable handle that survives reconnects.
package control

import (
	"rfrp/internal/model"
	"rfrp/internal/telemetry"
)

// Kind tags the payload carried by an Envelope. The wire format is a
// length-prefixed JSON envelope; Kind lets either side dispatch without a
// schema registry, much like the message-type byte on the data plane
// (internal/tunnel/stream_protocol.go).
type Kind string

// Messages exchanged on the Controller↔Node channel.
const (
	KindNodeRegister                 Kind = "node.register"
	KindNodeRegisterResponse         Kind = "node.register_response"
	KindHeartbeat                    Kind = "heartbeat"
	KindHeartbeatResponse            Kind = "heartbeat_response"
	KindValidateTokenRequest         Kind = "node.validate_token"
	KindValidateTokenResponse        Kind = "node.validate_token_response"
	KindClientOnlineRequest          Kind = "node.client_online"
	KindClientOnlineResponse         Kind = "node.client_online_response"
	KindCheckTrafficLimitRequest     Kind = "node.check_traffic_limit"
	KindCheckTrafficLimitResponse    Kind = "node.check_traffic_limit_response"
	KindGetClientProxiesRequest      Kind = "node.get_client_proxies"
	KindGetClientProxiesResponse     Kind = "node.get_client_proxies_response"
	KindTrafficReport                Kind = "node.traffic_report"
	KindResponse                     Kind = "response"
	KindStartProxy                   Kind = "controller.start_proxy"
	KindStopProxy                    Kind = "controller.stop_proxy"
	KindGetStatus                    Kind = "controller.get_status"
	KindGetClientLogs                Kind = "controller.get_client_logs"
)

// Messages exchanged on the Controller↔Client channel.
const (
	KindClientAuth          Kind = "client.auth"
	KindClientAuthResponse  Kind = "client.auth_response"
	KindProxyUpdate         Kind = "client.proxy_update"
	KindError               Kind = "error"
)

// Envelope is the outer frame written to the wire: a 4-byte big-endian
// length prefix followed by the JSON encoding of Envelope itself.
type Envelope struct {
	Kind      Kind   `json:"kind"`
	RequestID string `json:"request_id,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// NodeRegister is the Node's first message on a freshly opened channel.
type NodeRegister struct {
	Name   string `json:"name"`
	Secret string `json:"secret"`
}

// NodeRegisterResponse carries the assigned id and authoritative settings.
type NodeRegisterResponse struct {
	NodeID            int64                `json:"node_id"`
	Protocol          model.TunnelProtocol `json:"protocol"`
	SpeedLimitBps     int64                `json:"speed_limit_bps,omitempty"`
	MaxProxyCount     int                  `json:"max_proxy_count,omitempty"`
	AllowedPortRanges []model.PortRange    `json:"allowed_port_ranges,omitempty"`
	Rejected          string               `json:"rejected,omitempty"`
}

type ClientAuth struct {
	Token string `json:"token"`
}

type ClientAuthResponse struct {
	ClientID int64  `json:"client_id"`
	Rejected string `json:"rejected,omitempty"`
}

type HeartbeatPing struct{}
type HeartbeatPong struct{}

type ValidateTokenRequest struct {
	Token string `json:"token"`
}

type ValidateTokenResponse struct {
	ClientID     int64  `json:"client_id"`
	ClientName   string `json:"client_name"`
	Allowed      bool   `json:"allowed"`
	RejectReason string `json:"reject_reason,omitempty"`
}

type ClientOnlineRequest struct {
	ClientID int64 `json:"client_id"`
	Online   bool  `json:"online"`
}

type ClientOnlineResponse struct{}

type CheckTrafficLimitRequest struct {
	ClientID int64 `json:"client_id"`
}

type CheckTrafficLimitResponse struct {
	Exceeded bool   `json:"exceeded"`
	Reason   string `json:"reason,omitempty"`
}

type GetClientProxiesRequest struct {
	ClientID int64 `json:"client_id"`
	NodeID   int64 `json:"node_id"`
}

// ProxyConfig is the subset of model.Proxy the Node needs to start a
// listener.
type ProxyConfig struct {
	ProxyID    int64           `json:"proxy_id"`
	ClientID   int64           `json:"client_id"`
	Type       model.ProxyType `json:"type"`
	LocalIP    string          `json:"local_ip"`
	LocalPort  int             `json:"local_port"`
	RemotePort int             `json:"remote_port"`
}

type GetClientProxiesResponse struct {
	Proxies []ProxyConfig `json:"proxies"`
}

// TrafficReport is the at-least-once delta batch flushed by a Node's
// TrafficAggregator.
type TrafficReport struct {
	Records []model.TrafficRecord `json:"records"`
}

// Response wraps the result of a server-initiated command, correlated back
// by RequestID on the Envelope.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// StartProxyCommand / StopProxyCommand are Controller→Node server-initiated
// commands.
type StartProxyCommand struct {
	ClientID int64       `json:"client_id"`
	Proxy    ProxyConfig `json:"proxy"`
}

type StopProxyCommand struct {
	ClientID int64 `json:"client_id"`
	ProxyID  int64 `json:"proxy_id"`
}

type GetStatusCommand struct{}

// NodeStatus is the payload a Node returns for GetStatus: the live
// client/listener view plus a snapshot of the process counters.
type NodeStatus struct {
	OnlineClients int                        `json:"online_clients"`
	ActiveProxies []int64                    `json:"active_proxies"`
	Metrics       *telemetry.MetricsSnapshot `json:"metrics,omitempty"`
}

type GetClientLogsCommand struct {
	ClientID int64 `json:"client_id"`
	Count    int   `json:"count"`
}

// ProxyGroup carries one node's tunnel endpoint together with the
// client's enabled proxies bound to that node.
type ProxyGroup struct {
	NodeID       int64                `json:"node_id"`
	ServerAddr   string               `json:"server_addr"`
	ServerPort   int                  `json:"server_port"`
	Protocol     model.TunnelProtocol `json:"protocol"`
	Proxies      []ProxyConfig        `json:"proxies"`
}

type ProxyUpdate struct {
	ClientID    int64        `json:"client_id"`
	ClientName  string       `json:"client_name"`
	ServerGroups []ProxyGroup `json:"server_groups"`
}

type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
