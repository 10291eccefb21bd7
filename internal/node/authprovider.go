// Package node implements the Node role: validating
// Client tokens against the Controller, running per-(client, proxy)
// listeners, bridging accepted connections onto the Client's
// TunnelConnection, and aggregating traffic for reporting upstream.
package node

import (
	"context"
	"time"

	"rfrp/internal/control"
)

// defaultRPCTimeout bounds each auth RPC round trip.
const defaultRPCTimeout = 10 * time.Second

// setOnlineTimeout is tighter: set-online is advisory and must not stall
// connection handling.
const setOnlineTimeout = 5 * time.Second

// AuthProvider is the Node-side view of the Controller's auth and proxy
// lookup operations, normally a ControlChannel round trip.
type AuthProvider interface {
	ValidateToken(ctx context.Context, token string) (control.ValidateTokenResponse, error)
	SetClientOnline(ctx context.Context, clientID int64, online bool) error
	CheckTrafficLimit(ctx context.Context, clientID int64) (control.CheckTrafficLimitResponse, error)
	GetClientProxies(ctx context.Context, clientID, nodeID int64) ([]control.ProxyConfig, error)
}

// RemoteAuthProvider calls through to the Controller via the Node's
// hot-swappable control.Handle. There is no local/direct-DB mode here:
// the Node never holds its own copy of the user/client/proxy tables,
// so every operation is a round trip.
type RemoteAuthProvider struct {
	handle *control.Handle
}

func NewRemoteAuthProvider(handle *control.Handle) *RemoteAuthProvider {
	return &RemoteAuthProvider{handle: handle}
}

func (p *RemoteAuthProvider) ValidateToken(ctx context.Context, token string) (control.ValidateTokenResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()
	resp, err := p.handle.Call(ctx, control.KindValidateTokenRequest, control.ValidateTokenRequest{Token: token})
	if err != nil {
		return control.ValidateTokenResponse{Allowed: false, RejectReason: "validate_token rpc failed"}, err
	}
	return control.DecodeData[control.ValidateTokenResponse](resp)
}

func (p *RemoteAuthProvider) SetClientOnline(ctx context.Context, clientID int64, online bool) error {
	ctx, cancel := context.WithTimeout(ctx, setOnlineTimeout)
	defer cancel()
	_, err := p.handle.Call(ctx, control.KindClientOnlineRequest, control.ClientOnlineRequest{ClientID: clientID, Online: online})
	// Failure here is log-and-continue, never fatal to the caller's own
	// flow; the error is returned so the caller can log it.
	return err
}

func (p *RemoteAuthProvider) CheckTrafficLimit(ctx context.Context, clientID int64) (control.CheckTrafficLimitResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()
	resp, err := p.handle.Call(ctx, control.KindCheckTrafficLimitRequest, control.CheckTrafficLimitRequest{ClientID: clientID})
	if err != nil {
		// On timeout, assume not exceeded.
		return control.CheckTrafficLimitResponse{Exceeded: false}, err
	}
	return control.DecodeData[control.CheckTrafficLimitResponse](resp)
}

func (p *RemoteAuthProvider) GetClientProxies(ctx context.Context, clientID, nodeID int64) ([]control.ProxyConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()
	resp, err := p.handle.Call(ctx, control.KindGetClientProxiesRequest, control.GetClientProxiesRequest{ClientID: clientID, NodeID: nodeID})
	if err != nil {
		// On error, return an empty list.
		return nil, nil
	}
	out, err := control.DecodeData[control.GetClientProxiesResponse](resp)
	if err != nil {
		return nil, nil
	}
	return out.Proxies, nil
}
