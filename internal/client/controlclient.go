package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"rfrp/internal/control"
	"rfrp/internal/tunnel"
)

const (
	controlHeartbeatInterval = 15 * time.Second
	authCallTimeout          = 10 * time.Second

	// A rejected token is operator-actionable, not transient; retry far
	// slower than the transport backoff so the Controller is not hammered.
	rejectedBackoff = time.Minute
)

// ControlClientOptions configures the Client's control-plane dialer.
type ControlClientOptions struct {
	ControllerAddr string
	Token          string
	QUIC           tunnel.QUICDialOptions

	Manager *ConnectionManager
	Logger  *slog.Logger
}

// ControlClient maintains the Client's long-lived ControlChannel to the
// Controller: authenticates with the client token, echoes heartbeats, and
// feeds every ProxyUpdate push into the ConnectionManager.
type ControlClient struct {
	opts   ControlClientOptions
	logger *slog.Logger
}

func NewControlClient(opts ControlClientOptions) *ControlClient {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ControlClient{opts: opts, logger: logger}
}

// Run dials and serves until ctx is done.
func (c *ControlClient) Run(ctx context.Context) error {
	for {
		rejected, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		backoff := reconnectBackoff
		if rejected {
			backoff = rejectedBackoff
			c.logger.Error("client: controller rejected auth, waiting for operator action", "err", err)
		} else {
			c.logger.Warn("client: control channel lost, reconnecting", "err", err)
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *ControlClient) runOnce(ctx context.Context) (rejected bool, err error) {
	transport := tunnel.NewQUICTransport()
	dctx, cancel := context.WithTimeout(ctx, authCallTimeout)
	conn, err := transport.Dial(dctx, c.opts.ControllerAddr, tunnel.DialOptions{QUIC: c.opts.QUIC})
	cancel()
	if err != nil {
		return false, fmt.Errorf("client: dial controller: %w", err)
	}
	defer conn.Close()

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return false, fmt.Errorf("client: open control stream: %w", err)
	}

	ch := control.New(stream, c.logger)
	c.installHandlers(ctx, ch)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	runDone := make(chan error, 1)
	go func() { runDone <- ch.Run(runCtx) }()

	actx, cancelAuth := context.WithTimeout(ctx, authCallTimeout)
	resp, err := ch.Call(actx, control.KindClientAuth, control.ClientAuth{Token: c.opts.Token})
	cancelAuth()
	if err != nil {
		ch.Close()
		return false, fmt.Errorf("client: auth: %w", err)
	}
	auth, derr := control.DecodeData[control.ClientAuthResponse](resp)
	if auth.Rejected != "" {
		ch.Close()
		return true, fmt.Errorf("client: auth rejected: %s", auth.Rejected)
	}
	if derr != nil {
		ch.Close()
		return false, fmt.Errorf("client: decode auth response: %w", derr)
	}

	c.logger.Info("client: authenticated with controller", "client_id", auth.ClientID)

	ch.StartHeartbeat(runCtx, controlHeartbeatInterval, func(err error) {
		c.logger.Warn("client: heartbeat send failed", "err", err)
		ch.Close()
	})

	select {
	case err := <-runDone:
		return false, err
	case <-ctx.Done():
		ch.Close()
		<-runDone
		return false, ctx.Err()
	}
}

func (c *ControlClient) installHandlers(ctx context.Context, ch *control.ControlChannel) {
	ch.Handle(control.KindHeartbeatResponse, func(context.Context, *control.ControlChannel, string, json.RawMessage) {})

	ch.Handle(control.KindProxyUpdate, func(_ context.Context, _ *control.ControlChannel, _ string, payload json.RawMessage) {
		var update control.ProxyUpdate
		if err := json.Unmarshal(payload, &update); err != nil {
			c.logger.Warn("client: malformed proxy update", "err", err)
			return
		}
		c.logger.Info("client: proxy update received", "groups", len(update.ServerGroups))
		// Sessions outlive this control channel; they stop only when the
		// Controller removes their node or the app shuts down.
		c.opts.Manager.Apply(ctx, update)
	})

	ch.Handle(control.KindError, func(_ context.Context, _ *control.ControlChannel, _ string, payload json.RawMessage) {
		var msg control.ErrorMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return
		}
		c.logger.Error("client: controller error", "code", msg.Code, "message", msg.Message)
	})
}
