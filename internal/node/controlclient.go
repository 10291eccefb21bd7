package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"rfrp/internal/control"
	"rfrp/internal/tunnel"
)

// reconnectBackoff is the fixed delay between redial attempts after the
// control channel drops; there is no upper bound on retries.
const reconnectBackoff = 5 * time.Second

// heartbeatInterval is the control-plane heartbeat cadence.
const heartbeatInterval = 15 * time.Second

// ErrRegisterRejected means the Controller rejected this Node's secret.
// Unlike a transport fault this is not retried; a wrong secret needs an
// operator, not a reconnect loop.
var ErrRegisterRejected = errors.New("node: registration rejected by controller")

// CommandHandler executes the Controller→Node server-initiated
// commands. The App wires this to its ProxyListenerManager and
// connection registry once the first registration completes.
type CommandHandler interface {
	StartProxy(ctx context.Context, cmd control.StartProxyCommand) error
	StopProxy(ctx context.Context, cmd control.StopProxyCommand) error
	Status(ctx context.Context) (control.NodeStatus, error)
	ClientLogs(ctx context.Context, cmd control.GetClientLogsCommand) (json.RawMessage, error)
}

// ControlClientOptions configures the Node's control-plane dialer.
type ControlClientOptions struct {
	ControllerAddr string
	Name           string
	Secret         string
	QUIC           tunnel.QUICDialOptions

	Handle   *control.Handle
	Commands CommandHandler
	Logger   *slog.Logger

	// OnRegistered fires after every successful registration with the
	// Controller's authoritative settings. The first invocation is what
	// unblocks App.Run's tunnel-listener bring-up.
	OnRegistered func(resp control.NodeRegisterResponse)
}

// ControlClient maintains the Node's long-lived ControlChannel to the
// Controller, reconnecting with a fixed backoff and hot-swapping the shared
// Handle on every fresh channel.
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

// Run dials, registers, and serves the channel until ctx is done or the
// Controller rejects the registration outright.
func (c *ControlClient) Run(ctx context.Context) error {
	for {
		err := c.runOnce(ctx)
		if errors.Is(err, ErrRegisterRejected) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("node: control channel lost, reconnecting", "err", err)
		select {
		case <-time.After(reconnectBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *ControlClient) runOnce(ctx context.Context) error {
	transport := tunnel.NewQUICTransport()
	dctx, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	conn, err := transport.Dial(dctx, c.opts.ControllerAddr, tunnel.DialOptions{QUIC: c.opts.QUIC})
	cancel()
	if err != nil {
		return fmt.Errorf("node: dial controller: %w", err)
	}
	defer conn.Close()

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("node: open control stream: %w", err)
	}

	ch := control.New(stream, c.logger)
	c.installHandlers(ch)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	runDone := make(chan error, 1)
	go func() { runDone <- ch.Run(runCtx) }()

	rctx, cancelReg := context.WithTimeout(ctx, defaultRPCTimeout)
	resp, err := ch.Call(rctx, control.KindNodeRegister, control.NodeRegister{Name: c.opts.Name, Secret: c.opts.Secret})
	cancelReg()
	if err != nil {
		ch.Close()
		return fmt.Errorf("node: register: %w", err)
	}
	reg, err := control.DecodeData[control.NodeRegisterResponse](resp)
	if err != nil || reg.Rejected != "" {
		ch.Close()
		if reg.Rejected != "" {
			c.logger.Error("node: controller rejected registration", "reason", reg.Rejected)
			return ErrRegisterRejected
		}
		return fmt.Errorf("node: decode register response: %w", err)
	}

	// The fresh channel becomes the current one only after a successful
	// register; every downstream caller keeps using the same Handle.
	c.opts.Handle.Store(ch)
	c.logger.Info("node: registered with controller", "node_id", reg.NodeID, "protocol", reg.Protocol)
	if c.opts.OnRegistered != nil {
		c.opts.OnRegistered(reg)
	}

	ch.StartHeartbeat(runCtx, heartbeatInterval, func(err error) {
		c.logger.Warn("node: heartbeat send failed", "err", err)
		ch.Close()
	})

	select {
	case err := <-runDone:
		return err
	case <-ctx.Done():
		ch.Close()
		<-runDone
		return ctx.Err()
	}
}

func (c *ControlClient) installHandlers(ch *control.ControlChannel) {
	// The Controller echoes heartbeats; nothing to do with the echo.
	ch.Handle(control.KindHeartbeatResponse, func(context.Context, *control.ControlChannel, string, json.RawMessage) {})

	ch.Handle(control.KindStartProxy, func(ctx context.Context, ch *control.ControlChannel, requestID string, payload json.RawMessage) {
		var cmd control.StartProxyCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			_ = ch.Respond(requestID, control.Response{OK: false, Error: "bad command"})
			return
		}
		if err := c.opts.Commands.StartProxy(ctx, cmd); err != nil {
			_ = ch.Respond(requestID, control.Response{OK: false, Error: err.Error()})
			return
		}
		_ = ch.Respond(requestID, control.Response{OK: true})
	})

	ch.Handle(control.KindStopProxy, func(ctx context.Context, ch *control.ControlChannel, requestID string, payload json.RawMessage) {
		var cmd control.StopProxyCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			_ = ch.Respond(requestID, control.Response{OK: false, Error: "bad command"})
			return
		}
		if err := c.opts.Commands.StopProxy(ctx, cmd); err != nil {
			_ = ch.Respond(requestID, control.Response{OK: false, Error: err.Error()})
			return
		}
		_ = ch.Respond(requestID, control.Response{OK: true})
	})

	ch.Handle(control.KindGetStatus, func(ctx context.Context, ch *control.ControlChannel, requestID string, payload json.RawMessage) {
		status, err := c.opts.Commands.Status(ctx)
		if err != nil {
			_ = ch.Respond(requestID, control.Response{OK: false, Error: err.Error()})
			return
		}
		data, _ := json.Marshal(status)
		_ = ch.Respond(requestID, control.Response{OK: true, Data: json.RawMessage(data)})
	})

	ch.Handle(control.KindGetClientLogs, func(ctx context.Context, ch *control.ControlChannel, requestID string, payload json.RawMessage) {
		var cmd control.GetClientLogsCommand
		if err := json.Unmarshal(payload, &cmd); err != nil {
			_ = ch.Respond(requestID, control.Response{OK: false, Error: "bad command"})
			return
		}
		logs, err := c.opts.Commands.ClientLogs(ctx, cmd)
		if err != nil {
			_ = ch.Respond(requestID, control.Response{OK: false, Error: err.Error()})
			return
		}
		_ = ch.Respond(requestID, control.Response{OK: true, Data: logs})
	})
}
