package control

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"rfrp/internal/pending"
	"rfrp/internal/tunnel"
)

// maxEnvelopeSize bounds a single frame to guard against a corrupt length
// prefix turning into an unbounded allocation.
const maxEnvelopeSize = 4 << 20

var (
	errChannelClosed = errors.New("control: channel closed")
	// ErrNoHandler names the no-handler condition. Run does not return it:
	// an inbound envelope with no registered handler is logged and skipped.
	ErrNoHandler = errors.New("control: no handler registered")
)

// wireEnvelope is the JSON shape written to the stream. Payload stays
// encoded (json.RawMessage) on the receive side so dispatch can decode it
// into the concrete type its handler expects.
type wireEnvelope struct {
	Kind      Kind            `json:"kind"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// RequestHandler processes an inbound envelope of a registered Kind. For a
// request-style message it should eventually call ch.Respond(requestID,
// ...); for a push-style message (e.g. ProxyUpdate) there is nothing to
// respond to and requestID is empty.
type RequestHandler func(ctx context.Context, ch *ControlChannel, requestID string, payload json.RawMessage)

// ControlChannel is a long-lived bidirectional RPC stream
// layered over a single tunnel.Stream. Either side may initiate requests;
// KindResponse envelopes are correlated back to a waiting Call via
// RequestID through a pending.Registry.
type ControlChannel struct {
	stream tunnel.Stream
	logger *slog.Logger

	writeMu sync.Mutex

	pending *pending.Registry[Response]

	handlersMu sync.RWMutex
	handlers   map[Kind]RequestHandler

	closeOnce sync.Once
	done      chan struct{}
	closeErr  atomic.Value // error
}

func New(stream tunnel.Stream, logger *slog.Logger) *ControlChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &ControlChannel{
		stream:   stream,
		logger:   logger,
		pending:  pending.New[Response](),
		handlers: map[Kind]RequestHandler{},
		done:     make(chan struct{}),
	}
}

// Handle registers fn to process every inbound envelope of kind. Must be
// called before Run, or while Run is not yet dispatching that kind;
// registration itself is safe to call concurrently with Run.
func (c *ControlChannel) Handle(kind Kind, fn RequestHandler) {
	c.handlersMu.Lock()
	c.handlers[kind] = fn
	c.handlersMu.Unlock()
}

// Send writes a fire-and-forget envelope; there is no response correlation.
func (c *ControlChannel) Send(kind Kind, payload any) error {
	return c.send(kind, "", payload)
}

// Respond answers a request previously received with the given requestID.
func (c *ControlChannel) Respond(requestID string, resp Response) error {
	return c.send(KindResponse, requestID, resp)
}

// Call sends a request envelope and blocks for the matching KindResponse,
// or until ctx is done. Each call registers its own waiter in the
// channel's pending registry; a reconnect that replaces the
// channel leaves old waiters to time out independently.
func (c *ControlChannel) Call(ctx context.Context, kind Kind, payload any) (Response, error) {
	requestID, waiter := c.pending.Register()
	if err := c.send(kind, requestID, payload); err != nil {
		c.pending.Discard(requestID)
		return Response{}, err
	}
	resp, err := pending.Wait(ctx, waiter)
	if err != nil {
		c.pending.Discard(requestID)
		return Response{}, err
	}
	return resp, nil
}

func (c *ControlChannel) send(kind Kind, requestID string, payload any) error {
	select {
	case <-c.done:
		return errChannelClosed
	default:
	}

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("control: marshal %s payload: %w", kind, err)
		}
		raw = b
	}
	env := wireEnvelope{Kind: kind, RequestID: requestID, Payload: raw}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("control: marshal envelope: %w", err)
	}
	if len(body) > maxEnvelopeSize {
		return fmt.Errorf("control: envelope too large (%d bytes)", len(body))
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stream.Write(hdr[:]); err != nil {
		c.teardown(err)
		return err
	}
	if _, err := c.stream.Write(body); err != nil {
		c.teardown(err)
		return err
	}
	return nil
}

// Run reads envelopes until the stream errors or ctx is done, dispatching
// each to its registered handler (or completing a pending Call for
// KindResponse). It returns the terminal error, which is also exposed via
// CloseReason.
func (c *ControlChannel) Run(ctx context.Context) error {
	for {
		env, err := c.readEnvelope()
		if err != nil {
			c.teardown(err)
			return err
		}
		select {
		case <-ctx.Done():
			c.teardown(ctx.Err())
			return ctx.Err()
		default:
		}
		c.dispatch(ctx, env)
	}
}

func (c *ControlChannel) dispatch(ctx context.Context, env wireEnvelope) {
	if env.Kind == KindResponse {
		var resp Response
		if err := json.Unmarshal(env.Payload, &resp); err != nil {
			c.logger.Warn("control: malformed response payload", "err", err)
			return
		}
		c.pending.Complete(env.RequestID, resp)
		return
	}

	c.handlersMu.RLock()
	fn, ok := c.handlers[env.Kind]
	c.handlersMu.RUnlock()
	if !ok {
		c.logger.Warn("control: no handler for kind", "kind", env.Kind)
		return
	}
	fn(ctx, c, env.RequestID, env.Payload)
}

func (c *ControlChannel) readEnvelope() (wireEnvelope, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.stream, hdr[:]); err != nil {
		return wireEnvelope{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return wireEnvelope{}, nil
	}
	if n > maxEnvelopeSize {
		return wireEnvelope{}, fmt.Errorf("control: envelope too large (%d bytes)", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(c.stream, body); err != nil {
		return wireEnvelope{}, err
	}
	var env wireEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return wireEnvelope{}, fmt.Errorf("control: unmarshal envelope: %w", err)
	}
	return env, nil
}

// StartHeartbeat sends a heartbeat envelope every interval until ctx is
// done or a send fails, in which case onFailure is invoked once. A send
// failure on the heartbeat path is the canonical reconnect trigger; no
// reply is awaited here.
func (c *ControlChannel) StartHeartbeat(ctx context.Context, interval time.Duration, onFailure func(error)) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case <-t.C:
				if err := c.Send(KindHeartbeat, HeartbeatPing{}); err != nil {
					if onFailure != nil {
						onFailure(err)
					}
					return
				}
			}
		}
	}()
}

func (c *ControlChannel) teardown(err error) {
	c.closeOnce.Do(func() {
		if err != nil {
			c.closeErr.Store(err)
		}
		close(c.done)
		_ = c.stream.Close()
	})
}

// CloseReason returns the error that terminated the channel, or nil if it
// is still open or was closed cleanly.
func (c *ControlChannel) CloseReason() error {
	v := c.closeErr.Load()
	if v == nil {
		return nil
	}
	return v.(error)
}

func (c *ControlChannel) Close() error {
	c.teardown(nil)
	return nil
}

// Done is closed once the channel has torn down, for callers that want to
// select on channel death alongside other events.
func (c *ControlChannel) Done() <-chan struct{} {
	return c.done
}
