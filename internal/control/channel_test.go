package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"
)

// pipeStream adapts a net.Conn half to tunnel.Stream for tests: Finish is a
// no-op since net.Pipe has no half-close, matching how stream tests in
// internal/tunnel stand in for a real transport stream.
type pipeStream struct {
	net.Conn
}

func (pipeStream) Finish() error { return nil }

func newChannelPair(t *testing.T) (*ControlChannel, *ControlChannel) {
	t.Helper()
	a, b := net.Pipe()
	left := New(pipeStream{a}, nil)
	right := New(pipeStream{b}, nil)
	t.Cleanup(func() {
		left.Close()
		right.Close()
	})
	return left, right
}

func runBoth(ctx context.Context, a, b *ControlChannel) {
	go a.Run(ctx)
	go b.Run(ctx)
}

func TestCallResponseRoundTrip(t *testing.T) {
	left, right := newChannelPair(t)

	right.Handle(KindValidateTokenRequest, func(ctx context.Context, ch *ControlChannel, requestID string, payload json.RawMessage) {
		var req ValidateTokenRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			t.Errorf("unmarshal request: %v", err)
			return
		}
		resp := ValidateTokenResponse{ClientID: 42, ClientName: "c1", Allowed: req.Token == "good"}
		data, _ := json.Marshal(resp)
		_ = ch.Respond(requestID, Response{OK: true, Data: json.RawMessage(data)})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	runBoth(ctx, left, right)

	resp, err := left.Call(ctx, KindValidateTokenRequest, ValidateTokenRequest{Token: "good"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !resp.OK {
		t.Fatalf("expected OK response, got %+v", resp)
	}

	var got ValidateTokenResponse
	raw, ok := resp.Data.(json.RawMessage)
	if !ok {
		// Data decoded from the wire is a generic JSON value (a map for an
		// object), not json.RawMessage; re-marshal it to get the raw bytes.
		b, _ := json.Marshal(resp.Data)
		raw = b
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal response data: %v", err)
	}
	if got.ClientID != 42 || !got.Allowed {
		t.Fatalf("unexpected response payload: %+v", got)
	}
}

func TestPushWithoutResponse(t *testing.T) {
	left, right := newChannelPair(t)

	received := make(chan ProxyUpdate, 1)
	right.Handle(KindProxyUpdate, func(ctx context.Context, ch *ControlChannel, requestID string, payload json.RawMessage) {
		var update ProxyUpdate
		if err := json.Unmarshal(payload, &update); err != nil {
			t.Errorf("unmarshal push: %v", err)
			return
		}
		received <- update
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	runBoth(ctx, left, right)

	if err := left.Send(KindProxyUpdate, ProxyUpdate{ClientID: 7, ClientName: "n"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case update := <-received:
		if update.ClientID != 7 {
			t.Fatalf("unexpected client id %d", update.ClientID)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for push")
	}
}

// TestHotSwapSafety: ten concurrent RPCs issued through a Handle complete
// on the first channel, the Handle is re-pointed with Store, and ten more
// concurrent RPCs complete on the second channel. Every pre-swap call has
// returned before the Store, so no call is outstanding across the swap.
func TestHotSwapSafety(t *testing.T) {
	h := NewHandle()

	left1, right1 := newChannelPair(t)
	echoHandler := func(ctx context.Context, ch *ControlChannel, requestID string, payload json.RawMessage) {
		_ = ch.Respond(requestID, Response{OK: true, Data: json.RawMessage(payload)})
	}
	right1.Handle(KindHeartbeat, echoHandler)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	runBoth(ctx, left1, right1)
	h.Store(left1)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.Call(ctx, KindHeartbeat, HeartbeatPing{})
			if err != nil {
				errs <- fmt.Errorf("pre-swap call %d: %w", i, err)
			}
		}(i)
	}
	wg.Wait()

	left2, right2 := newChannelPair(t)
	right2.Handle(KindHeartbeat, echoHandler)
	runBoth(ctx, left2, right2)
	h.Store(left2)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.Call(ctx, KindHeartbeat, HeartbeatPing{})
			if err != nil {
				errs <- fmt.Errorf("post-swap call %d: %w", i, err)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}

	if h.Load() != left2 {
		t.Fatalf("handle did not retain the latest stored channel")
	}
}

func TestHandleWithNoChannelReturnsErrNoChannel(t *testing.T) {
	h := NewHandle()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := h.Call(ctx, KindHeartbeat, HeartbeatPing{}); err != ErrNoChannel {
		t.Fatalf("expected ErrNoChannel, got %v", err)
	}
}
