package control

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrNoChannel is returned by Handle methods when no channel has been
// stored yet (e.g. before the first successful dial).
var ErrNoChannel = errors.New("control: no channel established")

// Handle is the shared replaceable channel reference: every
// downstream caller (auth provider, traffic aggregator, command
// dispatcher) holds the same *Handle across reconnects, while the
// reconnect loop atomically swaps in a fresh *ControlChannel underneath it.
// Requests already in flight against a superseded channel are left to
// time out on their own; Handle performs no replay.
type Handle struct {
	v atomic.Pointer[ControlChannel]
}

func NewHandle() *Handle {
	return &Handle{}
}

// Store installs ch as the current channel, visible to every subsequent
// Load/Call/Send.
func (h *Handle) Store(ch *ControlChannel) {
	h.v.Store(ch)
}

// Load returns the current channel, or nil if none has been established.
func (h *Handle) Load() *ControlChannel {
	return h.v.Load()
}

// Call snapshots the current channel and issues the RPC against it. Two
// concurrent Calls that straddle a Store race only on which channel they
// land on, never on each other's request/response correlation, since each
// ControlChannel owns an independent pending.Registry.
func (h *Handle) Call(ctx context.Context, kind Kind, payload any) (Response, error) {
	ch := h.Load()
	if ch == nil {
		return Response{}, ErrNoChannel
	}
	return ch.Call(ctx, kind, payload)
}

func (h *Handle) Send(kind Kind, payload any) error {
	ch := h.Load()
	if ch == nil {
		return ErrNoChannel
	}
	return ch.Send(kind, payload)
}
