package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/time/rate"
)

// TrafficSink receives the byte counts for one finished bridged connection,
// for submission to a TrafficAggregator.
type TrafficSink interface {
	AddSent(n int64)
	AddReceived(n int64)
}

// BridgeOptions configures a Bridge. Limiter, when non-nil, is a
// process-wide token-bucket cap consulted before every write in both
// directions.
type BridgeOptions struct {
	BufferPool BufferPool
	Limiter    *rate.Limiter
	Traffic    TrafficSink
}

// Bridge pumps bytes between a local connection and a tunnel stream until
// either side reaches EOF or errors, tracking byte counts in both
// directions. "Sent" is local→tunnel, "received" is tunnel→local, matching
// the Node's accounting perspective.
type Bridge struct {
	opts BridgeOptions
}

func NewBridge(opts BridgeOptions) *Bridge {
	return &Bridge{opts: opts}
}

func (b *Bridge) buffer() []byte {
	if b.opts.BufferPool != nil {
		return b.opts.BufferPool.Get()
	}
	return make([]byte, 8*1024)
}

func (b *Bridge) putBuffer(buf []byte) {
	if b.opts.BufferPool != nil {
		b.opts.BufferPool.Put(buf)
	}
}

// Pump bridges local and tunnel until one side closes, then closes both and
// reports the accumulated byte counts to Traffic.
func (b *Bridge) Pump(ctx context.Context, local io.ReadWriteCloser, tunnel io.ReadWriteCloser) error {
	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	var sent, received int64

	wg.Add(2)
	go b.copyAndCount(ctx, tunnel, local, &sent, &wg, errCh)
	go b.copyAndCount(ctx, local, tunnel, &received, &wg, errCh)

	var result error
	select {
	case <-ctx.Done():
		result = ctx.Err()
	case err := <-errCh:
		result = err
	}

	local.Close()
	tunnel.Close()
	wg.Wait()

	if b.opts.Traffic != nil {
		if sent > 0 {
			b.opts.Traffic.AddSent(sent)
		}
		if received > 0 {
			b.opts.Traffic.AddReceived(received)
		}
	}
	return result
}

func (b *Bridge) copyAndCount(ctx context.Context, dst io.Writer, src io.Reader, counter *int64, wg *sync.WaitGroup, errCh chan<- error) {
	defer wg.Done()
	buf := b.buffer()
	defer b.putBuffer(buf)

	_, err := b.copyBuffer(ctx, dst, src, buf, counter)
	if err != nil && err != io.EOF && !errors.Is(err, net.ErrClosed) {
		errCh <- err
		return
	}
	errCh <- nil
}

// copyBuffer is io.CopyBuffer with an optional rate limit consulted before
// every write and a running byte counter.
func (b *Bridge) copyBuffer(ctx context.Context, dst io.Writer, src io.Reader, buf []byte, counter *int64) (int64, error) {
	var written int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			chunk := buf[:nr]
			if b.opts.Limiter != nil {
				if werr := waitTokens(ctx, b.opts.Limiter, nr); werr != nil {
					return written, werr
				}
			}
			nw, werr := dst.Write(chunk)
			written += int64(nw)
			*counter += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return written, nil
			}
			return written, rerr
		}
	}
}

// waitTokens blocks for enough tokens to send n bytes, chunked to the
// limiter's burst size if n exceeds it.
func waitTokens(ctx context.Context, lim *rate.Limiter, n int) error {
	burst := lim.Burst()
	if burst <= 0 {
		burst = n
	}
	for n > 0 {
		take := n
		if take > burst {
			take = burst
		}
		if err := lim.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}
