package node

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"rfrp/internal/control"
)

type pipeStream struct {
	net.Conn
}

func (pipeStream) Finish() error { return nil }

// reportCollector accumulates TrafficReport batches arriving on the far end
// of a control channel pair.
type reportCollector struct {
	mu       sync.Mutex
	sent     map[int64]int64 // proxy id -> bytes
	received map[int64]int64
	batches  chan int
}

func newReportCollector() *reportCollector {
	return &reportCollector{
		sent:     map[int64]int64{},
		received: map[int64]int64{},
		batches:  make(chan int, 16),
	}
}

func (c *reportCollector) handler(_ context.Context, _ *control.ControlChannel, _ string, payload json.RawMessage) {
	var report control.TrafficReport
	if err := json.Unmarshal(payload, &report); err != nil {
		return
	}
	c.mu.Lock()
	for _, rec := range report.Records {
		c.sent[rec.ProxyID] += rec.BytesSent
		c.received[rec.ProxyID] += rec.BytesReceived
	}
	c.mu.Unlock()
	c.batches <- len(report.Records)
}

func (c *reportCollector) totals(proxyID int64) (int64, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[proxyID], c.received[proxyID]
}

func newAggregatorUnderTest(t *testing.T) (*TrafficAggregator, *reportCollector) {
	t.Helper()
	a, b := net.Pipe()
	left := control.New(pipeStream{a}, nil)
	right := control.New(pipeStream{b}, nil)

	collector := newReportCollector()
	right.Handle(control.KindTrafficReport, collector.handler)

	ctx, cancel := context.WithCancel(context.Background())
	go left.Run(ctx)
	go right.Run(ctx)
	t.Cleanup(func() {
		cancel()
		left.Close()
		right.Close()
	})

	handle := control.NewHandle()
	handle.Store(left)

	agg := NewTrafficAggregator(handle, nil)
	go agg.Run(ctx)
	return agg, collector
}

// TestAggregatorFlushSums checks the at-least-once bound: the sum reported to the
// Controller covers every recorded delta.
func TestAggregatorFlushSums(t *testing.T) {
	agg, collector := newAggregatorUnderTest(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sink := agg.Sink(42, 7, nil)
	var wantSent, wantReceived int64
	for i := 0; i < 50; i++ {
		sink.AddSent(100)
		sink.AddReceived(3)
		wantSent += 100
		wantReceived += 3
	}

	// FlushNow may race ahead of events still queued; later deltas ride the
	// next interval tick, so poll until the at-least bound is met.
	agg.FlushNow(ctx)
	waitForTotals(t, ctx, collector, 42, wantSent, wantReceived)
}

func waitForTotals(t *testing.T, ctx context.Context, collector *reportCollector, proxyID, wantSent, wantReceived int64) {
	t.Helper()
	for {
		sent, received := collector.totals(proxyID)
		if sent >= wantSent && received >= wantReceived {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("reported (%d,%d), want at least (%d,%d)", sent, received, wantSent, wantReceived)
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Exceeding the key ceiling must trigger an immediate flush without
// waiting for the interval tick.
func TestAggregatorFlushesOnKeyOverflow(t *testing.T) {
	agg, collector := newAggregatorUnderTest(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for i := int64(0); i <= maxKeysRemote; i++ {
		agg.Sink(i, 7, nil).AddSent(1)
	}

	select {
	case n := <-collector.batches:
		if n == 0 {
			t.Fatal("empty overflow batch")
		}
	case <-ctx.Done():
		t.Fatal("overflow did not trigger a flush before the interval tick")
	}
}

func TestAggregatorMergesPerKey(t *testing.T) {
	agg, collector := newAggregatorUnderTest(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sink := agg.Sink(9, 7, nil)
	sink.AddSent(5)
	sink.AddSent(5)
	sink.AddReceived(1)

	agg.FlushNow(ctx)
	waitForTotals(t, ctx, collector, 9, 10, 1)
}
