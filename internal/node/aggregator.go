package node

import (
	"context"
	"log/slog"
	"time"

	"rfrp/internal/control"
	"rfrp/internal/model"
)

// Flush tuning: the buffer drains every 5 s, or immediately once more
// than 100 distinct keys accumulate. A Node always reports upstream; it
// never writes usage to a database of its own.
const (
	flushInterval  = 5 * time.Second
	maxKeysRemote  = 100
	eventQueueSize = 10000
)

type trafficKey struct {
	ProxyID  int64
	ClientID int64
	UserID   int64
	HasUser  bool
}

// TrafficAggregator is the Node-side in-memory traffic accumulator:
// a single background task owns the accumulation map; producers (bridging
// goroutines) submit deltas over a bounded channel. Flushing reports the
// accumulated deltas to the Controller via the Node's ControlChannel
// handle; delivery is best-effort at-least-once.
type TrafficAggregator struct {
	handle *control.Handle
	logger *slog.Logger

	events chan model.TrafficRecord
	flush  chan chan struct{}
}

func NewTrafficAggregator(handle *control.Handle, logger *slog.Logger) *TrafficAggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &TrafficAggregator{
		handle: handle,
		logger: logger,
		events: make(chan model.TrafficRecord, eventQueueSize),
		flush:  make(chan chan struct{}),
	}
}

// Sink returns a proxy.TrafficSink scoped to one (proxy, client, user)
// triple, for a single bridged connection to report its byte counts into.
func (a *TrafficAggregator) Sink(proxyID, clientID int64, userID *int64) *RecordSink {
	return &RecordSink{agg: a, proxyID: proxyID, clientID: clientID, userID: userID}
}

// RecordSink adapts one connection's byte counters into TrafficAggregator
// events; it satisfies proxy.TrafficSink's AddSent/AddReceived shape, and
// node.ProxyListenerManager hands it to the proxy.Bridge it constructs.
type RecordSink struct {
	agg                *TrafficAggregator
	proxyID, clientID  int64
	userID             *int64
}

func (s *RecordSink) AddSent(n int64) {
	s.agg.record(s.proxyID, s.clientID, s.userID, n, 0)
}

func (s *RecordSink) AddReceived(n int64) {
	s.agg.record(s.proxyID, s.clientID, s.userID, 0, n)
}

func (a *TrafficAggregator) record(proxyID, clientID int64, userID *int64, sent, received int64) {
	rec := model.TrafficRecord{ProxyID: proxyID, ClientID: clientID, UserID: userID, BytesSent: sent, BytesReceived: received}
	a.events <- rec
}

// Run owns the accumulation map exclusively; no external locking. It runs
// until ctx is done, at which point it
// performs one best-effort final flush.
func (a *TrafficAggregator) Run(ctx context.Context) {
	acc := map[trafficKey]*model.TrafficRecord{}
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	merge := func(rec model.TrafficRecord) {
		key := trafficKey{ProxyID: rec.ProxyID, ClientID: rec.ClientID}
		if rec.UserID != nil {
			key.UserID = *rec.UserID
			key.HasUser = true
		}
		cur, ok := acc[key]
		if !ok {
			cp := rec
			acc[key] = &cp
			return
		}
		cur.BytesSent += rec.BytesSent
		cur.BytesReceived += rec.BytesReceived
	}

	drain := func() []model.TrafficRecord {
		if len(acc) == 0 {
			return nil
		}
		out := make([]model.TrafficRecord, 0, len(acc))
		for _, rec := range acc {
			out = append(out, *rec)
		}
		acc = map[trafficKey]*model.TrafficRecord{}
		return out
	}

	for {
		select {
		case <-ctx.Done():
			if recs := drain(); len(recs) > 0 {
				a.send(recs)
			}
			return

		case rec := <-a.events:
			merge(rec)
			if len(acc) > maxKeysRemote {
				if recs := drain(); len(recs) > 0 {
					a.send(recs)
				}
			}

		case <-ticker.C:
			if recs := drain(); len(recs) > 0 {
				a.send(recs)
			}

		case done := <-a.flush:
			if recs := drain(); len(recs) > 0 {
				a.send(recs)
			}
			close(done)
		}
	}
}

// FlushNow forces an out-of-band flush and blocks until it completes; used
// by tests and by graceful-shutdown paths that want a synchronous drain.
func (a *TrafficAggregator) FlushNow(ctx context.Context) {
	done := make(chan struct{})
	select {
	case a.flush <- done:
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (a *TrafficAggregator) send(records []model.TrafficRecord) {
	if err := a.handle.Send(control.KindTrafficReport, control.TrafficReport{Records: records}); err != nil {
		a.logger.Warn("node: traffic report flush failed", "records", len(records), "err", err)
	}
}
