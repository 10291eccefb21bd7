package controller

import (
	"testing"
	"time"

	"rfrp/internal/model"
)

const mib = 1 << 20

func newQuotaStore() *MemStore {
	store := NewMemStore()
	store.Seed(
		[]model.Node{{ID: 1, Name: "edge-1", Secret: "s", Protocol: model.ProtocolQUIC, TunnelListenPort: 17000}},
		[]model.Client{
			{ID: 7, Name: "c7", OwningUserID: 1, AssignedNodeIDs: []int64{1}, IsOnline: true},
			{ID: 8, Name: "c8", OwningUserID: 1, AssignedNodeIDs: []int64{1}, IsOnline: true},
		},
		[]model.User{{ID: 1, QuotaGB: 1.0 / 1024}}, // 1 MiB quota
		[]model.Proxy{{ID: 42, ClientID: 7, NodeID: 1, Type: model.ProxyTCP, RemotePort: 19000, Enabled: true}},
		map[string]int64{"tok-7": 7, "tok-8": 8},
	)
	return store
}

// TestQuotaExceededMarksUserAndClients: crossing
// the quota flags the user and forces every owned client offline.
func TestQuotaExceededMarksUserAndClients(t *testing.T) {
	store := newQuotaStore()
	ledger := NewTrafficLedger(store, nil, nil)

	ledger.IngestRecords([]model.TrafficRecord{
		{ProxyID: 42, ClientID: 7, BytesSent: mib, BytesReceived: mib / 2},
	})

	user, _ := store.User(1)
	if !user.IsTrafficExceeded {
		t.Fatal("user should be marked traffic-exceeded")
	}
	for _, id := range []int64{7, 8} {
		c, _ := store.Client(id)
		if !c.IsTrafficExceeded {
			t.Fatalf("client %d should be marked traffic-exceeded", id)
		}
		if c.IsOnline {
			t.Fatalf("client %d should be forced offline", id)
		}
	}
}

func TestUnderQuotaLeavesFlagsAlone(t *testing.T) {
	store := newQuotaStore()
	ledger := NewTrafficLedger(store, nil, nil)

	ledger.IngestRecords([]model.TrafficRecord{
		{ProxyID: 42, ClientID: 7, BytesSent: mib / 4},
	})

	user, _ := store.User(1)
	if user.IsTrafficExceeded {
		t.Fatal("user under quota must not be flagged")
	}
	c, _ := store.Client(7)
	if !c.IsOnline {
		t.Fatal("client must stay online under quota")
	}
}

// Duplicated batches (at-least-once redelivery) only over-count; the sum
// never shrinks.
func TestDuplicateBatchOnlyOvercounts(t *testing.T) {
	store := newQuotaStore()
	ledger := NewTrafficLedger(store, nil, nil)

	batch := []model.TrafficRecord{{ProxyID: 42, ClientID: 7, BytesSent: 100, BytesReceived: 10}}
	ledger.IngestRecords(batch)
	ledger.IngestRecords(batch)

	c, _ := store.Client(7)
	if c.BytesSent < 100 || c.BytesReceived < 10 {
		t.Fatalf("totals shrank: (%d,%d)", c.BytesSent, c.BytesReceived)
	}
	if c.BytesSent != 200 || c.BytesReceived != 20 {
		t.Fatalf("expected doubled totals, got (%d,%d)", c.BytesSent, c.BytesReceived)
	}
}

func TestDailyResetClearsUsageAtDateRollover(t *testing.T) {
	store := newQuotaStore()
	store.mu.Lock()
	store.clients[7].ResetCycle = model.ResetDaily
	store.clients[7].LastReset = time.Date(2026, 8, 1, 23, 0, 0, 0, time.UTC)
	store.clients[7].BytesSent = 2 * mib
	store.clients[7].IsTrafficExceeded = true
	store.mu.Unlock()
	store.SetUserTrafficExceeded(1, true)

	ledger := NewTrafficLedger(store, nil, nil)
	ledger.nowFn = func() time.Time { return time.Date(2026, 8, 2, 1, 0, 0, 0, time.UTC) }

	ledger.IngestRecords([]model.TrafficRecord{{ProxyID: 42, ClientID: 7, BytesSent: 10}})

	c, _ := store.Client(7)
	if c.BytesSent >= 2*mib {
		t.Fatalf("usage should have reset at the date rollover, got %d", c.BytesSent)
	}
	if c.IsTrafficExceeded {
		t.Fatal("exceeded flag should clear on reset")
	}
	user, _ := store.User(1)
	if user.IsTrafficExceeded {
		t.Fatal("user flag should clear once usage is back under quota")
	}
}

func TestCrossedResetBoundary(t *testing.T) {
	utc := func(y int, m time.Month, d, h int) time.Time {
		return time.Date(y, m, d, h, 0, 0, 0, time.UTC)
	}
	cases := []struct {
		name      string
		cycle     model.ResetCycle
		lastReset time.Time
		now       time.Time
		want      bool
	}{
		{"daily rollover", model.ResetDaily, utc(2026, 8, 1, 23), utc(2026, 8, 2, 1), true},
		{"daily same day", model.ResetDaily, utc(2026, 8, 2, 1), utc(2026, 8, 2, 23), false},
		{"monthly rollover", model.ResetMonthly, utc(2026, 7, 31, 23), utc(2026, 8, 1, 0), true},
		{"monthly same month", model.ResetMonthly, utc(2026, 8, 1, 0), utc(2026, 8, 30, 0), false},
		{"monthly year rollover", model.ResetMonthly, utc(2025, 12, 15, 0), utc(2026, 1, 2, 0), true},
		{"none never resets", model.ResetNone, utc(2020, 1, 1, 0), utc(2026, 8, 2, 0), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := crossedResetBoundary(tc.cycle, tc.lastReset, tc.now); got != tc.want {
				t.Fatalf("crossedResetBoundary(%s, %v, %v) = %v, want %v", tc.cycle, tc.lastReset, tc.now, got, tc.want)
			}
		})
	}
}
