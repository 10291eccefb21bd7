package controller

import (
	"log/slog"
	"time"

	"rfrp/internal/model"
)

// TrafficLedger ingests TrafficReport batches from Nodes
// and enforces per-user quotas. The Controller MUST treat records as
// add-only deltas so that at-least-once delivery only ever over-counts,
// never corrupts, cumulative usage.
type TrafficLedger struct {
	store     Store
	commander *Commander
	logger    *slog.Logger

	nowFn func() time.Time // overridable in tests
}

func NewTrafficLedger(store Store, commander *Commander, logger *slog.Logger) *TrafficLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &TrafficLedger{store: store, commander: commander, logger: logger, nowFn: time.Now}
}

// IngestRecords applies a batch of deltas and then evaluates quota
// crossing for every affected user. Safe to call concurrently with itself
// for distinct record sets; ordering between flushes from different
// Nodes is not required; each flush is independent of the next.
func (l *TrafficLedger) IngestRecords(records []model.TrafficRecord) {
	touchedUsers := map[int64]struct{}{}

	for _, rec := range records {
		l.store.AddClientUsage(rec.ClientID, rec.BytesSent, rec.BytesReceived)

		client, ok := l.store.Client(rec.ClientID)
		if !ok {
			continue
		}
		if rec.UserID != nil {
			touchedUsers[*rec.UserID] = struct{}{}
		} else {
			touchedUsers[client.OwningUserID] = struct{}{}
		}
	}

	for userID := range touchedUsers {
		l.evaluateUser(userID)
	}
}

func (l *TrafficLedger) evaluateUser(userID int64) {
	user, ok := l.store.User(userID)
	if !ok {
		return
	}

	l.maybeResetUser(user)

	quota := quotaBytes(user.QuotaGB)
	if quota <= 0 {
		return
	}

	total := l.userUsageBytes(userID)
	if total < quota {
		if user.IsTrafficExceeded {
			l.store.SetUserTrafficExceeded(userID, false)
		}
		return
	}

	if user.IsTrafficExceeded {
		return // already enforced
	}

	l.logger.Warn("controller: user exceeded traffic quota", "user_id", userID, "total_bytes", total, "quota_bytes", quota)
	l.store.SetUserTrafficExceeded(userID, true)

	for _, clientID := range l.store.ClientsForUser(userID) {
		l.store.SetClientTrafficExceeded(clientID, true)
		l.store.SetClientOnline(clientID, false)
		if l.commander != nil {
			l.commander.StopAllClientProxies(clientID)
		}
	}
}

func (l *TrafficLedger) userUsageBytes(userID int64) int64 {
	var total int64
	for _, clientID := range l.store.ClientsForUser(userID) {
		if c, ok := l.store.Client(clientID); ok {
			total += c.BytesSent + c.BytesReceived
		}
	}
	return total
}

func quotaBytes(quotaGB float64) int64 {
	if quotaGB <= 0 {
		return 0
	}
	return int64(quotaGB * 1024 * 1024 * 1024)
}

// maybeResetUser rolls usage over at the reset-cycle boundary. Reset-cycle
// state (last_reset) lives on model.Client in this schema;
// since MemStore tracks usage per-client rather than per-user, resetting
// means zeroing each owned client's cumulative counters and clearing the
// exceeded flag, which is equivalent from the quota check's perspective.
func (l *TrafficLedger) maybeResetUser(user *model.User) {
	now := l.nowFn()
	for _, clientID := range l.store.ClientsForUser(user.ID) {
		client, ok := l.store.Client(clientID)
		if !ok {
			continue
		}
		if !crossedResetBoundary(client.ResetCycle, client.LastReset, now) {
			continue
		}
		l.resetClient(clientID, now)
	}
}

func (l *TrafficLedger) resetClient(clientID int64, now time.Time) {
	if ms, ok := l.store.(*MemStore); ok {
		ms.mu.Lock()
		if c, ok := ms.clients[clientID]; ok {
			c.BytesSent = 0
			c.BytesReceived = 0
			c.LastReset = now
			c.IsTrafficExceeded = false
		}
		ms.mu.Unlock()
	}
	l.store.SetClientTrafficExceeded(clientID, false)
}

// crossedResetBoundary reports whether now has moved past the next
// rollover point for cycle since lastReset.
func crossedResetBoundary(cycle model.ResetCycle, lastReset, now time.Time) bool {
	switch cycle {
	case model.ResetDaily:
		ly, lm, ld := lastReset.Date()
		ny, nm, nd := now.Date()
		return now.After(lastReset) && (ny != ly || nm != lm || nd != ld)
	case model.ResetMonthly:
		ly, lm, _ := lastReset.Date()
		ny, nm, _ := now.Date()
		return now.After(lastReset) && (ny != ly || nm != lm)
	case model.ResetNone, "":
		return false
	default:
		return false
	}
}
