package node

import "golang.org/x/time/rate"

// NewSpeedLimiter builds the process-wide token-bucket cap shared by every
// bridged connection on a Node, from its configured bytes/sec ceiling. A
// non-positive bps means unlimited, returned as a nil *rate.Limiter so
// callers can skip the consult entirely on the hot path.
func NewSpeedLimiter(bps int64) *rate.Limiter {
	if bps <= 0 {
		return nil
	}
	burst := int(bps)
	if int64(burst) != bps {
		burst = int(^uint(0) >> 1) // bps overflowed int; fall back to max burst
	}
	return rate.NewLimiter(rate.Limit(bps), burst)
}
