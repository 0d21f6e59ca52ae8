package forward

import "sync"

// LatencyTracker remembers the most recently observed attempt latency per
// upstream — distinct from the on-demand live probe in internal/server's
// admin endpoints, this is a rolling value updated from real forwarded
// traffic (runUnaryAttempts, and time-to-first-byte for streaming calls).
type LatencyTracker struct {
	mu   sync.Mutex
	byID map[string]int64
}

// NewLatencyTracker constructs an empty tracker.
func NewLatencyTracker() *LatencyTracker {
	return &LatencyTracker{byID: make(map[string]int64)}
}

// Record stores ms as the latest observed latency for upstreamID.
func (t *LatencyTracker) Record(upstreamID string, ms int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[upstreamID] = ms
}

// Last returns the most recently recorded latency for upstreamID, if any
// attempt has ever completed against it.
func (t *LatencyTracker) Last(upstreamID string) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ms, ok := t.byID[upstreamID]
	return ms, ok
}
