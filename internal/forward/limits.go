package forward

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/howard-nolan/llmrouter/internal/config"
	"github.com/howard-nolan/llmrouter/internal/ledger"
)

// rpmWindow is 60 seconds, per spec §4.6 and the boundary-behaviour test
// "RPM window rolls off after exactly 60s".
const rpmWindow = 60 * time.Second

// LimitState is the process-wide gate consulted once per request, after the
// ForwardPlan is built and before the first attempt. It holds:
//   - a sliding 60s window of request timestamps (RPM)
//   - a global in-flight counter (atomic — hot path, incremented/decremented
//     on every request)
//   - a per-session in-flight counter map (guarded by the same mutex as the
//     RPM window, since both need a consistent read at acquire time)
type LimitState struct {
	mu         sync.Mutex
	rpmWindow  []time.Time
	perSession map[string]int

	totalInFlight atomic.Int64

	ledger ledger.Sink
	now    func() time.Time
}

// NewLimitState constructs an empty LimitState backed by the given ledger
// for budget reads.
func NewLimitState(sink ledger.Sink) *LimitState {
	return &LimitState{
		perSession: make(map[string]int),
		ledger:     sink,
		now:        time.Now,
	}
}

// LimitGuard is returned by Acquire and must be released exactly once when
// the response (unary body or stream) finishes — regardless of success,
// error, or client disconnect — so the counters it holds open are freed.
type LimitGuard struct {
	state     *LimitState
	sessionID string
	released  atomic.Bool
}

// Release frees the concurrency counters this guard holds. Safe to call
// more than once; only the first call has an effect, matching the Drop-once
// semantics of the original guard.
func (g *LimitGuard) Release() {
	if !g.released.CompareAndSwap(false, true) {
		return
	}
	g.state.release(g.sessionID)
}

// Acquire checks the RPM window, concurrency counters, and budget, in that
// order, and either returns a guard or a *Error with Kind=RateLimited. A
// configured limit of 0 means "reject all" — an explicit disablement, not
// "unlimited" (spec §4.6 / §8 boundary behaviours).
func (s *LimitState) Acquire(sessionID string, limits config.Limits) (*LimitGuard, *Error) {
	if sessionID == "" {
		sessionID = "anonymous"
	}

	if err := s.checkRPM(limits.RPM); err != nil {
		return nil, err
	}
	if err := s.checkConcurrency(sessionID, limits.MaxConcurrent, limits.MaxConcurrentPerSession); err != nil {
		return nil, err
	}
	if err := s.checkBudgets(limits); err != nil {
		s.release(sessionID)
		return nil, err
	}

	return &LimitGuard{state: s, sessionID: sessionID}, nil
}

// WindowSize reports how many requests currently sit in the sliding 60s RPM
// window, pruning anything older first — used only to feed the RPM gauge,
// never a limiting decision itself.
func (s *LimitState) WindowSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rpmWindow = pruneBefore(s.rpmWindow, s.now().Add(-rpmWindow))
	return len(s.rpmWindow)
}

func (s *LimitState) checkRPM(rpm *int) *Error {
	if rpm == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-rpmWindow)
	s.rpmWindow = pruneBefore(s.rpmWindow, cutoff)

	if *rpm <= 0 || len(s.rpmWindow) >= *rpm {
		return NewError(KindRateLimited, "request-per-minute limit exceeded")
	}

	s.rpmWindow = append(s.rpmWindow, s.now())
	return nil
}

func pruneBefore(window []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(window) && window[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return window
	}
	return append([]time.Time{}, window[i:]...)
}

func (s *LimitState) checkConcurrency(sessionID string, maxTotal, maxPerSession *int) *Error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if maxTotal != nil {
		if *maxTotal <= 0 || int(s.totalInFlight.Load()) >= *maxTotal {
			return NewError(KindRateLimited, "concurrency limit exceeded")
		}
	}
	if maxPerSession != nil {
		if *maxPerSession <= 0 || s.perSession[sessionID] >= *maxPerSession {
			return NewError(KindRateLimited, "per-session concurrency limit exceeded")
		}
	}

	s.totalInFlight.Add(1)
	s.perSession[sessionID]++
	return nil
}

func (s *LimitState) checkBudgets(limits config.Limits) *Error {
	checks := []struct {
		limit *float64
		r     ledger.Range
	}{
		{limits.BudgetDailyUSD, ledger.RangeDaily},
		{limits.BudgetWeeklyUSD, ledger.RangeWeekly},
		{limits.BudgetMonthlyUSD, ledger.RangeMonthly},
	}

	for _, c := range checks {
		if c.limit == nil {
			continue
		}
		if *c.limit <= 0 {
			return NewError(KindRateLimited, "budget limit exceeded")
		}
		summary, err := s.ledger.SummaryForRange(c.r)
		if err != nil {
			continue
		}
		if summary.CostUSD >= *c.limit {
			return NewError(KindRateLimited, "budget limit exceeded")
		}
	}
	return nil
}

func (s *LimitState) release(sessionID string) {
	s.totalInFlight.Add(-1)

	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.perSession[sessionID]; ok {
		if n <= 1 {
			delete(s.perSession, sessionID)
		} else {
			s.perSession[sessionID] = n - 1
		}
	}
}
