// Package ledger is the usage-accounting sink the forward subsystem writes
// to on every successfully completed request, and the limit gate reads from
// to enforce budgets. It is an external collaborator by contract (spec
// §4.8) — this package supplies the default in-process implementation so
// the gateway runs standalone without a separate accounting service.
package ledger

import (
	"sync"
	"time"
)

// Range is one of the three budget windows the limit gate checks against.
type Range string

const (
	RangeDaily   Range = "daily"
	RangeWeekly  Range = "weekly"
	RangeMonthly Range = "monthly"
)

// Entry is one logged request.
type Entry struct {
	Time       time.Time
	Channel    string
	Tool       string
	Model      string
	Prompt     int64
	Completion int64
	Total      int64
	CostUSD    float64
	UpstreamID string
}

// Summary is the read-side aggregate the limit gate consults.
type Summary struct {
	Requests int64
	Tokens   int64
	CostUSD  float64
}

// Sink is the contract the forward subsystem depends on. LogUsage is never
// called for a failed request (see spec §7's propagation policy).
type Sink interface {
	LogUsage(channel, tool, model string, prompt, completion, total int64, costUSD float64, upstreamID string)
	SummaryForRange(r Range) (Summary, error)
}

// MemorySink is a process-local Sink backed by a mutex-guarded slice. It is
// the default wired into cmd/llmrouter; a persistent sink (a real database)
// can be swapped in behind the same Sink interface without touching the
// forward subsystem.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
	now     func() time.Time
}

// NewMemorySink constructs an empty in-process ledger.
func NewMemorySink() *MemorySink {
	return &MemorySink{now: time.Now}
}

// LogUsage records one completed request.
func (m *MemorySink) LogUsage(channel, tool, model string, prompt, completion, total int64, costUSD float64, upstreamID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, Entry{
		Time:       m.now(),
		Channel:    channel,
		Tool:       tool,
		Model:      model,
		Prompt:     prompt,
		Completion: completion,
		Total:      total,
		CostUSD:    costUSD,
		UpstreamID: upstreamID,
	})
}

// SummaryForRange aggregates every entry whose timestamp falls within the
// window ending now.
func (m *MemorySink) SummaryForRange(r Range) (Summary, error) {
	window, err := windowFor(r)
	if err != nil {
		return Summary{}, err
	}

	cutoff := m.now().Add(-window)

	m.mu.Lock()
	defer m.mu.Unlock()

	var s Summary
	for _, e := range m.entries {
		if e.Time.Before(cutoff) {
			continue
		}
		s.Requests++
		s.Tokens += e.Total
		s.CostUSD += e.CostUSD
	}
	return s, nil
}

// Entries returns a defensive copy of everything logged so far.
func (m *MemorySink) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

func windowFor(r Range) (time.Duration, error) {
	switch r {
	case RangeDaily:
		return 24 * time.Hour, nil
	case RangeWeekly:
		return 7 * 24 * time.Hour, nil
	case RangeMonthly:
		return 30 * 24 * time.Hour, nil
	default:
		return 0, errUnknownRange(r)
	}
}

type errUnknownRange Range

func (e errUnknownRange) Error() string { return "ledger: unknown range " + string(e) }
