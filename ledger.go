package pdfapi

import (
	"hash/fnv"
	"sync"
	"time"
)

// Ledger window parameters.
const (
	// rateWindowSeconds is the span of the sliding rate window, tracked
	// as one bucket per second.
	rateWindowSeconds = 60

	// ledgerShardCount spreads unrelated keys across independent locks.
	// Must be a power of two.
	ledgerShardCount = 32
)

// Verdict is the outcome of a ledger check or commit.
type Verdict int

// Verdict values.
const (
	VerdictAllowed Verdict = iota
	VerdictQuotaExceeded
	VerdictRateLimited
)

// LedgerStats reports a key's counters at the time of a call.
type LedgerStats struct {
	QuotaUsed int
	RateUsed  int
}

// QuotaSnapshot is the durable form of a key's monthly counter, used
// for best-effort persistence across restarts.
type QuotaSnapshot struct {
	Count       int       `json:"count"`
	WindowStart time.Time `json:"window_start"`
}

// ledgerEntry holds one key's windows. All access goes through the
// owning shard's lock.
type ledgerEntry struct {
	quotaCount int
	quotaStart time.Time

	// Sliding 60-second window as a ring of per-second buckets. A
	// bucket is valid only while its stamp is within the trailing
	// window; stale buckets are zeroed before reuse.
	buckets [rateWindowSeconds]int
	stamps  [rateWindowSeconds]int64
}

// rollover lazily resets the monthly counter when the stored window
// start is in a prior calendar month. Idempotent.
func (e *ledgerEntry) rollover(now time.Time) {
	now = now.UTC()
	if e.quotaStart.IsZero() || e.quotaStart.Year() != now.Year() || e.quotaStart.Month() != now.Month() {
		e.quotaCount = 0
		e.quotaStart = monthStart(now)
	}
}

// rateSum counts requests in the trailing window.
func (e *ledgerEntry) rateSum(now time.Time) int {
	sec := now.Unix()
	total := 0
	for i := range e.buckets {
		if sec-e.stamps[i] < rateWindowSeconds {
			total += e.buckets[i]
		}
	}
	return total
}

// bump records one request in both windows.
func (e *ledgerEntry) bump(now time.Time) {
	sec := now.Unix()
	i := int(sec % rateWindowSeconds)
	if e.stamps[i] != sec {
		e.buckets[i] = 0
		e.stamps[i] = sec
	}
	e.buckets[i]++
	e.quotaCount++
}

type ledgerShard struct {
	mu      sync.Mutex
	entries map[string]*ledgerEntry
}

func (s *ledgerShard) entry(key string) *ledgerEntry {
	e, ok := s.entries[key]
	if !ok {
		e = &ledgerEntry{}
		s.entries[key] = e
	}
	return e
}

// Ledger tracks per-key monthly quota and per-minute rate counters.
// State is in-memory only; Snapshot/Restore provide best-effort
// persistence of the quota counters.
type Ledger struct {
	shards [ledgerShardCount]*ledgerShard
	now    func() time.Time
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return newLedgerWithClock(time.Now)
}

// newLedgerWithClock injects a clock for tests.
func newLedgerWithClock(now func() time.Time) *Ledger {
	l := &Ledger{now: now}
	for i := range l.shards {
		l.shards[i] = &ledgerShard{entries: make(map[string]*ledgerEntry)}
	}
	return l
}

func (l *Ledger) shard(key string) *ledgerShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return l.shards[h.Sum32()&(ledgerShardCount-1)]
}

// Check evaluates the key against the plan's limits without consuming
// capacity. Safe to call any number of times; the counters are not
// incremented.
func (l *Ledger) Check(key string, plan Plan) (Verdict, LedgerStats) {
	s := l.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return l.evaluate(s.entry(key), plan)
}

// Commit consumes one request if the key is still within its limits,
// re-validating under the shard lock so concurrent commits can never
// push a window past its limit. Returns the verdict and the counters
// after the commit (or at rejection time).
func (l *Ledger) Commit(key string, plan Plan) (Verdict, LedgerStats) {
	s := l.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(key)
	verdict, stats := l.evaluate(e, plan)
	if verdict != VerdictAllowed {
		return verdict, stats
	}
	now := l.now()
	e.bump(now)
	return VerdictAllowed, LedgerStats{QuotaUsed: e.quotaCount, RateUsed: e.rateSum(now)}
}

// evaluate applies rollover and checks both windows. Caller holds the
// shard lock.
func (l *Ledger) evaluate(e *ledgerEntry, plan Plan) (Verdict, LedgerStats) {
	now := l.now()
	e.rollover(now)
	stats := LedgerStats{QuotaUsed: e.quotaCount, RateUsed: e.rateSum(now)}
	if plan.MonthlyLimit > 0 && stats.QuotaUsed >= plan.MonthlyLimit {
		return VerdictQuotaExceeded, stats
	}
	if plan.PerMinuteLimit > 0 && stats.RateUsed >= plan.PerMinuteLimit {
		return VerdictRateLimited, stats
	}
	return VerdictAllowed, stats
}

// Usage returns the key's current counters without consuming capacity.
func (l *Ledger) Usage(key string) LedgerStats {
	s := l.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(key)
	now := l.now()
	e.rollover(now)
	return LedgerStats{QuotaUsed: e.quotaCount, RateUsed: e.rateSum(now)}
}

// Snapshot copies every key's monthly counter for persistence. Rate
// buckets are deliberately excluded: a sub-minute window is not worth
// surviving a restart.
func (l *Ledger) Snapshot() map[string]QuotaSnapshot {
	out := make(map[string]QuotaSnapshot)
	for _, s := range l.shards {
		s.mu.Lock()
		for key, e := range s.entries {
			if e.quotaCount == 0 {
				continue
			}
			out[key] = QuotaSnapshot{Count: e.quotaCount, WindowStart: e.quotaStart}
		}
		s.mu.Unlock()
	}
	return out
}

// Restore seeds monthly counters from a snapshot. Entries whose window
// started in a prior month are dropped by the next rollover.
func (l *Ledger) Restore(snap map[string]QuotaSnapshot) {
	for key, q := range snap {
		s := l.shard(key)
		s.mu.Lock()
		e := s.entry(key)
		e.quotaCount = q.Count
		e.quotaStart = q.WindowStart
		s.mu.Unlock()
	}
}
