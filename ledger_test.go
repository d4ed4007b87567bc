package pdfapi

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// testClock is a settable clock for ledger tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(start time.Time) *testClock {
	return &testClock{now: start}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testPlan = Plan{Name: "test", MonthlyLimit: 5, PerMinuteLimit: 3}

// ---------------------------------------------------------------------------
// TestLedger_Commit - Basic consumption
// ---------------------------------------------------------------------------

func TestLedger_Commit(t *testing.T) {
	t.Parallel()

	clock := newTestClock(time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC))
	l := newLedgerWithClock(clock.Now)
	plan := Plan{Name: "test", MonthlyLimit: 100, PerMinuteLimit: 0}

	for i := 1; i <= 3; i++ {
		verdict, stats := l.Commit("key:a", plan)
		if verdict != VerdictAllowed {
			t.Fatalf("Commit %d: verdict = %v, want allowed", i, verdict)
		}
		if stats.QuotaUsed != i {
			t.Errorf("Commit %d: QuotaUsed = %d, want %d", i, stats.QuotaUsed, i)
		}
	}
}

func TestLedger_Check_DoesNotConsume(t *testing.T) {
	t.Parallel()

	clock := newTestClock(time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC))
	l := newLedgerWithClock(clock.Now)

	for range 10 {
		verdict, _ := l.Check("key:a", testPlan)
		if verdict != VerdictAllowed {
			t.Fatalf("Check verdict = %v, want allowed", verdict)
		}
	}

	if got := l.Usage("key:a").QuotaUsed; got != 0 {
		t.Errorf("QuotaUsed after 10 checks = %d, want 0", got)
	}
}

func TestLedger_QuotaExceeded(t *testing.T) {
	t.Parallel()

	clock := newTestClock(time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC))
	l := newLedgerWithClock(clock.Now)
	plan := Plan{Name: "test", MonthlyLimit: 2, PerMinuteLimit: 0}

	for range 2 {
		if verdict, _ := l.Commit("key:a", plan); verdict != VerdictAllowed {
			t.Fatalf("verdict = %v, want allowed", verdict)
		}
	}

	verdict, stats := l.Commit("key:a", plan)
	if verdict != VerdictQuotaExceeded {
		t.Errorf("verdict = %v, want quota exceeded", verdict)
	}
	if stats.QuotaUsed != 2 {
		t.Errorf("QuotaUsed = %d, want 2 (rejection consumes nothing)", stats.QuotaUsed)
	}
}

func TestLedger_KeysAreIndependent(t *testing.T) {
	t.Parallel()

	clock := newTestClock(time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC))
	l := newLedgerWithClock(clock.Now)
	plan := Plan{Name: "test", MonthlyLimit: 1, PerMinuteLimit: 0}

	if verdict, _ := l.Commit("key:a", plan); verdict != VerdictAllowed {
		t.Fatal("first key should be allowed")
	}
	if verdict, _ := l.Commit("key:a", plan); verdict != VerdictQuotaExceeded {
		t.Error("first key should be exhausted")
	}
	if verdict, _ := l.Commit("key:b", plan); verdict != VerdictAllowed {
		t.Error("second key must not be affected by the first key's counters")
	}
}

// ---------------------------------------------------------------------------
// TestLedger_RateWindow - Sliding 60s window
// ---------------------------------------------------------------------------

func TestLedger_RateLimited(t *testing.T) {
	t.Parallel()

	clock := newTestClock(time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC))
	l := newLedgerWithClock(clock.Now)
	plan := Plan{Name: "test", MonthlyLimit: 0, PerMinuteLimit: 3}

	for range 3 {
		if verdict, _ := l.Commit("key:a", plan); verdict != VerdictAllowed {
			t.Fatalf("verdict = %v, want allowed", verdict)
		}
	}

	if verdict, _ := l.Commit("key:a", plan); verdict != VerdictRateLimited {
		t.Errorf("4th request in the window should be rate limited, got %v", verdict)
	}
}

func TestLedger_RateWindowSlides(t *testing.T) {
	t.Parallel()

	clock := newTestClock(time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC))
	l := newLedgerWithClock(clock.Now)
	plan := Plan{Name: "test", MonthlyLimit: 0, PerMinuteLimit: 2}

	l.Commit("key:a", plan)
	l.Commit("key:a", plan)
	if verdict, _ := l.Commit("key:a", plan); verdict != VerdictRateLimited {
		t.Fatal("window should be full")
	}

	// 30s on, the first two are still inside the trailing window.
	clock.Advance(30 * time.Second)
	if verdict, _ := l.Commit("key:a", plan); verdict != VerdictRateLimited {
		t.Error("requests 30s old must still count against the window")
	}

	// 61s after the first two, both have aged out.
	clock.Advance(31 * time.Second)
	if verdict, _ := l.Commit("key:a", plan); verdict != VerdictAllowed {
		t.Error("requests older than 60s must not count against the window")
	}
}

func TestLedger_RateBucketReuse(t *testing.T) {
	t.Parallel()

	clock := newTestClock(time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC))
	l := newLedgerWithClock(clock.Now)
	plan := Plan{Name: "test", MonthlyLimit: 0, PerMinuteLimit: 100}

	// Same second-of-minute slot, 60s apart: the ring bucket is reused
	// and must be zeroed, not accumulated.
	l.Commit("key:a", plan)
	clock.Advance(60 * time.Second)
	_, stats := l.Commit("key:a", plan)
	if stats.RateUsed != 1 {
		t.Errorf("RateUsed = %d, want 1 (stale bucket must be zeroed on reuse)", stats.RateUsed)
	}
}

// ---------------------------------------------------------------------------
// TestLedger_MonthlyRollover - Calendar month reset
// ---------------------------------------------------------------------------

func TestLedger_MonthlyRollover(t *testing.T) {
	t.Parallel()

	clock := newTestClock(time.Date(2026, 8, 31, 23, 59, 0, 0, time.UTC))
	l := newLedgerWithClock(clock.Now)
	plan := Plan{Name: "test", MonthlyLimit: 2, PerMinuteLimit: 0}

	l.Commit("key:a", plan)
	l.Commit("key:a", plan)
	if verdict, _ := l.Commit("key:a", plan); verdict != VerdictQuotaExceeded {
		t.Fatal("quota should be exhausted before rollover")
	}

	// Cross into September: the counter resets.
	clock.Advance(2 * time.Minute)
	verdict, stats := l.Commit("key:a", plan)
	if verdict != VerdictAllowed {
		t.Errorf("verdict after month boundary = %v, want allowed", verdict)
	}
	if stats.QuotaUsed != 1 {
		t.Errorf("QuotaUsed after rollover = %d, want 1", stats.QuotaUsed)
	}
}

func TestLedger_RolloverIsLazy(t *testing.T) {
	t.Parallel()

	clock := newTestClock(time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC))
	l := newLedgerWithClock(clock.Now)

	l.Commit("key:a", Plan{MonthlyLimit: 100})
	clock.Advance(45 * 24 * time.Hour) // mid-September

	stats := l.Usage("key:a")
	if stats.QuotaUsed != 0 {
		t.Errorf("QuotaUsed in the next month = %d, want 0", stats.QuotaUsed)
	}
}

// ---------------------------------------------------------------------------
// TestLedger_ConcurrentCommit - Exact limit under contention
// ---------------------------------------------------------------------------

func TestLedger_ConcurrentCommit_NeverOvershoots(t *testing.T) {
	t.Parallel()

	clock := newTestClock(time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC))
	l := newLedgerWithClock(clock.Now)
	plan := Plan{Name: "test", MonthlyLimit: 5, PerMinuteLimit: 0}

	const goroutines = 50
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			verdict, _ := l.Commit("key:contended", plan)
			if verdict == VerdictAllowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 5 {
		t.Errorf("allowed = %d, want exactly 5", allowed)
	}
	if got := l.Usage("key:contended").QuotaUsed; got != 5 {
		t.Errorf("QuotaUsed = %d, want 5", got)
	}
}

func TestLedger_ConcurrentDistinctKeys(t *testing.T) {
	t.Parallel()

	l := NewLedger()
	plan := Plan{Name: "test", MonthlyLimit: 10, PerMinuteLimit: 0}

	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("key:%d", i)
			for range 10 {
				l.Commit(key, plan)
			}
		}()
	}
	wg.Wait()

	for i := range 32 {
		key := fmt.Sprintf("key:%d", i)
		if got := l.Usage(key).QuotaUsed; got != 10 {
			t.Errorf("Usage(%s).QuotaUsed = %d, want 10", key, got)
		}
	}
}

// ---------------------------------------------------------------------------
// TestLedger_Snapshot - Persistence round trip
// ---------------------------------------------------------------------------

func TestLedger_SnapshotRestore(t *testing.T) {
	t.Parallel()

	clock := newTestClock(time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC))
	l := newLedgerWithClock(clock.Now)
	plan := Plan{MonthlyLimit: 100}

	for range 7 {
		l.Commit("key:a", plan)
	}
	l.Commit("key:b", plan)

	snap := l.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot() has %d entries, want 2", len(snap))
	}
	if snap["key:a"].Count != 7 {
		t.Errorf("snapshot count = %d, want 7", snap["key:a"].Count)
	}

	restored := newLedgerWithClock(clock.Now)
	restored.Restore(snap)
	if got := restored.Usage("key:a").QuotaUsed; got != 7 {
		t.Errorf("restored QuotaUsed = %d, want 7", got)
	}
}

func TestLedger_SnapshotSkipsIdleKeys(t *testing.T) {
	t.Parallel()

	l := NewLedger()
	l.Usage("key:idle") // creates an entry without consumption

	if snap := l.Snapshot(); len(snap) != 0 {
		t.Errorf("Snapshot() has %d entries, want 0", len(snap))
	}
}

func TestLedger_RestoreStaleMonthDropsOnRollover(t *testing.T) {
	t.Parallel()

	clock := newTestClock(time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC))
	l := newLedgerWithClock(clock.Now)

	// Snapshot taken in July: stale by the time it is restored.
	l.Restore(map[string]QuotaSnapshot{
		"key:a": {Count: 49, WindowStart: time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)},
	})

	if got := l.Usage("key:a").QuotaUsed; got != 0 {
		t.Errorf("QuotaUsed from stale snapshot = %d, want 0", got)
	}
}
