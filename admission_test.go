package pdfapi

import (
	"context"
	"errors"
	"testing"
	"time"
)

// staticResolver maps a fixed key set to plans.
type staticResolver map[string]Plan

func (r staticResolver) Resolve(_ context.Context, rawKey string) (Plan, string, error) {
	plan, ok := r[rawKey]
	if !ok {
		return Plan{}, "", ErrInvalidAPIKey
	}
	return plan, "id-" + rawKey, nil
}

func newTestAdmission(resolver PlanResolver) *Admission {
	clock := newTestClock(time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC))
	return NewAdmission(newLedgerWithClock(clock.Now), resolver)
}

// ---------------------------------------------------------------------------
// TestAdmit - Identity mapping
// ---------------------------------------------------------------------------

func TestAdmit_ValidKey(t *testing.T) {
	t.Parallel()

	a := newTestAdmission(staticResolver{"secret": PlanByName(PlanPro)})

	d, err := a.Admit(context.Background(), "secret", "1.2.3.4")
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if d.Plan.Name != PlanPro {
		t.Errorf("Plan.Name = %q, want %q", d.Plan.Name, PlanPro)
	}
	if d.LedgerKey != "key:id-secret" {
		t.Errorf("LedgerKey = %q, want key-scoped bucket", d.LedgerKey)
	}
	if d.QuotaUsed != 1 {
		t.Errorf("QuotaUsed = %d, want 1", d.QuotaUsed)
	}
}

func TestAdmit_MissingKeyFallsBackToFreeTier(t *testing.T) {
	t.Parallel()

	a := newTestAdmission(staticResolver{})

	d, err := a.Admit(context.Background(), "", "10.0.0.7")
	if err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if d.Plan.Name != PlanFree {
		t.Errorf("Plan.Name = %q, want %q", d.Plan.Name, PlanFree)
	}
	if d.LedgerKey != "ip:10.0.0.7" {
		t.Errorf("LedgerKey = %q, want IP-scoped bucket", d.LedgerKey)
	}
	if !d.Plan.ForcesWatermark {
		t.Error("free tier must carry the watermark flag")
	}
}

func TestAdmit_UnknownKeyRejected(t *testing.T) {
	t.Parallel()

	a := newTestAdmission(staticResolver{})

	d, err := a.Admit(context.Background(), "bogus", "1.2.3.4")
	if !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("Admit() error = %v, want ErrInvalidAPIKey", err)
	}
	if d != nil {
		t.Error("no decision should be issued for an invalid key")
	}
}

// ---------------------------------------------------------------------------
// TestAdmit - Rejection contract
// ---------------------------------------------------------------------------

func TestAdmit_QuotaExceededCarriesDecision(t *testing.T) {
	t.Parallel()

	plan := Plan{Name: "tiny", MonthlyLimit: 2, PerMinuteLimit: 0}
	a := newTestAdmission(staticResolver{"k": plan})

	for range 2 {
		if _, err := a.Admit(context.Background(), "k", ""); err != nil {
			t.Fatalf("Admit() error = %v", err)
		}
	}

	d, err := a.Admit(context.Background(), "k", "")
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("Admit() error = %v, want ErrQuotaExceeded", err)
	}
	if d == nil {
		t.Fatal("quota rejection must still return the decision")
	}
	if d.QuotaUsed != 2 {
		t.Errorf("QuotaUsed = %d, want 2", d.QuotaUsed)
	}
	if d.Reset.IsZero() {
		t.Error("Reset must be set on rejection")
	}
}

func TestAdmit_RateLimitedCarriesDecision(t *testing.T) {
	t.Parallel()

	plan := Plan{Name: "slow", MonthlyLimit: 0, PerMinuteLimit: 1}
	a := newTestAdmission(staticResolver{"k": plan})

	if _, err := a.Admit(context.Background(), "k", ""); err != nil {
		t.Fatalf("Admit() error = %v", err)
	}

	d, err := a.Admit(context.Background(), "k", "")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Admit() error = %v, want ErrRateLimited", err)
	}
	if d == nil || d.RateUsed != 1 {
		t.Errorf("decision = %+v, want RateUsed 1", d)
	}
}

func TestAdmit_RejectionConsumesNothing(t *testing.T) {
	t.Parallel()

	plan := Plan{Name: "tiny", MonthlyLimit: 1, PerMinuteLimit: 0}
	a := newTestAdmission(staticResolver{"k": plan})

	if _, err := a.Admit(context.Background(), "k", ""); err != nil {
		t.Fatalf("Admit() error = %v", err)
	}

	// Hammer the exhausted key; the counter must not move.
	for range 5 {
		if _, err := a.Admit(context.Background(), "k", ""); !errors.Is(err, ErrQuotaExceeded) {
			t.Fatalf("Admit() error = %v, want ErrQuotaExceeded", err)
		}
	}

	stats, err := a.Usage(context.Background(), "k", "")
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if stats.Used != 1 {
		t.Errorf("Used = %d, want 1 (rejections must not consume quota)", stats.Used)
	}
}

// ---------------------------------------------------------------------------
// TestUsage - Read-only reporting
// ---------------------------------------------------------------------------

func TestUsage_Idempotent(t *testing.T) {
	t.Parallel()

	a := newTestAdmission(staticResolver{"k": PlanByName(PlanStarter)})

	for range 3 {
		if _, err := a.Admit(context.Background(), "k", ""); err != nil {
			t.Fatalf("Admit() error = %v", err)
		}
	}

	first, err := a.Usage(context.Background(), "k", "")
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	second, err := a.Usage(context.Background(), "k", "")
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}

	if first.Used != 3 || second.Used != 3 {
		t.Errorf("Used = %d then %d, want 3 both times", first.Used, second.Used)
	}
	if first.Remaining != second.Remaining {
		t.Errorf("Remaining changed between reads: %d vs %d", first.Remaining, second.Remaining)
	}
}

func TestUsage_ReportsPlanLimits(t *testing.T) {
	t.Parallel()

	a := newTestAdmission(staticResolver{"k": PlanByName(PlanBusiness)})

	stats, err := a.Usage(context.Background(), "k", "")
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if stats.Plan != PlanBusiness {
		t.Errorf("Plan = %q, want %q", stats.Plan, PlanBusiness)
	}
	if stats.MonthlyLimit != 20000 {
		t.Errorf("MonthlyLimit = %d, want 20000", stats.MonthlyLimit)
	}
	if stats.Remaining != 20000 {
		t.Errorf("Remaining = %d, want 20000", stats.Remaining)
	}
}

func TestUsage_AnonymousCaller(t *testing.T) {
	t.Parallel()

	a := newTestAdmission(staticResolver{})

	if _, err := a.Admit(context.Background(), "", "10.0.0.9"); err != nil {
		t.Fatalf("Admit() error = %v", err)
	}

	stats, err := a.Usage(context.Background(), "", "10.0.0.9")
	if err != nil {
		t.Fatalf("Usage() error = %v", err)
	}
	if stats.Plan != PlanFree {
		t.Errorf("Plan = %q, want %q", stats.Plan, PlanFree)
	}
	if stats.Used != 1 {
		t.Errorf("Used = %d, want 1", stats.Used)
	}
}
