package pdfapi

import (
	"context"
	"fmt"
	"time"
)

// PlanResolver looks up the plan tier for a raw API key. Implementations
// return ErrInvalidAPIKey (possibly wrapped) when the key is unknown or
// revoked. keyID is a stable identifier for ledger bucketing that does
// not expose the raw key.
type PlanResolver interface {
	Resolve(ctx context.Context, rawKey string) (plan Plan, keyID string, err error)
}

// PlanResolverFunc adapts a function to the PlanResolver interface.
type PlanResolverFunc func(ctx context.Context, rawKey string) (Plan, string, error)

// Resolve calls f.
func (f PlanResolverFunc) Resolve(ctx context.Context, rawKey string) (Plan, string, error) {
	return f(ctx, rawKey)
}

// Decision is the outcome of admitting a request. On quota and rate
// rejections the decision is still returned alongside the error so the
// caller can report the counters that caused the rejection.
type Decision struct {
	Plan      Plan
	LedgerKey string
	QuotaUsed int
	RateUsed  int
	Reset     time.Time
}

// Admission gates requests on quota and rate policy before any
// rendering resource is touched. It never talks to the worker pool; an
// admitted request may still be rejected later by pool saturation.
type Admission struct {
	ledger   *Ledger
	resolver PlanResolver
}

// NewAdmission creates an admission controller over the given ledger.
func NewAdmission(ledger *Ledger, resolver PlanResolver) *Admission {
	return &Admission{ledger: ledger, resolver: resolver}
}

// Admit resolves the caller's plan and consumes one request from its
// windows. A missing key falls back to the free tier bucketed by the
// caller's IP, so anonymous use stays rate-limited without being
// blocked outright. A key that is present but unknown is rejected with
// ErrInvalidAPIKey.
func (a *Admission) Admit(ctx context.Context, rawKey, clientIP string) (*Decision, error) {
	plan, ledgerKey, err := a.identify(ctx, rawKey, clientIP)
	if err != nil {
		return nil, err
	}

	// Advisory check first: a rejection here consumes nothing.
	verdict, stats := a.ledger.Check(ledgerKey, plan)
	if verdict == VerdictAllowed {
		// Commit re-validates under the shard lock, so two concurrent
		// requests for the same key cannot both take the last slot.
		verdict, stats = a.ledger.Commit(ledgerKey, plan)
	}

	d := &Decision{
		Plan:      plan,
		LedgerKey: ledgerKey,
		QuotaUsed: stats.QuotaUsed,
		RateUsed:  stats.RateUsed,
		Reset:     nextMonthStart(time.Now()),
	}
	switch verdict {
	case VerdictQuotaExceeded:
		return d, ErrQuotaExceeded
	case VerdictRateLimited:
		return d, ErrRateLimited
	}
	return d, nil
}

// Usage reports the caller's counters without consuming capacity.
// Calling it twice with no intervening requests returns identical
// numbers.
func (a *Admission) Usage(ctx context.Context, rawKey, clientIP string) (*UsageStats, error) {
	plan, ledgerKey, err := a.identify(ctx, rawKey, clientIP)
	if err != nil {
		return nil, err
	}
	stats := a.ledger.Usage(ledgerKey)
	return &UsageStats{
		Used:          stats.QuotaUsed,
		Remaining:     max(0, plan.MonthlyLimit-stats.QuotaUsed),
		MonthlyLimit:  plan.MonthlyLimit,
		RateRemaining: max(0, plan.PerMinuteLimit-stats.RateUsed),
		Plan:          plan.Name,
		ResetDate:     nextMonthStart(time.Now()),
	}, nil
}

// identify maps the caller to a plan and a ledger key.
func (a *Admission) identify(ctx context.Context, rawKey, clientIP string) (Plan, string, error) {
	if rawKey == "" {
		ip := clientIP
		if ip == "" {
			ip = "unknown"
		}
		return PlanByName(PlanFree), "ip:" + ip, nil
	}
	plan, keyID, err := a.resolver.Resolve(ctx, rawKey)
	if err != nil {
		return Plan{}, "", fmt.Errorf("resolving plan: %w", err)
	}
	return plan, "key:" + keyID, nil
}
