package wallet

import (
	"errors"
	"sync"
	"time"

	"github.com/nostrmcp/bridge"
)

// ErrAmountExceedsLimit is returned by BudgetManager.CanSpend when a single
// payment exceeds the configured per-payment cap. The rate-limit and hourly
// budget cases reuse bridge.ErrRateLimitExceeded/bridge.ErrBudgetExceeded
// rather than declaring their own sentinels here, since they are the same
// condition the payments middleware already names.
var ErrAmountExceedsLimit = errors.New("payment amount exceeds configured per-payment limit")

// RateLimits bounds how often and how much this client's payments wrapper
// (spec §4.Q) may spend.
type RateLimits struct {
	MaxPaymentsPerMinute int
	MaxAmountMsatsPerHour int64
}

type paymentRecord struct {
	timestamp time.Time
	amountMsats int64
	pmi       string
}

// BudgetManager enforces a per-payment cap and an hourly/per-minute rate
// limit over the client payments wrapper's outgoing settlements (spec §12
// Supplemented Features: client-side spend budget, adapted from the
// teacher's EVM-token BudgetManager to Lightning millisatoshi amounts).
type BudgetManager struct {
	mu                  sync.Mutex
	maxPaymentMsats     int64
	rateLimits          *RateLimits

	payments        []paymentRecord
	hourlySpent     int64
	hourlyResetTime time.Time
	minuteCount     int
	minuteResetTime time.Time
}

// NewBudgetManager builds a manager. maxPaymentMsats <= 0 means no
// per-payment cap; rateLimits nil means no rate limiting.
func NewBudgetManager(maxPaymentMsats int64, rateLimits *RateLimits) *BudgetManager {
	now := time.Now()
	return &BudgetManager{
		maxPaymentMsats: maxPaymentMsats,
		rateLimits:      rateLimits,
		hourlyResetTime: now.Add(time.Hour),
		minuteResetTime: now.Add(time.Minute),
	}
}

// CanSpend reports whether a payment of amountMsats for pmi is within
// budget, without recording it.
func (bm *BudgetManager) CanSpend(amountMsats int64, pmi string) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	now := time.Now()

	if bm.maxPaymentMsats > 0 && amountMsats > bm.maxPaymentMsats {
		return ErrAmountExceedsLimit
	}

	if bm.rateLimits == nil {
		return nil
	}

	if !now.Before(bm.hourlyResetTime) {
		bm.hourlySpent = 0
		bm.hourlyResetTime = now.Add(time.Hour)
	}
	if !now.Before(bm.minuteResetTime) {
		bm.minuteCount = 0
		bm.minuteResetTime = now.Add(time.Minute)
	}

	if bm.rateLimits.MaxPaymentsPerMinute > 0 && bm.minuteCount >= bm.rateLimits.MaxPaymentsPerMinute {
		return bridge.ErrRateLimitExceeded
	}
	if bm.rateLimits.MaxAmountMsatsPerHour > 0 && bm.hourlySpent+amountMsats > bm.rateLimits.MaxAmountMsatsPerHour {
		return bridge.ErrBudgetExceeded
	}
	return nil
}

// RecordPayment records a settled payment against the rolling counters.
func (bm *BudgetManager) RecordPayment(amountMsats int64, pmi string) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	now := time.Now()
	bm.payments = append(bm.payments, paymentRecord{timestamp: now, amountMsats: amountMsats, pmi: pmi})
	if bm.rateLimits != nil {
		bm.minuteCount++
		bm.hourlySpent += amountMsats
	}

	cutoff := now.Add(-24 * time.Hour)
	for i, p := range bm.payments {
		if p.timestamp.After(cutoff) {
			bm.payments = bm.payments[i:]
			break
		}
	}
}

// BudgetMetrics is a point-in-time snapshot of BudgetManager's counters.
type BudgetMetrics struct {
	TotalSpentMsats  int64
	HourlySpentMsats int64
	PaymentCount     int
	MinuteCount      int
}

// AsPolicy adapts CanSpend into a bridge.PaymentPolicy for
// NewClientPaymentsWrapper: a payment_required notification is accepted only
// if it clears the configured budget, and accepted payments are recorded
// against it. Handler-level CanHandle checks still run first.
func (bm *BudgetManager) AsPolicy() bridge.PaymentPolicy {
	return func(req bridge.PaymentHandleRequest) bool {
		if err := bm.CanSpend(req.AmountMsats, req.PMI); err != nil {
			return false
		}
		bm.RecordPayment(req.AmountMsats, req.PMI)
		return true
	}
}

// GetMetrics returns the current spending metrics.
func (bm *BudgetManager) GetMetrics() BudgetMetrics {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	var total int64
	for _, p := range bm.payments {
		total += p.amountMsats
	}
	return BudgetMetrics{
		TotalSpentMsats:  total,
		HourlySpentMsats: bm.hourlySpent,
		PaymentCount:     len(bm.payments),
		MinuteCount:      bm.minuteCount,
	}
}
