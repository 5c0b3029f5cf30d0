package entitlement

import (
	"time"

	"github.com/shopspring/decimal"
)

// ExtendFrom computes a new expiry for one payment: the package duration is
// added from whichever is later, the prior expiry or the payment time. Early
// renewals keep remaining time; lapsed entitlements restart from the payment.
// Pure so that expiry recomputation can replay payment history through it.
func ExtendFrom(prior *time.Time, paidAt time.Time, duration time.Duration) time.Time {
	base := paidAt
	if prior != nil && prior.After(paidAt) {
		base = *prior
	}
	return base.Add(duration)
}

// ProratedCharge is the mid-cycle upgrade price: the price delta scaled by
// the fraction of the billing period still remaining, rounded up to the next
// whole currency unit so proration never under-bills.
func ProratedCharge(currentPrice, targetPrice int64, remaining, period time.Duration) int64 {
	if remaining <= 0 || period <= 0 {
		return targetPrice - currentPrice
	}
	if remaining > period {
		remaining = period
	}
	delta := decimal.NewFromInt(targetPrice - currentPrice)
	ratio := decimal.NewFromInt(int64(remaining.Seconds())).
		Div(decimal.NewFromInt(int64(period.Seconds())))
	return delta.Mul(ratio).Ceil().IntPart()
}
