package billing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BILLING SPLIT - Included vs overtime portion of one entry
// =============================================================================

// Split divides one logged entry into the part the pool covers and the
// part billed as overtime. PoolHours + OvertimeHours == logged hours.
type Split struct {
	PoolHours     decimal.Decimal
	OvertimeHours decimal.Decimal
}

// Classification returns timebank when the pool covered any of the entry
// and overtime when it covered nothing.
func (s Split) Classification() BillingType {
	if s.PoolHours.IsPositive() || s.OvertimeHours.IsZero() {
		return BillingTimebank
	}
	return BillingOvertime
}

// CalculateBillingWithSplit splits loggedHours against hoursRemainingInPool.
//
// A negative remaining balance (pool already exhausted) is treated as zero,
// making the entry pure overtime. The function does not update the pool;
// callers processing entries sequentially must re-derive the remaining
// balance after each split (see AllocateEntries) and must serialize the
// read-split-persist sequence per agreement.
func CalculateBillingWithSplit(loggedHours, hoursRemainingInPool decimal.Decimal) Split {
	if hoursRemainingInPool.GreaterThanOrEqual(loggedHours) {
		return Split{PoolHours: loggedHours, OvertimeHours: decimal.Zero}
	}
	pool := decimal.Max(decimal.Zero, hoursRemainingInPool)
	return Split{PoolHours: pool, OvertimeHours: loggedHours.Sub(pool)}
}

// MinuteSplit is the minute-based twin of Split used for duration display.
type MinuteSplit struct {
	PoolMinutes     int
	OvertimeMinutes int
}

// CalculateMinuteSplit applies the same rule as CalculateBillingWithSplit to
// whole minutes.
func CalculateMinuteSplit(loggedMinutes, remainingMinutes int) MinuteSplit {
	if remainingMinutes >= loggedMinutes {
		return MinuteSplit{PoolMinutes: loggedMinutes}
	}
	pool := max(0, remainingMinutes)
	return MinuteSplit{PoolMinutes: pool, OvertimeMinutes: loggedMinutes - pool}
}

// FormatMinutes renders a duration as "2h 05m".
func FormatMinutes(minutes int) string {
	sign := ""
	if minutes < 0 {
		sign = "-"
		minutes = -minutes
	}
	return fmt.Sprintf("%s%dh %02dm", sign, minutes/60, minutes%60)
}

// =============================================================================
// SEQUENTIAL ALLOCATION - Threading the pool through an ordered batch
// =============================================================================

// AllocateEntries splits each pool-consuming entry in order, carrying the
// remaining pool from one split to the next so no included hour is handed
// out twice. Entries of other classifications are returned unchanged.
// The returned balance is what is left after the last entry.
func AllocateEntries(entries []TimeEntry, hoursRemaining decimal.Decimal) ([]TimeEntry, decimal.Decimal) {
	out := make([]TimeEntry, len(entries))
	remaining := hoursRemaining
	for i, e := range entries {
		out[i] = e
		if !e.BillingType.ConsumesPool() {
			continue
		}
		s := CalculateBillingWithSplit(e.HoursOrZero(), remaining)
		out[i].ApplySplit(s)
		remaining = remaining.Sub(e.HoursOrZero())
	}
	return out, remaining
}
