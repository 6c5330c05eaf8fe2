/*
timebank.go - Timebank pool consumption status

PURPOSE:
  Answers "how much of the pre-purchased pool has this customer used in the
  current period?" for a timebank agreement.

KEY INSIGHT:
  Status is computed for the agreement's CURRENT period only. Closed periods
  are never recalculated; their entries simply fall outside the window.

TWO PATHS, ONE RESULT:
  CalculateTimebankStatus:  sums raw time entries (authoritative)
  TimebankStatusFromView:   uses a pre-aggregated row from the store (fast)

  Both go through newTimebankStatus, so the same underlying entries always
  produce identical numbers. ResolveTimebankStatus tries the view first and
  falls back to the raw entries when the view is missing or incomplete.

FORMULAS:
  hoursRemaining = max(0, included - used)
  overtimeHours  = max(0, used - included)
  percentUsed    = min(100, used / included * 100)
  isOvertime     = used > included

EXAMPLE:
  40h pool, 25h logged this month -> remaining 15, overtime 0, 62.5%
  40h pool, 55h logged this month -> remaining 0, overtime 15, 100%

SEE ALSO:
  - period.go: CurrentPeriod
  - split.go: consumes HoursRemaining
*/
package billing

import (
	"errors"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// HourScale is the number of decimal places hours and percentages are kept
// at. Both status paths normalise to it so their results compare identical.
const HourScale = 4

// StatusSource records which path produced a TimebankStatus.
type StatusSource string

const (
	SourceEntries StatusSource = "entries"
	SourceView    StatusSource = "view"
)

// TimebankStatus is a derived, never persisted, snapshot of pool consumption.
type TimebankStatus struct {
	AgreementID AgreementID
	Period      Period

	IncludedHours  decimal.Decimal
	HoursUsed      decimal.Decimal
	HoursRemaining decimal.Decimal
	OvertimeHours  decimal.Decimal
	PercentUsed    decimal.Decimal // capped at 100
	IsOvertime     bool

	Source StatusSource
}

// TimebankView is a pre-aggregated summary row for one agreement and period.
// Nil pointers mean the store could not provide the aggregate.
type TimebankView struct {
	AgreementID   AgreementID
	PeriodStart   Date
	IncludedHours *decimal.Decimal
	HoursUsed     *decimal.Decimal
	EntryCount    int
}

// =============================================================================
// RAW-ENTRY PATH
// =============================================================================

// CalculateTimebankStatus computes the current-period status from raw entries.
//
// Entries count when they belong to the agreement (or carry no agreement ID),
// are classified timebank or overtime, and fall inside the current period.
// Entries with null hours contribute zero.
func CalculateTimebankStatus(a Agreement, entries []TimeEntry, referenceDate Date) (TimebankStatus, error) {
	period, err := timebankPeriod(a, referenceDate)
	if err != nil {
		return TimebankStatus{}, err
	}

	used := decimal.Zero
	for _, e := range entries {
		if e.AgreementID != "" && e.AgreementID != a.ID {
			continue
		}
		if !e.BillingType.ConsumesPool() || !period.Contains(e.Date) {
			continue
		}
		used = used.Add(e.HoursOrZero())
	}

	status := newTimebankStatus(a.ID, period, a.IncludedHours.Decimal, used)
	status.Source = SourceEntries
	return status, nil
}

// =============================================================================
// VIEW PATH
// =============================================================================

// TimebankStatusFromView builds the status from an aggregate row. It returns
// ErrIncompleteView rather than a partial status when aggregates are absent
// or the row describes another period.
func TimebankStatusFromView(a Agreement, view *TimebankView, referenceDate Date) (TimebankStatus, error) {
	period, err := timebankPeriod(a, referenceDate)
	if err != nil {
		return TimebankStatus{}, err
	}
	if view == nil || view.HoursUsed == nil || view.IncludedHours == nil {
		return TimebankStatus{}, ErrIncompleteView
	}
	if view.AgreementID != a.ID || !view.PeriodStart.Equal(period.Start) {
		return TimebankStatus{}, ErrIncompleteView
	}

	status := newTimebankStatus(a.ID, period, *view.IncludedHours, *view.HoursUsed)
	status.Source = SourceView
	return status, nil
}

// ResolveTimebankStatus tries the aggregate view and falls back to the raw
// entries. Data gaps in the view are not errors: the slower path is correct.
func ResolveTimebankStatus(
	a Agreement,
	view *TimebankView,
	loadEntries func() ([]TimeEntry, error),
	referenceDate Date,
) (TimebankStatus, error) {
	status, err := TimebankStatusFromView(a, view, referenceDate)
	if err == nil {
		return status, nil
	}
	if !errors.Is(err, ErrIncompleteView) {
		return TimebankStatus{}, err
	}

	entries, err := loadEntries()
	if err != nil {
		return TimebankStatus{}, err
	}
	return CalculateTimebankStatus(a, entries, referenceDate)
}

// =============================================================================
// SHARED CONSTRUCTION
// =============================================================================

func timebankPeriod(a Agreement, referenceDate Date) (Period, error) {
	if a.Type != AgreementTimebank {
		return Period{}, ErrInvalidAgreementType
	}
	if err := a.Validate(); err != nil {
		return Period{}, err
	}
	return CurrentPeriod(a, referenceDate)
}

func newTimebankStatus(id AgreementID, period Period, included, used decimal.Decimal) TimebankStatus {
	included = included.Round(HourScale)
	used = used.Round(HourScale)
	remaining := decimal.Max(decimal.Zero, included.Sub(used))
	overtime := decimal.Max(decimal.Zero, used.Sub(included))

	percent := decimal.Zero
	if included.IsPositive() {
		percent = decimal.Min(hundred, used.Div(included).Mul(hundred))
	}
	percent = percent.Round(HourScale)

	return TimebankStatus{
		AgreementID:    id,
		Period:         period,
		IncludedHours:  included,
		HoursUsed:      used,
		HoursRemaining: remaining,
		OvertimeHours:  overtime,
		PercentUsed:    percent,
		IsOvertime:     used.GreaterThan(included),
	}
}
