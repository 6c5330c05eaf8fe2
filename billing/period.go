package billing

import "sort"

// =============================================================================
// PERIOD - The consumption window of a timebank or fixed agreement
// =============================================================================

// Period is an inclusive range of days [Start, End].
//
// Periods anchor to calendar boundaries:
//   - monthly: first to last day of the month
//   - yearly:  Jan 1 - Dec 31, regardless of the agreement's valid_from
type Period struct {
	Start Date
	End   Date
}

// Contains returns true if the date is within [Start, End].
func (p Period) Contains(d Date) bool {
	return d.AfterOrEqual(p.Start) && d.BeforeOrEqual(p.End)
}

func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}

// =============================================================================
// PERIOD CALCULATOR
// =============================================================================

// CurrentPeriodStart returns the first day of the agreement's period that
// contains referenceDate.
//
// Timebank and fixed agreements must carry a period. Hourly agreements
// without one are billed per calendar month.
func CurrentPeriodStart(a Agreement, referenceDate Date) (Date, error) {
	p, err := CurrentPeriod(a, referenceDate)
	if err != nil {
		return Date{}, err
	}
	return p.Start, nil
}

// CurrentPeriod returns the full period containing referenceDate.
func CurrentPeriod(a Agreement, referenceDate Date) (Period, error) {
	cadence := a.Period
	if cadence == PeriodNone {
		if a.RequiresPeriod() {
			return Period{}, &ValidationError{
				Field:  "period",
				Reason: string(a.Type) + " agreement requires a period",
				Err:    ErrPeriodRequired,
			}
		}
		cadence = PeriodMonthly
	}

	switch cadence {
	case PeriodMonthly:
		y, m := referenceDate.Year(), referenceDate.Month()
		return Period{Start: StartOfMonth(y, m), End: EndOfMonth(y, m)}, nil
	case PeriodYearly:
		y := referenceDate.Year()
		return Period{Start: StartOfYear(y), End: EndOfYear(y)}, nil
	default:
		return Period{}, &ValidationError{Field: "period", Reason: "unknown period " + string(cadence)}
	}
}

// =============================================================================
// INDEXATION - Scheduled contractual price adjustment
// =============================================================================

// IndexationAlert classifies an agreement's next indexation date.
type IndexationAlert string

const (
	IndexationNone    IndexationAlert = "none"
	IndexationWarning IndexationAlert = "warning" // Due within the warning window
	IndexationOverdue IndexationAlert = "overdue" // Date has passed without renewal
)

// IsIndexationWarningNeeded reports whether the next indexation falls within
// warningWindowDays of referenceDate. A past-due indexation is not a warning;
// see IsIndexationOverdue.
func IsIndexationWarningNeeded(a Agreement, referenceDate Date, warningWindowDays int) bool {
	if a.NextIndexation == nil || a.NextIndexation.IsZero() {
		return false
	}
	next := *a.NextIndexation
	if next.Before(referenceDate) {
		return false
	}
	return DaysBetween(referenceDate, next) <= warningWindowDays
}

// IsIndexationOverdue reports whether the next indexation date has passed.
func IsIndexationOverdue(a Agreement, referenceDate Date) bool {
	if a.NextIndexation == nil || a.NextIndexation.IsZero() {
		return false
	}
	return a.NextIndexation.Before(referenceDate)
}

// IndexationAlertFor classifies the agreement for the given reference date.
func IndexationAlertFor(a Agreement, referenceDate Date, warningWindowDays int) IndexationAlert {
	switch {
	case IsIndexationOverdue(a, referenceDate):
		return IndexationOverdue
	case IsIndexationWarningNeeded(a, referenceDate, warningWindowDays):
		return IndexationWarning
	default:
		return IndexationNone
	}
}

// IndexationNotice is an agreement that needs a price review.
type IndexationNotice struct {
	Agreement Agreement
	Alert     IndexationAlert
	DaysUntil int // negative when overdue
}

// IndexationNotices returns the warning and overdue notices for agreements
// active on referenceDate, most urgent first.
func IndexationNotices(agreements []Agreement, referenceDate Date, warningWindowDays int) []IndexationNotice {
	var notices []IndexationNotice
	for _, a := range agreements {
		if !a.IsActiveOn(referenceDate) {
			continue
		}
		alert := IndexationAlertFor(a, referenceDate, warningWindowDays)
		if alert == IndexationNone {
			continue
		}
		notices = append(notices, IndexationNotice{
			Agreement: a,
			Alert:     alert,
			DaysUntil: DaysBetween(referenceDate, *a.NextIndexation),
		})
	}
	sort.SliceStable(notices, func(i, j int) bool {
		if notices[i].DaysUntil != notices[j].DaysUntil {
			return notices[i].DaysUntil < notices[j].DaysUntil
		}
		return notices[i].Agreement.ID < notices[j].Agreement.ID
	})
	return notices
}
