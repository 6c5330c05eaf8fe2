package billing_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func hours(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func nullHours(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(hours(s))
}

func date(y int, m time.Month, d int) billing.Date {
	return billing.NewDate(y, m, d)
}

func timebankAgreement(id billing.AgreementID, included string, period billing.PeriodCadence) billing.Agreement {
	return billing.Agreement{
		ID:            id,
		CustomerID:    "acme",
		Type:          billing.AgreementTimebank,
		Period:        period,
		IncludedHours: nullHours(included),
		HourlyRate:    hours("1000"),
		OvertimeRate:  nullHours("1200"),
	}
}

func entry(id billing.EntryID, agreementID billing.AgreementID, d billing.Date, h string, bt billing.BillingType) billing.TimeEntry {
	return billing.TimeEntry{
		ID:          id,
		AgreementID: agreementID,
		CustomerID:  "acme",
		Date:        d,
		Hours:       nullHours(h),
		BillingType: bt,
		IsBillable:  true,
	}
}

// =============================================================================
// PERIOD CALCULATOR
// =============================================================================

func TestCurrentPeriod_Monthly(t *testing.T) {
	// GIVEN: A monthly timebank agreement
	// WHEN: Asking for the period of a mid-month date
	// THEN: The period spans the whole calendar month

	a := timebankAgreement("agr-1", "40", billing.PeriodMonthly)

	p, err := billing.CurrentPeriod(a, date(2025, time.March, 15))
	require.NoError(t, err)
	assert.Equal(t, date(2025, time.March, 1), p.Start)
	assert.Equal(t, date(2025, time.March, 31), p.End)
}

func TestCurrentPeriod_MonthlyLeapFebruary(t *testing.T) {
	a := timebankAgreement("agr-1", "40", billing.PeriodMonthly)

	p, err := billing.CurrentPeriod(a, date(2024, time.February, 29))
	require.NoError(t, err)
	assert.Equal(t, date(2024, time.February, 1), p.Start)
	assert.Equal(t, date(2024, time.February, 29), p.End)
}

func TestCurrentPeriod_YearlyAnchorsToCalendarYear(t *testing.T) {
	// GIVEN: A yearly agreement that started mid-year
	// WHEN: Asking for a period in the following spring
	// THEN: The period is the calendar year, not the contract anniversary

	a := timebankAgreement("agr-1", "400", billing.PeriodYearly)
	a.ValidFrom = date(2024, time.July, 1)

	p, err := billing.CurrentPeriod(a, date(2025, time.April, 10))
	require.NoError(t, err)
	assert.Equal(t, date(2025, time.January, 1), p.Start)
	assert.Equal(t, date(2025, time.December, 31), p.End)
}

func TestCurrentPeriodStart_Boundaries(t *testing.T) {
	a := timebankAgreement("agr-1", "40", billing.PeriodMonthly)

	cases := []struct {
		ref  billing.Date
		want billing.Date
	}{
		{date(2025, time.January, 1), date(2025, time.January, 1)},
		{date(2025, time.January, 31), date(2025, time.January, 1)},
		{date(2025, time.December, 31), date(2025, time.December, 1)},
	}
	for _, c := range cases {
		got, err := billing.CurrentPeriodStart(a, c.ref)
		require.NoError(t, err)
		assert.Equal(t, c.want, got, "ref %s", c.ref)
	}
}

func TestCurrentPeriod_TimebankWithoutPeriodFails(t *testing.T) {
	a := timebankAgreement("agr-1", "40", billing.PeriodNone)

	_, err := billing.CurrentPeriod(a, date(2025, time.March, 15))
	require.Error(t, err)
	assert.ErrorIs(t, err, billing.ErrPeriodRequired)
	assert.True(t, billing.IsValidationError(err))
}

func TestCurrentPeriod_HourlyDefaultsToMonthly(t *testing.T) {
	a := billing.Agreement{ID: "agr-h", Type: billing.AgreementHourly, HourlyRate: hours("900")}

	p, err := billing.CurrentPeriod(a, date(2025, time.June, 20))
	require.NoError(t, err)
	assert.Equal(t, date(2025, time.June, 1), p.Start)
	assert.Equal(t, date(2025, time.June, 30), p.End)
}

func TestPeriod_ContainsIsInclusive(t *testing.T) {
	p := billing.Period{Start: date(2025, time.March, 1), End: date(2025, time.March, 31)}

	assert.True(t, p.Contains(date(2025, time.March, 1)))
	assert.True(t, p.Contains(date(2025, time.March, 31)))
	assert.False(t, p.Contains(date(2025, time.February, 28)))
	assert.False(t, p.Contains(date(2025, time.April, 1)))
}

// =============================================================================
// INDEXATION
// =============================================================================

func TestIndexation_WarningWindow(t *testing.T) {
	// GIVEN: An agreement indexed in 30 days
	// WHEN: Checking with 30 and 29 day windows
	// THEN: Only the 30 day window warns

	ref := date(2025, time.March, 1)
	next := ref.AddDays(30)
	a := timebankAgreement("agr-1", "40", billing.PeriodMonthly)
	a.NextIndexation = &next

	assert.True(t, billing.IsIndexationWarningNeeded(a, ref, 30))
	assert.False(t, billing.IsIndexationWarningNeeded(a, ref, 29))
	assert.False(t, billing.IsIndexationOverdue(a, ref))
	assert.Equal(t, billing.IndexationWarning, billing.IndexationAlertFor(a, ref, 30))
}

func TestIndexation_OverdueIsNotAWarning(t *testing.T) {
	ref := date(2025, time.March, 1)
	past := ref.AddDays(-1)
	a := timebankAgreement("agr-1", "40", billing.PeriodMonthly)
	a.NextIndexation = &past

	assert.False(t, billing.IsIndexationWarningNeeded(a, ref, 30))
	assert.True(t, billing.IsIndexationOverdue(a, ref))
	assert.Equal(t, billing.IndexationOverdue, billing.IndexationAlertFor(a, ref, 30))
}

func TestIndexation_NoDateNeverAlerts(t *testing.T) {
	a := timebankAgreement("agr-1", "40", billing.PeriodMonthly)

	assert.Equal(t, billing.IndexationNone, billing.IndexationAlertFor(a, date(2025, time.March, 1), 30))
}

func TestIndexationNotices_SortedAndFiltered(t *testing.T) {
	// GIVEN: One overdue, one upcoming, one far away, and one expired agreement
	// WHEN: Building notices
	// THEN: Overdue comes first, far away and expired are dropped

	ref := date(2025, time.March, 1)
	mk := func(id billing.AgreementID, inDays int) billing.Agreement {
		next := ref.AddDays(inDays)
		a := timebankAgreement(id, "40", billing.PeriodMonthly)
		a.NextIndexation = &next
		return a
	}
	expired := mk("agr-expired", 3)
	validTo := ref.AddDays(-10)
	expired.ValidTo = &validTo

	notices := billing.IndexationNotices([]billing.Agreement{
		mk("agr-soon", 10),
		mk("agr-late", -5),
		mk("agr-far", 120),
		expired,
	}, ref, 30)

	require.Len(t, notices, 2)
	assert.Equal(t, billing.AgreementID("agr-late"), notices[0].Agreement.ID)
	assert.Equal(t, billing.IndexationOverdue, notices[0].Alert)
	assert.Equal(t, -5, notices[0].DaysUntil)
	assert.Equal(t, billing.AgreementID("agr-soon"), notices[1].Agreement.ID)
	assert.Equal(t, 10, notices[1].DaysUntil)
}
