package billing_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/warp/billing-engine/billing"
)

func TestSplit_PartiallyCovered(t *testing.T) {
	// GIVEN: 10 hours logged with 4 left in the pool
	// THEN: 4 from the pool, 6 overtime

	s := billing.CalculateBillingWithSplit(hours("10"), hours("4"))
	assert.True(t, s.PoolHours.Equal(hours("4")))
	assert.True(t, s.OvertimeHours.Equal(hours("6")))
	assert.Equal(t, billing.BillingTimebank, s.Classification())
}

func TestSplit_NegativeRemainingIsPureOvertime(t *testing.T) {
	// GIVEN: 3 hours logged and the pool already 2 hours over
	// THEN: Nothing from the pool, 3 overtime

	s := billing.CalculateBillingWithSplit(hours("3"), hours("-2"))
	assert.True(t, s.PoolHours.IsZero())
	assert.True(t, s.OvertimeHours.Equal(hours("3")))
	assert.Equal(t, billing.BillingOvertime, s.Classification())
}

func TestSplit_FullyCovered(t *testing.T) {
	s := billing.CalculateBillingWithSplit(hours("4"), hours("4"))
	assert.True(t, s.PoolHours.Equal(hours("4")))
	assert.True(t, s.OvertimeHours.IsZero())
	assert.Equal(t, billing.BillingTimebank, s.Classification())
}

func TestSplit_PartsAlwaysSumToLogged(t *testing.T) {
	logged := []string{"0", "0.25", "1", "3.5", "10", "41.75"}
	remaining := []string{"-5", "-0.5", "0", "0.25", "4", "40"}

	for _, l := range logged {
		for _, r := range remaining {
			s := billing.CalculateBillingWithSplit(hours(l), hours(r))
			assert.True(t, s.PoolHours.Add(s.OvertimeHours).Equal(hours(l)), "logged %s remaining %s", l, r)
			assert.False(t, s.PoolHours.IsNegative(), "logged %s remaining %s", l, r)
			assert.False(t, s.OvertimeHours.IsNegative(), "logged %s remaining %s", l, r)
			assert.True(t, s.PoolHours.LessThanOrEqual(decimal.Max(decimal.Zero, hours(r))), "logged %s remaining %s", l, r)
		}
	}
}

func TestMinuteSplit_AgreesWithHourSplit(t *testing.T) {
	cases := []struct{ logged, remaining int }{
		{600, 240}, {180, -120}, {45, 60}, {90, 0}, {0, 30},
	}
	for _, c := range cases {
		m := billing.CalculateMinuteSplit(c.logged, c.remaining)
		h := billing.CalculateBillingWithSplit(billing.HoursFromMinutes(c.logged), billing.HoursFromMinutes(c.remaining))

		assert.Equal(t, c.logged, m.PoolMinutes+m.OvertimeMinutes)
		assert.Equal(t, m.PoolMinutes, billing.MinutesFromHours(h.PoolHours), "%+v", c)
		assert.Equal(t, m.OvertimeMinutes, billing.MinutesFromHours(h.OvertimeHours), "%+v", c)
	}
}

func TestFormatMinutes(t *testing.T) {
	assert.Equal(t, "0h 00m", billing.FormatMinutes(0))
	assert.Equal(t, "2h 05m", billing.FormatMinutes(125))
	assert.Equal(t, "-1h 30m", billing.FormatMinutes(-90))
}

func TestAllocateEntries_CarriesPoolForward(t *testing.T) {
	// GIVEN: 40 hours of pool and entries of 30, 25 and 5 hours
	// WHEN: Allocating in order
	// THEN: The second entry crosses the limit, the third is pure overtime,
	//       and no pool hour is handed out twice

	entries := []billing.TimeEntry{
		entry("e1", "agr-1", march(1), "30", billing.BillingTimebank),
		entry("e2", "agr-1", march(2), "25", billing.BillingTimebank),
		entry("e3", "agr-1", march(3), "5", billing.BillingTimebank),
		entry("e4", "agr-1", march(3), "2", billing.BillingHourly),
	}

	out, left := billing.AllocateEntries(entries, hours("40"))

	assert.True(t, out[0].PoolHours.Decimal.Equal(hours("30")))
	assert.True(t, out[1].PoolHours.Decimal.Equal(hours("10")))
	assert.True(t, out[1].OvertimeHours.Decimal.Equal(hours("15")))
	assert.Equal(t, billing.BillingTimebank, out[1].BillingType)
	assert.True(t, out[2].PoolHours.Decimal.IsZero())
	assert.Equal(t, billing.BillingOvertime, out[2].BillingType)
	assert.False(t, out[3].PoolHours.Valid, "hourly entry must not be split")
	assert.True(t, left.Equal(hours("-20")))

	pool := decimal.Zero
	for _, e := range out {
		pool = pool.Add(e.PoolHours.Decimal)
	}
	assert.True(t, pool.Equal(hours("40")))
}
