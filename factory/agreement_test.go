package factory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/billing-engine/billing"
)

func TestPresets_Parse(t *testing.T) {
	f := NewAgreementFactory()

	tb, err := f.ParseAgreement(TimebankAgreementJSON("agr-tb", "acme", 40, 1200))
	require.NoError(t, err)
	assert.Equal(t, billing.AgreementTimebank, tb.Type)
	assert.Equal(t, billing.PeriodMonthly, tb.Period)
	assert.Equal(t, "40", tb.IncludedHours.Decimal.String())
	assert.Equal(t, "1200", tb.OvertimeRate.Decimal.String())

	yearly, err := f.ParseAgreement(YearlyTimebankAgreementJSON("agr-y", "acme", 400, 1200))
	require.NoError(t, err)
	assert.Equal(t, billing.PeriodYearly, yearly.Period)

	hourly, err := f.ParseAgreement(HourlyAgreementJSON("agr-h", "acme", 1000, 1500))
	require.NoError(t, err)
	assert.Equal(t, billing.PeriodMonthly, hourly.Period, "hourly defaults to monthly")
	assert.Equal(t, "1000", hourly.HourlyRate.String())
	assert.Equal(t, "1500", hourly.HourlyRateEvening.Decimal.String())

	fixed, err := f.ParseAgreement(FixedAgreementJSON("agr-f", "acme", 5000))
	require.NoError(t, err)
	assert.Equal(t, "5000", fixed.FixedAmount.Decimal.String())
}

func TestParseAgreement_Dates(t *testing.T) {
	f := NewAgreementFactory()

	a, err := f.ParseAgreement(`{
		"customer_id": "acme",
		"type": "hourly",
		"hourly_rate": "950.50",
		"valid_from": "2025-01-01",
		"valid_to": "2025-12-31",
		"next_indexation": "2025-07-01"
	}`)
	require.NoError(t, err)
	assert.Equal(t, billing.NewDate(2025, time.January, 1), a.ValidFrom)
	require.NotNil(t, a.ValidTo)
	assert.Equal(t, billing.NewDate(2025, time.December, 31), *a.ValidTo)
	require.NotNil(t, a.NextIndexation)
	assert.Equal(t, billing.NewDate(2025, time.July, 1), *a.NextIndexation)
	assert.Equal(t, "950.5", a.HourlyRate.String())
}

func TestParseAgreement_Rejects(t *testing.T) {
	f := NewAgreementFactory()

	cases := map[string]string{
		"timebank without period": `{"customer_id":"acme","type":"timebank","included_hours":40,"overtime_rate":1200}`,
		"timebank without hours":  `{"customer_id":"acme","type":"timebank","period":"monthly","overtime_rate":1200}`,
		"timebank without rate":   `{"customer_id":"acme","type":"timebank","period":"monthly","included_hours":40}`,
		"fixed without amount":    `{"customer_id":"acme","type":"fixed","period":"monthly"}`,
		"unknown type":            `{"customer_id":"acme","type":"retainer"}`,
		"negative rate":           `{"customer_id":"acme","type":"hourly","hourly_rate":-1}`,
		"bad date":                `{"customer_id":"acme","type":"hourly","valid_from":"01/02/2025"}`,
		"valid_to before from":    `{"customer_id":"acme","type":"hourly","valid_from":"2025-02-01","valid_to":"2025-01-01"}`,
	}
	for name, js := range cases {
		_, err := f.ParseAgreement(js)
		require.Error(t, err, name)
		assert.True(t, billing.IsValidationError(err), "%s: %v", name, err)
	}

	_, err := f.ParseAgreement(`{not json`)
	assert.Error(t, err)
}

func TestToJSON_RoundTrip(t *testing.T) {
	f := NewAgreementFactory()
	a, err := f.ParseAgreement(TimebankAgreementJSON("agr-tb", "acme", 40, 1200))
	require.NoError(t, err)

	back, err := f.FromJSON(f.ToJSON(*a))
	require.NoError(t, err)
	assert.Equal(t, a.ID, back.ID)
	assert.Equal(t, a.Period, back.Period)
	assert.True(t, a.IncludedHours.Decimal.Equal(back.IncludedHours.Decimal))
	assert.True(t, a.OvertimeRate.Decimal.Equal(back.OvertimeRate.Decimal))
}
