/*
Package factory provides JSON to Go agreement conversion.

PURPOSE:
  Converts JSON agreement definitions into validated billing.Agreement
  values. Sales and finance describe contracts in JSON (admin UI, seed
  files, API payloads) and the factory produces the Go structs the engine
  computes with.

JSON SCHEMA:
  {
    "id": "agr-acme-2025",
    "customer_id": "acme",
    "name": "Acme support timebank",
    "type": "timebank",
    "period": "monthly",
    "included_hours": 40,
    "hourly_rate": 0,
    "overtime_rate": 1200,
    "next_indexation": "2026-01-01",
    "valid_from": "2025-01-01"
  }

  Amounts accept JSON numbers or strings ("1200.50"); both parse exactly.

DEFAULTS:
  hourly agreements without a period get "monthly" so batches and status
  queries always have a window.

USAGE:
  f := factory.NewAgreementFactory()
  a, err := f.ParseAgreement(factory.TimebankAgreementJSON("agr-1", "acme", 40, 1200))
  a, err = svc.SaveAgreement(ctx, *a)

SEE ALSO:
  - billing/types.go: Agreement and its Validate rules
  - api/scenarios.go: demo data built from the presets below
*/
package factory

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// AgreementJSON is the JSON representation of an agreement.
type AgreementJSON struct {
	ID                string           `json:"id"`
	CustomerID        string           `json:"customer_id" validate:"required"`
	Name              string           `json:"name" validate:"max=200"`
	Type              string           `json:"type" validate:"required,oneof=hourly timebank fixed"`
	Period            string           `json:"period,omitempty" validate:"omitempty,oneof=monthly yearly"`
	IncludedHours     *decimal.Decimal `json:"included_hours,omitempty"`
	HourlyRate        *decimal.Decimal `json:"hourly_rate,omitempty"`
	OvertimeRate      *decimal.Decimal `json:"overtime_rate,omitempty"`
	HourlyRateEvening *decimal.Decimal `json:"hourly_rate_evening,omitempty"`
	FixedAmount       *decimal.Decimal `json:"fixed_amount,omitempty"`
	NextIndexation    string           `json:"next_indexation,omitempty" validate:"omitempty,datetime=2006-01-02"`
	ValidFrom         string           `json:"valid_from,omitempty" validate:"omitempty,datetime=2006-01-02"`
	ValidTo           string           `json:"valid_to,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// =============================================================================
// AGREEMENT FACTORY
// =============================================================================

// AgreementFactory converts JSON agreements to Go structs.
type AgreementFactory struct{}

// NewAgreementFactory creates a new agreement factory.
func NewAgreementFactory() *AgreementFactory {
	return &AgreementFactory{}
}

// ParseAgreement parses a JSON string into a validated Agreement.
func (f *AgreementFactory) ParseAgreement(jsonStr string) (*billing.Agreement, error) {
	var aj AgreementJSON
	if err := json.Unmarshal([]byte(jsonStr), &aj); err != nil {
		return nil, fmt.Errorf("failed to parse agreement JSON: %w", err)
	}
	return f.FromJSON(aj)
}

// FromJSON converts AgreementJSON to a validated billing.Agreement.
func (f *AgreementFactory) FromJSON(aj AgreementJSON) (*billing.Agreement, error) {
	a := &billing.Agreement{
		ID:                billing.AgreementID(aj.ID),
		CustomerID:        billing.CustomerID(aj.CustomerID),
		Name:              aj.Name,
		Type:              billing.AgreementType(aj.Type),
		Period:            billing.PeriodCadence(aj.Period),
		IncludedHours:     nullable(aj.IncludedHours),
		OvertimeRate:      nullable(aj.OvertimeRate),
		HourlyRateEvening: nullable(aj.HourlyRateEvening),
		FixedAmount:       nullable(aj.FixedAmount),
	}
	if aj.HourlyRate != nil {
		a.HourlyRate = *aj.HourlyRate
	}
	if a.Type == billing.AgreementHourly && a.Period == billing.PeriodNone {
		a.Period = billing.PeriodMonthly
	}

	var err error
	if a.ValidFrom, err = parseOptionalDate("valid_from", aj.ValidFrom); err != nil {
		return nil, err
	}
	if a.NextIndexation, err = parseDatePtr("next_indexation", aj.NextIndexation); err != nil {
		return nil, err
	}
	if a.ValidTo, err = parseDatePtr("valid_to", aj.ValidTo); err != nil {
		return nil, err
	}

	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// ToJSON converts an Agreement to AgreementJSON.
func (f *AgreementFactory) ToJSON(a billing.Agreement) AgreementJSON {
	aj := AgreementJSON{
		ID:                string(a.ID),
		CustomerID:        string(a.CustomerID),
		Name:              a.Name,
		Type:              string(a.Type),
		Period:            string(a.Period),
		IncludedHours:     pointer(a.IncludedHours),
		OvertimeRate:      pointer(a.OvertimeRate),
		HourlyRateEvening: pointer(a.HourlyRateEvening),
		FixedAmount:       pointer(a.FixedAmount),
	}
	rate := a.HourlyRate
	aj.HourlyRate = &rate
	if !a.ValidFrom.IsZero() {
		aj.ValidFrom = a.ValidFrom.String()
	}
	if a.NextIndexation != nil {
		aj.NextIndexation = a.NextIndexation.String()
	}
	if a.ValidTo != nil {
		aj.ValidTo = a.ValidTo.String()
	}
	return aj
}

// =============================================================================
// PRESETS
// =============================================================================

// TimebankAgreementJSON returns JSON for a monthly timebank agreement.
func TimebankAgreementJSON(id, customerID string, includedHours, overtimeRate float64) string {
	return marshal(map[string]any{
		"id":             id,
		"customer_id":    customerID,
		"name":           fmt.Sprintf("Timebank %gh/month", includedHours),
		"type":           "timebank",
		"period":         "monthly",
		"included_hours": includedHours,
		"overtime_rate":  overtimeRate,
	})
}

// YearlyTimebankAgreementJSON returns JSON for a timebank renewed every calendar year.
func YearlyTimebankAgreementJSON(id, customerID string, includedHours, overtimeRate float64) string {
	return marshal(map[string]any{
		"id":             id,
		"customer_id":    customerID,
		"name":           fmt.Sprintf("Timebank %gh/year", includedHours),
		"type":           "timebank",
		"period":         "yearly",
		"included_hours": includedHours,
		"overtime_rate":  overtimeRate,
	})
}

// HourlyAgreementJSON returns JSON for an hourly agreement with an evening rate.
func HourlyAgreementJSON(id, customerID string, hourlyRate, eveningRate float64) string {
	return marshal(map[string]any{
		"id":                  id,
		"customer_id":         customerID,
		"name":                "Hourly",
		"type":                "hourly",
		"hourly_rate":         hourlyRate,
		"hourly_rate_evening": eveningRate,
	})
}

// FixedAgreementJSON returns JSON for a fixed monthly fee.
func FixedAgreementJSON(id, customerID string, fixedAmount float64) string {
	return marshal(map[string]any{
		"id":           id,
		"customer_id":  customerID,
		"name":         "Fixed monthly fee",
		"type":         "fixed",
		"period":       "monthly",
		"fixed_amount": fixedAmount,
	})
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func marshal(v map[string]any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

func nullable(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(*d)
}

func pointer(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func parseOptionalDate(field, s string) (billing.Date, error) {
	if s == "" {
		return billing.Date{}, nil
	}
	d, err := billing.ParseDate(s)
	if err != nil {
		return billing.Date{}, &billing.ValidationError{Field: field, Reason: "expected YYYY-MM-DD", Err: err}
	}
	return d, nil
}

func parseDatePtr(field, s string) (*billing.Date, error) {
	if s == "" {
		return nil, nil
	}
	d, err := parseOptionalDate(field, s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
