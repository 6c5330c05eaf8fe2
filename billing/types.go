/*
Package billing provides the billing and timebank consumption engine.

PURPOSE:
  Turns logged work time into billable amounts under three commercial
  agreement types, tracks consumption of pre-purchased time pools across
  renewing periods, and governs the lifecycle of a billing batch from
  draft to financial export.

KEY CONCEPTS IN THIS FILE (types.go):
  - Agreement: the commercial contract (hourly, timebank, fixed)
  - TimeEntry: a unit of logged work billed against an agreement
  - BillingType: the classification an entry receives at split time

DESIGN PRINCIPLES:
  1. Pure calculators: period, timebank status, split and batch totals take
     everything they need as arguments and perform no I/O
  2. Precision: hours and money use decimal.Decimal, never float64
  3. Explicit reference dates: "now" is always a parameter
  4. Typed failures: every error carries a kind checkable with errors.Is

USAGE:
  status, err := billing.CalculateTimebankStatus(agreement, entries, billing.Today())
  split := billing.CalculateBillingWithSplit(hours, status.HoursRemaining)

SEE ALSO:
  - period.go: current period and indexation rules
  - timebank.go: pool consumption status
  - split.go: included/overtime split of a single entry
  - batch.go: billing batch state machine and totals
  - service.go: collaborator orchestration (locking, persistence)
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AgreementID string
type CustomerID string
type EntryID string
type BatchID string

// =============================================================================
// AGREEMENT - Commercial contract between the firm and a customer
// =============================================================================

// AgreementType selects how logged work is turned into money.
type AgreementType string

const (
	AgreementHourly   AgreementType = "hourly"   // Pure time and materials
	AgreementTimebank AgreementType = "timebank" // Pre-purchased renewing hour pool
	AgreementFixed    AgreementType = "fixed"    // Flat fee per period
)

// Valid reports whether t is one of the known agreement types.
func (t AgreementType) Valid() bool {
	switch t {
	case AgreementHourly, AgreementTimebank, AgreementFixed:
		return true
	}
	return false
}

// PeriodCadence is the rate at which a pool or flat fee resets.
type PeriodCadence string

const (
	PeriodNone    PeriodCadence = ""
	PeriodMonthly PeriodCadence = "monthly"
	PeriodYearly  PeriodCadence = "yearly"
)

// Agreement is a commercial contract. Agreements are never deleted; a
// renegotiation produces a new row with its own validity window.
type Agreement struct {
	ID         AgreementID
	CustomerID CustomerID
	Name       string

	Type   AgreementType
	Period PeriodCadence

	// Size of the pre-purchased pool (timebank only)
	IncludedHours decimal.NullDecimal

	HourlyRate        decimal.Decimal
	OvertimeRate      decimal.NullDecimal
	HourlyRateEvening decimal.NullDecimal
	FixedAmount       decimal.NullDecimal

	// Next contractual price adjustment
	NextIndexation *Date

	ValidFrom Date
	ValidTo   *Date

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RequiresPeriod reports whether the agreement type only makes sense with
// a renewal cadence.
func (a Agreement) RequiresPeriod() bool {
	return a.Type == AgreementTimebank || a.Type == AgreementFixed
}

// IsActiveOn reports whether date falls inside the validity window.
func (a Agreement) IsActiveOn(date Date) bool {
	if !a.ValidFrom.IsZero() && date.Before(a.ValidFrom) {
		return false
	}
	if a.ValidTo != nil && date.After(*a.ValidTo) {
		return false
	}
	return true
}

// Validate checks the per-type invariants. A wrong default would misstate
// money, so nothing is defaulted here.
func (a Agreement) Validate() error {
	if !a.Type.Valid() {
		return &ValidationError{Field: "type", Reason: "must be hourly, timebank or fixed"}
	}
	switch a.Period {
	case PeriodNone, PeriodMonthly, PeriodYearly:
	default:
		return &ValidationError{Field: "period", Reason: "must be monthly or yearly"}
	}

	if a.HourlyRate.IsNegative() {
		return &ValidationError{Field: "hourly_rate", Reason: "must not be negative"}
	}
	optional := []struct {
		field string
		value decimal.NullDecimal
	}{
		{"overtime_rate", a.OvertimeRate},
		{"hourly_rate_evening", a.HourlyRateEvening},
		{"fixed_amount", a.FixedAmount},
	}
	for _, o := range optional {
		if o.value.Valid && o.value.Decimal.IsNegative() {
			return &ValidationError{Field: o.field, Reason: "must not be negative"}
		}
	}

	switch a.Type {
	case AgreementTimebank:
		if !a.IncludedHours.Valid || !a.IncludedHours.Decimal.IsPositive() {
			return &ValidationError{Field: "included_hours", Reason: "timebank agreement requires positive included hours"}
		}
		if a.Period == PeriodNone {
			return &ValidationError{Field: "period", Reason: "timebank agreement requires a period", Err: ErrPeriodRequired}
		}
		if !a.OvertimeRate.Valid {
			return &ValidationError{Field: "overtime_rate", Reason: "timebank agreement requires an overtime rate"}
		}
	case AgreementFixed:
		if !a.FixedAmount.Valid {
			return &ValidationError{Field: "fixed_amount", Reason: "fixed agreement requires a fixed amount"}
		}
		if a.Period == PeriodNone {
			return &ValidationError{Field: "period", Reason: "fixed agreement requires a period", Err: ErrPeriodRequired}
		}
	}

	if a.ValidTo != nil && !a.ValidFrom.IsZero() && a.ValidTo.Before(a.ValidFrom) {
		return &ValidationError{Field: "valid_to", Reason: "must not be before valid_from"}
	}
	return nil
}

// =============================================================================
// TIME ENTRY - A unit of logged work
// =============================================================================

// BillingType is the derived classification of a time entry.
type BillingType string

const (
	BillingTimebank BillingType = "timebank"
	BillingOvertime BillingType = "overtime"
	BillingHourly   BillingType = "hourly"
	BillingFixed    BillingType = "fixed"
	BillingInternal BillingType = "internal"
)

// ConsumesPool reports whether entries of this classification draw on a
// timebank pool. Overtime is the reclassified remainder of timebank work.
func (bt BillingType) ConsumesPool() bool {
	return bt == BillingTimebank || bt == BillingOvertime
}

// TimeEntry is a unit of logged work. Hours may be null on sparse rows.
type TimeEntry struct {
	ID          EntryID
	AgreementID AgreementID
	CustomerID  CustomerID
	Date        Date
	Hours       decimal.NullDecimal
	BillingType BillingType
	IsBillable  bool
	IsExported  bool
	IsEvening   bool

	// Recorded when the entry is split against a timebank pool
	PoolHours     decimal.NullDecimal
	OvertimeHours decimal.NullDecimal

	Description string
	CreatedAt   time.Time
}

// HoursOrZero returns the logged hours, treating a null value as zero.
func (e TimeEntry) HoursOrZero() decimal.Decimal {
	if !e.Hours.Valid {
		return decimal.Zero
	}
	return e.Hours.Decimal
}

// CheckMutable fails once the entry has been exported.
func (e TimeEntry) CheckMutable() error {
	if e.IsExported {
		return ErrEntryExported
	}
	return nil
}

// ApplySplit records a pool/overtime split and the matching classification.
func (e *TimeEntry) ApplySplit(s Split) {
	e.PoolHours = decimal.NewNullDecimal(s.PoolHours)
	e.OvertimeHours = decimal.NewNullDecimal(s.OvertimeHours)
	e.BillingType = s.Classification()
}

var minutesPerHour = decimal.NewFromInt(60)

// HoursFromMinutes converts a minute count to decimal hours.
func HoursFromMinutes(minutes int) decimal.Decimal {
	return decimal.NewFromInt(int64(minutes)).Div(minutesPerHour)
}

// MinutesFromHours converts decimal hours to whole minutes, rounding half up.
func MinutesFromHours(hours decimal.Decimal) int {
	return int(hours.Mul(minutesPerHour).Round(0).IntPart())
}
