/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Hours and money are shopspring decimals and serialize as JSON strings
  ("62.5") so no client ever sees a binary float.

VALIDATION:
  Request types carry go-playground/validator tags. Handlers run
  h.validate.Struct before touching the engine; domain rules (per-type
  agreement invariants) stay in billing.Agreement.Validate.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/agreement.go: AgreementJSON type
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/factory"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateAgreementRequest is the request to create an agreement.
type CreateAgreementRequest struct {
	factory.AgreementJSON
}

// LogEntryRequest logs work against an agreement. Either hours or minutes
// may be given; minutes win when both are present.
type LogEntryRequest struct {
	Date        string           `json:"date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Hours       *decimal.Decimal `json:"hours,omitempty"`
	Minutes     *int             `json:"minutes,omitempty" validate:"omitempty,min=0"`
	IsBillable  *bool            `json:"is_billable,omitempty"`
	IsEvening   bool             `json:"is_evening,omitempty"`
	Internal    bool             `json:"internal,omitempty"`
	Description string           `json:"description,omitempty" validate:"max=500"`
}

// SplitRequest previews a billing split without persisting anything.
type SplitRequest struct {
	LoggedHours    *decimal.Decimal `json:"logged_hours" validate:"required"`
	RemainingHours *decimal.Decimal `json:"remaining_hours" validate:"required"`
}

// CreateBatchRequest creates a draft batch. With Generate set, every
// billable unexported entry of the customer in the period is added.
type CreateBatchRequest struct {
	CustomerID  string `json:"customer_id" validate:"required"`
	Name        string `json:"name" validate:"max=200"`
	PeriodStart string `json:"period_start" validate:"required,datetime=2006-01-02"`
	PeriodEnd   string `json:"period_end" validate:"required,datetime=2006-01-02"`
	Generate    bool   `json:"generate,omitempty"`
}

// AddBatchEntryRequest adds a stored entry to a draft batch.
type AddBatchEntryRequest struct {
	EntryID string `json:"entry_id" validate:"required"`
}

// ExportRequest records the outcome of the external export action.
type ExportRequest struct {
	Success   bool   `json:"success"`
	Reference string `json:"reference,omitempty" validate:"required_if=Success true"`
	Reason    string `json:"reason,omitempty"`
}

// LoadScenarioRequest selects a demo scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// AgreementDTO represents an agreement in API responses.
type AgreementDTO struct {
	factory.AgreementJSON
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// PeriodDTO is an inclusive date range.
type PeriodDTO struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// TimebankStatusDTO is the current-period pool consumption.
type TimebankStatusDTO struct {
	AgreementID      string          `json:"agreement_id"`
	Period           PeriodDTO       `json:"period"`
	IncludedHours    decimal.Decimal `json:"included_hours"`
	HoursUsed        decimal.Decimal `json:"hours_used"`
	HoursRemaining   decimal.Decimal `json:"hours_remaining"`
	OvertimeHours    decimal.Decimal `json:"overtime_hours"`
	PercentUsed      decimal.Decimal `json:"percent_used"`
	IsOvertime       bool            `json:"is_overtime"`
	RemainingDisplay string          `json:"remaining_display"`
	Source           string          `json:"source"`
}

// TimeEntryDTO represents a time entry in API responses.
type TimeEntryDTO struct {
	ID            string           `json:"id"`
	AgreementID   string           `json:"agreement_id"`
	CustomerID    string           `json:"customer_id"`
	Date          string           `json:"date"`
	Hours         *decimal.Decimal `json:"hours"`
	BillingType   string           `json:"billing_type"`
	IsBillable    bool             `json:"is_billable"`
	IsExported    bool             `json:"is_exported"`
	IsEvening     bool             `json:"is_evening"`
	PoolHours     *decimal.Decimal `json:"pool_hours,omitempty"`
	OvertimeHours *decimal.Decimal `json:"overtime_hours,omitempty"`
	Description   string           `json:"description,omitempty"`
	CreatedAt     string           `json:"created_at"`
}

// SplitDTO is a billing split preview.
type SplitDTO struct {
	PoolHours       decimal.Decimal `json:"pool_hours"`
	OvertimeHours   decimal.Decimal `json:"overtime_hours"`
	BillingType     string          `json:"billing_type"`
	PoolDisplay     string          `json:"pool_display"`
	OvertimeDisplay string          `json:"overtime_display"`
}

// TotalsDTO are the frozen monetary aggregates of a batch.
type TotalsDTO struct {
	PoolHours      decimal.Decimal `json:"pool_hours"`
	OvertimeHours  decimal.Decimal `json:"overtime_hours"`
	HourlyHours    decimal.Decimal `json:"hourly_hours"`
	OvertimeAmount decimal.Decimal `json:"overtime_amount"`
	HourlyAmount   decimal.Decimal `json:"hourly_amount"`
	FixedAmount    decimal.Decimal `json:"fixed_amount"`
	Total          decimal.Decimal `json:"total"`
}

// BatchDTO represents a billing batch in API responses.
type BatchDTO struct {
	ID              string         `json:"id"`
	CustomerID      string         `json:"customer_id"`
	Name            string         `json:"name"`
	Period          PeriodDTO      `json:"period"`
	Status          string         `json:"status"`
	Version         int            `json:"version"`
	Entries         []TimeEntryDTO `json:"entries"`
	Totals          TotalsDTO      `json:"totals"`
	ExportReference string         `json:"export_reference,omitempty"`
	ExportedAt      string         `json:"exported_at,omitempty"`
	LockedAt        string         `json:"locked_at,omitempty"`
	CreatedAt       string         `json:"created_at"`
	UpdatedAt       string         `json:"updated_at"`
}

// IndexationAlertDTO flags an agreement due for price indexation.
type IndexationAlertDTO struct {
	AgreementID    string `json:"agreement_id"`
	CustomerID     string `json:"customer_id"`
	Name           string `json:"name"`
	NextIndexation string `json:"next_indexation"`
	Alert          string `json:"alert"`
	DaysUntil      int    `json:"days_until"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

var agreementFactory = factory.NewAgreementFactory()

func toAgreementDTO(a billing.Agreement) AgreementDTO {
	return AgreementDTO{
		AgreementJSON: agreementFactory.ToJSON(a),
		CreatedAt:     formatTime(a.CreatedAt),
		UpdatedAt:     formatTime(a.UpdatedAt),
	}
}

func toPeriodDTO(p billing.Period) PeriodDTO {
	return PeriodDTO{Start: p.Start.String(), End: p.End.String()}
}

func toTimebankStatusDTO(s billing.TimebankStatus) TimebankStatusDTO {
	return TimebankStatusDTO{
		AgreementID:      string(s.AgreementID),
		Period:           toPeriodDTO(s.Period),
		IncludedHours:    s.IncludedHours,
		HoursUsed:        s.HoursUsed,
		HoursRemaining:   s.HoursRemaining,
		OvertimeHours:    s.OvertimeHours,
		PercentUsed:      s.PercentUsed,
		IsOvertime:       s.IsOvertime,
		RemainingDisplay: billing.FormatMinutes(billing.MinutesFromHours(s.HoursRemaining)),
		Source:           string(s.Source),
	}
}

func toTimeEntryDTO(e billing.TimeEntry) TimeEntryDTO {
	return TimeEntryDTO{
		ID:            string(e.ID),
		AgreementID:   string(e.AgreementID),
		CustomerID:    string(e.CustomerID),
		Date:          e.Date.String(),
		Hours:         decimalPtr(e.Hours),
		BillingType:   string(e.BillingType),
		IsBillable:    e.IsBillable,
		IsExported:    e.IsExported,
		IsEvening:     e.IsEvening,
		PoolHours:     decimalPtr(e.PoolHours),
		OvertimeHours: decimalPtr(e.OvertimeHours),
		Description:   e.Description,
		CreatedAt:     formatTime(e.CreatedAt),
	}
}

func toTimeEntryDTOs(entries []billing.TimeEntry) []TimeEntryDTO {
	dtos := make([]TimeEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toTimeEntryDTO(e)
	}
	return dtos
}

func toSplitDTO(s billing.Split) SplitDTO {
	return SplitDTO{
		PoolHours:       s.PoolHours,
		OvertimeHours:   s.OvertimeHours,
		BillingType:     string(s.Classification()),
		PoolDisplay:     billing.FormatMinutes(billing.MinutesFromHours(s.PoolHours)),
		OvertimeDisplay: billing.FormatMinutes(billing.MinutesFromHours(s.OvertimeHours)),
	}
}

func toBatchDTO(b billing.Batch) BatchDTO {
	dto := BatchDTO{
		ID:         string(b.ID),
		CustomerID: string(b.CustomerID),
		Name:       b.Name,
		Period:     toPeriodDTO(b.Period),
		Status:     string(b.Status),
		Version:    b.Version,
		Entries:    toTimeEntryDTOs(b.Entries),
		Totals: TotalsDTO{
			PoolHours:      b.Totals.PoolHours,
			OvertimeHours:  b.Totals.OvertimeHours,
			HourlyHours:    b.Totals.HourlyHours,
			OvertimeAmount: b.Totals.OvertimeAmount,
			HourlyAmount:   b.Totals.HourlyAmount,
			FixedAmount:    b.Totals.FixedAmount,
			Total:          b.Totals.Total,
		},
		ExportReference: b.ExportReference,
		CreatedAt:       formatTime(b.CreatedAt),
		UpdatedAt:       formatTime(b.UpdatedAt),
	}
	if b.ExportedAt != nil {
		dto.ExportedAt = formatTime(*b.ExportedAt)
	}
	if b.LockedAt != nil {
		dto.LockedAt = formatTime(*b.LockedAt)
	}
	return dto
}

func toIndexationAlertDTO(n billing.IndexationNotice) IndexationAlertDTO {
	return IndexationAlertDTO{
		AgreementID:    string(n.Agreement.ID),
		CustomerID:     string(n.Agreement.CustomerID),
		Name:           n.Agreement.Name,
		NextIndexation: n.Agreement.NextIndexation.String(),
		Alert:          string(n.Alert),
		DaysUntil:      n.DaysUntil,
	}
}

func decimalPtr(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
