/*
batch.go - Billing batch lifecycle and totals

PURPOSE:
  A billing batch groups the billable entries of one customer and period
  for invoicing. It moves through a fixed lifecycle and freezes its
  content as it approaches financial export.

STATE MACHINE:

    ┌───────┐  Submit   ┌────────┐ RecordExport ┌──────────┐  Lock  ┌────────┐
    │ draft │ ────────▶ │ review │ ───────────▶ │ exported │ ─────▶ │ locked │
    └───────┘ ◀──────── └────────┘              └──────────┘        └────────┘
        ▲  │    Reopen
        └──┘ no-op

  No transition skips a state. The only backward edge is review -> draft.

GUARDS:
  draft -> review:     at least one entry; totals recomputed and frozen
  review -> exported:  external export succeeded (recorded, not performed)
  exported -> locked:  administrative finalization

CONTENT MUTATION:
  draft:              allowed
  review:             BatchUnderReviewError (reopen first)
  exported, locked:   BatchImmutableError

TOTALS:
  timebank entry:  pool hours at 0 (prepaid), overtime hours at overtime_rate
  overtime entry:  all hours at overtime_rate
  hourly entry:    hours * hourly_rate (hourly_rate_evening for evening work)
  fixed agreement: fixed_amount once per period, regardless of entry count;
                   a fee already charged by another submitted batch of the
                   same period is not charged again
  internal / non-billable: 0

SEE ALSO:
  - service.go: persists transitions with compare-and-swap
  - split.go: produces the pool/overtime portions totals rely on
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BATCH STATUS
// =============================================================================

type BatchStatus string

const (
	BatchDraft    BatchStatus = "draft"
	BatchReview   BatchStatus = "review"
	BatchExported BatchStatus = "exported"
	BatchLocked   BatchStatus = "locked"
)

var transitions = map[BatchStatus][]BatchStatus{
	BatchDraft:    {BatchDraft, BatchReview},
	BatchReview:   {BatchDraft, BatchExported},
	BatchExported: {BatchLocked},
	BatchLocked:   nil,
}

// CanTransition reports whether the lifecycle allows from -> to.
func CanTransition(from, to BatchStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsContentFrozen reports whether membership and totals can no longer change.
func (s BatchStatus) IsContentFrozen() bool {
	return s == BatchExported || s == BatchLocked
}

// =============================================================================
// BATCH
// =============================================================================

// Totals are the monetary aggregates of a batch, frozen at review.
type Totals struct {
	PoolHours      decimal.Decimal
	OvertimeHours  decimal.Decimal
	HourlyHours    decimal.Decimal
	OvertimeAmount decimal.Decimal
	HourlyAmount   decimal.Decimal
	FixedAmount    decimal.Decimal
	Total          decimal.Decimal

	// Agreement periods whose fixed fee this batch charges
	FixedCharges []FixedCharge
}

// FixedCharge identifies one fixed fee: an agreement and the start of the
// period it covers.
type FixedCharge struct {
	AgreementID AgreementID
	PeriodStart Date
}

// ExportResult is the outcome of the external export action.
type ExportResult struct {
	Success   bool
	Reference string // identifier assigned by the receiving system
	Reason    string // failure description when !Success
}

type Batch struct {
	ID         BatchID
	CustomerID CustomerID
	Name       string
	Period     Period
	Status     BatchStatus
	Entries    []TimeEntry
	Totals     Totals

	// Incremented on every persisted change; used for compare-and-swap.
	Version int

	ExportReference string
	ExportedAt      *time.Time
	LockedAt        *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewBatch creates an empty draft batch.
func NewBatch(id BatchID, customerID CustomerID, name string, period Period, now time.Time) *Batch {
	return &Batch{
		ID:         id,
		CustomerID: customerID,
		Name:       name,
		Period:     period,
		Status:     BatchDraft,
		Entries:    make([]TimeEntry, 0),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Clone returns a deep copy so callers can mutate without touching a stored value.
func (b *Batch) Clone() *Batch {
	c := *b
	c.Entries = append([]TimeEntry(nil), b.Entries...)
	return &c
}

func (b *Batch) checkContentMutable() error {
	switch b.Status {
	case BatchExported, BatchLocked:
		return &BatchImmutableError{BatchID: b.ID, Status: b.Status}
	case BatchReview:
		return &BatchUnderReviewError{BatchID: b.ID}
	}
	return nil
}

func (b *Batch) indexOf(id EntryID) int {
	for i, e := range b.Entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// AddEntry adds a member entry to a draft batch.
func (b *Batch) AddEntry(e TimeEntry) error {
	if err := b.checkContentMutable(); err != nil {
		return err
	}
	if err := e.CheckMutable(); err != nil {
		return err
	}
	if b.indexOf(e.ID) >= 0 {
		return ErrDuplicateEntry
	}
	if e.CustomerID != "" && b.CustomerID != "" && e.CustomerID != b.CustomerID {
		return &ValidationError{Field: "customer_id", Reason: "entry belongs to another customer"}
	}
	b.Entries = append(b.Entries, e)
	return nil
}

// RemoveEntry removes a member entry from a draft batch.
func (b *Batch) RemoveEntry(id EntryID) error {
	if err := b.checkContentMutable(); err != nil {
		return err
	}
	i := b.indexOf(id)
	if i < 0 {
		return ErrEntryNotInBatch
	}
	b.Entries = append(b.Entries[:i], b.Entries[i+1:]...)
	return nil
}

// UpdateEntry replaces a member entry in a draft batch.
func (b *Batch) UpdateEntry(e TimeEntry) error {
	if err := b.checkContentMutable(); err != nil {
		return err
	}
	i := b.indexOf(e.ID)
	if i < 0 {
		return ErrEntryNotInBatch
	}
	if err := b.Entries[i].CheckMutable(); err != nil {
		return err
	}
	b.Entries[i] = e
	return nil
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func (b *Batch) transition(to BatchStatus, now time.Time) error {
	if !CanTransition(b.Status, to) {
		return &InvalidTransitionError{BatchID: b.ID, From: b.Status, To: to}
	}
	b.Status = to
	b.UpdatedAt = now
	return nil
}

// Submit moves a draft batch to review, recomputing and freezing its totals.
// alreadyCharged lists fixed fees another batch carries; it may be nil.
func (b *Batch) Submit(agreements map[AgreementID]Agreement, alreadyCharged map[FixedCharge]bool, now time.Time) error {
	if !CanTransition(b.Status, BatchReview) {
		return &InvalidTransitionError{BatchID: b.ID, From: b.Status, To: BatchReview}
	}
	if len(b.Entries) == 0 {
		return &ValidationError{Field: "entries", Reason: "batch needs at least one entry", Err: ErrEmptyBatch}
	}
	totals, err := CalculateTotalsExcluding(b.Entries, agreements, alreadyCharged)
	if err != nil {
		return err
	}
	b.Totals = totals
	return b.transition(BatchReview, now)
}

// Reopen returns a batch under review to draft for corrections.
func (b *Batch) Reopen(now time.Time) error {
	if b.Status != BatchReview {
		return &InvalidTransitionError{BatchID: b.ID, From: b.Status, To: BatchDraft}
	}
	return b.transition(BatchDraft, now)
}

// RecordExport records the outcome of the external export. On failure the
// batch stays in review.
func (b *Batch) RecordExport(result ExportResult, now time.Time) error {
	if !CanTransition(b.Status, BatchExported) {
		return &InvalidTransitionError{BatchID: b.ID, From: b.Status, To: BatchExported}
	}
	if !result.Success {
		return &ExportFailedError{BatchID: b.ID, Reason: result.Reason}
	}
	if err := b.transition(BatchExported, now); err != nil {
		return err
	}
	for i := range b.Entries {
		b.Entries[i].IsExported = true
	}
	b.ExportReference = result.Reference
	b.ExportedAt = &now
	return nil
}

// Lock finalizes an exported batch.
func (b *Batch) Lock(now time.Time) error {
	if err := b.transition(BatchLocked, now); err != nil {
		return err
	}
	b.LockedAt = &now
	return nil
}

// EntryIDs lists member entry IDs in batch order.
func (b *Batch) EntryIDs() []EntryID {
	ids := make([]EntryID, len(b.Entries))
	for i, e := range b.Entries {
		ids[i] = e.ID
	}
	return ids
}

// AgreementIDs lists the distinct agreements referenced by member entries.
func (b *Batch) AgreementIDs() []AgreementID {
	seen := make(map[AgreementID]bool)
	var ids []AgreementID
	for _, e := range b.Entries {
		if !seen[e.AgreementID] {
			seen[e.AgreementID] = true
			ids = append(ids, e.AgreementID)
		}
	}
	return ids
}

// =============================================================================
// TOTALS AGGREGATION
// =============================================================================

// EntryAmount is the billable amount of a single entry under its agreement.
// Fixed agreements return zero here; their fee is charged per period.
func EntryAmount(e TimeEntry, a Agreement) decimal.Decimal {
	if !e.IsBillable {
		return decimal.Zero
	}
	hours := e.HoursOrZero()

	switch e.BillingType {
	case BillingTimebank:
		overtime := decimal.Zero
		if e.OvertimeHours.Valid {
			overtime = e.OvertimeHours.Decimal
		}
		return overtime.Mul(a.OvertimeRate.Decimal)
	case BillingOvertime:
		if e.OvertimeHours.Valid {
			hours = e.OvertimeHours.Decimal
		}
		return hours.Mul(a.OvertimeRate.Decimal)
	case BillingHourly:
		rate := a.HourlyRate
		if e.IsEvening && a.HourlyRateEvening.Valid {
			rate = a.HourlyRateEvening.Decimal
		}
		return hours.Mul(rate)
	default: // fixed, internal
		return decimal.Zero
	}
}

// CalculateTotals aggregates the billable amounts of entries. Every entry's
// agreement must be present in agreements.
func CalculateTotals(entries []TimeEntry, agreements map[AgreementID]Agreement) (Totals, error) {
	return CalculateTotalsExcluding(entries, agreements, nil)
}

// CalculateTotalsExcluding is CalculateTotals without the fixed fees in
// alreadyCharged. A fixed fee is charged once for every agreement period
// that has at least one member entry.
func CalculateTotalsExcluding(entries []TimeEntry, agreements map[AgreementID]Agreement, alreadyCharged map[FixedCharge]bool) (Totals, error) {
	t := Totals{
		PoolHours:      decimal.Zero,
		OvertimeHours:  decimal.Zero,
		HourlyHours:    decimal.Zero,
		OvertimeAmount: decimal.Zero,
		HourlyAmount:   decimal.Zero,
		FixedAmount:    decimal.Zero,
	}
	fixedCharged := make(map[FixedCharge]bool)

	for _, e := range entries {
		a, ok := agreements[e.AgreementID]
		if !ok {
			return Totals{}, ErrAgreementNotFound
		}

		if a.Type == AgreementFixed {
			if !a.FixedAmount.Valid {
				continue
			}
			period, err := CurrentPeriod(a, e.Date)
			if err != nil {
				return Totals{}, err
			}
			charge := FixedCharge{AgreementID: a.ID, PeriodStart: period.Start}
			if !fixedCharged[charge] && !alreadyCharged[charge] {
				fixedCharged[charge] = true
				t.FixedAmount = t.FixedAmount.Add(a.FixedAmount.Decimal)
				t.FixedCharges = append(t.FixedCharges, charge)
			}
			continue
		}
		if !e.IsBillable {
			continue
		}

		amount := EntryAmount(e, a)
		switch e.BillingType {
		case BillingTimebank, BillingOvertime:
			pool, overtime := poolPortions(e)
			t.PoolHours = t.PoolHours.Add(pool)
			t.OvertimeHours = t.OvertimeHours.Add(overtime)
			t.OvertimeAmount = t.OvertimeAmount.Add(amount)
		case BillingHourly:
			t.HourlyHours = t.HourlyHours.Add(e.HoursOrZero())
			t.HourlyAmount = t.HourlyAmount.Add(amount)
		}
	}

	t.Total = t.OvertimeAmount.Add(t.HourlyAmount).Add(t.FixedAmount)
	return t, nil
}

// poolPortions returns the recorded split, or infers it from the
// classification when the entry was never split.
func poolPortions(e TimeEntry) (pool, overtime decimal.Decimal) {
	if e.PoolHours.Valid || e.OvertimeHours.Valid {
		return e.PoolHours.Decimal, e.OvertimeHours.Decimal
	}
	if e.BillingType == BillingOvertime {
		return decimal.Zero, e.HoursOrZero()
	}
	return e.HoursOrZero(), decimal.Zero
}
