/*
service.go - Orchestrates the calculators against the collaborators

PURPOSE:
  The calculators are pure; Service is the thin layer that fetches their
  inputs, enforces the serialization the calculators depend on, and
  persists their outputs.

SERIALIZATION:
  LogEntry:  agreement lock -> load entries -> status -> split -> save
             Two concurrent entries on the same timebank can never both see
             the pre-split remaining balance.
  Batches:   load -> apply transition -> SaveBatch(expectedVersion)
             The store's compare-and-swap decides the winner of a race; the
             loser receives ConcurrentTransitionError.
  Export:    the exported status and the entries' exported flags go
             through the same SaveBatch, so neither lands without the other.

STATUS STRATEGY:
  TimebankStatus tries the store's aggregate view (if the store provides
  one) and falls back to raw entries. LogEntry always uses raw entries
  because it runs under the lock and needs the authoritative balance.

EXAMPLE:
  svc := billing.NewService(store, lock.NewLocal())
  entry, err := svc.LogEntry(ctx, billing.TimeEntry{AgreementID: "agr-1", ...})
  batch, err := svc.GenerateBatch(ctx, "cust-1", "March", period)
  err = svc.SubmitBatch(ctx, batch.ID)
  err = svc.RecordExport(ctx, batch.ID, billing.ExportResult{Success: true})

SEE ALSO:
  - store.go: collaborator interfaces
  - lock/: AgreementLocker implementations
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Service wires the engine to its collaborators.
type Service struct {
	Store  Store
	Views  TimebankViewStore // nil when the store cannot aggregate
	Locker AgreementLocker
	Logger zerolog.Logger

	// Observer, when set, is notified after successful writes.
	Observer Observer

	// Injectable for tests.
	Now   func() time.Time
	NewID func() string
}

// NewService creates a service. If store also implements TimebankViewStore,
// status queries use the aggregate path first.
func NewService(store Store, locker AgreementLocker) *Service {
	svc := &Service{
		Store:  store,
		Locker: locker,
		Logger: zerolog.Nop(),
		Now:    time.Now,
		NewID:  uuid.NewString,
	}
	if vs, ok := store.(TimebankViewStore); ok {
		svc.Views = vs
	}
	return svc
}

func (s *Service) today() Date {
	return DateOf(s.Now().UTC())
}

// =============================================================================
// AGREEMENTS & STATUS
// =============================================================================

// SaveAgreement validates and stores an agreement.
func (s *Service) SaveAgreement(ctx context.Context, a Agreement) (Agreement, error) {
	if err := a.Validate(); err != nil {
		return Agreement{}, err
	}
	now := s.Now().UTC()
	if a.ID == "" {
		a.ID = AgreementID(s.NewID())
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if err := s.Store.SaveAgreement(ctx, a); err != nil {
		return Agreement{}, fmt.Errorf("failed to save agreement: %w", err)
	}
	return a, nil
}

// GetAgreement loads an agreement.
func (s *Service) GetAgreement(ctx context.Context, id AgreementID) (*Agreement, error) {
	return s.Store.GetAgreement(ctx, id)
}

// ListAgreements lists a customer's agreements, or all for an empty ID.
func (s *Service) ListAgreements(ctx context.Context, customerID CustomerID) ([]Agreement, error) {
	return s.Store.ListAgreements(ctx, customerID)
}

// AgreementPeriod returns the period of the agreement containing
// referenceDate. A zero referenceDate means today.
func (s *Service) AgreementPeriod(ctx context.Context, id AgreementID, referenceDate Date) (Period, error) {
	if referenceDate.IsZero() {
		referenceDate = s.today()
	}
	a, err := s.Store.GetAgreement(ctx, id)
	if err != nil {
		return Period{}, err
	}
	return CurrentPeriod(*a, referenceDate)
}

// IndexationNotices lists agreements whose price indexation is due within
// windowDays of referenceDate, or overdue.
func (s *Service) IndexationNotices(ctx context.Context, referenceDate Date, windowDays int) ([]IndexationNotice, error) {
	if referenceDate.IsZero() {
		referenceDate = s.today()
	}
	agreements, err := s.Store.ListAgreements(ctx, "")
	if err != nil {
		return nil, err
	}
	return IndexationNotices(agreements, referenceDate, windowDays), nil
}

// TimebankStatus returns the current-period status of a timebank agreement.
// A zero referenceDate means today.
func (s *Service) TimebankStatus(ctx context.Context, id AgreementID, referenceDate Date) (TimebankStatus, error) {
	if referenceDate.IsZero() {
		referenceDate = s.today()
	}
	a, err := s.Store.GetAgreement(ctx, id)
	if err != nil {
		return TimebankStatus{}, err
	}
	period, err := CurrentPeriod(*a, referenceDate)
	if err != nil {
		return TimebankStatus{}, err
	}

	var view *TimebankView
	if s.Views != nil && a.Type == AgreementTimebank {
		view, err = s.Views.TimebankView(ctx, id, period)
		if err != nil {
			// The raw path is authoritative; a failing aggregate only costs speed.
			s.Logger.Warn().Err(err).Str("agreement_id", string(id)).Msg("timebank view unavailable, using entries")
			view = nil
		}
	}

	return ResolveTimebankStatus(*a, view, func() ([]TimeEntry, error) {
		return s.Store.EntriesForAgreement(ctx, id, period.Start, period.End)
	}, referenceDate)
}

// =============================================================================
// TIME ENTRIES
// =============================================================================

// LogEntry classifies and stores a new time entry. Timebank entries are
// split against the remaining pool under the agreement lock. Stored entries
// are never rewritten here; reusing an ID fails with ErrEntryExists.
func (s *Service) LogEntry(ctx context.Context, e TimeEntry) (TimeEntry, error) {
	if e.AgreementID == "" {
		return TimeEntry{}, &ValidationError{Field: "agreement_id", Reason: "required"}
	}
	if e.Date.IsZero() {
		e.Date = s.today()
	}
	if e.Hours.Valid && e.Hours.Decimal.IsNegative() {
		return TimeEntry{}, &ValidationError{Field: "hours", Reason: "must not be negative"}
	}
	if e.Hours.Valid {
		// The split is computed on the hours as stored.
		e.Hours = decimal.NewNullDecimal(e.Hours.Decimal.Round(HourScale))
	}
	if e.ID == "" {
		e.ID = EntryID(s.NewID())
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.Now().UTC()
	}
	e.IsExported = false

	var out TimeEntry
	err := s.Locker.WithAgreementLock(ctx, e.AgreementID, func(ctx context.Context) error {
		if _, err := s.Store.GetEntry(ctx, e.ID); err == nil {
			return fmt.Errorf("entry %s: %w", e.ID, ErrEntryExists)
		} else if !errors.Is(err, ErrEntryNotFound) {
			return err
		}
		a, err := s.Store.GetAgreement(ctx, e.AgreementID)
		if err != nil {
			return err
		}
		if !a.IsActiveOn(e.Date) {
			return &ValidationError{Field: "date", Reason: "agreement is not valid on " + e.Date.String()}
		}
		e.CustomerID = a.CustomerID

		if err := s.classify(ctx, *a, &e); err != nil {
			return err
		}
		if err := s.Store.SaveEntries(ctx, e); err != nil {
			return fmt.Errorf("failed to save entry: %w", err)
		}
		out = e
		return nil
	})
	if err != nil {
		return TimeEntry{}, err
	}

	if s.Observer != nil {
		s.Observer.EntryLogged(out)
	}
	s.Logger.Debug().
		Str("entry_id", string(out.ID)).
		Str("agreement_id", string(out.AgreementID)).
		Str("billing_type", string(out.BillingType)).
		Msg("time entry logged")
	return out, nil
}

// classify sets the entry's billing type, splitting timebank work.
// Must run under the agreement lock.
func (s *Service) classify(ctx context.Context, a Agreement, e *TimeEntry) error {
	if e.BillingType == BillingInternal || !e.IsBillable {
		e.BillingType = BillingInternal
		return nil
	}

	switch a.Type {
	case AgreementHourly:
		e.BillingType = BillingHourly
	case AgreementFixed:
		e.BillingType = BillingFixed
	case AgreementTimebank:
		period, err := CurrentPeriod(a, e.Date)
		if err != nil {
			return err
		}
		existing, err := s.Store.EntriesForAgreement(ctx, a.ID, period.Start, period.End)
		if err != nil {
			return err
		}
		status, err := CalculateTimebankStatus(a, existing, e.Date)
		if err != nil {
			return err
		}
		e.ApplySplit(CalculateBillingWithSplit(e.HoursOrZero(), status.HoursRemaining))
	default:
		return ErrInvalidAgreementType
	}
	return nil
}

// =============================================================================
// BATCHES
// =============================================================================

// CreateBatch stores an empty draft batch.
func (s *Service) CreateBatch(ctx context.Context, customerID CustomerID, name string, period Period) (*Batch, error) {
	if customerID == "" {
		return nil, &ValidationError{Field: "customer_id", Reason: "required"}
	}
	if period.End.Before(period.Start) {
		return nil, &ValidationError{Field: "period", Reason: "end before start"}
	}
	b := NewBatch(BatchID(s.NewID()), customerID, name, period, s.Now().UTC())
	if err := s.Store.CreateBatch(ctx, *b); err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}
	return b, nil
}

// GenerateBatch creates a draft batch holding every billable, unexported
// entry of the customer in the period that no other open batch holds.
func (s *Service) GenerateBatch(ctx context.Context, customerID CustomerID, name string, period Period) (*Batch, error) {
	b, err := s.CreateBatch(ctx, customerID, name, period)
	if err != nil {
		return nil, err
	}
	entries, err := s.Store.EntriesForCustomer(ctx, customerID, period.Start, period.End)
	if err != nil {
		return nil, err
	}
	claimed, err := s.claimedEntries(ctx, customerID)
	if err != nil {
		return nil, err
	}

	expected := b.Version
	for _, e := range entries {
		if e.IsExported || !e.IsBillable || claimed[e.ID] {
			continue
		}
		if err := b.AddEntry(e); err != nil {
			return nil, err
		}
	}
	if err := s.Store.SaveBatch(ctx, *b, expected); err != nil {
		return nil, err
	}
	b.Version = expected + 1
	return b, nil
}

func (s *Service) claimedEntries(ctx context.Context, customerID CustomerID) (map[EntryID]bool, error) {
	batches, err := s.Store.ListBatches(ctx, customerID)
	if err != nil {
		return nil, err
	}
	claimed := make(map[EntryID]bool)
	for _, b := range batches {
		for _, id := range b.EntryIDs() {
			claimed[id] = true
		}
	}
	return claimed, nil
}

// ListEntries returns an agreement's entries dated within [from, to].
func (s *Service) ListEntries(ctx context.Context, id AgreementID, from, to Date) ([]TimeEntry, error) {
	if to.Before(from) {
		return nil, &ValidationError{Field: "to", Reason: "must not be before from"}
	}
	return s.Store.EntriesForAgreement(ctx, id, from, to)
}

// ListBatches lists a customer's batches, or all for an empty ID.
func (s *Service) ListBatches(ctx context.Context, customerID CustomerID) ([]Batch, error) {
	return s.Store.ListBatches(ctx, customerID)
}

// GetBatch loads a batch.
func (s *Service) GetBatch(ctx context.Context, id BatchID) (*Batch, error) {
	return s.Store.GetBatch(ctx, id)
}

// AddEntryToBatch adds a stored entry to a draft batch. An entry held by
// another batch is rejected with ErrEntryInOtherBatch.
func (s *Service) AddEntryToBatch(ctx context.Context, batchID BatchID, entryID EntryID) (*Batch, error) {
	e, err := s.Store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	return s.mutateBatch(ctx, batchID, "", func(b *Batch) error {
		holder, err := s.batchHolding(ctx, b.CustomerID, entryID)
		if err != nil {
			return err
		}
		if holder != "" && holder != b.ID {
			return fmt.Errorf("entry %s is in batch %s: %w", entryID, holder, ErrEntryInOtherBatch)
		}
		return b.AddEntry(*e)
	})
}

// batchHolding returns the ID of the customer's batch that holds the entry,
// or "" when none does.
func (s *Service) batchHolding(ctx context.Context, customerID CustomerID, entryID EntryID) (BatchID, error) {
	batches, err := s.Store.ListBatches(ctx, customerID)
	if err != nil {
		return "", err
	}
	for _, b := range batches {
		if b.indexOf(entryID) >= 0 {
			return b.ID, nil
		}
	}
	return "", nil
}

// RemoveEntryFromBatch removes an entry from a draft batch.
func (s *Service) RemoveEntryFromBatch(ctx context.Context, batchID BatchID, entryID EntryID) (*Batch, error) {
	return s.mutateBatch(ctx, batchID, "", func(b *Batch) error {
		return b.RemoveEntry(entryID)
	})
}

// SubmitBatch moves a draft batch to review and freezes its totals.
func (s *Service) SubmitBatch(ctx context.Context, batchID BatchID) (*Batch, error) {
	return s.mutateBatch(ctx, batchID, BatchReview, func(b *Batch) error {
		agreements, err := s.agreementsFor(ctx, b)
		if err != nil {
			return err
		}
		charged, err := s.fixedFeesChargedElsewhere(ctx, b)
		if err != nil {
			return err
		}
		return b.Submit(agreements, charged, s.Now().UTC())
	})
}

// fixedFeesChargedElsewhere collects the fixed fees, keyed by agreement and
// period, that other submitted batches of the customer already carry. Draft
// batches have no frozen totals and are ignored.
func (s *Service) fixedFeesChargedElsewhere(ctx context.Context, b *Batch) (map[FixedCharge]bool, error) {
	batches, err := s.Store.ListBatches(ctx, b.CustomerID)
	if err != nil {
		return nil, err
	}
	charged := make(map[FixedCharge]bool)
	for _, other := range batches {
		if other.ID == b.ID || other.Status == BatchDraft {
			continue
		}
		for _, c := range other.Totals.FixedCharges {
			charged[c] = true
		}
	}
	return charged, nil
}

// ReopenBatch returns a batch under review to draft.
func (s *Service) ReopenBatch(ctx context.Context, batchID BatchID) (*Batch, error) {
	return s.mutateBatch(ctx, batchID, BatchDraft, func(b *Batch) error {
		return b.Reopen(s.Now().UTC())
	})
}

// RecordExport records the outcome of the external export action. On
// success the exported status and the member entries' exported flags are
// written together by one SaveBatch.
func (s *Service) RecordExport(ctx context.Context, batchID BatchID, result ExportResult) (*Batch, error) {
	b, err := s.mutateBatch(ctx, batchID, BatchExported, func(b *Batch) error {
		return b.RecordExport(result, s.Now().UTC())
	})
	if err != nil {
		return nil, err
	}
	s.Logger.Info().
		Str("batch_id", string(b.ID)).
		Str("export_reference", b.ExportReference).
		Str("total", b.Totals.Total.String()).
		Msg("batch exported")
	return b, nil
}

// LockBatch finalizes an exported batch.
func (s *Service) LockBatch(ctx context.Context, batchID BatchID) (*Batch, error) {
	return s.mutateBatch(ctx, batchID, BatchLocked, func(b *Batch) error {
		return b.Lock(s.Now().UTC())
	})
}

// mutateBatch applies fn to a fresh copy and persists it with compare-and-swap.
// target is the status fn moves to ("" for content edits); finding the batch
// already there means another caller won the race.
func (s *Service) mutateBatch(ctx context.Context, id BatchID, target BatchStatus, fn func(b *Batch) error) (*Batch, error) {
	stored, err := s.Store.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	b := stored.Clone()
	expected := b.Version

	if err := fn(b); err != nil {
		var invalid *InvalidTransitionError
		if target != "" && target != BatchDraft && errors.As(err, &invalid) && invalid.From == target {
			return nil, &ConcurrentTransitionError{BatchID: id, ExpectedVersion: expected, Target: target}
		}
		return nil, err
	}

	if err := s.Store.SaveBatch(ctx, *b, expected); err != nil {
		if errors.Is(err, ErrConcurrentTransition) {
			return nil, &ConcurrentTransitionError{BatchID: id, ExpectedVersion: expected, Target: target}
		}
		return nil, fmt.Errorf("failed to save batch: %w", err)
	}
	b.Version = expected + 1

	if target != "" {
		if s.Observer != nil {
			s.Observer.BatchTransitioned(stored.Status, b.Status)
		}
		s.Logger.Debug().
			Str("batch_id", string(id)).
			Str("from", string(stored.Status)).
			Str("to", string(b.Status)).
			Msg("batch transition")
	}
	return b, nil
}

func (s *Service) agreementsFor(ctx context.Context, b *Batch) (map[AgreementID]Agreement, error) {
	out := make(map[AgreementID]Agreement)
	for _, id := range b.AgreementIDs() {
		a, err := s.Store.GetAgreement(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = *a
	}
	return out, nil
}
