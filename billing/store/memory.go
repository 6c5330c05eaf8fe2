// Package store provides in-memory billing collaborators.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements billing.Store and billing.TimebankViewStore.
type Memory struct {
	mu         sync.RWMutex
	agreements map[billing.AgreementID]billing.Agreement
	entries    map[billing.EntryID]billing.TimeEntry
	batches    map[billing.BatchID]billing.Batch

	// ViewDisabled makes TimebankView return an incomplete row, forcing
	// callers onto the raw-entry path.
	ViewDisabled bool
}

func NewMemory() *Memory {
	return &Memory{
		agreements: make(map[billing.AgreementID]billing.Agreement),
		entries:    make(map[billing.EntryID]billing.TimeEntry),
		batches:    make(map[billing.BatchID]billing.Batch),
	}
}

var (
	_ billing.Store             = (*Memory)(nil)
	_ billing.TimebankViewStore = (*Memory)(nil)
)

// =============================================================================
// AGREEMENTS
// =============================================================================

func (m *Memory) SaveAgreement(_ context.Context, a billing.Agreement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agreements[a.ID] = a
	return nil
}

func (m *Memory) GetAgreement(_ context.Context, id billing.AgreementID) (*billing.Agreement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agreements[id]
	if !ok {
		return nil, billing.ErrAgreementNotFound
	}
	return &a, nil
}

// ListAgreements returns agreements of a customer, or all agreements for an
// empty customer ID, ordered by ID.
func (m *Memory) ListAgreements(_ context.Context, customerID billing.CustomerID) ([]billing.Agreement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []billing.Agreement
	for _, a := range m.agreements {
		if customerID == "" || a.CustomerID == customerID {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// =============================================================================
// TIME ENTRIES
// =============================================================================

// SaveEntries writes all entries or none.
func (m *Memory) SaveEntries(_ context.Context, entries ...billing.TimeEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check everything first (atomic write)
	for _, e := range entries {
		existing, ok := m.entries[e.ID]
		if !ok {
			continue
		}
		if err := existing.CheckMutable(); err != nil {
			return err
		}
		if m.inReviewLocked(e.ID) {
			return billing.ErrBatchUnderReview
		}
	}
	for _, e := range entries {
		m.entries[e.ID] = e
	}
	return nil
}

func (m *Memory) inReviewLocked(id billing.EntryID) bool {
	for _, b := range m.batches {
		if b.Status != billing.BatchReview {
			continue
		}
		for _, e := range b.Entries {
			if e.ID == id {
				return true
			}
		}
	}
	return false
}

func (m *Memory) GetEntry(_ context.Context, id billing.EntryID) (*billing.TimeEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, billing.ErrEntryNotFound
	}
	return &e, nil
}

func (m *Memory) EntriesForAgreement(_ context.Context, agreementID billing.AgreementID, from, to billing.Date) ([]billing.TimeEntry, error) {
	return m.filterEntries(func(e billing.TimeEntry) bool {
		return e.AgreementID == agreementID && inRange(e.Date, from, to)
	}), nil
}

func (m *Memory) EntriesForCustomer(_ context.Context, customerID billing.CustomerID, from, to billing.Date) ([]billing.TimeEntry, error) {
	return m.filterEntries(func(e billing.TimeEntry) bool {
		return e.CustomerID == customerID && inRange(e.Date, from, to)
	}), nil
}

func (m *Memory) filterEntries(keep func(billing.TimeEntry) bool) []billing.TimeEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []billing.TimeEntry
	for _, e := range m.entries {
		if keep(e) {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].Date.Equal(result[j].Date) {
			return result[i].Date.Before(result[j].Date)
		}
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func inRange(d, from, to billing.Date) bool {
	return from.BeforeOrEqual(d) && d.BeforeOrEqual(to)
}

// =============================================================================
// TIMEBANK VIEW
// =============================================================================

// TimebankView aggregates pool consumption the way a database view would.
func (m *Memory) TimebankView(_ context.Context, agreementID billing.AgreementID, period billing.Period) (*billing.TimebankView, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	view := &billing.TimebankView{AgreementID: agreementID, PeriodStart: period.Start}
	if m.ViewDisabled {
		return view, nil
	}
	a, ok := m.agreements[agreementID]
	if !ok {
		return nil, billing.ErrAgreementNotFound
	}
	if !a.IncludedHours.Valid {
		return view, nil
	}

	used := decimal.Zero
	for _, e := range m.entries {
		if e.AgreementID != agreementID || !e.BillingType.ConsumesPool() || !period.Contains(e.Date) {
			continue
		}
		used = used.Add(e.HoursOrZero())
		view.EntryCount++
	}
	included := a.IncludedHours.Decimal
	view.IncludedHours = &included
	view.HoursUsed = &used
	return view, nil
}

// =============================================================================
// BATCHES
// =============================================================================

func (m *Memory) CreateBatch(_ context.Context, b billing.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.Version = 0
	m.batches[b.ID] = *b.Clone()
	return nil
}

func (m *Memory) GetBatch(_ context.Context, id billing.BatchID) (*billing.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, billing.ErrBatchNotFound
	}
	return b.Clone(), nil
}

// SaveBatch is a compare-and-swap on Version. Members are kept as the
// snapshot b carries; exported flags are copied onto the stored entries.
func (m *Memory) SaveBatch(_ context.Context, b billing.Batch, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.batches[b.ID]
	if !ok {
		return billing.ErrBatchNotFound
	}
	if current.Version != expectedVersion {
		return billing.ErrConcurrentTransition
	}
	for _, e := range b.Entries {
		if _, ok := m.entries[e.ID]; !ok {
			return billing.ErrEntryNotFound
		}
	}
	for _, e := range b.Entries {
		if e.IsExported {
			stored := m.entries[e.ID]
			stored.IsExported = true
			m.entries[e.ID] = stored
		}
	}
	b.Version = expectedVersion + 1
	m.batches[b.ID] = *b.Clone()
	return nil
}

func (m *Memory) ListBatches(_ context.Context, customerID billing.CustomerID) ([]billing.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []billing.Batch
	for _, b := range m.batches {
		if customerID == "" || b.CustomerID == customerID {
			result = append(result, *b.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}
