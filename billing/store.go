/*
store.go - Collaborator interfaces the engine requires

PURPOSE:
  The calculators are pure. Everything that touches storage is expressed
  as an interface here so the surrounding application can plug in SQLite,
  an in-memory store, or anything else.

COLLABORATOR CONTRACT:
  (a) fetch agreements and time entries by customer / agreement / date range
  (b) serialize "read remaining balance, split, persist" per agreement
  (c) durably record batch status transitions, compare-and-swap on Version

IMPLEMENTATIONS:
  - billing/store/memory.go: in-memory, for tests and demos
  - store/sqlite/sqlite.go:  SQLite with goose migrations
  - lock/:                   in-process and Redis agreement locks
*/
package billing

import "context"

// AgreementStore reads and writes agreements.
type AgreementStore interface {
	SaveAgreement(ctx context.Context, a Agreement) error
	// GetAgreement returns ErrAgreementNotFound for an unknown ID.
	GetAgreement(ctx context.Context, id AgreementID) (*Agreement, error)
	ListAgreements(ctx context.Context, customerID CustomerID) ([]Agreement, error)
}

// EntryStore reads and writes time entries.
type EntryStore interface {
	// SaveEntries inserts or replaces entries. Replacing an exported entry
	// fails with ErrEntryExported, and replacing a member of a batch under
	// review fails with ErrBatchUnderReview.
	SaveEntries(ctx context.Context, entries ...TimeEntry) error
	// GetEntry returns ErrEntryNotFound for an unknown ID.
	GetEntry(ctx context.Context, id EntryID) (*TimeEntry, error)
	// EntriesForAgreement returns entries dated within [from, to], ordered by date.
	EntriesForAgreement(ctx context.Context, agreementID AgreementID, from, to Date) ([]TimeEntry, error)
	// EntriesForCustomer returns entries dated within [from, to], ordered by date.
	EntriesForCustomer(ctx context.Context, customerID CustomerID, from, to Date) ([]TimeEntry, error)
}

// TimebankViewStore aggregates timebank consumption server-side.
type TimebankViewStore interface {
	// TimebankView returns the aggregate for the period, or a view with nil
	// fields when the store cannot compute it.
	TimebankView(ctx context.Context, agreementID AgreementID, period Period) (*TimebankView, error)
}

// BatchStore persists billing batches.
type BatchStore interface {
	// CreateBatch inserts a new batch with Version 0.
	CreateBatch(ctx context.Context, b Batch) error
	// GetBatch returns ErrBatchNotFound for an unknown ID.
	GetBatch(ctx context.Context, id BatchID) (*Batch, error)
	// SaveBatch stores b only if the persisted version still equals
	// expectedVersion, and increments it. A mismatch returns
	// ErrConcurrentTransition. Members flagged IsExported are marked
	// exported in the same write.
	SaveBatch(ctx context.Context, b Batch, expectedVersion int) error
	ListBatches(ctx context.Context, customerID CustomerID) ([]Batch, error)
}

// Store is the full persistence collaborator.
type Store interface {
	AgreementStore
	EntryStore
	BatchStore
}

// AgreementLocker serializes read-modify-write sequences per agreement.
// Two splits against the same agreement must never both observe the
// pre-split remaining balance.
type AgreementLocker interface {
	WithAgreementLock(ctx context.Context, id AgreementID, fn func(ctx context.Context) error) error
}

// Observer is told about completed writes. Implementations must not block.
type Observer interface {
	EntryLogged(e TimeEntry)
	BatchTransitioned(from, to BatchStatus)
}
