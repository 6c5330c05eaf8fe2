package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/billing-engine/billing"
	memstore "github.com/warp/billing-engine/billing/store"
	"github.com/warp/billing-engine/lock"
	"github.com/warp/billing-engine/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var fixedNow = time.Date(2025, time.March, 31, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestService(t *testing.T, store *sqlite.Store) *billing.Service {
	t.Helper()
	svc := billing.NewService(store, lock.NewLocal())
	svc.Now = func() time.Time { return fixedNow }
	return svc
}

func d(day int) billing.Date {
	return billing.NewDate(2025, time.March, day)
}

func nullDec(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func timebank(id billing.AgreementID) billing.Agreement {
	next := d(20)
	return billing.Agreement{
		ID:             id,
		CustomerID:     "acme",
		Name:           "Support pool",
		Type:           billing.AgreementTimebank,
		Period:         billing.PeriodMonthly,
		IncludedHours:  nullDec("40"),
		HourlyRate:     decimal.RequireFromString("1000"),
		OvertimeRate:   nullDec("1200.50"),
		NextIndexation: &next,
		ValidFrom:      billing.NewDate(2025, time.January, 1),
		CreatedAt:      fixedNow,
		UpdatedAt:      fixedNow,
	}
}

func logEntry(t *testing.T, svc *billing.Service, id billing.AgreementID, day int, h string) billing.TimeEntry {
	t.Helper()
	e, err := svc.LogEntry(context.Background(), billing.TimeEntry{
		AgreementID: id,
		Date:        d(day),
		Hours:       nullDec(h),
		IsBillable:  true,
		Description: "work",
	})
	require.NoError(t, err)
	return e
}

// =============================================================================
// AGREEMENTS
// =============================================================================

func TestStore_AgreementRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	a := timebank("agr-1")

	require.NoError(t, store.SaveAgreement(ctx, a))

	got, err := store.GetAgreement(ctx, "agr-1")
	require.NoError(t, err)
	assert.Equal(t, a.CustomerID, got.CustomerID)
	assert.Equal(t, a.Type, got.Type)
	assert.Equal(t, a.Period, got.Period)
	assert.Equal(t, "40", got.IncludedHours.Decimal.String())
	assert.Equal(t, "1200.5", got.OvertimeRate.Decimal.String())
	assert.False(t, got.FixedAmount.Valid)
	require.NotNil(t, got.NextIndexation)
	assert.Equal(t, d(20), *got.NextIndexation)
	assert.Nil(t, got.ValidTo)
	assert.True(t, a.CreatedAt.Equal(got.CreatedAt))

	// Upsert keeps a single row
	a.Name = "Renamed"
	require.NoError(t, store.SaveAgreement(ctx, a))
	all, err := store.ListAgreements(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Renamed", all[0].Name)
}

func TestStore_AgreementNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetAgreement(context.Background(), "missing")
	assert.ErrorIs(t, err, billing.ErrAgreementNotFound)
}

// =============================================================================
// ENTRIES
// =============================================================================

func TestStore_EntryRequiresAgreement(t *testing.T) {
	store := newTestStore(t)

	err := store.SaveEntries(context.Background(), billing.TimeEntry{
		ID:          "e1",
		AgreementID: "missing",
		Date:        d(3),
		Hours:       nullDec("1"),
		BillingType: billing.BillingHourly,
		CreatedAt:   fixedNow,
	})
	assert.ErrorIs(t, err, billing.ErrAgreementNotFound)
}

func TestStore_ExportedEntryIsImmutable(t *testing.T) {
	store := newTestStore(t)
	svc := newTestService(t, store)
	ctx := context.Background()
	require.NoError(t, store.SaveAgreement(ctx, timebank("agr-1")))

	e := logEntry(t, svc, "agr-1", 3, "2")
	e.IsExported = true
	require.NoError(t, store.SaveEntries(ctx, e))

	e.Description = "changed"
	assert.ErrorIs(t, store.SaveEntries(ctx, e), billing.ErrEntryExported)

	got, err := store.GetEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "work", got.Description)
}

func TestStore_NullHoursRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.SaveAgreement(ctx, timebank("agr-1")))

	require.NoError(t, store.SaveEntries(ctx, billing.TimeEntry{
		ID:          "e-null",
		AgreementID: "agr-1",
		CustomerID:  "acme",
		Date:        d(3),
		BillingType: billing.BillingTimebank,
		IsBillable:  true,
		CreatedAt:   fixedNow,
	}))

	got, err := store.GetEntry(ctx, "e-null")
	require.NoError(t, err)
	assert.False(t, got.Hours.Valid)
	assert.False(t, got.PoolHours.Valid)
}

func TestStore_SplitHoursShareHoursScale(t *testing.T) {
	// GIVEN: Entries whose hours carry more than four decimals
	// WHEN: Reading them back
	// THEN: Hours, pool and overtime share one scale and still add up

	store := newTestStore(t)
	svc := newTestService(t, store)
	ctx := context.Background()
	require.NoError(t, store.SaveAgreement(ctx, timebank("agr-1")))

	third := decimal.NewFromInt(1).Div(decimal.NewFromInt(3))
	require.NoError(t, store.SaveEntries(ctx, billing.TimeEntry{
		ID:            "e-third",
		AgreementID:   "agr-1",
		CustomerID:    "acme",
		Date:          d(3),
		Hours:         decimal.NewNullDecimal(third),
		BillingType:   billing.BillingTimebank,
		IsBillable:    true,
		PoolHours:     decimal.NewNullDecimal(third),
		OvertimeHours: decimal.NewNullDecimal(decimal.Zero),
		CreatedAt:     fixedNow,
	}))
	got, err := store.GetEntry(ctx, "e-third")
	require.NoError(t, err)
	assert.Equal(t, "0.3333", got.Hours.Decimal.String())
	assert.Equal(t, "0.3333", got.PoolHours.Decimal.String())

	logged, err := svc.LogEntry(ctx, billing.TimeEntry{
		AgreementID: "agr-1",
		Date:        d(4),
		Hours:       decimal.NewNullDecimal(billing.HoursFromMinutes(20)),
		IsBillable:  true,
	})
	require.NoError(t, err)
	got, err = store.GetEntry(ctx, logged.ID)
	require.NoError(t, err)
	assert.Equal(t, logged.Hours.Decimal.String(), got.Hours.Decimal.String())
	assert.True(t, got.PoolHours.Decimal.Add(got.OvertimeHours.Decimal).Equal(got.Hours.Decimal))
}

func TestStore_EntriesForAgreementFiltersByDate(t *testing.T) {
	store := newTestStore(t)
	svc := newTestService(t, store)
	ctx := context.Background()
	require.NoError(t, store.SaveAgreement(ctx, timebank("agr-1")))

	logEntry(t, svc, "agr-1", 10, "1")
	logEntry(t, svc, "agr-1", 2, "1")
	logEntry(t, svc, "agr-1", 25, "1")

	entries, err := store.EntriesForAgreement(ctx, "agr-1", d(1), d(15))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, d(2), entries[0].Date)
	assert.Equal(t, d(10), entries[1].Date)
}

// =============================================================================
// TIMEBANK VIEW
// =============================================================================

func TestStore_TimebankViewMatchesRawPath(t *testing.T) {
	// GIVEN: Fractional entries, one of them crossing the pool limit
	// WHEN: Computing status through the SQL view and through raw entries
	// THEN: Both agree exactly

	store := newTestStore(t)
	svc := newTestService(t, store)
	ctx := context.Background()
	a := timebank("agr-1")
	require.NoError(t, store.SaveAgreement(ctx, a))

	for i, h := range []string{"10.25", "0.3333", "17.5", "14.0167"} {
		logEntry(t, svc, "agr-1", i+1, h)
	}

	period := billing.Period{Start: d(1), End: d(31)}
	view, err := store.TimebankView(ctx, "agr-1", period)
	require.NoError(t, err)
	require.NotNil(t, view.HoursUsed)
	assert.Equal(t, 4, view.EntryCount)

	fromView, err := billing.TimebankStatusFromView(a, view, d(15))
	require.NoError(t, err)

	entries, err := store.EntriesForAgreement(ctx, "agr-1", period.Start, period.End)
	require.NoError(t, err)
	raw, err := billing.CalculateTimebankStatus(a, entries, d(15))
	require.NoError(t, err)

	assert.Equal(t, raw.HoursUsed.String(), fromView.HoursUsed.String())
	assert.Equal(t, raw.HoursRemaining.String(), fromView.HoursRemaining.String())
	assert.Equal(t, raw.OvertimeHours.String(), fromView.OvertimeHours.String())
	assert.Equal(t, raw.PercentUsed.String(), fromView.PercentUsed.String())
	assert.Equal(t, "42.1", fromView.HoursUsed.String())
	assert.True(t, fromView.IsOvertime)
}

func TestStore_TimebankViewUnknownAgreement(t *testing.T) {
	store := newTestStore(t)

	_, err := store.TimebankView(context.Background(), "missing", billing.Period{Start: d(1), End: d(31)})
	assert.ErrorIs(t, err, billing.ErrAgreementNotFound)
}

// =============================================================================
// BATCHES
// =============================================================================

func TestStore_BatchRoundTripAndCAS(t *testing.T) {
	// GIVEN: A stored draft batch with two members
	// WHEN: Saving twice against the same expected version
	// THEN: The first write wins, the second is a concurrent transition

	store := newTestStore(t)
	svc := newTestService(t, store)
	ctx := context.Background()
	require.NoError(t, store.SaveAgreement(ctx, timebank("agr-1")))
	e1 := logEntry(t, svc, "agr-1", 3, "4")
	e2 := logEntry(t, svc, "agr-1", 4, "6")

	b := billing.NewBatch("batch-1", "acme", "March", billing.Period{Start: d(1), End: d(31)}, fixedNow)
	require.NoError(t, store.CreateBatch(ctx, *b))
	require.NoError(t, b.AddEntry(e2))
	require.NoError(t, b.AddEntry(e1))
	require.NoError(t, store.SaveBatch(ctx, *b, 0))

	got, err := store.GetBatch(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, []billing.EntryID{e2.ID, e1.ID}, got.EntryIDs())
	assert.Equal(t, billing.BatchDraft, got.Status)
	assert.Equal(t, d(31), got.Period.End)

	b.Name = "stale write"
	assert.ErrorIs(t, store.SaveBatch(ctx, *b, 0), billing.ErrConcurrentTransition)

	got, err = store.GetBatch(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, "March", got.Name)
}

func TestStore_SaveBatchUnknown(t *testing.T) {
	store := newTestStore(t)
	b := billing.NewBatch("nope", "acme", "", billing.Period{Start: d(1), End: d(31)}, fixedNow)

	assert.ErrorIs(t, store.SaveBatch(context.Background(), *b, 0), billing.ErrBatchNotFound)

	_, err := store.GetBatch(context.Background(), "nope")
	assert.ErrorIs(t, err, billing.ErrBatchNotFound)
}

func TestStore_ServiceLifecyclePersistsTotals(t *testing.T) {
	store := newTestStore(t)
	svc := newTestService(t, store)
	ctx := context.Background()
	require.NoError(t, store.SaveAgreement(ctx, timebank("agr-1")))
	logEntry(t, svc, "agr-1", 3, "30")
	logEntry(t, svc, "agr-1", 4, "12")

	b, err := svc.GenerateBatch(ctx, "acme", "March", billing.Period{Start: d(1), End: d(31)})
	require.NoError(t, err)
	b, err = svc.SubmitBatch(ctx, b.ID)
	require.NoError(t, err)
	_, err = svc.RecordExport(ctx, b.ID, billing.ExportResult{Success: true, Reference: "INV-1"})
	require.NoError(t, err)

	got, err := store.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.BatchExported, got.Status)
	assert.Equal(t, "INV-1", got.ExportReference)
	require.NotNil(t, got.ExportedAt)
	assert.Equal(t, "2", got.Totals.OvertimeHours.String())
	assert.Equal(t, "2401", got.Totals.Total.String())
	for _, e := range got.Entries {
		assert.True(t, e.IsExported)
	}

	batches, err := store.ListBatches(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, batches, 1)
}

func TestStore_SaveBatchMarksExportedMembers(t *testing.T) {
	// GIVEN: A batch under review with two members
	// WHEN: Saving it as exported, first against a stale version, then the current one
	// THEN: The stale write marks nothing and the current write marks both entries

	store := newTestStore(t)
	svc := newTestService(t, store)
	ctx := context.Background()
	require.NoError(t, store.SaveAgreement(ctx, timebank("agr-1")))
	logEntry(t, svc, "agr-1", 3, "4")
	logEntry(t, svc, "agr-1", 4, "6")

	b, err := svc.GenerateBatch(ctx, "acme", "March", billing.Period{Start: d(1), End: d(31)})
	require.NoError(t, err)
	b, err = svc.SubmitBatch(ctx, b.ID)
	require.NoError(t, err)

	exported := b.Clone()
	require.NoError(t, exported.RecordExport(billing.ExportResult{Success: true, Reference: "INV-9"}, fixedNow))

	assert.ErrorIs(t, store.SaveBatch(ctx, *exported, b.Version-1), billing.ErrConcurrentTransition)
	for _, id := range b.EntryIDs() {
		e, err := store.GetEntry(ctx, id)
		require.NoError(t, err)
		assert.False(t, e.IsExported)
	}

	require.NoError(t, store.SaveBatch(ctx, *exported, b.Version))
	for _, id := range b.EntryIDs() {
		e, err := store.GetEntry(ctx, id)
		require.NoError(t, err)
		assert.True(t, e.IsExported)
	}
}

func TestStore_FixedChargesSurviveRoundTrip(t *testing.T) {
	store := newTestStore(t)
	svc := newTestService(t, store)
	ctx := context.Background()
	require.NoError(t, store.SaveAgreement(ctx, billing.Agreement{
		ID:          "agr-f",
		CustomerID:  "acme",
		Type:        billing.AgreementFixed,
		Period:      billing.PeriodMonthly,
		FixedAmount: nullDec("5000"),
		ValidFrom:   billing.NewDate(2025, time.January, 1),
		CreatedAt:   fixedNow,
		UpdatedAt:   fixedNow,
	}))
	february := billing.NewDate(2025, time.February, 10)
	_, err := svc.LogEntry(ctx, billing.TimeEntry{AgreementID: "agr-f", Date: february, Hours: nullDec("1"), IsBillable: true})
	require.NoError(t, err)
	logEntry(t, svc, "agr-f", 3, "1")

	b, err := svc.GenerateBatch(ctx, "acme", "Q1", billing.Period{Start: billing.NewDate(2025, time.January, 1), End: d(31)})
	require.NoError(t, err)
	_, err = svc.SubmitBatch(ctx, b.ID)
	require.NoError(t, err)

	got, err := store.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "10000", got.Totals.FixedAmount.String())
	assert.Equal(t, []billing.FixedCharge{
		{AgreementID: "agr-f", PeriodStart: billing.NewDate(2025, time.February, 1)},
		{AgreementID: "agr-f", PeriodStart: d(1)},
	}, got.Totals.FixedCharges)
}

// =============================================================================
// STORE PARITY
// =============================================================================

func TestStores_ReviewContentFrozen(t *testing.T) {
	// GIVEN: A batch under review in each store implementation
	// WHEN: Rewriting a member entry directly, reusing its ID, and logging other work
	// THEN: Both stores refuse the rewrite and read the batch back unchanged;
	//       the memory store keeps member snapshots while SQLite joins live rows

	stores := map[string]func(t *testing.T) billing.Store{
		"memory": func(t *testing.T) billing.Store { return memstore.NewMemory() },
		"sqlite": func(t *testing.T) billing.Store { return newTestStore(t) },
	}

	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			svc := billing.NewService(st, lock.NewLocal())
			svc.Now = func() time.Time { return fixedNow }
			ctx := context.Background()
			require.NoError(t, st.SaveAgreement(ctx, timebank("agr-1")))
			member := logEntry(t, svc, "agr-1", 3, "30")

			b, err := svc.GenerateBatch(ctx, "acme", "March", billing.Period{Start: d(1), End: d(31)})
			require.NoError(t, err)
			b, err = svc.SubmitBatch(ctx, b.ID)
			require.NoError(t, err)

			rewritten := member
			rewritten.Hours = nullDec("50")
			rewritten.PoolHours = nullDec("40")
			rewritten.OvertimeHours = nullDec("10")
			assert.ErrorIs(t, st.SaveEntries(ctx, rewritten), billing.ErrBatchUnderReview)

			_, err = svc.LogEntry(ctx, billing.TimeEntry{ID: member.ID, AgreementID: "agr-1", Date: d(4), Hours: nullDec("50"), IsBillable: true})
			assert.ErrorIs(t, err, billing.ErrEntryExists)

			logEntry(t, svc, "agr-1", 5, "2")

			got, err := st.GetBatch(ctx, b.ID)
			require.NoError(t, err)
			assert.Equal(t, billing.BatchReview, got.Status)
			assert.Equal(t, []billing.EntryID{member.ID}, got.EntryIDs())
			assert.Equal(t, "30", got.Entries[0].Hours.Decimal.String())
			assert.Equal(t, "30", got.Entries[0].PoolHours.Decimal.String())
			assert.True(t, b.Totals.Total.Equal(got.Totals.Total))
			assert.True(t, b.Totals.PoolHours.Equal(got.Totals.PoolHours))

			// Back in draft the entry may be corrected again
			_, err = svc.ReopenBatch(ctx, b.ID)
			require.NoError(t, err)
			assert.NoError(t, st.SaveEntries(ctx, rewritten))
		})
	}
}

func TestStore_Reset(t *testing.T) {
	store := newTestStore(t)
	svc := newTestService(t, store)
	ctx := context.Background()
	require.NoError(t, store.SaveAgreement(ctx, timebank("agr-1")))
	logEntry(t, svc, "agr-1", 3, "1")

	require.NoError(t, store.Reset(ctx))

	all, err := store.ListAgreements(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, all)
}
