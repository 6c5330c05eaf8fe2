/*
Package sqlite provides a SQLite-backed implementation of the billing storage interfaces.

PURPOSE:
  Implements billing.Store and billing.TimebankViewStore using SQLite. In
  production the same patterns apply to PostgreSQL with only minor SQL
  dialect differences.

INTERFACES IMPLEMENTED:
  billing.AgreementStore:    agreements (never deleted)
  billing.EntryStore:        time entries (immutable once exported)
  billing.BatchStore:        batches with compare-and-swap on version
  billing.TimebankViewStore: server-side SUM over the current period

KEY TABLES:
  agreements:      Commercial contracts
  time_entries:    Logged work, hours kept in ten-thousandths (hours_e4)
  billing_batches: Batch header, status, frozen totals, version
  batch_entries:   Batch membership, ordered by position

EXACT AGGREGATION:
  Hours are stored as integers scaled by 10^4 so SUM(hours_e4) in SQL equals
  the decimal sum of the same rows read back individually. The view path and
  the raw-entry path therefore produce identical status for the same data.

COMPARE-AND-SWAP:
  SaveBatch runs UPDATE ... WHERE id = ? AND version = ?. Zero affected rows
  means another writer got there first and returns ErrConcurrentTransition.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  database-level concurrency control handles this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time

MIGRATION:
  Schema is versioned with goose. migrations/*.sql are embedded in the
  binary and applied on New().

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal().Err(err).Msg("open store")
  }
  defer store.Close()

  svc := billing.NewService(store, lock.NewLocal())

SEE ALSO:
  - billing/store.go: Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/warp/billing-engine/billing"
)

//go:embed migrations/*.sql
var migrations embed.FS

// hoursScale is the fixed-point exponent of the hours_e4 column.
const hoursScale = 4

var hoursFactor = decimal.New(1, hoursScale)

// Store implements all billing storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ billing.Store             = (*Store)(nil)
	_ billing.TimebankViewStore = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies embedded goose migrations.
func (s *Store) migrate() error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{log: log.With().Str("component", "migrate").Logger()})
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(s.db, "migrations")
}

// gooseLogger routes goose output through zerolog.
type gooseLogger struct {
	log zerolog.Logger
}

func (l gooseLogger) Fatalf(format string, v ...any) {
	l.log.Fatal().Msgf(strings.TrimSpace(format), v...)
}

func (l gooseLogger) Printf(format string, v ...any) {
	l.log.Debug().Msgf(strings.TrimSpace(format), v...)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// AGREEMENT STORE
// =============================================================================

// SaveAgreement inserts or replaces an agreement.
func (s *Store) SaveAgreement(ctx context.Context, a billing.Agreement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO agreements
		(id, customer_id, name, type, period, included_hours, hourly_rate, overtime_rate,
		 hourly_rate_evening, fixed_amount, next_indexation, valid_from, valid_to, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			customer_id = excluded.customer_id,
			name = excluded.name,
			type = excluded.type,
			period = excluded.period,
			included_hours = excluded.included_hours,
			hourly_rate = excluded.hourly_rate,
			overtime_rate = excluded.overtime_rate,
			hourly_rate_evening = excluded.hourly_rate_evening,
			fixed_amount = excluded.fixed_amount,
			next_indexation = excluded.next_indexation,
			valid_from = excluded.valid_from,
			valid_to = excluded.valid_to,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		a.ID,
		a.CustomerID,
		a.Name,
		a.Type,
		a.Period,
		nullDecimal(a.IncludedHours),
		a.HourlyRate.String(),
		nullDecimal(a.OvertimeRate),
		nullDecimal(a.HourlyRateEvening),
		nullDecimal(a.FixedAmount),
		nullDate(a.NextIndexation),
		formatDate(a.ValidFrom),
		nullDate(a.ValidTo),
		a.CreatedAt.UTC().Format(time.RFC3339Nano),
		a.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save agreement: %w", err)
	}
	return nil
}

const agreementColumns = `
	id, customer_id, name, type, period, included_hours, hourly_rate, overtime_rate,
	hourly_rate_evening, fixed_amount, next_indexation, valid_from, valid_to, created_at, updated_at`

// GetAgreement retrieves an agreement by ID.
func (s *Store) GetAgreement(ctx context.Context, id billing.AgreementID) (*billing.Agreement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT "+agreementColumns+" FROM agreements WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query agreement: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, billing.ErrAgreementNotFound
	}
	a, err := scanAgreement(rows)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAgreements returns agreements of a customer, or all agreements for an
// empty customer ID.
func (s *Store) ListAgreements(ctx context.Context, customerID billing.CustomerID) ([]billing.Agreement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + agreementColumns + " FROM agreements"
	var args []any
	if customerID != "" {
		query += " WHERE customer_id = ?"
		args = append(args, customerID)
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query agreements: %w", err)
	}
	defer rows.Close()

	var agreements []billing.Agreement
	for rows.Next() {
		a, err := scanAgreement(rows)
		if err != nil {
			return nil, err
		}
		agreements = append(agreements, a)
	}
	return agreements, rows.Err()
}

func scanAgreement(rows *sql.Rows) (billing.Agreement, error) {
	var (
		a                 billing.Agreement
		includedHours     sql.NullString
		hourlyRate        string
		overtimeRate      sql.NullString
		hourlyRateEvening sql.NullString
		fixedAmount       sql.NullString
		nextIndexation    sql.NullString
		validFrom         string
		validTo           sql.NullString
		createdAt         string
		updatedAt         string
	)

	err := rows.Scan(
		&a.ID, &a.CustomerID, &a.Name, &a.Type, &a.Period,
		&includedHours, &hourlyRate, &overtimeRate, &hourlyRateEvening, &fixedAmount,
		&nextIndexation, &validFrom, &validTo, &createdAt, &updatedAt,
	)
	if err != nil {
		return a, fmt.Errorf("failed to scan agreement: %w", err)
	}

	var p fieldParser
	a.IncludedHours = p.nullDecimal("included_hours", includedHours)
	a.HourlyRate = p.decimal("hourly_rate", hourlyRate)
	a.OvertimeRate = p.nullDecimal("overtime_rate", overtimeRate)
	a.HourlyRateEvening = p.nullDecimal("hourly_rate_evening", hourlyRateEvening)
	a.FixedAmount = p.nullDecimal("fixed_amount", fixedAmount)
	a.NextIndexation = p.nullDate("next_indexation", nextIndexation)
	a.ValidFrom = p.date("valid_from", validFrom)
	a.ValidTo = p.nullDate("valid_to", validTo)
	a.CreatedAt = p.time("created_at", createdAt)
	a.UpdatedAt = p.time("updated_at", updatedAt)
	if p.err != nil {
		return a, fmt.Errorf("failed to scan agreement %s: %w", a.ID, p.err)
	}
	return a, nil
}

// =============================================================================
// ENTRY STORE
// =============================================================================

// SaveEntries inserts or replaces entries atomically. Replacing an exported
// entry fails with ErrEntryExported; replacing a member of a batch under
// review fails with ErrBatchUnderReview, since members are read live.
func (s *Store) SaveEntries(ctx context.Context, entries ...billing.TimeEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, e := range entries {
		if err := s.saveEntryTx(ctx, sqlTx, e); err != nil {
			return err
		}
	}

	return sqlTx.Commit()
}

func (s *Store) saveEntryTx(ctx context.Context, tx *sql.Tx, e billing.TimeEntry) error {
	var exported bool
	err := tx.QueryRowContext(ctx, "SELECT is_exported FROM time_entries WHERE id = ?", e.ID).Scan(&exported)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to check entry: %w", err)
	case exported:
		return billing.ErrEntryExported
	}

	var inReview int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM batch_entries m
		JOIN billing_batches b ON b.id = m.batch_id
		WHERE m.entry_id = ? AND b.status = 'review'
	`, e.ID).Scan(&inReview)
	if err != nil {
		return fmt.Errorf("failed to check entry batches: %w", err)
	}
	if inReview > 0 {
		return billing.ErrBatchUnderReview
	}

	query := `
		INSERT INTO time_entries
		(id, agreement_id, customer_id, date, hours_e4, billing_type, is_billable, is_exported,
		 is_evening, pool_hours, overtime_hours, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agreement_id = excluded.agreement_id,
			customer_id = excluded.customer_id,
			date = excluded.date,
			hours_e4 = excluded.hours_e4,
			billing_type = excluded.billing_type,
			is_billable = excluded.is_billable,
			is_exported = excluded.is_exported,
			is_evening = excluded.is_evening,
			pool_hours = excluded.pool_hours,
			overtime_hours = excluded.overtime_hours,
			description = excluded.description
	`

	_, err = tx.ExecContext(ctx, query,
		e.ID,
		e.AgreementID,
		e.CustomerID,
		formatDate(e.Date),
		hoursToE4(e.Hours),
		e.BillingType,
		e.IsBillable,
		e.IsExported,
		e.IsEvening,
		nullHours(e.PoolHours),
		nullHours(e.OvertimeHours),
		e.Description,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isForeignKeyError(err) {
			return billing.ErrAgreementNotFound
		}
		return fmt.Errorf("failed to save entry: %w", err)
	}
	return nil
}

const entryColumns = `
	e.id, e.agreement_id, e.customer_id, e.date, e.hours_e4, e.billing_type, e.is_billable,
	e.is_exported, e.is_evening, e.pool_hours, e.overtime_hours, e.description, e.created_at`

// GetEntry retrieves a time entry by ID.
func (s *Store) GetEntry(ctx context.Context, id billing.EntryID) (*billing.TimeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := queryEntries(ctx, s.db, "SELECT "+entryColumns+" FROM time_entries e WHERE e.id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, billing.ErrEntryNotFound
	}
	return &entries[0], nil
}

// EntriesForAgreement returns entries dated within [from, to], ordered by date.
func (s *Store) EntriesForAgreement(ctx context.Context, agreementID billing.AgreementID, from, to billing.Date) ([]billing.TimeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT ` + entryColumns + `
		FROM time_entries e
		WHERE e.agreement_id = ? AND e.date >= ? AND e.date <= ?
		ORDER BY e.date ASC, e.created_at ASC, e.id ASC
	`
	return queryEntries(ctx, s.db, query, agreementID, formatDate(from), formatDate(to))
}

// EntriesForCustomer returns entries dated within [from, to], ordered by date.
func (s *Store) EntriesForCustomer(ctx context.Context, customerID billing.CustomerID, from, to billing.Date) ([]billing.TimeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT ` + entryColumns + `
		FROM time_entries e
		WHERE e.customer_id = ? AND e.date >= ? AND e.date <= ?
		ORDER BY e.date ASC, e.created_at ASC, e.id ASC
	`
	return queryEntries(ctx, s.db, query, customerID, formatDate(from), formatDate(to))
}

func queryEntries(ctx context.Context, db querier, query string, args ...any) ([]billing.TimeEntry, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []billing.TimeEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (billing.TimeEntry, error) {
	var (
		e             billing.TimeEntry
		date          string
		hoursE4       sql.NullInt64
		poolHours     sql.NullString
		overtimeHours sql.NullString
		createdAt     string
	)

	err := rows.Scan(
		&e.ID, &e.AgreementID, &e.CustomerID, &date, &hoursE4, &e.BillingType, &e.IsBillable,
		&e.IsExported, &e.IsEvening, &poolHours, &overtimeHours, &e.Description, &createdAt,
	)
	if err != nil {
		return e, fmt.Errorf("failed to scan entry: %w", err)
	}

	var p fieldParser
	e.Date = p.date("date", date)
	e.Hours = hoursFromE4(hoursE4)
	e.PoolHours = p.nullDecimal("pool_hours", poolHours)
	e.OvertimeHours = p.nullDecimal("overtime_hours", overtimeHours)
	e.CreatedAt = p.time("created_at", createdAt)
	if p.err != nil {
		return e, fmt.Errorf("failed to scan entry %s: %w", e.ID, p.err)
	}
	return e, nil
}

// =============================================================================
// TIMEBANK VIEW
// =============================================================================

// TimebankView sums pool-consuming hours of the period in SQL. An agreement
// without included hours yields a view with nil aggregates.
func (s *Store) TimebankView(ctx context.Context, agreementID billing.AgreementID, period billing.Period) (*billing.TimebankView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT a.included_hours, COALESCE(SUM(e.hours_e4), 0), COUNT(e.id)
		FROM agreements a
		LEFT JOIN time_entries e
			ON e.agreement_id = a.id
			AND e.billing_type IN ('timebank', 'overtime')
			AND e.date >= ? AND e.date <= ?
		WHERE a.id = ?
		GROUP BY a.id
	`

	var (
		included sql.NullString
		usedE4   int64
		count    int
	)
	err := s.db.QueryRowContext(ctx, query, formatDate(period.Start), formatDate(period.End), agreementID).
		Scan(&included, &usedE4, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrAgreementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query timebank view: %w", err)
	}

	view := &billing.TimebankView{AgreementID: agreementID, PeriodStart: period.Start, EntryCount: count}
	var p fieldParser
	inc := p.nullDecimal("included_hours", included)
	if p.err != nil {
		return nil, p.err
	}
	if !inc.Valid {
		return view, nil
	}
	used := decimal.New(usedE4, -hoursScale)
	view.IncludedHours = &inc.Decimal
	view.HoursUsed = &used
	return view, nil
}

// =============================================================================
// BATCH STORE
// =============================================================================

// CreateBatch inserts a new batch with version 0.
func (s *Store) CreateBatch(ctx context.Context, b billing.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	totalsJSON, err := json.Marshal(b.Totals)
	if err != nil {
		return fmt.Errorf("failed to encode totals: %w", err)
	}

	query := `
		INSERT INTO billing_batches
		(id, customer_id, name, period_start, period_end, status, totals_json, version,
		 export_reference, exported_at, locked_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)
	`
	_, err = sqlTx.ExecContext(ctx, query,
		b.ID,
		b.CustomerID,
		b.Name,
		formatDate(b.Period.Start),
		formatDate(b.Period.End),
		b.Status,
		string(totalsJSON),
		nullString(b.ExportReference),
		nullTime(b.ExportedAt),
		nullTime(b.LockedAt),
		b.CreatedAt.UTC().Format(time.RFC3339Nano),
		b.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("batch %s already exists: %w", b.ID, err)
		}
		return fmt.Errorf("failed to create batch: %w", err)
	}

	if err := writeMembers(ctx, sqlTx, b); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// SaveBatch stores b only if the persisted version equals expectedVersion.
// Members flagged exported are marked in the same transaction.
func (s *Store) SaveBatch(ctx context.Context, b billing.Batch, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	totalsJSON, err := json.Marshal(b.Totals)
	if err != nil {
		return fmt.Errorf("failed to encode totals: %w", err)
	}

	query := `
		UPDATE billing_batches SET
			name = ?, period_start = ?, period_end = ?, status = ?, totals_json = ?,
			export_reference = ?, exported_at = ?, locked_at = ?, updated_at = ?,
			version = version + 1
		WHERE id = ? AND version = ?
	`
	res, err := sqlTx.ExecContext(ctx, query,
		b.Name,
		formatDate(b.Period.Start),
		formatDate(b.Period.End),
		b.Status,
		string(totalsJSON),
		nullString(b.ExportReference),
		nullTime(b.ExportedAt),
		nullTime(b.LockedAt),
		b.UpdatedAt.UTC().Format(time.RFC3339Nano),
		b.ID,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update batch: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists int
		err := sqlTx.QueryRowContext(ctx, "SELECT COUNT(*) FROM billing_batches WHERE id = ?", b.ID).Scan(&exists)
		if err != nil {
			return err
		}
		if exists == 0 {
			return billing.ErrBatchNotFound
		}
		return billing.ErrConcurrentTransition
	}

	if _, err := sqlTx.ExecContext(ctx, "DELETE FROM batch_entries WHERE batch_id = ?", b.ID); err != nil {
		return fmt.Errorf("failed to clear batch members: %w", err)
	}
	if err := writeMembers(ctx, sqlTx, b); err != nil {
		return err
	}
	for _, e := range b.Entries {
		if !e.IsExported {
			continue
		}
		if _, err := sqlTx.ExecContext(ctx, "UPDATE time_entries SET is_exported = TRUE WHERE id = ?", e.ID); err != nil {
			return fmt.Errorf("failed to mark entry exported: %w", err)
		}
	}
	return sqlTx.Commit()
}

func writeMembers(ctx context.Context, db execer, b billing.Batch) error {
	for i, e := range b.Entries {
		_, err := db.ExecContext(ctx,
			"INSERT INTO batch_entries (batch_id, entry_id, position) VALUES (?, ?, ?)",
			b.ID, e.ID, i,
		)
		if err != nil {
			if isForeignKeyError(err) {
				return billing.ErrEntryNotFound
			}
			return fmt.Errorf("failed to write batch member: %w", err)
		}
	}
	return nil
}

const batchColumns = `
	id, customer_id, name, period_start, period_end, status, totals_json, version,
	export_reference, exported_at, locked_at, created_at, updated_at`

// GetBatch retrieves a batch with its member entries.
func (s *Store) GetBatch(ctx context.Context, id billing.BatchID) (*billing.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batches, err := s.queryBatches(ctx, "SELECT "+batchColumns+" FROM billing_batches WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, billing.ErrBatchNotFound
	}
	return &batches[0], nil
}

// ListBatches returns batches of a customer, or all batches for an empty
// customer ID, newest first.
func (s *Store) ListBatches(ctx context.Context, customerID billing.CustomerID) ([]billing.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + batchColumns + " FROM billing_batches"
	var args []any
	if customerID != "" {
		query += " WHERE customer_id = ?"
		args = append(args, customerID)
	}
	query += " ORDER BY created_at DESC, id ASC"
	return s.queryBatches(ctx, query, args...)
}

func (s *Store) queryBatches(ctx context.Context, query string, args ...any) ([]billing.Batch, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}

	var batches []billing.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// Release the connection before loading members; :memory: has only one.
	rows.Close()

	for i := range batches {
		members, err := queryEntries(ctx, s.db, `
			SELECT `+entryColumns+`
			FROM batch_entries m
			JOIN time_entries e ON e.id = m.entry_id
			WHERE m.batch_id = ?
			ORDER BY m.position ASC
		`, batches[i].ID)
		if err != nil {
			return nil, err
		}
		batches[i].Entries = members
		if batches[i].Entries == nil {
			batches[i].Entries = make([]billing.TimeEntry, 0)
		}
	}
	return batches, nil
}

func scanBatch(rows *sql.Rows) (billing.Batch, error) {
	var (
		b               billing.Batch
		periodStart     string
		periodEnd       string
		totalsJSON      sql.NullString
		exportReference sql.NullString
		exportedAt      sql.NullString
		lockedAt        sql.NullString
		createdAt       string
		updatedAt       string
	)

	err := rows.Scan(
		&b.ID, &b.CustomerID, &b.Name, &periodStart, &periodEnd, &b.Status, &totalsJSON, &b.Version,
		&exportReference, &exportedAt, &lockedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return b, fmt.Errorf("failed to scan batch: %w", err)
	}

	var p fieldParser
	b.Period.Start = p.date("period_start", periodStart)
	b.Period.End = p.date("period_end", periodEnd)
	if totalsJSON.Valid && totalsJSON.String != "" {
		if err := json.Unmarshal([]byte(totalsJSON.String), &b.Totals); err != nil {
			return b, fmt.Errorf("failed to decode totals: %w", err)
		}
	}
	b.ExportReference = exportReference.String
	b.ExportedAt = p.nullTime("exported_at", exportedAt)
	b.LockedAt = p.nullTime("locked_at", lockedAt)
	b.CreatedAt = p.time("created_at", createdAt)
	b.UpdatedAt = p.time("updated_at", updatedAt)
	if p.err != nil {
		return b, fmt.Errorf("failed to scan batch %s: %w", b.ID, p.err)
	}
	return b, nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"batch_entries", "billing_batches", "time_entries", "agreements"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDecimal(d decimal.NullDecimal) sql.NullString {
	if !d.Valid {
		return sql.NullString{}
	}
	return sql.NullString{String: d.Decimal.String(), Valid: true}
}

// nullHours stores split hours at the same scale as hours_e4, so pool and
// overtime still add up to the entry's hours after a round trip.
func nullHours(d decimal.NullDecimal) sql.NullString {
	if !d.Valid {
		return sql.NullString{}
	}
	return sql.NullString{String: d.Decimal.Round(hoursScale).String(), Valid: true}
}

func hoursToE4(h decimal.NullDecimal) sql.NullInt64 {
	if !h.Valid {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: h.Decimal.Mul(hoursFactor).Round(0).IntPart(), Valid: true}
}

func hoursFromE4(v sql.NullInt64) decimal.NullDecimal {
	if !v.Valid {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(decimal.New(v.Int64, -hoursScale))
}

func formatDate(d billing.Date) string {
	if d.IsZero() {
		return ""
	}
	return d.Time.Format(billing.DateLayout)
}

func nullDate(d *billing.Date) sql.NullString {
	if d == nil || d.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatDate(*d), Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

// fieldParser converts scanned text columns, keeping the first failure.
type fieldParser struct {
	err error
}

func (p *fieldParser) fail(column, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s %q: %w", column, value, err)
	}
}

func (p *fieldParser) decimal(column, value string) decimal.Decimal {
	d, err := decimal.NewFromString(value)
	if err != nil {
		p.fail(column, value, err)
	}
	return d
}

func (p *fieldParser) nullDecimal(column string, value sql.NullString) decimal.NullDecimal {
	if !value.Valid {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(p.decimal(column, value.String))
}

func (p *fieldParser) date(column, value string) billing.Date {
	if value == "" {
		return billing.Date{}
	}
	d, err := billing.ParseDate(value)
	if err != nil {
		p.fail(column, value, err)
	}
	return d
}

func (p *fieldParser) nullDate(column string, value sql.NullString) *billing.Date {
	if !value.Valid || value.String == "" {
		return nil
	}
	d := p.date(column, value.String)
	return &d
}

func (p *fieldParser) time(column, value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		p.fail(column, value, err)
	}
	return t
}

func (p *fieldParser) nullTime(column string, value sql.NullString) *time.Time {
	if !value.Valid {
		return nil
	}
	t := p.time(column, value.String)
	return &t
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
