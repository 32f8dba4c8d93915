/*
Package sqlite provides a SQLite-backed implementation of billing.Store.

PURPOSE:
  Persists people, readings and bills of every household in one database
  file. The engine owns every business rule; this package only enforces the
  two uniqueness rules the engine also relies on.

INTERFACES IMPLEMENTED:
  billing.Store:       Flat CRUD per entity kind
  billing.TxStore:     Bill upserts run in one SQL transaction
  billing.ScopeLister: Households with any record (reminder scheduler)

KEY TABLES:
  people:   Household members
  readings: One row per (scope, person, period)
  bills:    One row per (scope, anchor period)

STORAGE FORMATS:
  - Money (ancillary cost, amounts, unit price) as decimal TEXT, never REAL
  - Periods as "YYYY-MM" TEXT, which sorts chronologically
  - included_periods as a JSON array
  - Timestamps as fixed-width RFC3339 UTC with nanoseconds

INDEXES:
  - idx_readings_person_period: UNIQUE, one reading per person and period
  - idx_bills_anchor:           UNIQUE, one bill per anchor

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, so that
  ":memory:" databases are shared by every query.

MIGRATION:
  Schema is migrated on New() with golang-migrate from the embedded
  migrations/ directory.

USAGE:
  store, err := sqlite.New("./data/power.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := billing.NewLedger(store, billing.Config{})

SEE ALSO:
  - billing/store.go:        Interface definitions
  - billing/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/power-ledger/billing"
)

// ErrConflict is returned when an insert hits a unique index.
var ErrConflict = errors.New("sqlite: conflicting record")

// Store implements billing.Store using SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// =============================================================================
// SCOPES
// =============================================================================

func (s *Store) ListScopes(ctx context.Context) ([]billing.Scope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT scope FROM people
		UNION SELECT scope FROM readings
		UNION SELECT scope FROM bills
		ORDER BY scope
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list scopes: %w", err)
	}
	defer rows.Close()

	var scopes []billing.Scope
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, fmt.Errorf("failed to scan scope: %w", err)
		}
		scopes = append(scopes, billing.Scope(scope))
	}
	return scopes, rows.Err()
}

// =============================================================================
// PEOPLE
// =============================================================================

func (s *Store) ListPeople(ctx context.Context, scope billing.Scope) ([]billing.Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listPeople(ctx, s.db, scope)
}

func (s *Store) CreatePerson(ctx context.Context, p billing.Person) (billing.Person, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createPerson(ctx, s.db, p)
}

func (s *Store) DeletePerson(ctx context.Context, scope billing.Scope, id billing.PersonID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteRow(ctx, s.db, "people", string(scope), string(id))
}

func listPeople(ctx context.Context, q querier, scope billing.Scope) ([]billing.Person, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, scope, name, created_at
		FROM people
		WHERE scope = ?
		ORDER BY created_at ASC, id ASC
	`, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to query people: %w", err)
	}
	defer rows.Close()

	var people []billing.Person
	for rows.Next() {
		var (
			p         billing.Person
			createdAt string
		)
		if err := rows.Scan(&p.ID, &p.Scope, &p.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan person: %w", err)
		}
		p.CreatedAt = parseTime(createdAt)
		people = append(people, p)
	}
	return people, rows.Err()
}

func (s *Store) createPerson(ctx context.Context, q querier, p billing.Person) (billing.Person, error) {
	p.ID = billing.PersonID(uuid.NewString())
	p.CreatedAt = s.now().UTC()

	_, err := q.ExecContext(ctx,
		`INSERT INTO people (id, scope, name, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.Scope, p.Name, formatTime(p.CreatedAt),
	)
	if err != nil {
		return billing.Person{}, fmt.Errorf("failed to insert person: %w", err)
	}
	return p, nil
}

// =============================================================================
// READINGS
// =============================================================================

func (s *Store) ListReadings(ctx context.Context, scope billing.Scope) ([]billing.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listReadings(ctx, s.db, scope)
}

func (s *Store) CreateReading(ctx context.Context, r billing.Reading) (billing.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createReading(ctx, s.db, r)
}

func (s *Store) UpdateReading(ctx context.Context, r billing.Reading) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateReading(ctx, s.db, r)
}

func (s *Store) DeleteReading(ctx context.Context, scope billing.Scope, id billing.ReadingID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteRow(ctx, s.db, "readings", string(scope), string(id))
}

func listReadings(ctx context.Context, q querier, scope billing.Scope) ([]billing.Reading, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, scope, person_id, period, old_index, new_index,
		       ancillary_cost, note, created_at, updated_at
		FROM readings
		WHERE scope = ?
		ORDER BY period ASC, person_id ASC
	`, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	var readings []billing.Reading
	for rows.Next() {
		var (
			r                    billing.Reading
			ancillary            string
			createdAt, updatedAt string
		)
		err := rows.Scan(&r.ID, &r.Scope, &r.PersonID, &r.Period, &r.OldIndex, &r.NewIndex,
			&ancillary, &r.Note, &createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		if r.AncillaryCost, err = decimal.NewFromString(ancillary); err != nil {
			return nil, fmt.Errorf("reading %s: bad ancillary cost %q: %w", r.ID, ancillary, err)
		}
		r.CreatedAt = parseTime(createdAt)
		r.UpdatedAt = parseTime(updatedAt)
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

func (s *Store) createReading(ctx context.Context, q querier, r billing.Reading) (billing.Reading, error) {
	r.ID = billing.ReadingID(uuid.NewString())
	r.CreatedAt = s.now().UTC()
	r.UpdatedAt = r.CreatedAt

	_, err := q.ExecContext(ctx, `
		INSERT INTO readings
		(id, scope, person_id, period, old_index, new_index, ancillary_cost, note, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.Scope, r.PersonID, r.Period, r.OldIndex, r.NewIndex,
		r.AncillaryCost.String(), r.Note, formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return billing.Reading{}, fmt.Errorf("%w: reading for %s in %s", ErrConflict, r.PersonID, r.Period)
		}
		return billing.Reading{}, fmt.Errorf("failed to insert reading: %w", err)
	}
	return r, nil
}

// updateReading rewrites the mutable columns. old_index is never updated.
func (s *Store) updateReading(ctx context.Context, q querier, r billing.Reading) (bool, error) {
	updatedAt := r.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}
	res, err := q.ExecContext(ctx, `
		UPDATE readings
		SET new_index = ?, ancillary_cost = ?, note = ?, updated_at = ?
		WHERE scope = ? AND id = ?
	`,
		r.NewIndex, r.AncillaryCost.String(), r.Note, formatTime(updatedAt.UTC()),
		r.Scope, r.ID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update reading: %w", err)
	}
	return affected(res)
}

// =============================================================================
// BILLS
// =============================================================================

func (s *Store) ListBills(ctx context.Context, scope billing.Scope) ([]billing.Bill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listBills(ctx, s.db, scope)
}

func (s *Store) CreateBill(ctx context.Context, b billing.Bill) (billing.Bill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createBill(ctx, s.db, b)
}

func (s *Store) UpdateBill(ctx context.Context, b billing.Bill) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateBill(ctx, s.db, b)
}

func listBills(ctx context.Context, q querier, scope billing.Scope) ([]billing.Bill, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, scope, period, total_amount, total_usage_kwh, unit_price,
		       included_periods, is_multi_period, total_ancillary_cost, price_is_manual,
		       created_at, updated_at
		FROM bills
		WHERE scope = ?
		ORDER BY period ASC
	`, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to query bills: %w", err)
	}
	defer rows.Close()

	var bills []billing.Bill
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		bills = append(bills, b)
	}
	return bills, rows.Err()
}

func scanBill(rows *sql.Rows) (billing.Bill, error) {
	var (
		b                               billing.Bill
		totalAmount, unitPrice, ancCost string
		includedJSON                    string
		createdAt, updatedAt            string
	)
	err := rows.Scan(&b.ID, &b.Scope, &b.Period, &totalAmount, &b.TotalUsageKWh, &unitPrice,
		&includedJSON, &b.IsMultiPeriod, &ancCost, &b.PriceIsManual, &createdAt, &updatedAt)
	if err != nil {
		return b, fmt.Errorf("failed to scan bill: %w", err)
	}

	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{{&b.TotalAmount, totalAmount}, {&b.UnitPrice, unitPrice}, {&b.TotalAncillaryCost, ancCost}} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return b, fmt.Errorf("bill %s: bad amount %q: %w", b.ID, f.src, err)
		}
	}
	if err := json.Unmarshal([]byte(includedJSON), &b.IncludedPeriods); err != nil {
		return b, fmt.Errorf("bill %s: bad included periods: %w", b.ID, err)
	}
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	return b, nil
}

func (s *Store) createBill(ctx context.Context, q querier, b billing.Bill) (billing.Bill, error) {
	included, err := marshalPeriods(b.IncludedPeriods)
	if err != nil {
		return billing.Bill{}, err
	}
	b.ID = billing.BillID(uuid.NewString())
	b.CreatedAt = s.now().UTC()
	b.UpdatedAt = b.CreatedAt

	_, err = q.ExecContext(ctx, `
		INSERT INTO bills
		(id, scope, period, total_amount, total_usage_kwh, unit_price, included_periods,
		 is_multi_period, total_ancillary_cost, price_is_manual, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		b.ID, b.Scope, b.Period, b.TotalAmount.String(), b.TotalUsageKWh, b.UnitPrice.String(), included,
		b.IsMultiPeriod, b.TotalAncillaryCost.String(), b.PriceIsManual,
		formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return billing.Bill{}, fmt.Errorf("%w: bill for %s", ErrConflict, b.Period)
		}
		return billing.Bill{}, fmt.Errorf("failed to insert bill: %w", err)
	}
	return b, nil
}

func (s *Store) updateBill(ctx context.Context, q querier, b billing.Bill) (bool, error) {
	included, err := marshalPeriods(b.IncludedPeriods)
	if err != nil {
		return false, err
	}
	updatedAt := b.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}
	res, err := q.ExecContext(ctx, `
		UPDATE bills
		SET period = ?, total_amount = ?, total_usage_kwh = ?, unit_price = ?, included_periods = ?,
		    is_multi_period = ?, total_ancillary_cost = ?, price_is_manual = ?, updated_at = ?
		WHERE scope = ? AND id = ?
	`,
		b.Period, b.TotalAmount.String(), b.TotalUsageKWh, b.UnitPrice.String(), included,
		b.IsMultiPeriod, b.TotalAncillaryCost.String(), b.PriceIsManual, formatTime(updatedAt.UTC()),
		b.Scope, b.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return false, fmt.Errorf("%w: bill for %s", ErrConflict, b.Period)
		}
		return false, fmt.Errorf("failed to update bill: %w", err)
	}
	return affected(res)
}

// =============================================================================
// TRANSACTIONAL STORE (billing.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store billing.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, parent: s}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore reads and writes through the open transaction. With a single
// connection, touching s.db here would deadlock.
type txStore struct {
	tx     *sql.Tx
	parent *Store
}

func (ts *txStore) ListPeople(ctx context.Context, scope billing.Scope) ([]billing.Person, error) {
	return listPeople(ctx, ts.tx, scope)
}

func (ts *txStore) CreatePerson(ctx context.Context, p billing.Person) (billing.Person, error) {
	return ts.parent.createPerson(ctx, ts.tx, p)
}

func (ts *txStore) DeletePerson(ctx context.Context, scope billing.Scope, id billing.PersonID) (bool, error) {
	return deleteRow(ctx, ts.tx, "people", string(scope), string(id))
}

func (ts *txStore) ListReadings(ctx context.Context, scope billing.Scope) ([]billing.Reading, error) {
	return listReadings(ctx, ts.tx, scope)
}

func (ts *txStore) CreateReading(ctx context.Context, r billing.Reading) (billing.Reading, error) {
	return ts.parent.createReading(ctx, ts.tx, r)
}

func (ts *txStore) UpdateReading(ctx context.Context, r billing.Reading) (bool, error) {
	return ts.parent.updateReading(ctx, ts.tx, r)
}

func (ts *txStore) DeleteReading(ctx context.Context, scope billing.Scope, id billing.ReadingID) (bool, error) {
	return deleteRow(ctx, ts.tx, "readings", string(scope), string(id))
}

func (ts *txStore) ListBills(ctx context.Context, scope billing.Scope) ([]billing.Bill, error) {
	return listBills(ctx, ts.tx, scope)
}

func (ts *txStore) CreateBill(ctx context.Context, b billing.Bill) (billing.Bill, error) {
	return ts.parent.createBill(ctx, ts.tx, b)
}

func (ts *txStore) UpdateBill(ctx context.Context, b billing.Bill) (bool, error) {
	return ts.parent.updateBill(ctx, ts.tx, b)
}

// =============================================================================
// MAINTENANCE
// =============================================================================

// Reset deletes every record of scope. Used when reloading demo scenarios.
func (s *Store) Reset(ctx context.Context, scope billing.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	for _, table := range []string{"bills", "readings", "people"} {
		if _, err := sqlTx.ExecContext(ctx, "DELETE FROM "+table+" WHERE scope = ?", scope); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return sqlTx.Commit()
}

// Helper functions

// deleteRow deletes one row by id. table is always a package constant.
func deleteRow(ctx context.Context, q querier, table, scope, id string) (bool, error) {
	res, err := q.ExecContext(ctx, "DELETE FROM "+table+" WHERE scope = ? AND id = ?", scope, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	return affected(res)
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

func marshalPeriods(periods []billing.Period) (string, error) {
	if periods == nil {
		periods = []billing.Period{}
	}
	data, err := json.Marshal(periods)
	if err != nil {
		return "", fmt.Errorf("failed to encode included periods: %w", err)
	}
	return string(data), nil
}

// timeLayout is fixed width so that text order is time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
