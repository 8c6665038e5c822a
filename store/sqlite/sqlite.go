/*
Package sqlite provides a SQLite-backed implementation of boxoffice.Store.

PURPOSE:
  Persists tiers, reservations, payments, wallet ledgers, tickets and
  reconciliation flags. Every invariant that must survive concurrency is
  enforced by SQLite itself: conditional UPDATEs, CHECK constraints, unique
  and partial unique indexes, and append-only triggers.

KEY TABLES:
  capacity_tiers:       total / reserved / sold per (event, seat class)
  seat_reservations:    holds; one ACTIVE row per numbered seat
  payments:             one row per idempotency key
  wallets:              cached balance projection
  wallet_transactions:  immutable ledger (no UPDATE, no DELETE)
  tickets:              one row per reservation token
  reconciliation_flags: open mismatches, one per (kind, subject)

CONCURRENCY:
  No in-process locks. Transactions begin IMMEDIATE (_txlock=immediate), so
  SQLite's write lock serialises conflicting transactions across every
  connection and process sharing the file. Busy and locked errors surface
  as boxoffice.ErrConcurrentModification.

WAL MODE:
  File databases use WAL with a busy timeout. ":memory:" databases are
  private to one connection, so the pool is pinned to a single connection.

TIME:
  Stored as fixed-width UTC text, so string comparison in SQL is
  chronological.

USAGE:
  store, err := sqlite.New("./data/boxoffice.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - boxoffice/store.go: Interface definitions
  - queries.go: SQL statements
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/box-office/boxoffice"
	"github.com/warp/box-office/monitoring"
)

const (
	timeLayout = "2006-01-02T15:04:05.000000000Z"

	DefaultBusyTimeout  = 5 * time.Second
	DefaultMaxOpenConns = 8
)

// Store implements boxoffice.Store using SQLite.
type Store struct {
	db *sql.DB
}

type Options struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// New opens the database at dbPath with default options.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	return Open(dbPath, Options{})
}

func Open(dbPath string, opts Options) (*Store, error) {
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = DefaultBusyTimeout
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = DefaultMaxOpenConns
	}

	memory := dbPath == ":memory:"
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_txlock=immediate&_busy_timeout=%d",
		dbPath, opts.BusyTimeout.Milliseconds())
	if !memory {
		dsn += "&_journal_mode=WAL&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	} else {
		db.SetMaxOpenConns(opts.MaxOpenConns)
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

// DB exposes the handle for tests and tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

// WithTx runs fn in an immediate transaction and commits if fn succeeds.
func (s *Store) WithTx(ctx context.Context, fn func(tx boxoffice.Tx) error) (err error) {
	start := time.Now()
	defer func() { monitoring.ObserveStoreTx(time.Since(start)) }()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin transaction", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return storeError("commit transaction", err)
	}
	return nil
}

// txStore implements boxoffice.Tx on one SQL transaction.
type txStore struct {
	tx *sql.Tx
}

var _ boxoffice.Tx = (*txStore)(nil)

func (t *txStore) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, storeError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeError(op, err)
	}
	return n, nil
}

// =============================================================================
// HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parseMoney(value, currency string) boxoffice.Money {
	d, err := decimal.NewFromString(value)
	if err != nil {
		d = decimal.Zero
	}
	return boxoffice.Money{Value: d, Currency: boxoffice.Currency(currency)}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// violates reports whether a unique violation names the given column.
// SQLite lists the index columns as table.column in the message.
func violates(err error, column string) bool {
	return isUniqueConstraintError(err) && strings.Contains(err.Error(), column)
}

func isBusyError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func storeError(op string, err error) error {
	if isBusyError(err) {
		return fmt.Errorf("%s: %w: %v", op, boxoffice.ErrConcurrentModification, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
