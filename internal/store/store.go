// Package store persists daily attendance in PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/rollcall/internal/logging"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DateLayout is the calendar date format used on the CLI and the API.
const DateLayout = "2006-01-02"

const (
	StatusAbsent  = 0
	StatusPresent = 1
)

const (
	selectStatusSQL = `SELECT status FROM info_attendance WHERE student_id = $1 AND date = $2 FOR UPDATE`
	markPresentSQL  = `UPDATE info_attendance SET status = 1 WHERE student_id = $1 AND date = $2`
	// ON CONFLICT covers a concurrent commit inserting the same row between our SELECT and INSERT.
	insertPresentSQL = `
		INSERT INTO info_attendance (student_id, date, status) VALUES ($1, $2, 1)
		ON CONFLICT (student_id, date) DO UPDATE SET status = 1
	`
	setStatusSQL = `
		INSERT INTO info_attendance (student_id, date, status) VALUES ($1, $2, $3)
		ON CONFLICT (student_id, date) DO UPDATE SET status = EXCLUDED.status
	`
	listSQL = `SELECT student_id, date, status FROM info_attendance WHERE date = $1 ORDER BY student_id`
)

// Conn is the part of *pgx.Conn the store needs.
type Conn interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Close(ctx context.Context) error
}

// Connector opens a fresh connection. Each store operation uses its own.
type Connector func(ctx context.Context, connString string) (Conn, error)

func pgxConnect(ctx context.Context, connString string) (Conn, error) {
	return pgx.Connect(ctx, connString)
}

// Store writes attendance rows. It holds no connection between calls.
type Store struct {
	connString string
	connect    Connector
}

type Option func(*Store)

// WithConnector replaces pgx.Connect, mostly for tests.
func WithConnector(c Connector) Option {
	return func(s *Store) { s.connect = c }
}

func New(connString string, opts ...Option) *Store {
	s := &Store{connString: connString, connect: pgxConnect}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record is one attendance row.
type Record struct {
	StudentID string    `db:"student_id" json:"student_id"`
	Date      time.Time `db:"date" json:"date"`
	Status    int       `db:"status" json:"status"`
}

// CommitResult partitions the committed identities.
// Updated and Failed are disjoint and together cover the input.
type CommitResult struct {
	Updated []string
	Failed  []string
	Errors  map[string]error
}

// BatchError means the whole commit was aborted: nothing from it is persisted.
type BatchError struct {
	Date      time.Time
	Processed int
	Err       error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("attendance batch for %s aborted after %d identities: %v",
		e.Date.Format(DateLayout), e.Processed, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Day strips the time of day from t, keeping its calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Commit marks every identity in ids present on date.
//
// Identities are processed in sorted order inside a single transaction, each
// in its own savepoint. A row rejected by the server lands in Failed and the
// batch continues. Anything else (connect, begin, savepoint, transport,
// final commit) aborts the batch with a *BatchError.
func (s *Store) Commit(ctx context.Context, ids types.IdentitySet, date time.Time) (*CommitResult, error) {
	res := &CommitResult{Errors: make(map[string]error)}
	if len(ids) == 0 {
		return res, nil
	}
	day := Day(date)
	log := logging.From(ctx).With("date", day.Format(DateLayout))

	batchErr := func(err error) error {
		return &BatchError{Date: day, Processed: len(res.Updated) + len(res.Failed), Err: err}
	}

	conn, err := s.connect(ctx, s.connString)
	if err != nil {
		return nil, batchErr(fmt.Errorf("failed to connect: %w", err))
	}
	defer conn.Close(context.Background())

	tx, err := conn.Begin(ctx)
	if err != nil {
		return nil, batchErr(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	for _, id := range ids.Sorted() {
		rowErr, err := markPresent(ctx, tx, id, day)
		if err != nil {
			return nil, batchErr(fmt.Errorf("identity %q: %w", id, err))
		}
		if rowErr != nil {
			log.Warn("failed to mark attendance", "student_id", id, "error", rowErr)
			res.Failed = append(res.Failed, id)
			res.Errors[id] = rowErr
			continue
		}
		res.Updated = append(res.Updated, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, batchErr(fmt.Errorf("failed to commit: %w", err))
	}

	log.Info("attendance committed", "updated", len(res.Updated), "failed", len(res.Failed))
	return res, nil
}

// markPresent upserts one identity inside a savepoint. rowErr is a server-side
// rejection of this row only; batchErr means the transaction is unusable.
func markPresent(ctx context.Context, tx pgx.Tx, id string, day time.Time) (rowErr, batchErr error) {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open savepoint: %w", err)
	}

	err = upsertPresent(ctx, sp, id, day)
	if err == nil {
		if err := sp.Commit(ctx); err != nil {
			return nil, fmt.Errorf("failed to release savepoint: %w", err)
		}
		return nil, nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return nil, err
	}
	if rbErr := sp.Rollback(ctx); rbErr != nil {
		return nil, fmt.Errorf("failed to roll back savepoint: %w", rbErr)
	}
	return err, nil
}

func upsertPresent(ctx context.Context, tx pgx.Tx, id string, day time.Time) error {
	var status int
	err := tx.QueryRow(ctx, selectStatusSQL, id, day).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		_, err = tx.Exec(ctx, insertPresentSQL, id, day)
		return err
	case err != nil:
		return err
	}
	_, err = tx.Exec(ctx, markPresentSQL, id, day)
	return err
}

// withTx runs fn in a transaction on a fresh connection.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	conn, err := s.connect(ctx, s.connString)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close(context.Background())

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Migrate creates the attendance table if it doesn't exist.
func (s *Store) Migrate(ctx context.Context) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			CREATE TABLE IF NOT EXISTS info_attendance (
				id BIGSERIAL PRIMARY KEY,
				student_id TEXT NOT NULL,
				date DATE NOT NULL,
				status INTEGER NOT NULL DEFAULT 0 CHECK (status IN (0, 1)),
				UNIQUE (student_id, date)
			);
		`)
		if err != nil {
			return fmt.Errorf("failed to initialize database schema: %w", err)
		}
		return nil
	})
}

// SetStatus overrides the status of one row, creating it if needed.
func (s *Store) SetStatus(ctx context.Context, studentID string, date time.Time, status int) error {
	if status != StatusAbsent && status != StatusPresent {
		return fmt.Errorf("status must be 0 or 1, got %d", status)
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, setStatusSQL, studentID, Day(date), status)
		return err
	})
}

// List returns the attendance rows for date, ordered by student ID.
func (s *Store) List(ctx context.Context, date time.Time) ([]Record, error) {
	var records []Record
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, listSQL, Day(date))
		if err != nil {
			return err
		}
		records, err = pgx.CollectRows(rows, pgx.RowToStructByName[Record])
		return err
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Reset drops the attendance table.
func (s *Store) Reset(ctx context.Context) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DROP TABLE IF EXISTS info_attendance CASCADE;`)
		return err
	})
}
