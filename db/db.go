// Package db handles all PostgreSQL storage of live threads, their updates and
// viewer activity
package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/go-playground/log"
	_ "github.com/lib/pq" // Postgres driver
)

// ErrNotFound is returned, when a requested record does not exist
var ErrNotFound = sql.ErrNoRows

// DB is a connection pool to the PostgreSQL database
type DB struct {
	db      *sql.DB
	sq      squirrel.StatementBuilderType
	connURL string
}

// Open establishes a connection pool to the database and runs any pending
// migrations
func Open(ctx context.Context, connURL string) (d *DB, err error) {
	pool, err := sql.Open("postgres", connURL)
	if err != nil {
		return
	}
	pool.SetConnMaxLifetime(time.Hour)

	d = &DB{
		db:      pool,
		sq:      squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		connURL: connURL,
	}
	err = pool.PingContext(ctx)
	if err != nil {
		pool.Close()
		return nil, err
	}
	err = d.runMigrations(ctx)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return
}

// Close closes the connection pool
func (d *DB) Close() error {
	return d.db.Close()
}

// queryable is satisfied by both *sql.DB and *sql.Tx
type queryable interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// Build and execute a squirrel query
func exec(ctx context.Context, q queryable, b squirrel.Sqlizer) (
	res sql.Result, err error,
) {
	sql, args, err := b.ToSql()
	if err != nil {
		return
	}
	return q.ExecContext(ctx, sql, args...)
}

// Build and run a squirrel query returning rows
func query(ctx context.Context, q queryable, b squirrel.Sqlizer) (
	*sql.Rows, error,
) {
	sql, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	return q.QueryContext(ctx, sql, args...)
}

// Build and run a squirrel query returning a single row
func queryRow(ctx context.Context, q queryable, b squirrel.Sqlizer) rowScanner {
	sql, args, err := b.ToSql()
	if err != nil {
		return errScanner{err}
	}
	return q.QueryRowContext(ctx, sql, args...)
}

type errScanner struct {
	err error
}

func (e errScanner) Scan(...interface{}) error {
	return e.err
}

// Assert exactly one row was affected by a write or return ErrNotFound
func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	switch {
	case err != nil:
		return err
	case n == 0:
		return ErrNotFound
	default:
		return nil
	}
}

// InTransaction runs function inside a transaction and handles commiting and
// rollback on error
func (d *DB) InTransaction(ctx context.Context, fn func(*sql.Tx) error) (
	err error,
) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return
	}

	err = fn(tx)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Errorf("db: transaction rollback: %s", rbErr)
		}
		return
	}
	return tx.Commit()
}

// IsNotFound returns, if err denotes a missing record
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// Execute all SQL statement strings and return on first error, if any
func execAll(ctx context.Context, tx *sql.Tx, q ...string) error {
	for _, q := range q {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}
