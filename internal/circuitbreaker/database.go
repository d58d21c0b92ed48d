package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// DatabaseWrapper guards a *sqlx.DB. It exposes the subset of the sqlx API
// the stores use so it can stand in for *sqlx.DB behind an interface.
type DatabaseWrapper struct {
	db     *sqlx.DB
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewDatabaseWrapper wraps db with the "postgres" breaker.
func NewDatabaseWrapper(db *sqlx.DB, logger *zap.Logger) *DatabaseWrapper {
	cfg := Settings(KindDatabase)
	cfg.IsFailure = isDatabaseFailure
	cb := Instrument(New("postgres", cfg, logger))
	return &DatabaseWrapper{db: db, cb: cb, logger: logger}
}

// isDatabaseFailure ignores outcomes that say nothing about database health:
// missing rows, caller cancellation, and constraint or data errors raised by
// the statement itself.
func isDatabaseFailure(err error) bool {
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, context.Canceled) {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", "23", "42":
			return false
		}
	}
	return true
}

func (dw *DatabaseWrapper) run(ctx context.Context, fn func() error) error {
	err := dw.cb.Execute(ctx, fn)
	recordResult(dw.cb.name, err)
	return err
}

func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	return dw.run(ctx, func() error { return dw.db.PingContext(ctx) })
}

func (dw *DatabaseWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.run(ctx, func() error { return dw.db.GetContext(ctx, dest, query, args...) })
}

func (dw *DatabaseWrapper) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.run(ctx, func() error { return dw.db.SelectContext(ctx, dest, query, args...) })
}

func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var res sql.Result
	err := dw.run(ctx, func() error {
		var execErr error
		res, execErr = dw.db.ExecContext(ctx, query, args...)
		return execErr
	})
	return res, err
}

func (dw *DatabaseWrapper) NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error) {
	var res sql.Result
	err := dw.run(ctx, func() error {
		var execErr error
		res, execErr = dw.db.NamedExecContext(ctx, query, arg)
		return execErr
	})
	return res, err
}

// QueryRowxContext checks the row's deferred error inside the breaker so
// query failures are accounted for before Scan.
func (dw *DatabaseWrapper) QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row {
	var row *sqlx.Row
	err := dw.run(ctx, func() error {
		row = dw.db.QueryRowxContext(ctx, query, args...)
		return row.Err()
	})
	if row == nil {
		// Rejected by the breaker; the row fails on Scan without touching
		// the pool.
		return dw.db.QueryRowxContext(canceledContext(err), query, args...)
	}
	return row
}

func (dw *DatabaseWrapper) BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	var tx *sqlx.Tx
	err := dw.run(ctx, func() error {
		var beginErr error
		tx, beginErr = dw.db.BeginTxx(ctx, opts)
		return beginErr
	})
	return tx, err
}

// DB returns the unguarded handle for migrations and health checks.
func (dw *DatabaseWrapper) DB() *sqlx.DB { return dw.db }

func (dw *DatabaseWrapper) Breaker() *CircuitBreaker { return dw.cb }

func (dw *DatabaseWrapper) Close() error { return dw.db.Close() }

// canceledContext yields a context that is already done.
func canceledContext(cause error) context.Context {
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(cause)
	return ctx
}
