package statestore

import (
	"context"
	"database/sql"
	"math/rand"
	"time"

	"github.com/roasbeef/meridian/internal/errs"
)

// Default retry tuning.
const (
	DefaultNumTxRetries      = 10
	DefaultInitialRetryDelay = 50 * time.Millisecond
	DefaultMaxRetryDelay     = time.Second
)

type txExecutorOptions struct {
	numRetries       int
	initialRetryWait time.Duration
	maxRetryWait     time.Duration
}

func defaultTxExecutorOptions() txExecutorOptions {
	return txExecutorOptions{
		numRetries:       DefaultNumTxRetries,
		initialRetryWait: DefaultInitialRetryDelay,
		maxRetryWait:     DefaultMaxRetryDelay,
	}
}

// TxExecutorOption configures a TransactionExecutor.
type TxExecutorOption func(*txExecutorOptions)

// WithTxRetries overrides the number of retry attempts on a
// serialization/busy conflict.
func WithTxRetries(n int) TxExecutorOption {
	return func(o *txExecutorOptions) { o.numRetries = n }
}

// WithTxRetryDelay overrides the backoff bounds between retries.
func WithTxRetryDelay(initial, max time.Duration) TxExecutorOption {
	return func(o *txExecutorOptions) {
		o.initialRetryWait = initial
		o.maxRetryWait = max
	}
}

// randRetryDelay computes an exponential backoff with jitter for attempt n
// (0-indexed).
func randRetryDelay(attempt int, opts txExecutorOptions) time.Duration {
	wait := opts.initialRetryWait * time.Duration(1<<uint(attempt))
	if wait > opts.maxRetryWait || wait <= 0 {
		wait = opts.maxRetryWait
	}

	jitter := time.Duration(rand.Int63n(int64(wait) + 1))
	return wait/2 + jitter/2
}

// TxFunc is a unit of work run inside a SQL transaction.
type TxFunc func(ctx context.Context, tx *sql.Tx) error

// TransactionExecutor wraps *sql.DB with the retry-on-conflict loop the
// state store, reminder table, and outbox/inbox all share. It operates
// on a plain *sql.Tx rather than a generated querier type, since this
// runtime hand-writes its SQL directly.
type TransactionExecutor struct {
	db   *sql.DB
	opts txExecutorOptions
}

// NewTransactionExecutor constructs a TransactionExecutor over db.
func NewTransactionExecutor(db *sql.DB, opts ...TxExecutorOption) *TransactionExecutor {
	o := defaultTxExecutorOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &TransactionExecutor{db: db, opts: o}
}

// ExecTx runs fn inside a transaction, retrying on a serialization/conflict
// error up to opts.numRetries times with exponential backoff.
func (e *TransactionExecutor) ExecTx(ctx context.Context, fn TxFunc) error {
	var lastErr error

	for attempt := 0; attempt <= e.opts.numRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(randRetryDelay(attempt-1, e.opts)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := e.execOnce(ctx, fn)
		if err == nil {
			return nil
		}

		// An error fn already tagged (such as a version conflict) is
		// not a SQL failure; running the same work again cannot
		// change it.
		if _, tagged := err.(*errs.Error); tagged {
			return err
		}

		mapped := mapSQLError(err)
		lastErr = mapped

		if !isRetryable(mapped) {
			return mapped
		}
	}

	return lastErr
}

func (e *TransactionExecutor) execOnce(ctx context.Context, fn TxFunc) (err error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(ctx, tx)
	return err
}
