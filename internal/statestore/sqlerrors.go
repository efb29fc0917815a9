package statestore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/roasbeef/meridian/internal/errs"
)

// mapSQLError classifies a raw database/sql error into this runtime's
// tagged errs.Error vocabulary. sql.ErrNoRows passes through unchanged so
// callers can use the usual errors.Is check.
func mapSQLError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return err
	}

	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return errs.Wrap(errs.KindStoreCorrupted, err, "state store: unrecognized error")
	}

	switch sqliteErr.Code {
	case sqlite3.ErrConstraint:
		return errs.Wrap(errs.KindConcurrencyConflict, err,
			"state store: constraint violation (likely a stale version)")

	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return errs.Wrap(errs.KindConcurrencyConflict, err,
			"state store: contended (busy/locked), retry eligible")

	case sqlite3.ErrError:
		return errs.Wrap(errs.KindStoreCorrupted, err, "state store: sqlite reported ErrError")

	default:
		return errs.Wrap(errs.KindStoreCorrupted, err,
			fmt.Sprintf("state store: sqlite error code %v", sqliteErr.Code))
	}
}

// isRetryable reports whether the mapped error is one the
// TransactionExecutor retry loop should retry.
func isRetryable(err error) bool {
	return errs.KindOf(err) == errs.KindConcurrencyConflict
}
