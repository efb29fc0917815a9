// Package statestore implements the durable per-activation state
// collaborator: versioned load/save with optimistic concurrency, backed
// by sqlite. It follows the BaseDB + TransactionExecutor + sqlerrors
// shape, but hand-writes its SQL directly against *sql.DB rather than
// through a generated Queries type (see DESIGN.md).
package statestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/btcsuite/btclog/v2"

	"github.com/roasbeef/meridian/internal/errs"
	"github.com/roasbeef/meridian/internal/identity"
)

// log is this package's subsystem logger, wired via UseLogger.
var log btclog.Logger = btclog.Disabled

// UseLogger sets the logger used by this package.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// Config configures a Store.
type Config struct {
	// Path is the sqlite database file path, or ":memory:" for an
	// ephemeral store (used by the in-process test cluster).
	Path string

	// MigrationTarget selects the schema version to migrate to on open.
	// The zero value means TargetLatest().
	MigrationTarget MigrationTarget
}

// Store is the sqlite-backed StateStore implementation.
type Store struct {
	db *sql.DB
	tx *TransactionExecutor
}

// Open opens (creating if needed) the sqlite database at cfg.Path and
// migrates it to cfg.MigrationTarget.
func Open(cfg Config) (*Store, error) {
	dsn := cfg.Path
	if dsn == "" {
		dsn = ":memory:"
	}

	db, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("statestore: opening %q: %w", dsn, err)
	}

	// sqlite only tolerates one writer at a time; a single connection
	// sidesteps SQLITE_BUSY storms under concurrent activations and lets
	// the WAL-mode/busy-timeout pragmas above do the serialization work.
	db.SetMaxOpenConns(1)

	target := cfg.MigrationTarget
	if target == (MigrationTarget{}) {
		target = TargetLatest()
	}

	if err := applyMigrations(db, target); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{
		db: db,
		tx: NewTransactionExecutor(db),
	}, nil
}

// DB returns the underlying *sql.DB, for collaborator packages
// (internal/reminder, internal/dlq) that own their own tables in the same
// migrated schema.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ExecTx runs fn inside a retrying transaction, exposed for collaborators
// that need transactional multi-statement writes against their own tables.
func (s *Store) ExecTx(ctx context.Context, fn TxFunc) error {
	return s.tx.ExecTx(ctx, fn)
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadWithVersion loads an activation's durable state and its current
// version. ok is false if no row exists yet, which is the normal case for
// an activation's first invocation.
func (s *Store) LoadWithVersion(ctx context.Context, key identity.ActorKey) (payload []byte, version int64, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT payload, version FROM actor_state
		WHERE actor_type = ? AND actor_id = ?`,
		key.Type, key.ID)

	err = row.Scan(&payload, &version)
	switch {
	case err == sql.ErrNoRows:
		return nil, 0, false, nil
	case err != nil:
		return nil, 0, false, mapSQLError(err)
	default:
		return payload, version, true, nil
	}
}

// SaveWithVersion performs the optimistic-concurrency CAS write:
// Save(key, state, expectedVersion) succeeds or conflicts. expectedVersion
// of 0 means "this key must not already have a row" (first save); any
// other value must match the row's current version exactly. On
// success it returns the new version (expectedVersion+1). On mismatch it
// returns an *errs.Error tagged errs.KindConcurrencyConflict.
func (s *Store) SaveWithVersion(ctx context.Context, key identity.ActorKey, expectedVersion int64, payload []byte) (newVersion int64, err error) {
	now := time.Now().UnixNano()

	txErr := s.tx.ExecTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var res sql.Result
		var execErr error

		if expectedVersion == 0 {
			res, execErr = tx.ExecContext(ctx, `
				INSERT INTO actor_state (actor_type, actor_id, version, payload, updated_at)
				SELECT ?, ?, 1, ?, ?
				WHERE NOT EXISTS (
					SELECT 1 FROM actor_state
					WHERE actor_type = ? AND actor_id = ?
				)`,
				key.Type, key.ID, payload, now, key.Type, key.ID)
		} else {
			res, execErr = tx.ExecContext(ctx, `
				UPDATE actor_state
				SET payload = ?, version = ?, updated_at = ?
				WHERE actor_type = ? AND actor_id = ? AND version = ?`,
				payload, expectedVersion+1, now, key.Type, key.ID, expectedVersion)
		}
		if execErr != nil {
			return execErr
		}

		affected, execErr := res.RowsAffected()
		if execErr != nil {
			return execErr
		}
		if affected == 0 {
			return errs.New(errs.KindConcurrencyConflict,
				"state store: version mismatch for %s (expected %d)",
				key, expectedVersion)
		}

		newVersion = expectedVersion + 1
		return nil
	})
	if txErr != nil {
		return 0, txErr
	}

	return newVersion, nil
}

// Delete removes an activation's durable state, enforcing the same
// optimistic-concurrency check as SaveWithVersion.
func (s *Store) Delete(ctx context.Context, key identity.ActorKey, expectedVersion int64) error {
	return s.tx.ExecTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM actor_state
			WHERE actor_type = ? AND actor_id = ? AND version = ?`,
			key.Type, key.ID, expectedVersion)
		if err != nil {
			return err
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return errs.New(errs.KindConcurrencyConflict,
				"state store: delete version mismatch for %s (expected %d)",
				key, expectedVersion)
		}

		return nil
	})
}
