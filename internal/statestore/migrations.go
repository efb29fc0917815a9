package statestore

import (
	"database/sql"
	"fmt"
	"net/http"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite3 "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/httpfs"
)

// LatestMigrationVersion is the highest migration version shipped with the
// binary. Bump it (and add a migrations/NNNN_*.up.sql / .down.sql pair)
// whenever the schema changes.
const LatestMigrationVersion = 1

// MigrationTarget selects which schema version a Store should migrate to
// on open.
type MigrationTarget struct {
	version int
	latest  bool
}

// TargetLatest migrates to LatestMigrationVersion.
func TargetLatest() MigrationTarget {
	return MigrationTarget{latest: true}
}

// TargetVersion migrates to a specific schema version, primarily useful in
// tests that want to exercise a pre-migration state.
func TargetVersion(v int) MigrationTarget {
	return MigrationTarget{version: v}
}

// applyMigrations runs the embedded migration set against db up to target.
func applyMigrations(db *sql.DB, target MigrationTarget) error {
	sourceDriver, err := httpfs.New(http.FS(sqlSchemas), "migrations")
	if err != nil {
		return fmt.Errorf("statestore: opening migration source: %w", err)
	}

	dbDriver, err := migratesqlite3.WithInstance(db, &migratesqlite3.Config{})
	if err != nil {
		return fmt.Errorf("statestore: opening migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("httpfs", sourceDriver, "sqlite3", dbDriver)
	if err != nil {
		return fmt.Errorf("statestore: constructing migrator: %w", err)
	}

	version := target.version
	if target.latest {
		version = LatestMigrationVersion
	}

	err = m.Migrate(uint(version))
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("statestore: running migrations to v%d: %w", version, err)
	}

	return nil
}
