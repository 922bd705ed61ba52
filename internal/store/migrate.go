package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/siawfish/kyoos-sub001/internal/store/migrations"
)

// ErrDirtySchema is returned when a previous migration stopped halfway. The
// daemon refuses to run on such a database rather than guess at its shape.
var ErrDirtySchema = errors.New("message store schema is dirty")

// MigrateResult reports the schema version after Migrate.
type MigrateResult struct {
	Version uint
	Changed bool
}

// Migrate brings the schema up to date. It is safe to call on every start.
func (db *DB) Migrate() (*MigrateResult, error) {
	m, err := db.migrator()
	if err != nil {
		return nil, err
	}

	changed := true
	if err := m.Up(); err != nil {
		var dirty migrate.ErrDirty
		switch {
		case errors.Is(err, migrate.ErrNoChange):
			changed = false
		case errors.As(err, &dirty):
			return nil, fmt.Errorf("%w at version %d", ErrDirtySchema, dirty.Version)
		default:
			return nil, fmt.Errorf("migrate up: %w", err)
		}
	}

	version, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return nil, fmt.Errorf("schema version: %w", err)
	}
	return &MigrateResult{Version: version, Changed: changed}, nil
}

func (db *DB) migrator() (*migrate.Migrate, error) {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	drv, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", drv)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}
	return m, nil
}
