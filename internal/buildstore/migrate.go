// Versioned migration runner for production deployments, using
// golang-migrate. Development and tests rely on NewWithDB's AutoMigrate;
// deployments that need reversible, reviewed schema changes run the SQL
// files under migrations/ through this runner instead.
package buildstore

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

// MigrationRunner applies the SQL migrations under migrationsPath against
// a PostgreSQL database.
type MigrationRunner struct {
	m  *migrate.Migrate
	db *sql.DB
}

// NewMigrationRunner opens databaseURL and binds it to the migrations
// directory.
func NewMigrationRunner(databaseURL, migrationsPath string) (*MigrationRunner, error) {
	abs, err := filepath.Abs(migrationsPath)
	if err != nil {
		return nil, fmt.Errorf("resolve migrations path: %w", err)
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+abs, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration instance: %w", err)
	}
	return &MigrationRunner{m: m, db: db}, nil
}

// Up applies all pending migrations. A no-op when already current.
func (r *MigrationRunner) Up() error {
	if err := r.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Down rolls back the most recent migration.
func (r *MigrationRunner) Down() error {
	return r.m.Steps(-1)
}

// Version reports the current schema version and dirty flag.
func (r *MigrationRunner) Version() (uint, bool, error) {
	v, dirty, err := r.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

// Force sets the schema version without running migrations, to recover
// from a dirty state.
func (r *MigrationRunner) Force(version int) error {
	return r.m.Force(version)
}

// Close releases the runner's database handle.
func (r *MigrationRunner) Close() error {
	srcErr, dbErr := r.m.Close()
	if srcErr != nil {
		return srcErr
	}
	return dbErr
}
