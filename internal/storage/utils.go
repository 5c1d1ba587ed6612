package storage

import (
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/pkg/errors"
)

// DefaultMigrations is the migration source relative to the repository root.
const DefaultMigrations = "file://migrations"

func InitStore(dbConnStr string) (*PostgresStore, error) {
	store, err := NewPostgresStore(dbConnStr)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// Migrate applies every pending migration from source to the database.
func Migrate(source, dbConnStr string) error {
	m, err := migrate.New(source, dbConnStr)
	if err != nil {
		return errors.Wrap(err, "failed to initialize migrations")
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errors.Wrap(err, "failed to apply migrations")
	}
	return nil
}
