package database

import (
	"embed"
	"io/fs"
	"strings"

	"github.com/chararch/cloudbatch/config"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/pkg/errors"
)

//go:embed migrations
var schemaFS embed.FS

// RepositoryMigrationsTable history table of the job repository schema
const RepositoryMigrationsTable = "batch_schema_migrations"

// MigrateRepository creates or upgrades the job repository tables
func MigrateRepository(cfg config.DatabaseConfig) (bool, error) {
	dialect := ParseDialect(cfg.Type)
	sub, err := fs.Sub(schemaFS, "migrations/"+string(dialect))
	if err != nil {
		return false, errors.Wrapf(err, "no repository schema for %s", cfg.Type)
	}
	return Migrate(cfg, sub, RepositoryMigrationsTable)
}

// Migrate applies all up migrations found in source, recording history in table.
// It reports whether anything changed.
func Migrate(cfg config.DatabaseConfig, source fs.FS, table string) (bool, error) {
	databaseURL, err := migrationURL(cfg, table)
	if err != nil {
		return false, err
	}
	src, err := iofs.New(source, ".")
	if err != nil {
		return false, errors.Wrap(err, "open migration source")
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return false, errors.Wrap(err, "create migration instance")
	}
	defer m.Close()

	if err = m.Up(); err != nil {
		if err == migrate.ErrNoChange {
			return false, nil
		}
		return false, errors.Wrap(err, "apply migrations")
	}
	return true, nil
}

func migrationURL(cfg config.DatabaseConfig, table string) (string, error) {
	var databaseURL string
	switch ParseDialect(cfg.Type) {
	case Postgres:
		databaseURL = cfg.DSN()
	case MySQL:
		databaseURL = "mysql://" + cfg.DSN() + "&multiStatements=true"
	default:
		return "", errors.Errorf("migrations are not supported for database type: %s", cfg.Type)
	}
	if table != "" {
		if !strings.Contains(databaseURL, "?") {
			databaseURL += "?"
		} else {
			databaseURL += "&"
		}
		databaseURL += "x-migrations-table=" + table
	}
	return databaseURL, nil
}
