package sample

import (
	"embed"
	"io/fs"

	"github.com/chararch/cloudbatch/config"
	"github.com/chararch/cloudbatch/database"
	"github.com/pkg/errors"
)

//go:embed migrations
var migrations embed.FS

// MigrationsTable history table of the sample schema, apart from the repository's
const MigrationsTable = "schema_migrations_sample"

// MigrateFoo creates the foo table
func MigrateFoo(cfg config.DatabaseConfig) (bool, error) {
	sub, err := fs.Sub(migrations, "migrations/"+string(database.ParseDialect(cfg.Type)))
	if err != nil {
		return false, errors.Wrapf(err, "no foo schema for %s", cfg.Type)
	}
	return database.Migrate(cfg, sub, MigrationsTable)
}
