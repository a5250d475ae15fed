package migrate

import (
	"io/fs"
	"testing"

	"gotest.tools/v3/assert"
)

func TestPgxURL(t *testing.T) {
	assert.Equal(t, pgxURL("postgresql://u:p@db:5432/sprint"), "pgx5://u:p@db:5432/sprint")
	assert.Equal(t, pgxURL("postgres://u:p@db/sprint"), "pgx5://u:p@db/sprint")
	assert.Equal(t, pgxURL("pgx5://db/sprint"), "pgx5://db/sprint")
}

func TestEmbeddedMigrations(t *testing.T) {
	entries, err := fs.ReadDir(migrations, "migrations")
	assert.NilError(t, err)
	// every up migration has a down migration
	assert.Equal(t, len(entries)%2, 0)
	assert.Assert(t, len(entries) >= 4)
}
