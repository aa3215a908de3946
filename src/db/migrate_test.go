package db

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@localhost:5432/finsync", migrateURL("postgres://u:p@localhost:5432/finsync"))
	assert.Equal(t, "pgx5://localhost/finsync", migrateURL("postgresql://localhost/finsync"))
	assert.Equal(t, "pgx5://localhost/finsync", migrateURL("pgx5://localhost/finsync"))
}

func TestMigrationsArePaired(t *testing.T) {
	ups, err := fs.Glob(migrationFiles, "migrations/*.up.sql")
	require.NoError(t, err)
	downs, err := fs.Glob(migrationFiles, "migrations/*.down.sql")
	require.NoError(t, err)
	assert.NotEmpty(t, ups)
	assert.Len(t, downs, len(ups))
}
