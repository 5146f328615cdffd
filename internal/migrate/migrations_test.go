package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"journeyline/internal/db"
)

func TestLoadOrdersByVersion(t *testing.T) {
	for _, driver := range []string{"sqlite", "postgres"} {
		ms, err := Load(driver)
		require.NoError(t, err, driver)
		require.NotEmpty(t, ms, driver)
		for i := 1; i < len(ms); i++ {
			assert.Less(t, ms[i-1].Version, ms[i].Version)
		}
	}
	_, err := Load("mysql")
	assert.Error(t, err)
}

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, Migrate(conn))
	v1, err := Current(conn)
	require.NoError(t, err)
	ms, err := Load("sqlite")
	require.NoError(t, err)
	assert.Equal(t, ms[len(ms)-1].Version, v1)

	require.NoError(t, Migrate(conn))
	var rows int
	require.NoError(t, conn.Get(&rows, `SELECT COUNT(*) FROM schema_migrations`))
	assert.Equal(t, len(ms), rows)

	var tables int
	require.NoError(t, conn.Get(&tables, `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='journey_instances'`))
	assert.Equal(t, 1, tables)
}
