package migration

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestRunMigrations_RequiresDatabaseHandle(t *testing.T) {
	err := RunMigrations(nil, "postgres")
	require.Error(t, err)
}

func TestRunMigrations_RejectsNonPostgres(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	db, err := conn.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	err = RunMigrations(db, "sqlite")
	require.Error(t, err)
	require.Contains(t, err.Error(), "require postgres")
}
