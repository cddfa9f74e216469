// Package db tests for database migration management.
package db

import (
	"database/sql"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"V1__create_a.up.sql":   {Data: []byte("CREATE TABLE a (id INTEGER PRIMARY KEY);")},
		"V1__create_a.down.sql": {Data: []byte("DROP TABLE a;")},
		"V2__create_b.up.sql":   {Data: []byte("CREATE TABLE b (id INTEGER PRIMARY KEY);")},
		"V2__create_b.down.sql": {Data: []byte("DROP TABLE b;")},
		"README.md":             {Data: []byte("ignored")},
		"Vx__bad.up.sql":        {Data: []byte("ignored")},
	}
}

// TestMigrator_Up verifies pending migrations apply in version order.
func TestMigrator_Up(t *testing.T) {
	db := memDB(t)
	m := NewMigrator(db, testMigrations())

	require.NoError(t, m.Up())

	v, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	applied, err := m.GetAppliedMigrations()
	require.NoError(t, err)
	require.Len(t, applied, 2)
	assert.Equal(t, "create_a", applied[0].Description)
	assert.Len(t, applied[0].Checksum, 64)

	// idempotent
	require.NoError(t, m.Up())
}

// TestMigrator_Up_modifiedMigration verifies checksum drift is detected.
func TestMigrator_Up_modifiedMigration(t *testing.T) {
	db := memDB(t)
	fsys := testMigrations()
	require.NoError(t, NewMigrator(db, fsys).Up())

	fsys["V1__create_a.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE a (id INTEGER PRIMARY KEY, x TEXT);")}
	err := NewMigrator(db, fsys).Up()
	assert.ErrorContains(t, err, "modified")
}

// TestMigrator_Down verifies the last migration is rolled back.
func TestMigrator_Down(t *testing.T) {
	db := memDB(t)
	m := NewMigrator(db, testMigrations())
	require.NoError(t, m.Up())

	require.NoError(t, m.Down())
	v, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	var name string
	err = db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='b'").Scan(&name)
	assert.ErrorIs(t, err, sql.ErrNoRows)

	require.NoError(t, m.Down())
	assert.Error(t, m.Down(), "nothing left to roll back")
}

// TestEmbeddedMigrations verifies the shipped migration set round-trips.
func TestEmbeddedMigrations(t *testing.T) {
	db := memDB(t)
	m := NewMigrator(db, Migrations)

	require.NoError(t, m.Up())
	require.NoError(t, m.Down())
	require.NoError(t, m.Up())

	var name string
	require.NoError(t, db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='events_detection'").Scan(&name))
}
