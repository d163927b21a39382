package migrations

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	createNotes = Migration{
		Version:     1,
		Description: "notes table",
		Up:          `CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT NOT NULL)`,
		Down:        `DROP TABLE notes`,
	}
	addAuthor = Migration{
		Version:     2,
		Description: "notes author",
		Up:          `ALTER TABLE notes ADD COLUMN author TEXT NOT NULL DEFAULT ''`,
		Down:        `ALTER TABLE notes DROP COLUMN author`,
	}
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=ON")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestApplyInVersionOrder(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	// Registered out of order on purpose
	m := NewManager(addAuthor, createNotes)
	assert.Equal(t, 2, m.Latest())

	applied, err := m.Apply(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)

	v, err := Version(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	_, err = db.Exec("INSERT INTO notes (body, author) VALUES ('hi', 'ada')")
	require.NoError(t, err)

	// Re-applying is a no-op
	applied, err = m.Apply(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
}

func TestRollback(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	m := NewManager(createNotes)

	_, err := m.Apply(ctx, db)
	require.NoError(t, err)
	require.NoError(t, m.Rollback(ctx, db))

	v, err := Version(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	_, err = db.Exec("SELECT 1 FROM notes")
	assert.Error(t, err, "table should be dropped")

	assert.Error(t, m.Rollback(ctx, db), "nothing left to roll back")
}

func TestFailedMigrationIsNotRecorded(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	broken := Migration{Version: 2, Description: "broken", Up: "CREATE TABLE"}
	m := NewManager(createNotes, broken)

	applied, err := m.Apply(ctx, db)
	require.Error(t, err)
	assert.Equal(t, 1, applied)

	v, err := Version(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestRefusesNewerSchema(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	_, err := NewManager(createNotes, addAuthor).Apply(ctx, db)
	require.NoError(t, err)

	_, err = NewManager(createNotes).Apply(ctx, db)
	assert.ErrorContains(t, err, "newer than this binary supports")
}

func TestPending(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	m := NewManager(createNotes, addAuthor)
	pending, err := m.Pending(ctx, db)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	_, err = NewManager(createNotes).Apply(ctx, db)
	require.NoError(t, err)

	pending, err = m.Pending(ctx, db)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Version)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	assert.Panics(t, func() { NewManager(createNotes, createNotes) })
	assert.Panics(t, func() { NewManager(Migration{Version: 0}) })
}

func TestRollbackWithoutDown(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	oneWay := Migration{Version: 1, Description: "one way", Up: createNotes.Up}
	m := NewManager(oneWay)

	_, err := m.Apply(ctx, db)
	require.NoError(t, err)
	assert.ErrorContains(t, m.Rollback(ctx, db), "cannot be rolled back")
}
