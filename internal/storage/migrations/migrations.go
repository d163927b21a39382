// Package migrations tracks numbered schema changes for database/sql backends.
package migrations

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"
)

// Migration is one numbered schema change. Down may be empty when the
// change cannot be reverted.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// Manager applies an ordered set of migrations
type Manager struct {
	steps []Migration
}

// NewManager creates a manager for ms. Registration order does not matter.
func NewManager(ms ...Migration) *Manager {
	m := &Manager{}
	for _, mig := range ms {
		m.Register(mig)
	}
	return m
}

// Register adds a migration. Versions must be positive and unique.
func (m *Manager) Register(mig Migration) {
	if mig.Version < 1 {
		panic(fmt.Sprintf("migrations: version must be positive (got %d)", mig.Version))
	}
	i, found := slices.BinarySearchFunc(m.steps, mig.Version, func(s Migration, v int) int {
		return cmp.Compare(s.Version, v)
	})
	if found {
		panic(fmt.Sprintf("migrations: version %d registered twice", mig.Version))
	}
	m.steps = slices.Insert(m.steps, i, mig)
}

// Latest is the schema version this manager migrates to
func (m *Manager) Latest() int {
	if len(m.steps) == 0 {
		return 0
	}
	return m.steps[len(m.steps)-1].Version
}

// Pending lists the migrations newer than the database's version
func (m *Manager) Pending(ctx context.Context, db *sql.DB) ([]Migration, error) {
	if err := ensureVersionTable(ctx, db); err != nil {
		return nil, err
	}
	current, err := Version(ctx, db)
	if err != nil {
		return nil, err
	}
	if current > m.Latest() {
		return nil, fmt.Errorf("database schema version %d is newer than this binary supports (%d)", current, m.Latest())
	}
	var out []Migration
	for _, mig := range m.steps {
		if mig.Version > current {
			out = append(out, mig)
		}
	}
	return out, nil
}

// Apply runs each pending migration in its own transaction and returns
// how many succeeded. A failing step stops the run and is not recorded.
func (m *Manager) Apply(ctx context.Context, db *sql.DB) (int, error) {
	pending, err := m.Pending(ctx, db)
	if err != nil {
		return 0, err
	}
	for n, mig := range pending {
		err := inTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, mig.Up); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_version (version, description, applied_at) VALUES (?, ?, ?)",
				mig.Version, mig.Description, time.Now().UnixNano())
			return err
		})
		if err != nil {
			return n, fmt.Errorf("migration %d (%s): %w", mig.Version, mig.Description, err)
		}
	}
	return len(pending), nil
}

// Rollback reverts the newest applied migration
func (m *Manager) Rollback(ctx context.Context, db *sql.DB) error {
	current, err := Version(ctx, db)
	if err != nil {
		return err
	}
	if current == 0 {
		return fmt.Errorf("no migrations to roll back")
	}

	i := slices.IndexFunc(m.steps, func(s Migration) bool { return s.Version == current })
	if i < 0 {
		return fmt.Errorf("migration %d is not known to this binary", current)
	}
	mig := m.steps[i]
	if mig.Down == "" {
		return fmt.Errorf("migration %d (%s) cannot be rolled back", mig.Version, mig.Description)
	}

	err = inTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, mig.Down); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM schema_version WHERE version = ?", mig.Version)
		return err
	})
	if err != nil {
		return fmt.Errorf("rollback of migration %d: %w", mig.Version, err)
	}
	return nil
}

// Version returns the applied schema version, 0 for a fresh database
func Version(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

func ensureVersionTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to create schema_version: %w", err)
	}
	return nil
}

func inTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
