package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
)

// Migration is one schema step. Version numbers start at 1 and are stored in
// PRAGMA user_version once Up commits.
type Migration struct {
	Version int
	Name    string
	Up      func(ctx context.Context, tx *sql.Tx) error
}

// UserVersion returns PRAGMA user_version.
func UserVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v)
	return v, err
}

// Migrate applies, in version order, every migration above the current
// user_version. Each step runs in its own transaction together with the
// version bump, so a failed step leaves the database at the previous
// version. It returns the number of steps applied.
func Migrate(ctx context.Context, db *sql.DB, migrations []Migration) (int, error) {
	ms := append([]Migration(nil), migrations...)
	sort.Slice(ms, func(i, j int) bool { return ms[i].Version < ms[j].Version })
	for i := 1; i < len(ms); i++ {
		if ms[i].Version == ms[i-1].Version {
			return 0, fmt.Errorf("dbopen: duplicate migration version %d", ms[i].Version)
		}
	}

	current, err := UserVersion(ctx, db)
	if err != nil {
		return 0, fmt.Errorf("dbopen: read user_version: %w", err)
	}

	applied := 0
	for _, m := range ms {
		if m.Version <= current {
			continue
		}
		err := RunTx(ctx, db, func(tx *sql.Tx) error {
			if err := m.Up(ctx, tx); err != nil {
				return err
			}
			// PRAGMA does not take bind parameters.
			_, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.Version))
			return err
		})
		if err != nil {
			return applied, fmt.Errorf("dbopen: migration %d (%s): %w", m.Version, m.Name, err)
		}
		applied++
	}
	return applied, nil
}

// ExecMigration returns a migration Up func running fixed statements.
func ExecMigration(stmts ...string) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		for _, s := range stmts {
			if _, err := tx.ExecContext(ctx, s); err != nil {
				return err
			}
		}
		return nil
	}
}
