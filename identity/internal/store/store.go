// Package store persists icon titles for the identity resolver.
package store

import (
	"database/sql"

	"github.com/hazyhaar/pixeldump/dbopen"
)

// Store is the title database handle.
type Store struct {
	DB *sql.DB
}

// Open opens (or creates) the title database at path and migrates it to the
// latest schema version.
func Open(path string, opts ...dbopen.Option) (*Store, error) {
	allOpts := append([]dbopen.Option{
		dbopen.WithMkdirAll(),
		dbopen.WithMigrations(Migrations...),
	}, opts...)

	db, err := dbopen.Open(path, allOpts...)
	if err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}
