package storage

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// RunMigrations brings the schema up to date by applying every pending
// migration under dir. An already-current schema is not an error.
func RunMigrations(dbURL, dir string) error {
	mig, err := migrate.New("file://"+dir, dbURL)
	if err != nil {
		return fmt.Errorf("opening migration source: %w", err)
	}
	defer mig.Close()

	if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}
