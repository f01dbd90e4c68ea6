package store

import (
	"database/sql"
	"fmt"
	"io/fs"
	"sync"

	"github.com/pressly/goose/v3"
)

// goose keeps its base FS and dialect in package globals.
var gooseMu sync.Mutex

func migrate(db *sql.DB, fsys fs.FS, gooseDialect, dir string) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(fsys)
	if err := goose.SetDialect(gooseDialect); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db, dir); err != nil {
		return storageErr("running migrations", err)
	}
	return nil
}

// MigrationStatus returns the current schema version of db.
func MigrationStatus(db *sql.DB, driver string) (int64, error) {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	fsys, gooseDialect := fs.FS(migrations), "sqlite3"
	if driver == "postgres" {
		fsys, gooseDialect = pgMigrations, "postgres"
	}
	goose.SetBaseFS(fsys)
	if err := goose.SetDialect(gooseDialect); err != nil {
		return 0, fmt.Errorf("setting goose dialect: %w", err)
	}
	version, err := goose.GetDBVersion(db)
	if err != nil {
		return 0, storageErr("reading schema version", err)
	}
	return version, nil
}
