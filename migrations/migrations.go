// Package migrations carries the embedded schema for the sentinel
// database. The daemon applies it on startup and cmd/migrate exposes
// the full goose command set over the same files.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var fs embed.FS

// Prepare points goose at the embedded schema. Callers then run goose
// commands against the returned provider root (".").
func Prepare() error {
	goose.SetBaseFS(fs)
	// modernc.org/sqlite registers as "sqlite"; goose only knows the
	// dialect by its older name.
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	return nil
}

// Run brings the schema up to the latest version.
func Run(db *sql.DB) error {
	if err := Prepare(); err != nil {
		return err
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
