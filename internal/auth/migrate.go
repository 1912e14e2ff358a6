package auth

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// migrate applies the credentials-table schema, adapted from the
// teacher's migrations.MigrationManager.Up but retargeted from
// Postgres to SQLite (goose supports both dialects) and trimmed down
// to the one operation this package needs at startup.
func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationFiles)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("auth: set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("auth: apply migrations: %w", err)
	}
	return nil
}

// Status prints the applied/pending state of every embedded migration
// for path, for the migrate command's "status" subcommand. It opens
// its own connection rather than going through OpenStore so it can be
// run against a database that hasn't been migrated yet.
func Status(path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("auth: open sqlite: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationFiles)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("auth: set goose dialect: %w", err)
	}
	return goose.Status(db, "migrations")
}
