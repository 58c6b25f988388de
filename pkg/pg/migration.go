package pg

import (
	"fmt"
	"io/fs"

	_ "github.com/lib/pq"
	"github.com/fleetillo/dispatch-gateway/pkg/logger"
	"github.com/pressly/goose/v3"
)

// Migrate applies every pending goose migration found in dir. A nil fsys reads
// dir from disk.
func Migrate(cfg Config, fsys fs.FS, dir string) error {
	if err := prepare(fsys); err != nil {
		return err
	}

	db, err := newSqlConnection(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err = goose.Up(db, dir); err != nil {
		return fmt.Errorf("goose up %s: %w", dir, err)
	}
	version, err := goose.GetDBVersion(db)
	if err == nil {
		logger.Info("migrations applied", "dir", dir, "version", version)
	}
	return nil
}

// Rollback reverts the most recent migration.
func Rollback(cfg Config, fsys fs.FS, dir string) error {
	if err := prepare(fsys); err != nil {
		return err
	}
	db, err := newSqlConnection(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if err = goose.Down(db, dir); err != nil {
		return fmt.Errorf("goose down %s: %w", dir, err)
	}
	return nil
}

// MigrationStatus prints the applied/pending state of every migration in dir.
func MigrationStatus(cfg Config, fsys fs.FS, dir string) error {
	if err := prepare(fsys); err != nil {
		return err
	}
	db, err := newSqlConnection(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return goose.Status(db, dir)
}

func prepare(fsys fs.FS) error {
	goose.SetBaseFS(fsys)
	return goose.SetDialect("postgres")
}
