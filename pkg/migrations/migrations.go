package migrations

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

func wrapOpenDB(err error) error {
	return fmt.Errorf("open db: %w", err)
}

func OpenDB(path string) (*sql.DB, error) {
	if path != ":memory:" {
		err := os.MkdirAll(filepath.Dir(path), 0777)
		if err != nil {
			return nil, wrapOpenDB(err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wrapOpenDB(err)
	}

	// see this stackoverflow post for information on why the following
	// lines exist: https://stackoverflow.com/questions/35804884/sqlite-concurrent-writing-performance
	db.SetMaxOpenConns(1)
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		db.Close()
		return nil, wrapOpenDB(err)
	}

	return db, nil
}

func wrapOpenAndMigrate(err error) error {
	return fmt.Errorf("open and migrate db: %w", err)
}

// OpenAndMigrateDB opens the database and applies schema when the database's
// user_version is older than version. The schema must be idempotent
// (CREATE TABLE IF NOT EXISTS and friends).
func OpenAndMigrateDB(schema string, version int, path string) (*sql.DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, wrapOpenAndMigrate(err)
	}

	var current int
	err = db.QueryRow("PRAGMA user_version").Scan(&current)
	if err != nil {
		db.Close()
		return nil, wrapOpenAndMigrate(err)
	}
	if current >= version {
		return db, nil
	}

	tx, err := db.Begin()
	if err != nil {
		db.Close()
		return nil, wrapOpenAndMigrate(err)
	}
	_, err = tx.Exec(schema)
	if err == nil {
		// PRAGMA does not take bind parameters
		_, err = tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version))
	}
	if err != nil {
		tx.Rollback()
		db.Close()
		return nil, wrapOpenAndMigrate(err)
	}
	err = tx.Commit()
	if err != nil {
		db.Close()
		return nil, wrapOpenAndMigrate(err)
	}

	return db, nil
}
