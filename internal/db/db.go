// Package db is the SQLite persistence layer: connection setup, the order
// repository with its event log and outbox, the catalog and admin users.
package db

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

// Pragmas are applied by the driver to every pooled connection. Transactions
// begin IMMEDIATE so concurrent writers wait on busy_timeout instead of
// failing on lock upgrade.
var connParams = []string{
	"_pragma=journal_mode(WAL)",
	"_pragma=foreign_keys(1)",
	"_pragma=busy_timeout(5000)",
	"_txlock=immediate",
}

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know.
	sqlx.BindDriver(driverName, sqlx.QUESTION)
}

// Open opens a SQLite database, sets recommended pragmas, and validates connectivity.
func Open(dbPath string) (*sqlx.DB, error) {
	db, err := sqlx.Open(driverName, dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	var fk int
	if err := db.Get(&fk, `PRAGMA foreign_keys`); err != nil {
		db.Close()
		return nil, fmt.Errorf("read sqlite pragmas: %w", err)
	}
	if fk != 1 {
		db.Close()
		return nil, fmt.Errorf("set sqlite pragmas: foreign_keys is %d", fk)
	}

	return db, nil
}

func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join(connParams, "&")
}
