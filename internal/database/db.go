// Package database is the Durable Store (§4.3): SQLite persistence for
// runs, pages, per-origin depths, link edges, blacklist/stub references,
// domain state, and the frontier. Every cross-table write happens inside
// a single transaction.
package database

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Open opens (creating if absent) the SQLite database at path in WAL mode
// with synchronous=NORMAL and foreign keys enforced (§4.3 "Durability"),
// and applies the schema.
func Open(ctx context.Context, path string) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_txlock=immediate", path)
	db, err := sqlx.ConnectContext(ctx, "sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// The frontier's claim path serializes through BEGIN IMMEDIATE rather
	// than relying on row locking (SQLite has no SELECT ... FOR UPDATE),
	// so a single writer connection avoids SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}

// dbExecutor is satisfied by both *sqlx.DB and *sqlx.Tx. Repositories hold
// one of these instead of a bare *sqlx.DB so that WithTx can rebind a
// repository to a transaction a caller controls, letting writes across
// several repositories land in one transaction (spec's record_processed
// "in one transaction").
type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// execRequireRows validates that an ExecContext result affected at least
// one row. Returns err if non-nil, or notFoundErr if rowsAffected is 0.
func execRequireRows(result interface {
	RowsAffected() (int64, error)
}, err, notFoundErr error) error {
	if err != nil {
		return err
	}
	n, affectedErr := result.RowsAffected()
	if affectedErr != nil {
		return affectedErr
	}
	if n == 0 {
		return notFoundErr
	}
	return nil
}
