// Package dbconn defines the per-worker database connection contract the
// worker pool expects, and a concrete modernc.org/sqlite opener. No
// schema or persistence logic lives here — SQL persistence is out of
// scope for the dispatch core, which only needs something to hand each
// worker goroutine as its private resource.
package dbconn

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Conn is the per-worker database handle a workerpool.ResourceFactory
// constructs. It is never shared across goroutines: each worker opens its
// own and tears it down when its goroutine exits.
type Conn interface {
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Close() error
}

type sqliteConn struct {
	db *sql.DB
}

func (c *sqliteConn) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.db.QueryRowContext(ctx, query, args...)
}

func (c *sqliteConn) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.db.ExecContext(ctx, query, args...)
}

func (c *sqliteConn) Close() error {
	return c.db.Close()
}

// Opener builds one Conn, called once per worker goroutine inside that
// goroutine so no SQL connection is ever shared.
type Opener func() (Conn, func(), error)

// NewOpener returns an Opener against dsn (":memory:" or a file path),
// setting the same pragmas the teacher's storage layer sets: foreign
// keys on, a busy timeout so concurrent workers don't fail outright on
// lock contention, and WAL mode for file-backed databases.
func NewOpener(dsn string) Opener {
	return func() (Conn, func(), error) {
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite connection: %w", err)
		}

		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("enable foreign keys: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("set busy timeout: %w", err)
		}
		if dsn != ":memory:" {
			if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
				db.Close()
				return nil, nil, fmt.Errorf("enable WAL: %w", err)
			}
		}

		conn := &sqliteConn{db: db}
		return conn, func() { conn.Close() }, nil
	}
}
