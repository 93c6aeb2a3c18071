package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type sqliteBackend struct {
	db *sql.DB
}

func openSQLite(ctx context.Context, dsn string) (*sqliteBackend, error) {
	if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// One connection: an in-memory database lives only as long as its
	// connection, and it avoids "database is locked" on files.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return &sqliteBackend{db: db}, nil
}

func (b *sqliteBackend) exec(ctx context.Context, query string, args ...any) error {
	_, err := b.db.ExecContext(ctx, query, args...)
	return err
}

func (b *sqliteBackend) queryInt(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

func (b *sqliteBackend) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (b *sqliteBackend) close() { b.db.Close() }

func (b *sqliteBackend) placeholder(int) string { return "?" }

func (b *sqliteBackend) columnType(columnKind) string { return "TEXT" }

func (b *sqliteBackend) columnsQuery() string {
	return `SELECT name FROM pragma_table_info(?)`
}

func (b *sqliteBackend) dateArg(t time.Time) any { return t.Format("2006-01-02") }

func (b *sqliteBackend) timeArg(t time.Time) any { return t.Format("15:04:05") }

func (b *sqliteBackend) isConstraintViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}
