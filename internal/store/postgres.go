package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgBackend struct {
	pool *pgxpool.Pool
}

func openPostgres(ctx context.Context, databaseURL string) (*pgBackend, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &pgBackend{pool: pool}, nil
}

func (b *pgBackend) exec(ctx context.Context, query string, args ...any) error {
	_, err := b.pool.Exec(ctx, query, args...)
	return err
}

func (b *pgBackend) queryInt(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	err := b.pool.QueryRow(ctx, query, args...).Scan(&n)
	return n, err
}

func (b *pgBackend) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := b.pool.Query(ctx, query, args...)
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

func (b *pgBackend) close() { b.pool.Close() }

func (b *pgBackend) placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (b *pgBackend) columnType(kind columnKind) string {
	switch kind {
	case colJSON:
		return "JSONB"
	case colDate:
		return "DATE"
	case colTime:
		return "TIME"
	case colTimestamp:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

func (b *pgBackend) columnsQuery() string {
	return `SELECT column_name FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1`
}

func (b *pgBackend) dateArg(t time.Time) any {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (b *pgBackend) timeArg(t time.Time) any {
	secs := t.Hour()*3600 + t.Minute()*60 + t.Second()
	return pgtype.Time{Microseconds: int64(secs) * 1_000_000, Valid: true}
}

// isConstraintViolation matches SQLSTATE class 23 (integrity constraint
// violation).
func (b *pgBackend) isConstraintViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23")
}
