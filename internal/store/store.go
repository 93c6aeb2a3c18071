package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ErrConnectivity wraps failures that are not attributable to a single row.
// They abort the run.
var ErrConnectivity = errors.New("store unavailable")

// backend is a database connection plus its SQL dialect.
type backend interface {
	exec(ctx context.Context, query string, args ...any) error
	queryInt(ctx context.Context, query string, args ...any) (int, error)
	queryStrings(ctx context.Context, query string, args ...any) ([]string, error)
	close()

	placeholder(n int) string
	columnType(kind columnKind) string
	columnsQuery() string
	dateArg(t time.Time) any
	timeArg(t time.Time) any
	isConstraintViolation(err error) bool
}

type columnKind int

const (
	colText columnKind = iota
	colJSON
	colDate
	colTime
	colTimestamp
)

type Store struct {
	be     backend
	logger *slog.Logger

	mu      sync.Mutex
	ensured map[string]bool
}

// Open connects to the destination named by dsn. postgres:// and
// postgresql:// URLs use PostgreSQL; sqlite:<path>, file: URIs and
// :memory: use SQLite.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	var (
		be  backend
		err error
	)
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		be, err = openPostgres(ctx, dsn)
	case strings.HasPrefix(dsn, "sqlite:"):
		be, err = openSQLite(ctx, strings.TrimPrefix(dsn, "sqlite:"))
	case dsn == ":memory:", strings.HasPrefix(dsn, "file:"):
		be, err = openSQLite(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported database url %q", redact(dsn))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectivity, err)
	}
	return &Store{be: be, logger: logger, ensured: make(map[string]bool)}, nil
}

func (s *Store) Close() {
	s.be.close()
}

// Count returns the number of rows in table.
func (s *Store) Count(ctx context.Context, table string) (int, error) {
	n, err := s.be.queryInt(ctx, "SELECT COUNT(*) FROM "+quoteIdent(SanitizeTable(table)))
	if err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	return n, nil
}

// SanitizeTable turns a dataset name into a table name: lower case, runes
// outside [a-z0-9_] replaced with '_', and a leading digit prefixed with "t_".
func SanitizeTable(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" {
		return "messages"
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "t_" + out
	}
	return out
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteLiteral(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

// redact hides the password of a URL-style dsn.
func redact(dsn string) string {
	at := strings.LastIndexByte(dsn, '@')
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 {
		return dsn
	}
	creds := dsn[scheme+3 : at]
	if i := strings.IndexByte(creds, ':'); i >= 0 {
		return dsn[:scheme+3] + creds[:i] + ":***" + dsn[at:]
	}
	return dsn
}
