// Package database describes upgrade targets and opens connections to them.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "modernc.org/sqlite"            // registers the "sqlite" driver
)

// ErrUnknownDialect is returned when a connection string matches no
// supported database.
var ErrUnknownDialect = errors.New("database: cannot determine dialect")

// Dialect identifies the SQL flavour of a target.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// Placeholder returns the bind parameter marker for the n-th (1-based)
// argument.
func (d Dialect) Placeholder(n int) string {
	if d == Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Target is a database the tool operates on.
type Target struct {
	Name    string // configured name, empty for ad-hoc connection strings
	DSN     string
	Dialect Dialect
}

// ParseTarget detects the dialect of dsn. Accepted forms:
//
//	postgres://... or postgresql://...   Postgres URL
//	host=... dbname=... / service=...    Postgres keyword string
//	app_prod                             Postgres service name from pg_service.conf
//	sqlite://path, file:path, *.db       SQLite file
func ParseTarget(name, dsn string) (Target, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return Target{}, fmt.Errorf("%w: empty connection string", ErrUnknownDialect)
	}
	t := Target{Name: name, DSN: dsn}
	lower := strings.ToLower(dsn)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		t.Dialect = Postgres
	case strings.HasPrefix(lower, "sqlite://"), strings.HasPrefix(lower, "file:"), lower == ":memory:",
		strings.HasSuffix(lower, ".db"), strings.HasSuffix(lower, ".sqlite"), strings.HasSuffix(lower, ".sqlite3"):
		t.Dialect = SQLite
	case strings.Contains(dsn, "="):
		t.Dialect = Postgres
	case !strings.ContainsAny(dsn, ":/\\ "):
		t.Dialect = Postgres
		t.DSN = "service=" + dsn
	default:
		return Target{}, fmt.Errorf("%w: %s", ErrUnknownDialect, redact(dsn))
	}
	return t, nil
}

// DriverName returns the database/sql driver registered for the dialect.
func (t Target) DriverName() string {
	if t.Dialect == Postgres {
		return "pgx"
	}
	return "sqlite"
}

// DataSource returns the driver specific data source name.
func (t Target) DataSource() string {
	if t.Dialect == SQLite {
		return strings.TrimPrefix(t.DSN, "sqlite://")
	}
	return t.DSN
}

// FilePath returns the file backing a SQLite target, without URI prefix or
// query parameters.
func (t Target) FilePath() string {
	p := strings.TrimPrefix(t.DataSource(), "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return p
}

// String identifies the target in logs without leaking credentials.
func (t Target) String() string {
	if t.Name != "" {
		return t.Name
	}
	return redact(t.DSN)
}

// Open connects to t and verifies the connection.
func Open(ctx context.Context, t Target) (*sql.DB, error) {
	db, err := sql.Open(t.DriverName(), t.DataSource())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", t, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect %s: %w", t, err)
	}
	return db, nil
}

// redact masks the password of URL style connection strings and of
// password= keywords.
func redact(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" && u.User != nil {
		return u.Redacted()
	}
	fields := strings.Fields(dsn)
	for i, f := range fields {
		if strings.HasPrefix(strings.ToLower(f), "password=") {
			fields[i] = "password=xxxxx"
		}
	}
	return strings.Join(fields, " ")
}
