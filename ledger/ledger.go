// Package ledger persists which delta units have been applied to a database.
// The ledger lives in a table inside the target database itself and is
// append-only; only an explicit Reset removes entries.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/GoCodeAlone/dbdelta/database"
	"github.com/GoCodeAlone/dbdelta/delta"
)

// DefaultTable is the qualified ledger table name used when none is configured.
const DefaultTable = "public.dbdelta_upgrades"

var (
	// ErrAlreadyInitialized is returned by SetBaseline when the ledger has entries.
	ErrAlreadyInitialized = errors.New("ledger: already initialized")
	// ErrLedgerWrite classifies failures to append a ledger entry.
	ErrLedgerWrite = errors.New("ledger: write failed")
)

// WriteError reports a ledger append that could not complete. Database and
// ledger state may diverge after a WriteError, so it ends the current run.
type WriteError struct {
	Version delta.Version
	Script  string
	Err     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("ledger: record %s (%s): %v", e.Version, e.Script, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrLedgerWrite) hold for every WriteError.
func (e *WriteError) Is(target error) bool { return target == ErrLedgerWrite }

// Kind distinguishes baseline entries from applied deltas.
type Kind int

const (
	KindBaseline Kind = 0
	KindDelta    Kind = 1
	KindProgram  Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindBaseline:
		return "baseline"
	case KindProgram:
		return "program"
	}
	return "delta"
}

// Entry is one ledger row.
type Entry struct {
	ID            int64
	Version       delta.Version
	Description   string
	Kind          Kind
	Script        string
	Checksum      string
	InstalledBy   string
	InstalledOn   time.Time
	ExecutionTime time.Duration
	Success       bool
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Ledger reads and appends entries of one ledger table.
type Ledger struct {
	q       queryer
	dialect database.Dialect
	schema  string
	table   string
	ident   string
	user    string
	now     func() time.Time
}

// New returns a Ledger for the qualified table name ("schema.table" or
// "table"). SQLite targets have no schemas; only the table part is used.
func New(db *sql.DB, dialect database.Dialect, qualified string) (*Ledger, error) {
	schema, table, err := ParseTableName(qualified)
	if err != nil {
		return nil, err
	}
	id := pgx.Identifier{table}
	if dialect == database.Postgres && schema != "" {
		id = pgx.Identifier{schema, table}
	}
	return &Ledger{
		q:       db,
		dialect: dialect,
		schema:  schema,
		table:   table,
		ident:   id.Sanitize(),
		user:    currentUser(),
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// ParseTableName splits a qualified table name into schema and table.
func ParseTableName(qualified string) (schema, table string, err error) {
	parts := strings.Split(strings.TrimSpace(qualified), ".")
	switch {
	case len(parts) == 1 && parts[0] != "":
		return "", parts[0], nil
	case len(parts) == 2 && parts[0] != "" && parts[1] != "":
		return parts[0], parts[1], nil
	default:
		return "", "", fmt.Errorf("ledger: invalid table name %q", qualified)
	}
}

// WithTx returns a copy of the ledger whose statements run inside tx.
func (l *Ledger) WithTx(tx *sql.Tx) *Ledger {
	c := *l
	c.q = tx
	return &c
}

// Name returns the quoted table identifier.
func (l *Ledger) Name() string { return l.ident }

// EnsureSchema creates the ledger table if it does not exist. It is safe to
// call on every invocation.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	var stmts []string
	if l.dialect == database.Postgres {
		if l.schema != "" {
			stmts = append(stmts, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pgx.Identifier{l.schema}.Sanitize()))
		}
		stmts = append(stmts, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id             BIGSERIAL PRIMARY KEY,
			version        VARCHAR(50) NOT NULL,
			description    TEXT NOT NULL DEFAULT '',
			type           SMALLINT NOT NULL,
			script         TEXT NOT NULL DEFAULT '',
			checksum       VARCHAR(64) NOT NULL DEFAULT '',
			installed_by   VARCHAR(100) NOT NULL DEFAULT '',
			installed_on   TIMESTAMPTZ NOT NULL DEFAULT now(),
			execution_time INTEGER NOT NULL DEFAULT 0,
			success        BOOLEAN NOT NULL
		)`, l.ident))
	} else {
		stmts = append(stmts, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			version        TEXT NOT NULL,
			description    TEXT NOT NULL DEFAULT '',
			type           INTEGER NOT NULL,
			script         TEXT NOT NULL DEFAULT '',
			checksum       TEXT NOT NULL DEFAULT '',
			installed_by   TEXT NOT NULL DEFAULT '',
			installed_on   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			execution_time INTEGER NOT NULL DEFAULT 0,
			success        BOOLEAN NOT NULL
		)`, l.ident))
	}
	for _, stmt := range stmts {
		if _, err := l.q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ledger: create %s: %w", l.ident, err)
		}
	}
	return nil
}

// Entries returns all entries in insertion order.
func (l *Ledger) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := l.q.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, version, description, type, script, checksum, installed_by, installed_on, execution_time, success
		 FROM %s ORDER BY id`, l.ident))
	if err != nil {
		return nil, fmt.Errorf("ledger: query %s: %w", l.ident, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			version string
			kind    int
			millis  int64
		)
		if err := rows.Scan(&e.ID, &version, &e.Description, &kind, &e.Script, &e.Checksum,
			&e.InstalledBy, &e.InstalledOn, &millis, &e.Success); err != nil {
			return nil, fmt.Errorf("ledger: scan entry: %w", err)
		}
		if e.Version, err = delta.ParseVersion(version); err != nil {
			return nil, fmt.Errorf("ledger: entry %d: %w", e.ID, err)
		}
		e.Kind = Kind(kind)
		e.ExecutionTime = time.Duration(millis) * time.Millisecond
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LastApplied returns the highest version among successful entries, baseline
// included. ok is false when no successful entry exists.
func (l *Ledger) LastApplied(ctx context.Context) (v delta.Version, ok bool, err error) {
	entries, err := l.Entries(ctx)
	if err != nil {
		return delta.Version{}, false, err
	}
	v, ok = LastApplied(entries)
	return v, ok, nil
}

// LastApplied computes the highest successful version in entries.
func LastApplied(entries []Entry) (delta.Version, bool) {
	var (
		last  delta.Version
		found bool
	)
	for _, e := range entries {
		if !e.Success {
			continue
		}
		if !found || last.Less(e.Version) {
			last, found = e.Version, true
		}
	}
	return last, found
}

// Record appends an entry for u, keyed by u.Key(). Any failure is returned as
// a *WriteError.
func (l *Ledger) Record(ctx context.Context, u delta.Unit, success bool, elapsed time.Duration) error {
	kind := KindDelta
	if u.Program != nil {
		kind = KindProgram
	}
	err := l.insert(ctx, Entry{
		Version:       u.Version,
		Description:   u.Description,
		Kind:          kind,
		Script:        u.Key(),
		Checksum:      u.Checksum,
		ExecutionTime: elapsed,
		Success:       success,
	})
	if err != nil {
		return &WriteError{Version: u.Version, Script: u.Key(), Err: err}
	}
	return nil
}

// SetBaseline marks the database as being at version v without running any
// delta. It fails with ErrAlreadyInitialized, leaving the ledger unchanged,
// when any entry exists.
func (l *Ledger) SetBaseline(ctx context.Context, v delta.Version) error {
	var n int
	if err := l.q.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, l.ident)).Scan(&n); err != nil {
		return fmt.Errorf("ledger: count %s: %w", l.ident, err)
	}
	if n > 0 {
		return fmt.Errorf("%w: %s has %d entries", ErrAlreadyInitialized, l.ident, n)
	}
	err := l.insert(ctx, Entry{
		Version:     v,
		Description: "baseline",
		Kind:        KindBaseline,
		Success:     true,
	})
	if err != nil {
		return &WriteError{Version: v, Script: "baseline", Err: err}
	}
	return nil
}

// Reset deletes every entry. It is only reachable through an explicit
// operator request.
func (l *Ledger) Reset(ctx context.Context) error {
	if _, err := l.q.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, l.ident)); err != nil {
		return fmt.Errorf("ledger: reset %s: %w", l.ident, err)
	}
	return nil
}

func (l *Ledger) insert(ctx context.Context, e Entry) error {
	ph := make([]string, 9)
	for i := range ph {
		ph[i] = l.dialect.Placeholder(i + 1)
	}
	_, err := l.q.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (version, description, type, script, checksum, installed_by, installed_on, execution_time, success)
		 VALUES (%s)`, l.ident, strings.Join(ph, ", ")),
		e.Version.String(), e.Description, int(e.Kind), e.Script, e.Checksum,
		l.user, l.now(), e.ExecutionTime.Milliseconds(), e.Success)
	return err
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}
