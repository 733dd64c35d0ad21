// Package check compares the structure of two databases.
package check

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/dbdelta/database"
)

// Element is a kind of schema object the comparator inspects.
type Element string

const (
	Tables      Element = "tables"
	Columns     Element = "columns"
	Constraints Element = "constraints"
	Views       Element = "views"
	Sequences   Element = "sequences"
	Indexes     Element = "indexes"
	Triggers    Element = "triggers"
	Functions   Element = "functions"
	Rules       Element = "rules"
)

// Elements lists every element kind in report order.
var Elements = []Element{Tables, Columns, Constraints, Views, Sequences, Indexes, Triggers, Functions, Rules}

// ParseElement validates an element kind name.
func ParseElement(s string) (Element, error) {
	for _, e := range Elements {
		if string(e) == strings.ToLower(strings.TrimSpace(s)) {
			return e, nil
		}
	}
	return "", fmt.Errorf("unknown element %q", s)
}

// SystemSchemas are never compared.
var SystemSchemas = []string{"pg_catalog", "information_schema", "pg_toast"}

// Options narrows a comparison.
type Options struct {
	ExcludeSchemas []string
	Ignore         []Element
}

func (o Options) ignored(e Element) bool {
	for _, i := range o.Ignore {
		if i == e {
			return true
		}
	}
	return false
}

func (o Options) excluded(schema string) bool {
	for _, s := range SystemSchemas {
		if schema == s {
			return true
		}
	}
	if strings.HasPrefix(schema, "pg_temp_") || strings.HasPrefix(schema, "pg_toast_temp_") {
		return true
	}
	for _, s := range o.ExcludeSchemas {
		if schema == s {
			return true
		}
	}
	return false
}

// ConnectError reports a database the comparator could not reach.
type ConnectError struct {
	Target string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("check: connect %s: %v", e.Target, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Comparator compares live databases.
type Comparator struct {
	logger *slog.Logger
}

// NewComparator creates a Comparator.
func NewComparator(logger *slog.Logger) *Comparator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Comparator{logger: logger}
}

// Compare snapshots a and b concurrently and reports the differences. The
// first return value is true when the databases are structurally equivalent.
func (c *Comparator) Compare(ctx context.Context, a, b database.Target, opts Options) (bool, *Report, error) {
	var snapA, snapB Snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := c.snapshot(gctx, a, opts)
		snapA = s
		return err
	})
	g.Go(func() error {
		s, err := c.snapshot(gctx, b, opts)
		snapB = s
		return err
	})
	if err := g.Wait(); err != nil {
		return false, nil, err
	}

	report := Diff(snapA, snapB, opts)
	report.A, report.B = a.String(), b.String()
	c.logger.Info("schema comparison finished", "a", report.A, "b", report.B, "equivalent", report.Equivalent(), "differences", report.Count())
	return report.Equivalent(), report, nil
}

func (c *Comparator) snapshot(ctx context.Context, t database.Target, opts Options) (Snapshot, error) {
	db, err := database.Open(ctx, t)
	if err != nil {
		return nil, &ConnectError{Target: t.String(), Err: err}
	}
	defer db.Close()
	c.logger.Debug("inspecting schema", "target", t.String())
	return InspectorFor(t.Dialect).Snapshot(ctx, db, opts)
}

// Snapshot maps each element kind to a sorted list of object descriptions.
type Snapshot map[Element][]string

// Inspector reads a Snapshot from an open database.
type Inspector interface {
	Snapshot(ctx context.Context, db *sql.DB, opts Options) (Snapshot, error)
}

// InspectorFor returns the catalog reader for a dialect.
func InspectorFor(d database.Dialect) Inspector {
	if d == database.Postgres {
		return catalogInspector{queries: postgresQueries}
	}
	return catalogInspector{queries: sqliteQueries}
}

// catalogInspector runs one query per element kind. Every query returns the
// schema name first; the remaining columns describe the object.
type catalogInspector struct {
	queries map[Element]string
}

func (ci catalogInspector) Snapshot(ctx context.Context, db *sql.DB, opts Options) (Snapshot, error) {
	snap := make(Snapshot)
	for _, el := range Elements {
		q, ok := ci.queries[el]
		if !ok || opts.ignored(el) {
			continue
		}
		items, err := queryItems(ctx, db, q, opts)
		if err != nil {
			return nil, fmt.Errorf("check: read %s: %w", el, err)
		}
		snap[el] = items
	}
	return snap, nil
}

func queryItems(ctx context.Context, db *sql.DB, q string, opts Options) ([]string, error) {
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	vals := make([]sql.NullString, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}

	var items []string
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		if opts.excluded(vals[0].String) {
			continue
		}
		parts := make([]string, 0, len(vals))
		for _, v := range vals {
			if v.Valid {
				parts = append(parts, v.String)
			} else {
				parts = append(parts, "NULL")
			}
		}
		items = append(items, strings.Join(parts, " | "))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(items)
	return items, nil
}
