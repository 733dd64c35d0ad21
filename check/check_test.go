package check

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/dbdelta/database"
)

func newSQLiteTarget(t *testing.T, name string, ddl ...string) database.Target {
	t.Helper()
	target, err := database.ParseTarget(name, filepath.Join(t.TempDir(), name+".db"))
	if err != nil {
		t.Fatalf("parse target: %v", err)
	}
	db, err := database.Open(context.Background(), target)
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	defer db.Close()
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}
	return target
}

var baseSchema = []string{
	`CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`,
	`CREATE INDEX items_name ON items (name)`,
	`CREATE VIEW item_names AS SELECT name FROM items`,
}

func TestCompare_Equivalent(t *testing.T) {
	a := newSQLiteTarget(t, "a", baseSchema...)
	b := newSQLiteTarget(t, "b", baseSchema...)

	equal, report, err := NewComparator(nil).Compare(context.Background(), a, b, Options{})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if !equal {
		t.Fatalf("expected equivalent databases, got %+v", report.Differences)
	}
	if report.A != "a" || report.B != "b" {
		t.Errorf("unexpected report targets %q %q", report.A, report.B)
	}
}

func TestCompare_Differences(t *testing.T) {
	a := newSQLiteTarget(t, "a", append(baseSchema, `ALTER TABLE items ADD COLUMN price REAL`)...)
	b := newSQLiteTarget(t, "b", append(baseSchema, `CREATE TABLE extra (id INTEGER)`)...)

	equal, report, err := NewComparator(nil).Compare(context.Background(), a, b, Options{})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if equal {
		t.Fatal("expected differences")
	}

	byElement := map[Element]Difference{}
	for _, d := range report.Differences {
		byElement[d.Element] = d
	}
	tables, ok := byElement[Tables]
	if !ok || len(tables.OnlyInB) != 1 || !strings.Contains(tables.OnlyInB[0], "extra") {
		t.Errorf("expected extra table only in b, got %+v", tables)
	}
	cols, ok := byElement[Columns]
	if !ok || len(cols.OnlyInA) != 1 || !strings.Contains(cols.OnlyInA[0], "price") {
		t.Errorf("expected price column only in a, got %+v", cols)
	}
}

func TestCompare_IgnoredElements(t *testing.T) {
	a := newSQLiteTarget(t, "a", baseSchema...)
	b := newSQLiteTarget(t, "b", append(baseSchema, `CREATE INDEX items_id_name ON items (id, name)`)...)

	equal, report, err := NewComparator(nil).Compare(context.Background(), a, b, Options{Ignore: []Element{Indexes}})
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if !equal {
		t.Fatalf("expected ignored index difference, got %+v", report.Differences)
	}
}

func TestCompare_ConnectError(t *testing.T) {
	a := newSQLiteTarget(t, "a")
	b, _ := database.ParseTarget("missing", filepath.Join(t.TempDir(), "no", "such", "dir", "b.db"))

	_, _, err := NewComparator(nil).Compare(context.Background(), a, b, Options{})
	var cerr *ConnectError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConnectError, got %v", err)
	}
	if cerr.Target != "missing" {
		t.Errorf("expected target 'missing', got %q", cerr.Target)
	}
}

func TestOptions_Excluded(t *testing.T) {
	opts := Options{ExcludeSchemas: []string{"audit"}}
	for _, s := range []string{"pg_catalog", "information_schema", "pg_toast", "pg_temp_3", "audit"} {
		if !opts.excluded(s) {
			t.Errorf("expected %s to be excluded", s)
		}
	}
	if opts.excluded("public") {
		t.Error("public must not be excluded")
	}
}

func TestDiff_KeepsDuplicates(t *testing.T) {
	a := Snapshot{Tables: {"public | t", "public | t"}}
	b := Snapshot{Tables: {"public | t"}}
	r := Diff(a, b, Options{})
	if r.Count() != 1 || len(r.Differences[0].OnlyInA) != 1 {
		t.Fatalf("unexpected diff %+v", r.Differences)
	}
}

func TestParseElement(t *testing.T) {
	e, err := ParseElement(" Views ")
	if err != nil || e != Views {
		t.Errorf("ParseElement: %v %v", e, err)
	}
	if _, err := ParseElement("owners"); err == nil {
		t.Error("expected error for unknown element")
	}
}

func sampleReport() *Report {
	return &Report{
		A: "test",
		B: "reference",
		Differences: []Difference{
			{Element: Tables, OnlyInA: []string{"public | new_table"}},
			{Element: Columns, OnlyInB: []string{"public | t | c | integer"}},
		},
	}
}

func TestReport_WriteText(t *testing.T) {
	var quiet, verbose bytes.Buffer
	if err := sampleReport().Write(&quiet, FormatText, 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	if strings.Contains(quiet.String(), "new_table") {
		t.Errorf("verbosity 0 must not list objects:\n%s", quiet.String())
	}
	if !strings.Contains(quiet.String(), "tables: 1 only in a, 0 only in b") {
		t.Errorf("missing summary line:\n%s", quiet.String())
	}

	if err := sampleReport().Write(&verbose, FormatText, 2); err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, want := range []string{"a: test", "  - public | new_table", "  + public | t | c | integer", "2 difference(s)"} {
		if !strings.Contains(verbose.String(), want) {
			t.Errorf("expected %q in:\n%s", want, verbose.String())
		}
	}

	var ok bytes.Buffer
	_ = (&Report{}).Write(&ok, FormatText, 0)
	if !strings.HasPrefix(ok.String(), "OK") {
		t.Errorf("unexpected output for equivalent report: %q", ok.String())
	}
}

func TestReport_WriteJSONAndYAML(t *testing.T) {
	var jb bytes.Buffer
	if err := sampleReport().Write(&jb, FormatJSON, 0); err != nil {
		t.Fatalf("json: %v", err)
	}
	var fromJSON Report
	if err := json.Unmarshal(jb.Bytes(), &fromJSON); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if len(fromJSON.Differences) != 2 || fromJSON.Differences[0].Element != Tables {
		t.Errorf("unexpected json report %+v", fromJSON)
	}

	var yb bytes.Buffer
	if err := sampleReport().Write(&yb, FormatYAML, 0); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	var fromYAML Report
	if err := yaml.Unmarshal(yb.Bytes(), &fromYAML); err != nil {
		t.Fatalf("decode yaml: %v", err)
	}
	if fromYAML.B != "reference" || len(fromYAML.Differences[1].OnlyInB) != 1 {
		t.Errorf("unexpected yaml report %+v", fromYAML)
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Errorf("expected text default, got %v %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}
