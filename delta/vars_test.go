package delta

import (
	"errors"
	"strings"
	"testing"
)

func TestParseBinding(t *testing.T) {
	tests := []struct {
		in    string
		kind  Kind
		name  string
		value any
	}{
		{"string:schema=app", KindString, "schema", "app"},
		{"int:limit=42", KindInt, "limit", int64(42)},
		{"float:ratio=0.5", KindFloat, "ratio", 0.5},
		{"owner=admin", KindString, "owner", "admin"},
		{"string:dsn=host=db port=5432", KindString, "dsn", "host=db port=5432"},
	}
	for _, tt := range tests {
		b, err := ParseBinding(tt.in)
		if err != nil {
			t.Fatalf("ParseBinding(%q): %v", tt.in, err)
		}
		if b.Kind != tt.kind || b.Name != tt.name || b.Value != tt.value {
			t.Errorf("ParseBinding(%q) = %+v", tt.in, b)
		}
	}
}

func TestParseBinding_Invalid(t *testing.T) {
	for _, in := range []string{"novalue", "int:n=abc", "float:f=x", "bool:b=true", "string:=v"} {
		if _, err := ParseBinding(in); err == nil {
			t.Errorf("ParseBinding(%q): expected error", in)
		}
	}
}

func TestNewVariables_Duplicate(t *testing.T) {
	a, _ := NewBinding(KindString, "x", "1")
	b, _ := NewBinding(KindInt, "x", "2")
	if _, err := NewVariables(a, b); err == nil {
		t.Fatal("expected duplicate binding error")
	}
}

func TestRender(t *testing.T) {
	schema, _ := NewBinding(KindString, "schema", "app")
	limit, _ := NewBinding(KindInt, "limit", "10")
	ratio, _ := NewBinding(KindFloat, "ratio", "1.25")
	vars, err := NewVariables(schema, limit, ratio)
	if err != nil {
		t.Fatalf("variables: %v", err)
	}

	out, err := Render("delta_1.0.0_x.sql", "CREATE TABLE {{ .schema }}.t (n INTEGER DEFAULT {{ .limit }}, r REAL DEFAULT {{.ratio}});", vars)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	want := "CREATE TABLE app.t (n INTEGER DEFAULT 10, r REAL DEFAULT 1.25);"
	if out != want {
		t.Errorf("got %q, want %q", out, want)
	}
}

func TestRender_NoTemplateUntouched(t *testing.T) {
	body := "SELECT '%(name)s', $1;"
	out, err := Render("x.sql", body, nil)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != body {
		t.Errorf("body changed: %q", out)
	}
}

func TestRender_UnboundVariable(t *testing.T) {
	schema, _ := NewBinding(KindString, "schema", "app")
	vars, _ := NewVariables(schema)

	_, err := Render("delta_1.0.0_x.sql", "{{ if .owner }}ALTER TABLE {{ .schema }}.t OWNER TO {{ .owner }};{{ end }} -- {{ .zone }}", vars)
	if !errors.Is(err, ErrUnboundVariable) {
		t.Fatalf("expected ErrUnboundVariable, got %v", err)
	}
	if !strings.Contains(err.Error(), "owner, zone") {
		t.Errorf("expected sorted missing names in error, got %v", err)
	}
}

func TestRender_BraceLiterals(t *testing.T) {
	schema, _ := NewBinding(KindString, "schema", "app")
	vars, _ := NewVariables(schema)

	cases := []struct{ body, want string }{
		{
			"INSERT INTO grid (cells) VALUES ('{{1,2},{3,4}}');",
			"INSERT INTO grid (cells) VALUES ('{{1,2},{3,4}}');",
		},
		{
			"INSERT INTO {{ .schema }}.grid (cells) VALUES ('{{1,2},{3,4}}');",
			"INSERT INTO app.grid (cells) VALUES ('{{1,2},{3,4}}');",
		},
		{
			"SELECT '{{}}', '{{ not a var }}' FROM {{.schema}}.t;",
			"SELECT '{{}}', '{{ not a var }}' FROM app.t;",
		},
		{
			"{{/* owner */}}ALTER TABLE t OWNER TO {{ if .schema }}{{ .schema }}{{ end }};",
			"ALTER TABLE t OWNER TO app;",
		},
	}
	for _, tc := range cases {
		body, want := tc.body, tc.want
		out, err := Render("delta_1.0.0_grid.sql", body, vars)
		if err != nil {
			t.Fatalf("render %q: %v", body, err)
		}
		if out != want {
			t.Errorf("render %q: got %q, want %q", body, out, want)
		}
	}
}

func TestRender_InvalidTemplate(t *testing.T) {
	_, err := Render("delta_1.0.0_x.sql", "{{ if .schema }}CREATE TABLE t (id INTEGER);", nil)
	if !errors.Is(err, ErrInvalidTemplate) {
		t.Fatalf("expected ErrInvalidTemplate, got %v", err)
	}
	if !strings.Contains(err.Error(), "delta_1.0.0_x.sql") {
		t.Errorf("expected the unit name in the error, got %v", err)
	}
}
