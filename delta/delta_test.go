package delta

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeDelta(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func unitNames(units []Unit) []string {
	names := make([]string, len(units))
	for i, u := range units {
		names[i] = u.Name
	}
	return names
}

func TestDiscover_OrdersAcrossDirectories(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	writeDelta(t, dirA, "delta_1.2.0_second.sql", "SELECT 2;")
	writeDelta(t, dirB, "delta_1.1.0_first.sql", "SELECT 1;")
	writeDelta(t, dirA, "delta_1.0.0_initial.sql", "SELECT 0;")

	units, err := Discover([]string{dirA, dirB})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	want := []string{"delta_1.0.0_initial.sql", "delta_1.1.0_first.sql", "delta_1.2.0_second.sql"}
	got := unitNames(units)
	if len(got) != len(want) {
		t.Fatalf("expected %d units, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("unit[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if units[1].Priority != 1 {
		t.Errorf("expected priority 1 for unit from second directory, got %d", units[1].Priority)
	}
}

func TestDiscover_SameVersionKeptPerDirectory(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	writeDelta(t, dirB, "delta_2.0.0_b.sql", "SELECT 'b';")
	writeDelta(t, dirA, "delta_2.0.0_z.sql", "SELECT 'z';")
	writeDelta(t, dirA, "delta_2.0.0_a.sql", "SELECT 'a';")

	units, err := Discover([]string{dirA, dirB})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	want := []string{"delta_2.0.0_a.sql", "delta_2.0.0_z.sql", "delta_2.0.0_b.sql"}
	got := unitNames(units)
	if len(got) != 3 {
		t.Fatalf("expected 3 units, got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("unit[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestDiscover_SkipsNonMatchingFiles(t *testing.T) {
	dir := t.TempDir()
	writeDelta(t, dir, "README.md", "docs")
	writeDelta(t, dir, "changelog.sql", "SELECT 1;")
	writeDelta(t, dir, PreHookName, "SELECT 1;")
	writeDelta(t, dir, "delta_0.0.1_only.sql", "SELECT 1;")
	if err := os.Mkdir(filepath.Join(dir, "delta_9.9.9_dir.sql"), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	units, err := Discover([]string{dir})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(units) != 1 || units[0].Name != "delta_0.0.1_only.sql" {
		t.Fatalf("expected only delta_0.0.1_only.sql, got %v", unitNames(units))
	}
	if units[0].Description != "only" {
		t.Errorf("expected description 'only', got %q", units[0].Description)
	}
}

func TestDiscover_MalformedVersion(t *testing.T) {
	dir := t.TempDir()
	writeDelta(t, dir, "delta_1.x.0_bad.sql", "SELECT 1;")

	_, err := Discover([]string{dir})
	if !errors.Is(err, ErrMalformedVersion) {
		t.Fatalf("expected ErrMalformedVersion, got %v", err)
	}
}

func TestDiscover_UnreadableDirectory(t *testing.T) {
	_, err := Discover([]string{filepath.Join(t.TempDir(), "missing")})
	if !errors.Is(err, ErrUnreadableDelta) {
		t.Fatalf("expected ErrUnreadableDelta, got %v", err)
	}
}

func TestDiscover_ChecksumStable(t *testing.T) {
	dir := t.TempDir()
	writeDelta(t, dir, "delta_1.0.0_x.sql", "CREATE TABLE x (id INTEGER);")

	first, err := Discover([]string{dir})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	second, err := Discover([]string{dir})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if first[0].Checksum != second[0].Checksum {
		t.Errorf("checksum changed between runs: %s vs %s", first[0].Checksum, second[0].Checksum)
	}
	if first[0].Checksum != Checksum("CREATE TABLE x (id INTEGER);") {
		t.Errorf("checksum does not match body")
	}
}

func TestDiscoverHooks(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	writeDelta(t, dirA, PreHookName, "SELECT 'pre a';")
	writeDelta(t, dirB, PreHookName, "SELECT 'pre b';")
	writeDelta(t, dirB, PostHookName, "SELECT 'post b';")

	pre, post, err := DiscoverHooks([]string{dirA, dirB})
	if err != nil {
		t.Fatalf("hooks: %v", err)
	}
	if len(pre) != 2 || pre[0].Dir != dirA || pre[1].Dir != dirB {
		t.Errorf("unexpected pre hooks: %+v", pre)
	}
	if len(post) != 1 || post[0].Body != "SELECT 'post b';" {
		t.Errorf("unexpected post hooks: %+v", post)
	}
}

func TestUnitKey(t *testing.T) {
	first := Unit{Name: "delta_1.1.0_common.sql"}
	second := Unit{Name: "delta_1.1.0_common.sql", Priority: 2}
	if first.Key() != "delta_1.1.0_common.sql" {
		t.Errorf("first directory key = %q", first.Key())
	}
	if second.Key() != "2/delta_1.1.0_common.sql" {
		t.Errorf("later directory key = %q", second.Key())
	}
}

func TestDiscoverWith_Programs(t *testing.T) {
	dir := t.TempDir()
	writeDelta(t, dir, "delta_1.0.0_a.sql", "SELECT 1;")
	writeDelta(t, dir, "delta_1.1.0_backfill_rows.program", "moves rows")

	called := false
	reg := NewRegistry()
	err := reg.Register("delta_1.1.0_backfill_rows", ProgramFunc(func(context.Context, ProgramContext) error {
		called = true
		return nil
	}))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	units, err := DiscoverWith([]string{dir}, reg)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(units) != 2 || units[1].Program == nil || units[0].Program != nil {
		t.Fatalf("expected the second unit to be a program, got %+v", units)
	}
	if units[1].Description != "backfill rows" || units[1].Checksum != Checksum("moves rows") {
		t.Errorf("unexpected program unit %+v", units[1])
	}
	if err := units[1].Program.Run(context.Background(), ProgramContext{}); err != nil || !called {
		t.Errorf("expected the registered program to run, err=%v", err)
	}
}

func TestDiscover_UnregisteredProgram(t *testing.T) {
	dir := t.TempDir()
	writeDelta(t, dir, "delta_1.1.0_unknown.program", "")
	if _, err := Discover([]string{dir}); !errors.Is(err, ErrUnregisteredProgram) {
		t.Fatalf("expected ErrUnregisteredProgram, got %v", err)
	}
}

func TestRegistry_RegisterValidation(t *testing.T) {
	noop := ProgramFunc(func(context.Context, ProgramContext) error { return nil })
	reg := NewRegistry()
	if err := reg.Register("delta_1.0.0_ok", noop); err != nil {
		t.Fatalf("register: %v", err)
	}
	for name, p := range map[string]Program{
		"delta_1.0.0_ok":  noop,
		"backfill":        noop,
		"delta_1.x.0_bad": noop,
		"delta_2.0.0_nil": nil,
	} {
		if err := reg.Register(name, p); err == nil {
			t.Errorf("expected %s to be rejected", name)
		}
	}
	if _, ok := reg.Lookup("delta_1.0.0_ok"); !ok {
		t.Error("expected registered program to be found")
	}
}

func TestRegister_PanicsOnDuplicate(t *testing.T) {
	noop := ProgramFunc(func(context.Context, ProgramContext) error { return nil })
	Register("delta_0.0.1_register_test", noop)
	defer func() {
		if recover() == nil {
			t.Error("expected a panic on duplicate registration")
		}
	}()
	Register("delta_0.0.1_register_test", noop)
}
