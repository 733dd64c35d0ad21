package backup

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/GoCodeAlone/dbdelta/database"
)

type recordedCall struct {
	name string
	args []string
}

func fakeRunner(code int, out string, err error, calls *[]recordedCall) runFunc {
	return func(_ context.Context, name string, args ...string) (int, []byte, error) {
		*calls = append(*calls, recordedCall{name: name, args: args})
		return code, []byte(out), err
	}
}

func pgTarget(t *testing.T) database.Target {
	t.Helper()
	target, err := database.ParseTarget("prod", "postgres://app@db.internal/app")
	if err != nil {
		t.Fatalf("ParseTarget: %v", err)
	}
	return target
}

func TestPgManager_BackupArguments(t *testing.T) {
	m, err := NewPgManager(PgConfig{PgDump: "/opt/pg/bin/pg_dump", DumpArgs: `--jobs 1 --lock-wait-timeout="5 s"`}, nil)
	if err != nil {
		t.Fatalf("NewPgManager: %v", err)
	}
	var calls []recordedCall
	m.run = fakeRunner(0, "", nil, &calls)

	if err := m.Backup(context.Background(), pgTarget(t), "/tmp/prod.dump", []string{"audit", "scratch"}); err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if len(calls) != 1 || calls[0].name != "/opt/pg/bin/pg_dump" {
		t.Fatalf("unexpected calls: %+v", calls)
	}
	args := calls[0].args
	for _, want := range []string{
		"--format=custom", "--no-owner", "--file=/tmp/prod.dump",
		"--exclude-schema=audit", "--exclude-schema=scratch",
		"--jobs", "1", "--lock-wait-timeout=5 s",
		"--dbname=postgres://app@db.internal/app",
	} {
		if !slices.Contains(args, want) {
			t.Errorf("argument %q missing from %v", want, args)
		}
	}
	if args[len(args)-1] != "--dbname=postgres://app@db.internal/app" {
		t.Errorf("expected --dbname last, got %v", args)
	}
}

func TestPgManager_BackupFailureIsFatal(t *testing.T) {
	m, _ := NewPgManager(PgConfig{}, nil)
	var calls []recordedCall
	m.run = fakeRunner(1, "pg_dump: error: connection refused\n", nil, &calls)

	err := m.Backup(context.Background(), pgTarget(t), "x.dump", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if IsTolerable(err) {
		t.Error("backup errors must never be tolerable")
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("error %q should include tool output", err)
	}
	if calls[0].name != "pg_dump" {
		t.Errorf("expected default tool name, got %q", calls[0].name)
	}
}

func TestPgManager_Restore(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		out       string
		runErr    error
		wantErr   bool
		tolerable bool
	}{
		{name: "clean", code: 0},
		{name: "ignored errors", code: 1, out: "pg_restore: warning: errors ignored on restore: 3\n", wantErr: true, tolerable: true},
		{name: "other status 1", code: 1, out: "pg_restore: error: could not open input file\n", wantErr: true},
		{name: "hard failure", code: 2, out: "errors ignored on restore: 1", wantErr: true},
		{name: "missing binary", code: -1, runErr: errors.New("executable file not found"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := NewPgManager(PgConfig{RestoreArgs: "--single-transaction"}, nil)
			var calls []recordedCall
			m.run = fakeRunner(tt.code, tt.out, tt.runErr, &calls)

			err := m.Restore(context.Background(), pgTarget(t), "prod.dump", []string{"audit"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Restore error = %v, wantErr %v", err, tt.wantErr)
			}
			if IsTolerable(err) != tt.tolerable {
				t.Errorf("IsTolerable = %v, want %v", IsTolerable(err), tt.tolerable)
			}
			args := calls[0].args
			if args[len(args)-1] != "prod.dump" {
				t.Errorf("expected archive last, got %v", args)
			}
			if !slices.Contains(args, "--exclude-schema=audit") || !slices.Contains(args, "--single-transaction") {
				t.Errorf("unexpected arguments %v", args)
			}
		})
	}
}

func TestNewPgManager_BadArguments(t *testing.T) {
	if _, err := NewPgManager(PgConfig{DumpArgs: `--file "unterminated`}, nil); err == nil {
		t.Fatal("expected parse error for unterminated quote")
	}
}

func TestSQLiteManager_RoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src, _ := database.ParseTarget("prod", filepath.Join(dir, "prod.db"))
	dst, _ := database.ParseTarget("test", filepath.Join(dir, "test.db"))

	db, err := database.Open(ctx, src)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT); INSERT INTO items (name) VALUES ('a'), ('b')`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	db.Close()

	m := NewSQLiteManager(nil)
	archive := filepath.Join(dir, "prod.backup")
	if err := m.Backup(ctx, src, archive, nil); err != nil {
		t.Fatalf("Backup: %v", err)
	}
	// A second backup to the same file replaces it.
	if err := m.Backup(ctx, src, archive, nil); err != nil {
		t.Fatalf("Backup again: %v", err)
	}
	if err := m.Restore(ctx, dst, archive, nil); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	restored, err := database.Open(ctx, dst)
	if err != nil {
		t.Fatalf("open restored: %v", err)
	}
	defer restored.Close()
	var n int
	if err := restored.QueryRowContext(ctx, `SELECT count(*) FROM items`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("restored %d rows, want 2", n)
	}
}

func TestSQLiteManager_RestoreMissingArchive(t *testing.T) {
	dst, _ := database.ParseTarget("test", filepath.Join(t.TempDir(), "test.db"))
	err := NewSQLiteManager(nil).Restore(context.Background(), dst, "does-not-exist.backup", nil)
	var be *Error
	if !errors.As(err, &be) || be.Op != "restore" || be.Tolerable {
		t.Fatalf("expected fatal restore error, got %v", err)
	}
}

func TestRouter(t *testing.T) {
	var calls []recordedCall
	pg, _ := NewPgManager(PgConfig{}, nil)
	pg.run = fakeRunner(0, "", nil, &calls)
	r := Router{Postgres: pg}

	if err := r.Backup(context.Background(), pgTarget(t), "x.dump", nil); err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("expected postgres manager to be called")
	}
	lite, _ := database.ParseTarget("", "local.db")
	if err := r.Backup(context.Background(), lite, "x.dump", nil); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}
