package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/GoCodeAlone/dbdelta/database"
)

// PgConfig configures the PostgreSQL client tools.
type PgConfig struct {
	PgDump      string `yaml:"pg_dump"`
	PgRestore   string `yaml:"pg_restore"`
	DumpArgs    string `yaml:"dump_args"`    // extra pg_dump arguments, shell quoted
	RestoreArgs string `yaml:"restore_args"` // extra pg_restore arguments, shell quoted
}

// runFunc executes an external command and returns its exit code and output.
type runFunc func(ctx context.Context, name string, args ...string) (int, []byte, error)

// PgManager backs up and restores PostgreSQL databases with pg_dump and
// pg_restore in custom archive format.
type PgManager struct {
	pgDump      string
	pgRestore   string
	dumpArgs    []string
	restoreArgs []string
	logger      *slog.Logger
	run         runFunc
}

// NewPgManager creates a PgManager.
func NewPgManager(cfg PgConfig, logger *slog.Logger) (*PgManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dumpArgs, err := shellwords.Parse(cfg.DumpArgs)
	if err != nil {
		return nil, fmt.Errorf("parse pg_dump arguments %q: %w", cfg.DumpArgs, err)
	}
	restoreArgs, err := shellwords.Parse(cfg.RestoreArgs)
	if err != nil {
		return nil, fmt.Errorf("parse pg_restore arguments %q: %w", cfg.RestoreArgs, err)
	}
	m := &PgManager{
		pgDump:      cfg.PgDump,
		pgRestore:   cfg.PgRestore,
		dumpArgs:    dumpArgs,
		restoreArgs: restoreArgs,
		logger:      logger,
		run:         runCommand,
	}
	if m.pgDump == "" {
		m.pgDump = "pg_dump"
	}
	if m.pgRestore == "" {
		m.pgRestore = "pg_restore"
	}
	return m, nil
}

// DumpCommand returns the pg_dump argument list for target.
func (m *PgManager) DumpCommand(target database.Target, file string, excludeSchemas []string) []string {
	args := []string{"--format=custom", "--no-owner", "--file=" + file}
	for _, s := range excludeSchemas {
		args = append(args, "--exclude-schema="+s)
	}
	args = append(args, m.dumpArgs...)
	return append(args, "--dbname="+target.DataSource())
}

// RestoreCommand returns the pg_restore argument list for target.
func (m *PgManager) RestoreCommand(target database.Target, file string, excludeSchemas []string) []string {
	args := []string{"--no-owner", "--dbname=" + target.DataSource()}
	for _, s := range excludeSchemas {
		args = append(args, "--exclude-schema="+s)
	}
	args = append(args, m.restoreArgs...)
	return append(args, file)
}

// Backup runs pg_dump against target. Any failure is fatal.
func (m *PgManager) Backup(ctx context.Context, target database.Target, file string, excludeSchemas []string) error {
	m.logger.Info("dumping database", "target", target.String(), "file", file)
	code, out, err := m.run(ctx, m.pgDump, m.DumpCommand(target, file, excludeSchemas)...)
	if err != nil || code != 0 {
		return &Error{Op: "backup", Target: target.String(), Output: string(out), Err: exitError(m.pgDump, code, out, err)}
	}
	return nil
}

// Restore runs pg_restore into target. pg_restore exits with status 1 and
// reports "errors ignored on restore" when it loaded the archive but some
// statements failed; that case is returned as a tolerable *Error.
func (m *PgManager) Restore(ctx context.Context, target database.Target, file string, excludeSchemas []string) error {
	m.logger.Info("restoring database", "target", target.String(), "file", file)
	code, out, err := m.run(ctx, m.pgRestore, m.RestoreCommand(target, file, excludeSchemas)...)
	if err == nil && code == 0 {
		return nil
	}
	tolerable := err == nil && code == 1 && bytes.Contains(out, []byte("errors ignored on restore"))
	return &Error{
		Op:        "restore",
		Target:    target.String(),
		Tolerable: tolerable,
		Output:    string(out),
		Err:       exitError(m.pgRestore, code, out, err),
	}
}

func exitError(tool string, code int, out []byte, err error) error {
	if err != nil {
		return fmt.Errorf("run %s: %w", tool, err)
	}
	msg := strings.TrimSpace(string(out))
	if i := strings.LastIndexByte(msg, '\n'); i >= 0 {
		msg = msg[i+1:]
	}
	return fmt.Errorf("%s exited with status %d: %s", tool, code, msg)
}

// runCommand runs name and captures combined output. A non-zero exit status is
// reported through the code, not the error.
func runCommand(ctx context.Context, name string, args ...string) (int, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec // G204: tool paths come from operator configuration
	out, err := cmd.CombinedOutput()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), out, nil
	}
	if err != nil {
		return -1, out, err
	}
	return 0, out, nil
}
