package backup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/GoCodeAlone/dbdelta/database"
)

// SQLiteManager copies SQLite databases. Schemas do not apply and are ignored.
type SQLiteManager struct {
	logger *slog.Logger
}

// NewSQLiteManager creates a SQLiteManager.
func NewSQLiteManager(logger *slog.Logger) *SQLiteManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteManager{logger: logger}
}

// Backup writes a consistent copy of target to file using VACUUM INTO.
func (m *SQLiteManager) Backup(ctx context.Context, target database.Target, file string, _ []string) error {
	m.logger.Info("dumping database", "target", target.String(), "file", file)
	fail := func(err error) error {
		return &Error{Op: "backup", Target: target.String(), Err: err}
	}
	if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
		return fail(err)
	}
	db, err := database.Open(ctx, target)
	if err != nil {
		return fail(err)
	}
	defer db.Close()
	if _, err := db.ExecContext(ctx, `VACUUM INTO ?`, file); err != nil {
		return fail(fmt.Errorf("vacuum into %s: %w", file, err))
	}
	return nil
}

// Restore replaces the database file of target with file. The target must not
// be in use.
func (m *SQLiteManager) Restore(_ context.Context, target database.Target, file string, _ []string) error {
	m.logger.Info("restoring database", "target", target.String(), "file", file)
	dest := target.FilePath()
	if err := copyFile(file, dest); err != nil {
		return &Error{Op: "restore", Target: target.String(), Err: err}
	}
	for _, suffix := range []string{"-wal", "-shm", "-journal"} {
		_ = os.Remove(dest + suffix)
	}
	return nil
}

// copyFile writes src to a temporary file next to dst and renames it into
// place.
func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // G304: archive path comes from operator input
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".restore-*")
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("copy archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temporary file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("replace %s: %w", dst, err)
	}
	return nil
}
